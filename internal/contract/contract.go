// Package contract defines the canonical, backend-independent
// descriptions of remote drives and items, plus the normalization
// helpers that map heterogeneous backend metadata onto them.
// Contracts are immutable snapshots; only normalization code builds
// them, and normalization performs no I/O.
package contract

import (
	"time"

	"github.com/unidrive/unidrive-go/internal/fsid"
)

// DriveInfo describes a drive's identity and quota.
type DriveInfo struct {
	ID        fsid.ID
	FreeSpace int64
	UsedSpace int64
}

// DirectoryInfo describes a directory item.
type DirectoryInfo struct {
	ID       fsid.ID
	Name     string
	Created  time.Time
	Modified time.Time
}

// FileInfo describes a file item. ContentHash is the backend's native
// content hash, left empty when the backend provides none — it is
// never fabricated locally.
type FileInfo struct {
	ID          fsid.ID
	Name        string
	Created     time.Time
	Modified    time.Time
	Size        int64
	ContentHash string
}

// Item is the two-variant union over directory and file contracts.
// Callers dispatch with an exhaustive type switch over *DirectoryInfo
// and *FileInfo.
type Item interface {
	ItemID() fsid.ID
	ItemName() string
}

// ItemID implements Item.
func (d *DirectoryInfo) ItemID() fsid.ID { return d.ID }

// ItemName implements Item.
func (d *DirectoryInfo) ItemName() string { return d.Name }

// ItemID implements Item.
func (f *FileInfo) ItemID() fsid.ID { return f.ID }

// ItemName implements Item.
func (f *FileInfo) ItemName() string { return f.Name }

// Compile-time union membership assertions.
var (
	_ Item = (*DirectoryInfo)(nil)
	_ Item = (*FileInfo)(nil)
)
