package gateway

import (
	"context"
	"io"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
)

// RootName identifies one connected drive: a backend schema plus an
// account identifier. Comparable value type; used as the session
// cache key. Supplied by the caller and never mutated.
type RootName struct {
	Schema  string
	Account string
}

// String returns the "schema:account" form used in logs and as a
// single-flight key.
func (r RootName) String() string {
	return r.Schema + ":" + r.Account
}

// IsZero reports whether both components are empty.
func (r RootName) IsZero() bool {
	return r.Schema == "" && r.Account == ""
}

// Params carries backend-specific configuration for a call, e.g. a
// storage container name. May be nil.
type Params map[string]string

// Get returns the value for key, or "" when absent.
func (p Params) Get(key string) string {
	if p == nil {
		return ""
	}

	return p[key]
}

// Gateway is the façade every backend implements: the unified
// operation set over one backend's native API. Implementations
// compose the session cache, retry policy, chunked transfer engine,
// and their contract normalizers; callers consult the registered
// capabilities before invoking an operation.
//
// All operations are context-aware and safe for concurrent use across
// different roots and different items.
type Gateway interface {
	// TryAuthenticate establishes (or reuses) the session for root,
	// failing with ErrAuthentication when credentials are rejected.
	TryAuthenticate(ctx context.Context, root RootName, params Params) error

	// GetDrive returns the drive's identity and quota.
	GetDrive(ctx context.Context, root RootName, params Params) (*contract.DriveInfo, error)

	// GetRoot returns the drive's root directory.
	GetRoot(ctx context.Context, root RootName, params Params) (*contract.DirectoryInfo, error)

	// GetChildItems lists the direct children of a directory.
	GetChildItems(ctx context.Context, root RootName, parent fsid.ID, params Params) ([]contract.Item, error)

	// ClearContent truncates a file to zero length.
	ClearContent(ctx context.Context, root RootName, target fsid.ID, params Params) error

	// GetContent opens a file's content for reading. The caller must
	// close the returned stream.
	GetContent(ctx context.Context, root RootName, source fsid.ID, params Params) (io.ReadCloser, error)

	// SetContent replaces a file's content. Payloads above the
	// backend's large-object threshold go through the chunked
	// transfer engine; progress, when non-nil, receives cumulative
	// updates.
	SetContent(ctx context.Context, root RootName, target fsid.ID, content io.Reader,
		size int64, progress contract.ProgressFunc, params Params) (*contract.FileInfo, error)

	// CopyItem copies a file or, when recurse is set, a directory
	// tree, into destination under copyName.
	CopyItem(ctx context.Context, root RootName, source fsid.ID, copyName string,
		destination fsid.ID, recurse bool, params Params) (contract.Item, error)

	// MoveItem moves an item into destination under moveName.
	MoveItem(ctx context.Context, root RootName, source fsid.ID, moveName string,
		destination fsid.ID, params Params) (contract.Item, error)

	// NewDirectoryItem creates a directory under parent.
	NewDirectoryItem(ctx context.Context, root RootName, parent fsid.ID,
		name string, params Params) (*contract.DirectoryInfo, error)

	// NewFileItem creates a file under parent with the given content.
	// Zero-length content never reaches the backend transfer path.
	NewFileItem(ctx context.Context, root RootName, parent fsid.ID, name string,
		content io.Reader, size int64, progress contract.ProgressFunc, params Params) (*contract.FileInfo, error)

	// RemoveItem deletes an item; directories require recurse.
	RemoveItem(ctx context.Context, root RootName, target fsid.ID, recurse bool, params Params) error

	// RenameItem renames an item in place.
	RenameItem(ctx context.Context, root RootName, target fsid.ID,
		newName string, params Params) (contract.Item, error)

	// PurgeSettings evicts cached sessions and discards persisted
	// credentials for one root, or for all roots when nil.
	PurgeSettings(root *RootName) error
}
