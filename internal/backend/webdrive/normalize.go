package webdrive

import (
	"fmt"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
)

// Wire payloads. The service serializes 64-bit numbers as decimal
// strings and omits fields it does not track; normalization maps both
// conventions onto the canonical contracts.

type itemPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Size     string `json:"size,omitempty"`
	Created  string `json:"created,omitempty"`
	Modified string `json:"modified,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

type quotaPayload struct {
	Total     string `json:"total,omitempty"`
	Used      string `json:"used,omitempty"`
	Remaining string `json:"remaining,omitempty"`
}

type drivePayload struct {
	ID    string       `json:"id"`
	Quota quotaPayload `json:"quota"`
}

type childrenPayload struct {
	Items []itemPayload `json:"items"`
}

type copyStatusPayload struct {
	Status string       `json:"status"`
	Item   *itemPayload `json:"item,omitempty"`
}

// toItem normalizes a wire item onto the canonical contract for its
// kind. Unknown kinds and malformed fields fail with ErrFormat.
func (p itemPayload) toItem() (contract.Item, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("webdrive: item without id: %w", gateway.ErrFormat)
	}

	created, err := contract.NormalizeTime(p.Created)
	if err != nil {
		return nil, err
	}

	modified, err := contract.NormalizeTime(p.Modified)
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case "directory":
		return &contract.DirectoryInfo{
			ID:       fsid.NewDirectory(p.ID),
			Name:     p.Name,
			Created:  created,
			Modified: modified,
		}, nil

	case "file":
		var size int64
		if p.Size != "" {
			if size, err = contract.ParseInt64("size", p.Size); err != nil {
				return nil, err
			}
		}

		return &contract.FileInfo{
			ID:          fsid.NewFile(p.ID),
			Name:        p.Name,
			Created:     created,
			Modified:    modified,
			Size:        size,
			ContentHash: p.Hash,
		}, nil

	default:
		return nil, fmt.Errorf("webdrive: item %s: unknown kind %q: %w", p.ID, p.Kind, gateway.ErrFormat)
	}
}

// toFile normalizes a wire item that must be a file.
func (p itemPayload) toFile() (*contract.FileInfo, error) {
	item, err := p.toItem()
	if err != nil {
		return nil, err
	}

	file, ok := item.(*contract.FileInfo)
	if !ok {
		return nil, fmt.Errorf("webdrive: item %s: expected file, got directory: %w", p.ID, gateway.ErrFormat)
	}

	return file, nil
}

// toDirectory normalizes a wire item that must be a directory.
func (p itemPayload) toDirectory() (*contract.DirectoryInfo, error) {
	item, err := p.toItem()
	if err != nil {
		return nil, err
	}

	dir, ok := item.(*contract.DirectoryInfo)
	if !ok {
		return nil, fmt.Errorf("webdrive: item %s: expected directory, got file: %w", p.ID, gateway.ErrFormat)
	}

	return dir, nil
}

// toDrive normalizes the drive payload, deriving the canonical quota
// pair from whichever fields the service reported.
func (p drivePayload) toDrive() (*contract.DriveInfo, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("webdrive: drive without id: %w", gateway.ErrFormat)
	}

	var quota contract.Quota

	parse := func(field, raw string) (*int64, error) {
		if raw == "" {
			return nil, nil //nolint:nilnil // absent field
		}

		n, err := contract.ParseInt64(field, raw)
		if err != nil {
			return nil, err
		}

		return &n, nil
	}

	var err error

	if quota.Total, err = parse("quota total", p.Quota.Total); err != nil {
		return nil, err
	}

	if quota.Used, err = parse("quota used", p.Quota.Used); err != nil {
		return nil, err
	}

	if quota.Remaining, err = parse("quota remaining", p.Quota.Remaining); err != nil {
		return nil, err
	}

	used, free := quota.Normalize()

	return &contract.DriveInfo{
		ID:        fsid.NewDirectory(p.ID),
		UsedSpace: used,
		FreeSpace: free,
	}, nil
}
