package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
)

// cleanRemotePath strips leading/trailing slashes, returns "" for root.
func cleanRemotePath(path string) string {
	return strings.Trim(path, "/")
}

// splitParentAndName splits a remote path into parent path and name.
// For "foo/bar/baz" returns ("foo/bar", "baz").
// For "baz" returns ("", "baz").
func splitParentAndName(path string) (string, string) {
	clean := cleanRemotePath(path)

	idx := strings.LastIndex(clean, "/")
	if idx < 0 {
		return "", clean
	}

	return clean[:idx], clean[idx+1:]
}

// resolvePath walks a slash-separated remote path from the drive root,
// one listing per segment. Backends identify items by opaque ids, not
// paths, so this walk is the only path lookup. "" and "/" resolve to
// the root directory.
func resolvePath(
	ctx context.Context, gw gateway.Gateway, root gateway.RootName,
	params gateway.Params, path string,
) (contract.Item, error) {
	rootDir, err := gw.GetRoot(ctx, root, params)
	if err != nil {
		return nil, err
	}

	var current contract.Item = rootDir

	clean := cleanRemotePath(path)
	if clean == "" {
		return current, nil
	}

	built := ""

	for _, segment := range strings.Split(clean, "/") {
		if built == "" {
			built = segment
		} else {
			built = built + "/" + segment
		}

		if !current.ItemID().IsDirectory() {
			return nil, fmt.Errorf("%q is not a directory", built)
		}

		child, err := findChild(ctx, gw, root, params, current.ItemID(), segment)
		if err != nil {
			return nil, err
		}

		if child == nil {
			return nil, fmt.Errorf("%q: %w", built, gateway.ErrNotFound)
		}

		current = child
	}

	return current, nil
}

// resolveDirectory resolves a path that must name a directory.
func resolveDirectory(
	ctx context.Context, gw gateway.Gateway, root gateway.RootName,
	params gateway.Params, path string,
) (*contract.DirectoryInfo, error) {
	item, err := resolvePath(ctx, gw, root, params, path)
	if err != nil {
		return nil, err
	}

	dir, ok := item.(*contract.DirectoryInfo)
	if !ok {
		return nil, fmt.Errorf("%q is not a directory", path)
	}

	return dir, nil
}

// resolveFile resolves a path that must name a file.
func resolveFile(
	ctx context.Context, gw gateway.Gateway, root gateway.RootName,
	params gateway.Params, path string,
) (*contract.FileInfo, error) {
	item, err := resolvePath(ctx, gw, root, params, path)
	if err != nil {
		return nil, err
	}

	file, ok := item.(*contract.FileInfo)
	if !ok {
		return nil, fmt.Errorf("%q is a directory, not a file", path)
	}

	return file, nil
}

// findChild returns the named child of a directory, or nil when the
// directory has no such child.
func findChild(
	ctx context.Context, gw gateway.Gateway, root gateway.RootName,
	params gateway.Params, parent fsid.ID, name string,
) (contract.Item, error) {
	items, err := gw.GetChildItems(ctx, root, parent, params)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if item.ItemName() == name {
			return item, nil
		}
	}

	return nil, nil
}
