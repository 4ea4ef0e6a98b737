package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/gateway"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and directories",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or directory metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory (recursive)",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or directory",
		Long: `Delete a file or directory. Directory deletion is recursive — all
contents are deleted. Use --recursive (-r) to confirm intent when
deleting directories.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive directory deletion")

	return cmd
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <source> <destination>",
		Short: "Move or rename a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE:  runMv,
	}
}

func newCpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cp <source> <destination>",
		Short: "Copy a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE:  runCp,
	}

	cmd.Flags().BoolP("recursive", "r", false, "copy directories recursively")

	return cmd
}

// lsJSONItem is the JSON output schema for a single item in ls output.
type lsJSONItem struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"is_directory"`
	Modified    string `json:"modified,omitempty"`
}

func runLs(cmd *cobra.Command, args []string) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}

	ctx := cmd.Context()

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	if err := reg.Require(gateway.CapGetChildItems); err != nil {
		return err
	}

	gw := reg.Gateway()

	dir, err := resolveDirectory(ctx, gw, root, params, path)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", path, err)
	}

	items, err := gw.GetChildItems(ctx, root, dir.ID, params)
	if err != nil {
		return fmt.Errorf("listing %q: %w", path, err)
	}

	if flagJSON {
		return printItemsJSON(items)
	}

	printItemsTable(items)

	return nil
}

func printItemsJSON(items []contract.Item) error {
	out := make([]lsJSONItem, 0, len(items))

	for _, item := range items {
		entry := lsJSONItem{
			Name:        item.ItemName(),
			ID:          item.ItemID().String(),
			IsDirectory: item.ItemID().IsDirectory(),
		}

		if file, ok := item.(*contract.FileInfo); ok {
			entry.Size = file.Size

			if !file.Modified.Equal(contract.EpochSentinel) {
				entry.Modified = file.Modified.UTC().Format("2006-01-02T15:04:05Z")
			}
		}

		out = append(out, entry)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printItemsTable(items []contract.Item) {
	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(items))

	for _, item := range items {
		switch it := item.(type) {
		case *contract.DirectoryInfo:
			rows = append(rows, []string{it.Name + "/", "-", formatTime(it.Modified)})
		case *contract.FileInfo:
			rows = append(rows, []string{it.Name, formatSize(it.Size), formatTime(it.Modified)})
		}
	}

	printTable(os.Stdout, headers, rows)
}

// statJSONOutput is the JSON output schema for the stat command.
type statJSONOutput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"is_directory"`
	ContentHash string `json:"content_hash,omitempty"`
	Created     string `json:"created,omitempty"`
	Modified    string `json:"modified,omitempty"`
}

func runStat(cmd *cobra.Command, args []string) error {
	path := args[0]
	ctx := cmd.Context()

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	item, err := resolvePath(ctx, reg.Gateway(), root, params, path)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", path, err)
	}

	if flagJSON {
		return printStatJSON(item)
	}

	printStatText(item)

	return nil
}

func printStatJSON(item contract.Item) error {
	out := statJSONOutput{
		ID:          item.ItemID().String(),
		Name:        item.ItemName(),
		IsDirectory: item.ItemID().IsDirectory(),
	}

	switch it := item.(type) {
	case *contract.DirectoryInfo:
		out.Created = formatStamp(it.Created)
		out.Modified = formatStamp(it.Modified)
	case *contract.FileInfo:
		out.Size = it.Size
		out.ContentHash = it.ContentHash
		out.Created = formatStamp(it.Created)
		out.Modified = formatStamp(it.Modified)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printStatText(item contract.Item) {
	itemType := "file"
	if item.ItemID().IsDirectory() {
		itemType = "directory"
	}

	fmt.Printf("Name:     %s\n", item.ItemName())
	fmt.Printf("Type:     %s\n", itemType)

	if file, ok := item.(*contract.FileInfo); ok {
		fmt.Printf("Size:     %s (%d bytes)\n", formatSize(file.Size), file.Size)

		if file.ContentHash != "" {
			fmt.Printf("Hash:     %s\n", file.ContentHash)
		}

		fmt.Printf("Modified: %s\n", formatTime(file.Modified))
		fmt.Printf("Created:  %s\n", formatTime(file.Created))
	}

	if dir, ok := item.(*contract.DirectoryInfo); ok {
		fmt.Printf("Modified: %s\n", formatTime(dir.Modified))
		fmt.Printf("Created:  %s\n", formatTime(dir.Created))
	}

	fmt.Printf("ID:       %s\n", item.ItemID().String())
}

// mkdirJSONOutput is the JSON output schema for the mkdir command.
type mkdirJSONOutput struct {
	Created string `json:"created"`
	ID      string `json:"id"`
}

func runMkdir(cmd *cobra.Command, args []string) error {
	path := cleanRemotePath(args[0])
	if path == "" {
		return fmt.Errorf("cannot create root directory")
	}

	ctx := cmd.Context()

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	if err := reg.Require(gateway.CapNewDirectory); err != nil {
		return err
	}

	gw := reg.Gateway()

	rootDir, err := gw.GetRoot(ctx, root, params)
	if err != nil {
		return err
	}

	// Walk path segments, creating each missing directory.
	parent := rootDir.ID
	built := ""

	for _, segment := range strings.Split(path, "/") {
		if built == "" {
			built = segment
		} else {
			built = built + "/" + segment
		}

		existing, err := findChild(ctx, gw, root, params, parent, segment)
		if err != nil {
			return err
		}

		if existing != nil {
			if !existing.ItemID().IsDirectory() {
				return fmt.Errorf("%q exists and is not a directory", built)
			}

			parent = existing.ItemID()

			continue
		}

		dir, err := gw.NewDirectoryItem(ctx, root, parent, segment, params)
		if err != nil {
			return fmt.Errorf("creating directory %q: %w", built, err)
		}

		parent = dir.ID
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(mkdirJSONOutput{Created: path, ID: parent.String()})
	}

	statusf("Created %s\n", path)

	return nil
}

// rmJSONOutput is the JSON output schema for the rm command.
type rmJSONOutput struct {
	Deleted string `json:"deleted"`
}

func runRm(cmd *cobra.Command, args []string) error {
	path := args[0]
	ctx := cmd.Context()

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	if err := reg.Require(gateway.CapRemoveItem); err != nil {
		return err
	}

	gw := reg.Gateway()

	item, err := resolvePath(ctx, gw, root, params, path)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", path, err)
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	if item.ItemID().IsDirectory() && !recursive {
		return fmt.Errorf("cannot delete directory %q without --recursive (-r)", path)
	}

	if err := gw.RemoveItem(ctx, root, item.ItemID(), recursive, params); err != nil {
		return fmt.Errorf("deleting %q: %w", path, err)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rmJSONOutput{Deleted: path})
	}

	statusf("Deleted %s\n", path)

	return nil
}

// destinationSpec resolves a destination argument: an existing
// directory keeps the source name, otherwise the last path segment
// names the result and its parent must be an existing directory.
func destinationSpec(
	cmd *cobra.Command, gw gateway.Gateway, root gateway.RootName, params gateway.Params,
	dstPath, sourceName string,
) (*contract.DirectoryInfo, string, error) {
	ctx := cmd.Context()

	existing, err := resolvePath(ctx, gw, root, params, dstPath)

	switch {
	case err == nil:
		dir, ok := existing.(*contract.DirectoryInfo)
		if !ok {
			return nil, "", fmt.Errorf("destination %q already exists", dstPath)
		}

		return dir, sourceName, nil

	case errors.Is(err, gateway.ErrNotFound):
		parentPath, name := splitParentAndName(dstPath)

		dir, dirErr := resolveDirectory(ctx, gw, root, params, parentPath)
		if dirErr != nil {
			return nil, "", fmt.Errorf("resolving destination parent %q: %w", parentPath, dirErr)
		}

		return dir, name, nil

	default:
		return nil, "", err
	}
}

func runMv(cmd *cobra.Command, args []string) error {
	srcPath, dstPath := args[0], args[1]
	ctx := cmd.Context()

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	gw := reg.Gateway()

	source, err := resolvePath(ctx, gw, root, params, srcPath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", srcPath, err)
	}

	dstDir, name, err := destinationSpec(cmd, gw, root, params, dstPath, source.ItemName())
	if err != nil {
		return err
	}

	isDir := source.ItemID().IsDirectory()

	// A destination inside the source's own parent is a rename, which
	// some backends support on files only.
	if sameParent(ctx, gw, root, params, srcPath, dstDir) {
		capNeeded := gateway.CapRenameFile
		if isDir {
			capNeeded = gateway.CapRenameDirectory
		}

		if err := reg.Require(capNeeded); err != nil {
			return err
		}

		renamed, err := gw.RenameItem(ctx, root, source.ItemID(), name, params)
		if err != nil {
			return fmt.Errorf("renaming %q: %w", srcPath, err)
		}

		statusf("Renamed %s -> %s\n", srcPath, renamed.ItemName())

		return nil
	}

	capNeeded := gateway.CapMoveFile
	if isDir {
		capNeeded = gateway.CapMoveDirectory
	}

	if err := reg.Require(capNeeded); err != nil {
		return err
	}

	if _, err := gw.MoveItem(ctx, root, source.ItemID(), name, dstDir.ID, params); err != nil {
		return fmt.Errorf("moving %q: %w", srcPath, err)
	}

	statusf("Moved %s -> %s\n", srcPath, dstPath)

	return nil
}

// sameParent reports whether the destination directory is the source's
// own parent, i.e. the move is a rename in place.
func sameParent(
	ctx context.Context, gw gateway.Gateway, root gateway.RootName, params gateway.Params,
	srcPath string, dstDir *contract.DirectoryInfo,
) bool {
	parentPath, _ := splitParentAndName(srcPath)

	parent, err := resolveDirectory(ctx, gw, root, params, parentPath)
	if err != nil {
		return false
	}

	return parent.ID == dstDir.ID
}

func runCp(cmd *cobra.Command, args []string) error {
	srcPath, dstPath := args[0], args[1]
	ctx := cmd.Context()

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	gw := reg.Gateway()

	source, err := resolvePath(ctx, gw, root, params, srcPath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", srcPath, err)
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	isDir := source.ItemID().IsDirectory()
	if isDir && !recursive {
		return fmt.Errorf("cannot copy directory %q without --recursive (-r)", srcPath)
	}

	capNeeded := gateway.CapCopyFile
	if isDir {
		capNeeded = gateway.CapCopyDirectory
	}

	if err := reg.Require(capNeeded); err != nil {
		return err
	}

	dstDir, name, err := destinationSpec(cmd, gw, root, params, dstPath, source.ItemName())
	if err != nil {
		return err
	}

	if _, err := gw.CopyItem(ctx, root, source.ItemID(), name, dstDir.ID, recursive, params); err != nil {
		return fmt.Errorf("copying %q: %w", srcPath, err)
	}

	statusf("Copied %s -> %s\n", srcPath, dstPath)

	return nil
}
