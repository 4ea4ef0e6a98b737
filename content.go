package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/transfer"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPut,
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <remote-path>",
		Short: "Write a file's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	if err := reg.Require(gateway.CapGetContent); err != nil {
		return err
	}

	gw := reg.Gateway()

	file, err := resolveFile(ctx, gw, root, params, remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	localPath := file.Name
	if len(args) > 1 {
		localPath = args[1]
	}

	// Download to a partial file and rename into place, so an
	// interrupted transfer never leaves a truncated target.
	partialPath := localPath + ".partial"

	f, err := os.Create(partialPath)
	if err != nil {
		return fmt.Errorf("creating %q: %w", partialPath, err)
	}

	written, dlErr := downloadTo(ctx, app.engine, gw, root, file.ID, params, f)

	if closeErr := f.Close(); dlErr == nil {
		dlErr = closeErr
	}

	if dlErr != nil {
		os.Remove(partialPath)
		return fmt.Errorf("downloading %q: %w", remotePath, dlErr)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		return fmt.Errorf("renaming download to %q: %w", localPath, err)
	}

	app.logger.Debug("download complete", "local_path", localPath, "bytes", written)
	statusf("Downloaded %s (%s)\n", localPath, formatSize(written))

	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath := args[0]

	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return fmt.Errorf("%q is a directory, not a file", localPath)
	}

	// Default remote path is root + local filename.
	remotePath := "/" + filepath.Base(localPath)
	if len(args) > 1 {
		remotePath = args[1]
	}

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	gw := reg.Gateway()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local file: %w", err)
	}
	defer f.Close()

	progress := progressPrinter("Uploading")

	file, err := uploadTo(cmd, reg, gw, root, params, remotePath, f, fi.Size(), progress)
	if err != nil {
		return err
	}

	app.logger.Debug("upload complete", "remote_path", remotePath, "id", file.ID.String(), "size", file.Size)
	statusf("Uploaded %s (%s)\n", remotePath, formatSize(file.Size))

	return nil
}

// uploadTo writes content to remotePath: replacing an existing file's
// content, or creating the file under its parent directory.
func uploadTo(
	cmd *cobra.Command, reg *gateway.Registration, gw gateway.Gateway,
	root gateway.RootName, params gateway.Params, remotePath string,
	content io.Reader, size int64, progress contract.ProgressFunc,
) (*contract.FileInfo, error) {
	ctx := cmd.Context()

	existing, err := resolvePath(ctx, gw, root, params, remotePath)

	switch {
	case err == nil:
		file, ok := existing.(*contract.FileInfo)
		if !ok {
			return nil, fmt.Errorf("%q is a directory", remotePath)
		}

		if err := reg.Require(gateway.CapSetContent); err != nil {
			return nil, err
		}

		updated, err := gw.SetContent(ctx, root, file.ID, content, size, progress, params)
		if err != nil {
			return nil, fmt.Errorf("uploading %q: %w", remotePath, err)
		}

		return updated, nil

	case errors.Is(err, gateway.ErrNotFound):
		if err := reg.Require(gateway.CapNewFile); err != nil {
			return nil, err
		}

		parentPath, name := splitParentAndName(remotePath)

		parent, err := resolveDirectory(ctx, gw, root, params, parentPath)
		if err != nil {
			return nil, fmt.Errorf("resolving parent %q: %w", parentPath, err)
		}

		created, err := gw.NewFileItem(ctx, root, parent.ID, name, content, size, progress, params)
		if err != nil {
			return nil, fmt.Errorf("uploading %q: %w", remotePath, err)
		}

		return created, nil

	default:
		return nil, err
	}
}

func runCat(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	reg, root, params, err := app.selectRoot()
	if err != nil {
		return err
	}

	if err := reg.Require(gateway.CapGetContent); err != nil {
		return err
	}

	gw := reg.Gateway()

	file, err := resolveFile(ctx, gw, root, params, remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	// Stdout cannot discard partially written bytes, so the download
	// is buffered and flushed whole.
	var buf downloadBuffer

	if _, err := downloadTo(ctx, app.engine, gw, root, file.ID, params, &buf); err != nil {
		return fmt.Errorf("reading %q: %w", remotePath, err)
	}

	if _, err := io.Copy(os.Stdout, &buf); err != nil {
		return fmt.Errorf("reading %q: %w", remotePath, err)
	}

	return nil
}

// downloadTo streams a file's content into dst through the transfer
// engine, so a transient mid-stream failure is retried with the
// destination reset instead of aborting.
func downloadTo(
	ctx context.Context, engine *transfer.Engine, gw gateway.Gateway,
	root gateway.RootName, id fsid.ID, params gateway.Params, dst io.Writer,
) (int64, error) {
	return engine.Download(ctx, func(ctx context.Context) (io.ReadCloser, error) {
		return gw.GetContent(ctx, root, id, params)
	}, dst)
}

// downloadBuffer adapts bytes.Buffer to the engine's reset protocol:
// a retried download discards whatever was received so far.
type downloadBuffer struct {
	bytes.Buffer
}

func (b *downloadBuffer) Truncate(int64) error {
	b.Reset()
	return nil
}

func (b *downloadBuffer) Seek(int64, int) (int64, error) {
	return 0, nil
}
