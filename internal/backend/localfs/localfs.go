// Package localfs implements the gateway over a local directory via
// afero. Item keys are slash-separated paths relative to the drive
// base; "/" is the root. Chunked uploads stage per-index part files
// and concatenate them on finalize, so a re-sent chunk simply
// overwrites its part.
//
// The local filesystem reports no creation time and no content hash;
// both normalize to their documented absent values.
package localfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
	"github.com/unidrive/unidrive-go/internal/session"
	"github.com/unidrive/unidrive-go/internal/transfer"
)

// Schema is the registry schema for this backend.
const Schema = "localfs"

// ServiceURI identifies the (virtual) service endpoint.
const ServiceURI = "file://"

// stagingDir holds in-flight chunk part files. Hidden from listings
// and usage accounting.
const stagingDir = ".unidrive-staging"

const dirPerms = 0o750

// Capabilities returns the declared operation set: everything.
func Capabilities() gateway.Capabilities {
	return gateway.AllCapabilities
}

// Options tunes one Gateway instance.
type Options struct {
	ChunkSize int64
	Threshold int64
	Logger    *slog.Logger

	// NewFs builds the filesystem for one root. The default reads the
	// "path" param and roots an OS filesystem there; tests inject
	// afero.NewMemMapFs.
	NewFs func(root gateway.RootName, params gateway.Params) (afero.Fs, error)
}

// Gateway is the local-directory backend.
type Gateway struct {
	opts     Options
	logger   *slog.Logger
	engine   *transfer.Engine
	sessions *session.Cache[*drive]
}

type drive struct {
	fs afero.Fs
}

// New creates a Gateway sharing the given retry policy.
func New(policy *retry.Policy, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.NewFs == nil {
		opts.NewFs = osFs
	}

	g := &Gateway{
		opts:   opts,
		logger: opts.Logger.With(slog.String("backend", Schema)),
		engine: transfer.NewEngine(policy, opts.Logger),
	}

	g.sessions = session.NewCache(g.authenticate, nil, opts.Logger)

	return g
}

// osFs roots an OS filesystem at the "path" param, creating the
// directory if needed.
func osFs(_ gateway.RootName, params gateway.Params) (afero.Fs, error) {
	base := params.Get("path")
	if base == "" {
		return nil, fmt.Errorf("%s: missing path param: %w", Schema, gateway.ErrAuthentication)
	}

	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("%s: resolving %s: %w", Schema, base, err)
	}

	if err := os.MkdirAll(abs, dirPerms); err != nil {
		return nil, fmt.Errorf("%s: creating %s: %w", Schema, abs, err)
	}

	return afero.NewBasePathFs(afero.NewOsFs(), abs), nil
}

// authenticate opens the drive filesystem. The credential hint
// carries the "path" param from the first touching call.
func (g *Gateway) authenticate(_ context.Context, root gateway.RootName, hint string) (*drive, error) {
	params := gateway.Params{}
	if hint != "" {
		params["path"] = hint
	}

	afs, err := g.opts.NewFs(root, params)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("drive opened", slog.String("root", root.String()))

	return &drive{fs: afs}, nil
}

func (g *Gateway) require(ctx context.Context, root gateway.RootName, params gateway.Params) (*drive, error) {
	return g.sessions.Require(ctx, root, params.Get("path"))
}

func wrapFS(op, key string, err error) error {
	if err == nil {
		return nil
	}

	sentinel := gateway.ErrPermanent
	if os.IsNotExist(err) {
		sentinel = gateway.ErrNotFound
	}

	return &gateway.BackendError{
		Schema:  Schema,
		Op:      op,
		Message: fmt.Sprintf("%s: %v", key, err),
		Err:     sentinel,
	}
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%s: invalid item name %q: %w", Schema, name, gateway.ErrFormat)
	}

	return nil
}

func dirInfo(key string, info fs.FileInfo) *contract.DirectoryInfo {
	name := info.Name()
	if key == "/" {
		name = "/"
	}

	return &contract.DirectoryInfo{
		ID:       fsid.NewDirectory(key),
		Name:     name,
		Created:  contract.EpochSentinel,
		Modified: info.ModTime().UTC(),
	}
}

func fileInfo(key string, info fs.FileInfo) *contract.FileInfo {
	return &contract.FileInfo{
		ID:       fsid.NewFile(key),
		Name:     info.Name(),
		Created:  contract.EpochSentinel,
		Modified: info.ModTime().UTC(),
		Size:     info.Size(),
	}
}

// statItem stats a key and checks the on-disk kind against the
// identifier tag.
func statItem(d *drive, op string, id fsid.ID) (fs.FileInfo, error) {
	info, err := d.fs.Stat(id.Key())
	if err != nil {
		return nil, wrapFS(op, id.Key(), err)
	}

	if info.IsDir() != id.IsDirectory() {
		return nil, fmt.Errorf("%s: %s: identifier kind does not match item: %w", Schema, op, gateway.ErrFormat)
	}

	return info, nil
}

// TryAuthenticate opens the drive for root.
func (g *Gateway) TryAuthenticate(ctx context.Context, root gateway.RootName, params gateway.Params) error {
	_, err := g.require(ctx, root, params)
	return err
}

// GetDrive reports usage; the local filesystem exposes no quota, so
// free space is unknown and normalizes to zero.
func (g *Gateway) GetDrive(ctx context.Context, root gateway.RootName, params gateway.Params) (*contract.DriveInfo, error) {
	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	var used int64

	err = afero.Walk(d.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() && info.Name() == stagingDir {
			return filepath.SkipDir
		}

		if !info.IsDir() {
			used += info.Size()
		}

		return nil
	})
	if err != nil {
		return nil, wrapFS("GetDrive", "/", err)
	}

	u, f := contract.Quota{Used: &used}.Normalize()

	return &contract.DriveInfo{
		ID:        fsid.NewDirectory("/"),
		UsedSpace: u,
		FreeSpace: f,
	}, nil
}

// GetRoot returns the base directory.
func (g *Gateway) GetRoot(ctx context.Context, root gateway.RootName, params gateway.Params) (*contract.DirectoryInfo, error) {
	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	info, err := d.fs.Stat("/")
	if err != nil {
		return nil, wrapFS("GetRoot", "/", err)
	}

	return dirInfo("/", info), nil
}

// GetChildItems lists a directory's direct children, sorted by name.
func (g *Gateway) GetChildItems(ctx context.Context, root gateway.RootName, parent fsid.ID, params gateway.Params) ([]contract.Item, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := statItem(d, "GetChildItems", parent); err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(d.fs, parent.Key())
	if err != nil {
		return nil, wrapFS("GetChildItems", parent.Key(), err)
	}

	items := make([]contract.Item, 0, len(infos))

	for _, info := range infos {
		if info.Name() == stagingDir {
			continue
		}

		key := path.Join(parent.Key(), info.Name())
		if info.IsDir() {
			items = append(items, dirInfo(key, info))
		} else {
			items = append(items, fileInfo(key, info))
		}
	}

	slices.SortFunc(items, func(a, b contract.Item) int {
		return strings.Compare(a.ItemName(), b.ItemName())
	})

	return items, nil
}

// ClearContent truncates a file to zero length.
func (g *Gateway) ClearContent(ctx context.Context, root gateway.RootName, target fsid.ID, params gateway.Params) error {
	if err := target.Expect(fsid.KindFile); err != nil {
		return err
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return err
	}

	if _, err := statItem(d, "ClearContent", target); err != nil {
		return err
	}

	if err := afero.WriteFile(d.fs, target.Key(), nil, 0o640); err != nil {
		return wrapFS("ClearContent", target.Key(), err)
	}

	return nil
}

// GetContent opens a file for reading.
func (g *Gateway) GetContent(ctx context.Context, root gateway.RootName, source fsid.ID, params gateway.Params) (io.ReadCloser, error) {
	if err := source.Expect(fsid.KindFile); err != nil {
		return nil, err
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := statItem(d, "GetContent", source); err != nil {
		return nil, err
	}

	f, err := d.fs.Open(source.Key())
	if err != nil {
		return nil, wrapFS("GetContent", source.Key(), err)
	}

	return f, nil
}

// SetContent replaces a file's content.
func (g *Gateway) SetContent(
	ctx context.Context, root gateway.RootName, target fsid.ID, content io.Reader,
	size int64, progress contract.ProgressFunc, params gateway.Params,
) (*contract.FileInfo, error) {
	if err := target.Expect(fsid.KindFile); err != nil {
		return nil, err
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := statItem(d, "SetContent", target); err != nil {
		return nil, err
	}

	return g.writeContent(ctx, d, target.Key(), content, size, progress)
}

func (g *Gateway) writeContent(
	ctx context.Context, d *drive, key string, content io.Reader,
	size int64, progress contract.ProgressFunc,
) (*contract.FileInfo, error) {
	if size < 0 {
		return nil, fmt.Errorf("%s: negative content size %d: %w", Schema, size, gateway.ErrFormat)
	}

	if size <= g.opts.Threshold {
		data := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(content, data); err != nil {
				return nil, fmt.Errorf("%s: reading content: %w", Schema, err)
			}
		}

		if err := afero.WriteFile(d.fs, key, data, 0o640); err != nil {
			return nil, wrapFS("SetContent", key, err)
		}

		if progress != nil && size > 0 {
			progress(contract.Progress{Transferred: size, Total: size})
		}

		return g.statFile(d, key)
	}

	sess, err := newPartSession(d, key)
	if err != nil {
		return nil, err
	}

	info, err := g.engine.Upload(ctx, sess, content, transfer.UploadSpec{
		TotalLength:  size,
		ChunkSize:    g.opts.ChunkSize,
		ResumeChunks: true,
		Progress:     progress,
	})
	if err != nil {
		sess.discard()
		return nil, err
	}

	return info, nil
}

func (g *Gateway) statFile(d *drive, key string) (*contract.FileInfo, error) {
	info, err := d.fs.Stat(key)
	if err != nil {
		return nil, wrapFS("SetContent", key, err)
	}

	return fileInfo(key, info), nil
}

// partSession stages one part file per chunk index and concatenates
// them into the target on finalize. Overwriting a part is safe, so
// chunks resume in place.
type partSession struct {
	d       *drive
	target  string
	dir     string
	indices []int
}

func newPartSession(d *drive, target string) (*partSession, error) {
	dir := path.Join("/", stagingDir, uuid.NewString())
	if err := d.fs.MkdirAll(dir, dirPerms); err != nil {
		return nil, wrapFS("SetContent", dir, err)
	}

	return &partSession{d: d, target: target, dir: dir}, nil
}

func (s *partSession) partPath(index int) string {
	return path.Join(s.dir, fmt.Sprintf("%06d.part", index))
}

func (s *partSession) UploadChunk(_ context.Context, index int, _ int64, data []byte) error {
	if err := afero.WriteFile(s.d.fs, s.partPath(index), data, 0o640); err != nil {
		return wrapFS("UploadChunk", s.partPath(index), err)
	}

	if len(s.indices) == 0 || s.indices[len(s.indices)-1] != index {
		s.indices = append(s.indices, index)
	}

	return nil
}

func (s *partSession) Finalize(context.Context) (*contract.FileInfo, error) {
	out, err := s.d.fs.Create(s.target)
	if err != nil {
		return nil, wrapFS("Finalize", s.target, err)
	}

	for _, index := range s.indices {
		part, err := s.d.fs.Open(s.partPath(index))
		if err != nil {
			out.Close()
			return nil, wrapFS("Finalize", s.partPath(index), err)
		}

		_, err = io.Copy(out, part)
		part.Close()

		if err != nil {
			out.Close()
			return nil, wrapFS("Finalize", s.partPath(index), err)
		}
	}

	if err := out.Close(); err != nil {
		return nil, wrapFS("Finalize", s.target, err)
	}

	s.discard()

	info, err := s.d.fs.Stat(s.target)
	if err != nil {
		return nil, wrapFS("Finalize", s.target, err)
	}

	return fileInfo(s.target, info), nil
}

func (s *partSession) discard() {
	_ = s.d.fs.RemoveAll(s.dir)
}

// CopyItem copies a file, or a directory tree when recurse is set.
func (g *Gateway) CopyItem(
	ctx context.Context, root gateway.RootName, source fsid.ID, copyName string,
	destination fsid.ID, recurse bool, params gateway.Params,
) (contract.Item, error) {
	if err := destination.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if err := validName(copyName); err != nil {
		return nil, err
	}

	if source.IsDirectory() && !recurse {
		return nil, fmt.Errorf("%s: copying a directory requires recurse: %w", Schema, gateway.ErrNotSupported)
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	srcInfo, err := statItem(d, "CopyItem", source)
	if err != nil {
		return nil, err
	}

	if _, err := statItem(d, "CopyItem", destination); err != nil {
		return nil, err
	}

	dstKey := path.Join(destination.Key(), copyName)

	if _, err := d.fs.Stat(dstKey); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, dstKey, gateway.ErrPermanent)
	}

	if source.IsDirectory() && withinSubtree(source.Key(), dstKey) {
		return nil, fmt.Errorf("%s: cannot copy a directory into its own subtree: %w", Schema, gateway.ErrPermanent)
	}

	if srcInfo.IsDir() {
		if err := copyDir(d.fs, source.Key(), dstKey); err != nil {
			return nil, wrapFS("CopyItem", dstKey, err)
		}
	} else {
		if err := copyFile(d.fs, source.Key(), dstKey); err != nil {
			return nil, wrapFS("CopyItem", dstKey, err)
		}
	}

	return g.itemAt(d, "CopyItem", dstKey)
}

// withinSubtree reports whether dst sits at or below src.
func withinSubtree(src, dst string) bool {
	return dst == src || strings.HasPrefix(dst, src+"/")
}

func copyFile(afs afero.Fs, src, dst string) error {
	sf, err := afs.Open(src)
	if err != nil {
		return err
	}
	defer sf.Close()

	df, err := afs.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(df, sf); err != nil {
		df.Close()
		return err
	}

	return df.Close()
}

func copyDir(afs afero.Fs, src, dst string) error {
	if err := afs.MkdirAll(dst, dirPerms); err != nil {
		return err
	}

	entries, err := afero.ReadDir(afs, src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := path.Join(src, entry.Name())
		dstPath := path.Join(dst, entry.Name())

		if entry.IsDir() {
			err = copyDir(afs, srcPath, dstPath)
		} else {
			err = copyFile(afs, srcPath, dstPath)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// itemAt stats a key and builds the matching contract.
func (g *Gateway) itemAt(d *drive, op, key string) (contract.Item, error) {
	info, err := d.fs.Stat(key)
	if err != nil {
		return nil, wrapFS(op, key, err)
	}

	if info.IsDir() {
		return dirInfo(key, info), nil
	}

	return fileInfo(key, info), nil
}

// MoveItem moves an item into destination under moveName.
func (g *Gateway) MoveItem(
	ctx context.Context, root gateway.RootName, source fsid.ID, moveName string,
	destination fsid.ID, params gateway.Params,
) (contract.Item, error) {
	if err := destination.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if err := validName(moveName); err != nil {
		return nil, err
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := statItem(d, "MoveItem", source); err != nil {
		return nil, err
	}

	if _, err := statItem(d, "MoveItem", destination); err != nil {
		return nil, err
	}

	dstKey := path.Join(destination.Key(), moveName)
	if dstKey == source.Key() {
		return g.itemAt(d, "MoveItem", dstKey)
	}

	if source.IsDirectory() && withinSubtree(source.Key(), dstKey) {
		return nil, fmt.Errorf("%s: cannot move a directory into its own subtree: %w", Schema, gateway.ErrPermanent)
	}

	if _, err := d.fs.Stat(dstKey); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, dstKey, gateway.ErrPermanent)
	}

	if err := d.fs.Rename(source.Key(), dstKey); err != nil {
		return nil, wrapFS("MoveItem", source.Key(), err)
	}

	return g.itemAt(d, "MoveItem", dstKey)
}

// NewDirectoryItem creates a directory under parent.
func (g *Gateway) NewDirectoryItem(
	ctx context.Context, root gateway.RootName, parent fsid.ID,
	name string, params gateway.Params,
) (*contract.DirectoryInfo, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if err := validName(name); err != nil {
		return nil, err
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := statItem(d, "NewDirectoryItem", parent); err != nil {
		return nil, err
	}

	key := path.Join(parent.Key(), name)

	if _, err := d.fs.Stat(key); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, key, gateway.ErrPermanent)
	}

	if err := d.fs.Mkdir(key, dirPerms); err != nil {
		return nil, wrapFS("NewDirectoryItem", key, err)
	}

	info, err := d.fs.Stat(key)
	if err != nil {
		return nil, wrapFS("NewDirectoryItem", key, err)
	}

	return dirInfo(key, info), nil
}

// NewFileItem creates a file under parent with the given content.
func (g *Gateway) NewFileItem(
	ctx context.Context, root gateway.RootName, parent fsid.ID, name string,
	content io.Reader, size int64, progress contract.ProgressFunc, params gateway.Params,
) (*contract.FileInfo, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if err := validName(name); err != nil {
		return nil, err
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := statItem(d, "NewFileItem", parent); err != nil {
		return nil, err
	}

	key := path.Join(parent.Key(), name)

	if _, err := d.fs.Stat(key); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, key, gateway.ErrPermanent)
	}

	return g.writeContent(ctx, d, key, content, size, progress)
}

// RemoveItem deletes an item; directories require recurse.
func (g *Gateway) RemoveItem(ctx context.Context, root gateway.RootName, target fsid.ID, recurse bool, params gateway.Params) error {
	d, err := g.require(ctx, root, params)
	if err != nil {
		return err
	}

	if target.Key() == "/" {
		return fmt.Errorf("%s: cannot remove the root directory: %w", Schema, gateway.ErrPermanent)
	}

	info, err := statItem(d, "RemoveItem", target)
	if err != nil {
		return err
	}

	if info.IsDir() && !recurse {
		return fmt.Errorf("%s: removing a directory requires recurse: %w", Schema, gateway.ErrNotSupported)
	}

	if info.IsDir() {
		err = d.fs.RemoveAll(target.Key())
	} else {
		err = d.fs.Remove(target.Key())
	}

	if err != nil {
		return wrapFS("RemoveItem", target.Key(), err)
	}

	return nil
}

// RenameItem renames an item in place.
func (g *Gateway) RenameItem(
	ctx context.Context, root gateway.RootName, target fsid.ID,
	newName string, params gateway.Params,
) (contract.Item, error) {
	if err := validName(newName); err != nil {
		return nil, err
	}

	d, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if target.Key() == "/" {
		return nil, fmt.Errorf("%s: cannot rename the root directory: %w", Schema, gateway.ErrPermanent)
	}

	if _, err := statItem(d, "RenameItem", target); err != nil {
		return nil, err
	}

	newKey := path.Join(path.Dir(target.Key()), newName)
	if newKey == target.Key() {
		return g.itemAt(d, "RenameItem", newKey)
	}

	if _, err := d.fs.Stat(newKey); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, newKey, gateway.ErrPermanent)
	}

	if err := d.fs.Rename(target.Key(), newKey); err != nil {
		return nil, wrapFS("RenameItem", target.Key(), err)
	}

	return g.itemAt(d, "RenameItem", newKey)
}

// PurgeSettings evicts cached sessions for one root or all of them.
func (g *Gateway) PurgeSettings(root *gateway.RootName) error {
	return g.sessions.Purge(Schema, root)
}

var _ gateway.Gateway = (*Gateway)(nil)
