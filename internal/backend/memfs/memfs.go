// Package memfs implements the gateway over an in-memory tree. It
// supports the full operation set and is the reference backend: every
// contract and capability behavior can be exercised against it without
// network or disk.
package memfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
	"github.com/unidrive/unidrive-go/internal/session"
	"github.com/unidrive/unidrive-go/internal/transfer"
)

// Schema is the registry schema for this backend.
const Schema = "memfs"

// ServiceURI identifies the (virtual) service endpoint.
const ServiceURI = "mem://"

// driveQuota is the fixed quota reported per drive.
const driveQuota int64 = 1 << 30

// Capabilities returns the declared operation set: everything.
func Capabilities() gateway.Capabilities {
	return gateway.AllCapabilities
}

// Options tunes one Gateway instance.
type Options struct {
	// ChunkSize for chunked uploads. Must be > 0.
	ChunkSize int64

	// Threshold above which SetContent and NewFileItem switch to the
	// chunked transfer path. Payloads of exactly Threshold bytes are
	// still uploaded in a single request.
	Threshold int64

	Logger *slog.Logger

	// Clock supplies item timestamps; defaults to time.Now.
	Clock func() time.Time
}

// Gateway is the in-memory backend. One independent tree per root.
type Gateway struct {
	opts     Options
	logger   *slog.Logger
	engine   *transfer.Engine
	sessions *session.Cache[*store]

	// transferCalls counts chunked-transfer invocations, observable in
	// tests to verify threshold routing.
	transferCalls atomic.Int64
}

// New creates a Gateway sharing the given retry policy.
func New(policy *retry.Policy, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	g := &Gateway{
		opts:   opts,
		logger: opts.Logger.With(slog.String("backend", Schema)),
		engine: transfer.NewEngine(policy, opts.Logger),
	}

	g.sessions = session.NewCache(g.authenticate, nil, opts.Logger)

	return g
}

// TransferCalls returns how many uploads went through the chunked
// transfer path.
func (g *Gateway) TransferCalls() int64 {
	return g.transferCalls.Load()
}

// node is one tree entry. Directories hold a name->id child index;
// files hold content bytes and their hash.
type node struct {
	id       string
	name     string
	dir      bool
	parent   string
	children map[string]string
	data     []byte
	hash     string
	created  time.Time
	modified time.Time
}

// store is one root's tree. All access goes through mu.
type store struct {
	mu     sync.RWMutex
	nodes  map[string]*node
	rootID string
	clock  func() time.Time
}

func (g *Gateway) authenticate(_ context.Context, root gateway.RootName, _ string) (*store, error) {
	if root.Account == "" {
		return nil, fmt.Errorf("%s: empty account: %w", Schema, gateway.ErrAuthentication)
	}

	now := g.opts.Clock()
	rootID := uuid.NewString()

	st := &store{
		nodes: map[string]*node{
			rootID: {
				id:       rootID,
				name:     "/",
				dir:      true,
				children: make(map[string]string),
				created:  now,
				modified: now,
			},
		},
		rootID: rootID,
		clock:  g.opts.Clock,
	}

	g.logger.Debug("tree created", slog.String("root", root.String()))

	return st, nil
}

func notFound(op string, id fsid.ID) error {
	return &gateway.BackendError{
		Schema:  Schema,
		Op:      op,
		Message: fmt.Sprintf("no item %s", id),
		Err:     gateway.ErrNotFound,
	}
}

func conflict(op, name string) error {
	return &gateway.BackendError{
		Schema:  Schema,
		Op:      op,
		Message: fmt.Sprintf("name %q already taken", name),
		Err:     gateway.ErrPermanent,
	}
}

// validName rejects empty names and path separators before any tree
// mutation.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%s: invalid item name %q: %w", Schema, name, gateway.ErrFormat)
	}

	return nil
}

// lookup fetches a node and checks its kind against the identifier
// tag. Caller holds st.mu.
func (st *store) lookup(op string, id fsid.ID) (*node, error) {
	n, ok := st.nodes[id.Key()]
	if !ok {
		return nil, notFound(op, id)
	}

	if n.dir != id.IsDirectory() {
		return nil, fmt.Errorf("%s: %s: identifier kind does not match item: %w", Schema, op, gateway.ErrFormat)
	}

	return n, nil
}

func (st *store) dirInfo(n *node) *contract.DirectoryInfo {
	return &contract.DirectoryInfo{
		ID:       fsid.NewDirectory(n.id),
		Name:     n.name,
		Created:  n.created,
		Modified: n.modified,
	}
}

func (st *store) fileInfo(n *node) *contract.FileInfo {
	return &contract.FileInfo{
		ID:          fsid.NewFile(n.id),
		Name:        n.name,
		Created:     n.created,
		Modified:    n.modified,
		Size:        int64(len(n.data)),
		ContentHash: n.hash,
	}
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TryAuthenticate establishes the session for root.
func (g *Gateway) TryAuthenticate(ctx context.Context, root gateway.RootName, params gateway.Params) error {
	_, err := g.sessions.Require(ctx, root, params.Get("credential"))
	return err
}

// GetDrive reports the fixed quota against current usage.
func (g *Gateway) GetDrive(ctx context.Context, root gateway.RootName, params gateway.Params) (*contract.DriveInfo, error) {
	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	var used int64
	for _, n := range st.nodes {
		used += int64(len(n.data))
	}

	total := driveQuota
	u, f := contract.Quota{Total: &total, Used: &used}.Normalize()

	return &contract.DriveInfo{
		ID:        fsid.NewDirectory(st.rootID),
		UsedSpace: u,
		FreeSpace: f,
	}, nil
}

// GetRoot returns the tree's root directory.
func (g *Gateway) GetRoot(ctx context.Context, root gateway.RootName, params gateway.Params) (*contract.DirectoryInfo, error) {
	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.dirInfo(st.nodes[st.rootID]), nil
}

// GetChildItems lists a directory's direct children, sorted by name.
func (g *Gateway) GetChildItems(ctx context.Context, root gateway.RootName, parent fsid.ID, params gateway.Params) ([]contract.Item, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	dir, err := st.lookup("GetChildItems", parent)
	if err != nil {
		return nil, err
	}

	items := make([]contract.Item, 0, len(dir.children))

	for _, childID := range dir.children {
		child := st.nodes[childID]
		if child.dir {
			items = append(items, st.dirInfo(child))
		} else {
			items = append(items, st.fileInfo(child))
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

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	n, err := st.lookup("ClearContent", target)
	if err != nil {
		return err
	}

	n.data = nil
	n.hash = hashBytes(nil)
	n.modified = st.clock()

	return nil
}

// GetContent opens a snapshot of the file's bytes.
func (g *Gateway) GetContent(ctx context.Context, root gateway.RootName, source fsid.ID, params gateway.Params) (io.ReadCloser, error) {
	if err := source.Expect(fsid.KindFile); err != nil {
		return nil, err
	}

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	n, err := st.lookup("GetContent", source)
	if err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(slices.Clone(n.data))), nil
}

// SetContent replaces a file's content, through the chunked transfer
// path when the payload exceeds the threshold.
func (g *Gateway) SetContent(
	ctx context.Context, root gateway.RootName, target fsid.ID, content io.Reader,
	size int64, progress contract.ProgressFunc, params gateway.Params,
) (*contract.FileInfo, error) {
	if err := target.Expect(fsid.KindFile); err != nil {
		return nil, err
	}

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	_, err = st.lookup("SetContent", target)
	st.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	return g.writeContent(ctx, st, target.Key(), content, size, progress)
}

// writeContent routes a payload to the single-shot or chunked path and
// commits the bytes into the node.
func (g *Gateway) writeContent(
	ctx context.Context, st *store, nodeID string, content io.Reader,
	size int64, progress contract.ProgressFunc,
) (*contract.FileInfo, error) {
	if size < 0 {
		return nil, fmt.Errorf("%s: negative content size %d: %w", Schema, size, gateway.ErrFormat)
	}

	if size == 0 {
		return g.commit(st, nodeID, nil)
	}

	if size <= g.opts.Threshold {
		data := make([]byte, size)
		if _, err := io.ReadFull(content, data); err != nil {
			return nil, fmt.Errorf("%s: reading content: %w", Schema, err)
		}

		if progress != nil {
			progress(contract.Progress{Transferred: size, Total: size})
		}

		return g.commit(st, nodeID, data)
	}

	g.transferCalls.Add(1)

	sess := &uploadSession{gw: g, st: st, nodeID: nodeID, buf: make([]byte, size)}

	return g.engine.Upload(ctx, sess, content, transfer.UploadSpec{
		TotalLength:  size,
		ChunkSize:    g.opts.ChunkSize,
		ResumeChunks: true,
		Progress:     progress,
	})
}

// commit stores data into the node under lock and returns its contract.
func (g *Gateway) commit(st *store, nodeID string, data []byte) (*contract.FileInfo, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	n, ok := st.nodes[nodeID]
	if !ok {
		return nil, notFound("SetContent", fsid.NewFile(nodeID))
	}

	n.data = data
	n.hash = hashBytes(data)
	n.modified = st.clock()

	return st.fileInfo(n), nil
}

// uploadSession buffers chunks in order and commits on finalize.
// Chunks may be re-sent at the same index after a transient failure.
type uploadSession struct {
	gw     *Gateway
	st     *store
	nodeID string
	buf    []byte
}

func (u *uploadSession) UploadChunk(_ context.Context, _ int, offset int64, data []byte) error {
	copy(u.buf[offset:], data)
	return nil
}

func (u *uploadSession) Finalize(context.Context) (*contract.FileInfo, error) {
	return u.gw.commit(u.st, u.nodeID, u.buf)
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

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	src, err := st.lookup("CopyItem", source)
	if err != nil {
		return nil, err
	}

	dst, err := st.lookup("CopyItem", destination)
	if err != nil {
		return nil, err
	}

	if _, taken := dst.children[copyName]; taken {
		return nil, conflict("CopyItem", copyName)
	}

	if src.dir && st.isAncestor(src, dst) {
		return nil, fmt.Errorf("%s: cannot copy a directory into its own subtree: %w", Schema, gateway.ErrPermanent)
	}

	clone := st.cloneTree(src, copyName, dst.id)
	dst.children[copyName] = clone.id
	dst.modified = st.clock()

	if clone.dir {
		return st.dirInfo(clone), nil
	}

	return st.fileInfo(clone), nil
}

// cloneTree deep-copies a node (and its subtree) under a new parent.
// Caller holds st.mu.
func (st *store) cloneTree(src *node, name, parentID string) *node {
	now := st.clock()

	clone := &node{
		id:       uuid.NewString(),
		name:     name,
		dir:      src.dir,
		parent:   parentID,
		data:     slices.Clone(src.data),
		hash:     src.hash,
		created:  now,
		modified: now,
	}

	if src.dir {
		clone.children = make(map[string]string, len(src.children))
		for childName, childID := range src.children {
			child := st.cloneTree(st.nodes[childID], childName, clone.id)
			clone.children[childName] = child.id
		}
	}

	st.nodes[clone.id] = clone

	return clone
}

// isAncestor reports whether a is dst or an ancestor of dst.
// Caller holds st.mu.
func (st *store) isAncestor(a, dst *node) bool {
	for cur := dst; cur != nil; cur = st.nodes[cur.parent] {
		if cur.id == a.id {
			return true
		}

		if cur.parent == "" {
			return false
		}
	}

	return false
}

// MoveItem reparents an item under destination with a new name.
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

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	src, err := st.lookup("MoveItem", source)
	if err != nil {
		return nil, err
	}

	if src.id == st.rootID {
		return nil, fmt.Errorf("%s: cannot move the root directory: %w", Schema, gateway.ErrPermanent)
	}

	dst, err := st.lookup("MoveItem", destination)
	if err != nil {
		return nil, err
	}

	if src.dir && st.isAncestor(src, dst) {
		return nil, fmt.Errorf("%s: cannot move a directory into its own subtree: %w", Schema, gateway.ErrPermanent)
	}

	if existing, taken := dst.children[moveName]; taken && existing != src.id {
		return nil, conflict("MoveItem", moveName)
	}

	oldParent := st.nodes[src.parent]
	delete(oldParent.children, src.name)
	oldParent.modified = st.clock()

	src.name = moveName
	src.parent = dst.id
	src.modified = st.clock()
	dst.children[moveName] = src.id
	dst.modified = st.clock()

	if src.dir {
		return st.dirInfo(src), nil
	}

	return st.fileInfo(src), nil
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

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	dir, err := st.lookup("NewDirectoryItem", parent)
	if err != nil {
		return nil, err
	}

	if _, taken := dir.children[name]; taken {
		return nil, conflict("NewDirectoryItem", name)
	}

	now := st.clock()
	child := &node{
		id:       uuid.NewString(),
		name:     name,
		dir:      true,
		parent:   dir.id,
		children: make(map[string]string),
		created:  now,
		modified: now,
	}

	st.nodes[child.id] = child
	dir.children[name] = child.id
	dir.modified = now

	return st.dirInfo(child), nil
}

// NewFileItem creates a file under parent and writes its content.
// Zero-length content skips the transfer path entirely.
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

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.Lock()

	dir, err := st.lookup("NewFileItem", parent)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}

	if _, taken := dir.children[name]; taken {
		st.mu.Unlock()
		return nil, conflict("NewFileItem", name)
	}

	now := st.clock()
	child := &node{
		id:       uuid.NewString(),
		name:     name,
		parent:   dir.id,
		hash:     hashBytes(nil),
		created:  now,
		modified: now,
	}

	st.nodes[child.id] = child
	dir.children[name] = child.id
	dir.modified = now

	st.mu.Unlock()

	info, err := g.writeContent(ctx, st, child.id, content, size, progress)
	if err != nil {
		// Roll back the placeholder so a failed upload leaves no
		// zero-length ghost behind.
		st.mu.Lock()
		delete(st.nodes, child.id)
		delete(dir.children, name)
		st.mu.Unlock()

		return nil, err
	}

	return info, nil
}

// RemoveItem deletes an item. Directories require recurse.
func (g *Gateway) RemoveItem(ctx context.Context, root gateway.RootName, target fsid.ID, recurse bool, params gateway.Params) error {
	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	n, err := st.lookup("RemoveItem", target)
	if err != nil {
		return err
	}

	if n.id == st.rootID {
		return fmt.Errorf("%s: cannot remove the root directory: %w", Schema, gateway.ErrPermanent)
	}

	if n.dir && !recurse {
		return fmt.Errorf("%s: removing a directory requires recurse: %w", Schema, gateway.ErrNotSupported)
	}

	st.removeTree(n)

	parent := st.nodes[n.parent]
	delete(parent.children, n.name)
	parent.modified = st.clock()

	return nil
}

// removeTree deletes a node and its subtree. Caller holds st.mu.
func (st *store) removeTree(n *node) {
	for _, childID := range n.children {
		st.removeTree(st.nodes[childID])
	}

	delete(st.nodes, n.id)
}

// RenameItem renames an item in place.
func (g *Gateway) RenameItem(
	ctx context.Context, root gateway.RootName, target fsid.ID,
	newName string, params gateway.Params,
) (contract.Item, error) {
	if err := validName(newName); err != nil {
		return nil, err
	}

	st, err := g.sessions.Require(ctx, root, params.Get("credential"))
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	n, err := st.lookup("RenameItem", target)
	if err != nil {
		return nil, err
	}

	if n.id == st.rootID {
		return nil, fmt.Errorf("%s: cannot rename the root directory: %w", Schema, gateway.ErrPermanent)
	}

	parent := st.nodes[n.parent]

	if existing, taken := parent.children[newName]; taken && existing != n.id {
		return nil, conflict("RenameItem", newName)
	}

	delete(parent.children, n.name)
	n.name = newName
	n.modified = st.clock()
	parent.children[newName] = n.id
	parent.modified = st.clock()

	if n.dir {
		return st.dirInfo(n), nil
	}

	return st.fileInfo(n), nil
}

// PurgeSettings evicts cached sessions for one root or all of them.
func (g *Gateway) PurgeSettings(root *gateway.RootName) error {
	return g.sessions.Purge(Schema, root)
}

var _ gateway.Gateway = (*Gateway)(nil)
