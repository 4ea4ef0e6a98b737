// Package webdrive implements the gateway over a JSON-over-HTTP drive
// service with bearer-token authentication. Credentials are persisted
// per account in the token store; the service endpoint travels in the
// token record's metadata, so one backend serves any number of hosted
// drives.
//
// Large uploads negotiate an upload session and send byte ranges to
// it; an explicit commit call assembles the ranges. Copies are
// asynchronous: the service acknowledges with a monitor URL that is
// polled, bounded and cancellable, until the operation completes.
package webdrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
	"github.com/unidrive/unidrive-go/internal/session"
	"github.com/unidrive/unidrive-go/internal/tokenstore"
	"github.com/unidrive/unidrive-go/internal/transfer"
)

// Schema is the registry schema for this backend.
const Schema = "webdrive"

// ServiceURI identifies the service endpoint family.
const ServiceURI = "https://"

// Poll defaults for asynchronous copy monitoring.
const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollAttempts = 60
)

// Capabilities returns the declared operation set: everything.
func Capabilities() gateway.Capabilities {
	return gateway.AllCapabilities
}

// Options tunes one Gateway instance.
type Options struct {
	ChunkSize int64
	Threshold int64
	Logger    *slog.Logger

	// Tokens supplies persisted credentials. Required.
	Tokens *tokenstore.Store

	// HTTPClient overrides the transport; defaults to a client with a
	// request timeout.
	HTTPClient *http.Client

	// PollInterval and PollAttempts bound the async-copy monitor loop.
	PollInterval time.Duration
	PollAttempts int
}

// Gateway is the hosted-drive backend.
type Gateway struct {
	opts     Options
	logger   *slog.Logger
	policy   *retry.Policy
	engine   *transfer.Engine
	sessions *session.Cache[*client]
}

// New creates a Gateway sharing the given retry policy.
func New(policy *retry.Policy, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	if opts.PollAttempts <= 0 {
		opts.PollAttempts = defaultPollAttempts
	}

	g := &Gateway{
		opts:   opts,
		logger: opts.Logger.With(slog.String("backend", Schema)),
		policy: policy,
		engine: transfer.NewEngine(policy, opts.Logger),
	}

	// A nil *Store must stay a nil interface for the cache's check.
	var tokens session.TokenStore
	if opts.Tokens != nil {
		tokens = opts.Tokens
	}

	g.sessions = session.NewCache(g.authenticate, tokens, opts.Logger)

	return g
}

// authenticate loads the persisted credential for root and builds the
// HTTP client around it. A missing record means the account was never
// logged in; that is an authentication failure, not an I/O error.
func (g *Gateway) authenticate(_ context.Context, root gateway.RootName, endpointHint string) (*client, error) {
	if g.opts.Tokens == nil {
		return nil, fmt.Errorf("%s: no token store configured: %w", Schema, gateway.ErrAuthentication)
	}

	rec, err := g.opts.Tokens.Load(Schema, root.Account)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("%s: account %s not logged in: %w", Schema, root.Account, gateway.ErrAuthentication)
	}

	endpoint := rec.Meta["endpoint"]
	if endpointHint != "" {
		endpoint = endpointHint
	}

	if endpoint == "" {
		return nil, fmt.Errorf("%s: account %s has no endpoint: %w", Schema, root.Account, gateway.ErrAuthentication)
	}

	g.logger.Debug("session established",
		slog.String("root", root.String()),
		slog.String("endpoint", endpoint),
	)

	return &client{
		httpClient: g.opts.HTTPClient,
		baseURL:    strings.TrimSuffix(endpoint, "/"),
		token:      rec.Token,
		policy:     g.policy,
		logger:     g.logger,
	}, nil
}

func (g *Gateway) require(ctx context.Context, root gateway.RootName, params gateway.Params) (*client, error) {
	return g.sessions.Require(ctx, root, params.Get("endpoint"))
}

func itemPath(id fsid.ID) string {
	return "/items/" + url.PathEscape(id.Key())
}

// TryAuthenticate verifies the stored credential against the service.
func (g *Gateway) TryAuthenticate(ctx context.Context, root gateway.RootName, params gateway.Params) error {
	c, err := g.require(ctx, root, params)
	if err != nil {
		return err
	}

	var drive drivePayload

	return c.doJSON(ctx, "TryAuthenticate", http.MethodGet, "/drive", nil, &drive)
}

// GetDrive returns the drive's identity and normalized quota.
func (g *Gateway) GetDrive(ctx context.Context, root gateway.RootName, params gateway.Params) (*contract.DriveInfo, error) {
	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	var drive drivePayload
	if err := c.doJSON(ctx, "GetDrive", http.MethodGet, "/drive", nil, &drive); err != nil {
		return nil, err
	}

	return drive.toDrive()
}

// GetRoot returns the drive's root directory.
func (g *Gateway) GetRoot(ctx context.Context, root gateway.RootName, params gateway.Params) (*contract.DirectoryInfo, error) {
	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	var item itemPayload
	if err := c.doJSON(ctx, "GetRoot", http.MethodGet, "/items/root", nil, &item); err != nil {
		return nil, err
	}

	return item.toDirectory()
}

// GetChildItems lists the direct children of a directory.
func (g *Gateway) GetChildItems(ctx context.Context, root gateway.RootName, parent fsid.ID, params gateway.Params) ([]contract.Item, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	var children childrenPayload
	if err := c.doJSON(ctx, "GetChildItems", http.MethodGet, itemPath(parent)+"/children", nil, &children); err != nil {
		return nil, err
	}

	items := make([]contract.Item, 0, len(children.Items))

	for _, p := range children.Items {
		item, err := p.toItem()
		if err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ItemName() < items[j].ItemName() })

	return items, nil
}

// ClearContent truncates a file to zero length.
func (g *Gateway) ClearContent(ctx context.Context, root gateway.RootName, target fsid.ID, params gateway.Params) error {
	if err := target.Expect(fsid.KindFile); err != nil {
		return err
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return err
	}

	_, err = g.uploadSmall(ctx, c, target, nil)

	return err
}

// GetContent opens a file's content stream.
func (g *Gateway) GetContent(ctx context.Context, root gateway.RootName, source fsid.ID, params gateway.Params) (io.ReadCloser, error) {
	if err := source.Expect(fsid.KindFile); err != nil {
		return nil, err
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRaw(ctx, "GetContent", http.MethodGet, itemPath(source)+"/content", "", nil, -1, nil)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// SetContent replaces a file's content, through the upload-session
// protocol above the threshold.
func (g *Gateway) SetContent(
	ctx context.Context, root gateway.RootName, target fsid.ID, content io.Reader,
	size int64, progress contract.ProgressFunc, params gateway.Params,
) (*contract.FileInfo, error) {
	if err := target.Expect(fsid.KindFile); err != nil {
		return nil, err
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	return g.writeContent(ctx, c, target, content, size, progress)
}

func (g *Gateway) writeContent(
	ctx context.Context, c *client, target fsid.ID, content io.Reader,
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

		info, err := g.uploadSmall(ctx, c, target, data)
		if err != nil {
			return nil, err
		}

		if progress != nil && size > 0 {
			progress(contract.Progress{Transferred: size, Total: size})
		}

		return info, nil
	}

	var created struct {
		UploadID string `json:"upload_id"`
	}

	err := c.doJSON(ctx, "CreateUploadSession", http.MethodPost, itemPath(target)+"/uploads",
		map[string]string{"length": fmt.Sprintf("%d", size)}, &created)
	if err != nil {
		return nil, err
	}

	sess := &uploadSession{c: c, uploadID: created.UploadID, total: size}

	info, err := g.engine.Upload(ctx, sess, content, transfer.UploadSpec{
		TotalLength:  size,
		ChunkSize:    g.opts.ChunkSize,
		ResumeChunks: true, // the service accepts a re-sent byte range
		Progress:     progress,
	})
	if err != nil {
		sess.cancel()
		return nil, err
	}

	return info, nil
}

// uploadSmall replaces content with a single retried PUT. The payload
// is buffered, so every attempt sends identical bytes.
func (g *Gateway) uploadSmall(ctx context.Context, c *client, target fsid.ID, data []byte) (*contract.FileInfo, error) {
	return retry.Do(ctx, g.policy, func(ctx context.Context) (*contract.FileInfo, error) {
		resp, err := c.doRaw(ctx, "SetContent", http.MethodPut, itemPath(target)+"/content",
			"application/octet-stream", bytes.NewReader(data), int64(len(data)), nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var item itemPayload
		if err := decodeJSON(resp.Body, &item); err != nil {
			return nil, err
		}

		return item.toFile()
	}, retry.WithRetryable(gateway.IsTransient))
}

// uploadSession sends byte ranges to a negotiated upload URL and
// commits them when every chunk has arrived.
type uploadSession struct {
	c        *client
	uploadID string
	total    int64
}

func (s *uploadSession) path() string {
	return "/uploads/" + url.PathEscape(s.uploadID)
}

func (s *uploadSession) UploadChunk(ctx context.Context, _ int, offset int64, data []byte) error {
	headers := map[string]string{
		"Content-Range": chunkRange(offset, int64(len(data)), s.total),
	}

	resp, err := s.c.doRaw(ctx, "UploadChunk", http.MethodPut, s.path(),
		"application/octet-stream", bytes.NewReader(data), int64(len(data)), headers)
	if err != nil {
		return err
	}

	drainClose(resp)

	return nil
}

func (s *uploadSession) Finalize(ctx context.Context) (*contract.FileInfo, error) {
	var item itemPayload
	if err := s.c.doJSON(ctx, "CommitUpload", http.MethodPost, s.path()+"/commit", nil, &item); err != nil {
		return nil, err
	}

	return item.toFile()
}

// cancel abandons the upload session server-side. Best effort; a
// fresh context because the caller's may already be done.
func (s *uploadSession) cancel() {
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if resp, err := s.c.doRaw(ctx, "CancelUpload", http.MethodDelete, s.path(), "", nil, -1, nil); err == nil {
		drainClose(resp)
	}
}

// chunkRange formats the Content-Range header for one chunk.
func chunkRange(offset int64, length, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total)
}

// CopyItem starts a server-side copy and polls its monitor URL until
// the operation completes.
func (g *Gateway) CopyItem(
	ctx context.Context, root gateway.RootName, source fsid.ID, copyName string,
	destination fsid.ID, recurse bool, params gateway.Params,
) (contract.Item, error) {
	if err := destination.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if source.IsDirectory() && !recurse {
		return nil, fmt.Errorf("%s: copying a directory requires recurse: %w", Schema, gateway.ErrNotSupported)
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"name":      copyName,
		"parent_id": destination.Key(),
		"recurse":   recurse,
	}

	resp, err := c.doJSONResponse(ctx, "CopyItem", http.MethodPost, itemPath(source)+"/copy", body, nil)
	if err != nil {
		return nil, err
	}

	monitor := resp.Header.Get("Location")
	if monitor == "" {
		return nil, fmt.Errorf("%s: copy accepted without monitor URL: %w", Schema, gateway.ErrFormat)
	}

	return g.pollCopy(ctx, c, monitor)
}

// pollCopy polls the monitor URL with a bounded, cancellable loop.
// The location may be relative to the service base or absolute,
// possibly on another host.
func (g *Gateway) pollCopy(ctx context.Context, c *client, monitor string) (contract.Item, error) {
	if _, err := url.Parse(monitor); err != nil {
		return nil, fmt.Errorf("%s: bad monitor URL %q: %w", Schema, monitor, gateway.ErrFormat)
	}

	for attempt := 0; attempt < g.opts.PollAttempts; attempt++ {
		var status copyStatusPayload
		if err := c.doJSON(ctx, "CopyStatus", http.MethodGet, monitor, nil, &status); err != nil {
			return nil, err
		}

		switch status.Status {
		case "completed":
			if status.Item == nil {
				return nil, fmt.Errorf("%s: copy completed without item: %w", Schema, gateway.ErrFormat)
			}

			return status.Item.toItem()

		case "failed":
			return nil, fmt.Errorf("%s: server-side copy failed: %w", Schema, gateway.ErrPermanent)
		}

		g.logger.Debug("copy in progress", slog.Int("attempt", attempt+1))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: awaiting copy: %w", Schema, ctx.Err())
		case <-time.After(g.opts.PollInterval):
		}
	}

	return nil, fmt.Errorf("%s: copy still running after %d polls: %w", Schema, g.opts.PollAttempts, gateway.ErrTransient)
}

// MoveItem moves an item into destination under moveName.
func (g *Gateway) MoveItem(
	ctx context.Context, root gateway.RootName, source fsid.ID, moveName string,
	destination fsid.ID, params gateway.Params,
) (contract.Item, error) {
	if err := destination.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"name":      moveName,
		"parent_id": destination.Key(),
	}

	var item itemPayload
	if err := c.doJSON(ctx, "MoveItem", http.MethodPost, itemPath(source)+"/move", body, &item); err != nil {
		return nil, err
	}

	return item.toItem()
}

// NewDirectoryItem creates a directory under parent.
func (g *Gateway) NewDirectoryItem(
	ctx context.Context, root gateway.RootName, parent fsid.ID,
	name string, params gateway.Params,
) (*contract.DirectoryInfo, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"name": name, "kind": "directory"}

	var item itemPayload
	if err := c.doJSON(ctx, "NewDirectoryItem", http.MethodPost, itemPath(parent)+"/children", body, &item); err != nil {
		return nil, err
	}

	return item.toDirectory()
}

// NewFileItem creates a file under parent and uploads its content.
// Zero-length files are complete after creation; no transfer call is
// issued for them.
func (g *Gateway) NewFileItem(
	ctx context.Context, root gateway.RootName, parent fsid.ID, name string,
	content io.Reader, size int64, progress contract.ProgressFunc, params gateway.Params,
) (*contract.FileInfo, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"name": name, "kind": "file"}

	var item itemPayload
	if err := c.doJSON(ctx, "NewFileItem", http.MethodPost, itemPath(parent)+"/children", body, &item); err != nil {
		return nil, err
	}

	file, err := item.toFile()
	if err != nil {
		return nil, err
	}

	if size == 0 {
		return file, nil
	}

	info, err := g.writeContent(ctx, c, file.ID, content, size, progress)
	if err != nil {
		g.discardCreated(c, file.ID)
		return nil, err
	}

	return info, nil
}

// discardCreated removes a just-created item whose content upload
// failed, so no empty placeholder survives. Best effort; a fresh
// context because the caller's may already be done.
func (g *Gateway) discardCreated(c *client, id fsid.ID) {
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if resp, err := c.doRaw(ctx, "DiscardCreated", http.MethodDelete, itemPath(id), "", nil, -1, nil); err == nil {
		drainClose(resp)
	}
}

// RemoveItem deletes an item. Directory deletion requires the recurse
// flag; the flag is forwarded so the service can double-check.
func (g *Gateway) RemoveItem(ctx context.Context, root gateway.RootName, target fsid.ID, recurse bool, params gateway.Params) error {
	if target.IsDirectory() && !recurse {
		return fmt.Errorf("%s: removing a directory requires recurse: %w", Schema, gateway.ErrNotSupported)
	}

	c, err := g.require(ctx, root, params)
	if err != nil {
		return err
	}

	path := itemPath(target)
	if recurse {
		path += "?recurse=true"
	}

	return c.doJSON(ctx, "RemoveItem", http.MethodDelete, path, nil, nil)
}

// RenameItem renames an item in place.
func (g *Gateway) RenameItem(
	ctx context.Context, root gateway.RootName, target fsid.ID,
	newName string, params gateway.Params,
) (contract.Item, error) {
	c, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"name": newName}

	var item itemPayload
	if err := c.doJSON(ctx, "RenameItem", http.MethodPatch, itemPath(target), body, &item); err != nil {
		return nil, err
	}

	return item.toItem()
}

// PurgeSettings evicts cached sessions and discards the persisted
// credentials for one root, or for all webdrive roots when nil.
func (g *Gateway) PurgeSettings(root *gateway.RootName) error {
	return g.sessions.Purge(Schema, root)
}

var _ gateway.Gateway = (*Gateway)(nil)
