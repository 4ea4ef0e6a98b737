// Package session caches authenticated backend sessions per root.
// A session is created lazily on first use and reused for the process
// lifetime unless explicitly purged. Concurrent callers for the same
// uninitialized root collapse into a single authentication in flight;
// the cache's per-root map is the only shared mutable state in the
// gateway layer.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/unidrive/unidrive-go/internal/gateway"
)

// AuthFunc authenticates one root and produces its session. Failing
// with gateway.ErrAuthentication (wrapped) marks rejected credentials;
// nothing is cached in that case, so a later call may retry.
type AuthFunc[S any] func(ctx context.Context, root gateway.RootName, credentialHint string) (S, error)

// TokenStore is the slice of the persisted-credential collaborator
// the cache needs for purging. Defined at the consumer per Go
// convention.
type TokenStore interface {
	// Delete discards the persisted credential for one account.
	Delete(schema, account string) error
	// DeleteAll discards every persisted credential for a schema.
	DeleteAll(schema string) error
}

// Cache maps root identities to authenticated sessions of type S.
// Safe for concurrent use.
type Cache[S any] struct {
	auth   AuthFunc[S]
	tokens TokenStore // nil = no persisted credentials to purge
	logger *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	sessions map[gateway.RootName]S
}

// NewCache creates a Cache. tokens may be nil for backends without
// persisted credentials.
func NewCache[S any](auth AuthFunc[S], tokens TokenStore, logger *slog.Logger) *Cache[S] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache[S]{
		auth:     auth,
		tokens:   tokens,
		logger:   logger,
		sessions: make(map[gateway.RootName]S),
	}
}

// Require returns the cached session for root, authenticating on
// first use. Concurrent calls for the same uninitialized root share
// one authentication: all callers await its result, none launch an
// independent login. Authentication failures are not cached.
//
// A caller whose context is canceled while another caller's
// authentication is in flight gets a cancellation error; the shared
// flight itself continues for the remaining waiters.
func (c *Cache[S]) Require(ctx context.Context, root gateway.RootName, credentialHint string) (S, error) {
	var zero S

	c.mu.RLock()
	s, ok := c.sessions[root]
	c.mu.RUnlock()

	if ok {
		return s, nil
	}

	ch := c.group.DoChan(root.String(), func() (any, error) {
		// Double-check under the write path: a flight may have been
		// queued behind a completed one.
		c.mu.RLock()
		if cached, hit := c.sessions[root]; hit {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()

		// The flight outlives any individual caller; the first
		// caller's cancellation must not fail the remaining waiters.
		sess, err := c.auth(context.WithoutCancel(ctx), root, credentialHint)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.sessions[root] = sess
		c.mu.Unlock()

		c.logger.Debug("session established",
			slog.String("root", root.String()),
		)

		return sess, nil
	})

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("session: awaiting authentication for %s: %w", root, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}

		return res.Val.(S), nil
	}
}

// Peek returns the cached session without authenticating.
func (c *Cache[S]) Peek(root gateway.RootName) (S, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[root]

	return s, ok
}

// Purge evicts one cached session, or all of them when root is nil,
// and instructs the token store to discard the matching persisted
// credentials. schema scopes the all-roots form.
func (c *Cache[S]) Purge(schema string, root *gateway.RootName) error {
	c.mu.Lock()

	if root != nil {
		delete(c.sessions, *root)
	} else {
		clear(c.sessions)
	}

	c.mu.Unlock()

	if c.tokens == nil {
		return nil
	}

	if root != nil {
		if err := c.tokens.Delete(root.Schema, root.Account); err != nil {
			return fmt.Errorf("session: discarding credential for %s: %w", root, err)
		}

		c.logger.Info("purged session", slog.String("root", root.String()))

		return nil
	}

	if err := c.tokens.DeleteAll(schema); err != nil {
		return fmt.Errorf("session: discarding credentials for schema %s: %w", schema, err)
	}

	c.logger.Info("purged all sessions", slog.String("schema", schema))

	return nil
}

// Len returns the number of cached sessions.
func (c *Cache[S]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.sessions)
}
