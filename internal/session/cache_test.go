package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive-go/internal/gateway"
)

type fakeSession struct {
	id int64
}

var rootA = gateway.RootName{Schema: "mem", Account: "alice"}

func TestRequire_ConcurrentCallsShareOneAuthentication(t *testing.T) {
	var authCalls atomic.Int64

	release := make(chan struct{})

	cache := NewCache(func(context.Context, gateway.RootName, string) (*fakeSession, error) {
		n := authCalls.Add(1)
		<-release // hold the flight open so every caller queues behind it

		return &fakeSession{id: n}, nil
	}, nil, nil)

	const n = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sessions []*fakeSession
	)

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s, err := cache.Require(context.Background(), rootA, "")
			require.NoError(t, err)

			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
		}()
	}

	// Give the goroutines time to pile onto the single flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), authCalls.Load(), "exactly one authentication for N concurrent callers")

	require.Len(t, sessions, n)
	for _, s := range sessions {
		assert.Same(t, sessions[0], s, "all callers observe the same session instance")
	}
}

func TestRequire_CachedSessionReused(t *testing.T) {
	var authCalls atomic.Int64

	cache := NewCache(func(context.Context, gateway.RootName, string) (*fakeSession, error) {
		return &fakeSession{id: authCalls.Add(1)}, nil
	}, nil, nil)

	s1, err := cache.Require(context.Background(), rootA, "")
	require.NoError(t, err)

	s2, err := cache.Require(context.Background(), rootA, "")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, int64(1), authCalls.Load())
}

func TestRequire_DistinctRootsIndependent(t *testing.T) {
	cache := NewCache(func(_ context.Context, root gateway.RootName, _ string) (*fakeSession, error) {
		return &fakeSession{}, nil
	}, nil, nil)

	_, err := cache.Require(context.Background(), rootA, "")
	require.NoError(t, err)

	_, err = cache.Require(context.Background(), gateway.RootName{Schema: "mem", Account: "bob"}, "")
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Len())
}

func TestRequire_AuthFailureNotCached(t *testing.T) {
	var authCalls atomic.Int64

	cache := NewCache(func(context.Context, gateway.RootName, string) (*fakeSession, error) {
		if authCalls.Add(1) == 1 {
			return nil, fmt.Errorf("mem: bad credentials: %w", gateway.ErrAuthentication)
		}

		return &fakeSession{}, nil
	}, nil, nil)

	_, err := cache.Require(context.Background(), rootA, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAuthentication)
	assert.Equal(t, 0, cache.Len(), "no entry cached on rejection")

	// A later call retries authentication and succeeds.
	_, err = cache.Require(context.Background(), rootA, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), authCalls.Load())
}

func TestRequire_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	cache := NewCache(func(context.Context, gateway.RootName, string) (*fakeSession, error) {
		<-release
		return &fakeSession{}, nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		_, err := cache.Require(ctx, rootA, "")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequire_FlightSurvivesFirstCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	cache := NewCache(func(ctx context.Context, _ gateway.RootName, _ string) (*fakeSession, error) {
		close(started)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return &fakeSession{id: 1}, nil
		}
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	first := make(chan error, 1)

	go func() {
		_, err := cache.Require(ctx, rootA, "")
		first <- err
	}()

	<-started

	second := make(chan error, 1)

	go func() {
		_, err := cache.Require(context.Background(), rootA, "")
		second <- err
	}()

	// Let the second caller join the flight, then abandon the first.
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-first, context.Canceled)

	close(release)
	require.NoError(t, <-second)
	assert.Equal(t, 1, cache.Len())
}

type recordingTokenStore struct {
	deleted    []string
	deletedAll []string
}

func (r *recordingTokenStore) Delete(schema, account string) error {
	r.deleted = append(r.deleted, schema+":"+account)
	return nil
}

func (r *recordingTokenStore) DeleteAll(schema string) error {
	r.deletedAll = append(r.deletedAll, schema)
	return nil
}

func TestPurge_OneRoot(t *testing.T) {
	store := &recordingTokenStore{}

	cache := NewCache(func(context.Context, gateway.RootName, string) (*fakeSession, error) {
		return &fakeSession{}, nil
	}, store, nil)

	_, err := cache.Require(context.Background(), rootA, "")
	require.NoError(t, err)

	require.NoError(t, cache.Purge("mem", &rootA))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, []string{"mem:alice"}, store.deleted)
}

func TestPurge_AllRoots(t *testing.T) {
	store := &recordingTokenStore{}

	cache := NewCache(func(context.Context, gateway.RootName, string) (*fakeSession, error) {
		return &fakeSession{}, nil
	}, store, nil)

	_, err := cache.Require(context.Background(), rootA, "")
	require.NoError(t, err)
	_, err = cache.Require(context.Background(), gateway.RootName{Schema: "mem", Account: "bob"}, "")
	require.NoError(t, err)

	require.NoError(t, cache.Purge("mem", nil))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, []string{"mem"}, store.deletedAll)
	assert.Empty(t, store.deleted)
}

func TestPurge_NilTokenStore(t *testing.T) {
	cache := NewCache(func(context.Context, gateway.RootName, string) (*fakeSession, error) {
		return &fakeSession{}, nil
	}, nil, nil)

	_, err := cache.Require(context.Background(), rootA, "")
	require.NoError(t, err)

	assert.NoError(t, cache.Purge("mem", nil))
	assert.Equal(t, 0, cache.Len())
}
