package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
	"github.com/unidrive/unidrive-go/internal/transfer"
)

// flakyContent wraps a gateway so the first N GetContent streams fail
// transiently after delivering a single byte.
type flakyContent struct {
	gateway.Gateway

	failures atomic.Int32
	opens    atomic.Int32
}

func (f *flakyContent) GetContent(ctx context.Context, root gateway.RootName, id fsid.ID, params gateway.Params) (io.ReadCloser, error) {
	f.opens.Add(1)

	rc, err := f.Gateway.GetContent(ctx, root, id, params)
	if err != nil {
		return nil, err
	}

	if f.failures.Add(-1) >= 0 {
		return &brokenStream{r: io.LimitReader(rc, 1), c: rc}, nil
	}

	return rc, nil
}

// brokenStream drops the connection where its limited reader ends.
type brokenStream struct {
	r io.Reader
	c io.Closer
}

func (b *brokenStream) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, gateway.Transient(errors.New("connection reset"))
	}

	return n, err
}

func (b *brokenStream) Close() error { return b.c.Close() }

func testEngine() *transfer.Engine {
	policy := retry.New(nil)
	policy.SetSleepFunc(func(context.Context, time.Duration) error { return nil })

	return transfer.NewEngine(policy, nil)
}

func TestDownloadToRetriesTransientStreamFailure(t *testing.T) {
	gw, root := testDrive(t)
	ctx := context.Background()

	file, err := resolveFile(ctx, gw, root, nil, "/docs/readme.txt")
	require.NoError(t, err)

	flaky := &flakyContent{Gateway: gw}
	flaky.failures.Store(2)

	dst := filepath.Join(t.TempDir(), "readme.txt")

	f, err := os.Create(dst)
	require.NoError(t, err)

	written, err := downloadTo(ctx, testEngine(), flaky, root, file.ID, nil, f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Two interrupted streams were discarded; the third delivered the
	// whole file.
	assert.EqualValues(t, 2, written)
	assert.EqualValues(t, 3, flaky.opens.Load())

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestDownloadBufferDiscardsOnRetry(t *testing.T) {
	gw, root := testDrive(t)
	ctx := context.Background()

	file, err := resolveFile(ctx, gw, root, nil, "/docs/readme.txt")
	require.NoError(t, err)

	flaky := &flakyContent{Gateway: gw}
	flaky.failures.Store(1)

	var buf downloadBuffer

	written, err := downloadTo(ctx, testEngine(), flaky, root, file.ID, nil, &buf)
	require.NoError(t, err)

	assert.EqualValues(t, 2, written)
	assert.Equal(t, "hi", buf.String())
}
