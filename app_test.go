package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive-go/internal/config"
	"github.com/unidrive/unidrive-go/internal/gateway"
)

func testApp(t *testing.T) *appState {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.TokenDir = t.TempDir()
	cfg.Roots = []config.Root{
		{Schema: "memfs", Account: "tester"},
		{Schema: "localfs", Account: "work", Params: map[string]string{"path": t.TempDir()}},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newAppState(cfg, logger)
	require.NoError(t, err)

	return a
}

func TestNewAppStateRegistersAllBackends(t *testing.T) {
	a := testApp(t)

	for _, schema := range []string{"memfs", "localfs", "s3", "webdrive"} {
		reg, err := a.registry.Lookup(schema)
		require.NoError(t, err, schema)
		assert.Equal(t, schema, reg.Schema)
		assert.NotNil(t, reg.Gateway())
	}

	_, err := a.registry.Lookup("gopher")
	require.ErrorIs(t, err, gateway.ErrNotSupported)
}

func TestSelectRoot(t *testing.T) {
	a := testApp(t)

	old := flagRoot
	t.Cleanup(func() { flagRoot = old })

	flagRoot = "memfs:tester"

	reg, root, _, err := a.selectRoot()
	require.NoError(t, err)
	assert.Equal(t, "memfs", reg.Schema)
	assert.Equal(t, gateway.RootName{Schema: "memfs", Account: "tester"}, root)

	flagRoot = "localfs:work"

	_, _, params, err := a.selectRoot()
	require.NoError(t, err)
	assert.NotEmpty(t, params.Get("path"))

	// Two roots configured: an empty selector is ambiguous.
	flagRoot = ""
	_, _, _, err = a.selectRoot()
	require.Error(t, err)

	flagRoot = "memfs:nobody"
	_, _, _, err = a.selectRoot()
	require.Error(t, err)
}

func TestParseRootName(t *testing.T) {
	a := testApp(t)

	name, err := a.parseRootName("webdrive:alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "webdrive", name.Schema)
	assert.Equal(t, "alice@example.com", name.Account)

	_, err = a.parseRootName("no-colon")
	require.Error(t, err)

	_, err = a.parseRootName(":account")
	require.Error(t, err)

	_, err = a.parseRootName("gopher:me")
	require.ErrorIs(t, err, gateway.ErrNotSupported)
}
