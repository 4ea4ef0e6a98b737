package tokenstore

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func testRecord() *Record {
	return &Record{
		Token: &oauth2.Token{AccessToken: "at", RefreshToken: "rt"},
		Meta:  map[string]string{"endpoint": "https://drive.example.com"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("webdrive", "alice@example.com", testRecord()))

	rec, err := s.Load("webdrive", "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at", rec.Token.AccessToken)
	assert.Equal(t, "https://drive.example.com", rec.Meta["endpoint"])
}

func TestLoad_Missing(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Load("webdrive", "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSave_RejectsEmptyRecord(t *testing.T) {
	s := newTestStore(t)

	require.Error(t, s.Save("webdrive", "alice", nil))
	require.Error(t, s.Save("webdrive", "alice", &Record{}))
}

func TestSave_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}

	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Save("webdrive", "alice", testRecord()))

	info, err := os.Stat(filepath.Join(dir, "webdrive", "alice.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("webdrive", "alice", testRecord()))
	require.NoError(t, s.Delete("webdrive", "alice"))

	rec, err := s.Load("webdrive", "alice")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Deleting a missing record is not an error.
	assert.NoError(t, s.Delete("webdrive", "alice"))
}

func TestDeleteAll(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("webdrive", "alice", testRecord()))
	require.NoError(t, s.Save("webdrive", "bob", testRecord()))
	require.NoError(t, s.Save("s3", "carol", testRecord()))

	require.NoError(t, s.DeleteAll("webdrive"))

	accounts, err := s.List("webdrive")
	require.NoError(t, err)
	assert.Empty(t, accounts)

	// Other schemas untouched.
	accounts, err = s.List("s3")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, accounts)
}

func TestList_EscapedAccounts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("webdrive", "alice@example.com", testRecord()))

	accounts, err := s.List("webdrive")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com"}, accounts)
}
