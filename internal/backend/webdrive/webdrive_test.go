package webdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
	"github.com/unidrive/unidrive-go/internal/tokenstore"
)

const (
	testToken = "test-token"
	testStamp = "2024-01-02T03:04:05Z"
)

type fakeItem struct {
	id     string
	name   string
	kind   string
	parent string
	data   []byte
}

type fakeUpload struct {
	target    string
	total     int64
	buf       []byte
	ranges    []string
	cancelled bool
}

type fakeCopy struct {
	pollsLeft int
	polled    int
	itemID    string
}

// fakeService is an in-memory rendition of the drive protocol, enough
// for one drive with a flat id space.
type fakeService struct {
	mu      sync.Mutex
	items   map[string]*fakeItem
	uploads map[string]*fakeUpload
	copies  map[string]*fakeCopy
	nextID  int

	quota            quotaPayload
	createdStamp     string
	driveFailures    int
	driveCalls       int
	contentPuts      int
	contentPutStatus int
	commitStatus     int
	copyPolls        int
	monitorBase      string
}

func newFakeService() *fakeService {
	return &fakeService{
		items: map[string]*fakeItem{
			"root": {id: "root", name: "root", kind: "directory"},
		},
		uploads:      map[string]*fakeUpload{},
		copies:       map[string]*fakeCopy{},
		createdStamp: testStamp,
		quota:        quotaPayload{Total: "1000", Used: "400"},
	}
}

func (s *fakeService) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%d", prefix, s.nextID)
}

func (s *fakeService) itemJSON(it *fakeItem) itemPayload {
	p := itemPayload{
		ID:       it.id,
		Name:     it.name,
		Kind:     it.kind,
		Created:  s.createdStamp,
		Modified: testStamp,
	}

	if it.kind == "file" {
		h := fnv.New32a()
		h.Write(it.data) //nolint:errcheck // hash writes cannot fail

		p.Size = strconv.Itoa(len(it.data))
		p.Hash = fmt.Sprintf("%08x", h.Sum32())
	}

	return p
}

func (s *fakeService) findChild(parent, name string) *fakeItem {
	for _, it := range s.items {
		if it.parent == parent && it.name == name {
			return it
		}
	}

	return nil
}

func (s *fakeService) removeTree(id string) {
	for _, it := range s.items {
		if it.parent == id {
			s.removeTree(it.id)
		}
	}

	delete(s.items, id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test server
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/drive":
		s.handleDrive(w)
	case strings.HasPrefix(r.URL.Path, "/operations/"):
		s.handleOperation(w, strings.TrimPrefix(r.URL.Path, "/operations/"))
	case strings.HasPrefix(r.URL.Path, "/uploads/"):
		s.handleUpload(w, r, strings.TrimPrefix(r.URL.Path, "/uploads/"))
	case strings.HasPrefix(r.URL.Path, "/items/"):
		s.handleItem(w, r, strings.TrimPrefix(r.URL.Path, "/items/"))
	default:
		http.Error(w, "no such route", http.StatusNotFound)
	}
}

func (s *fakeService) handleDrive(w http.ResponseWriter) {
	s.driveCalls++

	if s.driveFailures > 0 {
		s.driveFailures--
		http.Error(w, "unavailable", http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, drivePayload{ID: "drive1", Quota: s.quota})
}

func (s *fakeService) handleOperation(w http.ResponseWriter, id string) {
	op, ok := s.copies[id]
	if !ok {
		http.Error(w, "no such operation", http.StatusNotFound)
		return
	}

	op.polled++

	if op.pollsLeft > 0 {
		op.pollsLeft--
		writeJSON(w, http.StatusOK, copyStatusPayload{Status: "inProgress"})

		return
	}

	item := s.itemJSON(s.items[op.itemID])
	writeJSON(w, http.StatusOK, copyStatusPayload{Status: "completed", Item: &item})
}

func (s *fakeService) handleUpload(w http.ResponseWriter, r *http.Request, rest string) {
	id, commit := strings.CutSuffix(rest, "/commit")

	up, ok := s.uploads[id]
	if !ok {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}

	switch {
	case commit && r.Method == http.MethodPost:
		if s.commitStatus != 0 {
			http.Error(w, "commit rejected", s.commitStatus)
			return
		}

		target := s.items[up.target]
		target.data = up.buf

		writeJSON(w, http.StatusOK, s.itemJSON(target))

	case r.Method == http.MethodPut:
		var off, end, total int64
		if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &off, &end, &total); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}

		up.ranges = append(up.ranges, r.Header.Get("Content-Range"))

		data, _ := io.ReadAll(r.Body) //nolint:errcheck // test server

		for int64(len(up.buf)) < off+int64(len(data)) {
			up.buf = append(up.buf, 0)
		}

		copy(up.buf[off:], data)
		w.WriteHeader(http.StatusAccepted)

	case r.Method == http.MethodDelete:
		up.cancelled = true
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

func (s *fakeService) handleItem(w http.ResponseWriter, r *http.Request, rest string) {
	id, sub, _ := strings.Cut(rest, "/")
	id, _ = url.PathUnescape(id) //nolint:errcheck // test ids are clean

	it, ok := s.items[id]
	if !ok {
		http.Error(w, "no such item", http.StatusNotFound)
		return
	}

	switch sub {
	case "":
		s.handleItemSelf(w, r, it)
	case "children":
		s.handleChildren(w, r, it)
	case "content":
		s.handleContent(w, r, it)
	case "uploads":
		up := &fakeUpload{target: it.id}

		var body struct {
			Length string `json:"length"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test server
		up.total, _ = strconv.ParseInt(body.Length, 10, 64)

		upID := s.newID("up")
		s.uploads[upID] = up

		writeJSON(w, http.StatusCreated, map[string]string{"upload_id": upID})
	case "copy":
		s.handleCopy(w, r, it)
	case "move":
		var body struct {
			Name     string `json:"name"`
			ParentID string `json:"parent_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test server

		if s.findChild(body.ParentID, body.Name) != nil {
			http.Error(w, "name in use", http.StatusConflict)
			return
		}

		it.parent = body.ParentID
		it.name = body.Name

		writeJSON(w, http.StatusOK, s.itemJSON(it))
	default:
		http.Error(w, "no such route", http.StatusNotFound)
	}
}

func (s *fakeService) handleItemSelf(w http.ResponseWriter, r *http.Request, it *fakeItem) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.itemJSON(it))

	case http.MethodPatch:
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test server

		if sibling := s.findChild(it.parent, body.Name); sibling != nil && sibling.id != it.id {
			http.Error(w, "name in use", http.StatusConflict)
			return
		}

		it.name = body.Name
		writeJSON(w, http.StatusOK, s.itemJSON(it))

	case http.MethodDelete:
		if it.kind == "directory" && r.URL.Query().Get("recurse") != "true" {
			http.Error(w, "recurse required", http.StatusConflict)
			return
		}

		s.removeTree(it.id)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

func (s *fakeService) handleChildren(w http.ResponseWriter, r *http.Request, it *fakeItem) {
	switch r.Method {
	case http.MethodGet:
		children := childrenPayload{Items: []itemPayload{}}

		for _, child := range s.items {
			if child.parent == it.id {
				children.Items = append(children.Items, s.itemJSON(child))
			}
		}

		writeJSON(w, http.StatusOK, children)

	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test server

		if s.findChild(it.id, body.Name) != nil {
			http.Error(w, "name in use", http.StatusConflict)
			return
		}

		child := &fakeItem{id: s.newID("it"), name: body.Name, kind: body.Kind, parent: it.id}
		s.items[child.id] = child

		writeJSON(w, http.StatusCreated, s.itemJSON(child))

	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

func (s *fakeService) handleContent(w http.ResponseWriter, r *http.Request, it *fakeItem) {
	switch r.Method {
	case http.MethodGet:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(it.data) //nolint:errcheck // test server

	case http.MethodPut:
		s.contentPuts++

		if s.contentPutStatus != 0 {
			http.Error(w, "upload rejected", s.contentPutStatus)
			return
		}

		data, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
		it.data = data

		writeJSON(w, http.StatusOK, s.itemJSON(it))

	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

func (s *fakeService) handleCopy(w http.ResponseWriter, r *http.Request, it *fakeItem) {
	var body struct {
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
		Recurse  bool   `json:"recurse"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test server

	clone := &fakeItem{
		id:     s.newID("it"),
		name:   body.Name,
		kind:   it.kind,
		parent: body.ParentID,
		data:   append([]byte(nil), it.data...),
	}
	s.items[clone.id] = clone

	opID := s.newID("op")
	s.copies[opID] = &fakeCopy{pollsLeft: s.copyPolls, itemID: clone.id}

	w.Header().Set("Location", s.monitorBase+"/operations/"+opID)
	w.WriteHeader(http.StatusAccepted)
}

type fixture struct {
	svc    *fakeService
	srv    *httptest.Server
	tokens *tokenstore.Store
	policy *retry.Policy
	gw     *Gateway
	root   gateway.RootName
}

func (f *fixture) options() Options {
	return Options{
		ChunkSize:    4,
		Threshold:    8,
		Logger:       discardLogger(),
		Tokens:       f.tokens,
		HTTPClient:   f.srv.Client(),
		PollInterval: time.Millisecond,
		PollAttempts: 5,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	svc := newFakeService()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	tokens := tokenstore.New(t.TempDir())
	require.NoError(t, tokens.Save(Schema, "alice", &tokenstore.Record{
		Token: &oauth2.Token{AccessToken: testToken},
		Meta:  map[string]string{"endpoint": srv.URL},
	}))

	policy := retry.New(discardLogger())
	policy.SetSleepFunc(func(context.Context, time.Duration) error { return nil })

	f := &fixture{
		svc:    svc,
		srv:    srv,
		tokens: tokens,
		policy: policy,
		root:   gateway.RootName{Schema: Schema, Account: "alice"},
	}
	f.gw = New(policy, f.options())

	return f
}

func (f *fixture) rootDir(t *testing.T) fsid.ID {
	t.Helper()

	dir, err := f.gw.GetRoot(context.Background(), f.root, nil)
	require.NoError(t, err)

	return dir.ID
}

func (f *fixture) put(t *testing.T, parent fsid.ID, name, content string) *contract.FileInfo {
	t.Helper()

	file, err := f.gw.NewFileItem(context.Background(), f.root, parent, name,
		strings.NewReader(content), int64(len(content)), nil, nil)
	require.NoError(t, err)

	return file
}

func (f *fixture) readBack(t *testing.T, id fsid.ID) string {
	t.Helper()

	rc, err := f.gw.GetContent(context.Background(), f.root, id, nil)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	return string(data)
}

func TestTryAuthenticateNoStoredCredential(t *testing.T) {
	f := newFixture(t)

	err := f.gw.TryAuthenticate(context.Background(), gateway.RootName{Schema: Schema, Account: "bob"}, nil)
	require.ErrorIs(t, err, gateway.ErrAuthentication)
}

func TestTryAuthenticateRejectedToken(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.tokens.Save(Schema, "stale", &tokenstore.Record{
		Token: &oauth2.Token{AccessToken: "expired"},
		Meta:  map[string]string{"endpoint": f.srv.URL},
	}))

	err := f.gw.TryAuthenticate(context.Background(), gateway.RootName{Schema: Schema, Account: "stale"}, nil)
	require.ErrorIs(t, err, gateway.ErrAuthentication)

	var backendErr *gateway.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, http.StatusUnauthorized, backendErr.Status)
}

func TestGetDriveQuotaVariants(t *testing.T) {
	cases := []struct {
		name  string
		quota quotaPayload
		used  int64
		free  int64
	}{
		{"total and used", quotaPayload{Total: "1000", Used: "400"}, 400, 600},
		{"used only", quotaPayload{Used: "400"}, 400, 0},
		{"total and remaining", quotaPayload{Total: "1000", Remaining: "250"}, 750, 250},
		{"unreported", quotaPayload{}, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)

			f.svc.mu.Lock()
			f.svc.quota = tc.quota
			f.svc.mu.Unlock()

			drive, err := f.gw.GetDrive(context.Background(), f.root, nil)
			require.NoError(t, err)

			assert.Equal(t, fsid.NewDirectory("drive1"), drive.ID)
			assert.Equal(t, tc.used, drive.UsedSpace)
			assert.Equal(t, tc.free, drive.FreeSpace)
		})
	}
}

func TestTransientStatusRetried(t *testing.T) {
	f := newFixture(t)

	f.svc.mu.Lock()
	f.svc.driveFailures = 2
	f.svc.mu.Unlock()

	_, err := f.gw.GetDrive(context.Background(), f.root, nil)
	require.NoError(t, err)

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	assert.Equal(t, 3, f.svc.driveCalls)
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status   int
		sentinel error
	}{
		{http.StatusUnauthorized, gateway.ErrAuthentication},
		{http.StatusForbidden, gateway.ErrAuthentication},
		{http.StatusNotFound, gateway.ErrNotFound},
		{http.StatusGone, gateway.ErrNotFound},
		{http.StatusTooManyRequests, gateway.ErrTransient},
		{http.StatusBadGateway, gateway.ErrTransient},
		{http.StatusConflict, gateway.ErrPermanent},
		{http.StatusBadRequest, gateway.ErrPermanent},
	}

	for _, tc := range cases {
		err := classifyStatus("Op", tc.status, []byte("detail"))
		assert.ErrorIs(t, err, tc.sentinel, "status %d", tc.status)
	}
}

func TestSmallFileRoundTrip(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	var final contract.Progress

	file, err := f.gw.NewFileItem(context.Background(), f.root, root, "note.txt",
		strings.NewReader("hello"), 5, func(p contract.Progress) { final = p }, nil)
	require.NoError(t, err)

	assert.Equal(t, "note.txt", file.Name)
	assert.EqualValues(t, 5, file.Size)
	assert.NotEmpty(t, file.ContentHash)
	assert.Equal(t, contract.Progress{Transferred: 5, Total: 5}, final)

	assert.Equal(t, "hello", f.readBack(t, file.ID))

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	assert.Equal(t, 1, f.svc.contentPuts)
	assert.Empty(t, f.svc.uploads)
}

func TestZeroLengthFileSkipsTransfer(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	file := f.put(t, root, "empty.txt", "")
	assert.Zero(t, file.Size)

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	assert.Zero(t, f.svc.contentPuts)
	assert.Empty(t, f.svc.uploads)
}

func TestChunkedUploadSendsByteRanges(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	content := "0123456789" // above the 8-byte threshold, chunk size 4

	var final contract.Progress

	file, err := f.gw.NewFileItem(context.Background(), f.root, root, "big.bin",
		strings.NewReader(content), int64(len(content)), func(p contract.Progress) { final = p }, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 10, file.Size)
	assert.Equal(t, contract.Progress{Transferred: 10, Total: 10}, final)
	assert.Equal(t, content, f.readBack(t, file.ID))

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()

	require.Len(t, f.svc.uploads, 1)

	for _, up := range f.svc.uploads {
		assert.Equal(t, []string{
			"bytes 0-3/10",
			"bytes 4-7/10",
			"bytes 8-9/10",
		}, up.ranges)
		assert.False(t, up.cancelled)
	}

	assert.Zero(t, f.svc.contentPuts)
}

func TestChunkedUploadCancelsOnCommitFailure(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	f.svc.mu.Lock()
	f.svc.commitStatus = http.StatusBadRequest
	f.svc.mu.Unlock()

	_, err := f.gw.NewFileItem(context.Background(), f.root, root, "big.bin",
		strings.NewReader("0123456789"), 10, nil, nil)
	require.ErrorIs(t, err, gateway.ErrPermanent)

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()

	require.Len(t, f.svc.uploads, 1)

	for _, up := range f.svc.uploads {
		assert.True(t, up.cancelled)
	}
}

func TestNewFileItemRollsBackOnUploadFailure(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	f.svc.mu.Lock()
	f.svc.contentPutStatus = http.StatusBadRequest
	f.svc.mu.Unlock()

	_, err := f.gw.NewFileItem(context.Background(), f.root, root, "note.txt",
		strings.NewReader("hello"), 5, nil, nil)
	require.ErrorIs(t, err, gateway.ErrPermanent)

	// The empty placeholder created before the upload is gone.
	items, err := f.gw.GetChildItems(context.Background(), f.root, root, nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSetContentReplacesAndClears(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	file := f.put(t, root, "note.txt", "first")
	firstHash := file.ContentHash

	updated, err := f.gw.SetContent(context.Background(), f.root, file.ID,
		strings.NewReader("second!"), 7, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, file.ID, updated.ID)
	assert.EqualValues(t, 7, updated.Size)
	assert.NotEqual(t, firstHash, updated.ContentHash)

	require.NoError(t, f.gw.ClearContent(context.Background(), f.root, file.ID, nil))
	assert.Equal(t, "", f.readBack(t, file.ID))
}

func TestGetChildItemsSorted(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	_, err := f.gw.NewDirectoryItem(context.Background(), f.root, root, "zeta", nil)
	require.NoError(t, err)

	f.put(t, root, "alpha.txt", "a")
	f.put(t, root, "mid.txt", "m")

	items, err := f.gw.GetChildItems(context.Background(), f.root, root, nil)
	require.NoError(t, err)
	require.Len(t, items, 3)

	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.ItemName())
	}

	assert.Equal(t, []string{"alpha.txt", "mid.txt", "zeta"}, names)

	dir, ok := items[2].(*contract.DirectoryInfo)
	require.True(t, ok)
	assert.True(t, dir.ID.IsDirectory())
}

func TestDuplicateNameRejected(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	f.put(t, root, "note.txt", "x")

	_, err := f.gw.NewFileItem(context.Background(), f.root, root, "note.txt",
		strings.NewReader("y"), 1, nil, nil)
	require.ErrorIs(t, err, gateway.ErrPermanent)
}

func TestCopyPollsUntilComplete(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	file := f.put(t, root, "note.txt", "hello")

	f.svc.mu.Lock()
	f.svc.copyPolls = 2
	f.svc.mu.Unlock()

	item, err := f.gw.CopyItem(context.Background(), f.root, file.ID, "copy.txt", root, false, nil)
	require.NoError(t, err)

	assert.Equal(t, "copy.txt", item.ItemName())
	assert.NotEqual(t, file.ID, item.ItemID())

	copied, ok := item.(*contract.FileInfo)
	require.True(t, ok)
	assert.Equal(t, file.ContentHash, copied.ContentHash)
	assert.Equal(t, "hello", f.readBack(t, copied.ID))

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()

	for _, op := range f.svc.copies {
		assert.Equal(t, 3, op.polled)
	}
}

func TestCopyMonitorOnAnotherHost(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	file := f.put(t, root, "note.txt", "hello")

	// A second server for the monitor endpoint, so the Location header
	// carries an absolute URL on a different host.
	monitor := httptest.NewServer(f.svc)
	t.Cleanup(monitor.Close)

	f.svc.mu.Lock()
	f.svc.copyPolls = 1
	f.svc.monitorBase = monitor.URL
	f.svc.mu.Unlock()

	item, err := f.gw.CopyItem(context.Background(), f.root, file.ID, "copy.txt", root, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "copy.txt", item.ItemName())

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()

	for _, op := range f.svc.copies {
		assert.Equal(t, 2, op.polled)
	}
}

func TestCopyDirectoryRequiresRecurse(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	dir, err := f.gw.NewDirectoryItem(context.Background(), f.root, root, "docs", nil)
	require.NoError(t, err)

	_, err = f.gw.CopyItem(context.Background(), f.root, dir.ID, "docs2", root, false, nil)
	require.ErrorIs(t, err, gateway.ErrNotSupported)
}

func TestCopyPollBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	file := f.put(t, root, "note.txt", "hello")

	f.svc.mu.Lock()
	f.svc.copyPolls = 100
	f.svc.mu.Unlock()

	_, err := f.gw.CopyItem(context.Background(), f.root, file.ID, "copy.txt", root, false, nil)
	require.ErrorIs(t, err, gateway.ErrTransient)
}

func TestCopyPollCancellable(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	file := f.put(t, root, "note.txt", "hello")

	f.svc.mu.Lock()
	f.svc.copyPolls = 100
	f.svc.mu.Unlock()

	opts := f.options()
	opts.PollInterval = time.Minute
	slow := New(f.policy, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := slow.CopyItem(ctx, f.root, file.ID, "copy.txt", root, false, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMoveItemChangesParent(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	dir, err := f.gw.NewDirectoryItem(context.Background(), f.root, root, "docs", nil)
	require.NoError(t, err)

	file := f.put(t, root, "note.txt", "hello")

	moved, err := f.gw.MoveItem(context.Background(), f.root, file.ID, "moved.txt", dir.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, file.ID, moved.ItemID())
	assert.Equal(t, "moved.txt", moved.ItemName())

	inDir, err := f.gw.GetChildItems(context.Background(), f.root, dir.ID, nil)
	require.NoError(t, err)
	require.Len(t, inDir, 1)
	assert.Equal(t, "moved.txt", inDir[0].ItemName())
}

func TestRenameItemConflict(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	f.put(t, root, "taken.txt", "a")
	file := f.put(t, root, "note.txt", "b")

	renamed, err := f.gw.RenameItem(context.Background(), f.root, file.ID, "fresh.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh.txt", renamed.ItemName())

	_, err = f.gw.RenameItem(context.Background(), f.root, file.ID, "taken.txt", nil)
	require.ErrorIs(t, err, gateway.ErrPermanent)
}

func TestRemoveItem(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	dir, err := f.gw.NewDirectoryItem(context.Background(), f.root, root, "docs", nil)
	require.NoError(t, err)

	f.put(t, dir.ID, "inner.txt", "x")

	err = f.gw.RemoveItem(context.Background(), f.root, dir.ID, false, nil)
	require.ErrorIs(t, err, gateway.ErrNotSupported)

	require.NoError(t, f.gw.RemoveItem(context.Background(), f.root, dir.ID, true, nil))

	items, err := f.gw.GetChildItems(context.Background(), f.root, root, nil)
	require.NoError(t, err)
	assert.Empty(t, items)

	err = f.gw.RemoveItem(context.Background(), f.root, fsid.NewFile("ghost"), false, nil)
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestMalformedTimestampIsFormatError(t *testing.T) {
	f := newFixture(t)
	root := f.rootDir(t)

	f.put(t, root, "note.txt", "x")

	f.svc.mu.Lock()
	f.svc.createdStamp = "yesterday"
	f.svc.mu.Unlock()

	_, err := f.gw.GetChildItems(context.Background(), f.root, root, nil)
	require.ErrorIs(t, err, gateway.ErrFormat)
}

func TestPurgeSettings(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.gw.TryAuthenticate(context.Background(), f.root, nil))

	require.NoError(t, f.tokens.Save(Schema, "carol", &tokenstore.Record{
		Token: &oauth2.Token{AccessToken: testToken},
		Meta:  map[string]string{"endpoint": f.srv.URL},
	}))

	require.NoError(t, f.gw.PurgeSettings(&f.root))

	rec, err := f.tokens.Load(Schema, "alice")
	require.NoError(t, err)
	assert.Nil(t, rec)

	err = f.gw.TryAuthenticate(context.Background(), f.root, nil)
	require.ErrorIs(t, err, gateway.ErrAuthentication)

	require.NoError(t, f.gw.PurgeSettings(nil))

	accounts, err := f.tokens.List(Schema)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
