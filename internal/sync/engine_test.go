package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/delta"
	"github.com/vonshlovens/remotesync/internal/download"
	"github.com/vonshlovens/remotesync/internal/poller"
	"github.com/vonshlovens/remotesync/internal/ratelimit"
	"github.com/vonshlovens/remotesync/internal/remote"
	"github.com/vonshlovens/remotesync/internal/store"
	"github.com/vonshlovens/remotesync/internal/synclock"
)

var (
	dropboxAccount = account.Account{ID: "blog1", Provider: account.ProviderDropbox}
	driveAccount   = account.Account{ID: "blog2", Provider: account.ProviderGDrive, RootID: "root"}
	remoteTime     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// fakeRemote is a provider whose delta cursor is the length of an
// append-only log
type fakeRemote struct {
	mu       sync.Mutex
	log      []remote.DeltaEntry
	bodies   map[string]string
	failures map[string]error
	meta     map[string]remote.ChangeRecord
	listErr  error

	// gate blocks delta calls until closed; entered is signalled first
	gate    chan struct{}
	entered chan struct{}

	deltaCalls int
	downloads  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		bodies:   make(map[string]string),
		failures: make(map[string]error),
		meta:     make(map[string]remote.ChangeRecord),
	}
}

func (f *fakeRemote) put(p, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "id:" + strings.ToLower(p)
	f.bodies[id] = body
	f.log = append(f.log, remote.DeltaEntry{
		Tag:            remote.TagFile,
		ID:             id,
		PathLower:      strings.ToLower(p),
		PathDisplay:    p,
		ContentHash:    sha(body),
		ServerModified: remoteTime,
	})
}

func (f *fakeRemote) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, id)
		return
	}
	f.failures[id] = err
}

func (f *fakeRemote) wait() {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.deltaCalls++
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
}

func (f *fakeRemote) List(_ context.Context, _ account.Account, _ string) (remote.DeltaPage, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return remote.DeltaPage{}, f.listErr
	}
	entries := append([]remote.DeltaEntry(nil), f.log...)
	return remote.DeltaPage{Entries: entries, Cursor: strconv.Itoa(len(f.log))}, nil
}

func (f *fakeRemote) Continue(_ context.Context, _ account.Account, cursor string) (remote.DeltaPage, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := strconv.Atoi(cursor)
	if err != nil || n > len(f.log) {
		return remote.DeltaPage{}, remote.ErrCursorReset
	}
	entries := append([]remote.DeltaEntry(nil), f.log[n:]...)
	return remote.DeltaPage{Entries: entries, Cursor: strconv.Itoa(len(f.log))}, nil
}

func (f *fakeRemote) Root(context.Context, account.Account) (remote.RootInfo, error) {
	return remote.RootInfo{PathLower: "/", PathDisplay: "/"}, nil
}

func (f *fakeRemote) Download(_ context.Context, _ account.Account, change remote.ChangeRecord) (*remote.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if err := f.failures[change.ResourceID]; err != nil {
		return nil, err
	}
	body, ok := f.bodies[change.ResourceID]
	if !ok {
		return nil, &remote.HTTPError{StatusCode: http.StatusNotFound}
	}
	return &remote.Content{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeRemote) Export(context.Context, account.Account, remote.ChangeRecord, string) (*remote.Content, error) {
	return nil, remote.ErrUnsupported
}

func (f *fakeRemote) Metadata(_ context.Context, _ account.Account, resourceID string) (remote.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	change, ok := f.meta[resourceID]
	if !ok {
		return remote.ChangeRecord{}, remote.ErrNotFound
	}
	return change, nil
}

type recorder struct {
	mu       sync.Mutex
	store    store.PathStore
	builds   [][]string
	statuses []string
}

func (r *recorder) OnSyncComplete(_ context.Context, _ string, paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds = append(r.builds, append([]string(nil), paths...))
	return nil
}

func (r *recorder) ReportStatus(_ context.Context, _ string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, msg)
}

func (r *recorder) RecordPathMapping(ctx context.Context, accountID, resourceID, path string) error {
	return r.store.SetPath(ctx, accountID, resourceID, path)
}

func (r *recorder) lastStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

type harness struct {
	engine  *Engine
	remote  *fakeRemote
	store   store.Store
	fs      afero.Fs
	locker  *synclock.Locker
	limiter *ratelimit.Limiter
	hooks   *recorder
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	fr := newFakeRemote()
	st := store.NewMemoryStore()
	fs := afero.NewMemMapFs()
	providers := remote.Providers{
		account.ProviderDropbox: {Name: account.ProviderDropbox, Delta: fr, Content: fr},
		account.ProviderGDrive:  {Name: account.ProviderGDrive, Metadata: fr, Content: fr},
	}
	locker := synclock.New(synclock.Options{Logger: quietLogger()})
	limiterOpts := ratelimit.DefaultOptions()
	limiterOpts.Logger = quietLogger()
	limiter := ratelimit.New(limiterOpts)
	hooks := &recorder{store: st}

	opts := Options{
		Accounts:  account.NewRegistry(dropboxAccount, driveAccount),
		Providers: providers,
		Store:     st,
		Locker:    locker,
		Fetcher: delta.NewFetcher(providers, delta.Options{
			MaxRetries: 0,
			RetryDelay: time.Millisecond,
			Logger:     quietLogger(),
		}),
		Downloader: download.New(download.Options{
			Fs:         fs,
			Root:       "/data",
			Providers:  providers,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
			Logger:     quietLogger(),
		}),
		Limiter:        limiter,
		Build:          hooks,
		Folder:         hooks,
		IgnorePatterns: []string{"**/.DS_Store"},
		Logger:         quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(e.Close)

	return &harness{engine: e, remote: fr, store: st, fs: fs, locker: locker, limiter: limiter, hooks: hooks}
}

func (h *harness) read(t *testing.T, p string) string {
	t.Helper()
	data, err := afero.ReadFile(h.fs, filepath.Join("/data", filepath.FromSlash(p)))
	if err != nil {
		t.Fatalf("failed to read %s: %v", p, err)
	}
	return string(data)
}

func (h *harness) cursor(t *testing.T, accountID string) string {
	t.Helper()
	c, err := h.store.Cursor(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	return c
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(Options{}); err == nil {
		t.Error("expected error without collaborators")
	}
}

func TestSync_AppliesChangesAndAdvancesCursor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put("/Posts/Hello.md", "# hello")
	h.remote.put("/about.md", "about")
	h.remote.put("/.DS_Store", "junk")

	res, err := h.engine.Sync(ctx, "blog1")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.OK() || res.Changes != 2 || !res.CursorAdvanced {
		t.Fatalf("result = %+v", res)
	}
	if want := []string{"/Posts/Hello.md", "/about.md"}; strings.Join(res.Paths, ",") != strings.Join(want, ",") {
		t.Errorf("paths = %v, want %v", res.Paths, want)
	}
	if got := h.read(t, "blog1/Posts/Hello.md"); got != "# hello" {
		t.Errorf("content = %q", got)
	}
	if ok, _ := afero.Exists(h.fs, "/data/blog1/.DS_Store"); ok {
		t.Error("ignored file was downloaded")
	}
	if c := h.cursor(t, "blog1"); c != "3" {
		t.Errorf("cursor = %q, want 3", c)
	}

	state, err := h.store.FileState(ctx, "blog1", "/about.md")
	if err != nil {
		t.Fatalf("FileState failed: %v", err)
	}
	if state.Checksum != sha("about") || !state.RemoteModified.Equal(remoteTime) {
		t.Errorf("file state = %+v", state)
	}
	if p, err := h.store.PathFor(ctx, "blog1", "id:/about.md"); err != nil || p != "/about.md" {
		t.Errorf("path mapping = %q, %v", p, err)
	}
	if len(h.hooks.builds) != 1 || h.hooks.lastStatus() != "Synced 2 changes" {
		t.Errorf("builds = %v, status = %q", h.hooks.builds, h.hooks.lastStatus())
	}
	if h.locker.Held("blog1") {
		t.Error("lock still held after pass")
	}

	// Nothing new upstream: no downloads, the build hook still sees the pass
	downloads := h.remote.downloads
	res, err = h.engine.Sync(ctx, "blog1")
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if res.Changes != 0 || len(res.Paths) != 0 || h.remote.downloads != downloads {
		t.Errorf("second pass = %+v, downloads %d -> %d", res, downloads, h.remote.downloads)
	}
	if len(h.hooks.builds) != 2 || len(h.hooks.builds[1]) != 0 {
		t.Errorf("builds = %v, want a second pass with no paths", h.hooks.builds)
	}
}

func TestSync_IdempotentAfterCursorReset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put("/a.md", "a")
	if _, err := h.engine.Sync(ctx, "blog1"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	res, err := h.engine.ForceResync(ctx, "blog1")
	if err != nil {
		t.Fatalf("ForceResync failed: %v", err)
	}
	if h.remote.downloads != 1 {
		t.Errorf("downloads = %d, want 1", h.remote.downloads)
	}
	if len(res.Paths) != 0 {
		t.Errorf("unchanged file reported as updated: %v", res.Paths)
	}
	if c := h.cursor(t, "blog1"); c != "1" {
		t.Errorf("cursor = %q, want 1", c)
	}
}

func TestSync_CursorNotAdvancedOnFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put("/a.md", "a")
	h.remote.put("/b.md", "b")
	h.remote.fail("id:/b.md", &remote.HTTPError{StatusCode: http.StatusBadRequest, Message: "bad"})

	res, err := h.engine.Sync(ctx, "blog1")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Failed != 1 || res.CursorAdvanced {
		t.Errorf("result = %+v", res)
	}
	if c := h.cursor(t, "blog1"); c != "" {
		t.Errorf("cursor advanced to %q after failure", c)
	}
	if h.read(t, "blog1/a.md") != "a" {
		t.Error("successful change not applied")
	}
	if !strings.HasPrefix(h.hooks.lastStatus(), "Sync incomplete") {
		t.Errorf("status = %q", h.hooks.lastStatus())
	}
	if h.locker.Held("blog1") {
		t.Error("lock still held after failed pass")
	}

	h.remote.fail("id:/b.md", nil)
	res, err = h.engine.Sync(ctx, "blog1")
	if err != nil || !res.OK() {
		t.Fatalf("retry pass = %+v, %v", res, err)
	}
	if c := h.cursor(t, "blog1"); c != "2" {
		t.Errorf("cursor = %q, want 2", c)
	}
	if h.read(t, "blog1/b.md") != "b" {
		t.Error("failed change not applied on retry")
	}
}

func TestSync_LockReleasedOnError(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.listErr = errors.New("connection reset")

	if _, err := h.engine.Sync(context.Background(), "blog1"); err == nil {
		t.Fatal("expected error")
	}
	if h.locker.Held("blog1") {
		t.Fatal("lock still held after error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handle, err := h.locker.Acquire(ctx, "blog1")
	if err != nil {
		t.Fatalf("lock not acquirable after failed pass: %v", err)
	}
	handle.Release(ctx)
}

func TestSync_RateLimitDefers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put("/a.md", "a")
	h.remote.fail("id:/a.md", &remote.HTTPError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Minute})

	res, err := h.engine.Sync(ctx, "blog1")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Deferred || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if c := h.cursor(t, "blog1"); c != "" {
		t.Errorf("cursor advanced to %q while deferred", c)
	}
	if _, cooling := h.limiter.InCooldown(dropboxAccount.RateScope()); !cooling {
		t.Error("scope not cooling down")
	}
	if _, cooling := h.limiter.InCooldown(driveAccount.RateScope()); cooling {
		t.Error("unrelated scope cooling down")
	}

	// While cooling down the next pass is deferred without downloading
	downloads := h.remote.downloads
	res, err = h.engine.Sync(ctx, "blog1")
	if err != nil || !res.Deferred {
		t.Fatalf("pass during cooldown = %+v, %v", res, err)
	}
	if h.remote.downloads != downloads {
		t.Error("download attempted during cooldown")
	}
}

func TestSync_UnknownAccount(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Sync(context.Background(), "nope"); !errors.Is(err, account.ErrNotFound) {
		t.Errorf("expected account.ErrNotFound, got %v", err)
	}
}

func TestSyncChanges_RemoveAndMove(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put("/a.md", "a")
	if _, err := h.engine.Sync(ctx, "blog1"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	res, err := h.engine.SyncChanges(ctx, "blog1", []remote.ChangeRecord{
		{Path: "/b.md", PreviousPath: "/a.md", Kind: remote.KindMoved, ResourceID: "id:/a.md"},
	})
	if err != nil || !res.OK() {
		t.Fatalf("move = %+v, %v", res, err)
	}
	if ok, _ := afero.Exists(h.fs, "/data/blog1/a.md"); ok {
		t.Error("previous path still exists")
	}
	if h.read(t, "blog1/b.md") != "a" {
		t.Error("moved file missing")
	}
	if _, err := h.store.FileState(ctx, "blog1", "/a.md"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("previous file state kept: %v", err)
	}

	res, err = h.engine.SyncChanges(ctx, "blog1", []remote.ChangeRecord{
		{Path: "/b.md", Kind: remote.KindRemoved, ResourceID: "id:/a.md"},
	})
	if err != nil || !res.OK() {
		t.Fatalf("remove = %+v, %v", res, err)
	}
	if ok, _ := afero.Exists(h.fs, "/data/blog1/b.md"); ok {
		t.Error("removed file still exists")
	}
	if _, err := h.store.PathFor(ctx, "blog1", "id:/a.md"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("path mapping kept after removal: %v", err)
	}
}

func TestGroupByPath(t *testing.T) {
	groups := groupByPath([]remote.ChangeRecord{
		{Path: "/a.md", Kind: remote.KindAdded},
		{Path: "/b.md"},
		{Path: "/A.md", Kind: remote.KindRemoved},
	})
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][1].Kind != remote.KindRemoved {
		t.Errorf("same-path changes not kept in order: %+v", groups[0])
	}
}

func TestNotifyChange_Coalesces(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.put("/a.md", "a")

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.remote.mu.Lock()
	h.remote.gate = gate
	h.remote.entered = entered
	h.remote.mu.Unlock()

	h.engine.NotifyChange("blog1")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not start")
	}

	// The first pass is blocked inside the delta fetch
	for i := 0; i < 5; i++ {
		h.engine.NotifyChange("blog1")
	}
	close(gate)
	h.engine.Wait()

	h.remote.mu.Lock()
	calls := h.remote.deltaCalls
	h.remote.mu.Unlock()
	if calls != 2 {
		t.Errorf("delta calls = %d, want 2 (one pass plus one follow-up)", calls)
	}
	if c := h.cursor(t, "blog1"); c != "1" {
		t.Errorf("cursor = %q, want 1", c)
	}
}

func TestSyncResource_CooldownMoveAndRemoval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(remoteTime)
	h := newHarness(t, func(o *Options) { o.Clock = clock })
	ctx := context.Background()

	h.remote.mu.Lock()
	h.remote.bodies["doc1"] = "<p>v1</p>"
	h.remote.meta["doc1"] = remote.ChangeRecord{Path: "/Doc.html", ResourceID: "doc1", Kind: remote.KindModified, ModifiedTime: remoteTime}
	h.remote.mu.Unlock()

	synced, err := h.engine.SyncResource(ctx, "blog2", "doc1")
	if err != nil || !synced {
		t.Fatalf("SyncResource = %v, %v", synced, err)
	}
	if h.read(t, "blog2/Doc.html") != "<p>v1</p>" {
		t.Error("resource not downloaded")
	}

	// Same account within the cooldown
	synced, err = h.engine.SyncResource(ctx, "blog2", "doc1")
	if err != nil || synced {
		t.Errorf("SyncResource during cooldown = %v, %v", synced, err)
	}

	// A failed sync does not start a new cooldown
	clock.Advance(11 * time.Second)
	h.remote.fail("doc1", &remote.HTTPError{StatusCode: http.StatusBadRequest, Message: "bad"})
	if synced, err = h.engine.SyncResource(ctx, "blog2", "doc1"); err == nil || synced {
		t.Fatalf("SyncResource with failing download = %v, %v", synced, err)
	}
	h.remote.fail("doc1", nil)
	h.remote.mu.Lock()
	h.remote.bodies["doc1"] = "<p>v2</p>"
	h.remote.mu.Unlock()
	if synced, err = h.engine.SyncResource(ctx, "blog2", "doc1"); err != nil || !synced {
		t.Fatalf("SyncResource after failure = %v, %v", synced, err)
	}
	if h.read(t, "blog2/Doc.html") != "<p>v2</p>" {
		t.Error("retry after failure not applied")
	}

	clock.Advance(11 * time.Second)
	h.remote.mu.Lock()
	h.remote.meta["doc1"] = remote.ChangeRecord{Path: "/Renamed.html", ResourceID: "doc1", Kind: remote.KindModified}
	h.remote.mu.Unlock()

	synced, err = h.engine.SyncResource(ctx, "blog2", "doc1")
	if err != nil || !synced {
		t.Fatalf("SyncResource after rename = %v, %v", synced, err)
	}
	if ok, _ := afero.Exists(h.fs, "/data/blog2/Doc.html"); ok {
		t.Error("old path not removed after rename")
	}
	if p, _ := h.store.PathFor(ctx, "blog2", "doc1"); p != "/Renamed.html" {
		t.Errorf("mapping = %q, want /Renamed.html", p)
	}

	clock.Advance(11 * time.Second)
	h.remote.mu.Lock()
	delete(h.remote.meta, "doc1")
	h.remote.mu.Unlock()

	synced, err = h.engine.SyncResource(ctx, "blog2", "doc1")
	if err != nil || !synced {
		t.Fatalf("SyncResource after deletion = %v, %v", synced, err)
	}
	if ok, _ := afero.Exists(h.fs, "/data/blog2/Renamed.html"); ok {
		t.Error("deleted resource still on disk")
	}
}

func TestNotifyResourceEdited(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.engine.NotifyResourceEdited(ctx, "blog2", "", ""); !errors.Is(err, poller.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if err := h.engine.NotifyResourceEdited(ctx, "blog2", "doc1", "root"); !errors.Is(err, ErrPollingDisabled) {
		t.Errorf("expected ErrPollingDisabled, got %v", err)
	}

	s := poller.New(poller.Options{
		Resolver: h.engine.PollResolver(),
		OnChange: h.engine.HandlePolledChange,
		Clock:    clockwork.NewFakeClock(),
		Logger:   quietLogger(),
	})
	t.Cleanup(s.Stop)
	h.engine.AttachPoller(s)

	if err := h.engine.NotifyResourceEdited(ctx, "blog2", "doc1", "root"); err != nil {
		t.Fatalf("NotifyResourceEdited failed: %v", err)
	}
	item, ok := s.Get(poller.Key{AccountID: "blog2", ResourceID: "doc1"})
	if !ok {
		t.Fatal("resource not tracked")
	}
	if item.Scope != driveAccount.RateScope() || item.ContainerID != "root" {
		t.Errorf("item = %+v", item)
	}
}

func TestHandleLocalChange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put("/a.md", "a")
	if _, err := h.engine.Sync(ctx, "blog1"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	tests := []struct {
		name  string
		setup func()
		ev    LocalChange
		own   bool
	}{
		{"own write", nil, LocalChange{AccountID: "blog1", Path: "/a.md"}, true},
		{"temp file", nil, LocalChange{AccountID: "blog1", Path: "/" + download.TempPrefix + "123"}, true},
		{"untracked removal", nil, LocalChange{AccountID: "blog1", Path: "/never.md", Removed: true}, true},
		{
			"local edit",
			func() { afero.WriteFile(h.fs, "/data/blog1/a.md", []byte("edited"), 0644) },
			LocalChange{AccountID: "blog1", Path: "/a.md"},
			false,
		},
		{
			"untracked file",
			func() { afero.WriteFile(h.fs, "/data/blog1/new.md", []byte("new"), 0644) },
			LocalChange{AccountID: "blog1", Path: "/new.md"},
			false,
		},
		{"tracked removal", nil, LocalChange{AccountID: "blog1", Path: "/a.md", Removed: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			own, err := h.engine.HandleLocalChange(ctx, tt.ev)
			if err != nil {
				t.Fatalf("HandleLocalChange failed: %v", err)
			}
			if own != tt.own {
				t.Errorf("own = %v, want %v", own, tt.own)
			}
		})
	}

	if !strings.Contains(h.hooks.lastStatus(), "/new.md") {
		t.Errorf("local edit not reported, last status %q", h.hooks.lastStatus())
	}
	if _, err := h.store.FileState(ctx, "blog1", "/a.md"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("removed file state kept: %v", err)
	}
}
