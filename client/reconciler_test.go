package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panchuko/panchuko/internal/api"
	"github.com/panchuko/panchuko/internal/hub"
	"github.com/panchuko/panchuko/internal/store"
)

type testServer struct {
	*httptest.Server
	store *store.Store
	hub   *hub.Hub
	posts atomic.Int64
}

func setupTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "panchuko-client-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	st, err := store.New(filepath.Join(tmpDir, "test.db"), nil)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create store: %v", err)
	}

	h := hub.New(nil)
	a := api.New(st, h, nil)

	ts := &testServer{store: st, hub: h}

	mux := http.NewServeMux()
	mux.HandleFunc("/resource/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			ts.posts.Add(1)
		}
		a.ResourceRouter(w, r)
	})
	ts.Server = httptest.NewServer(mux)

	cleanup := func() {
		ts.Close()
		st.Close()
		os.RemoveAll(tmpDir)
	}

	return ts, cleanup
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestDebouncedFlush(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	r := New(Options{
		BaseURL:  ts.URL,
		Debounce: 100 * time.Millisecond,
	})
	defer r.Close()

	if err := r.Switch("doc"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	// A burst of edits produces exactly one flush, carrying the last text
	before := ts.posts.Load()
	r.Edit("d")
	r.Edit("dr")
	r.Edit("draft")

	if !waitFor(t, 2*time.Second, func() bool { return !r.Dirty() }) {
		t.Fatal("Buffer never flushed")
	}

	content, err := ts.store.Read("doc")
	if err != nil || content != "draft" {
		t.Errorf("Expected stored 'draft', got %q (%v)", content, err)
	}
	if flushes := ts.posts.Load() - before; flushes != 1 {
		t.Errorf("Expected 1 flush for the burst, got %d", flushes)
	}
}

func TestDirtyBufferIgnoresExternalChange(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	r := New(Options{
		BaseURL:  ts.URL,
		Debounce: time.Minute, // keep the buffer dirty for the whole test
	})
	defer r.Close()

	if err := r.Switch("doc"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	// Let the event stream establish
	if !waitFor(t, 2*time.Second, func() bool { return ts.hub.Subscribers("doc") > 0 }) {
		t.Fatal("Event stream never subscribed")
	}

	r.Edit("draft")

	// Another writer changes the note; the notification must not clobber
	// the dirty buffer
	ts.store.Write("doc", "external")
	ts.hub.Broadcast("doc", hub.Event{Type: "notification", Message: "Update available"}, nil)

	time.Sleep(300 * time.Millisecond)

	if got := r.Buffer(); got != "draft" {
		t.Errorf("Dirty buffer was clobbered: %q", got)
	}
	if !r.Dirty() {
		t.Error("Dirty flag should still be set")
	}
}

func TestExternalChangeAppliedWhenClean(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	var changed atomic.Bool
	r := New(Options{
		BaseURL: ts.URL,
		OnChange: func(content string) {
			changed.Store(true)
		},
	})
	defer r.Close()

	if err := r.Switch("doc"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return ts.hub.Subscribers("doc") > 0 }) {
		t.Fatal("Event stream never subscribed")
	}

	ts.store.Write("doc", "from elsewhere")
	ts.hub.Broadcast("doc", hub.Event{Type: "notification", Message: "Update available"}, nil)

	if !waitFor(t, 2*time.Second, func() bool { return r.Buffer() == "from elsewhere" }) {
		t.Errorf("Clean buffer not updated, got %q", r.Buffer())
	}
	if !changed.Load() {
		t.Error("OnChange never fired")
	}
}

func TestDeniedFlushPreservesDirty(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	var denied atomic.Bool
	r := New(Options{
		BaseURL:  ts.URL,
		Debounce: time.Minute,
		OnDenied: func() {
			denied.Store(true)
		},
	})
	defer r.Close()

	if err := r.Switch("doc"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	ts.store.SetLock("doc", "sekret")

	r.Edit("my edits")
	err := r.Flush()
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Expected ErrDenied, got %v", err)
	}

	if !r.Dirty() {
		t.Error("Denied flush must not clear the dirty flag")
	}
	if r.Buffer() != "my edits" {
		t.Errorf("Buffer lost on denial: %q", r.Buffer())
	}
	if !r.Locked() {
		t.Error("Denial should record the lock")
	}
	if !denied.Load() {
		t.Error("OnDenied never fired")
	}

	// Re-authenticate and retry
	r.SetCredential("sekret")
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush with credential failed: %v", err)
	}
	content, _ := ts.store.Read("doc")
	if content != "my edits" {
		t.Errorf("Expected 'my edits' stored, got %q", content)
	}
}

func TestSwitchResetsState(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	ts.store.Write("second", "second body")

	r := New(Options{
		BaseURL:  ts.URL,
		Debounce: time.Minute,
	})
	defer r.Close()

	if err := r.Switch("first"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	r.SetCredential("stale")
	r.Edit("unsaved")

	if err := r.Switch("second"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	if r.Dirty() {
		t.Error("Switch must reset the dirty flag")
	}
	if r.Locked() {
		t.Error("Switch must reset the observed lock state")
	}
	if r.Buffer() != "second body" {
		t.Errorf("Expected 'second body', got %q", r.Buffer())
	}

	// The stale credential was dropped: locking the new note and
	// flushing must fail
	ts.store.SetLock("second", "other")
	r.Edit("x")
	if err := r.Flush(); !errors.Is(err, ErrDenied) {
		t.Errorf("Expected ErrDenied with reset credential, got %v", err)
	}
}

func TestLockTransitionWhileDirty(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	var lockSeen atomic.Bool
	r := New(Options{
		BaseURL:  ts.URL,
		Debounce: time.Minute,
		OnLockChange: func(locked bool) {
			if locked {
				lockSeen.Store(true)
			}
		},
	})
	defer r.Close()

	if err := r.Switch("doc"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return ts.hub.Subscribers("doc") > 0 }) {
		t.Fatal("Event stream never subscribed")
	}

	r.Edit("in progress")

	// A lock appears on the previously unlocked note
	ts.store.SetLock("doc", "sekret")
	ts.hub.Broadcast("doc", hub.Event{Type: "notification", Message: "Update available"}, nil)

	if !waitFor(t, 2*time.Second, func() bool { return r.Locked() }) {
		t.Error("Lock transition not applied while dirty")
	}
	if r.Buffer() != "in progress" {
		t.Errorf("Dirty buffer lost on lock transition: %q", r.Buffer())
	}
	if !lockSeen.Load() {
		t.Error("OnLockChange never fired")
	}
}

func TestSetLockRetainsAccess(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	r := New(Options{BaseURL: ts.URL, Debounce: time.Minute})
	defer r.Close()

	if err := r.Switch("doc"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	r.Edit("content")
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := r.SetLock("sekret"); err != nil {
		t.Fatalf("SetLock failed: %v", err)
	}
	if !r.Locked() {
		t.Error("Lock state not recorded")
	}

	// The credential followed the new secret, so edits still flush
	r.Edit("content v2")
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush after SetLock failed: %v", err)
	}

	// Removing the lock works with the retained credential
	if err := r.SetLock(""); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if r.Locked() {
		t.Error("Unlock not recorded")
	}
}

func TestTransportFailurePreservesBuffer(t *testing.T) {
	ts, cleanup := setupTestServer(t)
	defer cleanup()

	r := New(Options{BaseURL: ts.URL, Debounce: time.Minute})
	defer r.Close()

	if err := r.Switch("doc"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	r.Edit("precious")

	// Kill the server, then flush and reload
	cleanup()

	if err := r.Flush(); err == nil {
		t.Error("Expected a transport error")
	}
	if err := r.Load(); err == nil {
		t.Error("Expected a transport error")
	}

	if r.Buffer() != "precious" {
		t.Errorf("Buffer wiped by transport failure: %q", r.Buffer())
	}
	if !r.Dirty() {
		t.Error("Dirty flag cleared by failed flush")
	}
}
