// Package client is a Go client for the shared-note server. The
// Reconciler owns an editable buffer and keeps it in step with the
// server: local edits flush on a debounce, external changes merge in
// only while the buffer is clean, and lock-state transitions surface
// through callbacks.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrDenied is returned when the server rejects the current credential.
var ErrDenied = errors.New("access denied")

type Options struct {
	// BaseURL of the server, e.g. "http://localhost:8080".
	BaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Delay between the last Edit and the automatic Flush.
	Debounce time.Duration

	// Poll interval once the event stream has been given up on.
	PollInterval time.Duration

	// Consecutive stream failures before degrading to polling.
	MaxReconnects int

	// OnChange fires when the buffer is replaced with server content.
	OnChange func(content string)

	// OnLockChange fires when the observed lock state transitions.
	OnLockChange func(locked bool)

	// OnDenied fires when a request is rejected for a bad credential,
	// signalling that re-authentication is needed.
	OnDenied func()
}

type Reconciler struct {
	opts   Options
	hc     *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	resource   string
	buffer     string
	dirty      bool
	knownLock  bool
	credential string

	flushTimer *time.Timer
	flushing   bool
	pending    bool

	sub *subscription
}

func New(opts Options) *Reconciler {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	return &Reconciler{
		opts:   opts,
		hc:     opts.HTTPClient,
		logger: opts.Logger,
	}
}

// Buffer returns the current editable text.
func (r *Reconciler) Buffer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}

// Dirty reports whether local edits are unflushed.
func (r *Reconciler) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Locked reports the lock state last observed from the server.
func (r *Reconciler) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.knownLock
}

// SetCredential records the secret to present on subsequent requests.
// It is held in memory only.
func (r *Reconciler) SetCredential(cred string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credential = cred
}

// Switch makes id the active note. The previous live-update subscription
// is torn down first; credential, dirty flag, and observed lock state
// reset; then the new note is loaded and a fresh subscription opened.
func (r *Reconciler) Switch(id string) error {
	r.mu.Lock()
	if r.sub != nil {
		r.sub.stop()
		r.sub = nil
	}
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.resource = id
	r.credential = ""
	r.dirty = false
	r.knownLock = false
	r.buffer = ""
	r.mu.Unlock()

	err := r.Load()

	r.mu.Lock()
	if r.resource == id && r.sub == nil {
		r.sub = r.subscribe(id)
	}
	r.mu.Unlock()

	return err
}

// Close stops the flush timer and live-update subscription. The
// subscription is dropped synchronously so the server can reclaim its
// registry slot.
func (r *Reconciler) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.mu.Unlock()

	if sub != nil {
		sub.stop()
	}
}

// Edit replaces the buffer, marks it dirty, and (re)schedules the
// debounced flush. Only the last scheduled flush in a burst of edits
// executes.
func (r *Reconciler) Edit(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = text
	r.dirty = true

	if r.flushTimer != nil {
		r.flushTimer.Stop()
	}
	r.flushTimer = time.AfterFunc(r.opts.Debounce, func() {
		if err := r.Flush(); err != nil && !errors.Is(err, ErrDenied) {
			r.logger.Warn("auto-flush failed", "error", err)
		}
	})
}

// Flush sends the buffer to the server. At most one flush is in flight;
// a Flush during a flush schedules a follow-up instead of cancelling the
// one running. On denial the dirty flag stays set so the edits are not
// lost, and OnDenied fires for re-authentication. A transport failure
// likewise preserves the buffer; the next debounced flush retries.
func (r *Reconciler) Flush() error {
	r.mu.Lock()
	if r.flushing {
		r.pending = true
		r.mu.Unlock()
		return nil
	}
	r.flushing = true
	id := r.resource
	content := r.buffer
	cred := r.credential
	r.mu.Unlock()

	_, err := r.post(id, map[string]interface{}{
		"content":  content,
		"password": cred,
	})

	r.mu.Lock()
	r.flushing = false
	pending := r.pending
	r.pending = false
	denied := errors.Is(err, ErrDenied)
	if err == nil && r.buffer == content {
		r.dirty = false
	}
	if denied {
		r.knownLock = true
	}
	r.mu.Unlock()

	if denied && r.opts.OnDenied != nil {
		r.opts.OnDenied()
	}
	if pending {
		go r.Flush()
	}
	return err
}

// Load fetches the note and replaces the buffer. A missing note is not
// an error: the buffer becomes empty ("new" note). A denied or failed
// load never wipes the buffer.
func (r *Reconciler) Load() error {
	r.mu.Lock()
	id := r.resource
	cred := r.credential
	r.mu.Unlock()

	content, locked, err := r.fetch(id, cred)
	if err != nil {
		// Transport failures leave all state alone; only a denial
		// teaches us anything (the note is locked).
		if errors.Is(err, ErrDenied) {
			r.applyLockState(true)
			if r.opts.OnDenied != nil {
				r.opts.OnDenied()
			}
		}
		return err
	}

	r.mu.Lock()
	r.buffer = content
	r.dirty = false
	r.mu.Unlock()

	r.applyLockState(locked)
	if r.opts.OnChange != nil {
		r.opts.OnChange(content)
	}
	return nil
}

// SetLock sets, replaces, or removes the note's lock. An empty secret
// removes it. On success the credential follows the new secret so access
// is retained.
func (r *Reconciler) SetLock(newSecret string) error {
	r.mu.Lock()
	id := r.resource
	cred := r.credential
	r.mu.Unlock()

	resp, err := r.post(id, map[string]interface{}{
		"password":    cred,
		"newPassword": newSecret,
	})
	if err != nil {
		if errors.Is(err, ErrDenied) && r.opts.OnDenied != nil {
			r.opts.OnDenied()
		}
		return err
	}

	r.mu.Lock()
	r.credential = newSecret
	r.mu.Unlock()
	r.applyLockState(resp.Locked)
	return nil
}

// Notify asks the server to broadcast an update notification without a
// content change.
func (r *Reconciler) Notify() error {
	r.mu.Lock()
	id := r.resource
	r.mu.Unlock()

	resp, err := r.hc.Post(r.resourceURL(id)+"/notify", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify failed: status %d", resp.StatusCode)
	}
	return nil
}

// onExternalChange re-fetches the note after a notification (or a
// fallback poll tick). External content is ignored while the buffer is
// dirty — local edits win, the next flush carries them. Lock-state
// transitions apply regardless of dirty, since lock is orthogonal to
// content.
func (r *Reconciler) onExternalChange() {
	r.mu.Lock()
	id := r.resource
	cred := r.credential
	r.mu.Unlock()

	content, locked, err := r.fetch(id, cred)
	if err != nil {
		if errors.Is(err, ErrDenied) {
			// A lock appeared on a previously unlocked note.
			first := r.applyLockState(true)
			if first && r.opts.OnDenied != nil {
				r.opts.OnDenied()
			}
		}
		return
	}

	changed := false
	r.mu.Lock()
	if !r.dirty && content != r.buffer {
		r.buffer = content
		changed = true
	}
	r.mu.Unlock()

	r.applyLockState(locked)
	if changed && r.opts.OnChange != nil {
		r.opts.OnChange(content)
	}
}

// applyLockState records the observed lock state and reports whether it
// transitioned, firing OnLockChange when it did.
func (r *Reconciler) applyLockState(locked bool) bool {
	r.mu.Lock()
	transitioned := r.knownLock != locked
	r.knownLock = locked
	r.mu.Unlock()

	if transitioned && r.opts.OnLockChange != nil {
		r.opts.OnLockChange(locked)
	}
	return transitioned
}

func (r *Reconciler) resourceURL(id string) string {
	return r.opts.BaseURL + "/resource/" + url.PathEscape(id)
}

type readResponse struct {
	Content string `json:"content"`
	Locked  bool   `json:"locked"`
	Error   string `json:"error"`
}

// fetch GETs the note. A 404 yields empty content with the reported lock
// state; a 401 yields ErrDenied.
func (r *Reconciler) fetch(id, cred string) (string, bool, error) {
	req, err := http.NewRequest(http.MethodGet, r.resourceURL(id), nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Credential", url.PathEscape(cred))

	resp, err := r.hc.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var body readResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		return body.Content, body.Locked, nil
	case http.StatusUnauthorized:
		return "", true, ErrDenied
	default:
		return "", body.Locked, fmt.Errorf("read failed: status %d", resp.StatusCode)
	}
}

type writeResponse struct {
	Success bool   `json:"success"`
	Locked  bool   `json:"locked"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error"`
}

func (r *Reconciler) post(id string, body map[string]interface{}) (*writeResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := r.hc.Post(r.resourceURL(id), "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out writeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &out, nil
	case http.StatusUnauthorized:
		return nil, ErrDenied
	default:
		return nil, fmt.Errorf("write failed: status %d", resp.StatusCode)
	}
}
