package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/panchuko/panchuko/internal/access"
	"github.com/panchuko/panchuko/internal/hub"
	"github.com/panchuko/panchuko/internal/ratelimit"
	"github.com/panchuko/panchuko/internal/store"
)

const (
	maxBodySize = 1024 * 1024

	// Manual notify triggers per client
	notifyRate  = 1.0
	notifyBurst = 5
)

// Resource ids are plain path segments: letters, digits, and a few
// punctuation characters. The class excludes separators outright; ".."
// is rejected separately so dotted names stay usable.
var validID = regexp.MustCompile(`^[A-Za-z0-9_\-. @]+$`)

// ValidResourceID reports whether id is safe to use as a note key.
func ValidResourceID(id string) bool {
	return validID.MatchString(id) && !strings.Contains(id, "..")
}

type API struct {
	store         *store.Store
	hub           *hub.Hub
	notifyLimiter *ratelimit.PerKey
	logger        *slog.Logger
}

func New(st *store.Store, h *hub.Hub, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:         st,
		hub:           h,
		notifyLimiter: ratelimit.NewPerKey(notifyRate, notifyBurst),
		logger:        logger,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("encoding JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// deniedResponse is the shape every credential failure takes. It always
// carries locked:true so clients can tell "wrong password" apart from
// other failures and prompt for re-entry.
func deniedResponse(w http.ResponseWriter) {
	jsonResponse(w, http.StatusUnauthorized, map[string]interface{}{
		"error":  "Password required",
		"locked": true,
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_resources":   a.hub.Resources(),
		"active_subscribers": a.hub.TotalSubscribers(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if storeStats, err := a.store.Stats(); err == nil {
		stats["notes"] = storeStats["notes"]
		stats["locks"] = storeStats["locks"]
	}

	jsonResponse(w, http.StatusOK, stats)
}

// ResourceRouter dispatches /resource/{id}, /resource/{id}/events, and
// /resource/{id}/notify. The id is validated before any store access.
func (a *API) ResourceRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/resource/")
	id := strings.TrimSuffix(path, "/")

	isEvents := false
	isNotify := false
	if rest, ok := strings.CutSuffix(id, "/events"); ok {
		isEvents = true
		id = rest
	} else if rest, ok := strings.CutSuffix(id, "/notify"); ok {
		isNotify = true
		id = rest
	}

	if !ValidResourceID(id) {
		errorResponse(w, http.StatusBadRequest, "Invalid resource ID")
		return
	}

	switch {
	case isEvents:
		if r.Method != http.MethodGet {
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.EventsHandler(w, r, id)
	case isNotify:
		if r.Method != http.MethodPost {
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.NotifyHandler(w, r, id)
	default:
		switch r.Method {
		case http.MethodGet:
			a.ReadHandler(w, r, id)
		case http.MethodPost:
			a.WriteHandler(w, r, id)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// ReadHandler returns the note content and lock state. Lock state is
// reported even when the note has no content, since checking the lock
// requires no credential.
func (a *API) ReadHandler(w http.ResponseWriter, r *http.Request, id string) {
	secret, locked, err := a.store.Lock(id)
	if err != nil {
		a.logger.Error("reading lock", "id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to read note")
		return
	}

	if locked {
		cred := access.DecodeCredential(r.Header.Get("Credential"))
		if !access.Check(secret, cred) {
			deniedResponse(w)
			return
		}
	}

	content, err := a.store.Read(id)
	if errors.Is(err, store.ErrNotFound) {
		jsonResponse(w, http.StatusNotFound, map[string]interface{}{
			"error":   "Not found",
			"content": "",
			"locked":  locked,
		})
		return
	}
	if err != nil {
		a.logger.Error("reading note", "id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to read note")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"content": content,
		"locked":  locked,
	})
}

type writeRequest struct {
	Content     *string `json:"content"`
	Password    string  `json:"password"`
	NewPassword *string `json:"newPassword"`
}

// WriteHandler applies a content and/or lock mutation in one request.
// Lock mutation runs first; content absent with newPassword present is a
// lock-only request; content absent or blank otherwise deletes the note.
// Every successful content change is broadcast to all subscribers of the
// note, the writer's own stream included — clients filter their own
// updates via dirty-buffer bookkeeping.
func (a *API) WriteHandler(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		errorResponse(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	var req writeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// Plain-text bodies are accepted as content for older clients.
		raw := string(body)
		req = writeRequest{Content: &raw}
	}

	secret, locked, err := a.store.Lock(id)
	if err != nil {
		a.logger.Error("reading lock", "id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to save note")
		return
	}
	if locked && !access.Check(secret, req.Password) {
		deniedResponse(w)
		return
	}

	if req.NewPassword != nil {
		locked, err = a.store.SetLock(id, *req.NewPassword)
		if err != nil {
			a.logger.Error("updating lock", "id", id, "error", err)
			errorResponse(w, http.StatusInternalServerError, "Failed to update lock")
			return
		}
	}

	// Lock-only mutation: don't touch content.
	if req.Content == nil && req.NewPassword != nil {
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"locked":  locked,
		})
		return
	}

	content := ""
	if req.Content != nil {
		content = *req.Content
	}

	deleted, err := a.store.Write(id, content)
	if err != nil {
		a.logger.Error("writing note", "id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to save note")
		return
	}

	if deleted {
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"deleted": true,
		})
	} else {
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"locked":  locked,
		})
	}

	a.hub.Broadcast(id, hub.Event{
		Type:    "notification",
		Message: "Update available",
	}, nil)
}

// EventsHandler serves the live-update stream over SSE. The first frame
// acknowledges the connection with the subscriber count; each broadcast
// for the note follows as its own frame. The registry entry is released
// when the request context ends.
func (a *API) EventsHandler(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errorResponse(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	sub, count := a.hub.Subscribe(id)
	defer a.hub.Unsubscribe(sub)

	writeSSE(w, flusher, hub.Event{Type: "connected", Clients: count})

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				// Dropped by the hub (stalled consumer)
				return
			}
			writeSSE(w, flusher, event)
		}
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, event hub.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// NotifyHandler broadcasts a notification without a content change,
// throttled per client address.
func (a *API) NotifyHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !a.notifyLimiter.Allow(clientKey(r)) {
		errorResponse(w, http.StatusTooManyRequests, "Too many notifications")
		return
	}

	a.hub.Broadcast(id, hub.Event{
		Type:    "notification",
		Message: "Update available",
	}, nil)

	jsonResponse(w, http.StatusOK, map[string]interface{}{"success": true})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
