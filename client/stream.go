package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const reconnectBase = 500 * time.Millisecond

type streamEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Clients int    `json:"clients"`
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop tears the subscription down and waits for its goroutine to exit,
// so the old stream is gone before a new one is opened.
func (s *subscription) stop() {
	s.cancel()
	<-s.done
}

// subscribe opens the note's event stream. Push is the primary
// mechanism: the stream reconnects with backoff on failure, and only
// after MaxReconnects consecutive failures does the subscription degrade
// to periodic re-fetching. Degraded mode never errors the caller; it
// just means no live pushes.
func (r *Reconciler) subscribe(id string) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)

		failures := 0
		for {
			connected, err := r.streamEvents(ctx, id)
			if ctx.Err() != nil {
				return
			}
			if connected {
				failures = 0
			}
			failures++
			if failures >= r.opts.MaxReconnects {
				r.logger.Warn("event stream gave up, falling back to polling",
					"resource", id, "failures", failures)
				r.pollLoop(ctx)
				return
			}
			r.logger.Debug("event stream reconnecting",
				"resource", id, "attempt", failures, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBase * time.Duration(failures)):
			}
		}
	}()

	return sub
}

// streamEvents reads one stream connection until it fails or the context
// ends. connected reports whether the server's greeting arrived, which
// resets the failure count.
func (r *Reconciler) streamEvents(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.resourceURL(id)+"/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.hc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	connected := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		switch event.Type {
		case "connected":
			connected = true
			r.logger.Debug("event stream connected", "resource", id, "clients", event.Clients)
		case "notification":
			r.onExternalChange()
		}
	}
	return connected, scanner.Err()
}

// pollLoop is the degraded mode: periodic re-fetches instead of pushes.
func (r *Reconciler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.onExternalChange()
		}
	}
}
