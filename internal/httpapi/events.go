package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nut4health.org/internal/screening"
)

// streamPage is the event log page size used when replaying to a stream.
const streamPage = 1000

type listEventsResponse struct {
	Items     []screening.Event `json:"items"`
	NextAfter uint64            `json:"next_after"`
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after, err := parseAfter(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, next, err := a.svc.Events(r.Context(), after, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []screening.Event{}
	}
	if next == 0 {
		next = after
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Items: items, NextAfter: next})
}

// handleEventStream serves committed events as Server-Sent Events. Clients
// resume with Last-Event-ID (or ?after=); the backlog is replayed from the
// event log before live events, and duplicates are skipped by sequence.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	resume := r.Header.Get("Last-Event-ID")
	if resume == "" {
		resume = r.URL.Query().Get("after")
	}
	last, err := parseAfter(resume)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	live := a.stream.Subscribe(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": stream started\n\n")
	flusher.Flush()

	last, err = a.replayEvents(ctx, w, last)
	if err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if last, err = a.deliverLive(ctx, w, ev, last); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// replayEvents writes every logged event after last and returns the new
// high-water sequence.
func (a *API) replayEvents(ctx context.Context, w http.ResponseWriter, last uint64) (uint64, error) {
	for {
		page, next, err := a.svc.Events(ctx, last, streamPage)
		if err != nil {
			return last, err
		}
		for _, ev := range page {
			if err := writeSSE(w, ev); err != nil {
				return last, err
			}
		}
		if next > last {
			last = next
		}
		if len(page) < streamPage {
			return last, nil
		}
	}
}

// deliverLive writes a published event. Events are published after the
// store commits, so a live event can overtake an earlier one or a slow
// subscriber can miss some; a jump past last+1 is filled from the event log,
// which already holds ev.
func (a *API) deliverLive(ctx context.Context, w http.ResponseWriter, ev screening.Event, last uint64) (uint64, error) {
	if ev.Sequence <= last {
		return last, nil
	}
	if ev.Sequence > last+1 {
		return a.replayEvents(ctx, w, last)
	}
	if err := writeSSE(w, ev); err != nil {
		return last, err
	}
	return ev.Sequence, nil
}

func writeSSE(w http.ResponseWriter, ev screening.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	name := strings.ReplaceAll(ev.Name, "\n", "")
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, name, payload)
	return err
}
