package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/storycast/storycast/pkg/progress"
)

// heartbeatInterval bounds how long the SSE writer sits between polls, so a
// disconnected client is noticed and the handler can unwind.
const heartbeatInterval = 5 * time.Second

// StreamProgress relays a job's progress feed as server-sent events, one
// event per data line, ending after the terminal event. While the job is
// still queued the stream stays open with heartbeats until a worker slot
// picks it up.
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	if _, tracked := h.worker.Status()[id]; !tracked {
		http.Error(w, "No active job for story", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	feed := h.waitForFeed(w, r, flusher, id)
	if feed == nil {
		return
	}

	// the latest state arrives as the first event of the subscription, so a
	// publish racing the attach is never duplicated or missed
	events, cancel := feed.SubscribeWithReplay()
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				// job reaped; the terminal event was already delivered
				return
			}
			if !h.writeEvent(w, flusher, ev) {
				return
			}
			if ev.IsTerminal() {
				return
			}
		case <-heartbeat.C:
			if !h.writeComment(w, flusher) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// waitForFeed blocks until the job's feed exists (the job started) or the
// job vanishes or the client goes away. Heartbeats keep the connection warm.
func (h *Handler) waitForFeed(w http.ResponseWriter, r *http.Request, flusher http.Flusher, id string) *progress.Feed {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		if feed, ok := h.worker.Tracker().Get(id); ok {
			return feed
		}
		if _, tracked := h.worker.Status()[id]; !tracked {
			return nil
		}
		select {
		case <-ticker.C:
		case <-heartbeat.C:
			if !h.writeComment(w, flusher) {
				return nil
			}
		case <-r.Context().Done():
			return nil
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev progress.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal progress event", map[string]interface{}{"error": err.Error()})
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func (h *Handler) writeComment(w http.ResponseWriter, flusher http.Flusher) bool {
	if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
