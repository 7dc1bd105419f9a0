package worker

import (
	"sync"

	"github.com/storycast/storycast/pkg/progress"
)

// Tracker maps job ids to their progress feeds. It is owned by the Worker:
// feeds are registered when a job starts and closed when the job goroutine is
// reaped, so no process-wide registry outlives its job.
type Tracker struct {
	mu    sync.Mutex
	feeds map[string]*progress.Feed
}

// NewTracker creates an empty registry
func NewTracker() *Tracker {
	return &Tracker{feeds: make(map[string]*progress.Feed)}
}

// Register creates (or returns) the feed for a job id
func (t *Tracker) Register(id string) *progress.Feed {
	t.mu.Lock()
	defer t.mu.Unlock()
	if feed, ok := t.feeds[id]; ok {
		return feed
	}
	feed := progress.NewFeed()
	t.feeds[id] = feed
	return feed
}

// Get returns the feed for a job id if the job is live
func (t *Tracker) Get(id string) (*progress.Feed, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	feed, ok := t.feeds[id]
	return feed, ok
}

// Remove closes and drops the feed for a finished job
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if feed, ok := t.feeds[id]; ok {
		feed.Close()
		delete(t.feeds, id)
	}
}
