package engines

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/pipeline"
)

// ClipLibrary fetches background footage from a remote clip catalog. Each
// Open starts a fresh shuffled sequence on the service side.
type ClipLibrary struct {
	svc *service
}

// NewClipLibrary creates a clip catalog client
func NewClipLibrary(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *ClipLibrary {
	return &ClipLibrary{svc: newService(baseURL, apiKey, timeout, logger)}
}

type clipEntry struct {
	Path            string  `json:"path"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type clipManifest struct {
	Clips []clipEntry `json:"clips"`
}

// Open fetches the clip manifest and returns a source that downloads entries
// one at a time
func (l *ClipLibrary) Open(ctx context.Context) (pipeline.ClipSource, error) {
	var manifest clipManifest
	if err := l.svc.getJSON(ctx, "/clips", &manifest); err != nil {
		return nil, fmt.Errorf("failed to fetch clip manifest: %w", err)
	}
	l.svc.logger.Debug("clip manifest fetched", map[string]interface{}{
		"clips": len(manifest.Clips),
	})
	return &clipSource{svc: l.svc, entries: manifest.Clips}, nil
}

// clipSource walks a manifest, downloading the next entry on demand
type clipSource struct {
	svc     *service
	entries []clipEntry
	next    int
}

// Next downloads the next manifest entry, or ErrNoMoreClips once the manifest
// is exhausted
func (s *clipSource) Next(ctx context.Context, report pipeline.ProgressFunc) (*pipeline.Clip, error) {
	if s.next >= len(s.entries) {
		return nil, pipeline.ErrNoMoreClips
	}
	entry := s.entries[s.next]
	s.next++

	data, err := s.svc.getForBytes(ctx, "/clips/fetch?path="+url.QueryEscape(entry.Path), report)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch clip %s: %w", entry.Path, err)
	}
	return &pipeline.Clip{
		Data:     data,
		Duration: time.Duration(entry.DurationSeconds * float64(time.Second)),
	}, nil
}
