package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storycast/storycast/pkg/progress"
	"github.com/storycast/storycast/pkg/retry"
)

// compileBackground fetches candidate clips until their accumulated duration
// reaches target. Each fetch streams its own download progress. Running out
// of candidates before the target is an explicit failure, never a silently
// short compilation.
func (o *Orchestrator) compileBackground(ctx context.Context, storyID string, target time.Duration, em *stageEmitter) ([]Clip, error) {
	source, err := o.engines.Clips.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open clip source: %w", err)
	}

	var clips []Clip
	var total time.Duration
	for total < target {
		clip, err := o.fetchClip(ctx, source, storyID, len(clips), em)
		if err != nil {
			if errors.Is(err, ErrNoMoreClips) {
				return nil, fmt.Errorf("%w: accumulated %.1fs of %.1fs from %d clips",
					ErrInsufficientFootage, total.Seconds(), target.Seconds(), len(clips))
			}
			return nil, err
		}
		clips = append(clips, *clip)
		total += clip.Duration

		em.Emit(progress.NewPercentEvent(progress.StageDownloading,
			fmt.Sprintf("Collected %d background clips", len(clips)),
			total.Seconds()/target.Seconds()*100,
			map[string]any{
				progress.DetailStoryID:   storyID,
				progress.DetailClipCount: len(clips),
				progress.DetailDurationS: total.Seconds(),
				progress.DetailTargetS:   target.Seconds(),
			}))
		o.logger.Debug("background clip collected", map[string]interface{}{
			"story_id": storyID,
			"clips":    len(clips),
			"total_s":  total.Seconds(),
			"target_s": target.Seconds(),
		})
	}
	return clips, nil
}

// fetchClip pulls the next candidate through its own progress bridge,
// retrying transient fetch failures. Source exhaustion is not an engine
// failure, so it bypasses both the retry and the bridge's error event and is
// reported as ErrNoMoreClips for the compilation loop to translate.
func (o *Orchestrator) fetchClip(ctx context.Context, source ClipSource, storyID string, index int, em *stageEmitter) (*Clip, error) {
	var clip *Clip
	message := fmt.Sprintf("Downloading background clip %d", index+1)
	st := progress.Run(ctx, progress.StageDownloading, message,
		map[string]any{progress.DetailStoryID: storyID, progress.DetailClipCount: index},
		func(ctx context.Context, sink *progress.Sink) ([]byte, error) {
			return nil, retry.Do(ctx, o.settings.ClipRetry, func() error {
				next, err := source.Next(ctx, sink.Report)
				if err != nil {
					if errors.Is(err, ErrNoMoreClips) {
						// exhaustion is final, do not burn retries on it
						clip = nil
						return nil
					}
					return err
				}
				clip = next
				return nil
			})
		})
	for ev := range st.Events() {
		em.Emit(ev)
	}
	if _, err := st.Wait(); err != nil {
		return nil, fmt.Errorf("clip fetch failed: %w", err)
	}
	if clip == nil {
		return nil, ErrNoMoreClips
	}
	return clip, nil
}
