package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/storycast/storycast/pkg/models"
)

// ErrNoMoreClips is returned by a ClipSource once its material is exhausted
var ErrNoMoreClips = errors.New("clip source exhausted")

// ErrInsufficientFootage is returned when the clip source runs out before the
// compilation reaches its target duration
var ErrInsufficientFootage = errors.New("insufficient source material for target duration")

// ProgressFunc is the callback engines invoke to report cumulative progress.
// total <= 0 means the engine cannot quantify the operation.
type ProgressFunc func(current, total int64)

// SpeechSynthesizer converts text to narrated audio
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string, gender models.VoiceGender, language models.Language, rate float64, report ProgressFunc) ([]byte, error)
}

// Transcriber aligns audio into a timed caption track
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language models.Language, report ProgressFunc) (models.Captions, error)
}

// TextEnhancer rewrites scraped text or fixes transcribed captions through an
// LLM. Both methods are optional passes; callers skip them when no enhancer
// is configured.
type TextEnhancer interface {
	EnhanceStory(ctx context.Context, title, content string, language models.Language) (newTitle, newContent string, err error)
	EnhanceCaptions(ctx context.Context, captions models.Captions, storyText string, language models.Language) (models.Captions, error)
}

// CoverRenderer renders the cover metadata into an image
type CoverRenderer interface {
	Render(ctx context.Context, cover models.Cover, report ProgressFunc) ([]byte, error)
}

// Clip is one piece of background footage
type Clip struct {
	Data     []byte
	Duration time.Duration
}

// ClipSource yields candidate background clips one at a time. Next returns
// ErrNoMoreClips when the source has nothing left.
type ClipSource interface {
	Next(ctx context.Context, report ProgressFunc) (*Clip, error)
}

// ClipLibrary opens a fresh candidate sequence for one compilation run
type ClipLibrary interface {
	Open(ctx context.Context) (ClipSource, error)
}

// CompositeInput is everything the compositor assembles into the final video.
// Cover, Captions and Watermark are optional overlays.
type CompositeInput struct {
	Audio      []byte
	Background []Clip
	Cover      []byte
	Captions   *models.Captions
	Watermark  []byte
}

// Compositor mixes audio, background footage and overlays, then encodes the
// final video. Encoding is long-running and reports through the callback.
type Compositor interface {
	Render(ctx context.Context, in CompositeInput, report ProgressFunc) ([]byte, error)
}

// AudioProber reads the playable duration of an audio artifact, used to size
// the background compilation
type AudioProber interface {
	Duration(audio []byte) (time.Duration, error)
}

// StorySource scrapes a posting URL into a story draft
type StorySource interface {
	Scrape(ctx context.Context, url string) (*models.Story, error)
}
