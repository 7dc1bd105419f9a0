package pipeline

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/models"
	"github.com/storycast/storycast/pkg/progress"
	"github.com/storycast/storycast/pkg/retry"
	"github.com/storycast/storycast/pkg/store"
)

// Artifact file names inside a story directory
const (
	SpeechFileName        = "speech.mp3"
	RegularSpeechFileName = "regular_speech.mp3"
	CaptionsFileName      = "captions.yaml"
	CoverFileName         = "cover.png"
	VideoFileName         = "final_video.mp4"
)

// Stage tokens used to disambiguate engine-forwarded "generating" events
const (
	stageSpeech   = "generating_speech"
	stageCaptions = "generating_captions"
	stageCover    = "generating_cover"
	stageVideo    = "generating_video"
)

// Engines bundles the external generation collaborators. Enhancer is
// optional; everything else must be set for the stages that use it.
type Engines struct {
	Speech     SpeechSynthesizer
	Transcribe Transcriber
	Enhancer   TextEnhancer
	Cover      CoverRenderer
	Clips      ClipLibrary
	Compositor Compositor
	Prober     AudioProber
}

// Request selects which stages run and with what narration parameters
type Request struct {
	Speech          bool    `json:"speech"`
	Captions        bool    `json:"captions"`
	Cover           bool    `json:"cover"`
	Video           bool    `json:"video"`
	Rate            float64 `json:"rate"`
	EnhanceCaptions bool    `json:"enhance_captions"`
}

// Settings holds the orchestration knobs that are not engine-internal
type Settings struct {
	// EndSilence is appended to the narration before sizing the compilation
	EndSilence time.Duration
	// WatermarkRef optionally points to a stored watermark overlay
	WatermarkRef models.ArtifactRef
	// ClipRetry controls retries around individual clip fetches
	ClipRetry retry.Config
}

// StageMetrics records stage outcomes; nil-safe no-op when unset
type StageMetrics interface {
	ObserveStage(stage string, duration time.Duration, success bool)
}

// EmitFunc receives every progress event the orchestrator produces
type EmitFunc func(progress.Event)

// Orchestrator drives one story through speech, captions, cover and composite
// stages, persisting each artifact before advancing.
type Orchestrator struct {
	store    store.Store
	engines  Engines
	settings Settings
	logger   *logging.Logger
	metrics  StageMetrics
}

// New creates an orchestrator
func New(st store.Store, engines Engines, settings Settings, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Orchestrator{
		store:    st,
		engines:  engines,
		settings: settings,
		logger:   logger,
	}
}

// SetMetrics attaches stage metrics recording
func (o *Orchestrator) SetMetrics(m StageMetrics) {
	o.metrics = m
}

// Run executes the requested stages in pipeline order. A stage failure emits
// a terminal error event, skips the remaining stages and is returned; earlier
// persisted artifacts are kept so a retry can resume from where it failed.
func (o *Orchestrator) Run(ctx context.Context, storyID string, req Request, emit EmitFunc) error {
	story, err := o.store.GetStory(storyID)
	if err != nil {
		emit(o.errorEvent("load", storyID, err))
		return err
	}

	emit(progress.NewEvent(progress.StageInitializing, "Starting generation pipeline", map[string]any{
		progress.DetailStoryID: story.ID,
	}))

	if req.Rate <= 0 {
		req.Rate = 1.0
	}

	if req.Speech {
		if err := o.GenerateSpeech(ctx, story, req.Rate, emit); err != nil {
			return err
		}
	}
	if req.Captions {
		if err := o.GenerateCaptions(ctx, story, req.Rate, req.EnhanceCaptions, emit); err != nil {
			return err
		}
	}
	if req.Cover {
		if err := o.GenerateCover(ctx, story, emit); err != nil {
			return err
		}
	}
	if req.Video {
		if err := o.GenerateVideo(ctx, story, emit); err != nil {
			return err
		}
	}

	emit(progress.NewPercentEvent(progress.StageCompleted, "Generation pipeline completed", 100, map[string]any{
		progress.DetailStoryID: story.ID,
	}))
	return nil
}

// GenerateSpeech synthesizes the narration (at the requested rate) plus a
// regular-rate take used later for caption alignment, and persists both.
func (o *Orchestrator) GenerateSpeech(ctx context.Context, story *models.Story, rate float64, emit EmitFunc) (err error) {
	em := newStageEmitter(emit)
	defer o.observe(stageSpeech, time.Now(), &err)
	defer o.terminal(stageSpeech, story.ID, em, &err)

	text := story.SpeechText()
	em.Emit(progress.NewEvent(stageSpeech, "Starting speech synthesis", map[string]any{
		progress.DetailStoryID:   story.ID,
		progress.DetailOperation: "speech",
		"characters":             len(text),
	}))

	narration, err := o.bridged(ctx, stageSpeech, "Synthesizing narration", story.ID, em,
		func(ctx context.Context, sink *progress.Sink) ([]byte, error) {
			return o.engines.Speech.Synthesize(ctx, text, story.Gender, story.NormalizedLanguage(), rate, sink.Report)
		})
	if err != nil {
		return fmt.Errorf("speech synthesis failed: %w", err)
	}

	regular := narration
	if rate != 1.0 {
		regular, err = o.bridged(ctx, stageSpeech, "Synthesizing regular-rate take", story.ID, em,
			func(ctx context.Context, sink *progress.Sink) ([]byte, error) {
				return o.engines.Speech.Synthesize(ctx, text, story.Gender, story.NormalizedLanguage(), 1.0, sink.Report)
			})
		if err != nil {
			return fmt.Errorf("regular-rate synthesis failed: %w", err)
		}
	}

	em.Emit(o.savingEvent(story.ID, SpeechFileName, len(narration)))
	speechRef, err := o.store.SaveArtifact(story.ID, SpeechFileName, narration)
	if err != nil {
		return fmt.Errorf("failed to persist speech: %w", err)
	}
	regularRef, err := o.store.SaveArtifact(story.ID, RegularSpeechFileName, regular)
	if err != nil {
		return fmt.Errorf("failed to persist regular speech: %w", err)
	}

	story.SpeechRef = speechRef
	story.RegularSpeechRef = regularRef
	return o.store.SaveStory(story)
}

// GenerateCaptions transcribes the regular-rate take, re-times it for the
// narration rate, optionally runs the LLM correction pass, and persists the
// track as YAML.
func (o *Orchestrator) GenerateCaptions(ctx context.Context, story *models.Story, rate float64, enhance bool, emit EmitFunc) (err error) {
	em := newStageEmitter(emit)
	defer o.observe(stageCaptions, time.Now(), &err)
	defer o.terminal(stageCaptions, story.ID, em, &err)

	ref := story.RegularSpeechRef
	if ref == "" {
		ref = story.SpeechRef
	}
	if ref == "" {
		return fmt.Errorf("captions require a persisted speech artifact")
	}
	audio, err := o.store.LoadArtifact(ref)
	if err != nil {
		return fmt.Errorf("failed to load speech artifact: %w", err)
	}

	em.Emit(progress.NewEvent(stageCaptions, "Starting transcription", map[string]any{
		progress.DetailStoryID:   story.ID,
		progress.DetailOperation: "captions",
		progress.DetailBytes:     len(audio),
	}))

	var captions models.Captions
	_, err = o.bridged(ctx, stageCaptions, "Transcribing narration", story.ID, em,
		func(ctx context.Context, sink *progress.Sink) ([]byte, error) {
			var terr error
			captions, terr = o.engines.Transcribe.Transcribe(ctx, audio, story.NormalizedLanguage(), sink.Report)
			return nil, terr
		})
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}

	captions = captions.WithSpeed(rate).Stripped()
	if enhance && o.engines.Enhancer != nil {
		captions, err = o.engines.Enhancer.EnhanceCaptions(ctx, captions, story.SpeechText(), story.NormalizedLanguage())
		if err != nil {
			return fmt.Errorf("caption enhancement failed: %w", err)
		}
	}

	data, err := yaml.Marshal(captions)
	if err != nil {
		return fmt.Errorf("failed to encode captions: %w", err)
	}
	em.Emit(o.savingEvent(story.ID, CaptionsFileName, len(data)))
	captionsRef, err := o.store.SaveArtifact(story.ID, CaptionsFileName, data)
	if err != nil {
		return fmt.Errorf("failed to persist captions: %w", err)
	}

	story.CaptionsRef = captionsRef
	return o.store.SaveStory(story)
}

// GenerateCover renders the cover metadata into an image and persists it
func (o *Orchestrator) GenerateCover(ctx context.Context, story *models.Story, emit EmitFunc) (err error) {
	em := newStageEmitter(emit)
	defer o.observe(stageCover, time.Now(), &err)
	defer o.terminal(stageCover, story.ID, em, &err)

	em.Emit(progress.NewEvent(stageCover, "Starting cover rendering", map[string]any{
		progress.DetailStoryID:   story.ID,
		progress.DetailOperation: "cover",
	}))

	image, err := o.bridged(ctx, stageCover, "Rendering cover", story.ID, em,
		func(ctx context.Context, sink *progress.Sink) ([]byte, error) {
			return o.engines.Cover.Render(ctx, story.Cover, sink.Report)
		})
	if err != nil {
		return fmt.Errorf("cover rendering failed: %w", err)
	}

	em.Emit(o.savingEvent(story.ID, CoverFileName, len(image)))
	coverRef, err := o.store.SaveArtifact(story.ID, CoverFileName, image)
	if err != nil {
		return fmt.Errorf("failed to persist cover: %w", err)
	}

	story.CoverRef = coverRef
	return o.store.SaveStory(story)
}

// GenerateVideo assembles the background compilation, composites every
// persisted artifact into the final video and persists it
func (o *Orchestrator) GenerateVideo(ctx context.Context, story *models.Story, emit EmitFunc) (err error) {
	em := newStageEmitter(emit)
	defer o.observe(stageVideo, time.Now(), &err)
	defer o.terminal(stageVideo, story.ID, em, &err)

	if story.SpeechRef == "" {
		return fmt.Errorf("video requires a persisted speech artifact")
	}
	audio, err := o.store.LoadArtifact(story.SpeechRef)
	if err != nil {
		return fmt.Errorf("failed to load speech artifact: %w", err)
	}
	audioDuration, err := o.engines.Prober.Duration(audio)
	if err != nil {
		return fmt.Errorf("failed to probe narration duration: %w", err)
	}
	target := audioDuration + o.settings.EndSilence

	em.Emit(progress.NewEvent(stageVideo, "Starting video composition", map[string]any{
		progress.DetailStoryID:   story.ID,
		progress.DetailOperation: "video",
		progress.DetailTargetS:   target.Seconds(),
	}))

	background, err := o.compileBackground(ctx, story.ID, target, em)
	if err != nil {
		return err
	}

	in := CompositeInput{
		Audio:      audio,
		Background: background,
	}
	if story.CoverRef != "" {
		if in.Cover, err = o.store.LoadArtifact(story.CoverRef); err != nil {
			return fmt.Errorf("failed to load cover artifact: %w", err)
		}
	}
	if story.CaptionsRef != "" {
		data, err := o.store.LoadArtifact(story.CaptionsRef)
		if err != nil {
			return fmt.Errorf("failed to load captions artifact: %w", err)
		}
		var captions models.Captions
		if err := yaml.Unmarshal(data, &captions); err != nil {
			return fmt.Errorf("failed to parse captions artifact: %w", err)
		}
		in.Captions = &captions
	}
	if o.settings.WatermarkRef != "" {
		// a missing watermark is tolerated, the overlay is cosmetic
		if wm, werr := o.store.LoadArtifact(o.settings.WatermarkRef); werr == nil {
			in.Watermark = wm
		} else {
			o.logger.Warn("watermark artifact unavailable", map[string]interface{}{
				"ref": string(o.settings.WatermarkRef), "error": werr.Error(),
			})
		}
	}

	video, err := o.bridged(ctx, progress.StageEncoding, "Encoding final video", story.ID, em,
		func(ctx context.Context, sink *progress.Sink) ([]byte, error) {
			return o.engines.Compositor.Render(ctx, in, sink.Report)
		})
	if err != nil {
		return fmt.Errorf("video encoding failed: %w", err)
	}

	em.Emit(o.savingEvent(story.ID, VideoFileName, len(video)))
	videoRef, err := o.store.SaveArtifact(story.ID, VideoFileName, video)
	if err != nil {
		return fmt.Errorf("failed to persist video: %w", err)
	}

	story.VideoRef = videoRef
	return o.store.SaveStory(story)
}

// stageEmitter forwards events and remembers whether a terminal one already
// went out, so a bridge-emitted error is not followed by a second terminal.
type stageEmitter struct {
	emit         EmitFunc
	terminalSeen bool
}

func newStageEmitter(emit EmitFunc) *stageEmitter {
	return &stageEmitter{emit: emit}
}

func (s *stageEmitter) Emit(ev progress.Event) {
	if ev.IsTerminal() {
		s.terminalSeen = true
	}
	s.emit(ev)
}

// bridged runs op through a progress bridge, forwarding every event verbatim
func (o *Orchestrator) bridged(ctx context.Context, stage, message, storyID string, em *stageEmitter, op func(context.Context, *progress.Sink) ([]byte, error)) ([]byte, error) {
	st := progress.Run(ctx, stage, message, map[string]any{progress.DetailStoryID: storyID}, op)
	for ev := range st.Events() {
		em.Emit(ev)
	}
	return st.Wait()
}

// terminal emits the stage's single terminal event based on the outcome. A
// bridge failure has already produced the terminal error, so it only logs.
func (o *Orchestrator) terminal(stage, storyID string, em *stageEmitter, err *error) {
	details := map[string]any{
		progress.DetailStoryID:   storyID,
		progress.DetailOperation: stage,
	}
	if *err != nil {
		o.logger.Error("stage failed", map[string]interface{}{"stage": stage, "story_id": storyID, "error": (*err).Error()})
		if em.terminalSeen {
			return
		}
		details[progress.DetailError] = (*err).Error()
		em.Emit(progress.NewEvent(progress.StageError, fmt.Sprintf("%s failed: %v", stage, *err), details))
		return
	}
	// stage success is not terminal; the pipeline emits the single terminal
	// completed event once every requested stage has run
	em.Emit(progress.NewPercentEvent(stage, fmt.Sprintf("%s finished", stage), 100, details))
}

func (o *Orchestrator) errorEvent(stage, storyID string, err error) progress.Event {
	return progress.NewEvent(progress.StageError, fmt.Sprintf("%s failed: %v", stage, err), map[string]any{
		progress.DetailStoryID: storyID,
		progress.DetailError:   err.Error(),
	})
}

func (o *Orchestrator) savingEvent(storyID, artifact string, size int) progress.Event {
	return progress.NewEvent(progress.StageSaving, fmt.Sprintf("Saving %s", artifact), map[string]any{
		progress.DetailStoryID:  storyID,
		progress.DetailArtifact: artifact,
		progress.DetailBytes:    size,
	})
}

// observe records stage timing once the stage settles
func (o *Orchestrator) observe(stage string, start time.Time, err *error) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveStage(stage, time.Since(start), *err == nil)
}
