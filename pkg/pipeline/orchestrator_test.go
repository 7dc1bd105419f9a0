package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storycast/storycast/pkg/models"
	"github.com/storycast/storycast/pkg/progress"
	"github.com/storycast/storycast/pkg/retry"
	"github.com/storycast/storycast/pkg/store"
)

// --- fake engines ---

type fakeSpeech struct {
	rates []float64
	err   error
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, gender models.VoiceGender, language models.Language, rate float64, report ProgressFunc) ([]byte, error) {
	f.rates = append(f.rates, rate)
	if f.err != nil {
		return nil, f.err
	}
	report(50, 100)
	report(100, 100)
	return []byte(fmt.Sprintf("audio@%.1f", rate)), nil
}

type fakeTranscriber struct {
	captions models.Captions
	err      error
	calls    int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, language models.Language, report ProgressFunc) (models.Captions, error) {
	f.calls++
	if f.err != nil {
		return models.Captions{}, f.err
	}
	return f.captions, nil
}

type fakeCover struct {
	calls int
}

func (f *fakeCover) Render(ctx context.Context, cover models.Cover, report ProgressFunc) ([]byte, error) {
	f.calls++
	return []byte("png:" + cover.Title), nil
}

type fakeClipSource struct {
	durations    []time.Duration
	next         int
	failuresLeft int
}

func (f *fakeClipSource) Next(ctx context.Context, report ProgressFunc) (*Clip, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("transient clip fetch failure")
	}
	if f.next >= len(f.durations) {
		return nil, ErrNoMoreClips
	}
	d := f.durations[f.next]
	f.next++
	report(1, 1)
	return &Clip{Data: []byte(fmt.Sprintf("clip-%d", f.next)), Duration: d}, nil
}

type fakeClips struct {
	durations []time.Duration
	failures  int
}

func (f *fakeClips) Open(ctx context.Context) (ClipSource, error) {
	return &fakeClipSource{durations: f.durations, failuresLeft: f.failures}, nil
}

type fakeCompositor struct {
	input *CompositeInput
	calls int
}

func (f *fakeCompositor) Render(ctx context.Context, in CompositeInput, report ProgressFunc) ([]byte, error) {
	f.calls++
	f.input = &in
	report(100, 100)
	return []byte("final-video"), nil
}

type fakeProber struct {
	duration time.Duration
}

func (f *fakeProber) Duration(audio []byte) (time.Duration, error) {
	return f.duration, nil
}

// --- helpers ---

func quickRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

func seedStory(t *testing.T, st store.Store) *models.Story {
	t.Helper()
	story := &models.Story{
		ID:       "story-1",
		Title:    "A title",
		Content:  "The body.",
		Gender:   models.VoiceFemale,
		Language: models.LanguageEnglish,
		Cover:    models.Cover{Title: "A title", Author: "u/someone", Community: "r/stories"},
	}
	if err := st.SaveStory(story); err != nil {
		t.Fatalf("Failed to seed story: %v", err)
	}
	return story
}

type eventLog struct {
	events []progress.Event
}

func (l *eventLog) emit(ev progress.Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) terminals() []progress.Event {
	var out []progress.Event
	for _, ev := range l.events {
		if ev.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}

// --- tests ---

func TestPipelineFullRun(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	seedStory(t, st)

	speech := &fakeSpeech{}
	transcriber := &fakeTranscriber{captions: models.Captions{Segments: []models.CaptionSegment{
		{Start: 0, End: 3 * time.Second, Text: " A title "},
		{Start: 3 * time.Second, End: 6 * time.Second, Text: "The body."},
	}}}
	cover := &fakeCover{}
	compositor := &fakeCompositor{}
	orch := New(st, Engines{
		Speech:     speech,
		Transcribe: transcriber,
		Cover:      cover,
		Clips:      &fakeClips{durations: []time.Duration{12 * time.Second, 12 * time.Second, 12 * time.Second}},
		Compositor: compositor,
		Prober:     &fakeProber{duration: 28 * time.Second},
	}, Settings{EndSilence: 2 * time.Second, ClipRetry: quickRetry()}, nil)

	log := &eventLog{}
	err = orch.Run(context.Background(), "story-1", Request{
		Speech: true, Captions: true, Cover: true, Video: true, Rate: 1.5,
	}, log.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// the narration take plus the regular-rate take for caption alignment
	if len(speech.rates) != 2 || speech.rates[0] != 1.5 || speech.rates[1] != 1.0 {
		t.Errorf("Expected synthesis at 1.5 then 1.0, got %v", speech.rates)
	}

	story, err := st.GetStory("story-1")
	if err != nil {
		t.Fatalf("GetStory failed: %v", err)
	}
	for name, ref := range map[string]models.ArtifactRef{
		"speech":         story.SpeechRef,
		"regular speech": story.RegularSpeechRef,
		"captions":       story.CaptionsRef,
		"cover":          story.CoverRef,
		"video":          story.VideoRef,
	} {
		if ref == "" {
			t.Errorf("Missing %s artifact reference", name)
			continue
		}
		if _, err := st.LoadArtifact(ref); err != nil {
			t.Errorf("Failed to load %s artifact: %v", name, err)
		}
	}

	// target 30s, clips of 12s: exactly three collected
	if compositor.input == nil {
		t.Fatal("Compositor never invoked")
	}
	if len(compositor.input.Background) != 3 {
		t.Errorf("Expected 3 background clips, got %d", len(compositor.input.Background))
	}
	if compositor.input.Captions == nil || len(compositor.input.Captions.Segments) != 2 {
		t.Error("Compositor should receive the caption track")
	}

	// one terminal event for the whole pipeline, and it is the last one
	terms := log.terminals()
	if len(terms) != 1 {
		t.Fatalf("Expected exactly 1 terminal event, got %d", len(terms))
	}
	last := log.events[len(log.events)-1]
	if last.Stage != progress.StageCompleted {
		t.Errorf("Last event stage = %s, expected completed", last.Stage)
	}
	if log.events[0].Stage != progress.StageInitializing {
		t.Errorf("First event stage = %s, expected initializing", log.events[0].Stage)
	}
}

func TestPipelineRegularRateSingleTake(t *testing.T) {
	st, _ := store.NewLocalStore(t.TempDir())
	seedStory(t, st)

	speech := &fakeSpeech{}
	orch := New(st, Engines{Speech: speech}, Settings{ClipRetry: quickRetry()}, nil)

	log := &eventLog{}
	if err := orch.Run(context.Background(), "story-1", Request{Speech: true, Rate: 1.0}, log.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// at regular rate the narration take doubles as the alignment take
	if len(speech.rates) != 1 {
		t.Errorf("Expected a single synthesis call, got %d", len(speech.rates))
	}
	story, _ := st.GetStory("story-1")
	if story.SpeechRef == "" || story.RegularSpeechRef == "" {
		t.Error("Both speech references should be set")
	}
}

func TestPipelineCaptionsRetimedAndStripped(t *testing.T) {
	st, _ := store.NewLocalStore(t.TempDir())
	seedStory(t, st)

	transcriber := &fakeTranscriber{captions: models.Captions{Segments: []models.CaptionSegment{
		{Start: 0, End: 4 * time.Second, Text: "kept"},
		{Start: 4 * time.Second, End: 6 * time.Second, Text: "   "},
	}}}
	orch := New(st, Engines{Speech: &fakeSpeech{}, Transcribe: transcriber}, Settings{ClipRetry: quickRetry()}, nil)

	log := &eventLog{}
	err := orch.Run(context.Background(), "story-1", Request{Speech: true, Captions: true, Rate: 2.0}, log.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	story, _ := st.GetStory("story-1")
	data, err := st.LoadArtifact(story.CaptionsRef)
	if err != nil {
		t.Fatalf("Failed to load captions: %v", err)
	}
	var captions models.Captions
	if err := yaml.Unmarshal(data, &captions); err != nil {
		t.Fatalf("Failed to parse captions artifact: %v", err)
	}

	if len(captions.Segments) != 1 {
		t.Fatalf("Expected empty segment stripped, got %d segments", len(captions.Segments))
	}
	// transcribed against the regular-rate take, re-timed for 2x playback
	if captions.Segments[0].End != 2*time.Second {
		t.Errorf("Expected re-timed end 2s, got %v", captions.Segments[0].End)
	}
}

func TestPipelineInsufficientFootage(t *testing.T) {
	st, _ := store.NewLocalStore(t.TempDir())
	seedStory(t, st)

	compositor := &fakeCompositor{}
	orch := New(st, Engines{
		Speech: &fakeSpeech{},
		// 40s of material against a 100s target
		Clips:      &fakeClips{durations: []time.Duration{20 * time.Second, 20 * time.Second}},
		Compositor: compositor,
		Prober:     &fakeProber{duration: 98 * time.Second},
	}, Settings{EndSilence: 2 * time.Second, ClipRetry: quickRetry()}, nil)

	log := &eventLog{}
	err := orch.Run(context.Background(), "story-1", Request{Speech: true, Video: true, Rate: 1.0}, log.emit)
	if !errors.Is(err, ErrInsufficientFootage) {
		t.Fatalf("Expected ErrInsufficientFootage, got %v", err)
	}

	if compositor.calls != 0 {
		t.Error("Compositor must not run without a full compilation")
	}

	// speech persisted before the failure survives for a later retry
	story, _ := st.GetStory("story-1")
	if story.SpeechRef == "" {
		t.Error("Earlier artifacts should be kept")
	}
	if story.VideoRef != "" {
		t.Error("Failed stage must not record an artifact reference")
	}

	terms := log.terminals()
	if len(terms) != 1 || terms[0].Stage != progress.StageError {
		t.Fatalf("Expected a single terminal error event, got %v", terms)
	}
	if log.events[len(log.events)-1].Stage != progress.StageError {
		t.Error("Terminal error should be the last event")
	}
}

func TestPipelineStageFailureSkipsLaterStages(t *testing.T) {
	st, _ := store.NewLocalStore(t.TempDir())
	seedStory(t, st)

	cover := &fakeCover{}
	compositor := &fakeCompositor{}
	orch := New(st, Engines{
		Speech:     &fakeSpeech{},
		Transcribe: &fakeTranscriber{err: errors.New("transcriber offline")},
		Cover:      cover,
		Compositor: compositor,
	}, Settings{ClipRetry: quickRetry()}, nil)

	log := &eventLog{}
	err := orch.Run(context.Background(), "story-1", Request{
		Speech: true, Captions: true, Cover: true, Video: true, Rate: 1.0,
	}, log.emit)
	if err == nil {
		t.Fatal("Expected the transcription failure to surface")
	}

	if cover.calls != 0 || compositor.calls != 0 {
		t.Error("Stages after the failure must not run")
	}

	terms := log.terminals()
	if len(terms) != 1 || terms[0].Stage != progress.StageError {
		t.Fatalf("Expected a single terminal error event, got %d", len(terms))
	}
}

func TestPipelineWatermarkOverlay(t *testing.T) {
	st, _ := store.NewLocalStore(t.TempDir())
	seedStory(t, st)

	wmRef, err := st.SaveArtifact("assets", "watermark.png", []byte("wm"))
	if err != nil {
		t.Fatalf("Failed to save watermark: %v", err)
	}

	compositor := &fakeCompositor{}
	orch := New(st, Engines{
		Speech:     &fakeSpeech{},
		Clips:      &fakeClips{durations: []time.Duration{30 * time.Second}},
		Compositor: compositor,
		Prober:     &fakeProber{duration: 20 * time.Second},
	}, Settings{
		EndSilence:   2 * time.Second,
		WatermarkRef: wmRef,
		ClipRetry:    quickRetry(),
	}, nil)

	log := &eventLog{}
	if err := orch.Run(context.Background(), "story-1", Request{Speech: true, Video: true, Rate: 1.0}, log.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if compositor.input == nil || string(compositor.input.Watermark) != "wm" {
		t.Error("Compositor should receive the stored watermark overlay")
	}

	// a dangling reference only drops the overlay, it never fails the stage
	orch = New(st, Engines{
		Speech:     &fakeSpeech{},
		Clips:      &fakeClips{durations: []time.Duration{30 * time.Second}},
		Compositor: compositor,
		Prober:     &fakeProber{duration: 20 * time.Second},
	}, Settings{
		EndSilence:   2 * time.Second,
		WatermarkRef: "assets/missing.png",
		ClipRetry:    quickRetry(),
	}, nil)
	if err := orch.Run(context.Background(), "story-1", Request{Speech: true, Video: true, Rate: 1.0}, log.emit); err != nil {
		t.Fatalf("Run with missing watermark failed: %v", err)
	}
	if compositor.input.Watermark != nil {
		t.Error("Missing watermark should leave the overlay empty")
	}
}

func TestPipelineClipFetchRetriesTransientFailures(t *testing.T) {
	st, _ := store.NewLocalStore(t.TempDir())
	seedStory(t, st)

	compositor := &fakeCompositor{}
	orch := New(st, Engines{
		Speech:     &fakeSpeech{},
		Clips:      &fakeClips{durations: []time.Duration{30 * time.Second}, failures: 2},
		Compositor: compositor,
		Prober:     &fakeProber{duration: 20 * time.Second},
	}, Settings{EndSilence: 2 * time.Second, ClipRetry: quickRetry()}, nil)

	log := &eventLog{}
	err := orch.Run(context.Background(), "story-1", Request{Speech: true, Video: true, Rate: 1.0}, log.emit)
	if err != nil {
		t.Fatalf("Run should survive transient clip failures, got %v", err)
	}
	if compositor.calls != 1 {
		t.Errorf("Expected one composition, got %d", compositor.calls)
	}
}

func TestPipelineCaptionsRequireSpeechArtifact(t *testing.T) {
	st, _ := store.NewLocalStore(t.TempDir())
	seedStory(t, st)

	orch := New(st, Engines{Transcribe: &fakeTranscriber{}}, Settings{ClipRetry: quickRetry()}, nil)

	log := &eventLog{}
	err := orch.Run(context.Background(), "story-1", Request{Captions: true, Rate: 1.0}, log.emit)
	if err == nil {
		t.Fatal("Captions without a persisted speech take must fail")
	}
}

func TestPipelineUnknownStory(t *testing.T) {
	st, _ := store.NewLocalStore(t.TempDir())
	orch := New(st, Engines{}, Settings{}, nil)

	log := &eventLog{}
	err := orch.Run(context.Background(), "missing", Request{Speech: true}, log.emit)
	if !errors.Is(err, store.ErrStoryNotFound) {
		t.Fatalf("Expected ErrStoryNotFound, got %v", err)
	}
	if len(log.terminals()) != 1 {
		t.Error("Expected a terminal error event for the failed load")
	}
}
