package engines

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storycast/storycast/pkg/models"
	"github.com/storycast/storycast/pkg/pipeline"
)

func TestSpeechSynthesize(t *testing.T) {
	var received synthesizeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/synthesize" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Write([]byte("mp3-bytes"))
	}))
	defer server.Close()

	speech := NewSpeech(server.URL, "", time.Second, nil)
	var reports int
	audio, err := speech.Synthesize(context.Background(), "hello", models.VoiceFemale, models.LanguageEnglish, 1.5,
		func(current, total int64) { reports++ })
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if string(audio) != "mp3-bytes" {
		t.Errorf("Unexpected audio %q", audio)
	}
	if received.Rate != 1.5 || received.Gender != "female" || received.Language != "english" {
		t.Errorf("Request payload mismatch: %+v", received)
	}
	if reports == 0 {
		t.Error("Expected download progress reports")
	}
}

func TestSpeechSynthesizeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	speech := NewSpeech(server.URL, "", time.Second, nil)
	if _, err := speech.Synthesize(context.Background(), "hello", models.VoiceMale, models.LanguagePortuguese, 1.0, nil); err == nil {
		t.Fatal("Expected error from 503 response")
	}
}

func TestServiceSendsBearerKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			t.Errorf("Missing bearer key, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	svc := newService(server.URL, "sekrit", time.Second, nil)
	var out map[string]any
	if err := svc.getJSON(context.Background(), "/x", &out); err != nil {
		t.Fatalf("getJSON failed: %v", err)
	}
}

func TestTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("language") != "english" {
			t.Errorf("Missing language parameter, got %q", r.URL.Query().Get("language"))
		}
		json.NewEncoder(w).Encode(transcribeResponse{Segments: []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		}{{Start: 0, End: 2.5, Text: "hello"}}})
	}))
	defer server.Close()

	tr := NewTranscriber(server.URL, "", time.Second, nil)
	captions, err := tr.Transcribe(context.Background(), []byte("audio"), models.LanguageEnglish, nil)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if len(captions.Segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(captions.Segments))
	}
	if captions.Segments[0].End != 2500*time.Millisecond {
		t.Errorf("Expected end 2.5s, got %v", captions.Segments[0].End)
	}
}

func TestEnhanceCaptionsKeepsTimings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the service rewrites text but mangles a timestamp
		json.NewEncoder(w).Encode(enhanceCaptionsResponse{Captions: models.Captions{Segments: []models.CaptionSegment{
			{Start: 99 * time.Second, End: 100 * time.Second, Text: "fixed"},
		}}})
	}))
	defer server.Close()

	enh := NewEnhancer(server.URL, "", time.Second, nil)
	original := models.Captions{Segments: []models.CaptionSegment{{Start: 0, End: time.Second, Text: "fixd"}}}
	out, err := enh.EnhanceCaptions(context.Background(), original, "story", models.LanguageEnglish)
	if err != nil {
		t.Fatalf("EnhanceCaptions failed: %v", err)
	}
	if out.Segments[0].Text != "fixed" {
		t.Errorf("Expected rewritten text, got %q", out.Segments[0].Text)
	}
	// original timings always win over whatever the service returns
	if out.Segments[0].Start != 0 || out.Segments[0].End != time.Second {
		t.Errorf("Timings must be preserved, got %v-%v", out.Segments[0].Start, out.Segments[0].End)
	}
}

func TestEnhanceCaptionsRejectsSegmentCountChange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(enhanceCaptionsResponse{Captions: models.Captions{}})
	}))
	defer server.Close()

	enh := NewEnhancer(server.URL, "", time.Second, nil)
	original := models.Captions{Segments: []models.CaptionSegment{{Start: 0, End: time.Second, Text: "x"}}}
	if _, err := enh.EnhanceCaptions(context.Background(), original, "story", models.LanguageEnglish); err == nil {
		t.Fatal("Expected rejection when segments are dropped")
	}
}

func TestClipLibraryExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clips":
			json.NewEncoder(w).Encode(clipManifest{Clips: []clipEntry{
				{Path: "a.mp4", DurationSeconds: 12},
				{Path: "b.mp4", DurationSeconds: 8},
			}})
		case "/clips/fetch":
			w.Write([]byte("footage:" + r.URL.Query().Get("path")))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	lib := NewClipLibrary(server.URL, "", time.Second, nil)
	source, err := lib.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	first, err := source.Next(context.Background(), nil)
	if err != nil {
		t.Fatalf("First Next failed: %v", err)
	}
	if first.Duration != 12*time.Second || string(first.Data) != "footage:a.mp4" {
		t.Errorf("Unexpected first clip: %v %q", first.Duration, first.Data)
	}

	if _, err := source.Next(context.Background(), nil); err != nil {
		t.Fatalf("Second Next failed: %v", err)
	}
	if _, err := source.Next(context.Background(), nil); !errors.Is(err, pipeline.ErrNoMoreClips) {
		t.Fatalf("Expected ErrNoMoreClips after the manifest, got %v", err)
	}
}

func TestCompositorProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/probe" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(probeResponse{DurationSeconds: 42.5})
	}))
	defer server.Close()

	comp := NewCompositor(server.URL, "", time.Second, nil)
	duration, err := comp.Duration([]byte("audio"))
	if err != nil {
		t.Fatalf("Duration failed: %v", err)
	}
	if duration != 42500*time.Millisecond {
		t.Errorf("Expected 42.5s, got %v", duration)
	}
}

func TestCompositorRenderMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("Failed to parse multipart: %v", err)
		}
		for _, field := range []string{"audio", "clip_0", "clip_1", "cover"} {
			if _, ok := r.MultipartForm.File[field]; !ok {
				t.Errorf("Missing multipart file %q", field)
			}
		}
		if r.FormValue("captions") == "" {
			t.Error("Missing captions field")
		}
		w.Write([]byte("mp4"))
	}))
	defer server.Close()

	comp := NewCompositor(server.URL, "", time.Second, nil)
	video, err := comp.Render(context.Background(), pipeline.CompositeInput{
		Audio: []byte("a"),
		Background: []pipeline.Clip{
			{Data: []byte("c0"), Duration: 10 * time.Second},
			{Data: []byte("c1"), Duration: 12 * time.Second},
		},
		Cover:    []byte("png"),
		Captions: &models.Captions{Segments: []models.CaptionSegment{{End: time.Second, Text: "x"}}},
	}, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if string(video) != "mp4" {
		t.Errorf("Unexpected video %q", video)
	}
}

func TestRedditScrape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/stories/comments/abc/title.json" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[{"data":{"children":[{"data":{
			"title":"  A strange evening  ",
			"selftext":"It began quietly.",
			"author":"someone",
			"subreddit_name_prefixed":"r/stories",
			"thumbnail":"self"
		}}]}}]`))
	}))
	defer server.Close()

	source := NewRedditSource(nil)
	story, err := source.Scrape(context.Background(), server.URL+"/r/stories/comments/abc/title/")
	if err != nil {
		t.Fatalf("Scrape failed: %v", err)
	}
	if story.Title != "A strange evening" {
		t.Errorf("Unexpected title %q", story.Title)
	}
	if story.Content != "It began quietly." {
		t.Errorf("Unexpected content %q", story.Content)
	}
	if story.Cover.Author != "u/someone" || story.Cover.Community != "r/stories" {
		t.Errorf("Cover metadata mismatch: %+v", story.Cover)
	}
	// "self" is reddit's marker for no thumbnail
	if story.Cover.ThumbnailURL != "" {
		t.Errorf("Expected empty thumbnail, got %q", story.Cover.ThumbnailURL)
	}
}

func TestJSONURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://reddit.com/r/x/comments/1/t", "https://reddit.com/r/x/comments/1/t.json"},
		{"https://reddit.com/r/x/comments/1/t/", "https://reddit.com/r/x/comments/1/t.json"},
		{"https://reddit.com/r/x/comments/1/t.json", "https://reddit.com/r/x/comments/1/t.json"},
		{"https://reddit.com/r/x/comments/1/t?share=1", "https://reddit.com/r/x/comments/1/t.json"},
		{"https://reddit.com/r/x/comments/1/t.json?utm=x", "https://reddit.com/r/x/comments/1/t.json"},
		{"https://reddit.com/r/x/comments/1/t/#top", "https://reddit.com/r/x/comments/1/t.json"},
	}
	for _, tc := range cases {
		if got := jsonURL(tc.in); got != tc.want {
			t.Errorf("jsonURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
