package models

import (
	"time"
)

// Language identifies the narration language of a story
type Language string

const (
	LanguagePortuguese Language = "portuguese"
	LanguageEnglish    Language = "english"
)

// VoiceGender selects the synthesized narrator voice
type VoiceGender string

const (
	VoiceMale   VoiceGender = "male"
	VoiceFemale VoiceGender = "female"
)

// Cover holds the metadata rendered into the cover image overlay
type Cover struct {
	Title        string `json:"title" yaml:"title"`
	Author       string `json:"author" yaml:"author"`
	Community    string `json:"community" yaml:"community"`
	ThumbnailURL string `json:"thumbnail_url,omitempty" yaml:"thumbnail_url,omitempty"`
}

// ArtifactRef points to a persisted binary artifact in the store
type ArtifactRef string

// Story is one content item moving through the generation pipeline.
// Artifact references are filled in as stages complete; a stage that has not
// run yet leaves its reference empty.
type Story struct {
	ID        string      `json:"id" yaml:"id"`
	Title     string      `json:"title" yaml:"title"`
	Content   string      `json:"content" yaml:"content"`
	Gender    VoiceGender `json:"gender" yaml:"gender"`
	Language  Language    `json:"language" yaml:"language"`
	SourceURL string      `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	Cover     Cover       `json:"cover" yaml:"cover"`

	// Artifact references, one per pipeline stage. Speech keeps two takes:
	// the rate-adjusted narration and a regular-rate take used for caption
	// alignment.
	SpeechRef        ArtifactRef `json:"speech_ref,omitempty" yaml:"speech_ref,omitempty"`
	RegularSpeechRef ArtifactRef `json:"regular_speech_ref,omitempty" yaml:"regular_speech_ref,omitempty"`
	CaptionsRef      ArtifactRef `json:"captions_ref,omitempty" yaml:"captions_ref,omitempty"`
	CoverRef         ArtifactRef `json:"cover_ref,omitempty" yaml:"cover_ref,omitempty"`
	VideoRef         ArtifactRef `json:"video_ref,omitempty" yaml:"video_ref,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// SpeechText returns the text handed to the speech engine: the title followed
// by the body, matching what the narration should read out.
func (s *Story) SpeechText() string {
	return s.Title + "\n" + s.Content
}

// NormalizedLanguage falls back to Portuguese when the record predates the
// language field.
func (s *Story) NormalizedLanguage() Language {
	if s.Language == "" {
		return LanguagePortuguese
	}
	return s.Language
}
