package models

import (
	"strings"
	"time"
)

// CaptionSegment is one timed line of the caption track
type CaptionSegment struct {
	Start time.Duration `json:"start" yaml:"start"`
	End   time.Duration `json:"end" yaml:"end"`
	Text  string        `json:"text" yaml:"text"`
}

// Captions is the caption track produced by the transcription stage
type Captions struct {
	Segments []CaptionSegment `json:"segments" yaml:"segments"`
}

// WithSpeed re-times the track for a narration played back at rate.
// Transcription runs against the regular-rate take, so a 1.5x narration
// needs every timestamp divided by 1.5.
func (c Captions) WithSpeed(rate float64) Captions {
	if rate <= 0 || rate == 1.0 {
		return c
	}
	out := Captions{Segments: make([]CaptionSegment, len(c.Segments))}
	for i, seg := range c.Segments {
		out.Segments[i] = CaptionSegment{
			Start: time.Duration(float64(seg.Start) / rate),
			End:   time.Duration(float64(seg.End) / rate),
			Text:  seg.Text,
		}
	}
	return out
}

// Stripped trims whitespace from every segment and drops segments left empty
func (c Captions) Stripped() Captions {
	out := Captions{Segments: make([]CaptionSegment, 0, len(c.Segments))}
	for _, seg := range c.Segments {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			continue
		}
		out.Segments = append(out.Segments, seg)
	}
	return out
}

// Duration returns the end time of the last segment
func (c Captions) Duration() time.Duration {
	if len(c.Segments) == 0 {
		return 0
	}
	return c.Segments[len(c.Segments)-1].End
}

// Text joins all segment texts, used when captions feed the enhancement pass
func (c Captions) Text() string {
	parts := make([]string, 0, len(c.Segments))
	for _, seg := range c.Segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}
