package progress

import (
	"time"
)

// Stage tokens shared across the pipeline. Engine-forwarded events reuse the
// stage of the operation that produced them.
const (
	StageInitializing = "initializing"
	StageDownloading  = "downloading"
	StageGenerating   = "generating"
	StageEncoding     = "encoding"
	StageSaving       = "saving"
	StageCompleted    = "completed"
	StageError        = "error"
)

// Well-known detail keys. Details stays an open map so engines can attach
// context the core does not know about, but known keys go through these
// constants.
const (
	DetailCurrent    = "current"
	DetailTotal      = "total"
	DetailOperation  = "operation"
	DetailError      = "error"
	DetailStoryID    = "story_id"
	DetailArtifact   = "artifact"
	DetailBytes      = "bytes"
	DetailDurationS  = "duration_seconds"
	DetailTargetS    = "target_seconds"
	DetailClipCount  = "clip_count"
)

// Event is one immutable progress report. Progress is nil when the producing
// operation has no quantifiable total.
type Event struct {
	Stage     string         `json:"stage"`
	Progress  *float64       `json:"progress,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event without a numeric progress value
func NewEvent(stage, message string, details map[string]any) Event {
	return Event{
		Stage:     stage,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// NewPercentEvent creates an event carrying a progress percentage,
// clamped into [0,100]
func NewPercentEvent(stage, message string, percent float64, details map[string]any) Event {
	percent = clampPercent(percent)
	return Event{
		Stage:     stage,
		Progress:  &percent,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// IsTerminal reports whether the event ends its stream
func (e Event) IsTerminal() bool {
	return e.Stage == StageCompleted || e.Stage == StageError
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
