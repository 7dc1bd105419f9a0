package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/models"
	"github.com/storycast/storycast/pkg/pipeline"
)

// Speech synthesizes narration through a remote text-to-speech service
type Speech struct {
	svc *service
}

// NewSpeech creates a speech engine client
func NewSpeech(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *Speech {
	return &Speech{svc: newService(baseURL, apiKey, timeout, logger)}
}

type synthesizeRequest struct {
	Text     string  `json:"text"`
	Gender   string  `json:"gender"`
	Language string  `json:"language"`
	Rate     float64 `json:"rate"`
}

// Synthesize posts the narration text and streams the audio back
func (s *Speech) Synthesize(ctx context.Context, text string, gender models.VoiceGender, language models.Language, rate float64, report pipeline.ProgressFunc) ([]byte, error) {
	payload := synthesizeRequest{
		Text:     text,
		Gender:   string(gender),
		Language: string(language),
		Rate:     rate,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	audio, err := s.svc.postForBytes(ctx, "/synthesize", "application/json", bytes.NewReader(data), report)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	return audio, nil
}
