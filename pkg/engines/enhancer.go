package engines

import (
	"context"
	"fmt"
	"time"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/models"
)

// Enhancer rewrites story text and repairs caption transcripts through a
// remote LLM gateway
type Enhancer struct {
	svc *service
}

// NewEnhancer creates an enhancement engine client
func NewEnhancer(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *Enhancer {
	return &Enhancer{svc: newService(baseURL, apiKey, timeout, logger)}
}

type enhanceStoryRequest struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

type enhanceStoryResponse struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// EnhanceStory rewrites the scraped title and body for narration
func (e *Enhancer) EnhanceStory(ctx context.Context, title, content string, language models.Language) (string, string, error) {
	req := enhanceStoryRequest{Title: title, Content: content, Language: string(language)}
	var resp enhanceStoryResponse
	if err := e.svc.postJSON(ctx, "/enhance/story", req, &resp); err != nil {
		return "", "", fmt.Errorf("story enhancement failed: %w", err)
	}
	if resp.Title == "" && resp.Content == "" {
		return "", "", fmt.Errorf("story enhancement returned an empty rewrite")
	}
	return resp.Title, resp.Content, nil
}

type enhanceCaptionsRequest struct {
	Captions  models.Captions `json:"captions"`
	StoryText string          `json:"story_text"`
	Language  string          `json:"language"`
}

type enhanceCaptionsResponse struct {
	Captions models.Captions `json:"captions"`
}

// EnhanceCaptions fixes transcription mistakes using the original story text
// as ground truth. The segment count and timings must survive the rewrite;
// a response that drops segments is rejected so timing alignment never breaks.
func (e *Enhancer) EnhanceCaptions(ctx context.Context, captions models.Captions, storyText string, language models.Language) (models.Captions, error) {
	req := enhanceCaptionsRequest{Captions: captions, StoryText: storyText, Language: string(language)}
	var resp enhanceCaptionsResponse
	if err := e.svc.postJSON(ctx, "/enhance/captions", req, &resp); err != nil {
		return models.Captions{}, fmt.Errorf("caption enhancement failed: %w", err)
	}
	if len(resp.Captions.Segments) != len(captions.Segments) {
		return models.Captions{}, fmt.Errorf("caption enhancement changed segment count from %d to %d", len(captions.Segments), len(resp.Captions.Segments))
	}
	for i := range resp.Captions.Segments {
		resp.Captions.Segments[i].Start = captions.Segments[i].Start
		resp.Captions.Segments[i].End = captions.Segments[i].End
	}
	return resp.Captions, nil
}
