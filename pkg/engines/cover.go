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

// CoverRenderer renders the story cover card through a remote image service
type CoverRenderer struct {
	svc *service
}

// NewCoverRenderer creates a cover engine client
func NewCoverRenderer(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *CoverRenderer {
	return &CoverRenderer{svc: newService(baseURL, apiKey, timeout, logger)}
}

// Render posts the cover metadata and streams the rendered PNG back
func (c *CoverRenderer) Render(ctx context.Context, cover models.Cover, report pipeline.ProgressFunc) ([]byte, error) {
	data, err := json.Marshal(cover)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cover metadata: %w", err)
	}

	image, err := c.svc.postForBytes(ctx, "/render", "application/json", bytes.NewReader(data), report)
	if err != nil {
		return nil, fmt.Errorf("cover rendering failed: %w", err)
	}
	return image, nil
}
