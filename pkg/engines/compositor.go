package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"time"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/pipeline"
)

// Compositor assembles the final video through a remote ffmpeg service. The
// same service exposes the audio probe used to size the background
// compilation.
type Compositor struct {
	svc *service
}

// NewCompositor creates a compositor engine client
func NewCompositor(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *Compositor {
	return &Compositor{svc: newService(baseURL, apiKey, timeout, logger)}
}

// Render uploads the narration, background clips and overlays as a multipart
// request and streams the encoded video back. Encoding progress is reported
// from the response download.
func (c *Compositor) Render(ctx context.Context, in pipeline.CompositeInput, report pipeline.ProgressFunc) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writeFilePart(writer, "audio", "audio.mp3", in.Audio); err != nil {
		return nil, err
	}
	for i, clip := range in.Background {
		name := fmt.Sprintf("clip_%d", i)
		if err := writeFilePart(writer, name, name+".mp4", clip.Data); err != nil {
			return nil, err
		}
		if err := writer.WriteField(name+"_duration", fmt.Sprintf("%.3f", clip.Duration.Seconds())); err != nil {
			return nil, fmt.Errorf("failed to write clip duration field: %w", err)
		}
	}
	if len(in.Cover) > 0 {
		if err := writeFilePart(writer, "cover", "cover.png", in.Cover); err != nil {
			return nil, err
		}
	}
	if len(in.Watermark) > 0 {
		if err := writeFilePart(writer, "watermark", "watermark.png", in.Watermark); err != nil {
			return nil, err
		}
	}
	if in.Captions != nil {
		captionsJSON, err := json.Marshal(in.Captions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal captions: %w", err)
		}
		if err := writer.WriteField("captions", string(captionsJSON)); err != nil {
			return nil, fmt.Errorf("failed to write captions field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	video, err := c.svc.postForBytes(ctx, "/compose", writer.FormDataContentType(), &body, report)
	if err != nil {
		return nil, fmt.Errorf("video composition failed: %w", err)
	}
	return video, nil
}

type probeResponse struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

// Duration asks the service to probe the playable length of an audio artifact
func (c *Compositor) Duration(audio []byte) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.svc.httpClient.Timeout)
	defer cancel()

	data, err := c.svc.postForBytes(ctx, "/probe", "audio/mpeg", bytes.NewReader(audio), nil)
	if err != nil {
		return 0, fmt.Errorf("audio probe failed: %w", err)
	}

	var decoded probeResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return 0, fmt.Errorf("failed to decode probe response: %w", err)
	}
	if decoded.DurationSeconds <= 0 {
		return 0, fmt.Errorf("audio probe reported non-positive duration %.3f", decoded.DurationSeconds)
	}
	return time.Duration(decoded.DurationSeconds * float64(time.Second)), nil
}

func writeFilePart(writer *multipart.Writer, field, filename string, data []byte) error {
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", field, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write %s part: %w", field, err)
	}
	return nil
}
