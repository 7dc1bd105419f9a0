package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/models"
	"github.com/storycast/storycast/pkg/pipeline"
)

// Transcriber aligns narration audio into timed captions through a remote
// transcription service
type Transcriber struct {
	svc *service
}

// NewTranscriber creates a transcription engine client
func NewTranscriber(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *Transcriber {
	return &Transcriber{svc: newService(baseURL, apiKey, timeout, logger)}
}

type transcribeResponse struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe uploads the audio and decodes the timed segment list. Upload
// progress is reported against the audio size; the service call itself is not
// quantifiable.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, language models.Language, report pipeline.ProgressFunc) (models.Captions, error) {
	path := "/transcribe?language=" + url.QueryEscape(string(language))
	body := progressReader{r: bytes.NewReader(audio), total: int64(len(audio)), report: report}

	req, err := t.svc.newRequest(ctx, http.MethodPost, path, "audio/mpeg", &body)
	if err != nil {
		return models.Captions{}, err
	}
	req.ContentLength = int64(len(audio))

	resp, err := t.svc.httpClient.Do(req)
	if err != nil {
		return models.Captions{}, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.Captions{}, fmt.Errorf("transcription returned status %d: %s", resp.StatusCode, string(errBody))
	}

	var decoded transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return models.Captions{}, fmt.Errorf("failed to decode transcription: %w", err)
	}

	captions := models.Captions{Segments: make([]models.CaptionSegment, len(decoded.Segments))}
	for i, seg := range decoded.Segments {
		captions.Segments[i] = models.CaptionSegment{
			Start: time.Duration(seg.Start * float64(time.Second)),
			End:   time.Duration(seg.End * float64(time.Second)),
			Text:  seg.Text,
		}
	}
	return captions, nil
}

// progressReader reports cumulative bytes as the request body is consumed
type progressReader struct {
	r      io.Reader
	total  int64
	sent   int64
	report pipeline.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.report != nil {
			p.report(p.sent, p.total)
		}
	}
	return n, err
}
