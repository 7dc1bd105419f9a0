package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/pipeline"
)

// service is the shared HTTP plumbing behind every remote engine client
type service struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

func newService(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *service {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &service{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (s *service) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	return req, nil
}

// postForBytes posts a request body and streams the binary response back,
// reporting download progress against Content-Length when the server sends it
func (s *service) postForBytes(ctx context.Context, path, contentType string, body io.Reader, report pipeline.ProgressFunc) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodPost, path, contentType, body)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(errBody))
	}

	return readWithProgress(resp.Body, resp.ContentLength, report)
}

// getForBytes streams a binary document back, reporting download progress
// against Content-Length when the server sends it
func (s *service) getForBytes(ctx context.Context, path string, report pipeline.ProgressFunc) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(errBody))
	}

	return readWithProgress(resp.Body, resp.ContentLength, report)
}

// postJSON posts a JSON payload and decodes a JSON response into out
func (s *service) postJSON(ctx context.Context, path string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(errBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

// getJSON fetches a JSON document
func (s *service) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := s.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(errBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// readWithProgress drains r, invoking report with cumulative bytes read.
// total <= 0 disables quantified progress; the callback still sees the byte
// count so callers can surface activity.
func readWithProgress(r io.Reader, total int64, report pipeline.ProgressFunc) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if report != nil {
				report(int64(buf.Len()), total)
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
	}
}
