package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/models"
)

const redditUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// RedditSource scrapes story drafts from Reddit post URLs using the public
// JSON representation of a post
type RedditSource struct {
	httpClient *http.Client
	logger     *logging.Logger
}

// NewRedditSource creates a Reddit scraper
func NewRedditSource(logger *logging.Logger) *RedditSource {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &RedditSource{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				Title     string `json:"title"`
				Selftext  string `json:"selftext"`
				Author    string `json:"author"`
				Subreddit string `json:"subreddit_name_prefixed"`
				Thumbnail string `json:"thumbnail"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Scrape fetches the post behind url and maps it into a story draft. The
// scraper fills the narration fields and the cover metadata; identifiers and
// defaults are the caller's concern.
func (r *RedditSource) Scrape(ctx context.Context, postURL string) (*models.Story, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jsonURL(postURL), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrape request: %w", err)
	}
	req.Header.Set("User-Agent", redditUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("post fetch returned status %d: %s", resp.StatusCode, string(body))
	}

	var listings []redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listings); err != nil {
		return nil, fmt.Errorf("failed to decode post: %w", err)
	}
	if len(listings) == 0 || len(listings[0].Data.Children) == 0 {
		return nil, fmt.Errorf("post not found at %s", postURL)
	}

	post := listings[0].Data.Children[0].Data
	if post.Title == "" {
		return nil, fmt.Errorf("post at %s has no title", postURL)
	}

	story := &models.Story{
		Title:   strings.TrimSpace(post.Title),
		Content: strings.TrimSpace(post.Selftext),
		Cover: models.Cover{
			Title:     strings.TrimSpace(post.Title),
			Author:    "u/" + post.Author,
			Community: post.Subreddit,
		},
	}
	// thumbnail is "self", "default" or empty for text posts without one
	if strings.HasPrefix(post.Thumbnail, "http") {
		story.Cover.ThumbnailURL = post.Thumbnail
	}

	r.logger.Info("post scraped", map[string]interface{}{
		"url":       postURL,
		"title":     story.Title,
		"community": story.Cover.Community,
	})
	return story, nil
}

// jsonURL rewrites a post URL into its JSON endpoint
func jsonURL(postURL string) string {
	trimmed := postURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, ".json") {
		return trimmed
	}
	return trimmed + ".json"
}
