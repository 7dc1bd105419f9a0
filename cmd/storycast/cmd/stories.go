package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/storycast/storycast/pkg/models"
)

var (
	createEnhance  bool
	createLanguage string
)

// storiesCmd represents the stories command
var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "Manage stories",
	Long:  `Commands for creating, listing and deleting stories on the storycast server.`,
}

// storiesCreateCmd represents the stories create command
var storiesCreateCmd = &cobra.Command{
	Use:   "create <post-url>",
	Short: "Scrape a posting into a new story",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoriesCreate,
}

// storiesListCmd represents the stories list command
var storiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored stories",
	RunE:  runStoriesList,
}

// storiesDeleteCmd represents the stories delete command
var storiesDeleteCmd = &cobra.Command{
	Use:   "delete <story-id>",
	Short: "Delete a story and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoriesDelete,
}

func init() {
	rootCmd.AddCommand(storiesCmd)
	storiesCmd.AddCommand(storiesCreateCmd)
	storiesCmd.AddCommand(storiesListCmd)
	storiesCmd.AddCommand(storiesDeleteCmd)

	storiesCreateCmd.Flags().BoolVar(&createEnhance, "enhance", false, "rewrite the scraped text through the enhancement service")
	storiesCreateCmd.Flags().StringVar(&createLanguage, "language", "", "narration language (portuguese or english)")
}

func runStoriesCreate(cmd *cobra.Command, args []string) error {
	payload := map[string]interface{}{
		"url":     args[0],
		"enhance": createEnhance,
	}
	if createLanguage != "" {
		payload["language"] = createLanguage
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := CreateRequest("POST", "/stories", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to storycast API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var story models.Story
	if err := json.Unmarshal(body, &story); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(story, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", story.ID)
	table.Append("Title", story.Title)
	table.Append("Community", story.Cover.Community)
	table.Append("Author", story.Cover.Author)
	table.Append("Language", string(story.NormalizedLanguage()))
	table.Render()
	fmt.Printf("\nStory created: %s\n", story.ID)
	return nil
}

func runStoriesList(cmd *cobra.Command, args []string) error {
	req, err := CreateRequest("GET", "/stories", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to storycast API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Stories []models.Story `json:"stories"`
		Count   int            `json:"count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if result.Count == 0 {
		fmt.Println("No stories stored.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Title", "Community", "Video", "Updated")
	for _, story := range result.Stories {
		hasVideo := "no"
		if story.VideoRef != "" {
			hasVideo = "yes"
		}
		table.Append(story.ID, truncate(story.Title, 40), story.Cover.Community, hasVideo, story.UpdatedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\n%d story(ies)\n", result.Count)
	return nil
}

func runStoriesDelete(cmd *cobra.Command, args []string) error {
	req, err := CreateRequest("DELETE", "/stories/"+args[0], nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to storycast API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("Story %s deleted\n", args[0])
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
