package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	genSpeech   bool
	genCaptions bool
	genCover    bool
	genVideo    bool
	genRate     float64
	genEnhance  bool
	genFollow   bool
)

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate <story-id>",
	Short: "Submit a generation job for a story",
	Long:  `Submit a generation job running the selected pipeline stages. Re-submitting for the same story replaces any job already queued or running under that id.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().BoolVar(&genSpeech, "speech", true, "synthesize the narration")
	generateCmd.Flags().BoolVar(&genCaptions, "captions", true, "transcribe the caption track")
	generateCmd.Flags().BoolVar(&genCover, "cover", true, "render the cover image")
	generateCmd.Flags().BoolVar(&genVideo, "video", true, "compose the final video")
	generateCmd.Flags().Float64Var(&genRate, "rate", 0, "narration playback rate (default from server config)")
	generateCmd.Flags().BoolVar(&genEnhance, "enhance-captions", false, "run the caption enhancement pass")
	generateCmd.Flags().BoolVar(&genFollow, "follow", false, "stream progress events until the job finishes")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	storyID := args[0]
	payload := map[string]interface{}{
		"speech":           genSpeech,
		"captions":         genCaptions,
		"cover":            genCover,
		"video":            genVideo,
		"enhance_captions": genEnhance,
	}
	if genRate > 0 {
		payload["rate"] = genRate
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := CreateRequest("POST", "/stories/"+storyID+"/generate", bytes.NewBuffer(reqBody))
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
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("Generation job submitted for story %s\n", storyID)
	if !genFollow {
		return nil
	}
	return followProgress(storyID)
}

// followProgress streams the job's server-sent events until the terminal
// event arrives
func followProgress(storyID string) error {
	req, err := CreateRequest("GET", "/stories/"+storyID+"/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// streaming: no client timeout
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event struct {
			Stage    string   `json:"stage"`
			Progress *float64 `json:"progress,omitempty"`
			Message  string   `json:"message,omitempty"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		if event.Progress != nil {
			fmt.Printf("[%s] %5.1f%% %s\n", event.Stage, *event.Progress, event.Message)
		} else {
			fmt.Printf("[%s] %s\n", event.Stage, event.Message)
		}
		if event.Stage == "completed" {
			fmt.Println("Generation finished.")
			return nil
		}
		if event.Stage == "error" {
			return fmt.Errorf("generation failed: %s", event.Message)
		}
	}
	return scanner.Err()
}
