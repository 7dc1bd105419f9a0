package cmd

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "storycast",
	Short: "Narrated short-video generation service",
	Long:  `storycast turns text postings into narrated short videos: it scrapes a story, synthesizes the narration, aligns captions, renders a cover and composes the final video over background footage.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initCLIConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./storycast.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "storycast API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initCLIConfig resolves the server URL for client subcommands from flags,
// environment and config, in that order
func initCLIConfig() {
	v := viper.New()
	v.SetEnvPrefix("STORYCAST")
	v.AutomaticEnv()
	v.BindEnv("server_url", "STORYCAST_SERVER_URL")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err == nil {
			if serverURL == "" && v.GetString("server_url") != "" {
				serverURL = v.GetString("server_url")
			}
		}
	}
	if serverURL == "" && v.GetString("server_url") != "" {
		serverURL = v.GetString("server_url")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured API URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns the client used by CLI subcommands
func GetHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// CreateRequest creates an HTTP request against the configured server
func CreateRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, GetServerURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
