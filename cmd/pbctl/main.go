// Package main implements the pbctl CLI for manual operations against the
// playbookd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the playbookd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pbctl",
	Short: "CLI for playbookd HTTP server operations",
	Long: `pbctl is a command-line interface for interacting with the playbookd HTTP server.
It provides commands for querying the playbook, submitting feedback, and
checking daemon health.`,
	Version: version,
}

var (
	retrieveK       int
	feedbackComment string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8377", "playbookd server URL")

	retrieveCmd.Flags().IntVarP(&retrieveK, "top", "k", 0, "number of bullets to retrieve (default server-side)")
	feedbackCmd.Flags().StringVarP(&feedbackComment, "comment", "c", "", "free-text feedback comment")

	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}

// retrieveCmd queries the playbook by semantic similarity
var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Retrieve playbook bullets matching a query",
	Long: `Retrieve the playbook bullets most similar to a query.

Examples:
  # Top bullets for a query
  pbctl retrieve "how should I roll out a risky change"

  # Ask for more results
  pbctl retrieve -k 5 "handling flaky tests"`,
	Args: cobra.ExactArgs(1),
	RunE: runRetrieve,
}

// feedbackCmd submits a rating for an answered request
var feedbackCmd = &cobra.Command{
	Use:   "feedback <feedback-id> <rating>",
	Short: "Submit a 1-5 rating for an answered request",
	Long: `Submit feedback for an answered request. The rating drives the
learning loop: high ratings reinforce the bullets that informed the answer,
low ratings count against them.

Examples:
  # Rate an exchange
  pbctl feedback 3f2a91bc 5

  # Rate with a comment
  pbctl feedback 3f2a91bc 2 --comment "answer ignored the rollback step"`,
	Args: cobra.ExactArgs(2),
	RunE: runFeedback,
}

// statsCmd reports playbook statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show playbook statistics",
	RunE:  runStats,
}

// healthCmd checks daemon health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check playbookd server health",
	RunE:  runHealth,
}

// Request and response types match internal/server.

type RetrieveRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

type RetrievedBullet struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type RetrieveResponse struct {
	Bullets []RetrievedBullet `json:"bullets"`
}

type FeedbackRequest struct {
	FeedbackID string  `json:"feedback_id"`
	Rating     float64 `json:"rating"`
	Comment    string  `json:"comment,omitempty"`
}

type FeedbackResponse struct {
	FeedbackID string `json:"feedback_id"`
	Status     string `json:"status"`
}

type StatsResponse struct {
	TotalBullets int            `json:"total_bullets"`
	Sections     map[string]int `json:"sections"`
	TotalHelpful int            `json:"total_helpful"`
	TotalHarmful int            `json:"total_harmful"`
	HelpfulRatio float64        `json:"helpful_ratio"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// runRetrieve handles the retrieve command
func runRetrieve(cmd *cobra.Command, args []string) error {
	var resp RetrieveResponse
	err := postJSON("/v1/retrieve", RetrieveRequest{Query: args[0], K: retrieveK}, &resp)
	if err != nil {
		return err
	}

	if len(resp.Bullets) == 0 {
		fmt.Fprintln(os.Stderr, "No matching bullets.")
		return nil
	}

	for _, b := range resp.Bullets {
		fmt.Printf("%s  %s\n", b.ID, b.Content)
	}
	return nil
}

// runFeedback handles the feedback command
func runFeedback(cmd *cobra.Command, args []string) error {
	var rating float64
	if _, err := fmt.Sscanf(args[1], "%f", &rating); err != nil {
		return fmt.Errorf("rating must be a number 1-5, got %q", args[1])
	}

	var resp FeedbackResponse
	err := postJSON("/v1/feedback", FeedbackRequest{
		FeedbackID: args[0],
		Rating:     rating,
		Comment:    feedbackComment,
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("Feedback %s %s\n", resp.FeedbackID, resp.Status)
	return nil
}

// runStats handles the stats command
func runStats(cmd *cobra.Command, args []string) error {
	var stats StatsResponse
	if err := getJSON("/v1/stats", &stats); err != nil {
		return err
	}

	fmt.Printf("Bullets:       %d\n", stats.TotalBullets)
	fmt.Printf("Helpful votes: %d\n", stats.TotalHelpful)
	fmt.Printf("Harmful votes: %d\n", stats.TotalHarmful)
	fmt.Printf("Helpful ratio: %.2f\n", stats.HelpfulRatio)

	if len(stats.Sections) > 0 {
		fmt.Println("Sections:")
		names := make([]string, 0, len(stats.Sections))
		for name := range stats.Sections {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-30s %d\n", name, stats.Sections[name])
		}
	}
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	var resp HealthResponse
	if err := getJSON("/health", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to reach %s: %v\n", serverURL, err)
		return err
	}

	fmt.Printf("Server Status: %s\n", resp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

// postJSON sends a JSON request and decodes the JSON response.
func postJSON(path string, body, out any) error {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// getJSON fetches a JSON response.
func getJSON(path string, out any) error {
	url := serverURL + path

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
