package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/quadsearch/internal/api"
	"github.com/kalambet/quadsearch/internal/config"
	"github.com/kalambet/quadsearch/internal/search"
)

// --- search ---

type searchRequest struct {
	RoomID  string          `json:"room_id,omitempty"`
	Query   string          `json:"query"`
	Filters map[string]bool `json:"filters"`
}

// messageResult mirrors the fields of GET /search/messages/{id} the CLI reads.
type messageResult struct {
	ID      string          `json:"id"`
	RoomID  string          `json:"room_id"`
	Status  string          `json:"status"`
	Content json.RawMessage `json:"content"`
	Error   string          `json:"error"`
}

func (m messageResult) terminal() bool {
	return m.Status == "completed" || m.Status == "failed"
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Ask a question about people, organisations and events",
	Long: `Ask a question about people, organisations and events.

Examples:
  quadsearch search "who runs the chess society?"
  quadsearch search --people=false "hackathons this term"
  quadsearch search --room 7c9e... "and which of them are free?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, _ := cmd.Flags().GetString("room")
		people, _ := cmd.Flags().GetBool("people")
		orgs, _ := cmd.Flags().GetBool("orgs")
		events, _ := cmd.Flags().GetBool("events")
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if !people && !orgs && !events {
			return errors.New("at least one of --people, --orgs or --events must be enabled")
		}

		client, err := newAPIClient(false)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		req := searchRequest{
			RoomID: room,
			Query:  strings.Join(args, " "),
			Filters: map[string]bool{
				"people":        people,
				"organisations": orgs,
				"events":        events,
			},
		}
		msg, err := submitSearch(ctx, client, req)
		if err != nil {
			return err
		}
		printStep("Queued message %s in room %s", msg.ID, msg.RoomID)
		if !wait {
			return nil
		}

		msg, err = waitForMessage(ctx, client, msg.ID, 500*time.Millisecond)
		if err != nil {
			return err
		}
		return printMessage(msg)
	},
}

func init() {
	searchCmd.Flags().String("room", "", "continue the conversation in this room")
	searchCmd.Flags().Bool("people", true, "search people")
	searchCmd.Flags().Bool("orgs", true, "search organisations")
	searchCmd.Flags().Bool("events", true, "search events")
	searchCmd.Flags().Bool("wait", true, "wait for the answer")
	searchCmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait for the answer")
}

// submitSearch creates the message and queues its run in one request.
func submitSearch(ctx context.Context, client *apiClient, req searchRequest) (messageResult, error) {
	resp, err := client.post(ctx, "/search/messages?run=true", req)
	if err != nil {
		return messageResult{}, err
	}
	var msg messageResult
	if err := decodeJSON(resp, &msg); err != nil {
		return messageResult{}, err
	}
	return msg, nil
}

// waitForMessage polls until the message reaches a terminal status or ctx ends.
func waitForMessage(ctx context.Context, client *apiClient, id string, every time.Duration) (messageResult, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		resp, err := client.get(ctx, "/search/messages/"+url.PathEscape(id))
		if err != nil {
			return messageResult{}, err
		}
		var msg messageResult
		if err := decodeJSON(resp, &msg); err != nil {
			return messageResult{}, err
		}
		if msg.terminal() {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return msg, fmt.Errorf("message %s still %s: %w", id, msg.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printMessage(msg messageResult) error {
	if msg.Status == "failed" {
		printError("Search failed: %s", msg.Error)
		return fmt.Errorf("message %s failed", msg.ID)
	}
	var content search.Content
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return fmt.Errorf("decoding answer: %w", err)
	}
	printAnswer(os.Stdout, content)
	return nil
}

// --- usage ---

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token budget usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, _ := cmd.Flags().GetString("identity")

		client, err := newAPIClient(identity != "")
		if err != nil {
			return err
		}

		path := "/search/usage"
		if identity != "" {
			path += "?identity=" + url.QueryEscape(identity)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var usage struct {
			Identity   string    `json:"identity"`
			Tier       string    `json:"tier"`
			TokensUsed int64     `json:"tokens_used"`
			MaxTokens  int64     `json:"max_tokens"`
			Remaining  int64     `json:"remaining"`
			ResetsAt   time.Time `json:"resets_at"`
		}
		if err := decodeJSON(resp, &usage); err != nil {
			return err
		}

		printStatus("Identity", "%s (%s)", usage.Identity, usage.Tier)
		printStatus("Used", "%d of %d tokens", usage.TokensUsed, usage.MaxTokens)
		printStatus("Remaining", "%d", usage.Remaining)
		if !usage.ResetsAt.IsZero() {
			printStatus("Resets", "%s", usage.ResetsAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

func init() {
	usageCmd.Flags().String("identity", "", "identity key to inspect, e.g. user:42 (requires the admin token)")
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage indexed entity documents (admin)",
}

var indexAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Index a person, organisation or event",
	Long: `Index a person, organisation or event.

Examples:
  quadsearch index add --kind organisations --entity org-42 --title "Chess Society" --text "Weekly blitz nights"
  quadsearch index add --kind events --entity ev-7 --file ./hackathon.md --attr date=2026-11-14 --attr venue=Union`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		entity, _ := cmd.Flags().GetString("entity")
		title, _ := cmd.Flags().GetString("title")
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		link, _ := cmd.Flags().GetString("url")
		overview, _ := cmd.Flags().GetBool("overview")
		attrs, _ := cmd.Flags().GetStringToString("attr")

		if kind == "" || entity == "" {
			return errors.New("--kind and --entity are required")
		}
		if text == "" && file == "" {
			return errors.New("one of --text or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}

		client, err := newAPIClient(true)
		if err != nil {
			return err
		}

		req := map[string]any{
			"kind":      kind,
			"entity_id": entity,
			"title":     title,
			"content":   text,
			"overview":  overview,
		}
		if link != "" {
			req["url"] = link
		}
		if len(attrs) > 0 {
			req["attributes"] = attrs
		}

		resp, err := client.post(cmd.Context(), "/index/documents", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove an indexed document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(true)
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/index/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	indexAddCmd.Flags().String("kind", "", "people, organisations or events")
	indexAddCmd.Flags().String("entity", "", "entity id the document describes")
	indexAddCmd.Flags().String("title", "", "display name")
	indexAddCmd.Flags().String("text", "", "document text")
	indexAddCmd.Flags().String("file", "", "read document text from a file")
	indexAddCmd.Flags().String("url", "", "canonical link for the entity")
	indexAddCmd.Flags().Bool("overview", false, "store as a summary-level document")
	indexAddCmd.Flags().StringToString("attr", nil, "structured field as key=value (repeatable)")
	indexCmd.AddCommand(indexAddCmd)
	indexCmd.AddCommand(indexDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the search and usage tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// stdout carries the protocol.
		logger := newLogger(cfg.Log.Level, os.Stderr)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.startBackground(ctx); err != nil {
			return err
		}

		logger.Info("MCP server started (stdio transport)")
		return server.ServeStdio(api.NewMCPServer(api.MCPDeps{Service: a.service}))
	},
}
