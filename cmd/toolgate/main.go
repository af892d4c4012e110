// Package main provides the CLI entry point for the toolgate websocket gateway.
//
// toolgate streams LLM answers to a websocket client while narrowing the MCP
// tool inventory to the tools relevant for each turn.
//
// # Basic Usage
//
// Start the server:
//
//	toolgate serve --config toolgate.yaml
//
// Talk to a running server:
//
//	toolgate chat --url ws://localhost:8000/ws/connect
//
// Inspect the tool cache:
//
//	toolgate tools select "what is the weather in Paris"
//	toolgate cache stats
//
// # Environment Variables
//
//   - TOOLGATE_CONFIG: Path to configuration file (default: toolgate.yaml)
//   - GEMINI_API_KEY: used for llm.api_key and embeddings.api_key when unset
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY: used by the matching providers when unset
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "toolgate - streaming LLM gateway with semantic tool selection",
		Long: `toolgate serves a websocket endpoint that streams model answers as typed parts
(text, reasoning, tool calls) and hands the model only the MCP tools that match
the conversation. The model can ask for more with the retrieve_tools tool.

Documentation: https://github.com/haasonsaas/toolgate`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildToolsCmd(),
		buildCacheCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
