package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultChatURL = "ws://localhost:8000/ws/connect"

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket gateway",
		Long: `Start the gateway with the given configuration.

The server will:
1. Connect to the configured MCP servers
2. Open the vector index and the embedding provider
3. Serve the websocket endpoint, /metrics and /healthz
4. Warm the durable tool cache on cache.warm_schedule, when set

Shuts down gracefully on SIGINT or SIGTERM.`,
		Example: `  # Start with the default config
  toolgate serve

  # Start with a custom config and debug logging
  toolgate serve --config /etc/toolgate/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// buildChatCmd creates the "chat" command, an interactive websocket client.
func buildChatCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running gateway",
		Long: `Connect to a running gateway and answer its message prompts from stdin.

Streamed parts are printed as they arrive. Type "quit" or send EOF to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), url, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", defaultChatURL, "Websocket URL of the gateway")
	return cmd
}

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool inventory and selection",
	}
	cmd.AddCommand(buildToolsListCmd(), buildToolsSelectCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List MCP and built-in tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildToolsSelectCmd() *cobra.Command {
	var (
		configPath string
		threshold  float64
		fallbackK  int
	)
	cmd := &cobra.Command{
		Use:   "select <query>",
		Short: "Show which tools a query selects",
		Long: `Embed the current inventory into a scratch session collection, run the
selection for query and print the candidates with their distances.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsSelect(cmd, configPath, args[0], threshold, fallbackK)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Distance threshold (default: selection.chat_threshold)")
	cmd.Flags().IntVar(&fallbackK, "fallback", -1, "Fallback count (default: selection.fallback_k)")
	return cmd
}

// buildCacheCmd creates the "cache" command group.
func buildCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the durable tool cache",
	}
	cmd.AddCommand(buildCacheWarmCmd(), buildCacheStatsCmd())
	return cmd
}

func buildCacheWarmCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Embed the MCP inventory into the durable collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheWarm(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildCacheStatsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print record counts per collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheStats(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "toolgate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
