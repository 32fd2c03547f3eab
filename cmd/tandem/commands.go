package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/config"
)

var version = "dev"

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tandem",
		Short:         "Local-first conversational agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(buildChatCmd(), buildCompactCmd(), buildVersionCmd())
	return cmd
}

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionKey string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Turns are answered by the local model when possible; code-heavy or
uncertain turns escalate to the configured remote backend. History is
persisted per session key when a sessions path is configured.`,
		Example: `  # Chat with the default session
  tandem chat

  # Separate work session with a custom config
  tandem chat --config work.yaml --session work`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			return runChat(cmd.Context(), cfg, sessionKey)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "default", "Session key")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildCompactCmd() *cobra.Command {
	var (
		configPath  string
		maxAgeDays  int
		maxMessages int
	)
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Prune old messages from the session store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runCompact(cmd.Context(), cfg, maxAgeDays, maxMessages)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "Delete messages older than this many days")
	cmd.Flags().IntVar(&maxMessages, "max-messages", 0, "Keep at most this many messages per session")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tandem", version)
		},
	}
}

// loadConfig resolves the config path from the flag, TANDEM_CONFIG, or
// ./tandem.yaml, falling back to defaults when no file exists.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("TANDEM_CONFIG")
	}
	if path == "" {
		path = "tandem.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}
