package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	logLevel  string
)

func main() {
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatctl",
		Short: "Developer client for the realtime chat server",
		Long: `chatctl mints development tokens and talks to a running chat server
over the persistent channel or the polling fallback.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CHAT_SERVER_URL", "http://localhost:8080"), "Chat server base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Client log level")

	rootCmd.AddCommand(
		buildTokenCmd(),
		buildChatCmd(),
		buildPollCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
