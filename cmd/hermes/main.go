// Package main is the hermes CLI: a personal agent runtime that connects
// chat platforms (Telegram, Discord, Slack, WhatsApp) and a local terminal
// to LLM providers, with sandboxed tool execution, durable sessions, and
// scheduled jobs.
//
// # Basic Usage
//
// Start the runtime with every configured channel:
//
//	hermes serve
//
// Chat from the terminal without connecting any platform:
//
//	hermes chat
//
// Inspect stored sessions:
//
//	hermes sessions list
//	hermes sessions search "deploy failure"
//
// Manage scheduled jobs:
//
//	hermes cron list
//	hermes cron add --name standup --schedule "every 1 days" --prompt "Summarize yesterday"
//
// # Environment Variables
//
//   - HERMES_HOME: state root (default ~/.hermes)
//   - OPENROUTER_API_KEY / OPENAI_API_KEY / ANTHROPIC_API_KEY: provider keys
//   - TELEGRAM_BOT_TOKEN, DISCORD_BOT_TOKEN: platform bot tokens
//   - SLACK_BOT_TOKEN, SLACK_APP_TOKEN: Slack Socket Mode credentials
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "hermes",
		Short:         "Personal agent runtime bridging chat platforms and LLMs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("home", "H", "",
		"State root directory (default $HERMES_HOME or ~/.hermes)")

	root.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildSessionsCmd(),
		buildCronCmd(),
		buildDoctorCmd(),
		buildVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hermes %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// homeFlag reads the persistent --home flag off any command.
func homeFlag(cmd *cobra.Command) string {
	home, _ := cmd.Flags().GetString("home")
	if home == "" {
		home, _ = cmd.Root().PersistentFlags().GetString("home")
	}
	return home
}
