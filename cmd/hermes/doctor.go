package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/cron"
	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/sessions"
)

func buildDoctorCmd() *cobra.Command {
	var schema bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the installation and configuration",
		Long: `Run local health checks: config validity, provider credentials,
session database, sandbox backend prerequisites, and channel tokens.
Exits non-zero when any check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schema {
				data, err := config.JSONSchema()
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			}
			return runDoctor(cmd)
		},
	}
	cmd.Flags().BoolVar(&schema, "schema", false, "Print the config file JSON Schema and exit")
	return cmd
}

type check struct {
	name string
	ok   bool
	note string
}

func runDoctor(cmd *cobra.Command) error {
	var checks []check
	add := func(name string, ok bool, note string) {
		checks = append(checks, check{name, ok, note})
	}

	cfg, err := loadConfig(homeFlag(cmd))
	if err != nil {
		add("config", false, err.Error())
		return printChecks(checks)
	}
	add("config", true, cfg.Paths().Root)

	switch cfg.Agent.Provider {
	case "", "openrouter":
		add("provider credentials", cfg.LLM.OpenRouter.APIKey != "",
			keyNote(cfg.LLM.OpenRouter.APIKey, "OPENROUTER_API_KEY"))
	case "openai", "codex":
		add("provider credentials", cfg.LLM.OpenAI.APIKey != "",
			keyNote(cfg.LLM.OpenAI.APIKey, "OPENAI_API_KEY"))
	case "anthropic":
		add("provider credentials", cfg.LLM.Anthropic.APIKey != "",
			keyNote(cfg.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY"))
	case "google":
		add("provider credentials", cfg.LLM.Google.APIKey != "",
			keyNote(cfg.LLM.Google.APIKey, "GEMINI_API_KEY"))
	case "bedrock":
		add("provider credentials", cfg.LLM.Bedrock.Region != "",
			"region "+cfg.LLM.Bedrock.Region)
	}

	if st, err := sessions.Open(cfg.Session.DBPath, sessions.WithLogger(logging.Discard())); err != nil {
		add("session database", false, err.Error())
	} else {
		n, err := st.CountActive(cmd.Context())
		st.Close()
		if err != nil {
			add("session database", false, err.Error())
		} else {
			add("session database", true, fmt.Sprintf("%s (%d active)", cfg.Session.DBPath, n))
		}
	}

	switch cfg.Terminal.Backend {
	case "docker":
		add("sandbox backend", binaryExists("docker"), "docker binary")
	case "singularity":
		ok := binaryExists("singularity") || binaryExists("apptainer")
		add("sandbox backend", ok, "singularity/apptainer binary")
	case "ssh":
		add("sandbox backend", cfg.Terminal.SSH.Host != "", "ssh host configured")
	case "cloud", "modal":
		add("sandbox backend", cfg.Terminal.Cloud.APIKey != "", "cloud api key")
	default:
		add("sandbox backend", true, "local")
	}

	add("telegram", cfg.Channels.Telegram.Token != "", tokenNote(cfg.Channels.Telegram.Token))
	add("discord", cfg.Channels.Discord.Token != "", tokenNote(cfg.Channels.Discord.Token))
	add("slack", cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "",
		tokenNote(cfg.Channels.Slack.BotToken))

	if jobs, err := cron.OpenStore(cfg.Cron.JobsFile); err != nil {
		add("cron jobs", false, err.Error())
	} else {
		add("cron jobs", true, fmt.Sprintf("%d scheduled", len(jobs.Jobs())))
	}

	return printChecks(checks)
}

func printChecks(checks []check) error {
	failed := 0
	for _, c := range checks {
		mark := "ok"
		if !c.ok {
			mark = "FAIL"
			// Missing channel tokens are informational, not failures.
			switch c.name {
			case "telegram", "discord", "slack":
				mark = "off"
			default:
				failed++
			}
		}
		if c.note != "" {
			fmt.Printf("%-22s %-4s  %s\n", c.name, mark, c.note)
		} else {
			fmt.Printf("%-22s %s\n", c.name, mark)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func keyNote(key, envName string) string {
	if key == "" {
		return "set " + envName
	}
	return "configured"
}

func tokenNote(token string) string {
	if token == "" {
		return "not configured"
	}
	return "configured"
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
