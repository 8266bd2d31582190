package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/channels/cli"
	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the agent from the terminal",
		Long: `Without arguments, start an interactive terminal session: each line is
a message, slash commands (/reset, /model, /status, ...) work as they do
on chat platforms, and Ctrl-C or EOF ends the session.

With a prompt argument, run a single detached turn and print the reply.`,
		Example: `  hermes chat
  hermes chat "what changed in the repo since yesterday?"
  echo "summarize this" | hermes chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeFlag(cmd)
			if len(args) > 0 {
				return runChatOnce(cmd.Context(), home, debug, strings.Join(args, " "))
			}
			return runChatInteractive(cmd.Context(), home, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runChatInteractive(ctx context.Context, home string, debug bool) error {
	rt, err := newRuntime(ctx, home, debug)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	rt.adapters.Register(cli.New(cli.Config{Logger: rt.logger}))
	if err := rt.adapters.StartAll(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = rt.adapters.StopAll(stopCtx)
	}()

	if err := rt.gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runChatOnce executes one detached turn: fresh session, prompt in,
// reply on stdout, session ended.
func runChatOnce(ctx context.Context, home string, debug bool, prompt string) error {
	rt, err := newRuntime(ctx, home, debug)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	origin := models.CLIOrigin()
	sess := &models.Session{
		ID:           uuid.NewString(),
		Source:       models.SourceCLI,
		Model:        rt.cfg.Agent.Model,
		SystemPrompt: rt.cfg.Agent.SystemPrompt,
		StartedAt:    time.Now().UTC(),
	}
	if err := rt.store.CreateSession(ctx, sess); err != nil {
		return err
	}
	defer func() {
		endCtx := context.WithoutCancel(ctx)
		_ = rt.store.EndSession(endCtx, sess.ID, models.EndReasonCompleted)
		_ = rt.sandbox.CleanupTask("cli-once")
		rt.procs.KillAll("cli-once")
	}()

	userMsg := models.Message{
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   prompt,
		Timestamp: time.Now().UTC(),
	}
	if _, err := rt.store.AppendMessage(ctx, &userMsg); err != nil {
		return err
	}

	inv := &tools.Invocation{
		TaskID:     "cli-once",
		SessionID:  sess.ID,
		Origin:     origin,
		Store:      rt.store,
		Gate:       rt.gate,
		Sandbox:    rt.sandbox,
		Procs:      rt.procs,
		Skills:     rt.skills,
		Todos:      tools.NewTodoList(),
		MemoryFile: rt.cfg.Tools.MemoryFile,
		MediaDir:   rt.cfg.Paths().MediaCacheDir,
		Logger:     rt.logger,
		Metrics:    rt.metrics,
	}
	if rt.summarizer != nil {
		inv.Summarize = rt.summarizer.Complete
	}

	result, err := rt.loop.Run(ctx, &agent.Turn{
		SessionID: sess.ID,
		Messages:  []models.Message{userMsg},
		Config: agent.Config{
			Model:           rt.cfg.Agent.Model,
			SystemPrompt:    rt.cfg.Agent.SystemPrompt,
			Toolsets:        rt.cfg.Tools.EnabledToolsets,
			MaxIterations:   rt.cfg.Agent.MaxIterations,
			ToolResultLimit: rt.cfg.Agent.ToolResultLimit,
		},
		Inv: inv,
	})
	if err != nil {
		return err
	}
	fmt.Println(result.Text)
	return nil
}
