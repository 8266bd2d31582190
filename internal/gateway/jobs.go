package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/cron"
	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/pkg/models"
)

// RunJob executes a scheduled job's prompt as a fresh, isolated agent
// session with the full tool surface. The session never mixes with the
// job origin's interactive conversation; its sandbox is scoped to the
// job and torn down afterwards.
func (g *Gateway) RunJob(ctx context.Context, job *cron.Job) (string, error) {
	taskID := "cron-" + job.ID

	sess := &models.Session{
		ID:           uuid.NewString(),
		Source:       models.SourceCron,
		Model:        g.cfg.Agent.Model,
		SystemPrompt: g.cfg.Agent.SystemPrompt,
		StartedAt:    time.Now().UTC(),
	}
	if job.Origin != nil {
		sess.UserID = job.Origin.UserID
	}
	if err := g.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("creating job session: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if err := g.store.EndSession(cleanupCtx, sess.ID, models.EndReasonCompleted); err != nil {
			g.logger.Warn("job session not ended", "session", sess.ID, "error", err)
		}
		if g.sandbox != nil {
			if err := g.sandbox.CleanupTask(taskID); err != nil {
				g.logger.Warn("job sandbox cleanup failed", "task", taskID, "error", err)
			}
		}
		if g.procs != nil {
			g.procs.KillAll(taskID)
		}
	}()

	userMsg := models.Message{
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   job.Prompt,
		Timestamp: time.Now().UTC(),
	}
	if _, err := g.store.AppendMessage(ctx, &userMsg); err != nil {
		return "", fmt.Errorf("persisting job prompt: %w", err)
	}

	inv := &tools.Invocation{
		TaskID:     taskID,
		ConvKey:    taskID,
		SessionID:  sess.ID,
		Store:      g.store,
		Gate:       g.gate,
		Sandbox:    g.sandbox,
		Procs:      g.procs,
		Skills:     g.skills,
		Todos:      tools.NewTodoList(),
		Send:       g.SendTo,
		Summarize:  g.summarize,
		MemoryFile: g.cfg.Tools.MemoryFile,
		MediaDir:   g.cfg.Paths().MediaCacheDir,
		Logger:     g.logger.With("job", job.ID),
		Metrics:    g.metrics,

		// Unattended runs cannot ask anyone; dangerous commands wait on
		// the gate and deny at timeout.
		OnApprovalPrompt: func(context.Context, *approval.Pending) {},
	}
	if job.Origin != nil {
		inv.Origin = *job.Origin
	}

	cfg := agent.Config{
		Model:           g.cfg.Agent.Model,
		SystemPrompt:    g.cfg.Agent.SystemPrompt,
		Toolsets:        g.cfg.Tools.EnabledToolsets,
		MaxIterations:   g.cfg.Agent.MaxIterations,
		ToolResultLimit: g.cfg.Agent.ToolResultLimit,
	}

	result, err := g.loop.Run(ctx, &agent.Turn{
		SessionID: sess.ID,
		Messages:  []models.Message{userMsg},
		Config:    cfg,
		Inv:       inv,
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
