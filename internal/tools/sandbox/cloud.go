package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"
	"github.com/google/uuid"
)

const (
	defaultCloudAPIURL = "https://app.daytona.io/api"
	cloudSourceHeader  = "hermes"
)

// Cloud delegates execution to a hosted Daytona sandbox. Persistence is
// provider-side: with persist enabled the sandbox is kept alive (the
// provider idles it automatically) and its id is recorded per task so
// the next session reattaches to the same filesystem.
type Cloud struct {
	cfg    Config
	taskID string
	api    *apiclient.APIClient
	httpc  *http.Client
	snaps  *SnapshotStore
	logger *slog.Logger

	mu        sync.Mutex
	sandboxID string
	tb        *toolbox.APIClient
	workDir   string
	cleaned   bool
}

// NewCloud builds a hosted sandbox backend for one task.
func NewCloud(cfg Config, taskID string, snaps *SnapshotStore, logger *slog.Logger) (*Cloud, error) {
	if cfg.Cloud.APIKey == "" {
		return nil, errors.New("cloud backend requires an api key")
	}
	apiURL := cfg.Cloud.APIURL
	if apiURL == "" {
		apiURL = defaultCloudAPIURL
	}
	scheme, host, basePath, err := parseBaseURL(apiURL)
	if err != nil {
		return nil, fmt.Errorf("cloud api url: %w", err)
	}

	httpc := &http.Client{}
	apiCfg := apiclient.NewConfiguration()
	apiCfg.Host = host
	apiCfg.Scheme = scheme
	apiCfg.HTTPClient = httpc
	apiCfg.AddDefaultHeader("X-Daytona-Source", cloudSourceHeader)
	apiCfg.Servers = apiclient.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	return &Cloud{
		cfg:    cfg,
		taskID: taskID,
		api:    apiclient.NewAPIClient(apiCfg),
		httpc:  httpc,
		snaps:  snaps,
		logger: logger.With("backend", "cloud", "task_id", taskID),
	}, nil
}

func (c *Cloud) authContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, c.cfg.Cloud.APIKey)
}

// ensure attaches to the recorded sandbox for this task or creates a new
// one, then prepares the toolbox client used for command execution.
func (c *Cloud) ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaned {
		return fmt.Errorf("sandbox for task %s already cleaned up", c.taskID)
	}
	if c.sandboxID != "" && c.tb != nil {
		return nil
	}

	if snap, ok := c.snaps.Get(c.taskID); ok && snap.Backend == BackendCloud && snap.SandboxID != "" {
		if err := c.ensureRunning(ctx, snap.SandboxID); err == nil {
			c.sandboxID = snap.SandboxID
		} else {
			c.logger.Warn("recorded sandbox unavailable, creating fresh", "sandbox_id", snap.SandboxID, "error", err)
			_ = c.snaps.Delete(c.taskID)
		}
	}

	if c.sandboxID == "" {
		id, err := c.createSandbox(ctx)
		if err != nil {
			return err
		}
		c.sandboxID = id
	}

	tb, err := c.toolboxClient(ctx, c.sandboxID)
	if err != nil {
		return err
	}
	c.tb = tb

	if resp, _, err := tb.InfoAPI.GetWorkDir(ctx).Execute(); err == nil && resp.GetDir() != "" {
		c.workDir = resp.GetDir()
	}
	return nil
}

func (c *Cloud) createSandbox(ctx context.Context) (string, error) {
	createReq := apiclient.NewCreateSandbox()
	createReq.SetName(fmt.Sprintf("hermes-%s-%s", sanitizeName(c.taskID), uuid.NewString()[:8]))
	if c.cfg.Cloud.Target != "" {
		createReq.SetTarget(c.cfg.Cloud.Target)
	}
	if c.cfg.Cloud.Image != "" {
		createReq.SetBuildInfo(apiclient.CreateBuildInfo{
			DockerfileContent: fmt.Sprintf("FROM %s", c.cfg.Cloud.Image),
		})
	}
	if c.cfg.Persist {
		createReq.SetAutoStopInterval(15)
	}

	c.logger.Info("creating cloud sandbox")
	sandbox, httpResp, err := c.api.SandboxAPI.CreateSandbox(c.authContext(ctx)).CreateSandbox(*createReq).Execute()
	if err != nil {
		return "", fmt.Errorf("creating cloud sandbox: %w", apiError(err, httpResp))
	}
	state := sandbox.GetState()
	if state == apiclient.SANDBOXSTATE_ERROR || state == apiclient.SANDBOXSTATE_BUILD_FAILED {
		return "", fmt.Errorf("cloud sandbox failed to start: %s", state)
	}
	id := sandbox.GetId()
	if err := c.waitStarted(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Cloud) ensureRunning(ctx context.Context, sandboxID string) error {
	sandbox, httpResp, err := c.api.SandboxAPI.GetSandbox(c.authContext(ctx), sandboxID).Execute()
	if err != nil {
		return apiError(err, httpResp)
	}
	switch sandbox.GetState() {
	case apiclient.SANDBOXSTATE_STARTED:
		return nil
	case apiclient.SANDBOXSTATE_STOPPED:
		if _, httpResp, err := c.api.SandboxAPI.StartSandbox(c.authContext(ctx), sandboxID).Execute(); err != nil {
			return apiError(err, httpResp)
		}
		return c.waitStarted(ctx, sandboxID)
	default:
		return fmt.Errorf("cloud sandbox unavailable: %s", sandbox.GetState())
	}
}

func (c *Cloud) waitStarted(ctx context.Context, sandboxID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		sandbox, httpResp, err := c.api.SandboxAPI.GetSandbox(c.authContext(ctx), sandboxID).Execute()
		if err != nil {
			return apiError(err, httpResp)
		}
		switch sandbox.GetState() {
		case apiclient.SANDBOXSTATE_STARTED:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED, apiclient.SANDBOXSTATE_DESTROYED:
			return fmt.Errorf("cloud sandbox failed: %s", sandbox.GetState())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Cloud) toolboxClient(ctx context.Context, sandboxID string) (*toolbox.APIClient, error) {
	result, httpResp, err := c.api.SandboxAPI.GetToolboxProxyUrl(c.authContext(ctx), sandboxID).Execute()
	if err != nil {
		return nil, fmt.Errorf("toolbox proxy url: %w", apiError(err, httpResp))
	}
	proxyURL := strings.TrimRight(result.GetUrl(), "/")

	scheme, host, basePath, err := parseBaseURL(proxyURL + "/" + sandboxID)
	if err != nil {
		return nil, err
	}
	tbCfg := toolbox.NewConfiguration()
	tbCfg.Host = host
	tbCfg.Scheme = scheme
	tbCfg.HTTPClient = c.httpc
	tbCfg.AddDefaultHeader("Authorization", "Bearer "+c.cfg.Cloud.APIKey)
	tbCfg.AddDefaultHeader("X-Daytona-Source", cloudSourceHeader)
	tbCfg.Servers = toolbox.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}
	return toolbox.NewAPIClient(tbCfg), nil
}

func (c *Cloud) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := c.ensure(ctx); err != nil {
		return ExecResult{}, err
	}

	command, stdin := rewriteSudo(req.Command, req.Stdin, c.cfg.SudoPassword)
	// The execute API takes a bare command string, so stdin rides in as
	// a heredoc.
	if stdin != "" {
		command = wrapHeredoc(command, stdin)
	}

	timeout := effectiveTimeout(req, c.cfg)
	execReq := toolbox.NewExecuteRequest(command)
	if req.Dir != "" {
		execReq.SetCwd(req.Dir)
	} else if c.workDir != "" {
		execReq.SetCwd(c.workDir)
	}
	execReq.SetTimeout(int32(timeout / time.Second))

	// Grace beyond the provider-side timeout so the 124 normally comes
	// from the sandbox, not the HTTP client.
	execCtx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
	defer cancel()

	resp, httpResp, err := c.tb.ProcessAPI.ExecuteCommand(execCtx).Request(*execReq).Execute()
	if err != nil {
		switch {
		case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
			return ExecResult{Output: interruptedMarker, ExitCode: ExitInterrupted}, nil
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return ExecResult{
				Output:   fmt.Sprintf("[Command timed out after %s]", timeout),
				ExitCode: ExitTimeout,
			}, nil
		}
		return ExecResult{}, fmt.Errorf("cloud execute: %w", apiError(err, httpResp))
	}

	exitCode := 0
	if resp.ExitCode != nil {
		exitCode = int(*resp.ExitCode)
	}
	return ExecResult{Output: normalizeOutput(resp.Result), ExitCode: exitCode}, nil
}

// Cleanup deletes the sandbox, or with persistence enabled records its id
// and leaves it to the provider's auto-stop.
func (c *Cloud) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaned {
		return nil
	}
	c.cleaned = true

	if c.sandboxID == "" {
		return nil
	}
	if c.cfg.Persist {
		return c.snaps.Put(Snapshot{TaskID: c.taskID, Backend: BackendCloud, SandboxID: c.sandboxID})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, httpResp, err := c.api.SandboxAPI.DeleteSandbox(c.authContext(ctx), c.sandboxID).Execute(); err != nil {
		c.logger.Warn("deleting cloud sandbox", "error", apiError(err, httpResp))
	}
	return c.snaps.Delete(c.taskID)
}

func parseBaseURL(raw string) (scheme, host, basePath string, err error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", "", "", errors.New("empty url")
	}
	if !strings.Contains(normalized, "://") {
		normalized = "https://" + normalized
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", "", "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", fmt.Errorf("invalid url: %s", raw)
	}
	return parsed.Scheme, parsed.Host, strings.TrimRight(parsed.Path, "/"), nil
}

func apiError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%s (status %s)", err.Error(), resp.Status)
}
