// Package providers implements the concrete LLM backends behind the
// agent.Provider interface: raw HTTP clients for OpenRouter
// (chat-completions with extra body fields) and Codex (responses mode),
// plus SDK-backed OpenAI, Anthropic, Bedrock, and Gemini providers.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/hermes/internal/agent"
)

// maxResponseBytes bounds how much of a provider response is read; a
// runaway body should fail, not exhaust memory.
const maxResponseBytes = 32 << 20

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Minute}
}

// apiError is the error envelope shared by OpenAI-compatible surfaces.
type apiError struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

func (e *apiError) codeString() string {
	if len(e.Code) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(e.Code, &s) == nil {
		return s
	}
	return string(e.Code)
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

// postJSON marshals in, POSTs it, and decodes the body into out.
// Non-2xx statuses and transport failures come back as classified
// *agent.ProviderError values.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, provider, model string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return agent.NewProviderError(provider, model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return agent.NewProviderError(provider, model, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeHTTPError(provider, model, resp, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return agent.NewProviderError(provider, model, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeHTTPError(provider, model string, resp *http.Response, body []byte) error {
	perr := (&agent.ProviderError{Provider: provider, Model: model}).
		WithStatus(resp.StatusCode).
		WithRequestID(requestID(resp))

	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		perr.WithMessage(env.Error.Message)
		if code := env.Error.codeString(); code != "" {
			perr.WithCode(code)
		}
		return perr
	}

	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return perr.WithMessage(msg)
}

func requestID(resp *http.Response) string {
	for _, h := range []string{"X-Request-Id", "X-Request-ID", "Request-Id", "Cf-Ray"} {
		if v := resp.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}
