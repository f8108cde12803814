package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	convo "github.com/loreleaf/convo"
)

// Provider implements convo.Provider against any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported to the runtime (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient injects an http.Client (shared pools, proxies, test servers).
// Construct once and inject rather than relying on a process-wide default.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithRequestOptions applies wire-level options (temperature, top_p, ...) to
// every request.
func WithRequestOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// WithLogger sets a structured logger for request-level debug output.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// New creates an OpenAI-compatible chat provider. baseURL is the API base
// (e.g. "https://api.openai.com/v1", "http://localhost:11434/v1"); the
// /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the parsed response.
// Non-2xx statuses become *convo.ErrHTTP with any Retry-After value attached.
func (p *Provider) Chat(ctx context.Context, req convo.ChatRequest) (convo.ChatResponse, error) {
	body := BuildBody(req, p.model, p.opts...)

	payload, err := json.Marshal(body)
	if err != nil {
		return convo.ChatResponse{}, fmt.Errorf("%s: encode request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return convo.ChatResponse{}, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return convo.ChatResponse{}, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return convo.ChatResponse{}, p.httpErr(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return convo.ChatResponse{}, fmt.Errorf("%s: read response: %w", p.name, err)
	}

	var wire Response
	if err := json.Unmarshal(raw, &wire); err != nil {
		return convo.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}

	out := ParseResponse(wire)
	if p.logger != nil {
		p.logger.Debug("chat completed",
			"provider", p.name,
			"model", p.model,
			"finish", string(out.FinishReason),
			"tool_calls", len(out.Message.ToolCalls),
			"duration", time.Since(start))
	}
	return out, nil
}

// httpErr drains the error body and builds a *convo.ErrHTTP, parsing the
// Retry-After header (seconds form) when present.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &convo.ErrHTTP{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseInt(ra, 10, 64); err == nil && secs > 0 {
			e.RetryAfter = secs
		}
	}
	return e
}

// compile-time check
var _ convo.Provider = (*Provider)(nil)
