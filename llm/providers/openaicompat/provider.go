// =============================================================================
// OpenAI-Compatible Provider Base
// =============================================================================
// Shared implementation for OpenAI-wire-compatible upstreams. The OpenAI
// adapter embeds this and overrides what differs; instantiated directly it
// serves any compatible endpoint (Groq, Fireworks, OpenRouter, vLLM, ...).
// =============================================================================

package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/airelay/router/internal/tlsutil"
	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/analyzer"
	"github.com/airelay/router/llm/middleware"
	"github.com/airelay/router/llm/providers"
	"github.com/airelay/router/types"
)

// DefaultCapabilities is what a generic OpenAI-compatible endpoint is
// assumed to support unless configured otherwise.
var DefaultCapabilities = llm.ProviderCapabilities{
	Tools:           true,
	Streaming:       true,
	SystemMessages:  true,
	Temperature:     true,
	TopP:            true,
	MaxTokens:       128000,
	MaxOutputTokens: 16384,
}

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier for this provider.
	ProviderName string

	// DisplayName is the human-readable name; defaults to ProviderName.
	DisplayName string

	// APIKey authenticates against the upstream.
	APIKey string

	// BaseURL is the upstream's base URL (e.g. "https://api.groq.com").
	BaseURL string

	// DefaultModel is used when the request names no model.
	DefaultModel string

	// FallbackModel is used when both request and DefaultModel are empty.
	FallbackModel string

	// Timeout is the HTTP client timeout. Defaults to 30s.
	Timeout time.Duration

	// EndpointPath is the chat completions path. Defaults to
	// "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint is the models list path. Defaults to "/v1/models".
	ModelsEndpoint string

	// AuthHeaderName overrides the auth header; empty means
	// "Authorization: Bearer <key>".
	AuthHeaderName string

	// BuildHeaders optionally replaces default header construction.
	BuildHeaders func(r *resty.Request, apiKey string)

	// RequestHook optionally mutates the wire body before sending, for
	// provider-specific fields.
	RequestHook func(req *types.Request, body *providers.OpenAICompatRequest)

	// Routing surface.
	Priority     int
	Enabled      *bool
	Capabilities *llm.ProviderCapabilities
	RateLimits   providers.RateLimits
}

// Provider is the base adapter for OpenAI-compatible upstreams.
type Provider struct {
	*providers.Base

	Cfg           Config
	Client        *resty.Client
	Logger        *zap.Logger
	RewriterChain *middleware.RewriterChain
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// New creates an OpenAI-compatible provider with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.ProviderName
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	caps := DefaultCapabilities
	if cfg.Capabilities != nil {
		caps = *cfg.Capabilities
	}
	enabled := cfg.Enabled == nil || *cfg.Enabled

	client := resty.NewWithClient(tlsutil.SecureHTTPClient(timeout)).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json")

	return &Provider{
		Base: providers.NewBase(providers.Identity{
			ID:          cfg.ProviderName,
			DisplayName: cfg.DisplayName,
			Priority:    cfg.Priority,
			Enabled:     enabled,
		}, caps, cfg.RateLimits),
		Cfg:    cfg,
		Client: client,
		Logger: logger,
		RewriterChain: middleware.NewRewriterChain(
			middleware.NewEmptyToolsCleaner(),
		),
	}
}

// SetBuildHeaders installs a custom header builder.
func (p *Provider) SetBuildHeaders(fn func(r *resty.Request, apiKey string)) {
	p.Cfg.BuildHeaders = fn
}

// applyHeaders sets auth (and any custom) headers on the request.
func (p *Provider) applyHeaders(r *resty.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(r, apiKey)
		return
	}
	if p.Cfg.AuthHeaderName != "" {
		r.SetHeader(p.Cfg.AuthHeaderName, apiKey)
		return
	}
	r.SetHeader("Authorization", "Bearer "+apiKey)
}

// resolveAPIKey returns the API key, honoring a per-request override.
func (p *Provider) resolveAPIKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if strings.TrimSpace(c.APIKey) != "" {
			return strings.TrimSpace(c.APIKey)
		}
	}
	return p.Cfg.APIKey
}

// CanHandle implements the admission check over the shared base.
func (p *Provider) CanHandle(req *types.Request) bool {
	return p.CanHandleWith(req, providers.HasCredentials(p.Cfg.APIKey))
}

// buildBody assembles the wire request after the rewriter chain ran.
func (p *Provider) buildBody(req *types.Request, stream bool) providers.OpenAICompatRequest {
	body := providers.OpenAICompatRequest{
		Model:       providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel),
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		Tools:       providers.ConvertToolsToOpenAI(req.Tools),
		ToolChoice:  providers.ConvertToolChoiceToOpenAI(req.ToolChoice),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if p.Cfg.RequestHook != nil {
		p.Cfg.RequestHook(req, &body)
	}
	return body
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *types.Request) (*llm.ChatResponse, error) {
	rewritten, err := p.RewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.ID(),
		}
	}
	req = rewritten

	if err := p.CheckRateLimit(analyzer.EstimateTokens(req)); err != nil {
		return nil, err
	}

	start := time.Now()
	r := p.Client.R().SetContext(ctx).SetBody(p.buildBody(req, false))
	p.applyHeaders(r, p.resolveAPIKey(ctx))

	resp, err := r.Post(p.Cfg.EndpointPath)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
		}
	}
	if resp.StatusCode() >= 400 {
		msg := providers.ReadErrorMessage(strings.NewReader(string(resp.Body())))
		return nil, providers.MapHTTPError(resp.StatusCode(), msg, p.ID())
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.Unmarshal(resp.Body(), &oaResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
		}
	}

	result := providers.ToLLMChatResponse(oaResp, p.ID())
	result.ResponseTime = time.Since(start)
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req *types.Request) (<-chan llm.StreamChunk, error) {
	rewritten, err := p.RewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.ID(),
		}
	}
	req = rewritten

	if err := p.CheckRateLimit(analyzer.EstimateTokens(req)); err != nil {
		return nil, err
	}

	r := p.Client.R().SetContext(ctx).
		SetBody(p.buildBody(req, true)).
		SetDoNotParseResponse(true)
	p.applyHeaders(r, p.resolveAPIKey(ctx))

	resp, err := r.Post(p.Cfg.EndpointPath)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
		}
	}

	body := resp.RawBody()
	if resp.StatusCode() >= 400 {
		defer providers.SafeCloseBody(body)
		msg := providers.ReadErrorMessage(body)
		return nil, providers.MapHTTPError(resp.StatusCode(), msg, p.ID())
	}

	return StreamSSE(ctx, body, p.ID()), nil
}

// HealthCheck pings the models endpoint; a full check issues a one-token
// completion through the real request path.
func (p *Provider) HealthCheck(ctx context.Context, full bool) (*llm.HealthStatus, error) {
	start := time.Now()

	if full {
		probe := &types.Request{
			Model:     providers.ChooseModel(nil, p.Cfg.DefaultModel, p.Cfg.FallbackModel),
			Messages:  []types.Message{types.NewUserMessage("ping")},
			MaxTokens: 1,
		}
		_, err := p.Completion(ctx, probe)
		status := p.healthFrom(start, err)
		p.RecordHealth(status)
		if err != nil {
			return status, err
		}
		return status, nil
	}

	r := p.Client.R().SetContext(ctx)
	p.applyHeaders(r, p.Cfg.APIKey)
	resp, err := r.Get(p.Cfg.ModelsEndpoint)
	if err == nil && resp.StatusCode() >= 400 {
		err = fmt.Errorf("%s health check failed: status=%d", p.ID(), resp.StatusCode())
	}
	status := p.healthFrom(start, err)
	p.RecordHealth(status)
	if err != nil {
		return status, err
	}
	return status, nil
}

func (p *Provider) healthFrom(start time.Time, err error) *llm.HealthStatus {
	status := &llm.HealthStatus{
		Status:       llm.HealthHealthy,
		ResponseTime: time.Since(start),
		LastCheck:    time.Now(),
	}
	if err != nil {
		status.Status = llm.HealthUnhealthy
		status.ErrorMessage = err.Error()
	}
	return status
}

// Cleanup releases idle transport connections.
func (p *Provider) Cleanup() error {
	p.Client.GetClient().CloseIdleConnections()
	return nil
}

// ListModels returns the upstream's model list.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	r := p.Client.R().SetContext(ctx)
	p.applyHeaders(r, p.resolveAPIKey(ctx))
	resp, err := r.Get(p.Cfg.ModelsEndpoint)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
		}
	}
	if resp.StatusCode() >= 400 {
		msg := providers.ReadErrorMessage(strings.NewReader(string(resp.Body())))
		return nil, providers.MapHTTPError(resp.StatusCode(), msg, p.ID())
	}
	var modelsResp struct {
		Object string      `json:"object"`
		Data   []llm.Model `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &modelsResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
		}
	}
	return modelsResp.Data, nil
}

// StreamSSE parses an SSE stream from an OpenAI-compatible API into
// StreamChunks. The caller must have verified the response status.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerID string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
						return
					case ch <- llm.StreamChunk{Err: &llm.Error{
						Code: llm.ErrUpstreamError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerID,
					}}:
					}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var oaResp providers.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{Err: &llm.Error{
					Code: llm.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerID,
				}}:
				}
				return
			}

			for _, choice := range oaResp.Choices {
				chunk := llm.StreamChunk{
					ID:           oaResp.ID,
					Provider:     providerID,
					Model:        oaResp.Model,
					Index:        choice.Index,
					FinishReason: choice.FinishReason,
					Delta: llm.Message{
						Role: llm.RoleAssistant,
					},
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
					if len(choice.Delta.ToolCalls) > 0 {
						chunk.Delta.ToolCalls = make([]llm.ToolCall, 0, len(choice.Delta.ToolCalls))
						for _, tc := range choice.Delta.ToolCalls {
							chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, llm.ToolCall{
								ID:        tc.ID,
								Name:      tc.Function.Name,
								Arguments: tc.Function.Arguments,
							})
						}
					}
				}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
		}
	}()
	return ch
}
