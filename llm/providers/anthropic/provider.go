package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/airelay/router/internal/tlsutil"
	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/analyzer"
	"github.com/airelay/router/llm/middleware"
	"github.com/airelay/router/llm/providers"
	"github.com/airelay/router/types"
)

const (
	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultVersion is the anthropic-version header value.
	DefaultVersion = "2023-06-01"

	messagesPath = "/v1/messages"
)

// defaultCapabilities reflects the Claude family: thinking, vision, and
// tools with a large context window.
var defaultCapabilities = llm.ProviderCapabilities{
	Thinking:        true,
	Vision:          true,
	Tools:           true,
	Streaming:       true,
	SystemMessages:  true,
	Temperature:     true,
	TopP:            true,
	MaxTokens:       200000,
	MaxOutputTokens: 8192,
}

// ClaudeProvider adapts the Anthropic Messages API.
type ClaudeProvider struct {
	*providers.Base

	cfg      providers.ClaudeConfig
	baseURL  string
	version  string
	client   *http.Client
	logger   *zap.Logger
	rewriter *middleware.RewriterChain
}

// Compile-time interface check.
var _ llm.Provider = (*ClaudeProvider)(nil)

// NewClaudeProvider creates the Claude adapter.
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	version := cfg.AnthropicVersion
	if version == "" {
		version = DefaultVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ident := cfg.Identity("anthropic")
	if cfg.DisplayName == "" {
		ident.DisplayName = "Anthropic Claude"
	}

	return &ClaudeProvider{
		Base:     providers.NewBase(ident, cfg.ResolveCapabilities(defaultCapabilities), cfg.RateLimits),
		cfg:      cfg,
		baseURL:  strings.TrimRight(baseURL, "/"),
		version:  version,
		client:   tlsutil.SecureHTTPClient(timeout),
		logger:   logger,
		rewriter: middleware.NewRewriterChain(middleware.NewEmptyToolsCleaner()),
	}
}

// CanHandle implements the admission check over the shared base.
func (p *ClaudeProvider) CanHandle(req *types.Request) bool {
	return p.CanHandleWith(req, providers.HasCredentials(p.cfg.APIKey))
}

// --- Messages API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature,omitempty"`
	TopP        float32            `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  any                `json:"tool_choice,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	// type=text
	Text string `json:"text,omitempty"`

	// type=image
	Source *anthropicImageSource `json:"source,omitempty"`

	// type=tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type=tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      *anthropicUsage  `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// buildRequest translates the router request into the Messages API shape.
// System-role messages are concatenated into the top-level system field.
func (p *ClaudeProvider) buildRequest(req *types.Request, stream bool) anthropicRequest {
	var system []string
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue

		case types.RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		blocks := make([]anthropicBlock, 0, len(m.Parts)+len(m.ToolCalls)+1)
		if m.Content != "" {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
		}
		for _, part := range m.Parts {
			switch part.Type {
			case types.ContentPartText:
				blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
			case types.ContentPartImageURL:
				if part.ImageURL != nil {
					blocks = append(blocks, anthropicBlock{
						Type:   "image",
						Source: &anthropicImageSource{Type: "url", URL: part.ImageURL.URL},
					})
				}
			}
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropicBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    string(m.Role),
			Content: blocks,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.Capabilities().MaxOutputTokens
		if maxTokens <= 0 {
			maxTokens = 4096
		}
	}

	body := anthropicRequest{
		Model:       providers.ChooseModel(req, p.cfg.Model, "claude-sonnet-4-20250514"),
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	body.ToolChoice = convertToolChoice(req.ToolChoice)

	return body
}

// convertToolChoice maps the tool_choice union onto Anthropic's shape.
func convertToolChoice(tc types.ToolChoice) any {
	switch tc.Mode {
	case types.ToolChoiceAuto:
		return map[string]any{"type": "auto"}
	case types.ToolChoiceRequired:
		return map[string]any{"type": "any"}
	case types.ToolChoiceFunction:
		return map[string]any{"type": "tool", "name": tc.FunctionName}
	default:
		// "none" is expressed by omitting tools; unset stays absent.
		return nil
	}
}

func (p *ClaudeProvider) resolveAPIKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if strings.TrimSpace(c.APIKey) != "" {
			return strings.TrimSpace(c.APIKey)
		}
	}
	return p.cfg.APIKey
}

func (p *ClaudeProvider) setHeaders(httpReq *http.Request, apiKey string) {
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", p.version)
	httpReq.Header.Set("Content-Type", "application/json")
}

// Completion performs a non-streaming Messages API call.
func (p *ClaudeProvider) Completion(ctx context.Context, req *types.Request) (*llm.ChatResponse, error) {
	rewritten, err := p.rewriter.Execute(ctx, req)
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

	payload, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+messagesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	p.setHeaders(httpReq, p.resolveAPIKey(ctx))

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.ID())
	}

	var aResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
		}
	}

	result := p.toChatResponse(aResp)
	result.ResponseTime = time.Since(start)
	return result, nil
}

// toChatResponse folds the content blocks into one assistant message:
// text concatenated, tool_use blocks as tool calls.
func (p *ClaudeProvider) toChatResponse(aResp anthropicResponse) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, block := range aResp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "thinking":
			// Re-tag native thinking so the prettifier extracts it the
			// same way as inline markup.
			msg.Content += "<thinking>" + block.Text + "</thinking>"
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	resp := &llm.ChatResponse{
		ID:       aResp.ID,
		Provider: p.ID(),
		Model:    aResp.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: mapStopReason(aResp.StopReason),
			Message:      msg,
		}},
		CreatedAt: time.Now(),
	}
	if aResp.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     aResp.Usage.InputTokens,
			CompletionTokens: aResp.Usage.OutputTokens,
			TotalTokens:      aResp.Usage.InputTokens + aResp.Usage.OutputTokens,
		}
	}
	return resp
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// --- streaming ---

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	ContentBlock *anthropicBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Message *anthropicResponse `json:"message,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
}

// Stream performs a streaming Messages API call, translating Anthropic's
// event stream into the router's chunk shape.
func (p *ClaudeProvider) Stream(ctx context.Context, req *types.Request) (<-chan llm.StreamChunk, error) {
	rewritten, err := p.rewriter.Execute(ctx, req)
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

	payload, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+messagesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	p.setHeaders(httpReq, p.resolveAPIKey(ctx))
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.ID())
	}

	ch := make(chan llm.StreamChunk)
	go p.consumeStream(ctx, resp, req.Model, ch)
	return ch, nil
}

func (p *ClaudeProvider) consumeStream(ctx context.Context, resp *http.Response, model string, ch chan<- llm.StreamChunk) {
	defer resp.Body.Close()
	defer close(ch)

	send := func(chunk llm.StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case ch <- chunk:
			return true
		}
	}

	scanner := newSSEScanner(resp.Body)
	var currentTool *llm.ToolCall
	var toolArgs strings.Builder

	for scanner.Scan() {
		data := scanner.Data()
		if data == "" {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			send(llm.StreamChunk{Err: &llm.Error{
				Code: llm.ErrUpstreamError, Message: err.Error(),
				HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.ID(),
			}})
			return
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				currentTool = &llm.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				toolArgs.Reset()
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if !send(llm.StreamChunk{
					Provider: p.ID(),
					Model:    model,
					Delta:    llm.Message{Role: llm.RoleAssistant, Content: ev.Delta.Text},
				}) {
					return
				}
			case "input_json_delta":
				toolArgs.WriteString(ev.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.Arguments = json.RawMessage(toolArgs.String())
				chunk := llm.StreamChunk{
					Provider: p.ID(),
					Model:    model,
					Delta: llm.Message{
						Role:      llm.RoleAssistant,
						ToolCalls: []llm.ToolCall{*currentTool},
					},
				}
				currentTool = nil
				if !send(chunk) {
					return
				}
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				if !send(llm.StreamChunk{
					Provider:     p.ID(),
					Model:        model,
					FinishReason: mapStopReason(ev.Delta.StopReason),
					Delta:        llm.Message{Role: llm.RoleAssistant},
				}) {
					return
				}
			}

		case "message_stop":
			return
		}
	}
}

// HealthCheck pings the Messages API. The light check sends an invalid
// minimal body and accepts any status below 500 other than 401 and 403 as
// "reachable and authenticated"; the full check issues a real one-token
// completion.
func (p *ClaudeProvider) HealthCheck(ctx context.Context, full bool) (*llm.HealthStatus, error) {
	start := time.Now()

	if full {
		probe := &types.Request{
			Model:     providers.ChooseModel(nil, p.cfg.Model, "claude-sonnet-4-20250514"),
			Messages:  []types.Message{types.NewUserMessage("ping")},
			MaxTokens: 1,
		}
		_, err := p.Completion(ctx, probe)
		status := p.healthFrom(start, err)
		p.RecordHealth(status)
		return status, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+messagesPath, strings.NewReader("{}"))
	if err != nil {
		status := p.healthFrom(start, err)
		p.RecordHealth(status)
		return status, err
	}
	p.setHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			err = fmt.Errorf("anthropic health check failed: status=%d", resp.StatusCode)
		} else if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			err = fmt.Errorf("anthropic health check failed: authentication rejected (status=%d)", resp.StatusCode)
		}
	}
	status := p.healthFrom(start, err)
	p.RecordHealth(status)
	return status, err
}

func (p *ClaudeProvider) healthFrom(start time.Time, err error) *llm.HealthStatus {
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
func (p *ClaudeProvider) Cleanup() error {
	p.client.CloseIdleConnections()
	return nil
}
