package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/airelay/router/api"
	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/failover"
	"github.com/airelay/router/llm/relay"
	"github.com/airelay/router/llm/router"
	"github.com/airelay/router/types"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandler serves chat completions through the router core: analysis,
// provider selection, failover, and response normalization all happen
// behind relay.Service.
type ChatHandler struct {
	svc    *relay.Service
	logger *zap.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(svc *relay.Service, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		svc:    svc,
		logger: logger,
	}
}

// HandleCompletion 处理聊天补全请求
// @Summary 聊天完成
// @Description 发送聊天完成请求；stream=true 时切换到 SSE 流式输出
// @Tags 聊天
// @Accept json
// @Produce json
// @Success 200 {object} Response "归一化响应封套"
// @Failure 400 {object} Response "无效请求"
// @Failure 503 {object} Response "无可用 Provider"
// @Security ApiKeyAuth
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req types.Request
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, &req)
		return
	}

	start := time.Now()
	env, err := h.svc.Route(r.Context(), &req)
	if err != nil {
		h.writeRoutingError(w, err)
		return
	}

	h.logger.Info("chat completion",
		zap.String("request_id", req.ID),
		zap.String("model", req.Model),
		zap.String("provider", env.Provider),
		zap.Int("tool_calls", len(env.ToolCalls)),
		zap.Duration("duration", time.Since(start)),
	)

	WriteSuccess(w, env)
}

// streamCompletion 处理流式聊天请求
func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, req *types.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	chunks, final, err := h.svc.RouteStream(r.Context(), req)
	if err != nil {
		h.writeRoutingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	for chunk := range chunks {
		if chunk.Err != nil {
			h.logger.Error("stream error", zap.Error(chunk.Err))
			// 使用 json.Marshal 转义错误消息，防止 JSON 注入
			errPayload, _ := json.Marshal(map[string]string{"error": chunk.Err.Message})
			_, _ = w.Write([]byte("event: error\ndata: "))
			_, _ = w.Write(errPayload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		_, _ = w.Write([]byte("data: "))
		if err := json.NewEncoder(w).Encode(h.toAPIStreamChunk(&chunk)); err != nil {
			h.logger.Error("failed to write chunk", zap.Error(err))
			return
		}
		_, _ = w.Write([]byte("\n"))
		flusher.Flush()
	}

	// The normalized envelope arrives after the stream drains: tool calls
	// and extracted reasoning live here, not in the text chunks.
	if env := <-final; env != nil {
		_, _ = w.Write([]byte("event: envelope\ndata: "))
		if err := json.NewEncoder(w).Encode(env); err != nil {
			h.logger.Error("failed to write envelope", zap.Error(err))
			return
		}
		_, _ = w.Write([]byte("\n"))
		flusher.Flush()
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// validateChatRequest 验证聊天请求
func (h *ChatHandler) validateChatRequest(req *types.Request) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	return nil
}

// writeRoutingError 处理路由/故障转移错误
func (h *ChatHandler) writeRoutingError(w http.ResponseWriter, err error) {
	var nce *router.NoCandidateError
	if errors.As(err, &nce) {
		WriteError(w, types.NewError(types.ErrProviderUnavailable, nce.Error()).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true), h.logger)
		return
	}

	var agg *failover.AggregateError
	if errors.As(err, &agg) {
		apiErr := types.NewError(types.ErrUpstreamError, agg.Error()).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true).
			WithCause(agg.LastCause)
		WriteError(w, apiErr, h.logger)
		return
	}

	if errors.Is(err, failover.ErrCancelled) {
		WriteError(w, types.NewError(types.ErrTimeout, "request cancelled").
			WithHTTPStatus(http.StatusGatewayTimeout), h.logger)
		return
	}

	var typed *types.Error
	if errors.As(err, &typed) {
		WriteError(w, typed, h.logger)
		return
	}

	WriteError(w, types.NewError(types.ErrInternalError, "provider error").
		WithCause(err), h.logger)
}

// toAPIStreamChunk 转换流式块
func (h *ChatHandler) toAPIStreamChunk(chunk *llm.StreamChunk) *api.StreamChunk {
	out := &api.StreamChunk{
		ID:       chunk.ID,
		Provider: chunk.Provider,
		Model:    chunk.Model,
		Index:    chunk.Index,
		Delta: api.Message{
			Role:       string(chunk.Delta.Role),
			Content:    chunk.Delta.Content,
			Name:       chunk.Delta.Name,
			ToolCallID: chunk.Delta.ToolCallID,
		},
		FinishReason: chunk.FinishReason,
	}
	for _, tc := range chunk.Delta.ToolCalls {
		out.Delta.ToolCalls = append(out.Delta.ToolCalls, api.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	if chunk.Usage != nil {
		out.Usage = &api.ChatUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out
}
