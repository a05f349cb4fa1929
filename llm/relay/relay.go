// Package relay ties the router core together: analyze, select a provider,
// invoke it, fail over on error, and prettify the winning response into the
// normalized envelope handed back to the host.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/airelay/router/internal/pool"
	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/failover"
	"github.com/airelay/router/llm/prettifier"
	"github.com/airelay/router/llm/router"
	"github.com/airelay/router/types"
)

const tracerName = "github.com/airelay/router/llm/relay"

// pctxPool recycles non-streaming processing contexts; the prettify path
// allocates one per request and their lifetime ends inside prettify.
var pctxPool = pool.NewPool(
	func() *prettifier.ProcessingContext {
		return &prettifier.ProcessingContext{}
	},
	func(p **prettifier.ProcessingContext) {
		**p = prettifier.ProcessingContext{}
	},
)

// Service is the router-to-host surface.
type Service struct {
	engine     *router.Engine
	failover   *failover.Manager
	prettifier *prettifier.Prettifier
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New assembles the relay from its three subsystems.
func New(engine *router.Engine, fm *failover.Manager, p *prettifier.Prettifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:     engine,
		failover:   fm,
		prettifier: p,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// Engine returns the underlying routing engine.
func (s *Service) Engine() *router.Engine { return s.engine }

// Failover returns the underlying failover manager.
func (s *Service) Failover() *failover.Manager { return s.failover }

// Route serves one request end to end and returns the normalized envelope.
//
// Client and permanent provider errors surface unwrapped; transient errors
// drive failover across the remaining providers. Prettifier errors never
// fail the request: the raw payload is returned in a minimal envelope.
func (s *Service) Route(ctx context.Context, req *types.Request) (*prettifier.Envelope, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx, span := s.tracer.Start(ctx, "relay.Route",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("request.model", req.Model),
		))
	defer span.End()

	sel, err := s.selectGated(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("routing.provider_id", sel.Provider.ID()),
		attribute.String("routing.decision", sel.Decision),
	)

	start := time.Now()
	resp, elapsed, err := s.invoke(ctx, sel.Provider, req)
	if err != nil {
		span.AddEvent("primary provider failed",
			trace.WithAttributes(attribute.String("provider_id", sel.Provider.ID())))
		s.logger.Warn("primary provider failed, entering failover",
			zap.String("request_id", req.ID),
			zap.String("provider_id", sel.Provider.ID()),
			zap.Error(err))

		// The primary attempt seeds the failover log so attempt counts
		// and aggregate errors include it.
		resp, err = s.failover.HandleFailoverAfter(ctx, req, failover.Attempt{
			ProviderID:   sel.Provider.ID(),
			ProviderName: sel.Provider.DisplayName(),
			StartTime:    start,
			Duration:     elapsed,
		}, err)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	} else {
		resp.SetMeta("routing_decision", sel.Decision)
	}

	return s.prettify(req, resp), nil
}

// selectGated picks a provider, consulting the circuit breaker bank before
// the transport is touched. An OPEN breaker removes the provider from
// contention; a breaker whose reopen timer expired admits this call as its
// half-open probe.
func (s *Service) selectGated(req *types.Request) (*router.Selection, error) {
	var exclude []string
	for {
		sel, err := s.engine.SelectProvider(req, exclude)
		if err != nil {
			return nil, err
		}
		if s.failover.Breakers().Allow(sel.Provider.ID()) {
			return sel, nil
		}
		s.logger.Info("skipping provider with open circuit",
			zap.String("request_id", req.ID),
			zap.String("provider_id", sel.Provider.ID()))
		exclude = append(exclude, sel.Provider.ID())
	}
}

// invoke calls the provider, records the outcome into breaker and
// performance state, and stamps the response with timing.
func (s *Service) invoke(ctx context.Context, p llm.Provider, req *types.Request) (*llm.ChatResponse, time.Duration, error) {
	callCtx := ctx
	if req.Metadata.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Metadata.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.Completion(callCtx, req)
	elapsed := time.Since(start)

	s.failover.RecordOutcome(p.ID(), elapsed, err)

	if err != nil {
		return nil, elapsed, err
	}
	if resp.Provider == "" {
		resp.Provider = p.ID()
	}
	if resp.ResponseTime == 0 {
		resp.ResponseTime = elapsed
	}
	return resp, elapsed, nil
}

// prettify runs the response through the prettifier, merging any structured
// tool calls the provider already parsed and the failover metadata.
func (s *Service) prettify(req *types.Request, resp *llm.ChatResponse) *prettifier.Envelope {
	pctx := pctxPool.Get()
	defer pctxPool.Put(pctx)
	pctx.Provider = resp.Provider
	pctx.ModelName = resp.Model
	pctx.StreamingMode = req.Stream

	env, err := s.prettifier.Postprocess(resp.FirstContent(), pctx)
	if err != nil {
		s.logger.Warn("prettifier failed, returning minimal envelope",
			zap.String("request_id", req.ID),
			zap.Error(err))
		env = prettifier.MinimalEnvelope(resp.Provider, resp.Model, resp.FirstContent(), err)
	}

	if len(resp.Choices) > 0 {
		for _, tc := range resp.Choices[0].Message.ToolCalls {
			env.ToolCalls = append(env.ToolCalls, structuredToolCall(tc))
		}
		if env.Metadata != nil {
			env.Metadata["tool_calls_count"] = len(env.ToolCalls)
		}
	}

	for k, v := range resp.Metadata {
		env.Metadata[k] = v
	}
	env.Metadata["usage"] = resp.Usage
	env.Metadata["response_time_ms"] = float64(resp.ResponseTime) / float64(time.Millisecond)
	return env
}

// structuredToolCall converts a wire-level tool call into the envelope
// shape, parsing its argument JSON when possible.
func structuredToolCall(tc types.ToolCall) prettifier.ToolCall {
	params := map[string]any{}
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &params); err != nil {
			params = map[string]any{"value": string(tc.Arguments)}
		}
	}
	return prettifier.ToolCall{
		ID:         tc.ID,
		Name:       tc.Name,
		Parameters: params,
		Status:     "completed",
		Timestamp:  time.Now(),
	}
}

// RouteStream serves a streaming request: the provider's chunks pass
// through the prettifier's withholding filter, and the final normalized
// envelope is delivered on the returned envelope channel after the stream
// ends. No failover is attempted mid-stream; only connection establishment
// is routed.
func (s *Service) RouteStream(ctx context.Context, req *types.Request) (<-chan llm.StreamChunk, <-chan *prettifier.Envelope, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	sel, err := s.selectGated(req)
	if err != nil {
		return nil, nil, err
	}

	upstream, err := sel.Provider.Stream(ctx, req)
	if err != nil {
		s.failover.RecordOutcome(sel.Provider.ID(), 0, err)
		return nil, nil, err
	}

	out := make(chan llm.StreamChunk)
	final := make(chan *prettifier.Envelope, 1)
	pctx := prettifier.NewContext(sel.Provider.ID(), req.Model, true)
	s.prettifier.BeginStreaming(pctx)

	go func() {
		defer close(out)
		defer close(final)
		start := time.Now()
		var streamErr *llm.Error

		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			emit := s.prettifier.ProcessStreamingChunk(chunk.Delta.Content,
				chunk.FinishReason != "", pctx)
			chunk.Delta.Content = emit
			if emit == "" && chunk.FinishReason == "" && chunk.Err == nil &&
				len(chunk.Delta.ToolCalls) == 0 {
				continue // fully withheld
			}
			select {
			case <-ctx.Done():
				return
			case out <- chunk:
			}
		}

		if streamErr != nil {
			s.failover.RecordOutcome(sel.Provider.ID(), time.Since(start), streamErr)
		} else {
			s.failover.RecordOutcome(sel.Provider.ID(), time.Since(start), nil)
		}

		env, perr := s.prettifier.EndStreaming(pctx)
		if perr != nil {
			env = prettifier.MinimalEnvelope(sel.Provider.ID(), req.Model, "", perr)
		}
		env.Metadata["routing_decision"] = sel.Decision
		final <- env
	}()

	return out, final, nil
}
