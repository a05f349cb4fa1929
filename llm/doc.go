// Copyright 2024 AIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package llm defines the Provider contract and registry consumed by the
router's routing, failover, and prettification subsystems.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    api/handlers (HTTP)                      │
	├─────────────────────────────────────────────────────────────┤
	│  llm/analyzer → llm/router → llm/failover → llm/prettifier   │
	├─────────────────────────────────────────────────────────────┤
	│   llm.ProviderRegistry     llm/circuitbreaker    llm/cache   │
	├─────────────────────────────────────────────────────────────┤
	│                    Provider interface                        │
	├──────────────┬──────────────┬────────────────────────────────┤
	│  anthropic   │    openai    │         openaicompat           │
	└──────────────┴──────────────┴────────────────────────────────┘

# Provider interface

	type Provider interface {
	    ID() string
	    DisplayName() string
	    Capabilities() ProviderCapabilities
	    Priority() int
	    Enabled() bool
	    CanHandle(req *types.Request) bool
	    Completion(ctx context.Context, req *types.Request) (*ChatResponse, error)
	    Stream(ctx context.Context, req *types.Request) (<-chan StreamChunk, error)
	    HealthCheck(ctx context.Context, full bool) (*HealthStatus, error)
	    Cleanup() error
	}

Concrete adapters live under llm/providers/{anthropic,openai,openaicompat}.
The ProviderRegistry in this package owns the set of Provider handles,
indexes them by capability, and drives periodic health checks; it does not
itself decide which provider serves a request — that is llm/router's job.

See the subpackages:
  - llm/relay: router-to-host surface (Route / RouteStream orchestration)
  - llm/analyzer: request analysis (Requirements derivation)
  - llm/router: routing engine (candidate selection strategies)
  - llm/failover: failover manager (retry, backoff, circuit-breaker consultation)
  - llm/prettifier: Claude-family response normalization
  - llm/cache: performance cache (EMA latency/success-rate, routing history)
  - llm/circuitbreaker: per-provider circuit breaker bank
  - llm/errorclass: error classification
  - llm/retry: backoff computation
  - llm/tokenizer: token estimation
  - llm/budget: token/cost budget tracking
  - llm/middleware: request rewriters applied before transport
  - llm/providers/*: concrete provider transports
*/
package llm
