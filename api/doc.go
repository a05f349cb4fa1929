// Package api provides the HTTP wire types for the AIRelay router API.
//
// # API Overview
//
// The router exposes a small, Anthropic/OpenAI-compatible surface:
//   - POST /v1/chat/completions — chat completions, routed across providers,
//     returning the normalized envelope (non-streaming) or an SSE stream
//   - GET /healthz — liveness probe
//   - GET /readyz — readiness probe (checks provider registry state)
//   - GET /version — build information
//   - GET /metrics — Prometheus metrics (separate listener)
//
// # Authentication
//
// The chat endpoint requires authentication via the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// Keys are supplied through configuration; there is no key store.
//
// # Request format
//
// Requests decode directly into the router's ingress shape
// (types.Request): message content may be a string or a typed part array,
// tool_choice is either a mode string or a {function:{name}} object, and
// metadata carries request_type, priority, and timeout hints.
package api
