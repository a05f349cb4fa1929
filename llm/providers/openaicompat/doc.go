// Package openaicompat provides a shared base implementation for
// OpenAI-wire-compatible LLM providers.
//
// The OpenAI adapter embeds openaicompat.Provider and only overrides what
// differs (endpoint, default model, headers); instantiated directly it
// serves any compatible upstream (Groq, Fireworks, OpenRouter, Ollama,
// vLLM, ...) without duplicating HTTP handling, SSE parsing, message
// conversion, and error mapping.
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName:  "groq",
//	    APIKey:        cfg.APIKey,
//	    BaseURL:       "https://api.groq.com/openai",
//	    DefaultModel:  "llama-3.3-70b-versatile",
//	    Priority:      5,
//	}, logger)
//
// The transport is a resty client over the shared hardened TLS transport;
// streaming uses resty's unparsed-response mode feeding the SSE scanner.
package openaicompat
