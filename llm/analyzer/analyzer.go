// Package analyzer derives routing Requirements from a chat request.
//
// Analyze is a pure function: no I/O, no clock, no randomness. Two calls
// with the same request yield equal Requirements, which is what lets the
// routing engine and the failover manager re-analyze a request on every
// attempt without coordination.
package analyzer

import (
	"strings"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/types"
)

// RequestType classifies what kind of handling a request needs.
type RequestType string

const (
	TypeRegular  RequestType = "regular"
	TypeThinking RequestType = "thinking"
	TypeVision   RequestType = "vision"
	TypeTools    RequestType = "tools"
	TypeHybrid   RequestType = "hybrid"
)

// Complexity buckets the request's estimated difficulty.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Priority buckets the request's urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Requirements is the analyzer's output: everything the routing engine
// needs to score candidate providers, derived entirely from the request.
type Requirements struct {
	Type              RequestType      `json:"type"`
	Capabilities      []llm.Capability `json:"capabilities"`
	RequiresThinking  bool             `json:"requires_thinking"`
	RequiresVision    bool             `json:"requires_vision"`
	RequiresTools     bool             `json:"requires_tools"`
	RequiresStreaming bool             `json:"requires_streaming"`
	Complexity        Complexity       `json:"complexity"`
	EstimatedTokens   int              `json:"estimated_tokens"`
	Priority          Priority         `json:"priority"`
}

// Phrase sets driving the thinking heuristics. Matching is
// case-insensitive substring containment over the user-role text.
var thinkingPhrases = []string{
	"think step by step",
	"reason through",
	"analyze this",
	"break down",
	"step by step",
	"methodical",
	"systematic",
	"chain of thought",
	"carefully consider",
}

var complexProblemIndicators = []string{
	"algorithm",
	"optimization",
	"architecture",
	"design pattern",
	"recursive",
	"multi-step",
	"concurrency",
	"distributed system",
}

var codeMarkers = []string{
	"```",
	"function ",
	"class ",
	"def ",
	"func ",
	"import ",
	"#include",
	"public static",
}

var mathMarkers = []string{
	"calculate",
	"equation",
	"probability",
	"statistics",
	"theorem",
	"derivative",
	"integral",
	"matrix",
}

var urgencyMarkers = []string{
	"urgent",
	"asap",
	"immediately",
	"deadline",
	"emergency",
	"critical",
	"now",
}

// Image token costs by requested rendering detail.
const (
	imageTokensHigh = 85
	imageTokensLow  = 65

	messageOverheadTokens = 10
	toolOverheadTokens    = 50
)

// Analyze derives Requirements from the request.
func Analyze(req *types.Request) Requirements {
	userText := strings.ToLower(req.UserText())

	thinking := requiresThinking(req, userText)
	vision := requiresVision(req)
	tools := requiresTools(req)

	r := Requirements{
		RequiresThinking:  thinking,
		RequiresVision:    vision,
		RequiresTools:     tools,
		RequiresStreaming: req.Stream,
		Type:              classify(thinking, vision, tools),
		EstimatedTokens:   EstimateTokens(req),
	}
	r.Capabilities = capabilities(req, r)
	r.Complexity = complexity(req, userText, r.EstimatedTokens)
	r.Priority = priority(req, userText, r)
	return r
}

func requiresThinking(req *types.Request, userText string) bool {
	if req.Metadata.RequestType == string(TypeThinking) {
		return true
	}
	for _, p := range thinkingPhrases {
		if strings.Contains(userText, p) {
			return true
		}
	}
	return containsAny(userText, complexProblemIndicators)
}

func requiresVision(req *types.Request) bool {
	return req.HasImagePart() || req.Metadata.RequestType == string(TypeVision)
}

func requiresTools(req *types.Request) bool {
	if len(req.Tools) > 0 {
		return true
	}
	if req.ToolChoice.IsSet() && !req.ToolChoice.IsNone() {
		return true
	}
	if req.HasToolRole() {
		return true
	}
	return req.Metadata.RequestType == string(TypeTools)
}

func classify(thinking, vision, tools bool) RequestType {
	n := 0
	for _, b := range []bool{thinking, vision, tools} {
		if b {
			n++
		}
	}
	switch {
	case n >= 2:
		return TypeHybrid
	case thinking:
		return TypeThinking
	case vision:
		return TypeVision
	case tools:
		return TypeTools
	default:
		return TypeRegular
	}
}

// capabilities maps the requires-flags plus the request's sampling and
// system-message usage onto provider capability bits.
func capabilities(req *types.Request, r Requirements) []llm.Capability {
	var caps []llm.Capability
	if r.RequiresThinking {
		caps = append(caps, llm.CapThinking)
	}
	if r.RequiresVision {
		caps = append(caps, llm.CapVision)
	}
	if r.RequiresTools {
		caps = append(caps, llm.CapTools)
	}
	if r.RequiresStreaming {
		caps = append(caps, llm.CapStreaming)
	}
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			caps = append(caps, llm.CapSystemMessages)
			break
		}
	}
	if req.Temperature != 0 {
		caps = append(caps, llm.CapTemperature)
	}
	if req.TopP != 0 {
		caps = append(caps, llm.CapTopP)
	}
	return caps
}

// EstimateTokens computes the request's token estimate:
// per message, ceil(len/4) for text and a flat per-image cost by detail,
// plus 10 structural overhead tokens; per declared tool,
// ceil(len(parameters-json)/4)+50; plus max_tokens when set; all scaled
// by 1.2 and rounded up.
func EstimateTokens(req *types.Request) int {
	total := 0
	for _, m := range req.Messages {
		if m.Content != "" {
			total += ceilDiv(len(m.Content), 4)
		}
		for _, p := range m.Parts {
			switch p.Type {
			case types.ContentPartText:
				total += ceilDiv(len(p.Text), 4)
			case types.ContentPartImageURL:
				detail := ""
				if p.ImageURL != nil {
					detail = p.ImageURL.Detail
				}
				if detail == "low" {
					total += imageTokensLow
				} else {
					total += imageTokensHigh
				}
			}
		}
		total += messageOverheadTokens
	}
	for _, tool := range req.Tools {
		total += ceilDiv(len(tool.Parameters), 4) + toolOverheadTokens
	}
	if req.MaxTokens > 0 {
		total += req.MaxTokens
	}
	// 1.2 safety multiplier, rounded up: ceil(total*6/5).
	return ceilDiv(total*6, 5)
}

func complexity(req *types.Request, userText string, estTokens int) Complexity {
	score := 0

	switch {
	case len(req.Messages) > 10:
		score += 2
	case len(req.Messages) > 5:
		score++
	}

	switch {
	case estTokens > 8000:
		score += 3
	case estTokens > 4000:
		score += 2
	case estTokens > 2000:
		score++
	}

	if containsAny(userText, codeMarkers) {
		score++
	}
	if containsAny(userText, mathMarkers) {
		score++
	}
	if containsAny(userText, complexProblemIndicators) {
		score += 2
	}

	switch {
	case len(req.Tools) > 3:
		score += 2
	case len(req.Tools) >= 1:
		score++
	}

	switch {
	case score >= 5:
		return ComplexityHigh
	case score >= 2:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

func priority(req *types.Request, userText string, r Requirements) Priority {
	// An explicit caller-supplied priority overrides the heuristics.
	switch Priority(req.Metadata.Priority) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(req.Metadata.Priority)
	}

	score := 0
	switch r.Type {
	case TypeThinking, TypeHybrid:
		score += 2
	case TypeTools, TypeVision:
		score++
	}
	switch r.Complexity {
	case ComplexityHigh:
		score += 2
	case ComplexityMedium:
		score++
	}
	if containsAny(userText, urgencyMarkers) {
		score += 2
	}

	switch {
	case score >= 4:
		return PriorityHigh
	case score >= 2:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
