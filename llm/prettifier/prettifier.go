// Package prettifier normalizes Claude-family responses into a structured
// envelope: tool calls lifted out of JSON tool_use blocks or legacy XML
// function_calls markup, reasoning lifted out of thinking/reflection tags,
// and the remaining content cleaned.
//
// Non-streaming calls are stateless and reentrant; streaming state lives in
// the per-request ProcessingContext, so one Prettifier serves concurrent
// requests.
package prettifier

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// Envelope format identifiers.
const (
	FormatName    = "toon"
	FormatVersion = "1.0"
)

const (
	defaultMaxInputBytes     = 10 << 20 // 10 MiB
	defaultMaxThinkingLength = 10000
)

// Error kinds surfaced by the prettifier.
const (
	KindInputTooLarge = "input_too_large"
	KindXMLValidation = "xml_validation"
	KindParse         = "parse"
)

// Error is a prettifier failure. The router treats these as soft: it falls
// back to a minimal envelope instead of failing the request.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("prettifier %s: %s", e.Kind, e.Message)
}

// ToolCall is a normalized tool invocation extracted from the response.
type ToolCall struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Envelope is the router's canonical output shape.
type Envelope struct {
	Format    string         `json:"format"`
	Version   string         `json:"version"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Content   string         `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata"`
}

// Options tunes extraction and cleaning.
type Options struct {
	// MaxInputBytes caps the raw payload size; defaults to 10 MiB.
	MaxInputBytes int

	// MaxThinkingLength bounds how large a thinking block may be and
	// still be extracted; defaults to 10 000.
	MaxThinkingLength int

	// ValidateXML rejects unbalanced function_calls blocks instead of
	// parsing what can be salvaged.
	ValidateXML bool

	// StripHTMLEntities decodes or removes HTML entity artifacts.
	StripHTMLEntities bool
}

func (o *Options) normalize() {
	if o.MaxInputBytes <= 0 {
		o.MaxInputBytes = defaultMaxInputBytes
	}
	if o.MaxThinkingLength <= 0 {
		o.MaxThinkingLength = defaultMaxThinkingLength
	}
}

// DefaultOptions enables validation and entity stripping.
func DefaultOptions() Options {
	return Options{
		MaxInputBytes:     defaultMaxInputBytes,
		MaxThinkingLength: defaultMaxThinkingLength,
		ValidateXML:       true,
		StripHTMLEntities: true,
	}
}

// ProcessingContext carries per-request parsing state. Construct one per
// response; a context must not be shared across concurrent responses.
type ProcessingContext struct {
	Provider      string
	ModelName     string
	StreamingMode bool

	// streaming capture state
	total      strings.Builder
	hold       string
	inBlock    bool
	closeTag   string
	blockBuf   strings.Builder
	closedXML  []string
	closedThink []string
	streaming  bool
}

// NewContext creates a processing context for one response.
func NewContext(provider, model string, streaming bool) *ProcessingContext {
	return &ProcessingContext{
		Provider:      provider,
		ModelName:     model,
		StreamingMode: streaming,
	}
}

// The legacy markup is non-validating XML embedded in prose, so it is
// matched with lazy regexes rather than an XML parser.
var (
	reFunctionCalls = regexp2.MustCompile(`<function_calls>(.*?)</function_calls>`, regexp2.Singleline)
	reInvoke        = regexp2.MustCompile(`<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`, regexp2.Singleline)
	reParameter     = regexp2.MustCompile(`<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`, regexp2.Singleline)
	reThinking      = regexp2.MustCompile(`<thinking>(.*?)</thinking>`, regexp2.Singleline)
	reReflection    = regexp2.MustCompile(`<reflection>(.*?)</reflection>`, regexp2.Singleline)

	reNumericEntity = regexp.MustCompile(`&#\d+;`)
	reNamedEntity   = regexp.MustCompile(`&[a-zA-Z]+;`)
	reBlankRuns     = regexp.MustCompile(`\n{3,}`)
)

var namedEntities = map[string]string{
	"&amp;":  "&",
	"&lt;":   "<",
	"&gt;":   ">",
	"&quot;": `"`,
	"&apos;": "'",
	"&nbsp;": " ",
}

// Prettifier extracts tool calls and reasoning from raw provider payloads.
type Prettifier struct {
	opts   Options
	logger *zap.Logger

	xmlErrors   atomic.Int64
	parseErrors atomic.Int64
}

// New creates a Prettifier.
func New(opts Options, logger *zap.Logger) *Prettifier {
	opts.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prettifier{opts: opts, logger: logger}
}

// XMLErrorCount reports how many malformed XML blocks were skipped.
func (p *Prettifier) XMLErrorCount() int64 { return p.xmlErrors.Load() }

// ParseErrorCount reports how many payloads failed JSON interpretation and
// fell back to plain-text handling.
func (p *Prettifier) ParseErrorCount() int64 { return p.parseErrors.Load() }

// Postprocess normalizes one complete raw response payload.
func (p *Prettifier) Postprocess(raw string, pctx *ProcessingContext) (*Envelope, error) {
	if len(raw) > p.opts.MaxInputBytes {
		return nil, &Error{
			Kind:    KindInputTooLarge,
			Message: fmt.Sprintf("payload is %d bytes, cap is %d", len(raw), p.opts.MaxInputBytes),
		}
	}

	content, toolCalls, detected := p.interpretPayload(raw)

	xmlCalls, content := p.extractXMLToolCalls(content)
	if len(xmlCalls) > 0 {
		toolCalls = append(toolCalls, xmlCalls...)
		detected = appendUnique(detected, "xml_tool_calls")
	}
	if len(toolCalls) > 0 {
		detected = appendUnique(detected, "tool_use")
	}

	reasoning, content := p.extractReasoning(content)
	if reasoning != "" {
		detected = appendUnique(detected, "thinking")
	}

	content = p.cleanContent(content)

	env := &Envelope{
		Format:    FormatName,
		Version:   FormatVersion,
		Provider:  pctx.Provider,
		Model:     pctx.ModelName,
		Content:   content,
		ToolCalls: toolCalls,
		Reasoning: reasoning,
		Metadata: map[string]any{
			"provider":            pctx.Provider,
			"model_capabilities":  detected,
			"tool_calls_count":    len(toolCalls),
			"reasoning_extracted": reasoning != "",
			"xml_tool_calls":      len(xmlCalls),
		},
	}
	if pctx.StreamingMode {
		env.Metadata["streaming"] = true
	}
	return env, nil
}

// MinimalEnvelope wraps a raw payload unprocessed, recording why
// prettification was skipped.
func MinimalEnvelope(provider, model, raw string, cause error) *Envelope {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Envelope{
		Format:   FormatName,
		Version:  FormatVersion,
		Provider: provider,
		Model:    model,
		Content:  raw,
		Error:    msg,
		Metadata: map[string]any{"provider": provider, "prettified": false},
	}
}

// interpretPayload tries the modern JSON shapes first: a content array of
// typed blocks, or a top-level tool_use array. Anything unparseable is
// treated as plain text.
func (p *Prettifier) interpretPayload(raw string) (string, []ToolCall, []string) {
	payload, ok := decodeJSONObject(raw)
	if !ok {
		trimmed := strings.TrimSpace(raw)
		if strings.Contains(trimmed, "{") {
			p.parseErrors.Add(1)
		}
		return raw, nil, []string{"text"}
	}

	var (
		toolCalls []ToolCall
		text      strings.Builder
		detected  []string
	)

	appendToolUse := func(block map[string]any) {
		name, _ := block["name"].(string)
		if name == "" {
			return
		}
		id, _ := block["id"].(string)
		toolCalls = append(toolCalls, ToolCall{
			ID:         id,
			Name:       name,
			Parameters: coerceParameters(block["input"]),
			Status:     "completed",
			Timestamp:  time.Now(),
		})
	}

	switch content := payload["content"].(type) {
	case string:
		text.WriteString(content)
		detected = appendUnique(detected, "text")
	case []any:
		for _, el := range content {
			block, ok := el.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "tool_use":
				appendToolUse(block)
			case "text":
				if s, ok := block["text"].(string); ok {
					text.WriteString(s)
					detected = appendUnique(detected, "text")
				}
			case "thinking":
				// Native thinking blocks re-enter the pipeline as tags so
				// the shared extraction path handles length limits.
				if s, ok := block["thinking"].(string); ok {
					text.WriteString("<thinking>" + s + "</thinking>")
				}
			}
		}
	default:
		// Not a recognized envelope; fall back to the raw text.
		if len(payload) == 0 {
			return raw, nil, []string{"text"}
		}
	}

	if topLevel, ok := payload["tool_use"].([]any); ok {
		for _, el := range topLevel {
			if block, ok := el.(map[string]any); ok {
				appendToolUse(block)
			}
		}
	}

	if text.Len() == 0 && len(toolCalls) == 0 {
		return raw, nil, []string{"text"}
	}
	return text.String(), toolCalls, detected
}

// decodeJSONObject parses raw as a JSON object, falling back to the
// substring between the first '{' and the last '}'.
func decodeJSONObject(raw string) (map[string]any, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		return payload, true
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// coerceParameters normalizes a tool_use input into a parameters map:
// objects pass through, JSON-parseable strings are parsed, and anything
// else is wrapped under "value".
func coerceParameters(input any) map[string]any {
	switch v := input.(type) {
	case map[string]any:
		return v
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed
		}
		return map[string]any{"value": v}
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"value": v}
	}
}

// extractXMLToolCalls lifts legacy <function_calls> markup out of the
// content, returning the calls and the content with the blocks removed.
func (p *Prettifier) extractXMLToolCalls(content string) ([]ToolCall, string) {
	if !strings.Contains(content, "<function_calls>") {
		return nil, content
	}

	var calls []ToolCall
	m, err := reFunctionCalls.FindStringMatch(content)
	for err == nil && m != nil {
		block := m.GroupByNumber(1).String()
		if p.opts.ValidateXML && !balancedBlock(block) {
			p.xmlErrors.Add(1)
			p.logger.Warn("skipping malformed function_calls block",
				zap.Int("offset", m.Index))
		} else {
			calls = append(calls, p.parseInvokes(block)...)
		}
		m, err = reFunctionCalls.FindNextMatch(m)
	}

	cleaned, rerr := reFunctionCalls.Replace(content, "", -1, -1)
	if rerr != nil {
		return calls, content
	}
	return calls, cleaned
}

func (p *Prettifier) parseInvokes(block string) []ToolCall {
	var calls []ToolCall
	m, err := reInvoke.FindStringMatch(block)
	for err == nil && m != nil {
		name := m.GroupByNumber(1).String()
		body := m.GroupByNumber(2).String()

		params := make(map[string]any)
		pm, perr := reParameter.FindStringMatch(body)
		for perr == nil && pm != nil {
			key := pm.GroupByNumber(1).String()
			params[key] = coerceParameterValue(pm.GroupByNumber(2).String())
			pm, perr = reParameter.FindNextMatch(pm)
		}

		calls = append(calls, ToolCall{
			Name:       name,
			Parameters: params,
			Status:     "completed",
			Timestamp:  time.Now(),
		})
		m, err = reInvoke.FindNextMatch(m)
	}
	return calls
}

// coerceParameterValue interprets a parameter body as JSON when possible,
// otherwise keeps it as a trimmed string.
func coerceParameterValue(v string) any {
	trimmed := strings.TrimSpace(v)
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed
	}
	return trimmed
}

// balancedBlock checks that invoke and parameter tags pair up.
func balancedBlock(block string) bool {
	return strings.Count(block, "<invoke") == strings.Count(block, "</invoke>") &&
		strings.Count(block, "<parameter") == strings.Count(block, "</parameter>")
}

// extractReasoning removes the first thinking block (when within the length
// limit) and every reflection block, returning the combined reasoning text.
func (p *Prettifier) extractReasoning(content string) (string, string) {
	var fragments []string

	if m, err := reThinking.FindStringMatch(content); err == nil && m != nil {
		inner := m.GroupByNumber(1).String()
		if len(inner) <= p.opts.MaxThinkingLength {
			fragments = append(fragments, inner)
			if cleaned, rerr := reThinking.Replace(content, "", -1, 1); rerr == nil {
				content = cleaned
			}
		}
	}

	if strings.Contains(content, "<reflection>") {
		m, err := reReflection.FindStringMatch(content)
		for err == nil && m != nil {
			fragments = append(fragments, "Reflection: "+strings.TrimSpace(m.GroupByNumber(1).String()))
			m, err = reReflection.FindNextMatch(m)
		}
		if cleaned, rerr := reReflection.Replace(content, "", -1, -1); rerr == nil {
			content = cleaned
		}
	}

	return strings.Join(fragments, "\n\n"), content
}

// cleanContent normalizes whitespace and entity artifacts while leaving
// fenced code blocks untouched.
func (p *Prettifier) cleanContent(content string) string {
	content, fences := protectCodeFences(content)

	if p.opts.StripHTMLEntities {
		content = stripEntities(content)
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	content = reBlankRuns.ReplaceAllString(content, "\n\n")

	content = restoreCodeFences(content, fences)
	return strings.TrimSpace(content)
}

const fencePlaceholder = "\x00FENCE%d\x00"

var reFencePlaceholder = regexp.MustCompile("\x00FENCE(\\d+)\x00")

// protectCodeFences swaps ```…``` regions for placeholders so cleaning
// never rewrites code.
func protectCodeFences(content string) (string, []string) {
	if !strings.Contains(content, "```") {
		return content, nil
	}
	var fences []string
	var out strings.Builder
	for {
		start := strings.Index(content, "```")
		if start < 0 {
			out.WriteString(content)
			break
		}
		end := strings.Index(content[start+3:], "```")
		if end < 0 {
			out.WriteString(content)
			break
		}
		fence := content[start : start+3+end+3]
		out.WriteString(content[:start])
		out.WriteString(fmt.Sprintf(fencePlaceholder, len(fences)))
		fences = append(fences, fence)
		content = content[start+3+end+3:]
	}
	return out.String(), fences
}

func restoreCodeFences(content string, fences []string) string {
	if len(fences) == 0 {
		return content
	}
	return reFencePlaceholder.ReplaceAllStringFunc(content, func(ph string) string {
		idx, err := strconv.Atoi(reFencePlaceholder.FindStringSubmatch(ph)[1])
		if err != nil || idx >= len(fences) {
			return ph
		}
		return fences[idx]
	})
}

// stripEntities decodes the common named and numeric HTML entities and
// removes unrecognized named ones.
func stripEntities(content string) string {
	if !strings.Contains(content, "&") {
		return content
	}
	for entity, replacement := range namedEntities {
		content = strings.ReplaceAll(content, entity, replacement)
	}
	content = reNumericEntity.ReplaceAllStringFunc(content, func(e string) string {
		n, err := strconv.Atoi(e[2 : len(e)-1])
		if err != nil || n <= 0 || n > 0x10FFFF {
			return ""
		}
		return string(rune(n))
	})
	return reNamedEntity.ReplaceAllString(content, "")
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
