package prettifier

import (
	"strings"
)

// Streaming contract: BeginStreaming arms the context, ProcessStreamingChunk
// feeds bytes as they arrive and returns the text that is safe to emit
// immediately, EndStreaming runs the full extraction over everything that
// accumulated and releases the buffers.
//
// function_calls and thinking blocks are withheld from emission: their text
// never appears in chunk returns, only in the final envelope's tool_calls
// and reasoning. Tags split across chunk boundaries are handled by holding
// back any trailing text that could still turn into a watched opening tag
// or, inside a block, into that block's closing tag.

const (
	openFunctionCalls  = "<function_calls>"
	closeFunctionCalls = "</function_calls>"
	openThinking       = "<thinking>"
	closeThinking      = "</thinking>"
)

// BeginStreaming resets the context's capture state for a new stream.
func (p *Prettifier) BeginStreaming(pctx *ProcessingContext) {
	pctx.total.Reset()
	pctx.blockBuf.Reset()
	pctx.hold = ""
	pctx.inBlock = false
	pctx.closeTag = ""
	pctx.closedXML = nil
	pctx.closedThink = nil
	pctx.streaming = true
	pctx.StreamingMode = true
}

// ProcessStreamingChunk ingests one chunk and returns the text that can be
// emitted now. Pass isFinal on the last chunk so any withheld partial tag
// text is flushed.
func (p *Prettifier) ProcessStreamingChunk(chunk string, isFinal bool, pctx *ProcessingContext) string {
	if !pctx.streaming {
		p.BeginStreaming(pctx)
	}
	pctx.total.WriteString(chunk)
	pctx.hold += chunk

	var emit strings.Builder
	for {
		if pctx.inBlock {
			idx := strings.Index(pctx.hold, pctx.closeTag)
			if idx < 0 {
				// The holdback belongs to the open block, except a trailing
				// run that could still be the start of the close tag.
				keep := len(pctx.closeTag) - 1
				if keep > len(pctx.hold) {
					keep = len(pctx.hold)
				}
				cut := len(pctx.hold) - keep
				pctx.blockBuf.WriteString(pctx.hold[:cut])
				pctx.hold = pctx.hold[cut:]
				break
			}
			pctx.blockBuf.WriteString(pctx.hold[:idx+len(pctx.closeTag)])
			pctx.hold = pctx.hold[idx+len(pctx.closeTag):]
			block := pctx.blockBuf.String()
			if pctx.closeTag == closeFunctionCalls {
				pctx.closedXML = append(pctx.closedXML, block)
			} else {
				pctx.closedThink = append(pctx.closedThink, block)
			}
			pctx.blockBuf.Reset()
			pctx.inBlock = false
			pctx.closeTag = ""
			continue
		}

		openIdx, closeTag := findEarliestOpen(pctx.hold)
		if openIdx >= 0 {
			emit.WriteString(pctx.hold[:openIdx])
			pctx.hold = pctx.hold[openIdx:]
			pctx.inBlock = true
			pctx.closeTag = closeTag
			continue
		}

		// No watched tag: emit everything except a trailing run that could
		// still become one.
		safe := len(pctx.hold) - ambiguousSuffixLen(pctx.hold)
		emit.WriteString(pctx.hold[:safe])
		pctx.hold = pctx.hold[safe:]
		break
	}

	if isFinal && !pctx.inBlock && pctx.hold != "" {
		emit.WriteString(pctx.hold)
		pctx.hold = ""
	}
	return emit.String()
}

// EndStreaming runs the final extraction over the accumulated stream and
// releases the context's buffers.
func (p *Prettifier) EndStreaming(pctx *ProcessingContext) (*Envelope, error) {
	raw := pctx.total.String()

	pctx.total.Reset()
	pctx.blockBuf.Reset()
	pctx.hold = ""
	pctx.inBlock = false
	pctx.closeTag = ""
	pctx.streaming = false

	return p.Postprocess(raw, pctx)
}

// ClosedToolBlocks returns the raw function_calls blocks completed so far
// in the current stream.
func (pctx *ProcessingContext) ClosedToolBlocks() []string {
	out := make([]string, len(pctx.closedXML))
	copy(out, pctx.closedXML)
	return out
}

// ClosedThinkingBlocks returns the raw thinking blocks completed so far in
// the current stream.
func (pctx *ProcessingContext) ClosedThinkingBlocks() []string {
	out := make([]string, len(pctx.closedThink))
	copy(out, pctx.closedThink)
	return out
}

// findEarliestOpen locates the first watched opening tag, returning its
// index and the matching close tag, or -1.
func findEarliestOpen(s string) (int, string) {
	fc := strings.Index(s, openFunctionCalls)
	th := strings.Index(s, openThinking)
	switch {
	case fc < 0 && th < 0:
		return -1, ""
	case th < 0 || (fc >= 0 && fc < th):
		return fc, closeFunctionCalls
	default:
		return th, closeThinking
	}
}

// ambiguousSuffixLen reports how many trailing bytes could be the start of
// a watched opening tag and must be withheld until more bytes arrive.
func ambiguousSuffixLen(s string) int {
	maxCheck := len(openFunctionCalls) - 1
	if maxCheck > len(s) {
		maxCheck = len(s)
	}
	for n := maxCheck; n > 0; n-- {
		suffix := s[len(s)-n:]
		if strings.HasPrefix(openFunctionCalls, suffix) || strings.HasPrefix(openThinking, suffix) {
			return n
		}
	}
	return 0
}
