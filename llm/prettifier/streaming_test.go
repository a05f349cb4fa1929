package prettifier

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func feedChunks(p *Prettifier, pctx *ProcessingContext, raw string, chunkSize int) string {
	var emitted strings.Builder
	for i := 0; i < len(raw); i += chunkSize {
		end := i + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		emitted.WriteString(p.ProcessStreamingChunk(raw[i:end], end == len(raw), pctx))
	}
	return emitted.String()
}

// ---------------------------------------------------------------------------
// Withholding behavior
// ---------------------------------------------------------------------------

func TestStreaming_PlainTextEmittedImmediately(t *testing.T) {
	p := newPrettifier(t)
	ctx := NewContext("P1", "m", true)
	p.BeginStreaming(ctx)

	out := p.ProcessStreamingChunk("hello ", false, ctx)
	out += p.ProcessStreamingChunk("world", true, ctx)

	assert.Equal(t, "hello world", out)
}

func TestStreaming_ThinkingBlockWithheld(t *testing.T) {
	p := newPrettifier(t)
	ctx := NewContext("P1", "m", true)
	p.BeginStreaming(ctx)

	raw := "before <thinking>secret reasoning</thinking> after"
	emitted := feedChunks(p, ctx, raw, 7)

	assert.NotContains(t, emitted, "secret reasoning")
	assert.Contains(t, emitted, "before")
	assert.Contains(t, emitted, "after")
	require.Len(t, ctx.ClosedThinkingBlocks(), 1)
	assert.Equal(t, "<thinking>secret reasoning</thinking>", ctx.ClosedThinkingBlocks()[0])
}

func TestStreaming_FunctionCallsBlockWithheld(t *testing.T) {
	p := newPrettifier(t)
	ctx := NewContext("P1", "m", true)
	p.BeginStreaming(ctx)

	raw := `pre <function_calls><invoke name="f"><parameter name="k">v</parameter></invoke></function_calls> post`
	emitted := feedChunks(p, ctx, raw, 3)

	assert.NotContains(t, emitted, "invoke")
	assert.Contains(t, emitted, "pre")
	assert.Contains(t, emitted, "post")
	require.Len(t, ctx.ClosedToolBlocks(), 1)
}

func TestStreaming_TagSplitAcrossChunks(t *testing.T) {
	p := newPrettifier(t)
	ctx := NewContext("P1", "m", true)
	p.BeginStreaming(ctx)

	var emitted strings.Builder
	emitted.WriteString(p.ProcessStreamingChunk("text <think", false, ctx))
	emitted.WriteString(p.ProcessStreamingChunk("ing>hidden</think", false, ctx))
	emitted.WriteString(p.ProcessStreamingChunk("ing> done", true, ctx))

	assert.NotContains(t, emitted.String(), "hidden")
	assert.Contains(t, emitted.String(), "text")
	assert.Contains(t, emitted.String(), "done")
}

func TestStreaming_AngleBracketThatIsNotAWatchedTag(t *testing.T) {
	p := newPrettifier(t)
	ctx := NewContext("P1", "m", true)
	p.BeginStreaming(ctx)

	out := p.ProcessStreamingChunk("a < b and 3 > 2", true, ctx)
	assert.Equal(t, "a < b and 3 > 2", out)
}

func TestStreaming_EndStreamingProducesEnvelope(t *testing.T) {
	p := newPrettifier(t)
	ctx := NewContext("P1", "claude-test", true)
	p.BeginStreaming(ctx)

	raw := "x <thinking>why</thinking> y " +
		`<function_calls><invoke name="f"><parameter name="k">"v"</parameter></invoke></function_calls>`
	feedChunks(p, ctx, raw, 5)

	env, err := p.EndStreaming(ctx)
	require.NoError(t, err)

	assert.Equal(t, "why", env.Reasoning)
	require.Len(t, env.ToolCalls, 1)
	assert.Equal(t, "f", env.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"k": "v"}, env.ToolCalls[0].Parameters)
	assert.Contains(t, env.Content, "x")
	assert.Contains(t, env.Content, "y")
	assert.Equal(t, true, env.Metadata["streaming"])
}

// ---------------------------------------------------------------------------
// Streaming equivalence property
// ---------------------------------------------------------------------------

// Feeding a payload through the streaming path chunk by chunk and then
// finalizing must yield the same envelope as a single Postprocess call,
// modulo the streaming metadata flag.
func TestStreaming_EquivalenceWithPostprocess(t *testing.T) {
	p := New(DefaultOptions(), zap.NewNop())

	rapid.Check(t, func(t *rapid.T) {
		pre := rapid.StringMatching(`[a-z ]{0,20}`).Draw(t, "pre")
		mid := rapid.StringMatching(`[a-z ]{0,20}`).Draw(t, "mid")
		post := rapid.StringMatching(`[a-z ]{0,20}`).Draw(t, "post")
		thought := rapid.StringMatching(`[a-z ]{1,30}`).Draw(t, "thought")
		param := rapid.StringMatching(`[a-z]{1,10}`).Draw(t, "param")
		chunkSize := rapid.IntRange(1, 13).Draw(t, "chunkSize")
		withThinking := rapid.Bool().Draw(t, "withThinking")
		withTool := rapid.Bool().Draw(t, "withTool")

		var sb strings.Builder
		sb.WriteString(pre)
		if withThinking {
			sb.WriteString("<thinking>" + thought + "</thinking>")
		}
		sb.WriteString(mid)
		if withTool {
			sb.WriteString(`<function_calls><invoke name="f"><parameter name="k">` +
				param + `</parameter></invoke></function_calls>`)
		}
		sb.WriteString(post)
		raw := sb.String()

		direct, err := p.Postprocess(raw, NewContext("P1", "m", false))
		require.NoError(t, err)

		sctx := NewContext("P1", "m", true)
		p.BeginStreaming(sctx)
		feedChunks(p, sctx, raw, chunkSize)
		streamed, err := p.EndStreaming(sctx)
		require.NoError(t, err)

		assert.Equal(t, direct.Content, streamed.Content)
		assert.Equal(t, direct.Reasoning, streamed.Reasoning)
		require.Equal(t, len(direct.ToolCalls), len(streamed.ToolCalls))
		for i := range direct.ToolCalls {
			assert.Equal(t, direct.ToolCalls[i].Name, streamed.ToolCalls[i].Name)
			dj, _ := json.Marshal(direct.ToolCalls[i].Parameters)
			sj, _ := json.Marshal(streamed.ToolCalls[i].Parameters)
			assert.JSONEq(t, string(dj), string(sj))
		}
	})
}
