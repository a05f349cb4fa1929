package analyzer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/types"
)

func userReq(text string) *types.Request {
	return &types.Request{
		Model:    "m",
		Messages: []types.Message{types.NewUserMessage(text)},
	}
}

// ---------------------------------------------------------------------------
// Type classification
// ---------------------------------------------------------------------------

func TestAnalyze_RegularRequest(t *testing.T) {
	r := Analyze(userReq("hello there"))

	assert.Equal(t, TypeRegular, r.Type)
	assert.False(t, r.RequiresThinking)
	assert.False(t, r.RequiresVision)
	assert.False(t, r.RequiresTools)
}

func TestAnalyze_ThinkingFromPhrase(t *testing.T) {
	for _, phrase := range []string{
		"please think step by step",
		"reason through the problem",
		"Analyze This carefully",
		"be methodical about it",
	} {
		r := Analyze(userReq(phrase))
		assert.True(t, r.RequiresThinking, "phrase %q", phrase)
		assert.Equal(t, TypeThinking, r.Type)
	}
}

func TestAnalyze_ThinkingFromComplexProblemIndicator(t *testing.T) {
	r := Analyze(userReq("design an algorithm for scheduling"))
	assert.True(t, r.RequiresThinking)
}

func TestAnalyze_ThinkingFromMetadataOverride(t *testing.T) {
	req := userReq("hello")
	req.Metadata.RequestType = "thinking"
	assert.True(t, Analyze(req).RequiresThinking)
}

func TestAnalyze_VisionFromImagePart(t *testing.T) {
	req := &types.Request{
		Model: "m",
		Messages: []types.Message{
			types.NewUserMessage("what is in this picture").WithParts([]types.ContentPart{
				{Type: types.ContentPartImageURL, ImageURL: &types.ImageURLRef{URL: "https://x/img.png"}},
			}),
		},
	}
	r := Analyze(req)
	assert.True(t, r.RequiresVision)
	assert.Equal(t, TypeVision, r.Type)
	assert.Contains(t, r.Capabilities, llm.CapVision)
}

func TestAnalyze_ToolsDetection(t *testing.T) {
	t.Run("from declared tools", func(t *testing.T) {
		req := userReq("weather please")
		req.Tools = []types.ToolSchema{{Name: "get_weather", Parameters: json.RawMessage(`{}`)}}
		assert.True(t, Analyze(req).RequiresTools)
	})

	t.Run("from tool_choice", func(t *testing.T) {
		req := userReq("weather please")
		req.ToolChoice = types.ToolChoice{Mode: types.ToolChoiceRequired}
		assert.True(t, Analyze(req).RequiresTools)
	})

	t.Run("tool_choice none does not count", func(t *testing.T) {
		req := userReq("weather please")
		req.ToolChoice = types.ToolChoice{Mode: types.ToolChoiceNone}
		assert.False(t, Analyze(req).RequiresTools)
	})

	t.Run("from tool-role message", func(t *testing.T) {
		req := &types.Request{Model: "m", Messages: []types.Message{
			types.NewToolMessage("c1", "lookup", `{"ok":true}`),
		}}
		assert.True(t, Analyze(req).RequiresTools)
	})
}

func TestAnalyze_HybridWhenTwoFlagsSet(t *testing.T) {
	req := userReq("think step by step about the weather")
	req.Tools = []types.ToolSchema{{Name: "get_weather", Parameters: json.RawMessage(`{}`)}}

	r := Analyze(req)
	assert.Equal(t, TypeHybrid, r.Type)
	assert.Contains(t, r.Capabilities, llm.CapThinking)
	assert.Contains(t, r.Capabilities, llm.CapTools)
}

// ---------------------------------------------------------------------------
// Token estimation
// ---------------------------------------------------------------------------

func TestEstimateTokens_StringContent(t *testing.T) {
	// One message: ceil(8/4)=2 content + 10 overhead = 12; ×1.2 = 14.4 → 15.
	req := userReq("12345678")
	assert.Equal(t, 15, EstimateTokens(req))
}

func TestEstimateTokens_ImageParts(t *testing.T) {
	mk := func(detail string) *types.Request {
		return &types.Request{Model: "m", Messages: []types.Message{
			{Role: types.RoleUser, Parts: []types.ContentPart{
				{Type: types.ContentPartImageURL, ImageURL: &types.ImageURLRef{URL: "u", Detail: detail}},
			}},
		}}
	}

	// (85 + 10) × 1.2 = 114 for high/auto/unset; (65 + 10) × 1.2 = 90 for low.
	assert.Equal(t, 114, EstimateTokens(mk("high")))
	assert.Equal(t, 114, EstimateTokens(mk("auto")))
	assert.Equal(t, 114, EstimateTokens(mk("")))
	assert.Equal(t, 90, EstimateTokens(mk("low")))
}

func TestEstimateTokens_ToolsAndMaxTokens(t *testing.T) {
	req := userReq("hi") // ceil(2/4)=1 + 10 = 11
	req.Tools = []types.ToolSchema{
		{Name: "t", Parameters: json.RawMessage(`{"type":"object"}`)}, // ceil(17/4)=5 + 50 = 55
	}
	req.MaxTokens = 100

	// (11 + 55 + 100) × 1.2 = 199.2 → 200.
	assert.Equal(t, 200, EstimateTokens(req))
}

// ---------------------------------------------------------------------------
// Complexity / priority
// ---------------------------------------------------------------------------

func TestAnalyze_ComplexityBuckets(t *testing.T) {
	t.Run("low for small plain request", func(t *testing.T) {
		assert.Equal(t, ComplexityLow, Analyze(userReq("hi")).Complexity)
	})

	t.Run("medium from complex-problem indicator", func(t *testing.T) {
		// +2 indicators (and thinking flag, which doesn't feed complexity).
		r := Analyze(userReq("pick a design pattern for this"))
		assert.Equal(t, ComplexityMedium, r.Complexity)
	})

	t.Run("high from long history plus tools plus code", func(t *testing.T) {
		msgs := make([]types.Message, 0, 12)
		for i := 0; i < 12; i++ {
			msgs = append(msgs, types.NewUserMessage("```go\nfunc main() {}\n```"))
		}
		req := &types.Request{Model: "m", Messages: msgs, Tools: []types.ToolSchema{
			{Name: "a", Parameters: json.RawMessage(`{}`)},
			{Name: "b", Parameters: json.RawMessage(`{}`)},
			{Name: "c", Parameters: json.RawMessage(`{}`)},
			{Name: "d", Parameters: json.RawMessage(`{}`)},
		}}
		// messages>10 (+2), code markers (+1), tools>3 (+2) ⇒ high.
		assert.Equal(t, ComplexityHigh, Analyze(req).Complexity)
	})
}

func TestAnalyze_PriorityFromUrgencyAndType(t *testing.T) {
	// thinking (+2) + urgency (+2) ⇒ high.
	r := Analyze(userReq("urgent: think step by step"))
	assert.Equal(t, PriorityHigh, r.Priority)

	// plain ⇒ low.
	assert.Equal(t, PriorityLow, Analyze(userReq("hello")).Priority)
}

func TestAnalyze_PriorityMetadataOverridesHeuristics(t *testing.T) {
	req := userReq("urgent: think step by step about this algorithm")
	req.Metadata.Priority = "low"
	assert.Equal(t, PriorityLow, Analyze(req).Priority)
}

// ---------------------------------------------------------------------------
// Determinism property
// ---------------------------------------------------------------------------

func TestAnalyze_Deterministic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	genReq := gopter.CombineGens(
		gen.AlphaString(),
		gen.IntRange(0, 8),
		gen.IntRange(0, 4096),
		gen.Bool(),
	).Map(func(vs []interface{}) *types.Request {
		text := vs[0].(string)
		nMsgs := vs[1].(int)
		maxTok := vs[2].(int)
		stream := vs[3].(bool)

		msgs := make([]types.Message, 0, nMsgs+1)
		msgs = append(msgs, types.NewUserMessage(text))
		for i := 0; i < nMsgs; i++ {
			msgs = append(msgs, types.NewUserMessage(strings.Repeat(text, i%3+1)))
		}
		return &types.Request{Model: "m", Messages: msgs, MaxTokens: maxTok, Stream: stream}
	})

	properties.Property("two invocations agree", prop.ForAll(
		func(req *types.Request) bool {
			a := Analyze(req)
			b := Analyze(req)
			aj, _ := json.Marshal(a)
			bj, _ := json.Marshal(b)
			return string(aj) == string(bj)
		},
		genReq,
	))

	properties.TestingRun(t)
}

func TestAnalyze_CapabilitiesIncludeSamplingAndSystem(t *testing.T) {
	req := &types.Request{
		Model: "m",
		Messages: []types.Message{
			types.NewSystemMessage("be brief"),
			types.NewUserMessage("hi"),
		},
		Temperature: 0.7,
		TopP:        0.9,
		Stream:      true,
	}
	r := Analyze(req)
	require.NotEmpty(t, r.Capabilities)
	assert.Contains(t, r.Capabilities, llm.CapSystemMessages)
	assert.Contains(t, r.Capabilities, llm.CapTemperature)
	assert.Contains(t, r.Capabilities, llm.CapTopP)
	assert.Contains(t, r.Capabilities, llm.CapStreaming)
	assert.True(t, r.RequiresStreaming)
}
