package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Message content union ---

func TestMessage_UnmarshalStringContent(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m))
	assert.Equal(t, RoleUser, m.Role)
	assert.Equal(t, "hello", m.Content)
	assert.Empty(t, m.Parts)
}

func TestMessage_UnmarshalPartsContent(t *testing.T) {
	raw := `{"role":"user","content":[
		{"type":"text","text":"look at this"},
		{"type":"image_url","image_url":{"url":"https://x/i.png","detail":"low"}}
	]}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Empty(t, m.Content)
	require.Len(t, m.Parts, 2)
	assert.Equal(t, ContentPartText, m.Parts[0].Type)
	assert.Equal(t, "look at this", m.Parts[0].Text)
	assert.Equal(t, ContentPartImageURL, m.Parts[1].Type)
	assert.Equal(t, "low", m.Parts[1].ImageURL.Detail)
}

func TestMessage_UnmarshalInvalidContent(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"role":"user","content":42}`), &m)
	require.Error(t, err)
}

func TestMessage_MarshalRoundTrip(t *testing.T) {
	m := Message{Role: RoleUser, Content: "hi"}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, stripVolatile(t, data))

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.Content, back.Content)
}

func TestMessage_MarshalPartsFoldIntoContent(t *testing.T) {
	m := Message{Role: RoleUser, Parts: []ContentPart{{Type: ContentPartText, Text: "a"}}}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, hasParts := decoded["parts"]
	assert.False(t, hasParts)
	assert.IsType(t, []any{}, decoded["content"])
}

// stripVolatile drops fields whose values are incidental to the union
// (timestamps) before comparison.
func stripVolatile(t *testing.T, data []byte) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	delete(m, "timestamp")
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return string(out)
}

// --- ToolChoice union ---

func TestToolChoice_UnmarshalModes(t *testing.T) {
	for _, mode := range []string{"none", "auto", "required"} {
		var tc ToolChoice
		require.NoError(t, json.Unmarshal([]byte(`"`+mode+`"`), &tc))
		assert.Equal(t, ToolChoiceMode(mode), tc.Mode)
	}

	var tc ToolChoice
	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &tc))
}

func TestToolChoice_UnmarshalFunctionObject(t *testing.T) {
	var tc ToolChoice
	require.NoError(t, json.Unmarshal(
		[]byte(`{"type":"function","function":{"name":"get_weather"}}`), &tc))
	assert.Equal(t, ToolChoiceFunction, tc.Mode)
	assert.Equal(t, "get_weather", tc.FunctionName)

	require.Error(t, json.Unmarshal([]byte(`{"type":"function","function":{}}`), &tc))
}

func TestToolChoice_MarshalRoundTrip(t *testing.T) {
	cases := []ToolChoice{
		{Mode: ToolChoiceAuto},
		{Mode: ToolChoiceFunction, FunctionName: "f"},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc)
		require.NoError(t, err)
		var back ToolChoice
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, tc, back)
	}
}

// --- RequestMetadata timeout ---

func TestRequestMetadata_TimeoutString(t *testing.T) {
	var rm RequestMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"request_type":"thinking","timeout":"45s"}`), &rm))
	assert.Equal(t, "thinking", rm.RequestType)
	assert.Equal(t, 45*time.Second, rm.Timeout)
}

func TestRequestMetadata_TimeoutMilliseconds(t *testing.T) {
	var rm RequestMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"timeout":1500}`), &rm))
	assert.Equal(t, 1500*time.Millisecond, rm.Timeout)
}

func TestRequest_FullIngressDecode(t *testing.T) {
	raw := `{
		"model":"claude-sonnet-4-20250514",
		"messages":[
			{"role":"system","content":"be brief"},
			{"role":"user","content":[{"type":"text","text":"hi"}]}
		],
		"max_tokens":256,
		"stream":true,
		"tools":[{"name":"f","parameters":{"type":"object"}}],
		"tool_choice":"auto",
		"metadata":{"request_type":"tools","priority":"high","timeout":"10s"}
	}`
	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	assert.Equal(t, "claude-sonnet-4-20250514", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	require.Len(t, req.Messages[1].Parts, 1)
	assert.True(t, req.Stream)
	assert.Equal(t, ToolChoiceAuto, req.ToolChoice.Mode)
	assert.Equal(t, "tools", req.Metadata.RequestType)
	assert.Equal(t, "high", req.Metadata.Priority)
	assert.Equal(t, 10*time.Second, req.Metadata.Timeout)
}
