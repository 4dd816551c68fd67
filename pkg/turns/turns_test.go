package turns

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireRoundTrip(t *testing.T) {
	parts := []Part{
		NewTextPart("hello"),
		NewReasoningPart("thinking", ProviderMetadata{"openai": {"itemId": "rs_1"}}),
		NewSourceURLPart("src-1", "https://example.com", "Example"),
		NewStepStartPart(),
		NewToolPart("getWeatherInfo", "call_1"),
		ToolPart{Tool: "getWeatherInfo", ToolCallID: "call_2", State: ToolStateOutputError,
			Input: map[string]any{"location": "Paris"}, ErrorText: "boom"},
		NewDataPart("proposal", "p1", "loading", nil),
		UnknownPart{RawType: "file"},
	}
	for _, p := range parts {
		b, err := json.Marshal(ToWire(p))
		require.NoError(t, err)
		var w WirePart
		require.NoError(t, json.Unmarshal(b, &w))
		got, err := FromWire(w)
		require.NoError(t, err, string(b))
		assert.Equal(t, p, got, string(b))
	}
}

func TestEmptyProviderMetadataIsNil(t *testing.T) {
	assert.Nil(t, NewReasoningPart("r", ProviderMetadata{}).ProviderMetadata)
	assert.Nil(t, ProviderMetadata{}.Normalized())
	md := ProviderMetadata{"openai": {"itemId": "rs_1"}}
	assert.Equal(t, md, md.Normalized())

	var w WirePart
	require.NoError(t, json.Unmarshal([]byte(`{"type":"source-url","sourceId":"s","url":"u","providerMetadata":{}}`), &w))
	p, err := FromWire(w)
	require.NoError(t, err)
	assert.Equal(t, SourceURLPart{SourceID: "s", URL: "u"}, p)

	p, err = FromWire(WirePart{Type: PartTypeReasoning, Text: "r", ProviderMetadata: ProviderMetadata{}})
	require.NoError(t, err)
	assert.Equal(t, ReasoningPart{Text: "r"}, p)
}

func TestFromWireRejectsIncompletePayloads(t *testing.T) {
	cases := []struct {
		name string
		w    WirePart
		err  error
	}{
		{"no type", WirePart{Text: "x"}, ErrInvalidPayload},
		{"source without url", WirePart{Type: PartTypeSourceURL, SourceID: "s"}, ErrInvalidPayload},
		{"tool without call id", WirePart{Type: ToolPartType("t")}, ErrInvalidPayload},
		{"tool with unknown state", WirePart{Type: ToolPartType("t"), ToolCallID: "c", State: "done"}, ErrCorruptToolState},
		{"data without id", WirePart{Type: DataPartType("d"), Status: "s"}, ErrInvalidPayload},
		{"data without status", WirePart{Type: DataPartType("d"), ID: "x"}, ErrInvalidPayload},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := FromWire(c.w)
			assert.ErrorIs(t, err, c.err)
		})
	}
}

func TestPartTypes(t *testing.T) {
	assert.Equal(t, PartType("tool-getWeatherInfo"), ToolPartType("getWeatherInfo"))
	assert.True(t, ToolPartType("x").IsTool())
	assert.Equal(t, "x", ToolPartType("x").ToolName())
	assert.True(t, DataPartType("status").IsData())
	assert.Equal(t, "status", DataPartType("status").DataKind())
	assert.False(t, PartTypeText.IsTool())
	assert.False(t, PartTypeText.IsData())

	assert.True(t, ToolStateOutputError.Terminal())
	assert.True(t, ToolStateOutputAvailable.Terminal())
	assert.False(t, ToolStateInputAvailable.Terminal())
	assert.False(t, ToolState("done").Valid())
	assert.False(t, Role("robot").Valid())
}

func TestFindParts(t *testing.T) {
	parts := []Part{
		NewTextPart("a"),
		NewToolPart("t", "call_1"),
		NewDataPart("proposal", "p1", "loading", nil),
		NewDataPart("status", "p1", "running", nil),
	}
	assert.Equal(t, 1, FindToolPart(parts, "call_1"))
	assert.Equal(t, -1, FindToolPart(parts, "call_2"))
	assert.Equal(t, 2, FindDataPart(parts, "proposal", "p1"))
	assert.Equal(t, 3, FindDataPart(parts, "status", "p1"))
	assert.Equal(t, -1, FindDataPart(parts, "proposal", "p2"))
}

func TestCloneIsDeep(t *testing.T) {
	orig := NewTurnBuilder("t1", RoleAssistant).
		WithText("hi").
		WithParts(ToolPart{Tool: "t", ToolCallID: "c", State: ToolStateInputAvailable, Input: map[string]any{"k": "v"}}).
		Build()
	cp := orig.Clone()
	cp.Parts[1].(ToolPart).Input.(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", orig.Parts[1].(ToolPart).Input.(map[string]any)["k"])
}

func TestDecodeHelpers(t *testing.T) {
	type weather struct {
		Location    string  `json:"location"`
		Temperature float64 `json:"temperature"`
	}
	p := ToolPart{Tool: "w", ToolCallID: "c", State: ToolStateOutputAvailable,
		Input: map[string]any{"location": "Paris"}, Output: map[string]any{"location": "Paris", "temperature": 22.0}}
	out, err := DecodeOutput[weather](p)
	require.NoError(t, err)
	assert.Equal(t, weather{Location: "Paris", Temperature: 22}, out)

	_, err = DecodeOutput[weather](NewToolPart("w", "c"))
	assert.Error(t, err)

	v, err := ToJSONValue(weather{Location: "Oslo", Temperature: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"location": "Oslo", "temperature": 3.0}, v)
}

func TestPrettyPrinter(t *testing.T) {
	turn := NewTurnBuilder("assistant-1", RoleAssistant).
		WithParts(
			NewStepStartPart(),
			ToolPart{Tool: "getWeatherInfo", ToolCallID: "call_1", State: ToolStateOutputAvailable,
				Input: map[string]any{"location": "Paris"}, Output: map[string]any{"condition": "sunny"}},
		).
		WithText("line one\nline two").
		Build()

	var buf bytes.Buffer
	FprintTurn(&buf, turn)
	assert.Equal(t, "--- assistant-1 (assistant)\n"+
		"step\n"+
		"tool getWeatherInfo [call_1] output-available → {\"condition\":\"sunny\"}\n"+
		"assistant: line one\nline two\n", buf.String())

	buf.Reset()
	FprintTurn(&buf, turn, WithIDs(true), WithToolDetail(false), WithMaxTextLines(1))
	assert.Equal(t, "--- assistant-1 (assistant)\n"+
		"[00] step\n"+
		"[01] tool getWeatherInfo [call_1] output-available\n"+
		"[02] assistant: line one …\n", buf.String())
}
