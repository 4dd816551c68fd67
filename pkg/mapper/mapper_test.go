package mapper

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnstore/pkg/registry"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

func samples() []turns.Part {
	input := map[string]any{"location": "Paris"}
	output := map[string]any{"location": "Paris", "condition": "sunny", "temperature": 22.0, "unit": "celsius"}
	return []turns.Part{
		turns.NewTextPart("hello"),
		turns.NewTextPart(""),
		turns.NewReasoningPart("thinking", nil),
		turns.NewReasoningPart("signed", turns.ProviderMetadata{"anthropic": {"signature": "abc"}}),
		turns.NewReasoningPart("no metadata", turns.ProviderMetadata{}),
		turns.NewSourceURLPart("s1", "https://example.com", "Example"),
		turns.NewSourceURLPart("s2", "https://example.org", ""),
		turns.NewStepStartPart(),
		turns.NewToolPart(registry.ToolGetWeatherInfo, "c0"),
		turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c1", State: turns.ToolStateInputStreaming, Input: map[string]any{"loc": "Pa"}},
		turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c2", State: turns.ToolStateInputAvailable, Input: input},
		turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c3", State: turns.ToolStateOutputAvailable, Input: input, Output: output},
		turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c4", State: turns.ToolStateOutputError, Input: input, ErrorText: "service down"},
		turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c5", State: turns.ToolStateOutputError, Input: input},
		turns.ToolPart{Tool: registry.ToolConfirmAction, ToolCallID: "c6", State: turns.ToolStateOutputAvailable,
			Input: map[string]any{"action": "a", "details": "d", "severity": "low"}, Output: map[string]any{"confirmed": true}},
		turns.NewDataPart(registry.DataKindProposal, "p1", registry.ProposalLoading, nil),
		turns.NewDataPart(registry.DataKindProposal, "p1", registry.ProposalComplete, map[string]any{"title": "T", "content": []any{1.0, "x"}}),
	}
}

func TestRoundTripAllVariants(t *testing.T) {
	m := New(registry.Default())
	for i, p := range samples() {
		t.Run(fmt.Sprintf("%d-%s", i, p.Type()), func(t *testing.T) {
			row, err := m.ToRow(p, i)
			require.NoError(t, err)
			assert.Equal(t, i, row.Order)
			assert.Equal(t, string(p.Type()), row.Type)
			require.NoError(t, m.CheckRow(row))

			got, err := m.FromRow(row)
			require.NoError(t, err)
			if diff := cmp.Diff(p, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Empty metadata is stored as NULL and reads back as nil.
func TestEmptyProviderMetadataReadsBackNil(t *testing.T) {
	m := New(registry.Default())
	parts := []turns.Part{
		turns.ReasoningPart{Text: "r", ProviderMetadata: turns.ProviderMetadata{}},
		turns.SourceURLPart{SourceID: "s", URL: "https://example.com", ProviderMetadata: turns.ProviderMetadata{}},
	}
	for i, p := range parts {
		row, err := m.ToRow(p, i)
		require.NoError(t, err)
		assert.False(t, row.ProviderMetadata.Valid)

		got, err := m.FromRow(row)
		require.NoError(t, err)
		assert.Nil(t, turns.ToWire(got).ProviderMetadata)
	}

	got, err := m.FromRow(Row{ID: "x", Type: string(turns.PartTypeReasoning), ReasoningText: str("r"), ProviderMetadata: str("{}")})
	require.NoError(t, err)
	assert.Equal(t, turns.NewReasoningPart("r", nil), got)
}

func TestToRowPopulatesOnlyStateColumns(t *testing.T) {
	m := New(registry.Default())

	row, err := m.ToRow(turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c1", State: turns.ToolStateInputStreaming,
		Input: map[string]any{"location": "Par"}, Output: map[string]any{"stale": true}, ErrorText: "stale"}, 0)
	require.NoError(t, err)
	assert.True(t, row.ToolInput.Valid)
	assert.False(t, row.ToolOutput.Valid)
	assert.False(t, row.ToolErrorText.Valid)
	assert.False(t, row.TextText.Valid)

	row, err = m.ToRow(turns.ToolPart{Tool: registry.ToolGetWeatherInfo, ToolCallID: "c1", State: turns.ToolStateOutputError,
		Input: map[string]any{"location": "Paris"}, ErrorText: "boom"}, 3)
	require.NoError(t, err)
	assert.Equal(t, `{"location":"Paris"}`, row.ToolInput.String)
	assert.False(t, row.ToolOutput.Valid)
	assert.Equal(t, "boom", row.ToolErrorText.String)
	assert.Equal(t, 3, row.Order)
}

func TestUnknownPartsDegradeOnWriteAndFailOnRead(t *testing.T) {
	m := New(registry.Default())

	parts := []turns.Part{
		turns.NewTextPart("before"),
		turns.UnknownPart{RawType: "file"},
		turns.ToolPart{Tool: "launchRocket", ToolCallID: "x", State: turns.ToolStateInputAvailable, Input: map[string]any{}},
		turns.NewTextPart("after"),
	}
	rows, err := m.ToRows("turn-1", parts)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	for i, row := range rows {
		assert.Equal(t, "turn-1", row.MessageID)
		assert.NotEmpty(t, row.ID)
		assert.Equal(t, i, row.Order)
		require.NoError(t, m.CheckRow(row))
	}
	for _, name := range Columns() {
		assert.False(t, rows[1].Column(name).Valid, name)
		assert.False(t, rows[2].Column(name).Valid, name)
	}

	_, err = m.FromRow(rows[1])
	assert.ErrorIs(t, err, turns.ErrUnknownVariant)
	_, err = m.FromRows(rows)
	assert.ErrorIs(t, err, turns.ErrUnknownVariant)

	_, err = m.FromRow(rows[0])
	assert.NoError(t, err)
}

func TestFromRowCorruptToolState(t *testing.T) {
	m := New(registry.Default())
	base := Row{ID: "r", Type: "tool-" + registry.ToolGetWeatherInfo, ToolCallID: str("c1")}

	cases := map[string]Row{}

	r := base
	r.ToolState = str("output-pending")
	r.ToolInput = str(`{}`)
	cases["unknown state"] = r

	r = base
	cases["null state"] = r

	r = base
	r.ToolState = str(string(turns.ToolStateOutputAvailable))
	r.ToolInput = str(`{"location":"Paris"}`)
	cases["output-available without output"] = r

	r = base
	r.ToolState = str(string(turns.ToolStateInputAvailable))
	cases["input-available without input"] = r

	r = base
	r.ToolState = str(string(turns.ToolStateOutputError))
	r.ToolInput = str(`{"location":"Paris"}`)
	cases["output-error without errorText"] = r

	r = base
	r.ToolState = str(string(turns.ToolStateInputStreaming))
	r.ToolOutput = str(`{}`)
	cases["streaming with output"] = r

	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.FromRow(row)
			require.Error(t, err)
			assert.ErrorIs(t, err, turns.ErrCorruptToolState)
			assert.ErrorIs(t, m.CheckRow(row), turns.ErrCorruptToolState)
		})
	}
}

func TestFromRowCorruptRow(t *testing.T) {
	m := New(registry.Default())

	_, err := m.FromRow(Row{ID: "r", Type: string(turns.PartTypeText)})
	assert.ErrorIs(t, err, ErrCorruptRow)

	_, err = m.FromRow(Row{ID: "r", Type: string(turns.PartTypeSourceURL), SourceURLSourceID: str("s")})
	assert.ErrorIs(t, err, ErrCorruptRow)

	_, err = m.FromRow(Row{ID: "r", Type: "data-proposal", DataID: str("p"), DataStatus: str("loading"), DataPayload: str("{")})
	assert.ErrorIs(t, err, ErrCorruptRow)

	err = m.CheckRow(Row{ID: "r", Type: string(turns.PartTypeText), TextText: str("x"), DataID: str("p")})
	assert.ErrorIs(t, err, ErrCorruptRow, "foreign column")

	err = m.CheckRow(Row{ID: "r", Type: "data-proposal", DataID: str("p"), DataStatus: str("archived")})
	assert.ErrorIs(t, err, ErrCorruptRow, "undeclared status")

	err = m.CheckRow(Row{ID: "r", Type: "file", TextText: str("x")})
	assert.ErrorIs(t, err, ErrCorruptRow, "unregistered rows must be bare")
}

func TestFromRowsSortsByOrder(t *testing.T) {
	m := New(registry.Default())
	parts := samples()
	rows, err := m.ToRows("turn", parts)
	require.NoError(t, err)

	shuffled := make([]Row, len(rows))
	copy(shuffled, rows)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	got, err := m.FromRows(shuffled)
	require.NoError(t, err)
	if diff := cmp.Diff(parts, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}
