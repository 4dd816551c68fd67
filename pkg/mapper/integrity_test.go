package mapper_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnstore/pkg/mapper"
	"github.com/go-go-golems/turnstore/pkg/registry"
	"github.com/go-go-golems/turnstore/pkg/store"
	"github.com/go-go-golems/turnstore/pkg/toolstate"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

const insertPart = `INSERT INTO parts (
    id, message_id, type, "order", created_at_ms,
    text_text, reasoning_text, source_url_source_id, source_url_url, source_url_title,
    tool_tool_call_id, tool_state, tool_input, tool_output, tool_error_text,
    data_id, data_status, data_payload, provider_metadata
) VALUES (
    :id, :message_id, :type, :order, :created_at_ms,
    :text_text, :reasoning_text, :source_url_source_id, :source_url_url, :source_url_title,
    :tool_tool_call_id, :tool_state, :tool_input, :tool_output, :tool_error_text,
    :data_id, :data_status, :data_payload, :provider_metadata
)`

// generatedRow is a row built for a (type, state) pair, optionally with one
// column toggled. want is whether the nullity table allows it.
type generatedRow struct {
	row     mapper.Row
	variant *registry.Variant
	state   turns.ToolState
	toggled string
	want    bool
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}

// presence is the nullity table: which columns a (variant, state) pair
// requires, allows or forbids. Unregistered types carry no columns.
func presence(v *registry.Variant, state turns.ToolState, col string) toolstate.Presence {
	if v == nil || !contains(v.Columns, col) {
		return toolstate.Absent
	}
	if v.Category == registry.CategoryTool {
		rules, _ := toolstate.RulesFor(state)
		switch col {
		case registry.ColumnToolCallID, registry.ColumnToolState:
			return toolstate.Required
		case registry.ColumnToolInput:
			return rules.Input
		case registry.ColumnToolOutput:
			return rules.Output
		case registry.ColumnToolErrorText:
			return rules.ErrorText
		}
	}
	if contains(v.Required, col) {
		return toolstate.Required
	}
	return toolstate.Optional
}

func columnValue(v *registry.Variant, state turns.ToolState, col string) sql.NullString {
	s := "x"
	switch col {
	case registry.ColumnToolState:
		s = string(turns.ToolStateInputAvailable)
		if state != "" {
			s = string(state)
		}
	case registry.ColumnDataStatus:
		s = registry.ProposalLoading
		if v != nil && v.Data != nil {
			s = v.Data.Statuses[0]
		}
	case registry.ColumnToolInput:
		s = `{"location":"Paris"}`
	case registry.ColumnToolOutput:
		s = `{"condition":"sunny"}`
	case registry.ColumnDataPayload:
		s = `{"title":"x"}`
	case registry.ColumnProviderMetadata:
		s = `{"p":{"k":1}}`
	}
	return sql.NullString{String: s, Valid: true}
}

func generateRow(rng *rand.Rand, reg *registry.Registry, types []turns.PartType, i int) generatedRow {
	typ := types[rng.Intn(len(types))]
	v, err := reg.Resolve(typ)
	if err != nil {
		v = nil
	}

	g := generatedRow{variant: v, want: true}
	if v != nil && v.Category == registry.CategoryTool {
		states := append(toolstate.States(), turns.ToolState("bogus"))
		g.state = states[rng.Intn(len(states))]
		g.want = g.state.Valid()
	}

	row := mapper.Row{ID: fmt.Sprintf("r%d", i), MessageID: "m1", Type: string(typ), Order: i}
	for _, col := range mapper.Columns() {
		switch presence(v, g.state, col) {
		case toolstate.Required:
			*row.Column(col) = columnValue(v, g.state, col)
		case toolstate.Optional:
			if rng.Intn(2) == 0 {
				*row.Column(col) = columnValue(v, g.state, col)
			}
		case toolstate.Absent:
		}
	}

	if rng.Intn(2) == 0 {
		cols := mapper.Columns()
		g.toggled = cols[rng.Intn(len(cols))]
		c := row.Column(g.toggled)
		if c.Valid {
			*c = sql.NullString{}
		} else {
			*c = columnValue(v, g.state, g.toggled)
		}
		if presence(v, g.state, g.toggled) != toolstate.Optional {
			g.want = false
		}
	}
	g.row = row
	return g
}

func partTypes(reg *registry.Registry) []turns.PartType {
	var types []turns.PartType
	for _, v := range reg.Variants() {
		types = append(types, v.Type)
	}
	return append(types, "file", "tool-unregistered", "data-unregistered")
}

// CheckRow accepts a row exactly when its nullity matches the table of its
// (type, state) pair, and accepted rows survive FromRow and ToRow unchanged.
func TestCheckRowMatchesNullityTable(t *testing.T) {
	reg := registry.Default()
	m := mapper.New(reg)
	types := partTypes(reg)
	rng := rand.New(rand.NewSource(42))

	accepted, rejected := 0, 0
	for i := 0; i < 5000; i++ {
		g := generateRow(rng, reg, types, i)
		msg := fmt.Sprintf("type %s state %q toggled %q", g.row.Type, g.state, g.toggled)

		err := m.CheckRow(g.row)
		if !g.want {
			require.Error(t, err, msg)
			assert.True(t, errors.Is(err, mapper.ErrCorruptRow) || errors.Is(err, turns.ErrCorruptToolState), msg)
			rejected++
			continue
		}
		require.NoError(t, err, msg)
		accepted++

		p, err := m.FromRow(g.row)
		if g.variant == nil {
			assert.ErrorIs(t, err, turns.ErrUnknownVariant, msg)
			continue
		}
		require.NoError(t, err, msg)

		back, err := m.ToRow(p, g.row.Order)
		require.NoError(t, err, msg)
		require.NoError(t, m.CheckRow(back), msg)
		for _, col := range mapper.Columns() {
			assert.Equal(t, g.row.Column(col).Valid, back.Column(col).Valid, "%s: column %s", msg, col)
		}
	}
	assert.Greater(t, accepted, 500)
	assert.Greater(t, rejected, 500)
}

// The SQL CHECK constraints never reject a row CheckRow accepts. For types
// outside tool-* and data-* they agree exactly; for those two families the
// schema cannot tell a registered row with a missing state or status from
// the bare row of an unregistered type, so only CheckRow rejects it.
func TestSchemaChecksAgreeWithCheckRow(t *testing.T) {
	ctx := context.Background()
	dsn, err := store.SQLiteDSNForFile(filepath.Join(t.TempDir(), "integrity.db"))
	require.NoError(t, err)
	db, err := sqlx.Open(store.DriverSQLite, dsn)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(ctx, db.DB, store.DriverSQLite))

	_, err = db.ExecContext(ctx, `INSERT INTO conversations (id, title, created_at_ms, updated_at_ms) VALUES ('c1', '', 0, 0)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, role, created_at_ms, seq) VALUES ('m1', 'c1', 'assistant', 0, 1)`)
	require.NoError(t, err)

	reg := registry.Default()
	m := mapper.New(reg)
	types := partTypes(reg)
	rng := rand.New(rand.NewSource(7))

	sqlRejected := 0
	for i := 0; i < 2000; i++ {
		g := generateRow(rng, reg, types, i)
		msg := fmt.Sprintf("type %s state %q toggled %q", g.row.Type, g.state, g.toggled)

		checkErr := m.CheckRow(g.row)
		_, sqlErr := db.NamedExecContext(ctx, insertPart, g.row)
		if sqlErr != nil {
			sqlRejected++
		}
		if checkErr == nil {
			require.NoError(t, sqlErr, msg)
		}
		typ := turns.PartType(g.row.Type)
		if !typ.IsTool() && !typ.IsData() {
			assert.Equal(t, checkErr == nil, sqlErr == nil, "%s: check=%v sql=%v", msg, checkErr, sqlErr)
		}
	}
	assert.Greater(t, sqlRejected, 0)
}
