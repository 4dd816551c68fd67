package mapper

import (
	"encoding/json"

	"github.com/go-go-golems/turnstore/pkg/registry"
	"github.com/go-go-golems/turnstore/pkg/toolstate"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

var jsonColumns = map[string]bool{
	registry.ColumnToolInput:        true,
	registry.ColumnToolOutput:       true,
	registry.ColumnDataPayload:      true,
	registry.ColumnProviderMetadata: true,
}

// CheckRow enforces the integrity rule of the part table: columns required by
// the variant are set, columns owned by other variants are null, and tool
// column nullity matches the tool state. Rows of unregistered types must be
// bare.
func (m *Mapper) CheckRow(row Row) error {
	corrupt := func(reason string) error {
		return &CorruptRowError{RowID: row.ID, Type: row.Type, Reason: reason}
	}
	if row.Type == "" {
		return corrupt("type is empty")
	}
	if row.Order < 0 {
		return corrupt("negative order")
	}

	v, err := m.registry.Resolve(turns.PartType(row.Type))
	if err != nil {
		for _, name := range Columns() {
			if row.Column(name).Valid {
				return corrupt("unregistered type with " + name + " set")
			}
		}
		return nil
	}

	allowed := map[string]bool{}
	for _, c := range v.Columns {
		allowed[c] = true
	}
	for _, name := range Columns() {
		col := row.Column(name)
		if !col.Valid {
			continue
		}
		if !allowed[name] {
			return corrupt(name + " does not belong to " + row.Type)
		}
		if jsonColumns[name] && !json.Valid([]byte(col.String)) {
			return corrupt(name + " is not valid JSON")
		}
	}

	if v.Category == registry.CategoryTool {
		if !row.ToolState.Valid {
			return &turns.CorruptToolStateError{ToolCallID: row.ToolCallID.String, Reason: "tool_state is null"}
		}
		state := turns.ToolState(row.ToolState.String)
		rules, ok := toolstate.RulesFor(state)
		if !ok {
			return &turns.CorruptToolStateError{ToolCallID: row.ToolCallID.String, State: state, Reason: "unknown state"}
		}
		return checkToolColumns(row, state, rules)
	}

	for _, name := range v.Required {
		if !row.Column(name).Valid {
			return corrupt(name + " is required")
		}
	}
	if v.Category == registry.CategoryData && !v.HasStatus(row.DataStatus.String) {
		return corrupt("undeclared status " + row.DataStatus.String)
	}
	return nil
}

func checkToolColumns(row Row, state turns.ToolState, rules toolstate.Rules) error {
	if !row.ToolCallID.Valid || row.ToolCallID.String == "" {
		return &turns.CorruptToolStateError{State: state, Reason: "tool_tool_call_id is null"}
	}
	fields := []struct {
		name     string
		presence toolstate.Presence
		set      bool
	}{
		{registry.ColumnToolInput, rules.Input, row.ToolInput.Valid},
		{registry.ColumnToolOutput, rules.Output, row.ToolOutput.Valid},
		{registry.ColumnToolErrorText, rules.ErrorText, row.ToolErrorText.Valid},
	}
	for _, f := range fields {
		switch {
		case f.presence == toolstate.Required && !f.set:
			return &turns.CorruptToolStateError{ToolCallID: row.ToolCallID.String, State: state, Reason: f.name + " is required"}
		case f.presence == toolstate.Absent && f.set:
			return &turns.CorruptToolStateError{ToolCallID: row.ToolCallID.String, State: state, Reason: f.name + " must be null"}
		}
	}
	return nil
}
