package mapper

import (
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstore/pkg/registry"
	"github.com/go-go-golems/turnstore/pkg/toolstate"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

// Mapper converts parts to and from rows using the shape contracts of a registry.
type Mapper struct {
	registry *registry.Registry
}

func New(r *registry.Registry) *Mapper {
	if r == nil {
		r = registry.Default()
	}
	return &Mapper{registry: r}
}

func (m *Mapper) Registry() *registry.Registry {
	return m.registry
}

// ToRow flattens a part at position index. Only the columns of the part's
// variant are populated. Parts whose type is not registered become a bare row
// carrying type and order.
func (m *Mapper) ToRow(p turns.Part, index int) (Row, error) {
	row := Row{Order: index}
	if p == nil {
		return row, &turns.InvalidPayloadError{Reason: "nil part"}
	}
	row.Type = string(p.Type())

	if !m.registry.Has(p.Type()) {
		log.Warn().
			Str("type", row.Type).
			Int("order", index).
			Msg("writing unregistered part type as bare row")
		return row, nil
	}

	var err error
	switch v := p.(type) {
	case turns.TextPart:
		row.TextText = str(v.Text)
	case turns.ReasoningPart:
		row.ReasoningText = str(v.Text)
		row.ProviderMetadata, err = metadataColumn(v.ProviderMetadata)
	case turns.SourceURLPart:
		row.SourceURLSourceID = str(v.SourceID)
		row.SourceURLURL = str(v.URL)
		row.SourceURLTitle = optStr(v.Title)
		row.ProviderMetadata, err = metadataColumn(v.ProviderMetadata)
	case turns.StepStartPart:
	case turns.ToolPart:
		row.ToolCallID = str(v.ToolCallID)
		row.ToolState = str(string(v.State))
		if row.ToolInput, err = jsonColumn(v.Input); err != nil {
			break
		}
		switch v.State {
		case turns.ToolStateOutputAvailable:
			row.ToolOutput, err = jsonColumn(v.Output)
		case turns.ToolStateOutputError:
			row.ToolErrorText = str(v.ErrorText)
		case turns.ToolStateInputStreaming, turns.ToolStateInputAvailable:
		}
	case turns.DataPart:
		row.DataID = str(v.ID)
		row.DataStatus = str(v.Status)
		if v.Data != nil {
			row.DataPayload, err = jsonColumn(v.Data)
		}
	case turns.UnknownPart:
	}
	if err != nil {
		return row, errors.Wrapf(err, "encoding %s part at %d", row.Type, index)
	}
	return row, nil
}

// ToRows maps the parts of one turn, assigning fresh row ids. Order is the
// list index.
func (m *Mapper) ToRows(messageID string, parts []turns.Part) ([]Row, error) {
	rows := make([]Row, 0, len(parts))
	for i, p := range parts {
		row, err := m.ToRow(p, i)
		if err != nil {
			return nil, err
		}
		row.ID = uuid.NewString()
		row.MessageID = messageID
		rows = append(rows, row)
	}
	return rows, nil
}

// FromRow rebuilds the part stored in row.
func (m *Mapper) FromRow(row Row) (turns.Part, error) {
	t := turns.PartType(row.Type)
	if _, err := m.registry.Resolve(t); err != nil {
		return nil, err
	}
	corrupt := func(reason string) error {
		return &CorruptRowError{RowID: row.ID, Type: row.Type, Reason: reason}
	}

	switch {
	case t == turns.PartTypeText:
		if !row.TextText.Valid {
			return nil, corrupt("text_text is null")
		}
		return turns.TextPart{Text: row.TextText.String}, nil

	case t == turns.PartTypeReasoning:
		if !row.ReasoningText.Valid {
			return nil, corrupt("reasoning_text is null")
		}
		md, err := decodeMetadata(row.ProviderMetadata)
		if err != nil {
			return nil, corrupt("provider_metadata: " + err.Error())
		}
		return turns.ReasoningPart{Text: row.ReasoningText.String, ProviderMetadata: md}, nil

	case t == turns.PartTypeSourceURL:
		if !row.SourceURLSourceID.Valid || !row.SourceURLURL.Valid {
			return nil, corrupt("source_url_source_id and source_url_url are required")
		}
		md, err := decodeMetadata(row.ProviderMetadata)
		if err != nil {
			return nil, corrupt("provider_metadata: " + err.Error())
		}
		return turns.SourceURLPart{
			SourceID:         row.SourceURLSourceID.String,
			URL:              row.SourceURLURL.String,
			Title:            row.SourceURLTitle.String,
			ProviderMetadata: md,
		}, nil

	case t == turns.PartTypeStepStart:
		return turns.StepStartPart{}, nil

	case t.IsTool():
		return m.toolFromRow(row)

	case t.IsData():
		if !row.DataID.Valid || !row.DataStatus.Valid {
			return nil, corrupt("data_id and data_status are required")
		}
		var data map[string]any
		if row.DataPayload.Valid {
			if err := json.Unmarshal([]byte(row.DataPayload.String), &data); err != nil {
				return nil, corrupt("data_payload: " + err.Error())
			}
		}
		return turns.DataPart{
			Kind:   t.DataKind(),
			ID:     row.DataID.String,
			Status: row.DataStatus.String,
			Data:   data,
		}, nil
	}

	return nil, &turns.UnknownVariantError{Type: t}
}

func (m *Mapper) toolFromRow(row Row) (turns.Part, error) {
	t := turns.PartType(row.Type)
	state := turns.ToolState(row.ToolState.String)
	if !row.ToolState.Valid {
		return nil, &turns.CorruptToolStateError{ToolCallID: row.ToolCallID.String, Reason: "tool_state is null"}
	}
	rules, ok := toolstate.RulesFor(state)
	if !ok {
		return nil, &turns.CorruptToolStateError{ToolCallID: row.ToolCallID.String, State: state, Reason: "unknown state"}
	}
	if err := checkToolColumns(row, state, rules); err != nil {
		return nil, err
	}

	p := turns.ToolPart{
		Tool:       t.ToolName(),
		ToolCallID: row.ToolCallID.String,
		State:      state,
	}
	var err error
	if rules.Input != toolstate.Absent && row.ToolInput.Valid {
		if p.Input, err = decodeJSON(row.ToolInput); err != nil {
			return nil, &CorruptRowError{RowID: row.ID, Type: row.Type, Reason: "tool_input: " + err.Error()}
		}
	}
	if rules.Output != toolstate.Absent && row.ToolOutput.Valid {
		if p.Output, err = decodeJSON(row.ToolOutput); err != nil {
			return nil, &CorruptRowError{RowID: row.ID, Type: row.Type, Reason: "tool_output: " + err.Error()}
		}
	}
	if rules.ErrorText != toolstate.Absent {
		p.ErrorText = row.ToolErrorText.String
	}
	if err := toolstate.Check(p); err != nil {
		return nil, err
	}
	return p, nil
}

// FromRows rebuilds the ordered part list of one turn. Rows are sorted by
// order first; the first failing row aborts the conversion.
func (m *Mapper) FromRows(rows []Row) ([]turns.Part, error) {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	parts := make([]turns.Part, 0, len(sorted))
	for _, row := range sorted {
		p, err := m.FromRow(row)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func jsonColumn(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return str(string(b)), nil
}

func metadataColumn(md turns.ProviderMetadata) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	return jsonColumn(md)
}

func decodeJSON(col sql.NullString) (any, error) {
	if !col.Valid {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeMetadata(col sql.NullString) (turns.ProviderMetadata, error) {
	if !col.Valid {
		return nil, nil
	}
	var md turns.ProviderMetadata
	if err := json.Unmarshal([]byte(col.String), &md); err != nil {
		return nil, err
	}
	return md.Normalized(), nil
}
