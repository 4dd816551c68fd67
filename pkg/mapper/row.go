package mapper

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-go-golems/turnstore/pkg/registry"
)

var ErrCorruptRow = errors.New("corrupt part row")

// CorruptRowError reports a row whose columns do not match its type.
type CorruptRowError struct {
	RowID  string
	Type   string
	Reason string
}

func (e *CorruptRowError) Error() string {
	if e == nil {
		return ErrCorruptRow.Error()
	}
	return fmt.Sprintf("%s %q (type %q): %s", ErrCorruptRow, e.RowID, e.Type, e.Reason)
}

func (e *CorruptRowError) Is(target error) bool { return target == ErrCorruptRow }

// Row is the flat persisted layout of one part. Every variant-specific column
// is nullable; JSON columns hold compact JSON text.
type Row struct {
	ID          string `db:"id"`
	MessageID   string `db:"message_id"`
	Type        string `db:"type"`
	Order       int    `db:"order"`
	CreatedAtMs int64  `db:"created_at_ms"`

	TextText          sql.NullString `db:"text_text"`
	ReasoningText     sql.NullString `db:"reasoning_text"`
	SourceURLSourceID sql.NullString `db:"source_url_source_id"`
	SourceURLURL      sql.NullString `db:"source_url_url"`
	SourceURLTitle    sql.NullString `db:"source_url_title"`
	ToolCallID        sql.NullString `db:"tool_tool_call_id"`
	ToolState         sql.NullString `db:"tool_state"`
	ToolInput         sql.NullString `db:"tool_input"`
	ToolOutput        sql.NullString `db:"tool_output"`
	ToolErrorText     sql.NullString `db:"tool_error_text"`
	DataID            sql.NullString `db:"data_id"`
	DataStatus        sql.NullString `db:"data_status"`
	DataPayload       sql.NullString `db:"data_payload"`
	ProviderMetadata  sql.NullString `db:"provider_metadata"`
}

// Columns lists the nullable variant columns in table order.
func Columns() []string {
	return []string{
		registry.ColumnTextText,
		registry.ColumnReasoningText,
		registry.ColumnSourceURLSourceID,
		registry.ColumnSourceURLURL,
		registry.ColumnSourceURLTitle,
		registry.ColumnToolCallID,
		registry.ColumnToolState,
		registry.ColumnToolInput,
		registry.ColumnToolOutput,
		registry.ColumnToolErrorText,
		registry.ColumnDataID,
		registry.ColumnDataStatus,
		registry.ColumnDataPayload,
		registry.ColumnProviderMetadata,
	}
}

// Column returns a pointer to the named nullable column, or nil.
func (r *Row) Column(name string) *sql.NullString {
	switch name {
	case registry.ColumnTextText:
		return &r.TextText
	case registry.ColumnReasoningText:
		return &r.ReasoningText
	case registry.ColumnSourceURLSourceID:
		return &r.SourceURLSourceID
	case registry.ColumnSourceURLURL:
		return &r.SourceURLURL
	case registry.ColumnSourceURLTitle:
		return &r.SourceURLTitle
	case registry.ColumnToolCallID:
		return &r.ToolCallID
	case registry.ColumnToolState:
		return &r.ToolState
	case registry.ColumnToolInput:
		return &r.ToolInput
	case registry.ColumnToolOutput:
		return &r.ToolOutput
	case registry.ColumnToolErrorText:
		return &r.ToolErrorText
	case registry.ColumnDataID:
		return &r.DataID
	case registry.ColumnDataStatus:
		return &r.DataStatus
	case registry.ColumnDataPayload:
		return &r.DataPayload
	case registry.ColumnProviderMetadata:
		return &r.ProviderMetadata
	}
	return nil
}

func str(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func optStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return str(s)
}
