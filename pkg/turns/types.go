package turns

import (
	"strings"
	"time"
)

// Role is the author of a Turn.
type Role string

// Role constants for the closed set of turn authors.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// PartType is the discriminant of a Part.
type PartType string

const (
	PartTypeText      PartType = "text"
	PartTypeReasoning PartType = "reasoning"
	PartTypeSourceURL PartType = "source-url"
	PartTypeStepStart PartType = "step-start"
)

const (
	toolTypePrefix = "tool-"
	dataTypePrefix = "data-"
)

// ToolPartType returns the discriminant used for tool parts of the given tool.
func ToolPartType(toolName string) PartType {
	return PartType(toolTypePrefix + toolName)
}

// DataPartType returns the discriminant used for data parts of the given kind.
func DataPartType(kind string) PartType {
	return PartType(dataTypePrefix + kind)
}

func (t PartType) IsTool() bool {
	return strings.HasPrefix(string(t), toolTypePrefix) && len(t) > len(toolTypePrefix)
}

func (t PartType) IsData() bool {
	return strings.HasPrefix(string(t), dataTypePrefix) && len(t) > len(dataTypePrefix)
}

// ToolName returns the tool name of a tool-* discriminant, or "".
func (t PartType) ToolName() string {
	if !t.IsTool() {
		return ""
	}
	return string(t)[len(toolTypePrefix):]
}

// DataKind returns the kind of a data-* discriminant, or "".
func (t PartType) DataKind() string {
	if !t.IsData() {
		return ""
	}
	return string(t)[len(dataTypePrefix):]
}

func (t PartType) String() string {
	return string(t)
}

// ProviderMetadata is opaque provider-specific metadata, keyed by provider and then by field.
// Values are JSON-decoded.
// An empty map carries nothing and is stored as NULL, so Normalized folds it to nil.
type ProviderMetadata map[string]map[string]any

// Normalized returns nil for empty metadata and m otherwise.
func (m ProviderMetadata) Normalized() ProviderMetadata {
	if len(m) == 0 {
		return nil
	}
	return m
}

// Part is one typed unit within a Turn.
//
// The set of implementations is closed: TextPart, ReasoningPart, SourceURLPart,
// StepStartPart, ToolPart, DataPart and UnknownPart. Switch on the concrete type.
type Part interface {
	Type() PartType
	isPart()
}

type TextPart struct {
	Text string
}

type ReasoningPart struct {
	Text             string
	ProviderMetadata ProviderMetadata
}

type SourceURLPart struct {
	SourceID         string
	URL              string
	Title            string
	ProviderMetadata ProviderMetadata
}

// StepStartPart marks the beginning of a model step. It has no payload.
type StepStartPart struct{}

// ToolPart is one invocation of a registered tool. Identity is ToolCallID and is
// stable across all state transitions.
type ToolPart struct {
	Tool       string
	ToolCallID string
	State      ToolState
	// Input is nil when absent; partially populated while input-streaming.
	Input     any
	Output    any
	ErrorText string
}

// DataPart holds the latest value of a continuously updated object keyed by ID.
type DataPart struct {
	Kind   string
	ID     string
	Status string
	Data   map[string]any
}

// UnknownPart carries a discriminant that no variant claims. It is written as a
// bare row and never produced when reading.
type UnknownPart struct {
	RawType PartType
}

func (TextPart) Type() PartType      { return PartTypeText }
func (ReasoningPart) Type() PartType { return PartTypeReasoning }
func (SourceURLPart) Type() PartType { return PartTypeSourceURL }
func (StepStartPart) Type() PartType { return PartTypeStepStart }
func (p ToolPart) Type() PartType    { return ToolPartType(p.Tool) }
func (p DataPart) Type() PartType    { return DataPartType(p.Kind) }
func (p UnknownPart) Type() PartType { return p.RawType }

func (TextPart) isPart()      {}
func (ReasoningPart) isPart() {}
func (SourceURLPart) isPart() {}
func (StepStartPart) isPart() {}
func (ToolPart) isPart()      {}
func (DataPart) isPart()      {}
func (UnknownPart) isPart()   {}

// ToolState is the lifecycle state of a tool invocation.
type ToolState string

const (
	ToolStateInputStreaming  ToolState = "input-streaming"
	ToolStateInputAvailable  ToolState = "input-available"
	ToolStateOutputAvailable ToolState = "output-available"
	ToolStateOutputError     ToolState = "output-error"
)

// Conversation owns an ordered history of turns.
type Conversation struct {
	ID        string    `yaml:"id" json:"id"`
	Title     string    `yaml:"title,omitempty" json:"title,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"createdAt"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updatedAt"`
}

// Turn is one message in a conversation, made of ordered parts.
type Turn struct {
	ID             string
	ConversationID string
	Role           Role
	CreatedAt      time.Time
	Parts          []Part
}

// Clone returns a deep copy of the Turn suitable for mutation without affecting the original.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	out := *t
	out.Parts = CloneParts(t.Parts)
	return &out
}

// AppendPart appends a Part to a Turn.
func AppendPart(t *Turn, p Part) {
	t.Parts = append(t.Parts, p)
}

// AppendParts appends multiple Parts, preserving their order.
func AppendParts(t *Turn, parts ...Part) {
	for _, p := range parts {
		AppendPart(t, p)
	}
}

// FindPartsByType returns the parts of the requested types in turn order.
func FindPartsByType(t Turn, types ...PartType) []Part {
	lookup := map[PartType]bool{}
	for _, k := range types {
		lookup[k] = true
	}
	ret := make([]Part, 0, len(t.Parts))
	for _, p := range t.Parts {
		if lookup[p.Type()] {
			ret = append(ret, p)
		}
	}
	return ret
}

// FindToolPart returns the index of the tool part with the given call id, or -1.
func FindToolPart(parts []Part, toolCallID string) int {
	for i, p := range parts {
		if tp, ok := p.(ToolPart); ok && tp.ToolCallID == toolCallID {
			return i
		}
	}
	return -1
}

// FindDataPart returns the index of the data part of kind with the given id, or -1.
func FindDataPart(parts []Part, kind, id string) int {
	for i, p := range parts {
		if dp, ok := p.(DataPart); ok && dp.Kind == kind && dp.ID == id {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the declared tool states.
func (s ToolState) Valid() bool {
	switch s {
	case ToolStateInputStreaming, ToolStateInputAvailable, ToolStateOutputAvailable, ToolStateOutputError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is accepted after s.
func (s ToolState) Terminal() bool {
	return s == ToolStateOutputAvailable || s == ToolStateOutputError
}
