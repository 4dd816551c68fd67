package turns

import (
	clone "github.com/huandu/go-clone"
)

// Convenience constructors for commonly used Part shapes.

// NewTextPart returns a plain text part.
func NewTextPart(text string) TextPart {
	return TextPart{Text: text}
}

// NewReasoningPart returns a reasoning trace part. metadata may be nil.
func NewReasoningPart(text string, metadata ProviderMetadata) ReasoningPart {
	return ReasoningPart{Text: text, ProviderMetadata: metadata.Normalized()}
}

// NewSourceURLPart returns a citation part.
func NewSourceURLPart(sourceID, url, title string) SourceURLPart {
	return SourceURLPart{SourceID: sourceID, URL: url, Title: title}
}

// NewStepStartPart returns a step boundary marker.
func NewStepStartPart() StepStartPart {
	return StepStartPart{}
}

// NewToolPart returns a tool invocation that has just started streaming its input.
func NewToolPart(tool string, toolCallID string) ToolPart {
	return ToolPart{
		Tool:       tool,
		ToolCallID: toolCallID,
		State:      ToolStateInputStreaming,
	}
}

// NewDataPart returns a data part of the given kind.
func NewDataPart(kind, id, status string, data map[string]any) DataPart {
	return DataPart{Kind: kind, ID: id, Status: status, Data: data}
}

// ClonePart returns a deep copy of p, including nested JSON values.
func ClonePart(p Part) Part {
	if p == nil {
		return nil
	}
	return clone.Clone(p).(Part)
}

// CloneParts deep-copies a part list.
func CloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = ClonePart(p)
	}
	return out
}
