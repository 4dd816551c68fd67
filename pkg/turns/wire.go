package turns

import (
	"encoding/json"
	"fmt"
)

// WirePart is the flat serialized form of a Part: a type discriminant plus every
// variant field, each optional. It is used for YAML files and stream payloads.
type WirePart struct {
	Type             PartType         `json:"type" yaml:"type"`
	Text             string           `json:"text,omitempty" yaml:"text,omitempty"`
	SourceID         string           `json:"sourceId,omitempty" yaml:"source_id,omitempty"`
	URL              string           `json:"url,omitempty" yaml:"url,omitempty"`
	Title            string           `json:"title,omitempty" yaml:"title,omitempty"`
	ProviderMetadata ProviderMetadata `json:"providerMetadata,omitempty" yaml:"provider_metadata,omitempty"`
	ToolCallID       string           `json:"toolCallId,omitempty" yaml:"tool_call_id,omitempty"`
	State            ToolState        `json:"state,omitempty" yaml:"state,omitempty"`
	Input            any              `json:"input,omitempty" yaml:"input,omitempty"`
	Output           any              `json:"output,omitempty" yaml:"output,omitempty"`
	ErrorText        string           `json:"errorText,omitempty" yaml:"error_text,omitempty"`
	ID               string           `json:"id,omitempty" yaml:"id,omitempty"`
	Status           string           `json:"status,omitempty" yaml:"status,omitempty"`
	Data             map[string]any   `json:"data,omitempty" yaml:"data,omitempty"`
}

// ToWire flattens a Part.
func ToWire(p Part) WirePart {
	switch v := p.(type) {
	case TextPart:
		return WirePart{Type: PartTypeText, Text: v.Text}
	case ReasoningPart:
		return WirePart{Type: PartTypeReasoning, Text: v.Text, ProviderMetadata: v.ProviderMetadata}
	case SourceURLPart:
		return WirePart{
			Type:             PartTypeSourceURL,
			SourceID:         v.SourceID,
			URL:              v.URL,
			Title:            v.Title,
			ProviderMetadata: v.ProviderMetadata,
		}
	case StepStartPart:
		return WirePart{Type: PartTypeStepStart}
	case ToolPart:
		return WirePart{
			Type:       v.Type(),
			ToolCallID: v.ToolCallID,
			State:      v.State,
			Input:      v.Input,
			Output:     v.Output,
			ErrorText:  v.ErrorText,
		}
	case DataPart:
		return WirePart{Type: v.Type(), ID: v.ID, Status: v.Status, Data: v.Data}
	case UnknownPart:
		return WirePart{Type: v.RawType}
	case nil:
		return WirePart{}
	default:
		return WirePart{Type: p.Type()}
	}
}

// FromWire rebuilds a Part from its flat form. Fields that do not belong to
// the variant are ignored. Discriminants that match no variant family yield an
// UnknownPart.
func FromWire(w WirePart) (Part, error) {
	switch {
	case w.Type == PartTypeText:
		return TextPart{Text: w.Text}, nil
	case w.Type == PartTypeReasoning:
		return ReasoningPart{Text: w.Text, ProviderMetadata: w.ProviderMetadata.Normalized()}, nil
	case w.Type == PartTypeSourceURL:
		if w.SourceID == "" || w.URL == "" {
			return nil, &InvalidPayloadError{Type: w.Type, Reason: "source-url requires sourceId and url"}
		}
		return SourceURLPart{
			SourceID:         w.SourceID,
			URL:              w.URL,
			Title:            w.Title,
			ProviderMetadata: w.ProviderMetadata.Normalized(),
		}, nil
	case w.Type == PartTypeStepStart:
		return StepStartPart{}, nil
	case w.Type.IsTool():
		if w.ToolCallID == "" {
			return nil, &InvalidPayloadError{Type: w.Type, Field: "toolCallId", Reason: "required"}
		}
		state := w.State
		if state == "" {
			state = ToolStateInputStreaming
		}
		if !state.Valid() {
			return nil, &CorruptToolStateError{ToolCallID: w.ToolCallID, State: state, Reason: "unknown state"}
		}
		return ToolPart{
			Tool:       w.Type.ToolName(),
			ToolCallID: w.ToolCallID,
			State:      state,
			Input:      w.Input,
			Output:     w.Output,
			ErrorText:  w.ErrorText,
		}, nil
	case w.Type.IsData():
		if w.ID == "" {
			return nil, &InvalidPayloadError{Type: w.Type, Field: "id", Reason: "required"}
		}
		if w.Status == "" {
			return nil, &InvalidPayloadError{Type: w.Type, Field: "status", Reason: "required"}
		}
		return DataPart{Kind: w.Type.DataKind(), ID: w.ID, Status: w.Status, Data: w.Data}, nil
	case w.Type == "":
		return nil, &InvalidPayloadError{Reason: "missing type"}
	default:
		return UnknownPart{RawType: w.Type}, nil
	}
}

// DecodeInput converts the JSON input of a tool part into T.
func DecodeInput[T any](p ToolPart) (T, error) {
	return decodeJSONValue[T](p.Input)
}

// DecodeOutput converts the JSON output of a tool part into T.
func DecodeOutput[T any](p ToolPart) (T, error) {
	return decodeJSONValue[T](p.Output)
}

// DecodeData converts the payload of a data part into T.
func DecodeData[T any](p DataPart) (T, error) {
	return decodeJSONValue[T](p.Data)
}

// ToJSONValue converts a typed value into its JSON-decoded form (maps, slices,
// float64, string, bool), the representation parts carry.
func ToJSONValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeJSONValue[T any](v any) (T, error) {
	var out T
	if v == nil {
		return out, fmt.Errorf("no value to decode")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}
