package serde

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnstore/pkg/turns"
)

// Options controls serialization behavior.
type Options struct {
	// OmitTimestamps omits Turn.CreatedAt on write
	OmitTimestamps bool
}

type yamlTurn struct {
	ID             string           `yaml:"id,omitempty"`
	ConversationID string           `yaml:"conversation_id,omitempty"`
	Role           turns.Role       `yaml:"role"`
	CreatedAt      *time.Time       `yaml:"created_at,omitempty"`
	Parts          []turns.WirePart `yaml:"parts"`
}

// NormalizeTurn applies serde defaults (best-effort) without mutating order.
// JSON values decoded from YAML are converted to their JSON-decoded form so
// that integers become float64, matching what the store returns.
func NormalizeTurn(t *turns.Turn) error {
	if t == nil {
		return nil
	}
	if t.Role == "" {
		t.Role = turns.RoleAssistant
	}
	for i, p := range t.Parts {
		switch v := p.(type) {
		case turns.ToolPart:
			in, err := turns.ToJSONValue(v.Input)
			if err != nil {
				return errors.Wrapf(err, "normalize input of part %d", i)
			}
			out, err := turns.ToJSONValue(v.Output)
			if err != nil {
				return errors.Wrapf(err, "normalize output of part %d", i)
			}
			v.Input, v.Output = in, out
			t.Parts[i] = v
		case turns.DataPart:
			if v.Data == nil {
				continue
			}
			d, err := turns.ToJSONValue(v.Data)
			if err != nil {
				return errors.Wrapf(err, "normalize data of part %d", i)
			}
			m, _ := d.(map[string]any)
			v.Data = m
			t.Parts[i] = v
		case turns.ReasoningPart:
			md, err := normalizeMetadata(v.ProviderMetadata)
			if err != nil {
				return errors.Wrapf(err, "normalize metadata of part %d", i)
			}
			v.ProviderMetadata = md
			t.Parts[i] = v
		case turns.SourceURLPart:
			md, err := normalizeMetadata(v.ProviderMetadata)
			if err != nil {
				return errors.Wrapf(err, "normalize metadata of part %d", i)
			}
			v.ProviderMetadata = md
			t.Parts[i] = v
		}
	}
	return nil
}

func normalizeMetadata(md turns.ProviderMetadata) (turns.ProviderMetadata, error) {
	if md == nil {
		return nil, nil
	}
	out := make(turns.ProviderMetadata, len(md))
	for provider, fields := range md {
		v, err := turns.ToJSONValue(fields)
		if err != nil {
			return nil, err
		}
		m, _ := v.(map[string]any)
		out[provider] = m
	}
	return out, nil
}

// ToYAML marshals a Turn to YAML using snake_case tags and string discriminants.
func ToYAML(t *turns.Turn, opt Options) ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return yaml.Marshal(toYAMLTurn(t, opt))
}

// ToYAMLList marshals a list of turns as a YAML sequence.
func ToYAMLList(ts []*turns.Turn, opt Options) ([]byte, error) {
	out := make([]yamlTurn, 0, len(ts))
	for _, t := range ts {
		if t == nil {
			continue
		}
		out = append(out, toYAMLTurn(t, opt))
	}
	return yaml.Marshal(out)
}

func toYAMLTurn(t *turns.Turn, opt Options) yamlTurn {
	yt := yamlTurn{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		Role:           t.Role,
		Parts:          make([]turns.WirePart, 0, len(t.Parts)),
	}
	if !opt.OmitTimestamps && !t.CreatedAt.IsZero() {
		ts := t.CreatedAt
		yt.CreatedAt = &ts
	}
	for _, p := range t.Parts {
		yt.Parts = append(yt.Parts, turns.ToWire(p))
	}
	return yt
}

// FromYAML unmarshals a Turn from YAML.
func FromYAML(b []byte) (*turns.Turn, error) {
	var yt yamlTurn
	if err := yaml.Unmarshal(b, &yt); err != nil {
		return nil, err
	}
	t := &turns.Turn{
		ID:             yt.ID,
		ConversationID: yt.ConversationID,
		Role:           yt.Role,
		Parts:          make([]turns.Part, 0, len(yt.Parts)),
	}
	if yt.CreatedAt != nil {
		t.CreatedAt = *yt.CreatedAt
	}
	for i, w := range yt.Parts {
		p, err := turns.FromWire(w)
		if err != nil {
			return nil, errors.Wrapf(err, "part %d", i)
		}
		t.Parts = append(t.Parts, p)
	}
	if err := NormalizeTurn(t); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveTurnYAML writes a Turn to a YAML file.
func SaveTurnYAML(path string, t *turns.Turn, opt Options) error {
	data, err := ToYAML(t, opt)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadTurnYAML reads a Turn from a YAML file.
func LoadTurnYAML(path string) (*turns.Turn, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(b)
}
