package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/iancoleman/strcase"
	"github.com/invopop/jsonschema"

	"github.com/go-go-golems/turnstore/pkg/turns"
)

// Category groups variants that share a column family.
type Category string

const (
	CategoryBuiltin Category = "builtin"
	CategoryTool    Category = "tool"
	CategoryData    Category = "data"
)

// Column names of the persisted part row. Mandatory columns are always set;
// every other column is owned by one variant family.
const (
	ColumnTextText          = "text_text"
	ColumnReasoningText     = "reasoning_text"
	ColumnSourceURLSourceID = "source_url_source_id"
	ColumnSourceURLURL      = "source_url_url"
	ColumnSourceURLTitle    = "source_url_title"
	ColumnToolCallID        = "tool_tool_call_id"
	ColumnToolState         = "tool_state"
	ColumnToolInput         = "tool_input"
	ColumnToolOutput        = "tool_output"
	ColumnToolErrorText     = "tool_error_text"
	ColumnDataID            = "data_id"
	ColumnDataStatus        = "data_status"
	ColumnDataPayload       = "data_payload"
	ColumnProviderMetadata  = "provider_metadata"
)

// ToolSpec declares a tool and the shape of its input and output.
type ToolSpec struct {
	Name        string
	Description string
	// Executable tools produce their own output; the others are completed by an
	// external actor (client-side or human confirmation).
	Executable   bool
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
}

// DataSpec declares a custom streamed data kind.
type DataSpec struct {
	Kind     string
	Statuses []string
	// Schemas holds the payload schema per status; the "" entry applies to any
	// status without its own entry.
	Schemas map[string]*jsonschema.Schema
	// Transient kinds are meant for live display and are normally never persisted.
	Transient bool
}

// Variant is the shape contract of one part discriminant.
type Variant struct {
	Type     turns.PartType
	Category Category
	// Columns lists the variant-specific row columns the variant may populate.
	Columns []string
	// Required lists the columns that must be non-null whenever the row has this type.
	Required []string
	Tool     *ToolSpec
	Data     *DataSpec
}

// HasStatus reports whether status is declared for the data variant.
func (v *Variant) HasStatus(status string) bool {
	if v.Data == nil {
		return false
	}
	for _, s := range v.Data.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

var (
	toolColumns = []string{ColumnToolCallID, ColumnToolState, ColumnToolInput, ColumnToolOutput, ColumnToolErrorText}
	dataColumns = []string{ColumnDataID, ColumnDataStatus, ColumnDataPayload}
)

// Registry is the static table of part variants. It is safe for concurrent use;
// registration is expected at startup.
type Registry struct {
	mu       sync.RWMutex
	variants map[turns.PartType]*Variant
}

// New returns a registry holding the builtin variants only.
func New() *Registry {
	r := &Registry{variants: map[turns.PartType]*Variant{}}
	r.variants[turns.PartTypeText] = &Variant{
		Type:     turns.PartTypeText,
		Category: CategoryBuiltin,
		Columns:  []string{ColumnTextText},
		Required: []string{ColumnTextText},
	}
	r.variants[turns.PartTypeReasoning] = &Variant{
		Type:     turns.PartTypeReasoning,
		Category: CategoryBuiltin,
		Columns:  []string{ColumnReasoningText, ColumnProviderMetadata},
		Required: []string{ColumnReasoningText},
	}
	r.variants[turns.PartTypeSourceURL] = &Variant{
		Type:     turns.PartTypeSourceURL,
		Category: CategoryBuiltin,
		Columns:  []string{ColumnSourceURLSourceID, ColumnSourceURLURL, ColumnSourceURLTitle, ColumnProviderMetadata},
		Required: []string{ColumnSourceURLSourceID, ColumnSourceURLURL},
	}
	r.variants[turns.PartTypeStepStart] = &Variant{
		Type:     turns.PartTypeStepStart,
		Category: CategoryBuiltin,
	}
	return r
}

// RegisterTool adds a tool-<name> variant.
func (r *Registry) RegisterTool(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strcase.ToLowerCamel(spec.Name) != spec.Name {
		return fmt.Errorf("tool name %q must be lowerCamelCase", spec.Name)
	}
	t := turns.ToolPartType(spec.Name)
	s := spec
	return r.add(&Variant{
		Type:     t,
		Category: CategoryTool,
		Columns:  toolColumns,
		Required: []string{ColumnToolCallID, ColumnToolState},
		Tool:     &s,
	})
}

// RegisterData adds a data-<kind> variant.
func (r *Registry) RegisterData(spec DataSpec) error {
	if spec.Kind == "" {
		return fmt.Errorf("data kind cannot be empty")
	}
	if len(spec.Statuses) == 0 {
		return fmt.Errorf("data kind %q declares no statuses", spec.Kind)
	}
	for status := range spec.Schemas {
		if status == "" {
			continue
		}
		found := false
		for _, s := range spec.Statuses {
			if s == status {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("data kind %q has a schema for undeclared status %q", spec.Kind, status)
		}
	}
	s := spec
	s.Statuses = append([]string(nil), spec.Statuses...)
	return r.add(&Variant{
		Type:     turns.DataPartType(spec.Kind),
		Category: CategoryData,
		Columns:  dataColumns,
		Required: []string{ColumnDataID, ColumnDataStatus},
		Data:     &s,
	})
}

func (r *Registry) add(v *Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.variants[v.Type]; exists {
		return fmt.Errorf("variant %q already registered", v.Type)
	}
	r.variants[v.Type] = v
	return nil
}

// Resolve returns the shape contract for a discriminant.
func (r *Registry) Resolve(t turns.PartType) (*Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variants[t]
	if !ok {
		return nil, &turns.UnknownVariantError{Type: t}
	}
	return v, nil
}

// MustResolve panics if t is not registered. Use it where a missing variant is
// a configuration error.
func (r *Registry) MustResolve(t turns.PartType) *Variant {
	v, err := r.Resolve(t)
	if err != nil {
		panic(err)
	}
	return v
}

// Has reports whether t is registered.
func (r *Registry) Has(t turns.PartType) bool {
	_, err := r.Resolve(t)
	return err == nil
}

// Tool returns the spec of a registered tool.
func (r *Registry) Tool(name string) (*ToolSpec, error) {
	v, err := r.Resolve(turns.ToolPartType(name))
	if err != nil {
		return nil, err
	}
	return v.Tool, nil
}

// Data returns the spec of a registered data kind.
func (r *Registry) Data(kind string) (*DataSpec, error) {
	v, err := r.Resolve(turns.DataPartType(kind))
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// Variants lists all registered variants sorted by discriminant.
func (r *Registry) Variants() []*Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Variant, 0, len(r.variants))
	for _, v := range r.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// NewToolSpec reflects input and output schemas from Go types.
func NewToolSpec[In, Out any](name, description string, executable bool) ToolSpec {
	return ToolSpec{
		Name:         name,
		Description:  description,
		Executable:   executable,
		InputSchema:  reflectSchema[In](),
		OutputSchema: reflectSchema[Out](),
	}
}

// NewDataSpec reflects one payload schema from P that applies to every status.
func NewDataSpec[P any](kind string, statuses ...string) DataSpec {
	return DataSpec{
		Kind:     kind,
		Statuses: statuses,
		Schemas:  map[string]*jsonschema.Schema{"": reflectSchema[P]()},
	}
}

func reflectSchema[T any]() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	var zero T
	schema := reflector.Reflect(zero)
	// validation runs with gojsonschema, which only knows the draft-04..07 meta-schemas
	schema.Version = ""
	return schema
}
