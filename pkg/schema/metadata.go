package schema

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TriggerMetadata is the decoded form of a TRIGGER step's metadata blob:
// which trigger of the step's app to poll, and the user-supplied field values.
type TriggerMetadata struct {
	TriggerID string         `json:"triggerId"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// ActionMetadata is the decoded form of an ACTION step's metadata blob.
type ActionMetadata struct {
	ActionID string         `json:"actionId"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// DecodeTriggerMetadata decodes and checks a TRIGGER step's metadata.
// Malformed metadata is rejected here, at the boundary, so the scheduler
// never dereferences an untyped blob mid-run.
func DecodeTriggerMetadata(raw json.RawMessage) (*TriggerMetadata, error) {
	if len(raw) == 0 {
		return nil, NewError(ErrCodeValidation, "trigger step has no metadata")
	}
	var md TriggerMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, NewError(ErrCodeValidation, "malformed trigger metadata").WithCause(err)
	}
	if md.TriggerID == "" {
		return nil, NewError(ErrCodeValidation, "trigger metadata is missing triggerId")
	}
	return &md, nil
}

// DecodeActionMetadata decodes and checks an ACTION step's metadata.
func DecodeActionMetadata(raw json.RawMessage) (*ActionMetadata, error) {
	if len(raw) == 0 {
		return nil, NewError(ErrCodeValidation, "action step has no metadata")
	}
	var md ActionMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, NewError(ErrCodeValidation, "malformed action metadata").WithCause(err)
	}
	if md.ActionID == "" {
		return nil, NewError(ErrCodeValidation, "action metadata is missing actionId")
	}
	return &md, nil
}

// FieldValidator validates metadata field values against the JSON schema a
// trigger or action declares for its inputs. Compiled schemas are cached and
// reused across goroutines.
type FieldValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewFieldValidator creates an empty FieldValidator.
func NewFieldValidator() *FieldValidator {
	return &FieldValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks fields against the given schema document. A nil or empty
// schema accepts anything.
func (v *FieldValidator) Validate(schemaJSON json.RawMessage, fields map[string]any) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	sch, err := v.getOrCompile(schemaJSON)
	if err != nil {
		return err
	}

	// The schema library validates decoded JSON values, so round-trip the
	// field map to normalize numbers.
	data, err := json.Marshal(fields)
	if err != nil {
		return NewError(ErrCodeValidation, "fields are not JSON-encodable").WithCause(err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return NewError(ErrCodeValidation, "fields are not valid JSON").WithCause(err)
	}

	if err := sch.Validate(value); err != nil {
		return NewErrorf(ErrCodeValidation, "metadata fields do not match schema: %v", err).WithCause(err)
	}
	return nil
}

func (v *FieldValidator) getOrCompile(schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaJSON)

	v.mu.RLock()
	if sch, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return sch, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if sch, ok := v.cache[key]; ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, NewError(ErrCodeValidation, "invalid input schema document").WithCause(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://fields.json", doc); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid input schema resource").WithCause(err)
	}
	sch, err := compiler.Compile("inline://fields.json")
	if err != nil {
		return nil, NewError(ErrCodeValidation, "input schema does not compile").WithCause(err)
	}

	v.cache[key] = sch
	return sch, nil
}
