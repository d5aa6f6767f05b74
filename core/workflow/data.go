package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/leofalp/agentcanvas/internal/jsonschema"
)

var validate = validator.New()

// ErrInvalidNodeData is returned when a payload does not match its node type
// or fails field validation.
var ErrInvalidNodeData = errors.New("workflow: invalid node data")

// NodeData is the type-specific payload of a node. The set of implementations
// is closed: InputData, LLMData, SkillData, TransformData and OutputData.
type NodeData interface {
	// NodeType returns the node type this payload belongs to.
	NodeType() NodeType

	clone() NodeData
}

// InputData configures an input node.
type InputData struct {
	Label string `json:"label,omitempty"`

	// Schema, when set, is enforced against the execution payload.
	Schema *jsonschema.Schema `json:"schema,omitempty"`
}

// LLMData configures a language-model node.
type LLMData struct {
	Label string `json:"label,omitempty"`

	// Model overrides the engine's default model when non-empty.
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// PromptTemplate may reference {{input}} and {{field.name}} placeholders.
	PromptTemplate string   `json:"prompt_template"`
	Temperature    *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      int      `json:"max_tokens,omitempty" validate:"gte=0"`

	// MaxAttempts bounds provider calls; zero uses the engine default.
	MaxAttempts int `json:"max_attempts,omitempty" validate:"gte=0,lte=10"`
}

// SkillData configures a call to an external API. The descriptor comes from
// the skill catalog when SkillID is set; the inline fields override it.
type SkillData struct {
	Label   string `json:"label,omitempty"`
	SkillID string `json:"skill_id,omitempty"`

	Endpoint   string `json:"endpoint,omitempty" validate:"omitempty,url"`
	HTTPMethod string `json:"http_method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	AuthType   string `json:"auth_type,omitempty" validate:"omitempty,oneof=none bearer api_key basic"`

	// CredentialRef names the secret handed to the credential provider.
	CredentialRef string `json:"credential_ref,omitempty"`

	// InputMapping maps request fields to dot paths or templates over
	// upstream outputs.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	MaxAttempts    int `json:"max_attempts,omitempty" validate:"gte=0,lte=10"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"gte=0,lte=600"`
}

// TransformType selects the operation of a transform node.
type TransformType string

const (
	TransformExtract       TransformType = "extract"
	TransformTemplate      TransformType = "template"
	TransformJSONParse     TransformType = "json_parse"
	TransformJSONStringify TransformType = "json_stringify"
	TransformArrayJoin     TransformType = "array_join"
)

// TransformData configures a pure data transform.
type TransformData struct {
	Label         string        `json:"label,omitempty"`
	TransformType TransformType `json:"transform_type" validate:"required,oneof=extract template json_parse json_stringify array_join"`

	// FieldPath is the dot path read by extract, json_parse and array_join.
	FieldPath string `json:"field_path,omitempty"`
	Template  string `json:"template,omitempty"`
	Separator string `json:"separator,omitempty"`

	// Lenient lets json_parse repair malformed JSON instead of failing.
	Lenient bool `json:"lenient,omitempty"`
}

// OutputData configures an output node.
type OutputData struct {
	Label string `json:"label,omitempty"`

	// Fields lists dot paths copied into the execution output. An empty list
	// copies the upstream value as is.
	Fields []string `json:"fields,omitempty" validate:"dive,required"`

	// CollectPartial keeps the node running when some predecessors failed,
	// collecting whatever upstream values exist.
	CollectPartial bool `json:"collect_partial,omitempty"`
}

func (InputData) NodeType() NodeType     { return NodeInput }
func (LLMData) NodeType() NodeType       { return NodeLLM }
func (SkillData) NodeType() NodeType     { return NodeSkill }
func (TransformData) NodeType() NodeType { return NodeTransform }
func (OutputData) NodeType() NodeType    { return NodeOutput }

func (data InputData) clone() NodeData {
	data.Schema = data.Schema.Clone()
	return data
}

func (data LLMData) clone() NodeData {
	if data.Temperature != nil {
		temperature := *data.Temperature
		data.Temperature = &temperature
	}
	return data
}

func (data SkillData) clone() NodeData {
	data.InputMapping = maps.Clone(data.InputMapping)
	return data
}

func (data TransformData) clone() NodeData { return data }

func (data OutputData) clone() NodeData {
	data.Fields = slices.Clone(data.Fields)
	return data
}

// DefaultData returns the zero payload for a node type, ready to be edited.
func DefaultData(nodeType NodeType) (NodeData, error) {
	switch nodeType {
	case NodeInput:
		return InputData{}, nil
	case NodeLLM:
		return LLMData{}, nil
	case NodeSkill:
		return SkillData{}, nil
	case NodeTransform:
		return TransformData{TransformType: TransformExtract}, nil
	case NodeOutput:
		return OutputData{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown node type %q", ErrInvalidNodeData, nodeType)
	}
}

// DecodeNodeData decodes raw JSON into the payload variant for nodeType and
// validates it. Empty input yields DefaultData. Unknown fields are rejected.
func DecodeNodeData(nodeType NodeType, raw []byte) (NodeData, error) {
	data, err := DefaultData(nodeType)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return data, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()

	switch typed := data.(type) {
	case InputData:
		err = decoder.Decode(&typed)
		data = typed
	case LLMData:
		err = decoder.Decode(&typed)
		data = typed
	case SkillData:
		err = decoder.Decode(&typed)
		data = typed
	case TransformData:
		err = decoder.Decode(&typed)
		data = typed
	case OutputData:
		err = decoder.Decode(&typed)
		data = typed
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidNodeData, nodeType, err)
	}

	if err := ValidateNodeData(data); err != nil {
		return nil, err
	}
	return data, nil
}

// ValidateNodeData runs field validation on a payload.
func ValidateNodeData(data NodeData) error {
	if data == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidNodeData)
	}
	if err := validate.Struct(data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidNodeData, data.NodeType(), err)
	}
	return nil
}

// MergeNodeData applies a JSON merge patch to a payload: keys in patch
// replace existing values, and nil values remove them.
func MergeNodeData(current NodeData, patch map[string]any) (NodeData, error) {
	encoded, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("%w: encode current payload: %v", ErrInvalidNodeData, err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("%w: decode current payload: %v", ErrInvalidNodeData, err)
	}

	for key, value := range patch {
		if value == nil {
			delete(fields, key)
			continue
		}
		fields[key] = value
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: encode patch: %v", ErrInvalidNodeData, err)
	}
	return DecodeNodeData(current.NodeType(), merged)
}
