package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Outcome of an episode.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// KnowledgeMeta is the metadata payload for KindKnowledge.
type KnowledgeMeta struct {
	Source     string   `json:"source,omitempty"`
	References []string `json:"references,omitempty"`
}

// EpisodeMeta is the metadata payload for KindEpisode.
type EpisodeMeta struct {
	Task           string   `json:"task,omitempty"`
	Approach       string   `json:"approach,omitempty"`
	Outcome        Outcome  `json:"outcome,omitempty"`
	Feedback       string   `json:"feedback,omitempty"`
	FeedbackType   string   `json:"feedback_type,omitempty"`
	ModelUsed      string   `json:"model_used,omitempty"`
	CodeContext    string   `json:"code_context,omitempty"`
	FilePath       string   `json:"file_path,omitempty"`
	WhatWentWrong  string   `json:"what_went_wrong,omitempty"`
	RootCause      string   `json:"root_cause,omitempty"`
	WhatToTryNext  string   `json:"what_to_try_next,omitempty"`
	GeneralLesson  string   `json:"general_lesson,omitempty"`
	AppliedLessons []string `json:"applied_lessons,omitempty"`
}

// DecisionMeta is the metadata payload for KindDecision.
type DecisionMeta struct {
	Topic        string   `json:"topic,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	DecidedBy    string   `json:"decided_by,omitempty"`
}

// PatternMeta is the metadata payload for KindPattern.
type PatternMeta struct {
	Language  string   `json:"language,omitempty"`
	AppliesTo []string `json:"applies_to,omitempty"`
	Example   string   `json:"example,omitempty"`
}

// CodeChunkMeta is the metadata payload for KindCodeChunk.
type CodeChunkMeta struct {
	FilePath     string   `json:"file_path"`
	Language     string   `json:"language,omitempty"`
	StartLine    int      `json:"start_line,omitempty"`
	EndLine      int      `json:"end_line,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

const stringArray = `{"type": "array", "items": {"type": "string"}}`

var metadataSchemas = map[Kind]string{
	KindKnowledge: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"source": {"type": "string"},
			"references": ` + stringArray + `
		}
	}`,
	KindEpisode: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"task": {"type": "string"},
			"approach": {"type": "string"},
			"outcome": {"enum": ["success", "failure", "partial"]},
			"feedback": {"type": "string"},
			"feedback_type": {"type": "string"},
			"model_used": {"type": "string"},
			"code_context": {"type": "string"},
			"file_path": {"type": "string"},
			"what_went_wrong": {"type": "string"},
			"root_cause": {"type": "string"},
			"what_to_try_next": {"type": "string"},
			"general_lesson": {"type": "string"},
			"applied_lessons": ` + stringArray + `
		}
	}`,
	KindDecision: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"topic": {"type": "string"},
			"rationale": {"type": "string"},
			"alternatives": ` + stringArray + `,
			"decided_by": {"type": "string"}
		}
	}`,
	KindPattern: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"language": {"type": "string"},
			"applies_to": ` + stringArray + `,
			"example": {"type": "string"}
		}
	}`,
	KindCodeChunk: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["file_path"],
		"properties": {
			"file_path": {"type": "string", "minLength": 1},
			"language": {"type": "string"},
			"start_line": {"type": "integer", "minimum": 1},
			"end_line": {"type": "integer", "minimum": 1},
			"dependencies": ` + stringArray + `
		}
	}`,
}

var compiledSchemas sync.Map // Kind -> *jsonschema.Schema

func schemaFor(kind Kind) (*jsonschema.Schema, error) {
	if cached, ok := compiledSchemas.Load(kind); ok {
		return cached.(*jsonschema.Schema), nil
	}
	src, ok := metadataSchemas[kind]
	if !ok {
		return nil, fmt.Errorf("no metadata schema for kind %q", kind)
	}
	compiled, err := jsonschema.CompileString(string(kind)+".schema.json", src)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", kind, err)
	}
	compiledSchemas.Store(kind, compiled)
	return compiled, nil
}

// ValidateMetadata checks raw against the shape expected for kind and returns
// its canonical (compact) encoding. Empty or null metadata validates to nil,
// except for kinds with required fields.
func ValidateMetadata(op string, kind Kind, raw json.RawMessage) (json.RawMessage, error) {
	if !kind.Valid() {
		return nil, Validation(op, "kind", "unknown kind %q (want one of %s)", kind, kindList())
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, Validation(op, "metadata", "metadata is not valid JSON")
	}
	if _, ok := decoded.(map[string]any); !ok {
		return nil, Validation(op, "metadata", "metadata must be a JSON object")
	}

	schema, err := schemaFor(kind)
	if err != nil {
		return nil, StoreFailure(op, "", err)
	}
	if err := schema.Validate(decoded); err != nil {
		field, msg := describeSchemaError(err)
		return nil, Validation(op, field, "metadata does not match %s shape: %s", kind, msg)
	}

	if kind == KindCodeChunk {
		var cc CodeChunkMeta
		if err := json.Unmarshal(trimmed, &cc); err == nil && cc.EndLine != 0 && cc.EndLine < cc.StartLine {
			return nil, Validation(op, "metadata.end_line", "end_line must not precede start_line")
		}
	}

	canonical, err := json.Marshal(decoded)
	if err != nil {
		return nil, StoreFailure(op, "", err)
	}
	if bytes.Equal(canonical, []byte("{}")) {
		return nil, nil
	}
	return canonical, nil
}

// MergeMetadata applies a top-level merge patch: keys in patch replace those in
// base and keys set to null are removed.
func MergeMetadata(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(bytes.TrimSpace(base)) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("decode stored metadata: %w", err)
		}
	}
	var changes map[string]any
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, Validation("update", "metadata", "metadata patch must be a JSON object")
	}
	for k, v := range changes {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Episode decodes the metadata of an episode record.
func (m *Memory) Episode() (*EpisodeMeta, error) {
	if m.Kind != KindEpisode {
		return nil, fmt.Errorf("memory %s is a %s, not an episode", m.ID, m.Kind)
	}
	var meta EpisodeMeta
	if len(m.Metadata) == 0 {
		return &meta, nil
	}
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("decode episode metadata: %w", err)
	}
	return &meta, nil
}

// EncodeMetadata marshals a typed metadata payload for storage.
func EncodeMetadata(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func describeSchemaError(err error) (field, msg string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "metadata", err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field = "metadata"
	if loc := strings.Trim(ve.InstanceLocation, "/"); loc != "" {
		field += "." + strings.ReplaceAll(loc, "/", ".")
	}
	return field, ve.Message
}

func kindList() string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
