package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const searchSchema = `{
	"type": "object",
	"required": ["journal_id", "action"],
	"properties": {
		"journal_id": {"type": "integer", "minimum": 1},
		"action": {"enum": ["upsert", "delete"]}
	}
}`

const auditSchema = `{
	"type": "object",
	"required": ["event_type", "occurred_at"],
	"properties": {
		"event_type": {"type": "string", "minLength": 1},
		"occurred_at": {"type": "string"},
		"data": {"type": "object"}
	}
}`

// Validator checks event payloads against per-topic JSON schemas. Topics
// without a schema accept any JSON value.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in topic schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for topic, raw := range map[string]string{
		TopicSearchIndexing: searchSchema,
		TopicAudit:          auditSchema,
	} {
		sch, err := compileSchema(topic, raw)
		if err != nil {
			return nil, fmt.Errorf("NewValidator: %w", err)
		}
		v.schemas[topic] = sch
	}
	return v, nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return sch, nil
}

// Validate returns an error if payload is not valid JSON or violates the
// schema of topic.
func (v *Validator) Validate(topic string, payload []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	sch, ok := v.schemas[topic]
	if !ok {
		return nil
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("payload schema violation: %w", err)
	}
	return nil
}
