// Package schema loads and compiles the JSON schemas that gate every event
// on the transport: one envelope schema, reusable object schemas, and one
// payload schema per event type keyed by its x_event_type field.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/envelope/*.json schemas/objects/*.json schemas/events/*.json
var embedded embed.FS

const envelopeFile = "envelope/event_envelope.v1.schema.json"

// ValidationResult reports the outcome of one schema validation.
type ValidationResult struct {
	OK       bool
	Error    string
	SchemaID string
}

type compiledSchema struct {
	schema *jsonschema.Schema
	id     string
}

// Registry holds the compiled envelope and payload validators plus the raw
// $id-keyed schema store used for $ref resolution.
type Registry struct {
	envelope compiledSchema
	payloads map[string]compiledSchema
	objects  map[string]any
}

// Load builds a Registry from baseDir. Resolution order: the given directory,
// then the SCHEMAS_DIR environment variable, then the schemas compiled into
// the binary. Duplicate x_event_type values across files fail loudly.
func Load(baseDir string) (*Registry, error) {
	fsys, err := resolveFS(baseDir)
	if err != nil {
		return nil, err
	}

	docs := map[string]any{}
	ids := map[string]string{}
	for _, dir := range []string{"envelope", "objects", "events"} {
		entries, err := fs.ReadDir(fsys, dir)
		if err != nil {
			return nil, fmt.Errorf("op=schema.Load dir=%s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			rel := path.Join(dir, e.Name())
			raw, err := fs.ReadFile(fsys, rel)
			if err != nil {
				return nil, fmt.Errorf("op=schema.Load file=%s: %w", rel, err)
			}
			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("op=schema.Load file=%s: %w", rel, err)
			}
			id := schemaID(doc)
			if id == "" {
				id = "file:///" + rel
			}
			docs[rel] = doc
			ids[rel] = id
		}
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	for rel, doc := range docs {
		if err := c.AddResource(ids[rel], doc); err != nil {
			return nil, fmt.Errorf("op=schema.Load add=%s: %w", rel, err)
		}
	}

	reg := &Registry{payloads: map[string]compiledSchema{}, objects: map[string]any{}}

	envDoc, ok := docs[envelopeFile]
	if !ok {
		return nil, fmt.Errorf("op=schema.Load: envelope schema %s not found", envelopeFile)
	}
	envCompiled, err := c.Compile(ids[envelopeFile])
	if err != nil {
		return nil, fmt.Errorf("op=schema.Load compile=%s: %w", envelopeFile, err)
	}
	reg.envelope = compiledSchema{schema: envCompiled, id: schemaID(envDoc)}

	// Deterministic iteration so duplicate x_event_type errors are stable.
	rels := make([]string, 0, len(docs))
	for rel := range docs {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	for _, rel := range rels {
		doc := docs[rel]
		switch {
		case strings.HasPrefix(rel, "objects/"):
			reg.objects[ids[rel]] = doc
		case strings.HasPrefix(rel, "events/"):
			eventType := stringField(doc, "x_event_type")
			if eventType == "" {
				return nil, fmt.Errorf("op=schema.Load: schema %s missing x_event_type", rel)
			}
			if _, dup := reg.payloads[eventType]; dup {
				return nil, fmt.Errorf("op=schema.Load: duplicate schema for event_type=%s (%s)", eventType, rel)
			}
			compiled, err := c.Compile(ids[rel])
			if err != nil {
				return nil, fmt.Errorf("op=schema.Load compile=%s: %w", rel, err)
			}
			reg.payloads[eventType] = compiledSchema{schema: compiled, id: schemaID(doc)}
		}
	}
	return reg, nil
}

// ValidateEnvelope checks the decoded envelope against the envelope schema.
func (r *Registry) ValidateEnvelope(envelope any) ValidationResult {
	return validate(r.envelope, envelope)
}

// ValidatePayload checks the payload against the schema registered for the
// event type. Unknown event types fail validation.
func (r *Registry) ValidatePayload(eventType string, payload any) ValidationResult {
	cs, ok := r.payloads[eventType]
	if !ok {
		return ValidationResult{OK: false, Error: fmt.Sprintf("no schema for event_type=%s", eventType)}
	}
	return validate(cs, payload)
}

// EventTypes returns the sorted set of event types with a registered payload
// schema.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.payloads))
	for t := range r.payloads {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Object returns the raw object schema stored under the given $id.
func (r *Registry) Object(id string) (any, bool) {
	doc, ok := r.objects[id]
	return doc, ok
}

func validate(cs compiledSchema, instance any) ValidationResult {
	if err := cs.schema.Validate(instance); err != nil {
		return ValidationResult{OK: false, Error: err.Error(), SchemaID: cs.id}
	}
	return ValidationResult{OK: true, SchemaID: cs.id}
}

func resolveFS(baseDir string) (fs.FS, error) {
	for _, dir := range []string{baseDir, os.Getenv("SCHEMAS_DIR")} {
		if dir == "" {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		return os.DirFS(dir), nil
	}
	sub, err := fs.Sub(embedded, "schemas")
	if err != nil {
		return nil, fmt.Errorf("op=schema.resolveFS: %w", err)
	}
	return sub, nil
}

func schemaID(doc any) string { return stringField(doc, "$id") }

func stringField(doc any, key string) string {
	m, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
