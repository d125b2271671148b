// Package toolregistry is the supervisor-side half of the tool contract
// spec §1 carves out as an external collaborator: "the worker only sees
// their registered schemas and string results." A worker process
// registers each tool's name, description, and a JSON Schema for its
// arguments; before invoking a tool the worker validates the model's
// proposed arguments against that schema rather than trusting them
// blind.
//
// The concrete tool implementations (shell, git, filesystem, web search,
// vision) stay out of scope per spec §1 — this package only owns the
// contract and its validation, grounded on the teacher's skill-manifest
// idea (internal/skills, deleted — see DESIGN.md) of naming a tool by a
// schema rather than a Go type.
package toolregistry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Def describes one tool: its name, a short description for the model's
// system prompt, and a JSON Schema document its arguments must satisfy.
type Def struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Registry holds every registered tool's compiled schema.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Def
	schem map[string]*jsonschema.Schema
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		defs:  make(map[string]Def),
		schem: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles def.Schema and adds it under def.Name, replacing any
// prior registration of the same name. Returns an error if the schema
// does not compile.
func (r *Registry) Register(def Def) error {
	url := "mem://tools/" + def.Name

	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.Schema))
	if err != nil {
		return fmt.Errorf("toolregistry: parse schema for %s: %w", def.Name, err)
	}
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("toolregistry: add schema resource for %s: %w", def.Name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("toolregistry: compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	r.schem[def.Name] = sch
	return nil
}

// Validate checks args (raw JSON) against the named tool's schema. Unknown
// tool names are rejected rather than silently allowed.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	sch, ok := r.schem[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("toolregistry: unknown tool %q", name)
	}

	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return fmt.Errorf("toolregistry: args for %s are not valid JSON: %w", name, err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("toolregistry: %s: %w", name, err)
	}
	return nil
}

// List returns every registered tool's definition, for building the
// model's tool-use system prompt section.
func (r *Registry) List() []Def {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Def, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}
