package main

import (
	"encoding/json"
	"fmt"

	"github.com/ouroboros-agent/ouroboros/internal/toolregistry"
)

// builtinToolDefs names the worker-visible tool surface (spec §1: "the
// worker only sees their registered schemas and string results"). Concrete
// execution of these tools is out of scope here; only the name, the
// model-facing description, and the argument schema the registry validates
// against are owned by this binary.
func builtinToolDefs() []toolregistry.Def {
	return []toolregistry.Def{
		{
			Name:        "shell_exec",
			Description: "Run a shell command in the working tree and return its combined output.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string"}
				},
				"required": ["command"],
				"additionalProperties": false
			}`),
		},
		{
			Name:        "read_file",
			Description: "Read a UTF-8 text file from the working tree.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"}
				},
				"required": ["path"],
				"additionalProperties": false
			}`),
		},
		{
			Name:        "write_file",
			Description: "Overwrite a UTF-8 text file in the working tree.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"],
				"additionalProperties": false
			}`),
		},
	}
}

// newToolRegistry builds and populates the registry a worker validates
// model-proposed tool calls against before dispatch.
func newToolRegistry() (*toolregistry.Registry, error) {
	reg := toolregistry.New()
	for _, def := range builtinToolDefs() {
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", def.Name, err)
		}
	}
	return reg, nil
}

// toolCallRequest is the shape a task payload's options.tool_calls entry
// takes: the model's proposed tool name and raw argument object.
type toolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// validateToolCalls re-marshals raw (already decoded into map[string]any/
// []any by the task payload's JSON round trip) back to JSON and validates
// each proposed call's arguments against its tool's declared schema,
// rejecting unknown tool names or malformed argument objects before any
// tool runs (spec §6: santhosh-tekuri/jsonschema validates tool argument
// payloads against each tool's declared JSON schema before dispatch).
func validateToolCalls(reg *toolregistry.Registry, raw any) error {
	blob, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal tool_calls: %w", err)
	}
	var calls []toolCallRequest
	if err := json.Unmarshal(blob, &calls); err != nil {
		return fmt.Errorf("parse tool_calls: %w", err)
	}
	for _, c := range calls {
		if err := reg.Validate(c.Name, c.Arguments); err != nil {
			return fmt.Errorf("tool call %s: %w", c.Name, err)
		}
	}
	return nil
}
