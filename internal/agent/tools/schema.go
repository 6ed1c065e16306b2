package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/logging"
)

// GenerateSchema reflects a parameters schema from an arg struct.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return schemaToMap(reflector.Reflect(v))
}

func schemaToMap(s *jsonschema.Schema) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	// providers reject schema metadata they do not know
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// SchemasForLevel emits definitions for every enabled tool the level may
// call. Definitions that fail validation are dropped with a log entry;
// a malformed schema is never sent to a provider.
func (r *Registry) SchemasForLevel(level access.Level) []chat.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemasLocked(func(name string, t *Tool) bool {
		if !level.AtLeast(t.RequiresLevel) {
			return false
		}
		return !access.Rule700Blocks(name, level)
	})
}

// SchemasForSubagent emits the owner-tier definitions minus the blocked
// set. Sub-agents never see spawning or configuration tools.
func (r *Registry) SchemasForSubagent() []chat.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemasLocked(func(name string, _ *Tool) bool {
		return !access.SubagentBlockedTools[name]
	})
}

func (r *Registry) schemasLocked(include func(string, *Tool) bool) []chat.ToolDefinition {
	names := make([]string, 0, len(r.tools))
	for name, t := range r.tools {
		if t.Enabled && include(name, t) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	defs := make([]chat.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		def := chat.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
		if err := ValidateDefinition(def); err != nil {
			logging.L.WithField("tool", name).WithError(err).Warn("dropping malformed tool schema")
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// ValidateDefinition rejects definitions a strict provider would refuse:
// empty names, non-object parameters, missing properties, or any property
// without a concrete type.
func ValidateDefinition(def chat.ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("empty function name")
	}
	if def.Parameters == nil {
		return fmt.Errorf("missing parameters schema")
	}
	if typ, _ := def.Parameters["type"].(string); typ != "object" {
		return fmt.Errorf("parameters.type must be %q", "object")
	}
	props, ok := def.Parameters["properties"].(map[string]any)
	if !ok {
		return fmt.Errorf("parameters.properties must be an object")
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("property %q is not an object", name)
		}
		if err := checkPropertyTypes(name, prop); err != nil {
			return err
		}
	}
	return nil
}

// checkPropertyTypes walks one property subtree and requires a non-null
// type at every node.
func checkPropertyTypes(path string, prop map[string]any) error {
	typ, ok := prop["type"]
	if !ok || typ == nil {
		return fmt.Errorf("property %q has no type", path)
	}
	if s, isString := typ.(string); isString {
		if s == "" || s == "null" {
			return fmt.Errorf("property %q has a null type", path)
		}
	}
	if nested, ok := prop["properties"].(map[string]any); ok {
		for name, raw := range nested {
			child, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("property %q.%s is not an object", path, name)
			}
			if err := checkPropertyTypes(path+"."+name, child); err != nil {
				return err
			}
		}
	}
	if items, ok := prop["items"].(map[string]any); ok {
		if err := checkPropertyTypes(path+"[]", items); err != nil {
			return err
		}
	}
	return nil
}
