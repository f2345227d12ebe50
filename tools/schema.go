package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/genai"
)

var schemaCache sync.Map

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", name, err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArgs checks args against schema. Arguments are normalized through
// a JSON round trip so Go-typed values validate like decoded model output.
func ValidateArgs(name string, schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

// ToGenaiSchema converts a JSON schema map to genai's Schema type.
func ToGenaiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	schema.Enum = stringList(schemaMap["enum"])
	schema.Required = stringList(schemaMap["required"])

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToGenaiSchema(propMap)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToGenaiSchema(items)
	}
	return schema
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HasCyclicRef reports whether schema contains a local "$ref" chain that
// refers back to one of its own ancestors.
func HasCyclicRef(schema map[string]any) bool {
	return walkRefs(schema, schema, map[string]bool{})
}

func walkRefs(root map[string]any, node any, visiting map[string]bool) bool {
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["$ref"].(string); ok && strings.HasPrefix(ref, "#") {
			if visiting[ref] {
				return true
			}
			target, ok := resolvePointer(root, ref)
			if ok {
				visiting[ref] = true
				cyclic := walkRefs(root, target, visiting)
				delete(visiting, ref)
				if cyclic {
					return true
				}
			}
		}
		for k, child := range n {
			if k == "$ref" {
				continue
			}
			if walkRefs(root, child, visiting) {
				return true
			}
		}
	case []any:
		for _, child := range n {
			if walkRefs(root, child, visiting) {
				return true
			}
		}
	}
	return false
}

// resolvePointer resolves a "#/a/b" JSON pointer within root.
func resolvePointer(root map[string]any, ref string) (any, bool) {
	path := strings.TrimPrefix(strings.TrimPrefix(ref, "#"), "/")
	if path == "" {
		return root, true
	}
	var current any = root
	for _, token := range strings.Split(path, "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[token]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
