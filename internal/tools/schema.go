package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cloudwego/eino/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileParams 把 eino 的参数描述转换为 JSON Schema 并编译，用于分发前的参数校验。
func compileParams(name string, params map[string]*schema.ParameterInfo) (*jsonschema.Schema, error) {
	doc := objectSchema(params)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString("tool_"+name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return compiled, nil
}

func objectSchema(params map[string]*schema.ParameterInfo) map[string]any {
	props := make(map[string]any, len(params))
	var required []string
	for name, p := range params {
		if p == nil {
			continue
		}
		props[name] = paramSchema(p)
		if p.Required {
			required = append(required, name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		out["required"] = required
	}
	return out
}

func paramSchema(p *schema.ParameterInfo) map[string]any {
	out := map[string]any{}
	switch p.Type {
	case schema.Object:
		out = objectSchema(p.SubParams)
	case schema.Array:
		out["type"] = "array"
		if p.ElemInfo != nil {
			out["items"] = paramSchema(p.ElemInfo)
		}
	case schema.Null:
		out["type"] = "null"
	default:
		out["type"] = string(p.Type)
	}
	if p.Desc != "" {
		out["description"] = p.Desc
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	return out
}
