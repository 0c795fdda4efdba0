package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoJSONObject 回复里找不到 JSON 对象。
var ErrNoJSONObject = errors.New("no JSON object in reply")

// Schema 编译后的 JSON Schema，用于防御性校验模型回复。
type Schema struct {
	def      *JSONSchema
	compiled *jsonschema.Schema
	// fields 顶层各属性的子 schema，供 DecodeFields 逐字段校验
	fields map[string]*jsonschema.Schema
}

// CompileSchema 编译请求里携带的 schema，校验与请求使用同一份定义。
func CompileSchema(def *JSONSchema) (*Schema, error) {
	raw, err := json.Marshal(def.Schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", def.Name, err)
	}

	url := "mem://schemas/" + def.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", def.Name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", def.Name, err)
	}

	fields := make(map[string]*jsonschema.Schema)
	if props, ok := def.Schema["properties"].(map[string]any); ok {
		for name := range props {
			sub, err := compiler.Compile(url + "#/properties/" + name)
			if err != nil {
				return nil, fmt.Errorf("compile schema %s property %s: %w", def.Name, name, err)
			}
			fields[name] = sub
		}
	}
	return &Schema{def: def, compiled: compiled, fields: fields}, nil
}

// MustCompileSchema 用于包级变量初始化。
func MustCompileSchema(def *JSONSchema) *Schema {
	s, err := CompileSchema(def)
	if err != nil {
		panic(err)
	}
	return s
}

// Definition 返回原始定义，随请求发给提供商。
func (s *Schema) Definition() *JSONSchema {
	return s.def
}

// Decode 从回复中抽出 JSON 对象，按 schema 校验后解到 v。
func (s *Schema) Decode(reply string, v any) error {
	raw, err := ExtractJSONObject(reply)
	if err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshal reply: %w", err)
	}
	if err := s.compiled.Validate(payload); err != nil {
		return fmt.Errorf("reply violates schema %s: %w", s.def.Name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// DecodeFields 宽松解码：回复必须是 JSON 对象，但每个已声明字段单独校验，
// 不合格的字段当作缺失丢弃，返回被丢弃的字段名（已排序）。未声明字段原样保留。
func (s *Schema) DecodeFields(reply string, v any) ([]string, error) {
	raw, err := ExtractJSONObject(reply)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}

	var dropped []string
	for name, value := range payload {
		sub, ok := s.fields[name]
		if !ok {
			continue
		}
		if err := sub.Validate(value); err != nil {
			delete(payload, name)
			dropped = append(dropped, name)
		}
	}
	sort.Strings(dropped)

	cleaned, err := json.Marshal(payload)
	if err != nil {
		return dropped, fmt.Errorf("re-encode reply: %w", err)
	}
	if err := json.Unmarshal(cleaned, v); err != nil {
		return dropped, fmt.Errorf("decode reply: %w", err)
	}
	return dropped, nil
}

// ExtractJSONObject 去掉 ``` 代码块与前后说明文字，取第一个 { 到最后一个 }。
func ExtractJSONObject(reply string) ([]byte, error) {
	text := strings.TrimSpace(reply)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSONObject
	}
	return []byte(text[start : end+1]), nil
}
