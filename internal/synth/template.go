package synth

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TemplateFormatVersion is the only template format version the control
// plane accepts.
const TemplateFormatVersion = "2010-09-09"

// Template is a rendered stack template.
type Template struct {
	AWSTemplateFormatVersion string               `json:"AWSTemplateFormatVersion" yaml:"AWSTemplateFormatVersion"`
	Description              string               `json:"Description,omitempty" yaml:"Description,omitempty"`
	Metadata                 map[string]any       `json:"Metadata,omitempty" yaml:"Metadata,omitempty"`
	Parameters               map[string]Parameter `json:"Parameters,omitempty" yaml:"Parameters,omitempty"`
	Conditions               map[string]any       `json:"Conditions,omitempty" yaml:"Conditions,omitempty"`
	Resources                map[string]Resource  `json:"Resources" yaml:"Resources"`
	Outputs                  map[string]Output    `json:"Outputs,omitempty" yaml:"Outputs,omitempty"`
}

// Parameter is a top-level template parameter definition.
type Parameter struct {
	Type                  string  `json:"Type" yaml:"Type"`
	Description           string  `json:"Description,omitempty" yaml:"Description,omitempty"`
	Default               *string `json:"Default,omitempty" yaml:"Default,omitempty"`
	MinLength             int     `json:"MinLength,omitempty" yaml:"MinLength,omitempty"`
	MaxLength             int     `json:"MaxLength,omitempty" yaml:"MaxLength,omitempty"`
	ConstraintDescription string  `json:"ConstraintDescription,omitempty" yaml:"ConstraintDescription,omitempty"`
}

// Resource is one rendered node.
type Resource struct {
	Type       string         `json:"Type" yaml:"Type"`
	DependsOn  []string       `json:"DependsOn,omitempty" yaml:"DependsOn,omitempty"`
	Properties map[string]any `json:"Properties" yaml:"Properties"`
}

// Output is a stack output.
type Output struct {
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
	Value       any    `json:"Value" yaml:"Value"`
}

// RenderJSON renders t as indented JSON.
func RenderJSON(t *Template) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderYAML renders t as YAML.
func RenderYAML(t *Template) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return buf.Bytes(), nil
}

// ── intrinsic functions ──────────────────────────────────────────────────────

func ref(name string) map[string]any { return map[string]any{"Ref": name} }

func getAtt(resource, attr string) map[string]any {
	return map[string]any{"Fn::GetAtt": []any{resource, attr}}
}

func sub(s string) map[string]any { return map[string]any{"Fn::Sub": s} }

// notEmpty is a condition that holds when the named parameter is non-empty.
func notEmpty(param string) map[string]any {
	return map[string]any{"Fn::Not": []any{map[string]any{"Fn::Equals": []any{"", ref(param)}}}}
}

// ifPresent selects the named parameter's value when its condition holds
// and no value otherwise.
func ifPresent(param string) map[string]any {
	return map[string]any{"Fn::If": []any{param, ref(param), ref("AWS::NoValue")}}
}

func strPtr(s string) *string { return &s }
