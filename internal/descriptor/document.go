package descriptor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// document is the on-disk shape of parameters.json.
type document struct {
	Version    string          `json:"Version"`
	Parameters parameters      `json:"Parameters"`
	Tags       json.RawMessage `json:"Tags,omitempty"`
}

// outDocument is the shape written back. Tags are always a JSON array.
type outDocument struct {
	Version    string       `json:"Version"`
	Parameters parameters   `json:"Parameters"`
	Tags       []models.Tag `json:"Tags"`
}

type parameters struct {
	RuleName           string                     `json:"RuleName"`
	Description        string                     `json:"Description,omitempty"`
	SourceRuntime      *string                    `json:"SourceRuntime"`
	CodeKey            *string                    `json:"CodeKey"`
	SourceHandler      string                     `json:"SourceHandler,omitempty"`
	CustomLambdaName   string                     `json:"CustomLambdaName,omitempty"`
	InputParameters    orderedParams              `json:"InputParameters"`
	OptionalParameters orderedParams              `json:"OptionalParameters"`
	SourceEvents       commaList                  `json:"SourceEvents,omitempty"`
	SourcePeriodic     string                     `json:"SourcePeriodic,omitempty"`
	SourceIdentifier   string                     `json:"SourceIdentifier,omitempty"`
	RuleSets           flexList                   `json:"RuleSets,omitempty"`
	Remediation        *remediation               `json:"Remediation,omitempty"`
	SSMAutomation      *models.AutomationDocument `json:"SSMAutomation,omitempty"`
}

type remediation struct {
	Automatic                flexBool           `json:"Automatic,omitempty"`
	ConfigRuleName           string             `json:"ConfigRuleName,omitempty"`
	ExecutionControls        *executionControls `json:"ExecutionControls,omitempty"`
	MaximumAutomaticAttempts flexInt            `json:"MaximumAutomaticAttempts,omitempty"`
	Parameters               map[string]any     `json:"Parameters,omitempty"`
	ResourceType             string             `json:"ResourceType,omitempty"`
	RetryAttemptSeconds      flexInt            `json:"RetryAttemptSeconds,omitempty"`
	TargetID                 string             `json:"TargetId"`
	TargetType               string             `json:"TargetType"`
	TargetVersion            string             `json:"TargetVersion,omitempty"`
}

type executionControls struct {
	SsmControls ssmControls `json:"SsmControls"`
}

type ssmControls struct {
	ConcurrentExecutionRatePercentage flexInt `json:"ConcurrentExecutionRatePercentage,omitempty"`
	ErrorPercentage                   flexInt `json:"ErrorPercentage,omitempty"`
}

// ── tolerant scalar types ────────────────────────────────────────────────────
//
// Descriptors written by older tooling store numbers and booleans as strings.

type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*n = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("expected integer, got %s", data)
	}
	*n = flexInt(v)
	return nil
}

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*b = false
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*b = false
			return nil
		}
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("expected boolean, got %s", data)
	}
	*b = flexBool(v)
	return nil
}

// flexList reads either a JSON array or a comma-joined string and writes an array.
type flexList []string

func (l *flexList) UnmarshalJSON(data []byte) error {
	items, err := decodeList(data)
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// commaList reads like flexList but writes a comma-joined string.
type commaList []string

func (l *commaList) UnmarshalJSON(data []byte) error {
	items, err := decodeList(data)
	if err != nil {
		return err
	}
	*l = items
	return nil
}

func (l commaList) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(l, ","))
}

func decodeList(data []byte) ([]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var raw []string
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		raw = strings.Split(s, ",")
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var out []string
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// ── ordered parameters ───────────────────────────────────────────────────────

// orderedParams is a name→default mapping that keeps authored order. It is
// persisted as a JSON-encoded object inside a string value.
type orderedParams []models.Parameter

func (p *orderedParams) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	params, err := ParseParameters(data)
	if err != nil {
		return err
	}
	*p = params
	return nil
}

func (p orderedParams) MarshalJSON() ([]byte, error) {
	obj, err := EncodeParameters(p)
	if err != nil {
		return nil, err
	}
	return marshalNoEscape(string(obj))
}

// ParseParameters decodes a JSON object into parameters in document order.
// Non-string values keep their JSON text. Empty input yields nil.
func ParseParameters(data []byte) ([]models.Parameter, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse parameters: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parse parameters: expected a JSON object")
	}

	var out []models.Parameter
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
		name, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse parameter %q: %w", name, err)
		}
		value, err := parameterValue(raw)
		if err != nil {
			return nil, fmt.Errorf("parse parameter %q: %w", name, err)
		}

		if i, dup := index[name]; dup {
			out[i].Value = value
			continue
		}
		index[name] = len(out)
		out = append(out, models.Parameter{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parse parameters: %w", err)
	}
	return out, nil
}

func parameterValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(raw, []byte("null")):
		return "", nil
	case len(raw) > 0 && raw[0] == '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}

// EncodeParameters renders params as a JSON object preserving their order.
func EncodeParameters(params []models.Parameter) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range params {
		if i > 0 {
			buf.WriteString(", ")
		}
		k, err := marshalNoEscape(p.Name)
		if err != nil {
			return nil, err
		}
		v, err := marshalNoEscape(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// decodeTags accepts a JSON array of tags or the legacy JSON-encoded string
// form. A missing value is an empty list.
func decodeTags(raw json.RawMessage) ([]models.Tag, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		raw = []byte(s)
	}
	var tags []models.Tag
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}

// ── conversion ───────────────────────────────────────────────────────────────

func toDescriptor(doc *document) (*models.RuleDescriptor, error) {
	p := doc.Parameters
	d := &models.RuleDescriptor{
		Name:        p.RuleName,
		Description: p.Description,
		Triggers: models.Triggers{
			ResourceTypes: []string(p.SourceEvents),
			Periodic:      models.Frequency(p.SourcePeriodic),
		},
		RequiredParameters: []models.Parameter(p.InputParameters),
		OptionalParameters: []models.Parameter(p.OptionalParameters),
		RuleSets:           []string(p.RuleSets),
	}

	if p.SourceIdentifier != "" {
		d.Source = models.ManagedSource{Identifier: p.SourceIdentifier}
	} else {
		d.Source = models.CustomSource{
			Runtime:      deref(p.SourceRuntime),
			Handler:      p.SourceHandler,
			CodeKey:      deref(p.CodeKey),
			FunctionName: p.CustomLambdaName,
		}
	}

	if r := p.Remediation; r != nil {
		policy := &models.RemediationPolicy{
			Automatic:                bool(r.Automatic),
			ConfigRuleName:           r.ConfigRuleName,
			MaximumAutomaticAttempts: int(r.MaximumAutomaticAttempts),
			Parameters:               r.Parameters,
			ResourceType:             r.ResourceType,
			RetryAttemptSeconds:      int(r.RetryAttemptSeconds),
			TargetID:                 r.TargetID,
			TargetType:               r.TargetType,
			TargetVersion:            r.TargetVersion,
		}
		if ec := r.ExecutionControls; ec != nil {
			policy.ExecutionControls = &models.ExecutionControls{
				SsmControls: models.SSMControls{
					ConcurrentExecutionRatePercentage: int(ec.SsmControls.ConcurrentExecutionRatePercentage),
					ErrorPercentage:                   int(ec.SsmControls.ErrorPercentage),
				},
			}
		}
		policy.Automation = p.SSMAutomation
		d.Remediation = policy
	}

	tags, err := decodeTags(doc.Tags)
	if err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	d.Tags = tags
	return d, nil
}

func fromDescriptor(d *models.RuleDescriptor) outDocument {
	p := parameters{
		RuleName:           d.Name,
		Description:        d.Description,
		InputParameters:    orderedParams(d.RequiredParameters),
		OptionalParameters: orderedParams(d.OptionalParameters),
		SourceEvents:       commaList(d.Triggers.ResourceTypes),
		SourcePeriodic:     string(d.Triggers.Periodic),
		RuleSets:           flexList(d.RuleSets),
	}

	switch src := d.Source.(type) {
	case models.ManagedSource:
		p.SourceIdentifier = src.Identifier
	case models.CustomSource:
		p.SourceRuntime = &src.Runtime
		p.CodeKey = &src.CodeKey
		p.SourceHandler = src.Handler
		p.CustomLambdaName = src.FunctionName
	}

	if r := d.Remediation; r != nil {
		rem := &remediation{
			Automatic:                flexBool(r.Automatic),
			ConfigRuleName:           r.ConfigRuleName,
			MaximumAutomaticAttempts: flexInt(r.MaximumAutomaticAttempts),
			Parameters:               r.Parameters,
			ResourceType:             r.ResourceType,
			RetryAttemptSeconds:      flexInt(r.RetryAttemptSeconds),
			TargetID:                 r.TargetID,
			TargetType:               r.TargetType,
			TargetVersion:            r.TargetVersion,
		}
		if ec := r.ExecutionControls; ec != nil {
			rem.ExecutionControls = &executionControls{SsmControls: ssmControls{
				ConcurrentExecutionRatePercentage: flexInt(ec.SsmControls.ConcurrentExecutionRatePercentage),
				ErrorPercentage:                   flexInt(ec.SsmControls.ErrorPercentage),
			}}
		}
		p.Remediation = rem
		p.SSMAutomation = r.Automation
	}

	tags := d.Tags
	if tags == nil {
		tags = []models.Tag{}
	}
	return outDocument{Version: FormatVersion, Parameters: p, Tags: tags}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
