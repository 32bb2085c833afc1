package models

// MaxRuleNameLength is the longest rule name accepted anywhere in the tool.
const MaxRuleNameLength = 128

// MaxFunctionNameLength is the longest evaluation function name the control
// plane accepts.
const MaxFunctionNameLength = 64

// Frequency is the maximum execution frequency of a periodic rule.
type Frequency string

const (
	FrequencyOneHour         Frequency = "One_Hour"
	FrequencyThreeHours      Frequency = "Three_Hours"
	FrequencySixHours        Frequency = "Six_Hours"
	FrequencyTwelveHours     Frequency = "Twelve_Hours"
	FrequencyTwentyFourHours Frequency = "TwentyFour_Hours"
)

// ValidFrequency reports whether f is one of the frequencies accepted by the
// compliance service.
func ValidFrequency(f Frequency) bool {
	switch f {
	case FrequencyOneHour, FrequencyThreeHours, FrequencySixHours,
		FrequencyTwelveHours, FrequencyTwentyFourHours:
		return true
	}
	return false
}

// Parameter is one named rule input with its default value.
type Parameter struct {
	Name  string
	Value string
}

// Tag is a key/value pair attached to a rule and to its stack.
type Tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// Triggers describes when a rule is evaluated. At least one of the two fields
// must be set for a custom rule.
type Triggers struct {
	// ResourceTypes are the configuration item types whose changes invoke the rule.
	ResourceTypes []string

	// Periodic is the scheduled evaluation frequency. Empty means none.
	Periodic Frequency
}

// HasChangeTriggers reports whether any resource-type trigger is configured.
func (t Triggers) HasChangeTriggers() bool { return len(t.ResourceTypes) > 0 }

// HasPeriodic reports whether a periodic frequency is configured.
func (t Triggers) HasPeriodic() bool { return t.Periodic != "" }

// RuleSource is the closed set of rule backends: a provider-managed check or
// a custom evaluation function. The unexported marker method keeps the set
// closed to this package.
type RuleSource interface {
	isRuleSource()
}

// ManagedSource delegates evaluation to a provider-hosted check.
type ManagedSource struct {
	// Identifier is the provider's managed rule identifier, e.g. "S3_BUCKET_VERSIONING_ENABLED".
	Identifier string
}

// CustomSource backs a rule with user code packaged into an evaluation function.
type CustomSource struct {
	// Runtime is the runtime kind as authored, e.g. "python3.12-lib".
	Runtime string

	// Handler overrides the runtime's default entry point when non-empty.
	Handler string

	// CodeKey is the archive name recorded when the rule was created.
	CodeKey string

	// FunctionName overrides the derived evaluation function name when non-empty.
	FunctionName string
}

func (ManagedSource) isRuleSource() {}
func (CustomSource) isRuleSource()  {}

// SSMControls are the rate controls applied to remediation executions.
type SSMControls struct {
	ConcurrentExecutionRatePercentage int `json:"ConcurrentExecutionRatePercentage,omitempty"`
	ErrorPercentage                   int `json:"ErrorPercentage,omitempty"`
}

// ExecutionControls wraps SSMControls the way the remediation resource expects.
type ExecutionControls struct {
	SsmControls SSMControls `json:"SsmControls"`
}

// RemediationPolicy is the automatic remediation bound to a rule. Field names
// follow the remediation configuration resource so the policy can be emitted
// as a property bag without translation.
type RemediationPolicy struct {
	Automatic                bool               `json:"Automatic,omitempty"`
	ConfigRuleName           string             `json:"ConfigRuleName,omitempty"`
	ExecutionControls        *ExecutionControls `json:"ExecutionControls,omitempty"`
	MaximumAutomaticAttempts int                `json:"MaximumAutomaticAttempts,omitempty"`
	Parameters               map[string]any     `json:"Parameters,omitempty"`
	ResourceType             string             `json:"ResourceType,omitempty"`
	RetryAttemptSeconds      int                `json:"RetryAttemptSeconds,omitempty"`
	TargetID                 string             `json:"TargetId"`
	TargetType               string             `json:"TargetType"`
	TargetVersion            string             `json:"TargetVersion,omitempty"`

	// Automation is an inline automation document deployed with the rule.
	// It is persisted under a separate descriptor key, not inside the policy.
	Automation *AutomationDocument `json:"-"`
}

// AutomationDocument points at a local automation document definition and
// the IAM actions its executions need.
type AutomationDocument struct {
	// Document is the path, relative to the rules root, of the JSON document.
	Document string `json:"Document"`

	// IAM lists the actions granted to the generated automation role.
	// When empty no role or policy is generated.
	IAM []string `json:"IAM,omitempty"`
}

// RuleDescriptor is the authored definition of a single rule.
type RuleDescriptor struct {
	Name        string
	Description string
	Source      RuleSource
	Triggers    Triggers

	// RequiredParameters keep their authored order.
	RequiredParameters []Parameter
	OptionalParameters []Parameter

	Remediation *RemediationPolicy
	RuleSets    []string
	Tags        []Tag
}

// IsManaged reports whether the rule is backed by a provider-managed check.
func (d *RuleDescriptor) IsManaged() bool {
	_, ok := d.Source.(ManagedSource)
	return ok
}

// Custom returns the custom source and true when the rule is backed by user code.
func (d *RuleDescriptor) Custom() (CustomSource, bool) {
	c, ok := d.Source.(CustomSource)
	return c, ok
}

// Managed returns the managed source and true when the rule is provider-managed.
func (d *RuleDescriptor) Managed() (ManagedSource, bool) {
	m, ok := d.Source.(ManagedSource)
	return m, ok
}

// DescriptionOrName returns Description, falling back to the rule name.
func (d *RuleDescriptor) DescriptionOrName() string {
	if d.Description != "" {
		return d.Description
	}
	return d.Name
}

// InRuleSet reports whether the rule belongs to any of the given sets.
func (d *RuleDescriptor) InRuleSet(sets ...string) bool {
	for _, have := range d.RuleSets {
		for _, want := range sets {
			if have == want {
				return true
			}
		}
	}
	return false
}
