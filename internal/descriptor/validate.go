package descriptor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// ValidationError is a configuration error detected before any network call.
type ValidationError struct {
	Rule   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Rule != "" && e.Field != "":
		return fmt.Sprintf("rule %q: %s: %s", e.Rule, e.Field, e.Reason)
	case e.Rule != "":
		return fmt.Sprintf("rule %q: %s", e.Rule, e.Reason)
	default:
		return e.Reason
	}
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ValidateOptions relaxes individual checks.
type ValidateOptions struct {
	// SkipResourceTypeCheck accepts trigger resource types that are not in
	// AcceptedResourceTypes.
	SkipResourceTypeCheck bool
}

// ValidateName checks the rule name length limit.
func ValidateName(name string) error {
	if name == "" {
		return &ValidationError{Field: "RuleName", Reason: "rule name is required"}
	}
	if len(name) > models.MaxRuleNameLength {
		return &ValidationError{
			Rule:   name,
			Field:  "RuleName",
			Reason: fmt.Sprintf("rule names must be %d characters or fewer", models.MaxRuleNameLength),
		}
	}
	return nil
}

// CheckIdentifierCollisions rejects rule sets where two distinct names map to
// the same alphanumeric identifier (e.g. "a_b" and "ab"), since their
// generated resource keys would overwrite each other.
func CheckIdentifierCollisions(names []string) error {
	seen := make(map[string]string, len(names))
	for _, name := range names {
		id := models.AlphanumericID(name)
		if prev, ok := seen[id]; ok && prev != name {
			return &ValidationError{
				Rule:   name,
				Field:  "RuleName",
				Reason: fmt.Sprintf("resource identifier %q collides with rule %q", id, prev),
			}
		}
		seen[id] = name
	}
	return nil
}

// Validate checks d for every configuration error the store can detect on
// its own. All problems are joined into one error.
func Validate(d *models.RuleDescriptor, opts ValidateOptions) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Rule: d.Name, Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if err := ValidateName(d.Name); err != nil {
		errs = append(errs, err)
	}

	switch src := d.Source.(type) {
	case nil:
		add("Source", "rule has neither a runtime nor a source identifier")
	case models.ManagedSource:
		if src.Identifier == "" {
			add("SourceIdentifier", "managed rules need a source identifier")
		}
	case models.CustomSource:
		if !models.ValidRuntime(src.Runtime) {
			add("SourceRuntime", "unsupported runtime %q", src.Runtime)
		}
		if len(src.FunctionName) > models.MaxFunctionNameLength {
			add("CustomLambdaName", "function names must be %d characters or fewer", models.MaxFunctionNameLength)
		}
		if !d.Triggers.HasChangeTriggers() && !d.Triggers.HasPeriodic() {
			add("Triggers", "specify a resource type trigger or a maximum frequency")
		}
	}

	if d.Triggers.HasPeriodic() && !models.ValidFrequency(d.Triggers.Periodic) {
		add("SourcePeriodic", "unknown frequency %q", d.Triggers.Periodic)
	}
	if !opts.SkipResourceTypeCheck {
		var unknown []string
		for _, t := range d.Triggers.ResourceTypes {
			if !IsAcceptedResourceType(t) {
				unknown = append(unknown, t)
			}
		}
		if len(unknown) > 0 {
			add("SourceEvents", "not in the list of accepted resource types: %s", strings.Join(unknown, ", "))
		}
	}

	if r := d.Remediation; r != nil {
		if r.TargetID == "" && r.Automation == nil {
			add("Remediation", "remediation needs a target document or an automation document")
		}
		if ec := r.ExecutionControls; ec != nil {
			if pct := ec.SsmControls.ConcurrentExecutionRatePercentage; pct < 0 || pct > 100 {
				add("Remediation.ConcurrentExecutionRatePercentage", "must be between 0 and 100, got %d", pct)
			}
			if pct := ec.SsmControls.ErrorPercentage; pct < 0 || pct > 100 {
				add("Remediation.ErrorPercentage", "must be between 0 and 100, got %d", pct)
			}
		}
		if r.MaximumAutomaticAttempts < 0 || r.RetryAttemptSeconds < 0 {
			add("Remediation", "retry settings must not be negative")
		}
	}

	return errors.Join(errs...)
}
