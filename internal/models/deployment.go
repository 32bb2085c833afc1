package models

import (
	"fmt"
	"time"
)

// Outcome classifies how a deployment unit converged.
type Outcome string

const (
	OutcomeCreated   Outcome = "CREATED"
	OutcomeUpdated   Outcome = "UPDATED"
	OutcomeNoOp      Outcome = "NO_OP"
	OutcomeDeleted   Outcome = "DELETED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeRecreated Outcome = "NOT_FOUND_THEN_CREATED"
	OutcomeSkipped   Outcome = "SKIPPED"
)

// Succeeded reports whether the outcome leaves the remote state converged.
func (o Outcome) Succeeded() bool {
	return o != OutcomeFailed
}

// ConvergenceResult is the reported outcome of one deployment unit.
// It is never persisted.
type ConvergenceResult struct {
	Rule      string        `json:"rule,omitempty"`
	StackName string        `json:"stack_name"`
	Region    string        `json:"region"`
	Outcome   Outcome       `json:"outcome"`
	Status    string        `json:"status,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Failed reports whether the unit ended in a failure state.
func (r ConvergenceResult) Failed() bool { return r.Outcome == OutcomeFailed }

// String renders the result as a single log-friendly line.
func (r ConvergenceResult) String() string {
	if r.Reason != "" {
		return fmt.Sprintf("%s [%s] %s: %s", r.StackName, r.Region, r.Outcome, r.Reason)
	}
	return fmt.Sprintf("%s [%s] %s", r.StackName, r.Region, r.Outcome)
}

// RegionReport aggregates everything one region's execution produced.
// Err is set when the region aborted before or between units.
type RegionReport struct {
	Region    string              `json:"region"`
	AccountID string              `json:"account_id,omitempty"`
	Results   []ConvergenceResult `json:"results"`
	Err       error               `json:"-"`
	Error     string              `json:"error,omitempty"`
}

// Failed reports whether the region aborted or any of its units failed.
func (r RegionReport) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, res := range r.Results {
		if res.Failed() {
			return true
		}
	}
	return false
}

// AnyFailed reports whether any region in reports failed.
func AnyFailed(reports []RegionReport) bool {
	for _, r := range reports {
		if r.Failed() {
			return true
		}
	}
	return false
}

// ParameterBinding supplies the value of one top-level template parameter.
type ParameterBinding struct {
	Key   string
	Value string
}

// FunctionCode locates an evaluation function and the archive its code is
// published from.
type FunctionCode struct {
	Rule string
	Name string

	// ARN is the computed function ARN, used when OutputKey is empty or the
	// stack does not report the output.
	ARN string

	// OutputKey names the stack output that carries the deployed function ARN.
	OutputKey string

	Bucket string
	Key    string
}

// DeploymentUnit is one stack applied to the control plane. It is
// synthesized fresh on every invocation and discarded once terminal.
type DeploymentUnit struct {
	Rule      string
	StackName string
	Region    string

	// Exactly one of TemplateBody and TemplateURL is set.
	TemplateBody string
	TemplateURL  string

	Parameters []ParameterBinding
	StackTags  []Tag

	// Functions are re-published after the stack converges. Empty for
	// managed rules.
	Functions []FunctionCode

	// RuleTags are applied to the compliance rule after convergence because
	// the template format cannot tag it natively. ConfigRuleName identifies
	// the rule to tag.
	RuleTags       []Tag
	ConfigRuleName string
}
