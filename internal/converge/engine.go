// Package converge drives stacks on the control plane to the state a
// deployment unit describes and classifies how each unit converged.
package converge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	cstypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// ---------------------------------------------------------------------------
// Client interfaces
//
// Each interface covers only the operations the engine calls, so tests can
// substitute small in-memory fakes.
// ---------------------------------------------------------------------------

// StackAPI is the subset of CloudFormation operations used for convergence.
type StackAPI interface {
	DescribeStacks(
		ctx context.Context,
		params *cloudformation.DescribeStacksInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.DescribeStacksOutput, error)

	ListStacks(
		ctx context.Context,
		params *cloudformation.ListStacksInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.ListStacksOutput, error)

	CreateStack(
		ctx context.Context,
		params *cloudformation.CreateStackInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.CreateStackOutput, error)

	UpdateStack(
		ctx context.Context,
		params *cloudformation.UpdateStackInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.UpdateStackOutput, error)

	DeleteStack(
		ctx context.Context,
		params *cloudformation.DeleteStackInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.DeleteStackOutput, error)

	CreateChangeSet(
		ctx context.Context,
		params *cloudformation.CreateChangeSetInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.CreateChangeSetOutput, error)

	DescribeChangeSet(
		ctx context.Context,
		params *cloudformation.DescribeChangeSetInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.DescribeChangeSetOutput, error)

	ExecuteChangeSet(
		ctx context.Context,
		params *cloudformation.ExecuteChangeSetInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.ExecuteChangeSetOutput, error)

	DeleteChangeSet(
		ctx context.Context,
		params *cloudformation.DeleteChangeSetInput,
		optFns ...func(*cloudformation.Options),
	) (*cloudformation.DeleteChangeSetOutput, error)
}

// FunctionAPI is the Lambda operation used to re-publish function code.
type FunctionAPI interface {
	UpdateFunctionCode(
		ctx context.Context,
		params *lambda.UpdateFunctionCodeInput,
		optFns ...func(*lambda.Options),
	) (*lambda.UpdateFunctionCodeOutput, error)
}

// RuleTagAPI covers the AWS Config operations used to tag deployed rules.
type RuleTagAPI interface {
	DescribeConfigRules(
		ctx context.Context,
		params *configservice.DescribeConfigRulesInput,
		optFns ...func(*configservice.Options),
	) (*configservice.DescribeConfigRulesOutput, error)

	TagResource(
		ctx context.Context,
		params *configservice.TagResourceInput,
		optFns ...func(*configservice.Options),
	) (*configservice.TagResourceOutput, error)
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// DefaultPollInterval is the fixed delay between status checks.
const DefaultPollInterval = 5 * time.Second

// DefaultChangeSetMaxAttempts caps how often a pending change set is described.
const DefaultChangeSetMaxAttempts = 120

// DefaultCapabilities are acknowledged on every stack operation because
// synthesized templates create IAM resources.
var DefaultCapabilities = []cftypes.Capability{
	cftypes.CapabilityCapabilityIam,
	cftypes.CapabilityCapabilityNamedIam,
}

// Options tune the engine.
type Options struct {
	PollInterval time.Duration

	// PollTimeout bounds plain stack polling. Zero waits until a terminal
	// status, an error, or context cancellation.
	PollTimeout time.Duration

	ChangeSetMaxAttempts int

	// UseChangeSets applies units through change sets instead of direct
	// create and update calls.
	UseChangeSets bool

	Capabilities []cftypes.Capability
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ChangeSetMaxAttempts <= 0 {
		o.ChangeSetMaxAttempts = DefaultChangeSetMaxAttempts
	}
	if len(o.Capabilities) == 0 {
		o.Capabilities = DefaultCapabilities
	}
	return o
}

// Engine converges deployment units in a single region. It holds no state
// between units; one engine is built per region from that region's clients.
type Engine struct {
	stacks    StackAPI
	functions FunctionAPI
	rules     RuleTagAPI
	opts      Options
}

// NewEngine returns an engine using the given clients. functions and rules
// may be nil when no unit carries functions or rule tags.
func NewEngine(stacks StackAPI, functions FunctionAPI, rules RuleTagAPI, opts Options) *Engine {
	return &Engine{stacks: stacks, functions: functions, rules: rules, opts: opts.withDefaults()}
}

// Apply makes the remote stack match unit. The returned result is always
// populated; err is the cause when the result is a failure.
func (e *Engine) Apply(ctx context.Context, unit *models.DeploymentUnit) (models.ConvergenceResult, error) {
	start := time.Now()
	log := zerolog.Ctx(ctx).With().Str("stack", unit.StackName).Logger()
	ctx = log.WithContext(ctx)

	res := models.ConvergenceResult{Rule: unit.Rule, StackName: unit.StackName, Region: unit.Region}
	fail := func(err error) (models.ConvergenceResult, error) {
		res.Outcome = models.OutcomeFailed
		res.Reason = err.Error()
		res.Duration = time.Since(start)
		log.Error().Err(err).Msg("stack did not converge")
		return res, err
	}

	outcome, status, err := e.converge(ctx, unit)
	res.Status = status
	if err != nil {
		return fail(err)
	}
	res.Outcome = outcome

	if outcome == models.OutcomeUpdated || outcome == models.OutcomeNoOp {
		if err := e.republish(ctx, unit); err != nil {
			return fail(err)
		}
	}
	if len(unit.RuleTags) > 0 && unit.ConfigRuleName != "" {
		e.tagRule(ctx, unit.ConfigRuleName, unit.RuleTags)
	}

	res.Duration = time.Since(start)
	log.Info().Str("outcome", string(res.Outcome)).Str("status", status).Msg("stack converged")
	return res, nil
}

// converge runs PROBE, then CREATE or UPDATE, then POLL.
func (e *Engine) converge(ctx context.Context, unit *models.DeploymentUnit) (models.Outcome, string, error) {
	log := zerolog.Ctx(ctx)

	stack, err := e.Probe(ctx, unit.StackName)
	switch {
	case errors.Is(err, ErrStackNotFound):
		log.Info().Msg("stack does not exist; creating")
		status, err := e.create(ctx, unit)
		return models.OutcomeCreated, status, err
	case err != nil:
		return "", "", err
	}

	status := string(stack.StackStatus)
	if status == string(cftypes.StackStatusReviewInProgress) {
		// A placeholder left by a change set that was never executed. It
		// leaves this status only through a CREATE change set or deletion.
		log.Warn().Msg("stack is in REVIEW_IN_PROGRESS; replacing placeholder")
		if e.opts.UseChangeSets {
			status, err := e.create(ctx, unit)
			return models.OutcomeCreated, status, err
		}
		status, err := e.recreate(ctx, unit, status)
		return models.OutcomeCreated, status, err
	}
	if !Terminal(status) {
		log.Info().Str("status", status).Msg("stack is busy; waiting before applying")
		if status, _, err = e.Wait(ctx, unit.StackName); err != nil {
			return "", status, err
		}
	}

	if status == string(cftypes.StackStatusDeleteComplete) {
		log.Info().Msg("stack finished deleting; creating")
		status, err := e.create(ctx, unit)
		return models.OutcomeCreated, status, err
	}

	if status == string(cftypes.StackStatusRollbackComplete) {
		// A stack whose creation rolled back cannot be updated.
		log.Warn().Msg("stack is in ROLLBACK_COMPLETE; deleting before re-creating")
		status, err := e.recreate(ctx, unit, status)
		return models.OutcomeRecreated, status, err
	}

	log.Info().Msg("stack exists; updating")
	return e.update(ctx, unit)
}

// recreate deletes the stack, waits for the deletion and creates it again.
func (e *Engine) recreate(ctx context.Context, unit *models.DeploymentUnit, status string) (string, error) {
	if err := e.delete(ctx, unit.StackName); err != nil {
		return status, err
	}
	status, reason, err := e.Wait(ctx, unit.StackName)
	if err != nil {
		return status, err
	}
	if status != string(cftypes.StackStatusDeleteComplete) {
		return status, statusError(unit.StackName, status, reason)
	}
	return e.create(ctx, unit)
}

// Probe returns the live stack named name, or ErrStackNotFound.
func (e *Engine) Probe(ctx context.Context, name string) (*cftypes.Stack, error) {
	out, err := e.stacks.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrStackNotFound
		}
		return nil, fmt.Errorf("describe stack %q: %w", name, err)
	}
	if len(out.Stacks) == 0 {
		return nil, ErrStackNotFound
	}
	return &out.Stacks[0], nil
}

func (e *Engine) create(ctx context.Context, unit *models.DeploymentUnit) (string, error) {
	if e.opts.UseChangeSets {
		outcome, status, err := e.applyChangeSet(ctx, unit, cftypes.ChangeSetTypeCreate)
		if err == nil && outcome == models.OutcomeNoOp {
			return status, fmt.Errorf("create stack %q: change set contained no changes", unit.StackName)
		}
		return status, err
	}

	in := &cloudformation.CreateStackInput{
		StackName:          aws.String(unit.StackName),
		Parameters:         stackParameters(unit.Parameters),
		Capabilities:       e.opts.Capabilities,
		Tags:               stackTags(unit.StackTags),
		ClientRequestToken: aws.String(uuid.NewString()),
	}
	in.TemplateBody, in.TemplateURL = templateSource(unit)
	if _, err := e.stacks.CreateStack(ctx, in); err != nil {
		return "", fmt.Errorf("create stack %q: %w", unit.StackName, err)
	}
	return e.settle(ctx, unit.StackName, cftypes.StackStatusCreateComplete)
}

func (e *Engine) update(ctx context.Context, unit *models.DeploymentUnit) (models.Outcome, string, error) {
	if e.opts.UseChangeSets {
		return e.applyChangeSet(ctx, unit, cftypes.ChangeSetTypeUpdate)
	}

	in := &cloudformation.UpdateStackInput{
		StackName:          aws.String(unit.StackName),
		Parameters:         stackParameters(unit.Parameters),
		Capabilities:       e.opts.Capabilities,
		Tags:               stackTags(unit.StackTags),
		ClientRequestToken: aws.String(uuid.NewString()),
	}
	in.TemplateBody, in.TemplateURL = templateSource(unit)
	if _, err := e.stacks.UpdateStack(ctx, in); err != nil {
		if IsNoUpdates(err) {
			zerolog.Ctx(ctx).Info().Msg("no updates to be performed")
			return models.OutcomeNoOp, "", nil
		}
		return "", "", fmt.Errorf("update stack %q: %w", unit.StackName, err)
	}
	status, err := e.settle(ctx, unit.StackName, cftypes.StackStatusUpdateComplete)
	return models.OutcomeUpdated, status, err
}

// settle polls name and checks that it reached want.
func (e *Engine) settle(ctx context.Context, name string, want cftypes.StackStatus) (string, error) {
	status, reason, err := e.Wait(ctx, name)
	if err != nil {
		return status, err
	}
	if status != string(want) {
		return status, statusError(name, status, reason)
	}
	return status, nil
}

func statusError(name, status, reason string) error {
	if reason == "" {
		return fmt.Errorf("stack %q ended in %s", name, status)
	}
	return fmt.Errorf("stack %q ended in %s: %s", name, status, reason)
}

func templateSource(unit *models.DeploymentUnit) (body, url *string) {
	if unit.TemplateURL != "" {
		return nil, aws.String(unit.TemplateURL)
	}
	return aws.String(unit.TemplateBody), nil
}

func stackParameters(bindings []models.ParameterBinding) []cftypes.Parameter {
	if len(bindings) == 0 {
		return nil
	}
	out := make([]cftypes.Parameter, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, cftypes.Parameter{ParameterKey: aws.String(b.Key), ParameterValue: aws.String(b.Value)})
	}
	return out
}

func stackTags(tags []models.Tag) []cftypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]cftypes.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, cftypes.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return out
}

// ---------------------------------------------------------------------------
// Deletion
// ---------------------------------------------------------------------------

func (e *Engine) delete(ctx context.Context, name string) error {
	if _, err := e.stacks.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return fmt.Errorf("delete stack %q: %w", name, err)
	}
	return nil
}

// DeleteAll requests deletion of every named stack first, then waits for
// each in order. A failure on one stack does not stop the others.
func (e *Engine) DeleteAll(ctx context.Context, region string, names []string) []models.ConvergenceResult {
	log := zerolog.Ctx(ctx)
	results := make([]models.ConvergenceResult, len(names))
	pending := make([]bool, len(names))
	starts := make([]time.Time, len(names))

	for i, name := range names {
		starts[i] = time.Now()
		results[i] = models.ConvergenceResult{Rule: name, StackName: name, Region: region}
		if err := e.delete(ctx, name); err != nil {
			log.Error().Err(err).Str("stack", name).Msg("delete request failed")
			results[i].Outcome = models.OutcomeFailed
			results[i].Reason = err.Error()
			continue
		}
		log.Info().Str("stack", name).Msg("delete requested")
		pending[i] = true
	}

	for i, name := range names {
		if !pending[i] {
			continue
		}
		status, reason, err := e.Wait(ctx, name)
		results[i].Status = status
		results[i].Duration = time.Since(starts[i])
		switch {
		case err != nil:
			results[i].Outcome = models.OutcomeFailed
			results[i].Reason = err.Error()
		case status != string(cftypes.StackStatusDeleteComplete):
			results[i].Outcome = models.OutcomeFailed
			results[i].Reason = statusError(name, status, reason).Error()
		default:
			results[i].Outcome = models.OutcomeDeleted
		}
		if results[i].Failed() {
			log.Error().Str("stack", name).Str("status", status).Msg(results[i].Reason)
		} else {
			log.Info().Str("stack", name).Msg("stack deleted")
		}
	}
	return results
}

// ---------------------------------------------------------------------------
// Post-convergence steps
// ---------------------------------------------------------------------------

// republish pushes each function's code pointer again. The control plane
// does not treat a replaced archive object as a stack change.
func (e *Engine) republish(ctx context.Context, unit *models.DeploymentUnit) error {
	if len(unit.Functions) == 0 {
		return nil
	}
	if e.functions == nil {
		return fmt.Errorf("re-publish code for stack %q: no function client configured", unit.StackName)
	}
	log := zerolog.Ctx(ctx)

	var outputs map[string]string
	for _, fn := range unit.Functions {
		arn := fn.ARN
		if fn.OutputKey != "" {
			if outputs == nil {
				outputs = e.stackOutputs(ctx, unit.StackName)
			}
			if v := outputs[fn.OutputKey]; v != "" {
				arn = v
			}
		}
		if arn == "" {
			arn = fn.Name
		}
		log.Info().Str("function", arn).Msg("publishing function code")
		_, err := e.functions.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(arn),
			S3Bucket:     aws.String(fn.Bucket),
			S3Key:        aws.String(fn.Key),
			Publish:      true,
		})
		if err != nil {
			return fmt.Errorf("update function code %q: %w", arn, err)
		}
	}
	return nil
}

// stackOutputs returns the outputs of name. Lookup failures yield an empty
// map so callers fall back to computed values.
func (e *Engine) stackOutputs(ctx context.Context, name string) map[string]string {
	out := map[string]string{}
	stack, err := e.Probe(ctx, name)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("could not read stack outputs")
		return out
	}
	for _, o := range stack.Outputs {
		out[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out
}

// tagRule applies tags to a deployed compliance rule. Failures are logged and
// never fail the unit.
func (e *Engine) tagRule(ctx context.Context, rule string, tags []models.Tag) {
	log := zerolog.Ctx(ctx).With().Str("rule", rule).Logger()
	if e.rules == nil {
		log.Warn().Msg("no rule client configured; skipping rule tags")
		return
	}
	if err := TagRule(ctx, e.rules, rule, tags); err != nil {
		log.Warn().Err(err).Msg("could not tag rule")
		return
	}
	log.Info().Int("tags", len(tags)).Msg("rule tagged")
}

// TagRule resolves rule's ARN and applies tags to it.
func TagRule(ctx context.Context, client RuleTagAPI, rule string, tags []models.Tag) error {
	out, err := client.DescribeConfigRules(ctx, &configservice.DescribeConfigRulesInput{ConfigRuleNames: []string{rule}})
	if err != nil {
		return fmt.Errorf("describe config rule %q: %w", rule, err)
	}
	if len(out.ConfigRules) == 0 || aws.ToString(out.ConfigRules[0].ConfigRuleArn) == "" {
		return fmt.Errorf("describe config rule %q: rule not found", rule)
	}
	arn := out.ConfigRules[0].ConfigRuleArn

	in := &configservice.TagResourceInput{ResourceArn: arn}
	for _, t := range tags {
		in.Tags = append(in.Tags, configTag(t))
	}
	if _, err := client.TagResource(ctx, in); err != nil {
		return fmt.Errorf("tag config rule %q: %w", rule, err)
	}
	return nil
}

func configTag(t models.Tag) cstypes.Tag {
	return cstypes.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)}
}

// Terminal reports whether status is one the control plane will not leave
// on its own.
func Terminal(status string) bool {
	return strings.HasSuffix(status, "_COMPLETE") || strings.HasSuffix(status, "_FAILED")
}

// Failed reports whether a terminal status means the operation failed.
func Failed(status string) bool {
	return strings.HasSuffix(status, "_FAILED") || strings.HasSuffix(status, "ROLLBACK_COMPLETE")
}
