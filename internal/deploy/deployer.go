// Package deploy runs the per-region operations: deploying rule stacks,
// organization rules and the shared functions stack, tearing them down, and
// bootstrapping or cleaning an account region. Every operation receives an
// explicit Session and returns a RegionReport; none of them cancels work in
// other regions.
package deploy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/converge"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/logging"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/packager"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/synth"
)

// MaxTemplateBodySize is the largest template that may be passed inline.
// Larger templates are staged in the code bucket and referenced by URL.
const MaxTemplateBodySize = 51200

// DefaultLambdaRoleName is the execution role name assumed by
// --lambda-role-name when no explicit ARN is given.
const DefaultLambdaRoleName = "Rdk-Lambda-Role"

// Builder produces code archives. *packager.Packager satisfies it.
type Builder interface {
	Package(ctx context.Context, d *models.RuleDescriptor, region string) (packager.Archive, error)
}

// Config holds settings shared by every operation.
type Config struct {
	// RulesRoot is the directory rule directories live under. Automation
	// document paths are resolved relative to it.
	RulesRoot string

	// CodeBucketPrefix is completed with "<account>-<region>".
	CodeBucketPrefix string

	Convergence converge.Options

	FunctionTimeout int
}

// DeployOptions select what a deploy produces.
type DeployOptions struct {
	// FunctionsOnly deploys one shared stack holding only the evaluation
	// functions of the selected custom rules.
	FunctionsOnly bool

	// FunctionsStack overrides the shared functions stack name.
	FunctionsStack string

	// LambdaRoleName builds the execution role ARN in the session's
	// account. Ignored when Function.RoleARN is set.
	LambdaRoleName string

	Function synth.FunctionOptions

	// ExcludedAccounts are excluded from organization rules.
	ExcludedAccounts []string
}

// Deployer runs deploy operations against one region at a time. It holds no
// per-region state and is safe for concurrent use by the fan-out driver.
type Deployer struct {
	cfg     Config
	builder Builder
	confirm Confirmer
}

// New returns a Deployer. A nil builder packages with packager.New under
// the rules root; a nil confirmer refuses every destructive operation.
func New(cfg Config, builder Builder, confirm Confirmer) *Deployer {
	if cfg.RulesRoot == "" {
		cfg.RulesRoot = "."
	}
	if builder == nil {
		builder = packager.New(cfg.RulesRoot, os.TempDir(), nil)
	}
	if confirm == nil {
		confirm = denyConfirmer{}
	}
	return &Deployer{cfg: cfg, builder: builder, confirm: confirm}
}

// CodeBucket returns the code bucket name for the session's account and
// region.
func (d *Deployer) CodeBucket(sess *common.Session) string {
	return d.cfg.CodeBucketPrefix + sess.AccountID + "-" + sess.Region
}

// Environment returns the synthesis environment for sess.
func (d *Deployer) Environment(sess *common.Session, opts DeployOptions) synth.Environment {
	fn := opts.Function
	if fn.RoleARN == "" && opts.LambdaRoleName != "" {
		fn.RoleARN = RoleARN(sess.Partition, sess.AccountID, opts.LambdaRoleName)
	}
	if fn.Timeout == 0 {
		fn.Timeout = d.cfg.FunctionTimeout
	}
	return synth.Environment{
		AccountID:        sess.AccountID,
		Partition:        sess.Partition,
		Region:           sess.Region,
		CodeBucket:       d.CodeBucket(sess),
		Documents:        os.DirFS(d.cfg.RulesRoot),
		Function:         fn,
		ExcludedAccounts: opts.ExcludedAccounts,
	}
}

// RoleARN returns the ARN of the named role in account.
func RoleARN(partition, account, name string) string {
	if partition == "" {
		partition = "aws"
	}
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", partition, account, name)
}

func (d *Deployer) engine(sess *common.Session) *converge.Engine {
	c := sess.Clients
	return converge.NewEngine(c.CloudFormation, c.Lambda, c.Config, d.cfg.Convergence)
}

// ---------------------------------------------------------------------------
// Deploy
// ---------------------------------------------------------------------------

// Deploy deploys one stack per rule into the session's region, strictly in
// input order. Every template is synthesized before the first network call,
// so a configuration error aborts the region without touching it.
func (d *Deployer) Deploy(ctx context.Context, sess *common.Session, rules []*models.RuleDescriptor, opts DeployOptions) models.RegionReport {
	ctx = logging.ForRegion(ctx, sess.Region, sess.AccountID)
	report := newReport(sess)
	env := d.Environment(sess, opts)

	if opts.FunctionsOnly {
		return d.deployFunctions(ctx, sess, rules, env, opts.FunctionsStack)
	}

	units := make([]*models.DeploymentUnit, len(rules))
	for i, r := range rules {
		u, err := synth.StackUnit(r, env)
		if err != nil {
			return failReport(report, fmt.Errorf("synthesize rule %q: %w", r.Name, err))
		}
		units[i] = u
	}
	return d.applyAll(ctx, sess, rules, units, report)
}

// DeployOrganization deploys one organization rule stack per rule.
// Remediation is dropped and tags reach only the stack.
func (d *Deployer) DeployOrganization(ctx context.Context, sess *common.Session, rules []*models.RuleDescriptor, opts DeployOptions) models.RegionReport {
	ctx = logging.ForRegion(ctx, sess.Region, sess.AccountID)
	log := zerolog.Ctx(ctx)
	report := newReport(sess)
	env := d.Environment(sess, opts)

	if opts.FunctionsOnly {
		log.Warn().Msg("functions-only is not supported for organization rules; deploying full stacks")
	}

	units := make([]*models.DeploymentUnit, len(rules))
	for i, r := range rules {
		if r.Remediation != nil {
			log.Warn().Str("rule", r.Name).Msg("remediation is not supported for organization rules; skipping it")
		}
		if len(r.Tags) > 0 {
			log.Warn().Str("rule", r.Name).Msg("organization rules cannot be tagged; tags are applied to the stack only")
		}
		u, err := synth.OrganizationUnit(r, env)
		if err != nil {
			return failReport(report, fmt.Errorf("synthesize organization rule %q: %w", r.Name, err))
		}
		units[i] = u
	}
	return d.applyAll(ctx, sess, rules, units, report)
}

// applyAll publishes code and converges each unit in order. A failing rule
// is recorded and the next rule proceeds.
func (d *Deployer) applyAll(ctx context.Context, sess *common.Session, rules []*models.RuleDescriptor, units []*models.DeploymentUnit, report models.RegionReport) models.RegionReport {
	bucket := d.CodeBucket(sess)
	if needsBucket(rules, units) {
		if _, err := EnsureBucket(ctx, sess.Clients.S3, bucket, sess.Region); err != nil {
			return failReport(report, err)
		}
	}

	engine := d.engine(sess)
	for i, r := range rules {
		unit := units[i]
		rctx := logging.ForRule(ctx, r.Name, unit.StackName)

		if err := d.publish(rctx, sess, r, bucket); err != nil {
			report.Results = append(report.Results, failedResult(unit, err))
			continue
		}
		if err := d.stageTemplate(rctx, sess, unit, bucket); err != nil {
			report.Results = append(report.Results, failedResult(unit, err))
			continue
		}
		res, _ := engine.Apply(rctx, unit)
		report.Results = append(report.Results, res)
	}
	return report
}

// deployFunctions deploys the shared functions stack. Its template is always
// staged in the code bucket.
func (d *Deployer) deployFunctions(ctx context.Context, sess *common.Session, rules []*models.RuleDescriptor, env synth.Environment, stackName string) models.RegionReport {
	report := newReport(sess)
	unit, err := synth.FunctionsUnit(rules, env, stackName)
	if err != nil {
		return failReport(report, fmt.Errorf("synthesize functions stack: %w", err))
	}

	bucket := d.CodeBucket(sess)
	if _, err := EnsureBucket(ctx, sess.Clients.S3, bucket, sess.Region); err != nil {
		return failReport(report, err)
	}
	for _, r := range rules {
		if err := d.publish(logging.ForRule(ctx, r.Name, unit.StackName), sess, r, bucket); err != nil {
			return failReport(report, err)
		}
	}

	url, err := UploadTemplate(ctx, sess.Clients.S3, sess.Partition, sess.Region, bucket, unit.StackName+".json", unit.TemplateBody)
	if err != nil {
		return failReport(report, err)
	}
	unit.TemplateURL, unit.TemplateBody = url, ""

	res, _ := d.engine(sess).Apply(ctx, unit)
	report.Results = append(report.Results, res)
	return report
}

// publish packages and uploads a custom rule's code. Managed rules have none.
func (d *Deployer) publish(ctx context.Context, sess *common.Session, r *models.RuleDescriptor, bucket string) error {
	if _, ok := r.Custom(); !ok {
		return nil
	}
	archive, err := d.builder.Package(ctx, r, sess.Region)
	if err != nil {
		return err
	}
	_, err = packager.Publish(ctx, sess.Clients.S3, archive, bucket)
	return err
}

// stageTemplate moves an oversized inline template into the code bucket.
func (d *Deployer) stageTemplate(ctx context.Context, sess *common.Session, unit *models.DeploymentUnit, bucket string) error {
	if len(unit.TemplateBody) <= MaxTemplateBodySize {
		return nil
	}
	url, err := UploadTemplate(ctx, sess.Clients.S3, sess.Partition, sess.Region, bucket, unit.StackName+".json", unit.TemplateBody)
	if err != nil {
		return err
	}
	unit.TemplateURL, unit.TemplateBody = url, ""
	return nil
}

// UploadTemplate stores body under key in bucket and returns the URL the
// control plane reads it from.
func UploadTemplate(ctx context.Context, client packager.ObjectAPI, partition, region, bucket, key, body string) (string, error) {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload template %q to bucket %q: %w", key, bucket, err)
	}
	return ObjectURL(partition, region, bucket, key), nil
}

// ObjectURL returns the virtual-hosted URL of an object.
func ObjectURL(partition, region, bucket, key string) string {
	suffix := "amazonaws.com"
	if partition == "aws-cn" {
		suffix = "amazonaws.com.cn"
	}
	return fmt.Sprintf("https://%s.s3.%s.%s/%s", bucket, region, suffix, key)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newReport(sess *common.Session) models.RegionReport {
	return models.RegionReport{Region: sess.Region, AccountID: sess.AccountID}
}

func failReport(report models.RegionReport, err error) models.RegionReport {
	report.Err = err
	report.Error = err.Error()
	return report
}

func failedResult(unit *models.DeploymentUnit, err error) models.ConvergenceResult {
	return models.ConvergenceResult{
		Rule:      unit.Rule,
		StackName: unit.StackName,
		Region:    unit.Region,
		Outcome:   models.OutcomeFailed,
		Reason:    err.Error(),
	}
}

func needsBucket(rules []*models.RuleDescriptor, units []*models.DeploymentUnit) bool {
	for i, r := range rules {
		if _, ok := r.Custom(); ok || len(units[i].TemplateBody) > MaxTemplateBodySize {
			return true
		}
	}
	return false
}
