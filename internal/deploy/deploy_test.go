package deploy

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	cstypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/converge"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/packager"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/synth"
)

// ── fakes ────────────────────────────────────────────────────────────────────

// fakeStacks settles every stack operation immediately. Change-set calls are
// not implemented and panic through the nil embedded interface.
type fakeStacks struct {
	common.CloudFormationClient

	mu      sync.Mutex
	live    map[string]cftypes.StackStatus
	deleted []string
	creates []*cloudformation.CreateStackInput
}

func newFakeStacks() *fakeStacks {
	return &fakeStacks{live: map[string]cftypes.StackStatus{}}
}

func (f *fakeStacks) DescribeStacks(_ context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.StackName)
	status, ok := f.live[name]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id " + name + " does not exist"}
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cftypes.Stack{{StackName: aws.String(name), StackStatus: status}}}, nil
}

func (f *fakeStacks) ListStacks(context.Context, *cloudformation.ListStacksInput, ...func(*cloudformation.Options)) (*cloudformation.ListStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &cloudformation.ListStacksOutput{}
	for _, name := range f.deleted {
		out.StackSummaries = append(out.StackSummaries, cftypes.StackSummary{StackName: aws.String(name), StackStatus: cftypes.StackStatusDeleteComplete})
	}
	for name, status := range f.live {
		out.StackSummaries = append(out.StackSummaries, cftypes.StackSummary{StackName: aws.String(name), StackStatus: status})
	}
	return out, nil
}

func (f *fakeStacks) CreateStack(_ context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, in)
	f.live[aws.ToString(in.StackName)] = cftypes.StackStatusCreateComplete
	return &cloudformation.CreateStackOutput{StackId: in.StackName}, nil
}

func (f *fakeStacks) UpdateStack(context.Context, *cloudformation.UpdateStackInput, ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	return nil, &smithy.GenericAPIError{Code: "ValidationError", Message: "No updates are to be performed."}
}

func (f *fakeStacks) DeleteStack(_ context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.StackName)
	delete(f.live, name)
	f.deleted = append(f.deleted, name)
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *fakeStacks) names() []string {
	var out []string
	for _, in := range f.creates {
		out = append(out, aws.ToString(in.StackName))
	}
	return out
}

type fakeLambda struct{ updates int }

func (f *fakeLambda) UpdateFunctionCode(_ context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.updates++
	return &lambda.UpdateFunctionCodeOutput{FunctionArn: in.FunctionName}, nil
}

type fakeConfig struct {
	recorders []cstypes.ConfigurationRecorder
	recording map[string]bool
	channels  []string

	deletedRecorders []string
	deletedChannels  []string
}

func (f *fakeConfig) DescribeConfigRules(context.Context, *configservice.DescribeConfigRulesInput, ...func(*configservice.Options)) (*configservice.DescribeConfigRulesOutput, error) {
	return &configservice.DescribeConfigRulesOutput{}, nil
}

func (f *fakeConfig) TagResource(context.Context, *configservice.TagResourceInput, ...func(*configservice.Options)) (*configservice.TagResourceOutput, error) {
	return &configservice.TagResourceOutput{}, nil
}

func (f *fakeConfig) DescribeConfigurationRecorders(context.Context, *configservice.DescribeConfigurationRecordersInput, ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecordersOutput, error) {
	return &configservice.DescribeConfigurationRecordersOutput{ConfigurationRecorders: f.recorders}, nil
}

func (f *fakeConfig) DescribeConfigurationRecorderStatus(context.Context, *configservice.DescribeConfigurationRecorderStatusInput, ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecorderStatusOutput, error) {
	out := &configservice.DescribeConfigurationRecorderStatusOutput{}
	for name, on := range f.recording {
		out.ConfigurationRecordersStatus = append(out.ConfigurationRecordersStatus, cstypes.ConfigurationRecorderStatus{Name: aws.String(name), Recording: on})
	}
	return out, nil
}

func (f *fakeConfig) StopConfigurationRecorder(context.Context, *configservice.StopConfigurationRecorderInput, ...func(*configservice.Options)) (*configservice.StopConfigurationRecorderOutput, error) {
	return &configservice.StopConfigurationRecorderOutput{}, nil
}

func (f *fakeConfig) DeleteConfigurationRecorder(_ context.Context, in *configservice.DeleteConfigurationRecorderInput, _ ...func(*configservice.Options)) (*configservice.DeleteConfigurationRecorderOutput, error) {
	f.deletedRecorders = append(f.deletedRecorders, aws.ToString(in.ConfigurationRecorderName))
	return &configservice.DeleteConfigurationRecorderOutput{}, nil
}

func (f *fakeConfig) DescribeDeliveryChannels(context.Context, *configservice.DescribeDeliveryChannelsInput, ...func(*configservice.Options)) (*configservice.DescribeDeliveryChannelsOutput, error) {
	out := &configservice.DescribeDeliveryChannelsOutput{}
	for _, c := range f.channels {
		out.DeliveryChannels = append(out.DeliveryChannels, cstypes.DeliveryChannel{Name: aws.String(c)})
	}
	return out, nil
}

func (f *fakeConfig) DeleteDeliveryChannel(_ context.Context, in *configservice.DeleteDeliveryChannelInput, _ ...func(*configservice.Options)) (*configservice.DeleteDeliveryChannelOutput, error) {
	f.deletedChannels = append(f.deletedChannels, aws.ToString(in.DeliveryChannelName))
	return &configservice.DeleteDeliveryChannelOutput{}, nil
}

type fakeS3 struct {
	exists  bool
	objects map[string]string

	created        []*s3.CreateBucketInput
	deletedObjects []string
	bucketDeleted  bool
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string]string{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.exists {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, in)
	f.exists = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if !f.exists {
		return nil, &s3types.NoSuchBucket{}
	}
	out := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, o := range in.Delete.Objects {
		f.deletedObjects = append(f.deletedObjects, aws.ToString(o.Key))
		delete(f.objects, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) DeleteBucket(context.Context, *s3.DeleteBucketInput, ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.bucketDeleted = true
	return &s3.DeleteBucketOutput{}, nil
}

type fakeIAM struct {
	missing bool
	deleted []string
}

func (f *fakeIAM) ListAttachedRolePolicies(context.Context, *iam.ListAttachedRolePoliciesInput, ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	if f.missing {
		return nil, &iamtypes.NoSuchEntityException{}
	}
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: []iamtypes.AttachedPolicy{{PolicyArn: aws.String("arn:aws:iam::aws:policy/service-role/AWS_ConfigRole")}}}, nil
}

func (f *fakeIAM) DetachRolePolicy(context.Context, *iam.DetachRolePolicyInput, ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) ListRolePolicies(context.Context, *iam.ListRolePoliciesInput, ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	return &iam.ListRolePoliciesOutput{PolicyNames: []string{"inline"}}, nil
}

func (f *fakeIAM) DeleteRolePolicy(context.Context, *iam.DeleteRolePolicyInput, ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.RoleName))
	return &iam.DeleteRoleOutput{}, nil
}

// fakeBuilder writes a placeholder archive instead of zipping a source tree.
type fakeBuilder struct {
	dir  string
	fail map[string]error
	got  []string
}

func (b *fakeBuilder) Package(_ context.Context, d *models.RuleDescriptor, region string) (packager.Archive, error) {
	b.got = append(b.got, d.Name)
	if err := b.fail[d.Name]; err != nil {
		return packager.Archive{}, err
	}
	path := filepath.Join(b.dir, d.Name+region+".zip")
	if err := os.WriteFile(path, []byte("zip:"+d.Name), 0o600); err != nil {
		return packager.Archive{}, err
	}
	return packager.Archive{Rule: d.Name, Region: region, Path: path}, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	stacks  *fakeStacks
	lambda  *fakeLambda
	config  *fakeConfig
	s3      *fakeS3
	iam     *fakeIAM
	builder *fakeBuilder
	sess    *common.Session
	d       *Deployer
}

func newFixture(t *testing.T, confirm Confirmer) *fixture {
	t.Helper()
	f := &fixture{
		stacks:  newFakeStacks(),
		lambda:  &fakeLambda{},
		config:  &fakeConfig{},
		s3:      newFakeS3(),
		iam:     &fakeIAM{},
		builder: &fakeBuilder{dir: t.TempDir()},
	}
	f.sess = &common.Session{
		ProfileName: "default",
		AccountID:   "123456789012",
		Partition:   "aws",
		Region:      "eu-west-1",
		Clients: &common.ClientSet{
			CloudFormation: f.stacks,
			Lambda:         f.lambda,
			Config:         f.config,
			S3:             f.s3,
			IAM:            f.iam,
		},
	}
	f.d = New(Config{
		RulesRoot:        t.TempDir(),
		CodeBucketPrefix: "config-rule-code-bucket-",
		Convergence:      converge.Options{PollInterval: time.Millisecond},
		FunctionTimeout:  60,
	}, f.builder, confirm)
	return f
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
}

func customRule(name string) *models.RuleDescriptor {
	return &models.RuleDescriptor{
		Name:     name,
		Source:   models.CustomSource{Runtime: "python3.12"},
		Triggers: models.Triggers{ResourceTypes: []string{"AWS::S3::Bucket"}},
	}
}

func managedRule(name string) *models.RuleDescriptor {
	return &models.RuleDescriptor{
		Name:     name,
		Source:   models.ManagedSource{Identifier: "S3_BUCKET_VERSIONING_ENABLED"},
		Triggers: models.Triggers{ResourceTypes: []string{"AWS::S3::Bucket"}},
	}
}

func outcomes(results []models.ConvergenceResult) []models.Outcome {
	out := make([]models.Outcome, 0, len(results))
	for _, r := range results {
		out = append(out, r.Outcome)
	}
	return out
}

// ── deploy ───────────────────────────────────────────────────────────────────

func TestDeploy_RulesInInputOrder(t *testing.T) {
	f := newFixture(t, nil)

	report := f.d.Deploy(testContext(t), f.sess, []*models.RuleDescriptor{customRule("s3_public_check"), managedRule("versioning")}, DeployOptions{})

	require.NoError(t, report.Err)
	assert.Equal(t, "eu-west-1", report.Region)
	assert.Equal(t, "123456789012", report.AccountID)
	assert.Equal(t, []models.Outcome{models.OutcomeCreated, models.OutcomeCreated}, outcomes(report.Results))
	assert.Equal(t, []string{"s3publiccheck", "versioning"}, f.stacks.names())
	assert.False(t, report.Failed())

	require.Len(t, f.s3.created, 1)
	assert.Equal(t, "config-rule-code-bucket-123456789012-eu-west-1", aws.ToString(f.s3.created[0].Bucket))
	assert.Equal(t, s3types.BucketLocationConstraint("eu-west-1"), f.s3.created[0].CreateBucketConfiguration.LocationConstraint)

	assert.Equal(t, []string{"s3_public_check"}, f.builder.got, "managed rules are never packaged")
	assert.Equal(t, "zip:s3_public_check", f.s3.objects[synth.CodeKey("s3_public_check")])
}

func TestDeploy_RedeployIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	rules := []*models.RuleDescriptor{customRule("s3_public_check")}

	first := f.d.Deploy(testContext(t), f.sess, rules, DeployOptions{})
	second := f.d.Deploy(testContext(t), f.sess, rules, DeployOptions{})

	assert.Equal(t, []models.Outcome{models.OutcomeCreated}, outcomes(first.Results))
	assert.Equal(t, []models.Outcome{models.OutcomeNoOp}, outcomes(second.Results))
	assert.Equal(t, 1, f.lambda.updates)
}

func TestDeploy_ConfigurationErrorAbortsBeforeNetwork(t *testing.T) {
	f := newFixture(t, nil)
	bad := customRule("too_long")
	bad.Source = models.CustomSource{Runtime: "python3.12", FunctionName: strings.Repeat("f", 65)}

	report := f.d.Deploy(testContext(t), f.sess, []*models.RuleDescriptor{managedRule("versioning"), bad}, DeployOptions{})

	require.Error(t, report.Err)
	var cfgErr *synth.ConfigError
	assert.True(t, errors.As(report.Err, &cfgErr))
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, f.stacks.creates)
	assert.Empty(t, f.s3.created)
	assert.Empty(t, f.builder.got)
}

func TestDeploy_PackageFailureDoesNotStopLaterRules(t *testing.T) {
	f := newFixture(t, nil)
	f.builder.fail = map[string]error{"broken": errors.New("gradle build failed")}

	report := f.d.Deploy(testContext(t), f.sess, []*models.RuleDescriptor{customRule("broken"), managedRule("versioning")}, DeployOptions{})

	require.NoError(t, report.Err)
	assert.Equal(t, []models.Outcome{models.OutcomeFailed, models.OutcomeCreated}, outcomes(report.Results))
	assert.Contains(t, report.Results[0].Reason, "gradle build failed")
	assert.True(t, report.Failed())
}

func TestDeploy_LambdaRoleName(t *testing.T) {
	f := newFixture(t, nil)
	env := f.d.Environment(f.sess, DeployOptions{LambdaRoleName: DefaultLambdaRoleName})
	assert.Equal(t, "arn:aws:iam::123456789012:role/Rdk-Lambda-Role", env.Function.RoleARN)
	assert.Equal(t, 60, env.Function.Timeout)

	env = f.d.Environment(f.sess, DeployOptions{LambdaRoleName: "ignored", Function: synth.FunctionOptions{RoleARN: "arn:aws:iam::1:role/explicit", Timeout: 30}})
	assert.Equal(t, "arn:aws:iam::1:role/explicit", env.Function.RoleARN)
	assert.Equal(t, 30, env.Function.Timeout)
}

func TestDeploy_FunctionsOnlyStagesTemplate(t *testing.T) {
	f := newFixture(t, nil)

	report := f.d.Deploy(testContext(t), f.sess, []*models.RuleDescriptor{customRule("rule_a"), customRule("rule_b"), managedRule("versioning")}, DeployOptions{FunctionsOnly: true})

	require.NoError(t, report.Err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, synth.FunctionsStackName, report.Results[0].StackName)
	assert.Equal(t, models.OutcomeCreated, report.Results[0].Outcome)

	require.Len(t, f.stacks.creates, 1)
	in := f.stacks.creates[0]
	assert.Nil(t, in.TemplateBody)
	assert.Equal(t,
		"https://config-rule-code-bucket-123456789012-eu-west-1.s3.eu-west-1.amazonaws.com/"+synth.FunctionsStackName+".json",
		aws.ToString(in.TemplateURL))
	assert.Contains(t, f.s3.objects, synth.FunctionsStackName+".json")
	assert.Equal(t, []string{"rule_a", "rule_b"}, f.builder.got)
}

func TestDeployOrganization_DropsRemediation(t *testing.T) {
	f := newFixture(t, nil)
	r := managedRule("versioning")
	r.Remediation = &models.RemediationPolicy{TargetID: "AWS-EnableS3BucketVersioning", TargetType: "SSM_DOCUMENT"}
	r.Tags = []models.Tag{{Key: "team", Value: "sec"}}

	report := f.d.DeployOrganization(testContext(t), f.sess, []*models.RuleDescriptor{r}, DeployOptions{})

	require.NoError(t, report.Err)
	assert.Equal(t, []models.Outcome{models.OutcomeCreated}, outcomes(report.Results))
	require.Len(t, f.stacks.creates, 1)
	body := aws.ToString(f.stacks.creates[0].TemplateBody)
	assert.Contains(t, body, "AWS::Config::OrganizationConfigRule")
	assert.NotContains(t, body, "AWS::Config::RemediationConfiguration")
	require.Len(t, f.stacks.creates[0].Tags, 1)
}

// ── undeploy ─────────────────────────────────────────────────────────────────

func TestAuthorize(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, newFixture(t, ForceConfirmer{}).d.Authorize(ctx, "Delete", []string{"a"}))
	assert.ErrorIs(t, newFixture(t, nil).d.Authorize(ctx, "Delete", []string{"a"}), ErrAborted)

	var out strings.Builder
	yes := PromptConfirmer{In: strings.NewReader("yes\n"), Out: &out}
	assert.NoError(t, newFixture(t, yes).d.Authorize(ctx, "Delete", []string{"a", "b"}))
	assert.Contains(t, out.String(), "Delete a, b? (y/N)")

	no := PromptConfirmer{In: strings.NewReader("n\n"), Out: io.Discard}
	assert.ErrorIs(t, newFixture(t, no).d.Authorize(ctx, "Delete", []string{"a"}), ErrAborted)

	eof := PromptConfirmer{In: strings.NewReader(""), Out: io.Discard}
	assert.ErrorIs(t, newFixture(t, eof).d.Authorize(ctx, "Delete", []string{"a"}), ErrAborted)
}

func TestUndeploy(t *testing.T) {
	f := newFixture(t, ForceConfirmer{})
	f.stacks.live["s3publiccheck"] = cftypes.StackStatusCreateComplete
	f.stacks.live["versioning"] = cftypes.StackStatusUpdateComplete

	report := f.d.Undeploy(testContext(t), f.sess, []string{"s3_public_check", "versioning"}, UndeployOptions{})

	require.NoError(t, report.Err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "s3_public_check", report.Results[0].Rule)
	assert.Equal(t, "s3publiccheck", report.Results[0].StackName)
	assert.Equal(t, []models.Outcome{models.OutcomeDeleted, models.OutcomeDeleted}, outcomes(report.Results))
	assert.Empty(t, f.stacks.live)
	assert.Equal(t, []string{synth.CodeKey("s3_public_check"), synth.CodeKey("versioning")}, f.s3.deletedObjects)
}

func TestUndeploy_OrganizationKeepsArchives(t *testing.T) {
	f := newFixture(t, ForceConfirmer{})
	f.stacks.live["versioning"] = cftypes.StackStatusCreateComplete

	report := f.d.Undeploy(testContext(t), f.sess, []string{"versioning"}, UndeployOptions{Organization: true, FunctionsStack: "shared"})

	assert.Equal(t, []models.Outcome{models.OutcomeDeleted, models.OutcomeDeleted}, outcomes(report.Results))
	assert.Equal(t, "shared", report.Results[1].StackName)
	assert.Empty(t, f.s3.deletedObjects)
}

// ── init / clean ─────────────────────────────────────────────────────────────

func TestInit(t *testing.T) {
	f := newFixture(t, nil)
	f.s3.exists = true
	f.config.recorders = []cstypes.ConfigurationRecorder{{Name: aws.String("default")}}
	f.config.recording = map[string]bool{"default": true}

	report := f.d.Init(testContext(t), f.sess)

	require.NoError(t, report.Err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, models.OutcomeNoOp, report.Results[0].Outcome)
	assert.Equal(t, "RECORDING", report.Results[1].Status)
	assert.Empty(t, f.s3.created)
}

func TestInit_NoRecorder(t *testing.T) {
	f := newFixture(t, nil)
	f.sess.Region = "us-east-1"

	report := f.d.Init(testContext(t), f.sess)

	require.NoError(t, report.Err)
	assert.Equal(t, []models.Outcome{models.OutcomeCreated, models.OutcomeSkipped}, outcomes(report.Results))
	require.Len(t, f.s3.created, 1)
	assert.Nil(t, f.s3.created[0].CreateBucketConfiguration, "us-east-1 takes no location constraint")
}

func TestClean(t *testing.T) {
	f := newFixture(t, ForceConfirmer{})
	f.s3.exists = true
	f.s3.objects["rule/rule.zip"] = "zip"
	f.config.recorders = []cstypes.ConfigurationRecorder{{Name: aws.String("default"), RoleARN: aws.String("arn:aws:iam::123456789012:role/my-config-role")}}
	f.config.channels = []string{"default"}
	f.stacks.live["rule"] = cftypes.StackStatusCreateComplete

	report := f.d.Clean(testContext(t), f.sess, []string{"rule"}, "")

	assert.False(t, report.Failed(), "%v", report.Results)
	assert.Equal(t, []string{"default"}, f.config.deletedRecorders)
	assert.Equal(t, []string{"default"}, f.config.deletedChannels)
	assert.Equal(t, []string{"my-config-role"}, f.iam.deleted)
	assert.Empty(t, f.stacks.live)
	assert.Contains(t, f.stacks.deleted, synth.FunctionsStackName)
	assert.Empty(t, f.s3.objects)
	assert.True(t, f.s3.bucketDeleted)
}

func TestClean_MissingResourcesAreNotFailures(t *testing.T) {
	f := newFixture(t, ForceConfirmer{})
	f.iam.missing = true

	report := f.d.Clean(testContext(t), f.sess, nil, "")

	assert.False(t, report.Failed(), "%v", report.Results)
	assert.Empty(t, f.iam.deleted)
	assert.False(t, f.s3.bucketDeleted, "a missing bucket is left alone")
}

// ── logs ─────────────────────────────────────────────────────────────────────

type fakeLogs struct {
	streams map[string][]string
	order   []string
}

func (f *fakeLogs) DescribeLogStreams(context.Context, *cloudwatchlogs.DescribeLogStreamsInput, ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error) {
	out := &cloudwatchlogs.DescribeLogStreamsOutput{}
	for _, name := range f.order {
		out.LogStreams = append(out.LogStreams, cwltypes.LogStream{LogStreamName: aws.String(name)})
	}
	return out, nil
}

func (f *fakeLogs) GetLogEvents(_ context.Context, in *cloudwatchlogs.GetLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error) {
	msgs := f.streams[aws.ToString(in.LogStreamName)]
	if limit := int(aws.ToInt32(in.Limit)); len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := &cloudwatchlogs.GetLogEventsOutput{}
	for i, m := range msgs {
		out.Events = append(out.Events, cwltypes.OutputLogEvent{Message: aws.String(m), Timestamp: aws.Int64(int64(i))})
	}
	return out, nil
}

func TestTailLogs(t *testing.T) {
	logs := &fakeLogs{
		order: []string{"newest", "older"},
		streams: map[string][]string{
			"newest": {"n1", "n2"},
			"older":  {"o1", "o2", "o3"},
		},
	}

	events, err := TailLogs(context.Background(), logs, "RDK-Rule-Function-rule", 4)
	require.NoError(t, err)

	var got []string
	for _, e := range events {
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"o2", "o3", "n1", "n2"}, got)
}

func TestRuleLogs_ManagedRule(t *testing.T) {
	_, err := RuleLogs(context.Background(), &fakeLogs{}, managedRule("versioning"), 3)
	assert.Error(t, err)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func TestObjectURLAndRoleARN(t *testing.T) {
	assert.Equal(t, "https://b.s3.cn-north-1.amazonaws.com.cn/k.json", ObjectURL("aws-cn", "cn-north-1", "b", "k.json"))
	assert.Equal(t, "arn:aws-us-gov:iam::1:role/r", RoleARN("aws-us-gov", "1", "r"))
	assert.Equal(t, "my-role", roleNameFromARN("arn:aws:iam::1:role/service-role/my-role"))
	assert.Empty(t, roleNameFromARN(""))
}

func TestEnsureBucket_ForbiddenIsError(t *testing.T) {
	_, err := EnsureBucket(context.Background(), forbiddenBucket{}, "b", "eu-west-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check code bucket")
}

type forbiddenBucket struct{}

func (forbiddenBucket) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return nil, &smithy.GenericAPIError{Code: "Forbidden"}
}

func (forbiddenBucket) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return nil, errors.New("unexpected")
}
