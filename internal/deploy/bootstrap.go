package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/logging"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/synth"
)

// DefaultConfigRoleName is removed by clean when no recorder names a role.
const DefaultConfigRoleName = "config-role"

// BucketAPI is the subset of S3 used to make sure a bucket exists.
type BucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// EnsureBucket creates bucket in region unless it already exists, and reports
// whether it was created.
func EnsureBucket(ctx context.Context, client BucketAPI, bucket, region string) (bool, error) {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return false, nil
	}
	if !isMissingBucket(err) {
		return false, fmt.Errorf("check code bucket %q: %w", bucket, err)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := client.CreateBucket(ctx, in); err != nil {
		return false, fmt.Errorf("create code bucket %q: %w", bucket, err)
	}
	zerolog.Ctx(ctx).Info().Str("bucket", bucket).Msg("code bucket created")
	return true, nil
}

// ---------------------------------------------------------------------------
// init
// ---------------------------------------------------------------------------

// Init prepares the session's region for deployments: it makes sure the code
// bucket exists and reports whether a configuration recorder is recording.
func (d *Deployer) Init(ctx context.Context, sess *common.Session) models.RegionReport {
	ctx = logging.ForRegion(ctx, sess.Region, sess.AccountID)
	log := zerolog.Ctx(ctx)
	report := newReport(sess)
	start := time.Now()

	bucket := d.CodeBucket(sess)
	created, err := EnsureBucket(ctx, sess.Clients.S3, bucket, sess.Region)
	if err != nil {
		return failReport(report, err)
	}
	bucketResult := models.ConvergenceResult{StackName: bucket, Region: sess.Region, Outcome: models.OutcomeNoOp, Duration: time.Since(start)}
	if created {
		bucketResult.Outcome = models.OutcomeCreated
	}
	report.Results = append(report.Results, bucketResult)

	recorders, err := recorderStatus(ctx, sess.Clients.Config)
	if err != nil {
		return failReport(report, err)
	}
	if len(recorders) == 0 {
		log.Warn().Msg("no configuration recorder found; rules will not be evaluated until one is enabled")
		report.Results = append(report.Results, models.ConvergenceResult{
			StackName: "configuration-recorder",
			Region:    sess.Region,
			Outcome:   models.OutcomeSkipped,
			Reason:    "no configuration recorder",
		})
		return report
	}
	for _, r := range recorders {
		status := "STOPPED"
		if r.recording {
			status = "RECORDING"
		} else {
			log.Warn().Str("recorder", r.name).Msg("configuration recorder is not recording")
		}
		report.Results = append(report.Results, models.ConvergenceResult{
			StackName: r.name,
			Region:    sess.Region,
			Outcome:   models.OutcomeNoOp,
			Status:    status,
		})
	}
	return report
}

type recorder struct {
	name      string
	roleARN   string
	recording bool
}

// RecorderAPI is the subset of the compliance service used to inspect
// configuration recorders.
type RecorderAPI interface {
	DescribeConfigurationRecorders(ctx context.Context, params *configservice.DescribeConfigurationRecordersInput, optFns ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecordersOutput, error)
	DescribeConfigurationRecorderStatus(ctx context.Context, params *configservice.DescribeConfigurationRecorderStatusInput, optFns ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecorderStatusOutput, error)
}

func recorderStatus(ctx context.Context, client RecorderAPI) ([]recorder, error) {
	out, err := client.DescribeConfigurationRecorders(ctx, &configservice.DescribeConfigurationRecordersInput{})
	if err != nil {
		return nil, fmt.Errorf("describe configuration recorders: %w", err)
	}
	if len(out.ConfigurationRecorders) == 0 {
		return nil, nil
	}
	st, err := client.DescribeConfigurationRecorderStatus(ctx, &configservice.DescribeConfigurationRecorderStatusInput{})
	if err != nil {
		return nil, fmt.Errorf("describe configuration recorder status: %w", err)
	}
	recording := make(map[string]bool, len(st.ConfigurationRecordersStatus))
	for _, s := range st.ConfigurationRecordersStatus {
		recording[aws.ToString(s.Name)] = s.Recording
	}

	recs := make([]recorder, 0, len(out.ConfigurationRecorders))
	for _, r := range out.ConfigurationRecorders {
		name := aws.ToString(r.Name)
		recs = append(recs, recorder{name: name, roleARN: aws.ToString(r.RoleARN), recording: recording[name]})
	}
	return recs, nil
}

// ---------------------------------------------------------------------------
// clean
// ---------------------------------------------------------------------------

// Clean removes everything the tool and the compliance service set up in the
// session's region: recorders, delivery channels, the recorder role, the
// named rule stacks, the functions stack and the code bucket. Each step is
// best-effort; failures are recorded and the next step runs.
func (d *Deployer) Clean(ctx context.Context, sess *common.Session, names []string, functionsStack string) models.RegionReport {
	ctx = logging.ForRegion(ctx, sess.Region, sess.AccountID)
	report := newReport(sess)
	step := func(target string, err error) {
		res := models.ConvergenceResult{StackName: target, Region: sess.Region, Outcome: models.OutcomeDeleted}
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("target", target).Msg("clean step failed")
			res.Outcome = models.OutcomeFailed
			res.Reason = err.Error()
		}
		report.Results = append(report.Results, res)
	}

	roleName := DefaultConfigRoleName
	recs, err := recorderStatus(ctx, sess.Clients.Config)
	if err != nil {
		step("configuration-recorder", err)
	}
	for _, r := range recs {
		if name := roleNameFromARN(r.roleARN); name != "" {
			roleName = name
		}
		step(r.name, deleteRecorder(ctx, sess.Clients.Config, r.name))
	}

	channels, err := sess.Clients.Config.DescribeDeliveryChannels(ctx, &configservice.DescribeDeliveryChannelsInput{})
	if err != nil {
		step("delivery-channel", fmt.Errorf("describe delivery channels: %w", err))
	} else {
		for _, c := range channels.DeliveryChannels {
			name := aws.ToString(c.Name)
			_, err := sess.Clients.Config.DeleteDeliveryChannel(ctx, &configservice.DeleteDeliveryChannelInput{DeliveryChannelName: c.Name})
			if err != nil && !isResourceNotFound(err) {
				err = fmt.Errorf("delete delivery channel %q: %w", name, err)
			} else {
				err = nil
			}
			step(name, err)
		}
	}

	step(roleName, deleteRole(ctx, sess.Clients.IAM, roleName))

	stacks := make([]string, 0, len(names)+1)
	for _, name := range names {
		stacks = append(stacks, models.StackName(name))
	}
	if functionsStack == "" {
		functionsStack = synth.FunctionsStackName
	}
	stacks = append(stacks, functionsStack)
	// A stack that never existed settles as deleted.
	report.Results = append(report.Results, d.engine(sess).DeleteAll(ctx, sess.Region, stacks)...)

	bucket := d.CodeBucket(sess)
	step(bucket, deleteBucket(ctx, sess.Clients.S3, bucket))
	return report
}

func deleteRecorder(ctx context.Context, client common.ConfigServiceClient, name string) error {
	if _, err := client.StopConfigurationRecorder(ctx, &configservice.StopConfigurationRecorderInput{ConfigurationRecorderName: aws.String(name)}); err != nil && !isResourceNotFound(err) {
		return fmt.Errorf("stop configuration recorder %q: %w", name, err)
	}
	if _, err := client.DeleteConfigurationRecorder(ctx, &configservice.DeleteConfigurationRecorderInput{ConfigurationRecorderName: aws.String(name)}); err != nil && !isResourceNotFound(err) {
		return fmt.Errorf("delete configuration recorder %q: %w", name, err)
	}
	return nil
}

// deleteRole detaches and deletes every policy of the role, then the role.
// A role that does not exist is not an error.
func deleteRole(ctx context.Context, client common.IAMClient, name string) error {
	attached, err := client.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		if isNoSuchEntity(err) {
			return nil
		}
		return fmt.Errorf("list policies of role %q: %w", name, err)
	}
	for _, p := range attached.AttachedPolicies {
		if _, err := client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: aws.String(name), PolicyArn: p.PolicyArn}); err != nil {
			return fmt.Errorf("detach policy %q from role %q: %w", aws.ToString(p.PolicyArn), name, err)
		}
	}

	inline, err := client.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return fmt.Errorf("list inline policies of role %q: %w", name, err)
	}
	for _, p := range inline.PolicyNames {
		if _, err := client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(p)}); err != nil {
			return fmt.Errorf("delete policy %q of role %q: %w", p, name, err)
		}
	}

	if _, err := client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)}); err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("delete role %q: %w", name, err)
	}
	return nil
}

// deleteBucket empties and deletes bucket. A missing bucket is not an error.
func deleteBucket(ctx context.Context, client common.S3Client, bucket string) error {
	p := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			if isMissingBucket(err) {
				return nil
			}
			return fmt.Errorf("list objects in bucket %q: %w", bucket, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, o := range page.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: o.Key})
		}
		if _, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("empty bucket %q: %w", bucket, err)
		}
	}
	if _, err := client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil && !isMissingBucket(err) {
		return fmt.Errorf("delete bucket %q: %w", bucket, err)
	}
	return nil
}

func roleNameFromARN(arn string) string {
	i := strings.LastIndex(arn, "/")
	if i < 0 || i == len(arn)-1 {
		return ""
	}
	return arn[i+1:]
}
