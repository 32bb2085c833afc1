package deploy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/logging"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/synth"
)

// ErrAborted is returned when the operator declines a destructive operation.
var ErrAborted = errors.New("operation aborted by user")

// Confirmer approves destructive operations.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ForceConfirmer approves everything. It backs the --force flag.
type ForceConfirmer struct{}

// Confirm implements Confirmer.
func (ForceConfirmer) Confirm(context.Context, string) (bool, error) { return true, nil }

// PromptConfirmer asks on Out and reads a y/N answer from In.
type PromptConfirmer struct {
	In  io.Reader
	Out io.Writer
}

// Confirm implements Confirmer. Anything but "y" or "yes" declines.
func (p PromptConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintf(p.Out, "%s (y/N): ", prompt)
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

type denyConfirmer struct{}

func (denyConfirmer) Confirm(context.Context, string) (bool, error) { return false, nil }

// Authorize asks the Deployer's confirmer to approve action against targets
// and returns ErrAborted when it declines. Callers authorize once before
// fanning out.
func (d *Deployer) Authorize(ctx context.Context, action string, targets []string) error {
	prompt := fmt.Sprintf("%s %s?", action, strings.Join(targets, ", "))
	ok, err := d.confirm.Confirm(ctx, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAborted
	}
	return nil
}

// UndeployOptions select the stacks an undeploy removes.
type UndeployOptions struct {
	// Organization removes organization rule stacks; the code archives are
	// kept because other accounts may still reference them.
	Organization bool

	// FunctionsStack, when set, is removed after the rule stacks.
	FunctionsStack string
}

// Undeploy deletes the stacks of the named rules in the session's region,
// then removes their code archives on a best-effort basis.
func (d *Deployer) Undeploy(ctx context.Context, sess *common.Session, names []string, opts UndeployOptions) models.RegionReport {
	ctx = logging.ForRegion(ctx, sess.Region, sess.AccountID)
	report := newReport(sess)

	stacks := make([]string, 0, len(names)+1)
	for _, name := range names {
		stacks = append(stacks, models.StackName(name))
	}
	if opts.FunctionsStack != "" {
		stacks = append(stacks, opts.FunctionsStack)
	}

	results := d.engine(sess).DeleteAll(ctx, sess.Region, stacks)
	for i := range results {
		if i < len(names) {
			results[i].Rule = names[i]
		}
	}
	report.Results = results

	if !opts.Organization {
		d.removeArchives(ctx, sess, names)
	}
	return report
}

func (d *Deployer) removeArchives(ctx context.Context, sess *common.Session, names []string) {
	if len(names) == 0 || sess.Clients.S3 == nil {
		return
	}
	bucket := d.CodeBucket(sess)
	objects := make([]s3types.ObjectIdentifier, 0, len(names))
	for _, name := range names {
		objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(synth.CodeKey(name))})
	}
	_, err := sess.Clients.S3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil && !isMissingBucket(err) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("bucket", bucket).Msg("could not remove code archives")
	}
}
