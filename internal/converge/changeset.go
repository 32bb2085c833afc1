package converge

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// changeSetName returns a unique change set name. Names must start with a
// letter and may not exceed 128 characters.
func changeSetName() string {
	return "rd-" + uuid.NewString()
}

// applyChangeSet creates a change set of the given type, waits for it to be
// computed, then executes it and polls the stack. A change set that fails
// because nothing changed is deleted and reported as a no-op.
func (e *Engine) applyChangeSet(ctx context.Context, unit *models.DeploymentUnit, kind cftypes.ChangeSetType) (models.Outcome, string, error) {
	log := zerolog.Ctx(ctx)
	name := changeSetName()

	in := &cloudformation.CreateChangeSetInput{
		StackName:     aws.String(unit.StackName),
		ChangeSetName: aws.String(name),
		ChangeSetType: kind,
		Parameters:    stackParameters(unit.Parameters),
		Capabilities:  e.opts.Capabilities,
		Tags:          stackTags(unit.StackTags),
		ClientToken:   aws.String(uuid.NewString()),
	}
	in.TemplateBody, in.TemplateURL = templateSource(unit)
	if _, err := e.stacks.CreateChangeSet(ctx, in); err != nil {
		return "", "", fmt.Errorf("create change set for stack %q: %w", unit.StackName, err)
	}
	log.Info().Str("change_set", name).Str("type", string(kind)).Msg("change set created")

	ready, err := e.waitChangeSet(ctx, unit.StackName, name)
	if err != nil {
		e.discardPlaceholder(ctx, unit.StackName, kind)
		return "", "", err
	}
	if !ready {
		if _, err := e.stacks.DeleteChangeSet(ctx, &cloudformation.DeleteChangeSetInput{
			StackName:     aws.String(unit.StackName),
			ChangeSetName: aws.String(name),
		}); err != nil {
			log.Warn().Err(err).Str("change_set", name).Msg("could not delete empty change set")
		}
		log.Info().Msg("change set contained no changes")
		e.discardPlaceholder(ctx, unit.StackName, kind)
		return models.OutcomeNoOp, "", nil
	}

	if _, err := e.stacks.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
		StackName:          aws.String(unit.StackName),
		ChangeSetName:      aws.String(name),
		ClientRequestToken: aws.String(uuid.NewString()),
	}); err != nil {
		return "", "", fmt.Errorf("execute change set %q: %w", name, err)
	}

	outcome, want := models.OutcomeUpdated, cftypes.StackStatusUpdateComplete
	if kind == cftypes.ChangeSetTypeCreate {
		outcome, want = models.OutcomeCreated, cftypes.StackStatusCreateComplete
	}
	status, err := e.settle(ctx, unit.StackName, want)
	return outcome, status, err
}

// discardPlaceholder deletes the REVIEW_IN_PROGRESS stack a CREATE change set
// leaves behind when it is not executed. Failures are logged.
func (e *Engine) discardPlaceholder(ctx context.Context, stack string, kind cftypes.ChangeSetType) {
	if kind != cftypes.ChangeSetTypeCreate {
		return
	}
	log := zerolog.Ctx(ctx)
	if err := e.delete(ctx, stack); err != nil {
		log.Warn().Err(err).Msg("could not delete placeholder stack")
		return
	}
	log.Info().Msg("placeholder stack deleted")
}

// waitChangeSet describes the change set until it is computed. It returns
// false when the change set failed because there was nothing to change.
func (e *Engine) waitChangeSet(ctx context.Context, stack, name string) (bool, error) {
	for attempt := 0; attempt < e.opts.ChangeSetMaxAttempts; attempt++ {
		out, err := e.stacks.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			StackName:     aws.String(stack),
			ChangeSetName: aws.String(name),
		})
		if err != nil {
			return false, fmt.Errorf("describe change set %q: %w", name, err)
		}

		switch out.Status {
		case cftypes.ChangeSetStatusCreateComplete:
			return true, nil
		case cftypes.ChangeSetStatusFailed:
			reason := aws.ToString(out.StatusReason)
			if noChangesReason(reason) {
				return false, nil
			}
			return false, fmt.Errorf("change set %q failed: %s", name, reason)
		}

		if err := sleep(ctx, e.opts.PollInterval); err != nil {
			return false, err
		}
	}
	return false, fmt.Errorf("change set %q after %d attempts: %w", name, e.opts.ChangeSetMaxAttempts, ErrChangeSetTimeout)
}
