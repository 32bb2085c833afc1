package converge

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/rs/zerolog"
)

// Wait polls the stack named name at the configured interval until it
// reaches a terminal status and returns that status with the control plane's
// reason. Several stacks with the same name can coexist while one is being
// replaced; the one that is not DELETE_COMPLETE is tracked. When every match
// is deleted, or none exist, Wait reports DELETE_COMPLETE.
func (e *Engine) Wait(ctx context.Context, name string) (status, reason string, err error) {
	log := zerolog.Ctx(ctx)

	var deadline time.Time
	if e.opts.PollTimeout > 0 {
		deadline = time.Now().Add(e.opts.PollTimeout)
	}

	for {
		summary, err := e.liveStack(ctx, name)
		if err != nil {
			return "", "", err
		}
		if summary == nil {
			return string(cftypes.StackStatusDeleteComplete), "", nil
		}

		status = string(summary.StackStatus)
		reason = aws.ToString(summary.StackStatusReason)
		if Terminal(status) {
			return status, reason, nil
		}
		log.Debug().Str("status", status).Msg("waiting for stack")

		if !deadline.IsZero() && time.Now().After(deadline) {
			return status, reason, fmt.Errorf("stack %q still %s: %w", name, status, ErrPollTimeout)
		}
		if err := sleep(ctx, e.opts.PollInterval); err != nil {
			return status, reason, err
		}
	}
}

// liveStack returns the summary of the stack named name that is not fully
// deleted, or nil.
func (e *Engine) liveStack(ctx context.Context, name string) (*cftypes.StackSummary, error) {
	in := &cloudformation.ListStacksInput{}
	for {
		out, err := e.stacks.ListStacks(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("list stacks: %w", err)
		}
		for i := range out.StackSummaries {
			s := &out.StackSummaries[i]
			if aws.ToString(s.StackName) == name && s.StackStatus != cftypes.StackStatusDeleteComplete {
				return s, nil
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return nil, nil
		}
		in.NextToken = out.NextToken
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
