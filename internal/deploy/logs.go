package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/synth"
)

// DefaultLogEvents is the number of events returned when none is requested.
const DefaultLogEvents = 3

// LogEvent is one line written by an evaluation function.
type LogEvent struct {
	Timestamp time.Time
	Stream    string
	Message   string
}

// LogGroup returns the log group an evaluation function writes to.
func LogGroup(function string) string {
	return "/aws/lambda/" + function
}

// RuleLogs returns the last n log events of a custom rule's function.
func RuleLogs(ctx context.Context, client common.LogsClient, d *models.RuleDescriptor, n int) ([]LogEvent, error) {
	src, ok := d.Custom()
	if !ok {
		return nil, fmt.Errorf("rule %q is managed and has no function logs", d.Name)
	}
	name, err := synth.FunctionName(d.Name, src)
	if err != nil {
		return nil, err
	}
	return TailLogs(ctx, client, name, n)
}

// TailLogs returns the last n events of function in chronological order,
// reading the most recently written streams first.
func TailLogs(ctx context.Context, client common.LogsClient, function string, n int) ([]LogEvent, error) {
	if n <= 0 {
		n = DefaultLogEvents
	}
	group := LogGroup(function)

	streams, err := client.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName: aws.String(group),
		OrderBy:      cwltypes.OrderByLastEventTime,
		Descending:   aws.Bool(true),
	})
	if err != nil {
		if isResourceNotFound(err) {
			return nil, fmt.Errorf("function %q has not written any logs yet", function)
		}
		return nil, fmt.Errorf("describe log streams of %q: %w", group, err)
	}

	var events []LogEvent
	for _, s := range streams.LogStreams {
		if len(events) >= n {
			break
		}
		out, err := client.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
			LogGroupName:  aws.String(group),
			LogStreamName: s.LogStreamName,
			Limit:         aws.Int32(int32(n - len(events))),
			StartFromHead: aws.Bool(false),
		})
		if err != nil {
			return nil, fmt.Errorf("read log stream %q: %w", aws.ToString(s.LogStreamName), err)
		}
		batch := make([]LogEvent, 0, len(out.Events))
		for _, e := range out.Events {
			batch = append(batch, LogEvent{
				Timestamp: time.UnixMilli(aws.ToInt64(e.Timestamp)).UTC(),
				Stream:    aws.ToString(s.LogStreamName),
				Message:   aws.ToString(e.Message),
			})
		}
		// Older streams come later but belong earlier in the output.
		events = append(batch, events...)
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
