// Package fanout runs one operation per target region, each with its own
// session, and aggregates the per-region reports.
package fanout

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
)

// DefaultMaxParallel bounds concurrent regions when no limit is configured.
const DefaultMaxParallel = 8

// Operation is the unit of work run once per region. It reports failures in
// the returned RegionReport rather than as an error so that one region never
// cancels another.
type Operation func(ctx context.Context, sess *common.Session) models.RegionReport

// Driver fans an Operation out across regions.
type Driver struct {
	provider    common.AWSClientProvider
	maxParallel int
}

// NewDriver returns a Driver that derives regional sessions from provider
// and runs at most maxParallel regions at once.
func NewDriver(provider common.AWSClientProvider, maxParallel int) *Driver {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Driver{provider: provider, maxParallel: maxParallel}
}

// Run executes op once per region using a session derived from base, and
// returns the reports in the order of regions. The goroutines share no
// mutable state: each writes only its own report slot.
func (d *Driver) Run(ctx context.Context, base *common.Session, regions []string, op Operation) []models.RegionReport {
	reports := make([]models.RegionReport, len(regions))

	// A plain Group: a failed region must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(d.maxParallel)

	for i, region := range regions {
		g.Go(func() error {
			reports[i] = d.runRegion(ctx, base, region, op)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (d *Driver) runRegion(ctx context.Context, base *common.Session, region string, op Operation) (report models.RegionReport) {
	log := zerolog.Ctx(ctx).With().Str("region", region).Logger()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("region %s: panic: %v", region, r)
			log.Error().Err(err).Msg("region aborted")
			report = models.RegionReport{Region: region, AccountID: base.AccountID, Err: err, Error: err.Error()}
		}
	}()

	if err := ctx.Err(); err != nil {
		return models.RegionReport{Region: region, AccountID: base.AccountID, Err: err, Error: err.Error()}
	}

	sess := base
	if region != base.Region {
		sess = d.provider.ForRegion(base, region)
	}
	report = op(ctx, sess)
	if report.Region == "" {
		report.Region = region
	}
	if report.AccountID == "" {
		report.AccountID = sess.AccountID
	}
	if report.Err != nil {
		if report.Error == "" {
			report.Error = report.Err.Error()
		}
		log.Error().Err(report.Err).Msg("region failed")
	}
	return report
}
