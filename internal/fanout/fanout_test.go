package fanout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeProvider struct {
	mu      sync.Mutex
	derived []string
	active  []string
}

func (p *fakeProvider) Load(context.Context, common.Credentials) (*common.Session, error) {
	return nil, errors.New("not used")
}

func (p *fakeProvider) ActiveRegions(context.Context, *common.Session) ([]string, error) {
	return p.active, nil
}

func (p *fakeProvider) ForRegion(s *common.Session, region string) *common.Session {
	p.mu.Lock()
	p.derived = append(p.derived, region)
	p.mu.Unlock()
	regional := *s
	regional.Region = region
	return &regional
}

func baseSession() *common.Session {
	return &common.Session{AccountID: "123456789012", Partition: "aws", Region: "us-east-1"}
}

// ── driver ───────────────────────────────────────────────────────────────────

func TestRun_IsolatesRegionFailures(t *testing.T) {
	provider := &fakeProvider{}
	driver := NewDriver(provider, 4)
	regions := []string{"us-east-1", "eu-west-1", "ap-south-1"}

	reports := driver.Run(context.Background(), baseSession(), regions, func(_ context.Context, sess *common.Session) models.RegionReport {
		if sess.Region == "eu-west-1" {
			return models.RegionReport{Err: errors.New("access denied")}
		}
		return models.RegionReport{Results: []models.ConvergenceResult{{StackName: "rule", Region: sess.Region, Outcome: models.OutcomeCreated}}}
	})

	require.Len(t, reports, 3)
	for i, r := range reports {
		assert.Equal(t, regions[i], r.Region, "reports keep region order")
		assert.Equal(t, "123456789012", r.AccountID)
	}
	assert.False(t, reports[0].Failed())
	assert.True(t, reports[1].Failed())
	assert.Equal(t, "access denied", reports[1].Error)
	assert.False(t, reports[2].Failed())
	assert.True(t, models.AnyFailed(reports))

	assert.ElementsMatch(t, []string{"eu-west-1", "ap-south-1"}, provider.derived, "the base region reuses its session")
}

func TestRun_RespectsParallelLimit(t *testing.T) {
	driver := NewDriver(&fakeProvider{}, 2)
	var running, peak atomic.Int32

	regions := []string{"a", "b", "c", "d", "e", "f"}
	reports := driver.Run(context.Background(), baseSession(), regions, func(context.Context, *common.Session) models.RegionReport {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return models.RegionReport{}
	})

	assert.Len(t, reports, len(regions))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_RecoversPanics(t *testing.T) {
	driver := NewDriver(&fakeProvider{}, 0)

	reports := driver.Run(context.Background(), baseSession(), []string{"us-east-1", "us-west-2"}, func(_ context.Context, sess *common.Session) models.RegionReport {
		if sess.Region == "us-west-2" {
			panic("boom")
		}
		return models.RegionReport{}
	})

	assert.False(t, reports[0].Failed())
	require.Error(t, reports[1].Err)
	assert.Contains(t, reports[1].Error, "boom")
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false

	reports := NewDriver(&fakeProvider{}, 1).Run(ctx, baseSession(), []string{"us-east-1"}, func(context.Context, *common.Session) models.RegionReport {
		called = true
		return models.RegionReport{}
	})

	assert.False(t, called)
	assert.ErrorIs(t, reports[0].Err, context.Canceled)
}

// ── region sets ──────────────────────────────────────────────────────────────

func TestRegionSets_WriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultRegionFile)
	require.NoError(t, WriteRegionSets(path, DefaultRegionSets()))

	sets, err := LoadRegionSets(path)
	require.NoError(t, err)

	def, err := sets.Set("")
	require.NoError(t, err)
	assert.Contains(t, def, "us-east-1")

	cn, err := sets.Set(ChinaSetName)
	require.NoError(t, err)
	assert.Equal(t, []string{"cn-north-1", "cn-northwest-1"}, cn)

	_, err = sets.Set("missing")
	assert.ErrorIs(t, err, ErrRegionSetNotFound)
}

func TestTargets_Resolve(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{active: []string{"us-east-1", "eu-west-1"}}
	sess := baseSession()

	path := filepath.Join(t.TempDir(), "regions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default:\n  - us-east-1\nprod:\n  - eu-west-1\n  - eu-central-1\n"), 0o600))

	got, err := Targets{}.Resolve(ctx, provider, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1"}, got)

	got, err = Targets{AllRegions: true}.Resolve(ctx, provider, sess)
	require.NoError(t, err)
	assert.Equal(t, provider.active, got)

	got, err = Targets{RegionFile: path, RegionSet: "prod"}.Resolve(ctx, provider, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west-1", "eu-central-1"}, got)

	_, err = Targets{RegionFile: path, RegionSet: "dev"}.Resolve(ctx, provider, sess)
	assert.ErrorIs(t, err, ErrRegionSetNotFound)

	_, err = Targets{Region: "us-east-1", RegionFile: path}.Resolve(ctx, provider, sess)
	assert.Error(t, err)

	_, err = Targets{RegionSet: "prod"}.Resolve(ctx, provider, sess)
	assert.Error(t, err)
}
