package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
)

// ErrRegionSetNotFound is returned when a region file has no set with the
// requested name.
var ErrRegionSetNotFound = errors.New("region set not found")

// DefaultSetName is used when no region set is named.
const DefaultSetName = "default"

// ChinaSetName is the set written for the aws-cn partition.
const ChinaSetName = "aws-cn-region-set"

// DefaultRegionFile is the file create-region-set writes by default.
const DefaultRegionFile = "regions.yaml"

// RegionSets maps a set name to its regions.
type RegionSets map[string][]string

// DefaultRegionSets returns the sets written by create-region-set.
func DefaultRegionSets() RegionSets {
	return RegionSets{
		DefaultSetName: {
			"us-east-1", "us-east-2", "us-west-1", "us-west-2",
			"ap-south-1", "ap-northeast-1", "ap-northeast-2", "ap-northeast-3",
			"ap-southeast-1", "ap-southeast-2", "ca-central-1",
			"eu-central-1", "eu-west-1", "eu-west-2", "eu-west-3", "eu-north-1",
			"sa-east-1",
		},
		ChinaSetName: {"cn-north-1", "cn-northwest-1"},
	}
}

// LoadRegionSets reads a YAML region file.
func LoadRegionSets(path string) (RegionSets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region file %q: %w", path, err)
	}
	var sets RegionSets
	if err := yaml.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("parse region file %q: %w", path, err)
	}
	return sets, nil
}

// WriteRegionSets writes sets to path as YAML.
func WriteRegionSets(path string, sets RegionSets) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string][]string(sets)); err != nil {
		return fmt.Errorf("encode region sets: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode region sets: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write region file %q: %w", path, err)
	}
	return nil
}

// Set returns the regions of the named set; an empty name selects "default".
func (s RegionSets) Set(name string) ([]string, error) {
	if name == "" {
		name = DefaultSetName
	}
	regions, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRegionSetNotFound, name)
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("region set %q is empty", name)
	}
	return regions, nil
}

// Targets selects the regions a command runs in.
type Targets struct {
	// Region is an explicit single region.
	Region string

	RegionFile string
	RegionSet  string

	// AllRegions runs in every region enabled for the account.
	AllRegions bool
}

// Validate rejects mutually exclusive selections.
func (t Targets) Validate() error {
	n := 0
	for _, set := range []bool{t.Region != "", t.RegionFile != "", t.AllRegions} {
		if set {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("only one of --region, --region-file and --all-regions may be given")
	}
	if t.RegionSet != "" && t.RegionFile == "" {
		return fmt.Errorf("--region-set requires --region-file")
	}
	return nil
}

// Multi reports whether the targets can name more than one region.
func (t Targets) Multi() bool {
	return t.RegionFile != "" || t.AllRegions
}

// Resolve returns the regions selected by t. Without a region file or
// --all-regions it is the session's own region.
func (t Targets) Resolve(ctx context.Context, provider common.AWSClientProvider, sess *common.Session) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	switch {
	case t.AllRegions:
		return provider.ActiveRegions(ctx, sess)
	case t.RegionFile != "":
		sets, err := LoadRegionSets(t.RegionFile)
		if err != nil {
			return nil, err
		}
		return sets.Set(t.RegionSet)
	}
	return []string{sess.Region}, nil
}
