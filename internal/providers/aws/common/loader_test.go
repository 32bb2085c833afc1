package common

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeSTS struct {
	arn string
	err error
}

func (f fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012"), Arn: aws.String(f.arn)}, nil
}

type fakeEC2 struct{ regions []string }

func (f fakeEC2) DescribeRegions(context.Context, *ec2.DescribeRegionsInput, ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	out := &ec2.DescribeRegionsOutput{}
	for _, r := range f.regions {
		out.Regions = append(out.Regions, ec2types.Region{RegionName: aws.String(r)})
	}
	return out, nil
}

func testProvider(stsClient STSClient, seen *[]string) *DefaultAWSClientProvider {
	p := NewDefaultAWSClientProviderWithFactory(func(cfg aws.Config) *ClientSet {
		if seen != nil {
			*seen = append(*seen, cfg.Region)
		}
		return &ClientSet{STS: stsClient, EC2: fakeEC2{regions: []string{"us-east-1", "eu-west-1"}}}
	})
	p.load = func(_ context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			if err := fn(&lo); err != nil {
				return aws.Config{}, err
			}
		}
		return aws.Config{Region: lo.Region, Credentials: lo.Credentials}, nil
	}
	return p
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoad_ResolvesIdentityAndPartition(t *testing.T) {
	p := testProvider(fakeSTS{arn: "arn:aws-cn:iam::123456789012:user/dev"}, nil)

	s, err := p.Load(context.Background(), Credentials{Region: "cn-north-1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.AccountID != "123456789012" {
		t.Errorf("AccountID = %q", s.AccountID)
	}
	if s.Partition != "aws-cn" {
		t.Errorf("Partition = %q, want aws-cn", s.Partition)
	}
	if s.Region != "cn-north-1" {
		t.Errorf("Region = %q", s.Region)
	}
	if s.ProfileName != "default" {
		t.Errorf("ProfileName = %q", s.ProfileName)
	}
}

func TestLoad_DefaultsRegion(t *testing.T) {
	p := testProvider(fakeSTS{arn: "arn:aws:iam::123456789012:root"}, nil)
	s, err := p.Load(context.Background(), Credentials{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Region != DefaultRegion {
		t.Errorf("Region = %q, want %q", s.Region, DefaultRegion)
	}
}

func TestLoad_StaticCredentials(t *testing.T) {
	p := testProvider(fakeSTS{arn: "arn:aws:iam::123456789012:root"}, nil)

	s, err := p.Load(context.Background(), Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ProfileName != "static" {
		t.Errorf("ProfileName = %q, want static", s.ProfileName)
	}
	v, err := s.Config.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if v.AccessKeyID != "AKID" {
		t.Errorf("AccessKeyID = %q", v.AccessKeyID)
	}

	if _, err := p.Load(context.Background(), Credentials{AccessKeyID: "AKID"}); err == nil {
		t.Error("expected error for an access key without a secret")
	}
}

func TestLoad_STSFailure(t *testing.T) {
	p := testProvider(fakeSTS{err: errors.New("expired token")}, nil)
	if _, err := p.Load(context.Background(), Credentials{Profile: "dev"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestForRegion_BuildsRegionalClients(t *testing.T) {
	var seen []string
	p := testProvider(fakeSTS{arn: "arn:aws:iam::123456789012:root"}, &seen)

	s, err := p.Load(context.Background(), Credentials{Region: "us-east-1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	eu := p.ForRegion(s, "eu-west-1")

	if eu.Region != "eu-west-1" || eu.Config.Region != "eu-west-1" {
		t.Errorf("regional session targets %q / %q", eu.Region, eu.Config.Region)
	}
	if s.Region != "us-east-1" || s.Config.Region != "us-east-1" {
		t.Error("ForRegion must not modify the source session")
	}
	if eu.AccountID != s.AccountID || eu.Partition != s.Partition {
		t.Error("regional session must keep the identity")
	}
	if len(seen) != 2 || seen[1] != "eu-west-1" {
		t.Errorf("factory regions = %v", seen)
	}

	regions, err := p.ActiveRegions(context.Background(), s)
	if err != nil {
		t.Fatalf("ActiveRegions: %v", err)
	}
	if len(regions) != 2 {
		t.Errorf("regions = %v", regions)
	}
}

func TestPartitionFromARN(t *testing.T) {
	cases := []struct{ arn, want string }{
		{"arn:aws:iam::1:root", "aws"},
		{"arn:aws-us-gov:iam::1:root", "aws-us-gov"},
		{"arn:aws-cn:sts::1:assumed-role/x", "aws-cn"},
		{"", "aws"},
		{"not-an-arn", "aws"},
	}
	for _, tc := range cases {
		if got := PartitionFromARN(tc.arn); got != tc.want {
			t.Errorf("PartitionFromARN(%q) = %q, want %q", tc.arn, got, tc.want)
		}
	}
}

func TestParseProfilesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	body := "[default]\nregion = us-east-1\n\n[profile staging]\nregion = eu-west-1\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := parseProfilesFromFile(path, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0] != "default" || got[1] != "staging" {
		t.Errorf("profiles = %v", got)
	}

	missing, err := parseProfilesFromFile(filepath.Join(t.TempDir(), "nope"), false)
	if err != nil || missing != nil {
		t.Errorf("missing file: %v, %v", missing, err)
	}
}
