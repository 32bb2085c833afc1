package common

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// DefaultRegion is used when neither the flags nor the profile name a region.
const DefaultRegion = "us-east-1"

// DefaultAWSClientProvider is the production implementation of AWSClientProvider.
// It reads credentials from the standard AWS shared config and credentials files
// or from static keys, using the AWS SDK v2.
//
// Inject a custom ClientFactory via NewDefaultAWSClientProviderWithFactory to
// replace real SDK clients with fakes in unit tests.
type DefaultAWSClientProvider struct {
	factory ClientFactory
	load    func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error)
}

// NewDefaultAWSClientProvider returns a provider backed by the real AWS SDK.
func NewDefaultAWSClientProvider() *DefaultAWSClientProvider {
	return NewDefaultAWSClientProviderWithFactory(NewClientSet)
}

// NewDefaultAWSClientProviderWithFactory returns a provider that uses f to
// create its ClientSet. Pass a fake factory in tests.
func NewDefaultAWSClientProviderWithFactory(f ClientFactory) *DefaultAWSClientProvider {
	return &DefaultAWSClientProvider{factory: f, load: awsconfig.LoadDefaultConfig}
}

// ---------------------------------------------------------------------------
// AWSClientProvider implementation
// ---------------------------------------------------------------------------

// Load loads the SDK config for creds and returns a Session with the
// resolved account ID, partition and initialised clients.
func (p *DefaultAWSClientProvider) Load(ctx context.Context, creds Credentials) (*Session, error) {
	var opts []func(*awsconfig.LoadOptions) error
	name := profileDisplayName(creds.Profile)
	switch {
	case creds.AccessKeyID != "" || creds.SecretAccessKey != "":
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
			return nil, fmt.Errorf("both an access key ID and a secret access key are required")
		}
		name = "static"
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		))
	case creds.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(creds.Profile))
	}
	if creds.Region != "" {
		opts = append(opts, awsconfig.WithRegion(creds.Region))
	}

	cfg, err := p.load(ctx, opts...)
	if err != nil {
		if known, _ := discoverProfileNames(); len(known) > 0 && creds.Profile != "" {
			return nil, fmt.Errorf("load AWS profile %q (known profiles: %s): %w", name, strings.Join(known, ", "), err)
		}
		return nil, fmt.Errorf("load AWS profile %q: %w", name, err)
	}

	// Fall back to us-east-1 when nothing names a region so that all SDK
	// clients can be constructed successfully.
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	clients := p.factory(cfg)

	accountID, partition, err := resolveIdentity(ctx, clients.STS)
	if err != nil {
		return nil, fmt.Errorf("resolve account ID for profile %q: %w", name, err)
	}

	return &Session{
		ProfileName: name,
		AccountID:   accountID,
		Partition:   partition,
		Region:      cfg.Region,
		Config:      cfg,
		Clients:     clients,
	}, nil
}

// ActiveRegions returns all AWS regions that are enabled (opted-in) for
// the account associated with s. It uses EC2 DescribeRegions, which is a
// global call and works correctly regardless of the client's home region.
func (p *DefaultAWSClientProvider) ActiveRegions(ctx context.Context, s *Session) ([]string, error) {
	out, err := s.Clients.EC2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		AllRegions: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("describe regions for profile %q: %w", s.ProfileName, err)
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if r.RegionName != nil {
			regions = append(regions, *r.RegionName)
		}
	}
	return regions, nil
}

// ForRegion returns a copy of s targeting region, with fresh clients.
func (p *DefaultAWSClientProvider) ForRegion(s *Session, region string) *Session {
	regional := *s
	regional.Config = s.Config.Copy()
	regional.Config.Region = region
	regional.Region = region
	regional.Clients = p.factory(regional.Config)
	return &regional
}

// ---------------------------------------------------------------------------
// Package-private helpers
// ---------------------------------------------------------------------------

// profileDisplayName returns a human-readable profile identifier. An empty
// string (the default profile) is shown as "default".
func profileDisplayName(profile string) string {
	if profile == "" {
		return "default"
	}
	return profile
}

// resolveIdentity calls STS GetCallerIdentity and returns the account ID and
// the partition segment of the caller ARN.
func resolveIdentity(ctx context.Context, stsClient STSClient) (account, partition string, err error) {
	out, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", "", fmt.Errorf("STS GetCallerIdentity: %w", err)
	}
	if out.Account == nil {
		return "", "", fmt.Errorf("STS GetCallerIdentity returned nil account")
	}
	return aws.ToString(out.Account), PartitionFromARN(aws.ToString(out.Arn)), nil
}

// PartitionFromARN returns the partition of arn, defaulting to "aws".
func PartitionFromARN(arn string) string {
	parts := strings.SplitN(arn, ":", 3)
	if len(parts) < 3 || parts[0] != "arn" || parts[1] == "" {
		return "aws"
	}
	return parts[1]
}

// discoverProfileNames reads ~/.aws/credentials and ~/.aws/config and returns
// the deduplicated profile names, used to make profile errors actionable.
func discoverProfileNames() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	var all []string
	seen := make(map[string]bool)
	for _, src := range []struct {
		path        string
		stripPrefix bool
	}{
		{filepath.Join(home, ".aws", "credentials"), false},
		{filepath.Join(home, ".aws", "config"), true},
	} {
		names, err := parseProfilesFromFile(src.path, src.stripPrefix)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if name != "" && !seen[name] {
				seen[name] = true
				all = append(all, name)
			}
		}
	}
	return all, nil
}

// parseProfilesFromFile scans path for INI section headers and returns the
// profile name from each. ~/.aws/config prefixes non-default profiles with
// "profile ", which stripProfilePrefix removes. A missing file yields nil.
func parseProfilesFromFile(path string, stripProfilePrefix bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var profiles []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
			continue
		}
		name := line[1 : len(line)-1]
		if stripProfilePrefix && name != "default" {
			name = strings.TrimPrefix(name, "profile ")
		}
		profiles = append(profiles, strings.TrimSpace(name))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return profiles, nil
}
