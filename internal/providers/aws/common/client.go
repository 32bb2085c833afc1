package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Session is the explicit execution context for one account and region: the
// resolved identity, the SDK configuration and the clients built from it.
// Every component receives a Session instead of reading process-wide state.
type Session struct {
	// ProfileName is the shared-config profile, "default", or "static" when
	// access keys were passed directly.
	ProfileName string

	// AccountID is the resolved account ID (via STS).
	AccountID string

	// Partition is the ARN partition of the caller identity, e.g. "aws" or
	// "aws-cn".
	Partition string

	Region string

	Config aws.Config

	// Clients are scoped to Region.
	Clients *ClientSet
}

// Credentials selects how a Session authenticates. Static keys take
// precedence over Profile.
type Credentials struct {
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// AWSClientProvider loads sessions and resolves regions. It is the sole
// entry point for AWS credential and region management.
type AWSClientProvider interface {
	// Load resolves credentials into a Session for the home region.
	Load(ctx context.Context, creds Credentials) (*Session, error)

	// ActiveRegions returns all regions enabled for the session's account.
	ActiveRegions(ctx context.Context, s *Session) ([]string, error)

	// ForRegion returns a copy of s whose configuration and clients target
	// region. The identity is reused; no network call is made.
	ForRegion(s *Session, region string) *Session
}
