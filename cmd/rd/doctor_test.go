package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/descriptor"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// regionsFail loads credentials but cannot list regions.
type regionsFail struct{ fakeProvider }

func (p *regionsFail) ActiveRegions(context.Context, *common.Session) ([]string, error) {
	return nil, errors.New("access denied")
}

func runDoctorIn(t *testing.T, provider common.AWSClientProvider, store *descriptor.Store, format string) (string, DoctorResult) {
	t.Helper()
	var buf bytes.Buffer
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	result, err := runDoctor(context.Background(), provider, common.Credentials{Profile: "dev"}, store, configPath, &buf, format)
	if err != nil {
		t.Fatalf("runDoctor: %v", err)
	}
	return buf.String(), result
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestDoctor_Healthy(t *testing.T) {
	out, result := runDoctorIn(t, &fakeProvider{}, descriptor.NewStore(t.TempDir()), "table")

	if !result.OverallHealthy {
		t.Errorf("expected healthy result, got %+v", result)
	}
	if result.AWS.AccountID != "123456789012" {
		t.Errorf("AccountID = %q", result.AWS.AccountID)
	}
	for _, want := range []string{"AWS (profile: dev)", "Credentials: OK", "Regions API: OK", "Config file: Not found", "None found"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDoctor_CredentialFailure(t *testing.T) {
	out, result := runDoctorIn(t, &fakeProvider{loadErr: errors.New("no credentials")}, descriptor.NewStore(t.TempDir()), "table")

	if result.OverallHealthy || result.AWS.Credentials {
		t.Errorf("expected unhealthy result, got %+v", result)
	}
	if !strings.Contains(out, "Credentials: FAIL (no credentials)") {
		t.Errorf("output:\n%s", out)
	}
	if !strings.Contains(out, "Regions API: FAIL (skipped)") {
		t.Errorf("regions check must be skipped:\n%s", out)
	}
}

func TestDoctor_RegionsFailure(t *testing.T) {
	_, result := runDoctorIn(t, &regionsFail{}, descriptor.NewStore(t.TempDir()), "table")

	if !result.AWS.Credentials || result.AWS.RegionsOK || result.OverallHealthy {
		t.Errorf("result = %+v", result.AWS)
	}
	if result.AWS.Error != "access denied" {
		t.Errorf("Error = %q", result.AWS.Error)
	}
}

func TestDoctor_InvalidDescriptor(t *testing.T) {
	store := descriptor.NewStore(t.TempDir())
	good := &models.RuleDescriptor{Name: "good", Source: models.ManagedSource{Identifier: "S3_BUCKET_VERSIONING_ENABLED"}}
	bad := &models.RuleDescriptor{Name: "bad", Source: models.CustomSource{Runtime: "python3.12"}}
	for _, d := range []*models.RuleDescriptor{good, bad} {
		if err := store.Write(d); err != nil {
			t.Fatal(err)
		}
	}

	out, result := runDoctorIn(t, &fakeProvider{}, store, "json")

	var decoded DoctorResult
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if decoded.Rules.Count != 2 || decoded.Rules.Valid {
		t.Errorf("rules = %+v", decoded.Rules)
	}
	if len(result.Rules.Errors) != 1 || !strings.Contains(result.Rules.Errors[0], "bad") {
		t.Errorf("errors = %v", result.Rules.Errors)
	}
	if result.OverallHealthy {
		t.Error("an invalid descriptor must make the environment unhealthy")
	}
}

func TestDoctorCmd_UnhealthyReturnsSilentError(t *testing.T) {
	a, _ := testApp(t, &fakeProvider{loadErr: errors.New("no credentials")})

	out, err := execute(t, a, "doctor")
	if !errors.Is(err, errUnhealthy) {
		t.Errorf("err = %v, want errUnhealthy", err)
	}
	if !strings.Contains(out, "Environment Diagnostics") {
		t.Errorf("output:\n%s", out)
	}
}
