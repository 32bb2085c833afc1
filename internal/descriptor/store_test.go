package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func writeRaw(t *testing.T, root, rule, body string) {
	t.Helper()
	dir := filepath.Join(root, rule)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644))
}

func customRule(name string, sets ...string) *models.RuleDescriptor {
	return &models.RuleDescriptor{
		Name:        name,
		Description: name,
		Source:      models.CustomSource{Runtime: "python3.12-lib", CodeKey: name + ".zip"},
		Triggers:    models.Triggers{ResourceTypes: []string{"AWS::S3::Bucket"}},
		RuleSets:    sets,
	}
}

// ── round trip ───────────────────────────────────────────────────────────────

func TestStore_RoundTrip_Custom(t *testing.T) {
	store := NewStore(t.TempDir())
	want := &models.RuleDescriptor{
		Name:        "s3-public-check",
		Description: "Checks bucket ACLs",
		Source: models.CustomSource{
			Runtime:      "python3.12-lib",
			Handler:      "app.handler",
			CodeKey:      "s3-public-checkus-east-1.zip",
			FunctionName: "s3-public-check-fn",
		},
		Triggers: models.Triggers{
			ResourceTypes: []string{"AWS::S3::Bucket", "AWS::S3::AccountPublicAccessBlock"},
			Periodic:      models.FrequencyTwentyFourHours,
		},
		RequiredParameters: []models.Parameter{
			{Name: "zeta", Value: "1"},
			{Name: "alpha", Value: "<b>"},
			{Name: "mid", Value: ""},
		},
		OptionalParameters: []models.Parameter{{Name: "Exceptions", Value: ""}},
		Remediation: &models.RemediationPolicy{
			Automatic:                true,
			ConfigRuleName:           "s3-public-check",
			ExecutionControls:        &models.ExecutionControls{SsmControls: models.SSMControls{ConcurrentExecutionRatePercentage: 10, ErrorPercentage: 20}},
			MaximumAutomaticAttempts: 3,
			Parameters:               map[string]any{"BucketName": map[string]any{"ResourceValue": map[string]any{"Value": "RESOURCE_ID"}}},
			ResourceType:             "AWS::S3::Bucket",
			RetryAttemptSeconds:      60,
			TargetID:                 "AWS-DisableS3BucketPublicReadWrite",
			TargetType:               "SSM_DOCUMENT",
			TargetVersion:            "1",
			Automation:               &models.AutomationDocument{Document: "s3-public-check/doc.json", IAM: []string{"s3:PutBucketAcl"}},
		},
		RuleSets: []string{"baseline", "s3"},
		Tags:     []models.Tag{{Key: "team", Value: "sec"}, {Key: "env", Value: "prod"}},
	}

	require.NoError(t, store.Write(want))
	got, err := store.Read("s3-public-check")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_RoundTrip_Managed(t *testing.T) {
	store := NewStore(t.TempDir())
	want := &models.RuleDescriptor{
		Name:     "versioning",
		Source:   models.ManagedSource{Identifier: "S3_BUCKET_VERSIONING_ENABLED"},
		Triggers: models.Triggers{Periodic: models.FrequencyOneHour},
	}
	require.NoError(t, store.Write(want))

	raw, err := os.ReadFile(store.Path("versioning"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"SourceRuntime": null`)
	assert.Contains(t, string(raw), `"Tags": []`)

	got, err := store.Read("versioning")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.IsManaged())
}

// ── legacy documents ─────────────────────────────────────────────────────────

func TestStore_Read_LegacyStringTags(t *testing.T) {
	root := t.TempDir()
	writeRaw(t, root, "legacy", `{
  "Version": "1.0",
  "Parameters": {
    "RuleName": "legacy",
    "SourceRuntime": "python3.6-lib",
    "CodeKey": "legacyus-east-1.zip",
    "InputParameters": "{\"b\": \"2\", \"a\": 1}",
    "OptionalParameters": "{}",
    "SourceEvents": "AWS::EC2::Instance, AWS::EC2::Volume",
    "Remediation": {
      "Automatic": "True",
      "MaximumAutomaticAttempts": "5",
      "RetryAttemptSeconds": "",
      "ExecutionControls": {"SsmControls": {"ErrorPercentage": "25"}},
      "TargetId": "AWS-StopEC2Instance",
      "TargetType": "SSM_DOCUMENT"
    }
  },
  "Tags": "[{\"Key\": \"owner\", \"Value\": \"ops\"}]"
}`)

	got, err := NewStore(root).Read("legacy")
	require.NoError(t, err)

	assert.Equal(t, []models.Tag{{Key: "owner", Value: "ops"}}, got.Tags)
	assert.Equal(t, []string{"AWS::EC2::Instance", "AWS::EC2::Volume"}, got.Triggers.ResourceTypes)
	assert.Equal(t, []models.Parameter{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}, got.RequiredParameters)
	assert.Nil(t, got.OptionalParameters)

	require.NotNil(t, got.Remediation)
	assert.True(t, got.Remediation.Automatic)
	assert.Equal(t, 5, got.Remediation.MaximumAutomaticAttempts)
	assert.Equal(t, 0, got.Remediation.RetryAttemptSeconds)
	assert.Equal(t, 25, got.Remediation.ExecutionControls.SsmControls.ErrorPercentage)
}

func TestStore_Read_MissingTagsIsEmpty(t *testing.T) {
	root := t.TempDir()
	writeRaw(t, root, "notags", `{"Version":"1.0","Parameters":{"RuleName":"notags","SourceRuntime":"python3.9","SourcePeriodic":"One_Hour"}}`)

	got, err := NewStore(root).Read("notags")
	require.NoError(t, err)
	assert.Empty(t, got.Tags)
}

func TestStore_Read_RejectsUnsupportedVersion(t *testing.T) {
	root := t.TempDir()
	writeRaw(t, root, "future", `{"Version":"2.0","Parameters":{"RuleName":"future"}}`)

	_, err := NewStore(root).Read("future")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported descriptor version")
}

func TestStore_Read_MalformedJSON(t *testing.T) {
	root := t.TempDir()
	writeRaw(t, root, "broken", `{"Version":`)

	_, err := NewStore(root).Read("broken")
	require.Error(t, err)
}

// ── selection ────────────────────────────────────────────────────────────────

func TestStore_Select(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Write(customRule("zeta", "s3")))
	require.NoError(t, store.Write(customRule("alpha", "iam")))
	require.NoError(t, store.Write(customRule("beta", "s3", "iam")))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "not-a-rule"), 0o755))

	all, err := store.Select(Selection{All: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "zeta"}, all)

	bySet, err := store.Select(Selection{RuleSets: []string{"s3"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "zeta"}, bySet)

	byName, err := store.Select(Selection{Names: []string{"zeta/", "alpha"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha"}, byName)

	_, err = store.Select(Selection{RuleSets: []string{"nothing"}})
	assert.ErrorIs(t, err, ErrNoRules)

	_, err = store.Select(Selection{Names: []string{"missing"}})
	assert.True(t, IsValidationError(err))

	_, err = store.Select(Selection{})
	assert.True(t, IsValidationError(err))
}

func TestStore_Select_RejectsIdentifierCollision(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Write(customRule("a_b")))
	require.NoError(t, store.Write(customRule("ab")))

	_, err := store.Select(Selection{All: true})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "collides")
}

// ── rule sets ────────────────────────────────────────────────────────────────

func TestStore_RuleSetMembership(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Write(customRule("one")))
	require.NoError(t, store.Write(customRule("two", "baseline")))

	added, err := store.AddToRuleSet("baseline", "one")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AddToRuleSet("baseline", "one")
	require.NoError(t, err)
	assert.False(t, added)

	sets, err := store.RuleSets()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"baseline": {"one", "two"}}, sets)

	removed, err := store.RemoveFromRuleSet("baseline", "two")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveFromRuleSet("baseline", "two")
	require.NoError(t, err)
	assert.False(t, removed)

	got, err := store.Read("two")
	require.NoError(t, err)
	assert.Nil(t, got.RuleSets)
}
