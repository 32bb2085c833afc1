package packager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type call struct {
	dir  string
	name string
	args []string
}

type fakeRunner struct {
	calls []call
	// onRun lets a test create the files a toolchain would produce.
	onRun func(dir, name string, args []string)
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) error {
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	if f.onRun != nil {
		f.onRun(dir, name, args)
	}
	return nil
}

type fakeS3 struct {
	bucket, key string
	body        []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func entries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func rule(name, runtime string) *models.RuleDescriptor {
	return &models.RuleDescriptor{Name: name, Source: models.CustomSource{Runtime: runtime}}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestPackage_Python(t *testing.T) {
	root, work := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(root, "s3-check", "s3-check.py"), "def lambda_handler(e, c): pass\n")
	writeFile(t, filepath.Join(root, "s3-check", "parameters.json"), "{}")
	writeFile(t, filepath.Join(root, "s3-check", "lib", "util.py"), "")
	writeFile(t, filepath.Join(root, "s3-check", "__pycache__", "s3-check.cpython-312.pyc"), "")

	runner := &fakeRunner{}
	ctx := zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
	archive, err := New(root, work, runner).Package(ctx, rule("s3-check", "python3.12-lib"), "eu-west-1")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(work, "s3-checkeu-west-1.zip"), archive.Path)
	assert.Equal(t, []string{"lib/util.py", "parameters.json", "s3-check.py"}, entries(t, archive.Path))
	assert.Empty(t, runner.calls)
}

func TestPackage_JavaUsesGradleArchive(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{onRun: func(dir, _ string, _ []string) {
		writeFile(t, filepath.Join(dir, "build", "distributions", "iam-check.zip"), "zip")
	}}

	archive, err := New(root, t.TempDir(), runner).Package(context.Background(), rule("iam-check", "java8"), "us-east-1")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "gradle", runner.calls[0].name)
	assert.Equal(t, []string{"build"}, runner.calls[0].args)
	assert.Equal(t, filepath.Join(root, "iam-check", "build", "distributions", "iam-check.zip"), archive.Path)
}

func TestPackage_DotnetZipsPublishDirectory(t *testing.T) {
	root, work := t.TempDir(), t.TempDir()
	runner := &fakeRunner{onRun: func(dir, _ string, args []string) {
		if len(args) > 0 && args[0] == "lambda" {
			writeFile(t, filepath.Join(dir, "bin", "Release", "netcoreapp2.0", "publish", "rule.dll"), "dll")
		}
	}}

	archive, err := New(root, work, runner).Package(context.Background(), rule("dn", "dotnetcore2.0"), "us-east-1")
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"restore"}, runner.calls[0].args)
	assert.Equal(t, []string{"lambda", "package", "-c", "Release", "-f", "netcoreapp2.0"}, runner.calls[1].args)
	assert.Equal(t, []string{"rule.dll"}, entries(t, archive.Path))
}

func TestPackage_ManagedRule(t *testing.T) {
	d := &models.RuleDescriptor{Name: "m", Source: models.ManagedSource{Identifier: "X"}}
	_, err := New(t.TempDir(), t.TempDir(), &fakeRunner{}).Package(context.Background(), d, "us-east-1")
	assert.ErrorIs(t, err, ErrManagedRule)
}

func TestPublish(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeFile(t, path, "archive-bytes")

	client := &fakeS3{}
	key, err := Publish(context.Background(), client, Archive{Rule: "s3-check", Region: "us-east-1", Path: path}, "code-bucket")
	require.NoError(t, err)

	assert.Equal(t, "s3-check/s3-check.zip", key)
	assert.Equal(t, "code-bucket", client.bucket)
	assert.Equal(t, key, client.key)
	assert.Equal(t, "archive-bytes", string(client.body))
}
