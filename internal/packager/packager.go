// Package packager turns a rule's source tree into a code archive and
// publishes it to the code bucket.
package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/synth"
)

// ErrManagedRule is returned when asked to package a rule that has no code.
var ErrManagedRule = errors.New("managed rules have no code to package")

// ObjectAPI is the S3 operation used to upload archives.
type ObjectAPI interface {
	PutObject(
		ctx context.Context,
		params *s3.PutObjectInput,
		optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

// Runner executes an external build toolchain in dir.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs toolchains as child processes.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// Archive is a packaged rule ready for upload.
type Archive struct {
	Rule   string
	Region string
	Path   string
}

// Packager builds archives from rule directories under a rules root.
type Packager struct {
	root    string
	workDir string
	runner  Runner
}

// New returns a packager for rules under root that writes archives into
// workDir. A nil runner uses ExecRunner with the process's output streams.
func New(root, workDir string, runner Runner) *Packager {
	if runner == nil {
		runner = ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr}
	}
	return &Packager{root: root, workDir: workDir, runner: runner}
}

// Package builds the code archive of d for region. Archives are keyed by
// rule name and region so concurrent regions never share a file.
func (p *Packager) Package(ctx context.Context, d *models.RuleDescriptor, region string) (Archive, error) {
	src, ok := d.Custom()
	if !ok {
		return Archive{}, fmt.Errorf("package rule %q: %w", d.Name, ErrManagedRule)
	}
	log := zerolog.Ctx(ctx).With().Str("rule", d.Name).Str("runtime", src.Runtime).Logger()
	ruleDir := filepath.Join(p.root, d.Name)
	archive := Archive{Rule: d.Name, Region: region}

	switch {
	case strings.HasPrefix(src.Runtime, "java"):
		log.Info().Msg("building with gradle")
		if err := p.runner.Run(ctx, ruleDir, "gradle", "build"); err != nil {
			return Archive{}, fmt.Errorf("package rule %q: %w", d.Name, err)
		}
		archive.Path = filepath.Join(ruleDir, "build", "distributions", d.Name+".zip")
		if _, err := os.Stat(archive.Path); err != nil {
			return Archive{}, fmt.Errorf("package rule %q: gradle produced no archive: %w", d.Name, err)
		}
		return archive, nil

	case strings.HasPrefix(src.Runtime, "dotnetcore"):
		framework := "netcoreapp" + strings.TrimPrefix(src.Runtime, "dotnetcore")
		log.Info().Str("framework", framework).Msg("building with dotnet")
		if err := p.runner.Run(ctx, ruleDir, "dotnet", "restore"); err != nil {
			return Archive{}, fmt.Errorf("package rule %q: %w", d.Name, err)
		}
		if err := p.runner.Run(ctx, ruleDir, "dotnet", "lambda", "package", "-c", "Release", "-f", framework); err != nil {
			return Archive{}, fmt.Errorf("package rule %q: %w", d.Name, err)
		}
		ruleDir = filepath.Join(ruleDir, "bin", "Release", framework, "publish")
	}

	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return Archive{}, fmt.Errorf("create work directory %q: %w", p.workDir, err)
	}
	archive.Path = filepath.Join(p.workDir, d.Name+region+".zip")
	if err := ZipDir(ruleDir, archive.Path); err != nil {
		return Archive{}, fmt.Errorf("package rule %q: %w", d.Name, err)
	}
	log.Debug().Str("archive", archive.Path).Msg("archive written")
	return archive, nil
}

// Publish uploads archive to bucket under the rule's code key and returns
// the key.
func Publish(ctx context.Context, client ObjectAPI, archive Archive, bucket string) (string, error) {
	key := synth.CodeKey(archive.Rule)
	f, err := os.Open(archive.Path)
	if err != nil {
		return "", fmt.Errorf("open archive %q: %w", archive.Path, err)
	}
	defer f.Close()

	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", fmt.Errorf("upload %q to bucket %q: %w", key, bucket, err)
	}
	zerolog.Ctx(ctx).Info().Str("rule", archive.Rule).Str("bucket", bucket).Str("key", key).Msg("code uploaded")
	return key, nil
}

// skipDirs are never included in archives.
var skipDirs = map[string]bool{
	"__pycache__":   true,
	".pytest_cache": true,
	".git":          true,
}

// ZipDir writes every regular file under dir into a zip archive at dst,
// with paths relative to dir.
func ZipDir(dir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive %q: %w", dst, err)
	}
	zw := zip.NewWriter(out)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return addFile(zw, path, filepath.ToSlash(rel))
	})

	closeErr := zw.Close()
	fileErr := out.Close()
	if walkErr != nil {
		return fmt.Errorf("archive %q: %w", dir, walkErr)
	}
	if closeErr != nil {
		return fmt.Errorf("finish archive %q: %w", dst, closeErr)
	}
	return fileErr
}

func addFile(zw *zip.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
