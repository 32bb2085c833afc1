package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
// It is loaded from ~/.config/ruledeploy/config.yaml, overridden by RD_*
// environment variables, and finally by command-line flags.
type Config struct {
	AWS    AWSConfig    `mapstructure:"aws"`
	Deploy DeployConfig `mapstructure:"deploy"`
	Rules  RulesConfig  `mapstructure:"rules"`
	Log    LogConfig    `mapstructure:"log"`
}

// AWSConfig holds AWS defaults used when flags are not provided.
type AWSConfig struct {
	// Profile is used when no --profile flag is provided.
	Profile string `mapstructure:"profile"`

	// Region is used when no region flag or profile region is set.
	Region string `mapstructure:"region"`
}

// DeployConfig tunes deployment and convergence.
type DeployConfig struct {
	// CodeBucketPrefix prefixes the per-account, per-region code bucket name.
	CodeBucketPrefix string `mapstructure:"code_bucket_prefix"`

	PollInterval time.Duration `mapstructure:"poll_interval"`

	// PollTimeout bounds plain stack polling; zero is unbounded.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`

	ChangeSetMaxAttempts int `mapstructure:"change_set_max_attempts"`
	FunctionTimeout      int `mapstructure:"function_timeout"`
	MaxParallelRegions   int `mapstructure:"max_parallel_regions"`
}

// RulesConfig locates rule directories.
type RulesConfig struct {
	Root string `mapstructure:"root"`
}

// LogConfig selects logger verbosity and encoding.
type LogConfig struct {
	Level string `mapstructure:"level"`

	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

// EnvPrefix prefixes every environment override, e.g. RD_AWS_PROFILE.
const EnvPrefix = "RD"

// Loader is the interface for reading Config.
type Loader interface {
	// Load reads, parses, and validates the configuration.
	Load() (*Config, error)

	// ConfigPath returns the absolute path to the configuration file.
	ConfigPath() string
}

// ViperLoader loads Config through viper. A missing default config file is
// not an error; a missing explicitly named file is.
type ViperLoader struct {
	v        *viper.Viper
	path     string
	explicit bool
}

// NewLoader returns a loader for path, or for the default location when path
// is empty.
func NewLoader(path string) *ViperLoader {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &ViperLoader{v: v, path: path, explicit: explicit}
}

// Viper exposes the underlying instance so callers can bind flags before
// calling Load.
func (l *ViperLoader) Viper() *viper.Viper { return l.v }

// ConfigPath implements Loader.
func (l *ViperLoader) ConfigPath() string { return l.path }

// Load implements Loader.
func (l *ViperLoader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if l.explicit || !missing {
			return nil, fmt.Errorf("read config file %q: %w", l.path, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", l.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath returns ~/.config/ruledeploy/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "ruledeploy", "config.yaml")
	}
	return filepath.Join(home, ".config", "ruledeploy", "config.yaml")
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.region", "")
	v.SetDefault("deploy.code_bucket_prefix", "config-rule-code-bucket-")
	v.SetDefault("deploy.poll_interval", 5*time.Second)
	v.SetDefault("deploy.poll_timeout", time.Duration(0))
	v.SetDefault("deploy.change_set_max_attempts", 120)
	v.SetDefault("deploy.function_timeout", 60)
	v.SetDefault("deploy.max_parallel_regions", 8)
	v.SetDefault("rules.root", ".")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate rejects values no command can work with.
func (c *Config) Validate() error {
	switch {
	case c.Deploy.PollInterval <= 0:
		return fmt.Errorf("deploy.poll_interval must be positive")
	case c.Deploy.PollTimeout < 0:
		return fmt.Errorf("deploy.poll_timeout must not be negative")
	case c.Deploy.ChangeSetMaxAttempts <= 0:
		return fmt.Errorf("deploy.change_set_max_attempts must be positive")
	case c.Deploy.FunctionTimeout <= 0:
		return fmt.Errorf("deploy.function_timeout must be positive")
	case c.Deploy.MaxParallelRegions <= 0:
		return fmt.Errorf("deploy.max_parallel_regions must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// CodeBucket returns the code bucket name for account and region.
func (c *Config) CodeBucket(account, region string) string {
	return c.Deploy.CodeBucketPrefix + account + "-" + region
}
