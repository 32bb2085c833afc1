package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/config"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/converge"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/deploy"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/descriptor"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/fanout"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/logging"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/output"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
)

// errDeploymentFailed is returned when at least one region or stack failed.
// The failure details have already been rendered.
var errDeploymentFailed = errors.New("one or more deployments failed")

// CommandName is the closed set of rd subcommands.
type CommandName string

const (
	CmdDeploy               CommandName = "deploy"
	CmdDeployOrganization   CommandName = "deploy-organization"
	CmdUndeploy             CommandName = "undeploy"
	CmdUndeployOrganization CommandName = "undeploy-organization"
	CmdInit                 CommandName = "init"
	CmdClean                CommandName = "clean"
	CmdCreate               CommandName = "create"
	CmdModify               CommandName = "modify"
	CmdExport               CommandName = "export"
	CmdLogs                 CommandName = "logs"
	CmdRuleSets             CommandName = "rulesets"
	CmdCreateRuleTemplate   CommandName = "create-rule-template"
	CmdCreateRegionSet      CommandName = "create-region-set"
	CmdSampleCI             CommandName = "sample-ci"
	CmdTestLocal            CommandName = "test-local"
	CmdDoctor               CommandName = "doctor"
	CmdVersion              CommandName = "version"
)

// commandTable maps every CommandName to the constructor of its command.
// Each constructor owns the typed options of its verb.
var commandTable = []struct {
	name  CommandName
	build func(a *app) *cobra.Command
}{
	{CmdDeploy, newDeployCmd},
	{CmdDeployOrganization, newDeployOrganizationCmd},
	{CmdUndeploy, newUndeployCmd},
	{CmdUndeployOrganization, newUndeployOrganizationCmd},
	{CmdInit, newInitCmd},
	{CmdClean, newCleanCmd},
	{CmdCreate, newCreateCmd},
	{CmdModify, newModifyCmd},
	{CmdExport, newExportCmd},
	{CmdLogs, newLogsCmd},
	{CmdRuleSets, newRuleSetsCmd},
	{CmdCreateRuleTemplate, newCreateRuleTemplateCmd},
	{CmdCreateRegionSet, newCreateRegionSetCmd},
	{CmdSampleCI, newSampleCICmd},
	{CmdTestLocal, newTestLocalCmd},
	{CmdDoctor, newDoctorCmd},
	{CmdVersion, newVersionCmd},
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	profile         string
	accessKeyID     string
	secretAccessKey string
	region          string
	regionFile      string
	regionSet       string
	allRegions      bool
	configPath      string
	logLevel        string
	logFormat       string
	report          string
}

// app carries what subcommands share: options, configuration and the
// collaborators tests replace.
type app struct {
	global globalOptions
	cfg    *config.Config

	provider common.AWSClientProvider
	builder  deploy.Builder
	stdin    io.Reader
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&app{provider: common.NewDefaultAWSClientProvider(), stdin: os.Stdin})
}

func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "rd",
		Short:         "Deploy and converge compliance rules across accounts and regions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.setup(cmd)
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.global.profile, "profile", "p", "", "AWS profile to use (default: credential chain)")
	f.StringVarP(&a.global.accessKeyID, "access-key-id", "k", "", "AWS access key ID")
	f.StringVarP(&a.global.secretAccessKey, "secret-access-key", "s", "", "AWS secret access key")
	f.StringVarP(&a.global.region, "region", "r", "", "Target region")
	f.StringVarP(&a.global.regionFile, "region-file", "f", "", "YAML file of named region sets")
	f.StringVar(&a.global.regionSet, "region-set", "", `Region set to use from --region-file (default "default")`)
	f.BoolVar(&a.global.allRegions, "all-regions", false, "Run in every region enabled for the account")
	f.StringVar(&a.global.configPath, "config", "", "Config file (default ~/.config/ruledeploy/config.yaml)")
	f.StringVar(&a.global.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&a.global.logFormat, "log-format", "", `Log format: "console" or "json"`)
	f.StringVar(&a.global.report, "report", "table", `Result format: "table" or "json"`)

	for _, c := range commandTable {
		cmd := c.build(a)
		if cmd.Name() != string(c.name) {
			panic(fmt.Sprintf("command %q registered as %q", cmd.Name(), c.name))
		}
		root.AddCommand(cmd)
	}
	return root
}

// setup loads configuration, applies flag overrides and attaches the logger
// to the command context.
func (a *app) setup(cmd *cobra.Command) error {
	if a.global.report != "table" && a.global.report != "json" {
		return fmt.Errorf("--report must be table or json, got %q", a.global.report)
	}

	loader := config.NewLoader(a.global.configPath)
	v := loader.Viper()
	flags := cmd.Flags()
	for key, name := range map[string]string{
		"aws.profile": "profile",
		"aws.region":  "region",
		"log.level":   "log-level",
		"log.format":  "log-format",
	} {
		if flag := flags.Lookup(name); flag != nil && flag.Changed {
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), level, cfg.Log.Format == "console")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logger.WithContext(ctx))
	return nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func (a *app) store() *descriptor.Store {
	return descriptor.NewStore(a.cfg.Rules.Root)
}

func (a *app) deployer(confirm deploy.Confirmer, useChangeSets bool) *deploy.Deployer {
	return deploy.New(deploy.Config{
		RulesRoot:        a.cfg.Rules.Root,
		CodeBucketPrefix: a.cfg.Deploy.CodeBucketPrefix,
		FunctionTimeout:  a.cfg.Deploy.FunctionTimeout,
		Convergence: converge.Options{
			PollInterval:         a.cfg.Deploy.PollInterval,
			PollTimeout:          a.cfg.Deploy.PollTimeout,
			ChangeSetMaxAttempts: a.cfg.Deploy.ChangeSetMaxAttempts,
			UseChangeSets:        useChangeSets,
		},
	}, a.builder, confirm)
}

// confirmer returns the force confirmer or an interactive prompt.
func (a *app) confirmer(cmd *cobra.Command, force bool) deploy.Confirmer {
	if force {
		return deploy.ForceConfirmer{}
	}
	return deploy.PromptConfirmer{In: a.stdin, Out: cmd.OutOrStdout()}
}

func (a *app) targets() fanout.Targets {
	return fanout.Targets{
		Region:     a.global.region,
		RegionFile: a.global.regionFile,
		RegionSet:  a.global.regionSet,
		AllRegions: a.global.allRegions,
	}
}

// session resolves credentials for the home region.
func (a *app) session(ctx context.Context) (*common.Session, error) {
	if err := a.targets().Validate(); err != nil {
		return nil, err
	}
	return a.provider.Load(ctx, common.Credentials{
		Profile:         a.cfg.AWS.Profile,
		AccessKeyID:     a.global.accessKeyID,
		SecretAccessKey: a.global.secretAccessKey,
		Region:          a.cfg.AWS.Region,
	})
}

// runRegions runs op in every target region, renders the reports and
// returns errDeploymentFailed when anything failed.
func (a *app) runRegions(cmd *cobra.Command, sess *common.Session, op fanout.Operation) error {
	ctx := cmd.Context()
	regions, err := a.targets().Resolve(ctx, a.provider, sess)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().Strs("regions", regions).Msg("fanning out")

	reports := fanout.NewDriver(a.provider, a.cfg.Deploy.MaxParallelRegions).Run(ctx, sess, regions, op)
	if err := a.render(cmd.OutOrStdout(), reports); err != nil {
		return err
	}
	if models.AnyFailed(reports) {
		return errDeploymentFailed
	}
	return nil
}

func (a *app) render(w io.Writer, reports []models.RegionReport) error {
	if a.global.report == "json" {
		return output.RenderJSON(w, reports)
	}
	output.RenderTable(w, reports, output.TableOptions{IncludeRule: true, IncludeDuration: true})
	output.RenderSummary(w, reports)
	return nil
}

// selection holds the rule selection flags shared by several commands.
type selection struct {
	all      bool
	ruleSets []string
}

func (s *selection) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&s.all, "all", "a", false, "Operate on every rule under the rules root")
	cmd.Flags().StringSliceVar(&s.ruleSets, "rulesets", nil, "Operate on the rules in these rule sets")
}

func (s *selection) resolve(store *descriptor.Store, names []string) ([]string, error) {
	return store.Select(descriptor.Selection{All: s.all, RuleSets: s.ruleSets, Names: names})
}
