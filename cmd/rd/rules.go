package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/deploy"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/descriptor"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/synth"
)

// ruleFlags are the descriptor fields create and modify accept. Only flags
// given on the command line are applied.
type ruleFlags struct {
	runtime            string
	handler            string
	sourceIdentifier   string
	functionName       string
	resourceTypes      []string
	frequency          string
	inputParameters    string
	optionalParameters string
	tags               string
	ruleSets           []string
	description        string

	remediationAction       string
	remediationVersion      string
	remediationParameters   string
	autoRemediate           bool
	retryAttempts           int
	retrySeconds            int
	concurrentPercent       int
	errorPercent            int
	remediationResourceType string
	skipResourceTypeCheck   bool
}

func (f *ruleFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.runtime, "runtime", "R", "", "Runtime of a custom rule, e.g. "+models.DefaultRuntime)
	fs.StringVar(&f.handler, "handler", "", "Entry point overriding the runtime default")
	fs.StringVar(&f.sourceIdentifier, "source-identifier", "", "Identifier of a managed rule")
	fs.StringVar(&f.functionName, "custom-lambda-name", "", "Evaluation function name overriding the derived one")
	fs.StringSliceVar(&f.resourceTypes, "resource-types", nil, "Resource types whose changes trigger the rule")
	fs.StringVarP(&f.frequency, "maximum-frequency", "m", "", "Periodic evaluation frequency, e.g. TwentyFour_Hours")
	fs.StringVarP(&f.inputParameters, "input-parameters", "i", "", `Required parameters as a JSON object, e.g. '{"maxAge":"90"}'`)
	fs.StringVar(&f.optionalParameters, "optional-parameters", "", "Optional parameters as a JSON object")
	fs.StringVar(&f.tags, "tags", "", `Tags as a JSON list, e.g. '[{"Key":"team","Value":"sec"}]'`)
	fs.StringSliceVar(&f.ruleSets, "rulesets", nil, "Rule sets the rule belongs to")
	fs.StringVar(&f.description, "description", "", "Rule description")

	fs.StringVar(&f.remediationAction, "remediation-action", "", "Automation document run to remediate the rule")
	fs.StringVar(&f.remediationVersion, "remediation-action-version", "", "Version of the remediation document")
	fs.StringVar(&f.remediationParameters, "remediation-parameters", "", "Remediation parameters as a JSON object")
	fs.BoolVar(&f.autoRemediate, "auto-remediate", false, "Remediate non-compliant resources automatically")
	fs.IntVar(&f.retryAttempts, "auto-remediation-retry-attempts", 0, "Maximum automatic remediation attempts")
	fs.IntVar(&f.retrySeconds, "auto-remediation-retry-time", 0, "Seconds between automatic remediation attempts")
	fs.IntVar(&f.concurrentPercent, "remediation-concurrent-execution-percent", 0, "Concurrent remediation execution rate")
	fs.IntVar(&f.errorPercent, "remediation-error-rate-percent", 0, "Remediation error percentage that stops executions")
	fs.StringVar(&f.remediationResourceType, "remediation-resource-type", "", "Resource type the remediation targets")
	fs.BoolVar(&f.skipResourceTypeCheck, "skip-supported-resource-check", false, "Accept trigger resource types not known to this version")
	cmd.MarkFlagsMutuallyExclusive("runtime", "source-identifier")
}

// apply copies every flag set on cmd into d.
func (f *ruleFlags) apply(cmd *cobra.Command, d *models.RuleDescriptor) error {
	changed := cmd.Flags().Changed

	switch {
	case changed("source-identifier"):
		d.Source = models.ManagedSource{Identifier: f.sourceIdentifier}
	case changed("runtime") || changed("handler") || changed("custom-lambda-name"):
		src, _ := d.Custom()
		if changed("runtime") {
			src.Runtime = f.runtime
		}
		if changed("handler") {
			src.Handler = f.handler
		}
		if changed("custom-lambda-name") {
			src.FunctionName = f.functionName
		}
		if src.CodeKey == "" {
			src.CodeKey = synth.CodeKey(d.Name)
		}
		d.Source = src
	}

	if changed("description") {
		d.Description = f.description
	}
	if changed("resource-types") {
		d.Triggers.ResourceTypes = f.resourceTypes
	}
	if changed("maximum-frequency") {
		d.Triggers.Periodic = models.Frequency(f.frequency)
	}
	if changed("input-parameters") {
		params, err := descriptor.ParseParameters([]byte(f.inputParameters))
		if err != nil {
			return fmt.Errorf("parse --input-parameters: %w", err)
		}
		d.RequiredParameters = params
	}
	if changed("optional-parameters") {
		params, err := descriptor.ParseParameters([]byte(f.optionalParameters))
		if err != nil {
			return fmt.Errorf("parse --optional-parameters: %w", err)
		}
		d.OptionalParameters = params
	}
	if changed("tags") {
		var tags []models.Tag
		if err := json.Unmarshal([]byte(f.tags), &tags); err != nil {
			return fmt.Errorf("parse --tags: %w", err)
		}
		d.Tags = tags
	}
	if changed("rulesets") {
		d.RuleSets = f.ruleSets
	}
	return f.applyRemediation(changed, d)
}

func (f *ruleFlags) applyRemediation(changed func(string) bool, d *models.RuleDescriptor) error {
	if d.Remediation == nil && !changed("remediation-action") {
		for _, name := range []string{
			"remediation-action-version", "remediation-parameters", "auto-remediate",
			"auto-remediation-retry-attempts", "auto-remediation-retry-time",
			"remediation-concurrent-execution-percent", "remediation-error-rate-percent",
			"remediation-resource-type",
		} {
			if changed(name) {
				return fmt.Errorf("--%s requires --remediation-action", name)
			}
		}
		return nil
	}

	r := d.Remediation
	if r == nil {
		r = &models.RemediationPolicy{TargetType: "SSM_DOCUMENT"}
	}
	if changed("remediation-action") {
		r.TargetID = f.remediationAction
	}
	if changed("remediation-action-version") {
		r.TargetVersion = f.remediationVersion
	}
	if changed("remediation-parameters") {
		var params map[string]any
		if err := json.Unmarshal([]byte(f.remediationParameters), &params); err != nil {
			return fmt.Errorf("parse --remediation-parameters: %w", err)
		}
		r.Parameters = params
	}
	if changed("auto-remediate") {
		r.Automatic = f.autoRemediate
	}
	if changed("auto-remediation-retry-attempts") {
		r.MaximumAutomaticAttempts = f.retryAttempts
	}
	if changed("auto-remediation-retry-time") {
		r.RetryAttemptSeconds = f.retrySeconds
	}
	if changed("remediation-concurrent-execution-percent") || changed("remediation-error-rate-percent") {
		if r.ExecutionControls == nil {
			r.ExecutionControls = &models.ExecutionControls{}
		}
		if changed("remediation-concurrent-execution-percent") {
			r.ExecutionControls.SsmControls.ConcurrentExecutionRatePercentage = f.concurrentPercent
		}
		if changed("remediation-error-rate-percent") {
			r.ExecutionControls.SsmControls.ErrorPercentage = f.errorPercent
		}
	}
	if changed("remediation-resource-type") {
		r.ResourceType = f.remediationResourceType
	}
	r.ConfigRuleName = d.Name
	d.Remediation = r
	return nil
}

func newCreateCmd(a *app) *cobra.Command {
	var flags ruleFlags
	cmd := &cobra.Command{
		Use:   "create <rule>",
		Short: "Create a rule descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := models.CleanRuleName(args[0])
			store := a.store()
			if store.Exists(name) {
				return fmt.Errorf("rule %q already exists in %s", name, store.RuleDir(name))
			}
			if !cmd.Flags().Changed("runtime") && !cmd.Flags().Changed("source-identifier") {
				return errors.New("one of --runtime or --source-identifier is required")
			}
			d := &models.RuleDescriptor{Name: name}
			return a.writeRule(cmd, &flags, d, "Created")
		},
	}
	flags.register(cmd)
	return cmd
}

func newModifyCmd(a *app) *cobra.Command {
	var flags ruleFlags
	cmd := &cobra.Command{
		Use:   "modify <rule>",
		Short: "Change fields of an existing rule descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.store().Read(args[0])
			if err != nil {
				return err
			}
			return a.writeRule(cmd, &flags, d, "Modified")
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) writeRule(cmd *cobra.Command, flags *ruleFlags, d *models.RuleDescriptor, verb string) error {
	if err := flags.apply(cmd, d); err != nil {
		return err
	}
	if err := descriptor.Validate(d, descriptor.ValidateOptions{SkipResourceTypeCheck: flags.skipResourceTypeCheck}); err != nil {
		return err
	}
	store := a.store()
	if err := store.Write(d); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s rule %s in %s\n", verb, d.Name, store.RuleDir(d.Name))
	return nil
}

// ---------------------------------------------------------------------------
// rulesets
// ---------------------------------------------------------------------------

func newRuleSetsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rulesets",
		Short: "List and edit rule set membership",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [ruleset]",
			Short: "List rule sets, or the rules in one rule set",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sets, err := a.store().RuleSets()
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(args) == 1 {
					rules := sets[args[0]]
					if len(rules) == 0 {
						fmt.Fprintf(w, "No rules in rule set %q.\n", args[0])
						return nil
					}
					for _, r := range rules {
						fmt.Fprintln(w, r)
					}
					return nil
				}
				if len(sets) == 0 {
					fmt.Fprintln(w, "No rule sets found.")
					return nil
				}
				names := make([]string, 0, len(sets))
				for name := range sets {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintln(w, name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <ruleset> <rule>",
			Short: "Add a rule to a rule set",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				added, err := a.store().AddToRuleSet(args[0], args[1])
				if err != nil {
					return err
				}
				if !added {
					fmt.Fprintf(cmd.OutOrStdout(), "Rule %s is already in rule set %s.\n", args[1], args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s to rule set %s.\n", args[1], args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <ruleset> <rule>",
			Short: "Remove a rule from a rule set",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				removed, err := a.store().RemoveFromRuleSet(args[0], args[1])
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(cmd.OutOrStdout(), "Rule %s is not in rule set %s.\n", args[1], args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from rule set %s.\n", args[1], args[0])
				return nil
			},
		},
	)
	return cmd
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

func newExportCmd(a *app) *cobra.Command {
	var (
		sel            selection
		format         string
		outputDir      string
		lambdaRoleARN  string
		lambdaRoleName string
		lambdaTimeout  int
	)
	cmd := &cobra.Command{
		Use:   "export [rule...]",
		Short: "Write the stack template of each rule to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "yaml" && format != "json" {
				return fmt.Errorf("--format must be yaml or json, got %q", format)
			}
			rules, err := a.loadRules(&sel, args, descriptor.ValidateOptions{})
			if err != nil {
				return err
			}
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			env := a.deployer(nil, false).Environment(sess, deploy.DeployOptions{
				LambdaRoleName: lambdaRoleName,
				Function:       synth.FunctionOptions{RoleARN: lambdaRoleARN, Timeout: lambdaTimeout},
			})
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("create output directory %q: %w", outputDir, err)
			}
			for _, d := range rules {
				s, err := synth.Rule(d, env)
				if err != nil {
					return err
				}
				path := filepath.Join(outputDir, models.StackName(d.Name)+"."+format)
				if err := writeTemplate(s, path, format); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", d.Name, path)
			}
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVar(&format, "format", "yaml", `Template format: "yaml" or "json"`)
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Directory to write templates to")
	cmd.Flags().StringVar(&lambdaRoleARN, "lambda-role-arn", "", "Existing execution role for the evaluation functions")
	cmd.Flags().StringVar(&lambdaRoleName, "lambda-role-name", "", "Execution role name in the target account")
	cmd.Flags().IntVar(&lambdaTimeout, "lambda-timeout", 0, "Evaluation function timeout in seconds (default from config)")
	cmd.MarkFlagsMutuallyExclusive("lambda-role-arn", "lambda-role-name")
	return cmd
}

func newCreateRuleTemplateCmd(a *app) *cobra.Command {
	var (
		sel           selection
		outputFile    string
		rulesOnly     bool
		configRoleARN string
		tagScript     string
	)
	cmd := &cobra.Command{
		Use:   "create-rule-template [rule...]",
		Short: "Write one template holding the selected rules for stack set deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.loadRules(&sel, args, descriptor.ValidateOptions{})
			if err != nil {
				return err
			}
			s, err := synth.OrganizationTemplate(rules, synth.Environment{
				RulesOnly:     rulesOnly,
				ConfigRoleARN: configRoleARN,
				Documents:     os.DirFS(a.store().Root()),
			})
			if err != nil {
				return err
			}
			format := "json"
			if ext := strings.ToLower(filepath.Ext(outputFile)); ext == ".yaml" || ext == ".yml" {
				format = "yaml"
			}
			if err := writeTemplate(s, outputFile, format); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Template written to %s\n", outputFile)

			if tagScript != "" {
				if err := os.WriteFile(tagScript, []byte(synth.TagScript(rules)), 0o755); err != nil {
					return fmt.Errorf("write tag script %q: %w", tagScript, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tag script written to %s\n", tagScript)
			}
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "RDK-Config-Rules.json", "Template file; a .yaml extension selects YAML")
	cmd.Flags().BoolVar(&rulesOnly, "rules-only", false, "Omit the recorder and delivery channel resources")
	cmd.Flags().StringVar(&configRoleARN, "config-role-arn", "", "Existing role for the configuration recorder")
	cmd.Flags().StringVar(&tagScript, "tag-script", "", "Also write a shell script that applies the rule tags")
	return cmd
}

func writeTemplate(s *synth.Synthesis, path, format string) error {
	t, err := s.Template()
	if err != nil {
		return err
	}
	var body []byte
	if format == "yaml" {
		body, err = synth.RenderYAML(t)
	} else {
		body, err = synth.RenderJSON(t)
	}
	if err != nil {
		return fmt.Errorf("render template %q: %w", path, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write template %q: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scaffolding helpers
// ---------------------------------------------------------------------------

func newSampleCICmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sample-ci <resource-type>",
		Short: "Print a skeleton configuration item for a resource type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType := args[0]
			if !descriptor.IsAcceptedResourceType(resourceType) {
				return fmt.Errorf("unsupported resource type %q", resourceType)
			}
			item := map[string]any{
				"version":                      "1.3",
				"accountId":                    "123456789012",
				"configurationItemCaptureTime": "2020-01-01T00:00:00.000Z",
				"configurationItemStatus":      "OK",
				"configurationStateId":         "1",
				"awsRegion":                    "us-east-1",
				"resourceType":                 resourceType,
				"resourceId":                   "",
				"resourceName":                 "",
				"ARN":                          "",
				"availabilityZone":             "Not Applicable",
				"tags":                         map[string]string{},
				"relatedEvents":                []string{},
				"relationships":                []any{},
				"configuration":                map[string]any{},
				"supplementaryConfiguration":   map[string]any{},
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(item)
		},
	}
}

// errNotSupported is returned by commands this build does not provide.
var errNotSupported = errors.New("not supported")

func newTestLocalCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test-local [rule...]",
		Short: "Run rule unit tests locally (not supported)",
		RunE: func(*cobra.Command, []string) error {
			return fmt.Errorf("test-local: rule code is never executed by rd: %w", errNotSupported)
		},
	}
}
