package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/deploy"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/descriptor"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/synth"
)

// deployOptions are the flags of deploy and deploy-organization.
type deployOptions struct {
	selection

	functionsOnly     bool
	stackName         string
	lambdaRoleARN     string
	lambdaRoleName    string
	lambdaLayers      []string
	libLayerARN       string
	subnets           []string
	securityGroups    []string
	lambdaTimeout     int
	boundaryPolicyARN string
	changeSet         bool
	skipTypeCheck     bool
	excludedAccounts  []string
}

func (o *deployOptions) register(cmd *cobra.Command, organization bool) {
	o.selection.register(cmd)
	f := cmd.Flags()
	f.BoolVar(&o.functionsOnly, "functions-only", false, "Deploy only the evaluation functions, in one shared stack")
	f.StringVar(&o.stackName, "stack-name", "", "Name of the shared functions stack (with --functions-only)")
	f.StringVar(&o.lambdaRoleARN, "lambda-role-arn", "", "Existing execution role for the evaluation functions")
	f.StringVar(&o.lambdaRoleName, "lambda-role-name", "", "Execution role name in the target account")
	f.StringSliceVar(&o.lambdaLayers, "lambda-layers", nil, "Additional layer ARNs for the evaluation functions")
	f.StringVar(&o.libLayerARN, "rdklib-layer-arn", "", "Rule library layer ARN overriding the published one")
	f.StringSliceVar(&o.subnets, "lambda-subnets", nil, "Subnet IDs to run the evaluation functions in")
	f.StringSliceVar(&o.securityGroups, "lambda-security-groups", nil, "Security group IDs for the evaluation functions")
	f.IntVar(&o.lambdaTimeout, "lambda-timeout", 0, "Evaluation function timeout in seconds (default from config)")
	f.StringVar(&o.boundaryPolicyARN, "boundary-policy-arn", "", "Permissions boundary for generated roles")
	f.BoolVar(&o.changeSet, "change-set", false, "Apply updates through change sets")
	f.BoolVar(&o.skipTypeCheck, "skip-supported-resource-check", false, "Accept trigger resource types not known to this version")
	cmd.MarkFlagsMutuallyExclusive("lambda-role-arn", "lambda-role-name")
	if organization {
		f.StringSliceVar(&o.excludedAccounts, "excluded-accounts", nil, "Account IDs the organization rules skip")
	}
}

func (o *deployOptions) deploy() deploy.DeployOptions {
	return deploy.DeployOptions{
		FunctionsOnly:  o.functionsOnly,
		FunctionsStack: o.stackName,
		LambdaRoleName: o.lambdaRoleName,
		Function: synth.FunctionOptions{
			RoleARN:           o.lambdaRoleARN,
			BoundaryPolicyARN: o.boundaryPolicyARN,
			LibLayerARN:       o.libLayerARN,
			ExtraLayers:       o.lambdaLayers,
			SubnetIDs:         o.subnets,
			SecurityGroupIDs:  o.securityGroups,
			Timeout:           o.lambdaTimeout,
		},
		ExcludedAccounts: o.excludedAccounts,
	}
}

// loadRules selects, reads and validates rules. Every validation problem is
// reported at once.
func (a *app) loadRules(sel *selection, names []string, opts descriptor.ValidateOptions) ([]*models.RuleDescriptor, error) {
	store := a.store()
	selected, err := sel.resolve(store, names)
	if err != nil {
		return nil, err
	}
	rules, err := store.Load(selected)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, d := range rules {
		if err := descriptor.Validate(d, opts); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rules, nil
}

func newDeployCmd(a *app) *cobra.Command {
	var opts deployOptions
	cmd := &cobra.Command{
		Use:   "deploy [rule...]",
		Short: "Deploy rules to the target regions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.loadRules(&opts.selection, args, descriptor.ValidateOptions{SkipResourceTypeCheck: opts.skipTypeCheck})
			if err != nil {
				return err
			}
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			d := a.deployer(nil, opts.changeSet)
			dopts := opts.deploy()
			return a.runRegions(cmd, sess, func(ctx context.Context, s *common.Session) models.RegionReport {
				return d.Deploy(ctx, s, rules, dopts)
			})
		},
	}
	opts.register(cmd, false)
	return cmd
}

func newDeployOrganizationCmd(a *app) *cobra.Command {
	var opts deployOptions
	cmd := &cobra.Command{
		Use:   "deploy-organization [rule...]",
		Short: "Deploy rules as organization rules from the management account",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.loadRules(&opts.selection, args, descriptor.ValidateOptions{SkipResourceTypeCheck: opts.skipTypeCheck})
			if err != nil {
				return err
			}
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			d := a.deployer(nil, opts.changeSet)
			dopts := opts.deploy()
			return a.runRegions(cmd, sess, func(ctx context.Context, s *common.Session) models.RegionReport {
				return d.DeployOrganization(ctx, s, rules, dopts)
			})
		},
	}
	opts.register(cmd, true)
	return cmd
}

// undeployOptions are the flags of undeploy and undeploy-organization.
type undeployOptions struct {
	selection
	force          bool
	functionsStack string
}

func (o *undeployOptions) register(cmd *cobra.Command) {
	o.selection.register(cmd)
	cmd.Flags().BoolVar(&o.force, "force", false, "Do not ask for confirmation")
	cmd.Flags().StringVar(&o.functionsStack, "functions-stack", "", "Also remove this shared functions stack")
}

func newUndeployCmd(a *app) *cobra.Command {
	var opts undeployOptions
	cmd := &cobra.Command{
		Use:   "undeploy [rule...]",
		Short: "Remove deployed rules from the target regions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.undeploy(cmd, &opts, args, false)
		},
	}
	opts.register(cmd)
	return cmd
}

func newUndeployOrganizationCmd(a *app) *cobra.Command {
	var opts undeployOptions
	cmd := &cobra.Command{
		Use:   "undeploy-organization [rule...]",
		Short: "Remove organization rules deployed from this account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.undeploy(cmd, &opts, args, true)
		},
	}
	opts.register(cmd)
	return cmd
}

func (a *app) undeploy(cmd *cobra.Command, opts *undeployOptions, args []string, organization bool) error {
	names, err := opts.resolve(a.store(), args)
	if err != nil {
		return err
	}
	d := a.deployer(a.confirmer(cmd, opts.force), false)

	action := "Delete the stacks of"
	if organization {
		action = "Delete the organization rule stacks of"
	}
	if err := d.Authorize(cmd.Context(), action, names); err != nil {
		return err
	}

	sess, err := a.session(cmd.Context())
	if err != nil {
		return err
	}
	uopts := deploy.UndeployOptions{Organization: organization, FunctionsStack: opts.functionsStack}
	return a.runRegions(cmd, sess, func(ctx context.Context, s *common.Session) models.RegionReport {
		return d.Undeploy(ctx, s, names, uopts)
	})
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the code bucket and check the configuration recorder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			d := a.deployer(nil, false)
			return a.runRegions(cmd, sess, d.Init)
		},
	}
}

func newCleanCmd(a *app) *cobra.Command {
	var (
		force          bool
		functionsStack string
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove every rule, the configuration recorder and the code bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := a.store().List()
			if err != nil {
				return err
			}
			d := a.deployer(a.confirmer(cmd, force), false)
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			target := fmt.Sprintf("account %s", sess.AccountID)
			if err := d.Authorize(cmd.Context(), "Remove all rules, the configuration recorder and the code bucket from", []string{target}); err != nil {
				return err
			}
			return a.runRegions(cmd, sess, func(ctx context.Context, s *common.Session) models.RegionReport {
				return d.Clean(ctx, s, names, functionsStack)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Do not ask for confirmation")
	cmd.Flags().StringVar(&functionsStack, "functions-stack", "", "Shared functions stack to remove (default "+synth.FunctionsStackName+")")
	return cmd
}
