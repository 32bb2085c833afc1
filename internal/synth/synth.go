// Package synth translates rule descriptors into dependency-ordered resource
// graphs and renders them as stack templates. Nothing in this package talks
// to the network; automation documents are read from an fs.FS supplied by
// the caller.
package synth

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/descriptor"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// Mode selects what a synthesis produces.
type Mode string

const (
	// ModeStack produces one stack per rule with its function, permission,
	// role, policy binding and remediation resources.
	ModeStack Mode = "stack"

	// ModeOrganizationTemplate produces one template for many rules, meant
	// to be deployed into other accounts that reach the functions through
	// LambdaAccountId.
	ModeOrganizationTemplate Mode = "organization-template"

	// ModeOrganizationRule produces one stack per rule that binds the rule
	// across an organization.
	ModeOrganizationRule Mode = "organization-rule"

	// ModeFunctions produces one shared stack of evaluation functions only.
	ModeFunctions Mode = "functions"
)

// Environment is the deployment context a synthesis is evaluated against.
type Environment struct {
	AccountID  string
	Partition  string
	Region     string
	CodeBucket string

	// Documents resolves automation document paths. Paths in descriptors
	// are relative to the rules root, so os.DirFS(root) is the usual value.
	Documents fs.FS

	Function FunctionOptions

	// Organization template options.
	RulesOnly     bool
	ConfigRoleARN string

	// Organization rule options.
	ExcludedAccounts []string
}

// FunctionOptions shape the generated evaluation functions.
type FunctionOptions struct {
	// RoleARN reuses an existing execution role instead of generating one.
	RoleARN           string
	BoundaryPolicyARN string
	LibLayerARN       string
	ExtraLayers       []string
	SubnetIDs         []string
	SecurityGroupIDs  []string
	Timeout           int
}

// DefaultFunctionTimeout is used when FunctionOptions.Timeout is zero.
const DefaultFunctionTimeout = 60

// ParameterDef is a top-level template parameter with its metadata group.
type ParameterDef struct {
	Name  string
	Group string
	Parameter
}

const (
	GroupRequired = "Required"
	GroupOptional = "Optional"
)

// Synthesis is everything one synthesis produced.
type Synthesis struct {
	Mode        Mode
	Description string
	Graph       *Graph
	Parameters  []ParameterDef
	Conditions  map[string]any
	Outputs     map[string]Output
	Metadata    map[string]any

	// Bindings supply a value for every parameter the deployer fills in.
	Bindings []models.ParameterBinding

	// TagScript tags compliance rules after deployment; empty when no rule
	// carries tags.
	TagScript string
}

// Template assembles the rendered template, checking the graph for dangling
// dependencies and cycles.
func (s *Synthesis) Template() (*Template, error) {
	if _, err := s.Graph.TopoOrder(); err != nil {
		return nil, err
	}
	t := &Template{
		AWSTemplateFormatVersion: TemplateFormatVersion,
		Description:              s.Description,
		Metadata:                 s.Metadata,
		Conditions:               s.Conditions,
		Outputs:                  s.Outputs,
		Resources:                make(map[string]Resource, s.Graph.Len()),
	}
	if len(s.Parameters) > 0 {
		t.Parameters = make(map[string]Parameter, len(s.Parameters))
		for _, p := range s.Parameters {
			t.Parameters[p.Name] = p.Parameter
		}
	}
	for _, key := range s.Graph.Keys() {
		n := s.Graph.Node(key)
		props := n.Properties
		if props == nil {
			props = map[string]any{}
		}
		t.Resources[key] = Resource{Type: n.Type, DependsOn: n.DependsOn, Properties: props}
	}
	return t, nil
}

// Synthesize runs the synthesis selected by mode. ModeStack and
// ModeOrganizationRule take exactly one rule.
func Synthesize(mode Mode, rules []*models.RuleDescriptor, env Environment) (*Synthesis, error) {
	switch mode {
	case ModeStack, ModeOrganizationRule:
		if len(rules) != 1 {
			return nil, fmt.Errorf("%s synthesis takes exactly one rule, got %d", mode, len(rules))
		}
		if mode == ModeStack {
			return Rule(rules[0], env)
		}
		return OrganizationRule(rules[0], env)
	case ModeOrganizationTemplate:
		return OrganizationTemplate(rules, env)
	case ModeFunctions:
		return Functions(rules, env)
	}
	return nil, fmt.Errorf("unknown synthesis mode %q", mode)
}

// ── builder ──────────────────────────────────────────────────────────────────

type builder struct {
	s   *Synthesis
	env Environment
}

func newBuilder(mode Mode, env Environment, description string) *builder {
	return &builder{
		env: env,
		s: &Synthesis{
			Mode:        mode,
			Description: description,
			Graph:       NewGraph(),
			Conditions:  map[string]any{},
			Outputs:     map[string]Output{},
		},
	}
}

func (b *builder) add(n *Node) error {
	if err := b.s.Graph.Add(n); err != nil {
		return &ConfigError{Reason: err.Error()}
	}
	return nil
}

func (b *builder) result() *Synthesis {
	if len(b.s.Conditions) == 0 {
		b.s.Conditions = nil
	}
	if len(b.s.Outputs) == 0 {
		b.s.Outputs = nil
	}
	return b.s
}

// checkRule applies the synthesis-time limits that do not depend on mode.
func checkRule(d *models.RuleDescriptor) error {
	if d.Name == "" {
		return &ConfigError{Reason: "rule name is required"}
	}
	if len(d.Name) > models.MaxRuleNameLength {
		return &ConfigError{Rule: d.Name, Reason: fmt.Sprintf("rule names must be %d characters or fewer", models.MaxRuleNameLength)}
	}
	if d.Source == nil {
		return &ConfigError{Rule: d.Name, Reason: "rule has neither a runtime nor a source identifier"}
	}
	if src, ok := d.Custom(); ok {
		if _, err := FunctionName(d.Name, src); err != nil {
			return err
		}
	}
	return nil
}

// ruleParameters registers the per-rule template parameters and returns the
// policy binding's InputParameters block. With placeholders set, blank
// required parameters default to "<REQUIRED>" and must be overridden.
func (b *builder) ruleParameters(d *models.RuleDescriptor, placeholders, bind bool) map[string]any {
	alphaID := models.AlphanumericID(d.Name)
	inputs := map[string]any{}

	for _, p := range d.RequiredParameters {
		name := alphaID + p.Name
		def := ParameterDef{
			Name:  name,
			Group: GroupRequired,
			Parameter: Parameter{
				Type:        "String",
				Description: fmt.Sprintf("Pass-through to required Input Parameter %s for Config Rule %s", p.Name, d.Name),
				Default:     strPtr(p.Value),
			},
		}
		if placeholders {
			if strings.TrimSpace(p.Value) == "" {
				def.Default = strPtr("<REQUIRED>")
			}
			def.MinLength = 1
			def.ConstraintDescription = "This parameter is required."
		}
		b.s.Parameters = append(b.s.Parameters, def)
		if bind {
			b.s.Bindings = append(b.s.Bindings, models.ParameterBinding{Key: name, Value: p.Value})
		}
		inputs[p.Name] = ref(name)
	}

	for _, p := range d.OptionalParameters {
		name := alphaID + p.Name
		b.s.Parameters = append(b.s.Parameters, ParameterDef{
			Name:  name,
			Group: GroupOptional,
			Parameter: Parameter{
				Type:        "String",
				Description: fmt.Sprintf("Pass-through to optional Input Parameter %s for Config Rule %s", p.Name, d.Name),
				Default:     strPtr(p.Value),
			},
		})
		b.s.Conditions[name] = notEmpty(name)
		if bind {
			b.s.Bindings = append(b.s.Bindings, models.ParameterBinding{Key: name, Value: p.Value})
		}
		inputs[p.Name] = ifPresent(name)
	}

	if len(inputs) == 0 {
		return nil
	}
	return inputs
}

// policyBinding builds the compliance rule node. functionARN is the custom
// rule's function reference and is ignored for managed rules.
func policyBinding(d *models.RuleDescriptor, key string, functionARN any, inputs map[string]any) *Node {
	props := map[string]any{
		"ConfigRuleName": d.Name,
		"Description":    d.DescriptionOrName(),
	}
	if d.Triggers.HasChangeTriggers() {
		props["Scope"] = map[string]any{"ComplianceResourceTypes": toAnySlice(d.Triggers.ResourceTypes)}
	}

	source := map[string]any{}
	if m, ok := d.Managed(); ok {
		source["Owner"] = "AWS"
		source["SourceIdentifier"] = m.Identifier
		if d.Triggers.HasPeriodic() {
			props["MaximumExecutionFrequency"] = string(d.Triggers.Periodic)
		}
	} else {
		source["Owner"] = "CUSTOM_LAMBDA"
		source["SourceIdentifier"] = functionARN
		source["SourceDetails"] = sourceDetails(d.Triggers)
	}
	props["Source"] = source

	if inputs != nil {
		props["InputParameters"] = inputs
	}

	return &Node{
		Key:        key,
		Kind:       KindPolicyBinding,
		Type:       "AWS::Config::ConfigRule",
		Properties: props,
	}
}

func sourceDetails(t models.Triggers) []any {
	var details []any
	if t.HasChangeTriggers() {
		details = append(details, map[string]any{
			"EventSource": "aws.config",
			"MessageType": "ConfigurationItemChangeNotification",
		})
	}
	if t.HasPeriodic() {
		details = append(details, map[string]any{
			"EventSource":               "aws.config",
			"MessageType":               "ScheduledNotification",
			"MaximumExecutionFrequency": string(t.Periodic),
		})
	}
	return details
}

// remediation adds the remediation-action node and, for inline automation
// documents, the document and its identity role and policy.
func (b *builder) remediation(d *models.RuleDescriptor, bindingKey string, extraDeps ...string) error {
	r := d.Remediation
	if r == nil {
		return nil
	}
	alphaID := models.AlphanumericID(d.Name)
	props := remediationProperties(d)
	node := &Node{
		Key:        alphaID + "Remediation",
		Kind:       KindRemediationAction,
		Type:       "AWS::Config::RemediationConfiguration",
		Properties: props,
	}
	node.dependsOn(bindingKey)
	node.dependsOn(extraDeps...)

	if auto := r.Automation; auto != nil {
		content, err := readDocument(b.env.Documents, auto.Document)
		if err != nil {
			return &ConfigError{Rule: d.Name, Reason: err.Error()}
		}
		docKey := alphaID + "RemediationAction"
		if err := b.add(&Node{
			Key:  docKey,
			Kind: KindAutomationDocument,
			Type: "AWS::SSM::Document",
			Properties: map[string]any{
				"DocumentType": "Automation",
				"Content":      content,
			},
		}); err != nil {
			return err
		}
		props["TargetId"] = ref(docKey)
		node.dependsOn(docKey)

		if len(auto.IAM) > 0 {
			roleKey, policyKey := alphaID+"Role", alphaID+"Policy"
			if err := b.add(automationRole(d.Name, roleKey)); err != nil {
				return err
			}
			if err := b.add(automationPolicy(d.Name, policyKey, roleKey, auto.IAM)); err != nil {
				return err
			}
			setAssumeRole(props, getAtt(roleKey, "Arn"))
			node.dependsOn(roleKey, policyKey)
		}
	}
	return b.add(node)
}

func remediationProperties(d *models.RuleDescriptor) map[string]any {
	r := d.Remediation
	props := map[string]any{
		"ConfigRuleName": d.Name,
		"TargetId":       r.TargetID,
		"TargetType":     r.TargetType,
	}
	if r.TargetType == "" {
		props["TargetType"] = "SSM_DOCUMENT"
	}
	if r.Automatic {
		props["Automatic"] = true
	}
	if ec := r.ExecutionControls; ec != nil {
		ssm := map[string]any{}
		if v := ec.SsmControls.ConcurrentExecutionRatePercentage; v > 0 {
			ssm["ConcurrentExecutionRatePercentage"] = v
		}
		if v := ec.SsmControls.ErrorPercentage; v > 0 {
			ssm["ErrorPercentage"] = v
		}
		if len(ssm) > 0 {
			props["ExecutionControls"] = map[string]any{"SsmControls": ssm}
		}
	}
	if r.MaximumAutomaticAttempts > 0 {
		props["MaximumAutomaticAttempts"] = r.MaximumAutomaticAttempts
	}
	if r.RetryAttemptSeconds > 0 {
		props["RetryAttemptSeconds"] = r.RetryAttemptSeconds
	}
	if len(r.Parameters) > 0 {
		props["Parameters"] = deepCopy(r.Parameters)
	}
	switch {
	case r.ResourceType != "":
		props["ResourceType"] = r.ResourceType
	case len(d.Triggers.ResourceTypes) == 1:
		props["ResourceType"] = d.Triggers.ResourceTypes[0]
	}
	if r.TargetVersion != "" {
		props["TargetVersion"] = r.TargetVersion
	}
	return props
}

// setAssumeRole points the AutomationAssumeRole parameter at value, creating
// the nested path as needed.
func setAssumeRole(props map[string]any, value any) {
	params, _ := props["Parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
		props["Parameters"] = params
	}
	role, _ := params["AutomationAssumeRole"].(map[string]any)
	if role == nil {
		role = map[string]any{}
		params["AutomationAssumeRole"] = role
	}
	static, _ := role["StaticValue"].(map[string]any)
	if static == nil {
		static = map[string]any{}
		role["StaticValue"] = static
	}
	static["Values"] = []any{value}
}

func automationRole(rule, key string) *Node {
	return &Node{
		Key:  key,
		Kind: KindIdentityRole,
		Type: "AWS::IAM::Role",
		Properties: map[string]any{
			"Description": "IAM Role to Support Config Remediation for " + rule,
			"Path":        "/rdk-remediation-role/",
			"AssumeRolePolicyDocument": map[string]any{
				"Version": "2012-10-17",
				"Statement": []any{map[string]any{
					"Effect":    "Allow",
					"Principal": map[string]any{"Service": "ssm.amazonaws.com"},
					"Action":    "sts:AssumeRole",
				}},
			},
		},
	}
}

func automationPolicy(rule, key, roleKey string, actions []string) *Node {
	n := &Node{
		Key:  key,
		Kind: KindIdentityPolicy,
		Type: "AWS::IAM::Policy",
		Properties: map[string]any{
			"PolicyDocument": map[string]any{
				"Version": "2012-10-17",
				"Statement": []any{map[string]any{
					"Action":   toAnySlice(actions),
					"Effect":   "Allow",
					"Resource": "*",
				}},
			},
			"PolicyName": sub(rule + "-Remediation-Policy-${AWS::Region}"),
			"Roles":      []any{ref(roleKey)},
		},
	}
	n.dependsOn(roleKey)
	return n
}

// readDocument loads an automation document as a JSON value.
func readDocument(fsys fs.FS, name string) (any, error) {
	if fsys == nil {
		return nil, fmt.Errorf("automation document %q: no document source configured", name)
	}
	clean := path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "/"))
	data, err := fs.ReadFile(fsys, clean)
	if err != nil {
		return nil, fmt.Errorf("read automation document %q: %w", name, err)
	}
	var content any
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("parse automation document %q: %w", name, err)
	}
	return content, nil
}

// ── function resources ───────────────────────────────────────────────────────

// executionRole is the role generated for evaluation functions when no
// existing role is supplied. bucketARN scopes code reads.
func executionRole(key string, bucketARN any, opts FunctionOptions) *Node {
	statements := []any{
		map[string]any{"Sid": "1", "Action": []any{"s3:GetObject"}, "Effect": "Allow", "Resource": bucketARN},
		map[string]any{
			"Sid":      "2",
			"Action":   []any{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents", "logs:DescribeLogStreams"},
			"Effect":   "Allow",
			"Resource": "*",
		},
		map[string]any{"Sid": "3", "Action": []any{"config:PutEvaluations"}, "Effect": "Allow", "Resource": "*"},
		map[string]any{"Sid": "4", "Action": []any{"iam:List*", "iam:Describe*", "iam:Get*"}, "Effect": "Allow", "Resource": "*"},
		map[string]any{"Sid": "5", "Action": []any{"sts:AssumeRole"}, "Effect": "Allow", "Resource": "*"},
	}
	if inVPC(opts) {
		statements = append(statements, map[string]any{
			"Sid":      "LambdaVPCAccessExecution",
			"Action":   []any{"ec2:DescribeNetworkInterfaces", "ec2:DeleteNetworkInterface", "ec2:CreateNetworkInterface"},
			"Effect":   "Allow",
			"Resource": "*",
		})
	}
	props := map[string]any{
		"Path": "/rdk/",
		"AssumeRolePolicyDocument": map[string]any{
			"Version": "2012-10-17",
			"Statement": []any{map[string]any{
				"Sid":       "AllowLambdaAssumeRole",
				"Effect":    "Allow",
				"Principal": map[string]any{"Service": "lambda.amazonaws.com"},
				"Action":    "sts:AssumeRole",
			}},
		},
		"Policies": []any{map[string]any{
			"PolicyName":     "ConfigRulePolicy",
			"PolicyDocument": map[string]any{"Version": "2012-10-17", "Statement": statements},
		}},
		"ManagedPolicyArns": []any{sub("arn:${AWS::Partition}:iam::aws:policy/ReadOnlyAccess")},
	}
	if opts.BoundaryPolicyARN != "" {
		props["PermissionsBoundary"] = opts.BoundaryPolicyARN
	}
	return &Node{Key: key, Kind: KindExecutionRole, Type: "AWS::IAM::Role", Properties: props}
}

func inVPC(opts FunctionOptions) bool {
	return len(opts.SubnetIDs) > 0 && len(opts.SecurityGroupIDs) > 0
}

// functionNodes adds the evaluation function and its invoke permission for a
// custom rule. roleKey is the generated execution role, or empty when
// opts.RoleARN is used. sourceAccount restricts invocation to this account.
func (b *builder) functionNodes(d *models.RuleDescriptor, src models.CustomSource, bucket any, roleKey string, sourceAccount bool) (fnKey, permKey string, err error) {
	alphaID := models.AlphanumericID(d.Name)
	name, err := FunctionName(d.Name, src)
	if err != nil {
		return "", "", err
	}
	opts := b.env.Function
	layers, err := Layers(d.Name, src, b.env.Region, opts.LibLayerARN, opts.ExtraLayers)
	if err != nil {
		return "", "", err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFunctionTimeout
	}

	props := map[string]any{
		"FunctionName": name,
		"Code":         map[string]any{"S3Bucket": bucket, "S3Key": CodeKey(d.Name)},
		"Description":  "Function for AWS Config Rule " + d.Name,
		"Handler":      Handler(d.Name, src),
		"MemorySize":   256,
		"Runtime":      RuntimeString(src.Runtime),
		"Timeout":      timeout,
	}
	if len(layers) > 0 {
		props["Layers"] = toAnySlice(layers)
	}
	if inVPC(opts) {
		props["VpcConfig"] = map[string]any{
			"SecurityGroupIds": toAnySlice(opts.SecurityGroupIDs),
			"SubnetIds":        toAnySlice(opts.SubnetIDs),
		}
	}
	if len(d.Tags) > 0 {
		tags := make([]any, 0, len(d.Tags))
		for _, t := range d.Tags {
			tags = append(tags, map[string]any{"Key": t.Key, "Value": t.Value})
		}
		props["Tags"] = tags
	}

	fn := &Node{Key: alphaID + "LambdaFunction", Kind: KindEvaluationFunction, Type: "AWS::Lambda::Function", Properties: props}
	if roleKey != "" {
		props["Role"] = getAtt(roleKey, "Arn")
		fn.dependsOn(roleKey)
	} else {
		props["Role"] = opts.RoleARN
	}
	if err := b.add(fn); err != nil {
		return "", "", err
	}

	permProps := map[string]any{
		"FunctionName": getAtt(fn.Key, "Arn"),
		"Action":       "lambda:InvokeFunction",
		"Principal":    "config.amazonaws.com",
	}
	if sourceAccount {
		permProps["SourceAccount"] = ref("AWS::AccountId")
	}
	perm := &Node{Key: alphaID + "LambdaPermissions", Kind: KindInvokePermission, Type: "AWS::Lambda::Permission", Properties: permProps}
	perm.dependsOn(fn.Key)
	if err := b.add(perm); err != nil {
		return "", "", err
	}
	return fn.Key, perm.Key, nil
}

// ── modes ────────────────────────────────────────────────────────────────────

// Rule synthesizes the per-rule stack (ModeStack).
func Rule(d *models.RuleDescriptor, env Environment) (*Synthesis, error) {
	if err := checkRule(d); err != nil {
		return nil, err
	}
	b := newBuilder(ModeStack, env, "Config rule "+d.Name)
	alphaID := models.AlphanumericID(d.Name)
	bindingKey := alphaID + "ConfigRule"
	inputs := b.ruleParameters(d, false, true)

	var binding *Node
	if src, ok := d.Custom(); ok {
		roleKey := ""
		if env.Function.RoleARN == "" {
			roleKey = alphaID + "LambdaRole"
			bucketARN := sub("arn:${AWS::Partition}:s3:::" + env.CodeBucket + "/*")
			if err := b.add(executionRole(roleKey, bucketARN, env.Function)); err != nil {
				return nil, err
			}
		}
		fnKey, permKey, err := b.functionNodes(d, src, env.CodeBucket, roleKey, true)
		if err != nil {
			return nil, err
		}
		binding = policyBinding(d, bindingKey, getAtt(fnKey, "Arn"), inputs)
		binding.dependsOn(permKey)
		b.s.Outputs[FunctionOutputKey] = Output{Description: "ARN of the rule's evaluation function", Value: getAtt(fnKey, "Arn")}
	} else {
		binding = policyBinding(d, bindingKey, nil, inputs)
	}
	if err := b.add(binding); err != nil {
		return nil, err
	}
	if err := b.remediation(d, bindingKey); err != nil {
		return nil, err
	}
	return b.result(), nil
}

// OrganizationTemplate synthesizes one multi-account template for rules
// (ModeOrganizationTemplate). Functions are not included; rules reference
// them in the account named by the LambdaAccountId parameter.
func OrganizationTemplate(rules []*models.RuleDescriptor, env Environment) (*Synthesis, error) {
	b := newBuilder(ModeOrganizationTemplate, env,
		"AWS CloudFormation template to create custom AWS Config rules. You will be billed for the AWS resources used if you create a stack from this template.")

	b.s.Parameters = append(b.s.Parameters, ParameterDef{
		Name: "LambdaAccountId",
		Parameter: Parameter{
			Type:        "String",
			Description: "Account ID that contains Lambda functions for Config Rules.",
			MinLength:   12,
			MaxLength:   12,
		},
	})

	if !env.RulesOnly {
		if err := b.bootstrapNodes(); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(rules))
	for _, d := range rules {
		names = append(names, d.Name)
	}
	if err := descriptor.CheckIdentifierCollisions(names); err != nil {
		return nil, err
	}

	for _, d := range rules {
		if err := checkRule(d); err != nil {
			return nil, err
		}
		alphaID := models.AlphanumericID(d.Name)
		inputs := b.ruleParameters(d, true, false)

		var fnARN any
		if src, ok := d.Custom(); ok {
			name, err := FunctionName(d.Name, src)
			if err != nil {
				return nil, err
			}
			fnARN = sub("arn:${AWS::Partition}:lambda:${AWS::Region}:${LambdaAccountId}:function:" + name)
		}
		binding := policyBinding(d, alphaID+"ConfigRule", fnARN, inputs)
		if !env.RulesOnly {
			binding.dependsOn("DeliveryChannel")
		}
		if err := b.add(binding); err != nil {
			return nil, err
		}

		var extra []string
		if !env.RulesOnly {
			extra = append(extra, "ConfigRole")
		}
		if err := b.remediation(d, binding.Key, extra...); err != nil {
			return nil, err
		}
	}

	b.s.Metadata = parameterGroups(b.s.Parameters)
	b.s.TagScript = TagScript(rules)
	return b.result(), nil
}

func parameterGroups(params []ParameterDef) map[string]any {
	required, optional := []any{}, []any{}
	for _, p := range params {
		switch p.Group {
		case GroupRequired:
			required = append(required, p.Name)
		case GroupOptional:
			optional = append(optional, p.Name)
		}
	}
	return map[string]any{
		"AWS::CloudFormation::Interface": map[string]any{
			"ParameterGroups": []any{
				map[string]any{"Label": map[string]any{"default": "Lambda Account ID"}, "Parameters": []any{"LambdaAccountId"}},
				map[string]any{"Label": map[string]any{"default": GroupRequired}, "Parameters": required},
				map[string]any{"Label": map[string]any{"default": GroupOptional}, "Parameters": optional},
			},
			"ParameterLabels": map[string]any{
				"LambdaAccountId": map[string]any{
					"default": "REQUIRED: Account ID that contains Lambda Function(s) that back the Rules in this template.",
				},
			},
		},
	}
}

// bootstrapNodes adds the recorder, its role, bucket and delivery channel.
func (b *builder) bootstrapNodes() error {
	role := &Node{
		Key:  "ConfigRole",
		Kind: KindRecorderRole,
		Type: "AWS::IAM::Role",
		Properties: map[string]any{
			"RoleName": "config-role",
			"Path":     "/rdk/",
			"ManagedPolicyArns": []any{
				sub("arn:${AWS::Partition}:iam::aws:policy/service-role/AWSConfigRole"),
				sub("arn:${AWS::Partition}:iam::aws:policy/ReadOnlyAccess"),
			},
			"AssumeRolePolicyDocument": map[string]any{
				"Version": "2012-10-17",
				"Statement": []any{
					map[string]any{
						"Sid":       "LOCAL",
						"Effect":    "Allow",
						"Principal": map[string]any{"Service": []any{"config.amazonaws.com"}},
						"Action":    "sts:AssumeRole",
					},
					map[string]any{
						"Sid":       "REMOTE",
						"Effect":    "Allow",
						"Principal": map[string]any{"AWS": sub("arn:${AWS::Partition}:iam::${LambdaAccountId}:root")},
						"Action":    "sts:AssumeRole",
					},
				},
			},
			"Policies": []any{map[string]any{
				"PolicyName": "DeliveryPermission",
				"PolicyDocument": map[string]any{
					"Version": "2012-10-17",
					"Statement": []any{
						map[string]any{
							"Effect":    "Allow",
							"Action":    "s3:PutObject*",
							"Resource":  sub("arn:${AWS::Partition}:s3:::${ConfigBucket}/AWSLogs/${AWS::AccountId}/*"),
							"Condition": map[string]any{"StringLike": map[string]any{"s3:x-amz-acl": "bucket-owner-full-control"}},
						},
						map[string]any{
							"Effect":   "Allow",
							"Action":   "s3:GetBucketAcl",
							"Resource": sub("arn:${AWS::Partition}:s3:::${ConfigBucket}"),
						},
					},
				},
			}},
		},
	}
	role.dependsOn("ConfigBucket")

	bucket := &Node{
		Key:        "ConfigBucket",
		Kind:       KindRecorderBucket,
		Type:       "AWS::S3::Bucket",
		Properties: map[string]any{"BucketName": sub("config-bucket-${AWS::AccountId}-${AWS::Region}")},
	}

	var roleARN any = getAtt("ConfigRole", "Arn")
	if b.env.ConfigRoleARN != "" {
		roleARN = b.env.ConfigRoleARN
	}
	recorder := &Node{
		Key:  "ConfigurationRecorder",
		Kind: KindRecorder,
		Type: "AWS::Config::ConfigurationRecorder",
		Properties: map[string]any{
			"Name":    "default",
			"RoleARN": roleARN,
			"RecordingGroup": map[string]any{
				"AllSupported":               true,
				"IncludeGlobalResourceTypes": true,
			},
		},
	}
	recorder.dependsOn("ConfigRole")

	channel := &Node{
		Key:  "DeliveryChannel",
		Kind: KindDeliveryChannel,
		Type: "AWS::Config::DeliveryChannel",
		Properties: map[string]any{
			"Name":                             "default",
			"S3BucketName":                     ref("ConfigBucket"),
			"ConfigSnapshotDeliveryProperties": map[string]any{"DeliveryFrequency": "One_Hour"},
		},
	}
	channel.dependsOn("ConfigBucket")

	for _, n := range []*Node{bucket, role, recorder, channel} {
		if err := b.add(n); err != nil {
			return err
		}
	}
	return nil
}

// OrganizationRule synthesizes the per-rule organization stack
// (ModeOrganizationRule). Remediation is not supported for organization
// rules and is dropped; callers should warn.
func OrganizationRule(d *models.RuleDescriptor, env Environment) (*Synthesis, error) {
	if err := checkRule(d); err != nil {
		return nil, err
	}
	b := newBuilder(ModeOrganizationRule, env, "Organization config rule "+d.Name)
	alphaID := models.AlphanumericID(d.Name)

	inputs, err := combinedInputParameters(d)
	if err != nil {
		return nil, &ConfigError{Rule: d.Name, Reason: err.Error()}
	}

	metadata := map[string]any{"Description": d.DescriptionOrName()}
	if inputs != "" {
		metadata["InputParameters"] = inputs
	}
	if d.Triggers.HasPeriodic() {
		metadata["MaximumExecutionFrequency"] = string(d.Triggers.Periodic)
	}
	if d.Triggers.HasChangeTriggers() {
		metadata["ResourceTypesScope"] = toAnySlice(d.Triggers.ResourceTypes)
	}

	props := map[string]any{"OrganizationConfigRuleName": d.Name}
	if len(env.ExcludedAccounts) > 0 {
		props["ExcludedAccounts"] = toAnySlice(env.ExcludedAccounts)
	}
	node := &Node{
		Key:        alphaID + "OrganizationConfigRule",
		Kind:       KindPolicyBinding,
		Type:       "AWS::Config::OrganizationConfigRule",
		Properties: props,
	}

	if src, ok := d.Custom(); ok {
		roleKey := ""
		if env.Function.RoleARN == "" {
			roleKey = alphaID + "LambdaRole"
			bucketARN := sub("arn:${AWS::Partition}:s3:::" + env.CodeBucket + "/*")
			if err := b.add(executionRole(roleKey, bucketARN, env.Function)); err != nil {
				return nil, err
			}
		}
		fnKey, permKey, err := b.functionNodes(d, src, env.CodeBucket, roleKey, false)
		if err != nil {
			return nil, err
		}
		var triggers []any
		if d.Triggers.HasChangeTriggers() {
			triggers = append(triggers, "ConfigurationItemChangeNotification")
		}
		if d.Triggers.HasPeriodic() {
			triggers = append(triggers, "ScheduledNotification")
		}
		metadata["LambdaFunctionArn"] = getAtt(fnKey, "Arn")
		metadata["OrganizationConfigRuleTriggerTypes"] = triggers
		props["OrganizationCustomRuleMetadata"] = metadata
		node.dependsOn(permKey)
		b.s.Outputs[FunctionOutputKey] = Output{Description: "ARN of the rule's evaluation function", Value: getAtt(fnKey, "Arn")}
	} else {
		m, _ := d.Managed()
		metadata["RuleIdentifier"] = m.Identifier
		props["OrganizationManagedRuleMetadata"] = metadata
	}

	if err := b.add(node); err != nil {
		return nil, err
	}
	return b.result(), nil
}

// combinedInputParameters renders required parameters plus non-empty
// optional parameters as one JSON object string. Empty when there are none.
func combinedInputParameters(d *models.RuleDescriptor) (string, error) {
	params := make([]models.Parameter, 0, len(d.RequiredParameters)+len(d.OptionalParameters))
	params = append(params, d.RequiredParameters...)
	for _, p := range d.OptionalParameters {
		if p.Value != "" {
			params = append(params, p)
		}
	}
	if len(params) == 0 {
		return "", nil
	}
	out, err := descriptor.EncodeParameters(params)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Functions synthesizes the shared functions stack (ModeFunctions). Managed
// rules have no function and are skipped.
func Functions(rules []*models.RuleDescriptor, env Environment) (*Synthesis, error) {
	b := newBuilder(ModeFunctions, env,
		"AWS CloudFormation template to create Lambda functions for backing custom AWS Config rules. You will be billed for the AWS resources used if you create a stack from this template.")
	b.s.Parameters = append(b.s.Parameters, ParameterDef{
		Name: "SourceBucket",
		Parameter: Parameter{
			Type:        "String",
			Description: "Name of the S3 bucket that you have stored the rule zip files in.",
			MinLength:   1,
			MaxLength:   255,
		},
	})
	b.s.Bindings = append(b.s.Bindings, models.ParameterBinding{Key: "SourceBucket", Value: env.CodeBucket})

	roleKey := ""
	if env.Function.RoleARN == "" {
		roleKey = "rdkLambdaRole"
		if err := b.add(executionRole(roleKey, sub("arn:${AWS::Partition}:s3:::${SourceBucket}/*"), env.Function)); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(rules))
	for _, d := range rules {
		names = append(names, d.Name)
	}
	if err := descriptor.CheckIdentifierCollisions(names); err != nil {
		return nil, err
	}

	for _, d := range rules {
		if err := checkRule(d); err != nil {
			return nil, err
		}
		src, ok := d.Custom()
		if !ok {
			continue
		}
		if _, _, err := b.functionNodes(d, src, ref("SourceBucket"), roleKey, true); err != nil {
			return nil, err
		}
	}
	return b.result(), nil
}

// TagScript returns a shell script that tags every rule carrying tags, or
// an empty string when none do.
func TagScript(rules []*models.RuleDescriptor) string {
	var sb strings.Builder
	for _, d := range rules {
		if len(d.Tags) == 0 {
			continue
		}
		pairs := make([]string, 0, len(d.Tags))
		for _, t := range d.Tags {
			pairs = append(pairs, fmt.Sprintf("Key=%s,Value=%s", t.Key, t.Value))
		}
		fmt.Fprintf(&sb,
			"aws configservice tag-resource --resources-arn $(aws configservice describe-config-rules --config-rule-names %s --query 'ConfigRules[0].ConfigRuleArn' | tr -d '\"') --tags %s\n",
			d.Name, strings.Join(pairs, " "))
	}
	if sb.Len() == 0 {
		return ""
	}
	return "#!/bin/bash\n" + sb.String()
}

// ── helpers ──────────────────────────────────────────────────────────────────

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// deepCopy copies JSON-shaped values so generated templates never alias a
// descriptor's maps.
func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
