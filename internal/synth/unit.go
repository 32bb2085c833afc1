package synth

import (
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// StackUnit synthesizes the per-rule stack for d and packages it as a
// deployment unit ready for the convergence engine.
func StackUnit(d *models.RuleDescriptor, env Environment) (*models.DeploymentUnit, error) {
	s, err := Rule(d, env)
	if err != nil {
		return nil, err
	}
	unit, err := newUnit(s, models.StackName(d.Name), env.Region)
	if err != nil {
		return nil, err
	}
	unit.Rule = d.Name
	unit.StackTags = d.Tags
	unit.RuleTags = d.Tags
	unit.ConfigRuleName = d.Name
	if src, ok := d.Custom(); ok {
		fn, err := functionCode(d, src, env, FunctionOutputKey)
		if err != nil {
			return nil, err
		}
		unit.Functions = []models.FunctionCode{fn}
	}
	return unit, nil
}

// OrganizationUnit synthesizes the per-rule organization stack for d.
// Organization rules cannot be tagged, so only the stack carries tags.
func OrganizationUnit(d *models.RuleDescriptor, env Environment) (*models.DeploymentUnit, error) {
	s, err := OrganizationRule(d, env)
	if err != nil {
		return nil, err
	}
	unit, err := newUnit(s, models.StackName(d.Name), env.Region)
	if err != nil {
		return nil, err
	}
	unit.Rule = d.Name
	unit.StackTags = d.Tags
	if src, ok := d.Custom(); ok {
		fn, err := functionCode(d, src, env, FunctionOutputKey)
		if err != nil {
			return nil, err
		}
		unit.Functions = []models.FunctionCode{fn}
	}
	return unit, nil
}

// FunctionsUnit synthesizes the shared functions stack. The returned unit
// carries the template inline; callers that upload it replace TemplateBody
// with TemplateURL.
func FunctionsUnit(rules []*models.RuleDescriptor, env Environment, stackName string) (*models.DeploymentUnit, error) {
	s, err := Functions(rules, env)
	if err != nil {
		return nil, err
	}
	if stackName == "" {
		stackName = FunctionsStackName
	}
	unit, err := newUnit(s, stackName, env.Region)
	if err != nil {
		return nil, err
	}
	for _, d := range rules {
		src, ok := d.Custom()
		if !ok {
			continue
		}
		// The shared stack exposes no per-function outputs.
		fn, err := functionCode(d, src, env, "")
		if err != nil {
			return nil, err
		}
		unit.Functions = append(unit.Functions, fn)
	}
	return unit, nil
}

func newUnit(s *Synthesis, stackName, region string) (*models.DeploymentUnit, error) {
	t, err := s.Template()
	if err != nil {
		return nil, err
	}
	body, err := RenderJSON(t)
	if err != nil {
		return nil, err
	}
	return &models.DeploymentUnit{
		StackName:    stackName,
		Region:       region,
		TemplateBody: string(body),
		Parameters:   s.Bindings,
	}, nil
}

func functionCode(d *models.RuleDescriptor, src models.CustomSource, env Environment, outputKey string) (models.FunctionCode, error) {
	name, err := FunctionName(d.Name, src)
	if err != nil {
		return models.FunctionCode{}, err
	}
	return models.FunctionCode{
		Rule:      d.Name,
		Name:      name,
		ARN:       FunctionARN(env.Partition, env.Region, env.AccountID, name),
		OutputKey: outputKey,
		Bucket:    env.CodeBucket,
		Key:       CodeKey(d.Name),
	}, nil
}
