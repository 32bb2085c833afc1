package synth

import (
	"fmt"
	"strings"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// FunctionNamePrefix prefixes derived evaluation function names.
const FunctionNamePrefix = "RDK-Rule-Function-"

// FunctionsStackName is the default stack for functions-only deployments.
const FunctionsStackName = "RDK-Config-Rule-Functions"

// FunctionOutputKey is the stack output carrying the evaluation function ARN.
const FunctionOutputKey = "RuleCodeLambda"

// MaxLayers is the most layers a function may carry.
const MaxLayers = 5

// libLayerAccount publishes the shared rule library layer in every region.
const libLayerAccount = "711761543063"

// libLayerVersions pins the published rule library layer version per region.
var libLayerVersions = map[string]string{
	"ap-southeast-1": "28",
	"ap-south-1":     "5",
	"us-east-2":      "5",
	"us-east-1":      "5",
	"us-west-1":      "4",
	"us-west-2":      "4",
	"ap-northeast-2": "5",
	"ap-southeast-2": "5",
	"ap-northeast-1": "5",
	"ca-central-1":   "5",
	"eu-central-1":   "5",
	"eu-west-1":      "5",
	"eu-west-2":      "4",
	"eu-west-3":      "5",
	"eu-north-1":     "5",
	"sa-east-1":      "5",
}

// ConfigError is a fatal configuration problem found during synthesis,
// before any network call.
type ConfigError struct {
	Rule   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Rule == "" {
		return e.Reason
	}
	return fmt.Sprintf("rule %q: %s", e.Rule, e.Reason)
}

// FunctionName returns the evaluation function name of a custom rule.
func FunctionName(rule string, src models.CustomSource) (string, error) {
	name := src.FunctionName
	if name == "" {
		name = FunctionNamePrefix + models.StackName(rule)
	}
	if len(name) > models.MaxFunctionNameLength {
		return "", &ConfigError{
			Rule:   rule,
			Reason: fmt.Sprintf("function name %q is longer than %d characters; set a shorter custom function name", name, models.MaxFunctionNameLength),
		}
	}
	return name, nil
}

// FunctionARN builds the ARN of a function in the given partition, region
// and account.
func FunctionARN(partition, region, account, name string) string {
	return fmt.Sprintf("arn:%s:lambda:%s:%s:function:%s", partition, region, account, name)
}

// Handler returns the entry point of a custom rule's function.
func Handler(rule string, src models.CustomSource) string {
	if src.Handler != "" {
		return src.Handler
	}
	switch {
	case strings.HasPrefix(src.Runtime, "python"):
		return rule + ".lambda_handler"
	case strings.HasPrefix(src.Runtime, "nodejs"):
		return rule + ".handler"
	case strings.HasPrefix(src.Runtime, "java"):
		return "com.rdk.RuleUtil::handler"
	case strings.HasPrefix(src.Runtime, "dotnetcore"):
		return "csharp7.0::Rdk.CustomConfigHandler::FunctionHandler"
	}
	return rule + ".lambda_handler"
}

// RuntimeString returns the function runtime identifier, without the
// library or managed suffixes.
func RuntimeString(runtime string) string {
	runtime = strings.TrimSuffix(runtime, "-lib")
	return strings.TrimSuffix(runtime, "-managed")
}

// UsesLibLayer reports whether the runtime relies on the shared rule library
// layer.
func UsesLibLayer(runtime string) bool {
	return strings.HasSuffix(runtime, "-lib")
}

// LibLayerARN returns the published rule library layer for region.
func LibLayerARN(region string) (string, bool) {
	v, ok := libLayerVersions[region]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("arn:aws:lambda:%s:%s:layer:rdklib-layer:%s", region, libLayerAccount, v), true
}

// Layers returns the layer list of a custom rule's function in region:
// the library layer first (override or published), then extra.
func Layers(rule string, src models.CustomSource, region, libOverride string, extra []string) ([]string, error) {
	var layers []string
	if UsesLibLayer(src.Runtime) {
		arn := libOverride
		if arn == "" {
			var ok bool
			if arn, ok = LibLayerARN(region); !ok {
				return nil, &ConfigError{
					Rule:   rule,
					Reason: fmt.Sprintf("no published rule library layer in %s; pass a library layer ARN", region),
				}
			}
		}
		layers = append(layers, arn)
		if len(extra) > MaxLayers-1 {
			return nil, &ConfigError{Rule: rule, Reason: fmt.Sprintf("library runtimes allow at most %d additional layers", MaxLayers-1)}
		}
	}
	if len(extra) > MaxLayers {
		return nil, &ConfigError{Rule: rule, Reason: fmt.Sprintf("at most %d layers may be specified", MaxLayers)}
	}
	return append(layers, extra...), nil
}

// CodeKey is the object key a rule's code archive is uploaded to.
func CodeKey(rule string) string {
	return rule + "/" + rule + ".zip"
}
