package models

import "strings"

// Runtimes is the closed set of evaluation function runtimes a custom rule
// may declare. A "-lib" suffix selects the shared rule library layer.
var Runtimes = []string{
	"nodejs4.3",
	"nodejs18.x",
	"nodejs20.x",
	"java8",
	"java11",
	"python3.6",
	"python3.6-lib",
	"python3.7",
	"python3.7-lib",
	"python3.8",
	"python3.8-lib",
	"python3.9",
	"python3.9-lib",
	"python3.10",
	"python3.10-lib",
	"python3.11",
	"python3.11-lib",
	"python3.12",
	"python3.12-lib",
	"dotnetcore1.0",
	"dotnetcore2.0",
}

// DefaultRuntime is used when a custom rule is created without a runtime.
const DefaultRuntime = "python3.12-lib"

// ValidRuntime reports whether r is in Runtimes.
func ValidRuntime(r string) bool {
	for _, have := range Runtimes {
		if have == r {
			return true
		}
	}
	return false
}

// CleanRuleName strips trailing path separators so rule names typed with
// shell completion ("my-rule/") resolve to the rule directory name.
func CleanRuleName(name string) string {
	return strings.TrimRight(name, "/")
}

// StackName is the control-plane stack identity of a rule: the rule name with
// underscores removed.
func StackName(rule string) string {
	return strings.ReplaceAll(rule, "_", "")
}

// AlphanumericID is the resource-key-safe identifier of a rule: the rule name
// with underscores and hyphens removed.
func AlphanumericID(rule string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(rule)
}
