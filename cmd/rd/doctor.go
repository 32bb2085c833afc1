package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/config"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/descriptor"
	"github.com/pankaj-dahiya-devops/ruledeploy/internal/providers/aws/common"
)

// errUnhealthy is returned by doctor after an unhealthy result was rendered.
var errUnhealthy = errors.New("environment is not healthy")

// DoctorResult is the structured output of rd doctor. It is serialised to
// JSON with --report=json or rendered as a human-readable table (default).
type DoctorResult struct {
	AWS struct {
		Profile     string `json:"profile,omitempty"`
		Credentials bool   `json:"credentials_ok"`
		AccountID   string `json:"account_id,omitempty"`
		Partition   string `json:"partition,omitempty"`
		Region      string `json:"region,omitempty"`
		RegionsOK   bool   `json:"regions_ok"`
		Error       string `json:"error,omitempty"`
	} `json:"aws"`

	Config struct {
		Path    string `json:"path"`
		Present bool   `json:"present"`
	} `json:"config"`

	Rules struct {
		Root    string   `json:"root"`
		Present bool     `json:"present"`
		Count   int      `json:"count"`
		Valid   bool     `json:"valid"`
		Errors  []string `json:"errors,omitempty"`
	} `json:"rules"`

	OverallHealthy bool `json:"overall_healthy"`
}

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds := common.Credentials{
				Profile:         a.cfg.AWS.Profile,
				AccessKeyID:     a.global.accessKeyID,
				SecretAccessKey: a.global.secretAccessKey,
				Region:          a.cfg.AWS.Region,
			}
			result, err := runDoctor(cmd.Context(), a.provider, creds, a.store(), a.global.configPath, cmd.OutOrStdout(), a.global.report)
			if err != nil {
				return err
			}
			if !result.OverallHealthy {
				return errUnhealthy
			}
			return nil
		},
	}
}

// runDoctor collects all diagnostic results, renders them to w in the
// requested format, and returns the result.
// The returned error covers only rendering failures; callers inspect
// result.OverallHealthy.
func runDoctor(ctx context.Context, provider common.AWSClientProvider, creds common.Credentials, store *descriptor.Store, configPath string, w io.Writer, format string) (DoctorResult, error) {
	result := collectDoctorResult(ctx, provider, creds, store, configPath)

	switch format {
	case "json":
		if err := json.NewEncoder(w).Encode(result); err != nil {
			return result, fmt.Errorf("encode doctor result: %w", err)
		}
	default:
		renderDoctorTable(result, w)
	}
	return result, nil
}

// collectDoctorResult runs all environment checks and populates a DoctorResult.
func collectDoctorResult(ctx context.Context, provider common.AWSClientProvider, creds common.Credentials, store *descriptor.Store, configPath string) DoctorResult {
	var result DoctorResult

	// AWS: credentials → STS account ID → region discovery.
	result.AWS.Profile = creds.Profile
	sess, err := provider.Load(ctx, creds)
	if err != nil {
		result.AWS.Error = err.Error()
	} else {
		result.AWS.Credentials = true
		result.AWS.AccountID = sess.AccountID
		result.AWS.Partition = sess.Partition
		result.AWS.Region = sess.Region
		if _, err := provider.ActiveRegions(ctx, sess); err != nil {
			result.AWS.Error = err.Error()
		} else {
			result.AWS.RegionsOK = true
		}
	}

	if configPath == "" {
		configPath = config.DefaultPath()
	}
	result.Config.Path = configPath
	if _, err := os.Stat(configPath); err == nil {
		result.Config.Present = true
	}

	// Rules: list → read → validate. An empty rules root is not an error.
	result.Rules.Root = store.Root()
	result.Rules.Valid = true
	names, err := store.List()
	if err == nil {
		result.Rules.Present = len(names) > 0
		result.Rules.Count = len(names)
		if err := descriptor.CheckIdentifierCollisions(names); err != nil {
			result.Rules.Errors = append(result.Rules.Errors, err.Error())
		}
		for _, name := range names {
			d, err := store.Read(name)
			if err == nil {
				err = descriptor.Validate(d, descriptor.ValidateOptions{})
			}
			if err != nil {
				result.Rules.Errors = append(result.Rules.Errors, err.Error())
			}
		}
		result.Rules.Valid = len(result.Rules.Errors) == 0
	}

	result.OverallHealthy = result.AWS.Credentials &&
		result.AWS.RegionsOK &&
		result.Rules.Valid
	return result
}

// renderDoctorTable writes the human-readable diagnostic output from result to w.
func renderDoctorTable(result DoctorResult, w io.Writer) {
	fmt.Fprintln(w, "Environment Diagnostics")

	if result.AWS.Profile != "" {
		fmt.Fprintf(w, "\nAWS (profile: %s):\n", result.AWS.Profile)
	} else {
		fmt.Fprintln(w, "\nAWS:")
	}
	if !result.AWS.Credentials {
		doctorPrint(w, "Credentials", "FAIL", result.AWS.Error)
		doctorPrint(w, "STS Identity", "FAIL", "skipped")
		doctorPrint(w, "Regions API", "FAIL", "skipped")
	} else {
		doctorPrint(w, "Credentials", "OK", "")
		doctorPrint(w, "STS Identity", "OK", fmt.Sprintf("Account: %s, Partition: %s", result.AWS.AccountID, result.AWS.Partition))
		doctorPrint(w, "Home Region", "OK", result.AWS.Region)
		if result.AWS.RegionsOK {
			doctorPrint(w, "Regions API", "OK", "")
		} else {
			doctorPrint(w, "Regions API", "FAIL", result.AWS.Error)
		}
	}

	fmt.Fprintln(w, "\nConfig:")
	if result.Config.Present {
		doctorPrint(w, "Config file", "YES", result.Config.Path)
	} else {
		doctorPrint(w, "Config file", "Not found (optional)", result.Config.Path)
	}

	fmt.Fprintf(w, "\nRules (root: %s):\n", result.Rules.Root)
	if !result.Rules.Present {
		doctorPrint(w, "Rule directories", "None found", "")
		return
	}
	doctorPrint(w, "Rule directories", "YES", fmt.Sprintf("%d rules", result.Rules.Count))
	if result.Rules.Valid {
		doctorPrint(w, "Descriptors valid", "OK", "")
		return
	}
	for _, e := range result.Rules.Errors {
		doctorPrint(w, "Descriptors valid", "FAIL", e)
	}
}

// doctorPrint writes a single diagnostic check line to w.
// When detail is non-empty it is appended in parentheses.
func doctorPrint(w io.Writer, label, status, detail string) {
	if detail != "" {
		fmt.Fprintf(w, "  %s: %s (%s)\n", label, status, detail)
	} else {
		fmt.Fprintf(w, "  %s: %s\n", label, status)
	}
}
