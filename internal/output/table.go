package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pankaj-dahiya-devops/ruledeploy/internal/models"
)

// ANSI color codes for outcome output (used when Colored=true).
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[0;31m"
	ansiGreen  = "\033[0;32m"
	ansiYellow = "\033[0;33m"
	ansiBlue   = "\033[0;34m"
)

// TableOptions controls which columns RenderTable renders and how outcomes are coloured.
type TableOptions struct {
	// Colored wraps outcome labels with ANSI codes. Default false (CI-safe).
	Colored bool

	// IncludeRule adds a RULE column, useful when stack names differ from
	// rule names.
	IncludeRule bool

	// IncludeDuration adds a DURATION column.
	IncludeDuration bool
}

func outcomeColor(o models.Outcome) string {
	switch o {
	case models.OutcomeFailed:
		return ansiRed
	case models.OutcomeCreated, models.OutcomeUpdated, models.OutcomeRecreated, models.OutcomeDeleted:
		return ansiGreen
	case models.OutcomeNoOp:
		return ansiBlue
	case models.OutcomeSkipped:
		return ansiYellow
	}
	return ""
}

// ColorOutcome wraps an outcome with ANSI codes when colored is true.
// When colored is false the string is returned unchanged (CI-safe default).
func ColorOutcome(o models.Outcome, colored bool) string {
	code := outcomeColor(o)
	if !colored || code == "" {
		return string(o)
	}
	return code + string(o) + ansiReset
}

// ShortenMessage truncates msg to at most max runes, appending "..." when truncated.
// max is treated as at least 4 to guarantee space for the ellipsis.
func ShortenMessage(msg string, max int) string {
	if max < 4 {
		max = 4
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-3]) + "..."
}

// outcomeCell returns the outcome padded to width characters.
// When colored, ANSI codes wrap only the text; trailing padding spaces are plain
// so subsequent columns stay aligned.
func outcomeCell(o models.Outcome, width int, colored bool) string {
	text := string(o)
	code := outcomeColor(o)
	if !colored || code == "" {
		return fmt.Sprintf("%-*s", width, text)
	}
	spaces := width - len(text)
	if spaces < 0 {
		spaces = 0
	}
	return code + text + ansiReset + strings.Repeat(" ", spaces)
}

// truncateField shortens s to at most max bytes for name columns.
func truncateField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "~"
}

// RenderTable writes one row per convergence result to w, region by region.
// Regions that aborted are listed after the table with their error.
//
// Column order:
//
//	STACK  [RULE]  REGION  OUTCOME  STATUS  [DURATION]  REASON
func RenderTable(w io.Writer, reports []models.RegionReport, opts TableOptions) {
	var results []models.ConvergenceResult
	for _, r := range reports {
		results = append(results, r.Results...)
	}

	if len(results) == 0 {
		fmt.Fprintln(w, "No stacks processed.")
	} else {
		const (
			wStack    = 34
			wRule     = 30
			wRegion   = 15
			wOutcome  = 22
			wStatus   = 20
			wDuration = 9
			wReason   = 60
		)

		var hb strings.Builder
		hb.WriteString(fmt.Sprintf("%-*s", wStack, "STACK"))
		if opts.IncludeRule {
			hb.WriteString(fmt.Sprintf("  %-*s", wRule, "RULE"))
		}
		hb.WriteString(fmt.Sprintf("  %-*s", wRegion, "REGION"))
		hb.WriteString(fmt.Sprintf("  %-*s", wOutcome, "OUTCOME"))
		hb.WriteString(fmt.Sprintf("  %-*s", wStatus, "STATUS"))
		if opts.IncludeDuration {
			hb.WriteString(fmt.Sprintf("  %-*s", wDuration, "DURATION"))
		}
		hb.WriteString("  REASON")
		header := hb.String()

		fmt.Fprintln(w, header)
		fmt.Fprintln(w, strings.Repeat("-", len(header)))

		for _, res := range results {
			var rb strings.Builder
			rb.WriteString(fmt.Sprintf("%-*s", wStack, truncateField(res.StackName, wStack)))
			if opts.IncludeRule {
				rb.WriteString(fmt.Sprintf("  %-*s", wRule, truncateField(res.Rule, wRule)))
			}
			rb.WriteString(fmt.Sprintf("  %-*s", wRegion, truncateField(res.Region, wRegion)))
			rb.WriteString("  " + outcomeCell(res.Outcome, wOutcome, opts.Colored))
			rb.WriteString(fmt.Sprintf("  %-*s", wStatus, truncateField(res.Status, wStatus)))
			if opts.IncludeDuration {
				rb.WriteString(fmt.Sprintf("  %-*s", wDuration, res.Duration.Round(time.Second)))
			}
			rb.WriteString("  " + ShortenMessage(res.Reason, wReason))
			fmt.Fprintln(w, strings.TrimRight(rb.String(), " "))
		}
	}

	for _, r := range reports {
		if r.Err != nil {
			fmt.Fprintf(w, "region %s: %s\n", r.Region, ColorOutcome(models.OutcomeFailed, opts.Colored)+": "+r.Err.Error())
		}
	}
}

// Summary counts outcomes across reports.
type Summary struct {
	Regions       int                    `json:"regions"`
	FailedRegions int                    `json:"failed_regions"`
	Outcomes      map[models.Outcome]int `json:"outcomes"`
}

// Summarize aggregates reports.
func Summarize(reports []models.RegionReport) Summary {
	s := Summary{Regions: len(reports), Outcomes: map[models.Outcome]int{}}
	for _, r := range reports {
		if r.Failed() {
			s.FailedRegions++
		}
		for _, res := range r.Results {
			s.Outcomes[res.Outcome]++
		}
	}
	return s
}

// summaryOrder fixes the order outcomes are printed in.
var summaryOrder = []models.Outcome{
	models.OutcomeCreated,
	models.OutcomeRecreated,
	models.OutcomeUpdated,
	models.OutcomeNoOp,
	models.OutcomeDeleted,
	models.OutcomeSkipped,
	models.OutcomeFailed,
}

// RenderSummary writes a one-line summary such as
// "2 regions, 1 failed: CREATED=3 FAILED=1".
func RenderSummary(w io.Writer, reports []models.RegionReport) {
	s := Summarize(reports)
	var parts []string
	for _, o := range summaryOrder {
		if n := s.Outcomes[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", o, n))
		}
	}
	noun := "regions"
	if s.Regions == 1 {
		noun = "region"
	}
	line := fmt.Sprintf("%d %s, %d failed", s.Regions, noun, s.FailedRegions)
	if len(parts) > 0 {
		line += ": " + strings.Join(parts, " ")
	}
	fmt.Fprintln(w, line)
}

// RenderJSON writes reports and their summary as indented JSON.
func RenderJSON(w io.Writer, reports []models.RegionReport) error {
	doc := struct {
		Summary Summary               `json:"summary"`
		Regions []models.RegionReport `json:"regions"`
	}{Summarize(reports), reports}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
