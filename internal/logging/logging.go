// Package logging builds the process logger and attaches it to contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel converts a level name to a zerolog level. An empty name is info.
func ParseLevel(name string) (zerolog.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level %q: %w", name, err)
	}
	return lvl, nil
}

// New returns a root logger writing to w. console selects the human-readable
// writer; otherwise records are JSON lines.
func New(w io.Writer, level zerolog.Level, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ForRegion returns ctx carrying a child logger with region and account fields.
func ForRegion(ctx context.Context, region, account string) context.Context {
	l := zerolog.Ctx(ctx).With().Str("region", region).Str("account", account).Logger()
	return l.WithContext(ctx)
}

// ForRule returns ctx carrying a child logger with rule and stack fields.
func ForRule(ctx context.Context, rule, stack string) context.Context {
	l := zerolog.Ctx(ctx).With().Str("rule", rule).Str("stack", stack).Logger()
	return l.WithContext(ctx)
}
