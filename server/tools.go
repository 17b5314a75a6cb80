package tessitura

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// FillEnvVar returns the value of a runtime Environment Variable,
// or fallback when it is unset or empty
func FillEnvVar(ev, fallback string) string {
	value := os.Getenv(ev)
	if value == "" {
		value = fallback
	}
	return value
}

// ParseLogLevel maps debug, info, warn and error to a slog.Level
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", name, err)
	}
	return level, nil
}
