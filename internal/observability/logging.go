package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a structured JSON logger tagged with the component name.
// The level comes from LEDGER_LOG_LEVEL (zerolog level names); unset or
// unparsable values fall back to info.
func NewLogger(component string) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(levelFromEnv()).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func levelFromEnv() zerolog.Level {
	raw := os.Getenv("LEDGER_LOG_LEVEL")
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
