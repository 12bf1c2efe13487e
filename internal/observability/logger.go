package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initOnce     sync.Once
)

// InitLogger initializes the global structured logger. Logs go to stderr so
// the CLI can keep stdout for transcript text.
func InitLogger(level string, pretty bool) {
	InitLoggerWithWriter(level, pretty, os.Stderr)
}

// InitLoggerWithWriter initializes the global logger on a custom writer
func InitLoggerWithWriter(level string, pretty bool, out io.Writer) {
	initOnce.Do(func() {
		logLevel, err := zerolog.ParseLevel(level)
		if err != nil || level == "" {
			logLevel = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(logLevel)

		if pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		globalLogger = zerolog.New(out).With().Timestamp().Logger()
		log.Logger = globalLogger
	})
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	InitLogger("info", false)
	return globalLogger
}

// Component returns a logger tagged with a component name
func Component(name string) zerolog.Logger {
	return GetLogger().With().Str("component", name).Logger()
}

// WithCorrelationID creates a logger with a correlation ID
func WithCorrelationID(correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return GetLogger().With().Str("correlation_id", correlationID).Logger()
}

// WithSession creates a logger for one recording session
func WithSession(sessionID, entityID string) zerolog.Logger {
	return WithCorrelationID(sessionID).With().
		Str("session_id", sessionID).
		Str("entity_id", entityID).
		Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
