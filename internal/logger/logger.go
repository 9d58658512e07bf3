package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. It discards everything until Init
	// is called, which keeps package tests quiet.
	Logger = zerolog.Nop()
)

// Init initializes the global logger
func Init(level string) {
	InitWithWriter(level, nil)
}

// InitWithWriter initializes the global logger writing to w. A nil writer
// selects stdout, or a console writer when ENV=development.
func InitWithWriter(level string, w io.Writer) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output
	var output io.Writer = os.Stdout
	if w != nil {
		output = w
	} else if os.Getenv("ENV") == "development" {
		// Pretty console logging in development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger with context
	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithStream returns a component logger bound to a logical stream
func WithStream(component, streamID string) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("stream_id", streamID).
		Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}
