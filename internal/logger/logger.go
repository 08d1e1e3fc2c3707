package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init initializes the global logger
func Init(level string) {
	InitWithWriter(level, os.Stdout)
}

// InitWithWriter initializes the global logger writing to out. Pretty console
// output is used when ENV=development.
func InitWithWriter(level string, out io.Writer) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	output := out
	if os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

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

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithDevice returns a component logger scoped to one device
func WithDevice(component, deviceID string) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("device_id", deviceID).
		Logger()
}
