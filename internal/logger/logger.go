package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

// Init configures the package-level logger. Pretty output is meant for
// local runs; production emits raw JSON lines.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log = zerolog.New(output).
		With().
		Timestamp().
		Logger()
}

func Get() *zerolog.Logger {
	return &log
}

func WithComponent(component string) *zerolog.Logger {
	l := log.With().Str("component", component).Logger()
	return &l
}

func WithTask(taskID string) *zerolog.Logger {
	l := log.With().Str("task_id", taskID).Logger()
	return &l
}

func WithWorker(workerID string) *zerolog.Logger {
	l := log.With().Str("worker_id", workerID).Logger()
	return &l
}

func WithHandler(handlerID string) *zerolog.Logger {
	l := log.With().Str("handler_id", handlerID).Logger()
	return &l
}

// Convenience forwarders
func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
