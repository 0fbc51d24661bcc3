package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunLogger writes a run's log lines both to the console and to the log file
// kept with the run outputs.
type RunLogger struct {
	zerolog.Logger

	file *os.File
}

// NewRunLogger opens logFile for appending and builds a logger at the level
// of the global logger. Console output follows TP_LOG_FORMAT like the global
// logger does.
func NewRunLogger(logFile string, console io.Writer) (*RunLogger, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	if console == nil {
		console = os.Stdout
	}
	if os.Getenv("TP_LOG_FORMAT") != "JSON" {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(console, file)).
		Level(log.Logger.GetLevel()).
		With().
		Timestamp().
		Logger()

	return &RunLogger{Logger: logger, file: file}, nil
}

func (l *RunLogger) Close() error {
	if l.file == nil {
		return nil
	}

	return l.file.Close()
}
