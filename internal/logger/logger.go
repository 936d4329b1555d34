package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	log     = zerolog.Nop()
	rotator *lumberjack.Logger
)

// InitLogging sets up the process logger. When logPath is non-empty, output
// goes to both stderr and a size-rotated file; otherwise stderr only.
func InitLogging(debugMode bool, logPath string) error {
	level := zerolog.InfoLevel
	if debugMode {
		level = zerolog.DebugLevel
	}

	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	var output io.Writer = console

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		rotator = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			LocalTime:  true,
		}

		output = io.MultiWriter(console, rotator)
	}

	log = zerolog.New(output).Level(level).With().Timestamp().Logger()

	return nil
}

// Close closes the log file if open.
func Close() {
	if rotator != nil {
		rotator.Close()
	}
}

func Debugf(format string, v ...any) {
	log.Debug().Msgf(format, v...)
}

func Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}
