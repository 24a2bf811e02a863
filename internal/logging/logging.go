// Package logging wires up the session's rotating per-level log files,
// mirroring the original stm32_uart_prog loggers.py layout: one rotating
// file per level under ./logs, each capped at 10MiB with 2 backups.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMiB  = 10
	maxBackups  = 2
	logsDirName = "logs"
)

// levelWriter forwards only entries matching its bound level to the
// underlying writer, the Go analogue of loggers.py's LevelFilter.
type levelWriter struct {
	level logrus.Level
	out   io.Writer
}

func (w *levelWriter) Fire(e *logrus.Entry) error {
	if e.Level != w.level {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w.out, line)
	return err
}

func (w *levelWriter) Levels() []logrus.Level {
	return logrus.AllLevels
}

// New builds a logger whose level is threshold and which fans entries
// out to logs/{error,warning,info,debug}.log, each level getting its own
// rotating file so operators can tail just the severity they care about.
func New(threshold logrus.Level) (*logrus.Logger, error) {
	logDir := filepath.Join(".", logsDirName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(threshold)
	logger.SetOutput(io.Discard) // hooks do the actual writing
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "02-01-2006 15:04:05.000",
	})

	levels := []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel}
	names := []string{"error", "warning", "info", "debug"}
	for i, lvl := range levels {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, names[i]+".log"),
			MaxSize:    maxSizeMiB,
			MaxBackups: maxBackups,
			Compress:   false,
		}
		logger.AddHook(&levelWriter{level: lvl, out: rotator})
	}
	return logger, nil
}

// ParseLevel maps the --loglvl CLI values onto logrus levels, defaulting
// to Info when the string is empty, as loggers.py's set_level does.
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	switch s {
	case "NOTSET":
		return logrus.TraceLevel, nil
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "INFO":
		return logrus.InfoLevel, nil
	case "WARNING":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	case "CRITICAL":
		return logrus.FatalLevel, nil
	default:
		return 0, fmt.Errorf("logging: wrong level %q", s)
	}
}
