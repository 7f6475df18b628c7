package logger

import (
	"os"

	"ibamex-backend/internal/config"

	"github.com/sirupsen/logrus"
)

// New builds the process logger and installs the same settings on the
// logrus standard logger so package-level log calls match.
func New(cfg config.LogConfig) *logrus.Logger {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if cfg.Format == "json" {
		formatter = &logrus.JSONFormatter{}
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(level)
	logger.SetFormatter(formatter)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter)

	return logger
}
