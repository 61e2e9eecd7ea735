package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logging struct {
	Level string
	File  string
}

// Build returns a production JSON logger writing to stderr and, when set,
// to File.
func (l Logging) Build() (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if l.Level == "debug" {
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	if l.File != "" {
		if err := os.MkdirAll(filepath.Dir(l.File), 0755); err != nil {
			return nil, errors.Wrap(err, "create log directory")
		}
		logConfig.OutputPaths = append(logConfig.OutputPaths, l.File)
	}
	return logConfig.Build()
}
