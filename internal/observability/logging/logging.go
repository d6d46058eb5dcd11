package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger. level is debug, info, warn or error (default info);
// format is json or console (default json).
func New(level, format, service string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		zapLevel = zapcore.InfoLevel
	}

	var config zap.Config
	if strings.EqualFold(format, "console") {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	if service != "" {
		logger = logger.With(zap.String("service_name", service))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		logger = logger.With(zap.String("hostname", hostname))
	}
	return logger, nil
}
