// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // console or json
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05.000"))
}

// ParseLevel maps a level name to a zap level. An empty name is info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger from cfg. Console output is for humans, json for
// collectors.
func New(cfg Config) (*zap.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	enc := zap.NewProductionEncoderConfig()
	enc.StacktraceKey = ""

	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zc.Encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc.EncodeTime = timeEncoder
		enc.EncodeCaller = zapcore.ShortCallerEncoder
	case "json":
		zc.Encoding = "json"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.EncoderConfig = enc

	return zc.Build()
}
