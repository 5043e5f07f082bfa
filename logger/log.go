// Package logger is the process-wide log sink for the client: daemon NEXT
// lines and CLI status are reported through it. Activity events are not —
// those go to the caller's ActivityLogger.
package logger

import (
	"strings"
	"sync"

	"github.com/BK1603/nix/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var mu sync.Mutex
var log = build(zapcore.InfoLevel, "console")

type Config struct {
	Format string `help:"Format to write log lines in" enum:"console,json" default:"console"`
	Level  string `help:"Lowest log level that will be emitted" enum:"debug,info,warn,error" default:"info"`
}

func (cfg *Config) Configure() error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		return common.NewStoreErrorf(common.InvalidConfiguration, "unknown log-level '%s'", cfg.Level)
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format != "console" && format != "json" {
		return common.NewStoreErrorf(common.InvalidConfiguration, "log-format must be one of 'console' or 'json', got '%s'", cfg.Format)
	}
	mu.Lock()
	log = build(level, format)
	mu.Unlock()
	return nil
}

func build(level zapcore.Level, encoding string) *zap.SugaredLogger {
	conf := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			MessageKey:     "msg",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     true,
		DisableStacktrace: true,
	}
	l, _ := conf.Build()
	return l.Sugar()
}

func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}
