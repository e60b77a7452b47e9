// Package logutil builds the zap logger used by the server and demo.
package logutil

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls level, encoding and file rotation. An empty Filename
// logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max-size"`
	MaxDays    int    `yaml:"max-days"`
	MaxBackups int    `yaml:"max-backups"`
}

// DefaultConfig logs info and above to stderr as console text.
func DefaultConfig() LogConfig {
	return LogConfig{Level: "info", Format: "console", MaxSize: 512}
}

func (cfg *LogConfig) getLevel() (zap.AtomicLevel, error) {
	if cfg.Level == "" {
		return zap.NewAtomicLevelAt(zap.InfoLevel), nil
	}
	lvl, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return lvl, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	return lvl, nil
}

func (cfg *LogConfig) getEncoder() (zapcore.Encoder, error) {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	switch cfg.Format {
	case "", "console":
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	case "json":
		return zapcore.NewJSONEncoder(ec), nil
	}
	return nil, fmt.Errorf("log format %q: want console or json", cfg.Format)
}

func (cfg *LogConfig) getSyncer() zapcore.WriteSyncer {
	if cfg.Filename == "" {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxDays,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	})
}

func (cfg *LogConfig) getOptions() []zap.Option {
	return []zap.Option{zap.AddStacktrace(zapcore.FatalLevel), zap.AddCaller()}
}

// Build returns a logger for cfg.
func (cfg *LogConfig) Build() (*zap.Logger, error) {
	lvl, err := cfg.getLevel()
	if err != nil {
		return nil, err
	}
	enc, err := cfg.getEncoder()
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, cfg.getSyncer(), lvl)
	return zap.New(core, cfg.getOptions()...), nil
}
