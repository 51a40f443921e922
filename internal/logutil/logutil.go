package logutil

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string `json:"level"`
	// File is a path to a rotated log file; empty logs to stderr.
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	JSON       bool   `json:"json"`
}

func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 50
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 3
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 28
	}
}

// New builds a logger from c. The returned func flushes and closes the
// rotating file, if any.
func New(c Config) (*zap.Logger, func(), error) {
	c.SetDefaults()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, nil, fmt.Errorf("logutil: level %q: %w", c.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)
	if c.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	var (
		sink  zapcore.WriteSyncer
		closeFile = func() {}
	)
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   true,
		}
		sink = zapcore.AddSync(lj)
		closeFile = func() { _ = lj.Close() }
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	lg := zap.New(zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(lvl)), zap.AddCaller())
	return lg, func() {
		_ = lg.Sync()
		closeFile()
	}, nil
}
