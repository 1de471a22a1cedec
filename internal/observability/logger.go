// Package observability holds the process-wide loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger used by commands. It writes to stderr so command
// output on stdout stays machine-readable.
var CLILogger = mustLogger("info", ProfileConsole)

// NewLogger builds a stderr logger for the given level and profile.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log profile %q (want %s or %s)", profile, ProfileStructured, ProfileConsole)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// FileOutput mirrors log entries into a size-rotated JSON file. A zero
// value disables it.
type FileOutput struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLoggerWithFile is NewLogger plus a rotated JSON file sink. The
// returned close function flushes and closes the file.
func NewLoggerWithFile(level, profile string, out FileOutput) (*zap.Logger, func() error, error) {
	base, err := NewLogger(level, profile)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(out.Path) == "" {
		return base, base.Sync, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   out.Path,
		MaxSize:    out.MaxSizeMB,
		MaxBackups: out.MaxBackups,
		MaxAge:     out.MaxAgeDays,
		Compress:   true,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	lvl, _ := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), lvl)

	l := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	closeFn := func() error {
		_ = l.Sync()
		return rotator.Close()
	}
	return l, closeFn, nil
}

// InitCLILogger replaces CLILogger. On error CLILogger is left unchanged.
func InitCLILogger(level, profile string) error {
	l, err := NewLogger(level, profile)
	if err != nil {
		return err
	}
	CLILogger = l
	return nil
}

func mustLogger(level, profile string) *zap.Logger {
	l, err := NewLogger(level, profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return zap.NewNop()
	}
	return l
}
