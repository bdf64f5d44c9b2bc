// Package logging builds the gateway's zap.Logger, the same structured
// logging library the teacher codebase (BuiLeQuocHung-E2EEChat) uses
// throughout its server and client. Log files, when configured, roll via
// lumberjack — the standard zap companion for size/age-bounded rotation;
// no example in the retrieval pack wires log rotation, so this pairing is
// an out-of-pack ecosystem addition (see DESIGN.md).
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	Verbose bool
	LogDir  string
}

// New builds a zap.Logger per opts. Verbose selects a console-encoded,
// debug-level development logger; otherwise the gateway logs JSON at INFO,
// the shape operators feed into log aggregation.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	if opts.Verbose {
		level = zapcore.DebugLevel
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if opts.LogDir != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogDir + "/phbgateway.log",
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		sinks = append(sinks, zapcore.AddSync(rotator))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core, zap.AddCaller()), nil
}

// MustNew is like New but panics on error, for use where construction
// failure is unrecoverable (there isn't one today, since New cannot fail,
// but this keeps the call site symmetric with other Must-prefixed
// constructors in the codebase).
func MustNew(opts Options) *zap.Logger {
	log, err := New(opts)
	if err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return log
}
