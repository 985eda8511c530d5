// Package logger builds the process's zap loggers from a JSON config file:
// rotating JSON file sinks behind an async batching core, optional console
// output, and a sanitizing core that masks credential fields.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func build(name string, cfg *Config) (*zap.Logger, error) {
	applyDefaults(cfg)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        cfg.Encoding.TimeKey,
		LevelKey:       cfg.Encoding.LevelKey,
		NameKey:        cfg.Encoding.NameKey,
		CallerKey:      cfg.Encoding.CallerKey,
		MessageKey:     cfg.Encoding.MessageKey,
		StacktraceKey:  cfg.Encoding.StacktraceKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    levelEncoder(cfg.Encoding.LevelEncoder),
		EncodeTime:     timeEncoder(cfg.Encoding.TimeEncoder),
		EncodeDuration: durationEncoder(cfg.Encoding.DurationEncoder),
		EncodeCaller:   callerEncoder(cfg.Encoding.CallerEncoder),
	}

	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var cores []zapcore.Core
	if cfg.Development || cfg.LogToConsole {
		consoleEncoderConfig := encoderConfig
		consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleCore := zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEncoderConfig),
			zapcore.Lock(os.Stdout),
			level,
		)
		cores = append(cores, consoleCore)
	}

	for _, path := range cfg.OutputPaths {
		if path == "stdout" || path == "stderr" {
			continue
		}

		var ws zapcore.WriteSyncer
		if cfg.LogRotation.Enabled {
			ws = zapcore.AddSync(&lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.LogRotation.MaxSizeMB,
				MaxBackups: cfg.LogRotation.MaxBackups,
				MaxAge:     cfg.LogRotation.MaxAgeDays,
				Compress:   cfg.LogRotation.Compress,
			})
		} else {
			file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("opening log file %q: %w", path, err)
			}
			ws = zapcore.AddSync(file)
		}

		fileCore := zapcore.NewCore(jsonEncoder, ws, level)
		cores = append(cores, NewAsyncCore(fileCore, 1000, 100, 500*time.Millisecond))
	}

	combined := zapcore.NewTee(cores...)
	if len(cfg.Sanitization.SensitiveFields) > 0 {
		combined = NewSanitizerCore(combined, cfg.Sanitization.SensitiveFields, cfg.Sanitization.Mask)
	}

	return zap.New(combined,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	).Named(name), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func levelEncoder(name string) zapcore.LevelEncoder {
	switch strings.ToLower(name) {
	case "uppercase", "capital":
		return zapcore.CapitalLevelEncoder
	default:
		return zapcore.LowercaseLevelEncoder
	}
}

func timeEncoder(name string) zapcore.TimeEncoder {
	switch strings.ToLower(name) {
	case "epoch":
		return zapcore.EpochTimeEncoder
	case "millis":
		return zapcore.EpochMillisTimeEncoder
	case "nanos":
		return zapcore.EpochNanosTimeEncoder
	default:
		return zapcore.ISO8601TimeEncoder
	}
}

func durationEncoder(name string) zapcore.DurationEncoder {
	switch strings.ToLower(name) {
	case "seconds":
		return zapcore.SecondsDurationEncoder
	case "millis":
		return zapcore.MillisDurationEncoder
	case "nanos":
		return zapcore.NanosDurationEncoder
	default:
		return zapcore.StringDurationEncoder
	}
}

func callerEncoder(name string) zapcore.CallerEncoder {
	if strings.ToLower(name) == "full" {
		return zapcore.FullCallerEncoder
	}
	return zapcore.ShortCallerEncoder
}
