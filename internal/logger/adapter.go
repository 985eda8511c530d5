package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapWriter adapts a zap logger to io.Writer so stdlib components that
// want a *log.Logger (http.Server.ErrorLog) land in structured output.
type ZapWriter struct {
	logger *zap.Logger
	level  zapcore.Level
}

func NewZapWriter(logger *zap.Logger, level zapcore.Level) *ZapWriter {
	return &ZapWriter{logger: logger, level: level}
}

func (w *ZapWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}

	switch w.level {
	case zapcore.DebugLevel:
		w.logger.Debug(msg)
	case zapcore.WarnLevel:
		w.logger.Warn(msg)
	case zapcore.ErrorLevel:
		w.logger.Error(msg)
	default:
		w.logger.Info(msg)
	}
	return len(p), nil
}
