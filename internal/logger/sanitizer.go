package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SanitizerCore masks values of sensitive fields before they reach the
// wrapped core. Matching is case-insensitive on the field key.
type SanitizerCore struct {
	zapcore.Core
	sensitive []string
	mask      string
}

func NewSanitizerCore(core zapcore.Core, sensitive []string, mask string) *SanitizerCore {
	if mask == "" {
		mask = "****"
	}
	return &SanitizerCore{Core: core, sensitive: sensitive, mask: mask}
}

func (s *SanitizerCore) With(fields []zapcore.Field) zapcore.Core {
	return &SanitizerCore{
		Core:      s.Core.With(s.sanitize(fields)),
		sensitive: s.sensitive,
		mask:      s.mask,
	}
}

func (s *SanitizerCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return ce.AddCore(entry, s)
	}
	return ce
}

func (s *SanitizerCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return s.Core.Write(entry, s.sanitize(fields))
}

func (s *SanitizerCore) Sync() error {
	return s.Core.Sync()
}

func (s *SanitizerCore) sanitize(fields []zapcore.Field) []zapcore.Field {
	masked := make([]zapcore.Field, len(fields))
	copy(masked, fields)

	for i, field := range masked {
		for _, name := range s.sensitive {
			if strings.EqualFold(field.Key, name) {
				masked[i] = zap.String(field.Key, s.mask)
				break
			}
		}
	}
	return masked
}
