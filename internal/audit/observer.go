package audit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConsoleMirror returns an observer that echoes appended entries to the application log.
func ConsoleMirror(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("audit")
	return func(e Entry) {
		fields := []zap.Field{
			zap.Uint64("seq", e.Seq),
			zap.String("id", e.ID),
			zap.String("action", e.Action),
			zap.String("level", string(e.Level)),
			zap.Time("timestamp", e.Timestamp),
		}
		if e.Actor != "" {
			fields = append(fields, zap.String("actor", e.Actor))
		}
		if e.Origin != "" {
			fields = append(fields, zap.String("origin", e.Origin))
		}
		if ce := logger.Check(zapLevel(e.Level), e.Description); ce != nil {
			ce.Write(fields...)
		}
	}
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarning, LevelSecurity:
		return zapcore.WarnLevel
	case LevelError, LevelCritical:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}
