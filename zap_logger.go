package resilience

import "go.uber.org/zap"

// ZapLogger adapts a zap logger to the core's Logger interface.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an existing *zap.Logger. The caller keeps ownership and
// is responsible for syncing it on shutdown.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: l.Sugar()}
}

// NewDevelopmentZapLogger builds a zap development logger, handy for local
// debugging of retry and circuit behavior.
func NewDevelopmentZapLogger() (*ZapLogger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(l), nil
}

func (z *ZapLogger) Debug(msg string, kv ...any) { z.sugar.Debugw(msg, kv...) }
func (z *ZapLogger) Info(msg string, kv ...any)  { z.sugar.Infow(msg, kv...) }
func (z *ZapLogger) Warn(msg string, kv ...any)  { z.sugar.Warnw(msg, kv...) }
func (z *ZapLogger) Error(msg string, kv ...any) { z.sugar.Errorw(msg, kv...) }
