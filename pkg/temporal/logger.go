package temporal

import "go.uber.org/zap"

// ZapAdapter routes Temporal SDK logs into zap.
type ZapAdapter struct{ *zap.SugaredLogger }

// NewZapAdapter wraps logger. The SDK passes alternating key/value pairs, hence the sugared form.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{logger.With(zap.String("component", "temporal")).Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.Errorw(msg, keyvals...) }
