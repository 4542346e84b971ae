// Package observability builds the logger and metrics the client reports
// through.
package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"git.sr.ht/~jakintosh/authsession/pkg/events"
)

// NewLogger builds a JSON logger at level ("debug", "info", "warn", "error").
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Token logs a short fingerprint of a credential instead of its value.
func Token(key string, token string) zap.Field {
	if token == "" {
		return zap.String(key, "")
	}
	sum := sha256.Sum256([]byte(token))
	return zap.String(key, "sha256:"+hex.EncodeToString(sum[:6]))
}

// LogEvents writes every event on bus to logger and returns a func that
// stops it.
func LogEvents(bus *events.Bus, logger *zap.Logger) (stop func()) {
	if logger == nil {
		return func() {}
	}
	return bus.SubscribeAll(func(e events.Event) {
		switch p := e.Payload.(type) {
		case events.SessionChangedPayload:
			logger.Info("session changed", zap.String("action", string(p.Action)), zap.Any("userID", p.User["id"]))
		case events.SessionExpiringPayload:
			logger.Warn("session expiring", zap.String("message", p.Message))
		case events.UserUpdatedPayload:
			logger.Debug("user updated", zap.Any("userID", p.User["id"]))
		case events.SessionInvalidatedPayload:
			logger.Warn("session invalidated", zap.String("target", p.Target), zap.Int("status", p.Status))
		case events.RequestFailurePayload:
			level := zap.InfoLevel
			if e.Name == events.ServerError {
				level = zap.ErrorLevel
			}
			logger.Log(level, "request failed",
				zap.String("event", string(e.Name)),
				zap.String("context", p.Context),
				zap.Int("status", p.Status),
			)
		default:
			logger.Debug("event", zap.String("event", string(e.Name)))
		}
	})
}
