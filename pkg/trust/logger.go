package trust

import (
	"context"
	"log/slog"
	"time"
)

// EventLogger provides structured logging for trust policy events. It only
// reports; every failure it logs is also returned to the caller.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates a new event logger
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventLogger{
		logger: logger.With("component", "trust"),
	}
}

// LogPolicyApplied logs a published policy change
func (l *EventLogger) LogPolicyApplied(ctx context.Context, previous, current Policy, factory *ConnectionFactory) {
	level := slog.LevelInfo
	message := "Trust policy applied"
	if current.Kind == KindEveryone {
		level = slog.LevelWarn
		message = "Trust policy applied: certificate and hostname verification DISABLED"
	}

	attrs := []slog.Attr{
		slog.String("event", "policy_applied"),
		slog.String("previous_policy", previous.Kind.String()),
		slog.String("policy", current.Kind.String()),
		slog.String("factory_id", factory.ID()),
	}
	attrs = append(attrs, certificateAttrs(current.Certificate)...)

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogPolicyUnchanged logs a request that matched the effective policy
func (l *EventLogger) LogPolicyUnchanged(ctx context.Context, current Policy) {
	attrs := []slog.Attr{
		slog.String("event", "policy_unchanged"),
		slog.String("policy", current.Kind.String()),
	}
	attrs = append(attrs, certificateAttrs(current.Certificate)...)

	l.logger.LogAttrs(ctx, slog.LevelDebug, "Trust policy already in effect", attrs...)
}

// LogPolicyRejected logs a policy change that failed before publication
func (l *EventLogger) LogPolicyRejected(ctx context.Context, requested Kind, err error) {
	l.logger.LogAttrs(ctx, slog.LevelError, "Trust policy change failed",
		slog.String("event", "policy_rejected"),
		slog.String("policy", requested.String()),
		slog.String("error_kind", string(KindOf(err))),
		slog.String("error", err.Error()),
	)
}

// LogKnownServiceExpiry warns that the known-service certificate is close to expiry
func (l *EventLogger) LogKnownServiceExpiry(ctx context.Context, cert *Certificate) {
	attrs := []slog.Attr{
		slog.String("event", "known_service_expiry"),
		slog.String("expires_in", time.Until(cert.NotAfter()).Round(time.Second).String()),
	}
	attrs = append(attrs, certificateAttrs(cert)...)

	l.logger.LogAttrs(ctx, slog.LevelWarn, "Known service certificate expires soon", attrs...)
}

func certificateAttrs(cert *Certificate) []slog.Attr {
	if cert == nil {
		return nil
	}
	return []slog.Attr{
		slog.String("identity", cert.Identity()),
		slog.String("subject", cert.Subject()),
		slog.String("serial_number", cert.SerialNumber().String()),
		slog.Time("not_after", cert.NotAfter()),
	}
}
