package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/novabridge/novabridge-backend/internal/metrics"
	"go.uber.org/zap"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is the payload delivered to operators when a bridge component needs
// human attention. ActionRequired distinguishes pages from informational
// notices.
type Alert struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	ActionRequired bool           `json:"actionRequired"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Sink receives operator alerts. Implementations must not block the caller
// for long; engines trigger alerts from their scheduler goroutines.
type Sink interface {
	Trigger(ctx context.Context, alert Alert)
}

// New builds an alert with a fresh id and timestamp.
func New(alertType string, severity Severity, message string, details map[string]any, actionRequired bool) Alert {
	return Alert{
		ID:             uuid.NewString(),
		Type:           alertType,
		Severity:       severity,
		Message:        message,
		Details:        details,
		ActionRequired: actionRequired,
		CreatedAt:      time.Now(),
	}
}

// LogSink writes alerts to the process log and bumps the alert counter. It is
// the default sink; deployments wire a pager integration behind the same
// interface.
type LogSink struct {
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewLogSink(logger *zap.SugaredLogger, m *metrics.Metrics) *LogSink {
	return &LogSink{logger: logger, metrics: m}
}

func (s *LogSink) Trigger(ctx context.Context, alert Alert) {
	if s.metrics != nil {
		s.metrics.RecordAlert(ctx, string(alert.Severity))
	}
	if s.logger == nil {
		return
	}

	fields := []any{
		"alertId", alert.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"actionRequired", alert.ActionRequired,
		"details", alert.Details,
	}

	switch alert.Severity {
	case SeverityCritical, SeverityHigh:
		s.logger.Errorw(alert.Message, fields...)
	case SeverityMedium:
		s.logger.Warnw(alert.Message, fields...)
	default:
		s.logger.Infow(alert.Message, fields...)
	}
}
