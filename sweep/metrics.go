package sweep

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tasknest/sweep"

// passMetrics accumulates one sweep cycle's counters and emits them as a span
// plus a structured log line when the pass ends.
type passMetrics struct {
	logger *log.Logger
	span   trace.Span
	name   string
	start  time.Time

	due      int
	notified int
	failed   int
	tokens   int
}

func newPassMetrics(ctx context.Context, name string, logger *log.Logger) (context.Context, *passMetrics) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sweep."+name)
	return ctx, &passMetrics{
		logger: logger,
		span:   span,
		name:   name,
		start:  time.Now(),
	}
}

func (m *passMetrics) AddDue()      { m.due++ }
func (m *passMetrics) AddNotified() { m.notified++ }
func (m *passMetrics) AddFailed()   { m.failed++ }

func (m *passMetrics) SetTokens(count int) {
	if count < 0 {
		count = 0
	}
	m.tokens = count
}

func (m *passMetrics) End(err error) {
	totalMs := float64(time.Since(m.start)) / float64(time.Millisecond)

	m.span.SetAttributes(
		attribute.String("sweep.pass", m.name),
		attribute.Int("sweep.due", m.due),
		attribute.Int("sweep.notified", m.notified),
		attribute.Int("sweep.failed", m.failed),
		attribute.Int("sweep.tokens", m.tokens),
		attribute.Float64("sweep.total_ms", totalMs),
	)
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	fields := log.Fields{
		"pass":     m.name,
		"due":      m.due,
		"notified": m.notified,
		"failed":   m.failed,
		"tokens":   m.tokens,
		"total_ms": totalMs,
	}
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error("sweep.pass.metrics")
		return
	}
	m.logger.WithFields(fields).Info("sweep.pass.metrics")
}
