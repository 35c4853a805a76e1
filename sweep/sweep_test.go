package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tasknest/domain"
	"tasknest/push"
)

type stubStore struct {
	reminders []domain.Task
	deadlines []domain.Task
	fetchErr  error

	remindersMarked []string
	deadlinesMarked []string
	markErr         error
}

func (s *stubStore) FetchRemindersDue(ctx context.Context, nowMs int64) ([]domain.Task, error) {
	return s.reminders, s.fetchErr
}

func (s *stubStore) FetchDeadlinesDue(ctx context.Context, nowMs int64) ([]domain.Task, error) {
	return s.deadlines, s.fetchErr
}

func (s *stubStore) MarkReminderSent(ctx context.Context, t domain.Task) error {
	s.remindersMarked = append(s.remindersMarked, t.ID)
	return s.markErr
}

func (s *stubStore) MarkDeadlineNotified(ctx context.Context, t domain.Task) error {
	s.deadlinesMarked = append(s.deadlinesMarked, t.ID)
	return s.markErr
}

type stubTokens struct {
	tokens []domain.DeviceToken
	err    error
}

func (s *stubTokens) ListDeviceTokens(ctx context.Context) ([]domain.DeviceToken, error) {
	return s.tokens, s.err
}

type stubBroadcaster struct {
	calls []push.Message
	err   error
}

func (b *stubBroadcaster) Broadcast(ctx context.Context, tokens []string, msg push.Message) error {
	b.calls = append(b.calls, msg)
	return b.err
}

type stubSender struct {
	results []push.SendResult
}

func (s *stubSender) SendMulticast(ctx context.Context, tokens []string, msg push.Message) ([]push.SendResult, error) {
	return s.results, nil
}

type stubRegistry struct {
	mu      sync.Mutex
	deleted []string
}

func (r *stubRegistry) DeleteDeviceToken(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, token)
	return nil
}

func sweepLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return tp, exporter
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestDeadlinePassNotifiesMarksAndPrunes(t *testing.T) {
	setupTestTracer(t)

	store := &stubStore{deadlines: []domain.Task{
		{ID: "a", Title: "Ship release", Status: domain.StatusTodo, DeadlineMs: 500},
	}}
	tokens := &stubTokens{tokens: []domain.DeviceToken{{Token: "t1"}, {Token: "t2"}}}
	sender := &stubSender{results: []push.SendResult{
		{Token: "t1"},
		{Token: "t2", Err: errors.New("not registered"), Unregistered: true},
	}}
	registry := &stubRegistry{}
	fanout := push.NewFanout(sender, registry, sweepLogger())
	s := NewSweeper(store, tokens, fanout, sweepLogger())

	if err := s.RunDeadlinePass(context.Background(), 1000); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	if len(store.deadlinesMarked) != 1 || store.deadlinesMarked[0] != "a" {
		t.Fatalf("flag must be set after the send attempt, got %v", store.deadlinesMarked)
	}
	if len(registry.deleted) != 1 || registry.deleted[0] != "t2" {
		t.Fatalf("only the invalid token is pruned, got %v", registry.deleted)
	}
}

func TestReminderPassSkipsDoneAndFlaggedTasks(t *testing.T) {
	setupTestTracer(t)

	store := &stubStore{reminders: []domain.Task{
		{ID: "due", Title: "Water plants", Status: domain.StatusTodo, RemindAtMs: 500},
		{ID: "finished", Status: domain.StatusDone, RemindAtMs: 500, CompletedAtMs: 600},
		{ID: "flagged", Status: domain.StatusTodo, RemindAtMs: 500, ReminderSent: true},
	}}
	broadcaster := &stubBroadcaster{}
	s := NewSweeper(store, &stubTokens{}, broadcaster, sweepLogger())

	if err := s.RunReminderPass(context.Background(), 1000); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	if len(broadcaster.calls) != 1 || broadcaster.calls[0].Tag != "reminder-due" {
		t.Fatalf("unexpected broadcasts: %v", broadcaster.calls)
	}
	if len(store.remindersMarked) != 1 || store.remindersMarked[0] != "due" {
		t.Fatalf("unexpected flags: %v", store.remindersMarked)
	}
}

func TestPassLeavesFlagUnsetWhenBroadcastFails(t *testing.T) {
	setupTestTracer(t)

	store := &stubStore{deadlines: []domain.Task{
		{ID: "a", Status: domain.StatusTodo, DeadlineMs: 500},
		{ID: "b", Status: domain.StatusTodo, DeadlineMs: 600},
	}}
	broadcaster := &stubBroadcaster{err: errors.New("fcm unreachable")}
	s := NewSweeper(store, &stubTokens{}, broadcaster, sweepLogger())

	if err := s.RunDeadlinePass(context.Background(), 1000); err != nil {
		t.Fatalf("per-task errors must not abort the pass: %v", err)
	}
	if len(store.deadlinesMarked) != 0 {
		t.Fatalf("a failed broadcast must leave the task due, got %v", store.deadlinesMarked)
	}
	if len(broadcaster.calls) != 2 {
		t.Fatalf("every task is still attempted, got %d calls", len(broadcaster.calls))
	}
}

func TestPassReturnsFetchError(t *testing.T) {
	setupTestTracer(t)

	store := &stubStore{fetchErr: errors.New("table offline")}
	s := NewSweeper(store, &stubTokens{}, &stubBroadcaster{}, sweepLogger())

	if err := s.RunReminderPass(context.Background(), 1000); err == nil {
		t.Fatalf("expected fetch error")
	}
}

func TestPassEmitsSpanWithCounters(t *testing.T) {
	tp, exporter := setupTestTracer(t)

	store := &stubStore{deadlines: []domain.Task{
		{ID: "a", Status: domain.StatusTodo, DeadlineMs: 500},
		{ID: "done", Status: domain.StatusDone, DeadlineMs: 500, CompletedAtMs: 600},
	}}
	tokens := &stubTokens{tokens: []domain.DeviceToken{{Token: "t1"}}}
	s := NewSweeper(store, tokens, &stubBroadcaster{}, sweepLogger())

	if err := s.RunDeadlinePass(context.Background(), 1000); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "sweep.deadline" {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected Ok status, got %v", span.Status.Code)
	}
	attrs := attributesToMap(span.Attributes)
	if attrs["sweep.pass"] != "deadline" {
		t.Fatalf("unexpected pass attribute: %#v", attrs["sweep.pass"])
	}
	if due, ok := attrs["sweep.due"].(int64); !ok || due != 1 {
		t.Fatalf("unexpected due counter: %#v", attrs["sweep.due"])
	}
	if notified, ok := attrs["sweep.notified"].(int64); !ok || notified != 1 {
		t.Fatalf("unexpected notified counter: %#v", attrs["sweep.notified"])
	}
	if tokensAttr, ok := attrs["sweep.tokens"].(int64); !ok || tokensAttr != 1 {
		t.Fatalf("unexpected token counter: %#v", attrs["sweep.tokens"])
	}
}

func TestPassSpanRecordsFetchError(t *testing.T) {
	tp, exporter := setupTestTracer(t)

	store := &stubStore{fetchErr: errors.New("table offline")}
	s := NewSweeper(store, &stubTokens{}, &stubBroadcaster{}, sweepLogger())

	_ = s.RunDeadlinePass(context.Background(), 1000)
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status.Code)
	}
}
