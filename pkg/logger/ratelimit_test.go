package logger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (c *captureHandler) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r.Clone())
	return nil
}

func (c *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *captureHandler) WithGroup(string) slog.Handler      { return c }

func (c *captureHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *captureHandler) last() slog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[len(c.records)-1]
}

func fixedClock() func() time.Time {
	now := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestRateLimitedHandlerBoundsNonPriorityLines(t *testing.T) {
	sink := &captureHandler{}
	h := NewRateLimitedHandler(sink, RateLimitOptions{Rate: 10, Now: fixedClock()})
	log := slog.New(h)

	for i := 0; i < 25; i++ {
		log.Info(fmt.Sprintf("task created %d", i))
	}

	if sink.count() != 10 {
		t.Fatalf("expected 10 admitted lines, got %d", sink.count())
	}
	stats := h.Stats()
	if stats.Dropped != 15 {
		t.Fatalf("expected 15 dropped, got %d", stats.Dropped)
	}
	if stats.DroppedByLevel["info"] != 15 {
		t.Fatalf("expected 15 dropped at info, got %v", stats.DroppedByLevel)
	}
}

func TestRateLimitedHandlerNeverDropsErrors(t *testing.T) {
	sink := &captureHandler{}
	h := NewRateLimitedHandler(sink, RateLimitOptions{Rate: 2, Now: fixedClock()})
	log := slog.New(h)

	log.Info("one")
	log.Info("two")
	log.Warn("three")
	if sink.count() != 2 {
		t.Fatalf("expected bucket to admit 2 lines, got %d", sink.count())
	}

	log.Error("dispatch create failed")
	if sink.count() != 3 {
		t.Fatalf("expected error line to bypass empty bucket, got %d lines", sink.count())
	}
	if got := sink.last(); got.Level != slog.LevelError || got.Message != "dispatch create failed" {
		t.Fatalf("unexpected last record: %v %q", got.Level, got.Message)
	}
	if dropped := h.Stats().DroppedByLevel["warn"]; dropped != 1 {
		t.Fatalf("expected one dropped warn, got %d", dropped)
	}
}

func TestRateLimitedHandlerRefillsOverTime(t *testing.T) {
	sink := &captureHandler{}
	now := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	h := NewRateLimitedHandler(sink, RateLimitOptions{Rate: 4, Now: func() time.Time { return now }})
	log := slog.New(h)

	for i := 0; i < 6; i++ {
		log.Info("burst")
	}
	if sink.count() != 4 {
		t.Fatalf("expected 4 admitted, got %d", sink.count())
	}

	now = now.Add(500 * time.Millisecond)
	for i := 0; i < 6; i++ {
		log.Info("after refill")
	}
	if sink.count() != 6 {
		t.Fatalf("expected 2 more lines after half a second, got %d total", sink.count())
	}
}

func TestRateLimitedHandlerAggregatesNoisyMessages(t *testing.T) {
	var buf bytes.Buffer
	text := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	h := NewRateLimitedHandler(text, RateLimitOptions{Rate: 5, FlushInterval: time.Minute, Now: fixedClock()})
	log := slog.New(h)

	for i := 0; i < 100; i++ {
		log.Info(fmt.Sprintf("heartbeat from room %d at 2025-03-03T09:00:%02dZ", i, i%60))
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no immediate output, got %q", buf.String())
	}
	if tokens := h.Stats().AvailableTokens; tokens != 5 {
		t.Fatalf("aggregated lines must not consume tokens, have %.1f", tokens)
	}

	h.Flush(context.Background())

	out := strings.TrimSpace(buf.String())
	lines := strings.Split(out, "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one summary line, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "count=100") {
		t.Fatalf("expected count=100 in summary, got %q", lines[0])
	}
	if !strings.Contains(lines[0], "occurred 100 times in the last 60s") {
		t.Fatalf("unexpected summary text %q", lines[0])
	}

	buf.Reset()
	h.Flush(context.Background())
	if buf.Len() != 0 {
		t.Fatalf("expected aggregation table to be cleared, got %q", buf.String())
	}
}

func TestRateLimitedHandlerReplaysSingleAggregatedMessage(t *testing.T) {
	sink := &captureHandler{}
	h := NewRateLimitedHandler(sink, RateLimitOptions{Rate: 5, Now: fixedClock()})
	slog.New(h).Info("connection state changed to connected")

	h.Flush(context.Background())
	if sink.count() != 1 {
		t.Fatalf("expected original record replayed, got %d", sink.count())
	}
	if msg := sink.last().Message; msg != "connection state changed to connected" {
		t.Fatalf("unexpected replayed message %q", msg)
	}
}

func TestRateLimitedHandlerReportsDrops(t *testing.T) {
	sink := &captureHandler{}
	h := NewRateLimitedHandler(sink, RateLimitOptions{Rate: 1, Now: fixedClock()})
	log := slog.New(h)

	log.Info("a")
	log.Info("b")
	log.Debug("c")

	h.Flush(context.Background())
	report := sink.last()
	if report.Level != slog.LevelWarn || !strings.Contains(report.Message, "dropped 2 messages") {
		t.Fatalf("unexpected drop report: %v %q", report.Level, report.Message)
	}
	attrs := map[string]int64{}
	report.Attrs(func(a slog.Attr) bool {
		if a.Value.Kind() == slog.KindInt64 {
			attrs[a.Key] = a.Value.Int64()
		}
		return true
	})
	if attrs["dropped_info"] != 1 || attrs["dropped_debug"] != 1 {
		t.Fatalf("unexpected per-level breakdown: %v", attrs)
	}
	if stats := h.Stats(); stats.Dropped != 0 || stats.TotalDropped != 2 {
		t.Fatalf("expected window counters reset, got %+v", stats)
	}
}

func TestRateLimitedHandlerSharesBudgetAcrossDerivedLoggers(t *testing.T) {
	sink := &captureHandler{}
	h := NewRateLimitedHandler(sink, RateLimitOptions{Rate: 3, Now: fixedClock()})
	a := slog.New(h).With("component", "tracker")
	b := slog.New(h).WithGroup("http")

	a.Info("one")
	b.Info("two")
	a.Info("three")
	b.Info("four")
	if sink.count() != 3 {
		t.Fatalf("expected shared budget of 3, got %d", sink.count())
	}
}

func TestRateLimitedHandlerStartIsIdempotent(t *testing.T) {
	h := NewRateLimitedHandler(&captureHandler{}, RateLimitOptions{Rate: 1, FlushInterval: time.Hour})
	if !h.Start() {
		t.Fatalf("expected first start to launch loop")
	}
	if h.Start() {
		t.Fatalf("expected second start to be a no-op")
	}
	h.Stop()
	h.Stop()
	if !h.Start() {
		t.Fatalf("expected restart after stop")
	}
	h.Stop()
}

func TestNormalizeMessage(t *testing.T) {
	cases := [][2]string{
		{"ping 42 took 3.5ms", "ping <n> took <n>ms"},
		{"heartbeat at 2025-03-03T09:00:01.123Z", "heartbeat at <ts>"},
		{"dispatch 1b4e28ba-2fa1-11d2-883f-0016d3cca427 alive", "dispatch <id> alive"},
	}
	for _, tc := range cases {
		if got := normalizeMessage(tc[0]); got != tc[1] {
			t.Fatalf("normalizeMessage(%q) = %q, want %q", tc[0], got, tc[1])
		}
	}
	long := strings.Repeat("x", 300)
	if got := normalizeMessage(long); len(got) != maxAggregateKeyLen {
		t.Fatalf("expected truncation to %d, got %d", maxAggregateKeyLen, len(got))
	}
}

func TestRateLimitedHandlerStopFlushesPending(t *testing.T) {
	sink := &captureHandler{}
	h := NewRateLimitedHandler(sink, RateLimitOptions{Rate: 5, FlushInterval: time.Hour, Now: fixedClock()})
	h.Start()
	slog.New(h).Info("connection state changed to connected")
	if sink.count() != 0 {
		t.Fatalf("expected aggregated line held back, got %d", sink.count())
	}

	h.Stop()
	if sink.count() != 1 {
		t.Fatalf("expected stop to flush pending line, got %d", sink.count())
	}
}
