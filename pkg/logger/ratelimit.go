package logger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const (
	defaultLogRate       = 400
	defaultFlushInterval = time.Minute
	maxAggregateKeyLen   = 120
)

// DefaultNoisyPatterns match periodic status chatter that is counted and
// summarised instead of written line by line.
var DefaultNoisyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)health ?check`),
	regexp.MustCompile(`(?i)heartbeat`),
	regexp.MustCompile(`(?i)keep-?alive`),
	regexp.MustCompile(`(?i)\b(ping|pong)\b`),
	regexp.MustCompile(`(?i)metrics? (sample|snapshot|report)`),
	regexp.MustCompile(`(?i)connection state`),
	regexp.MustCompile(`(?i)participant count`),
	regexp.MustCompile(`(?i)cleanup cycle`),
}

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	uuidPattern      = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	numberPattern    = regexp.MustCompile(`\d+(\.\d+)?`)
)

// RateLimitOptions configures a RateLimitedHandler.
type RateLimitOptions struct {
	// Rate is both the bucket capacity and the refill rate in lines per second.
	Rate          int
	FlushInterval time.Duration
	NoisyPatterns []*regexp.Regexp
	Now           func() time.Time
}

// RateLimitStats reports limiter counters.
type RateLimitStats struct {
	Dropped         int64
	DroppedByLevel  map[string]int64
	Aggregated      int
	TotalDropped    int64
	TotalAggregated int64
	TotalSummarised int64
	AvailableTokens float64
	ConfiguredRate  int
	Window          time.Duration
}

// RateLimitedHandler gates records through a token bucket before they reach
// the wrapped handler. Error records always pass.
type RateLimitedHandler struct {
	next  slog.Handler
	state *limiterState
}

type limiterState struct {
	mu             sync.Mutex
	bucket         *rate.Limiter
	rate           int
	window         time.Duration
	noisy          []*regexp.Regexp
	aggregated     map[string]*aggregatedMessage
	dropped        int64
	droppedByLevel map[slog.Level]int64
	sink           slog.Handler
	now            func() time.Time

	totalDropped    int64
	totalAggregated int64
	totalSummarised int64

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type aggregatedMessage struct {
	message   string
	count     int64
	firstSeen time.Time
	lastSeen  time.Time
	level     slog.Level
	first     slog.Record
	handler   slog.Handler
}

// NewRateLimitedHandler wraps next with the log budget described by opts.
func NewRateLimitedHandler(next slog.Handler, opts RateLimitOptions) *RateLimitedHandler {
	perSecond := opts.Rate
	if perSecond <= 0 {
		perSecond = defaultLogRate
	}
	window := opts.FlushInterval
	if window <= 0 {
		window = defaultFlushInterval
	}
	noisy := opts.NoisyPatterns
	if noisy == nil {
		noisy = DefaultNoisyPatterns
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &RateLimitedHandler{
		next: next,
		state: &limiterState{
			bucket:         rate.NewLimiter(rate.Limit(perSecond), perSecond),
			rate:           perSecond,
			window:         window,
			noisy:          noisy,
			aggregated:     make(map[string]*aggregatedMessage),
			droppedByLevel: make(map[slog.Level]int64),
			sink:           next,
			now:            now,
		},
	}
}

// Enabled reports whether the wrapped handler accepts the level.
func (h *RateLimitedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// WithAttrs returns a handler sharing this handler's budget.
func (h *RateLimitedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RateLimitedHandler{next: h.next.WithAttrs(attrs), state: h.state}
}

// WithGroup returns a handler sharing this handler's budget.
func (h *RateLimitedHandler) WithGroup(name string) slog.Handler {
	return &RateLimitedHandler{next: h.next.WithGroup(name), state: h.state}
}

// Handle admits, aggregates or drops the record.
func (h *RateLimitedHandler) Handle(ctx context.Context, r slog.Record) error {
	s := h.state
	now := s.now()
	priority := r.Level >= slog.LevelError

	if !priority && s.isNoisy(r.Message) {
		s.aggregate(h.next, r, now)
		return nil
	}

	if s.bucket.AllowN(now, 1) || priority {
		return h.next.Handle(ctx, r)
	}

	s.mu.Lock()
	s.dropped++
	s.totalDropped++
	s.droppedByLevel[r.Level]++
	s.mu.Unlock()
	return nil
}

func (s *limiterState) isNoisy(msg string) bool {
	for _, pattern := range s.noisy {
		if pattern.MatchString(msg) {
			return true
		}
	}
	return false
}

func (s *limiterState) aggregate(handler slog.Handler, r slog.Record, now time.Time) {
	key := normalizeMessage(r.Message)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalAggregated++
	entry, ok := s.aggregated[key]
	if !ok {
		s.aggregated[key] = &aggregatedMessage{
			message:   key,
			count:     1,
			firstSeen: now,
			lastSeen:  now,
			level:     r.Level,
			first:     r.Clone(),
			handler:   handler,
		}
		return
	}
	entry.count++
	entry.lastSeen = now
	if r.Level > entry.level {
		entry.level = r.Level
	}
}

// Flush emits aggregation summaries and the drop report, then resets the
// window counters.
func (h *RateLimitedHandler) Flush(ctx context.Context) {
	s := h.state
	s.mu.Lock()
	pending := make([]*aggregatedMessage, 0, len(s.aggregated))
	for _, entry := range s.aggregated {
		pending = append(pending, entry)
	}
	s.aggregated = make(map[string]*aggregatedMessage)
	dropped := s.dropped
	byLevel := s.droppedByLevel
	s.dropped = 0
	s.droppedByLevel = make(map[slog.Level]int64)
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].firstSeen.Before(pending[j].firstSeen)
	})
	now := s.now()
	window := formatWindow(s.window)
	for _, entry := range pending {
		if entry.count == 1 {
			_ = entry.handler.Handle(ctx, entry.first)
			continue
		}
		msg := fmt.Sprintf("%s occurred %d times in the last %s", entry.message, entry.count, window)
		rec := slog.NewRecord(now, entry.level, msg, 0)
		rec.AddAttrs(
			slog.Int64("count", entry.count),
			slog.Time("first_seen", entry.firstSeen),
			slog.Time("last_seen", entry.lastSeen),
		)
		_ = entry.handler.Handle(ctx, rec)
		s.mu.Lock()
		s.totalSummarised++
		s.mu.Unlock()
	}

	if dropped == 0 {
		return
	}
	rec := slog.NewRecord(now, slog.LevelWarn, fmt.Sprintf("log rate limit exceeded: dropped %d messages in the last %s", dropped, window), 0)
	attrs := []slog.Attr{slog.Int64("dropped", dropped), slog.Int("rate", s.rate)}
	for _, level := range sortedLevels(byLevel) {
		attrs = append(attrs, slog.Int64("dropped_"+strings.ToLower(level.String()), byLevel[level]))
	}
	rec.AddAttrs(attrs...)
	_ = s.sink.Handle(ctx, rec)
}

// Start launches the periodic maintenance loop. Calling Start on a running
// handler is a no-op and returns false.
func (h *RateLimitedHandler) Start() bool {
	s := h.state
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(s.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Flush(context.Background())
			case <-stopCh:
				return
			}
		}
	}()
	return true
}

// Stop halts the maintenance loop and flushes pending summaries.
func (h *RateLimitedHandler) Stop() {
	s := h.state
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	h.Flush(context.Background())
}

// Stats returns a snapshot of the limiter counters.
func (h *RateLimitedHandler) Stats() RateLimitStats {
	s := h.state
	tokens := s.bucket.TokensAt(s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	byLevel := make(map[string]int64, len(s.droppedByLevel))
	for level, count := range s.droppedByLevel {
		byLevel[strings.ToLower(level.String())] = count
	}
	return RateLimitStats{
		Dropped:         s.dropped,
		DroppedByLevel:  byLevel,
		Aggregated:      len(s.aggregated),
		TotalDropped:    s.totalDropped,
		TotalAggregated: s.totalAggregated,
		TotalSummarised: s.totalSummarised,
		AvailableTokens: tokens,
		ConfiguredRate:  s.rate,
		Window:          s.window,
	}
}

// normalizeMessage replaces timestamps, ids and numbers with placeholders so
// repeated messages share one aggregation key.
func normalizeMessage(msg string) string {
	out := timestampPattern.ReplaceAllString(msg, "<ts>")
	out = uuidPattern.ReplaceAllString(out, "<id>")
	out = numberPattern.ReplaceAllString(out, "<n>")
	out = strings.TrimSpace(out)
	if utf8.RuneCountInString(out) <= maxAggregateKeyLen {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxAggregateKeyLen])
}

func sortedLevels(m map[slog.Level]int64) []slog.Level {
	levels := make([]slog.Level, 0, len(m))
	for level := range m {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

func formatWindow(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
