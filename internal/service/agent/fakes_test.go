package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/voicetodo/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(clock *testClock) *Tracker {
	tracker := NewTracker(5*time.Minute, discardLogger())
	tracker.now = clock.Now
	return tracker
}

// fakeDispatchAPI is an in-memory dispatch registry.
type fakeDispatchAPI struct {
	mu         sync.Mutex
	rooms      map[string][]domain.Dispatch
	nextID     int
	clock      *testClock
	createErrs []error
	deleteErr  error
	listErr    error
	delay      time.Duration
	onDelete   func(dispatchID string)

	creates int
	deletes []string
	lists   int
}

func newFakeDispatchAPI(clock *testClock) *fakeDispatchAPI {
	return &fakeDispatchAPI{rooms: make(map[string][]domain.Dispatch), clock: clock}
}

func (f *fakeDispatchAPI) CreateDispatch(_ context.Context, room, agentName, metadata string) (domain.Dispatch, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return domain.Dispatch{}, err
		}
	}
	f.nextID++
	d := domain.Dispatch{
		ID:        fmt.Sprintf("AD_%d", f.nextID),
		AgentName: agentName,
		Room:      room,
		Metadata:  metadata,
		CreatedAt: f.clock.Now(),
	}
	f.rooms[room] = append(f.rooms[room], d)
	return d, nil
}

func (f *fakeDispatchAPI) ListDispatches(_ context.Context, room string) ([]domain.Dispatch, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Dispatch, len(f.rooms[room]))
	copy(out, f.rooms[room])
	return out, nil
}

func (f *fakeDispatchAPI) DeleteDispatch(_ context.Context, dispatchID, room string) error {
	f.mu.Lock()
	hook := f.onDelete
	f.deletes = append(f.deletes, dispatchID)
	if f.deleteErr != nil {
		err := f.deleteErr
		f.mu.Unlock()
		return err
	}
	existing := f.rooms[room]
	kept := existing[:0]
	found := false
	for _, d := range existing {
		if d.ID == dispatchID {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	f.rooms[room] = kept
	f.mu.Unlock()

	if hook != nil {
		hook(dispatchID)
	}
	if !found {
		return ErrDispatchNotFound
	}
	return nil
}

func (f *fakeDispatchAPI) seed(room string, dispatches ...domain.Dispatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room] = append(f.rooms[room], dispatches...)
}

func (f *fakeDispatchAPI) count(room string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms[room])
}

func (f *fakeDispatchAPI) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeDispatchAPI) deleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletes))
	copy(out, f.deletes)
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(event domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var errTransient = errors.New("transient: connection reset")
