package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/voicetodo/internal/domain"
)

func newTestOrchestrator(api DispatchAPI, tracker *Tracker) *Orchestrator {
	return NewOrchestrator(api, tracker, Options{
		AgentName:   "todo-agent",
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}, discardLogger())
}

func TestConnectCreatesThenReuses(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	events := &recordingPublisher{}
	orch := NewOrchestrator(api, tracker, Options{AgentName: "todo-agent", Backoff: time.Millisecond, Events: events}, discardLogger())

	first, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{Timezone: "Europe/Berlin"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if first.Reused {
		t.Fatalf("expected a fresh dispatch")
	}
	if api.createCalls() != 1 {
		t.Fatalf("expected one create call, got %d", api.createCalls())
	}

	var meta domain.SessionMetadata
	if err := json.Unmarshal([]byte(api.rooms["R1"][0].Metadata), &meta); err != nil || meta.Timezone != "Europe/Berlin" {
		t.Fatalf("expected session metadata forwarded, got %q (%v)", api.rooms["R1"][0].Metadata, err)
	}

	second, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !second.Reused || second.DispatchID != first.DispatchID {
		t.Fatalf("expected reuse of %s, got %+v", first.DispatchID, second)
	}
	if api.createCalls() != 1 {
		t.Fatalf("reuse must not create, got %d create calls", api.createCalls())
	}

	got := events.types()
	if len(got) != 2 || got[0] != domain.EventAgentDispatched || got[1] != domain.EventAgentReused {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestConnectReuseCancelsPendingCleanup(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	orch := newTestOrchestrator(api, tracker)

	res, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := orch.Disconnect("R1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	clock.Advance(time.Minute)

	again, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !again.Reused || again.DispatchID != res.DispatchID {
		t.Fatalf("expected reuse within grace period, got %+v", again)
	}
	activity, _ := tracker.GetActivityByDispatchID(res.DispatchID)
	if activity.TTLExpiresAt != nil {
		t.Fatalf("reconnect should cancel pending cleanup")
	}
}

func TestConnectRetriesCreation(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	api.createErrs = []error{errTransient, errTransient}
	orch := newTestOrchestrator(api, tracker)

	res, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if api.createCalls() != 3 {
		t.Fatalf("expected 3 create attempts, got %d", api.createCalls())
	}
	if _, ok := tracker.GetActivityByDispatchID(res.DispatchID); !ok {
		t.Fatalf("expected created dispatch tracked")
	}
}

func TestCreateBackoffDoublesFromBase(t *testing.T) {
	b := newCreateBackoff(defaultBackoff, 3)
	for i, want := range []time.Duration{time.Second, 2 * time.Second} {
		got, stop := b.Next()
		if stop || got != want {
			t.Fatalf("wait %d: got %v (stop=%v), want %v", i, got, stop, want)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatalf("expected backoff to stop after 3 attempts")
	}
}

func TestConnectFailsAfterRetriesWithoutTracking(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	api.createErrs = []error{errTransient, errTransient, errTransient, errTransient}
	orch := newTestOrchestrator(api, tracker)

	res, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if !errors.Is(err, ErrDispatchUnavailable) {
		t.Fatalf("expected ErrDispatchUnavailable, got %v", err)
	}
	if res.Reused || res.DispatchID != "" {
		t.Fatalf("failed connect must not report a dispatch, got %+v", res)
	}
	if api.createCalls() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", api.createCalls())
	}
	if tracker.Len() != 0 {
		t.Fatalf("failed creation must leave tracker untouched, have %d", tracker.Len())
	}
}

func TestConnectListFailureSurfaces(t *testing.T) {
	clock := newTestClock()
	api := newFakeDispatchAPI(clock)
	api.listErr = errTransient
	orch := newTestOrchestrator(api, newTestTracker(clock))

	if _, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{}); !errors.Is(err, ErrDispatchUnavailable) {
		t.Fatalf("expected ErrDispatchUnavailable, got %v", err)
	}
	if api.createCalls() != 0 {
		t.Fatalf("must not create when the registry cannot be read")
	}
}

func TestConnectWithoutAPI(t *testing.T) {
	orch := newTestOrchestrator(nil, newTestTracker(newTestClock()))
	if orch.Configured() {
		t.Fatalf("expected orchestrator to be unconfigured")
	}
	if _, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := orch.Connect(context.Background(), "  ", domain.SessionMetadata{}); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("expected ErrInvalidRoom, got %v", err)
	}
}

func TestConnectRemovesDuplicateDispatches(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	base := clock.Now()
	api.seed("R1",
		domain.Dispatch{ID: "AD_old", AgentName: "todo-agent", Room: "R1", CreatedAt: base.Add(-2 * time.Minute)},
		domain.Dispatch{ID: "AD_new", AgentName: "todo-agent", Room: "R1", CreatedAt: base.Add(-time.Minute)},
		domain.Dispatch{ID: "AD_mid", AgentName: "todo-agent", Room: "R1", CreatedAt: base.Add(-90 * time.Second)},
		domain.Dispatch{ID: "AD_foreign", AgentName: "other-agent", Room: "R1", CreatedAt: base},
	)
	tracker.TrackActivity("AD_old", "R1", "todo-agent", 1)
	orch := newTestOrchestrator(api, tracker)

	res, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !res.Reused || res.DispatchID != "AD_new" {
		t.Fatalf("expected most recent dispatch kept, got %+v", res)
	}
	if api.createCalls() != 0 {
		t.Fatalf("dedupe must not create")
	}
	if api.count("R1") != 2 {
		t.Fatalf("expected survivor plus foreign agent to remain, have %d", api.count("R1"))
	}
	if tracker.Len() != 1 {
		t.Fatalf("expected a single tracked entry, got %d", tracker.Len())
	}
	if _, ok := tracker.GetActivityByDispatchID("AD_old"); ok {
		t.Fatalf("deleted duplicate must leave the tracker")
	}
}

func TestConnectDedupeToleratesDeleteFailure(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	api.seed("R1",
		domain.Dispatch{ID: "AD_a", AgentName: "todo-agent", Room: "R1"},
		domain.Dispatch{ID: "AD_b", AgentName: "todo-agent", Room: "R1"},
	)
	api.deleteErr = errTransient
	orch := newTestOrchestrator(api, tracker)

	res, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("delete failures must not fail connect: %v", err)
	}
	if !res.Reused || res.DispatchID == "" {
		t.Fatalf("expected reuse of a surviving dispatch, got %+v", res)
	}
	if len(api.deleteCalls()) != 1 {
		t.Fatalf("expected one best-effort delete, got %v", api.deleteCalls())
	}
}

func TestConcurrentConnectsCreateOneDispatch(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	api.delay = 2 * time.Millisecond
	orch := newTestOrchestrator(api, tracker)

	const callers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []ConnectResult
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
			if err != nil {
				t.Errorf("connect: %v", err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if api.createCalls() != 1 {
		t.Fatalf("expected exactly one create, got %d", api.createCalls())
	}
	if api.count("R1") != 1 || tracker.Len() != 1 {
		t.Fatalf("expected one dispatch externally and in tracker, got %d / %d", api.count("R1"), tracker.Len())
	}
	fresh := 0
	for _, res := range results {
		if res.DispatchID != results[0].DispatchID {
			t.Fatalf("callers saw different dispatches: %+v", results)
		}
		if !res.Reused {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected one fresh connect, got %d", fresh)
	}
}

func TestConnectsForDifferentRoomsAreIndependent(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	orch := newTestOrchestrator(api, tracker)

	a, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("connect R1: %v", err)
	}
	b, err := orch.Connect(context.Background(), "R2", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("connect R2: %v", err)
	}
	if a.DispatchID == b.DispatchID || a.Reused || b.Reused {
		t.Fatalf("expected distinct fresh dispatches, got %+v %+v", a, b)
	}
}

func TestParticipantEventsDriveGracePeriod(t *testing.T) {
	clock := newTestClock()
	tracker := newTestTracker(clock)
	api := newFakeDispatchAPI(clock)
	orch := newTestOrchestrator(api, tracker)

	res, err := orch.Connect(context.Background(), "R1", domain.SessionMetadata{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	orch.ParticipantJoined("R1", 2)
	orch.ParticipantLeft("R1", 1)
	activity, _ := tracker.GetActivityByDispatchID(res.DispatchID)
	if activity.TTLExpiresAt != nil || activity.ParticipantCount != 1 {
		t.Fatalf("room still occupied, got %+v", activity)
	}

	orch.ParticipantLeft("R1", 0)
	status := orch.Status("R1")
	if !status.HasAgent || status.TTLExpiresAt == nil {
		t.Fatalf("expected cleanup scheduled, got %+v", status)
	}
	if !status.TTLExpiresAt.Equal(clock.Now().Add(tracker.DefaultTTL())) {
		t.Fatalf("expected default ttl, got %v", status.TTLExpiresAt)
	}

	if orch.ParticipantLeft("unknown", 0) {
		t.Fatalf("untracked rooms are ignored")
	}
}

func TestStatusWithoutAgent(t *testing.T) {
	orch := newTestOrchestrator(newFakeDispatchAPI(newTestClock()), newTestTracker(newTestClock()))
	status := orch.Status("R9")
	if status.HasAgent || status.DispatchID != "" || status.CreatedAt != nil {
		t.Fatalf("expected empty status, got %+v", status)
	}
	if _, err := orch.Disconnect("R9"); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
}

func TestLatestDispatchTieGoesToLaterEntry(t *testing.T) {
	got := latestDispatch([]domain.Dispatch{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	if got.ID != "c" {
		t.Fatalf("expected last entry on tie, got %s", got.ID)
	}
}

func TestRoomLocksHonourContext(t *testing.T) {
	locks := newRoomLocks()
	unlock, err := locks.lock(context.Background(), "R1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := locks.lock(ctx, "R1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	unlock()

	if len(locks.rooms) != 0 {
		t.Fatalf("expected lock table to drain, have %d", len(locks.rooms))
	}
}
