package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

type fixture struct {
	store    store.Store
	events   *events.Log
	registry *Registry
	clock    *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture() *fixture {
	st := store.NewMemStore()
	ev := events.NewLog(st, nil, zerolog.Nop())
	reg := NewRegistry(st, ev, nil, DefaultStaleThreshold, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	ev.Now = clock.Now
	reg.Now = clock.Now
	return &fixture{store: st, events: ev, registry: reg, clock: clock}
}

func TestRegisterAndHeartbeat(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	inst, err := f.registry.Register(ctx, "odyssey", store.InstancePS, map[string]any{"host": "ci-1"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if inst.Status != store.InstanceActive {
		t.Errorf("status: got %s, want active", inst.Status)
	}
	if inst.InstanceID == "" {
		t.Fatalf("empty instance id")
	}

	// Registration emitted the first event.
	res, err := f.events.Query(ctx, store.EventFilter{InstanceID: inst.InstanceID})
	if err != nil {
		t.Fatalf("query events failed: %v", err)
	}
	if res.Total != 1 || res.Events[0].EventType != events.TypeInstanceRegistered {
		t.Fatalf("registration event missing: %+v", res.Events)
	}

	f.clock.Advance(30 * time.Second)
	pct := 55.0
	epic := "epic-7"
	updated, err := f.registry.Heartbeat(ctx, inst.InstanceID, HeartbeatUpdate{
		ContextWindowPercent: &pct,
		CurrentEpic:          &epic,
	})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if updated.ContextWindowPercent != 55 || updated.CurrentEpic != "epic-7" {
		t.Errorf("optional fields not applied: %+v", updated)
	}
	if !updated.LastHeartbeat.After(inst.LastHeartbeat) {
		t.Errorf("heartbeat not refreshed")
	}

	bad := 120.0
	if _, err := f.registry.Heartbeat(ctx, inst.InstanceID, HeartbeatUpdate{ContextWindowPercent: &bad}); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("out-of-range percent: got %v, want ErrValidation", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, "", store.InstancePS, nil); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("empty project: got %v, want ErrValidation", err)
	}
	if _, err := f.registry.Register(ctx, "p", "XX", nil); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("bad type: got %v, want ErrValidation", err)
	}
}

func TestStaleSweepAndRecovery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	inst, err := f.registry.Register(ctx, "odyssey", store.InstancePS, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	fresh, err := f.registry.Register(ctx, "odyssey", store.InstanceMS, nil)
	if err != nil {
		t.Fatalf("Register fresh failed: %v", err)
	}

	// Keep one instance alive past the threshold.
	f.clock.Advance(200 * time.Second)
	if _, err := f.registry.Heartbeat(ctx, fresh.InstanceID, HeartbeatUpdate{}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	swept, err := f.registry.MarkStaleSweep(ctx)
	if err != nil {
		t.Fatalf("MarkStaleSweep failed: %v", err)
	}
	if len(swept) != 1 || swept[0].InstanceID != inst.InstanceID {
		t.Fatalf("swept: %+v", swept)
	}

	got, _ := f.store.GetInstance(ctx, inst.InstanceID)
	if got.Status != store.InstanceStale {
		t.Errorf("status: got %s, want stale", got.Status)
	}

	// instance_stale carries the observed age.
	res, _ := f.events.Query(ctx, store.EventFilter{
		InstanceID: inst.InstanceID,
		EventTypes: []string{events.TypeInstanceStale},
	})
	if res.Total != 1 {
		t.Fatalf("instance_stale events: got %d, want 1", res.Total)
	}
	// Numeric payloads come back as float64 after the JSON round trip.
	age, _ := res.Events[0].EventData["age_seconds"].(float64)
	if age < 120 {
		t.Errorf("age_seconds: got %v, want >= 120", res.Events[0].EventData["age_seconds"])
	}

	// A heartbeat flips stale back to active.
	revived, err := f.registry.Heartbeat(ctx, inst.InstanceID, HeartbeatUpdate{})
	if err != nil {
		t.Fatalf("Heartbeat on stale failed: %v", err)
	}
	if revived.Status != store.InstanceActive {
		t.Errorf("status after heartbeat: got %s, want active", revived.Status)
	}

	// A second sweep right away does nothing.
	swept, err = f.registry.MarkStaleSweep(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("second sweep transitioned %d instances", len(swept))
	}
}

func TestCloseIsTerminal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	inst, _ := f.registry.Register(ctx, "odyssey", store.InstancePS, nil)
	if err := f.registry.Close(ctx, inst.InstanceID, "shutdown"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, _ := f.store.GetInstance(ctx, inst.InstanceID)
	if got.Status != store.InstanceClosed {
		t.Fatalf("status: got %s, want closed", got.Status)
	}
	if got.Metadata["close_reason"] != "shutdown" {
		t.Errorf("close reason: %v", got.Metadata)
	}

	if _, err := f.registry.Heartbeat(ctx, inst.InstanceID, HeartbeatUpdate{}); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("heartbeat on closed: got %v, want ErrInvalidTransition", err)
	}

	// Closing twice is a no-op.
	if err := f.registry.Close(ctx, inst.InstanceID, "again"); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a, _ := f.registry.Register(ctx, "odyssey", store.InstancePS, nil)
	f.clock.Advance(time.Second)
	b, _ := f.registry.Register(ctx, "atlas", store.InstancePS, nil)
	f.clock.Advance(time.Second)
	c, _ := f.registry.Register(ctx, "atlas", store.InstanceMS, nil)

	epic := "epic-42"
	if _, err := f.registry.Heartbeat(ctx, a.InstanceID, HeartbeatUpdate{CurrentEpic: &epic}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	// Exact ID wins.
	res, err := f.registry.Resolve(ctx, b.InstanceID)
	if err != nil {
		t.Fatalf("exact resolve failed: %v", err)
	}
	if res.Strategy != StrategyExact || res.Instance.InstanceID != b.InstanceID {
		t.Errorf("exact: %+v", res)
	}

	// Unique prefix of at least 4 characters.
	prefix := b.InstanceID[:len(b.InstanceID)-2]
	res, err = f.registry.Resolve(ctx, prefix)
	if err != nil {
		t.Fatalf("prefix resolve failed: %v", err)
	}
	if res.Strategy != StrategyPartial || res.Instance.InstanceID != b.InstanceID {
		t.Errorf("prefix: %+v", res)
	}

	// Epic hint.
	res, err = f.registry.Resolve(ctx, "epic-42")
	if err != nil {
		t.Fatalf("epic resolve failed: %v", err)
	}
	if res.Strategy != StrategyEpic || res.Instance.InstanceID != a.InstanceID {
		t.Errorf("epic: %+v", res)
	}

	// Project hint with two matches requires disambiguation.
	res, err = f.registry.Resolve(ctx, "atlas")
	if err != nil {
		t.Fatalf("project resolve failed: %v", err)
	}
	if !res.Ambiguous() || res.Strategy != StrategyProject || len(res.Matches) != 2 {
		t.Fatalf("project: %+v", res)
	}

	// Empty hint returns the newest active instance.
	res, err = f.registry.Resolve(ctx, "")
	if err != nil {
		t.Fatalf("empty resolve failed: %v", err)
	}
	if res.Strategy != StrategyNewest {
		t.Errorf("empty hint strategy: %s", res.Strategy)
	}
	// a heartbeated last, so it is newest.
	if res.Instance.InstanceID != a.InstanceID {
		t.Errorf("newest: got %s, want %s", res.Instance.InstanceID, a.InstanceID)
	}

	if _, err := f.registry.Resolve(ctx, "no-such-hint"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("unmatched hint: got %v, want ErrNotFound", err)
	}

	_ = c
}

func TestResolveAmbiguousPrefixDefersToLaterRungs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a, _ := f.registry.Register(ctx, "atlas", store.InstancePS, nil)
	f.clock.Advance(time.Second)
	b, _ := f.registry.Register(ctx, "atlas", store.InstanceMS, nil)

	// The project name prefixes both IDs; the project rung must still answer.
	res, err := f.registry.Resolve(ctx, "atlas")
	if err != nil {
		t.Fatalf("project resolve failed: %v", err)
	}
	if res.Strategy != StrategyProject || len(res.Matches) != 2 {
		t.Fatalf("project hint: %+v", res)
	}

	// An ambiguous ID prefix with no epic or project behind it comes back as
	// the prefix matches for disambiguation.
	f.clock.Advance(time.Second)
	c, _ := f.registry.Register(ctx, "atlas", store.InstanceMS, nil)
	prefix := "atlas-ms-"
	res, err = f.registry.Resolve(ctx, prefix)
	if err != nil {
		t.Fatalf("ambiguous prefix resolve failed: %v", err)
	}
	if res.Strategy != StrategyPartial || len(res.Matches) != 2 {
		t.Fatalf("ambiguous prefix: %+v", res)
	}

	_, _, _ = a, b, c
}
