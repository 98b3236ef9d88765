// Package session manages supervisor instance liveness and resumable state:
// registration, heartbeats, staleness sweeps, hint-based resolution, and
// checkpoint-backed reconstruction.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/internal/keyedmutex"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// DefaultStaleThreshold is how long an instance may go without a heartbeat
// before a sweep marks it stale.
const DefaultStaleThreshold = 120 * time.Second

// minPrefixLen is the shortest hint accepted for prefix resolution.
const minPrefixLen = 4

// Registry tracks supervisor instances.
type Registry struct {
	store  store.Store
	events *events.Log
	locks  *keyedmutex.KeyedMutex
	log    zerolog.Logger

	staleThreshold time.Duration

	// Now is injectable for tests.
	Now func() time.Time
	// NewID allocates instance IDs.
	NewID func() string
}

// NewRegistry creates a Registry. staleThreshold <= 0 selects the default.
// The locks argument serializes instance-row writers; it must NOT be the set
// used by the event log, since the registry appends events while holding its
// lock. Nil allocates a private set.
func NewRegistry(st store.Store, ev *events.Log, locks *keyedmutex.KeyedMutex, staleThreshold time.Duration, logger zerolog.Logger) *Registry {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if locks == nil {
		locks = keyedmutex.New()
	}
	return &Registry{
		store:          st,
		events:         ev,
		locks:          locks,
		log:            logger.With().Str("component", "session").Logger(),
		staleThreshold: staleThreshold,
		Now:            time.Now,
		NewID:          uuid.NewString,
	}
}

// Register creates a new active instance and emits instance_registered.
func (r *Registry) Register(ctx context.Context, project string, itype store.InstanceType, metadata map[string]any) (store.Instance, error) {
	if project == "" {
		return store.Instance{}, fmt.Errorf("project is required: %w", fault.ErrValidation)
	}
	if itype != store.InstancePS && itype != store.InstanceMS {
		return store.Instance{}, fmt.Errorf("unknown instance type %q: %w", itype, fault.ErrValidation)
	}

	now := r.Now().UTC()
	inst := store.Instance{
		InstanceID:       fmt.Sprintf("%s-%s-%s", project, strings.ToLower(string(itype)), r.NewID()[:8]),
		Project:          project,
		InstanceType:     itype,
		Status:           store.InstanceActive,
		RegistrationTime: now,
		LastHeartbeat:    now,
		Metadata:         metadata,
	}
	if err := r.store.InsertInstance(ctx, inst); err != nil {
		return store.Instance{}, err
	}

	if _, err := r.events.Append(ctx, inst.InstanceID, events.TypeInstanceRegistered,
		map[string]any{"project": project, "instance_type": string(itype)}, nil); err != nil {
		return store.Instance{}, fmt.Errorf("emit registration event: %w", err)
	}

	r.log.Info().
		Str("instance_id", inst.InstanceID).
		Str("project", project).
		Str("type", string(itype)).
		Msg("instance registered")
	return inst, nil
}

// HeartbeatUpdate carries the optional fields a heartbeat may refresh.
type HeartbeatUpdate struct {
	ContextWindowPercent *float64
	CurrentEpic          *string
}

// Heartbeat refreshes last_heartbeat and any provided optional fields, and
// emits instance_heartbeat. A stale instance flips back to active; a closed
// instance rejects the heartbeat.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string, update HeartbeatUpdate) (store.Instance, error) {
	if update.ContextWindowPercent != nil {
		if p := *update.ContextWindowPercent; p < 0 || p > 100 {
			return store.Instance{}, fmt.Errorf("context_window_percent %v out of [0,100]: %w", p, fault.ErrValidation)
		}
	}

	r.locks.Lock(instanceID)
	defer r.locks.Unlock(instanceID)

	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return store.Instance{}, err
	}
	if inst.Status == store.InstanceClosed {
		return store.Instance{}, fmt.Errorf("instance %s is closed: %w", instanceID, fault.ErrInvalidTransition)
	}

	wasStale := inst.Status == store.InstanceStale
	inst.Status = store.InstanceActive
	inst.LastHeartbeat = r.Now().UTC()
	if update.ContextWindowPercent != nil {
		inst.ContextWindowPercent = *update.ContextWindowPercent
	}
	if update.CurrentEpic != nil {
		inst.CurrentEpic = *update.CurrentEpic
	}
	if err := r.store.UpdateInstance(ctx, inst); err != nil {
		return store.Instance{}, err
	}

	data := map[string]any{"context_window_percent": inst.ContextWindowPercent}
	if wasStale {
		data["recovered_from_stale"] = true
	}
	if _, err := r.events.Append(ctx, instanceID, events.TypeInstanceHeartbeat, data, nil); err != nil {
		return store.Instance{}, fmt.Errorf("emit heartbeat event: %w", err)
	}
	return inst, nil
}

// MarkStaleSweep marks every active instance whose heartbeat is older than
// the threshold as stale, emitting instance_stale with the observed age.
// It returns the instances it transitioned.
func (r *Registry) MarkStaleSweep(ctx context.Context) ([]store.Instance, error) {
	active, _, err := r.store.ListInstances(ctx, store.InstanceFilter{Status: store.InstanceActive})
	if err != nil {
		return nil, err
	}

	now := r.Now().UTC()
	var swept []store.Instance
	for _, inst := range active {
		age := now.Sub(inst.LastHeartbeat)
		if age < r.staleThreshold {
			continue
		}

		r.locks.Lock(inst.InstanceID)
		current, err := r.store.GetInstance(ctx, inst.InstanceID)
		if err == nil && current.Status == store.InstanceActive && now.Sub(current.LastHeartbeat) >= r.staleThreshold {
			current.Status = store.InstanceStale
			if err := r.store.UpdateInstance(ctx, current); err == nil {
				_, err = r.events.Append(ctx, current.InstanceID, events.TypeInstanceStale,
					map[string]any{"age_seconds": int64(age.Seconds())}, nil)
				if err == nil {
					swept = append(swept, current)
					r.log.Warn().
						Str("instance_id", current.InstanceID).
						Dur("age", age).
						Msg("instance marked stale")
				}
			}
		}
		r.locks.Unlock(inst.InstanceID)
	}
	return swept, nil
}

// RunSweeper runs MarkStaleSweep on the given interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.MarkStaleSweep(ctx); err != nil {
				r.log.Error().Err(err).Msg("stale sweep failed")
			}
		}
	}
}

// Close marks the instance closed. Terminal: no heartbeat revives it.
func (r *Registry) Close(ctx context.Context, instanceID, reason string) error {
	r.locks.Lock(instanceID)
	defer r.locks.Unlock(instanceID)

	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status == store.InstanceClosed {
		return nil
	}
	inst.Status = store.InstanceClosed
	if inst.Metadata == nil {
		inst.Metadata = map[string]any{}
	}
	inst.Metadata["close_reason"] = reason
	if err := r.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	r.log.Info().Str("instance_id", instanceID).Str("reason", reason).Msg("instance closed")
	return nil
}

// Strategy names how a hint was resolved.
type Strategy string

const (
	StrategyExact   Strategy = "EXACT"
	StrategyPartial Strategy = "PARTIAL"
	StrategyEpic    Strategy = "EPIC"
	StrategyProject Strategy = "PROJECT"
	StrategyNewest  Strategy = "NEWEST"
)

// Resolution is the outcome of resolving a hint. Exactly one of Instance or
// Matches is meaningful: a unique match fills Instance; an ambiguous hint
// fills Matches for the caller to disambiguate.
type Resolution struct {
	Instance *store.Instance
	Matches  []store.Instance
	Strategy Strategy
	Hint     string
}

// Ambiguous reports whether the caller must pick among Matches.
func (r Resolution) Ambiguous() bool { return len(r.Matches) > 1 }

// Resolve maps a hint to an instance, trying strategies in order: exact ID,
// ID prefix (hint must be at least 4 characters), epic ID, project name,
// then newest active overall for an empty hint. Zero matches anywhere is
// fault.ErrNotFound.
//
// Instance IDs start with the project name, so a project hint is also an ID
// prefix of every instance in that project. A prefix match therefore only
// short-circuits when it is unique; an ambiguous prefix defers to the epic
// and project rungs and is returned for disambiguation only when neither of
// those matches.
func (r *Registry) Resolve(ctx context.Context, hint string) (Resolution, error) {
	if hint == "" {
		newest, _, err := r.store.ListInstances(ctx, store.InstanceFilter{Status: store.InstanceActive, Limit: 1})
		if err != nil {
			return Resolution{}, err
		}
		if len(newest) == 0 {
			return Resolution{}, fmt.Errorf("no active instances: %w", fault.ErrNotFound)
		}
		return Resolution{Instance: &newest[0], Strategy: StrategyNewest, Hint: hint}, nil
	}

	if inst, err := r.store.GetInstance(ctx, hint); err == nil {
		return Resolution{Instance: &inst, Strategy: StrategyExact, Hint: hint}, nil
	} else if !errors.Is(err, fault.ErrNotFound) {
		return Resolution{}, err
	}

	all, _, err := r.store.ListInstances(ctx, store.InstanceFilter{})
	if err != nil {
		return Resolution{}, err
	}

	var deferred *Resolution
	if len(hint) >= minPrefixLen {
		if res, ok := pick(all, StrategyPartial, hint, func(i store.Instance) bool {
			return strings.HasPrefix(i.InstanceID, hint)
		}); ok {
			if !res.Ambiguous() {
				return res, nil
			}
			deferred = &res
		}
	}
	if res, ok := pick(all, StrategyEpic, hint, func(i store.Instance) bool {
		return i.CurrentEpic == hint
	}); ok {
		return res, nil
	}
	if res, ok := pick(all, StrategyProject, hint, func(i store.Instance) bool {
		return i.Project == hint
	}); ok {
		return res, nil
	}
	if deferred != nil {
		return *deferred, nil
	}
	return Resolution{}, fmt.Errorf("no instance matches hint %q: %w", hint, fault.ErrNotFound)
}

// pick collects matches for one strategy. Instances are already ordered
// newest-heartbeat first, so Matches preserves that order.
func pick(all []store.Instance, strategy Strategy, hint string, match func(store.Instance) bool) (Resolution, bool) {
	var matches []store.Instance
	for _, inst := range all {
		if match(inst) {
			matches = append(matches, inst)
		}
	}
	switch len(matches) {
	case 0:
		return Resolution{}, false
	case 1:
		return Resolution{Instance: &matches[0], Strategy: strategy, Hint: hint}, true
	default:
		return Resolution{Matches: matches, Strategy: strategy, Hint: hint}, true
	}
}

// ListActive returns active instances, newest heartbeat first.
func (r *Registry) ListActive(ctx context.Context, limit, offset int) ([]store.Instance, int, error) {
	return r.store.ListInstances(ctx, store.InstanceFilter{Status: store.InstanceActive, Limit: limit, Offset: offset})
}

// ListStale returns stale instances, newest heartbeat first.
func (r *Registry) ListStale(ctx context.Context, limit, offset int) ([]store.Instance, int, error) {
	return r.store.ListInstances(ctx, store.InstanceFilter{Status: store.InstanceStale, Limit: limit, Offset: offset})
}
