// Package cmdlog records every consequential command or tool call, with
// secrets redacted before the entry ever reaches the store.
package cmdlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/redact"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// Recorder writes and reads command log entries. Redaction happens inside
// Record, so callers can hand over raw parameters; the raw form is never
// persisted and never returned.
type Recorder struct {
	store    store.Store
	redactor *redact.Redactor
	log      zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// NewRecorder creates a Recorder. A nil redactor falls back to the built-in
// pattern set; the recorder never runs without redaction.
func NewRecorder(st store.Store, r *redact.Redactor, logger zerolog.Logger) *Recorder {
	if r == nil {
		r = redact.Default()
	}
	return &Recorder{
		store:    st,
		redactor: r,
		log:      logger.With().Str("component", "cmdlog").Logger(),
		Now:      time.Now,
	}
}

func validCommandType(t store.CommandType) bool {
	switch t {
	case store.CommandMCPTool, store.CommandExplicit, store.CommandAuto:
		return true
	}
	return false
}

// Record redacts the entry and inserts it, returning the allocated id.
func (r *Recorder) Record(ctx context.Context, entry store.CommandEntry) (int64, error) {
	if entry.InstanceID == "" {
		return 0, fmt.Errorf("instance_id is required: %w", fault.ErrValidation)
	}
	if entry.Action == "" {
		return 0, fmt.Errorf("action is required: %w", fault.ErrValidation)
	}
	if !validCommandType(entry.CommandType) {
		return 0, fmt.Errorf("unknown command type %q: %w", entry.CommandType, fault.ErrValidation)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.Now().UTC()
	}

	entry.Parameters = r.redactor.RedactMap(entry.Parameters)
	entry.Result = r.redactor.Redact(entry.Result)
	entry.ContextData = r.redactor.RedactMap(entry.ContextData)
	entry.ErrorMessage = r.redactor.RedactString(entry.ErrorMessage)
	for i, tag := range entry.Tags {
		entry.Tags[i] = r.redactor.RedactString(tag)
	}

	id, err := r.store.InsertCommand(ctx, entry)
	if err != nil {
		return 0, err
	}
	r.log.Debug().
		Str("instance_id", entry.InstanceID).
		Str("action", entry.Action).
		Bool("success", entry.Success).
		Int64("id", id).
		Msg("command recorded")
	return id, nil
}

// SearchResult is one page of entries, newest first.
type SearchResult struct {
	Commands []store.CommandEntry
	Total    int
	HasMore  bool
}

// Search returns entries matching the filter, ordered by timestamp DESC,
// id DESC. Entries come back in their redacted stored form.
func (r *Recorder) Search(ctx context.Context, filter store.CommandFilter) (SearchResult, error) {
	cmds, total, err := r.store.SearchCommands(ctx, filter)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{
		Commands: cmds,
		Total:    total,
		HasMore:  filter.Offset+len(cmds) < total,
	}, nil
}

// Get returns one entry by id.
func (r *Recorder) Get(ctx context.Context, id int64) (store.CommandEntry, error) {
	return r.store.GetCommand(ctx, id)
}

// Stats summarizes command outcomes for one instance.
func (r *Recorder) Stats(ctx context.Context, instanceID string) (store.CommandStats, error) {
	return r.store.CommandStats(ctx, instanceID)
}
