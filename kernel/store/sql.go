package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gpt153/supervisor-kernel/kernel/collab"
	"github.com/gpt153/supervisor-kernel/kernel/fault"
)

// sqlStore implements Store over database/sql. The DML is shared between the
// SQLite and MySQL backends; only the DDL and the conflict classifier differ
// per dialect. Timestamps are stored as UTC nanoseconds so ordering and
// half-open window comparisons are exact in SQL regardless of driver
// time handling.
type sqlStore struct {
	db *sql.DB

	// isConflict classifies a driver error as a unique-key violation.
	isConflict func(error) bool
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

// marshalJSON returns nil for a nil payload so JSON columns store SQL NULL
// rather than an empty string, which MySQL's JSON type rejects.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w: %v", fault.ErrValidation, err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return string(raw), nil
}

func unmarshalMap(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

func (s *sqlStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.isConflict(err) {
		return fmt.Errorf("%s: %w", op, fault.ErrConflict)
	}
	return fmt.Errorf("%s: %w: %v", op, fault.ErrUnavailable, err)
}

func (s *sqlStore) InsertInstance(ctx context.Context, inst Instance) error {
	meta, err := marshalJSON(inst.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO supervisor_sessions
			(instance_id, project, instance_type, status, registration_time,
			 last_heartbeat, context_window_percent, current_epic,
			 claude_session_uuid, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.InstanceID, inst.Project, string(inst.InstanceType), string(inst.Status),
		nanos(inst.RegistrationTime), nanos(inst.LastHeartbeat),
		inst.ContextWindowPercent, inst.CurrentEpic, inst.ClaudeSessionUUID, meta)
	return s.wrap("insert instance", err)
}

func (s *sqlStore) scanInstance(row interface{ Scan(...any) error }) (Instance, error) {
	var inst Instance
	var itype, status string
	var regNS, hbNS int64
	var meta sql.NullString
	err := row.Scan(&inst.InstanceID, &inst.Project, &itype, &status, &regNS, &hbNS,
		&inst.ContextWindowPercent, &inst.CurrentEpic, &inst.ClaudeSessionUUID, &meta)
	if err != nil {
		return Instance{}, err
	}
	inst.InstanceType = InstanceType(itype)
	inst.Status = InstanceStatus(status)
	inst.RegistrationTime = fromNanos(regNS)
	inst.LastHeartbeat = fromNanos(hbNS)
	inst.Metadata = unmarshalMap(meta)
	return inst, nil
}

const instanceColumns = `instance_id, project, instance_type, status,
	registration_time, last_heartbeat, context_window_percent, current_epic,
	claude_session_uuid, metadata`

func (s *sqlStore) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM supervisor_sessions WHERE instance_id = ?`, instanceID)
	inst, err := s.scanInstance(row)
	if err == sql.ErrNoRows {
		return Instance{}, fmt.Errorf("instance %s: %w", instanceID, fault.ErrNotFound)
	}
	if err != nil {
		return Instance{}, s.wrap("get instance", err)
	}
	return inst, nil
}

func (s *sqlStore) UpdateInstance(ctx context.Context, inst Instance) error {
	meta, err := marshalJSON(inst.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE supervisor_sessions SET
			project = ?, instance_type = ?, status = ?, registration_time = ?,
			last_heartbeat = ?, context_window_percent = ?, current_epic = ?,
			claude_session_uuid = ?, metadata = ?
		WHERE instance_id = ?`,
		inst.Project, string(inst.InstanceType), string(inst.Status),
		nanos(inst.RegistrationTime), nanos(inst.LastHeartbeat),
		inst.ContextWindowPercent, inst.CurrentEpic, inst.ClaudeSessionUUID,
		meta, inst.InstanceID)
	if err != nil {
		return s.wrap("update instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s: %w", inst.InstanceID, fault.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]Instance, int, error) {
	where := "1=1"
	var args []any
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Project != "" {
		where += " AND project = ?"
		args = append(args, filter.Project)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM supervisor_sessions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, s.wrap("count instances", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM supervisor_sessions WHERE ` + where +
		` ORDER BY last_heartbeat DESC`
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, s.wrap("list instances", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Instance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, 0, s.wrap("scan instance", err)
		}
		out = append(out, inst)
	}
	return out, total, s.wrap("list instances", rows.Err())
}

func (s *sqlStore) InsertEvent(ctx context.Context, ev Event) error {
	data, err := marshalJSON(ev.EventData)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_store
			(event_id, instance_id, event_type, sequence_num, timestamp, event_data, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.InstanceID, ev.EventType, ev.SequenceNum,
		nanos(ev.Timestamp), data, meta)
	return s.wrap("insert event", err)
}

func (s *sqlStore) MaxSequence(ctx context.Context, instanceID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_num) FROM event_store WHERE instance_id = ?`, instanceID).Scan(&max)
	if err != nil {
		return 0, s.wrap("max sequence", err)
	}
	return max.Int64, nil
}

const eventColumns = `event_id, instance_id, event_type, sequence_num, timestamp, event_data, metadata`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var tsNS int64
	var data, meta sql.NullString
	err := row.Scan(&ev.EventID, &ev.InstanceID, &ev.EventType, &ev.SequenceNum, &tsNS, &data, &meta)
	if err != nil {
		return Event{}, err
	}
	ev.Timestamp = fromNanos(tsNS)
	ev.EventData = unmarshalMap(data)
	ev.Metadata = unmarshalMap(meta)
	return ev, nil
}

func (s *sqlStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, int, error) {
	where := "1=1"
	var args []any
	if filter.InstanceID != "" {
		where += " AND instance_id = ?"
		args = append(args, filter.InstanceID)
	}
	if len(filter.EventTypes) > 0 {
		where += " AND event_type IN (" + placeholders(len(filter.EventTypes)) + ")"
		for _, t := range filter.EventTypes {
			args = append(args, t)
		}
	}
	if filter.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, nanos(*filter.Since))
	}
	if filter.Until != nil {
		where += " AND timestamp < ?"
		args = append(args, nanos(*filter.Until))
	}
	if filter.Keyword != "" {
		where += " AND event_data LIKE ?"
		args = append(args, "%"+filter.Keyword+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_store WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, s.wrap("count events", err)
	}

	query := `SELECT ` + eventColumns + ` FROM event_store WHERE ` + where +
		` ORDER BY timestamp DESC, sequence_num DESC`
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, s.wrap("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, s.wrap("scan event", err)
		}
		out = append(out, ev)
	}
	return out, total, s.wrap("list events", rows.Err())
}

func (s *sqlStore) EventsAscending(ctx context.Context, instanceID string, upToSequence int64) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM event_store WHERE instance_id = ?`
	args := []any{instanceID}
	if upToSequence > 0 {
		query += ` AND sequence_num <= ?`
		args = append(args, upToSequence)
	}
	query += ` ORDER BY sequence_num ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("events ascending", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, s.wrap("scan event", err)
		}
		out = append(out, ev)
	}
	return out, s.wrap("events ascending", rows.Err())
}

func (s *sqlStore) InsertCommand(ctx context.Context, entry CommandEntry) (int64, error) {
	params, err := marshalJSON(entry.Parameters)
	if err != nil {
		return 0, err
	}
	result, err := marshalJSON(entry.Result)
	if err != nil {
		return 0, err
	}
	tags, err := marshalJSON(entry.Tags)
	if err != nil {
		return 0, err
	}
	contextData, err := marshalJSON(entry.ContextData)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log
			(instance_id, command_type, action, tool_name, parameters, result,
			 success, error_message, execution_time_ms, timestamp, tags,
			 context_data, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, string(entry.CommandType), entry.Action, entry.ToolName,
		params, result, entry.Success, entry.ErrorMessage, entry.ExecutionTimeMS,
		nanos(entry.Timestamp), tags, contextData, entry.Source)
	if err != nil {
		return 0, s.wrap("insert command", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, s.wrap("insert command", err)
	}
	return id, nil
}

const commandColumns = `id, instance_id, command_type, action, tool_name, parameters,
	result, success, error_message, execution_time_ms, timestamp, tags, context_data, source`

func scanCommand(row interface{ Scan(...any) error }) (CommandEntry, error) {
	var c CommandEntry
	var ctype string
	var tsNS int64
	var params, result, tags, contextData sql.NullString
	err := row.Scan(&c.ID, &c.InstanceID, &ctype, &c.Action, &c.ToolName, &params,
		&result, &c.Success, &c.ErrorMessage, &c.ExecutionTimeMS, &tsNS, &tags,
		&contextData, &c.Source)
	if err != nil {
		return CommandEntry{}, err
	}
	c.CommandType = CommandType(ctype)
	c.Timestamp = fromNanos(tsNS)
	c.Parameters = unmarshalMap(params)
	c.ContextData = unmarshalMap(contextData)
	if result.Valid && result.String != "" {
		var v any
		if json.Unmarshal([]byte(result.String), &v) == nil {
			c.Result = v
		}
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &c.Tags)
	}
	return c, nil
}

func (s *sqlStore) GetCommand(ctx context.Context, id int64) (CommandEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM command_log WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return CommandEntry{}, fmt.Errorf("command %d: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return CommandEntry{}, s.wrap("get command", err)
	}
	return c, nil
}

func (s *sqlStore) SearchCommands(ctx context.Context, filter CommandFilter) ([]CommandEntry, int, error) {
	where := "1=1"
	var args []any
	if filter.InstanceID != "" {
		where += " AND instance_id = ?"
		args = append(args, filter.InstanceID)
	}
	if filter.Action != "" {
		where += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.SuccessOnly {
		where += " AND success = ?"
		args = append(args, true)
	}
	if filter.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, nanos(*filter.Since))
	}
	if filter.Until != nil {
		where += " AND timestamp < ?"
		args = append(args, nanos(*filter.Until))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_log WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, s.wrap("count commands", err)
	}

	query := `SELECT ` + commandColumns + ` FROM command_log WHERE ` + where +
		` ORDER BY timestamp DESC, id DESC`
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, s.wrap("search commands", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CommandEntry
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, 0, s.wrap("scan command", err)
		}
		out = append(out, c)
	}
	return out, total, s.wrap("search commands", rows.Err())
}

func (s *sqlStore) CommandStats(ctx context.Context, instanceID string) (CommandStats, error) {
	var stats CommandStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0)
		FROM command_log WHERE instance_id = ?`, instanceID).
		Scan(&stats.Total, &stats.Successful, &stats.Failed)
	if err != nil {
		return CommandStats{}, s.wrap("command stats", err)
	}
	return stats, nil
}

func (s *sqlStore) InsertCheckpoint(ctx context.Context, cp Checkpoint) error {
	workState, err := marshalJSON(cp.WorkState)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(cp.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(checkpoint_id, instance_id, checkpoint_type, sequence_num,
			 timestamp, context_window_percent, work_state, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.CheckpointID, cp.InstanceID, string(cp.CheckpointType), cp.SequenceNum,
		nanos(cp.Timestamp), cp.ContextWindowPercent, workState, meta)
	return s.wrap("insert checkpoint", err)
}

const checkpointColumns = `checkpoint_id, instance_id, checkpoint_type, sequence_num,
	timestamp, context_window_percent, work_state, metadata`

func scanCheckpoint(row interface{ Scan(...any) error }) (Checkpoint, error) {
	var cp Checkpoint
	var ctype string
	var tsNS int64
	var workState, meta sql.NullString
	err := row.Scan(&cp.CheckpointID, &cp.InstanceID, &ctype, &cp.SequenceNum,
		&tsNS, &cp.ContextWindowPercent, &workState, &meta)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.CheckpointType = CheckpointType(ctype)
	cp.Timestamp = fromNanos(tsNS)
	cp.WorkState = unmarshalMap(workState)
	cp.Metadata = unmarshalMap(meta)
	return cp, nil
}

func (s *sqlStore) GetCheckpoint(ctx context.Context, checkpointID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", checkpointID, fault.ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, s.wrap("get checkpoint", err)
	}
	return cp, nil
}

func (s *sqlStore) LatestCheckpoint(ctx context.Context, instanceID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE instance_id = ? ORDER BY sequence_num DESC LIMIT 1`, instanceID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return Checkpoint{}, fmt.Errorf("no checkpoint for %s: %w", instanceID, fault.ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, s.wrap("latest checkpoint", err)
	}
	return cp, nil
}

func (s *sqlStore) InsertWorkflow(ctx context.Context, w Workflow) error {
	slots, err := marshalResultSlots(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows
			(id, test_id, epic_id, test_type, current_stage, status,
			 execution_result, detection_result, verification_result,
			 fixing_result, learning_result, started_at, completed_at,
			 duration_ms, retry_count, error_message, escalated, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TestID, w.EpicID, string(w.TestType), string(w.CurrentStage),
		string(w.Status), slots[0], slots[1], slots[2], slots[3], slots[4],
		nanos(w.StartedAt), nullableNanos(w.CompletedAt), w.DurationMS,
		w.RetryCount, w.ErrorMessage, w.Escalated, w.Version)
	return s.wrap("insert workflow", err)
}

func marshalResultSlots(w Workflow) ([5]any, error) {
	var out [5]any
	for i, v := range []any{w.Execution, w.Detection, w.Verification, w.Fixing, w.Learning} {
		raw, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("marshal result slot: %w: %v", fault.ErrValidation, err)
		}
		if string(raw) == "null" {
			out[i] = nil
		} else {
			out[i] = string(raw)
		}
	}
	return out, nil
}

const workflowColumns = `id, test_id, epic_id, test_type, current_stage, status,
	execution_result, detection_result, verification_result, fixing_result,
	learning_result, started_at, completed_at, duration_ms, retry_count,
	error_message, escalated, version`

func scanWorkflow(row interface{ Scan(...any) error }) (Workflow, error) {
	var w Workflow
	var testType, stage, status string
	var exec, det, ver, fix, learn sql.NullString
	var startedNS int64
	var completedNS sql.NullInt64
	err := row.Scan(&w.ID, &w.TestID, &w.EpicID, &testType, &stage, &status,
		&exec, &det, &ver, &fix, &learn, &startedNS, &completedNS,
		&w.DurationMS, &w.RetryCount, &w.ErrorMessage, &w.Escalated, &w.Version)
	if err != nil {
		return Workflow{}, err
	}
	w.TestType = TestType(testType)
	w.CurrentStage = Stage(stage)
	w.Status = WorkflowStatus(status)
	w.StartedAt = fromNanos(startedNS)
	if completedNS.Valid {
		t := fromNanos(completedNS.Int64)
		w.CompletedAt = &t
	}
	if exec.Valid && exec.String != "" {
		w.Execution = &collab.TestExecutionResult{}
		_ = json.Unmarshal([]byte(exec.String), w.Execution)
	}
	if det.Valid && det.String != "" {
		w.Detection = &collab.DetectionResult{}
		_ = json.Unmarshal([]byte(det.String), w.Detection)
	}
	if ver.Valid && ver.String != "" {
		w.Verification = &collab.VerificationReport{}
		_ = json.Unmarshal([]byte(ver.String), w.Verification)
	}
	if fix.Valid && fix.String != "" {
		w.Fixing = &collab.FixResult{}
		_ = json.Unmarshal([]byte(fix.String), w.Fixing)
	}
	if learn.Valid && learn.String != "" {
		w.Learning = &collab.LearningResult{}
		_ = json.Unmarshal([]byte(learn.String), w.Learning)
	}
	return w, nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return Workflow{}, fmt.Errorf("workflow %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return Workflow{}, s.wrap("get workflow", err)
	}
	return w, nil
}

func (s *sqlStore) UpdateWorkflow(ctx context.Context, w Workflow, expectedVersion int64) (Workflow, error) {
	slots, err := marshalResultSlots(w)
	if err != nil {
		return Workflow{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			current_stage = ?, status = ?, execution_result = ?,
			detection_result = ?, verification_result = ?, fixing_result = ?,
			learning_result = ?, completed_at = ?, duration_ms = ?,
			retry_count = ?, error_message = ?, escalated = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(w.CurrentStage), string(w.Status), slots[0], slots[1], slots[2],
		slots[3], slots[4], nullableNanos(w.CompletedAt), w.DurationMS,
		w.RetryCount, w.ErrorMessage, w.Escalated, w.ID, expectedVersion)
	if err != nil {
		return Workflow{}, s.wrap("update workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Workflow{}, s.wrap("update workflow", err)
	}
	if n == 0 {
		// Distinguish a missing row from a version race.
		if _, getErr := s.GetWorkflow(ctx, w.ID); getErr != nil {
			return Workflow{}, getErr
		}
		return Workflow{}, fmt.Errorf("workflow %s version %d: %w", w.ID, expectedVersion, fault.ErrConflict)
	}
	w.Version = expectedVersion + 1
	return w, nil
}

func (s *sqlStore) ListWorkflowsByEpic(ctx context.Context, epicID string) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE epic_id = ? ORDER BY started_at ASC`, epicID)
	if err != nil {
		return nil, s.wrap("list workflows", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, s.wrap("scan workflow", err)
		}
		out = append(out, w)
	}
	return out, s.wrap("list workflows", rows.Err())
}

func (s *sqlStore) AppendWorkflowHistory(ctx context.Context, entry WorkflowHistoryEntry) (int64, error) {
	payload, err := marshalJSON(entry.Payload)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_history (workflow_id, stage, success, duration_ms, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.WorkflowID, string(entry.Stage), entry.Success, entry.DurationMS,
		payload, nanos(entry.RecordedAt))
	if err != nil {
		return 0, s.wrap("append history", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, s.wrap("append history", err)
	}
	return id, nil
}

func (s *sqlStore) WorkflowHistory(ctx context.Context, workflowID string) ([]WorkflowHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, stage, success, duration_ms, payload, recorded_at
		FROM workflow_history WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, s.wrap("workflow history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkflowHistoryEntry
	for rows.Next() {
		var e WorkflowHistoryEntry
		var stage string
		var payload sql.NullString
		var tsNS int64
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stage, &e.Success, &e.DurationMS, &payload, &tsNS); err != nil {
			return nil, s.wrap("scan history", err)
		}
		e.Stage = Stage(stage)
		e.RecordedAt = fromNanos(tsNS)
		if payload.Valid && payload.String != "" {
			var v any
			if json.Unmarshal([]byte(payload.String), &v) == nil {
				e.Payload = v
			}
		}
		out = append(out, e)
	}
	return out, s.wrap("workflow history", rows.Err())
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func addPagination(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	} else if offset > 0 {
		// LIMIT is required before OFFSET in both dialects. MaxInt64 fits
		// SQLite's signed limit column and MySQL treats it as unbounded.
		query += " LIMIT ? OFFSET ?"
		args = append(args, int64(math.MaxInt64), offset)
	}
	return query, args
}
