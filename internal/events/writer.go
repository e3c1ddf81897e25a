package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the session.
const (
	RunCreated        = "run.created"
	ProjectAdded      = "project.added"
	ProjectStarted    = "project.started"
	ProjectCompleted  = "project.completed"
	ProjectPaused     = "project.paused"
	ProjectResumed    = "project.resumed"
	AgentPaid         = "agent.paid"
	ClockAdvanced     = "clock.advanced"
	OperationRejected = "operation.rejected"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,run_id,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, runID, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendNow writes one event in its own transaction.
func (w Writer) AppendNow(ctx context.Context, evtType, runID, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, runID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
