package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeRunStarted     = "run.started"
	TypePhaseActivated = "phase.activated"
	TypeEventApplied   = "event.applied"
	TypeRunCompleted   = "run.completed"
	TypeRunDeleted     = "run.deleted"
)

// Writer appends rows to the run journal.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO run_events(ts,type,run_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, runID, string(data))
	return err
}
