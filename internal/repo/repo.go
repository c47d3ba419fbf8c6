package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"episim/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,scenario,seed,population,days,model,scenario_yaml,summary_json,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var run domain.Run
	var summary string
	if err := row.Scan(&run.ID, &run.Scenario, &run.Seed, &run.Population, &run.Days, &run.Model,
		&run.ScenarioYAML, &summary, &run.CreatedAt); err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return run, fmt.Errorf("decode summary of run %s: %w", run.ID, err)
	}
	return run, nil
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Scenario, run.Seed, run.Population, run.Days, run.Model, run.ScenarioYAML, string(summary), run.CreatedAt)
	return err
}

func (r Repo) InsertSnapshotsTx(ctx context.Context, tx *sql.Tx, runID string, snaps []domain.Snapshot) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO snapshots(run_id,day,phase,susceptible,exposed,infectious,recovered,deceased,new_cases,confirmed,estimated,hospitalized,critical)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range snaps {
		if _, err := stmt.ExecContext(ctx, runID, s.Day, s.Phase, s.Susceptible, s.Exposed, s.Infectious, s.Recovered,
			s.Deceased, s.NewCases, s.Confirmed, s.Estimated, s.Hospitalized, s.Critical); err != nil {
			return fmt.Errorf("insert snapshot day %d: %w", s.Day, err)
		}
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// RunFilters narrows ListRuns. Results are newest first; the cursor is the
// created_at/id pair of the last row of the previous page.
type RunFilters struct {
	Scenario        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Scenario != "" {
		clauses = append(clauses, "scenario=?")
		args = append(args, f.Scenario)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// DeleteRunTx removes a run; its snapshots cascade, its journal stays.
func (r Repo) DeleteRunTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSnapshots(ctx context.Context, runID string) ([]domain.Snapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT day,phase,susceptible,exposed,infectious,recovered,deceased,new_cases,confirmed,estimated,hospitalized,critical
FROM snapshots WHERE run_id=? ORDER BY day ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		if err := rows.Scan(&s.Day, &s.Phase, &s.Susceptible, &s.Exposed, &s.Infectious, &s.Recovered, &s.Deceased,
			&s.NewCases, &s.Confirmed, &s.Estimated, &s.Hospitalized, &s.Critical); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListRunEvents(ctx context.Context, runID, evtType string) ([]domain.RunEvent, error) {
	clauses := []string{"run_id=?"}
	args := []any{runID}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,run_id,payload_json FROM run_events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id ASC`, args...)
}

// EventsAfter returns journal rows with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,run_id,payload_json FROM run_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent journal ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM run_events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.RunEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunEvent
	for rows.Next() {
		var e domain.RunEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
