package server

import (
	"encoding/json"

	"episim/internal/domain"
	"episim/internal/engine"
)

// Request payloads

// RunRequest starts a simulation. Scenario holds a scenario document as
// YAML or JSON text; the built-in default is used when it is empty.
type RunRequest struct {
	Scenario         string `json:"scenario,omitempty" doc:"Scenario document (YAML or JSON text)"`
	Days             *int   `json:"days,omitempty" minimum:"0"`
	Population       *int   `json:"population,omitempty" minimum:"0"`
	Infected         *int   `json:"infected,omitempty" minimum:"0"`
	Seed             *int64 `json:"seed,omitempty"`
	IncludeSnapshots bool   `json:"include_snapshots,omitempty"`
}

type SweepRequest struct {
	Scenario string    `json:"scenario,omitempty" doc:"Scenario document (YAML or JSON text)"`
	Days     *int      `json:"days,omitempty" minimum:"0"`
	Seeds    []int64   `json:"seeds,omitempty"`
	R0Scales []float64 `json:"r0_scales,omitempty"`
	Persist  bool      `json:"persist,omitempty"`
}

// Response payloads

type RunResponse struct {
	domain.Run
	Activations []domain.PhaseActivation `json:"activations,omitempty"`
	Events      []domain.AppliedEvent    `json:"events,omitempty"`
	Snapshots   []domain.Snapshot        `json:"snapshots,omitempty"`
}

type paginatedRuns struct {
	Items      []domain.Run `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type SnapshotsResponse struct {
	RunID   string            `json:"run_id"`
	Columns []string          `json:"columns"`
	Items   []domain.Snapshot `json:"items"`
}

type RunEventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

type SweepResponse = engine.SweepResult

type ScenarioResponse struct {
	Name string `json:"name"`
	YAML string `json:"yaml"`
}

func runEventResponse(evt domain.RunEvent) RunEventResponse {
	return RunEventResponse{
		ID:      evt.ID,
		TS:      evt.TS,
		Type:    evt.Type,
		RunID:   evt.RunID,
		Payload: decodeJSONMap(evt.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func runResponse(out engine.Outcome, withSnapshots bool) RunResponse {
	resp := RunResponse{
		Run:         out.Run,
		Activations: out.Activations,
		Events:      out.Events,
	}
	if withSnapshots {
		resp.Snapshots = out.Snapshots
	}
	return resp
}
