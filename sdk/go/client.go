package episimsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Episim HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  30 * time.Second,
	}
}

// Summary holds the headline numbers of a run.
type Summary struct {
	MaxNewCases         int `json:"max_new_cases"`
	MaxNewCasesDay      int `json:"max_new_cases_day"`
	MaxInfectious       int `json:"max_infectious"`
	MaxInfectiousDay    int `json:"max_infectious_day"`
	CumulativeCases     int `json:"cumulative_cases"`
	CumulativeConfirmed int `json:"cumulative_confirmed"`
	Recovered           int `json:"recovered"`
	Deceased            int `json:"deceased"`
}

// Run represents a stored simulation run.
type Run struct {
	ID           string  `json:"id"`
	Scenario     string  `json:"scenario"`
	Seed         int64   `json:"seed"`
	Population   int     `json:"population"`
	Days         int     `json:"days"`
	Model        string  `json:"model"`
	ScenarioYAML string  `json:"scenario_yaml,omitempty"`
	Summary      Summary `json:"summary"`
	CreatedAt    string  `json:"created_at"`
}

// Snapshot is one day of a run.
type Snapshot struct {
	Day          int    `json:"day"`
	Phase        string `json:"phase"`
	Susceptible  int    `json:"susceptible"`
	Exposed      int    `json:"exposed"`
	Infectious   int    `json:"infectious"`
	Recovered    int    `json:"recovered"`
	Deceased     int    `json:"deceased"`
	NewCases     int    `json:"new_cases"`
	Confirmed    int    `json:"confirmed"`
	Estimated    int    `json:"estimated"`
	Hospitalized int    `json:"hospitalized"`
	Critical     int    `json:"critical"`
}

// RunResult is returned when a run is created.
type RunResult struct {
	Run
	Activations []struct {
		Phase string `json:"phase"`
		Index int    `json:"index"`
		Day   int    `json:"day"`
	} `json:"activations,omitempty"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
}

// RunOptions override scenario fields for a single run.
type RunOptions struct {
	Days             *int   `json:"days,omitempty"`
	Population       *int   `json:"population,omitempty"`
	Infected         *int   `json:"infected,omitempty"`
	Seed             *int64 `json:"seed,omitempty"`
	IncludeSnapshots bool   `json:"include_snapshots,omitempty"`
}

// Event represents a journal entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRuns wraps list responses with cursors.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateRun runs scenario (YAML or JSON text; empty for the server default)
// and stores the result.
func (c *Client) CreateRun(ctx context.Context, scenario string, opts RunOptions) (RunResult, error) {
	body := struct {
		Scenario string `json:"scenario,omitempty"`
		RunOptions
	}{Scenario: scenario, RunOptions: opts}
	var resp RunResult
	err := c.do(ctx, http.MethodPost, c.apiPath("runs"), body, &resp)
	return resp, err
}

// GetRun fetches a stored run.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.apiPath("runs/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Runs returns the most recent runs.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	page, err := c.RunsPage(ctx, limit, "")
	return page.Items, err
}

// RunsPage returns a paginated run listing.
func (c *Client) RunsPage(ctx context.Context, limit int, cursor string) (PaginatedRuns, error) {
	endpoint := c.apiPath("runs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Snapshots returns the daily table of a run.
func (c *Client) Snapshots(ctx context.Context, runID string) ([]Snapshot, error) {
	var resp struct {
		Items []Snapshot `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.apiPath(fmt.Sprintf("runs/%s/snapshots", url.PathEscape(runID))), nil, &resp)
	return resp.Items, err
}

// Events returns the journal of a run, optionally filtered by type.
func (c *Client) Events(ctx context.Context, runID, evtType string) ([]Event, error) {
	endpoint := c.apiPath(fmt.Sprintf("runs/%s/events", url.PathEscape(runID)))
	if evtType != "" {
		endpoint += "?type=" + url.QueryEscape(evtType)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteRun removes a stored run.
func (c *Client) DeleteRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.apiPath("runs/"+url.PathEscape(id)), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
