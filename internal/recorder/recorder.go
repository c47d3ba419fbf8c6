// Package recorder accumulates daily snapshots and persists them in the
// tabular form read by the plotting tools.
package recorder

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"episim/internal/domain"
)

// FullColumns is the complete output table.
var FullColumns = []string{
	"day", "phase", "susceptible", "exposed", "infectious", "recovered", "deceased",
	"new_cases", "confirmed", "estimated", "hospitalized", "critical",
}

// BasicColumns drops the reported series for runs without reporting.
var BasicColumns = FullColumns[:8]

// Recorder is an append-only snapshot sequence.
type Recorder struct {
	snapshots []domain.Snapshot
}

func New() *Recorder { return &Recorder{} }

func (r *Recorder) Record(s domain.Snapshot) {
	r.snapshots = append(r.snapshots, s)
}

func (r *Recorder) Len() int { return len(r.snapshots) }

// Snapshots returns a copy of the recorded rows.
func (r *Recorder) Snapshots() []domain.Snapshot {
	out := make([]domain.Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

// Format selects how Render lays out the table.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatCSV      Format = "csv"
)

// Render writes the snapshots as a table with the given columns.
func Render(w io.Writer, snaps []domain.Snapshot, columns []string, format Format) error {
	if len(columns) == 0 {
		columns = FullColumns
	}
	if format == FormatCSV {
		return WriteCSV(w, snaps, columns)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	header := make(table.Row, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	tw.AppendHeader(header)
	for _, s := range snaps {
		row := make(table.Row, len(columns))
		for i, c := range columns {
			v, err := value(s, c)
			if err != nil {
				return err
			}
			row[i] = v
		}
		tw.AppendRow(row)
	}
	switch format {
	case FormatMarkdown:
		tw.RenderMarkdown()
	case FormatHTML:
		tw.RenderHTML()
	case FormatText, "":
		tw.SetStyle(table.StyleLight)
		tw.Render()
	default:
		return fmt.Errorf("unknown table format %q", format)
	}
	return nil
}

// Table renders the recorded rows as a text table.
func (r *Recorder) Table(columns []string) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, r.snapshots, columns, FormatText); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WriteCSV writes a header row followed by one row per snapshot.
func WriteCSV(w io.Writer, snaps []domain.Snapshot, columns []string) error {
	if len(columns) == 0 {
		columns = FullColumns
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	rec := make([]string, len(columns))
	for _, s := range snaps {
		for i, c := range columns {
			v, err := value(s, c)
			if err != nil {
				return err
			}
			rec[i] = fmt.Sprint(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a table written by WriteCSV. Unknown columns are an error;
// missing columns stay zero.
func ReadCSV(r io.Reader) ([]domain.Snapshot, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read csv: missing header")
	}
	header := rows[0]
	out := make([]domain.Snapshot, 0, len(rows)-1)
	for n, row := range rows[1:] {
		var s domain.Snapshot
		for i, col := range header {
			if err := set(&s, col, row[i]); err != nil {
				return nil, fmt.Errorf("row %d: %w", n+1, err)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Save writes the recorded rows to path: JSON for .json, CSV otherwise.
func (r *Recorder) Save(path string, columns []string) error {
	return Save(path, r.snapshots, columns)
}

func Save(path string, snaps []domain.Snapshot, columns []string) error {
	var buf bytes.Buffer
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if snaps == nil {
			snaps = []domain.Snapshot{}
		}
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snaps); err != nil {
			return err
		}
	} else if err := WriteCSV(&buf, snaps, columns); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Load reads a table saved by Save.
func Load(path string) ([]domain.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var snaps []domain.Snapshot
		if err := json.NewDecoder(f).Decode(&snaps); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return snaps, nil
	}
	return ReadCSV(f)
}

func value(s domain.Snapshot, col string) (any, error) {
	switch col {
	case "day":
		return s.Day, nil
	case "phase":
		return s.Phase, nil
	case "susceptible":
		return s.Susceptible, nil
	case "exposed":
		return s.Exposed, nil
	case "infectious":
		return s.Infectious, nil
	case "recovered":
		return s.Recovered, nil
	case "deceased":
		return s.Deceased, nil
	case "new_cases":
		return s.NewCases, nil
	case "confirmed":
		return s.Confirmed, nil
	case "estimated":
		return s.Estimated, nil
	case "hospitalized":
		return s.Hospitalized, nil
	case "critical":
		return s.Critical, nil
	default:
		return nil, fmt.Errorf("unknown column %q", col)
	}
}

func set(s *domain.Snapshot, col, raw string) error {
	if col == "phase" {
		s.Phase = raw
		return nil
	}
	var dst *int
	switch col {
	case "day":
		dst = &s.Day
	case "susceptible":
		dst = &s.Susceptible
	case "exposed":
		dst = &s.Exposed
	case "infectious":
		dst = &s.Infectious
	case "recovered":
		dst = &s.Recovered
	case "deceased":
		dst = &s.Deceased
	case "new_cases":
		dst = &s.NewCases
	case "confirmed":
		dst = &s.Confirmed
	case "estimated":
		dst = &s.Estimated
	case "hospitalized":
		dst = &s.Hospitalized
	case "critical":
		dst = &s.Critical
	default:
		return fmt.Errorf("unknown column %q", col)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("column %s: %w", col, err)
	}
	*dst = v
	return nil
}
