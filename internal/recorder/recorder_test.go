package recorder

import (
	"bytes"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"episim/internal/domain"
)

func sampleRecorder() *Recorder {
	r := New()
	r.Record(domain.Snapshot{Day: 0, Phase: "normal", Susceptible: 95, Infectious: 5, Estimated: 5})
	r.Record(domain.Snapshot{Day: 1, Phase: "normal", Susceptible: 93, Exposed: 2, Infectious: 5, NewCases: 2, Estimated: 7})
	r.Record(domain.Snapshot{Day: 2, Phase: "lockdown, strict", Susceptible: 92, Exposed: 1, Infectious: 6, Recovered: 1,
		NewCases: 1, Confirmed: 1, Estimated: 8, Hospitalized: 1})
	return r
}

func TestSnapshotsAreCopied(t *testing.T) {
	r := sampleRecorder()
	snaps := r.Snapshots()
	snaps[0].Susceptible = -1
	if r.Snapshots()[0].Susceptible != 95 {
		t.Fatalf("recorder state mutated through returned slice")
	}
	if r.Len() != 3 {
		t.Fatalf("len %d, want 3", r.Len())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"run.csv", "run.json"} {
		t.Run(name, func(t *testing.T) {
			r := sampleRecorder()
			path := filepath.Join(t.TempDir(), name)
			if err := r.Save(path, FullColumns); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !reflect.DeepEqual(got, r.Snapshots()) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, r.Snapshots())
			}
		})
	}
}

func TestBasicColumnsLeaveReportedZero(t *testing.T) {
	r := sampleRecorder()
	var buf bytes.Buffer
	if err := WriteCSV(&buf, r.Snapshots(), BasicColumns); err != nil {
		t.Fatalf("write: %v", err)
	}
	header := strings.SplitN(buf.String(), "\n", 2)[0]
	if strings.Contains(header, "confirmed") {
		t.Fatalf("basic header has reported columns: %s", header)
	}
	got, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[2].Confirmed != 0 || got[2].Recovered != 1 {
		t.Fatalf("unexpected row %+v", got[2])
	}
}

func TestReadCSVErrors(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("")); err == nil {
		t.Fatalf("expected missing header error")
	}
	if _, err := ReadCSV(strings.NewReader("day,rainfall\n1,2\n")); err == nil {
		t.Fatalf("expected unknown column error")
	}
	if _, err := ReadCSV(strings.NewReader("day,infectious\n1,many\n")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSavePropagatesIOErrors(t *testing.T) {
	r := sampleRecorder()
	path := filepath.Join(t.TempDir(), "missing", "run.csv")
	if err := r.Save(path, nil); err == nil {
		t.Fatalf("expected error writing into missing directory")
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error loading missing file")
	}
}

func TestRenderFormats(t *testing.T) {
	r := sampleRecorder()
	text, err := r.Table(BasicColumns)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if !strings.Contains(strings.ToLower(text), "susceptible") || !strings.Contains(text, "lockdown, strict") {
		t.Fatalf("unexpected table:\n%s", text)
	}
	var md bytes.Buffer
	if err := Render(&md, r.Snapshots(), []string{"day", "infectious"}, FormatMarkdown); err != nil {
		t.Fatalf("markdown: %v", err)
	}
	if !strings.Contains(md.String(), "| 2 | 6 |") {
		t.Fatalf("unexpected markdown:\n%s", md.String())
	}
	if err := Render(&md, r.Snapshots(), []string{"day"}, Format("pdf")); err == nil {
		t.Fatalf("expected unknown format error")
	}
	if err := Render(&md, r.Snapshots(), []string{"rainfall"}, FormatText); err == nil {
		t.Fatalf("expected unknown column error")
	}
	if text, err := r.Table([]string{"day", "rainfall"}); err == nil || text != "" {
		t.Fatalf("expected unknown column error from Table, got %q, %v", text, err)
	}
}
