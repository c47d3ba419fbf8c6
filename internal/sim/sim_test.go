package sim

import (
	"math/rand"
	"reflect"
	"testing"

	"episim/internal/domain"
	"episim/internal/events"
	"episim/internal/phase"
	"episim/internal/population"
	"episim/internal/recorder"
)

type setup struct {
	size, infected int
	seed           int64
	model          string
	phases         []phase.Phase
	events         []events.Event
	days           int
	reporting      Reporting
	recorder       *recorder.Recorder
}

func run(t *testing.T, s setup) Result {
	t.Helper()
	rng := rand.New(rand.NewSource(s.seed))
	pop, err := population.New(s.size, s.infected, rng)
	if err != nil {
		t.Fatalf("population: %v", err)
	}
	sched, err := phase.NewSchedule(s.phases)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	model, err := population.NewTransmission(s.model, 10)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	evts, err := events.NewSchedule(s.events)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	res, err := Run(Input{
		Population: pop,
		Schedule:   sched,
		Model:      model,
		Days:       s.days,
		Events:     evts,
		Reporting:  s.reporting,
		Recorder:   s.recorder,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func singlePhase(r0 float64, period int) []phase.Phase {
	return []phase.Phase{{Name: "only", R0: r0, InfectiousPeriod: period}}
}

func checkInvariants(t *testing.T, snaps []domain.Snapshot, size int) {
	t.Helper()
	for _, s := range snaps {
		if s.Total() != size {
			t.Fatalf("day %d: counts sum to %d, want %d", s.Day, s.Total(), size)
		}
		for name, v := range map[string]int{
			"susceptible": s.Susceptible, "exposed": s.Exposed, "infectious": s.Infectious,
			"recovered": s.Recovered, "deceased": s.Deceased, "new_cases": s.NewCases,
			"confirmed": s.Confirmed, "estimated": s.Estimated, "hospitalized": s.Hospitalized,
			"critical": s.Critical,
		} {
			if v < 0 {
				t.Fatalf("day %d: negative %s %d", s.Day, name, v)
			}
		}
	}
}

func TestSinglePhaseOutbreak(t *testing.T) {
	for _, model := range []string{population.ModelProportional, population.ModelContact} {
		t.Run(model, func(t *testing.T) {
			res := run(t, setup{
				size: 1000, infected: 5, seed: 42, model: model,
				phases: singlePhase(2.5, 10), days: 60,
				reporting: Reporting{Enabled: true, DetectionRate: 0.3, HospitalizationRate: 0.05, CriticalRate: 0.01},
			})
			if len(res.Snapshots) != 61 {
				t.Fatalf("got %d snapshots, want 61", len(res.Snapshots))
			}
			checkInvariants(t, res.Snapshots, 1000)
			last := res.Snapshots[60]
			if ever := last.Recovered + last.Infectious; ever <= 5 {
				t.Fatalf("ever infected %d, want > 5", ever)
			}
			if res.Summary.CumulativeCases != last.Estimated {
				t.Fatalf("cumulative cases %d != estimated %d", res.Summary.CumulativeCases, last.Estimated)
			}
		})
	}
}

func TestZeroDaysRecordsSeededPopulation(t *testing.T) {
	res := run(t, setup{size: 200, infected: 4, seed: 7, phases: singlePhase(3, 5), days: 0})
	if len(res.Snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(res.Snapshots))
	}
	want := domain.Snapshot{Day: 0, Phase: "only", Susceptible: 196, Infectious: 4}
	if res.Snapshots[0] != want {
		t.Fatalf("day 0 = %+v, want %+v", res.Snapshots[0], want)
	}
}

func TestEmptyPopulationProducesZeroSnapshots(t *testing.T) {
	res := run(t, setup{size: 0, phases: singlePhase(3, 5), days: 5})
	if len(res.Snapshots) != 6 {
		t.Fatalf("got %d snapshots", len(res.Snapshots))
	}
	for _, s := range res.Snapshots {
		if s.Total() != 0 || s.NewCases != 0 {
			t.Fatalf("expected all-zero snapshot, got %+v", s)
		}
	}
}

func TestInfectiousDeclinesWithoutTransmission(t *testing.T) {
	res := run(t, setup{
		size: 500, infected: 50, seed: 3,
		phases: []phase.Phase{
			{Name: "open", R0: 3, InfectiousPeriod: 6},
			{Name: "closed", R0: 0, InfectiousPeriod: 6, Trigger: &phase.Trigger{Kind: phase.DaysElapsed, Threshold: 5}},
		},
		days: 40,
	})
	checkInvariants(t, res.Snapshots, 500)
	for d := 6; d < len(res.Snapshots); d++ {
		if res.Snapshots[d].Infectious > res.Snapshots[d-1].Infectious {
			t.Fatalf("day %d: infectious rose from %d to %d", d, res.Snapshots[d-1].Infectious, res.Snapshots[d].Infectious)
		}
	}
	if last := res.Snapshots[40]; last.Infectious != 0 {
		t.Fatalf("infectious did not reach 0: %d", last.Infectious)
	}
}

func TestLowR0BurnsOut(t *testing.T) {
	res := run(t, setup{size: 2000, infected: 20, seed: 11, phases: singlePhase(0.5, 5), days: 200})
	checkInvariants(t, res.Snapshots, 2000)
	last := res.Snapshots[200]
	if last.Infectious != 0 || last.Exposed != 0 {
		t.Fatalf("epidemic did not burn out: %+v", last)
	}
	// the loop keeps producing flat snapshots after burn-out
	if res.Snapshots[199].Recovered != last.Recovered {
		t.Fatalf("expected flat tail")
	}
}

func TestSubcriticalOutbreakStaysBelowSeedPeriodAndDiesOut(t *testing.T) {
	const seeds, period = 20, 5
	for _, model := range []string{population.ModelProportional, population.ModelContact} {
		t.Run(model, func(t *testing.T) {
			res := run(t, setup{size: 2000, infected: seeds, seed: 11, model: model, phases: singlePhase(0.5, period), days: 300})
			checkInvariants(t, res.Snapshots, 2000)

			// recovery takes a full period, so the seeds' first offspring can
			// push infectious above its day-0 value
			early := 0
			for _, s := range res.Snapshots[:period] {
				if s.Infectious > early {
					early = s.Infectious
				}
			}
			for _, s := range res.Snapshots[period:] {
				if s.Infectious >= early {
					t.Fatalf("day %d: infectious %d not below first-period high %d", s.Day, s.Infectious, early)
				}
			}

			last := res.Snapshots[300]
			if ever := last.Total() - last.Susceptible; ever > 3*seeds {
				t.Fatalf("ever infected %d, want <= %d", ever, 3*seeds)
			}
			extinct := -1
			for _, s := range res.Snapshots {
				if s.Infectious+s.Exposed == 0 {
					extinct = s.Day
					break
				}
			}
			if extinct < 0 {
				t.Fatalf("outbreak never died out: %+v", last)
			}
			for _, s := range res.Snapshots[extinct:] {
				if s.Infectious+s.Exposed != 0 || s.NewCases != 0 {
					t.Fatalf("day %d: infection came back after dying out on day %d: %+v", s.Day, extinct, s)
				}
			}
		})
	}
}

func TestRunReturnsOnlyItsOwnSnapshots(t *testing.T) {
	rec := recorder.New()
	rec.Record(domain.Snapshot{Day: 99, Phase: "old", Susceptible: 1})
	res := run(t, setup{size: 100, infected: 2, seed: 5, phases: singlePhase(2, 4), days: 2, recorder: rec})
	if len(res.Snapshots) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(res.Snapshots))
	}
	for i, s := range res.Snapshots {
		if s.Day != i {
			t.Fatalf("snapshot %d has day %d", i, s.Day)
		}
	}
	if last := res.Snapshots[2]; res.Summary.Recovered != last.Recovered || res.Summary.Deceased != last.Deceased {
		t.Fatalf("summary %+v does not match last day %+v", res.Summary, last)
	}
	if rec.Len() != 4 {
		t.Fatalf("recorder holds %d rows, want 4", rec.Len())
	}
}

func TestEventIncreasesInfectiousOnItsDay(t *testing.T) {
	base := setup{size: 1000, infected: 5, seed: 99, model: population.ModelProportional, phases: singlePhase(1.5, 8), days: 30}
	withEvent := base
	withEvent.events = []events.Event{{Name: "concert", Day: 12, Exposures: 40}}

	a := run(t, base)
	b := run(t, withEvent)
	if b.Snapshots[12].Infectious <= a.Snapshots[12].Infectious {
		t.Fatalf("event day infectious %d not above baseline %d", b.Snapshots[12].Infectious, a.Snapshots[12].Infectious)
	}
	for d := 0; d < 12; d++ {
		if a.Snapshots[d] != b.Snapshots[d] {
			t.Fatalf("day %d diverged before the event", d)
		}
	}
	if len(b.Events) != 1 || b.Events[0].Exposed != 40 {
		t.Fatalf("unexpected applied events %+v", b.Events)
	}
}

func TestEventBeyondHorizonIgnored(t *testing.T) {
	res := run(t, setup{
		size: 100, infected: 1, seed: 1, phases: singlePhase(1, 5), days: 10,
		events: []events.Event{{Name: "never", Day: 11, Exposures: 50}},
	})
	if len(res.Events) != 0 {
		t.Fatalf("event beyond horizon applied: %+v", res.Events)
	}
}

func TestEventWithIncubationCountsExposed(t *testing.T) {
	res := run(t, setup{
		size: 100, infected: 0, seed: 1, days: 3,
		phases: []phase.Phase{{Name: "p", R0: 0, InfectiousPeriod: 5, IncubationPeriod: 2}},
		events: []events.Event{{Name: "e", Day: 1, Exposures: 10}},
	})
	if got := res.Snapshots[1]; got.Exposed != 10 || got.NewCases != 10 {
		t.Fatalf("day 1 %+v", got)
	}
	if got := res.Snapshots[3]; got.Infectious != 10 {
		t.Fatalf("day 3 %+v", got)
	}
}

func TestPhaseActivationsRecorded(t *testing.T) {
	res := run(t, setup{
		size: 5000, infected: 10, seed: 5,
		phases: []phase.Phase{
			{Name: "normal", R0: 3, InfectiousPeriod: 5},
			{Name: "lockdown", R0: 0.6, InfectiousPeriod: 5, Trigger: &phase.Trigger{Kind: phase.CumulativeCases, Threshold: 200}},
			{Name: "reopen", R0: 1.5, InfectiousPeriod: 5, Trigger: &phase.Trigger{Kind: phase.DaysInPhase, Threshold: 20}},
		},
		days: 120,
	})
	if len(res.Activations) != 2 {
		t.Fatalf("activations %+v", res.Activations)
	}
	lock, reopen := res.Activations[0], res.Activations[1]
	if lock.Phase != "lockdown" || reopen.Phase != "reopen" || reopen.Day-lock.Day != 20 {
		t.Fatalf("unexpected activations %+v", res.Activations)
	}
	if prev := res.Snapshots[lock.Day-1]; prev.Total()-prev.Susceptible < 200 {
		t.Fatalf("lockdown fired before threshold: %+v", res.Snapshots[lock.Day-1])
	}
	lastIndex := 0
	for _, s := range res.Snapshots {
		idx := map[string]int{"normal": 0, "lockdown": 1, "reopen": 2}[s.Phase]
		if idx < lastIndex {
			t.Fatalf("day %d: phase moved back to %s", s.Day, s.Phase)
		}
		lastIndex = idx
	}
}

func TestDaysSincePeakWaitsForDecline(t *testing.T) {
	res := run(t, setup{
		size: 3000, infected: 10, seed: 8,
		phases: []phase.Phase{
			{Name: "wave", R0: 3, InfectiousPeriod: 4},
			{Name: "after", R0: 1, InfectiousPeriod: 4, Trigger: &phase.Trigger{Kind: phase.DaysSincePeak, Threshold: 3}},
		},
		days: 150,
	})
	if len(res.Activations) != 1 {
		t.Fatalf("expected one activation, got %+v", res.Activations)
	}
	act := res.Activations[0].Day
	peak := res.Summary.MaxNewCasesDay
	if peak == 0 || act-peak < 3 {
		t.Fatalf("activated on day %d, peak day %d", act, peak)
	}
}

func TestSeedsAreNotConfirmed(t *testing.T) {
	rep := Reporting{Enabled: true, DetectionRate: 1}
	res := run(t, setup{size: 300, infected: 10, seed: 6, phases: singlePhase(0, 5), days: 10, reporting: rep})
	for _, s := range res.Snapshots {
		if s.Confirmed != 0 {
			t.Fatalf("day %d: confirmed %d from seeds alone", s.Day, s.Confirmed)
		}
	}
	if res.Summary.CumulativeCases != 10 || res.Summary.CumulativeConfirmed != 0 {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
}

func TestPeakTieMovesPeakDay(t *testing.T) {
	st := newState(0)
	steps := []struct {
		newCases int
		peak     int
		ok       bool
	}{
		{0, 0, false},
		{10, 0, false},
		{5, 1, true},
		{10, 0, false},
		{4, 3, true},
	}
	for day, step := range steps {
		st.day = day
		st.observe(step.newCases, 0, 0, 0)
		peak, ok := st.PeakDay()
		if ok != step.ok || (ok && peak != step.peak) {
			t.Fatalf("day %d: PeakDay() = %d, %v, want %d, %v", day, peak, ok, step.peak, step.ok)
		}
	}
}

func TestMaxInfectiousDayKeepsFirstHigh(t *testing.T) {
	st := newState(0)
	if _, ok := st.MaxInfectiousDay(); ok {
		t.Fatalf("expected no max before any infection")
	}
	for day, infectious := range []int{3, 8, 8, 6} {
		st.day = day
		st.observe(0, infectious, 0, 0)
	}
	if day, ok := st.MaxInfectiousDay(); !ok || day != 1 {
		t.Fatalf("MaxInfectiousDay() = %d, %v, want 1, true", day, ok)
	}
}

func TestDaysSinceMaxInfectiousTrigger(t *testing.T) {
	res := run(t, setup{
		size: 3000, infected: 10, seed: 8,
		phases: []phase.Phase{
			{Name: "wave", R0: 3, InfectiousPeriod: 4},
			{Name: "closed", R0: 0, InfectiousPeriod: 4, Trigger: &phase.Trigger{Kind: phase.DaysSinceMaxInfectious, Threshold: 5}},
		},
		days: 150,
	})
	if len(res.Activations) != 1 {
		t.Fatalf("expected one activation, got %+v", res.Activations)
	}
	act := res.Activations[0].Day
	peak := res.Summary.MaxInfectiousDay
	if peak == 0 || act-peak < 5 {
		t.Fatalf("activated on day %d, infectious peak day %d", act, peak)
	}
}

func TestDayOfSimulationTrigger(t *testing.T) {
	res := run(t, setup{
		size: 500, infected: 5, seed: 2,
		phases: []phase.Phase{
			{Name: "open", R0: 2, InfectiousPeriod: 5},
			{Name: "closed", R0: 0.5, InfectiousPeriod: 5, Trigger: &phase.Trigger{Kind: phase.DayOfSimulation, Threshold: 12}},
		},
		days: 30,
	})
	if len(res.Activations) != 1 || res.Activations[0].Day != 12 {
		t.Fatalf("unexpected activations %+v", res.Activations)
	}
	if res.Snapshots[11].Phase != "open" || res.Snapshots[12].Phase != "closed" {
		t.Fatalf("phase switch not on day 12: %s, %s", res.Snapshots[11].Phase, res.Snapshots[12].Phase)
	}
}

func TestReportingDerivedMetrics(t *testing.T) {
	rep := Reporting{Enabled: true, DetectionRate: 0.5, LagDays: 2, HospitalizationRate: 0.1, CriticalRate: 0.02}
	res := run(t, setup{size: 2000, infected: 20, seed: 4, phases: singlePhase(2, 6), days: 40, reporting: rep})
	var cumulative int
	for _, s := range res.Snapshots {
		if s.Confirmed > s.Estimated {
			t.Fatalf("day %d: confirmed %d above estimated %d", s.Day, s.Confirmed, s.Estimated)
		}
		if s.Day >= 2 {
			cumulative += res.Snapshots[s.Day-2].NewCases
		}
		if want := cumulative / 2; s.Confirmed < want-1 || s.Confirmed > want {
			t.Fatalf("day %d: confirmed %d, want about %d", s.Day, s.Confirmed, want)
		}
		if s.Hospitalized > s.Infectious || s.Critical > s.Hospitalized {
			t.Fatalf("day %d: bad hospital figures %+v", s.Day, s)
		}
	}
	if res.Snapshots[0].Confirmed != 0 || res.Snapshots[1].Confirmed != 0 {
		t.Fatalf("lag ignored")
	}

	plain := run(t, setup{size: 2000, infected: 20, seed: 4, phases: singlePhase(2, 6), days: 40})
	for _, s := range plain.Snapshots {
		if s.Confirmed != 0 || s.Estimated != 0 || s.Hospitalized != 0 || s.Critical != 0 {
			t.Fatalf("reporting disabled but got %+v", s)
		}
	}
}

func TestPhaseDetectionOverride(t *testing.T) {
	none := 0.0
	rep := Reporting{Enabled: true, DetectionRate: 1}
	res := run(t, setup{
		size: 1000, infected: 10, seed: 2, days: 20, reporting: rep,
		phases: []phase.Phase{{Name: "blind", R0: 2, InfectiousPeriod: 5, DetectionRate: &none}},
	})
	if got := res.Snapshots[20].Confirmed; got != 0 {
		t.Fatalf("confirmed %d with zero detection", got)
	}
}

func TestSameSeedIsReproducible(t *testing.T) {
	s := setup{size: 1500, infected: 15, seed: 2024, model: population.ModelContact, phases: singlePhase(2, 5), days: 50,
		events: []events.Event{{Name: "fair", Day: 20, Exposures: 30}}}
	a, b := run(t, s), run(t, s)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed produced different results")
	}
}

func TestRunValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pop, _ := population.New(10, 1, rng)
	sched, _ := phase.NewSchedule(singlePhase(1, 1))
	model, _ := population.NewTransmission("", 0)
	tests := []struct {
		name string
		in   Input
	}{
		{"no population", Input{Schedule: sched, Model: model}},
		{"no schedule", Input{Population: pop, Model: model}},
		{"no model", Input{Population: pop, Schedule: sched}},
		{"negative days", Input{Population: pop, Schedule: sched, Model: model, Days: -1}},
		{"bad reporting", Input{Population: pop, Schedule: sched, Model: model, Reporting: Reporting{DetectionRate: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(tt.in); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
