// Package sim runs the day-by-day simulation loop over one population.
package sim

import (
	"errors"
	"fmt"
	"math"

	"episim/internal/domain"
	"episim/internal/events"
	"episim/internal/phase"
	"episim/internal/population"
	"episim/internal/recorder"
)

// Reporting turns true counts into the reported series.
type Reporting struct {
	Enabled             bool
	DetectionRate       float64
	LagDays             int
	HospitalizationRate float64
	CriticalRate        float64
}

func (r Reporting) Validate() error {
	for name, v := range map[string]float64{
		"detection rate":       r.DetectionRate,
		"hospitalization rate": r.HospitalizationRate,
		"critical rate":        r.CriticalRate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %g", name, v)
		}
	}
	if r.LagDays < 0 {
		return fmt.Errorf("reporting lag must be >= 0, got %d", r.LagDays)
	}
	return nil
}

type Input struct {
	Population *population.Population
	Schedule   *phase.Schedule
	Model      population.Transmission
	Days       int
	Events     *events.Schedule
	Reporting  Reporting
	// Recorder receives every snapshot; a fresh one is used when nil.
	// Rows it already holds are kept but not returned in Result.
	Recorder *recorder.Recorder
}

type Result struct {
	Snapshots   []domain.Snapshot
	Activations []domain.PhaseActivation
	Events      []domain.AppliedEvent
	Summary     domain.Summary
}

// Run simulates days 0..in.Days. Day 0 records the seeded population (plus
// any day-0 events); every later day applies events, evaluates the phase
// schedule, steps the population and records a snapshot.
func Run(in Input) (Result, error) {
	if in.Population == nil {
		return Result{}, errors.New("population is required")
	}
	if in.Schedule == nil {
		return Result{}, errors.New("phase schedule is required")
	}
	if in.Model == nil {
		return Result{}, errors.New("transmission model is required")
	}
	if in.Days < 0 {
		return Result{}, fmt.Errorf("simulation days must be >= 0, got %d", in.Days)
	}
	if err := in.Reporting.Validate(); err != nil {
		return Result{}, err
	}
	rec := in.Recorder
	if rec == nil {
		rec = recorder.New()
	}

	var res Result
	start := rec.Len()
	st := newState(in.Population.Counts().Ever())
	for day := 0; day <= in.Days; day++ {
		st.day = day
		active := in.Schedule.Active()

		applied := in.Events.Apply(day, in.Population, active.IncubationPeriod)
		newCases := 0
		for _, a := range applied {
			newCases += a.Exposed
		}
		res.Events = append(res.Events, applied...)

		if day > 0 {
			p, changed := in.Schedule.Evaluate(st)
			if changed {
				st.phaseIndex = in.Schedule.ActiveIndex()
				st.phaseStart = day
				res.Activations = append(res.Activations, domain.PhaseActivation{
					Phase: p.Name,
					Index: st.phaseIndex,
					Day:   day,
				})
			}
			active = p
			step := in.Population.Step(day, active.Params(), in.Model)
			newCases += step.NewExposed
		}

		detection := in.Reporting.DetectionRate
		if active.DetectionRate != nil {
			detection = *active.DetectionRate
		}
		counts := in.Population.Counts()
		st.observe(newCases, counts.Infectious, detection, in.Reporting.LagDays)

		snap := snapshot(day, active.Name, counts, newCases, st, in.Reporting)
		rec.Record(snap)
		summarize(&res.Summary, snap)
	}

	res.Snapshots = rec.Snapshots()[start:]
	final := res.Snapshots[len(res.Snapshots)-1]
	res.Summary.CumulativeCases = st.CumulativeCases()
	res.Summary.CumulativeConfirmed = st.CumulativeConfirmed()
	res.Summary.Recovered = final.Recovered
	res.Summary.Deceased = final.Deceased
	res.Summary.Activations = res.Activations
	return res, nil
}

func snapshot(day int, phaseName string, c population.Counts, newCases int, st *State, r Reporting) domain.Snapshot {
	s := domain.Snapshot{
		Day:         day,
		Phase:       phaseName,
		Susceptible: c.Susceptible,
		Exposed:     c.Exposed,
		Infectious:  c.Infectious,
		Recovered:   c.Recovered,
		Deceased:    c.Deceased,
		NewCases:    newCases,
	}
	if !r.Enabled {
		return s
	}
	s.Confirmed = st.CumulativeConfirmed()
	s.Estimated = c.Ever()
	s.Hospitalized = int(math.Round(r.HospitalizationRate * float64(c.Infectious)))
	s.Critical = int(math.Round(r.CriticalRate * float64(c.Infectious)))
	return s
}

func summarize(sum *domain.Summary, s domain.Snapshot) {
	if s.NewCases > sum.MaxNewCases {
		sum.MaxNewCases = s.NewCases
		sum.MaxNewCasesDay = s.Day
	}
	if s.Infectious > sum.MaxInfectious {
		sum.MaxInfectious = s.Infectious
		sum.MaxInfectiousDay = s.Day
	}
}
