// Package phase holds the ordered phase schedule of a simulation and the
// triggers that move it forward.
package phase

import (
	"errors"
	"fmt"

	"episim/internal/population"
)

type TriggerKind string

const (
	DaysElapsed         TriggerKind = "days_elapsed"
	DaysInPhase         TriggerKind = "days_in_phase"
	CumulativeCases     TriggerKind = "cumulative_cases"
	CumulativeConfirmed TriggerKind = "cumulative_confirmed"
	DailyConfirmedAbove TriggerKind = "daily_confirmed_above"
	DailyConfirmedBelow TriggerKind = "daily_confirmed_below"
	DaysSincePeak       TriggerKind = "days_since_peak"

	// DaysSinceMaxInfectious counts from the day the infectious count last
	// set a new high. DayOfSimulation fires on exactly one day.
	DaysSinceMaxInfectious TriggerKind = "days_since_max_infectious"
	DayOfSimulation        TriggerKind = "day_of_simulation"
)

// Kinds lists every supported trigger kind.
var Kinds = []TriggerKind{
	DaysElapsed, DaysInPhase, CumulativeCases, CumulativeConfirmed,
	DailyConfirmedAbove, DailyConfirmedBelow, DaysSincePeak,
	DaysSinceMaxInfectious, DayOfSimulation,
}

func ValidKind(k TriggerKind) bool {
	for _, kind := range Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

type Trigger struct {
	Kind      TriggerKind `json:"kind" yaml:"kind"`
	Threshold int         `json:"threshold" yaml:"threshold"`
}

func (t Trigger) String() string {
	return fmt.Sprintf("%s(%d)", t.Kind, t.Threshold)
}

func (t Trigger) Validate() error {
	if !ValidKind(t.Kind) {
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	if t.Threshold < 0 {
		return fmt.Errorf("trigger %s has negative threshold %d", t.Kind, t.Threshold)
	}
	return nil
}

// State is the read-only view of the simulation a trigger is tested against.
type State interface {
	CurrentDay() int
	PhaseStartDay() int
	CumulativeCases() int
	CumulativeConfirmed() int
	LastNewConfirmed() int
	// PeakDay reports the day of the running new-cases peak once the
	// curve has declined after it.
	PeakDay() (int, bool)
	MaxInfectiousDay() (int, bool)
}

// Satisfied evaluates the trigger against s.
func (t Trigger) Satisfied(s State) bool {
	day := s.CurrentDay()
	switch t.Kind {
	case DaysElapsed:
		return day >= t.Threshold
	case DaysInPhase:
		return day-s.PhaseStartDay() >= t.Threshold
	case CumulativeCases:
		return s.CumulativeCases() >= t.Threshold
	case CumulativeConfirmed:
		return s.CumulativeConfirmed() >= t.Threshold
	case DailyConfirmedAbove:
		return s.LastNewConfirmed() >= t.Threshold
	case DailyConfirmedBelow:
		return s.LastNewConfirmed() <= t.Threshold
	case DaysSincePeak:
		peak, ok := s.PeakDay()
		return ok && day-peak >= t.Threshold
	case DaysSinceMaxInfectious:
		peak, ok := s.MaxInfectiousDay()
		return ok && day-peak >= t.Threshold
	case DayOfSimulation:
		return day == t.Threshold
	default:
		return false
	}
}

type Phase struct {
	Name             string
	R0               float64
	InfectiousPeriod int
	IncubationPeriod int
	MortalityRate    float64
	// DetectionRate overrides the reporting detection rate when set.
	DetectionRate *float64
	// Trigger is nil only for the first phase.
	Trigger *Trigger
}

func (p Phase) Params() population.Params {
	return population.Params{
		R0:               p.R0,
		InfectiousPeriod: p.InfectiousPeriod,
		IncubationPeriod: p.IncubationPeriod,
		MortalityRate:    p.MortalityRate,
	}
}

// Schedule tracks which phase is active. Activation only moves forward.
type Schedule struct {
	phases []Phase
	active int
}

func NewSchedule(phases []Phase) (*Schedule, error) {
	if len(phases) == 0 {
		return nil, errors.New("phase list is empty")
	}
	for i, p := range phases {
		if p.InfectiousPeriod <= 0 {
			return nil, fmt.Errorf("phase %s: infectious period must be > 0", p.Name)
		}
		if p.IncubationPeriod < 0 {
			return nil, fmt.Errorf("phase %s: incubation period must be >= 0", p.Name)
		}
		if p.R0 < 0 {
			return nil, fmt.Errorf("phase %s: r0 must be >= 0", p.Name)
		}
		if p.MortalityRate < 0 || p.MortalityRate > 1 {
			return nil, fmt.Errorf("phase %s: mortality rate must be within [0,1]", p.Name)
		}
		if i == 0 {
			continue
		}
		if p.Trigger == nil {
			return nil, fmt.Errorf("phase %s: trigger required", p.Name)
		}
		if err := p.Trigger.Validate(); err != nil {
			return nil, fmt.Errorf("phase %s: %w", p.Name, err)
		}
	}
	return &Schedule{phases: phases}, nil
}

func (s *Schedule) Len() int { return len(s.phases) }

func (s *Schedule) Phases() []Phase { return s.phases }

func (s *Schedule) ActiveIndex() int { return s.active }

func (s *Schedule) Active() Phase { return s.phases[s.active] }

// Evaluate activates the first later phase whose trigger is satisfied.
// Phases before it are superseded for the rest of the run.
func (s *Schedule) Evaluate(st State) (Phase, bool) {
	for i := s.active + 1; i < len(s.phases); i++ {
		if s.phases[i].Trigger.Satisfied(st) {
			s.active = i
			return s.phases[i], true
		}
	}
	return s.phases[s.active], false
}
