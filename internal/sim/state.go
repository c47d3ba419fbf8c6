package sim

import "math"

// State is the per-run simulation state. It is created by Run and never
// shared between runs.
type State struct {
	day        int
	phaseIndex int
	phaseStart int

	cumulativeCases  int
	confirmedAcc     float64
	confirmed        int
	lastNewConfirmed int

	newCases  []int
	prevNew   int
	peakNew   int
	peakDay   int
	declining bool

	maxInfectious    int
	maxInfectiousDay int
}

func newState(initialCases int) *State {
	return &State{cumulativeCases: initialCases}
}

func (s *State) CurrentDay() int          { return s.day }
func (s *State) PhaseIndex() int          { return s.phaseIndex }
func (s *State) PhaseStartDay() int       { return s.phaseStart }
func (s *State) CumulativeCases() int     { return s.cumulativeCases }
func (s *State) CumulativeConfirmed() int { return s.confirmed }
func (s *State) LastNewConfirmed() int    { return s.lastNewConfirmed }

// PeakDay returns the day of the highest new-case count so far, but only
// once new cases have dropped after rising to it.
func (s *State) PeakDay() (int, bool) {
	if !s.declining {
		return 0, false
	}
	return s.peakDay, true
}

// MaxInfectiousDay returns the first day the infectious count reached its
// running maximum. It reports false while nobody has been infectious.
func (s *State) MaxInfectiousDay() (int, bool) {
	if s.maxInfectious == 0 {
		return 0, false
	}
	return s.maxInfectiousDay, true
}

// NewCases returns the new-case count recorded for day.
func (s *State) NewCases(day int) int {
	if day < 0 || day >= len(s.newCases) {
		return 0
	}
	return s.newCases[day]
}

// observe folds the closing numbers of the current day into the state.
// A day that ties the running peak moves the peak to that day.
func (s *State) observe(newCases, infectious int, detectionRate float64, lagDays int) {
	s.newCases = append(s.newCases, newCases)
	switch {
	case newCases > 0 && newCases >= s.peakNew:
		s.peakNew = newCases
		s.peakDay = s.day
		s.declining = false
	case newCases < s.prevNew && s.peakNew > 0:
		s.declining = true
	}
	s.prevNew = newCases
	s.cumulativeCases += newCases
	if infectious > s.maxInfectious {
		s.maxInfectious = infectious
		s.maxInfectiousDay = s.day
	}

	s.lastNewConfirmed = 0
	src := s.day - lagDays
	if src < 0 {
		return
	}
	prev := s.confirmed
	s.confirmedAcc += detectionRate * float64(s.newCases[src])
	s.confirmed = int(math.Floor(s.confirmedAcc + 1e-9))
	s.lastNewConfirmed = s.confirmed - prev
}
