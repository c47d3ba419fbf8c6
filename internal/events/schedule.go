package events

import (
	"fmt"
	"sort"

	"episim/internal/domain"
	"episim/internal/population"
)

// Event forces extra exposures on a given day, e.g. a concert.
type Event struct {
	Name      string `json:"name" yaml:"name"`
	Day       int    `json:"day" yaml:"day"`
	Exposures int    `json:"exposures" yaml:"exposures"`
}

// Schedule maps days to the events injected on them. A nil Schedule has no
// events.
type Schedule struct {
	byDay map[int][]Event
}

func NewSchedule(evts []Event) (*Schedule, error) {
	s := &Schedule{byDay: make(map[int][]Event)}
	for _, e := range evts {
		if e.Day < 0 {
			return nil, fmt.Errorf("event %q has negative day %d", e.Name, e.Day)
		}
		if e.Exposures < 0 {
			return nil, fmt.Errorf("event %q has negative exposures %d", e.Name, e.Exposures)
		}
		s.byDay[e.Day] = append(s.byDay[e.Day], e)
	}
	return s, nil
}

// On returns the events scheduled for day in declaration order.
func (s *Schedule) On(day int) []Event {
	if s == nil {
		return nil
	}
	return s.byDay[day]
}

// Days returns the scheduled days in ascending order.
func (s *Schedule) Days() []int {
	if s == nil {
		return nil
	}
	days := make([]int, 0, len(s.byDay))
	for d := range s.byDay {
		days = append(days, d)
	}
	sort.Ints(days)
	return days
}

// Apply exposes the population to every event scheduled for day.
func (s *Schedule) Apply(day int, pop *population.Population, incubation int) []domain.AppliedEvent {
	var applied []domain.AppliedEvent
	for _, e := range s.On(day) {
		n := pop.Expose(day, e.Exposures, incubation)
		applied = append(applied, domain.AppliedEvent{
			Name:      e.Name,
			Day:       day,
			Requested: e.Exposures,
			Exposed:   n,
		})
	}
	return applied
}
