package events

import (
	"math/rand"
	"testing"

	"episim/internal/population"
)

func TestScheduleApply(t *testing.T) {
	s, err := NewSchedule([]Event{
		{Name: "concert", Day: 3, Exposures: 5},
		{Name: "match", Day: 3, Exposures: 2},
		{Name: "late", Day: 400, Exposures: 1},
	})
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	pop, _ := population.New(50, 0, rand.New(rand.NewSource(1)))
	if got := s.Apply(2, pop, 0); len(got) != 0 {
		t.Fatalf("expected nothing on day 2, got %+v", got)
	}
	applied := s.Apply(3, pop, 0)
	if len(applied) != 2 {
		t.Fatalf("expected two events, got %d", len(applied))
	}
	if applied[0].Name != "concert" || applied[0].Exposed != 5 || applied[1].Exposed != 2 {
		t.Fatalf("unexpected applied events %+v", applied)
	}
	if c := pop.Counts(); c.Infectious != 7 {
		t.Fatalf("expected 7 infectious, got %+v", c)
	}
	if days := s.Days(); len(days) != 2 || days[0] != 3 || days[1] != 400 {
		t.Fatalf("unexpected days %v", days)
	}
}

func TestScheduleValidation(t *testing.T) {
	if _, err := NewSchedule([]Event{{Name: "x", Day: -1, Exposures: 1}}); err == nil {
		t.Fatalf("expected negative day error")
	}
	if _, err := NewSchedule([]Event{{Name: "x", Day: 1, Exposures: -1}}); err == nil {
		t.Fatalf("expected negative exposures error")
	}
}

func TestNilScheduleIsEmpty(t *testing.T) {
	var s *Schedule
	if s.On(1) != nil || s.Days() != nil {
		t.Fatalf("nil schedule should be empty")
	}
	pop, _ := population.New(1, 0, rand.New(rand.NewSource(1)))
	if got := s.Apply(1, pop, 0); got != nil {
		t.Fatalf("nil schedule applied %+v", got)
	}
}
