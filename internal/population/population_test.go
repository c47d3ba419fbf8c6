package population

import (
	"math/rand"
	"testing"
)

func newRNG() *rand.Rand { return rand.New(rand.NewSource(42)) }

func TestNewSeedsInitialInfected(t *testing.T) {
	p, err := New(100, 7, newRNG())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c := p.Counts()
	if c.Infectious != 7 || c.Susceptible != 93 {
		t.Fatalf("unexpected counts: %+v", c)
	}
	for i := 0; i < p.Size(); i++ {
		a := p.Agent(i)
		if a.State == Infectious && (a.DayInfected != 0 || a.DayInfectious != 0) {
			t.Fatalf("agent %d infectious with days %d/%d", i, a.DayInfected, a.DayInfectious)
		}
		if a.State == Susceptible && a.DayInfected != Never {
			t.Fatalf("susceptible agent %d has infection day %d", i, a.DayInfected)
		}
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		infected int
		rng      *rand.Rand
	}{
		{"negative size", -1, 0, newRNG()},
		{"negative infected", 10, -1, newRNG()},
		{"infected exceeds size", 3, 4, newRNG()},
		{"nil rng", 10, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.size, tt.infected, tt.rng); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEmptyPopulation(t *testing.T) {
	p, err := New(0, 0, newRNG())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	model, _ := NewTransmission(ModelProportional, 0)
	res := p.Step(1, Params{R0: 3, InfectiousPeriod: 5}, model)
	if res != (StepResult{}) {
		t.Fatalf("expected empty step result, got %+v", res)
	}
	if c := p.Counts(); c != (Counts{}) {
		t.Fatalf("expected zero counts, got %+v", c)
	}
}

func TestInfectiousRecoverAfterPeriod(t *testing.T) {
	p, _ := New(10, 10, newRNG())
	params := Params{R0: 0, InfectiousPeriod: 3}
	for day := 1; day < 3; day++ {
		p.Step(day, params, nil)
		if got := p.Counts().Infectious; got != 10 {
			t.Fatalf("day %d: infectious %d, want 10", day, got)
		}
	}
	res := p.Step(3, params, nil)
	if res.NewRecovered != 10 {
		t.Fatalf("expected 10 recoveries on day 3, got %d", res.NewRecovered)
	}
	for i := 0; i < p.Size(); i++ {
		if p.Agent(i).DayRecovered != 3 {
			t.Fatalf("agent %d recovered on %d", i, p.Agent(i).DayRecovered)
		}
	}
}

func TestMortalityMovesToDeceased(t *testing.T) {
	p, _ := New(20, 20, newRNG())
	res := p.Step(1, Params{InfectiousPeriod: 1, MortalityRate: 1}, nil)
	if res.NewDeaths != 20 || p.Counts().Deceased != 20 {
		t.Fatalf("expected everyone deceased, got %+v", p.Counts())
	}
}

func TestIncubationDelaysInfectiousness(t *testing.T) {
	p, _ := New(10, 0, newRNG())
	if got := p.Expose(1, 4, 2); got != 4 {
		t.Fatalf("exposed %d, want 4", got)
	}
	params := Params{InfectiousPeriod: 5, IncubationPeriod: 2}
	p.Step(2, params, nil)
	if c := p.Counts(); c.Exposed != 4 {
		t.Fatalf("day 2: %+v", c)
	}
	res := p.Step(3, params, nil)
	if res.NewInfectious != 4 || p.Counts().Infectious != 4 {
		t.Fatalf("day 3: %+v %+v", res, p.Counts())
	}
}

func TestExposeBoundedBySusceptible(t *testing.T) {
	p, _ := New(5, 2, newRNG())
	if got := p.Expose(0, 10, 0); got != 3 {
		t.Fatalf("exposed %d, want 3", got)
	}
	if got := p.Expose(0, 1, 0); got != 0 {
		t.Fatalf("exposed %d from empty pool", got)
	}
	if got := p.Expose(0, -2, 0); got != 0 {
		t.Fatalf("negative exposure returned %d", got)
	}
}

func TestProportionalCarriesFraction(t *testing.T) {
	p, _ := New(1000, 1, newRNG())
	m := &Proportional{}
	// beta = 0.6, so the carry crosses 1 on the second day.
	params := Params{R0: 6, InfectiousPeriod: 10}
	if got := m.Spread(p, 1, params); got != 0 {
		t.Fatalf("day 1 spread %d, want 0", got)
	}
	if got := m.Spread(p, 2, params); got != 1 {
		t.Fatalf("day 2 spread %d, want 1", got)
	}
}

func TestContactProbability(t *testing.T) {
	m := &Contact{ContactsPerDay: 10}
	got := m.Probability(Params{R0: 1.2, InfectiousPeriod: 4})
	if got < 0.0299 || got > 0.0301 {
		t.Fatalf("probability %f, want 0.03", got)
	}
}

func TestContactSpreadsWithinBounds(t *testing.T) {
	p, _ := New(500, 50, newRNG())
	m := &Contact{ContactsPerDay: 10}
	exposed := m.Spread(p, 1, Params{R0: 10, InfectiousPeriod: 1, IncubationPeriod: 1})
	c := p.Counts()
	if exposed <= 0 || exposed != c.Exposed {
		t.Fatalf("exposed %d, counts %+v", exposed, c)
	}
	if c.Susceptible+c.Exposed+c.Infectious != 500 {
		t.Fatalf("counts do not sum: %+v", c)
	}
}

func TestNewTransmission(t *testing.T) {
	if _, err := NewTransmission("gravity", 1); err == nil {
		t.Fatalf("expected unknown model error")
	}
	if _, err := NewTransmission(ModelContact, 0); err == nil {
		t.Fatalf("expected contacts error")
	}
	m, err := NewTransmission("", 0)
	if err != nil {
		t.Fatalf("default model: %v", err)
	}
	if _, ok := m.(*Proportional); !ok {
		t.Fatalf("default model is %T", m)
	}
}
