package population

import (
	"errors"
	"fmt"
	"math/rand"
)

type State string

const (
	Susceptible State = "susceptible"
	Exposed     State = "exposed"
	Infectious  State = "infectious"
	Recovered   State = "recovered"
	Deceased    State = "deceased"
)

// Never marks a bookkeeping day that has not happened.
const Never = -1

type Agent struct {
	State         State
	DayInfected   int
	DayInfectious int
	DayRecovered  int
}

// Params are the disease and transmission parameters of the active phase.
type Params struct {
	R0               float64
	InfectiousPeriod int
	IncubationPeriod int
	MortalityRate    float64
}

// DailyRate is the expected number of transmissions per infectious agent
// per day in a fully susceptible population.
func (p Params) DailyRate() float64 {
	if p.InfectiousPeriod <= 0 {
		return 0
	}
	return p.R0 / float64(p.InfectiousPeriod)
}

type Counts struct {
	Susceptible int `json:"susceptible"`
	Exposed     int `json:"exposed"`
	Infectious  int `json:"infectious"`
	Recovered   int `json:"recovered"`
	Deceased    int `json:"deceased"`
}

// Ever is everyone who has left the susceptible state.
func (c Counts) Ever() int {
	return c.Exposed + c.Infectious + c.Recovered + c.Deceased
}

type StepResult struct {
	NewExposed    int
	NewInfectious int
	NewRecovered  int
	NewDeaths     int
}

// Population owns the agents of a single run.
type Population struct {
	agents []Agent
	rng    *rand.Rand
}

// New seeds size agents, initialInfected of them infectious on day 0.
func New(size, initialInfected int, rng *rand.Rand) (*Population, error) {
	if rng == nil {
		return nil, errors.New("population rng is required")
	}
	if size < 0 {
		return nil, fmt.Errorf("population size must be >= 0, got %d", size)
	}
	if initialInfected < 0 {
		return nil, fmt.Errorf("initial infected must be >= 0, got %d", initialInfected)
	}
	if initialInfected > size {
		return nil, fmt.Errorf("initial infected %d exceeds population size %d", initialInfected, size)
	}
	p := &Population{agents: make([]Agent, size), rng: rng}
	for i := range p.agents {
		p.agents[i] = Agent{State: Susceptible, DayInfected: Never, DayInfectious: Never, DayRecovered: Never}
	}
	if initialInfected > 0 {
		for _, i := range rng.Perm(size)[:initialInfected] {
			p.agents[i].State = Infectious
			p.agents[i].DayInfected = 0
			p.agents[i].DayInfectious = 0
		}
	}
	return p, nil
}

func (p *Population) Size() int { return len(p.agents) }

// Agent returns a copy of agent i.
func (p *Population) Agent(i int) Agent { return p.agents[i] }

func (p *Population) Counts() Counts {
	var c Counts
	for _, a := range p.agents {
		switch a.State {
		case Susceptible:
			c.Susceptible++
		case Exposed:
			c.Exposed++
		case Infectious:
			c.Infectious++
		case Recovered:
			c.Recovered++
		case Deceased:
			c.Deceased++
		}
	}
	return c
}

// Expose forces up to k random susceptible agents into infection on day.
// It returns how many were actually exposed.
func (p *Population) Expose(day, k, incubation int) int {
	if k <= 0 {
		return 0
	}
	return p.infectRandom(day, k, incubation)
}

// Step advances every agent by one day and then spreads the disease with
// the given transmission model.
func (p *Population) Step(day int, params Params, model Transmission) StepResult {
	var res StepResult
	for i := range p.agents {
		a := &p.agents[i]
		switch a.State {
		case Exposed:
			if day-a.DayInfected >= params.IncubationPeriod {
				a.State = Infectious
				a.DayInfectious = day
				res.NewInfectious++
			}
		case Infectious:
			if day-a.DayInfectious >= params.InfectiousPeriod {
				a.DayRecovered = day
				if params.MortalityRate > 0 && p.rng.Float64() < params.MortalityRate {
					a.State = Deceased
					res.NewDeaths++
				} else {
					a.State = Recovered
					res.NewRecovered++
				}
			}
		}
	}
	if model != nil {
		res.NewExposed = model.Spread(p, day, params)
	}
	return res
}

func (p *Population) indicesIn(state State) []int {
	var idx []int
	for i, a := range p.agents {
		if a.State == state {
			idx = append(idx, i)
		}
	}
	return idx
}

// infectRandom picks k distinct susceptible agents with a partial shuffle.
func (p *Population) infectRandom(day, k, incubation int) int {
	idx := p.indicesIn(Susceptible)
	if k > len(idx) {
		k = len(idx)
	}
	for i := 0; i < k; i++ {
		j := i + p.rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		p.infect(idx[i], day, incubation)
	}
	return k
}

func (p *Population) infect(i, day, incubation int) {
	a := &p.agents[i]
	a.DayInfected = day
	if incubation <= 0 {
		a.State = Infectious
		a.DayInfectious = day
		return
	}
	a.State = Exposed
}
