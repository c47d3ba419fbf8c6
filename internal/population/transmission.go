package population

import "fmt"

const (
	ModelProportional = "proportional"
	ModelContact      = "contact"
)

// Transmission computes the new exposures of one day and applies them to
// the population. Implementations may keep per-run state and must not be
// shared between runs.
type Transmission interface {
	Spread(p *Population, day int, params Params) int
}

// NewTransmission builds a fresh model for one run.
func NewTransmission(model string, contactsPerDay int) (Transmission, error) {
	switch model {
	case "", ModelProportional:
		return &Proportional{}, nil
	case ModelContact:
		if contactsPerDay <= 0 {
			return nil, fmt.Errorf("contact model needs contacts_per_day > 0, got %d", contactsPerDay)
		}
		return &Contact{ContactsPerDay: contactsPerDay}, nil
	default:
		return nil, fmt.Errorf("unknown transmission model %q", model)
	}
}

// Proportional infects the expected number of agents, beta*I*S/N, carrying
// the fractional part over to the next day.
type Proportional struct {
	carry float64
}

func (m *Proportional) Spread(p *Population, day int, params Params) int {
	n := p.Size()
	if n == 0 {
		return 0
	}
	c := p.Counts()
	if c.Infectious == 0 || c.Susceptible == 0 {
		m.carry = 0
		return 0
	}
	expected := params.DailyRate()*float64(c.Infectious)*float64(c.Susceptible)/float64(n) + m.carry
	k := int(expected)
	m.carry = expected - float64(k)
	return p.infectRandom(day, k, params.IncubationPeriod)
}

// Contact is the stochastic contact model: each infectious agent meets
// ContactsPerDay random agents and infects a susceptible contact with
// probability beta/ContactsPerDay.
type Contact struct {
	ContactsPerDay int
}

// Probability is the per-contact transmission probability for params.
func (m *Contact) Probability(params Params) float64 {
	return params.DailyRate() / float64(m.ContactsPerDay)
}

func (m *Contact) Spread(p *Population, day int, params Params) int {
	n := p.Size()
	if n == 0 {
		return 0
	}
	prob := m.Probability(params)
	if prob <= 0 {
		return 0
	}
	spreaders := p.Counts().Infectious
	exposed := 0
	for i := 0; i < spreaders; i++ {
		for c := 0; c < m.ContactsPerDay; c++ {
			j := p.rng.Intn(n)
			if p.agents[j].State != Susceptible {
				continue
			}
			if p.rng.Float64() < prob {
				p.infect(j, day, params.IncubationPeriod)
				exposed++
			}
		}
	}
	return exposed
}
