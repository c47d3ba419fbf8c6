package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"episim/internal/events"
	"episim/internal/phase"
	"episim/internal/population"
	"episim/internal/recorder"
	"episim/internal/sim"
)

// CurrentVersion is the newest scenario format.
const CurrentVersion = 3

// Config models episim.yml.
type Config struct {
	Version      int            `yaml:"version" json:"version"`
	Scenario     Scenario       `yaml:"scenario" json:"scenario"`
	Population   Population     `yaml:"population" json:"population"`
	Simulation   Simulation     `yaml:"simulation" json:"simulation"`
	Features     Features       `yaml:"features,omitempty" json:"features,omitempty"`
	Transmission Transmission   `yaml:"transmission" json:"transmission"`
	Disease      Disease        `yaml:"disease" json:"disease"`
	Reporting    Reporting      `yaml:"reporting" json:"reporting"`
	Phases       []Phase        `yaml:"phases" json:"phases"`
	Events       []events.Event `yaml:"events,omitempty" json:"events,omitempty"`
}

type Scenario struct {
	Name string `yaml:"name" json:"name"`
	Seed int64  `yaml:"seed" json:"seed"`
}

type Population struct {
	Size            int `yaml:"size" json:"size"`
	InitialInfected int `yaml:"initial_infected" json:"initial_infected"`
}

type Simulation struct {
	Days int `yaml:"days" json:"days"`
}

// Features switch optional behavior on and off. Unset flags follow the
// scenario version.
type Features struct {
	Phases    *bool `yaml:"phases,omitempty" json:"phases,omitempty"`
	Events    *bool `yaml:"events,omitempty" json:"events,omitempty"`
	Reporting *bool `yaml:"reporting,omitempty" json:"reporting,omitempty"`
}

type Transmission struct {
	Model          string `yaml:"model" json:"model"`
	ContactsPerDay int    `yaml:"contacts_per_day,omitempty" json:"contacts_per_day,omitempty"`
}

type Disease struct {
	IncubationDays int     `yaml:"incubation_days" json:"incubation_days"`
	InfectiousDays int     `yaml:"infectious_days" json:"infectious_days"`
	MortalityRate  float64 `yaml:"mortality_rate" json:"mortality_rate"`
}

type Reporting struct {
	DetectionRate       float64 `yaml:"detection_rate" json:"detection_rate"`
	LagDays             int     `yaml:"lag_days" json:"lag_days"`
	HospitalizationRate float64 `yaml:"hospitalization_rate" json:"hospitalization_rate"`
	CriticalRate        float64 `yaml:"critical_rate" json:"critical_rate"`
}

// Phase is one entry of the phase list. Disease fields left unset inherit
// the scenario's disease block.
type Phase struct {
	Name           string         `yaml:"name" json:"name"`
	R0             float64        `yaml:"r0" json:"r0"`
	InfectiousDays *int           `yaml:"infectious_days,omitempty" json:"infectious_days,omitempty"`
	IncubationDays *int           `yaml:"incubation_days,omitempty" json:"incubation_days,omitempty"`
	MortalityRate  *float64       `yaml:"mortality_rate,omitempty" json:"mortality_rate,omitempty"`
	DetectionRate  *float64       `yaml:"detection_rate,omitempty" json:"detection_rate,omitempty"`
	Trigger        *phase.Trigger `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

func (c *Config) version() int {
	if c.Version == 0 {
		return CurrentVersion
	}
	return c.Version
}

func flag(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (c *Config) PhasesEnabled() bool    { return flag(c.Features.Phases, c.version() >= 2) }
func (c *Config) EventsEnabled() bool    { return flag(c.Features.Events, c.version() >= 3) }
func (c *Config) ReportingEnabled() bool { return flag(c.Features.Reporting, c.version() >= 3) }

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if v := c.version(); v < 1 || v > CurrentVersion {
		return fmt.Errorf("config.version must be between 1 and %d, got %d", CurrentVersion, c.Version)
	}
	if c.Population.Size < 0 {
		return fmt.Errorf("config.population.size must be >= 0, got %d", c.Population.Size)
	}
	if c.Population.InitialInfected < 0 {
		return fmt.Errorf("config.population.initial_infected must be >= 0, got %d", c.Population.InitialInfected)
	}
	if c.Population.InitialInfected > c.Population.Size {
		return fmt.Errorf("config.population.initial_infected %d exceeds size %d", c.Population.InitialInfected, c.Population.Size)
	}
	if c.Simulation.Days < 0 {
		return fmt.Errorf("config.simulation.days must be >= 0, got %d", c.Simulation.Days)
	}
	if _, err := population.NewTransmission(c.Transmission.Model, c.Transmission.ContactsPerDay); err != nil {
		return fmt.Errorf("config.transmission: %w", err)
	}
	if c.Disease.InfectiousDays <= 0 {
		return fmt.Errorf("config.disease.infectious_days must be > 0")
	}
	if c.Disease.IncubationDays < 0 {
		return fmt.Errorf("config.disease.incubation_days must be >= 0")
	}
	if err := checkRate("config.disease.mortality_rate", c.Disease.MortalityRate); err != nil {
		return err
	}
	if err := c.simReporting(true).Validate(); err != nil {
		return fmt.Errorf("config.reporting: %w", err)
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("config.phases[%d] has empty name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("phase %s is defined twice", p.Name)
		}
		seen[p.Name] = true
		for name, rate := range map[string]*float64{"mortality_rate": p.MortalityRate, "detection_rate": p.DetectionRate} {
			if rate == nil {
				continue
			}
			if err := checkRate("phase "+p.Name+" "+name, *rate); err != nil {
				return err
			}
		}
	}
	phases, err := c.schedulePhases()
	if err != nil {
		return err
	}
	if _, err := phase.NewSchedule(phases); err != nil {
		return err
	}
	if c.Transmission.Model == population.ModelContact {
		m := &population.Contact{ContactsPerDay: c.Transmission.ContactsPerDay}
		for _, p := range phases {
			if prob := m.Probability(p.Params()); prob > 1 {
				return fmt.Errorf("phase %s: contact transmission probability %.3f exceeds 1; raise contacts_per_day", p.Name, prob)
			}
		}
	}
	for i, e := range c.Events {
		if e.Name == "" {
			return fmt.Errorf("config.events[%d] has empty name", i)
		}
	}
	if _, err := events.NewSchedule(c.Events); err != nil {
		return err
	}
	return nil
}

func checkRate(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0,1], got %g", name, v)
	}
	return nil
}

func (c *Config) schedulePhases() ([]phase.Phase, error) {
	out := make([]phase.Phase, 0, len(c.Phases))
	for _, p := range c.Phases {
		ph := phase.Phase{
			Name:             p.Name,
			R0:               p.R0,
			InfectiousPeriod: c.Disease.InfectiousDays,
			IncubationPeriod: c.Disease.IncubationDays,
			MortalityRate:    c.Disease.MortalityRate,
			DetectionRate:    p.DetectionRate,
			Trigger:          p.Trigger,
		}
		if p.InfectiousDays != nil {
			ph.InfectiousPeriod = *p.InfectiousDays
		}
		if p.IncubationDays != nil {
			ph.IncubationPeriod = *p.IncubationDays
		}
		if p.MortalityRate != nil {
			ph.MortalityRate = *p.MortalityRate
		}
		out = append(out, ph)
	}
	return out, nil
}

func (c *Config) simReporting(enabled bool) sim.Reporting {
	return sim.Reporting{
		Enabled:             enabled,
		DetectionRate:       c.Reporting.DetectionRate,
		LagDays:             c.Reporting.LagDays,
		HospitalizationRate: c.Reporting.HospitalizationRate,
		CriticalRate:        c.Reporting.CriticalRate,
	}
}

// Plan is a validated config resolved against its feature flags.
type Plan struct {
	Phases    []phase.Phase
	Events    []events.Event
	Reporting sim.Reporting
	Columns   []string
}

// Build validates the config and resolves it into a Plan.
func (c *Config) Build() (Plan, error) {
	if err := c.Validate(); err != nil {
		return Plan{}, err
	}
	phases, err := c.schedulePhases()
	if err != nil {
		return Plan{}, err
	}
	if !c.PhasesEnabled() {
		phases = phases[:1]
		phases[0].Trigger = nil
	}
	plan := Plan{
		Phases:    phases,
		Reporting: c.simReporting(c.ReportingEnabled()),
		Columns:   recorder.BasicColumns,
	}
	if c.EventsEnabled() {
		plan.Events = append([]events.Event(nil), c.Events...)
	}
	if plan.Reporting.Enabled {
		plan.Columns = recorder.FullColumns
	}
	return plan, nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Phases = make([]Phase, len(c.Phases))
	copy(out.Phases, c.Phases)
	for i, p := range out.Phases {
		if p.Trigger != nil {
			t := *p.Trigger
			out.Phases[i].Trigger = &t
		}
	}
	out.Events = append([]events.Event(nil), c.Events...)
	return &out
}

// ScaleR0 returns a copy with every phase's R0 multiplied by factor.
func (c *Config) ScaleR0(factor float64) *Config {
	out := c.Clone()
	for i := range out.Phases {
		out.Phases[i].R0 *= factor
	}
	return out
}

// Overrides replace individual scenario values, typically from CLI flags
// or request fields. Nil fields are left alone.
type Overrides struct {
	Days       *int
	Population *int
	Infected   *int
	Seed       *int64
}

// Apply returns a validated copy of c with the overrides set.
func (c *Config) Apply(o Overrides) (*Config, error) {
	out := c.Clone()
	if o.Days != nil {
		out.Simulation.Days = *o.Days
	}
	if o.Population != nil {
		out.Population.Size = *o.Population
	}
	if o.Infected != nil {
		out.Population.InitialInfected = *o.Infected
	}
	if o.Seed != nil {
		out.Scenario.Seed = *o.Seed
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// YAML encodes the config back to a scenario file.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with episim scenario init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "episim.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in baseline scenario.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("baseline"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `version: 3

scenario:
  name: %s
  seed: 42

population:
  size: 10000
  initial_infected: 20

simulation:
  days: 200

features:
  phases: true
  events: true
  reporting: true

transmission:
  model: contact
  contacts_per_day: 10

disease:
  incubation_days: 2
  infectious_days: 4
  mortality_rate: 0.03

reporting:
  detection_rate: 0.25
  lag_days: 0
  hospitalization_rate: 0.05
  critical_rate: 0.0125

phases:
  - name: normal
    r0: 1.2
  - name: lockdown
    r0: 0.4
    trigger:
      kind: cumulative_confirmed
      threshold: 200
  - name: reopening
    r0: 0.9
    trigger:
      kind: days_in_phase
      threshold: 45

events:
  - name: concert
    day: 70
    exposures: 50
`
