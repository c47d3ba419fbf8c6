package domain

type Snapshot struct {
	Day          int    `json:"day"`
	Phase        string `json:"phase"`
	Susceptible  int    `json:"susceptible"`
	Exposed      int    `json:"exposed"`
	Infectious   int    `json:"infectious"`
	Recovered    int    `json:"recovered"`
	Deceased     int    `json:"deceased"`
	NewCases     int    `json:"new_cases"`
	Confirmed    int    `json:"confirmed"`
	Estimated    int    `json:"estimated"`
	Hospitalized int    `json:"hospitalized"`
	Critical     int    `json:"critical"`
}

// Total is the number of agents accounted for across the exclusive states.
func (s Snapshot) Total() int {
	return s.Susceptible + s.Exposed + s.Infectious + s.Recovered + s.Deceased
}

type PhaseActivation struct {
	Phase string `json:"phase"`
	Index int    `json:"index"`
	Day   int    `json:"day"`
}

type AppliedEvent struct {
	Name      string `json:"name"`
	Day       int    `json:"day"`
	Requested int    `json:"requested"`
	Exposed   int    `json:"exposed"`
}

type Summary struct {
	MaxNewCases         int               `json:"max_new_cases"`
	MaxNewCasesDay      int               `json:"max_new_cases_day"`
	MaxInfectious       int               `json:"max_infectious"`
	MaxInfectiousDay    int               `json:"max_infectious_day"`
	CumulativeCases     int               `json:"cumulative_cases"`
	CumulativeConfirmed int               `json:"cumulative_confirmed"`
	Recovered           int               `json:"recovered"`
	Deceased            int               `json:"deceased"`
	Activations         []PhaseActivation `json:"activations,omitempty"`
}

type Run struct {
	ID           string  `json:"id"`
	Scenario     string  `json:"scenario"`
	Seed         int64   `json:"seed"`
	Population   int     `json:"population"`
	Days         int     `json:"days"`
	Model        string  `json:"model"`
	ScenarioYAML string  `json:"scenario_yaml,omitempty"`
	Summary      Summary `json:"summary"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type RunEvent struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Payload string `json:"payload_json"`
}
