package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"episim/internal/config"
	"episim/internal/domain"
	"episim/internal/events"
	"episim/internal/logging"
	"episim/internal/phase"
	"episim/internal/population"
	"episim/internal/recorder"
	"episim/internal/repo"
	"episim/internal/sim"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, logger *slog.Logger) Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Logger: logger,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

// InvalidScenarioError wraps a configuration problem found before a run starts.
type InvalidScenarioError struct {
	Err error
}

func (e InvalidScenarioError) Error() string { return "invalid scenario: " + e.Err.Error() }
func (e InvalidScenarioError) Unwrap() error { return e.Err }

// Outcome is a finished simulation.
type Outcome struct {
	Run         domain.Run
	Snapshots   []domain.Snapshot
	Activations []domain.PhaseActivation
	Events      []domain.AppliedEvent
	Columns     []string
}

// Simulate runs cfg without touching the store.
func (e Engine) Simulate(ctx context.Context, cfg *config.Config) (Outcome, error) {
	if cfg == nil {
		return Outcome{}, errors.New("scenario is required")
	}
	plan, err := cfg.Build()
	if err != nil {
		return Outcome{}, InvalidScenarioError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	rng := rand.New(rand.NewSource(cfg.Scenario.Seed))
	pop, err := population.New(cfg.Population.Size, cfg.Population.InitialInfected, rng)
	if err != nil {
		return Outcome{}, InvalidScenarioError{Err: err}
	}
	schedule, err := phase.NewSchedule(plan.Phases)
	if err != nil {
		return Outcome{}, InvalidScenarioError{Err: err}
	}
	model, err := population.NewTransmission(cfg.Transmission.Model, cfg.Transmission.ContactsPerDay)
	if err != nil {
		return Outcome{}, InvalidScenarioError{Err: err}
	}
	evts, err := events.NewSchedule(plan.Events)
	if err != nil {
		return Outcome{}, InvalidScenarioError{Err: err}
	}
	scenarioYAML, err := cfg.YAML()
	if err != nil {
		return Outcome{}, fmt.Errorf("encode scenario: %w", err)
	}

	log := e.logger().With("scenario", cfg.Scenario.Name, "seed", cfg.Scenario.Seed)
	log.Info("simulation started", "population", cfg.Population.Size, "days", cfg.Simulation.Days, "model", modelName(cfg))
	started := time.Now()
	res, err := sim.Run(sim.Input{
		Population: pop,
		Schedule:   schedule,
		Model:      model,
		Days:       cfg.Simulation.Days,
		Events:     evts,
		Reporting:  plan.Reporting,
		Recorder:   recorder.New(),
	})
	if err != nil {
		return Outcome{}, err
	}
	for _, a := range res.Activations {
		log.Debug("phase activated", "phase", a.Phase, "day", a.Day)
	}
	for _, ev := range res.Events {
		log.Debug("event applied", "event", ev.Name, "day", ev.Day, "exposed", ev.Exposed)
	}
	if log.Enabled(ctx, logging.LevelTrace) {
		for _, s := range res.Snapshots {
			log.Log(ctx, logging.LevelTrace, "snapshot", "day", s.Day, "phase", s.Phase,
				"s", s.Susceptible, "e", s.Exposed, "i", s.Infectious, "r", s.Recovered, "d", s.Deceased)
		}
	}
	log.Info("simulation finished",
		"cumulative_cases", res.Summary.CumulativeCases,
		"deceased", res.Summary.Deceased,
		"peak_day", res.Summary.MaxNewCasesDay,
		"elapsed", time.Since(started))

	return Outcome{
		Run: domain.Run{
			ID:           e.newID(),
			Scenario:     cfg.Scenario.Name,
			Seed:         cfg.Scenario.Seed,
			Population:   cfg.Population.Size,
			Days:         cfg.Simulation.Days,
			Model:        modelName(cfg),
			ScenarioYAML: string(scenarioYAML),
			Summary:      res.Summary,
			CreatedAt:    e.now().UTC().Format(time.RFC3339Nano),
		},
		Snapshots:   res.Snapshots,
		Activations: res.Activations,
		Events:      res.Events,
		Columns:     plan.Columns,
	}, nil
}

func modelName(cfg *config.Config) string {
	if cfg.Transmission.Model == "" {
		return population.ModelProportional
	}
	return cfg.Transmission.Model
}

// Execute runs cfg and stores the run, its snapshots and its journal in one
// transaction.
func (e Engine) Execute(ctx context.Context, cfg *config.Config) (Outcome, error) {
	out, err := e.Simulate(ctx, cfg)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.persist(ctx, out); err != nil {
		return Outcome{}, err
	}
	e.logger().Info("run stored", "run", out.Run.ID, "snapshots", len(out.Snapshots))
	return out, nil
}

func (e Engine) persist(ctx context.Context, out Outcome) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run := out.Run
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := e.Repo.InsertSnapshotsTx(ctx, tx, run.ID, out.Snapshots); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRunStarted, run.ID, events.EventPayload{
		"scenario":   run.Scenario,
		"seed":       run.Seed,
		"population": run.Population,
		"days":       run.Days,
		"model":      run.Model,
	}); err != nil {
		return err
	}
	for _, a := range out.Activations {
		if err := e.Events.Append(ctx, tx, events.TypePhaseActivated, run.ID, events.EventPayload{
			"phase": a.Phase,
			"index": a.Index,
			"day":   a.Day,
		}); err != nil {
			return err
		}
	}
	for _, ev := range out.Events {
		if err := e.Events.Append(ctx, tx, events.TypeEventApplied, run.ID, events.EventPayload{
			"event":     ev.Name,
			"day":       ev.Day,
			"requested": ev.Requested,
			"exposed":   ev.Exposed,
		}); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeRunCompleted, run.ID, events.EventPayload{
		"cumulative_cases":     run.Summary.CumulativeCases,
		"cumulative_confirmed": run.Summary.CumulativeConfirmed,
		"deceased":             run.Summary.Deceased,
		"max_new_cases_day":    run.Summary.MaxNewCasesDay,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SweepOptions vary a scenario across seeds and R0 multipliers.
type SweepOptions struct {
	Seeds    []int64
	R0Scales []float64
	Persist  bool
}

type SweepRun struct {
	RunID   string         `json:"run_id,omitempty"`
	Seed    int64          `json:"seed"`
	R0Scale float64        `json:"r0_scale"`
	Summary domain.Summary `json:"summary"`
}

// SweepGroup averages the runs sharing one R0 multiplier.
type SweepGroup struct {
	R0Scale             float64   `json:"r0_scale"`
	Runs                int       `json:"runs"`
	MeanCumulativeCases float64   `json:"mean_cumulative_cases"`
	MeanDeceased        float64   `json:"mean_deceased"`
	MeanPeakDay         float64   `json:"mean_peak_day"`
	MeanInfectious      []float64 `json:"mean_infectious"`
}

type SweepResult struct {
	Runs   []SweepRun   `json:"runs"`
	Groups []SweepGroup `json:"groups"`
}

// Sweep runs cfg once per seed and R0 multiplier, sequentially.
func (e Engine) Sweep(ctx context.Context, cfg *config.Config, opts SweepOptions) (SweepResult, error) {
	if cfg == nil {
		return SweepResult{}, errors.New("scenario is required")
	}
	if err := cfg.Validate(); err != nil {
		return SweepResult{}, InvalidScenarioError{Err: err}
	}
	seeds := opts.Seeds
	if len(seeds) == 0 {
		seeds = []int64{cfg.Scenario.Seed}
	}
	scales := opts.R0Scales
	if len(scales) == 0 {
		scales = []float64{1}
	}
	var res SweepResult
	for _, scale := range scales {
		if scale < 0 {
			return SweepResult{}, InvalidScenarioError{Err: fmt.Errorf("r0 scale must be >= 0, got %g", scale)}
		}
		group := SweepGroup{R0Scale: scale, MeanInfectious: make([]float64, cfg.Simulation.Days+1)}
		for _, seed := range seeds {
			if err := ctx.Err(); err != nil {
				return SweepResult{}, err
			}
			variant := cfg.ScaleR0(scale)
			variant.Scenario.Seed = seed
			var (
				out Outcome
				err error
			)
			if opts.Persist {
				out, err = e.Execute(ctx, variant)
			} else {
				out, err = e.Simulate(ctx, variant)
			}
			if err != nil {
				return SweepResult{}, fmt.Errorf("seed %d r0 scale %g: %w", seed, scale, err)
			}
			run := SweepRun{Seed: seed, R0Scale: scale, Summary: out.Run.Summary}
			if opts.Persist {
				run.RunID = out.Run.ID
			}
			res.Runs = append(res.Runs, run)

			group.Runs++
			group.MeanCumulativeCases += float64(out.Run.Summary.CumulativeCases)
			group.MeanDeceased += float64(out.Run.Summary.Deceased)
			group.MeanPeakDay += float64(out.Run.Summary.MaxNewCasesDay)
			for i, s := range out.Snapshots {
				group.MeanInfectious[i] += float64(s.Infectious)
			}
		}
		n := float64(group.Runs)
		group.MeanCumulativeCases /= n
		group.MeanDeceased /= n
		group.MeanPeakDay /= n
		for i := range group.MeanInfectious {
			group.MeanInfectious[i] /= n
		}
		res.Groups = append(res.Groups, group)
	}
	return res, nil
}

func (e Engine) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, id)
}

func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, f)
}

// Snapshots returns the stored table of a run.
func (e Engine) Snapshots(ctx context.Context, runID string) ([]domain.Snapshot, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.Repo.ListSnapshots(ctx, runID)
}

// RunEvents returns the journal of a run. The journal outlives deleted runs.
func (e Engine) RunEvents(ctx context.Context, runID, evtType string) ([]domain.RunEvent, error) {
	evts, err := e.Repo.ListRunEvents(ctx, runID, evtType)
	if err != nil {
		return nil, err
	}
	if len(evts) == 0 {
		if _, err := e.Repo.GetRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	return evts, nil
}

func (e Engine) DeleteRun(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRunTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRunDeleted, id, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Info("run deleted", "run", id)
	return nil
}
