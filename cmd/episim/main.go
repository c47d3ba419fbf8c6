package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"episim/internal/app"
	"episim/internal/config"
	"episim/internal/db"
	"episim/internal/domain"
	"episim/internal/engine"
	"episim/internal/logging"
	"episim/internal/recorder"
	"episim/internal/repo"
	"episim/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "episim",
	Short: "Episim agent-based epidemic simulator",
	Long: `Episim simulates an outbreak in a closed population of agents.
Core concepts:
- Scenario: an episim.yml describing the population, disease, phases and events. Without one the built-in baseline is used.
- Phase: a period with its own R0. Later phases start when their trigger fires (cumulative cases, confirmed cases, days in phase, days since peak).
- Event: a one-off exposure of susceptible agents on a given day.
- Snapshot: the per-day state counts plus reported metrics (confirmed, estimated, hospitalized, critical).
- Run store: every run is kept in .episim/episim.db with its snapshots and a journal; browse it with 'episim runs'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := app.LoadEnv(workspace); err != nil {
			return err
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EPISIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (error, warn, info, debug, trace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(scenarioCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// overrideFlags registers the per-run scenario overrides on cmd.
func overrideFlags(cmd *cobra.Command) {
	cmd.Flags().Int("days", 0, "override simulation.days")
	cmd.Flags().Int("population", 0, "override population.size")
	cmd.Flags().Int("infected", 0, "override population.initial_infected")
	cmd.Flags().Int64("seed", 0, "override scenario.seed")
}

func overridesFrom(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	intFlag := func(name string) *int {
		if !cmd.Flags().Changed(name) {
			return nil
		}
		v, _ := cmd.Flags().GetInt(name)
		return &v
	}
	o.Days = intFlag("days")
	o.Population = intFlag("population")
	o.Infected = intFlag("infected")
	if cmd.Flags().Changed("seed") {
		v, _ := cmd.Flags().GetInt64("seed")
		o.Seed = &v
	}
	return o
}

func resolveScenario(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, source, err := app.ResolveScenario(viper.GetString("workspace"), path)
	if err != nil {
		return nil, err
	}
	newLogger().Debug("scenario resolved", "source", source, "name", cfg.Scenario.Name)
	return cfg.Apply(overridesFrom(cmd))
}

func runCmd() *cobra.Command {
	var scenarioPath, out, format string
	var noStore, showTable bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario",
		Long:  "Run a scenario and store the run, its daily snapshots and its journal in the workspace. Use --no-store for a dry run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveScenario(cmd, scenarioPath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var res engine.Outcome
				if noStore {
					res, err = e.Simulate(ctx, cfg)
				} else {
					res, err = e.Execute(ctx, cfg)
				}
				if err != nil {
					return err
				}
				if out != "" {
					if err := recorder.Save(out, res.Snapshots, res.Columns); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"run":         res.Run,
						"activations": res.Activations,
						"events":      res.Events,
						"stored":      !noStore,
					})
				}
				if showTable {
					if err := recorder.Render(os.Stdout, res.Snapshots, res.Columns, recorder.Format(format)); err != nil {
						return err
					}
				}
				printSummary(res.Run, !noStore)
				for _, a := range res.Activations {
					fmt.Printf("  day %d: phase %s\n", a.Day, a.Phase)
				}
				for _, ev := range res.Events {
					fmt.Printf("  day %d: event %s exposed %d/%d\n", ev.Day, ev.Name, ev.Exposed, ev.Requested)
				}
				if out != "" {
					fmt.Printf("snapshots written to %s\n", out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "scenario file (default: workspace episim.yml, then built-in)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write snapshots to file (.csv or .json)")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not store the run")
	cmd.Flags().BoolVar(&showTable, "table", false, "print the daily table")
	cmd.Flags().StringVar(&format, "format", string(recorder.FormatText), "table format (text, markdown, html, csv)")
	overrideFlags(cmd)
	return cmd
}

func printSummary(run domain.Run, stored bool) {
	s := run.Summary
	if stored {
		fmt.Printf("run %s (%s, seed %d, %s model)\n", run.ID, run.Scenario, run.Seed, run.Model)
	} else {
		fmt.Printf("dry run (%s, seed %d, %s model)\n", run.Scenario, run.Seed, run.Model)
	}
	fmt.Printf("  population %d over %d days\n", run.Population, run.Days)
	fmt.Printf("  cumulative cases %d (confirmed %d), recovered %d, deceased %d\n",
		s.CumulativeCases, s.CumulativeConfirmed, s.Recovered, s.Deceased)
	fmt.Printf("  peak new cases %d on day %d, peak infectious %d on day %d\n",
		s.MaxNewCases, s.MaxNewCasesDay, s.MaxInfectious, s.MaxInfectiousDay)
}

func sweepCmd() *cobra.Command {
	var scenarioPath string
	var seeds []int64
	var scales []float64
	var persist bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a scenario across seeds and R0 multipliers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveScenario(cmd, scenarioPath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Sweep(ctx, cfg, engine.SweepOptions{Seeds: seeds, R0Scales: scales, Persist: persist})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"R0 x", "Runs", "Mean cases", "Mean deceased", "Mean peak day"})
				for _, g := range res.Groups {
					tw.AppendRow(table.Row{g.R0Scale, g.Runs,
						fmt.Sprintf("%.1f", g.MeanCumulativeCases),
						fmt.Sprintf("%.1f", g.MeanDeceased),
						fmt.Sprintf("%.1f", g.MeanPeakDay)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "scenario file")
	cmd.Flags().Int64SliceVar(&seeds, "seeds", nil, "seeds to run (default: scenario seed)")
	cmd.Flags().Float64SliceVar(&scales, "r0-scale", nil, "R0 multipliers applied to every phase (default: 1)")
	cmd.Flags().BoolVar(&persist, "persist", false, "store every sweep run")
	overrideFlags(cmd)
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Browse stored runs",
	}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsSnapshotsCmd())
	runs.AddCommand(runsEventsCmd())
	runs.AddCommand(runsDeleteCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scenario", "Seed", "Population", "Days", "Cases", "Deceased", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Scenario, r.Seed, r.Population, r.Days,
						r.Summary.CumulativeCases, r.Summary.Deceased, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Scenario, "scenario", "", "scenario name filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum runs to list")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				printSummary(run, true)
				for _, a := range run.Summary.Activations {
					fmt.Printf("  day %d: phase %s\n", a.Day, a.Phase)
				}
				return nil
			})
		},
	}
}

func runsSnapshotsCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "snapshots <run-id>",
		Short: "Print or export the daily table of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				snaps, err := e.Snapshots(ctx, run.ID)
				if err != nil {
					return err
				}
				columns := recorder.FullColumns
				if cfg, err := config.FromYAML([]byte(run.ScenarioYAML)); err == nil && !cfg.ReportingEnabled() {
					columns = recorder.BasicColumns
				}
				if out != "" {
					return recorder.Save(out, snaps, columns)
				}
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				return recorder.Render(os.Stdout, snaps, columns, recorder.Format(format))
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(recorder.FormatText), "table format (text, markdown, html, csv)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write snapshots to file (.csv or .json)")
	return cmd
}

func runsEventsCmd() *cobra.Command {
	var evtType string
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the journal of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.RunEvents(ctx, args[0], evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func runsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteRun(ctx, args[0]); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("run %s not found", args[0])
					}
					return err
				}
				fmt.Printf("deleted run %s\n", args[0])
				return nil
			})
		},
	}
}

func scenarioCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "scenario",
		Short: "Inspect and create scenario files",
		Long:  "A scenario is the episim.yml rulebook for a run: population, disease parameters, transmission model, phases with triggers and scheduled events.",
	}
	sc.AddCommand(scenarioShowCmd())
	sc.AddCommand(scenarioValidateCmd())
	sc.AddCommand(scenarioInitCmd())
	return sc
}

func scenarioShowCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, source, err := app.ResolveScenario(viper.GetString("workspace"), path)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"source": source, "scenario": cfg})
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Printf("# source: %s\n%s", source, data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "scenario", "s", "", "scenario file")
	return cmd
}

func scenarioValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.ResolveScenario(viper.GetString("workspace"), path)
			if err == nil {
				_, err = cfg.Build()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("scenario OK")
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "scenario", "s", "", "scenario file")
	return cmd
}

func scenarioInitCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter episim.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "baseline", "scenario name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, webhookSecret string
	var webhooks, webhookEvents []string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serve the run API. Set EPISIM_JWT_SECRET to require bearer tokens (see 'episim token').",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			e, conn, err := app.OpenEngine(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			var hooks []server.WebhookConfig
			for _, url := range webhooks {
				hooks = append(hooks, server.WebhookConfig{URL: url, Events: webhookEvents, Secret: webhookSecret})
			}
			server.StartWebhooks(cmd.Context(), e, hooks, interval, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving episim API", "addr", addr, "base_path", basePath, "auth", authCfg.JWTSecret != "", "webhooks", len(hooks))
			fmt.Printf("Serving Episim API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringArrayVar(&webhooks, "webhook", nil, "POST journal entries to this URL (repeatable)")
	cmd.Flags().StringArrayVar(&webhookEvents, "webhook-event", nil, "only deliver this event type (repeatable)")
	cmd.Flags().StringVar(&webhookSecret, "webhook-secret", "", "value sent as X-Episim-Secret")
	cmd.Flags().DurationVar(&interval, "webhook-interval", 2*time.Second, "journal poll interval")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("EPISIM_JWT_SECRET is required to sign tokens")
			}
			token, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	return logging.NewLogger(viper.GetString("log-level"), os.Stderr)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.OpenEngine(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
