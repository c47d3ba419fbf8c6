package app

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"episim/internal/config"
	"episim/internal/db"
	"episim/internal/engine"
	"episim/internal/migrate"
)

// Scenario sources reported by ResolveScenario.
const (
	SourceFile      = "file"
	SourceWorkspace = "workspace"
	SourceDefault   = "default"
)

// ResolveScenario picks the scenario to run. An explicit path wins, then
// the workspace episim.yml, then the built-in default.
func ResolveScenario(workspace, path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("scenario %s: %w", path, err)
		}
		return cfg, SourceFile, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, "", fmt.Errorf("scenario %s: %w", config.Path(workspace), err)
	}
	if cfg != nil {
		return cfg, SourceWorkspace, nil
	}
	return config.Default(), SourceDefault, nil
}

// LoadEnv loads <workspace>/.env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// OpenEngine opens and migrates the workspace store and returns an engine
// over it. The caller closes the returned DB.
func OpenEngine(workspace string, logger *slog.Logger) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	if logger != nil {
		if v, err := migrate.Current(conn); err == nil {
			logger.Debug("store ready", "path", db.Path(workspace), "schema", v)
		}
	}
	return engine.New(conn, logger), conn, nil
}
