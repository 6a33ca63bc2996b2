// Package fitdb persists fit diagnostics to sqlite: one row per fit run and
// one row per candidate outcome, so fits can be compared across nights and
// policy changes.
package fitdb

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	d := &DB{db}
	if err := d.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Not closing m: that would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Run is one recorded fit run.
type Run struct {
	ID          string
	Started     time.Time
	BasisKind   string
	NIterations int
	NGood       int
	KSumMean    float64
	KSumStd     float64
}

// CandidateRecord is one candidate's outcome within a run.
type CandidateRecord struct {
	RunID           string
	CandidateID     int64
	X, Y            float64
	Status          string
	SolvedBy        string
	KSum            float64
	Background      float64
	ResidualMean    float64
	ResidualRMS     float64
	ResidualN       int64
	ConditionNumber float64
}

// RecordRun inserts a run row with the policy serialized as JSON and returns
// the generated run id.
func (db *DB) RecordRun(cfg *config.FitConfig, basisKind string, nIterations, nGood int,
	kSumMean, kSumStd float64) (string, error) {

	runID := uuid.New().String()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to serialize config: %w", err)
	}
	_, err = db.Exec(`INSERT INTO fit_runs
		(run_id, config_json, basis_kind, n_iterations, n_good, ksum_mean, ksum_std)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, string(cfgJSON), basisKind, nIterations, nGood, kSumMean, kSumStd)
	if err != nil {
		return "", err
	}
	monitoring.Logf("fitdb: recorded run %s", runID)
	return runID, nil
}

// RecordCandidate inserts one candidate outcome row.
func (db *DB) RecordCandidate(rec CandidateRecord) error {
	_, err := db.Exec(`INSERT INTO fit_candidates
		(run_id, candidate_id, x, y, status, solved_by, ksum, background,
		 residual_mean, residual_rms, residual_n, condition_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.CandidateID, rec.X, rec.Y, rec.Status, rec.SolvedBy,
		rec.KSum, rec.Background, rec.ResidualMean, rec.ResidualRMS,
		rec.ResidualN, rec.ConditionNumber)
	return err
}

// Runs lists recorded runs, most recent first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, started, basis_kind, n_iterations, n_good,
		ksum_mean, ksum_std FROM fit_runs ORDER BY started DESC LIMIT 500`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Started, &r.BasisKind, &r.NIterations,
			&r.NGood, &r.KSumMean, &r.KSumStd); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunConfig returns the policy JSON recorded for a run.
func (db *DB) RunConfig(runID string) (*config.FitConfig, error) {
	var cfgJSON string
	err := db.QueryRow(`SELECT config_json FROM fit_runs WHERE run_id = ?`, runID).Scan(&cfgJSON)
	if err != nil {
		return nil, err
	}
	cfg := &config.FitConfig{}
	if err := json.Unmarshal([]byte(cfgJSON), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse recorded config: %w", err)
	}
	return cfg, nil
}

// Candidates lists a run's candidate outcomes in candidate-id order.
func (db *DB) Candidates(runID string) ([]CandidateRecord, error) {
	rows, err := db.Query(`SELECT run_id, candidate_id, x, y, status, solved_by,
		ksum, background, residual_mean, residual_rms, residual_n, condition_number
		FROM fit_candidates WHERE run_id = ? ORDER BY candidate_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CandidateRecord
	for rows.Next() {
		var r CandidateRecord
		if err := rows.Scan(&r.RunID, &r.CandidateID, &r.X, &r.Y, &r.Status,
			&r.SolvedBy, &r.KSum, &r.Background, &r.ResidualMean,
			&r.ResidualRMS, &r.ResidualN, &r.ConditionNumber); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}
