// Package persistence writes simulation output to a SQL database. It
// implements the batch exporter over SQLite (default) or Postgres.
package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ai4ci/jpansim2-sub000/internal/batch"
	"github.com/ai4ci/jpansim2-sub000/internal/engine"
)

var _ batch.Exporter = (*DB)(nil)

// Run statuses.
const (
	RunRunning  = "running"
	RunComplete = "complete"
)

// DB wraps a connection used as a batch exporter. Writes are serialized.
type DB struct {
	conn        *sqlx.DB
	agentStates bool

	mu    sync.Mutex
	known map[string]bool // runs already inserted
}

// Option configures Open.
type Option func(*DB)

// WithAgentStates controls whether per-agent rows are written every tick.
func WithAgentStates(on bool) Option {
	return func(db *DB) { db.agentStates = on }
}

// Open connects with driver "sqlite" or "pgx". For sqlite, source is a file
// path or ":memory:".
func Open(driver, source string, opts ...Option) (*DB, error) {
	dsn := source
	switch driver {
	case "sqlite":
		if source != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(source), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("create dirs: %w", err)
			}
			dsn = source + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	case "pgx":
	default:
		return nil, fmt.Errorf("open db: unknown driver %q", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite" {
		// One writer; an in-memory database is private to its connection.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := &DB{conn: conn, agentStates: true, known: make(map[string]bool)}
	for _, o := range opts {
		o(db)
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		setup TEXT NOT NULL,
		execution TEXT NOT NULL,
		replicate INTEGER NOT NULL,
		seed BIGINT NOT NULL,
		population INTEGER NOT NULL,
		status TEXT NOT NULL,
		ticks INTEGER NOT NULL,
		ever_infected INTEGER NOT NULL,
		dropped_attributions INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS population_states (
		run_id TEXT NOT NULL,
		time INTEGER NOT NULL,
		policy TEXT NOT NULL,
		lockdown_start INTEGER NOT NULL,
		size INTEGER NOT NULL,
		infectious INTEGER NOT NULL,
		symptomatic INTEGER NOT NULL,
		isolating INTEGER NOT NULL,
		compliant INTEGER NOT NULL,
		ever_infected INTEGER NOT NULL,
		contacts INTEGER NOT NULL,
		detected_contacts INTEGER NOT NULL,
		exposures INTEGER NOT NULL,
		tests INTEGER NOT NULL,
		positives INTEGER NOT NULL,
		PRIMARY KEY (run_id, time)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_states (
		run_id TEXT NOT NULL,
		time INTEGER NOT NULL,
		agent_id BIGINT NOT NULL,
		behaviour TEXT NOT NULL,
		mobility DOUBLE PRECISION NOT NULL,
		transmissibility DOUBLE PRECISION NOT NULL,
		viral_load DOUBLE PRECISION NOT NULL,
		immunity DOUBLE PRECISION NOT NULL,
		infectious INTEGER NOT NULL,
		symptomatic INTEGER NOT NULL,
		ever_infected INTEGER NOT NULL,
		PRIMARY KEY (run_id, time, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS infections (
		run_id TEXT NOT NULL,
		source_id BIGINT NOT NULL,
		target_id BIGINT NOT NULL,
		time INTEGER NOT NULL,
		PRIMARY KEY (run_id, source_id, target_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_execution ON runs(execution)`,
}

func (db *DB) migrate() error {
	for _, stmt := range schema {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Run is a row of the runs table.
type Run struct {
	ID           string `db:"id"`
	Setup        string `db:"setup"`
	Execution    string `db:"execution"`
	Replicate    int    `db:"replicate"`
	Seed         int64  `db:"seed"`
	Population   int    `db:"population"`
	Status       string `db:"status"`
	Ticks        int    `db:"ticks"`
	EverInfected int    `db:"ever_infected"`
	Dropped      int    `db:"dropped_attributions"`
}

// PopulationRow is a row of the population_states table.
type PopulationRow struct {
	RunID            string `db:"run_id"`
	Time             int    `db:"time"`
	Policy           string `db:"policy"`
	LockdownStart    int    `db:"lockdown_start"`
	Size             int    `db:"size"`
	Infectious       int    `db:"infectious"`
	Symptomatic      int    `db:"symptomatic"`
	Isolating        int    `db:"isolating"`
	Compliant        int    `db:"compliant"`
	EverInfected     int    `db:"ever_infected"`
	Contacts         int    `db:"contacts"`
	DetectedContacts int    `db:"detected_contacts"`
	Exposures        int    `db:"exposures"`
	Tests            int    `db:"tests"`
	Positives        int    `db:"positives"`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (db *DB) upsertRun(tx *sqlx.Tx, sim *engine.Simulation, status string) error {
	cur := sim.Population.Current()
	dropped := 0
	if sim.Infections != nil {
		dropped = sim.Infections.Dropped()
	}
	_, err := tx.Exec(tx.Rebind(`INSERT INTO runs
		(id, setup, execution, replicate, seed, population, status, ticks, ever_infected, dropped_attributions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			ticks = excluded.ticks,
			ever_infected = excluded.ever_infected,
			dropped_attributions = excluded.dropped_attributions`),
		sim.ID.String(), sim.SetupName, sim.ExecutionName, sim.Replicate, sim.Population.Seed(),
		cur.Size, status, cur.Time, cur.EverInfected, dropped,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", sim.ID, err)
	}
	return nil
}

// Export writes the current population snapshot, and every agent's when
// enabled, for the simulation's current time.
func (db *DB) Export(sim *engine.Simulation) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id := sim.ID.String()
	if !db.known[id] {
		if err := db.upsertRun(tx, sim, RunRunning); err != nil {
			return err
		}
	}
	if err := db.writeStates(tx, sim); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.known[id] = true
	return nil
}

func (db *DB) writeStates(tx *sqlx.Tx, sim *engine.Simulation) error {
	id := sim.ID.String()
	cur := sim.Population.Current()
	row := PopulationRow{
		RunID:         id,
		Time:          cur.Time,
		Policy:        cur.Policy,
		LockdownStart: cur.LockdownStart,
		Size:          cur.Size,
		Infectious:    cur.Infectious,
		Symptomatic:   cur.Symptomatic,
		Isolating:     cur.Isolating,
		Compliant:     cur.Compliant,
		EverInfected:  cur.EverInfected,
	}
	if h, ok := sim.Population.History(0); ok && h.Time == cur.Time {
		row.Contacts = h.Contacts
		row.DetectedContacts = h.DetectedContacts
		row.Exposures = h.Exposures
		row.Tests = h.Tests
		row.Positives = h.Positives
	}
	_, err := tx.NamedExec(`INSERT INTO population_states
		(run_id, time, policy, lockdown_start, size, infectious, symptomatic, isolating, compliant,
		 ever_infected, contacts, detected_contacts, exposures, tests, positives)
		VALUES (:run_id, :time, :policy, :lockdown_start, :size, :infectious, :symptomatic, :isolating,
		 :compliant, :ever_infected, :contacts, :detected_contacts, :exposures, :tests, :positives)`, row)
	if err != nil {
		return fmt.Errorf("insert population state t=%d: %w", cur.Time, err)
	}
	if !db.agentStates {
		return nil
	}

	stmt, err := tx.Preparex(tx.Rebind(`INSERT INTO agent_states
		(run_id, time, agent_id, behaviour, mobility, transmissibility, viral_load, immunity,
		 infectious, symptomatic, ever_infected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, a := range sim.Population.Agents() {
		s := a.Current()
		_, err := stmt.Exec(
			id, s.Time, int64(a.ID), s.Behaviour,
			s.AdjustedMobility(), s.AdjustedTransmissibility(),
			s.Host.ViralLoad(), s.Host.Immunity(),
			boolInt(s.Infectious()), boolInt(s.Symptomatic()), boolInt(s.EverInfected),
		)
		if err != nil {
			return fmt.Errorf("insert agent %d state: %w", a.ID, err)
		}
	}
	return nil
}

// Finalise writes the final snapshot, marks the run complete and records its
// infection attributions.
func (db *DB) Finalise(sim *engine.Simulation) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := db.upsertRun(tx, sim, RunComplete); err != nil {
		return err
	}
	if err := db.writeStates(tx, sim); err != nil {
		return err
	}
	transmitted := 0
	if sim.Infections != nil {
		transmissions, err := sim.Infections.Transmissions()
		if err != nil {
			return fmt.Errorf("read infections: %w", err)
		}
		for _, t := range transmissions {
			_, err := tx.Exec(tx.Rebind(
				"INSERT INTO infections (run_id, source_id, target_id, time) VALUES (?, ?, ?, ?)"),
				sim.ID.String(), int64(t.Source), int64(t.Target), t.Time,
			)
			if err != nil {
				return fmt.Errorf("insert infection %d->%d: %w", t.Source, t.Target, err)
			}
		}
		transmitted = len(transmissions)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	delete(db.known, sim.ID.String())
	slog.Debug("run exported", "id", sim.ID, "ticks", sim.Time(), "infections", transmitted)
	return nil
}

// Runs lists the recorded runs, optionally filtered by execution name.
func (db *DB) Runs(execution string) ([]Run, error) {
	q := "SELECT * FROM runs"
	var args []any
	if execution != "" {
		q += " WHERE execution = ?"
		args = append(args, execution)
	}
	var runs []Run
	err := db.conn.Select(&runs, db.conn.Rebind(q+" ORDER BY setup, execution, replicate"), args...)
	return runs, err
}

// PopulationStates returns a run's time series in time order.
func (db *DB) PopulationStates(runID string) ([]PopulationRow, error) {
	var rows []PopulationRow
	err := db.conn.Select(&rows,
		db.conn.Rebind("SELECT * FROM population_states WHERE run_id = ? ORDER BY time"),
		runID,
	)
	return rows, err
}

// AgentStateCount counts exported agent rows for a run.
func (db *DB) AgentStateCount(runID string) (int, error) {
	var n int
	err := db.conn.Get(&n, db.conn.Rebind("SELECT COUNT(*) FROM agent_states WHERE run_id = ?"), runID)
	return n, err
}

// InfectionCount counts exported infection attributions for a run.
func (db *DB) InfectionCount(runID string) (int, error) {
	var n int
	err := db.conn.Get(&n, db.conn.Rebind("SELECT COUNT(*) FROM infections WHERE run_id = ?"), runID)
	return n, err
}

// Summary returns mean final attack rate per execution across complete runs.
func (db *DB) Summary() (map[string]float64, error) {
	var rows []struct {
		Execution string  `db:"execution"`
		Attack    float64 `db:"attack"`
	}
	err := db.conn.Select(&rows, db.conn.Rebind(`SELECT execution,
		AVG(CAST(ever_infected AS DOUBLE PRECISION) / population) AS attack
		FROM runs WHERE status = ? AND population > 0 GROUP BY execution`), RunComplete)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Execution] = r.Attack
	}
	return out, nil
}
