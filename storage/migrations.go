package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Migration is one versioned schema change
type Migration struct {
	Version     string              // Semantic version (e.g., "1.0.0")
	Name        string              // Descriptive name (e.g., "initial_schema")
	Description string              // Human-readable description
	Up          func(*sql.Tx) error // Apply migration
	Checksum    string              // SHA256 of version and name for drift detection
}

// MigrationRecord is a row in the schema_migrations table
type MigrationRecord struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
	Duration  int64 // milliseconds
}

// MigrationRunner applies registered migrations in version order
type MigrationRunner struct {
	db         *sql.DB
	logger     *zap.SugaredLogger
	migrations []Migration
}

// NewMigrationRunner creates a runner and ensures the schema_migrations table exists
func NewMigrationRunner(db *sql.DB, logger *zap.SugaredLogger) (*MigrationRunner, error) {
	runner := &MigrationRunner{db: db, logger: logger}

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at INTEGER NOT NULL, -- unix nanos
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	return runner, nil
}

// Register adds a migration to the runner
func (r *MigrationRunner) Register(m Migration) {
	if m.Checksum == "" {
		m.Checksum = migrationChecksum(m)
	}
	r.migrations = append(r.migrations, m)
}

func migrationChecksum(m Migration) string {
	hash := sha256.Sum256([]byte(m.Version + ":" + m.Name))
	return hex.EncodeToString(hash[:8])
}

// AppliedMigrations returns every recorded migration in version order
func (r *MigrationRunner) AppliedMigrations() ([]MigrationRecord, error) {
	rows, err := r.db.Query(`SELECT version, name, checksum, applied_at, duration_ms FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var appliedAt int64
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.Checksum, &appliedAt, &rec.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		rec.AppliedAt = time.Unix(0, appliedAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return compareVersions(records[i].Version, records[j].Version) < 0
	})
	return records, nil
}

// PendingMigrations returns registered migrations that have not been applied, in version order
func (r *MigrationRunner) PendingMigrations() ([]Migration, error) {
	applied, err := r.AppliedMigrations()
	if err != nil {
		return nil, err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}

	var pending []Migration
	for _, m := range r.migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return compareVersions(pending[i].Version, pending[j].Version) < 0
	})
	return pending, nil
}

// VerifyIntegrity returns the versions whose recorded checksum no longer matches the
// registered migration
func (r *MigrationRunner) VerifyIntegrity() ([]string, error) {
	applied, err := r.AppliedMigrations()
	if err != nil {
		return nil, err
	}
	registered := make(map[string]Migration, len(r.migrations))
	for _, m := range r.migrations {
		registered[m.Version] = m
	}

	var drifted []string
	for _, rec := range applied {
		if m, ok := registered[rec.Version]; ok && m.Checksum != rec.Checksum {
			drifted = append(drifted, rec.Version)
		}
	}
	return drifted, nil
}

// RunMigrations checks for drift, then applies all pending migrations
func (r *MigrationRunner) RunMigrations() error {
	drifted, err := r.VerifyIntegrity()
	if err != nil {
		return err
	}
	if len(drifted) > 0 {
		return fmt.Errorf("applied migrations changed since they ran: %s", strings.Join(drifted, ", "))
	}

	pending, err := r.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		r.logger.Debug("No pending migrations")
		return nil
	}

	r.logger.Infof("Running %d pending migrations", len(pending))
	for _, m := range pending {
		if err := r.runMigration(m); err != nil {
			return fmt.Errorf("migration %s (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// runMigration applies a single migration within a transaction. A panic in Up is
// returned as an error.
func (r *MigrationRunner) runMigration(m Migration) (err error) {
	r.logger.Infof("Running migration %s: %s", m.Version, m.Name)
	start := time.Now()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("migration panicked: %v", p)
		}
	}()

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration Up() failed: %w", err)
	}

	duration := time.Since(start).Milliseconds()
	_, err = tx.Exec(`
		INSERT INTO schema_migrations (version, name, checksum, applied_at, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`, m.Version, m.Name, m.Checksum, time.Now().UTC().UnixNano(), duration)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	r.logger.Infof("Migration %s completed in %dms", m.Version, duration)
	return nil
}

// compareVersions compares dotted numeric versions. Missing parts count as zero.
func compareVersions(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var na, nb int
		if i < len(pa) {
			na, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			nb, _ = strconv.Atoi(pb[i])
		}
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}
