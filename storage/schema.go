package storage

import (
	"database/sql"
	"fmt"
)

// historyTables maps node types that keep a ledger to their history table
var historyTables = map[string]string{
	"submission": "submission_history",
	"observable": "observable_history",
	"analysis":   "analysis_history",
	"comment":    "comment_history",
	"event":      "event_history",
}

// schemaMigrations lists every schema change in order. Applied versions are
// recorded in schema_migrations and never run twice.
func schemaMigrations() []Migration {
	return []Migration{
		{Version: "1.0.0", Name: "initial_schema", Description: "nodes, reference data, join tables, history ledgers", Up: createSchemaV1},
		{Version: "1.1.0", Name: "reference_generation", Description: "counter moved by reference value renames and deletes", Up: createReferenceGeneration},
	}
}

// createTables brings the schema up to date
func (s *SQLite) createTables() error {
	runner, err := NewMigrationRunner(s.WriteDB, s.Logger)
	if err != nil {
		return err
	}
	for _, m := range schemaMigrations() {
		runner.Register(m)
	}
	if err := runner.RunMigrations(); err != nil {
		return err
	}

	s.Logger.Info("Database schema ready")
	return nil
}

// createSchemaV1 creates all tables, indexes and triggers
func createSchemaV1(tx *sql.Tx) error {
	schema := `
	-- Every versioned node registers here; version is the optimistic-lock token
	CREATE TABLE IF NOT EXISTS nodes (
		uuid TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		version TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(node_type);

	CREATE TABLE IF NOT EXISTS users (
		uuid TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		email TEXT
	);

	-- Value-keyed reference data (queues, types, tags, dispositions...)
	CREATE TABLE IF NOT EXISTS reference_values (
		uuid TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		description TEXT,
		rank INTEGER, -- dispositions only
		cache_seconds INTEGER, -- analysis module types only
		UNIQUE(kind, value),
		UNIQUE(kind, rank)
	);

	-- List-valued associations (tags, threats, threat actors, directives)
	CREATE TABLE IF NOT EXISTS node_references (
		node_uuid TEXT NOT NULL,
		kind TEXT NOT NULL,
		reference_uuid TEXT NOT NULL,
		PRIMARY KEY (node_uuid, kind, reference_uuid),
		FOREIGN KEY (node_uuid) REFERENCES nodes(uuid) ON DELETE CASCADE,
		FOREIGN KEY (reference_uuid) REFERENCES reference_values(uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_node_references_reference ON node_references(reference_uuid);

	CREATE TABLE IF NOT EXISTS events (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT,
		creation_time INTEGER NOT NULL, -- unix nanos
		FOREIGN KEY (uuid) REFERENCES nodes(uuid)
	);

	CREATE TABLE IF NOT EXISTS observables (
		uuid TEXT PRIMARY KEY,
		type_uuid TEXT NOT NULL,
		value TEXT NOT NULL,
		context TEXT,
		expires_on INTEGER,
		for_detection INTEGER NOT NULL DEFAULT 0,
		time INTEGER NOT NULL,
		redirection_uuid TEXT,
		UNIQUE(type_uuid, value),
		FOREIGN KEY (uuid) REFERENCES nodes(uuid),
		FOREIGN KEY (type_uuid) REFERENCES reference_values(uuid),
		FOREIGN KEY (redirection_uuid) REFERENCES observables(uuid)
	);

	CREATE TABLE IF NOT EXISTS analyses (
		uuid TEXT PRIMARY KEY,
		module_type_uuid TEXT,
		target_uuid TEXT,
		run_time INTEGER NOT NULL,
		cached_start INTEGER, -- half-open [cached_start, cached_end), unix nanos
		cached_end INTEGER,
		details TEXT,
		summary TEXT,
		error_message TEXT,
		stack_trace TEXT,
		FOREIGN KEY (uuid) REFERENCES nodes(uuid),
		FOREIGN KEY (module_type_uuid) REFERENCES reference_values(uuid),
		FOREIGN KEY (target_uuid) REFERENCES observables(uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_target ON analyses(target_uuid);
	CREATE INDEX IF NOT EXISTS idx_analyses_cache ON analyses(module_type_uuid, target_uuid, cached_start, cached_end);

	-- Cache gate: two cached analyses for the same module and target may not overlap
	CREATE TRIGGER IF NOT EXISTS trg_analyses_cache_overlap
	BEFORE INSERT ON analyses
	WHEN NEW.module_type_uuid IS NOT NULL AND NEW.cached_start IS NOT NULL AND NEW.cached_end IS NOT NULL
	BEGIN
		SELECT RAISE(ABORT, 'analysis cache overlap')
		WHERE EXISTS (
			SELECT 1 FROM analyses
			WHERE module_type_uuid = NEW.module_type_uuid
			  AND target_uuid IS NEW.target_uuid
			  AND cached_start IS NOT NULL
			  AND cached_start < NEW.cached_end
			  AND NEW.cached_start < cached_end
		);
	END;

	CREATE TABLE IF NOT EXISTS analysis_child_observables (
		analysis_uuid TEXT NOT NULL,
		observable_uuid TEXT NOT NULL,
		sort INTEGER,
		PRIMARY KEY (analysis_uuid, observable_uuid),
		FOREIGN KEY (analysis_uuid) REFERENCES analyses(uuid),
		FOREIGN KEY (observable_uuid) REFERENCES observables(uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_analysis_child_observables_observable ON analysis_child_observables(observable_uuid);

	CREATE TABLE IF NOT EXISTS submissions (
		uuid TEXT PRIMARY KEY,
		root_analysis_uuid TEXT NOT NULL UNIQUE,
		name TEXT,
		description TEXT,
		alert INTEGER NOT NULL DEFAULT 0,
		queue_uuid TEXT NOT NULL,
		type_uuid TEXT NOT NULL,
		owner_uuid TEXT,
		ownership_time INTEGER,
		disposition_uuid TEXT,
		disposition_time INTEGER,
		disposition_user_uuid TEXT,
		event_uuid TEXT,
		event_time INTEGER NOT NULL,
		insert_time INTEGER NOT NULL,
		FOREIGN KEY (uuid) REFERENCES nodes(uuid),
		FOREIGN KEY (root_analysis_uuid) REFERENCES analyses(uuid),
		FOREIGN KEY (queue_uuid) REFERENCES reference_values(uuid),
		FOREIGN KEY (type_uuid) REFERENCES reference_values(uuid),
		FOREIGN KEY (owner_uuid) REFERENCES users(uuid),
		FOREIGN KEY (disposition_uuid) REFERENCES reference_values(uuid),
		FOREIGN KEY (disposition_user_uuid) REFERENCES users(uuid),
		FOREIGN KEY (event_uuid) REFERENCES events(uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_event ON submissions(event_uuid);
	CREATE INDEX IF NOT EXISTS idx_submissions_insert_time ON submissions(insert_time DESC);

	CREATE TABLE IF NOT EXISTS submission_analyses (
		submission_uuid TEXT NOT NULL,
		analysis_uuid TEXT NOT NULL,
		PRIMARY KEY (submission_uuid, analysis_uuid),
		FOREIGN KEY (submission_uuid) REFERENCES submissions(uuid),
		FOREIGN KEY (analysis_uuid) REFERENCES analyses(uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_submission_analyses_analysis ON submission_analyses(analysis_uuid);

	CREATE TABLE IF NOT EXISTS comments (
		uuid TEXT PRIMARY KEY,
		node_uuid TEXT NOT NULL,
		user_uuid TEXT NOT NULL,
		insert_time INTEGER NOT NULL,
		value TEXT NOT NULL,
		UNIQUE(node_uuid, value),
		FOREIGN KEY (uuid) REFERENCES nodes(uuid),
		FOREIGN KEY (node_uuid) REFERENCES nodes(uuid),
		FOREIGN KEY (user_uuid) REFERENCES users(uuid)
	);

	CREATE TABLE IF NOT EXISTS node_relationships (
		uuid TEXT PRIMARY KEY,
		node_uuid TEXT NOT NULL,
		related_node_uuid TEXT NOT NULL,
		type_uuid TEXT NOT NULL,
		UNIQUE(node_uuid, related_node_uuid, type_uuid),
		FOREIGN KEY (uuid) REFERENCES nodes(uuid),
		FOREIGN KEY (node_uuid) REFERENCES nodes(uuid),
		FOREIGN KEY (related_node_uuid) REFERENCES nodes(uuid),
		FOREIGN KEY (type_uuid) REFERENCES reference_values(uuid)
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	// History tables have no foreign key to nodes so entries outlive deleted rows
	for _, table := range historyTables {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			record_uuid TEXT NOT NULL,
			action TEXT NOT NULL,
			action_by TEXT NOT NULL,
			action_time INTEGER NOT NULL, -- unix nanos
			field TEXT,
			diff TEXT, -- JSON
			snapshot TEXT NOT NULL -- JSON
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_record ON %[1]s(record_uuid, action_time, id);
		`, table)
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create %s: %w", table, err)
		}
	}

	return nil
}

// createReferenceGeneration adds the single-row counter that cached trees are stamped with
func createReferenceGeneration(tx *sql.Tx) error {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS reference_generation (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		generation INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO reference_generation (id, generation) VALUES (1, 0);
	`)
	if err != nil {
		return fmt.Errorf("failed to create reference_generation: %w", err)
	}
	return nil
}
