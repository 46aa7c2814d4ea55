package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"entgo.io/ent/dialect"
)

// column types differing between dialects
type ddlTypes struct {
	json string
	ts   string
}

func typesFor(d string) ddlTypes {
	if d == dialect.Postgres {
		return ddlTypes{json: "JSONB", ts: "TIMESTAMPTZ"}
	}
	return ddlTypes{json: "TEXT", ts: "DATETIME"}
}

func schemaStatements(d string) []string {
	t := typesFor(d)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	blob_key TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	total_attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	output %[1]s,
	staged_output %[1]s,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	completed_at %[2]s
)`, t.json, t.ts),
		`CREATE INDEX IF NOT EXISTS jobs_owner_hash_status_idx ON jobs (owner_id, content_hash, status)`,
		`CREATE INDEX IF NOT EXISTS jobs_hash_status_idx ON jobs (content_hash, status)`,
		`CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS published_views (
	owner_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	content %s NOT NULL,
	updated_at %s NOT NULL
)`, t.json, t.ts),
	}
}

// Migrate creates the tables and indexes if they do not exist yet.
func Migrate(ctx context.Context, db *DB, logger *slog.Logger) error {
	for _, stmt := range schemaStatements(db.Dialect()) {
		if err := db.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			first := strings.SplitN(stmt, "\n", 2)[0]
			logger.Error("migrate failed", "stmt", first, "err", err)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("schema up to date", "dialect", db.Dialect())
	return nil
}
