package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// Migration represents a database migration
type Migration struct {
	ID          int       `db:"id"`
	Version     string    `db:"version"`
	Description string    `db:"description"`
	SQL         string    `db:"sql"`
	AppliedAt   time.Time `db:"applied_at"`
	Checksum    string    `db:"checksum"`
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return withChecksums([]*Migration{
		{
			Version:     "001",
			Description: "Create security log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS security_log (
					sequence_number INTEGER PRIMARY KEY,
					id TEXT NOT NULL UNIQUE,
					event_type TEXT NOT NULL,
					severity TEXT NOT NULL,
					timestamp TEXT NOT NULL,
					actor_user_id TEXT NOT NULL DEFAULT '',
					actor_ip_address TEXT NOT NULL DEFAULT '',
					actor_user_agent TEXT NOT NULL DEFAULT '',
					metadata TEXT NOT NULL, -- JSON
					hash TEXT NOT NULL UNIQUE,
					previous_hash TEXT NOT NULL,
					archived BOOLEAN NOT NULL DEFAULT FALSE,
					archived_at TEXT,
					created_at TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_security_log_event_type ON security_log(event_type);
				CREATE INDEX IF NOT EXISTS idx_security_log_timestamp ON security_log(timestamp);
				CREATE INDEX IF NOT EXISTS idx_security_log_actor ON security_log(actor_user_id, actor_ip_address);
				CREATE INDEX IF NOT EXISTS idx_security_log_archived ON security_log(archived, timestamp);
			`,
		},
		{
			Version:     "002",
			Description: "Create threat rules table",
			SQL: `
				CREATE TABLE IF NOT EXISTS threat_rules (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					version INTEGER NOT NULL DEFAULT 1,
					status TEXT NOT NULL,
					severity TEXT NOT NULL,
					condition_type TEXT NOT NULL,
					config TEXT NOT NULL, -- JSON
					tags TEXT NOT NULL DEFAULT '[]', -- JSON
					created_by TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL,
					updated_by TEXT NOT NULL DEFAULT '',
					updated_at TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_threat_rules_status ON threat_rules(status);
				CREATE INDEX IF NOT EXISTS idx_threat_rules_condition_type ON threat_rules(condition_type);
			`,
		},
	})
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return withChecksums([]*Migration{
		{
			Version:     "001",
			Description: "Create security log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS security_log (
					sequence_number BIGINT PRIMARY KEY,
					id VARCHAR(64) NOT NULL UNIQUE,
					event_type VARCHAR(128) NOT NULL,
					severity VARCHAR(16) NOT NULL,
					timestamp TIMESTAMPTZ NOT NULL,
					actor_user_id VARCHAR(255) NOT NULL DEFAULT '',
					actor_ip_address VARCHAR(64) NOT NULL DEFAULT '',
					actor_user_agent TEXT NOT NULL DEFAULT '',
					metadata JSON NOT NULL,
					hash CHAR(64) NOT NULL UNIQUE,
					previous_hash CHAR(64) NOT NULL,
					archived BOOLEAN NOT NULL DEFAULT FALSE,
					archived_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_security_log_event_type ON security_log(event_type);
				CREATE INDEX IF NOT EXISTS idx_security_log_timestamp ON security_log(timestamp);
				CREATE INDEX IF NOT EXISTS idx_security_log_actor ON security_log(actor_user_id, actor_ip_address);
				CREATE INDEX IF NOT EXISTS idx_security_log_unarchived ON security_log(timestamp) WHERE archived = FALSE;
			`,
		},
		{
			Version:     "002",
			Description: "Create threat rules table",
			SQL: `
				CREATE TABLE IF NOT EXISTS threat_rules (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					version INTEGER NOT NULL DEFAULT 1,
					status VARCHAR(16) NOT NULL,
					severity VARCHAR(16) NOT NULL,
					condition_type VARCHAR(32) NOT NULL,
					config JSONB NOT NULL,
					tags JSONB NOT NULL DEFAULT '[]',
					created_by VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_by VARCHAR(255) NOT NULL DEFAULT '',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_threat_rules_status ON threat_rules(status);
				CREATE INDEX IF NOT EXISTS idx_threat_rules_condition_type ON threat_rules(condition_type);
			`,
		},
	})
}

func withChecksums(migrations []*Migration) []*Migration {
	for i, m := range migrations {
		m.ID = i + 1
		m.Checksum = utils.SHA256Hex([]byte(m.SQL))
	}
	return migrations
}

// applyMigrations runs every migration not yet recorded in schema_migrations.
// Placeholders use $n and are rebound for drivers that need ?.
func applyMigrations(db *sql.DB, migrations []*Migration, needsRebind bool, logger *logrus.Logger) error {
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(32) PRIMARY KEY,
			description TEXT NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			applied_at VARCHAR(64) NOT NULL
		)`); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create migrations table", err.Error())
	}

	applied := map[string]string{}
	rows, err := db.QueryContext(ctx, "SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
	}
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan migration", err.Error())
		}
		applied[version] = checksum
	}
	rows.Close()

	insert := "INSERT INTO schema_migrations (version, description, checksum, applied_at) VALUES ($1, $2, $3, $4)"
	if needsRebind {
		insert = rebind(insert, 4)
	}

	for _, migration := range migrations {
		if checksum, ok := applied[migration.Version]; ok {
			if checksum != migration.Checksum {
				logger.WithField("version", migration.Version).Warn("Applied migration checksum differs from current script")
			}
			continue
		}

		logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase,
				"Migration "+migration.Version+" failed", err.Error())
		}
		if _, err := tx.ExecContext(ctx, insert, migration.Version, migration.Description,
			migration.Checksum, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to record migration", err.Error())
		}
		if err := tx.Commit(); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit migration", err.Error())
		}
	}

	return nil
}
