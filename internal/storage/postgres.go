package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// chainLockKey serializes chain appends across connections.
const chainLockKey = 0x5ec1065

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetPostgresMigrations(),
	}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	// Configure connection pool
	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxLifetime(p.config.MaxIdleTime)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")

	return nil
}

// Close closes the database connection
func (p *PostgreSQLStorage) Close() error {
	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgreSQLStorage) Ping() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return p.db.Ping()
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	p.logger.Info("Starting database migrations")
	if err := applyMigrations(p.db, p.migrations, false, p.logger); err != nil {
		return err
	}
	p.logger.Info("Database migrations completed")
	return nil
}

// GetHealth reports whether the database answers
func (p *PostgreSQLStorage) GetHealth() *StorageHealth {
	return healthOf("postgres", p.Ping())
}

func postgresTime(t time.Time) interface{} {
	return t.UTC()
}

func scanPostgresEntry(row rowScanner) (*models.LogEntry, error) {
	var (
		entry      models.LogEntry
		severity   string
		metadata   []byte
		archivedAt pq.NullTime
	)

	if err := row.Scan(&entry.SequenceNumber, &entry.ID, &entry.EventType, &severity, &entry.Timestamp,
		&entry.Actor.UserID, &entry.Actor.IPAddress, &entry.Actor.UserAgent, &metadata,
		&entry.Hash, &entry.PreviousHash, &entry.Archived, &archivedAt, &entry.CreatedAt); err != nil {
		return nil, err
	}

	entry.Severity = models.Severity(severity)
	entry.Timestamp = entry.Timestamp.UTC()

	var err error
	if entry.Metadata, err = decodeJSONMap(metadata); err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		at := archivedAt.Time
		entry.ArchivedAt = &at
	}
	return &entry, nil
}

func postgresTail(ctx context.Context, q queryRower) (models.ChainTail, error) {
	var tail models.ChainTail
	err := q.QueryRowContext(ctx,
		"SELECT sequence_number, hash FROM security_log ORDER BY sequence_number DESC LIMIT 1").
		Scan(&tail.SequenceNumber, &tail.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmptyTail(), nil
	}
	if err != nil {
		return tail, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain tail", err.Error())
	}
	return tail, nil
}

// Tail returns the last committed entry position
func (p *PostgreSQLStorage) Tail(ctx context.Context) (models.ChainTail, error) {
	return postgresTail(ctx, p.db)
}

// AppendBatch copies entries into the log inside one transaction holding the chain lock
func (p *PostgreSQLStorage) AppendBatch(ctx context.Context, expectedTailSeq int64, entries []*models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", chainLockKey); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to acquire chain lock", err.Error())
	}

	tail, err := postgresTail(ctx, tx)
	if err != nil {
		return err
	}
	if err := validateBatch(tail, expectedTailSeq, entries); err != nil {
		return err
	}

	// Use COPY for better performance with large batches
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("security_log",
		"sequence_number", "id", "event_type", "severity", "timestamp",
		"actor_user_id", "actor_ip_address", "actor_user_agent", "metadata",
		"hash", "previous_hash", "archived", "created_at"))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to prepare COPY statement", err.Error())
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, entry := range entries {
		metadata, err := encodeJSON(entry.Metadata)
		if err != nil {
			return err
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}

		if _, err := stmt.ExecContext(ctx,
			entry.SequenceNumber, entry.ID, entry.EventType, string(entry.Severity), entry.Timestamp.UTC(),
			entry.Actor.UserID, entry.Actor.IPAddress, entry.Actor.UserAgent, metadata,
			entry.Hash, entry.PreviousHash, false, entry.CreatedAt); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to add entry to COPY", err.Error())
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to execute COPY", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit transaction", err.Error())
	}

	p.logger.WithField("count", len(entries)).Debug("Appended batch to chain")
	return nil
}

// ReadRange returns entries fromSeq..toSeq in ascending order
func (p *PostgreSQLStorage) ReadRange(ctx context.Context, fromSeq, toSeq int64) ([]*models.LogEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+logEntryColumns+" FROM security_log WHERE sequence_number BETWEEN $1 AND $2 ORDER BY sequence_number ASC",
		fromSeq, toSeq)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain range", err.Error())
	}
	defer rows.Close()

	return collectPostgresEntries(rows)
}

func collectPostgresEntries(rows *sql.Rows) ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	for rows.Next() {
		entry, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan entry", err.Error())
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate entries", err.Error())
	}
	return entries, nil
}

// QueryEntries returns one page of entries, newest first, and the total match count
func (p *PostgreSQLStorage) QueryEntries(ctx context.Context, filter models.LogFilter) ([]*models.LogEntry, int64, error) {
	filter.Normalize()
	where, args := logFilterClause(filter, postgresTime)

	var total int64
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count entries", err.Error())
	}

	query := "SELECT " + logEntryColumns + " FROM security_log" + where +
		fmt.Sprintf(" ORDER BY sequence_number DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query entries", err.Error())
	}
	defer rows.Close()

	entries, err := collectPostgresEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// FindArchivable lists unarchived entries older than cutoff
func (p *PostgreSQLStorage) FindArchivable(ctx context.Context, cutoff time.Time, maxSeq int64, limit int) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence_number FROM security_log
		WHERE archived = FALSE AND timestamp < $1 AND sequence_number <= $2
		ORDER BY sequence_number ASC LIMIT $3`,
		cutoff.UTC(), maxSeq, limit)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to find archivable entries", err.Error())
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan sequence", err.Error())
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// MarkArchived flags entries archived. Only archived and archived_at change.
func (p *PostgreSQLStorage) MarkArchived(ctx context.Context, seqs []int64) (int64, error) {
	if len(seqs) == 0 {
		return 0, nil
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE security_log SET archived = TRUE, archived_at = $1
		WHERE archived = FALSE AND sequence_number = ANY($2)`,
		time.Now().UTC(), pq.Array(seqs))
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to mark entries archived", err.Error())
	}
	return result.RowsAffected()
}

// GetChainStats summarizes the chain and rule tables
func (p *PostgreSQLStorage) GetChainStats(ctx context.Context) (*ChainStats, error) {
	stats := &ChainStats{}
	var oldest, latest pq.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE archived), MIN(timestamp), MAX(timestamp)
		FROM security_log`).Scan(&stats.TotalEntries, &stats.ArchivedEntries, &oldest, &latest)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain stats", err.Error())
	}
	if oldest.Valid {
		stats.OldestEntry = &oldest.Time
	}
	if latest.Valid {
		stats.LatestEntry = &latest.Time
	}

	tail, err := p.Tail(ctx)
	if err != nil {
		return nil, err
	}
	stats.TailSequence, stats.TailHash = tail.SequenceNumber, tail.Hash

	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM threat_rules").Scan(&stats.TotalRules); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count rules", err.Error())
	}
	return stats, nil
}

func scanPostgresRule(row rowScanner) (*models.ThreatRule, error) {
	var (
		rule                            models.ThreatRule
		status, severity, conditionType string
		config, tags                    []byte
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Description, &rule.Version, &status, &severity,
		&conditionType, &config, &tags, &rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedBy, &rule.UpdatedAt); err != nil {
		return nil, err
	}

	rule.Status = models.RuleStatus(status)
	rule.Severity = models.Severity(severity)
	rule.ConditionType = models.ConditionType(conditionType)

	var err error
	if rule.Config, err = decodeJSONMap(config); err != nil {
		return nil, err
	}
	if rule.Tags, err = decodeTags(tags); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns rules matching filter ordered by name
func (p *PostgreSQLStorage) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ThreatRule, error) {
	query := "SELECT " + ruleColumns + " FROM threat_rules WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(*filter.Status))
		argIndex++
	}
	if filter.ConditionType != nil {
		query += fmt.Sprintf(" AND condition_type = $%d", argIndex)
		args = append(args, string(*filter.ConditionType))
		argIndex++
	}
	if filter.Tag != nil {
		query += fmt.Sprintf(" AND tags ? $%d", argIndex)
		args = append(args, *filter.Tag)
		argIndex++
	}
	query += " ORDER BY name ASC, id ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list rules", err.Error())
	}
	defer rows.Close()

	var rules []*models.ThreatRule
	for rows.Next() {
		rule, err := scanPostgresRule(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan rule", err.Error())
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate rules", err.Error())
	}
	return rules, nil
}

// GetRule returns one rule by id
func (p *PostgreSQLStorage) GetRule(ctx context.Context, id string) (*models.ThreatRule, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM threat_rules WHERE id = $1", id)
	rule, err := scanPostgresRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("rule", id)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rule", err.Error())
	}
	return rule, nil
}

// CreateRule inserts a new rule
func (p *PostgreSQLStorage) CreateRule(ctx context.Context, rule *models.ThreatRule) error {
	config, err := encodeJSON(rule.Config)
	if err != nil {
		return err
	}
	tags, err := encodeTags(rule.Tags)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO threat_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rule.ID, rule.Name, rule.Description, rule.Version, string(rule.Status), string(rule.Severity),
		string(rule.ConditionType), config, tags, rule.CreatedBy, rule.CreatedAt.UTC(),
		rule.UpdatedBy, rule.UpdatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return utils.WrapAppError(utils.ErrCodeValidation, "Rule already exists: "+rule.ID, ErrAlreadyExists)
		}
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create rule", err.Error())
	}
	return nil
}

// UpdateRule replaces a stored rule
func (p *PostgreSQLStorage) UpdateRule(ctx context.Context, rule *models.ThreatRule) error {
	config, err := encodeJSON(rule.Config)
	if err != nil {
		return err
	}
	tags, err := encodeTags(rule.Tags)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE threat_rules SET name = $1, description = $2, version = $3, status = $4, severity = $5,
			condition_type = $6, config = $7, tags = $8, updated_by = $9, updated_at = $10
		WHERE id = $11`,
		rule.Name, rule.Description, rule.Version, string(rule.Status), string(rule.Severity),
		string(rule.ConditionType), config, tags, rule.UpdatedBy, rule.UpdatedAt.UTC(), rule.ID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update rule", err.Error())
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("rule", rule.ID)
	}
	return nil
}

// DeleteRule removes a rule
func (p *PostgreSQLStorage) DeleteRule(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM threat_rules WHERE id = $1", id)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete rule", err.Error())
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("rule", id)
	}
	return nil
}
