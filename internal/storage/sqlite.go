// File: internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	// Ensure directory exists
	dir := filepath.Dir(s.config.ConnectionString)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	// Configure connection pool
	maxConns := s.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err.Error())
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set busy timeout", err.Error())
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	s.logger.Info("Starting database migrations")
	if err := applyMigrations(s.db, s.migrations, true, s.logger); err != nil {
		return err
	}
	s.logger.Info("Database migrations completed")
	return nil
}

// GetHealth reports whether the database answers
func (s *SQLiteStorage) GetHealth() *StorageHealth {
	return healthOf("sqlite", s.Ping())
}

func sqliteTime(t time.Time) interface{} {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseSQLiteTime(value string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, value)
	if err != nil {
		// Rows written by other tools may use plain RFC3339.
		return time.Parse(time.RFC3339Nano, value)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteEntry(row rowScanner) (*models.LogEntry, error) {
	var (
		entry      models.LogEntry
		severity   string
		timestamp  string
		metadata   string
		archivedAt sql.NullString
		createdAt  string
	)

	if err := row.Scan(&entry.SequenceNumber, &entry.ID, &entry.EventType, &severity, &timestamp,
		&entry.Actor.UserID, &entry.Actor.IPAddress, &entry.Actor.UserAgent, &metadata,
		&entry.Hash, &entry.PreviousHash, &entry.Archived, &archivedAt, &createdAt); err != nil {
		return nil, err
	}

	entry.Severity = models.Severity(severity)

	ts, err := parseSQLiteTime(timestamp)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid entry timestamp", err.Error())
	}
	entry.Timestamp = ts

	if entry.Metadata, err = decodeJSONMap([]byte(metadata)); err != nil {
		return nil, err
	}

	if archivedAt.Valid && archivedAt.String != "" {
		if at, err := parseSQLiteTime(archivedAt.String); err == nil {
			entry.ArchivedAt = &at
		}
	}
	if created, err := parseSQLiteTime(createdAt); err == nil {
		entry.CreatedAt = created
	}

	return &entry, nil
}

// Tail returns the last committed entry position
func (s *SQLiteStorage) Tail(ctx context.Context) (models.ChainTail, error) {
	return sqliteTail(ctx, s.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func sqliteTail(ctx context.Context, q queryRower) (models.ChainTail, error) {
	var tail models.ChainTail
	err := q.QueryRowContext(ctx,
		"SELECT sequence_number, hash FROM security_log ORDER BY sequence_number DESC LIMIT 1").
		Scan(&tail.SequenceNumber, &tail.Hash)
	if err == sql.ErrNoRows {
		return models.EmptyTail(), nil
	}
	if err != nil {
		return tail, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain tail", err.Error())
	}
	return tail, nil
}

// AppendBatch inserts entries in one transaction after re-checking the tail
func (s *SQLiteStorage) AppendBatch(ctx context.Context, expectedTailSeq int64, entries []*models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	tail, err := sqliteTail(ctx, tx)
	if err != nil {
		return err
	}
	if err := validateBatch(tail, expectedTailSeq, entries); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO security_log (`+logEntryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to prepare statement", err.Error())
	}
	defer stmt.Close()

	now := time.Now()
	for _, entry := range entries {
		metadata, err := encodeJSON(entry.Metadata)
		if err != nil {
			return err
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}

		_, err = stmt.ExecContext(ctx,
			entry.SequenceNumber, entry.ID, entry.EventType, string(entry.Severity), sqliteTime(entry.Timestamp),
			entry.Actor.UserID, entry.Actor.IPAddress, entry.Actor.UserAgent, metadata,
			entry.Hash, entry.PreviousHash, false, nil, sqliteTime(entry.CreatedAt))
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Failed to insert entry %d", entry.SequenceNumber), err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit transaction", err.Error())
	}

	s.logger.WithField("count", len(entries)).Debug("Appended batch to chain")
	return nil
}

// ReadRange returns entries fromSeq..toSeq in ascending order
func (s *SQLiteStorage) ReadRange(ctx context.Context, fromSeq, toSeq int64) ([]*models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+logEntryColumns+" FROM security_log WHERE sequence_number BETWEEN ? AND ? ORDER BY sequence_number ASC",
		fromSeq, toSeq)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain range", err.Error())
	}
	defer rows.Close()

	return collectSQLiteEntries(rows)
}

func collectSQLiteEntries(rows *sql.Rows) ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	for rows.Next() {
		entry, err := scanSQLiteEntry(rows)
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
func (s *SQLiteStorage) QueryEntries(ctx context.Context, filter models.LogFilter) ([]*models.LogEntry, int64, error) {
	filter.Normalize()
	where, args := logFilterClause(filter, sqliteTime)

	var total int64
	countQuery := rebind("SELECT COUNT(*) FROM security_log"+where, len(args))
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count entries", err.Error())
	}

	query := "SELECT " + logEntryColumns + " FROM security_log" + where +
		fmt.Sprintf(" ORDER BY sequence_number DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset())

	rows, err := s.db.QueryContext(ctx, rebind(query, len(args)), args...)
	if err != nil {
		return nil, 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query entries", err.Error())
	}
	defer rows.Close()

	entries, err := collectSQLiteEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// FindArchivable lists unarchived entries older than cutoff
func (s *SQLiteStorage) FindArchivable(ctx context.Context, cutoff time.Time, maxSeq int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number FROM security_log
		WHERE archived = FALSE AND timestamp < ? AND sequence_number <= ?
		ORDER BY sequence_number ASC LIMIT ?`,
		sqliteTime(cutoff), maxSeq, limit)
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
func (s *SQLiteStorage) MarkArchived(ctx context.Context, seqs []int64) (int64, error) {
	if len(seqs) == 0 {
		return 0, nil
	}

	args := []interface{}{sqliteTime(time.Now())}
	for _, seq := range seqs {
		args = append(args, seq)
	}
	query := rebind("UPDATE security_log SET archived = TRUE, archived_at = $1 WHERE archived = FALSE AND sequence_number IN ("+
		int64Placeholders(2, len(seqs))+")", len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to mark entries archived", err.Error())
	}
	return result.RowsAffected()
}

// GetChainStats summarizes the chain and rule tables
func (s *SQLiteStorage) GetChainStats(ctx context.Context) (*ChainStats, error) {
	stats := &ChainStats{}
	var oldest, latest sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN archived THEN 1 ELSE 0 END), 0), MIN(timestamp), MAX(timestamp)
		FROM security_log`).Scan(&stats.TotalEntries, &stats.ArchivedEntries, &oldest, &latest)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain stats", err.Error())
	}
	if oldest.Valid {
		if t, err := parseSQLiteTime(oldest.String); err == nil {
			stats.OldestEntry = &t
		}
	}
	if latest.Valid {
		if t, err := parseSQLiteTime(latest.String); err == nil {
			stats.LatestEntry = &t
		}
	}

	tail, err := s.Tail(ctx)
	if err != nil {
		return nil, err
	}
	stats.TailSequence, stats.TailHash = tail.SequenceNumber, tail.Hash

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM threat_rules").Scan(&stats.TotalRules); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count rules", err.Error())
	}
	return stats, nil
}

const ruleColumns = `id, name, description, version, status, severity, condition_type,
	config, tags, created_by, created_at, updated_by, updated_at`

func scanSQLiteRule(row rowScanner) (*models.ThreatRule, error) {
	var (
		rule                 models.ThreatRule
		status, severity     string
		conditionType        string
		config, tags         string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Description, &rule.Version, &status, &severity,
		&conditionType, &config, &tags, &rule.CreatedBy, &createdAt, &rule.UpdatedBy, &updatedAt); err != nil {
		return nil, err
	}

	rule.Status = models.RuleStatus(status)
	rule.Severity = models.Severity(severity)
	rule.ConditionType = models.ConditionType(conditionType)

	var err error
	if rule.Config, err = decodeJSONMap([]byte(config)); err != nil {
		return nil, err
	}
	if rule.Tags, err = decodeTags([]byte(tags)); err != nil {
		return nil, err
	}
	rule.CreatedAt, _ = parseSQLiteTime(createdAt)
	rule.UpdatedAt, _ = parseSQLiteTime(updatedAt)
	return &rule, nil
}

// ListRules returns rules matching filter ordered by name
func (s *SQLiteStorage) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ThreatRule, error) {
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
	query += " ORDER BY name ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, rebind(query, len(args)), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list rules", err.Error())
	}
	defer rows.Close()

	var rules []*models.ThreatRule
	for rows.Next() {
		rule, err := scanSQLiteRule(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan rule", err.Error())
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate rules", err.Error())
	}
	return filterRules(rules, filter), nil
}

// GetRule returns one rule by id
func (s *SQLiteStorage) GetRule(ctx context.Context, id string) (*models.ThreatRule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM threat_rules WHERE id = ?", id)
	rule, err := scanSQLiteRule(row)
	if err == sql.ErrNoRows {
		return nil, notFound("rule", id)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rule", err.Error())
	}
	return rule, nil
}

// CreateRule inserts a new rule
func (s *SQLiteStorage) CreateRule(ctx context.Context, rule *models.ThreatRule) error {
	config, err := encodeJSON(rule.Config)
	if err != nil {
		return err
	}
	tags, err := encodeTags(rule.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threat_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Description, rule.Version, string(rule.Status), string(rule.Severity),
		string(rule.ConditionType), config, tags, rule.CreatedBy, sqliteTime(rule.CreatedAt),
		rule.UpdatedBy, sqliteTime(rule.UpdatedAt))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return utils.WrapAppError(utils.ErrCodeValidation, "Rule already exists: "+rule.ID, ErrAlreadyExists)
		}
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create rule", err.Error())
	}
	return nil
}

// UpdateRule replaces a stored rule
func (s *SQLiteStorage) UpdateRule(ctx context.Context, rule *models.ThreatRule) error {
	config, err := encodeJSON(rule.Config)
	if err != nil {
		return err
	}
	tags, err := encodeTags(rule.Tags)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE threat_rules SET name = ?, description = ?, version = ?, status = ?, severity = ?,
			condition_type = ?, config = ?, tags = ?, updated_by = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, rule.Description, rule.Version, string(rule.Status), string(rule.Severity),
		string(rule.ConditionType), config, tags, rule.UpdatedBy, sqliteTime(rule.UpdatedAt), rule.ID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update rule", err.Error())
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("rule", rule.ID)
	}
	return nil
}

// DeleteRule removes a rule
func (s *SQLiteStorage) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM threat_rules WHERE id = ?", id)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete rule", err.Error())
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("rule", id)
	}
	return nil
}
