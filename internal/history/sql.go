package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"mailtriage/pkg/logger"
)

const (
	driverMySQL    = "mysql"
	driverPostgres = "postgres"
)

// DriverFor picks the database driver from the URL scheme.
func DriverFor(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgres") {
		return driverPostgres
	}
	return driverMySQL
}

// OpenDB connects to databaseURL (postgres:// or a MySQL DSN with parseTime=true).
func OpenDB(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database url not set")
	}
	db, err := sqlx.Open(DriverFor(databaseURL), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

var schemas = map[string][]string{
	driverPostgres: {
		`CREATE TABLE IF NOT EXISTS operation_history (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			session_id VARCHAR(255) NOT NULL,
			type VARCHAR(32) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			description TEXT NOT NULL,
			items TEXT NOT NULL,
			metadata TEXT NOT NULL,
			can_rollback BOOLEAN NOT NULL,
			is_rolled_back BOOLEAN NOT NULL DEFAULT FALSE,
			rolled_back_at TIMESTAMP NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operation_history_user ON operation_history (user_id, created_at DESC)`,
	},
	driverMySQL: {
		`CREATE TABLE IF NOT EXISTS operation_history (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			session_id VARCHAR(255) NOT NULL,
			type VARCHAR(32) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			description TEXT NOT NULL,
			items MEDIUMTEXT NOT NULL,
			metadata TEXT NOT NULL,
			can_rollback BOOLEAN NOT NULL,
			is_rolled_back BOOLEAN NOT NULL DEFAULT FALSE,
			rolled_back_at DATETIME(6) NULL,
			INDEX idx_operation_history_user (user_id, created_at)
		)`,
	},
}

type entryRow struct {
	ID           string       `db:"id"`
	UserID       string       `db:"user_id"`
	SessionID    string       `db:"session_id"`
	Type         string       `db:"type"`
	CreatedAt    time.Time    `db:"created_at"`
	Description  string       `db:"description"`
	Items        string       `db:"items"`
	Metadata     string       `db:"metadata"`
	CanRollback  bool         `db:"can_rollback"`
	IsRolledBack bool         `db:"is_rolled_back"`
	RolledBackAt sql.NullTime `db:"rolled_back_at"`
}

const selectColumns = `id, user_id, session_id, type, created_at, description, items, metadata, can_rollback, is_rolled_back, rolled_back_at`

func toRow(e Entry) (entryRow, error) {
	items, err := json.Marshal(e.Items)
	if err != nil {
		return entryRow{}, fmt.Errorf("encode items: %w", err)
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return entryRow{}, fmt.Errorf("encode metadata: %w", err)
	}
	row := entryRow{
		ID:           e.ID,
		UserID:       e.UserID,
		SessionID:    e.SessionID,
		Type:         string(e.Type),
		CreatedAt:    e.Timestamp.UTC(),
		Description:  e.Description,
		Items:        string(items),
		Metadata:     string(metadata),
		CanRollback:  e.CanRollback,
		IsRolledBack: e.IsRolledBack,
	}
	if e.RolledBackAt != nil {
		row.RolledBackAt = sql.NullTime{Time: e.RolledBackAt.UTC(), Valid: true}
	}
	return row, nil
}

func (r entryRow) entry() (Entry, error) {
	e := Entry{
		ID:           r.ID,
		UserID:       r.UserID,
		SessionID:    r.SessionID,
		Type:         OperationType(r.Type),
		Timestamp:    r.CreatedAt.UTC(),
		Description:  r.Description,
		CanRollback:  r.CanRollback,
		IsRolledBack: r.IsRolledBack,
	}
	if err := json.Unmarshal([]byte(r.Items), &e.Items); err != nil {
		return Entry{}, fmt.Errorf("decode items of %s: %w", r.ID, err)
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
		}
	}
	if r.RolledBackAt.Valid {
		t := r.RolledBackAt.Time.UTC()
		e.RolledBackAt = &t
	}
	return e, nil
}

// SQLStore keeps entries in the operation_history table.
type SQLStore struct {
	db  *sqlx.DB
	log *zap.Logger
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, log: logger.RepositoryLogger("operation_history")}
}

// EnsureSchema creates the table and index when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	stmts, ok := schemas[s.db.DriverName()]
	if !ok {
		stmts = schemas[driverPostgres]
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
	}
	s.log.Debug("History schema ready", zap.String("driver", s.db.DriverName()))
	return nil
}

func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	row, err := toRow(e)
	if err != nil {
		return err
	}
	query := `INSERT INTO operation_history (` + selectColumns + `) VALUES
		(:id, :user_id, :session_id, :type, :created_at, :description, :items, :metadata, :can_rollback, :is_rolled_back, :rolled_back_at)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("insert operation %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Entry, error) {
	var row entryRow
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM operation_history WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load operation %s: %w", id, err)
	}
	e, err := row.entry()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM operation_history WHERE user_id = ? ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list operations for %s: %w", userID, err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MarkRolledBack flips is_rolled_back with a conditional update so two
// concurrent callers cannot both succeed.
func (s *SQLStore) MarkRolledBack(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE operation_history SET is_rolled_back = ?, rolled_back_at = ? WHERE id = ? AND is_rolled_back = ?`),
		true, at.UTC(), id, false,
	)
	if err != nil {
		return fmt.Errorf("mark operation %s rolled back: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark operation %s rolled back: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT COUNT(*) FROM operation_history WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("check operation %s: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrAlreadyRolledBack
}

// Prune deletes all but the newest keep entries of userID.
func (s *SQLStore) Prune(ctx context.Context, userID string, keep int) (int64, error) {
	var ids []string
	query := s.db.Rebind(`SELECT id FROM operation_history WHERE user_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &ids, query, userID); err != nil {
		return 0, fmt.Errorf("list operations for prune: %w", err)
	}
	if len(ids) <= keep {
		return 0, nil
	}

	del, args, err := sqlx.In(`DELETE FROM operation_history WHERE id IN (?)`, ids[keep:])
	if err != nil {
		return 0, fmt.Errorf("build prune query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(del), args...)
	if err != nil {
		s.log.Error("Prune failed", zap.String("user_id", userID), zap.Error(err))
		return 0, fmt.Errorf("prune operations for %s: %w", userID, err)
	}
	return res.RowsAffected()
}
