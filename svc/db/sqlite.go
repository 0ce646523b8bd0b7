package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"takobin/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	// connection string params so every pooled connection gets the same
	// pragmas; PRAGMA statements only apply to the connection that ran them
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'plaintext',
		visibility TEXT NOT NULL DEFAULT 'public',
		kind TEXT NOT NULL DEFAULT 'text',
		expires_at DATETIME,
		last_accessed_at DATETIME NOT NULL,
		is_protected INTEGER NOT NULL DEFAULT 0,
		password_hash TEXT NOT NULL DEFAULT '',
		user_id TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_pastes_user_id ON pastes(user_id);
	CREATE TABLE IF NOT EXISTS file_uploads (
		id TEXT PRIMARY KEY,
		paste_id TEXT NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		storage_key TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_file_uploads_paste_id ON file_uploads(paste_id);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) CreatePaste(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, title, content, language, visibility, kind, expires_at, last_accessed_at, is_protected, password_hash, user_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Title, p.Content, p.Language, string(p.Visibility), string(p.Kind),
		nullTime(p.ExpiresAt), p.LastAccessedAt, p.IsProtected, p.PasswordHash,
		nullString(p.UserID), p.CreatedAt,
	)
	s.recordError(err)
	return errors.Wrap(err, "db create paste")
}

// GetPaste returns the row regardless of expiry; expired pastes must surface
// as Forbidden, not NotFound, so the policy layer does the expiry check.
func (s *SQLite) GetPaste(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, title, content, language, visibility, kind, expires_at, last_accessed_at, is_protected, password_hash, user_id, created_at
	FROM pastes WHERE id = ?
	`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get paste")
	}
	return p, nil
}

// UpdatePaste writes every mutable column in a single statement. Returns
// false when the row no longer exists (an update racing a delete loses).
func (s *SQLite) UpdatePaste(ctx context.Context, p *domain.Paste) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET title = ?, content = ?, language = ?, visibility = ?, expires_at = ?, is_protected = ?, password_hash = ?
	WHERE id = ?
	`
	res, err := s.db.ExecContext(queryCtx, q,
		p.Title, p.Content, p.Language, string(p.Visibility),
		nullTime(p.ExpiresAt), p.IsProtected, p.PasswordHash, p.ID,
	)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db update paste")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) DeletePaste(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db delete paste")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Touch records a successful read. newExpiry is nil unless the rolling
// expiry policy extends the paste on view.
func (s *SQLite) Touch(ctx context.Context, id string, at time.Time, newExpiry *time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var err error
	if newExpiry != nil {
		_, err = s.db.ExecContext(queryCtx,
			`UPDATE pastes SET last_accessed_at = ?, expires_at = ? WHERE id = ?`, at, *newExpiry, id)
	} else {
		_, err = s.db.ExecContext(queryCtx,
			`UPDATE pastes SET last_accessed_at = ? WHERE id = ?`, at, id)
	}
	s.recordError(err)
	return errors.Wrap(err, "db touch paste")
}

func (s *SQLite) ListPastesByOwner(ctx context.Context, userID string, limit, offset int) ([]*domain.Paste, int, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var total int
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM pastes WHERE user_id = ?`, userID).Scan(&total)
	s.recordError(err)
	if err != nil {
		return nil, 0, errors.Wrap(err, "db count pastes")
	}
	q := `
	SELECT id, title, content, language, visibility, kind, expires_at, last_accessed_at, is_protected, password_hash, user_id, created_at
	FROM pastes WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(queryCtx, q, userID, limit, offset)
	s.recordError(err)
	if err != nil {
		return nil, 0, errors.Wrap(err, "db list pastes")
	}
	defer rows.Close()
	var pastes []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "db scan paste")
		}
		pastes = append(pastes, p)
	}
	return pastes, total, errors.Wrap(rows.Err(), "db list pastes")
}

func (s *SQLite) PasteIDsByOwner(ctx context.Context, userID string) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `SELECT id FROM pastes WHERE user_id = ?`, userID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db paste ids by owner")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "db scan id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "db paste ids by owner")
}

func (s *SQLite) DeletePastesByOwner(ctx context.Context, userID string) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE user_id = ?`, userID)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "db delete pastes by owner")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// CleanupExpired reclaims expired rows in small batches. The access policy
// already treats expired pastes as unreadable; this only frees storage.
func (s *SQLite) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at < ?
				LIMIT 100
			)
		`, time.Now())
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var p domain.Paste
	var visibility, kind string
	var expiresAt sql.NullTime
	var userID sql.NullString
	err := row.Scan(
		&p.ID, &p.Title, &p.Content, &p.Language, &visibility, &kind,
		&expiresAt, &p.LastAccessedAt, &p.IsProtected, &p.PasswordHash,
		&userID, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Visibility = domain.Visibility(visibility)
	p.Kind = domain.Kind(kind)
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	if userID.Valid {
		u := userID.String
		p.UserID = &u
	}
	return &p, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
