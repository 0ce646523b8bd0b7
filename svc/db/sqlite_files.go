package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"takobin/pkg/domain"
)

func (s *SQLite) CreateFile(ctx context.Context, f *domain.FileUpload) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO file_uploads (id, paste_id, filename, file_type, file_size, storage_key, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		f.ID, f.PasteID, f.Filename, f.FileType, f.FileSize, f.StorageKey, f.CreatedAt,
	)
	s.recordError(err)
	return errors.Wrap(err, "db create file")
}

func (s *SQLite) GetFile(ctx context.Context, id string) (*domain.FileUpload, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, paste_id, filename, file_type, file_size, storage_key, created_at
	FROM file_uploads WHERE id = ?
	`
	var f domain.FileUpload
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&f.ID, &f.PasteID, &f.Filename, &f.FileType, &f.FileSize, &f.StorageKey, &f.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrFileNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get file")
	}
	return &f, nil
}

func (s *SQLite) FilesByPaste(ctx context.Context, pasteID string) ([]*domain.FileUpload, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, paste_id, filename, file_type, file_size, storage_key, created_at
	FROM file_uploads WHERE paste_id = ? ORDER BY created_at
	`
	rows, err := s.db.QueryContext(queryCtx, q, pasteID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db files by paste")
	}
	defer rows.Close()
	return collectFiles(rows)
}

// FilesByOwner joins through pastes so account-wide cleanup can enumerate
// every storage key the user owns.
func (s *SQLite) FilesByOwner(ctx context.Context, userID string) ([]*domain.FileUpload, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT f.id, f.paste_id, f.filename, f.file_type, f.file_size, f.storage_key, f.created_at
	FROM file_uploads f
	JOIN pastes p ON p.id = f.paste_id
	WHERE p.user_id = ?
	`
	rows, err := s.db.QueryContext(queryCtx, q, userID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db files by owner")
	}
	defer rows.Close()
	return collectFiles(rows)
}

func (s *SQLite) DeleteFile(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM file_uploads WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db delete file")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) DeleteFilesByOwner(ctx context.Context, userID string) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	DELETE FROM file_uploads WHERE paste_id IN (
		SELECT id FROM pastes WHERE user_id = ?
	)
	`
	res, err := s.db.ExecContext(queryCtx, q, userID)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "db delete files by owner")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectFiles(rows *sql.Rows) ([]*domain.FileUpload, error) {
	var files []*domain.FileUpload
	for rows.Next() {
		var f domain.FileUpload
		if err := rows.Scan(&f.ID, &f.PasteID, &f.Filename, &f.FileType, &f.FileSize, &f.StorageKey, &f.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "db scan file")
		}
		files = append(files, &f)
	}
	return files, errors.Wrap(rows.Err(), "db collect files")
}
