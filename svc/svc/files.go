package svc

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"takobin/cfg"
	"takobin/metrics"
	"takobin/pkg/domain"
	"takobin/svc/auth"
	"takobin/svc/blob"
	"takobin/svc/db"
	"takobin/svc/util"
)

// Files manages uploads attached to multimedia pastes. Metadata rows live
// next to pastes; bytes live in the blob store under StorageKey.
type Files struct {
	db     *db.SQLite
	blobs  blob.Store
	hasher *auth.Hasher
	cfg    *cfg.Cfg
}

// NewFiles accepts a nil blob store; operations then fail with
// ErrUploadsDisabled so the routes still answer coherently.
func NewFiles(sqlDB *db.SQLite, blobs blob.Store, h *auth.Hasher, c *cfg.Cfg) *Files {
	if sqlDB == nil || h == nil || c == nil {
		panic("files service: nil dependency")
	}
	return &Files{db: sqlDB, blobs: blobs, hasher: h, cfg: c}
}

// Upload stores the bytes first, then the metadata row, and compensates by
// removing the object if the row insert fails.
func (f *Files) Upload(ctx context.Context, pasteID, filename, contentType string, size int64, r io.Reader) (*domain.FileUpload, error) {
	if f.blobs == nil {
		return nil, domain.ErrUploadsDisabled
	}
	paste, err := f.db.GetPaste(ctx, pasteID)
	if err != nil {
		return nil, err
	}
	if paste.Expired(time.Now()) {
		return nil, domain.ErrPasteExpired
	}
	// ownerless pastes accept uploads from anyone, anonymous included;
	// owned pastes only from their owner
	if paste.UserID != nil {
		identity, authed := auth.IdentityFrom(ctx)
		if !authed {
			return nil, domain.ErrAuthRequired
		}
		if !paste.OwnedBy(identity.UserID) {
			return nil, domain.ErrNotOwner
		}
	}
	if paste.Kind != domain.KindMultimedia {
		return nil, domain.ErrInvalidKind
	}
	if size <= 0 || size > f.cfg.MaxFileSize {
		return nil, domain.ErrFileTooLarge
	}
	filename = sanitizeFilename(filename)
	if filename == "" {
		return nil, domain.ErrInvalidRequest
	}

	key := fmt.Sprintf("%s/%s", pasteID, uuid.New().String())
	if err := f.blobs.Put(ctx, key, io.LimitReader(r, size), size, contentType); err != nil {
		return nil, errors.Wrap(err, "store file")
	}

	upload := &domain.FileUpload{
		ID:         uuid.New().String(),
		PasteID:    pasteID,
		Filename:   filename,
		FileType:   contentType,
		FileSize:   size,
		StorageKey: key,
		CreatedAt:  time.Now(),
	}
	if err := f.db.CreateFile(ctx, upload); err != nil {
		if delErr := f.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			util.Warn().Err(delErr).Str("key", key).Msg("failed to remove orphaned blob")
		}
		return nil, errors.Wrap(err, "record file")
	}
	metrics.FileUploaded.Inc()
	return upload, nil
}

// ListByPaste returns a paste's files, gated by the same access rules as
// reading the paste content.
func (f *Files) ListByPaste(ctx context.Context, pasteID, password string) ([]*domain.FileUpload, error) {
	if err := f.checkRead(ctx, pasteID, password); err != nil {
		return nil, err
	}
	files, err := f.db.FilesByPaste(ctx, pasteID)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	return files, nil
}

// Download opens the stored bytes. Callers own the returned reader.
func (f *Files) Download(ctx context.Context, fileID, password string) (*domain.FileUpload, io.ReadCloser, error) {
	file, err := f.db.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if err := f.checkRead(ctx, file.PasteID, password); err != nil {
		return nil, nil, err
	}
	if f.blobs == nil {
		return nil, nil, domain.ErrUploadsDisabled
	}
	rc, err := f.blobs.Open(ctx, file.StorageKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open file")
	}
	return file, rc, nil
}

func (f *Files) Delete(ctx context.Context, fileID string) error {
	identity, authed := auth.IdentityFrom(ctx)
	if !authed {
		return domain.ErrAuthRequired
	}
	file, err := f.db.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	paste, err := f.db.GetPaste(ctx, file.PasteID)
	if err != nil {
		return err
	}
	if !paste.OwnedBy(identity.UserID) {
		return domain.ErrNotOwner
	}
	ok, err := f.db.DeleteFile(ctx, fileID)
	if err != nil {
		return errors.Wrap(err, "delete file")
	}
	if !ok {
		return domain.ErrFileNotFound
	}
	if f.blobs != nil {
		if err := f.blobs.Delete(context.WithoutCancel(ctx), file.StorageKey); err != nil {
			util.Warn().Err(err).Str("key", file.StorageKey).Msg("failed to delete blob")
		}
	}
	return nil
}

// DeleteAllForUser removes every file the caller owns, across all of their
// pastes. The pastes themselves stay.
func (f *Files) DeleteAllForUser(ctx context.Context) (int64, error) {
	identity, authed := auth.IdentityFrom(ctx)
	if !authed {
		return 0, domain.ErrAuthRequired
	}
	files, err := f.db.FilesByOwner(ctx, identity.UserID)
	if err != nil {
		return 0, errors.Wrap(err, "list user files")
	}
	deleted, err := f.db.DeleteFilesByOwner(ctx, identity.UserID)
	if err != nil {
		return 0, errors.Wrap(err, "delete user files")
	}
	if len(files) > 0 && f.blobs != nil {
		g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
		g.SetLimit(blobDeleteConc)
		for _, file := range files {
			key := file.StorageKey
			g.Go(func() error {
				if err := f.blobs.Delete(gctx, key); err != nil {
					util.Warn().Err(err).Str("key", key).Msg("failed to delete blob")
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	util.Info().Int64("deleted", deleted).Msg("user files deleted")
	return deleted, nil
}

// checkRead applies the paste access ladder without producing a view. The
// redacted path is an error here: file bytes have no redacted form.
func (f *Files) checkRead(ctx context.Context, pasteID, password string) error {
	paste, err := f.db.GetPaste(ctx, pasteID)
	if err != nil {
		return err
	}
	if paste.Expired(time.Now()) {
		return domain.ErrPasteExpired
	}
	identity, authed := auth.IdentityFrom(ctx)
	isOwner := authed && paste.OwnedBy(identity.UserID)
	if paste.Visibility == domain.VisibilityPrivate && !isOwner {
		return domain.ErrPastePrivate
	}
	if paste.IsProtected {
		if password == "" || !f.hasher.Verify(password, paste.PasswordHash) {
			metrics.PasswordDenied.Inc()
			return domain.ErrInvalidPassword
		}
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	if len(name) > maxTitleLen {
		name = name[len(name)-maxTitleLen:]
	}
	return name
}
