package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"takobin/cfg"
	"takobin/metrics"
	"takobin/pkg/domain"
	"takobin/svc/auth"
	"takobin/svc/blob"
	"takobin/svc/cache"
	"takobin/svc/db"
	"takobin/svc/util"
)

const (
	maxTitleLen     = 255
	defaultLanguage = "plaintext"
	touchQueueSize  = 2048
	touchWorkers    = 4
	blobDeleteConc  = 8
)

// Paste implements the access policy around stored pastes. Expiry is
// enforced lazily on read; the optional cleanup worker only reclaims rows.
type Paste struct {
	db     *db.SQLite
	lru    *cache.LRU
	rdb    *db.Redis
	hasher *auth.Hasher
	blobs  blob.Store
	cfg    *cfg.Cfg

	touchQueue  chan touchReq
	touchWg     sync.WaitGroup
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
}

type touchReq struct {
	id        string
	at        time.Time
	newExpiry *time.Time
}

func NewPaste(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, h *auth.Hasher, blobs blob.Store, c *cfg.Cfg) *Paste {
	if sqlDB == nil || lru == nil || h == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, lru, hasher, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	p := &Paste{
		db:          sqlDB,
		lru:         lru,
		rdb:         rdb,
		hasher:      h,
		blobs:       blobs,
		cfg:         c,
		touchQueue:  make(chan touchReq, touchQueueSize),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	for i := 0; i < touchWorkers; i++ {
		p.touchWg.Add(1)
		go p.touchWorker()
	}
	return p
}

func (p *Paste) touchWorker() {
	defer p.touchWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("touch worker panicked")
		}
	}()
	for req := range p.touchQueue {
		ctx, cancel := context.WithTimeout(p.shutdownCtx, 5*time.Second)
		if err := p.db.Touch(ctx, req.id, req.at, req.newExpiry); err != nil {
			if errors.Is(err, context.Canceled) {
				cancel()
				return
			}
			util.Warn().Err(err).Str("id", req.id).Msg("failed to record access")
		}
		cancel()
	}
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	close(p.touchQueue)
	p.shutdownFn()
	done := make(chan struct{})
	go func() {
		p.touchWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("touch workers didn't stop in time")
	}
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// Create validates and stores a new paste. The owner, if any, comes from
// the request identity.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	identity, authed := auth.IdentityFrom(ctx)

	params.Title = strings.TrimSpace(params.Title)
	if params.Title == "" {
		return nil, domain.ErrTitleRequired
	}
	if utf8.RuneCountInString(params.Title) > maxTitleLen {
		return nil, domain.ErrTitleTooLong
	}
	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	if params.Language == "" {
		params.Language = defaultLanguage
	}
	if params.Visibility == "" {
		params.Visibility = domain.VisibilityPublic
	}
	if params.Visibility != domain.VisibilityPublic && params.Visibility != domain.VisibilityPrivate {
		return nil, domain.ErrInvalidVisibility
	}
	if params.Visibility == domain.VisibilityPrivate && !authed {
		return nil, domain.ErrPrivateNeedsOwner
	}
	if params.Kind == "" {
		params.Kind = domain.KindText
	}
	if params.Kind != domain.KindText && params.Kind != domain.KindMultimedia {
		return nil, domain.ErrInvalidKind
	}

	now := time.Now()
	expiresAt, err := p.resolveExpiry(params.ExpiryDays, params.NeverExpire, authed, now)
	if err != nil {
		return nil, err
	}

	var pwHash string
	if params.Password != "" {
		pwHash, err = p.hasher.Hash(params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}

	id, err := util.GenID(func(id string) (bool, error) {
		return p.db.Exists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}

	paste := &domain.Paste{
		ID:             id,
		Title:          params.Title,
		Content:        params.Content,
		Language:       params.Language,
		Visibility:     params.Visibility,
		Kind:           params.Kind,
		ExpiresAt:      expiresAt,
		LastAccessedAt: now,
		IsProtected:    pwHash != "",
		PasswordHash:   pwHash,
		CreatedAt:      now,
	}
	if authed {
		uid := identity.UserID
		paste.UserID = &uid
	}
	if err := p.db.CreatePaste(ctx, paste); err != nil {
		return nil, errors.Wrap(err, "create paste")
	}
	p.cachePaste(ctx, paste)
	metrics.PasteCreated.Inc()
	return paste, nil
}

// resolveExpiry maps the requested lifetime to an absolute deadline.
// Anonymous pastes always expire: the guest ceiling clamps whatever was
// asked for, never-expire included. Authenticated requests above the user
// ceiling are rejected.
func (p *Paste) resolveExpiry(days int, neverExpire, authed bool, now time.Time) (*time.Time, error) {
	if days < 0 {
		return nil, domain.ErrInvalidExpiry
	}
	if authed {
		if neverExpire {
			return nil, nil
		}
		ceiling := p.cfg.UserMaxExpiryDays
		if days == 0 {
			days = ceiling
		}
		if days > ceiling {
			return nil, domain.ErrInvalidExpiry
		}
		t := now.AddDate(0, 0, days)
		return &t, nil
	}
	ceiling := p.cfg.GuestMaxExpiryDays
	if neverExpire || days == 0 || days > ceiling {
		days = ceiling
	}
	t := now.AddDate(0, 0, days)
	return &t, nil
}

// Get walks the access ladder: missing, expired, private, password. A
// protected paste read without a password yields the redacted view rather
// than an error.
func (p *Paste) Get(ctx context.Context, id, password string) (*domain.View, error) {
	paste, err := p.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if paste.Expired(now) {
		p.invalidate(ctx, id)
		metrics.PasteExpiredDenied.Inc()
		return nil, domain.ErrPasteExpired
	}

	identity, authed := auth.IdentityFrom(ctx)
	isOwner := authed && paste.OwnedBy(identity.UserID)

	if paste.Visibility == domain.VisibilityPrivate && !isOwner {
		return nil, domain.ErrPastePrivate
	}

	// the password gate has no owner carve-out: every caller, owner
	// included, sees the redacted view until the password is supplied
	if paste.IsProtected {
		if password == "" {
			return paste.RedactedView(), nil
		}
		if !p.hasher.Verify(password, paste.PasswordHash) {
			metrics.PasswordDenied.Inc()
			return nil, domain.ErrInvalidPassword
		}
	}

	p.recordAccess(paste, now)
	metrics.PasteRetrieved.Inc()
	return paste.FullView(), nil
}

// lookup reads through LRU, Redis, then SQLite. Expiry is checked by the
// caller; the caches may briefly hold expired records.
func (p *Paste) lookup(ctx context.Context, id string) (*domain.Paste, error) {
	if paste := p.lru.Get(ctx, id); paste != nil {
		metrics.CacheHits.Inc()
		return paste, nil
	}
	if p.rdb != nil {
		if paste, err := p.rdb.GetPaste(ctx, id); err == nil && paste != nil {
			metrics.CacheHits.Inc()
			p.lru.Set(ctx, paste, p.cacheTTL(paste))
			return paste, nil
		}
	}
	metrics.CacheMisses.Inc()
	paste, err := p.db.GetPaste(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	p.cachePaste(ctx, paste)
	return paste, nil
}

// recordAccess queues the last-access write, extending the expiry when the
// rolling policy is on. Drops under pressure; access times are advisory.
func (p *Paste) recordAccess(paste *domain.Paste, now time.Time) {
	req := touchReq{id: paste.ID, at: now}
	if p.cfg.ExtendOnView && paste.ExpiresAt != nil {
		ceiling := p.cfg.GuestMaxExpiryDays
		if paste.UserID != nil {
			ceiling = p.cfg.UserMaxExpiryDays
		}
		extended := now.AddDate(0, 0, ceiling)
		req.newExpiry = &extended
	}
	select {
	case p.touchQueue <- req:
	default:
		util.Warn().Str("id", paste.ID).Msg("touch queue full, dropping access record")
	}
}

// Update applies a partial patch. Only the owner may update; the kind is
// fixed at creation.
func (p *Paste) Update(ctx context.Context, id string, params domain.UpdateParams) (*domain.View, error) {
	identity, authed := auth.IdentityFrom(ctx)
	if !authed {
		return nil, domain.ErrAuthRequired
	}

	paste, err := p.db.GetPaste(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if paste.Expired(now) {
		p.invalidate(ctx, id)
		return nil, domain.ErrPasteExpired
	}
	if !paste.OwnedBy(identity.UserID) {
		return nil, domain.ErrNotOwner
	}
	if params.Kind != nil && *params.Kind != paste.Kind {
		return nil, domain.ErrKindImmutable
	}

	if params.Title != nil {
		title := strings.TrimSpace(*params.Title)
		if title == "" {
			return nil, domain.ErrTitleRequired
		}
		if utf8.RuneCountInString(title) > maxTitleLen {
			return nil, domain.ErrTitleTooLong
		}
		paste.Title = title
	}
	if params.Content != nil {
		if *params.Content == "" {
			return nil, domain.ErrContentRequired
		}
		if int64(len(*params.Content)) > p.cfg.MaxPasteSize {
			return nil, domain.ErrPasteTooLarge
		}
		paste.Content = *params.Content
	}
	if params.Language != nil && *params.Language != "" {
		paste.Language = *params.Language
	}
	if params.Visibility != nil {
		if *params.Visibility != domain.VisibilityPublic && *params.Visibility != domain.VisibilityPrivate {
			return nil, domain.ErrInvalidVisibility
		}
		paste.Visibility = *params.Visibility
	}
	if params.NeverExpire || params.ExpiryDays != nil {
		days := 0
		if params.ExpiryDays != nil {
			days = *params.ExpiryDays
		}
		expiresAt, err := p.resolveExpiry(days, params.NeverExpire, true, now)
		if err != nil {
			return nil, err
		}
		paste.ExpiresAt = expiresAt
	}

	// removePassword wins over a new password supplied in the same patch.
	if params.RemovePassword {
		paste.IsProtected = false
		paste.PasswordHash = ""
	} else if params.Password != nil && *params.Password != "" {
		hash, err := p.hasher.Hash(*params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
		paste.IsProtected = true
		paste.PasswordHash = hash
	}

	ok, err := p.db.UpdatePaste(ctx, paste)
	if err != nil {
		return nil, errors.Wrap(err, "update paste")
	}
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	p.invalidate(ctx, id)
	return paste.FullView(), nil
}

// Delete removes a paste, its file rows (by cascade), and the blob bytes
// best-effort. Only the owner may delete.
func (p *Paste) Delete(ctx context.Context, id string) error {
	identity, authed := auth.IdentityFrom(ctx)
	if !authed {
		return domain.ErrAuthRequired
	}
	paste, err := p.db.GetPaste(ctx, id)
	if err != nil {
		return err
	}
	if !paste.OwnedBy(identity.UserID) {
		return domain.ErrNotOwner
	}
	files, err := p.db.FilesByPaste(ctx, id)
	if err != nil {
		return errors.Wrap(err, "list paste files")
	}
	ok, err := p.db.DeletePaste(ctx, id)
	if err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if !ok {
		return domain.ErrPasteNotFound
	}
	p.invalidate(ctx, id)
	p.deleteBlobs(ctx, files)
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", id).Int("files", len(files)).Msg("paste deleted")
	return nil
}

// DeleteAllForUser wipes the caller's pastes and files. Idempotent: zero
// rows is a success, not an error.
func (p *Paste) DeleteAllForUser(ctx context.Context) (int64, error) {
	identity, authed := auth.IdentityFrom(ctx)
	if !authed {
		return 0, domain.ErrAuthRequired
	}
	files, err := p.db.FilesByOwner(ctx, identity.UserID)
	if err != nil {
		return 0, errors.Wrap(err, "list user files")
	}
	ids, err := p.db.PasteIDsByOwner(ctx, identity.UserID)
	if err != nil {
		return 0, errors.Wrap(err, "list user paste ids")
	}
	deleted, err := p.db.DeletePastesByOwner(ctx, identity.UserID)
	if err != nil {
		return 0, errors.Wrap(err, "delete user pastes")
	}
	for _, id := range ids {
		p.invalidate(ctx, id)
	}
	p.deleteBlobs(ctx, files)
	util.Info().Int64("deleted", deleted).Int("files", len(files)).Msg("user pastes deleted")
	return deleted, nil
}

func (p *Paste) ListForUser(ctx context.Context, page, limit int) (*domain.PastePage, error) {
	identity, authed := auth.IdentityFrom(ctx)
	if !authed {
		return nil, domain.ErrAuthRequired
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	pastes, total, err := p.db.ListPastesByOwner(ctx, identity.UserID, limit, (page-1)*limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pastes")
	}
	views := make([]*domain.View, 0, len(pastes))
	for _, paste := range pastes {
		views = append(views, paste.FullView())
	}
	return &domain.PastePage{Pastes: views, Total: total, Page: page, Limit: limit}, nil
}

// deleteBlobs removes stored bytes with bounded concurrency. Failures are
// logged and swallowed: the rows are already gone and orphaned objects are
// harmless.
func (p *Paste) deleteBlobs(ctx context.Context, files []*domain.FileUpload) {
	if p.blobs == nil || len(files) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(blobDeleteConc)
	for _, f := range files {
		key := f.StorageKey
		g.Go(func() error {
			if err := p.blobs.Delete(gctx, key); err != nil {
				util.Warn().Err(err).Str("key", key).Msg("failed to delete blob")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Paste) cachePaste(ctx context.Context, paste *domain.Paste) {
	ttl := p.cacheTTL(paste)
	if ttl <= 0 {
		return
	}
	p.lru.Set(ctx, paste, ttl)
	if p.rdb != nil {
		if err := p.rdb.CachePaste(ctx, paste, ttl); err != nil {
			util.Warn().Err(err).Str("id", paste.ID).Msg("failed to cache in Redis")
		}
	}
}

func (p *Paste) cacheTTL(paste *domain.Paste) time.Duration {
	ttl := p.cfg.CacheTTL
	if paste.ExpiresAt != nil {
		if until := time.Until(*paste.ExpiresAt); until < ttl {
			ttl = until
		}
	}
	return ttl
}

func (p *Paste) invalidate(ctx context.Context, id string) {
	p.lru.Delete(id)
	if p.rdb != nil {
		if err := p.rdb.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to delete from redis")
		}
	}
}

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

// StartCleaner runs the optional expired-row sweep. Reads never depend on
// it; expiry is enforced at access time.
func StartCleaner(ctx context.Context, store *db.SQLite, interval time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, store, interval)
	})
	return nil
}

func runCleaner(ctx context.Context, store *db.SQLite, interval time.Duration) {
	defer cleanerRunning.Store(false)
	requestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, requestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().Str("request_id", requestID).Dur("interval", interval).Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", requestID).Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := store.CleanupExpired(ctx)
			metrics.PruneCycles.Inc()
			if err != nil {
				util.Error().Err(err).Str("request_id", requestID).Msg("cleanup failed")
				continue
			}
			if deleted > 0 {
				metrics.PrunedPastes.Add(float64(deleted))
				util.Info().Int("deleted", deleted).Str("request_id", requestID).Msg("cleanup completed")
			}
		}
	}
}
