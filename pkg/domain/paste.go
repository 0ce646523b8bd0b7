package domain

import (
	"time"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Kind string

const (
	KindText       Kind = "text"
	KindMultimedia Kind = "multimedia"
)

// Paste is the stored unit of shareable content. A nil ExpiresAt means the
// paste never expires; a nil UserID means it was created anonymously.
// Pastes are serialized only for the Redis cache; clients always receive a
// View, so the password hash may round-trip here.
type Paste struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	Language       string     `json:"language"`
	Visibility     Visibility `json:"visibility"`
	Kind           Kind       `json:"kind"`
	ExpiresAt      *time.Time `json:"expires_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	IsProtected    bool       `json:"is_protected"`
	PasswordHash   string     `json:"password_hash"`
	UserID         *string    `json:"user_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Expired reports whether the paste is past its expiry. A nil expiry never
// expires.
func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// OwnedBy reports whether userID matches the owner. Ownerless pastes match
// no caller.
func (p *Paste) OwnedBy(userID string) bool {
	return p.UserID != nil && *p.UserID == userID
}

// View is the getPaste response shape. Content is nil on the redacted form
// served for protected pastes when no password was supplied.
type View struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Content        *string    `json:"content"`
	Language       string     `json:"language"`
	Visibility     Visibility `json:"visibility"`
	Kind           Kind       `json:"kind"`
	ExpiresAt      *time.Time `json:"expires_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	IsProtected    bool       `json:"is_protected"`
	UserID         *string    `json:"user_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (p *Paste) FullView() *View {
	content := p.Content
	v := p.view()
	v.Content = &content
	return v
}

// RedactedView strips the content, signalling that a password is required.
func (p *Paste) RedactedView() *View {
	return p.view()
}

func (p *Paste) view() *View {
	return &View{
		ID:             p.ID,
		Title:          p.Title,
		Language:       p.Language,
		Visibility:     p.Visibility,
		Kind:           p.Kind,
		ExpiresAt:      p.ExpiresAt,
		LastAccessedAt: p.LastAccessedAt,
		IsProtected:    p.IsProtected,
		UserID:         p.UserID,
		CreatedAt:      p.CreatedAt,
	}
}

// FileUpload is a stored file belonging to a paste. Rows are removed with
// their paste; blob bytes under StorageKey are cleaned up best-effort.
type FileUpload struct {
	ID         string    `json:"id"`
	PasteID    string    `json:"paste_id"`
	Filename   string    `json:"filename"`
	FileType   string    `json:"file_type"`
	FileSize   int64     `json:"file_size"`
	StorageKey string    `json:"storage_key"`
	CreatedAt  time.Time `json:"created_at"`
}

type CreateParams struct {
	Title       string
	Content     string
	Language    string
	Password    string
	Visibility  Visibility
	Kind        Kind
	ExpiryDays  int
	NeverExpire bool
}

// UpdateParams carries a partial patch. Nil fields are left unchanged.
// RemovePassword wins when set together with a new Password.
type UpdateParams struct {
	Title          *string
	Content        *string
	Language       *string
	Visibility     *Visibility
	Kind           *Kind
	Password       *string
	RemovePassword bool
	ExpiryDays     *int
	NeverExpire    bool
}

type PastePage struct {
	Pastes []*View `json:"pastes"`
	Total  int     `json:"total"`
	Page   int     `json:"page"`
	Limit  int     `json:"limit"`
}
