package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound     = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrFileNotFound      = NewErr("FILE_NOT_FOUND", "file not found", http.StatusNotFound)
	ErrPasteExpired      = NewErr("PASTE_EXPIRED", "paste has expired", http.StatusForbidden)
	ErrPastePrivate      = NewErr("PASTE_PRIVATE", "paste is private", http.StatusForbidden)
	ErrNotOwner          = NewErr("NOT_OWNER", "not the owner of this paste", http.StatusForbidden)
	ErrInvalidPassword   = NewErr("INVALID_PASSWORD", "incorrect password", http.StatusUnauthorized)
	ErrAuthRequired      = NewErr("AUTH_REQUIRED", "authentication required", http.StatusUnauthorized)
	ErrTitleRequired     = NewErr("TITLE_REQUIRED", "title is required", http.StatusBadRequest)
	ErrTitleTooLong      = NewErr("TITLE_TOO_LONG", "title exceeds 255 characters", http.StatusBadRequest)
	ErrContentRequired   = NewErr("CONTENT_REQUIRED", "content is required", http.StatusBadRequest)
	ErrPasteTooLarge     = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrFileTooLarge      = NewErr("FILE_TOO_LARGE", "file too large", http.StatusBadRequest)
	ErrInvalidExpiry     = NewErr("INVALID_EXPIRY", "invalid expiry", http.StatusBadRequest)
	ErrInvalidVisibility = NewErr("INVALID_VISIBILITY", "invalid visibility", http.StatusBadRequest)
	ErrInvalidKind       = NewErr("INVALID_KIND", "invalid paste kind", http.StatusBadRequest)
	ErrKindImmutable     = NewErr("KIND_IMMUTABLE", "paste kind cannot be changed", http.StatusBadRequest)
	ErrPrivateNeedsOwner = NewErr("PRIVATE_NEEDS_OWNER", "private pastes require an authenticated owner", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUploadsDisabled   = NewErr("UPLOADS_DISABLED", "file storage is not configured", http.StatusServiceUnavailable)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
