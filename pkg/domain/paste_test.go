package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (&Paste{ExpiresAt: nil}).Expired(now) {
		t.Error("nil expiry must never expire")
	}
	if !(&Paste{ExpiresAt: &past}).Expired(now) {
		t.Error("past expiry must report expired")
	}
	if (&Paste{ExpiresAt: &future}).Expired(now) {
		t.Error("future expiry reported expired")
	}
}

func TestOwnedBy(t *testing.T) {
	uid := "alice"
	owned := &Paste{UserID: &uid}
	if !owned.OwnedBy("alice") {
		t.Error("owner not recognized")
	}
	if owned.OwnedBy("bob") {
		t.Error("non-owner matched")
	}
	if (&Paste{}).OwnedBy("alice") {
		t.Error("ownerless paste matched a caller")
	}
}

func TestViews(t *testing.T) {
	p := &Paste{ID: "x", Title: "t", Content: "body", IsProtected: true}

	full := p.FullView()
	if full.Content == nil || *full.Content != "body" {
		t.Error("full view lost content")
	}

	redacted := p.RedactedView()
	if redacted.Content != nil {
		t.Error("redacted view leaked content")
	}
	if !redacted.IsProtected {
		t.Error("redacted view lost the protection flag")
	}
}

func TestErrStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrPasteNotFound, http.StatusNotFound},
		{ErrPasteExpired, http.StatusForbidden},
		{ErrPastePrivate, http.StatusForbidden},
		{ErrNotOwner, http.StatusForbidden},
		{ErrInvalidPassword, http.StatusUnauthorized},
		{ErrAuthRequired, http.StatusUnauthorized},
		{ErrTitleRequired, http.StatusBadRequest},
		{ErrRateLimitExceeded, http.StatusTooManyRequests},
		{errors.New("plain"), http.StatusInternalServerError},
		{errors.Wrap(ErrPasteExpired, "wrapped"), http.StatusForbidden},
	}
	for _, tc := range cases {
		if got := Status(tc.err); got != tc.want {
			t.Errorf("Status(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestToRespHidesInternals(t *testing.T) {
	resp := ToResp(errors.New("sql: connection refused"))
	if resp.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if resp.Error.Msg != "internal error" {
		t.Errorf("internal detail leaked: %q", resp.Error.Msg)
	}

	resp = ToResp(errors.Wrap(ErrKindImmutable, "update"))
	if resp.Error.Code != "KIND_IMMUTABLE" {
		t.Errorf("wrapped cause lost: %q", resp.Error.Code)
	}
}
