package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestSignAndParse(t *testing.T) {
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	token, err := v.Sign("user-42", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	identity, err := v.Parse(token)
	if err != nil {
		t.Fatal(err)
	}
	if identity.UserID != "user-42" {
		t.Errorf("user id = %q", identity.UserID)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	token, err := v.Sign("user-42", -2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Parse(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	v1, _ := NewVerifier(testSecret)
	v2, _ := NewVerifier([]byte("ffffffffffffffffffffffffffffffff"))
	token, err := v1.Sign("user-42", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Parse(token); err == nil {
		t.Error("token signed with a different secret accepted")
	}
}

func TestVerifierRequiresLongSecret(t *testing.T) {
	if _, err := NewVerifier([]byte("short")); err == nil {
		t.Error("short secret accepted")
	}
}

func TestExtractBearer(t *testing.T) {
	if got := ExtractBearer("Bearer abc.def.ghi"); got != "abc.def.ghi" {
		t.Errorf("got %q", got)
	}
	if got := ExtractBearer("bearer xyz"); got != "xyz" {
		t.Errorf("lowercase scheme: got %q", got)
	}
	if got := ExtractBearer("Basic dXNlcg=="); got != "" {
		t.Errorf("basic auth: got %q", got)
	}
	if got := ExtractBearer(""); got != "" {
		t.Errorf("empty header: got %q", got)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFrom(ctx); ok {
		t.Error("identity found in empty context")
	}
	ctx = WithIdentity(ctx, Identity{UserID: "u"})
	identity, ok := IdentityFrom(ctx)
	if !ok || identity.UserID != "u" {
		t.Errorf("got %v %v", identity, ok)
	}
	if strings.TrimSpace(identity.UserID) == "" {
		t.Error("blank user id")
	}
}
