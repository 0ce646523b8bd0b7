package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerify(t *testing.T) {
	h, err := NewHasher(10)
	if err != nil {
		t.Fatal(err)
	}
	digest, err := h.Hash("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if digest == "hunter2" {
		t.Fatal("digest equals plaintext")
	}
	if !h.Verify("hunter2", digest) {
		t.Error("correct password rejected")
	}
	if h.Verify("wrong", digest) {
		t.Error("wrong password accepted")
	}
}

func TestHashRejectsEmptyAndOversize(t *testing.T) {
	h, err := NewHasher(10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Hash(""); err == nil {
		t.Error("empty password accepted")
	}
	if _, err := h.Hash(strings.Repeat("a", 73)); err == nil {
		t.Error("73-byte password accepted, bcrypt would truncate it")
	}
}

func TestVerifyMalformedDigest(t *testing.T) {
	h, err := NewHasher(10)
	if err != nil {
		t.Fatal(err)
	}
	if h.Verify("password", "not-a-bcrypt-digest") {
		t.Error("malformed digest verified")
	}
}

func TestNewHasherCostBounds(t *testing.T) {
	if _, err := NewHasher(9); err == nil {
		t.Error("cost below minimum accepted")
	}
	if _, err := NewHasher(32); err == nil {
		t.Error("cost above bcrypt maximum accepted")
	}
}
