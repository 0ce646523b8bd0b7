package util

import (
	"testing"

	"github.com/pkg/errors"
)

func TestGenIDLengthAndCharset(t *testing.T) {
	id, err := GenID(func(string) (bool, error) { return false, nil })
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 11 {
		t.Errorf("len = %d, want 11", len(id))
	}
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			t.Errorf("non-base62 rune %q in %q", r, id)
		}
	}
}

func TestGenIDRetriesOnCollision(t *testing.T) {
	calls := 0
	id, err := GenID(func(string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("empty id after retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestGenIDGivesUpAfterRetries(t *testing.T) {
	if _, err := GenID(func(string) (bool, error) { return true, nil }); err == nil {
		t.Error("expected collision failure")
	}
}

func TestGenIDPropagatesLookupError(t *testing.T) {
	boom := errors.New("db down")
	if _, err := GenID(func(string) (bool, error) { return false, boom }); err != boom {
		t.Errorf("got %v, want lookup error", err)
	}
}

func TestGenIDUniqueness(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id, err := GenID(func(string) (bool, error) { return false, nil })
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}
