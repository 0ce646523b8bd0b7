package cache

import (
	"context"
	"testing"
	"time"

	"takobin/pkg/domain"
)

func TestLRUSetGetDelete(t *testing.T) {
	l, err := NewLRU(10)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p := &domain.Paste{ID: "abc", Content: "x"}

	l.Set(ctx, p, time.Minute)
	if got := l.Get(ctx, "abc"); got == nil || got.Content != "x" {
		t.Errorf("got %v", got)
	}

	l.Delete("abc")
	if got := l.Get(ctx, "abc"); got != nil {
		t.Error("entry survived delete")
	}
}

func TestLRUEntryTTL(t *testing.T) {
	l, err := NewLRU(10)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	l.Set(ctx, &domain.Paste{ID: "short"}, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	if got := l.Get(ctx, "short"); got != nil {
		t.Error("expired entry served")
	}
}

func TestLRUEviction(t *testing.T) {
	l, err := NewLRU(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	l.Set(ctx, &domain.Paste{ID: "a"}, time.Minute)
	l.Set(ctx, &domain.Paste{ID: "b"}, time.Minute)
	l.Set(ctx, &domain.Paste{ID: "c"}, time.Minute)

	if l.Get(ctx, "a") != nil {
		t.Error("oldest entry not evicted")
	}
	if l.Get(ctx, "c") == nil {
		t.Error("newest entry missing")
	}
}

func TestNewLRUBounds(t *testing.T) {
	if _, err := NewLRU(0); err == nil {
		t.Error("zero size accepted")
	}
	if _, err := NewLRU(200000); err == nil {
		t.Error("oversized cache accepted")
	}
}
