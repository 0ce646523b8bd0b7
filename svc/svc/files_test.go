package svc

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"takobin/cfg"
	"takobin/pkg/domain"
	"takobin/svc/auth"
	"takobin/svc/cache"
)

// fakeBlobStore keeps objects in memory and records deletes.
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (s *fakeBlobStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *fakeBlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeBlobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func newTestFiles(t *testing.T, c *cfg.Cfg) (*Files, *Paste, *fakeBlobStore) {
	t.Helper()
	store := newTestStore(t)
	hasher, err := auth.NewHasher(c.BcryptCost)
	if err != nil {
		t.Fatal(err)
	}
	blobs := newFakeBlobStore()
	files := NewFiles(store, blobs, hasher, c)

	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPaste(store, lru, nil, hasher, blobs, c)
	t.Cleanup(p.Shutdown)
	return files, p, blobs
}

func mediaPaste(t *testing.T, p *Paste, ctx context.Context) *domain.Paste {
	t.Helper()
	paste, err := p.Create(ctx, domain.CreateParams{
		Title: "media", Content: "gallery", Kind: domain.KindMultimedia,
	})
	if err != nil {
		t.Fatal(err)
	}
	return paste
}

func TestUploadGates(t *testing.T) {
	f, p, _ := newTestFiles(t, newTestCfg())
	owner := asUser("alice")
	paste := mediaPaste(t, p, owner)

	body := strings.NewReader("png bytes")
	if _, err := f.Upload(context.Background(), paste.ID, "a.png", "image/png", 9, body); err != domain.ErrAuthRequired {
		t.Errorf("anonymous: got %v, want ErrAuthRequired", err)
	}
	if _, err := f.Upload(asUser("bob"), paste.ID, "a.png", "image/png", 9, body); err != domain.ErrNotOwner {
		t.Errorf("other user: got %v, want ErrNotOwner", err)
	}

	textPaste, err := p.Create(owner, domain.CreateParams{Title: "t", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Upload(owner, textPaste.ID, "a.png", "image/png", 9, body); err != domain.ErrInvalidKind {
		t.Errorf("text paste: got %v, want ErrInvalidKind", err)
	}

	big := newTestCfg().MaxFileSize + 1
	if _, err := f.Upload(owner, paste.ID, "a.png", "image/png", big, body); err != domain.ErrFileTooLarge {
		t.Errorf("oversize: got %v, want ErrFileTooLarge", err)
	}
}

func TestUploadToOwnerlessPaste(t *testing.T) {
	f, p, _ := newTestFiles(t, newTestCfg())
	paste := mediaPaste(t, p, context.Background())

	// ownerless pastes accept uploads from anyone
	upload, err := f.Upload(context.Background(), paste.ID, "a.png", "image/png", 9, strings.NewReader("png bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if upload.PasteID != paste.ID {
		t.Errorf("paste id = %q", upload.PasteID)
	}
	if _, err := f.Upload(asUser("bob"), paste.ID, "b.png", "image/png", 9, strings.NewReader("png bytes")); err != nil {
		t.Errorf("authenticated upload to ownerless paste: %v", err)
	}

	listed, err := f.ListByPaste(context.Background(), paste.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Errorf("listed %d files, want 2", len(listed))
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f, p, _ := newTestFiles(t, newTestCfg())
	owner := asUser("alice")
	paste := mediaPaste(t, p, owner)

	content := "file payload"
	upload, err := f.Upload(owner, paste.ID, "notes.txt", "text/plain", int64(len(content)), strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if upload.PasteID != paste.ID {
		t.Errorf("paste id = %q", upload.PasteID)
	}

	listed, err := f.ListByPaste(context.Background(), paste.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID != upload.ID {
		t.Fatalf("list = %v", listed)
	}

	meta, rc, err := f.Download(context.Background(), upload.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Errorf("downloaded %q", data)
	}
	if meta.Filename != "notes.txt" {
		t.Errorf("filename = %q", meta.Filename)
	}
}

func TestFileAccessFollowsPasteGates(t *testing.T) {
	f, p, _ := newTestFiles(t, newTestCfg())
	owner := asUser("alice")

	paste, err := p.Create(owner, domain.CreateParams{
		Title: "locked", Content: "x", Kind: domain.KindMultimedia, Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}
	upload, err := f.Upload(owner, paste.ID, "a.bin", "application/octet-stream", 4, strings.NewReader("data"))
	if err != nil {
		t.Fatal(err)
	}

	// files have no redacted form: missing or wrong password is an error
	if _, err := f.ListByPaste(context.Background(), paste.ID, ""); err != domain.ErrInvalidPassword {
		t.Errorf("list without password: got %v, want ErrInvalidPassword", err)
	}
	if _, _, err := f.Download(context.Background(), upload.ID, "bad"); err != domain.ErrInvalidPassword {
		t.Errorf("download wrong password: got %v, want ErrInvalidPassword", err)
	}
	if _, _, err := f.Download(context.Background(), upload.ID, "pw"); err != nil {
		t.Errorf("download with password: %v", err)
	}
	// the password gate applies to the owner as well
	if _, _, err := f.Download(owner, upload.ID, ""); err != domain.ErrInvalidPassword {
		t.Errorf("owner without password: got %v, want ErrInvalidPassword", err)
	}
	if _, _, err := f.Download(owner, upload.ID, "pw"); err != nil {
		t.Errorf("owner with password: %v", err)
	}
}

func TestDeletePasteRemovesFiles(t *testing.T) {
	f, p, blobs := newTestFiles(t, newTestCfg())
	owner := asUser("alice")
	paste := mediaPaste(t, p, owner)

	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := f.Upload(owner, paste.ID, name, "text/plain", 4, strings.NewReader("data")); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Delete(owner, paste.ID); err != nil {
		t.Fatal(err)
	}
	if blobs.count() != 0 {
		t.Errorf("%d blobs left after paste delete", blobs.count())
	}
	if _, err := f.ListByPaste(owner, paste.ID, ""); err != domain.ErrPasteNotFound {
		t.Errorf("got %v, want ErrPasteNotFound", err)
	}
}

func TestDeleteAllFilesForUser(t *testing.T) {
	f, p, blobs := newTestFiles(t, newTestCfg())
	alice := asUser("alice")
	bob := asUser("bob")

	pasteA := mediaPaste(t, p, alice)
	pasteB := mediaPaste(t, p, bob)
	if _, err := f.Upload(alice, pasteA.ID, "a.txt", "text/plain", 4, strings.NewReader("data")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Upload(bob, pasteB.ID, "b.txt", "text/plain", 4, strings.NewReader("data")); err != nil {
		t.Fatal(err)
	}

	deleted, err := f.DeleteAllForUser(alice)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if blobs.count() != 1 {
		t.Errorf("blob count = %d, want 1", blobs.count())
	}
	// alice's paste survives, only the files are gone
	if _, err := p.Get(alice, pasteA.ID, ""); err != nil {
		t.Errorf("paste should survive file wipe: %v", err)
	}
}

func TestUploadsDisabledWithoutBlobStore(t *testing.T) {
	c := newTestCfg()
	store := newTestStore(t)
	hasher, err := auth.NewHasher(c.BcryptCost)
	if err != nil {
		t.Fatal(err)
	}
	f := NewFiles(store, nil, hasher, c)
	if _, err := f.Upload(asUser("u"), "whatever", "a", "b", 1, strings.NewReader("x")); err != domain.ErrUploadsDisabled {
		t.Errorf("got %v, want ErrUploadsDisabled", err)
	}
}
