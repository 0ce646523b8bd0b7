package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"takobin/cfg"
	"takobin/pkg/domain"
	"takobin/svc/auth"
	"takobin/svc/cache"
	"takobin/svc/db"
	"takobin/svc/lim"
	"takobin/svc/svc"
)

var testJWTSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestServer(t *testing.T) (*Server, *auth.Verifier) {
	t.Helper()
	c := &cfg.Cfg{
		Port:               "8080",
		Environment:        "test",
		LRUCacheSize:       100,
		CacheTTL:           time.Minute,
		BcryptCost:         10,
		MaxPasteSize:       64 * 1024,
		MaxFileSize:        1 << 20,
		GuestMaxExpiryDays: 7,
		UserMaxExpiryDays:  30,
		ContextTimeout:     5 * time.Second,
		AllowedOrigins:     []string{"https://app.example.com"},
		RateLimit:          cfg.RateLimitCfg{RPM: 600, Burst: 100, ConservativeLimit: 100},
	}

	f, err := os.CreateTemp("", "takobin_api_test_*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	store, err := db.NewSQLite(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		store.Close()
		os.Remove(f.Name())
	})

	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := auth.NewHasher(c.BcryptCost)
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := auth.NewVerifier(testJWTSecret)
	if err != nil {
		t.Fatal(err)
	}

	pasteSvc := svc.NewPaste(store, lru, nil, hasher, nil, c)
	t.Cleanup(pasteSvc.Shutdown)
	filesSvc := svc.NewFiles(store, nil, hasher, c)

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)
	t.Cleanup(limiter.Stop)

	server := NewServer(Deps{
		Cfg:     c,
		Paste:   pasteSvc,
		Files:   filesSvc,
		Limiter: limiter,
		Mw:      NewMw(limiter, verifier, c),
		DB:      store,
		Redis:   nil,
	})
	return server, verifier
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCreateAndGetPasteHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/pastes", "", CreateReq{Title: "hello", Content: "world"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created domain.View
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("no id in response")
	}

	w = doJSON(t, s, http.MethodGet, "/pastes/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got domain.View
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Content == nil || *got.Content != "world" {
		t.Errorf("content = %v", got.Content)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestGetMissingPasteHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/pastes/nosuchpaste", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
	var resp domain.ErrResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Code != "PASTE_NOT_FOUND" {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestProtectedPasteHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/pastes", "", CreateReq{Title: "t", Content: "secret", Password: "pw"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	var created domain.View
	json.Unmarshal(w.Body.Bytes(), &created)

	// no password: 200 with redacted body
	w = doJSON(t, s, http.MethodGet, "/pastes/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("redacted status = %d", w.Code)
	}
	var got domain.View
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Content != nil {
		t.Error("redacted response leaked content")
	}

	// wrong password: 401
	req := httptest.NewRequest(http.MethodGet, "/pastes/"+created.ID, nil)
	req.Header.Set("X-Paste-Password", "wrong")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d", rec.Code)
	}

	// correct password: full body
	req = httptest.NewRequest(http.MethodGet, "/pastes/"+created.ID, nil)
	req.Header.Set("X-Paste-Password", "pw")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Content == nil || *got.Content != "secret" {
		t.Error("full content not returned with password")
	}
}

func TestOwnerFlowHTTP(t *testing.T) {
	s, verifier := newTestServer(t)
	token, err := verifier.Sign("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, s, http.MethodPost, "/pastes", token, CreateReq{
		Title: "mine", Content: "v1", Visibility: "private",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created domain.View
	json.Unmarshal(w.Body.Bytes(), &created)

	// anonymous read of a private paste
	w = doJSON(t, s, http.MethodGet, "/pastes/"+created.ID, "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("private anonymous status = %d", w.Code)
	}

	// owner update
	w = doJSON(t, s, http.MethodPatch, "/pastes/"+created.ID, token, map[string]any{"content": "v2"})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}

	// listing
	w = doJSON(t, s, http.MethodGet, "/users/me/pastes", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var page domain.PastePage
	json.Unmarshal(w.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("total = %d", page.Total)
	}

	// owner delete, then 404
	w = doJSON(t, s, http.MethodDelete, "/pastes/"+created.ID, token, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/pastes/"+created.ID, token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("after delete status = %d", w.Code)
	}
}

func TestBulkDeleteHTTP(t *testing.T) {
	s, verifier := newTestServer(t)
	token, err := verifier.Sign("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		w := doJSON(t, s, http.MethodPost, "/pastes", token, CreateReq{Title: "t", Content: "x"})
		if w.Code != http.StatusCreated {
			t.Fatalf("create status = %d", w.Code)
		}
	}

	w := doJSON(t, s, http.MethodDelete, "/users/me/pastes", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp DeletedResp
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Deleted != 2 {
		t.Errorf("deleted = %d", resp.Deleted)
	}

	if w := doJSON(t, s, http.MethodDelete, "/users/me/pastes", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous bulk delete status = %d", w.Code)
	}
}

func TestInvalidBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/users/me/pastes", "not.a.token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/pastes", bytes.NewBufferString("title=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/pastes", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Errorf("allow-origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodOptions, "/pastes", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS headers")
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/pastes/nosuchpaste", "", nil)
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing frame options header")
	}
}

func TestUploadsDisabledHTTP(t *testing.T) {
	s, verifier := newTestServer(t)
	token, err := verifier.Sign("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	w := doJSON(t, s, http.MethodPost, "/pastes", token, CreateReq{Title: "m", Content: "x", Kind: "multimedia"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	var created domain.View
	json.Unmarshal(w.Body.Bytes(), &created)

	req := httptest.NewRequest(http.MethodPost, "/pastes/"+created.ID+"/files", bytes.NewBufferString("--x--"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}
