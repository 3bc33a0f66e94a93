package sqlsession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// countingHandler records which persistence hooks the manager calls.
type countingHandler struct {
	*Handler

	mu      sync.Mutex
	writes  int
	touches int
}

func (c *countingHandler) Write(ctx context.Context, id string, data []byte) bool {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Handler.Write(ctx, id, data)
}

func (c *countingHandler) UpdateTimestamp(ctx context.Context, id string, data []byte) bool {
	c.mu.Lock()
	c.touches++
	c.mu.Unlock()
	return c.Handler.UpdateTimestamp(ctx, id, data)
}

func (c *countingHandler) counts() (writes, touches int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes, c.touches
}

func newTestManager(t *testing.T, store *MemoryStore, cfg Config) *Manager {
	t.Helper()
	if cfg.Handler == nil {
		cfg.Handler = NewHandler(HandlerConfig{Store: store, Logger: discardLogger()})
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	// No GC rolls unless a test asks for them.
	mgr.roll = func() bool { return false }
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

var counterHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%d", FromContext(r.Context()).Inc("count", 1))
})

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func doRequest(h http.Handler, target string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if cookie != nil {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestManager_SessionFlow(t *testing.T) {
	store := NewMemoryStore(0)
	mgr := newTestManager(t, store, Config{})
	h := mgr.Middleware(counterHandler)

	rec := doRequest(h, "/", nil)
	if rec.Body.String() != "1" {
		t.Fatalf("expected count 1, got %q", rec.Body.String())
	}
	c := sessionCookie(t, rec, "session")
	if c == nil {
		t.Fatal("no session cookie set")
	}
	if !isValidID(c.Value) {
		t.Fatalf("cookie holds malformed id %q", c.Value)
	}
	if exists, _ := store.Exists(context.Background(), c.Value); !exists {
		t.Fatal("session was not persisted")
	}

	rec = doRequest(h, "/", c)
	if rec.Body.String() != "2" {
		t.Errorf("expected count 2, got %q", rec.Body.String())
	}
	if sessionCookie(t, rec, "session") != nil {
		t.Error("an existing session must not get a new cookie")
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 record, got %d", store.Len())
	}
}

func TestManager_RejectsUnknownIDs(t *testing.T) {
	store := NewMemoryStore(0)
	mgr := newTestManager(t, store, Config{})
	h := mgr.Middleware(counterHandler)

	for name, value := range map[string]string{
		"unknown":   newTestID(t),
		"malformed": "attacker-chosen",
	} {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(h, "/", &http.Cookie{Name: "session", Value: value})
			c := sessionCookie(t, rec, "session")
			if c == nil {
				t.Fatal("expected a fresh cookie")
			}
			if c.Value == value {
				t.Error("a client-chosen id must not be adopted")
			}
			if rec.Body.String() != "1" {
				t.Errorf("expected a fresh session, got count %q", rec.Body.String())
			}
		})
	}
}

func TestManager_TouchWhenUnchanged(t *testing.T) {
	store := NewMemoryStore(0)
	counting := &countingHandler{Handler: NewHandler(HandlerConfig{Store: store, Logger: discardLogger()})}
	mgr := newTestManager(t, store, Config{Handler: counting})

	rec := doRequest(mgr.Middleware(counterHandler), "/", nil)
	c := sessionCookie(t, rec, "session")

	readOnly := mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Get("count")
	}))
	doRequest(readOnly, "/", c)

	writes, touches := counting.counts()
	if writes != 1 || touches != 1 {
		t.Errorf("expected 1 write and 1 touch, got %d writes and %d touches", writes, touches)
	}
}

func TestManager_CookieSecurity(t *testing.T) {
	store := NewMemoryStore(0)

	t.Run("Defaults", func(t *testing.T) {
		mgr := newTestManager(t, store, Config{})
		c := sessionCookie(t, doRequest(mgr.Middleware(counterHandler), "/", nil), "session")
		if c == nil {
			t.Fatal("no cookie set")
		}
		if !c.HttpOnly {
			t.Error("HttpOnly should be true by default")
		}
		if c.SameSite != http.SameSiteLaxMode {
			t.Errorf("SameSite should be Lax by default, got %v", c.SameSite)
		}
		if c.Secure {
			t.Error("Secure should be false for a non-TLS request")
		}
		if c.Path != "/" {
			t.Errorf("expected path /, got %q", c.Path)
		}
		if c.MaxAge != 0 || !c.Expires.IsZero() {
			t.Errorf("expected a browser-session cookie, got MaxAge=%d Expires=%v", c.MaxAge, c.Expires)
		}
	})

	t.Run("TLS", func(t *testing.T) {
		mgr := newTestManager(t, store, Config{})
		c := sessionCookie(t, doRequest(mgr.Middleware(counterHandler), "https://example.com/", nil), "session")
		if c == nil || !c.Secure {
			t.Error("Secure should follow the TLS request")
		}
	})

	t.Run("Custom", func(t *testing.T) {
		httpOnly := false
		secure := true
		mgr := newTestManager(t, store, Config{
			Name:         "sid",
			CookiePath:   "/app",
			CookieDomain: "example.com",
			HttpOnly:     &httpOnly,
			Secure:       &secure,
			SameSite:     http.SameSiteStrictMode,
			Lifetime:     time.Hour,
		})
		c := sessionCookie(t, doRequest(mgr.Middleware(counterHandler), "/app", nil), "sid")
		if c == nil {
			t.Fatal("no cookie set")
		}
		if c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
			t.Errorf("unexpected flags: HttpOnly=%v Secure=%v SameSite=%v", c.HttpOnly, c.Secure, c.SameSite)
		}
		if c.Path != "/app" || c.Domain != "example.com" {
			t.Errorf("unexpected scope: path=%q domain=%q", c.Path, c.Domain)
		}
		if c.MaxAge != 3600 {
			t.Errorf("expected MaxAge 3600, got %d", c.MaxAge)
		}
	})

	t.Run("SameSite None forces Secure", func(t *testing.T) {
		mgr := newTestManager(t, store, Config{SameSite: http.SameSiteNoneMode})
		c := sessionCookie(t, doRequest(mgr.Middleware(counterHandler), "/", nil), "session")
		if c == nil || !c.Secure {
			t.Error("SameSite=None cookies must be Secure")
		}
	})
}

func TestNewManager_Validation(t *testing.T) {
	store := NewMemoryStore(0)
	handler := NewHandler(HandlerConfig{Store: store, Logger: discardLogger()})

	if _, err := NewManager(Config{}); err == nil {
		t.Error("expected an error without a handler")
	}
	if _, err := NewManager(Config{Handler: handler, Name: "bad name"}); err == nil {
		t.Error("expected an error for an invalid cookie name")
	}
	if _, err := NewManager(Config{Handler: handler, Lifetime: -time.Second}); !errors.Is(err, ErrInvalidLifetime) {
		t.Errorf("expected ErrInvalidLifetime, got %v", err)
	}
	_, err := NewManager(Config{Handler: handler, Settings: map[string]string{"session.save_path": "/tmp"}})
	if !errors.Is(err, ErrUnknownSetting) {
		t.Errorf("expected ErrUnknownSetting, got %v", err)
	}

	closed := NewMemoryStore(0)
	closed.Close()
	_, err = NewManager(Config{Handler: NewHandler(HandlerConfig{Store: closed, Logger: discardLogger()}), Logger: discardLogger()})
	if !errors.Is(err, ErrHandlerUnavailable) {
		t.Errorf("expected ErrHandlerUnavailable, got %v", err)
	}
}

func TestNewManager_MaxLifetime(t *testing.T) {
	store := NewMemoryStore(0)

	mgr := newTestManager(t, store, Config{Lifetime: 2 * time.Hour})
	if got := mgr.MaxLifetime(); got != 4*time.Hour {
		t.Errorf("expected max lifetime raised to 4h, got %v", got)
	}

	mgr = newTestManager(t, store, Config{
		Lifetime: time.Minute,
		Settings: map[string]string{SettingGCMaxLifetime: "7200"},
	})
	if got := mgr.MaxLifetime(); got != 2*time.Hour {
		t.Errorf("expected configured max lifetime 2h, got %v", got)
	}
}

func TestManager_AutoRefresh(t *testing.T) {
	store := NewMemoryStore(0)
	mgr := newTestManager(t, store, Config{AutoRefresh: true, Lifetime: time.Hour})
	h := mgr.Middleware(counterHandler)

	first := sessionCookie(t, doRequest(h, "/", nil), "session")

	rec := doRequest(h, "/", first)
	second := sessionCookie(t, rec, "session")
	if second == nil {
		t.Fatal("expected the cookie to be reissued")
	}
	if second.Value == first.Value {
		t.Error("expected a new session id")
	}
	if second.MaxAge != 3600 {
		t.Errorf("expected a fresh expiry, got MaxAge %d", second.MaxAge)
	}
	if rec.Body.String() != "2" {
		t.Errorf("values must survive the refresh, got count %q", rec.Body.String())
	}

	ctx := context.Background()
	if exists, _ := store.Exists(ctx, first.Value); exists {
		t.Error("old record must be removed")
	}
	if exists, _ := store.Exists(ctx, second.Value); !exists {
		t.Error("new record must be stored")
	}
}

func TestManager_Regenerate(t *testing.T) {
	store := NewMemoryStore(0)
	mgr := newTestManager(t, store, Config{})

	login := mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Regenerate(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		FromContext(r.Context()).Set("user", "alice")
	}))

	before := sessionCookie(t, doRequest(mgr.Middleware(counterHandler), "/", nil), "session")
	after := sessionCookie(t, doRequest(login, "/login", before), "session")
	if after == nil || after.Value == before.Value {
		t.Fatalf("expected a new id, got %v", after)
	}

	ctx := context.Background()
	if exists, _ := store.Exists(ctx, before.Value); exists {
		t.Error("pre-login record must be removed")
	}
	data, found, _ := store.Fetch(ctx, after.Value)
	if !found {
		t.Fatal("post-login record missing")
	}
	values, err := decodeValues(data)
	if err != nil {
		t.Fatal(err)
	}
	if values["user"] != "alice" || values["count"] != 1 {
		t.Errorf("unexpected values after regenerate: %v", values)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := mgr.Regenerate(httptest.NewRecorder(), req); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession outside the middleware, got %v", err)
	}
}

func TestManager_Destroy(t *testing.T) {
	store := NewMemoryStore(0)
	secure := true
	mgr := newTestManager(t, store, Config{Secure: &secure})

	logout := mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Destroy(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	c := sessionCookie(t, doRequest(mgr.Middleware(counterHandler), "/", nil), "session")
	rec := doRequest(logout, "/logout", c)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout failed: %d %s", rec.Code, rec.Body.String())
	}

	cleared := sessionCookie(t, rec, "session")
	if cleared == nil {
		t.Fatal("no deletion cookie set")
	}
	if cleared.MaxAge >= 0 || cleared.Value != "" {
		t.Errorf("expected a deletion cookie, got %+v", cleared)
	}
	if !cleared.Secure {
		t.Error("deletion cookie must keep the Secure flag")
	}
	if store.Len() != 0 {
		t.Errorf("expected no records after logout, got %d", store.Len())
	}
}

func TestManager_GC(t *testing.T) {
	store := NewMemoryStore(0)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(MetricsConfig{Registry: registry})
	mgr := newTestManager(t, store, Config{Metrics: metrics})

	ctx := context.Background()
	stale := newTestID(t)
	store.Upsert(ctx, stale, nil)
	store.mu.Lock()
	rec := store.records[stale]
	rec.last = rec.last.Add(-2 * defaultGCMaxLifetime)
	store.records[stale] = rec
	store.mu.Unlock()

	h := mgr.Middleware(counterHandler)
	doRequest(h, "/", nil)
	if exists, _ := store.Exists(ctx, stale); !exists {
		t.Fatal("GC ran without winning the roll")
	}

	mgr.roll = func() bool { return true }
	doRequest(h, "/", nil)
	if exists, _ := store.Exists(ctx, stale); exists {
		t.Error("expected the stale record to be swept")
	}
	if got := testutil.ToFloat64(metrics.gcRuns.WithLabelValues("request")); got != 1 {
		t.Errorf("expected 1 request-triggered GC run, got %v", got)
	}
}

func TestManager_RollGC(t *testing.T) {
	m := &Manager{gc: gcSettings{probability: 0, divisor: 1}}
	for i := 0; i < 100; i++ {
		if m.rollGC() {
			t.Fatal("probability 0 must never collect")
		}
	}

	m.gc.probability = 1
	for i := 0; i < 100; i++ {
		if !m.rollGC() {
			t.Fatal("probability 1/1 must always collect")
		}
	}
}

func TestManager_CleanupWorker(t *testing.T) {
	store := NewMemoryStore(0)
	mgr := newTestManager(t, store, Config{
		CleanupInterval: 10 * time.Millisecond,
		Settings:        map[string]string{SettingGCMaxLifetime: "60"},
	})

	ctx := context.Background()
	id := newTestID(t)
	store.Upsert(ctx, id, nil)
	store.mu.Lock()
	rec := store.records[id]
	rec.last = rec.last.Add(-time.Hour)
	store.records[id] = rec
	store.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if exists, _ := store.Exists(ctx, id); !exists {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if exists, _ := store.Exists(ctx, id); exists {
		t.Error("cleanup worker did not sweep the stale record")
	}

	if err := mgr.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestManager_CreateSIDFailure(t *testing.T) {
	store := NewMemoryStore(0)
	handler := NewHandler(HandlerConfig{Store: store, Logger: discardLogger()})
	handler.ids.source = func() (string, error) {
		return "", errors.New("simulated entropy failure")
	}
	mgr := newTestManager(t, store, Config{Handler: handler})

	rec := doRequest(mgr.Middleware(counterHandler), "/", nil)

	if rec.Code != http.StatusOK || rec.Body.String() != "1" {
		t.Errorf("expected the request to be served, got %d %q", rec.Code, rec.Body.String())
	}
	if sessionCookie(t, rec, "session") != nil {
		t.Error("no cookie may be issued without an id")
	}
	if store.Len() != 0 {
		t.Errorf("a transient session must not be stored, got %d records", store.Len())
	}
}

func TestManager_IDSpaceExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	handler := NewHandler(HandlerConfig{Store: store, MaxIDAttempts: 2, Logger: discardLogger()})
	mgr := newTestManager(t, store, Config{Handler: handler})

	taken := newTestID(t)
	if err := store.Upsert(ctx, taken, nil); err != nil {
		t.Fatal(err)
	}
	handler.ids.source = func() (string, error) { return taken, nil }

	called := false
	rec := doRequest(mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})), "/", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if called {
		t.Error("next handler must not run without a session")
	}
	if sessionCookie(t, rec, "session") != nil {
		t.Error("no cookie may be issued without an id")
	}
}

// unreliableStore is a MemoryStore whose lookups and writes can be made to
// fail or hang after the manager has opened it.
type unreliableStore struct {
	*MemoryStore

	failExists  atomic.Bool
	hangExists  atomic.Bool
	hangUpserts atomic.Bool
}

func (s *unreliableStore) Exists(ctx context.Context, id string) (bool, error) {
	switch {
	case s.hangExists.Load():
		<-ctx.Done()
		return false, ctx.Err()
	case s.failExists.Load():
		return false, errors.New("connection refused")
	}
	return s.MemoryStore.Exists(ctx, id)
}

func (s *unreliableStore) Upsert(ctx context.Context, id string, payload []byte) error {
	if s.hangUpserts.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.MemoryStore.Upsert(ctx, id, payload)
}

func newUnreliableManager(t *testing.T, cfg Config) (*Manager, *unreliableStore) {
	t.Helper()
	store := &unreliableStore{MemoryStore: NewMemoryStore(0)}
	cfg.Handler = NewHandler(HandlerConfig{Store: store, Logger: discardLogger()})
	return newTestManager(t, store.MemoryStore, cfg), store
}

func TestManager_StoreFailsAfterOpen(t *testing.T) {
	mgr, store := newUnreliableManager(t, Config{})
	h := mgr.Middleware(counterHandler)

	rec := doRequest(h, "/", nil)
	cookie := sessionCookie(t, rec, "session")
	if cookie == nil {
		t.Fatal("expected a session cookie while the store is healthy")
	}

	store.failExists.Store(true)

	for _, c := range []*http.Cookie{nil, cookie} {
		rec := doRequest(h, "/", c)
		if rec.Code != http.StatusOK || rec.Body.String() != "1" {
			t.Errorf("expected a transient session, got %d %q", rec.Code, rec.Body.String())
		}
		if sessionCookie(t, rec, "session") != nil {
			t.Error("a transient session must not set a cookie")
		}
	}
	if store.Len() != 1 {
		t.Errorf("expected only the first session to be stored, got %d", store.Len())
	}

	store.failExists.Store(false)
	if rec := doRequest(h, "/", cookie); rec.Body.String() != "2" {
		t.Errorf("expected the stored session to resume, got %q", rec.Body.String())
	}
}

func TestManager_StoreTimeout(t *testing.T) {
	tests := []struct {
		name string
		hang func(*unreliableStore)
	}{
		{"lookup", func(s *unreliableStore) { s.hangExists.Store(true) }},
		{"write", func(s *unreliableStore) { s.hangUpserts.Store(true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, store := newUnreliableManager(t, Config{StoreTimeout: 50 * time.Millisecond})
			tt.hang(store)

			done := make(chan *httptest.ResponseRecorder, 1)
			go func() {
				done <- doRequest(mgr.Middleware(counterHandler), "/", nil)
			}()

			select {
			case rec := <-done:
				if rec.Code != http.StatusOK || rec.Body.String() != "1" {
					t.Errorf("expected the request to be served, got %d %q", rec.Code, rec.Body.String())
				}
			case <-time.After(5 * time.Second):
				t.Fatal("request blocked on a hung store")
			}
			if store.Len() != 0 {
				t.Errorf("expected nothing stored, got %d records", store.Len())
			}
		})
	}
}

func TestManager_DegradedHandler(t *testing.T) {
	store := NewMemoryStore(0)
	handler := NewHandler(HandlerConfig{Store: store, Logger: discardLogger()})
	mgr := newTestManager(t, store, Config{Handler: handler})

	handler.Close()
	store.Close()

	rec := doRequest(mgr.Middleware(counterHandler), "/", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "1" {
		t.Errorf("expected the request to be served, got %d %q", rec.Code, rec.Body.String())
	}
	if sessionCookie(t, rec, "session") != nil {
		t.Error("a transient session must not set a cookie")
	}
}

func TestManager_CorruptPayload(t *testing.T) {
	store := NewMemoryStore(0)
	mgr := newTestManager(t, store, Config{})

	ctx := context.Background()
	id := newTestID(t)
	store.Upsert(ctx, id, []byte("not gob at all"))

	rec := doRequest(mgr.Middleware(counterHandler), "/", &http.Cookie{Name: "session", Value: id})
	if rec.Body.String() != "1" {
		t.Errorf("expected an empty session, got count %q", rec.Body.String())
	}
	data, _, _ := store.Fetch(ctx, id)
	if _, err := decodeValues(data); err != nil {
		t.Errorf("corrupt payload was not replaced: %v", err)
	}
}

func TestManager_LockSerializesRequests(t *testing.T) {
	store := NewMemoryStore(0)
	locker := NewMutexLocker()
	mgr := newTestManager(t, store, Config{Locker: locker})

	slowCounter := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := FromContext(r.Context())
		n, _ := sess.Get("count")
		count, _ := n.(int)
		time.Sleep(time.Millisecond)
		sess.Set("count", count+1)
		fmt.Fprint(w, strconv.Itoa(count+1))
	})
	h := mgr.Middleware(slowCounter)

	c := sessionCookie(t, doRequest(h, "/", nil), "session")

	const requests = 20
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doRequest(h, "/", c)
		}()
	}
	wg.Wait()

	if got := doRequest(h, "/", c).Body.String(); got != strconv.Itoa(requests+2) {
		t.Errorf("expected %d, got %s (lost updates)", requests+2, got)
	}
	if locker.held() != 0 {
		t.Errorf("expected all locks released, %d held", locker.held())
	}
}
