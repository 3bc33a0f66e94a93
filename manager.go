package sqlsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoSession is returned by Manager methods called outside Middleware.
	ErrNoSession = errors.New("no session in request context")

	// ErrHandlerUnavailable is returned when the SaveHandler cannot be opened
	// or refuses an operation.
	ErrHandlerUnavailable = errors.New("session handler unavailable")
)

// Config configures a Manager.
type Config struct {
	// Handler persists sessions. Required.
	Handler SaveHandler
	// Name is the cookie name. Defaults to "session".
	Name string
	// SavePath is passed to Handler.Open.
	SavePath     string
	CookiePath   string
	CookieDomain string
	// Secure forces the cookie's Secure flag. When nil it follows r.TLS.
	Secure   *bool
	HttpOnly *bool
	SameSite http.SameSite
	// Lifetime of the cookie. 0 makes it a browser-session cookie. Use
	// ParseLifetime to resolve string expressions.
	Lifetime time.Duration
	// AutoRefresh regenerates the session id and reissues the cookie, with a
	// fresh expiry, on every request for an existing session.
	AutoRefresh bool
	// Settings holds backend settings: SettingGCProbability, SettingGCDivisor
	// and SettingGCMaxLifetime. Any other key is rejected.
	Settings map[string]string
	// Locker serializes requests for the same session. Optional.
	Locker Locker
	// LockTimeout bounds the wait for Locker. Defaults to 5s.
	LockTimeout time.Duration
	// StoreTimeout bounds each round of store calls made for a request:
	// resolving the id, loading the session, persisting it, and each
	// Regenerate or Destroy. Defaults to 5s.
	StoreTimeout time.Duration
	// CleanupInterval, when positive, also sweeps expired sessions from a
	// background goroutine on this period.
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Metrics         *Metrics
}

// Manager is the request pipeline stage: it starts a session before the next
// handler runs and persists it afterwards.
type Manager struct {
	handler      SaveHandler
	name         string
	savePath     string
	cookiePath   string
	domain       string
	secure       *bool
	httpOnly     bool
	sameSite     http.SameSite
	lifetime     time.Duration
	autoRefresh  bool
	gc           gcSettings
	locker       Locker
	lockTimeout  time.Duration
	storeTimeout time.Duration
	cleanup      time.Duration
	logger       *slog.Logger
	metrics      *Metrics

	// roll decides whether the current request runs a GC sweep.
	roll func() bool

	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager validates cfg, opens the handler and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Handler == nil {
		return nil, errors.New("sqlsession: Config.Handler is required")
	}
	if cfg.Name == "" {
		cfg.Name = "session"
	}
	if strings.ContainsAny(cfg.Name, " \t\r\n=;,\"") {
		return nil, fmt.Errorf("sqlsession: invalid cookie name %q", cfg.Name)
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.Lifetime < 0 {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidLifetime, cfg.Lifetime)
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	gc, err := parseSettings(cfg.Settings)
	if err != nil {
		return nil, err
	}
	// Records must outlive the cookies that point at them.
	if cfg.Lifetime > 0 && gc.maxLifetime < cfg.Lifetime {
		gc.maxLifetime = 2 * cfg.Lifetime
	}

	m := &Manager{
		handler:      cfg.Handler,
		name:         cfg.Name,
		savePath:     cfg.SavePath,
		cookiePath:   cfg.CookiePath,
		domain:       cfg.CookieDomain,
		secure:       cfg.Secure,
		httpOnly:     true,
		sameSite:     http.SameSiteLaxMode,
		lifetime:     cfg.Lifetime,
		autoRefresh:  cfg.AutoRefresh,
		gc:           gc,
		locker:       cfg.Locker,
		lockTimeout:  cfg.LockTimeout,
		storeTimeout: cfg.StoreTimeout,
		cleanup:      cfg.CleanupInterval,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		stopChan:     make(chan struct{}),
	}
	m.roll = m.rollGC

	if cfg.HttpOnly != nil {
		m.httpOnly = *cfg.HttpOnly
	}
	if cfg.SameSite != 0 {
		m.sameSite = cfg.SameSite
	}
	// Browsers reject SameSite=None cookies without the Secure attribute.
	if m.sameSite == http.SameSiteNoneMode {
		secure := true
		m.secure = &secure
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if !m.handler.Open(ctx, m.savePath, m.name) {
		return nil, fmt.Errorf("%w: open failed", ErrHandlerUnavailable)
	}

	if m.cleanup > 0 {
		m.wg.Add(1)
		go m.cleanupWorker()
	}

	return m, nil
}

// Handler returns the SaveHandler the manager drives.
func (m *Manager) Handler() SaveHandler { return m.handler }

// MaxLifetime returns the idle time after which records are swept.
func (m *Manager) MaxLifetime() time.Duration { return m.gc.maxLifetime }

func (m *Manager) cleanupWorker() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(context.Background(), "interval")
		case <-m.stopChan:
			return
		}
	}
}

// Close stops the cleanup worker and closes the handler.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
		if !m.handler.Close() {
			err = fmt.Errorf("%w: close failed", ErrHandlerUnavailable)
		}
	})
	return err
}

// Middleware attaches a session to every request. Handlers reach it with
// FromContext. The session is written back after next returns, or only its
// timestamp is refreshed when nothing changed.
//
// When the store cannot be reached the request is still served, with a
// transient session that is never stored and sets no cookie. Only an
// exhausted id space is answered with 503.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := m.storeContext(r)
		id, isNew, err := m.resolve(ctx, r)
		cancel()
		if errors.Is(err, ErrIDSpaceExhausted) {
			m.logger.ErrorContext(ctx, "failed to start session", "error", err)
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			m.logger.WarnContext(ctx, "session store unavailable, using transient session", "error", err)
			m.serveTransient(w, r, next)
			return
		}

		unlock := m.lock(r, id)
		defer unlock()

		ctx, cancel = m.storeContext(r)
		sess := m.load(ctx, id, isNew)
		if m.autoRefresh && !sess.IsNew() {
			if err := m.regenerate(ctx, sess); err != nil {
				m.logger.WarnContext(ctx, "failed to refresh session id", "error", err)
			}
		}
		cancel()

		if sess.IsNew() {
			m.setCookie(w, r, sess.ID)
		}

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))

		ctx, cancel = m.storeContext(r)
		defer cancel()
		m.finish(ctx, sess)
		m.maybeGC(context.WithoutCancel(r.Context()))
	})
}

// storeContext returns the context for one round of store calls.
// Persisting must not be cut short by a client that went away, but a hung
// database must not hold the request forever.
func (m *Manager) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), m.storeTimeout)
}

func (m *Manager) serveTransient(w http.ResponseWriter, r *http.Request, next http.Handler) {
	sess := newSession("", nil, true)
	sess.destroyed = true
	next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
}

// resolve picks the session id for r. Ids from the cookie that do not name
// a stored record are replaced by a fresh one.
func (m *Manager) resolve(ctx context.Context, r *http.Request) (string, bool, error) {
	if m.handler.State() != StateOpen && !m.handler.Open(ctx, m.savePath, m.name) {
		return "", false, fmt.Errorf("%w: open failed", ErrHandlerUnavailable)
	}

	if c, err := r.Cookie(m.name); err == nil && c.Value != "" && m.handler.ValidateID(ctx, c.Value) {
		return c.Value, false, nil
	}
	id, err := m.handler.CreateSID(ctx)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (m *Manager) load(ctx context.Context, id string, isNew bool) *Session {
	if isNew {
		return newSession(id, nil, true)
	}

	values, err := decodeValues(m.handler.Read(ctx, id))
	if err != nil {
		m.logger.WarnContext(ctx, "discarding unreadable session data", "session_id", shortID(id), "error", err)
		sess := newSession(id, nil, false)
		sess.dirty = true
		return sess
	}
	return newSession(id, values, false)
}

func (m *Manager) lock(r *http.Request, id string) func() {
	if m.locker == nil {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), m.lockTimeout)
	defer cancel()

	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		m.logger.WarnContext(ctx, "proceeding without session lock", "session_id", shortID(id), "error", err)
		return func() {}
	}
	return unlock
}

func (m *Manager) finish(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	id, destroyed, write := sess.ID, sess.destroyed, sess.isNew || sess.dirty
	sess.mu.Unlock()

	if destroyed {
		return
	}
	if !write {
		m.handler.UpdateTimestamp(ctx, id, nil)
		return
	}

	buf, err := sess.encodeValues()
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to encode session", "session_id", shortID(id), "error", err)
		return
	}
	var data []byte
	if buf != nil {
		// Write is synchronous, so the pooled bytes are consumed before
		// PutBuffer wipes them.
		defer PutBuffer(buf)
		data = buf.Bytes()
	}
	m.handler.Write(ctx, id, data)
}

func (m *Manager) rollGC() bool {
	return m.gc.probability > 0 && mrand.IntN(m.gc.divisor) < m.gc.probability
}

func (m *Manager) maybeGC(ctx context.Context) {
	if m.roll() {
		m.runGC(ctx, "request")
	}
}

func (m *Manager) runGC(ctx context.Context, trigger string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	m.metrics.gcRun(trigger)
	m.handler.GC(ctx, m.gc.maxLifetime)
}

// Regenerate moves the request's session to a new id, removing the old
// record, to prevent session fixation. Call it before writing the response
// body so the new cookie can still be sent.
func (m *Manager) Regenerate(w http.ResponseWriter, r *http.Request) error {
	sess := FromContext(r.Context())
	if sess == nil {
		return ErrNoSession
	}
	ctx, cancel := m.storeContext(r)
	defer cancel()
	if err := m.regenerate(ctx, sess); err != nil {
		// Fail closed: the client keeps no cookie that may still be valid.
		m.clearCookie(w, r)
		return err
	}
	m.setCookie(w, r, sess.ID)
	return nil
}

func (m *Manager) regenerate(ctx context.Context, sess *Session) error {
	newID, err := m.handler.CreateSID(ctx)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	oldID := sess.ID
	sess.mu.Unlock()

	if !m.handler.Destroy(ctx, oldID) {
		return fmt.Errorf("%w: failed to destroy previous session", ErrHandlerUnavailable)
	}

	sess.mu.Lock()
	sess.ID = newID
	sess.isNew = true
	sess.mu.Unlock()
	return nil
}

// Destroy ends the request's session: the cookie is cleared, the values are
// wiped and the record is deleted.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request) error {
	sess := FromContext(r.Context())
	if sess == nil {
		return ErrNoSession
	}

	// Clear the cookie even if the store fails, so the client is logged out.
	m.clearCookie(w, r)
	sess.Clear()

	sess.mu.Lock()
	sess.destroyed = true
	id := sess.ID
	sess.mu.Unlock()

	ctx, cancel := m.storeContext(r)
	defer cancel()
	if !m.handler.Destroy(ctx, id) {
		return fmt.Errorf("%w: failed to destroy session", ErrHandlerUnavailable)
	}
	return nil
}

func (m *Manager) isSecure(r *http.Request) bool {
	if m.secure != nil {
		return *m.secure
	}
	return r.TLS != nil
}

func (m *Manager) setCookie(w http.ResponseWriter, r *http.Request, id string) {
	c := &http.Cookie{
		Name:     m.name,
		Value:    id,
		Path:     m.cookiePath,
		Domain:   m.domain,
		HttpOnly: m.httpOnly,
		Secure:   m.isSecure(r),
		SameSite: m.sameSite,
	}
	if m.lifetime > 0 {
		c.Expires = time.Now().Add(m.lifetime)
		c.MaxAge = int(m.lifetime.Seconds())
	}
	http.SetCookie(w, c)
}

func (m *Manager) clearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     m.cookiePath,
		Domain:   m.domain,
		MaxAge:   -1,
		HttpOnly: m.httpOnly,
		Secure:   m.isSecure(r),
		SameSite: m.sameSite,
	})
}
