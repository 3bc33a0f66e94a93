package sqlsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrHandlerClosed is reported when a hook other than Open runs on a closed handler.
	ErrHandlerClosed = errors.New("session handler is closed")

	// ErrInvalidSessionID is returned when the session ID format is invalid.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// State is the lifecycle state of a SaveHandler.
type State int32

const (
	// StateClosed is the initial state and the state after Close.
	StateClosed State = iota
	// StateOpen is entered by a successful Open.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SaveHandler is the lifecycle contract a session manager drives. Hooks
// report success as booleans and never panic: a storage failure is logged and
// surfaces as false, or as an empty payload from Read. An unknown id is not a
// failure.
//
// SaveHandler does not serialize access per session id. Callers that may run
// concurrent requests for the same id must lock around the hooks themselves
// (see Locker).
type SaveHandler interface {
	// Open prepares the storage. path and name are informational.
	Open(ctx context.Context, path, name string) bool
	// Close releases the storage if the handler owns it.
	Close() bool
	// Read returns the payload stored for id, or nil.
	Read(ctx context.Context, id string) []byte
	// Write stores data for id, creating the record if needed.
	Write(ctx context.Context, id string, data []byte) bool
	// Destroy removes the record for id. Absent records count as success.
	Destroy(ctx context.Context, id string) bool
	// GC removes records idle for longer than maxLifetime.
	GC(ctx context.Context, maxLifetime time.Duration) bool
	// CreateSID returns a new identifier unused by any stored record. An error
	// means no identifier can be produced and is fatal for the request.
	CreateSID(ctx context.Context) (string, error)
	// ValidateID reports whether id refers to a stored record.
	ValidateID(ctx context.Context, id string) bool
	// UpdateTimestamp refreshes the expiry of id. data is ignored.
	UpdateTimestamp(ctx context.Context, id string, data []byte) bool
	// State reports whether the handler is open.
	State() State
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Store persists the records. Required.
	Store Store
	// CloseStore makes Close release Store. Leave it false when the store,
	// or the connection pool behind it, is shared with other components.
	CloseStore bool
	// MaxIDAttempts bounds the CreateSID collision loop. Defaults to 8.
	MaxIDAttempts int
	// Logger receives hook failures. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics records hook outcomes. Optional.
	Metrics *Metrics
}

// Handler implements SaveHandler on top of a Store.
type Handler struct {
	store      Store
	ids        *IDGenerator
	closeStore bool
	logger     *slog.Logger
	metrics    *Metrics

	mu       sync.RWMutex
	state    State
	released bool
}

var _ SaveHandler = (*Handler)(nil)

// NewHandler creates a closed handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ids := NewIDGenerator(cfg.Store, cfg.MaxIDAttempts, cfg.Logger)
	ids.metrics = cfg.Metrics

	return &Handler{
		store:      cfg.Store,
		ids:        ids,
		closeStore: cfg.CloseStore,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// State reports the current lifecycle state.
func (h *Handler) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handler) Open(ctx context.Context, path, name string) bool {
	start := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateOpen {
		return true
	}
	if err := h.store.EnsureSchema(ctx); err != nil {
		h.fail(ctx, "open", "", start, err)
		return false
	}
	h.state = StateOpen
	h.metrics.observeHook("open", start, nil)
	h.logger.DebugContext(ctx, "session handler opened", "path", path, "name", name)
	return true
}

func (h *Handler) Close() bool {
	start := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = StateClosed
	if h.closeStore && !h.released {
		h.released = true
		if err := h.store.Close(); err != nil {
			h.fail(context.Background(), "close", "", start, err)
			return false
		}
	}
	h.metrics.observeHook("close", start, nil)
	return true
}

func (h *Handler) Read(ctx context.Context, id string) []byte {
	start := time.Now()
	if err := h.ready(); err != nil {
		h.fail(ctx, "read", id, start, err)
		return nil
	}
	if !isValidID(id) {
		// A malformed id cannot name a stored record.
		h.metrics.observeHook("read", start, nil)
		return nil
	}

	data, _, err := h.store.Fetch(ctx, id)
	if err != nil {
		h.fail(ctx, "read", id, start, err)
		return nil
	}
	h.metrics.observeHook("read", start, nil)
	return data
}

func (h *Handler) Write(ctx context.Context, id string, data []byte) bool {
	return h.do(ctx, "write", id, func() error {
		if !isValidID(id) {
			return ErrInvalidSessionID
		}
		return h.store.Upsert(ctx, id, data)
	})
}

func (h *Handler) Destroy(ctx context.Context, id string) bool {
	return h.do(ctx, "destroy", id, func() error {
		if !isValidID(id) {
			return nil
		}
		return h.store.Delete(ctx, id)
	})
}

func (h *Handler) GC(ctx context.Context, maxLifetime time.Duration) bool {
	return h.do(ctx, "gc", "", func() error {
		return h.store.SweepExpired(ctx, maxLifetime)
	})
}

func (h *Handler) CreateSID(ctx context.Context) (string, error) {
	start := time.Now()
	if err := h.ready(); err != nil {
		h.fail(ctx, "create_sid", "", start, err)
		return "", err
	}
	id, err := h.ids.Generate(ctx)
	if err != nil {
		h.fail(ctx, "create_sid", "", start, err)
		return "", err
	}
	h.metrics.observeHook("create_sid", start, nil)
	return id, nil
}

func (h *Handler) ValidateID(ctx context.Context, id string) bool {
	start := time.Now()
	if err := h.ready(); err != nil {
		h.fail(ctx, "validate_id", id, start, err)
		return false
	}
	ok, err := h.ids.Validate(ctx, id)
	if err != nil {
		h.fail(ctx, "validate_id", id, start, err)
		return false
	}
	h.metrics.observeHook("validate_id", start, nil)
	return ok
}

func (h *Handler) UpdateTimestamp(ctx context.Context, id string, data []byte) bool {
	return h.do(ctx, "update_timestamp", id, func() error {
		if !isValidID(id) {
			return ErrInvalidSessionID
		}
		return h.store.Touch(ctx, id)
	})
}

func (h *Handler) ready() error {
	if h.State() != StateOpen {
		return ErrHandlerClosed
	}
	return nil
}

// do runs a boolean hook: it checks the state, runs op and records the outcome.
func (h *Handler) do(ctx context.Context, hook, id string, op func() error) bool {
	start := time.Now()
	err := h.ready()
	if err == nil {
		err = op()
	}
	if err != nil {
		h.fail(ctx, hook, id, start, err)
		return false
	}
	h.metrics.observeHook(hook, start, nil)
	return true
}

func (h *Handler) fail(ctx context.Context, hook, id string, start time.Time, err error) {
	h.metrics.observeHook(hook, start, err)
	attrs := []any{"hook", hook, "error", err}
	if id != "" {
		attrs = append(attrs, "session_id", shortID(id))
	}
	h.logger.ErrorContext(ctx, "session hook failed", attrs...)
}
