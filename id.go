package sqlsession

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"sync"
)

const (
	// idLength is the length of a session identifier: a 160 bit value in
	// lowercase hex, the same shape as a SHA-1 digest.
	idLength       = 40
	idEntropyBytes = idLength / 2

	defaultMaxIDAttempts = 8
)

// ErrIDSpaceExhausted is returned when every generated candidate collided with
// an existing record. With 160 bits per identifier this means the store is
// corrupted or the id source is broken, so callers should treat it as fatal.
var ErrIDSpaceExhausted = errors.New("session id space exhausted")

// IDGenerator produces session identifiers that are verified against the
// store before being handed out.
type IDGenerator struct {
	store       Store
	maxAttempts int
	logger      *slog.Logger
	metrics     *Metrics

	// source returns an unverified candidate. Tests replace it to force
	// collisions.
	source func() (string, error)
}

// NewIDGenerator creates a generator that checks candidates against store.
// maxAttempts <= 0 selects the default of 8.
func NewIDGenerator(store Store, maxAttempts int, logger *slog.Logger) *IDGenerator {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxIDAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IDGenerator{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger,
		source:      generateID,
	}
}

// Generate returns a fresh identifier that does not exist in the store,
// including records that are expired but not yet swept.
func (g *IDGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		id, err := g.source()
		if err != nil {
			return "", err
		}
		exists, err := g.store.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check session id: %w", err)
		}
		if !exists {
			return id, nil
		}
		g.metrics.idCollision()
		g.logger.WarnContext(ctx, "session id collision, regenerating",
			"session_id", shortID(id),
			"attempt", attempt,
		)
	}
	g.logger.ErrorContext(ctx, "session id generation exhausted", "attempts", g.maxAttempts)
	return "", fmt.Errorf("%w after %d attempts", ErrIDSpaceExhausted, g.maxAttempts)
}

// Validate reports whether id refers to a stored record. Malformed ids are
// never looked up.
func (g *IDGenerator) Validate(ctx context.Context, id string) (bool, error) {
	if !isValidID(id) {
		return false, nil
	}
	return g.store.Exists(ctx, id)
}

// rngPool reuses *math/rand/v2.Rand instances to amortize the cost of
// seeding from crypto/rand.
var rngPool = sync.Pool{}

func generateID() (string, error) {
	ptr := idBufferPool.Get().(*[]byte)
	b := *ptr

	entropy := b[:idEntropyBytes]

	v := rngPool.Get()
	var rng *mrand.Rand
	if v == nil {
		var seed [32]byte
		if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
			clear(b)
			idBufferPool.Put(ptr)
			return "", err
		}
		rng = mrand.New(mrand.NewChaCha8(seed))
	} else {
		rng = v.(*mrand.Rand)
	}

	binary.LittleEndian.PutUint64(entropy[0:8], rng.Uint64())
	binary.LittleEndian.PutUint64(entropy[8:16], rng.Uint64())
	binary.LittleEndian.PutUint32(entropy[16:20], rng.Uint32())

	rngPool.Put(rng)

	hexDst := b[idEntropyBytes:]
	hex.Encode(hexDst, entropy)
	id := string(hexDst)

	clear(b)
	idBufferPool.Put(ptr)
	return id, nil
}

// validIDChars is a lookup table for valid hex characters (0-9, a-f).
var validIDChars = [256]bool{}

func init() {
	for i := 0; i < len(validIDChars); i++ {
		c := byte(i)
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			validIDChars[i] = true
		}
	}
}

func isValidID(id string) bool {
	if len(id) != idLength {
		return false
	}
	for i := 0; i < idLength; i++ {
		if !validIDChars[id[i]] {
			return false
		}
	}
	return true
}

// shortID trims an identifier for log output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
