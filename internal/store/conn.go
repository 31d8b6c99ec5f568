package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Row is a loosely-typed record from the backing store. The pipeline converts
// rows into its strict data model at its own boundary.
type Row = map[string]any

// Handle is a single backing-store connection. Implementations must be safe
// for sequential use by one goroutine at a time; the pool guarantees that a
// handle is never active for two callers at once.
type Handle interface {
	Query(ctx context.Context, sql string, args ...any) ([]Row, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer creates new backing-store handles on demand.
type Dialer interface {
	Dial(ctx context.Context) (Handle, error)
}

// Health classifies a pooled connection.
type Health int

const (
	// Healthy connections serve queries normally.
	Healthy Health = iota
	// Degraded connections failed recently; the next health probe decides
	// whether they recover or get destroyed.
	Degraded
	// Unhealthy connections are destroyed on release.
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Conn is a pooled backing-store connection with usage bookkeeping.
type Conn struct {
	id        string
	handle    Handle
	createdAt time.Time

	mu         sync.Mutex
	lastUsed   time.Time
	queryCount int64
	health     Health

	// active is owned by the pool and mutated only under the pool lock.
	active bool

	closeOnce sync.Once
}

func newConn(handle Handle) *Conn {
	now := time.Now()
	return &Conn{
		id:        uuid.NewString(),
		handle:    handle,
		createdAt: now,
		lastUsed:  now,
		health:    Healthy,
	}
}

// ID returns the pool-unique connection identity.
func (c *Conn) ID() string { return c.id }

// Health reports the connection's current health classification.
func (c *Conn) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// QueryCount reports how many queries this connection has served.
func (c *Conn) QueryCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryCount
}

func (c *Conn) recordUse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryCount++
	c.lastUsed = time.Now()
	if c.health == Degraded {
		c.health = Healthy
	}
}

func (c *Conn) markDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == Healthy {
		c.health = Degraded
	}
}

func (c *Conn) markUnhealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = Unhealthy
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// close is idempotent: a connection claimed by the health pass can reach it
// both from the pass and from pool Close.
func (c *Conn) close(ctx context.Context) {
	c.closeOnce.Do(func() {
		_ = c.handle.Close(ctx)
	})
}
