package store

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/synastry/matchd/internal/metrics"
)

const (
	defaultAcquireTimeout = 10 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultQueryTimeout   = 30 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
	defaultRetryDelay     = time.Second
)

// Options configures the connection pool.
type Options struct {
	Dialer Dialer

	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	HealthInterval time.Duration

	QueryCacheTTL      time.Duration
	QueryCacheDisabled bool

	Breaker BreakerConfig

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Operation is one parameterized backing-store call.
type Operation struct {
	SQL  string
	Args []any
	// Cacheable opts the result into the pool's query-result cache.
	Cacheable bool
	// CacheTTL overrides the pool-wide query cache TTL when positive.
	CacheTTL time.Duration
}

// Result carries the rows of a completed operation.
type Result struct {
	Rows      []Row
	FromCache bool
	Attempts  int
}

// BatchResult pairs one batch operation with its independent outcome.
type BatchResult struct {
	Index  int
	Result *Result
	Err    error
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Active    int `json:"active"`
	Available int `json:"available"`
	Waiting   int `json:"waiting"`
	MaxSize   int `json:"max_size"`
}

type waiter struct {
	ready chan *Conn
}

// Pool manages a bounded set of backing-store connections with FIFO waiter
// handoff, health probing, retries and a query-result cache.
type Pool struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Recorder

	breaker *Breaker
	qcache  *queryCache

	mu        sync.Mutex
	conns     map[string]*Conn
	available []*Conn
	waiters   *list.List
	pending   int
	closed    bool

	stopHealth chan struct{}
	healthDone chan struct{}
}

// NewPool warms up the pool toward MinSize and starts the health routine.
// Warm-up failures are logged, not fatal: connections are then created lazily
// on demand.
func NewPool(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Dialer == nil {
		return nil, &ConfigurationError{Reason: "dialer required"}
	}
	if opts.MaxSize <= 0 {
		return nil, &ConfigurationError{Reason: "maxSize must be positive"}
	}
	if opts.MinSize < 0 || opts.MinSize > opts.MaxSize {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("minSize %d out of range [0,%d]", opts.MinSize, opts.MaxSize)}
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		opts:       opts,
		logger:     logger.With(slog.String("component", "pool")),
		metrics:    opts.Metrics,
		breaker:    NewBreaker(opts.Breaker),
		conns:      make(map[string]*Conn),
		waiters:    list.New(),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	if !opts.QueryCacheDisabled {
		p.qcache = newQueryCache(opts.QueryCacheTTL)
	}

	for i := 0; i < opts.MinSize; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn("warm-up connection failed, continuing with lazy creation",
				slog.Int("created", i), slog.Any("error", err))
			break
		}
		p.mu.Lock()
		p.conns[conn.id] = conn
		p.available = append(p.available, conn)
		p.mu.Unlock()
	}
	p.publishState()

	if opts.HealthInterval > 0 {
		go p.healthLoop()
	} else {
		close(p.healthDone)
	}
	return p, nil
}

// Acquire returns an available connection, creates one while under MaxSize,
// or queues the caller FIFO until a connection is released. Waiting beyond
// AcquireTimeout fails with an AcquireTimeoutError.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if conn := p.popAvailableLocked(); conn != nil {
		conn.active = true
		p.publishStateLocked()
		p.mu.Unlock()
		p.metrics.ObserveAcquire(time.Since(start))
		return conn, nil
	}
	if len(p.conns)+p.pending < p.opts.MaxSize {
		p.pending++
		p.mu.Unlock()

		conn, err := p.dial(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			conn.close(context.Background())
			return nil, ErrPoolClosed
		}
		conn.active = true
		p.conns[conn.id] = conn
		p.publishStateLocked()
		p.mu.Unlock()
		p.metrics.ObserveAcquire(time.Since(start))
		return conn, nil
	}

	w := &waiter{ready: make(chan *Conn, 1)}
	elem := p.waiters.PushBack(w)
	p.publishStateLocked()
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn, ok := <-w.ready:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.ObserveAcquire(time.Since(start))
		return conn, nil
	case <-timer.C:
		if conn := p.abandonWait(elem, w); conn != nil {
			p.Release(conn)
		}
		return nil, &AcquireTimeoutError{Waited: time.Since(start)}
	case <-ctx.Done():
		if conn := p.abandonWait(elem, w); conn != nil {
			p.Release(conn)
		}
		return nil, fmt.Errorf("store: acquire: %w", ctx.Err())
	}
}

// abandonWait removes the waiter from the queue, returning a connection when
// a release handed one over concurrently with the timeout.
func (p *Pool) abandonWait(elem *list.Element, w *waiter) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case conn, ok := <-w.ready:
		if !ok {
			return nil
		}
		return conn
	default:
		p.waiters.Remove(elem)
		p.publishStateLocked()
		return nil
	}
}

// Release hands the connection to the longest-waiting queued caller when one
// exists, skipping the available set to minimize acquisition latency;
// otherwise it returns the connection to the available set. Unhealthy
// connections are destroyed instead; when callers are queued a replacement is
// dialed for the front waiter so the freed capacity reaches it.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	conn.active = false
	if p.closed || conn.Health() == Unhealthy {
		delete(p.conns, conn.id)
		replace := !p.closed && p.waiters.Len() > 0 && len(p.conns)+p.pending < p.opts.MaxSize
		if replace {
			p.pending++
		}
		p.publishStateLocked()
		p.mu.Unlock()
		conn.close(context.Background())
		if replace {
			go p.replaceForWaiter()
		}
		return
	}
	if !p.handToWaiterLocked(conn) {
		p.available = append(p.available, conn)
	}
	p.publishStateLocked()
	p.mu.Unlock()
}

// handToWaiterLocked dequeues the longest-waiting caller and hands it the
// connection. The ready channel is buffered so the send cannot block; keeping
// it inside the locked region means a timed-out waiter draining its channel
// under the same lock always observes the handoff.
func (p *Pool) handToWaiterLocked(conn *Conn) bool {
	elem := p.waiters.Front()
	if elem == nil {
		return false
	}
	p.waiters.Remove(elem)
	conn.active = true
	elem.Value.(*waiter).ready <- conn
	return true
}

// replaceForWaiter dials a substitute for a connection destroyed on release
// while callers were queued.
func (p *Pool) replaceForWaiter() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
	conn, err := p.dial(ctx)
	cancel()

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.publishStateLocked()
		p.mu.Unlock()
		p.logger.Warn("replacement connection failed", slog.Any("error", err))
		return
	}
	if p.closed {
		p.mu.Unlock()
		conn.close(context.Background())
		return
	}
	p.conns[conn.id] = conn
	if !p.handToWaiterLocked(conn) {
		p.available = append(p.available, conn)
	}
	p.publishStateLocked()
	p.mu.Unlock()
}

// ExecuteQuery runs one operation with the pool's full policy: query-result
// cache, per-attempt timeout racing a timer, retries with exponential backoff
// and circuit breaking. A failed attempt marks its connection degraded before
// release.
func (p *Pool) ExecuteQuery(ctx context.Context, op Operation) (*Result, error) {
	var key uint64
	if op.Cacheable && p.qcache != nil {
		key = fingerprint(op.SQL, op.Args)
		if rows, ok := p.qcache.get(key); ok {
			return &Result{Rows: rows, FromCache: true}, nil
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.opts.RetryDelay

	attempts := 0
	rows, err := backoff.Retry(ctx, func() ([]Row, error) {
		attempts++
		if attempts > 1 {
			p.metrics.ObserveQueryRetry()
		}
		return p.attempt(ctx, op)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(p.opts.MaxRetries+1)))
	if err != nil {
		p.metrics.ObserveQueryFailure()
		return nil, &QueryError{Op: summarize(op.SQL), Attempts: attempts, Err: err}
	}

	if op.Cacheable && p.qcache != nil {
		p.qcache.put(key, rows, op.CacheTTL)
	}
	return &Result{Rows: rows, Attempts: attempts}, nil
}

// attempt performs a single query attempt on one connection. The query races
// a timer: on timeout the attempt fails but the underlying call continues in
// the background and releases the connection itself once it finishes.
func (p *Pool) attempt(ctx context.Context, op Operation) ([]Row, error) {
	if !p.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	conn, err := p.Acquire(ctx)
	if err != nil {
		var timeout *AcquireTimeoutError
		if errors.As(err, &timeout) || errors.Is(err, ErrPoolClosed) {
			// Pool exhaustion is the caller's retry decision, not ours.
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	type outcome struct {
		rows []Row
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		rows, queryErr := conn.handle.Query(context.WithoutCancel(ctx), op.SQL, op.Args...)
		if queryErr != nil {
			conn.markDegraded()
			p.breaker.RecordFailure()
		} else {
			conn.recordUse()
			p.breaker.RecordSuccess()
		}
		p.Release(conn)
		done <- outcome{rows: rows, err: queryErr}
	}()

	timer := time.NewTimer(p.opts.QueryTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.rows, out.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrQueryTimeout, p.opts.QueryTimeout)
	case <-ctx.Done():
		return nil, backoff.Permanent(fmt.Errorf("store: query: %w", ctx.Err()))
	}
}

// ExecuteBatch fans out operations with bounded concurrency, collecting each
// outcome independently. A failure in one operation never aborts the others.
func (p *Pool) ExecuteBatch(ctx context.Context, ops []Operation, maxConcurrency int) []BatchResult {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	sem := make(chan struct{}, maxConcurrency)
	results := make([]BatchResult, len(ops))

	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op Operation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res, err := p.ExecuteQuery(ctx, op)
			results[i] = BatchResult{Index: i, Result: res, Err: err}
		}(i, op)
	}
	wg.Wait()
	return results
}

// Stats snapshots the current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    len(p.conns) + p.pending - len(p.available),
		Available: len(p.available),
		Waiting:   p.waiters.Len(),
		MaxSize:   p.opts.MaxSize,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (p *Pool) Breaker() *Breaker { return p.breaker }

// Close destroys every connection and fails all queued waiters.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		close(elem.Value.(*waiter).ready)
	}
	p.waiters.Init()
	conns := make([]*Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*Conn)
	p.available = nil
	p.mu.Unlock()

	close(p.stopHealth)
	<-p.healthDone

	for _, conn := range conns {
		conn.close(ctx)
	}
	p.publishState()
	return nil
}

// healthLoop periodically probes idle connections, destroys unhealthy or
// idle-expired ones and replenishes the pool toward MinSize.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.runHealthPass()
		}
	}
}

func (p *Pool) runHealthPass() {
	p.qcache.purgeExpired()

	// Claim the whole idle set up front: a handle being probed must never be
	// acquirable, the handles are not safe for concurrent use.
	p.mu.Lock()
	claimed := p.available
	p.available = nil
	p.publishStateLocked()
	p.mu.Unlock()

	now := time.Now()
	survivors := claimed[:0]
	for _, conn := range claimed {
		if now.Sub(conn.idleSince()) > p.opts.IdleTimeout {
			p.destroyClaimed(conn, "idle timeout")
			continue
		}
		probeCtx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
		err := conn.handle.Ping(probeCtx)
		cancel()
		if err != nil {
			p.destroyClaimed(conn, "health probe failed")
			continue
		}
		survivors = append(survivors, conn)
	}
	p.requeue(survivors)

	// Replenish toward the minimum, queued waiters served first.
	for {
		p.mu.Lock()
		if p.closed || len(p.conns)+p.pending >= p.opts.MinSize {
			p.mu.Unlock()
			break
		}
		p.pending++
		p.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
		conn, err := p.dial(dialCtx)
		cancel()

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("replenish failed", slog.Any("error", err))
			break
		}
		if p.closed {
			p.mu.Unlock()
			conn.close(context.Background())
			break
		}
		p.conns[conn.id] = conn
		if !p.handToWaiterLocked(conn) {
			p.available = append(p.available, conn)
		}
		p.mu.Unlock()
	}
	p.publishState()
}

// requeue returns claimed connections to service, queued waiters before the
// available set. Connections claimed across a concurrent Close are closed
// instead of resurrected.
func (p *Pool) requeue(conns []*Conn) {
	var orphaned []*Conn
	p.mu.Lock()
	for _, conn := range conns {
		if p.closed {
			orphaned = append(orphaned, conn)
			continue
		}
		if !p.handToWaiterLocked(conn) {
			p.available = append(p.available, conn)
		}
	}
	p.publishStateLocked()
	p.mu.Unlock()
	for _, conn := range orphaned {
		conn.close(context.Background())
	}
}

// destroyClaimed removes a claimed connection from the pool and closes it.
func (p *Pool) destroyClaimed(conn *Conn, reason string) {
	conn.markUnhealthy()
	p.mu.Lock()
	delete(p.conns, conn.id)
	p.publishStateLocked()
	p.mu.Unlock()
	p.logger.Debug("connection destroyed", slog.String("conn_id", conn.id), slog.String("reason", reason))
	conn.close(context.Background())
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
	}
	handle, err := p.opts.Dialer.Dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("store: dial: %w", err)
	}
	return newConn(handle), nil
}

func (p *Pool) popAvailableLocked() *Conn {
	for len(p.available) > 0 {
		conn := p.available[len(p.available)-1]
		p.available = p.available[:len(p.available)-1]
		if conn.Health() == Unhealthy {
			delete(p.conns, conn.id)
			go conn.close(context.Background())
			continue
		}
		return conn
	}
	return nil
}

func (p *Pool) publishState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishStateLocked()
}

func (p *Pool) publishStateLocked() {
	p.metrics.SetPoolState(len(p.conns)+p.pending-len(p.available), len(p.available), p.waiters.Len())
}

// summarize trims an operation down to its leading keywords for error text.
func summarize(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}
