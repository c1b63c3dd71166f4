package redis

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// connState is a Connection's liveness classification. ready is strictly
// the post-handshake state; per spec.md §9's redesign note, this
// implementation does not carry over the teacher runtime's idiosyncratic
// "open but not yet parked" distinction.
type connState byte

const (
	stateOpening connState = iota
	stateReady
	stateClosing
	stateClosed
	stateBroken
)

// RetryPolicy governs Connection.ensureLiveLocked's reconnection behavior.
type RetryPolicy struct {
	Enabled     bool
	MaxAttempts int
	// Backoff maps an attempt number (starting at 1) to a sleep duration.
	Backoff func(attempt int) time.Duration
}

// DefaultBackoff doubles from 10ms, capped at 500ms, the same ceiling the
// teacher's connect-retry loop uses.
func DefaultBackoff(attempt int) time.Duration {
	d := 10 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 500*time.Millisecond {
			return 500 * time.Millisecond
		}
	}
	return d
}

// ConnParams are the immutable parameters a Connection is constructed
// with. Per spec.md §3 invariant 3, a server-side SELECT never updates
// these; only a Connection reconnect re-applies them.
type ConnParams struct {
	Host     string
	Port     string
	Database int64
	Username string
	Password string

	TLSConfig *tls.Config

	Retry RetryPolicy

	KeepAliveEnable bool
	KeepAliveDelay  time.Duration

	DialTimeout    time.Duration
	CommandTimeout time.Duration

	Logger zerolog.Logger
}

func (p ConnParams) addr() string {
	host, port := p.Host, p.Port
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(host, port)
}

// Connection owns one socket to a Redis node. Per spec.md §3 invariant 2, a
// Connection is never read from by two goroutines simultaneously: mu
// serializes Exchange/exchangeBatch and the reconnection state machine,
// while Recv reads without holding it because the subscription loop owns
// the read side exclusively while subscribed.
type Connection struct {
	params ConnParams

	mu    sync.Mutex
	conn  net.Conn
	r     *bufio.Reader
	state connState

	subscribedChannels map[string]struct{}
	subscribedPatterns map[string]struct{}
	subscribedShards   map[string]struct{}
	isSubscribed       bool

	readOnlySent bool

	log zerolog.Logger
}

// ensureReadOnly issues READONLY on the connection once, the first time a
// replica read is routed to it (spec.md §4.3 rule 3).
func (c *Connection) ensureReadOnly() error {
	c.mu.Lock()
	if c.readOnlySent {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	req := newRequest("READONLY")
	defer req.free()
	if _, err := c.Exchange(req); err != nil {
		return err
	}
	c.mu.Lock()
	c.readOnlySent = true
	c.mu.Unlock()
	return nil
}

// Open establishes a socket (TLS-wrapped if configured) and performs the
// handshake: PING, optional AUTH, optional SELECT, optional keepalive.
// A handshake failure propagates and leaves no Connection object, per
// spec.md §4.2.
func Open(params ConnParams) (*Connection, error) {
	if params.Retry.Backoff == nil {
		params.Retry.Backoff = DefaultBackoff
	}
	c := &Connection{
		params:             params,
		log:                params.Logger,
		subscribedChannels: map[string]struct{}{},
		subscribedPatterns: map[string]struct{}{},
		subscribedShards:   map[string]struct{}{},
	}
	if err := c.dialAndHandshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) dialAndHandshake() error {
	dialTimeout := c.params.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = time.Second
	}

	addr := c.params.addr()
	var conn net.Conn
	var err error
	if c.params.TLSConfig != nil {
		d := &net.Dialer{Timeout: dialTimeout}
		conn, err = tls.DialWithDialer(d, "tcp", addr, c.params.TLSConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
	}
	if err != nil {
		return fmt.Errorf("redis: dial %s: %w", addr, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		if c.params.KeepAliveEnable {
			tcp.SetKeepAlive(true)
			delay := c.params.KeepAliveDelay
			if delay == 0 {
				delay = 30 * time.Second
			}
			tcp.SetKeepAlivePeriod(delay)
		}
	}

	r := bufio.NewReader(conn)

	if err := c.handshake(conn, r); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.r = r
	c.state = stateReady
	c.mu.Unlock()

	c.log.Debug().Str("addr", addr).Msg("redis connection established")
	return nil
}

func (c *Connection) handshake(conn net.Conn, r *bufio.Reader) error {
	if d := c.params.CommandTimeout; d != 0 {
		conn.SetDeadline(time.Now().Add(d))
		defer conn.SetDeadline(time.Time{})
	}

	ping := newRequest("PING")
	defer ping.free()
	if err := writeAndDiscard(conn, r, ping); err != nil {
		return fmt.Errorf("redis: handshake PING: %w", err)
	}

	if c.params.Username != "" || c.params.Password != "" {
		var req *request
		if c.params.Username != "" {
			req = newRequest("AUTH", c.params.Username, c.params.Password)
		} else {
			req = newRequest("AUTH", c.params.Password)
		}
		err := writeAndDiscard(conn, r, req)
		req.free()
		if err != nil {
			return fmt.Errorf("redis: handshake AUTH: %w", err)
		}
	}

	if c.params.Database != 0 {
		sel := newRequest("SELECT", c.params.Database)
		err := writeAndDiscard(conn, r, sel)
		sel.free()
		if err != nil {
			return fmt.Errorf("redis: handshake SELECT: %w", err)
		}
	}

	return nil
}

func writeAndDiscard(conn net.Conn, r *bufio.Reader, req *request) error {
	if _, err := conn.Write(req.buf); err != nil {
		return err
	}
	reply, err := decodeReply(r)
	if err != nil {
		return err
	}
	if se, ok := asServerError(reply, err); ok {
		return se
	}
	return nil
}

func asServerError(_ Reply, err error) (ServerError, bool) {
	se, ok := err.(ServerError)
	return se, ok
}

// IsSubscribed reports whether at least one of the three subscription sets
// is non-empty, per spec.md §3 invariant 1.
func (c *Connection) IsSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSubscribed
}

// Close closes the socket idempotently and transitions to stateClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// reconnect replaces the socket and re-runs the handshake, restoring the
// Connection to ready on success.
func (c *Connection) reconnect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.r = nil
	c.state = stateOpening
	c.mu.Unlock()

	return c.dialAndHandshake()
}

// ensureLiveLocked must be called with c.mu held. If the connection is closed or
// broken and retries are disabled, it fails ErrConnectionClosed; otherwise
// it attempts up to Retry.MaxAttempts reconnections, sleeping Backoff(n)
// between them.
func (c *Connection) ensureLiveLocked() error {
	if c.state == stateReady {
		return nil
	}
	if !c.params.Retry.Enabled {
		return ErrConnectionClosed
	}

	maxAttempts := c.params.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.mu.Unlock()
		err := c.dialAndHandshake()
		c.mu.Lock()
		if err == nil {
			return nil
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("redis reconnect failed")
		if attempt < maxAttempts {
			delay := c.params.Retry.Backoff(attempt)
			c.mu.Unlock()
			time.Sleep(delay)
			c.mu.Lock()
		}
	}
	c.state = stateBroken
	return ErrConnectionClosed
}

// drainResidualLocked discards any bytes already buffered in the receive
// side, a defensive flush against a prior caller's canceled/short read
// leaving stray bytes behind.
func (c *Connection) drainResidualLocked() {
	if c.r == nil {
		return
	}
	for c.r.Buffered() > 0 {
		if _, err := c.r.Discard(c.r.Buffered()); err != nil {
			break
		}
	}
}

// Exchange sends req under the connection mutex and decodes exactly one
// reply. It fails ErrSubscribedConnection if the Connection is subscribed.
func (c *Connection) Exchange(req *request) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isSubscribed {
		return Reply{}, ErrSubscribedConnection
	}

	c.drainResidualLocked()
	if err := c.ensureLiveLocked(); err != nil {
		return Reply{}, err
	}

	if _, err := c.conn.Write(req.buf); err != nil {
		c.state = stateBroken
		return Reply{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	reply, err := decodeReply(c.r)
	if err != nil {
		if _, ok := err.(ServerError); !ok {
			c.state = stateBroken
			return Reply{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return Reply{}, err
	}
	return reply, nil
}

// exchangeBatch writes every request in reqs and then reads exactly that
// many replies, all under one hold of the connection mutex. This is what
// the Pipeline component uses to flush a node's batch (spec.md §4.5 step
// 2): holding the mutex across the whole send-then-read round trip, rather
// than per-request, is what keeps a concurrent Exchange on the same
// Connection from interleaving its own write/read between the batch's
// writes and reads and corrupting reply pairing (spec.md §5).
func (c *Connection) exchangeBatch(reqs []*request) ([]Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isSubscribed {
		return nil, ErrSubscribedConnection
	}
	c.drainResidualLocked()
	if err := c.ensureLiveLocked(); err != nil {
		return nil, err
	}

	for _, req := range reqs {
		if _, err := c.conn.Write(req.buf); err != nil {
			c.state = stateBroken
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
	}

	replies := make([]Reply, 0, len(reqs))
	for range reqs {
		reply, err := decodeReply(c.r)
		if err != nil {
			se, ok := err.(ServerError)
			if !ok {
				c.state = stateBroken
				return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			}
			// a server error still occupies a reply slot; it is not a
			// transport failure, so it is carried forward as a typed
			// reply rather than aborting the whole batch.
			replies = append(replies, Reply{Type: errorReply, Str: string(se)})
			continue
		}
		replies = append(replies, reply)
	}
	return replies, nil
}

// Recv decodes one reply without sending. It is used by the Subscription
// Engine, whose dedicated goroutine owns the read side for the duration of
// the subscription and therefore does not take the mutex for the read
// itself (spec.md §4.6).
func (c *Connection) Recv() (Reply, error) {
	c.mu.Lock()
	r := c.r
	c.mu.Unlock()
	if r == nil {
		return Reply{}, ErrConnectionClosed
	}
	return decodeReply(r)
}

// rawConn exposes the underlying net.Conn for writes issued by the
// Subscription Engine outside the mutex (SUBSCRIBE/UNSUBSCRIBE commands
// sent while the read side is owned by the subscription loop).
func (c *Connection) rawConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Connection) setSubscribed(v bool) {
	c.mu.Lock()
	c.isSubscribed = v
	c.mu.Unlock()
}

func (c *Connection) markBroken() {
	c.mu.Lock()
	c.state = stateBroken
	c.mu.Unlock()
}
