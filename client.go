package redis

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"
)

// Client is the user-facing entry point tying the Router, Pipeline, Lock
// Manager, and command helpers together over either a single standalone
// Connection or a full Cluster Handle. Per spec.md §9's redesign note, the
// command-wrapper layer here takes an explicit Client handle rather than
// reaching for global mutable state.
type Client struct {
	router Router
	// handle is non-nil only when router is backed by a cluster topology;
	// it is kept so Close can tear down every node Connection.
	handle *ClusterHandle
	// standalone is non-nil only when router is backed by a single
	// Connection.
	standalone *Connection

	log zerolog.Logger
}

// Option configures a Client/ConnParams at construction.
type Option func(*ConnParams)

// WithAuth sets AUTH credentials; AUTH is sent iff username or password is
// non-empty.
func WithAuth(username, password string) Option {
	return func(p *ConnParams) { p.Username = username; p.Password = password }
}

// WithDatabase selects a database index after handshake.
func WithDatabase(db int64) Option {
	return func(p *ConnParams) { p.Database = db }
}

// WithTLS enables a TLS wrap of the raw TCP socket before the RESP
// handshake.
func WithTLS(cfg *tls.Config) Option {
	return func(p *ConnParams) { p.TLSConfig = cfg }
}

// WithRetry enables ensure_live reconnection with the given bound and
// backoff function.
func WithRetry(maxAttempts int, backoff func(int) time.Duration) Option {
	return func(p *ConnParams) {
		p.Retry = RetryPolicy{Enabled: true, MaxAttempts: maxAttempts, Backoff: backoff}
	}
}

// WithKeepAlive enables OS-level TCP keepalive with the given initial
// delay.
func WithKeepAlive(delay time.Duration) Option {
	return func(p *ConnParams) { p.KeepAliveEnable = true; p.KeepAliveDelay = delay }
}

// WithTimeouts sets the dial timeout and the deadline applied to the
// connection handshake (PING, AUTH, SELECT). Commands issued after the
// handshake run without a deadline.
func WithTimeouts(dial, command time.Duration) Option {
	return func(p *ConnParams) { p.DialTimeout = dial; p.CommandTimeout = command }
}

// WithLogger attaches a structured logger; it defaults to zerolog.Nop().
func WithLogger(log zerolog.Logger) Option {
	return func(p *ConnParams) { p.Logger = log }
}

func buildParams(addr string, opts ...Option) ConnParams {
	host, port := splitAddr(addr)
	p := ConnParams{
		Host:   host,
		Port:   port,
		Logger: zerolog.Nop(),
		Retry:  RetryPolicy{Backoff: DefaultBackoff},
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func splitAddr(addr string) (host, port string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, ""
}

// NewClient discovers the remote topology at addr (spec.md §6 "Cluster
// discovery") and returns a Client backed by either a single standalone
// Connection or a full Cluster Handle, transparently.
func NewClient(addr string, opts ...Option) (*Client, error) {
	params := buildParams(addr, opts...)

	router, err := Attach(params)
	if err != nil {
		return nil, err
	}

	c := &Client{router: router, log: params.Logger}
	switch r := router.(type) {
	case *standaloneRouter:
		c.standalone = r.conn
	case *clusterRouter:
		c.handle = r.handle
	}
	return c, nil
}

// Close tears down every Connection the Client owns.
func (c *Client) Close() error {
	if c.handle != nil {
		return c.handle.Close()
	}
	if c.standalone != nil {
		return c.standalone.Close()
	}
	return nil
}

// route delegates to the underlying Router.
func (c *Client) route(keys []string, write, replica bool) (*Connection, error) {
	return c.router.route(keys, write, replica)
}

// Pipeline returns a new Pipeline bound to this Client's Router.
// filterMultiExec, when true, drops MULTI/QUEUED scaffolding replies from
// the merged result per spec.md §4.5.
func (c *Client) Pipeline(filterMultiExec bool) *Pipeline {
	return NewPipeline(c.router, filterMultiExec)
}

// Lock returns an advisory Lock handle bound to name.
func (c *Client) Lock(name string) *Lock {
	return NewLock(c.router, name)
}

// RefreshTopology forces a cluster topology rediscovery (spec.md §5); it is
// a no-op against a standalone deployment.
func (c *Client) RefreshTopology() error {
	if c.handle == nil {
		return nil
	}
	return c.handle.Refresh()
}

// ForEachPrimary invokes fn once per primary node Connection.
func (c *Client) ForEachPrimary(fn func(*Connection) error) error {
	return c.router.forEachPrimary(fn)
}

// ForEachNode invokes fn once per node Connection.
func (c *Client) ForEachNode(fn func(*Connection) error) error {
	return c.router.forEachNode(fn)
}

// SSubscribe resolves the Connection owning shardChannels via the Router
// (spec.md §9 open-question resolution: a shard subscription targets the
// node(s) owning the channel rather than fanning out to every node, the
// same rule a multi-key write already enforces) and subscribes on it.
// shardChannels must share a hash slot, exactly as a multi-key command's
// keys must.
func (c *Client) SSubscribe(shardChannels []string, handler Handler, stop StopPredicate, onError ErrorHandler) error {
	conn, err := c.route(shardChannels, true, false)
	if err != nil {
		return err
	}
	return SSubscribe(conn, shardChannels, handler, stop, onError, c.log)
}
