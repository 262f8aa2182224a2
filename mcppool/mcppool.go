// Package mcppool maintains one persistent MCP client session per connected
// capability server and routes tool invocations to them.
package mcppool

import (
	"context"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcppool")

var (
	// ErrUnknownServer is returned when a server name is not registered.
	ErrUnknownServer = errors.New("unknown server")
	// ErrServerUnavailable is returned when a server session is not
	// connected or was dropped mid-call.
	ErrServerUnavailable = errors.New("server unavailable")
	// ErrInvokeTimeout is returned when a tool invocation exceeds the
	// per-call deadline.
	ErrInvokeTimeout = errors.New("tool invocation timed out")
	// ErrToolInvocation is returned when the remote tool reports a failure.
	ErrToolInvocation = errors.New("tool invocation failed")
)

// State is the lifecycle state of a server connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// ToolDescriptor is a tool advertised by a server. The input schema is the
// raw JSON Schema reported by the server, passed through untouched.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Session is an established MCP client session.
type Session interface {
	// ListTools returns the tools advertised by the server.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// CallTool invokes a tool. isError reports a remote tool failure,
	// err a transport failure.
	CallTool(ctx context.Context, name string, args map[string]any) (content string, isError bool, err error)
	Close() error
}

// Dialer establishes a Session for a server descriptor. Injectable so tests
// run against fakes.
type Dialer func(ctx context.Context, name string, cfg *config.ServerConfig) (Session, error)

// ServerDescriptor is a snapshot of a server connection for presentation.
type ServerDescriptor struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

type serverConn struct {
	cfg     *config.ServerConfig
	state   State
	session Session
	err     error
}

// Pool is the server connection pool.
type Pool struct {
	mu             sync.RWMutex
	dial           Dialer
	servers        map[string]*serverConn
	connectRetries uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialer overrides the session dialer.
func WithDialer(dial Dialer) Option {
	return func(p *Pool) {
		p.dial = dial
	}
}

// WithConnectRetries sets the number of retries per server on connect.
func WithConnectRetries(n uint64) Option {
	return func(p *Pool) {
		p.connectRetries = n
	}
}

// New creates a Pool over the configured server descriptors.
func New(servers map[string]*config.ServerConfig, opts ...Option) *Pool {
	p := &Pool{
		dial:           Dial,
		servers:        make(map[string]*serverConn, len(servers)),
		connectRetries: 2,
	}
	for name, cfg := range servers {
		p.servers[name] = &serverConn{cfg: cfg}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers a server descriptor. An existing connection under the same
// name is closed first.
func (p *Pool) Add(name string, cfg *config.ServerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.servers[name]; ok && prev.session != nil {
		_ = prev.session.Close()
	}
	p.servers[name] = &serverConn{cfg: cfg}
}

// Names returns all registered server names in stable sorted order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connected returns the connected server names in stable sorted order.
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.servers))
	for name, conn := range p.servers {
		if conn.state == StateConnected {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Descriptors returns a snapshot of all server connections, sorted by name.
func (p *Pool) Descriptors() []ServerDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := make([]ServerDescriptor, 0, len(p.servers))
	for name, conn := range p.servers {
		d := ServerDescriptor{
			Name:      name,
			Transport: conn.cfg.Kind(),
			State:     conn.state.String(),
		}
		if conn.err != nil {
			d.Error = conn.err.Error()
		}
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Connect establishes sessions for the named servers, or all registered
// servers when no names are given. Each server is retried with exponential
// backoff. A failure leaves that server in the Failed state and does not
// abort the rest; the failed map carries the per-server errors.
func (p *Pool) Connect(ctx context.Context, names ...string) (connected []string, failed map[string]error) {
	if len(names) == 0 {
		names = p.Names()
	}
	failed = make(map[string]error)

	for _, name := range names {
		p.mu.Lock()
		conn, ok := p.servers[name]
		if !ok {
			p.mu.Unlock()
			failed[name] = errors.WithMessagef(ErrUnknownServer, "%s", name)
			continue
		}
		if conn.state == StateConnected {
			p.mu.Unlock()
			connected = append(connected, name)
			continue
		}
		conn.state = StateConnecting
		cfg := conn.cfg
		p.mu.Unlock()

		session, err := p.dialWithRetry(ctx, name, cfg)

		p.mu.Lock()
		if err != nil {
			conn.state = StateFailed
			conn.err = err
			p.mu.Unlock()
			logger.ContextKV(ctx, xlog.WARNING,
				"reason", "connect_failed",
				"server", name,
				"err", err.Error())
			failed[name] = err
			continue
		}
		conn.state = StateConnected
		conn.session = session
		conn.err = nil
		p.mu.Unlock()

		logger.ContextKV(ctx, xlog.INFO, "status", "connected", "server", name, "transport", cfg.Kind())
		connected = append(connected, name)
	}
	return connected, failed
}

func (p *Pool) dialWithRetry(ctx context.Context, name string, cfg *config.ServerConfig) (Session, error) {
	var session Session
	op := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		s, err := p.dial(dialCtx, name, cfg)
		if err != nil {
			return err
		}
		session = s
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.connectRetries), ctx))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to connect to server %q", name)
	}
	return session, nil
}

// ListTools returns the tools advertised by each connected server.
func (p *Pool) ListTools(ctx context.Context) (map[string][]ToolDescriptor, error) {
	result := make(map[string][]ToolDescriptor)
	for _, name := range p.Connected() {
		tools, err := p.ListServerTools(ctx, name)
		if err != nil {
			return nil, err
		}
		result[name] = tools
	}
	return result, nil
}

// ListServerTools returns the tools advertised by one connected server.
func (p *Pool) ListServerTools(ctx context.Context, name string) ([]ToolDescriptor, error) {
	session, _, err := p.sessionFor(name)
	if err != nil {
		return nil, err
	}
	tools, err := session.ListTools(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to list tools for server %q", name)
	}
	return tools, nil
}

// Invoke calls a tool on a connected server, bounded by the server's
// per-call invoke timeout. A remote tool failure maps to ErrToolInvocation,
// an exceeded deadline to ErrInvokeTimeout, and a transport failure drops
// the session and maps to ErrServerUnavailable.
func (p *Pool) Invoke(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	session, cfg, err := p.sessionFor(server)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.InvokeTimeout)
	defer cancel()

	content, isError, err := session.CallTool(callCtx, tool, args)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return "", errors.WithMessagef(ErrInvokeTimeout, "server %q, tool %q", server, tool)
		}
		if ctx.Err() != nil {
			return "", err
		}
		p.dropSession(server, err)
		return "", errors.WithMessagef(ErrServerUnavailable, "server %q: %s", server, err.Error())
	}
	if isError {
		return "", errors.WithMessagef(ErrToolInvocation, "server %q, tool %q: %s", server, tool, content)
	}
	return content, nil
}

func (p *Pool) sessionFor(name string) (Session, *config.ServerConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.servers[name]
	if !ok {
		return nil, nil, errors.WithMessagef(ErrUnknownServer, "%s", name)
	}
	if conn.state != StateConnected || conn.session == nil {
		return nil, nil, errors.WithMessagef(ErrServerUnavailable, "server %q is %s", name, conn.state)
	}
	return conn.session, conn.cfg, nil
}

func (p *Pool) dropSession(name string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.servers[name]
	if !ok || conn.session == nil {
		return
	}
	_ = conn.session.Close()
	conn.session = nil
	conn.state = StateFailed
	conn.err = cause
	logger.KV(xlog.WARNING, "reason", "session_dropped", "server", name, "err", cause.Error())
}

// DisconnectAll closes all sessions. Idempotent.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, conn := range p.servers {
		if conn.session != nil {
			if err := conn.session.Close(); err != nil {
				logger.KV(xlog.WARNING, "reason", "close_failed", "server", name, "err", err.Error())
			}
			conn.session = nil
		}
		conn.state = StateDisconnected
		conn.err = nil
	}
}
