package ldap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

var errPoolClosed = errors.New("connection pool is closed")

// PoolStats reports connection pool counters.
type PoolStats struct {
	Active       int64
	Idle         int
	TotalCreated int64
	TotalErrors  int64
	Servers      int
}

type pooledConn struct {
	conn     *ldap.Conn
	server   *ServerInfo
	lastUsed time.Time
}

type connectionPool struct {
	cfg     *Config
	servers []*ServerInfo
	idle    chan *pooledConn

	mu     sync.RWMutex
	closed bool

	active       atomic.Int64
	totalCreated atomic.Int64
	totalErrors  atomic.Int64

	// bind authenticates a freshly dialed connection.
	bind func(ctx context.Context, pc *pooledConn) error
}

func newConnectionPool(cfg *Config, servers []*ServerInfo) (*connectionPool, error) {
	if len(servers) == 0 {
		return nil, errors.New("no servers discovered")
	}
	p := &connectionPool{
		cfg:     cfg,
		servers: servers,
		idle:    make(chan *pooledConn, cfg.MaxConnections),
	}
	p.bind = p.authenticate
	return p, nil
}

// get returns an idle connection or dials a new one.
func (p *connectionPool) get(ctx context.Context) (*pooledConn, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errPoolClosed
	}

	for {
		select {
		case pc := <-p.idle:
			if pc.conn.IsClosing() || time.Since(pc.lastUsed) > p.cfg.MaxIdleTime {
				pc.conn.Close()
				continue
			}
			p.active.Add(1)
			return pc, nil
		default:
			return p.createConnection(ctx)
		}
	}
}

// put returns a healthy connection to the pool, closing it when the pool is
// full or closed.
func (p *connectionPool) put(pc *pooledConn) {
	p.active.Add(-1)
	pc.lastUsed = time.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || pc.conn.IsClosing() {
		pc.conn.Close()
		return
	}
	select {
	case p.idle <- pc:
	default:
		pc.conn.Close()
	}
}

// discard closes a connection whose state can no longer be trusted, such as
// one with an abandoned paged search.
func (p *connectionPool) discard(pc *pooledConn) {
	p.active.Add(-1)
	pc.conn.Close()
}

func (p *connectionPool) createConnection(ctx context.Context) (*pooledConn, error) {
	var lastErr error
	backoff := p.cfg.InitialBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		for _, server := range p.servers {
			pc, err := p.dial(ctx, server)
			if err == nil {
				p.totalCreated.Add(1)
				p.active.Add(1)
				LogPoolEvent(ctx, "connection_established", map[string]any{
					"server":  server.URL(),
					"attempt": attempt + 1,
				})
				return pc, nil
			}

			lastErr = err
			p.totalErrors.Add(1)
			LogPoolEvent(ctx, "connection_failed", map[string]any{
				"server": server.URL(),
				"error":  err.Error(),
			})
			if !IsRetryableError(err) {
				return nil, err
			}
		}

		if attempt < p.cfg.MaxRetries {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff = min(time.Duration(float64(backoff)*p.cfg.BackoffFactor), p.cfg.MaxBackoff)
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

func (p *connectionPool) dial(ctx context.Context, server *ServerInfo) (*pooledConn, error) {
	url := server.URL()

	tlsConfig := p.cfg.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = server.Host
	}

	conn, err := ldap.DialURL(url,
		ldap.DialWithDialer(&net.Dialer{Timeout: p.cfg.Timeout}),
		ldap.DialWithTLSConfig(tlsConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if !server.UseTLS && p.cfg.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS with %s: %w", url, err)
		}
	}
	conn.SetTimeout(p.cfg.Timeout)

	pc := &pooledConn{conn: conn, server: server, lastUsed: time.Now()}
	if err := p.bind(ctx, pc); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to authenticate connection to %s: %w", url, err)
	}
	return pc, nil
}

func (p *connectionPool) authenticate(ctx context.Context, pc *pooledConn) error {
	switch p.cfg.AuthMethod() {
	case AuthMethodKerberos:
		return kerberosBind(ctx, pc.conn, p.cfg, pc.server)
	case AuthMethodSimpleBind:
		if p.cfg.BindPassword == "" {
			return pc.conn.UnauthenticatedBind(p.cfg.BindDN)
		}
		return pc.conn.Bind(p.cfg.BindDN, p.cfg.BindPassword)
	default:
		return nil
	}
}

func (p *connectionPool) stats() PoolStats {
	return PoolStats{
		Active:       p.active.Load(),
		Idle:         len(p.idle),
		TotalCreated: p.totalCreated.Load(),
		TotalErrors:  p.totalErrors.Load(),
		Servers:      len(p.servers),
	}
}

func (p *connectionPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case pc := <-p.idle:
			pc.conn.Close()
		default:
			return
		}
	}
}
