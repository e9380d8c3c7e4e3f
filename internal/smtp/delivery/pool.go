package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// pooledConn wraps an established, HELO'd (and possibly STARTTLS'd) SMTP
// session so it can be reused across multiple deliveries to the same host
// instead of dialing fresh for every message.
type pooledConn struct {
	client       *smtp.Client
	conn         net.Conn
	hostname     string
	messagesSent int
	lastUsed     time.Time
}

func (pc *pooledConn) close() {
	if pc.client != nil {
		pc.client.Close()
	}
}

// hostPool tracks idle sessions and the count of sessions currently
// outstanding (idle + in use) for one MX host.
type hostPool struct {
	idle   []*pooledConn
	active int
}

func (e *Engine) getPool(hostname string) *hostPool {
	e.poolsMu.Lock()
	defer e.poolsMu.Unlock()
	p, ok := e.pools[hostname]
	if !ok {
		p = &hostPool{}
		e.pools[hostname] = p
	}
	return p
}

// acquireConn returns an idle, still-fresh pooled session for hostname if
// one is available, otherwise dials a new one. The per-host pool bounds how
// many idle sessions are kept around, not how many concurrent deliveries are
// in flight: under load a worker dials past the cap rather than blocking,
// since stalling outbound delivery is worse than a few extra connections.
func (e *Engine) acquireConn(ctx context.Context, addr, hostname string) (*pooledConn, error) {
	pool := e.getPool(hostname)

	e.poolsMu.Lock()
	for len(pool.idle) > 0 {
		pc := pool.idle[len(pool.idle)-1]
		pool.idle = pool.idle[:len(pool.idle)-1]

		if e.config.PoolIdleTimeout > 0 && time.Since(pc.lastUsed) > e.config.PoolIdleTimeout {
			pool.active--
			e.poolsMu.Unlock()
			pc.close()
			e.poolsMu.Lock()
			continue
		}

		e.poolsMu.Unlock()
		return pc, nil
	}
	pool.active++
	e.poolsMu.Unlock()

	conn, client, err := e.dial(ctx, addr, hostname)
	if err != nil {
		e.poolsMu.Lock()
		pool.active--
		e.poolsMu.Unlock()
		return nil, err
	}

	return &pooledConn{client: client, conn: conn, hostname: hostname, lastUsed: time.Now()}, nil
}

// releaseConn returns a successfully-used session to the idle pool, unless
// it has carried its maximum number of messages or the pool is already at
// capacity, in which case the session is closed.
func (e *Engine) releaseConn(hostname string, pc *pooledConn) {
	pc.lastUsed = time.Now()
	pool := e.getPool(hostname)

	maxMessages := e.config.PoolMaxMessages
	limit := e.config.PoolMaxPerHost
	if limit <= 0 {
		limit = 4
	}

	e.poolsMu.Lock()
	if (maxMessages > 0 && pc.messagesSent >= maxMessages) || len(pool.idle) >= limit {
		pool.active--
		e.poolsMu.Unlock()
		pc.close()
		return
	}
	pool.idle = append(pool.idle, pc)
	e.poolsMu.Unlock()
}

// discardConn closes a session that failed mid-delivery instead of
// returning it to the pool.
func (e *Engine) discardConn(pc *pooledConn) {
	pool := e.getPool(pc.hostname)
	e.poolsMu.Lock()
	pool.active--
	e.poolsMu.Unlock()
	pc.close()
}

// dial opens a fresh SMTP session: TCP connect, EHLO/HELO, and opportunistic
// (or required) STARTTLS.
func (e *Engine) dial(ctx context.Context, addr, hostname string) (net.Conn, *smtp.Client, error) {
	dialer := &net.Dialer{Timeout: e.config.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, "25"))
	if err != nil {
		return nil, nil, err
	}
	conn.SetDeadline(time.Now().Add(e.config.CommandTimeout))

	client, err := smtp.NewClient(conn, hostname)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("SMTP client creation failed: %w", err)
	}

	if err := client.Hello(e.config.Hostname); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("HELO failed: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         hostname,
			InsecureSkipVerify: !e.config.VerifyTLS,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			if e.config.RequireTLS {
				client.Close()
				return nil, nil, fmt.Errorf("STARTTLS required but failed: %w", err)
			}
			e.logger.Debug("STARTTLS failed, continuing without TLS", "host", hostname, "error", err.Error())
		}
	} else if e.config.RequireTLS {
		client.Close()
		return nil, nil, fmt.Errorf("STARTTLS required but not supported by server")
	}

	return conn, client, nil
}

// poolReaper periodically closes idle sessions that have outlived
// PoolIdleTimeout, so a quiet MX host doesn't hold connections open forever.
func (e *Engine) poolReaper() {
	defer e.wg.Done()

	interval := e.config.PoolIdleTimeout
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.reapIdlePools()
		}
	}
}

func (e *Engine) reapIdlePools() {
	e.poolsMu.Lock()
	hosts := make([]string, 0, len(e.pools))
	for h := range e.pools {
		hosts = append(hosts, h)
	}
	e.poolsMu.Unlock()

	for _, host := range hosts {
		pool := e.getPool(host)
		e.poolsMu.Lock()
		var stale []*pooledConn
		kept := pool.idle[:0]
		for _, pc := range pool.idle {
			if e.config.PoolIdleTimeout > 0 && time.Since(pc.lastUsed) > e.config.PoolIdleTimeout {
				stale = append(stale, pc)
				pool.active--
			} else {
				kept = append(kept, pc)
			}
		}
		pool.idle = kept
		e.poolsMu.Unlock()

		for _, pc := range stale {
			pc.close()
		}
	}
}

// closeAllPools closes every idle pooled session across all hosts, called
// during Stop.
func (e *Engine) closeAllPools() {
	e.poolsMu.Lock()
	defer e.poolsMu.Unlock()
	for _, pool := range e.pools {
		for _, pc := range pool.idle {
			pc.close()
		}
		pool.idle = nil
		pool.active = 0
	}
}
