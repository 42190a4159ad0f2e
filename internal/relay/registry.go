// Package relay routes chat exchanges between HTTP clients and the completion
// provider. The registry half tracks live event-stream connections; the relay
// half runs the reserve → stream → commit state machine for each send.
package relay

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
	"github.com/copychief/relay/internal/domain/event"
	"github.com/copychief/relay/internal/metrics"
)

// connEventBuffer bounds the per-connection event queue. A client that falls
// this far behind is treated as dead rather than allowed to stall the relay.
const connEventBuffer = 32

type connKey struct {
	accountID string
	agentID   string
}

// Conn is one registered event-stream connection. Events are delivered through
// a buffered channel that the transport drains onto the wire; the channel is
// closed exactly once, when the connection is closed or replaced.
type Conn struct {
	accountID string
	agentID   string

	mu     sync.Mutex
	events chan event.Event
	closed bool
}

func newConn(accountID, agentID string) *Conn {
	return &Conn{
		accountID: accountID,
		agentID:   agentID,
		events:    make(chan event.Event, connEventBuffer),
	}
}

// AccountID returns the owning account.
func (c *Conn) AccountID() string { return c.accountID }

// AgentID returns the agent this stream is scoped to.
func (c *Conn) AgentID() string { return c.agentID }

// Events is the delivery channel. It is closed when the connection closes.
func (c *Conn) Events() <-chan event.Event { return c.events }

// Send enqueues an event for delivery. A closed connection or a full buffer
// both report ErrConnectionClosed; an overflowing buffer also closes the
// connection, since a client that stopped reading will never catch up.
func (c *Conn) Send(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrConnectionClosed
	}

	select {
	case c.events <- ev:
		return nil
	default:
		c.closeLocked()
		return fmt.Errorf("event buffer full: %w", domain.ErrConnectionClosed)
	}
}

// closeWith enqueues a terminal event if there is room, then closes the
// delivery channel. Safe to call more than once.
func (c *Conn) closeWith(terminal event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if terminal != nil {
		select {
		case c.events <- terminal:
		default:
		}
	}
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	c.closed = true
	close(c.events)
}

// Registry is the process-local table of live connections, keyed by
// (account, agent). One connection per key: registering over an existing entry
// closes the old stream first, so a client opening a second tab deterministically
// takes over rather than racing the first.
type Registry struct {
	mu    sync.Mutex
	conns map[connKey]*Conn

	pingInterval time.Duration
	logger       *zap.Logger
}

// NewRegistry creates a registry. pingInterval <= 0 disables keep-alives.
func NewRegistry(pingInterval time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		conns:        make(map[connKey]*Conn),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Register adds a connection for (accountID, agentID), replacing and closing
// any existing one. The connection_established handshake is already queued on
// the returned connection.
func (r *Registry) Register(accountID, agentID string) *Conn {
	key := connKey{accountID, agentID}
	conn := newConn(accountID, agentID)

	r.mu.Lock()
	old, replaced := r.conns[key]
	r.conns[key] = conn
	r.mu.Unlock()

	if replaced {
		old.closeWith(event.StreamError{Message: "connection replaced by a newer stream"})
		r.logger.Info("stream connection replaced",
			zap.String("account_id", accountID),
			zap.String("agent_id", agentID),
		)
	} else {
		metrics.ActiveConnections.Inc()
	}

	_ = conn.Send(event.ConnectionEstablished{
		AccountID: accountID,
		AgentID:   agentID,
		Timestamp: time.Now().UnixMilli(),
	})

	if r.pingInterval > 0 {
		go r.keepAlive(conn)
	}
	return conn
}

// Unregister removes a connection and closes it. A stale handle that has
// already been replaced only closes itself; the newer registration stays.
func (r *Registry) Unregister(conn *Conn) {
	key := connKey{conn.accountID, conn.agentID}

	r.mu.Lock()
	if r.conns[key] == conn {
		delete(r.conns, key)
		r.mu.Unlock()
		metrics.ActiveConnections.Dec()
	} else {
		r.mu.Unlock()
	}

	conn.closeWith(nil)
}

// Lookup returns the live connection for (accountID, agentID), if any.
func (r *Registry) Lookup(accountID, agentID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connKey{accountID, agentID}]
	return conn, ok
}

// CloseAll closes every registered connection; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[connKey]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.closeWith(nil)
		metrics.ActiveConnections.Dec()
	}
}

// keepAlive pushes pings until the connection closes. Send reports the close,
// so no extra signal channel is needed.
func (r *Registry) keepAlive(conn *Conn) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.Send(event.Ping{Timestamp: time.Now().UnixMilli()}); err != nil {
			return
		}
	}
}
