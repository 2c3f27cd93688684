// Package session holds per-connection state: the connection id, the
// authenticated identity (if any), and the outbound push queue drained
// by the transport's write pump.
package session

import (
	"sync"
	"sync/atomic"

	"quickdraw/pkg/access"
	"quickdraw/pkg/identity"
	"quickdraw/pkg/wire"

	"github.com/google/uuid"
)

const defaultBuffer = 64

type Conn struct {
	id      string
	mu      sync.Mutex
	ident   *identity.Identity
	out     chan wire.Push
	closed  bool
	dropped atomic.Int64
}

func New(buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Conn{
		id:  uuid.NewString(),
		out: make(chan wire.Push, buffer),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Identity() *identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

// SetIdentity binds the resolved identity. Called once at authentication
// time; services read grants through Grants afterwards.
func (c *Conn) SetIdentity(id *identity.Identity) {
	c.mu.Lock()
	c.ident = id
	c.mu.Unlock()
}

// Grants returns the connection's service-grant view. Anonymous
// connections see an empty map.
func (c *Conn) Grants() access.Grants {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ident == nil {
		return access.Grants{}
	}
	return c.ident.Grants
}

// Send queues a push without blocking. A full queue drops the frame;
// delivery is fire-and-forget by contract. Returns false if the frame
// was dropped or the connection is closed.
func (c *Conn) Send(p wire.Push) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.out <- p:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.dropped.Add(1)
		return false
	}
}

// C is the queue drained by the transport write pump. It is closed by
// Close; the pump must stop on channel close.
func (c *Conn) C() <-chan wire.Push { return c.out }

// Dropped reports frames discarded because the queue was full.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Close makes the connection refuse further pushes and closes the
// queue. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
