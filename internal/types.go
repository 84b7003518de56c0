package internal

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("outbox full")
	ErrDropped          = errors.New("connection dropped")
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the relay side of one client socket. Frames queued with Send are
// written by the connection's own writer loop; nothing else touches the socket.
type Connection struct {
	ID     string
	UserID string

	state atomic.Int32

	outbox chan []byte
	done   chan struct{}
	once   sync.Once
	err    error

	// most recently joined room, only touched by the connection's reader
	lastRoom string
}

func NewConnection(id string, outboxSize int) *Connection {
	if outboxSize <= 0 {
		outboxSize = 1
	}

	return &Connection{
		ID:     id,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Advance moves the connection forward in its lifecycle. Closed is terminal.
func (c *Connection) Advance(next ConnState) bool {
	for {
		cur := c.state.Load()
		if ConnState(cur) == StateClosed || ConnState(cur) >= next {
			return false
		}

		if c.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Send queues a frame without blocking. A full outbox closes the connection.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outbox <- frame:
		return nil
	default:
		c.Close(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

func (c *Connection) Outbox() <-chan []byte {
	return c.outbox
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed and records why. Only the first call wins.
func (c *Connection) Close(err error) bool {
	closed := false
	c.once.Do(func() {
		c.err = err
		c.state.Store(int32(StateClosed))
		close(c.done)
		closed = true
	})

	return closed
}

// Err is the close cause, nil while open or after a clean close.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
