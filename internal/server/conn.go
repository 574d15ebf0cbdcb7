// Package server wraps peer sockets in framed connections whose reads never
// block the caller for longer than a short poll window.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/framechat/internal/chat"
	"github.com/Tyrowin/framechat/internal/wire"
)

// readWindow bounds how long a single ReadFrame waits for bytes. A deadline
// already in the past makes the runtime fail the read without trying it, so
// polling needs a small positive window.
const readWindow = time.Millisecond

// Conn is one peer's socket with frame-level reads and writes.
//
// Reads are non-blocking: ReadFrame returns ErrWouldBlock when no complete
// frame has arrived yet. Partial frames are kept in a reassembly buffer
// between calls. Conn is not safe for concurrent use; share it through a
// lockedConn.
type Conn struct {
	id           chat.ID
	nc           net.Conn
	writeTimeout time.Duration
	pending      []byte
	scratch      []byte
}

// NewConn wraps nc for polling reads. Writes fail if a frame cannot be
// written within writeTimeout; zero disables the write deadline.
func NewConn(id chat.ID, nc net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           id,
		nc:           nc,
		writeTimeout: writeTimeout,
		scratch:      make([]byte, 4096),
	}
}

// ID returns the connection's identifier.
func (c *Conn) ID() chat.ID {
	return c.id
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// ReadFrame returns the next complete frame payload. Each call performs at
// most one socket read, so the caller's lock is held for no longer than the
// poll window even while a peer trickles a frame in. It returns
// ErrWouldBlock if no complete frame is available yet, and any other error
// if the socket failed or the peer closed it.
func (c *Conn) ReadFrame() ([]byte, error) {
	if payload, ok := c.next(); ok {
		return payload, nil
	}

	if err := c.nc.SetReadDeadline(time.Now().Add(readWindow)); err != nil {
		return nil, err
	}
	n, err := c.nc.Read(c.scratch)
	c.pending = append(c.pending, c.scratch[:n]...)

	// Deliver a frame completed by this read before reporting the error;
	// the socket reports it again on the next call.
	if payload, ok := c.next(); ok {
		return payload, nil
	}

	switch {
	case err == nil, isTimeout(err):
		return nil, ErrWouldBlock
	case errors.Is(err, io.EOF) && len(c.pending) > 0:
		return nil, io.ErrUnexpectedEOF
	default:
		return nil, err
	}
}

func (c *Conn) next() ([]byte, bool) {
	payload, rest, ok := wire.Cut(c.pending)
	if !ok {
		return nil, false
	}
	frame := bytes.Clone(payload)
	if frame == nil {
		frame = []byte{}
	}
	c.pending = append(c.pending[:0], rest...)
	return frame, true
}

// WriteFrame writes payload as one frame. A partial write is reported as
// io.ErrShortWrite and is not retried.
func (c *Conn) WriteFrame(payload []byte) error {
	frame, err := wire.Encode(payload)
	if err != nil {
		return err
	}

	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}

	n, err := c.nc.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(frame), io.ErrShortWrite)
	}
	return nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// lockedConn is the single lock shared by a connection's supervisor (reads)
// and the dispatch loop (writes). A panic while the lock is held poisons the
// connection so the other owner sees the failure.
type lockedConn struct {
	mu       sync.Mutex
	conn     *Conn
	poisoned bool
}

func newLockedConn(conn *Conn) *lockedConn {
	return &lockedConn{conn: conn}
}

// with runs fn while holding the lock.
func (l *lockedConn) with(fn func(*Conn) error) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.poisoned {
		return errConnPoisoned
	}

	defer func() {
		if r := recover(); r != nil {
			l.poisoned = true
			err = fmt.Errorf("%w: %v", errConnPoisoned, r)
		}
	}()

	return fn(l.conn)
}

// read returns the next frame under the lock.
func (l *lockedConn) read() (payload []byte, err error) {
	err = l.with(func(c *Conn) error {
		var readErr error
		payload, readErr = c.ReadFrame()
		return readErr
	})
	return payload, err
}

// write sends one frame under the lock.
func (l *lockedConn) write(payload []byte) error {
	return l.with(func(c *Conn) error {
		return c.WriteFrame(payload)
	})
}

// close closes the socket without taking the lock, so a supervisor blocked
// in a read is released.
func (l *lockedConn) close() error {
	return l.conn.Close()
}
