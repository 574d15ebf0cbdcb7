// Package server runs one supervisor goroutine per connection. A supervisor
// polls its connection for frames, forwards them to the dispatch loop, and
// reports exactly one terminal status when the connection dies.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/framechat/internal/chat"
	"github.com/Tyrowin/framechat/internal/wire"
)

// supervisor is the connection table's record for one connection.
type supervisor struct {
	id     chat.ID
	conn   *lockedConn
	status chan Status
	done   chan struct{}
}

// supervisorConfig carries the settings a supervisor needs from the server.
type supervisorConfig struct {
	timeout      time.Duration
	pollInterval time.Duration
	limiter      *rateLimiter
	messages     chan<- chat.Message
	logger       *slog.Logger
	metrics      *metrics
}

// maxAttempts converts a timeout into a count of consecutive polls without
// a complete frame. Each poll sleeps pollInterval and then waits up to
// readWindow inside the read, so both are charged per attempt. The count
// still approximates elapsed time and stretches under scheduler load.
func (c supervisorConfig) maxAttempts() int {
	attempts := int(c.timeout / (c.pollInterval + readWindow))
	if attempts < 1 {
		return 1
	}
	return attempts
}

// startSupervisor spawns the read loop for conn. It stops on its own when
// the peer times out or errors, or when ctx is canceled.
func startSupervisor(ctx context.Context, conn *Conn, cfg supervisorConfig) *supervisor {
	s := &supervisor{
		id:     conn.ID(),
		conn:   newLockedConn(conn),
		status: make(chan Status),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		s.report(s.run(ctx, cfg))
	}()

	return s
}

// report hands the terminal status to the server. The channel is unbuffered,
// so this blocks until the server observes the status.
func (s *supervisor) report(status Status) {
	s.status <- status
}

func (s *supervisor) run(ctx context.Context, cfg supervisorConfig) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = Status{Reason: Panicked, Err: fmt.Errorf("supervisor panic: %v", r)}
		}
	}()

	maxAttempts := cfg.maxAttempts()
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return Status{Reason: Terminated}
		case <-time.After(cfg.pollInterval):
		}

		payload, err := s.conn.read()
		switch {
		case err == nil:
			attempts = 0
			if !s.forward(ctx, payload, cfg) {
				return Status{Reason: Terminated}
			}

		case errors.Is(err, ErrWouldBlock):
			attempts++
			if attempts >= maxAttempts {
				return Status{Reason: TimedOut}
			}

		case errors.Is(err, errConnPoisoned):
			return Status{Reason: Panicked, Err: err}

		default:
			return Status{Reason: Errored, Err: err}
		}
	}
}

// forward pushes one decoded frame onto the central message channel. It
// returns false only if the server is shutting down.
func (s *supervisor) forward(ctx context.Context, payload []byte, cfg supervisorConfig) bool {
	cfg.metrics.framesReceived.Inc()

	if !cfg.limiter.allow() {
		cfg.metrics.framesLimited.Inc()
		cfg.logger.Warn("rate limit exceeded; discarding message", "conn", s.id)
		return true
	}

	msg := chat.NewMessage(wire.Sanitize(payload), s.id)
	select {
	case cfg.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// poll returns the terminal status if the supervisor has reported one.
func (s *supervisor) poll() (Status, bool) {
	select {
	case status := <-s.status:
		return status, true
	default:
		return Status{}, false
	}
}

// join waits for the supervisor goroutine to return. It reports false if
// the goroutine is still running after timeout.
func (s *supervisor) join(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
