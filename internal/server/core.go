// Package server coordinates connection acceptance, supervisor reaping, and
// message dispatch for the chat system via the Server type.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/framechat/internal/chat"
	"github.com/Tyrowin/framechat/internal/command"
	"github.com/Tyrowin/framechat/internal/wire"
)

const (
	// joinTimeout bounds the wait for a supervisor goroutine that already
	// reported its terminal status.
	joinTimeout = time.Second

	// drainTimeout bounds the wait for a supervisor's status during shutdown.
	drainTimeout = 2 * time.Second

	maxAcceptBackoff = time.Second
)

// Server owns the connection table, the accept loop, and the dispatch loop.
//
// The connection table is only touched by the goroutine running Run.
// Supervisors talk to it through the central message channel and their own
// status channels; there is no other shared state.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics
	router   *command.Router
	newID    func() chat.ID

	messages chan chat.Message
	incoming chan net.Conn
	handlers map[chat.ID]*supervisor

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	done     chan struct{}
	acceptWG sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry registers the server's metrics on registry instead of a
// private one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// New creates a server from cfg. It fails with ErrInvalidConfig if cfg
// cannot be used.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   slog.Default(),
		router:   command.NewRouter(rune(cfg.CommandPrefix)),
		newID:    func() chat.ID { return chat.ID(rand.Uint64()) },
		messages: make(chan chat.Message, cfg.MessageBuffer),
		incoming: make(chan net.Conn),
		handlers: make(map[chat.ID]*supervisor, cfg.Capacity),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)

	return s, nil
}

// Command registers h under name and returns the server for chaining.
// Commands must be registered before Run; registering later panics.
func (s *Server) Command(name string, h command.Handler) *Server {
	if s.started.Load() {
		panic("server: Command called after Run")
	}
	s.router.Register(name, h)
	return s
}

// Registry returns the registry holding the server's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Run accepts connections from ln and routes messages until Shutdown is
// called. ln may be nil when connections only arrive through a Gateway.
// Run closes ln before returning.
func (s *Server) Run(ln net.Listener) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server: Run called twice")
	}
	defer close(s.done)

	if ln != nil {
		s.logger.Info("setting up listener", "addr", ln.Addr().String())
		s.acceptWG.Add(1)
		go func() {
			defer s.acceptWG.Done()
			s.acceptLoop(ln)
		}()
	}

	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	s.logger.Info("server started", "capacity", s.cfg.Capacity, "prefix", s.cfg.CommandPrefix.String())
	for {
		select {
		case <-s.ctx.Done():
			if ln != nil {
				_ = ln.Close()
			}
			s.acceptWG.Wait()
			s.shutdownConnections()
			return nil

		case nc := <-s.incoming:
			s.handleIncoming(nc)

		case <-ticker.C:
			s.reap()
			s.dispatch()
		}
	}
}

// Shutdown stops the server: the listener is closed, every supervisor
// terminates, and every connection is closed. It waits up to timeout for
// Run to return.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("initiating server shutdown")
	s.cancel()

	if !s.started.Load() {
		return nil
	}

	select {
	case <-s.done:
		s.logger.Info("server shutdown completed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("server shutdown timeout reached, some supervisors may still be running")
		return context.DeadlineExceeded
	}
}

// acceptLoop hands raw connections from ln to the main loop so a slow
// Accept never stalls dispatch.
func (s *Server) acceptLoop(ln net.Listener) {
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}

			backoff = nextBackoff(backoff)
			s.logger.Error("error receiving connection", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		backoff = 0
		s.handoff(nc)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	if current *= 2; current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}

// handoff passes nc to the main loop. It reports false and closes nc if the
// server is shutting down.
func (s *Server) handoff(nc net.Conn) bool {
	select {
	case s.incoming <- nc:
		return true
	case <-s.ctx.Done():
		_ = nc.Close()
		return false
	}
}

func (s *Server) handleIncoming(nc net.Conn) {
	id, err := s.accept(nc)
	if err != nil {
		s.logger.Warn("error accepting connection", "remote", remoteAddr(nc), "err", err)
		s.refuse(nc)
		return
	}

	s.logger.Info("connection accepted", "conn", id, "remote", remoteAddr(nc), "total", len(s.handlers))
}

// accept registers nc under a fresh id and starts its supervisor.
func (s *Server) accept(nc net.Conn) (chat.ID, error) {
	if len(s.handlers) >= s.cfg.Capacity {
		s.metrics.connectionsRejected.Inc()
		return 0, ErrServerFull
	}

	id := s.newID()
	for {
		if _, taken := s.handlers[id]; !taken {
			break
		}
		id = s.newID()
	}

	conn := NewConn(id, nc, s.cfg.WriteTimeout)
	s.handlers[id] = startSupervisor(s.ctx, conn, s.supervisorConfig())

	s.metrics.connectionsAccepted.Inc()
	s.metrics.connectionsActive.Set(float64(len(s.handlers)))
	return id, nil
}

func (s *Server) supervisorConfig() supervisorConfig {
	return supervisorConfig{
		timeout:      s.cfg.Timeout,
		pollInterval: s.cfg.PollInterval,
		limiter:      newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		messages:     s.messages,
		logger:       s.logger,
		metrics:      s.metrics,
	}
}

// refuse closes a connection that could not be registered, first sending
// the configured rejection frame if there is one.
func (s *Server) refuse(nc net.Conn) {
	if s.cfg.RejectMessage != "" {
		conn := NewConn(0, nc, s.cfg.WriteTimeout)
		if err := conn.WriteFrame([]byte(s.cfg.RejectMessage)); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("could not send rejection", "remote", remoteAddr(nc), "err", err)
		}
	}
	if err := nc.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing refused connection", "remote", remoteAddr(nc), "err", err)
	}
}

// reap removes every connection whose supervisor has finished.
func (s *Server) reap() {
	for id, sup := range s.handlers {
		status, finished := sup.poll()
		if !finished {
			continue
		}

		s.logFinished(id, status)
		delete(s.handlers, id)
		s.release(sup)
		s.metrics.connectionsReaped.WithLabelValues(status.Reason.String()).Inc()
	}
	s.metrics.connectionsActive.Set(float64(len(s.handlers)))
}

// release joins a finished supervisor and closes its socket.
func (s *Server) release(sup *supervisor) {
	if !sup.join(joinTimeout) {
		s.logger.Warn("supervisor did not exit after reporting", "conn", sup.id)
	}
	if err := sup.conn.close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing connection", "conn", sup.id, "err", err)
	}
}

func (s *Server) logFinished(id chat.ID, status Status) {
	switch status.Reason {
	case TimedOut:
		s.logger.Info("connection timed out", "conn", id)
	case Errored:
		if isExpectedCloseError(status.Err) {
			s.logger.Info("connection closed", "conn", id, "err", status.Err)
		} else {
			s.logger.Warn("connection errored", "conn", id, "err", status.Err)
		}
	case Panicked:
		s.logger.Error("connection supervisor panicked; this is a bug", "conn", id, "err", status.Err)
	case Terminated:
		s.logger.Info("connection terminated", "conn", id)
	}
}

// dispatch routes at most one pending message so a burst of traffic can not
// starve acceptance and reaping.
func (s *Server) dispatch() {
	select {
	case msg := <-s.messages:
		s.route(msg)
	default:
	}
}

func (s *Server) route(msg chat.Message) {
	if msg.Contents == "" {
		return
	}

	if s.router.IsCommand(msg.Contents) {
		s.runCommand(msg)
		return
	}
	s.broadcast(msg)
}

// runCommand replies to the sender only.
func (s *Server) runCommand(msg chat.Message) {
	sender, ok := s.handlers[msg.From]
	if !ok {
		s.logger.Debug("dropping command from reaped connection", "conn", msg.From)
		return
	}

	reply, err := s.router.Resolve(msg)
	text := reply.Text
	if err != nil {
		s.metrics.commands.WithLabelValues("unknown").Inc()
		s.logger.Info("unknown command", "conn", msg.From, "err", err)
		text = s.cfg.ErrorReply
	} else {
		s.metrics.commands.WithLabelValues("ok").Inc()
	}

	s.send(sender, []byte(text))
}

// broadcast writes "{from} -> {contents}" to every registered connection,
// including the sender.
func (s *Server) broadcast(msg chat.Message) {
	text := fmt.Sprintf("%s -> %s", msg.From, msg.Contents)
	if len(text) > wire.MaxPayload {
		s.logger.Warn("dropping broadcast that does not fit in a frame", "conn", msg.From, "size", len(text))
		return
	}

	s.logger.Info(text)
	payload := []byte(text)
	for _, sup := range s.handlers {
		s.send(sup, payload)
	}
	s.metrics.broadcasts.Inc()
}

// send writes one frame to sup. A failure is logged and counted; it never
// affects delivery to other connections.
func (s *Server) send(sup *supervisor, payload []byte) {
	if err := sup.conn.write(payload); err != nil {
		s.metrics.writeErrors.Inc()
		s.logger.Warn("could not send message to connection", "conn", sup.id, "err", err)
	}
}

// shutdownConnections terminates every supervisor and closes its socket.
func (s *Server) shutdownConnections() {
	s.logger.Info("shutting down all connections", "count", len(s.handlers))

	for id, sup := range s.handlers {
		select {
		case status := <-sup.status:
			s.logFinished(id, status)
			s.metrics.connectionsReaped.WithLabelValues(status.Reason.String()).Inc()
		case <-time.After(drainTimeout):
			s.logger.Warn("supervisor did not report during shutdown", "conn", id)
		}
		delete(s.handlers, id)
		s.release(sup)
	}
	s.metrics.connectionsActive.Set(0)
}

func remoteAddr(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
