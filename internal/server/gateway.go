// Package server exposes the WebSocket gateway: browser clients upgraded on
// /ws are bridged into the server core as ordinary framed connections, one
// WebSocket message per frame.
package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/framechat/internal/wire"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Gateway accepts WebSocket clients on behalf of a Server.
type Gateway struct {
	srv      *Server
	logger   *slog.Logger
	origins  originPolicy
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway feeding connections into srv, using srv's
// allowed origins.
func NewGateway(srv *Server) *Gateway {
	g := &Gateway{
		srv:     srv,
		logger:  srv.logger,
		origins: newOriginPolicy(srv.cfg.AllowedOrigins, srv.logger),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.origins.allows(r) {
		return true
	}

	g.logger.Warn("blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}

// WebSocketHandler upgrades the request and hands the bridged connection to
// the server. The server applies its capacity limit as for TCP clients.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "err", err)
		return
	}

	serverSide, clientSide := net.Pipe()
	b := &bridge{
		ws:     ws,
		pipe:   clientSide,
		addr:   r.RemoteAddr,
		logger: g.logger,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}

	if !g.srv.handoff(&bridgedConn{Conn: serverSide, remote: ws.RemoteAddr()}) {
		b.teardown()
		return
	}

	go b.frameReader()
	go b.writePump()
	go b.readPump()
}

// bridgedConn reports the WebSocket peer's address instead of the pipe's.
type bridgedConn struct {
	net.Conn
	remote net.Addr
}

func (c *bridgedConn) RemoteAddr() net.Addr {
	return c.remote
}

// bridge pumps messages between one WebSocket and the client end of the pipe
// whose server end the Server treats as a framed connection.
type bridge struct {
	ws     *websocket.Conn
	pipe   net.Conn
	addr   string
	logger *slog.Logger
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

// teardown closes both sides. Closing the pipe makes the server's
// supervisor see EOF; closing the socket ends the pumps.
func (b *bridge) teardown() {
	b.once.Do(func() {
		close(b.closed)
		_ = b.pipe.Close()
		if err := b.ws.Close(); err != nil && !isExpectedCloseError(err) {
			b.logger.Warn("error closing WebSocket", "remote", b.addr, "err", err)
		}
	})
}

// setupReadConnection configures read limits, deadlines, and the pong handler.
func (b *bridge) setupReadConnection() {
	b.ws.SetReadLimit(wire.MaxPayload)
	if err := b.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		b.logger.Warn("error setting initial read deadline", "remote", b.addr, "err", err)
	}
	b.ws.SetPongHandler(func(string) error {
		return b.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// readPump forwards each WebSocket message to the server as one frame.
func (b *bridge) readPump() {
	defer b.teardown()
	b.setupReadConnection()

	for {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			b.logReadError(err)
			return
		}

		frame, err := wire.Encode(data)
		if err != nil {
			b.logger.Warn("dropping oversized WebSocket message", "remote", b.addr, "err", err)
			continue
		}
		if _, err := b.pipe.Write(frame); err != nil {
			return
		}
	}
}

func (b *bridge) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		b.logger.Warn("WebSocket message exceeded maximum size", "remote", b.addr, "limit", wire.MaxPayload)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		b.logger.Info("WebSocket client disconnected", "remote", b.addr)
	case isExpectedCloseError(err):
		b.logger.Info("WebSocket connection closed", "remote", b.addr)
	default:
		b.logger.Warn("WebSocket read error", "remote", b.addr, "err", err)
	}
}

// frameReader decodes frames the server writes to the pipe and queues them
// for the write pump. The send channel is closed when the server side closes.
func (b *bridge) frameReader() {
	defer close(b.send)

	for {
		payload, err := wire.Decode(b.pipe)
		if err != nil {
			return
		}

		select {
		case b.send <- payload:
		case <-b.closed:
			return
		}
	}
}

// writePump delivers queued frames as text messages and keeps the
// connection alive with pings.
func (b *bridge) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		b.teardown()
	}()

	for b.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (b *bridge) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case payload, ok := <-b.send:
		if err := b.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		if !ok {
			_ = b.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return false
		}
		if err := b.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			if !isExpectedCloseError(err) {
				b.logger.Warn("error writing message", "remote", b.addr, "err", err)
			}
			return false
		}
		return true

	case <-ticker.C:
		if err := b.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			b.logger.Warn("error writing ping message", "remote", b.addr, "err", err)
			return false
		}
		return true

	case <-b.closed:
		return false
	}
}
