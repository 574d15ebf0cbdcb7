// Package testhelpers provides common utilities for the framechat
// integration tests.
//
// It starts servers on loopback listeners and wraps client sockets with
// frame-level helpers so tests read as a conversation between clients.
package testhelpers

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/framechat/internal/chat"
	"github.com/Tyrowin/framechat/internal/command"
	"github.com/Tyrowin/framechat/internal/server"
	"github.com/Tyrowin/framechat/internal/wire"
)

// ReceiveTimeout bounds every blocking receive in the helpers.
const ReceiveTimeout = 3 * time.Second

// TestOrigin is allowed by TestConfig for WebSocket upgrades.
const TestOrigin = "http://localhost:8080"

// TestConfig returns server settings with short intervals and a roomy
// capacity.
func TestConfig() server.Config {
	cfg := *server.NewConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Capacity = 10
	cfg.Timeout = 10 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.AllowedOrigins = []string{TestOrigin}
	return cfg
}

// Harness is a running server under test.
type Harness struct {
	Server *server.Server
	Addr   string

	// HTTPURL is set when the harness was started with the gateway.
	HTTPURL string

	runErr chan error
}

// StartServer runs a server with cfg on a loopback listener. The server is
// shut down when the test ends.
func StartServer(t *testing.T, cfg server.Config) *Harness {
	t.Helper()
	return start(t, cfg, false)
}

// StartServerWithGateway is StartServer plus an HTTP test server serving
// the gateway routes.
func StartServerWithGateway(t *testing.T, cfg server.Config) *Harness {
	t.Helper()
	return start(t, cfg, true)
}

func start(t *testing.T, cfg server.Config, gateway bool) *Harness {
	t.Helper()

	srv, err := server.New(cfg, server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	RegisterCommands(srv)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	require.NoError(t, err)

	h := &Harness{
		Server: srv,
		Addr:   ln.Addr().String(),
		runErr: make(chan error, 1),
	}

	if gateway {
		ts := httptest.NewServer(server.SetupRoutes(server.NewGateway(srv)))
		t.Cleanup(ts.Close)
		h.HTTPURL = ts.URL
	}

	go func() { h.runErr <- srv.Run(ln) }()
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

// Stop shuts the server down and waits for Run to return.
func (h *Harness) Stop() error {
	if err := h.Server.Shutdown(5 * time.Second); err != nil {
		return err
	}
	select {
	case err := <-h.runErr:
		h.runErr <- err
		return err
	case <-time.After(5 * time.Second):
		return errors.New("server did not stop")
	}
}

// WebSocketURL returns the gateway's WebSocket endpoint.
func (h *Harness) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(h.HTTPURL, "http") + "/ws"
}

// RegisterCommands installs the commands the integration tests rely on.
func RegisterCommands(srv *server.Server) {
	srv.
		Command("ping", command.HandlerFunc(func(msg chat.Message, _ command.Args) (chat.ID, string) {
			return msg.From, "pong!"
		})).
		Command("whoami", command.HandlerFunc(func(msg chat.Message, _ command.Args) (chat.ID, string) {
			return msg.From, msg.From.String()
		}))
}

// FrameClient is a TCP chat client speaking length-prefixed frames.
type FrameClient struct {
	t    *testing.T
	conn net.Conn
}

// Dial connects a FrameClient to addr. The connection is closed when the
// test ends.
func Dial(t *testing.T, addr string) *FrameClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, ReceiveTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &FrameClient{t: t, conn: conn}
}

// Join dials addr and waits until the server has registered the client,
// returning the client and its connection id.
func Join(t *testing.T, addr string) (*FrameClient, string) {
	t.Helper()

	c := Dial(t, addr)
	return c, c.WhoAmI()
}

// Send writes text as one frame.
func (c *FrameClient) Send(text string) {
	c.t.Helper()
	require.NoError(c.t, c.Write(text))
}

// Write sends text as one frame and returns any error. Unlike Send it may
// be called from goroutines other than the test's.
func (c *FrameClient) Write(text string) error {
	frame, err := wire.Encode([]byte(text))
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// SendRaw writes b to the socket unframed.
func (c *FrameClient) SendRaw(b []byte) {
	c.t.Helper()

	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

// Receive returns the next frame or fails the test.
func (c *FrameClient) Receive() string {
	c.t.Helper()

	text, err := c.ReceiveWithin(ReceiveTimeout)
	require.NoError(c.t, err)
	return text
}

// ReceiveWithin returns the next frame, waiting at most d.
func (c *FrameClient) ReceiveWithin(d time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return "", err
	}
	payload, err := wire.Decode(c.conn)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// ExpectNothing asserts that no frame arrives within d.
func (c *FrameClient) ExpectNothing(d time.Duration) {
	c.t.Helper()

	text, err := c.ReceiveWithin(d)
	require.Error(c.t, err, "unexpected frame %q", text)

	var netErr net.Error
	assert.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

// ExpectClosed asserts that the server closes the connection.
func (c *FrameClient) ExpectClosed() {
	c.t.Helper()

	_, err := c.ReceiveWithin(ReceiveTimeout)
	require.Error(c.t, err)

	var netErr net.Error
	assert.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
}

// WhoAmI asks the server for this client's id.
func (c *FrameClient) WhoAmI() string {
	c.t.Helper()

	c.Send("/whoami")
	return c.Receive()
}

// Close closes the client socket.
func (c *FrameClient) Close() error {
	return c.conn.Close()
}

// ConnectWebSocket establishes a WebSocket connection to url sending origin
// as the Origin header. An empty origin sends none.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	dialer := websocket.Dialer{HandshakeTimeout: ReceiveTimeout}
	return dialer.Dial(url, header)
}

// MustConnectWebSocket is ConnectWebSocket with TestOrigin that fails the
// test on error.
func MustConnectWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ws, resp, err := ConnectWebSocket(url, TestOrigin)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// ReceiveWebSocket returns the next text message on ws.
func ReceiveWebSocket(t *testing.T, ws *websocket.Conn) string {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(ReceiveTimeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// SendWebSocket writes text as one WebSocket text message.
func SendWebSocket(t *testing.T, ws *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(text)))
}
