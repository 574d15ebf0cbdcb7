package server

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/framechat/internal/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config with short intervals suitable for tests.
func testConfig() Config {
	cfg := defaultConfig()
	cfg.Capacity = 2
	cfg.Timeout = 5 * time.Second
	cfg.PollInterval = time.Millisecond
	cfg.DispatchInterval = time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

// newTestServer creates a server whose supervisors are torn down when the
// test ends. Tests that call Run must call Shutdown themselves.
func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	s, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)

	t.Cleanup(func() {
		if s.started.Load() {
			_ = s.Shutdown(5 * time.Second)
			return
		}
		s.cancel()
		s.shutdownConnections()
	})
	return s
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (serverSide, clientSide net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	clientSide, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	serverSide, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	})
	return serverSide, clientSide
}

func sendFrame(t *testing.T, conn net.Conn, text string) {
	t.Helper()

	frame, err := wire.Encode([]byte(text))
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := wire.Decode(conn)
	require.NoError(t, err)
	return string(payload)
}

func expectNoFrame(t *testing.T, conn net.Conn, wait time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	payload, err := wire.Decode(conn)
	require.Error(t, err, "unexpected frame %q", payload)
	assert.True(t, isTimeout(err), "expected timeout, got %v", err)
}

// expectClosed asserts that the peer closed conn.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := wire.Decode(conn)
	require.Error(t, err)
	assert.False(t, isTimeout(err), "connection still open")
}
