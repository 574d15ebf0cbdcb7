// Package integration contains security-focused integration tests: origin
// checks on the gateway, rate limiting, and malformed input from peers.
package integration

import (
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/framechat/test/testhelpers"
)

// TestOriginValidation verifies that only configured origins may upgrade.
func TestOriginValidation(t *testing.T) {
	cfg := testhelpers.TestConfig()
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin, "https://chat.example.com"}
	h := testhelpers.StartServerWithGateway(t, cfg)

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "configured origin", origin: testhelpers.TestOrigin, allowed: true},
		{name: "second configured origin", origin: "https://chat.example.com", allowed: true},
		{name: "case differs", origin: "HTTPS://Chat.Example.com", allowed: true},
		{name: "unknown origin", origin: "http://evil.example.com", allowed: false},
		{name: "wrong scheme", origin: "http://chat.example.com", allowed: false},
		{name: "missing origin", origin: "", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, resp, err := testhelpers.ConnectWebSocket(h.WebSocketURL(), tt.origin)
			if resp != nil && resp.Body != nil {
				defer resp.Body.Close()
			}

			if tt.allowed {
				require.NoError(t, err)
				_ = ws.Close()
				return
			}

			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

// TestWildcardOrigin verifies that "*" admits any origin that is present.
func TestWildcardOrigin(t *testing.T) {
	cfg := testhelpers.TestConfig()
	cfg.AllowedOrigins = []string{"*"}
	h := testhelpers.StartServerWithGateway(t, cfg)

	ws, resp, err := testhelpers.ConnectWebSocket(h.WebSocketURL(), "https://anywhere.example")
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = ws.Close()
}

// TestRateLimitDiscardsFlood verifies that a flooding client is throttled
// without affecting others.
func TestRateLimitDiscardsFlood(t *testing.T) {
	cfg := testhelpers.TestConfig()
	cfg.RateLimit.Burst = 3
	cfg.RateLimit.RefillInterval = time.Hour
	h := testhelpers.StartServer(t, cfg)

	observer, observerID := testhelpers.Join(t, h.Addr)
	spammer := testhelpers.Dial(t, h.Addr)

	for i := 0; i < 10; i++ {
		spammer.Send("spam")
	}

	spam := regexp.MustCompile(`^\d+ -> spam$`)
	for i := 0; i < 3; i++ {
		assert.Regexp(t, spam, observer.Receive())
	}
	observer.ExpectNothing(200 * time.Millisecond)

	observer.Send("legit")
	assert.Equal(t, observerID+" -> legit", observer.Receive())
}

// TestMalformedFrameDisconnectsOnlySender verifies that a peer closing in
// the middle of a frame is reaped without disturbing others.
func TestMalformedFrameDisconnectsOnlySender(t *testing.T) {
	h := testhelpers.StartServer(t, testhelpers.TestConfig())

	good, goodID := testhelpers.Join(t, h.Addr)
	bad, _ := testhelpers.Join(t, h.Addr)

	bad.SendRaw([]byte{0x00, 0x20, 'p', 'a', 'r', 't'})
	require.NoError(t, bad.Close())

	good.Send("after bad peer")
	assert.Equal(t, goodID+" -> after bad peer", good.Receive())
	good.ExpectNothing(100 * time.Millisecond)
}
