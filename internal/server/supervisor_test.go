package server

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/framechat/internal/chat"
)

type supervisorFixture struct {
	cfg      supervisorConfig
	messages chan chat.Message
	metrics  *metrics
}

func newSupervisorFixture(timeout time.Duration) *supervisorFixture {
	messages := make(chan chat.Message, 16)
	m := newMetrics(prometheus.NewRegistry())
	return &supervisorFixture{
		cfg: supervisorConfig{
			timeout:      timeout,
			pollInterval: time.Millisecond,
			messages:     messages,
			logger:       quietLogger(),
			metrics:      m,
		},
		messages: messages,
		metrics:  m,
	}
}

func waitStatus(t *testing.T, sup *supervisor) Status {
	t.Helper()

	select {
	case status := <-sup.status:
		require.True(t, sup.join(time.Second), "supervisor goroutine did not exit")
		return status
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not report a status")
		return Status{}
	}
}

func waitMessage(t *testing.T, messages <-chan chat.Message) chat.Message {
	t.Helper()

	select {
	case msg := <-messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message forwarded")
		return chat.Message{}
	}
}

func TestSupervisorForwardsSanitizedMessages(t *testing.T) {
	f := newSupervisorFixture(5 * time.Second)
	serverSide, client := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := startSupervisor(ctx, NewConn(7, serverSide, 0), f.cfg)

	sendFrame(t, client, "  hello world \r\n")
	sendFrame(t, client, "second")

	msg := waitMessage(t, f.messages)
	assert.Equal(t, "hello world", msg.Contents)
	assert.Equal(t, chat.ID(7), msg.From)
	assert.Nil(t, msg.To)
	assert.Equal(t, "second", waitMessage(t, f.messages).Contents)

	_, finished := sup.poll()
	assert.False(t, finished)

	cancel()
	assert.Equal(t, Terminated, waitStatus(t, sup).Reason)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.framesReceived))
}

func TestSupervisorTimesOutSilentPeer(t *testing.T) {
	f := newSupervisorFixture(30 * time.Millisecond)
	serverSide, _ := tcpPair(t)

	sup := startSupervisor(context.Background(), NewConn(1, serverSide, 0), f.cfg)

	status := waitStatus(t, sup)
	assert.Equal(t, TimedOut, status.Reason)
	assert.NoError(t, status.Err)
}

// TestSupervisorActivityResetsTimeout verifies that the timeout counts
// consecutive empty polls, not total ones.
func TestSupervisorActivityResetsTimeout(t *testing.T) {
	f := newSupervisorFixture(200 * time.Millisecond)
	serverSide, client := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := startSupervisor(ctx, NewConn(1, serverSide, 0), f.cfg)

	for i := 0; i < 8; i++ {
		sendFrame(t, client, "tick")
		waitMessage(t, f.messages)
		time.Sleep(50 * time.Millisecond)
	}

	_, finished := sup.poll()
	assert.False(t, finished, "active peer must not time out")

	cancel()
	assert.Equal(t, Terminated, waitStatus(t, sup).Reason)
}

func TestSupervisorReportsPeerClose(t *testing.T) {
	f := newSupervisorFixture(5 * time.Second)
	serverSide, client := tcpPair(t)

	sup := startSupervisor(context.Background(), NewConn(1, serverSide, 0), f.cfg)
	require.NoError(t, client.Close())

	status := waitStatus(t, sup)
	assert.Equal(t, Errored, status.Reason)
	assert.ErrorIs(t, status.Err, io.EOF)
}

func TestSupervisorReportsPoisonedConnection(t *testing.T) {
	f := newSupervisorFixture(5 * time.Second)
	serverSide, _ := tcpPair(t)

	sup := startSupervisor(context.Background(), NewConn(1, serverSide, 0), f.cfg)
	err := sup.conn.with(func(*Conn) error {
		panic("writer crashed")
	})
	require.ErrorIs(t, err, errConnPoisoned)

	status := waitStatus(t, sup)
	assert.Equal(t, Panicked, status.Reason)
	assert.ErrorIs(t, status.Err, errConnPoisoned)
}

func TestSupervisorRateLimit(t *testing.T) {
	f := newSupervisorFixture(5 * time.Second)
	f.cfg.limiter = newRateLimiter(1, time.Hour)
	serverSide, client := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := startSupervisor(ctx, NewConn(1, serverSide, 0), f.cfg)

	sendFrame(t, client, "first")
	sendFrame(t, client, "second")
	sendFrame(t, client, "third")

	assert.Equal(t, "first", waitMessage(t, f.messages).Contents)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.framesLimited) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.messages)

	cancel()
	waitStatus(t, sup)
}

// TestSupervisorMaxAttempts verifies that both the poll sleep and the read
// window count toward the timeout.
func TestSupervisorMaxAttempts(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		poll    time.Duration
		want    int
	}{
		{timeout: 120 * time.Second, poll: time.Millisecond, want: 60000},
		{timeout: time.Second, poll: 99 * time.Millisecond, want: 10},
		{timeout: time.Millisecond, poll: time.Second, want: 1},
	}

	for _, tt := range tests {
		cfg := supervisorConfig{timeout: tt.timeout, pollInterval: tt.poll}
		assert.Equal(t, tt.want, cfg.maxAttempts(), "timeout=%v poll=%v", tt.timeout, tt.poll)
	}
}

func TestRateLimiter(t *testing.T) {
	var disabled *rateLimiter
	assert.True(t, disabled.allow())
	assert.Nil(t, newRateLimiter(0, time.Second))

	rl := newRateLimiter(3, time.Hour)
	require.NotNil(t, rl)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "message %d within burst", i)
	}
	assert.False(t, rl.allow())
}
