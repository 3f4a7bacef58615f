package tcp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg ServerConfig) (*Server, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PollInterval = 20 * time.Millisecond
	srv := NewServer(cfg, nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := srv.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-stopped
	})
	return srv, cancel, stopped
}

func TestServerForwardsFilteredSentences(t *testing.T) {
	srv, _, _ := startServer(t, ServerConfig{MaxClients: 2, Allow: []string{"GGA", "RMC"}})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Hub().Len() == 1 }, time.Second, 5*time.Millisecond)

	srv.Forward(vtg)
	srv.Forward(ggaFixed)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ggaFixed+"\r\n", line)

	snap := srv.Snapshot()
	assert.Equal(t, uint64(1), snap.Forwarded)
	assert.Equal(t, uint64(1), snap.Filtered)
	assert.Len(t, snap.Clients, 1)
}

func TestServerRemovesDisconnectedSubscriber(t *testing.T) {
	srv, _, _ := startServer(t, ServerConfig{MaxClients: 2, Allow: []string{"GGA"}})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Hub().Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return srv.Hub().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServerRejectsBeyondMaxClients(t *testing.T) {
	srv, _, _ := startServer(t, ServerConfig{MaxClients: 1, Allow: []string{"GGA"}})

	first, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return srv.Hub().Len() == 1 }, time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 1, srv.Hub().Len())
}

func TestServerCloseNotifiesSubscribers(t *testing.T) {
	srv, cancel, stopped := startServer(t, ServerConfig{MaxClients: 2, Allow: []string{"GGA"}})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Hub().Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, srv.Close())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ShutdownNotice, line)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestServerWatchEvictsLateSubscriberOnCancel(t *testing.T) {
	srv := NewServer(ServerConfig{MaxClients: 2, Allow: []string{"GGA"}, PollInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, srv.Close())

	s, c := pipePair(t)
	require.True(t, srv.Hub().Admit(s))
	lines := drain(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv.watch(ctx, s)

	assert.Equal(t, 0, srv.Hub().Len())
	assert.Equal(t, ShutdownNotice, <-lines)
	_, open := <-lines
	assert.False(t, open)
}
