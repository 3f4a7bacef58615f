package ntrip

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnss-bridge/internal/gps"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *stateLog) saw(s State) bool {
	for _, got := range l.snapshot() {
		if got == s {
			return true
		}
	}
	return false
}

// pipeCaster returns a DialFunc whose every connection is served by serve.
func pipeCaster(serve func(conn net.Conn, req *http.Request)) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			req, err := http.ReadRequest(bufio.NewReader(server))
			if err != nil {
				return
			}
			serve(server, req)
		}()
		return client, nil
	}
}

func testConfig() Config {
	return Config{
		Host:        "caster.example",
		Port:        2101,
		Mountpoint:  "MOUNT",
		Username:    "user",
		Password:    "pass",
		UserAgent:   "NTRIP test/1.0",
		Backoff:     time.Hour,
		ReadTimeout: 20 * time.Millisecond,
		DialTimeout: time.Second,
	}
}

func runClient(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestClientRejectedHandshakeNeverStreams(t *testing.T) {
	states := &stateLog{}
	dev := &syncBuffer{}
	c := NewClient(testConfig(), dev, Options{
		OnState: states.record,
		Dial: pipeCaster(func(conn net.Conn, _ *http.Request) {
			_, _ = io.WriteString(conn, "HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic\r\n\r\n")
		}),
	})

	cancel, done := runClient(t, c)
	require.Eventually(t, func() bool { return states.saw(StateBackoff) }, 2*time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, "backoff", snap.State)
	assert.Contains(t, snap.LastError, "401")

	cancel()
	waitDone(t, done)

	assert.Equal(t, []State{StateConnecting, StateHandshaking, StateBackoff, StateStopped}, states.snapshot())
	assert.Empty(t, dev.String())
}

func TestClientSourcetableIsRejected(t *testing.T) {
	states := &stateLog{}
	c := NewClient(testConfig(), &syncBuffer{}, Options{
		OnState: states.record,
		Dial: pipeCaster(func(conn net.Conn, _ *http.Request) {
			_, _ = io.WriteString(conn, "SOURCETABLE 200 OK\r\nContent-Type: text/plain\r\n\r\nSTR;OTHER;\r\nENDSOURCETABLE\r\n")
		}),
	})
	cancel, done := runClient(t, c)
	require.Eventually(t, func() bool { return states.saw(StateBackoff) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)
	assert.False(t, states.saw(StateStreaming))
}

func TestClientStreamsCorrectionsIntoDevice(t *testing.T) {
	payload := bytes.Repeat([]byte{0xD3, 0x00, 0x13, 0x3E}, 700)

	var gotReq *http.Request
	var reqMu sync.Mutex
	states := &stateLog{}
	dev := &syncBuffer{}
	c := NewClient(testConfig(), dev, Options{
		OnState: states.record,
		Dial: pipeCaster(func(conn net.Conn, req *http.Request) {
			reqMu.Lock()
			gotReq = req
			reqMu.Unlock()
			_, _ = io.WriteString(conn, "ICY 200 OK\r\n\r\n")
			time.Sleep(50 * time.Millisecond) // exercise read-timeout retries
			_, _ = conn.Write(payload)
		}),
	})

	cancel, done := runClient(t, c)
	require.Eventually(t, func() bool { return states.saw(StateBackoff) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)

	assert.Equal(t, string(payload), dev.String())
	assert.Equal(t, uint64(len(payload)), c.Snapshot().BytesRelayed)
	assert.Equal(t, []State{StateConnecting, StateHandshaking, StateStreaming, StateBackoff, StateStopped}, states.snapshot())

	reqMu.Lock()
	defer reqMu.Unlock()
	require.NotNil(t, gotReq)
	assert.Equal(t, "GET", gotReq.Method)
	assert.Equal(t, "/MOUNT", gotReq.URL.Path)
	assert.Equal(t, "caster.example:2101", gotReq.Host)
	assert.Equal(t, "Ntrip/2.0", gotReq.Header.Get("Ntrip-Version"))
	assert.Equal(t, "NTRIP test/1.0", gotReq.Header.Get("User-Agent"))
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")), gotReq.Header.Get("Authorization"))
	assert.Equal(t, "close", strings.ToLower(gotReq.Header.Get("Connection")))
}

func TestClientDechunksNtrip2Body(t *testing.T) {
	states := &stateLog{}
	dev := &syncBuffer{}
	c := NewClient(testConfig(), dev, Options{
		OnState: states.record,
		Dial: pipeCaster(func(conn net.Conn, _ *http.Request) {
			_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
			_, _ = io.WriteString(conn, "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
		}),
	})

	cancel, done := runClient(t, c)
	require.Eventually(t, func() bool { return states.saw(StateBackoff) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)

	assert.Equal(t, "hello world", dev.String())
}

func TestClientRetriesAfterBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = 10 * time.Millisecond
	var mu sync.Mutex
	dials := 0
	c := NewClient(cfg, &syncBuffer{}, Options{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, &net.OpError{Op: "dial", Net: network, Err: io.ErrUnexpectedEOF}
		},
	})

	cancel, done := runClient(t, c)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)

	assert.GreaterOrEqual(t, c.Snapshot().Attempts, uint64(3))
	assert.Equal(t, "stopped", c.Snapshot().State)
}

func TestClientCloseInterruptsStream(t *testing.T) {
	states := &stateLog{}
	c := NewClient(testConfig(), &syncBuffer{}, Options{
		OnState: states.record,
		Dial: pipeCaster(func(conn net.Conn, _ *http.Request) {
			_, _ = io.WriteString(conn, "ICY 200 OK\r\n\r\n")
			// Hold the session open until the client goes away.
			_, _ = io.Copy(io.Discard, conn)
		}),
	})

	_, done := runClient(t, c)
	require.Eventually(t, func() bool { return states.saw(StateStreaming) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	waitDone(t, done)
	assert.Equal(t, StateStopped, states.snapshot()[len(states.snapshot())-1])
	assert.NoError(t, c.Close())
}

func TestClientDisabledWithoutCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Password = ""
	c := NewClient(cfg, &syncBuffer{}, Options{
		Dial: func(context.Context, string, string) (net.Conn, error) {
			t.Fatalf("dial must not be called")
			return nil, nil
		},
	})
	require.NoError(t, c.Run(context.Background()))
	assert.False(t, c.Snapshot().Enabled)
	assert.Equal(t, "idle", c.Snapshot().State)
}

type recordingReporter struct {
	mu       sync.Mutex
	sessions []bool
}

func (r *recordingReporter) ReportPosition(ctx context.Context, upstream io.Writer, fix gps.Fix) error {
	r.mu.Lock()
	r.sessions = append(r.sessions, upstream != nil)
	r.mu.Unlock()
	return StreamReporter{}.ReportPosition(ctx, upstream, fix)
}

func TestClientUploadsGGAOnLiveSession(t *testing.T) {
	const gga = "$GNGGA,123519,4807.038,N,01131.000,E,4,08,0.9,545.4,M,46.9,M,,*47"
	cfg := testConfig()
	cfg.GGAInterval = 10 * time.Millisecond

	received := make(chan string, 1)
	rep := &recordingReporter{}
	c := NewClient(cfg, &syncBuffer{}, Options{
		Reporter: rep,
		Latest:   func() *gps.Fix { return &gps.Fix{Raw: gga} },
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			client, server := net.Pipe()
			go func() {
				defer server.Close()
				br := bufio.NewReader(server)
				if _, err := http.ReadRequest(br); err != nil {
					return
				}
				_, _ = io.WriteString(server, "ICY 200 OK\r\n\r\n")
				line, err := br.ReadString('\n')
				if err == nil {
					received <- line
				}
				_, _ = io.Copy(io.Discard, br)
			}()
			return client, nil
		},
	})

	cancel, done := runClient(t, c)
	select {
	case line := <-received:
		assert.Equal(t, gga+"\r\n", line)
	case <-time.After(2 * time.Second):
		t.Fatalf("caster did not receive GGA")
	}
	cancel()
	waitDone(t, done)
}

func TestStreamReporterNeedsSession(t *testing.T) {
	fix := gps.Fix{Raw: "$GNGGA,1"}
	require.NoError(t, StreamReporter{}.ReportPosition(context.Background(), nil, fix))

	var buf bytes.Buffer
	require.NoError(t, StreamReporter{}.ReportPosition(context.Background(), &buf, fix))
	assert.Equal(t, "$GNGGA,1\r\n", buf.String())

	buf.Reset()
	require.NoError(t, LogReporter{}.ReportPosition(context.Background(), &buf, fix))
	assert.Empty(t, buf.String(), "log reporter never transmits")
}

func TestReadResponseCapsHeader(t *testing.T) {
	big := "HTTP/1.1 200 OK\r\nX-Pad: " + strings.Repeat("a", MaxHeaderBytes) + "\r\n\r\n"
	_, err := readResponse(bufio.NewReader(strings.NewReader(big)), MaxHeaderBytes)
	assert.ErrorIs(t, err, errHeaderTooLarge)

	resp, err := readResponse(bufio.NewReader(strings.NewReader("ICY 200 OK\r\n\r\nbody")), MaxHeaderBytes)
	require.NoError(t, err)
	assert.True(t, resp.ok())
	assert.False(t, resp.chunked())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "unknown", State(42).String())
}
