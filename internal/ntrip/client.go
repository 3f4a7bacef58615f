package ntrip

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"

	"gnss-bridge/internal/gps"
)

const chunkSize = 1024

type Config struct {
	Host       string
	Port       int
	Mountpoint string
	Username   string
	Password   string
	UseTLS     bool
	UserAgent  string

	// Backoff is the fixed pause between attempts. Defaults to 10s.
	Backoff time.Duration
	// DialTimeout bounds connect and handshake. Defaults to 10s.
	DialTimeout time.Duration
	// ReadTimeout bounds each stream read so cancellation is observed.
	// Defaults to 1s.
	ReadTimeout time.Duration
	// GGAInterval is the position report period. Defaults to 60s.
	GGAInterval time.Duration
	// WriteTimeout bounds writes on the session. Defaults to 5s.
	WriteTimeout time.Duration
}

// Enabled reports whether every required field is set.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Host) != "" &&
		strings.TrimSpace(c.Mountpoint) != "" &&
		c.Username != "" &&
		c.Password != ""
}

func (c Config) addr() string {
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port))
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	Logger *log.Logger
	// Reporter defaults to LogReporter.
	Reporter PositionReporter
	// Latest supplies the most recent fix for position reports.
	Latest func() *gps.Fix
	// OnState is called after every state change, outside the client's lock.
	OnState func(State)
	// Dial replaces the TCP/TLS dialer.
	Dial DialFunc
}

type Snapshot struct {
	Enabled        bool   `json:"enabled"`
	State          string `json:"state"`
	Caster         string `json:"caster,omitempty"`
	Mountpoint     string `json:"mountpoint,omitempty"`
	TLS            bool   `json:"tls"`
	Attempts       uint64 `json:"attempts"`
	BytesRelayed   uint64 `json:"bytes_relayed"`
	StreamingSince string `json:"streaming_since_utc,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Client relays correction bytes from an NTRIP caster into the receiver.
type Client struct {
	cfg  Config
	dev  io.Writer
	opts Options
	log  *log.Logger

	attempts atomic.Uint64
	relayed  atomic.Uint64
	closed   atomic.Bool

	mu      sync.RWMutex
	state   State
	lastErr string
	since   time.Time
	conn    net.Conn
	cancel  context.CancelFunc
}

func NewClient(cfg Config, dev io.Writer, opts Options) *Client {
	if cfg.Port <= 0 {
		cfg.Port = 2101
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.GGAInterval <= 0 {
		cfg.GGAInterval = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "NTRIP gnss-bridge/1.0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = LogReporter{Logger: logger}
	}
	c := &Client{cfg: cfg, dev: dev, opts: opts, log: logger}
	if opts.Dial == nil {
		c.opts.Dial = c.dial
	}
	return c
}

// Run connects, streams and retries until ctx is cancelled or Close is
// called. It returns immediately when the configuration is incomplete.
func (c *Client) Run(ctx context.Context) error {
	if !c.cfg.Enabled() {
		c.log.Info("ntrip disabled: host, mountpoint, username and password are required")
		return nil
	}
	if c.closed.Load() {
		return fmt.Errorf("ntrip client is closed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	var wg conc.WaitGroup
	wg.Go(func() { c.reportLoop(runCtx) })
	defer wg.Wait()

	for {
		if runCtx.Err() != nil {
			c.setState(StateStopped, "")
			return nil
		}

		err := c.attempt(runCtx)
		if runCtx.Err() != nil {
			c.setState(StateStopped, "")
			return nil
		}
		msg := ""
		if err != nil {
			msg = err.Error()
			c.log.Warn("ntrip attempt failed", "err", err, "retry", c.cfg.Backoff)
		} else {
			c.log.Info("ntrip stream ended", "retry", c.cfg.Backoff)
		}

		c.setState(StateBackoff, msg)
		if !sleepCtx(runCtx, c.cfg.Backoff) {
			c.setState(StateStopped, "")
			return nil
		}
	}
}

// Close stops Run and closes the live transport, if any.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

func (c *Client) Snapshot() Snapshot {
	c.mu.RLock()
	state := c.state
	lastErr := c.lastErr
	since := c.since
	c.mu.RUnlock()

	out := Snapshot{
		Enabled:      c.cfg.Enabled(),
		State:        state.String(),
		Mountpoint:   c.cfg.Mountpoint,
		TLS:          c.cfg.UseTLS,
		Attempts:     c.attempts.Load(),
		BytesRelayed: c.relayed.Load(),
		LastError:    lastErr,
	}
	if out.Enabled {
		out.Caster = c.cfg.addr()
	}
	if state == StateStreaming && !since.IsZero() {
		out.StreamingSince = since.UTC().Format(time.RFC3339)
	}
	return out
}

// attempt runs one Connecting -> Handshaking -> Streaming pass. A nil return
// means the stream ended cleanly.
func (c *Client) attempt(ctx context.Context) error {
	c.attempts.Add(1)
	c.setState(StateConnecting, "")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.opts.Dial(dialCtx, "tcp", c.cfg.addr())
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.addr(), err)
	}
	if !c.setConn(conn) {
		_ = conn.Close()
		return nil
	}
	defer c.clearConn(conn)

	c.setState(StateHandshaking, "")
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := conn.Write(buildRequest(c.cfg)); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	br := bufio.NewReaderSize(conn, 4096)
	resp, err := readResponse(br, MaxHeaderBytes)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Status)
	}

	c.setState(StateStreaming, "")
	c.log.Info("ntrip streaming", "caster", c.cfg.addr(), "mountpoint", c.cfg.Mountpoint, "status", resp.Status)

	var body io.Reader = &pollReader{ctx: ctx, conn: conn, r: br, timeout: c.cfg.ReadTimeout}
	if resp.chunked() {
		body = httputil.NewChunkedReader(body)
	}
	return c.stream(ctx, body)
}

func (c *Client) stream(ctx context.Context, body io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := c.dev.Write(buf[:n]); werr != nil {
				c.log.Warn("ntrip device write failed", "err", werr)
				return nil
			}
			c.relayed.Add(uint64(n))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("stream read: %w", err)
	}
}

func (c *Client) reportLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.GGAInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if c.opts.Latest == nil {
			continue
		}
		fix := c.opts.Latest()
		if fix == nil || fix.Raw == "" {
			c.log.Debug("no gga yet, skipping position report")
			continue
		}
		var upstream io.Writer
		if conn := c.liveConn(); conn != nil {
			upstream = &deadlineWriter{conn: conn, timeout: c.cfg.WriteTimeout}
		}
		if err := c.opts.Reporter.ReportPosition(ctx, upstream, *fix); err != nil {
			c.log.Warn("position report failed", "err", err)
		}
	}
}

func (c *Client) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: c.cfg.DialTimeout}
	if !c.cfg.UseTLS {
		return nd.DialContext(ctx, network, addr)
	}
	td := &tls.Dialer{
		NetDialer: nd,
		Config:    &tls.Config{ServerName: strings.TrimSpace(c.cfg.Host), MinVersion: tls.VersionTLS12},
	}
	return td.DialContext(ctx, network, addr)
}

// setConn publishes the live transport. It reports false if Close already
// ran, in which case the caller must drop the connection.
func (c *Client) setConn(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// liveConn returns the transport only while streaming.
func (c *Client) liveConn() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateStreaming {
		return nil
	}
	return c.conn
}

func (c *Client) setState(state State, lastErr string) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == StateStreaming || state == StateStopped {
		c.lastErr = ""
	}
	if state == StateStreaming {
		c.since = time.Now()
	}
	c.mu.Unlock()

	if changed && c.opts.OnState != nil {
		c.opts.OnState(state)
	}
}

// pollReader reads the session with a short deadline and retries timeouts
// until ctx is cancelled, so a quiet caster is not treated as a failure.
type pollReader struct {
	ctx     context.Context
	conn    net.Conn
	r       io.Reader
	timeout time.Duration
}

func (p *pollReader) Read(b []byte) (int, error) {
	for {
		if err := p.ctx.Err(); err != nil {
			return 0, err
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.timeout))
		n, err := p.r.Read(b)
		if n > 0 {
			return n, nil
		}
		var ne net.Error
		if err != nil && errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		if err == nil {
			// Zero-byte read: the stream is closed.
			return 0, io.EOF
		}
		return 0, err
	}
}

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.Write(p)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
