package gps

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// MaxLineBytes bounds the partial-line buffer. A sentence is < 83 bytes on
// the wire, so anything longer is line noise.
const MaxLineBytes = 4096

// Recorder receives every fix that carries a position.
type Recorder interface {
	AppendFix(Fix)
	ForceFlush(ctx context.Context) error
}

// Forwarder receives every complete sentence in arrival order and decides
// whether to rebroadcast it.
type Forwarder interface {
	Forward(line string)
}

type Config struct {
	// RetryDelay is the pause after a failed read. Defaults to 1s.
	RetryDelay time.Duration
	Checksum   ChecksumPolicy
	// FlushTimeout bounds the final flush on shutdown. Defaults to 10s.
	FlushTimeout time.Duration
}

type Options struct {
	Recorder  Recorder
	Forwarder Forwarder
	// OnFix, when set, is called for every parsed GGA (with or without
	// position) from the ingestion goroutine.
	OnFix  func(Fix)
	Logger *log.Logger
	Now    func() time.Time
}

type Stats struct {
	Lines      uint64 `json:"lines"`
	Malformed  uint64 `json:"malformed"`
	Overflows  uint64 `json:"overflows"`
	ReadErrors uint64 `json:"read_errors"`
	LastError  string `json:"last_error,omitempty"`
}

// Service is the serial ingestion loop.
type Service struct {
	cfg    Config
	dev    io.ReadCloser
	parser *Parser
	opts   Options
	log    *log.Logger

	latest atomic.Pointer[Fix]

	lines      atomic.Uint64
	malformed  atomic.Uint64
	overflows  atomic.Uint64
	readErrors atomic.Uint64

	mu      sync.Mutex
	lastErr string
	pending []byte
}

func NewService(dev io.ReadCloser, cfg Config, opts Options) *Service {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		cfg:    cfg,
		dev:    dev,
		parser: &Parser{Dates: &DateContext{}, Checksum: cfg.Checksum, Now: opts.Now},
		opts:   opts,
		log:    logger,
	}
}

// Latest returns the most recent GGA fix, or nil before the first one.
func (s *Service) Latest() *Fix {
	return s.latest.Load()
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()
	return Stats{
		Lines:      s.lines.Load(),
		Malformed:  s.malformed.Load(),
		Overflows:  s.overflows.Load(),
		ReadErrors: s.readErrors.Load(),
		LastError:  lastErr,
	}
}

// Run reads the device until ctx is cancelled or the device is closed. On
// return the device is closed and buffered log records are flushed.
func (s *Service) Run(ctx context.Context) error {
	defer s.finish()

	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.dev.Read(buf)
		if n > 0 {
			s.feed(buf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrDeviceClosed) || ctx.Err() != nil {
			return nil
		}
		s.readErrors.Add(1)
		s.setError(err.Error())
		s.log.Warn("serial read failed", "err", err, "retry", s.cfg.RetryDelay)
		if !sleepCtx(ctx, s.cfg.RetryDelay) {
			return nil
		}
	}
}

func (s *Service) finish() {
	if err := s.dev.Close(); err != nil && !errors.Is(err, ErrDeviceClosed) {
		s.log.Warn("serial close failed", "err", err)
	}
	if s.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.opts.Recorder.ForceFlush(ctx); err != nil {
		s.log.Error("final log flush failed", "err", err)
	}
}

// feed appends raw bytes and dispatches every complete line.
func (s *Service) feed(p []byte) {
	s.pending = append(s.pending, p...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := string(s.pending[:i])
		s.pending = s.pending[i+1:]
		s.handleLine(line)
	}
	if len(s.pending) > MaxLineBytes {
		s.overflows.Add(1)
		s.pending = s.pending[:0]
	}
	if len(s.pending) == 0 && cap(s.pending) > MaxLineBytes {
		s.pending = nil
	}
}

func (s *Service) handleLine(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" || line[0] != '$' {
		return
	}
	s.lines.Add(1)

	switch SentenceType(line) {
	case "GGA":
		fix, err := s.parser.ParseGGA(line)
		if err != nil {
			s.countMalformed(line, err)
			break
		}
		s.latest.Store(&fix)
		if fix.HasPosition() && s.opts.Recorder != nil {
			s.opts.Recorder.AppendFix(fix)
		}
		if s.opts.OnFix != nil {
			s.opts.OnFix(fix)
		}
	case "RMC":
		if _, err := s.parser.ParseRMC(line); err != nil {
			s.countMalformed(line, err)
		}
	}

	if s.opts.Forwarder != nil {
		s.opts.Forwarder.Forward(line)
	}
}

func (s *Service) countMalformed(line string, err error) {
	s.malformed.Add(1)
	s.log.Debug("skipping sentence", "line", line, "err", err)
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
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
