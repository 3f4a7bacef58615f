package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"
)

type ServerConfig struct {
	Host         string
	Port         int
	MaxClients   int
	Allow        []string
	OnlyRTKFixed bool

	// WriteTimeout bounds each write to a subscriber. Defaults to 2s.
	WriteTimeout time.Duration
	// PollInterval bounds accept and per-connection reads so loops notice
	// cancellation. Defaults to 1s.
	PollInterval time.Duration
	// UserTimeout is applied as TCP_USER_TIMEOUT on Linux. Zero disables.
	UserTimeout time.Duration
}

type Snapshot struct {
	Listen       string       `json:"listen"`
	Clients      []ClientInfo `json:"clients"`
	MaxClients   int          `json:"max_clients"`
	Allow        []string     `json:"allow"`
	OnlyRTKFixed bool         `json:"only_rtk_fixed"`
	Forwarded    uint64       `json:"forwarded"`
	Filtered     uint64       `json:"filtered"`
}

// Server accepts subscribers and rebroadcasts filtered sentences to them.
type Server struct {
	cfg    ServerConfig
	hub    *Hub
	filter Filter
	log    *log.Logger

	forwarded atomic.Uint64
	filtered  atomic.Uint64

	mu sync.Mutex
	ln *net.TCPListener
	wg sync.WaitGroup
}

func NewServer(cfg ServerConfig, logger *log.Logger) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:    cfg,
		hub:    NewHub(cfg.MaxClients, cfg.WriteTimeout, logger),
		filter: NewFilter(cfg.Allow, cfg.OnlyRTKFixed),
		log:    logger,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Listen binds the configured address. It is separate from Run so startup
// can fail fast on a port conflict.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln.(*net.TCPListener)
	s.mu.Unlock()
	s.log.Info("tcp broadcast listening", "addr", ln.Addr().String(), "max_clients", s.cfg.MaxClients)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run accepts connections until ctx is cancelled. It closes the listener and
// waits for connection handlers before returning.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("tcp server not listening")
	}
	defer s.wg.Wait()
	defer ln.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = ln.SetDeadline(time.Now().Add(s.cfg.PollInterval))
		conn, err := ln.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("tcp accept failed", "err", err)
			continue
		}
		if err := setUserTimeout(conn, s.cfg.UserTimeout); err != nil {
			s.log.Debug("set tcp user timeout failed", "err", err)
		}
		if !s.hub.Admit(conn) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watch(ctx, conn)
		}()
	}
}

// watch only detects disconnection. Subscriber input is discarded.
func (s *Server) watch(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			// No-op unless conn was admitted after Close emptied the hub.
			s.hub.Evict(conn, ShutdownNotice)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		s.hub.Remove(conn)
		return
	}
}

// Forward implements gps.Forwarder.
func (s *Server) Forward(line string) {
	if !s.filter.Pass(line) {
		s.filtered.Add(1)
		return
	}
	s.forwarded.Add(1)
	s.hub.Publish([]byte(line + "\r\n"))
}

// Close notifies and disconnects every subscriber and closes the listener.
func (s *Server) Close() error {
	err := s.hub.CloseAll(ShutdownNotice)
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (s *Server) Snapshot() Snapshot {
	listen := ""
	if a := s.Addr(); a != nil {
		listen = a.String()
	}
	return Snapshot{
		Listen:       listen,
		Clients:      s.hub.Clients(),
		MaxClients:   s.cfg.MaxClients,
		Allow:        s.filter.Allowed(),
		OnlyRTKFixed: s.cfg.OnlyRTKFixed,
		Forwarded:    s.forwarded.Load(),
		Filtered:     s.filtered.Load(),
	}
}
