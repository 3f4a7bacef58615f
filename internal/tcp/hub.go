package tcp

import (
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
)

// ShutdownNotice is written to every subscriber before the hub closes it.
const ShutdownNotice = "Server shutting down\n"

type subscriber struct {
	id     uuid.UUID
	conn   net.Conn
	remote string
	since  time.Time
}

// ClientInfo describes one connected subscriber.
type ClientInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Hub owns the set of subscriber connections. Every mutation and every
// iteration of the set happens under mu; sends happen outside it on a
// snapshot so a slow subscriber cannot block Admit or Remove.
type Hub struct {
	max          int
	writeTimeout time.Duration
	log          *log.Logger

	mu   sync.Mutex
	subs map[net.Conn]*subscriber
}

func NewHub(maxClients int, writeTimeout time.Duration, logger *log.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		max:          maxClients,
		writeTimeout: writeTimeout,
		log:          logger,
		subs:         make(map[net.Conn]*subscriber),
	}
}

// Admit adds conn to the set. When the set is full the connection is closed
// immediately and Admit returns false.
func (h *Hub) Admit(conn net.Conn) bool {
	h.mu.Lock()
	if h.max > 0 && len(h.subs) >= h.max {
		h.mu.Unlock()
		_ = conn.Close()
		h.log.Warn("subscriber rejected: at capacity", "remote", remoteOf(conn), "max", h.max)
		return false
	}
	sub := &subscriber{
		id:     uuid.New(),
		conn:   conn,
		remote: remoteOf(conn),
		since:  time.Now(),
	}
	h.subs[conn] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Info("subscriber connected", "id", sub.id, "remote", sub.remote, "clients", n)
	return true
}

// Remove drops conn from the set and closes it. Removing an unknown or
// already removed connection is a no-op.
func (h *Hub) Remove(conn net.Conn) {
	h.Evict(conn, "")
}

// Evict is Remove with a best-effort notice written before the close.
func (h *Hub) Evict(conn net.Conn, notice string) {
	h.mu.Lock()
	sub, ok := h.subs[conn]
	if ok {
		delete(h.subs, conn)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	if notice != "" {
		_ = h.send(conn, []byte(notice))
	}
	_ = conn.Close()
	h.log.Info("subscriber disconnected", "id", sub.id, "remote", sub.remote, "clients", n)
}

// Publish writes p to every subscriber concurrently and returns how many
// accepted it. A stuck subscriber delays the caller by at most one write
// timeout. Subscribers whose write fails are removed after the send pass.
func (h *Hub) Publish(p []byte) int {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	errs := make([]error, len(targets))
	var wg conc.WaitGroup
	for i, sub := range targets {
		wg.Go(func() { errs[i] = h.send(sub.conn, p) })
	}
	wg.Wait()

	failed := 0
	for i, sub := range targets {
		if errs[i] == nil {
			continue
		}
		h.log.Debug("subscriber write failed", "id", sub.id, "err", errs[i])
		h.Remove(sub.conn)
		failed++
	}
	return len(targets) - failed
}

func (h *Hub) send(conn net.Conn, p []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(p)
	return err
}

// CloseAll sends notice (best effort) to every subscriber, closes them and
// empties the set.
func (h *Hub) CloseAll(notice string) error {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[net.Conn]*subscriber)
	h.mu.Unlock()

	var errs error
	for conn := range subs {
		if notice != "" {
			_ = h.send(conn, []byte(notice))
		}
		errs = multierr.Append(errs, conn.Close())
	}
	if len(subs) > 0 {
		h.log.Info("closed subscribers", "count", len(subs))
	}
	return errs
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ClientInfo, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, ClientInfo{ID: sub.id.String(), Remote: sub.remote, ConnectedAt: sub.since})
	}
	return out
}

func remoteOf(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
