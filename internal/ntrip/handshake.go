package ntrip

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MaxHeaderBytes caps the caster's response header.
const MaxHeaderBytes = 32 * 1024

var (
	// ErrHandshakeRejected means the caster answered without a 200 status.
	ErrHandshakeRejected = errors.New("ntrip: handshake rejected")
	errHeaderTooLarge    = errors.New("ntrip: response header too large")
)

// buildRequest renders the single GET a caster expects for a mountpoint.
func buildRequest(cfg Config) []byte {
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
	mount := strings.TrimPrefix(cfg.Mountpoint, "/")

	var b strings.Builder
	fmt.Fprintf(&b, "GET /%s HTTP/1.1\r\n", mount)
	fmt.Fprintf(&b, "Host: %s\r\n", cfg.addr())
	b.WriteString("Ntrip-Version: Ntrip/2.0\r\n")
	fmt.Fprintf(&b, "User-Agent: %s\r\n", cfg.UserAgent)
	fmt.Fprintf(&b, "Authorization: Basic %s\r\n", auth)
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

type response struct {
	Status  string
	Headers map[string]string
}

// ok reports whether the status line carries a 200. A SOURCETABLE reply is
// a 200 too, but it means the mountpoint does not exist.
func (r response) ok() bool {
	if strings.HasPrefix(strings.ToUpper(r.Status), "SOURCETABLE") {
		return false
	}
	return strings.Contains(r.Status, " 200")
}

func (r response) chunked() bool {
	return strings.Contains(strings.ToLower(r.Headers["transfer-encoding"]), "chunked")
}

// readResponse reads the status line and headers up to the blank line.
// Casters answer either "ICY 200 OK" (NTRIP 1) or an HTTP status line
// (NTRIP 2), so net/http's response parser cannot be used.
func readResponse(br *bufio.Reader, limit int) (response, error) {
	resp := response{Headers: make(map[string]string)}
	total := 0
	first := true
	for {
		line, err := br.ReadString('\n')
		total += len(line)
		if total > limit {
			return resp, errHeaderTooLarge
		}
		if err != nil {
			return resp, fmt.Errorf("read response header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if first {
			resp.Status = strings.TrimSpace(line)
			first = false
			if resp.Status == "" {
				return resp, fmt.Errorf("%w: empty status line", ErrHandshakeRejected)
			}
			continue
		}
		if line == "" {
			return resp, nil
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			resp.Headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}
