//go:build !linux

package tcp

import (
	"net"
	"time"
)

func setUserTimeout(net.Conn, time.Duration) error { return nil }
