//go:build !linux

package server

import (
	"net"

	"go.uber.org/zap"
)

// applyLinuxSocketOptions is a no-op outside Linux, where TCP_SYNCNT isn't
// exposed.
func applyLinuxSocketOptions(tcpConn *net.TCPConn, log *zap.SugaredLogger) {}
