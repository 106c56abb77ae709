//go:build linux

package server

import (
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// applyLinuxSocketOptions sets the per-socket option Linux exposes beyond
// what's portable: a reduced SYN retry count so a dead peer fails fast.
// SYN cookies are a listen-socket/host sysctl (net.ipv4.tcp_syncookies),
// not a per-accepted-connection option, so there's nothing to set here;
// operators enable it at the host level.
func applyLinuxSocketOptions(tcpConn *net.TCPConn, log *zap.SugaredLogger) {
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		log.Debugw("SyscallConn failed", "error", err)
		return
	}
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_SYNCNT, 2); err != nil {
			log.Debugw("TCP_SYNCNT failed", "error", err)
		}
	})
	if ctrlErr != nil {
		log.Debugw("socket control failed", "error", ctrlErr)
	}
}
