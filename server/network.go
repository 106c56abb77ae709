package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"qlserver/chat"
	"qlserver/config"
	"qlserver/protocol"
	"qlserver/ratelimit"
	"qlserver/store"
	"qlserver/workerpool"
)

// probePayload is the literal payload a client's first non-heartbeat frame
// must carry.
var probePayload = []byte("test")

// Network is the TLS listener plus everything a freshly accepted
// connection needs: the rate limiter gating admission, the domain
// registry, the command registry, and the worker pool handlers run on.
type Network struct {
	cfg       *config.Config
	tlsConfig *tls.Config
	manager   *chat.Manager
	limiter   *ratelimit.Limiter
	pool      *workerpool.Pool
	registry  *CommandRegistry
	store     store.Store
	log       *zap.SugaredLogger

	listener net.Listener
	// ready is closed once the listener is bound, so Addr can block until
	// a Serve started on port 0 has picked its actual port.
	ready     chan struct{}
	readyAddr net.Addr
}

// New wires up a Network ready to Serve once a TLS certificate is loaded.
func New(cfg *config.Config, tlsConfig *tls.Config, manager *chat.Manager, limiter *ratelimit.Limiter, pool *workerpool.Pool, st store.Store, log *zap.SugaredLogger) *Network {
	return &Network{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		manager:   manager,
		limiter:   limiter,
		pool:      pool,
		registry:  registerCommands(),
		store:     st,
		log:       log,
		ready:     make(chan struct{}),
	}
}

// Addr blocks until Serve's listener is bound and returns its address;
// tests use this to dial a Serve started with port 0.
func (n *Network) Addr() net.Addr {
	<-n.ready
	return n.readyAddr
}

// Serve listens and accepts connections until ctx is cancelled, at which
// point the listener is closed and Serve returns nil.
func (n *Network) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	n.listener = raw
	n.readyAddr = raw.Addr()
	close(n.ready)
	n.log.Infow("listening", "addr", addr)

	go func() {
		<-ctx.Done()
		n.listener.Close()
	}()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				n.log.Infow("accept error", "error", err)
				continue
			}
		}

		addr := conn.RemoteAddr().String()
		if !n.limiter.Allow(hostOf(addr)) {
			conn.Close()
			continue
		}

		// Socket options must be set on the plain TCP socket before TLS
		// wraps it; tls.Conn doesn't expose the underlying *net.TCPConn.
		applySocketOptions(conn, n.log)
		go n.serveConnection(tls.Server(conn, n.tlsConfig))
	}
}

// RunSweeper runs the rate limiter's background bucket sweeper until stop
// fires; callers launch it as its own goroutine.
func (n *Network) RunSweeper(stop <-chan struct{}) {
	n.limiter.RunSweeper(stop)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (n *Network) serveConnection(tlsConn *tls.Conn) {
	conn := newConnection(tlsConn, time.Duration(n.cfg.WriteTimeoutSeconds)*time.Second)
	log := n.log.With("trace_id", conn.TraceID(), "remote_addr", conn.RemoteAddr())

	handshakeTimeout := time.Duration(n.cfg.ReadTimeoutSeconds) * time.Second
	tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		log.Infow("TLS handshake failed", "error", err)
		tlsConn.Close()
		return
	}
	tlsConn.SetDeadline(time.Time{})

	if err := n.manager.RegisterConnection(conn); err != nil {
		log.Infow("duplicate connection registration", "error", err)
		conn.Close()
		return
	}

	processor := newProcessor(
		n.manager,
		n.registry,
		n.pool,
		conn,
		n.store,
		n.cfg.Debug,
		time.Duration(n.cfg.HandlerTimeoutSeconds)*time.Second,
	)
	defer processor.Dispose()
	defer conn.Close()

	readTimeout := time.Duration(n.cfg.ReadTimeoutSeconds) * time.Second
	scratch := make([]byte, 64*1024)
	probed := false

	for {
		if _, err := conn.readInto(readTimeout, scratch); err != nil {
			log.Infow("connection read ended", "error", err)
			return
		}

		for {
			if err := conn.buf.HeadError(); err != nil {
				log.Infow("framing error, closing connection", "error", err)
				return
			}
			if !conn.buf.CanRead() {
				break
			}
			frame, err := conn.buf.Read()
			if err != nil {
				log.Infow("frame decode error, closing connection", "error", err)
				return
			}

			if frame.Type == protocol.TypeHeartbeat {
				continue
			}

			if !probed {
				probed = true
				if frame.Type != protocol.TypeText || !bytes.Equal(frame.Payload, probePayload) {
					log.Infow("connectivity probe failed, closing connection")
					return
				}
				continue
			}

			switch frame.Type {
			case protocol.TypeText:
				processor.HandleText(frame.RequestID, frame.Payload)
			default:
				processor.replyError(frame.RequestID, "Unsupported frame type.")
			}
		}
	}
}

// applySocketOptions sets socket-level tuning on each accepted connection:
// a 1 MiB receive buffer and immediate connection abort on close (via
// SO_LINGER 0) everywhere, plus a reduced SYN retry count on Linux.
func applySocketOptions(conn net.Conn, log *zap.SugaredLogger) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetReadBuffer(1 << 20); err != nil {
		log.Debugw("SetReadBuffer failed", "error", err)
	}
	if err := tcpConn.SetLinger(0); err != nil {
		log.Debugw("SetLinger failed", "error", err)
	}
	applyLinuxSocketOptions(tcpConn, log)
}
