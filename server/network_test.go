package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"qlserver/chat"
	"qlserver/config"
	"qlserver/logging"
	"qlserver/protocol"
	"qlserver/ratelimit"
	"qlserver/store"
	"qlserver/workerpool"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func startTestNetwork(t *testing.T) (*Network, *chat.Manager, func()) {
	t.Helper()
	cfg := &config.Config{
		Host:                  "127.0.0.1",
		Port:                  0,
		ReadTimeoutSeconds:    5,
		WriteTimeoutSeconds:   5,
		HandlerTimeoutSeconds: 5,
		Debug:                 true,
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}}
	manager := chat.NewManager()
	limiter := ratelimit.NewDefault()
	pool := workerpool.NewSize(4)
	log := logging.New(true)

	nw := New(cfg, tlsCfg, manager, limiter, pool, store.Noop{}, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		nw.Serve(ctx)
		close(done)
	}()
	nw.Addr()

	cleanup := func() {
		cancel()
		pool.Close()
		<-done
	}
	return nw, manager, cleanup
}

func dialClient(t *testing.T, addr net.Addr) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, requestID uint64, body []byte) {
	t.Helper()
	wire := protocol.Encode(protocol.Frame{Type: protocol.TypeText, Sequence: 1, RequestID: requestID, Payload: body})
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) protocol.Frame {
	t.Helper()
	var buf protocol.Buffer
	scratch := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if buf.CanRead() {
			frame, err := buf.Read()
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			return frame
		}
		n, err := conn.Read(scratch)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		buf.Write(scratch[:n])
	}
}

func TestHandshakeProbeThenCommandRoundTrip(t *testing.T) {
	nw, manager, cleanup := startTestNetwork(t)
	defer cleanup()

	hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	user := manager.AddNewUser()
	if err := user.SetPassword(string(hash)); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	conn := dialClient(t, nw.Addr())
	defer conn.Close()

	writeFrame(t, conn, 0, []byte("test"))

	loginBody, _ := json.Marshal(map[string]interface{}{
		"function": "login",
		"parameters": map[string]interface{}{
			"user_id": user.ID(), "password": "pw", "device": "PersonalComputer",
		},
	})
	writeFrame(t, conn, 1, loginBody)

	reply := readFrame(t, conn)
	var decoded map[string]interface{}
	if err := json.Unmarshal(reply.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["state"] != "success" {
		t.Fatalf("expected successful login, got %+v", decoded)
	}
}

func TestBadProbeClosesConnection(t *testing.T) {
	nw, _, cleanup := startTestNetwork(t)
	defer cleanup()

	conn := dialClient(t, nw.Addr())
	defer conn.Close()

	writeFrame(t, conn, 0, []byte("not-the-probe"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection close after failed probe, got %d bytes", n)
	}
}

func writeHeartbeat(t *testing.T, conn net.Conn) {
	t.Helper()
	wire := protocol.Encode(protocol.Frame{Type: protocol.TypeHeartbeat, Sequence: 1})
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
}

func loginAndExpectSuccess(t *testing.T, conn net.Conn, manager *chat.Manager, requestID uint64) {
	t.Helper()
	user := manager.AddNewUser()
	hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err := user.SetPassword(string(hash)); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	loginBody, _ := json.Marshal(map[string]interface{}{
		"function": "login",
		"parameters": map[string]interface{}{
			"user_id": user.ID(), "password": "pw", "device": "Web",
		},
	})
	writeFrame(t, conn, requestID, loginBody)

	reply := readFrame(t, conn)
	var decoded map[string]interface{}
	if err := json.Unmarshal(reply.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["state"] != "success" {
		t.Fatalf("expected login to succeed, got %+v", decoded)
	}
}

// TestHeartbeatFrameIsIgnored covers a heartbeat arriving after the
// connectivity probe: it must be dropped without disturbing dispatch.
func TestHeartbeatFrameIsIgnored(t *testing.T) {
	nw, manager, cleanup := startTestNetwork(t)
	defer cleanup()

	conn := dialClient(t, nw.Addr())
	defer conn.Close()

	writeFrame(t, conn, 0, []byte("test"))
	writeHeartbeat(t, conn)

	loginAndExpectSuccess(t, conn, manager, 1)
}

// TestHeartbeatBeforeProbeIsIgnored covers a heartbeat arriving before the
// connectivity probe has even been seen: it must still be dropped silently
// rather than being evaluated as the probe frame itself (which would fail
// the type/payload check and close the connection).
func TestHeartbeatBeforeProbeIsIgnored(t *testing.T) {
	nw, manager, cleanup := startTestNetwork(t)
	defer cleanup()

	conn := dialClient(t, nw.Addr())
	defer conn.Close()

	writeHeartbeat(t, conn)
	writeFrame(t, conn, 0, []byte("test"))

	loginAndExpectSuccess(t, conn, manager, 1)
}
