package server

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"qlserver/chat"
	"qlserver/protocol"
	"qlserver/store"
	"qlserver/workerpool"
)

// readReply drains one frame from the client side of a net.Pipe, decoding
// it with the same reassembly buffer the real read loop uses.
func readReply(t *testing.T, client net.Conn) map[string]interface{} {
	t.Helper()
	var buf protocol.Buffer
	scratch := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if buf.CanRead() {
			frame, err := buf.Read()
			if err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(frame.Payload, &body); err != nil {
				t.Fatalf("unmarshal reply: %v", err)
			}
			return body
		}
		n, err := client.Read(scratch)
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		buf.Write(scratch[:n])
	}
}

func newTestProcessor(t *testing.T, manager *chat.Manager) (*Processor, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	conn := newConnection(server, 2*time.Second)
	if err := manager.RegisterConnection(conn); err != nil {
		t.Fatalf("RegisterConnection: %v", err)
	}
	pool := workerpool.NewSize(2)
	t.Cleanup(pool.Close)
	p := newProcessor(manager, registerCommands(), pool, conn, store.Noop{}, true, 2*time.Second)
	return p, client
}

func TestLoginHappyPath(t *testing.T) {
	manager := chat.NewManager()
	user := manager.AddNewUser()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	if err := user.SetPassword(string(hash)); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	p, client := newTestProcessor(t, manager)
	defer client.Close()

	go p.HandleText(1, []byte(`{"function":"login","parameters":{"user_id":`+
		itoaForTest(int64(user.ID()))+`,"password":"pw","device":"PersonalComputer"}}`))

	reply := readReply(t, client)
	if reply["state"] != "success" {
		t.Fatalf("expected success, got %+v", reply)
	}
	if got, _ := manager.GetUserIDOfConnection(p.conn); got != user.ID() {
		t.Fatalf("expected connection bound to %v, got %v", user.ID(), got)
	}
}

func TestUnauthenticatedGatedCallRejected(t *testing.T) {
	manager := chat.NewManager()
	p, client := newTestProcessor(t, manager)
	defer client.Close()

	go p.HandleText(7, []byte(`{"function":"get_friend_list","parameters":{}}`))

	reply := readReply(t, client)
	if reply["state"] != "error" || reply["message"] != "You haven't logged in!" {
		t.Fatalf("expected login-gate error, got %+v", reply)
	}
}

func TestBadEnvelopeFunctionType(t *testing.T) {
	manager := chat.NewManager()
	p, client := newTestProcessor(t, manager)
	defer client.Close()

	go p.HandleText(3, []byte(`{"function":42,"parameters":{}}`))

	reply := readReply(t, client)
	if reply["message"] != `"function" must be string type!` {
		t.Fatalf("expected envelope type error, got %+v", reply)
	}
}

func TestBadEnvelopeExtraKeyRejected(t *testing.T) {
	manager := chat.NewManager()
	p, client := newTestProcessor(t, manager)
	defer client.Close()

	go p.HandleText(4, []byte(`{"function":"login","parameters":{},"extra":true}`))

	reply := readReply(t, client)
	if reply["state"] != "error" || reply["message"] != `envelope must contain exactly "function" and "parameters"!` {
		t.Fatalf("expected envelope shape error, got %+v", reply)
	}
}

func TestMissingParameterReportsLostParameter(t *testing.T) {
	manager := chat.NewManager()
	p, client := newTestProcessor(t, manager)
	defer client.Close()

	p.setCurrentUser(manager.AddNewUser().ID())
	go p.HandleText(9, []byte(`{"function":"send_friend_message","parameters":{"message":"hi"}}`))

	reply := readReply(t, client)
	if reply["message"] != "Lost a parameter: user_id." {
		t.Fatalf("expected missing-parameter error, got %+v", reply)
	}
}

// itoaForTest avoids pulling strconv into the non-test call sites above
// just for building a JSON number literal.
func itoaForTest(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
