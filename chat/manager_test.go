package chat

import (
	"errors"
	"testing"

	"qlserver/errs"
)

type fakeConn struct {
	addr string
	sent [][]byte
}

func (f *fakeConn) Send(payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConn) RemoteAddr() string { return f.addr }

func TestConnectionUserEndpointInvariant(t *testing.T) {
	m := NewManager()
	u := m.AddNewUser()
	c := &fakeConn{addr: "10.0.0.1:1"}

	if err := m.RegisterConnection(c); err != nil {
		t.Fatalf("RegisterConnection: %v", err)
	}
	if err := m.ModifyUserOfConnection(c, u.ID(), DevicePersonalComputer); err != nil {
		t.Fatalf("ModifyUserOfConnection: %v", err)
	}

	bound, ok := m.GetUserIDOfConnection(c)
	if !ok || bound != u.ID() {
		t.Fatalf("expected connection bound to %v, got %v (ok=%v)", u.ID(), bound, ok)
	}
	if _, present := u.Endpoints()[c]; !present {
		t.Fatalf("expected connection present in user's endpoint set")
	}

	m.RemoveConnection(c)
	if _, ok := m.GetUserIDOfConnection(c); ok {
		t.Fatalf("expected connection to be forgotten after RemoveConnection")
	}
	if _, present := u.Endpoints()[c]; present {
		t.Fatalf("expected connection removed from user's endpoint set")
	}
}

func TestModifyUserOfConnectionRebindsExactlyOneUser(t *testing.T) {
	m := NewManager()
	u1 := m.AddNewUser()
	u2 := m.AddNewUser()
	c := &fakeConn{addr: "10.0.0.1:1"}
	_ = m.RegisterConnection(c)
	_ = m.ModifyUserOfConnection(c, u1.ID(), DevicePhone)
	_ = m.ModifyUserOfConnection(c, u2.ID(), DevicePhone)

	if _, present := u1.Endpoints()[c]; present {
		t.Fatalf("expected connection removed from previous user u1")
	}
	if _, present := u2.Endpoints()[c]; !present {
		t.Fatalf("expected connection present on new user u2")
	}
}

func TestPrivateRoomSymmetry(t *testing.T) {
	m := NewManager()
	u1 := m.AddNewUser()
	u2 := m.AddNewUser()

	if m.HasPrivateRoom(u1.ID(), u2.ID()) {
		t.Fatalf("expected no private room before creation")
	}
	id, err := m.AddPrivateRoom(u1.ID(), u2.ID())
	if err != nil {
		t.Fatalf("AddPrivateRoom: %v", err)
	}

	if !m.HasPrivateRoom(u1.ID(), u2.ID()) || !m.HasPrivateRoom(u2.ID(), u1.ID()) {
		t.Fatalf("expected hasPrivateRoom symmetric regardless of argument order")
	}
	got, err := m.GetPrivateRoomId(u2.ID(), u1.ID())
	if err != nil || got != id {
		t.Fatalf("expected GetPrivateRoomId(reversed) = %v, got %v (err=%v)", id, got, err)
	}

	if _, err := m.AddPrivateRoom(u1.ID(), u2.ID()); !errors.Is(err, errs.ErrPrivateRoomExisted) {
		t.Fatalf("expected ErrPrivateRoomExisted on duplicate creation, got %v", err)
	}
}

func TestRemovePrivateRoomMakesRoomUnusable(t *testing.T) {
	m := NewManager()
	u1 := m.AddNewUser()
	u2 := m.AddNewUser()
	id, _ := m.AddPrivateRoom(u1.ID(), u2.ID())
	room, _ := m.GetPrivateRoom(id)

	if err := m.RemovePrivateRoom(id); err != nil {
		t.Fatalf("RemovePrivateRoom: %v", err)
	}
	if m.HasPrivateRoom(u1.ID(), u2.ID()) {
		t.Fatalf("expected private room gone from index after removal")
	}
	if _, err := room.GetMessages(0, 1); !errors.Is(err, errs.ErrPrivateRoomUnableToUse) {
		t.Fatalf("expected ErrPrivateRoomUnableToUse after removal, got %v", err)
	}
	if _, err := room.SendMessage(u1.ID(), "hi"); !errors.Is(err, errs.ErrPrivateRoomUnableToUse) {
		t.Fatalf("expected ErrPrivateRoomUnableToUse on send after removal, got %v", err)
	}
}

func TestGroupRoomMembershipAndAdministrator(t *testing.T) {
	m := NewManager()
	admin := m.AddNewUser()
	member := m.AddNewUser()

	gid := m.AddGroupRoom(admin.ID())
	room, ok := m.GetGroupRoom(gid)
	if !ok {
		t.Fatalf("expected group room to exist")
	}
	if room.Administrator() != admin.ID() {
		t.Fatalf("expected administrator to be creator")
	}
	if !room.HasMember(admin.ID()) {
		t.Fatalf("expected creator to be a member")
	}
	if !room.AddMember(member.ID()) {
		t.Fatalf("expected first AddMember to return true")
	}
	if room.AddMember(member.ID()) {
		t.Fatalf("expected second AddMember to be idempotent and return false")
	}
}
