package chat

import (
	"errors"
	"testing"

	"qlserver/errs"
)

func TestFriendVerificationLifecycle(t *testing.T) {
	m := NewManager()
	a := m.AddNewUser()
	b := m.AddNewUser()

	if err := m.Verification.ApplyFriend(a.ID(), b.ID()); err != nil {
		t.Fatalf("ApplyFriend: %v", err)
	}

	aSent := a.FriendMirrors()
	if len(aSent) != 1 || aSent[0].Peer != b.ID() || aSent[0].Direction != DirectionSent {
		t.Fatalf("expected A to hold a Sent mirror to B, got %+v", aSent)
	}
	bReceived := b.FriendMirrors()
	if len(bReceived) != 1 || bReceived[0].Peer != a.ID() || bReceived[0].Direction != DirectionReceived {
		t.Fatalf("expected B to hold a Received mirror from A, got %+v", bReceived)
	}

	if err := m.Verification.AcceptFriend(a.ID(), b.ID()); err != nil {
		t.Fatalf("AcceptFriend: %v", err)
	}

	if !a.IsFriend(b.ID()) || !b.IsFriend(a.ID()) {
		t.Fatalf("expected mutual friendship after acceptance")
	}
	if !m.HasPrivateRoom(a.ID(), b.ID()) {
		t.Fatalf("expected a fresh private room after acceptance")
	}
	if len(a.FriendMirrors()) != 0 || len(b.FriendMirrors()) != 0 {
		t.Fatalf("expected both mirrors purged after acceptance")
	}

	if _, err := m.Verification.IsFriendVerified(a.ID(), b.ID()); !errors.Is(err, errs.ErrVerificationNotExisted) {
		t.Fatalf("expected ErrVerificationNotExisted for a consumed record, got %v", err)
	}
}

func TestFriendVerificationRejectsDuplicateAndSelf(t *testing.T) {
	m := NewManager()
	a := m.AddNewUser()
	b := m.AddNewUser()

	if err := m.Verification.ApplyFriend(a.ID(), a.ID()); !errors.Is(err, errs.ErrInvalidVerification) {
		t.Fatalf("expected ErrInvalidVerification for self-request, got %v", err)
	}

	if err := m.Verification.ApplyFriend(a.ID(), b.ID()); err != nil {
		t.Fatalf("ApplyFriend: %v", err)
	}
	if err := m.Verification.ApplyFriend(a.ID(), b.ID()); !errors.Is(err, errs.ErrVerificationExisted) {
		t.Fatalf("expected ErrVerificationExisted on duplicate apply, got %v", err)
	}
}

func TestFriendVerificationRejectedByPrivateRoomAlreadyExisting(t *testing.T) {
	m := NewManager()
	a := m.AddNewUser()
	b := m.AddNewUser()
	if _, err := m.AddPrivateRoom(a.ID(), b.ID()); err != nil {
		t.Fatalf("AddPrivateRoom: %v", err)
	}
	if err := m.Verification.ApplyFriend(a.ID(), b.ID()); !errors.Is(err, errs.ErrPrivateRoomExisted) {
		t.Fatalf("expected ErrPrivateRoomExisted, got %v", err)
	}
}

func TestGroupVerificationAdminOnlyMirror(t *testing.T) {
	m := NewManager()
	admin := m.AddNewUser()
	bystander := m.AddNewUser()
	applicant := m.AddNewUser()

	gid := m.AddGroupRoom(admin.ID())
	groupRoom, _ := m.GetGroupRoom(gid)
	groupRoom.AddMember(bystander.ID())

	if err := m.Verification.ApplyGroup(applicant.ID(), gid); err != nil {
		t.Fatalf("ApplyGroup: %v", err)
	}

	if len(admin.GroupMirrors()) != 1 {
		t.Fatalf("expected administrator to receive the Received mirror")
	}
	if len(bystander.GroupMirrors()) != 0 {
		t.Fatalf("expected a non-administrator member to receive no mirror")
	}
	if len(applicant.GroupMirrors()) != 1 {
		t.Fatalf("expected applicant to hold its own Sent mirror")
	}

	if err := m.Verification.AcceptGroup(applicant.ID(), gid); err != nil {
		t.Fatalf("AcceptGroup: %v", err)
	}
	room, _ := m.GetGroupRoom(gid)
	if !room.HasMember(applicant.ID()) {
		t.Fatalf("expected applicant to become a group member")
	}
	found := false
	for _, g := range applicant.Groups() {
		if g == gid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected gid in applicant's group set")
	}
	if len(admin.GroupMirrors()) != 0 || len(applicant.GroupMirrors()) != 0 {
		t.Fatalf("expected both mirrors purged after acceptance")
	}
}

func TestGroupVerificationDuplicateApplyReportsExisted(t *testing.T) {
	m := NewManager()
	admin := m.AddNewUser()
	applicant := m.AddNewUser()
	gid := m.AddGroupRoom(admin.ID())

	if err := m.Verification.ApplyGroup(applicant.ID(), gid); err != nil {
		t.Fatalf("ApplyGroup: %v", err)
	}
	if err := m.Verification.ApplyGroup(applicant.ID(), gid); !errors.Is(err, errs.ErrVerificationExisted) {
		t.Fatalf("expected ErrVerificationExisted on duplicate apply, got %v", err)
	}
}
