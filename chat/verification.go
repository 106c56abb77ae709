package chat

import (
	"sync"

	"qlserver/errs"
)

type friendKey struct {
	Applicant  UserID
	Controller UserID
}

type friendRecord struct {
	accepted bool
}

type groupRecord struct {
	accepted bool
}

// VerificationManager owns every pending friend and group-join request.
// Friend requests are keyed by the ordered (applicant, controller) pair;
// group requests by (applicant, group). Acceptance and rejection are the
// only ways a record leaves the map, and both always purge the mirror
// entries they left on the User objects at apply time.
type VerificationManager struct {
	mgr *Manager

	mu      sync.RWMutex
	friends map[friendKey]*friendRecord
	groups  map[GroupVerificationKey]*groupRecord
}

func newVerificationManager(mgr *Manager) *VerificationManager {
	return &VerificationManager{
		mgr:     mgr,
		friends: make(map[friendKey]*friendRecord),
		groups:  make(map[GroupVerificationKey]*groupRecord),
	}
}

// ApplyFriend records a pending friend request from sender to receiver,
// rejecting self-requests, unknown users, an existing private room between
// the two, or a duplicate pending request.
func (v *VerificationManager) ApplyFriend(sender, receiver UserID) error {
	if sender == receiver {
		return errs.ErrInvalidVerification
	}
	senderUser, ok := v.mgr.GetUser(sender)
	if !ok {
		return errs.ErrUserNotExisted
	}
	receiverUser, ok := v.mgr.GetUser(receiver)
	if !ok {
		return errs.ErrUserNotExisted
	}
	if v.mgr.HasPrivateRoom(sender, receiver) {
		return errs.ErrPrivateRoomExisted
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key := friendKey{Applicant: sender, Controller: receiver}
	if _, exists := v.friends[key]; exists {
		return errs.ErrVerificationExisted
	}
	v.friends[key] = &friendRecord{}
	senderUser.PutFriendMirror(FriendMirror{Peer: receiver, Direction: DirectionSent})
	receiverUser.PutFriendMirror(FriendMirror{Peer: sender, Direction: DirectionReceived})
	return nil
}

// HasFriendVerification reports whether a pending record exists with sender
// as applicant and receiver as controller; a request in the opposite
// direction is not matched.
func (v *VerificationManager) HasFriendVerification(sender, receiver UserID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.friends[friendKey{Applicant: sender, Controller: receiver}]
	return ok
}

// IsFriendVerified reports the record's accepted flag; absence is reported
// as ErrVerificationNotExisted, matching a consumed-or-never-existed
// record looking identical from the outside.
func (v *VerificationManager) IsFriendVerified(sender, receiver UserID) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.friends[friendKey{Applicant: sender, Controller: receiver}]
	if !ok {
		return false, errs.ErrVerificationNotExisted
	}
	return rec.accepted, nil
}

// AcceptFriend consumes the pending record in one step (its accepted flag
// is never set; the record is removed directly): both users gain each other as a friend, a fresh PrivateRoom is
// created between them, and the record plus both mirrors are removed.
func (v *VerificationManager) AcceptFriend(sender, receiver UserID) error {
	v.mu.Lock()
	key := friendKey{Applicant: sender, Controller: receiver}
	if _, exists := v.friends[key]; !exists {
		v.mu.Unlock()
		return errs.ErrVerificationNotExisted
	}
	delete(v.friends, key)
	v.mu.Unlock()

	if senderUser, ok := v.mgr.GetUser(sender); ok {
		senderUser.WithFriends(func(f map[UserID]struct{}) { f[receiver] = struct{}{} })
		senderUser.RemoveFriendMirror(receiver)
	}
	if receiverUser, ok := v.mgr.GetUser(receiver); ok {
		receiverUser.WithFriends(func(f map[UserID]struct{}) { f[sender] = struct{}{} })
		receiverUser.RemoveFriendMirror(sender)
	}

	_, err := v.mgr.AddPrivateRoom(sender, receiver)
	return err
}

// RejectFriend and RemoveFriend both discard a pending record and its
// mirrors without consuming it into a friendship.
func (v *VerificationManager) RejectFriend(sender, receiver UserID) error {
	return v.RemoveFriend(sender, receiver)
}

func (v *VerificationManager) RemoveFriend(sender, receiver UserID) error {
	v.mu.Lock()
	key := friendKey{Applicant: sender, Controller: receiver}
	if _, exists := v.friends[key]; !exists {
		v.mu.Unlock()
		return errs.ErrVerificationNotExisted
	}
	delete(v.friends, key)
	v.mu.Unlock()

	if senderUser, ok := v.mgr.GetUser(sender); ok {
		senderUser.RemoveFriendMirror(receiver)
	}
	if receiverUser, ok := v.mgr.GetUser(receiver); ok {
		receiverUser.RemoveFriendMirror(sender)
	}
	return nil
}

// ApplyGroup records a pending join request from applicant to group,
// mirroring a "Sent" entry on the applicant and a "Received" entry only on
// the group's current administrator — an intentional optimization so a
// large group's members aren't each individually notified of every
// applicant.
func (v *VerificationManager) ApplyGroup(applicant UserID, group GroupID) error {
	applicantUser, ok := v.mgr.GetUser(applicant)
	if !ok {
		return errs.ErrUserNotExisted
	}
	room, ok := v.mgr.GetGroupRoom(group)
	if !ok {
		return errs.ErrGroupRoomNotExisted
	}
	if room.HasMember(applicant) {
		return errs.ErrInvalidVerification
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key := GroupVerificationKey{Group: group, Applicant: applicant}
	if _, exists := v.groups[key]; exists {
		// A duplicate apply is a verification that already exists, matching
		// the "duplicate == existed" convention used everywhere else in
		// this error taxonomy.
		return errs.ErrVerificationExisted
	}
	v.groups[key] = &groupRecord{}
	applicantUser.PutGroupMirror(GroupMirror{Key: key, Direction: DirectionSent})
	if admin, ok := v.mgr.GetUser(room.Administrator()); ok {
		admin.PutGroupMirror(GroupMirror{Key: key, Direction: DirectionReceived})
	}
	return nil
}

// HasGroupVerification reports whether a pending request exists.
func (v *VerificationManager) HasGroupVerification(applicant UserID, group GroupID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.groups[GroupVerificationKey{Group: group, Applicant: applicant}]
	return ok
}

// IsGroupVerified reports the record's accepted flag.
func (v *VerificationManager) IsGroupVerified(applicant UserID, group GroupID) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.groups[GroupVerificationKey{Group: group, Applicant: applicant}]
	if !ok {
		return false, errs.ErrVerificationNotExisted
	}
	return rec.accepted, nil
}

// AcceptGroup consumes the record: the applicant joins the group's member
// set and group set, and the record plus both mirrors are removed.
func (v *VerificationManager) AcceptGroup(applicant UserID, group GroupID) error {
	v.mu.Lock()
	key := GroupVerificationKey{Group: group, Applicant: applicant}
	if _, exists := v.groups[key]; !exists {
		v.mu.Unlock()
		return errs.ErrVerificationNotExisted
	}
	delete(v.groups, key)
	v.mu.Unlock()

	room, ok := v.mgr.GetGroupRoom(group)
	if !ok {
		return errs.ErrGroupRoomNotExisted
	}
	room.AddMember(applicant)
	if applicantUser, ok := v.mgr.GetUser(applicant); ok {
		applicantUser.WithGroups(func(g map[GroupID]struct{}) { g[group] = struct{}{} })
		applicantUser.RemoveGroupMirror(key)
	}
	if admin, ok := v.mgr.GetUser(room.Administrator()); ok {
		admin.RemoveGroupMirror(key)
	}
	return nil
}

// RejectGroup and RemoveGroup discard a pending request and its mirrors.
func (v *VerificationManager) RejectGroup(applicant UserID, group GroupID) error {
	return v.RemoveGroup(applicant, group)
}

func (v *VerificationManager) RemoveGroup(applicant UserID, group GroupID) error {
	v.mu.Lock()
	key := GroupVerificationKey{Group: group, Applicant: applicant}
	if _, exists := v.groups[key]; !exists {
		v.mu.Unlock()
		return errs.ErrVerificationNotExisted
	}
	delete(v.groups, key)
	v.mu.Unlock()

	if applicantUser, ok := v.mgr.GetUser(applicant); ok {
		applicantUser.RemoveGroupMirror(key)
	}
	if room, ok := v.mgr.GetGroupRoom(group); ok {
		if admin, ok := v.mgr.GetUser(room.Administrator()); ok {
			admin.RemoveGroupMirror(key)
		}
	}
	return nil
}
