package chat

import (
	"sync"

	"qlserver/errs"
)

// VerificationDirection distinguishes the two mirror entries a pending
// verification leaves on its two parties: the applicant sees "Sent", the
// controller (the other friend, or a group's administrator) sees
// "Received".
type VerificationDirection int

const (
	DirectionSent VerificationDirection = iota
	DirectionReceived
)

// FriendMirror is the record a User's pending-friend-verification map holds
// for one peer.
type FriendMirror struct {
	Peer      UserID
	Direction VerificationDirection
}

// GroupVerificationKey identifies one pending group-join request.
type GroupVerificationKey struct {
	Group     GroupID
	Applicant UserID
}

// GroupMirror is the record a User's pending-group-verification map holds
// for one request. An administrator accumulates one GroupMirror per
// outstanding applicant to their group; an applicant holds exactly one per
// group it has applied to.
type GroupMirror struct {
	Key       GroupVerificationKey
	Direction VerificationDirection
}

// User is one registered identity: credentials, friend/group membership,
// pending verification mirrors, and the set of connections currently
// logged in as this user. All fields are guarded by mu; callers mutate
// friend/group sets only through WithFriends/WithGroups so each
// check-then-mutate on this user's sets happens under one lock
// acquisition. Updates that span two users take each user's lock in turn.
type User struct {
	id UserID

	mu          sync.RWMutex
	password    string // bcrypt hash; empty until set
	hasPassword bool

	friends map[UserID]struct{}
	groups  map[GroupID]struct{}

	pendingFriend map[UserID]FriendMirror
	pendingGroup  map[GroupVerificationKey]GroupMirror

	endpoints map[Conn]DeviceType
}

func newUser(id UserID) *User {
	return &User{
		id:            id,
		friends:       make(map[UserID]struct{}),
		groups:        make(map[GroupID]struct{}),
		pendingFriend: make(map[UserID]FriendMirror),
		pendingGroup:  make(map[GroupVerificationKey]GroupMirror),
		endpoints:     make(map[Conn]DeviceType),
	}
}

// ID returns the user's identifier.
func (u *User) ID() UserID { return u.id }

// SetPassword stores a password hash the first time it's called; every
// subsequent call fails with ErrPasswordAlreadySet, matching the original
// registration flow's one-shot credential assignment.
func (u *User) SetPassword(hash string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.hasPassword {
		return errs.ErrPasswordAlreadySet
	}
	u.password = hash
	u.hasPassword = true
	return nil
}

// PasswordHash returns the stored bcrypt hash and whether one has been set.
func (u *User) PasswordHash() (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.password, u.hasPassword
}

// AddEndpoint binds a connection to this user under the given device kind,
// replacing any prior device kind recorded for the same connection.
func (u *User) AddEndpoint(c Conn, device DeviceType) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.endpoints[c] = device
}

// RemoveEndpoint unbinds a connection, a no-op if it wasn't bound.
func (u *User) RemoveEndpoint(c Conn) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.endpoints, c)
}

// Endpoints returns a snapshot of the user's live connections.
func (u *User) Endpoints() map[Conn]DeviceType {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[Conn]DeviceType, len(u.endpoints))
	for c, d := range u.endpoints {
		out[c] = d
	}
	return out
}

// Send writes payload to every live endpoint of this user, skipping (and
// not failing on) individual connections that reject the write. Endpoints
// are written one after another, so a slow peer delays the remaining
// writes until its own write completes or fails.
func (u *User) Send(payload []byte) {
	for c := range u.Endpoints() {
		_ = c.Send(payload)
	}
}

// WithFriends runs fn with exclusive access to the friend set, so
// verification acceptance can check-then-mutate atomically.
func (u *User) WithFriends(fn func(friends map[UserID]struct{})) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(u.friends)
}

// IsFriend reports whether peer is in this user's friend set.
func (u *User) IsFriend(peer UserID) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.friends[peer]
	return ok
}

// Friends returns a snapshot of the friend set.
func (u *User) Friends() []UserID {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]UserID, 0, len(u.friends))
	for f := range u.friends {
		out = append(out, f)
	}
	return out
}

// WithGroups runs fn with exclusive access to the group set.
func (u *User) WithGroups(fn func(groups map[GroupID]struct{})) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(u.groups)
}

// Groups returns a snapshot of the group set.
func (u *User) Groups() []GroupID {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]GroupID, 0, len(u.groups))
	for g := range u.groups {
		out = append(out, g)
	}
	return out
}

// PutFriendMirror installs a pending-friend-verification mirror entry.
func (u *User) PutFriendMirror(m FriendMirror) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pendingFriend[m.Peer] = m
}

// RemoveFriendMirror deletes the mirror entry for peer, if any.
func (u *User) RemoveFriendMirror(peer UserID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.pendingFriend, peer)
}

// FriendMirrors returns a snapshot of pending friend verification mirrors.
func (u *User) FriendMirrors() []FriendMirror {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]FriendMirror, 0, len(u.pendingFriend))
	for _, m := range u.pendingFriend {
		out = append(out, m)
	}
	return out
}

// PutGroupMirror installs a pending-group-verification mirror entry.
func (u *User) PutGroupMirror(m GroupMirror) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pendingGroup[m.Key] = m
}

// RemoveGroupMirror deletes the mirror entry for key, if any.
func (u *User) RemoveGroupMirror(key GroupVerificationKey) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.pendingGroup, key)
}

// GroupMirrors returns a snapshot of pending group verification mirrors.
func (u *User) GroupMirrors() []GroupMirror {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]GroupMirror, 0, len(u.pendingGroup))
	for _, m := range u.pendingGroup {
		out = append(out, m)
	}
	return out
}
