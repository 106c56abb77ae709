package chat

import (
	"encoding/json"
	"sync"
	"time"

	"qlserver/errs"
)

// MessageKind distinguishes an ordinary chat message from a "tip" message
// (e.g. a system nudge or paid tip — the wire format just needs a second
// message type with its own envelope tag).
type MessageKind int

const (
	MessageNormal MessageKind = iota
	MessageTip
)

// MessageRecord is one entry in a room's log.
type MessageRecord struct {
	Timestamp int64 // UTC nanoseconds, strictly increasing across a process
	Sender    UserID
	Text      string
	Kind      MessageKind
}

// nextTimestamp hands out strictly increasing UTC-nanosecond stamps so two
// concurrent appends to the same room never tie; ties are broken by
// insertion order via this monotonic counter rather than wall-clock
// resolution.
var (
	tsMu           sync.Mutex
	lastTimestamp  int64
)

func nextTimestamp() int64 {
	tsMu.Lock()
	defer tsMu.Unlock()
	now := time.Now().UTC().UnixNano()
	if now <= lastTimestamp {
		now = lastTimestamp + 1
	}
	lastTimestamp = now
	return now
}

const (
	pruneInterval = 10 * time.Minute
	pruneRetention = 7 * 24 * time.Hour
)

// UserLookup is the subset of Manager a room needs to resolve a member
// UserID to a live User for fanout, without importing Manager directly
// (rooms are constructed by Manager and handed a reference to itself).
type UserLookup interface {
	GetUser(id UserID) (*User, bool)
}

// messageLog is the shared append/prune/range-scan log embedded by both
// room kinds.
type messageLog struct {
	mu      sync.RWMutex
	records []MessageRecord
}

func (l *messageLog) append(sender UserID, text string, kind MessageKind) MessageRecord {
	l.mu.Lock()
	rec := MessageRecord{Timestamp: nextTimestamp(), Sender: sender, Text: text, Kind: kind}
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return rec
}

func (l *messageLog) rangeScan(from, to int64) []MessageRecord {
	if from > to {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]MessageRecord, 0)
	for _, r := range l.records {
		if r.Timestamp >= from && r.Timestamp <= to {
			out = append(out, r)
		}
	}
	return out
}

func (l *messageLog) pruneBefore(cutoff int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.records[:0:0]
	for _, r := range l.records {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}
	l.records = kept
}

// roomCore holds the fields and behavior shared by PrivateRoom and
// GroupRoom: the usable flag, the message log, fanout via a UserLookup,
// and the background pruner goroutine.
type roomCore struct {
	mu     sync.RWMutex
	usable bool
	log    messageLog
	lookup UserLookup

	stopPrune chan struct{}
}

func newRoomCore(lookup UserLookup) roomCore {
	return roomCore{usable: true, lookup: lookup, stopPrune: make(chan struct{})}
}

// startPruner launches the background task that wakes every 10 minutes and
// discards entries older than 7 days; it exits cleanly when Close is
// called.
func (r *roomCore) startPruner() {
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-pruneRetention).UTC().UnixNano()
				r.log.pruneBefore(cutoff)
			case <-r.stopPrune:
				return
			}
		}
	}()
}

// Close stops the background pruner and marks the room unusable.
func (r *roomCore) Close() {
	r.mu.Lock()
	wasUsable := r.usable
	r.usable = false
	r.mu.Unlock()
	if wasUsable {
		close(r.stopPrune)
	}
}

func (r *roomCore) checkUsable(unusable *errs.Err) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.usable {
		return unusable
	}
	return nil
}

// fanoutPayload is the wire envelope for both message and tip deliveries.
type fanoutPayload struct {
	Type string          `json:"type"`
	Data fanoutEnvelope  `json:"data"`
}

type fanoutEnvelope struct {
	UserID  UserID `json:"user_id"`
	Message string `json:"message"`
}

func encodeFanout(kind string, sender UserID, text string) []byte {
	body, _ := json.Marshal(fanoutPayload{Type: kind, Data: fanoutEnvelope{UserID: sender, Message: text}})
	return body
}

func (r *roomCore) sendTo(members []UserID, payload []byte) {
	for _, id := range members {
		if u, ok := r.lookup.GetUser(id); ok {
			u.Send(payload)
		}
	}
}

// PrivateRoom is the one-to-one conversation between two users, keyed by
// their unordered UserID pair.
type PrivateRoom struct {
	roomCore

	id         RoomID
	userA, userB UserID
}

func newPrivateRoom(id RoomID, a, b UserID, lookup UserLookup) *PrivateRoom {
	room := &PrivateRoom{roomCore: newRoomCore(lookup), id: id, userA: a, userB: b}
	room.startPruner()
	return room
}

// ID returns the room's identifier.
func (p *PrivateRoom) ID() RoomID { return p.id }

// Members returns the unordered pair of participants.
func (p *PrivateRoom) Members() (UserID, UserID) { return p.userA, p.userB }

// Has reports whether user is one of the two participants.
func (p *PrivateRoom) Has(user UserID) bool {
	return user == p.userA || user == p.userB
}

// SendMessage appends a NORMAL entry and fans out a private_message
// envelope to both participants' live endpoints.
func (p *PrivateRoom) SendMessage(sender UserID, text string) (MessageRecord, error) {
	return p.send(sender, text, MessageNormal, "private_message")
}

// SendTipMessage is SendMessage's TIP-kind counterpart.
func (p *PrivateRoom) SendTipMessage(sender UserID, text string) (MessageRecord, error) {
	return p.send(sender, text, MessageTip, "private_tip_message")
}

func (p *PrivateRoom) send(sender UserID, text string, kind MessageKind, wireType string) (MessageRecord, error) {
	if err := p.checkUsable(errs.ErrPrivateRoomUnableToUse); err != nil {
		return MessageRecord{}, err
	}
	rec := p.log.append(sender, text, kind)
	p.sendTo([]UserID{p.userA, p.userB}, encodeFanout(wireType, sender, text))
	return rec, nil
}

// GetMessages returns every logged entry with from <= timestamp <= to, in
// time order; returns empty if from > to, and ErrPrivateRoomUnableToUse if
// the room has been removed.
func (p *PrivateRoom) GetMessages(from, to int64) ([]MessageRecord, error) {
	if err := p.checkUsable(errs.ErrPrivateRoomUnableToUse); err != nil {
		return nil, err
	}
	return p.log.rangeScan(from, to), nil
}

// GroupRoom is a multi-party conversation with an administrator and a
// member set.
type GroupRoom struct {
	roomCore

	id    GroupID
	admin UserID

	membersMu sync.RWMutex
	members   map[UserID]struct{}
}

func newGroupRoom(id GroupID, admin UserID, lookup UserLookup) *GroupRoom {
	room := &GroupRoom{
		roomCore: newRoomCore(lookup),
		id:       id,
		admin:    admin,
		members:  map[UserID]struct{}{admin: {}},
	}
	room.startPruner()
	return room
}

// ID returns the group's identifier.
func (g *GroupRoom) ID() GroupID { return g.id }

// Administrator is a pure reader of the group's owning user.
func (g *GroupRoom) Administrator() UserID { return g.admin }

// AddMember inserts user into the member set; returns false if user was
// already a member (idempotent, not an error).
func (g *GroupRoom) AddMember(user UserID) bool {
	g.membersMu.Lock()
	defer g.membersMu.Unlock()
	if _, ok := g.members[user]; ok {
		return false
	}
	g.members[user] = struct{}{}
	return true
}

// RemoveMember deletes user from the member set.
func (g *GroupRoom) RemoveMember(user UserID) {
	g.membersMu.Lock()
	defer g.membersMu.Unlock()
	delete(g.members, user)
}

// HasMember reports whether user belongs to the group.
func (g *GroupRoom) HasMember(user UserID) bool {
	g.membersMu.RLock()
	defer g.membersMu.RUnlock()
	_, ok := g.members[user]
	return ok
}

// Members returns a snapshot of the member set.
func (g *GroupRoom) Members() []UserID {
	g.membersMu.RLock()
	defer g.membersMu.RUnlock()
	out := make([]UserID, 0, len(g.members))
	for m := range g.members {
		out = append(out, m)
	}
	return out
}

// SendMessage appends a NORMAL entry and fans out a group_message envelope
// to every current member's live endpoints.
func (g *GroupRoom) SendMessage(sender UserID, text string) (MessageRecord, error) {
	return g.send(sender, text, MessageNormal, "group_message")
}

// SendTipMessage is SendMessage's TIP-kind counterpart.
func (g *GroupRoom) SendTipMessage(sender UserID, text string) (MessageRecord, error) {
	return g.send(sender, text, MessageTip, "group_tip_message")
}

func (g *GroupRoom) send(sender UserID, text string, kind MessageKind, wireType string) (MessageRecord, error) {
	if err := g.checkUsable(errs.ErrGroupRoomUnableToUse); err != nil {
		return MessageRecord{}, err
	}
	rec := g.log.append(sender, text, kind)
	g.sendTo(g.Members(), encodeFanout(wireType, sender, text))
	return rec, nil
}

// GetMessages returns every logged entry with from <= timestamp <= to.
func (g *GroupRoom) GetMessages(from, to int64) ([]MessageRecord, error) {
	if err := g.checkUsable(errs.ErrGroupRoomUnableToUse); err != nil {
		return nil, err
	}
	return g.log.rangeScan(from, to), nil
}
