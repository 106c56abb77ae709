package server

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"qlserver/chat"
	"qlserver/errs"
	"qlserver/store"
)

// ParamKind is the scalar kind a command declares for one of its
// parameters; envelopes are plain decoded JSON, so kinds map onto the
// handful of concrete types encoding/json produces.
type ParamKind int

const (
	KindString ParamKind = iota
	KindNumber
	KindBool
	KindObject
	KindArray
)

// ParamSchema maps a parameter name to its expected kind.
type ParamSchema map[string]ParamKind

// RequestContext is handed to a command Handler: the bound user (NoUser
// for the NormalType commands that may run before login), the registry's
// owning Manager, the originating Connection, and the request's validated
// parameters.
type RequestContext struct {
	Manager *chat.Manager
	UserID  chat.UserID
	Conn    *Connection
	Store   store.Store
	Params  map[string]interface{}
}

// Handler executes one command and returns the fields to merge into a
// success reply (a "message" key plus whatever else the command produces).
type Handler func(ctx *RequestContext) (map[string]interface{}, error)

// Command is one registry entry.
type Command struct {
	Name       string
	Params     ParamSchema
	NormalType bool // may run before login
	Handle     Handler
}

// CommandRegistry is the reader/writer-locked name -> Command table the
// dispatcher looks commands up in.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewCommandRegistry builds an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: make(map[string]*Command)}
}

// Register installs cmd, failing if the name is already taken or the
// handler is nil.
func (r *CommandRegistry) Register(cmd *Command) error {
	if cmd.Handle == nil {
		return fmt.Errorf("command %q: nil handler", cmd.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// Lookup returns the command registered under name.
func (r *CommandRegistry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// replyError is a plain, already-safe-to-display string returned by a
// handler or by envelope/parameter validation; unlike errs.Err it carries
// no code and is shown verbatim in both debug and release replies.
type replyError string

func (e replyError) Error() string { return string(e) }

var errIncompleteFeature = replyError("This function is incomplete.")

func bindParams(schema ParamSchema, raw map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(schema))
	for name, kind := range schema {
		v, ok := raw[name]
		if !ok {
			return nil, replyError(fmt.Sprintf("Lost a parameter: %s.", name))
		}
		if !kindMatches(kind, v) {
			return nil, replyError(fmt.Sprintf("Wrong parameter type: %s.", name))
		}
		out[name] = v
	}
	return out, nil
}

func kindMatches(kind ParamKind, v interface{}) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		_, ok := v.(float64)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]interface{})
		return ok
	case KindArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return false
	}
}

func paramUserID(params map[string]interface{}, name string) chat.UserID {
	return chat.UserID(int64(params[name].(float64)))
}

func paramGroupID(params map[string]interface{}, name string) chat.GroupID {
	return chat.GroupID(int64(params[name].(float64)))
}

func userIDList(ids []chat.UserID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func groupIDList(ids []chat.GroupID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func directionString(d chat.VerificationDirection) string {
	if d == chat.DirectionReceived {
		return "Received"
	}
	return "Sent"
}

// registerCommands builds the registry with every named command
// the dispatcher can route a logged-in (or, for the NormalType entries,
// not-yet-logged-in) request to. login itself is handled inline by the
// dispatcher rather than through this table.
func registerCommands() *CommandRegistry {
	reg := NewCommandRegistry()
	for _, cmd := range []*Command{
		{
			Name:       "register",
			NormalType: true,
			Params:     ParamSchema{"password": KindString},
			Handle:     handleRegister,
		},
		{
			Name:       "has_user",
			NormalType: true,
			Params:     ParamSchema{"user_id": KindNumber},
			Handle:     handleHasUser,
		},
		{
			Name:       "search_user",
			NormalType: true,
			Params:     ParamSchema{"user_id": KindNumber},
			Handle:     handleSearchUser,
		},
		{Name: "add_friend", Params: ParamSchema{"user_id": KindNumber}, Handle: handleAddFriend},
		{Name: "add_group", Params: ParamSchema{"group_id": KindNumber}, Handle: handleAddGroup},
		{Name: "get_friend_list", Params: ParamSchema{}, Handle: handleGetFriendList},
		{Name: "get_group_list", Params: ParamSchema{}, Handle: handleGetGroupList},
		{
			Name:   "send_friend_message",
			Params: ParamSchema{"user_id": KindNumber, "message": KindString},
			Handle: handleSendFriendMessage,
		},
		{
			Name:   "send_group_message",
			Params: ParamSchema{"group_id": KindNumber, "message": KindString},
			Handle: handleSendGroupMessage,
		},
		{
			Name:   "accept_friend_verification",
			Params: ParamSchema{"user_id": KindNumber},
			Handle: handleAcceptFriendVerification,
		},
		{
			Name:   "reject_friend_verification",
			Params: ParamSchema{"user_id": KindNumber},
			Handle: handleRejectFriendVerification,
		},
		{Name: "get_friend_verification_list", Params: ParamSchema{}, Handle: handleGetFriendVerificationList},
		{
			Name:   "accept_group_verification",
			Params: ParamSchema{"group_id": KindNumber, "user_id": KindNumber},
			Handle: handleAcceptGroupVerification,
		},
		{
			Name:   "reject_group_verification",
			Params: ParamSchema{"group_id": KindNumber, "user_id": KindNumber},
			Handle: handleRejectGroupVerification,
		},
		{Name: "get_group_verification_list", Params: ParamSchema{}, Handle: handleGetGroupVerificationList},
		{Name: "create_group", Params: ParamSchema{}, Handle: handleCreateGroup},
		{Name: "remove_group", Params: ParamSchema{"group_id": KindNumber}, Handle: handleRemoveGroup},
		{Name: "leave_group", Params: ParamSchema{"group_id": KindNumber}, Handle: handleLeaveGroup},
		{Name: "remove_friend", Params: ParamSchema{"user_id": KindNumber}, Handle: handleRemoveFriend},
	} {
		if err := reg.Register(cmd); err != nil {
			panic(err) // startup-time programming error, never a runtime condition
		}
	}
	return reg
}

func handleRegister(ctx *RequestContext) (map[string]interface{}, error) {
	password := ctx.Params["password"].(string)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := ctx.Manager.AddNewUser()
	if err := user.SetPassword(string(hash)); err != nil {
		return nil, err
	}
	if ctx.Store != nil {
		cred := store.Credential{UserID: int64(user.ID()), Password: string(hash)}
		if err := ctx.Store.SaveCredential(context.Background(), cred); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{
		"message": "Successfully registered!",
		"user_id": int64(user.ID()),
	}, nil
}

func handleHasUser(ctx *RequestContext) (map[string]interface{}, error) {
	id := paramUserID(ctx.Params, "user_id")
	return map[string]interface{}{
		"message": "OK",
		"exists":  ctx.Manager.HasUser(id),
	}, nil
}

// handleSearchUser backs search_user (there is no separate public-info
// command), returning a generic, stable "not implemented" reply rather than guessing
// a search/visibility model that was never specified.
func handleSearchUser(ctx *RequestContext) (map[string]interface{}, error) {
	return nil, errIncompleteFeature
}

func handleAddFriend(ctx *RequestContext) (map[string]interface{}, error) {
	target := paramUserID(ctx.Params, "user_id")
	if err := ctx.Manager.Verification.ApplyFriend(ctx.UserID, target); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Friend request sent."}, nil
}

func handleAddGroup(ctx *RequestContext) (map[string]interface{}, error) {
	group := paramGroupID(ctx.Params, "group_id")
	if err := ctx.Manager.Verification.ApplyGroup(ctx.UserID, group); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Join request sent."}, nil
}

func handleGetFriendList(ctx *RequestContext) (map[string]interface{}, error) {
	user, ok := ctx.Manager.GetUser(ctx.UserID)
	if !ok {
		return nil, errs.ErrUserNotExisted
	}
	return map[string]interface{}{"message": "OK", "friends": userIDList(user.Friends())}, nil
}

func handleGetGroupList(ctx *RequestContext) (map[string]interface{}, error) {
	user, ok := ctx.Manager.GetUser(ctx.UserID)
	if !ok {
		return nil, errs.ErrUserNotExisted
	}
	return map[string]interface{}{"message": "OK", "groups": groupIDList(user.Groups())}, nil
}

func handleSendFriendMessage(ctx *RequestContext) (map[string]interface{}, error) {
	target := paramUserID(ctx.Params, "user_id")
	text := ctx.Params["message"].(string)

	roomID, err := ctx.Manager.GetPrivateRoomId(ctx.UserID, target)
	if err != nil {
		return nil, err
	}
	room, ok := ctx.Manager.GetPrivateRoom(roomID)
	if !ok {
		return nil, errs.ErrPrivateRoomNotExisted
	}
	if _, err := room.SendMessage(ctx.UserID, text); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Sent."}, nil
}

func handleSendGroupMessage(ctx *RequestContext) (map[string]interface{}, error) {
	group := paramGroupID(ctx.Params, "group_id")
	text := ctx.Params["message"].(string)

	room, ok := ctx.Manager.GetGroupRoom(group)
	if !ok {
		return nil, errs.ErrGroupRoomNotExisted
	}
	if !room.HasMember(ctx.UserID) {
		return nil, errs.ErrNoPermission
	}
	if _, err := room.SendMessage(ctx.UserID, text); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Sent."}, nil
}

func handleAcceptFriendVerification(ctx *RequestContext) (map[string]interface{}, error) {
	sender := paramUserID(ctx.Params, "user_id")
	if err := ctx.Manager.Verification.AcceptFriend(sender, ctx.UserID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Accepted."}, nil
}

func handleRejectFriendVerification(ctx *RequestContext) (map[string]interface{}, error) {
	sender := paramUserID(ctx.Params, "user_id")
	if err := ctx.Manager.Verification.RejectFriend(sender, ctx.UserID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Rejected."}, nil
}

func handleGetFriendVerificationList(ctx *RequestContext) (map[string]interface{}, error) {
	user, ok := ctx.Manager.GetUser(ctx.UserID)
	if !ok {
		return nil, errs.ErrUserNotExisted
	}
	mirrors := user.FriendMirrors()
	out := make([]map[string]interface{}, len(mirrors))
	for i, m := range mirrors {
		out[i] = map[string]interface{}{
			"user_id":   int64(m.Peer),
			"direction": directionString(m.Direction),
		}
	}
	return map[string]interface{}{"message": "OK", "verifications": out}, nil
}

func requireGroupAdmin(ctx *RequestContext, group chat.GroupID) (*chat.GroupRoom, error) {
	room, ok := ctx.Manager.GetGroupRoom(group)
	if !ok {
		return nil, errs.ErrGroupRoomNotExisted
	}
	if room.Administrator() != ctx.UserID {
		return nil, errs.ErrNoPermission
	}
	return room, nil
}

func handleAcceptGroupVerification(ctx *RequestContext) (map[string]interface{}, error) {
	group := paramGroupID(ctx.Params, "group_id")
	applicant := paramUserID(ctx.Params, "user_id")
	if _, err := requireGroupAdmin(ctx, group); err != nil {
		return nil, err
	}
	if err := ctx.Manager.Verification.AcceptGroup(applicant, group); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Accepted."}, nil
}

func handleRejectGroupVerification(ctx *RequestContext) (map[string]interface{}, error) {
	group := paramGroupID(ctx.Params, "group_id")
	applicant := paramUserID(ctx.Params, "user_id")
	if _, err := requireGroupAdmin(ctx, group); err != nil {
		return nil, err
	}
	if err := ctx.Manager.Verification.RejectGroup(applicant, group); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Rejected."}, nil
}

func handleGetGroupVerificationList(ctx *RequestContext) (map[string]interface{}, error) {
	user, ok := ctx.Manager.GetUser(ctx.UserID)
	if !ok {
		return nil, errs.ErrUserNotExisted
	}
	mirrors := user.GroupMirrors()
	out := make([]map[string]interface{}, len(mirrors))
	for i, m := range mirrors {
		out[i] = map[string]interface{}{
			"group_id":  int64(m.Key.Group),
			"user_id":   int64(m.Key.Applicant),
			"direction": directionString(m.Direction),
		}
	}
	return map[string]interface{}{"message": "OK", "verifications": out}, nil
}

func handleCreateGroup(ctx *RequestContext) (map[string]interface{}, error) {
	gid := ctx.Manager.AddGroupRoom(ctx.UserID)
	if user, ok := ctx.Manager.GetUser(ctx.UserID); ok {
		user.WithGroups(func(g map[chat.GroupID]struct{}) { g[gid] = struct{}{} })
	}
	return map[string]interface{}{"message": "Group created.", "group_id": int64(gid)}, nil
}

func handleRemoveGroup(ctx *RequestContext) (map[string]interface{}, error) {
	gid := paramGroupID(ctx.Params, "group_id")
	room, err := requireGroupAdmin(ctx, gid)
	if err != nil {
		return nil, err
	}
	for _, member := range room.Members() {
		if u, ok := ctx.Manager.GetUser(member); ok {
			u.WithGroups(func(g map[chat.GroupID]struct{}) { delete(g, gid) })
		}
	}
	if err := ctx.Manager.RemoveGroupRoom(gid); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "Group removed."}, nil
}

func handleLeaveGroup(ctx *RequestContext) (map[string]interface{}, error) {
	gid := paramGroupID(ctx.Params, "group_id")
	room, ok := ctx.Manager.GetGroupRoom(gid)
	if !ok {
		return nil, errs.ErrGroupRoomNotExisted
	}
	if room.Administrator() == ctx.UserID {
		return nil, errs.ErrNoPermission
	}
	room.RemoveMember(ctx.UserID)
	if user, ok := ctx.Manager.GetUser(ctx.UserID); ok {
		user.WithGroups(func(g map[chat.GroupID]struct{}) { delete(g, gid) })
	}
	return map[string]interface{}{"message": "Left group."}, nil
}

func handleRemoveFriend(ctx *RequestContext) (map[string]interface{}, error) {
	peer := paramUserID(ctx.Params, "user_id")
	selfUser, ok := ctx.Manager.GetUser(ctx.UserID)
	if !ok {
		return nil, errs.ErrUserNotExisted
	}
	peerUser, ok := ctx.Manager.GetUser(peer)
	if !ok {
		return nil, errs.ErrUserNotExisted
	}
	selfUser.WithFriends(func(f map[chat.UserID]struct{}) { delete(f, peer) })
	peerUser.WithFriends(func(f map[chat.UserID]struct{}) { delete(f, ctx.UserID) })
	if roomID, err := ctx.Manager.GetPrivateRoomId(ctx.UserID, peer); err == nil {
		_ = ctx.Manager.RemovePrivateRoom(roomID)
	}
	return map[string]interface{}{"message": "Friend removed."}, nil
}
