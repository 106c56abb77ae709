package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"qlserver/chat"
	"qlserver/errs"
	"qlserver/store"
	"qlserver/workerpool"
)

var loginSchema = ParamSchema{
	"user_id":  KindNumber,
	"password": KindString,
	"device":   KindString,
}

// Processor is the per-connection dispatcher: it holds the connection's
// bound identity (chat.NoUser until login succeeds), validates incoming
// envelopes, enforces the login gate, and invokes command handlers off the
// read path on the shared worker pool.
type Processor struct {
	manager        *chat.Manager
	registry       *CommandRegistry
	pool           *workerpool.Pool
	conn           *Connection
	store          store.Store
	debug          bool
	handlerTimeout time.Duration

	mu   sync.Mutex
	user chat.UserID
}

func newProcessor(manager *chat.Manager, registry *CommandRegistry, pool *workerpool.Pool, conn *Connection, st store.Store, debug bool, handlerTimeout time.Duration) *Processor {
	return &Processor{
		manager:        manager,
		registry:       registry,
		pool:           pool,
		conn:           conn,
		store:          st,
		debug:          debug,
		handlerTimeout: handlerTimeout,
		user:           chat.NoUser,
	}
}

func (p *Processor) currentUser() chat.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *Processor) setCurrentUser(id chat.UserID) {
	p.mu.Lock()
	p.user = id
	p.mu.Unlock()
}

// Dispose deregisters this connection's binding from the Manager; every
// exit path from the read loop must call it exactly once.
func (p *Processor) Dispose() {
	p.manager.RemoveConnection(p.conn)
}

// validateEnvelope enforces the envelope shape: exactly the two keys
// "function" and "parameters", no more and no fewer.
func validateEnvelope(raw map[string]interface{}) (string, map[string]interface{}, error) {
	if len(raw) != 2 {
		return "", nil, replyError(`envelope must contain exactly "function" and "parameters"!`)
	}

	fnRaw, ok := raw["function"]
	if !ok {
		return "", nil, replyError(`"function" must be string type!`)
	}
	fn, ok := fnRaw.(string)
	if !ok {
		return "", nil, replyError(`"function" must be string type!`)
	}

	paramsRaw, ok := raw["parameters"]
	if !ok {
		return "", nil, replyError(`"parameters" must be object type!`)
	}
	params, ok := paramsRaw.(map[string]interface{})
	if !ok {
		return "", nil, replyError(`"parameters" must be object type!`)
	}
	return fn, params, nil
}

// HandleText is the entry point the connection's read loop calls for
// every TEXT frame after the connectivity probe. The read loop answers
// other non-heartbeat frame types with an error reply itself, without
// closing the connection.
func (p *Processor) HandleText(requestID uint64, body []byte) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		p.replyError(requestID, "The request body must be a json object!")
		return
	}

	fn, params, err := validateEnvelope(raw)
	if err != nil {
		p.replyError(requestID, err.Error())
		return
	}

	if fn == "login" {
		p.handleLogin(requestID, params)
		return
	}

	cmd, ok := p.registry.Lookup(fn)
	if !ok {
		p.replyError(requestID, "Unknown function: "+fn+".")
		return
	}

	if p.currentUser() == chat.NoUser && !cmd.NormalType {
		p.replyError(requestID, "You haven't logged in!")
		return
	}

	args, err := bindParams(cmd.Params, params)
	if err != nil {
		p.replyError(requestID, err.Error())
		return
	}

	userID := p.currentUser()
	handler := cmd.Handle
	p.pool.Submit(func() {
		// A handler that hangs past the deadline must not hang its
		// connection forever; the watchdog tears the connection down,
		// which unwinds through the read loop's deregistration path.
		watchdog := time.AfterFunc(p.handlerTimeout, func() { p.conn.Close() })
		defer watchdog.Stop()

		ctx := &RequestContext{Manager: p.manager, UserID: userID, Conn: p.conn, Store: p.store, Params: args}
		result, err := handler(ctx)
		if err != nil {
			p.replyError(requestID, errorMessage(err, p.debug))
			return
		}
		p.replySuccess(requestID, result)
	})
}

// handleLogin is special-cased inline rather than dispatched through the
// registry: it must run before the login gate exists to check.
func (p *Processor) handleLogin(requestID uint64, params map[string]interface{}) {
	args, err := bindParams(loginSchema, params)
	if err != nil {
		p.replyError(requestID, err.Error())
		return
	}

	userID := paramUserID(args, "user_id")
	password := args["password"].(string)
	deviceStr := args["device"].(string)

	const wrongCredentials = "Wrong user ID or password!"

	user, ok := p.manager.GetUser(userID)
	if !ok {
		p.replyError(requestID, wrongCredentials)
		return
	}
	hash, set := user.PasswordHash()
	if !set || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		p.replyError(requestID, wrongCredentials)
		return
	}

	device := chat.DeviceFromString(deviceStr)
	if err := p.manager.ModifyUserOfConnection(p.conn, userID, device); err != nil {
		p.replyError(requestID, errorMessage(err, p.debug))
		return
	}
	p.setCurrentUser(userID)
	p.replySuccess(requestID, map[string]interface{}{"message": "Successfully logged in!"})
}

func (p *Processor) replySuccess(requestID uint64, fields map[string]interface{}) {
	out := map[string]interface{}{"state": "success"}
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["message"]; !ok {
		out["message"] = "OK"
	}
	body, _ := json.Marshal(out)
	_ = p.conn.Reply(requestID, body)
}

func (p *Processor) replyError(requestID uint64, message string) {
	body, _ := json.Marshal(map[string]interface{}{"state": "error", "message": message})
	_ = p.conn.Reply(requestID, body)
}

// errorMessage renders a handler error for the wire: a coded errs.Err
// surfaces its stable Kind string in release builds and its full detail in
// debug builds; a replyError (an already-public message, e.g. the
// incomplete-feature stub) is shown verbatim either way; anything else
// (a genuine bug) is generic in release and its Error() text in debug.
func errorMessage(err error, debug bool) string {
	var coded *errs.Err
	if errors.As(err, &coded) {
		if debug {
			return coded.Error()
		}
		return coded.Kind
	}
	var re replyError
	if errors.As(err, &re) {
		return string(re)
	}
	if debug {
		return err.Error()
	}
	return "Internal error."
}
