// Package errs defines the stable error taxonomy shared by every layer of
// qlserver: framing, networking, the user/room/verification domain, and
// permission checks. Every sentinel carries a numeric Code so callers that
// cross a process or wire boundary can recover the error kind without
// string matching.
package errs

import "fmt"

// Code is a stable numeric identifier for one error kind. Values are never
// renumbered once shipped.
type Code int

const (
	CodeUnknown Code = iota

	// Framing
	CodeIncompletePackage
	CodeEmptyLength
	CodeInvalidData
	CodeDataTooSmall
	CodeDataTooLarge
	CodeHashMismatched

	// Network
	CodeNullTLSContext
	CodeNullTLSCallbackHandle
	CodeNullSocketPointer
	CodeConnectionTestFailed
	CodeSocketPointerExisted
	CodeSocketPointerNotExisted

	// User
	CodePasswordAlreadySet
	CodePasswordMismatched
	CodeUserNotExisted

	// Private room
	CodePrivateRoomNotExisted
	CodePrivateRoomUnableToUse
	CodePrivateRoomExisted

	// Group room
	CodeGroupRoomNotExisted
	CodeGroupRoomUnableToUse

	// Verification
	CodeInvalidVerification
	CodeVerificationExisted
	CodeVerificationNotExisted

	// Permission
	CodeNoPermission
)

// Err is a coded error. It implements error and an Is method comparing
// Codes, so callers can use errors.Is against the package-level sentinels
// below.
type Err struct {
	Code    Code
	Kind    string
	Message string
}

func (e *Err) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind
}

// Is reports whether target is a *Err with the same Code, so errors.Is(err,
// ErrUserNotExisted) works regardless of which Message was attached.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newErr(code Code, kind string) *Err {
	return &Err{Code: code, Kind: kind, Message: kind}
}

// Sentinels. Handlers return these directly, or New(kind, "detail") to keep
// the code while attaching a request-specific message.
var (
	ErrIncompletePackage = newErr(CodeIncompletePackage, "incomplete_package")
	ErrEmptyLength       = newErr(CodeEmptyLength, "empty_length")
	ErrInvalidData       = newErr(CodeInvalidData, "invalid_data")
	ErrDataTooSmall      = newErr(CodeDataTooSmall, "data_too_small")
	ErrDataTooLarge      = newErr(CodeDataTooLarge, "data_too_large")
	ErrHashMismatched    = newErr(CodeHashMismatched, "hash_mismatched")

	ErrNullTLSContext         = newErr(CodeNullTLSContext, "null_tls_context")
	ErrNullTLSCallbackHandle  = newErr(CodeNullTLSCallbackHandle, "null_tls_callback_handle")
	ErrNullSocketPointer      = newErr(CodeNullSocketPointer, "null_socket_pointer")
	ErrConnectionTestFailed   = newErr(CodeConnectionTestFailed, "connection_test_failed")
	ErrSocketPointerExisted   = newErr(CodeSocketPointerExisted, "socket_pointer_existed")
	ErrSocketPointerNotExisted = newErr(CodeSocketPointerNotExisted, "socket_pointer_not_existed")

	ErrPasswordAlreadySet = newErr(CodePasswordAlreadySet, "password_already_set")
	ErrPasswordMismatched = newErr(CodePasswordMismatched, "password_mismatched")
	ErrUserNotExisted     = newErr(CodeUserNotExisted, "user_not_existed")

	ErrPrivateRoomNotExisted  = newErr(CodePrivateRoomNotExisted, "private_room_not_existed")
	ErrPrivateRoomUnableToUse = newErr(CodePrivateRoomUnableToUse, "private_room_unable_to_use")
	ErrPrivateRoomExisted     = newErr(CodePrivateRoomExisted, "private_room_existed")

	ErrGroupRoomNotExisted  = newErr(CodeGroupRoomNotExisted, "group_room_not_existed")
	ErrGroupRoomUnableToUse = newErr(CodeGroupRoomUnableToUse, "group_room_unable_to_use")

	ErrInvalidVerification    = newErr(CodeInvalidVerification, "invalid_verification")
	ErrVerificationExisted    = newErr(CodeVerificationExisted, "verification_existed")
	ErrVerificationNotExisted = newErr(CodeVerificationNotExisted, "verification_not_existed")

	ErrNoPermission = newErr(CodeNoPermission, "no_permission")
)

// New returns a copy of a sentinel with a request-specific message, keeping
// Code and Kind intact for errors.Is.
func New(sentinel *Err, detail string) *Err {
	return &Err{
		Code:    sentinel.Code,
		Kind:    sentinel.Kind,
		Message: fmt.Sprintf("%s: %s", sentinel.Kind, detail),
	}
}
