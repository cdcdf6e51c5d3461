// Package users implements accounts and authentication: salted,
// key-stretched password storage, bearer tokens persisted as hashes, and
// the push-button authentication flow for clients without a keyboard.
package users

// UserError is the typed outcome of every user operation. The constants
// are the wire enum names.
type UserError string

// The user error taxonomy.
const (
	UserErrorNoError          UserError = "UserErrorNoError"
	UserErrorBackendError     UserError = "UserErrorBackendError"
	UserErrorInvalidUserId    UserError = "UserErrorInvalidUserId"
	UserErrorDuplicateUserId  UserError = "UserErrorDuplicateUserId"
	UserErrorBadPassword      UserError = "UserErrorBadPassword"
	UserErrorTokenNotFound    UserError = "UserErrorTokenNotFound"
	UserErrorPermissionDenied UserError = "UserErrorPermissionDenied"
)

// OK reports whether the operation succeeded.
func (e UserError) OK() bool { return e == UserErrorNoError || e == "" }

// Error implements the error interface.
func (e UserError) Error() string { return string(e) }
