package coordinate

import (
	"fmt"
)

// reason codes surfaced on the http boundary as 401 bodies
const (
	AuthReasonTokenExpired = "auth/id-token-expired"
	AuthReasonTokenRevoked = "auth/id-token-revoked"
	AuthReasonInvalidToken = "auth/invalid-id-token"
	AuthReasonUserNotFound = "auth/user-not-found"
	AuthReasonFailed       = "auth/failed"
)

// fatal to connection setup. the connection is never admitted.
type AuthenticationError struct {
	Reason  string
	Message string
}

func NewAuthenticationError(reason string, format string, a ...any) *AuthenticationError {
	return &AuthenticationError{
		Reason:  reason,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", self.Reason, self.Message)
}

// authenticated but not permitted on the document
type AuthorizationError struct {
	DocumentId string
	UserId     string
}

func (self *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not permitted on document %s", self.UserId, self.DocumentId)
}

type NotFoundError struct {
	DocumentId string
}

func (self *NotFoundError) Error() string {
	return fmt.Sprintf("document %s does not exist", self.DocumentId)
}

type ValidationError struct {
	Message string
}

func (self *ValidationError) Error() string {
	return self.Message
}

type NotInRoomError struct {
	ConnectionId Id
}

func (self *NotInRoomError) Error() string {
	return fmt.Sprintf("connection %s has no active room", self.ConnectionId)
}

// a store call failed. reported to the sender only.
type PersistenceError struct {
	Op  string
	Err error
}

func (self *PersistenceError) Error() string {
	return fmt.Sprintf("store %s failed: %s", self.Op, self.Err)
}

func (self *PersistenceError) Unwrap() error {
	return self.Err
}

// the submitted expected version is stale.
// the client must refresh document state and resubmit.
type VersionConflictError struct {
	DocumentId string
	Expected   int64
	Head       int64
}

func (self *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on document %s: expected %d, head is %d", self.DocumentId, self.Expected, self.Head)
}
