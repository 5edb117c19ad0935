package delivery

import "errors"

var (
	// ErrNotAMember rejects an action from a user who is not a member of
	// the target room. Nothing is published.
	ErrNotAMember = errors.New("delivery: user is not a room member")

	// ErrPersistenceUnavailable wraps any failure from the persistence
	// collaborator. The action is rejected, nothing is published, and the
	// client retries; the core never retries on its own.
	ErrPersistenceUnavailable = errors.New("delivery: persistence unavailable")

	// ErrInvalidMessage rejects message content that fails validation.
	ErrInvalidMessage = errors.New("delivery: invalid message content")
)
