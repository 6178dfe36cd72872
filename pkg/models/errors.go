package models

import "errors"

// Error taxonomy shared across the messaging core. Services wrap these
// with context; the HTTP layer maps them to status codes with errors.Is.
var (
	// ErrPermissionDenied: blocked pair or privacy setting forbids the
	// send. Not retryable.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRequestLimitExceeded: the requester of a pending conversation
	// already used their one message and the recipient has not replied.
	ErrRequestLimitExceeded = errors.New("request limit exceeded")

	// ErrNotParticipant: caller is not a member of the conversation.
	ErrNotParticipant = errors.New("not a participant")

	// ErrNotSender: edit/unsend attempted by someone other than the
	// message author.
	ErrNotSender = errors.New("not the sender")

	// ErrValidation: request rejected before any write.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound: conversation or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConversationClosed: group fell below two members.
	ErrConversationClosed = errors.New("conversation closed")

	// ErrTransientStore: the backing store failed after bounded
	// retries; the message surfaces in failed status for manual retry.
	ErrTransientStore = errors.New("transient store failure")
)
