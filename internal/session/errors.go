package session

import "errors"

// Sentinel errors returned by Store implementations. Callers branch with
// errors.Is; everything else is a storage failure.
var (
	ErrNotFound          = errors.New("session: not found")
	ErrAlreadyExists     = errors.New("session: already exists")
	ErrDuplicateApproval = errors.New("session: duplicate approval request id")
	ErrInvalidMessage    = errors.New("session: invalid message")
)
