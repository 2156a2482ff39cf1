package domain

import (
	"errors"
	"fmt"
)

// Error kinds from the failure taxonomy. Callers branch with errors.Is; the
// concrete cause stays wrapped underneath.
var (
	ErrConfigInvalid   = errors.New("config invalid")
	ErrAuthFailed      = errors.New("auth failed")
	ErrSubscribeFailed = errors.New("subscribe failed")
	ErrWindowRejected  = errors.New("window rejected")
	ErrListFailed      = errors.New("content listing failed")
	ErrFetchFailed     = errors.New("blob fetch failed")
	ErrBlobTooLarge    = errors.New("blob exceeds size cap")
	ErrParseFailed     = errors.New("blob parse failed")
	ErrSinkFailed      = errors.New("sink rejected records")
	ErrCheckpointWrite = errors.New("checkpoint write failed")
	ErrShutdown        = errors.New("shutting down")
)

// AuthError carries the HTTP status and a body excerpt from a failed token
// grant. The excerpt is truncated before it is built, so it is safe to log;
// the secret never reaches it.
type AuthError struct {
	Status  int
	Excerpt string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token grant returned %d: %s", e.Status, e.Excerpt)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailed }
