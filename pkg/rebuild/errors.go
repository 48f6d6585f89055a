package rebuild

import (
	"errors"
	"fmt"

	"github.com/plaenen/projections/pkg/store"
)

var (
	// ErrInvalidToken is returned when a rebuild token is unknown, superseded or expired.
	ErrInvalidToken = errors.New("invalid rebuild token")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid projection status transition")

	// ErrSchemaVersion is returned when a rebuild would not advance the schema version.
	ErrSchemaVersion = errors.New("rebuild schema version must advance")
)

// TokenProblem classifies why a rebuild token was rejected.
type TokenProblem string

const (
	TokenUnknown  TokenProblem = "unknown"
	TokenMismatch TokenProblem = "mismatch"
	TokenExpired  TokenProblem = "expired"
)

// InvalidTokenError reports a rejected rebuild token.
type InvalidTokenError struct {
	ProjectionName string
	ObjectID       string
	Token          string
	Problem        TokenProblem
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid rebuild token %s for %s/%s: %s", e.Token, e.ProjectionName, e.ObjectID, e.Problem)
}

func (e *InvalidTokenError) Is(target error) bool {
	return target == ErrInvalidToken
}

// TransitionError reports a disallowed status change.
type TransitionError struct {
	ProjectionName string
	ObjectID       string
	From           store.ProjectionStatus
	To             store.ProjectionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("projection %s/%s cannot move from %s to %s", e.ProjectionName, e.ObjectID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
