package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not_found")
	ErrIllegalTransition  = errors.New("illegal_transition")
	ErrCampaignBusy       = errors.New("campaign_sending")
	ErrInvalidDestination = errors.New("invalid_destination")
)

// ResolutionError means the audience could not be computed. It is fatal to a
// run and happens before any dispatch.
type ResolutionError struct {
	Rule TargetKind
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s audience: %v", e.Rule, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TokenLookupError covers one failed group of recipient lookups.
type TokenLookupError struct {
	IDs []string
	Err error
}

func (e *TokenLookupError) Error() string {
	return fmt.Sprintf("token lookup for %d recipients: %v", len(e.IDs), e.Err)
}

func (e *TokenLookupError) Unwrap() error { return e.Err }

// DispatchError is a failed gateway call for a chunk or a single token.
type DispatchError struct {
	Destinations int
	Err          error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %d destinations: %v", e.Destinations, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return "unauthorized: " + e.Reason }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %q -> %q", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsAuthorization(err error) bool {
	var a *AuthorizationError
	return errors.As(err, &a)
}
