package provider

import (
	"context"
	"errors"

	"github.com/Cypherspark/push-dispatch/internal/core"
)

// MaxMulticast is the largest destination list the gateway accepts per call.
const MaxMulticast = 500

var (
	// ErrInvalidToken and ErrUnregistered mark destinations the gateway will
	// never deliver to. Both match core.ErrInvalidDestination.
	ErrInvalidToken = &destinationError{code: "invalid_token"}
	ErrUnregistered = &destinationError{code: "unregistered"}
)

type destinationError struct{ code string }

func (e *destinationError) Error() string { return e.code }

func (e *destinationError) Is(target error) bool { return target == core.ErrInvalidDestination }

// IsInvalidDestination reports whether err flags a dead or malformed token.
func IsInvalidDestination(err error) bool {
	return errors.Is(err, core.ErrInvalidDestination)
}

type Message struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	ImageURL  string            `json:"image_url,omitempty"`
	ActionURL string            `json:"action_url,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

func MessageFrom(c core.Content) Message {
	return Message{Title: c.Title, Body: c.Body, ImageURL: c.ImageURL, ActionURL: c.ActionURL}
}

// SendResponse is the gateway verdict for one destination of a multicast.
type SendResponse struct {
	Token string
	Err   error
}

type BatchResponse struct {
	Responses []SendResponse
}

func (b BatchResponse) SuccessCount() int {
	n := 0
	for _, r := range b.Responses {
		if r.Err == nil {
			n++
		}
	}
	return n
}

func (b BatchResponse) FailureCount() int { return len(b.Responses) - b.SuccessCount() }

// Gateway is the push delivery service. SendMulticast returns an error only
// when the call as a whole failed; per-destination failures are reported in
// the response.
type Gateway interface {
	Send(ctx context.Context, token string, msg Message) error
	SendMulticast(ctx context.Context, tokens []string, msg Message) (BatchResponse, error)
}
