package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// Simulated is a local gateway: it sleeps a little, rejects tokens prefixed
// with "invalid:" and fails a small share of the rest.
type Simulated struct {
	Latency     time.Duration
	FailPercent int
}

func NewSimulated() *Simulated { return &Simulated{Latency: 50 * time.Millisecond, FailPercent: 3} }

func (d *Simulated) Send(ctx context.Context, token string, _ Message) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	return d.verdict(token)
}

func (d *Simulated) SendMulticast(ctx context.Context, tokens []string, _ Message) (BatchResponse, error) {
	if len(tokens) > MaxMulticast {
		return BatchResponse{}, errors.New("too_many_destinations")
	}
	if err := d.wait(ctx); err != nil {
		return BatchResponse{}, err
	}
	out := BatchResponse{Responses: make([]SendResponse, len(tokens))}
	for i, t := range tokens {
		out.Responses[i] = SendResponse{Token: t, Err: d.verdict(t)}
	}
	return out, nil
}

func (d *Simulated) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
		return nil
	}
}

func (d *Simulated) verdict(token string) error {
	if strings.HasPrefix(token, "invalid:") {
		return ErrUnregistered
	}
	if d.FailPercent > 0 && rand.IntN(100) < d.FailPercent {
		return errors.New("gateway_temporary_error")
	}
	return nil
}
