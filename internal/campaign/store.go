package campaign

import (
	"context"
	"time"

	"github.com/Cypherspark/push-dispatch/internal/core"
)

// Store persists campaigns and templates. Every status change is a
// compare-and-set on the current status; ok is false when the row was not in
// the expected status.
type Store interface {
	CreateCampaign(ctx context.Context, c *core.Campaign) error
	GetCampaign(ctx context.Context, id string) (*core.Campaign, error)
	// UpdateStatus moves id from -> to. Entering sending stamps sent_at,
	// entering a terminal status stamps completed_at and records reason.
	UpdateStatus(ctx context.Context, id string, from, to core.Status, reason string, at time.Time) (ok bool, err error)
	// Reschedule sets scheduled_for and moves id from -> scheduled.
	Reschedule(ctx context.Context, id string, from core.Status, at time.Time) (ok bool, err error)
	// SetTargeted records the audience size once; later calls are ignored.
	SetTargeted(ctx context.Context, id string, n int) error
	// Finalize writes the run outcome while id is still sending.
	Finalize(ctx context.Context, id string, status core.Status, counters core.Counters, reason string, at time.Time) (ok bool, err error)
	// StaleSending lists campaigns that entered sending before cutoff.
	StaleSending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// DeleteCampaign removes id unless it is sending.
	DeleteCampaign(ctx context.Context, id string) (ok bool, err error)

	CreateTemplate(ctx context.Context, t *core.Template) error
	GetTemplate(ctx context.Context, id string) (*core.Template, error)
}

// Locker is a cross-process run lease.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}
