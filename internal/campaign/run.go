package campaign

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/dispatch"
	"github.com/Cypherspark/push-dispatch/internal/events"
	"github.com/Cypherspark/push-dispatch/internal/metrics"
	"github.com/Cypherspark/push-dispatch/internal/personalize"
	"github.com/Cypherspark/push-dispatch/internal/worker"
)

const maxFinalizeBackoff = 5 * time.Second

// run drives c through sending to a terminal status. The caller's
// cancellation is not propagated: once a campaign is sending it is finalized.
func (s *Service) run(ctx context.Context, c *core.Campaign) (*core.Campaign, error) {
	changed, err := core.Transition(c.Status, core.StatusSending)
	if err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}
	ctx = context.WithoutCancel(ctx)

	if s.Lease != nil {
		release, ok, err := s.Lease.Acquire(ctx, runLeaseKey(c.ID), s.LeaseTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.ErrCampaignBusy
		}
		defer func() {
			if err := release(ctx); err != nil {
				s.Log.Warn("release run lease", zap.String("campaign_id", c.ID), zap.Error(err))
			}
		}()
	}

	ok, err := s.Store.UpdateStatus(ctx, c.ID, c.Status, core.StatusSending, "", s.Now())
	if err != nil {
		return nil, fmt.Errorf("enter sending: %w", err)
	}
	if !ok {
		// another trigger won the gate
		return s.Store.GetCampaign(ctx, c.ID)
	}

	ctx, span := s.tracer.Start(ctx, "campaign.run", trace.WithAttributes(attribute.String("campaign.id", c.ID)))
	defer span.End()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	start := time.Now()

	mode := personalize.Detect(c.Content)
	log := s.Log.With(zap.String("campaign_id", c.ID), zap.Stringer("mode", mode))
	span.SetAttributes(attribute.String("campaign.mode", mode.String()))

	out := s.dispatchRun(ctx, c, mode, log)

	out, err = s.finalize(ctx, c.ID, out, log)
	if err != nil {
		log.Error("finalize campaign", zap.Error(err))
		span.RecordError(err)
		return nil, fmt.Errorf("finalize campaign: %w", err)
	}
	counters := out.counters()
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.reason)
	}

	metrics.CampaignRuns.WithLabelValues(mode.String(), string(out.status)).Inc()
	metrics.CampaignRunDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	log.Info("campaign finalized",
		zap.String("status", string(out.status)),
		zap.Intp("targeted", out.targeted),
		zap.Int("sent", out.totals.Sent),
		zap.Int("failed", out.totals.Failed),
		zap.Int("invalid_tokens", out.invalid),
		zap.String("reason", out.reason),
	)
	s.publish(ctx, c.ID, out.status, mode.String(), counters, out.invalid, out.reason)

	final, err := s.Store.GetCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return final, out.err
}

// finalize writes the outcome, retrying store errors with backoff. When every
// attempt fails it makes one last compare-and-set from sending to failed and
// reports that outcome instead. A row that still stays in sending is left for
// Reclaim.
func (s *Service) finalize(ctx context.Context, id string, out runOutcome, log *zap.Logger) (runOutcome, error) {
	counters := out.counters()
	delay := s.FinalizeBackoff
	var err error
	for attempt := 1; attempt <= s.FinalizeAttempts; attempt++ {
		if _, err = s.Store.Finalize(ctx, id, out.status, counters, out.reason, s.Now()); err == nil {
			return out, nil
		}
		if attempt == s.FinalizeAttempts {
			break
		}
		var wait time.Duration
		wait, delay = worker.Backoff(delay, maxFinalizeBackoff)
		log.Warn("finalize campaign, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		time.Sleep(wait)
	}
	ok, ferr := s.Store.UpdateStatus(ctx, id, core.StatusSending, core.StatusFailed, ReasonFinalizeFailed, s.Now())
	if ferr != nil || !ok {
		return out, err
	}
	log.Error("finalize campaign failed, marked failed", zap.Error(err))
	return runOutcome{status: core.StatusFailed, reason: ReasonFinalizeFailed, targeted: out.targeted, err: err}, nil
}

type runOutcome struct {
	status   core.Status
	reason   string
	targeted *int
	totals   dispatch.Totals
	invalid  int
	err      error
}

func (o runOutcome) counters() core.Counters {
	return core.Counters{Targeted: o.targeted, Sent: o.totals.Sent, Delivered: o.totals.Delivered, Failed: o.totals.Failed}
}

func failed(targeted *int, err error) runOutcome {
	return runOutcome{status: core.StatusFailed, reason: err.Error(), targeted: targeted, err: err}
}

func (s *Service) dispatchRun(ctx context.Context, c *core.Campaign, mode personalize.Mode, log *zap.Logger) runOutcome {
	ids, err := s.Resolver.Resolve(ctx, c.Targeting)
	if err != nil {
		log.Error("resolve audience", zap.Error(err))
		return failed(nil, err)
	}

	// the audience size is frozen here, at the start of the send
	targeted := len(ids)
	if err := s.Store.SetTargeted(ctx, c.ID, targeted); err != nil {
		log.Warn("record targeted", zap.Error(err))
	}
	if targeted == 0 {
		return failed(&targeted, &core.ValidationError{Field: "targeting", Reason: ReasonEmptyAudience})
	}

	dir, err := s.Accessor.Lookup(ctx, ids)
	if err != nil {
		return failed(&targeted, err)
	}
	if dir.FailedLookups > 0 {
		metrics.TokenLookupErrors.Add(float64(dir.FailedLookups))
	}
	if dir.TokenCount() == 0 {
		log.Warn("no reachable recipients", zap.Int("targeted", targeted), zap.Int("failed_lookups", dir.FailedLookups))
		if s.Production {
			return failed(&targeted, &core.ValidationError{Field: "targeting", Reason: ReasonUnreachable})
		}
		return runOutcome{status: core.StatusCompleted, targeted: &targeted}
	}

	agg := dispatch.NewAggregator()
	switch mode {
	case personalize.Bulk:
		s.Dispatcher.Bulk(ctx, dir.AllTokens(), c.Content, agg)
	default:
		s.Dispatcher.Personalized(ctx, dispatch.Render(dir, c.Content), agg)
	}

	invalid := agg.InvalidTokens()
	if len(invalid) > 0 {
		log.Info("gateway flagged invalid tokens", zap.Int("count", len(invalid)))
	}
	return runOutcome{
		status:   core.StatusCompleted,
		targeted: &targeted,
		totals:   agg.Totals(),
		invalid:  len(invalid),
	}
}

func (s *Service) publish(ctx context.Context, id string, status core.Status, mode string, c core.Counters, invalid int, reason string) {
	ev := events.CampaignFinalized{
		CampaignID:    id,
		Status:        string(status),
		Mode:          mode,
		Sent:          c.Sent,
		Delivered:     c.Delivered,
		Failed:        c.Failed,
		InvalidTokens: invalid,
		Reason:        reason,
		FinalizedAt:   s.Now().UTC(),
	}
	if c.Targeted != nil {
		ev.Targeted = *c.Targeted
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Log.Warn("publish campaign event", zap.String("campaign_id", id), zap.Error(err))
	}
}
