package campaign

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/personalize"
)

func runLeaseKey(id string) string { return "campaign-run:" + id }

// StaleSending lists campaigns that entered sending more than LeaseTTL
// before now. Its signature matches the sweeper's due function.
func (s *Service) StaleSending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.Store.StaleSending(ctx, now.Add(-s.LeaseTTL), limit)
}

// Reclaim fails a campaign whose run can no longer finish: it has been
// sending for longer than LeaseTTL and nobody holds its run lease. ok reports
// whether the campaign was moved to failed.
func (s *Service) Reclaim(ctx context.Context, id string) (ok bool, err error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != core.StatusSending || c.SentAt == nil || s.Now().Sub(*c.SentAt) < s.LeaseTTL {
		return false, nil
	}
	if s.Lease != nil {
		release, held, err := s.Lease.Acquire(ctx, runLeaseKey(id), time.Minute)
		if err != nil {
			return false, err
		}
		if !held {
			return false, nil
		}
		defer func() {
			if err := release(ctx); err != nil {
				s.Log.Warn("release run lease", zap.String("campaign_id", id), zap.Error(err))
			}
		}()
	}

	ok, err = s.Store.UpdateStatus(ctx, id, core.StatusSending, core.StatusFailed, ReasonInterrupted, s.Now())
	if err != nil || !ok {
		return false, err
	}
	s.Log.Warn("reclaimed stale campaign", zap.String("campaign_id", id), zap.Timep("sent_at", c.SentAt))
	s.publish(ctx, id, core.StatusFailed, personalize.Detect(c.Content).String(), c.Counters, 0, ReasonInterrupted)
	return true, nil
}
