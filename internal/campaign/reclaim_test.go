package campaign_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/push-dispatch/internal/campaign"
	"github.com/Cypherspark/push-dispatch/internal/core"
)

func TestFinalizeRetriesStoreErrors(t *testing.T) {
	h := newHarness(t, false)
	h.store.addRecipient("u1", core.SingleToken("t1"), core.Profile{})
	h.store.finalizeErrs = 2
	c := h.create(t, campaign.CreateInput{Content: plain()})

	got, err := h.svc.Send(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, got.Status)
	require.Equal(t, 1, got.Counters.Sent)
	require.Equal(t, 3, h.store.finalizes)
}

func TestFinalizeExhaustedLeavesNoSendingRow(t *testing.T) {
	h := newHarness(t, false)
	h.store.addRecipient("u1", core.SingleToken("t1"), core.Profile{})
	h.store.finalizeErrs = 100
	c := h.create(t, campaign.CreateInput{Content: plain()})
	ctx := context.Background()

	got, err := h.svc.Send(ctx, c.ID)
	require.Error(t, err)
	require.NotNil(t, got)
	require.Equal(t, core.StatusFailed, got.Status)
	require.Equal(t, campaign.ReasonFinalizeFailed, got.FailureReason)
	require.Equal(t, 5, h.store.finalizes)

	require.Len(t, h.events.evs, 1)
	require.Equal(t, "failed", h.events.evs[0].Status)
	require.Zero(t, h.events.evs[0].Sent)

	require.NoError(t, h.svc.Delete(ctx, c.ID))
}

// enterSending leaves c in sending as a crashed run would.
func enterSending(t *testing.T, h *harness, c *core.Campaign) {
	t.Helper()
	ok, err := h.store.UpdateStatus(context.Background(), c.ID, c.Status, core.StatusSending, "", h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReclaimStaleSending(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	c := h.create(t, campaign.CreateInput{Content: plain()})
	enterSending(t, h, c)

	h.clock.Advance(10 * time.Minute)
	ids, err := h.svc.StaleSending(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, ids)
	ok, err := h.svc.Reclaim(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, ok)

	h.clock.Advance(time.Hour)
	ids, err = h.svc.StaleSending(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{c.ID}, ids)

	ok, err = h.svc.Reclaim(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, got.Status)
	require.Equal(t, campaign.ReasonInterrupted, got.FailureReason)
	require.Len(t, h.events.evs, 1)

	// terminal now; a second pass does nothing
	ok, err = h.svc.Reclaim(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, h.svc.Delete(ctx, c.ID))
}

func TestReclaimSkipsLeasedRun(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	c := h.create(t, campaign.CreateInput{Content: plain()})
	enterSending(t, h, c)
	h.clock.Advance(2 * time.Hour)

	lease := h.svc.Lease
	release, held, err := lease.Acquire(ctx, "campaign-run:"+c.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	ok, err := h.svc.Reclaim(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, release(ctx))
	ok, err = h.svc.Reclaim(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)
}
