package campaign_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/push-dispatch/internal/campaign"
	"github.com/Cypherspark/push-dispatch/internal/core"
)

func TestTrigger_Bulk(t *testing.T) {
	h := newHarness(t, false)
	totals, err := h.svc.Trigger(context.Background(), campaign.TriggerInput{
		CampaignID: "ext-1",
		Content:    plain(),
		Recipients: []campaign.TriggerRecipient{
			{ID: "a", Tokens: []string{"t1", "t2", "t1"}},
			{ID: "b", Tokens: []string{"invalid:t3", ""}},
			{ID: "c"},
		},
	})
	require.NoError(t, err)
	require.Len(t, h.gw.multicasts, 1)
	require.Equal(t, []string{"t1", "t2", "invalid:t3"}, h.gw.multicasts[0])
	require.Equal(t, 2, totals.Sent)
	require.Equal(t, 1, totals.Failed)
	require.Empty(t, h.store.campaigns, "trigger never creates campaign records")
}

func TestTrigger_PersonalizedUsesStoredProfiles(t *testing.T) {
	h := newHarness(t, false)
	h.store.addRecipient("a", core.SingleToken("stored-token"), core.Profile{FullName: "Ayşe Yılmaz"})

	totals, err := h.svc.Trigger(context.Background(), campaign.TriggerInput{
		Content:      core.Content{Title: "Merhaba {{fullName}}", Body: "b"},
		HasVariables: false,
		Recipients: []campaign.TriggerRecipient{
			{ID: "a", Tokens: []string{"payload-a"}},
			{ID: "unknown", Tokens: []string{"payload-u"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, totals.Sent)
	titles := map[string]string{}
	for i, tok := range h.gw.sendTokens {
		titles[tok] = h.gw.sends[i].Title
	}
	require.Equal(t, map[string]string{
		"payload-a": "Merhaba Ayşe Yılmaz",
		"payload-u": "Merhaba Değerli Kullanıcı",
	}, titles)
}

func TestTrigger_RejectsEmptyContent(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.svc.Trigger(context.Background(), campaign.TriggerInput{Content: core.Content{Title: "x"}})
	require.True(t, core.IsValidation(err))
	require.Zero(t, h.gw.calls())
}

func TestTrigger_RejectsPayloadWithoutTokens(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.svc.Trigger(context.Background(), campaign.TriggerInput{
		Content: plain(),
		Recipients: []campaign.TriggerRecipient{
			{ID: "u1"},
			{ID: "u2", Tokens: []string{""}},
		},
	})
	require.True(t, core.IsValidation(err))
	require.Zero(t, h.gw.calls())
}
