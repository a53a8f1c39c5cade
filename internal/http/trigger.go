package httpapi

import (
	"net/http"

	"github.com/Cypherspark/push-dispatch/internal/campaign"
	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/metrics"
)

type triggerRecipient struct {
	ID     string   `json:"id" validate:"required"`
	Tokens []string `json:"tokens"`
}

type triggerRequest struct {
	CampaignID   string             `json:"campaignId"`
	Title        string             `json:"title" validate:"required,max=200"`
	Body         string             `json:"body" validate:"required,max=4000"`
	ImageURL     string             `json:"imageUrl" validate:"omitempty,url"`
	ActionURL    string             `json:"actionUrl" validate:"omitempty,max=2048"`
	HasVariables bool               `json:"hasVariables"`
	Recipients   []triggerRecipient `json:"recipients" validate:"required,min=1,dive"`
}

type triggerResponse struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var in triggerRequest
	if err := s.decode(r, &in); err != nil {
		metrics.TriggerTotal.WithLabelValues("invalid").Inc()
		s.writeError(w, err)
		return
	}
	recipients := make([]campaign.TriggerRecipient, 0, len(in.Recipients))
	for _, rc := range in.Recipients {
		recipients = append(recipients, campaign.TriggerRecipient{ID: rc.ID, Tokens: rc.Tokens})
	}
	totals, err := s.Campaigns.Trigger(r.Context(), campaign.TriggerInput{
		CampaignID:   in.CampaignID,
		Content:      core.Content{Title: in.Title, Body: in.Body, ImageURL: in.ImageURL, ActionURL: in.ActionURL},
		HasVariables: in.HasVariables,
		Recipients:   recipients,
	})
	if err != nil {
		result := "error"
		if core.IsValidation(err) {
			result = "invalid"
		}
		metrics.TriggerTotal.WithLabelValues(result).Inc()
		s.writeError(w, err)
		return
	}
	metrics.TriggerTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, triggerResponse{SuccessCount: totals.Sent, FailureCount: totals.Failed})
}
