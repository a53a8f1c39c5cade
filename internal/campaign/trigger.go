package campaign

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/dispatch"
	"github.com/Cypherspark/push-dispatch/internal/personalize"
	"github.com/Cypherspark/push-dispatch/internal/tokens"
)

// TriggerRecipient is a recipient with the tokens supplied by the caller.
type TriggerRecipient struct {
	ID     string
	Tokens []string
}

type TriggerInput struct {
	CampaignID   string
	Content      core.Content
	HasVariables bool
	Recipients   []TriggerRecipient
}

// Trigger dispatches content to caller-supplied tokens without touching any
// campaign record. Profiles are loaded only when the content is personalized.
func (s *Service) Trigger(ctx context.Context, in TriggerInput) (dispatch.Totals, error) {
	if err := s.validateContent(in.Content); err != nil {
		return dispatch.Totals{}, err
	}
	mode := personalize.Detect(in.Content)
	log := s.Log.With(zap.String("campaign_id", in.CampaignID), zap.Stringer("mode", mode))
	if in.HasVariables != (mode == personalize.Personalized) {
		log.Warn("hasVariables disagrees with detected placeholders", zap.Bool("has_variables", in.HasVariables))
	}

	ctx, span := s.tracer.Start(ctx, "campaign.trigger", trace.WithAttributes(
		attribute.String("campaign.id", in.CampaignID),
		attribute.String("campaign.mode", mode.String()),
		attribute.Int("recipients", len(in.Recipients)),
	))
	defer span.End()

	dir := &tokens.Directory{
		Tokens:   make(map[string][]string, len(in.Recipients)),
		Profiles: map[string]core.Profile{},
	}
	for _, r := range in.Recipients {
		toks := core.Normalize(core.MultiToken(r.Tokens))
		if len(toks) == 0 {
			continue
		}
		if _, dup := dir.Tokens[r.ID]; !dup {
			dir.Order = append(dir.Order, r.ID)
		}
		dir.Tokens[r.ID] = core.Normalize(core.MultiToken(append(dir.Tokens[r.ID], toks...)))
	}
	if dir.TokenCount() == 0 {
		return dispatch.Totals{}, &core.ValidationError{Field: "recipients", Reason: ReasonUnreachable}
	}

	agg := dispatch.NewAggregator()
	if mode == personalize.Bulk {
		s.Dispatcher.Bulk(ctx, dir.AllTokens(), in.Content, agg)
	} else {
		found, err := s.Accessor.Lookup(ctx, dir.Order)
		if err != nil {
			return dispatch.Totals{}, err
		}
		dir.Profiles = found.Profiles
		s.Dispatcher.Personalized(ctx, dispatch.Render(dir, in.Content), agg)
	}

	t := agg.Totals()
	log.Info("trigger dispatched", zap.Int("sent", t.Sent), zap.Int("failed", t.Failed), zap.Int("invalid_tokens", len(agg.InvalidTokens())))
	return t, nil
}
