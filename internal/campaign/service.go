// Package campaign runs the campaign lifecycle: creation, scheduling and the
// dispatch run that drives a campaign from draft or scheduled to a terminal
// status.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/audience"
	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/dispatch"
	"github.com/Cypherspark/push-dispatch/internal/events"
	"github.com/Cypherspark/push-dispatch/internal/personalize"
	"github.com/Cypherspark/push-dispatch/internal/tokens"
)

const (
	ReasonCancelled      = "cancelled"
	ReasonEmptyAudience  = "audience is empty"
	ReasonUnreachable    = "no reachable recipients"
	ReasonFinalizeFailed = "run outcome could not be recorded"
	ReasonInterrupted    = "run interrupted"
)

type Deps struct {
	Store      Store
	Resolver   *audience.Resolver
	Accessor   *tokens.Accessor
	Dispatcher *dispatch.Dispatcher
	Log        *zap.Logger

	// Optional.
	Lease    Locker
	LeaseTTL time.Duration
	Events   events.Publisher
	Now      func() time.Time
	// FinalizeAttempts bounds the store writes of a run outcome; the delay
	// between them starts at FinalizeBackoff and grows.
	FinalizeAttempts int
	FinalizeBackoff  time.Duration
	// Production fails runs that find no reachable recipient instead of
	// completing them with zero counters.
	Production bool
}

type Service struct {
	Deps
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewService(d Deps) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.LeaseTTL <= 0 {
		d.LeaseTTL = 30 * time.Minute
	}
	if d.FinalizeAttempts <= 0 {
		d.FinalizeAttempts = 5
	}
	if d.FinalizeBackoff <= 0 {
		d.FinalizeBackoff = 200 * time.Millisecond
	}
	return &Service{
		Deps:     d,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   otel.Tracer("github.com/Cypherspark/push-dispatch/internal/campaign"),
	}
}

type CreateInput struct {
	Content      core.Content
	Targeting    core.TargetingRule
	ScheduledFor *time.Time
	TemplateID   *string
	CreatedBy    string
}

// Create stores a new campaign in draft, or in scheduled when ScheduledFor is
// set. Content from a template replaces the title and body of in.Content.
func (s *Service) Create(ctx context.Context, in CreateInput) (*core.Campaign, error) {
	now := s.Now()
	c := &core.Campaign{
		ID:        uuid.NewString(),
		Content:   in.Content,
		Targeting: in.Targeting,
		Status:    core.StatusDraft,
		CreatedBy: in.CreatedBy,
		CreatedAt: now,
	}
	if in.TemplateID != nil && *in.TemplateID != "" {
		tpl, err := s.Store.GetTemplate(ctx, *in.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("load template: %w", err)
		}
		c.Content.Title = tpl.Title
		c.Content.Body = tpl.Body
		id := tpl.ID
		c.SourceTemplateID = &id
	}
	if err := s.validateContent(c.Content); err != nil {
		return nil, err
	}
	if err := audience.Validate(c.Targeting); err != nil {
		return nil, err
	}
	if in.ScheduledFor != nil {
		if !in.ScheduledFor.After(now) {
			return nil, &core.ValidationError{Field: "scheduledFor", Reason: "must be in the future"}
		}
		at := in.ScheduledFor.UTC()
		c.ScheduledFor = &at
		c.Status = core.StatusScheduled
	}
	if unknown := personalize.Unknown(c.Content.Title, c.Content.Body); len(unknown) > 0 {
		s.Log.Warn("content has unsupported placeholders", zap.String("campaign_id", c.ID), zap.Strings("names", unknown))
	}
	if err := s.Store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

func (s *Service) CreateTemplate(ctx context.Context, name, title, body string) (*core.Template, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &core.ValidationError{Field: "name", Reason: "required"}
	}
	if err := s.validateContent(core.Content{Title: title, Body: body}); err != nil {
		return nil, err
	}
	t := &core.Template{
		ID:        uuid.NewString(),
		Name:      name,
		Title:     title,
		Body:      body,
		Variables: personalize.Variables(title, body),
		CreatedAt: s.Now(),
	}
	if t.Variables == nil {
		t.Variables = []string{}
	}
	if err := s.Store.CreateTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*core.Campaign, error) {
	return s.Store.GetCampaign(ctx, id)
}

// Schedule sets the send time of a draft or scheduled campaign.
func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (*core.Campaign, error) {
	if !at.After(s.Now()) {
		return nil, &core.ValidationError{Field: "scheduledFor", Reason: "must be in the future"}
	}
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	changed, err := core.Transition(c.Status, core.StatusScheduled)
	if err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}
	ok, err := s.Store.Reschedule(ctx, id, c.Status, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("schedule campaign: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("schedule %s: status changed concurrently: %w", id, core.ErrIllegalTransition)
	}
	return s.Store.GetCampaign(ctx, id)
}

// Cancel fails a scheduled campaign before it fires.
func (s *Service) Cancel(ctx context.Context, id string) (*core.Campaign, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Status.Terminal():
		return c, nil
	case c.Status == core.StatusSending:
		return nil, core.ErrCampaignBusy
	case c.Status != core.StatusScheduled:
		return nil, &core.TransitionError{From: c.Status, To: core.StatusFailed}
	}
	ok, err := s.Store.UpdateStatus(ctx, id, core.StatusScheduled, core.StatusFailed, ReasonCancelled, s.Now())
	if err != nil {
		return nil, fmt.Errorf("cancel campaign: %w", err)
	}
	if !ok {
		return s.Store.GetCampaign(ctx, id)
	}
	s.publish(ctx, id, core.StatusFailed, "", core.Counters{}, 0, ReasonCancelled)
	return s.Store.GetCampaign(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !core.CanDelete(c.Status) {
		return core.ErrCampaignBusy
	}
	ok, err := s.Store.DeleteCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if !ok {
		return core.ErrCampaignBusy
	}
	return nil
}

// CountAudience previews the audience size of rule. The value is never
// stored; the run resolves the audience again when it starts.
func (s *Service) CountAudience(ctx context.Context, rule core.TargetingRule) (int, error) {
	return s.Resolver.Count(ctx, rule)
}

type Preview struct {
	Mode    string       `json:"mode"`
	Content core.Content `json:"content"`
}

// Preview renders content for one recipient, or with defaults when
// recipientID is empty.
func (s *Service) Preview(ctx context.Context, content core.Content, recipientID string) (*Preview, error) {
	var p core.Profile
	if recipientID != "" {
		recs, err := s.Accessor.Store.Recipients(ctx, []string{recipientID})
		if err != nil {
			return nil, fmt.Errorf("load recipient: %w", err)
		}
		found := false
		for _, r := range recs {
			if r.ID == recipientID {
				p, found = r.Profile, true
			}
		}
		if !found {
			return nil, fmt.Errorf("recipient %s: %w", recipientID, core.ErrNotFound)
		}
	}
	return &Preview{
		Mode:    personalize.Detect(content).String(),
		Content: personalize.Render(content, p),
	}, nil
}

// Send dispatches a draft or scheduled campaign now. Calling it on a sending
// or finished campaign returns the campaign unchanged.
func (s *Service) Send(ctx context.Context, id string) (*core.Campaign, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, c)
}

// Fire is the scheduler entry point. Only scheduled campaigns whose time has
// come are run; anything else is left untouched.
func (s *Service) Fire(ctx context.Context, id string) (*core.Campaign, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != core.StatusScheduled {
		return c, nil
	}
	if c.ScheduledFor != nil && c.ScheduledFor.After(s.Now()) {
		return c, nil
	}
	return s.run(ctx, c)
}

func (s *Service) validateContent(c core.Content) error {
	if err := s.validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &core.ValidationError{Field: "content." + strings.ToLower(verrs[0].Field()), Reason: verrs[0].Tag()}
		}
		return &core.ValidationError{Field: "content", Reason: err.Error()}
	}
	return nil
}
