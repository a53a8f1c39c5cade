package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/campaign"
	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/dispatch"
)

// Campaigns is the campaign service surface used by the handlers.
type Campaigns interface {
	Create(ctx context.Context, in campaign.CreateInput) (*core.Campaign, error)
	CreateTemplate(ctx context.Context, name, title, body string) (*core.Template, error)
	Get(ctx context.Context, id string) (*core.Campaign, error)
	Send(ctx context.Context, id string) (*core.Campaign, error)
	Schedule(ctx context.Context, id string, at time.Time) (*core.Campaign, error)
	Cancel(ctx context.Context, id string) (*core.Campaign, error)
	Delete(ctx context.Context, id string) error
	CountAudience(ctx context.Context, rule core.TargetingRule) (int, error)
	Preview(ctx context.Context, content core.Content, recipientID string) (*campaign.Preview, error)
	Trigger(ctx context.Context, in campaign.TriggerInput) (dispatch.Totals, error)
}

type Server struct {
	Campaigns Campaigns
	JWTSecret string
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
	Log   *zap.Logger

	validate *validator.Validate
}

func NewServer(c Campaigns, secret string, ready func(context.Context) error, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Campaigns: c,
		JWTSecret: secret,
		Ready:     ready,
		Log:       log,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/notifications/send", s.trigger)
		r.Post("/templates", s.createTemplate)
		r.Post("/campaigns", s.createCampaign)
		r.Get("/campaigns/{id}", s.getCampaign)
		r.Delete("/campaigns/{id}", s.deleteCampaign)
		r.Post("/campaigns/{id}/send", s.sendCampaign)
		r.Post("/campaigns/{id}/schedule", s.scheduleCampaign)
		r.Post("/campaigns/{id}/cancel", s.cancelCampaign)
		r.Post("/campaigns/{id}/preview", s.previewCampaign)
		r.Post("/audience/count", s.countAudience)
	})
	return r
}

type filterDTO struct {
	Field string `json:"field" validate:"required,oneof=category active city district"`
	Value any    `json:"value"`
}

type targetingDTO struct {
	Kind        string      `json:"kind" validate:"required,oneof=all filtered specific"`
	Filters     []filterDTO `json:"filters" validate:"omitempty,dive"`
	ExplicitIDs []string    `json:"explicitIds" validate:"required_if=Kind specific,omitempty,dive,required"`
}

func (t targetingDTO) rule() core.TargetingRule {
	rule := core.TargetingRule{Kind: core.TargetKind(t.Kind), ExplicitIDs: t.ExplicitIDs}
	for _, f := range t.Filters {
		rule.Filters = append(rule.Filters, core.Filter{Field: f.Field, Value: f.Value})
	}
	return rule
}

type createCampaignRequest struct {
	Title        string       `json:"title" validate:"required_without=TemplateID,max=200"`
	Body         string       `json:"body" validate:"required_without=TemplateID,max=4000"`
	ImageURL     string       `json:"imageUrl" validate:"omitempty,url"`
	ActionURL    string       `json:"actionUrl" validate:"omitempty,max=2048"`
	Targeting    targetingDTO `json:"targeting"`
	ScheduledFor *time.Time   `json:"scheduledFor"`
	TemplateID   *string      `json:"templateId"`
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in createCampaignRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.Campaigns.Create(r.Context(), campaign.CreateInput{
		Content:      core.Content{Title: in.Title, Body: in.Body, ImageURL: in.ImageURL, ActionURL: in.ActionURL},
		Targeting:    in.Targeting.rule(),
		ScheduledFor: in.ScheduledFor,
		TemplateID:   in.TemplateID,
		CreatedBy:    subject(r.Context()),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type createTemplateRequest struct {
	Name  string `json:"name" validate:"required,max=120"`
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"required,max=4000"`
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var in createTemplateRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.Campaigns.CreateTemplate(r.Context(), in.Name, in.Title, in.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.Campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendCampaign runs the campaign to completion. A run that ends in failed is
// still a successful request; the reason is on the campaign.
func (s *Server) sendCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.Campaigns.Send(r.Context(), chi.URLParam(r, "id"))
	if err != nil && c == nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type scheduleRequest struct {
	ScheduledFor time.Time `json:"scheduledFor" validate:"required"`
}

func (s *Server) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var in scheduleRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.Campaigns.Schedule(r.Context(), chi.URLParam(r, "id"), in.ScheduledFor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.Campaigns.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type previewRequest struct {
	RecipientID string `json:"recipientId"`
}

func (s *Server) previewCampaign(w http.ResponseWriter, r *http.Request) {
	var in previewRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.Campaigns.Preview(r.Context(), c.Content, in.RecipientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type countRequest struct {
	Targeting targetingDTO `json:"targeting"`
}

func (s *Server) countAudience(w http.ResponseWriter, r *http.Request) {
	var in countRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.Campaigns.CountAudience(r.Context(), in.Targeting.rule())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}
