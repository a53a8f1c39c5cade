package campaign_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Cypherspark/push-dispatch/internal/audience"
	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/provider"
)

// memStore backs campaigns, templates and recipients in memory.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[string]core.Campaign
	templates  map[string]core.Template
	recipients []core.Recipient
	banned     map[string]bool
	setTarget  int
	// finalizeErrs makes that many Finalize calls fail.
	finalizeErrs int
	finalizes    int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[string]core.Campaign{},
		templates: map[string]core.Template{},
		banned:    map[string]bool{},
	}
}

func (m *memStore) addRecipient(id string, tokens core.TokenField, p core.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients = append(m.recipients, core.Recipient{ID: id, Tokens: tokens, Profile: p})
}

func (m *memStore) CreateCampaign(_ context.Context, c *core.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = *c
	if c.SourceTemplateID != nil {
		t := m.templates[*c.SourceTemplateID]
		t.UsageCount++
		m.templates[t.ID] = t
	}
	return nil
}

func (m *memStore) GetCampaign(_ context.Context, id string) (*core.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id string, from, to core.Status, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	if to == core.StatusSending {
		c.SentAt = &at
	}
	if to.Terminal() {
		c.CompletedAt = &at
		c.FailureReason = reason
	}
	m.campaigns[id] = c
	return true, nil
}

func (m *memStore) Reschedule(_ context.Context, id string, from core.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = core.StatusScheduled
	c.ScheduledFor = &at
	m.campaigns[id] = c
	return true, nil
}

func (m *memStore) SetTargeted(_ context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTarget++
	c := m.campaigns[id]
	if c.Counters.Targeted == nil {
		c.Counters.Targeted = &n
	}
	m.campaigns[id] = c
	return nil
}

func (m *memStore) Finalize(_ context.Context, id string, status core.Status, counters core.Counters, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizes++
	if m.finalizeErrs > 0 {
		m.finalizeErrs--
		return false, errors.New("conn reset")
	}
	c, ok := m.campaigns[id]
	if !ok || c.Status != core.StatusSending {
		return false, nil
	}
	targeted := c.Counters.Targeted
	if targeted == nil {
		targeted = counters.Targeted
	}
	c.Counters = counters
	c.Counters.Targeted = targeted
	c.Status = status
	c.FailureReason = reason
	c.CompletedAt = &at
	m.campaigns[id] = c
	return true, nil
}

func (m *memStore) StaleSending(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.campaigns {
		if c.Status == core.StatusSending && c.SentAt != nil && c.SentAt.Before(cutoff) && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) DeleteCampaign(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status == core.StatusSending {
		return false, nil
	}
	delete(m.campaigns, id)
	return true, nil
}

func (m *memStore) CreateTemplate(_ context.Context, t *core.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = *t
	return nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (*core.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &t, nil
}

func (m *memStore) match(q audience.Query) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.recipients {
		if q.ExcludeBanned && m.banned[r.ID] {
			continue
		}
		ok := true
		for _, f := range q.Filters {
			if f.Field == "category" && r.Profile.Category != f.Value {
				ok = false
			}
			if f.Field == "city" && r.Profile.City != f.Value {
				ok = false
			}
		}
		if ok {
			out = append(out, r.ID)
		}
	}
	return out
}

func (m *memStore) RecipientIDs(_ context.Context, q audience.Query) ([]string, error) {
	return m.match(q), nil
}

func (m *memStore) CountRecipients(_ context.Context, q audience.Query) (int, error) {
	return len(m.match(q)), nil
}

func (m *memStore) Recipients(_ context.Context, ids []string) ([]core.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []core.Recipient
	for _, r := range m.recipients {
		if want[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordingGateway struct {
	mu         sync.Mutex
	multicasts [][]string
	sends      []provider.Message
	sendTokens []string
}

func (g *recordingGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.multicasts) + len(g.sends)
}

func (g *recordingGateway) Send(_ context.Context, token string, msg provider.Message) error {
	g.mu.Lock()
	g.sends = append(g.sends, msg)
	g.sendTokens = append(g.sendTokens, token)
	g.mu.Unlock()
	if strings.HasPrefix(token, "invalid:") {
		return provider.ErrUnregistered
	}
	return nil
}

func (g *recordingGateway) SendMulticast(_ context.Context, toks []string, _ provider.Message) (provider.BatchResponse, error) {
	g.mu.Lock()
	g.multicasts = append(g.multicasts, toks)
	g.mu.Unlock()
	var out provider.BatchResponse
	for _, tok := range toks {
		var err error
		if strings.HasPrefix(tok, "invalid:") {
			err = provider.ErrInvalidToken
		}
		out.Responses = append(out.Responses, provider.SendResponse{Token: tok, Err: err})
	}
	return out, nil
}

type fakeLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLease) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		return nil
	}, true, nil
}
