package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/campaign"
	"github.com/Cypherspark/push-dispatch/internal/core"
	"github.com/Cypherspark/push-dispatch/internal/dispatch"
	httpapi "github.com/Cypherspark/push-dispatch/internal/http"
)

const secret = "test-secret"

type fakeCampaigns struct {
	mu       sync.Mutex
	calls    int
	created  campaign.CreateInput
	trigger  campaign.TriggerInput
	totals   dispatch.Totals
	campaign *core.Campaign
	err      error
}

func (f *fakeCampaigns) hit() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeCampaigns) Create(_ context.Context, in campaign.CreateInput) (*core.Campaign, error) {
	f.hit()
	f.created = in
	return &core.Campaign{ID: "c1", Content: in.Content, Targeting: in.Targeting, Status: core.StatusDraft, CreatedBy: in.CreatedBy}, f.err
}

func (f *fakeCampaigns) CreateTemplate(_ context.Context, name, title, body string) (*core.Template, error) {
	f.hit()
	return &core.Template{ID: "t1", Name: name, Title: title, Body: body}, f.err
}

func (f *fakeCampaigns) Get(context.Context, string) (*core.Campaign, error) {
	f.hit()
	return f.campaign, f.err
}

func (f *fakeCampaigns) Send(context.Context, string) (*core.Campaign, error) {
	f.hit()
	return f.campaign, f.err
}

func (f *fakeCampaigns) Schedule(context.Context, string, time.Time) (*core.Campaign, error) {
	f.hit()
	return f.campaign, f.err
}

func (f *fakeCampaigns) Cancel(context.Context, string) (*core.Campaign, error) {
	f.hit()
	return f.campaign, f.err
}

func (f *fakeCampaigns) Delete(context.Context, string) error {
	f.hit()
	return f.err
}

func (f *fakeCampaigns) CountAudience(context.Context, core.TargetingRule) (int, error) {
	f.hit()
	return 42, f.err
}

func (f *fakeCampaigns) Preview(_ context.Context, content core.Content, _ string) (*campaign.Preview, error) {
	f.hit()
	return &campaign.Preview{Mode: "bulk", Content: content}, f.err
}

func (f *fakeCampaigns) Trigger(_ context.Context, in campaign.TriggerInput) (dispatch.Totals, error) {
	f.hit()
	f.trigger = in
	return f.totals, f.err
}

func newAPI(t *testing.T, f *fakeCampaigns) http.Handler {
	t.Helper()
	return httpapi.NewServer(f, secret, nil, zap.NewNop()).Router()
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	tok, err := httpapi.IssueToken(secret, "ops@example.com", role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func do(h http.Handler, method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const triggerBody = `{"campaignId":"c9","title":"Hi","body":"Hello {{name}}","hasVariables":true,
"recipients":[{"id":"u1","tokens":["a","b"]},{"id":"u2","tokens":["c"]}]}`

func TestAdminRequiredBeforeSideEffects(t *testing.T) {
	f := &fakeCampaigns{}
	h := newAPI(t, f)

	w := do(h, http.MethodPost, "/api/v1/notifications/send", "", triggerBody)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(h, http.MethodPost, "/api/v1/notifications/send", "Bearer not-a-jwt", triggerBody)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(h, http.MethodPost, "/api/v1/notifications/send", adminToken(t, "viewer"), triggerBody)
	require.Equal(t, http.StatusForbidden, w.Code)

	other, err := httpapi.IssueToken("another-secret", "x", httpapi.RoleAdmin, time.Hour)
	require.NoError(t, err)
	w = do(h, http.MethodPost, "/api/v1/campaigns", "Bearer "+other, `{}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	require.Zero(t, f.calls)
}

func TestMissingSecretRejectsEverything(t *testing.T) {
	f := &fakeCampaigns{}
	h := httpapi.NewServer(f, "", nil, nil).Router()
	w := do(h, http.MethodPost, "/api/v1/notifications/send", adminToken(t, httpapi.RoleAdmin), triggerBody)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Zero(t, f.calls)
}

func TestTriggerReturnsCounts(t *testing.T) {
	f := &fakeCampaigns{totals: dispatch.Totals{Sent: 2, Delivered: 2, Failed: 1}}
	h := newAPI(t, f)

	w := do(h, http.MethodPost, "/api/v1/notifications/send", adminToken(t, httpapi.RoleAdmin), triggerBody)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp["successCount"])
	require.Equal(t, 1, resp["failureCount"])

	require.Equal(t, "c9", f.trigger.CampaignID)
	require.True(t, f.trigger.HasVariables)
	require.Len(t, f.trigger.Recipients, 2)
	require.Equal(t, []string{"a", "b"}, f.trigger.Recipients[0].Tokens)
}

func TestTriggerRejectsBadPayload(t *testing.T) {
	f := &fakeCampaigns{}
	h := newAPI(t, f)
	auth := adminToken(t, httpapi.RoleAdmin)

	w := do(h, http.MethodPost, "/api/v1/notifications/send", auth, `{"title":"","body":"x","recipients":[{"id":"u1"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodPost, "/api/v1/notifications/send", auth, `{"title":"t","body":"x","recipients":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodPost, "/api/v1/notifications/send", auth, `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, f.calls)
}

func TestCreateCampaignRecordsOperator(t *testing.T) {
	f := &fakeCampaigns{}
	h := newAPI(t, f)

	body := `{"title":"Sale","body":"50% off","targeting":{"kind":"filtered","filters":[{"field":"city","value":"Izmir"}]}}`
	w := do(h, http.MethodPost, "/api/v1/campaigns", adminToken(t, httpapi.RoleAdmin), body)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "ops@example.com", f.created.CreatedBy)
	require.Equal(t, core.TargetFiltered, f.created.Targeting.Kind)
	require.Equal(t, "city", f.created.Targeting.Filters[0].Field)

	w = do(h, http.MethodPost, "/api/v1/campaigns", adminToken(t, httpapi.RoleAdmin),
		`{"title":"x","body":"y","targeting":{"kind":"filtered","filters":[{"field":"password","value":"1"}]}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	auth := adminToken(t, httpapi.RoleAdmin)
	cases := []struct {
		name   string
		err    error
		method string
		path   string
		body   string
		want   int
	}{
		{"not found", core.ErrNotFound, http.MethodGet, "/api/v1/campaigns/x", "", http.StatusNotFound},
		{"busy", core.ErrCampaignBusy, http.MethodPost, "/api/v1/campaigns/x/cancel", "", http.StatusConflict},
		{"transition", &core.TransitionError{From: core.StatusDraft, To: core.StatusFailed}, http.MethodPost, "/api/v1/campaigns/x/cancel", "", http.StatusConflict},
		{"validation", &core.ValidationError{Field: "targeting", Reason: "empty"}, http.MethodPost, "/api/v1/audience/count", `{"targeting":{"kind":"all"}}`, http.StatusBadRequest},
		{"internal", errors.New("boom"), http.MethodDelete, "/api/v1/campaigns/x", "", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newAPI(t, &fakeCampaigns{err: tc.err})
			w := do(h, tc.method, tc.path, auth, tc.body)
			require.Equal(t, tc.want, w.Code)
		})
	}
}

func TestSendAnswersWithFailedCampaign(t *testing.T) {
	failed := &core.Campaign{ID: "c1", Status: core.StatusFailed, FailureReason: "no recipients"}
	f := &fakeCampaigns{campaign: failed, err: &core.ValidationError{Field: "audience", Reason: "empty"}}
	h := newAPI(t, f)

	w := do(h, http.MethodPost, "/api/v1/campaigns/c1/send", adminToken(t, httpapi.RoleAdmin), "")
	require.Equal(t, http.StatusOK, w.Code)

	var got core.Campaign
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, core.StatusFailed, got.Status)
	require.Equal(t, "no recipients", got.FailureReason)
}

func TestPreviewUsesStoredContent(t *testing.T) {
	f := &fakeCampaigns{campaign: &core.Campaign{ID: "c1", Content: core.Content{Title: "T", Body: "B"}}}
	h := newAPI(t, f)

	w := do(h, http.MethodPost, "/api/v1/campaigns/c1/preview", adminToken(t, httpapi.RoleAdmin), `{"recipientId":"u1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var p campaign.Preview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.Equal(t, "B", p.Content.Body)
}

func TestCountAudience(t *testing.T) {
	h := newAPI(t, &fakeCampaigns{})
	w := do(h, http.MethodPost, "/api/v1/audience/count", adminToken(t, httpapi.RoleAdmin), `{"targeting":{"kind":"all"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"count":42}`, w.Body.String())
}

func TestRouterBuildsTwice(t *testing.T) {
	s := httpapi.NewServer(&fakeCampaigns{}, secret, nil, nil)
	require.NotPanics(t, func() { s.Router() })
	require.NotPanics(t, func() { s.Router() })

	w := do(s.Router(), http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestProbesNeedNoToken(t *testing.T) {
	h := newAPI(t, &fakeCampaigns{})
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/readyz", "", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "", "").Code)

	down := httpapi.NewServer(&fakeCampaigns{}, secret, func(context.Context) error {
		return errors.New("db down")
	}, nil).Router()
	require.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/readyz", "", "").Code)
}
