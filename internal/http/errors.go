package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/core"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		verr *core.ValidationError
		vals validator.ValidationErrors
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: verr.Reason, Field: verr.Field})
	case errors.As(err, &vals):
		fe := vals[0]
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: fe.Tag(), Field: fe.Namespace()})
	case core.IsAuthorization(err):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: err.Error()})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, core.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: "illegal_transition", Message: err.Error()})
	case errors.Is(err, core.ErrCampaignBusy):
		writeJSON(w, http.StatusConflict, errorBody{Error: "campaign_sending", Message: err.Error()})
	default:
		s.Log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

// decode reads a JSON body into dst and runs struct validation.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &core.ValidationError{Field: "body", Reason: err.Error()}
	}
	return s.validate.Struct(dst)
}
