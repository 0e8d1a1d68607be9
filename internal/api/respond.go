package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/apperr"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: msg, Data: data})
}

// fail maps err to its status and display message. Upstream causes are
// logged, never shown.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUpstream {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, apperr.HTTPStatus(kind), envelope{Success: false, Message: apperr.Message(err)})
}
