package routes

import (
	"net/http"
	"strings"

	"milestonemarket/services/webhooks"
)

type webhookRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit"`
}

func (s *server) webhooksAvailable(w http.ResponseWriter) bool {
	if s.hooks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "webhooks disabled", Code: "unavailable"})
		return false
	}
	return true
}

func (s *server) createWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksAvailable(w) {
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req webhookRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sub := &webhooks.Subscription{
		Owner:     caller.Hex(),
		EventType: strings.TrimSpace(req.EventType),
		URL:       req.URL,
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
	}
	if err := s.hooks.Create(r.Context(), sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksAvailable(w) {
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	subs, err := s.hooks.List(r.Context(), caller.Hex())
	if err != nil {
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []webhooks.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": subs})
}

func (s *server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksAvailable(w) {
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := uintParam(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.hooks.Delete(r.Context(), caller.Hex(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) listWebhookAttempts(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksAvailable(w) {
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := uintParam(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	sub, err := s.hooks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !strings.EqualFold(sub.Owner, caller.Hex()) {
		writeError(w, webhooks.ErrNotOwner)
		return
	}
	attempts, err := s.hooks.Attempts(r.Context(), id, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []webhooks.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}
