package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sipeed/wabridge/pkg/config"
	"github.com/sipeed/wabridge/pkg/connection"
	"github.com/sipeed/wabridge/pkg/ingest"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/socket"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Connection.State()
	_, pairing := s.deps.Connection.PairingArtifact()

	status := map[string]interface{}{
		"version":          Version,
		"uptime":           time.Since(s.startTime).String(),
		"connectivity":     state.Connectivity,
		"connected":        state.Connectivity == connection.Connected,
		"pairing_pending":  pairing,
		"state_changed_at": state.UpdatedAt,
	}
	if s.deps.Deliveries != nil {
		status["webhook_queue"] = s.deps.Deliveries.Pending()
	}
	writeJSON(w, status)
}

func (s *Server) handlePairingQR(w http.ResponseWriter, r *http.Request) {
	svg, ok := s.deps.Connection.PairingArtifact()
	if !ok {
		writeError(w, http.StatusNotFound, "no pairing code available")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(svg))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.deps.Connection.Start()
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := s.deps.Connection.Logout(ctx); err != nil {
		logger.ErrorCF("dashboard", "Logout failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, map[string]string{"status": "logged_out"})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.MessageFilter{
		Status:       chi.URLParam(r, "status"),
		Search:       q.Get("search"),
		Counterparty: q.Get("counterparty"),
		Direction:    repository.Direction(q.Get("direction")),
	}
	if filter.Status == "" {
		filter.Status = q.Get("status")
	}
	switch filter.Direction {
	case "", repository.DirectionIncoming, repository.DirectionOutgoing:
	default:
		writeError(w, http.StatusBadRequest, "direction must be incoming or outgoing")
		return
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if page < 1 {
		page = 1
	}

	rows, total, err := s.deps.Messages.Inbox(r.Context(), filter, page, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"messages": rows,
		"total":    total,
		"page":     page,
	})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body string `json:"body"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	reply, err := s.deps.Messages.SendReply(ctx, chi.URLParam(r, "id"), body.Body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, reply)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.deps.Messages.UpdateStatus(r.Context(), chi.URLParam(r, "id"), body.Status); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs    []string `json:"ids"`
		Status string   `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	n, err := s.deps.Messages.UpdateStatusBatch(r.Context(), body.IDs, body.Status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"updated": n})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.deps.Webhooks.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	for i := range hooks {
		hooks[i].Secret = config.MaskSecret(hooks[i].Secret)
	}
	writeJSON(w, hooks)
}

type webhookRequest struct {
	URL    *string  `json:"url"`
	Events []string `json:"events"`
	Secret *string  `json:"secret"`
	Active *bool    `json:"active"`
}

func (req webhookRequest) apply(hook *repository.Webhook) {
	if req.URL != nil {
		hook.URL = strings.TrimSpace(*req.URL)
	}
	if req.Events != nil {
		hook.Events = req.Events
	}
	if req.Secret != nil {
		hook.Secret = *req.Secret
	}
	if req.Active != nil {
		hook.Active = *req.Active
	}
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeBody(w, r, &req) {
		return
	}

	hook := &repository.Webhook{Active: true}
	req.apply(hook)
	if err := hook.Validate(); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.deps.Webhooks.Create(r.Context(), hook); err != nil {
		s.writeServiceError(w, err)
		return
	}

	hook.Secret = config.MaskSecret(hook.Secret)
	writeJSONStatus(w, http.StatusCreated, hook)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookID(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if !decodeBody(w, r, &req) {
		return
	}

	hook, err := s.deps.Webhooks.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	req.apply(hook)
	if err := hook.Validate(); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.deps.Webhooks.Update(r.Context(), hook); err != nil {
		s.writeServiceError(w, err)
		return
	}

	hook.Secret = config.MaskSecret(hook.Secret)
	writeJSON(w, hook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Webhooks.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := s.deps.Deliveries.TestDelivery(r.Context(), strings.TrimSpace(body.URL), body.Secret)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.deps.Audit.List(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Auth via query param for WebSocket
	if !s.validToken(extractToken(r)) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	s.feed.serveWebSocket(w, r)
}

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case repository.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, socket.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "not connected")
	case errors.Is(err, ingest.ErrDeliveryFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logger.ErrorCF("dashboard", "Request failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func webhookID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}
