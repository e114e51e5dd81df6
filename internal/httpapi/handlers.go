package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/whatsgate/gateway/internal/gatewayerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a gatewayerr.Kind to an HTTP status code, per §7's
// error-handling design.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch gatewayerr.KindOf(err) {
	case gatewayerr.KindSessionNotFound:
		status = http.StatusNotFound
	case gatewayerr.KindValidation:
		status = http.StatusBadRequest
	case gatewayerr.KindCredentialsInvalid, gatewayerr.KindAuth:
		status = http.StatusConflict
	case gatewayerr.KindTransport, gatewayerr.KindStore, gatewayerr.KindDelivery:
		status = http.StatusServiceUnavailable
	case gatewayerr.KindConfig:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.registry.Ensure(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	snap := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"status": snap.Status})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items := s.registry.List()
	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, map[string]any{
			"id":                it.ID,
			"status":            it.Status,
			"isAuthenticated":   it.IsAuthenticated,
			"hasQR":             it.HasQR,
			"credentialsValid":  it.CredentialsValid,
			"reconnectAttempts": it.ReconnectAttempts,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rows), "sessions": rows})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id))
		return
	}
	view := s.registry.ActualStatus(sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"actualStatus":     view.ActualStatus,
		"isAuthenticated":  view.IsAuthenticated,
		"credentialsValid": view.CredentialsValid,
		"wsState":          view.WSState,
		"baileyStatus":     view.BaileyStatus,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Logout(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sendRequest struct {
	JID       string `json:"jid"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.Validation("malformed request body", err))
		return
	}
	if req.JID == "" {
		writeError(w, gatewayerr.Validation("jid is required", nil))
		return
	}

	var (
		messageID string
		err       error
	)
	if len(req.Data) > 0 {
		messageID, err = s.registry.SendMedia(r.Context(), id, req.JID, req.MediaType, req.Data, req.MimeType, req.Caption)
	} else {
		messageID, err = s.registry.SendText(r.Context(), id, req.JID, req.Text)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messageId": messageID})
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	jid := r.PathValue("jid")
	contact, err := s.registry.FetchContact(r.Context(), id, jid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jid":      contact.JID,
		"fullName": contact.FullName,
		"pushName": contact.PushName,
	})
}

type pairingCodeRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req pairingCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.Validation("malformed request body", err))
		return
	}
	code, err := s.registry.RequestPairingCode(r.Context(), id, req.Phone)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code})
}

func (s *Server) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.webhook.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":      stats.Pending,
		"processing":   stats.Processing,
		"failed":       stats.Failed,
		"isProcessing": stats.IsProcessing,
	})
}

type retryRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleWebhookRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, gatewayerr.Validation("malformed request body", err))
		return
	}
	if req.Count <= 0 {
		req.Count = 10
	}
	count, err := s.webhook.RetryFailed(r.Context(), req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}
