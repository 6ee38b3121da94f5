package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pliu/tandem/internal/chat"
	"github.com/pliu/tandem/internal/models"
)

type MessageHandler struct {
	Service *chat.Service
}

type UpdateStatusRequest struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type SendResponse struct {
	Message   *models.Message `json:"message"`
	Delivered bool            `json:"delivered"`
}

// History returns every message between the caller and their partner,
// oldest first.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(h.Service, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	msgs, err := h.Service.History(r.Context(), user)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, msgs)
}

// Send is the durable fallback for send_message. The message is stored and
// relayed exactly as over the realtime channel.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(h.Service, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var msg models.Message
	if err := decode(w, r, &msg); err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.Service.SendMessage(r.Context(), user, msg)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, SendResponse{Message: res.Message, Delivered: res.Delivered})
}

func (h *MessageHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(h.Service, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var req UpdateStatusRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		fail(w, r, err)
		return
	}

	changed, err := h.Service.UpdateStatus(r.Context(), user, req.MessageID, status)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(h.Service, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	if err := h.Service.DeleteMessage(r.Context(), user, mux.Vars(r)["messageId"]); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, nil)
}

func (h *MessageHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(h.Service, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	n, err := h.Service.ClearHistory(r.Context(), user)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]int64{"deleted": n})
}

func Health(w http.ResponseWriter, r *http.Request) {
	ok(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
