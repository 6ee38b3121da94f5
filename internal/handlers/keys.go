package handlers

import (
	"errors"
	"net/http"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/chat"
	"github.com/pliu/tandem/internal/store"
)

type KeyHandler struct {
	Service *chat.Service
}

type RegisterKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

type PartnerKeyResponse struct {
	PublicKey  string `json:"publicKey"`
	KeyVersion int    `json:"keyVersion"`
}

func (h *KeyHandler) Register(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(h.Service, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var req RegisterKeyRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	rec, err := h.Service.RegisterKey(r.Context(), user.ID, req.PublicKey)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, rec)
}

func (h *KeyHandler) Partner(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(h.Service, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	rec, err := h.Service.PartnerKey(r.Context(), user, r.URL.Query().Get("partnerId"))
	if errors.Is(err, store.ErrKeyNotFound) {
		fail(w, r, apperr.NotFound("partner has not registered an encryption key"))
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, PartnerKeyResponse{PublicKey: rec.PublicKey, KeyVersion: rec.KeyVersion})
}
