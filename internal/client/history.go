package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/auth"
	"github.com/pliu/tandem/internal/cryptobox"
	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/protocol"
)

type envelope struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Data    []models.Message `json:"data"`
}

type statusUpdate struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// FetchHistory loads the conversation and decrypts what it can. Incoming
// messages use the key snapshot stored with them; outgoing ones use the
// partner's current key, so they stop decrypting once the partner rotates.
//
// Incoming messages still at sent are acknowledged, and with AutoRead the
// decrypted ones are marked read, the same as when they arrive live.
func (a *Agent) FetchHistory(ctx context.Context) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint("/messages"), nil)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: a.cfg.Token})
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, apperr.Unavailable("history request failed", err)
	}
	defer resp.Body.Close()

	var body envelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperr.Unavailable("history response unreadable", err)
	}
	if !body.Success {
		return nil, apperr.New(apperr.CodeUnknown, body.Message)
	}

	a.mu.Lock()
	partnerKey := a.partnerKey
	a.mu.Unlock()

	out := make([]Message, 0, len(body.Data))
	for _, wire := range body.Data {
		m := Message{Message: wire, Local: LocalStatus(wire.Status)}
		if wire.SenderID == a.cfg.UserID {
			m.Outgoing = true
			a.setStatus(wire.ID, LocalStatus(wire.Status))
			if partnerKey == "" {
				m.DecryptErr = ErrPartnerKeyMissing
			} else {
				m.Text, m.DecryptErr = cryptobox.DecryptString(wire.EncryptedContent, partnerKey, &a.keys.Private)
			}
		} else {
			m.Text, m.DecryptErr = cryptobox.DecryptString(wire.EncryptedContent, wire.SenderPublicKey, &a.keys.Private)
		}
		out = append(out, m)
	}

	for _, m := range out {
		if m.Outgoing {
			continue
		}
		if m.Status == models.StatusSent {
			a.confirm(ctx, m.ID, models.StatusDelivered)
		}
		if a.cfg.AutoRead && m.DecryptErr == nil && m.Status != models.StatusRead {
			a.confirm(ctx, m.ID, models.StatusRead)
		}
	}
	return out, nil
}

// confirm reports a receipt over the realtime connection, or over HTTP when
// there is none.
func (a *Agent) confirm(ctx context.Context, messageID string, status models.Status) {
	var ev protocol.Inbound = protocol.MessageAck{MessageID: messageID}
	if status == models.StatusRead {
		ev = protocol.MessageRead{MessageID: messageID}
	}
	if err := a.write(ev); err == nil {
		return
	}
	if err := a.patchStatus(ctx, messageID, status); err != nil {
		a.log.WithError(err).WithField("message", messageID).Warn("receipt not recorded")
	}
}

func (a *Agent) patchStatus(ctx context.Context, messageID string, status models.Status) error {
	body, err := json.Marshal(statusUpdate{MessageID: messageID, Status: string(status)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, a.endpoint("/messages/status"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: a.cfg.Token})
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return apperr.Unavailable("status request failed", err)
	}
	defer resp.Body.Close()

	var res struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return apperr.Unavailable("status response unreadable", err)
	}
	if !res.Success {
		return apperr.New(apperr.CodeUnknown, res.Message)
	}
	return nil
}

func (a *Agent) endpoint(path string) string {
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + path
}
