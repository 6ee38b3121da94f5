package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/chat"
	"github.com/pliu/tandem/internal/middleware"
	"github.com/pliu/tandem/internal/models"
)

// Response is the JSON envelope of every endpoint.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Response{Success: true, Data: data})
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	if !apperr.IsDomain(err) {
		logrus.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "code": code}).Error("request failed")
	}
	writeJSON(w, apperr.HTTPStatus(code), Response{Success: false, Message: apperr.PublicMessage(err)})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256*1024))
	if err := dec.Decode(v); err != nil {
		return apperr.InvalidArg("malformed request body")
	}
	return nil
}

// currentUser resolves the identity AuthMiddleware verified.
func currentUser(svc *chat.Service, r *http.Request) (*models.User, error) {
	id, found := middleware.UserID(r.Context())
	if !found {
		return nil, apperr.Unauthorized("not authenticated")
	}
	user, err := svc.Lookup(r.Context(), id)
	if apperr.CodeOf(err) == apperr.CodeNotFound {
		return nil, apperr.Unauthorized("unknown user")
	}
	return user, err
}
