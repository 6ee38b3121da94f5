package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/tandem/internal/chat"
)

// Routes mounts the HTTP surface on r. Everything except /health sits behind
// authMW; ws, when set, serves the realtime endpoint, which authenticates
// its own handshake.
func Routes(r *mux.Router, svc *chat.Service, authMW mux.MiddlewareFunc, ws http.HandlerFunc) {
	r.HandleFunc("/health", Health).Methods("GET")
	if ws != nil {
		r.HandleFunc("/ws", ws).Methods("GET")
	}

	keys := &KeyHandler{Service: svc}
	msgs := &MessageHandler{Service: svc}

	api := r.NewRoute().Subrouter()
	api.Use(authMW)
	api.HandleFunc("/keys/register", keys.Register).Methods("POST")
	api.HandleFunc("/keys/partner", keys.Partner).Methods("GET")
	api.HandleFunc("/messages", msgs.History).Methods("GET")
	api.HandleFunc("/messages", msgs.Send).Methods("POST")
	api.HandleFunc("/messages/status", msgs.UpdateStatus).Methods("PATCH")
	api.HandleFunc("/messages/{messageId}", msgs.Delete).Methods("DELETE")
	api.HandleFunc("/history", msgs.ClearHistory).Methods("DELETE")
}
