package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"trello-project/microservices/task-view-service/middleware"
)

// NewRouter mounts the health check and the authenticated view routes. CORS
// wraps the whole router so preflight requests, which match no route, are
// still answered.
func NewRouter(h *TaskViewHandler, secret []byte, sessions middleware.SessionOpener, corsOrigin string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", Health).Methods(http.MethodGet)

	view := r.PathPrefix("/api/view").Subrouter()
	view.Use(middleware.JWTAuthMiddleware(secret, sessions))
	h.Register(view)

	corsRouter := middleware.CORS(corsOrigin)(r)
	return middleware.RequestID(middleware.RequestLogger(corsRouter))
}
