package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"trello-project/microservices/task-view-service/logging"
	"trello-project/microservices/task-view-service/models"
	"trello-project/microservices/task-view-service/services"
	"trello-project/microservices/task-view-service/utils"
)

type contextKey string

const (
	sessionKey   contextKey = "session"
	requestIDKey contextKey = "request_id"
	tokenKey     contextKey = "token"
)

const RequestIDHeader = "X-Request-ID"

// SessionOpener hands out the session bound to a bearer token.
type SessionOpener interface {
	Open(token string, viewer models.Viewer, expiresAt time.Time) *services.Session
}

// JWTAuthMiddleware validates the bearer token and attaches the viewer's
// session to the request context.
func JWTAuthMiddleware(secret []byte, sessions SessionOpener) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logging.Logger.Debugf("Event ID: JWT_AUTH_MIDDLEWARE_START, Description: Authenticating %s %s", r.Method, r.URL.Path)
			if r.Header.Get("Authorization") == "" {
				logging.Logger.Warnf("Event ID: JWT_AUTH_MISSING_HEADER, Description: Authorization header missing for %s %s", r.Method, r.URL.Path)
				writeUnauthenticated(w, "authorization header missing")
				return
			}
			tokenStr := utils.BearerToken(r.Header.Get("Authorization"))
			if tokenStr == "" {
				logging.Logger.Warnf("Event ID: JWT_AUTH_BEARER_PREFIX_MISSING, Description: Bearer token missing for %s %s", r.Method, r.URL.Path)
				writeUnauthenticated(w, "bearer token missing")
				return
			}

			claims, err := utils.ValidateToken(tokenStr, secret)
			if err != nil {
				logging.Logger.Warnf("Event ID: JWT_AUTH_INVALID_TOKEN, Description: Invalid token for %s %s: %v", r.Method, r.URL.Path, err)
				writeUnauthenticated(w, "invalid token")
				return
			}

			var expiresAt time.Time
			if claims.ExpiresAt != nil {
				expiresAt = claims.ExpiresAt.Time
			}
			session := sessions.Open(tokenStr, claims.Viewer(), expiresAt)
			ctx := context.WithValue(r.Context(), sessionKey, session)
			ctx = context.WithValue(ctx, tokenKey, tokenStr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func SessionFromContext(ctx context.Context) (*services.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*services.Session)
	return s, ok && s != nil
}

func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID reuses an incoming X-Request-ID or generates one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Logger.WithFields(logrus.Fields{
			"request_id": RequestIDFromContext(r.Context()),
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Infof("Event ID: HTTP_REQUEST, Description: %s %s", r.Method, r.URL.Path)
	})
}

func CORS(origin string) mux.MiddlewareFunc {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthenticated(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "UNAUTHENTICATED", "message": message},
	})
}
