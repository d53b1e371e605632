// Copyright 2025 James Ross
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/flyingrobots/comfyqueue/internal/obs"
	"github.com/google/uuid"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyPrincipal ctxKey = "principal"

	// AnonymousPrincipal is the literal principal used when auth is disabled.
	AnonymousPrincipal = "anonymous"

	requestIDHeader = "X-Request-ID"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("request",
			obs.String("method", r.Method),
			obs.String("path", r.URL.Path),
			obs.Int("status", sw.status),
			obs.String("request_id", requestIDFrom(r.Context())),
			obs.String("duration", time.Since(start).String()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Authenticator resolves a bearer API key to a principal/role pair, per
// spec §6.1's `cui_sk_` key format and `P:apikey:{hash}` lookup.
type Authenticator struct {
	enabled bool
	store   interface {
		HashGetAll(ctx context.Context, key string) (map[string]string, error)
	}
}

// NewAuthenticator returns an Authenticator; when enabled is false every
// request resolves to AnonymousPrincipal with role "internal" (spec §9's
// decision for the disabled-auth default).
func NewAuthenticator(enabled bool, store interface {
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
}) *Authenticator {
	return &Authenticator{enabled: enabled, store: store}
}

// Principal identifies the caller and their assigned role.
type Principal struct {
	Token string
	Role  string
}

func apiKeyHashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "apikey:" + hex.EncodeToString(sum[:])
}

// Authenticate resolves the Authorization header to a Principal.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	if !a.enabled {
		return Principal{Token: AnonymousPrincipal, Role: "internal"}, nil
	}

	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Principal{}, apperr.New(apperr.KindUnauthorized, "missing or malformed Authorization header")
	}
	apiKey := strings.TrimPrefix(header, prefix)
	if !strings.HasPrefix(apiKey, "cui_sk_") {
		return Principal{}, apperr.New(apperr.KindUnauthorized, "malformed API key")
	}

	fields, err := a.store.HashGetAll(ctx, apiKeyHashKey(apiKey))
	if err != nil {
		return Principal{}, err
	}
	if len(fields) == 0 {
		return Principal{}, apperr.New(apperr.KindUnauthorized, "unknown API key")
	}
	if fields["is_active"] == "false" || fields["is_active"] == "0" {
		return Principal{}, apperr.New(apperr.KindForbidden, "API key revoked")
	}

	role := fields["role"]
	if role == "" {
		role = "free"
	}
	token := fields["user_id"]
	if token == "" {
		token = apiKeyHashKey(apiKey)
	}
	return Principal{Token: token, Role: role}, nil
}

func principalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(Principal)
	return p
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r.Context(), r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
		next(w, r.WithContext(ctx))
	}
}
