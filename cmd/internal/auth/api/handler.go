// Package authapi serves registration, login, token refresh and logout for
// both principal variants, plus the owner directory.
package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"courier/cmd/identity"
	"courier/cmd/internal/apperr"
	"courier/cmd/internal/auth/session"
	"courier/cmd/internal/authz"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/web"
)

// Identities is the subset of identity.Service the endpoints use.
type Identities interface {
	Register(ctx context.Context, in identity.RegisterInput) (identity.Principal, error)
	Login(ctx context.Context, role identity.Role, email, pass string) (identity.Principal, error)
	Principal(ctx context.Context, role identity.Role, id string) (identity.Principal, error)
}

// Sessions is the subset of session.Service the endpoints use.
type Sessions interface {
	Create(ctx context.Context, p identity.Principal, dev session.Device) (session.Pair, error)
	Refresh(ctx context.Context, rawRefresh string) (session.Pair, session.Claims, error)
	Revoke(ctx context.Context, rawRefresh string) error
	Authenticate(ctx context.Context, rawAccess string) (session.Claims, error)
}

// Handler wires the HTTP auth endpoints to the identity and session services.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	ids      Identities
	sessions Sessions
	rs       *web.Responder
	metrics  *metrics.Metrics
}

// NewHandler constructs a Handler. m may be nil.
func NewHandler(log *slog.Logger, cfg Config, ids Identities, sessions Sessions, rs *web.Responder, m *metrics.Metrics) (*Handler, error) {
	if ids == nil || sessions == nil {
		return nil, errors.New("authapi: identity and session services are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if rs == nil {
		rs = web.NewResponder(log, false)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, ids: ids, sessions: sessions, rs: rs, metrics: m}, nil
}

// Routes registers the auth and owner directory endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/auth/register", h.handleRegister(identity.RoleUser))
	r.Post("/api/auth/login", h.handleLogin(identity.RoleUser))
	r.Post("/api/auth/refresh-token", h.handleRefresh)
	r.Post("/api/auth/logout", h.handleLogout)

	r.Post("/api/owners/register", h.handleRegister(identity.RoleOwner))
	r.Post("/api/owners/login", h.handleLogin(identity.RoleOwner))
	r.Get("/api/owners/public-key/{id}", h.handlePublicKey)

	r.With(authz.Middleware(h.sessions, h.rs), authz.RequireRoles(h.rs, identity.RoleOwner)).
		Get("/api/owners/me", h.handleMe)
}

func (h *Handler) handleRegister(role identity.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := web.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			h.rs.Error(w, r, err)
			return
		}
		if strings.TrimSpace(req.Email) == "" || req.Password == "" {
			h.rs.Error(w, r, apperr.Validation("authapi.register", "email and password are required"))
			return
		}

		displayName := req.DisplayName
		if displayName == "" {
			displayName = req.FullName
		}

		ctx := r.Context()
		p, err := h.ids.Register(ctx, identity.RegisterInput{
			Role:        role,
			Email:       req.Email,
			Password:    req.Password,
			DisplayName: displayName,
			PublicKey:   req.PublicKey,
		})
		if err != nil {
			if identity.IsConflict(err) {
				h.rs.Error(w, r, apperr.New("authapi.register", apperr.ErrConflict, "email already registered"))
				return
			}
			h.rs.Error(w, r, err)
			return
		}

		ip := web.ClientIP(r, h.cfg.TrustProxy)
		pair, err := h.sessions.Create(ctx, p, session.Device{UserAgent: strings.TrimSpace(r.UserAgent()), IP: ip})
		if err != nil {
			h.rs.Error(w, r, err)
			return
		}

		h.auditRegistered(ctx, role, p.ID, ip)
		web.WriteJSON(w, http.StatusCreated, newAuthResponse(p, pair))
	}
}

func (h *Handler) handleLogin(role identity.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := web.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			h.rs.Error(w, r, err)
			return
		}

		ctx := r.Context()
		ip := web.ClientIP(r, h.cfg.TrustProxy)
		ua := strings.TrimSpace(r.UserAgent())

		p, err := h.ids.Login(ctx, role, req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, apperr.ErrUnauthenticated):
				h.metrics.Login(role.String(), "invalid")
				h.auditLoginFailed(ctx, role, ip, ua, "invalid_credentials")
				web.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
			case errors.Is(err, apperr.ErrValidation):
				h.rs.Error(w, r, err)
			default:
				h.metrics.Login(role.String(), "error")
				h.rs.Error(w, r, err)
			}
			return
		}

		pair, err := h.sessions.Create(ctx, p, session.Device{UserAgent: ua, IP: ip})
		if err != nil {
			h.metrics.Login(role.String(), "error")
			h.rs.Error(w, r, err)
			return
		}

		h.metrics.Login(role.String(), "ok")
		h.auditLoginSuccess(ctx, role, p.ID, pair.SessionID, ip, ua)
		web.WriteJSON(w, http.StatusOK, newAuthResponse(p, pair))
	}
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.refreshTokenFrom(w, r)
	if !ok {
		return
	}

	pair, claims, err := h.sessions.Refresh(r.Context(), raw)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	h.auditRefresh(r.Context(), claims.SessionID, web.ClientIP(r, h.cfg.TrustProxy))
	web.WriteJSON(w, http.StatusOK, refreshResponse{
		Success:          true,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

// handleLogout always acknowledges a well-formed request, whether or not the
// token names a live session.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.refreshTokenFrom(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Revoke(r.Context(), raw); err != nil {
		h.rs.Error(w, r, err)
		return
	}

	h.auditLogout(r.Context(), web.ClientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	web.WriteJSON(w, http.StatusOK, logoutResponse{Success: true, Message: "logged out"})
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	p, err := h.ids.Principal(r.Context(), identity.RoleOwner, chi.URLParam(r, "id"))
	if err != nil {
		if identity.IsNotFound(err) {
			h.rs.Error(w, r, apperr.New("authapi.public_key", apperr.ErrNotFound, "owner not found"))
			return
		}
		h.rs.Error(w, r, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, publicKeyResponse{OwnerID: p.ID, Email: p.Email, PublicKey: p.PublicKey})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())
	if claims == nil {
		h.rs.Error(w, r, apperr.New("authapi.me", apperr.ErrUnauthenticated, "authentication required"))
		return
	}

	p, err := h.ids.Principal(r.Context(), identity.RoleOwner, claims.Subject)
	if err != nil {
		if identity.IsNotFound(err) {
			// The session outlived its owner.
			h.rs.Error(w, r, apperr.New("authapi.me", apperr.ErrUnauthenticated, "owner no longer exists"))
			return
		}
		h.rs.Error(w, r, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, meResponse{Owner: toPrincipalResponse(p)})
}

func (h *Handler) refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req tokenRequest
	if err := web.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.rs.Error(w, r, err)
		return "", false
	}
	raw := strings.TrimSpace(req.RefreshToken)
	if raw == "" {
		h.rs.Error(w, r, apperr.Validation("authapi.refresh_token", "refresh_token is required"))
		return "", false
	}
	return raw, true
}

func newAuthResponse(p identity.Principal, pair session.Pair) authResponse {
	resp := authResponse{
		Success:          true,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	pr := toPrincipalResponse(p)
	if p.Role == identity.RoleOwner {
		resp.Owner = &pr
	} else {
		resp.User = &pr
	}
	return resp
}

func toPrincipalResponse(p identity.Principal) principalResponse {
	return principalResponse{
		ID:          p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        p.Role.String(),
		PublicKey:   p.PublicKey,
		CreatedAt:   p.CreatedAt,
	}
}
