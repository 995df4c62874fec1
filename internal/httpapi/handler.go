package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"loomchat/backend/internal/auth"
	"loomchat/backend/internal/config"
	"loomchat/backend/internal/model"
	"loomchat/backend/internal/provider"
	"loomchat/backend/internal/session"
	"loomchat/backend/internal/store"
	"loomchat/backend/internal/store/remote"
	"loomchat/backend/internal/telemetry"
)

type Handler struct {
	cfg       config.Config
	sessions  *session.Store
	verifier  auth.Verifier
	data      *store.Service
	gateway   *remote.Store
	registry  *model.Registry
	streamers map[model.Provider]provider.Streamer
	limiter   *limiterPool
	metrics   *telemetry.Metrics
}

func NewHandler(
	cfg config.Config,
	sessions *session.Store,
	verifier auth.Verifier,
	data *store.Service,
	gateway *remote.Store,
	registry *model.Registry,
	streamers map[model.Provider]provider.Streamer,
	metrics *telemetry.Metrics,
) Handler {
	return Handler{
		cfg:       cfg,
		sessions:  sessions,
		verifier:  verifier,
		data:      data,
		gateway:   gateway,
		registry:  registry,
		streamers: streamers,
		limiter:   newLimiterPool(cfg.ChatRequestsPerMinute),
		metrics:   metrics,
	}
}

type contextKey string

const principalContextKey contextKey = "principal"

type requestPrincipal struct {
	store.Principal
	User session.User
}

func (h Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "site": h.cfg.SiteName})
}

type authGoogleRequest struct {
	IDToken string `json:"idToken"`
}

func (h Handler) AuthGoogle(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "no user database is configured")
		return
	}

	var req authGoogleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	identity, err := h.identityFromRequest(r.Context(), r, req.IDToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_google_token", err.Error())
		return
	}

	user, err := h.sessions.UpsertUser(r.Context(), identity.GoogleSubject, identity.Email, identity.Name, identity.AvatarURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to upsert user")
		return
	}

	token, expiresAt, err := h.sessions.CreateSession(r.Context(), user.ID, h.cfg.SessionTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to create session")
		return
	}

	h.setSessionCookie(w, token, expiresAt)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) AuthMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok || !principal.Authenticated {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not signed in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": principal.User})
}

func (h Handler) AuthLogout(w http.ResponseWriter, r *http.Request) {
	if h.sessions != nil {
		if rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName); err == nil {
			_ = h.sessions.DeleteSession(r.Context(), rawToken)
		}
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.registry.All()})
}

// ResolvePrincipal attaches the caller's identity to the request context.
// A valid session cookie yields an authenticated principal; everyone else
// gets (or keeps) an anonymous per-browser profile id, minted here so the
// local store has a stable owner before the first write.
func (h Handler) ResolvePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := requestPrincipal{}

		if h.sessions != nil {
			if rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName); err == nil {
				user, err := h.sessions.ResolveSession(r.Context(), rawToken)
				if err == nil {
					principal.Authenticated = true
					principal.UserID = user.ID
					principal.User = user
				} else if !errors.Is(err, session.ErrNotFound) {
					writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve session")
					return
				}
			}
		}

		principal.ProfileID = h.ensureProfileCookie(w, r)

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth gates endpoints that have no anonymous equivalent.
func (h Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFromContext(r.Context())
		if !ok || !principal.Authenticated {
			writeError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h Handler) ensureProfileCookie(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(h.cfg.ProfileCookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value
	}

	profileID := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.ProfileCookieName,
		Value:    profileID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(365 * 24 * time.Hour),
	})
	return profileID
}

func (h Handler) identityFromRequest(ctx context.Context, r *http.Request, idToken string) (auth.GoogleIdentity, error) {
	if !h.cfg.InsecureSkipGoogleVerify {
		return h.verifier.Verify(ctx, idToken)
	}

	email := strings.TrimSpace(r.Header.Get("X-Test-Email"))
	sub := strings.TrimSpace(r.Header.Get("X-Test-Google-Sub"))
	if email == "" || sub == "" {
		return auth.GoogleIdentity{}, errors.New("insecure auth mode requires X-Test-Email and X-Test-Google-Sub headers")
	}
	return auth.GoogleIdentity{GoogleSubject: sub, Email: strings.ToLower(email), Name: strings.TrimSpace(r.Header.Get("X-Test-Name"))}, nil
}

func (h Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (h Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func readSessionCookie(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cookie.Value) == "" {
		return "", errors.New("empty session cookie")
	}
	return cookie.Value, nil
}

func principalFromContext(ctx context.Context) (requestPrincipal, bool) {
	value := ctx.Value(principalContextKey)
	if value == nil {
		return requestPrincipal{}, false
	}
	principal, ok := value.(requestPrincipal)
	return principal, ok
}
