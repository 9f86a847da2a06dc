package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CSRF validation errors.
var (
	ErrCSRFRequired  = errors.New("csrf token required")
	ErrCSRFMalformed = errors.New("csrf token malformed")
	ErrCSRFInvalid   = errors.New("csrf token invalid")
	ErrCSRFExpired   = errors.New("csrf token expired")
)

// Cookie and CSRF configuration.
const (
	principalCookieName = "uid"
	csrfTokenTTL        = 1 * time.Hour
	csrfClockSkew       = 5 * time.Minute
	cookieMaxAge        = 30 * 24 * 3600 // 30 days in seconds

	// bootstrapPath is the one route reachable without a principal.
	bootstrapPath = "/api/v1/auth/session"
)

// principalManager issues and verifies principal cookies and CSRF
// tokens. There is no account database behind it: possession of a
// validly signed uid cookie is the identity.
type principalManager struct {
	secret []byte
	isDev  bool
	logger *slog.Logger
}

// Principal extracts and verifies the caller's identity from the uid
// cookie. Returns uuid.Nil and false for a missing, tampered or
// malformed cookie.
func (pm *principalManager) Principal(r *http.Request) (uuid.UUID, bool) {
	cookie, err := r.Cookie(principalCookieName)
	if err != nil {
		return uuid.Nil, false
	}
	return verifyPrincipal(cookie.Value, pm.secret)
}

func (pm *principalManager) setPrincipalCookie(w http.ResponseWriter, id uuid.UUID) {
	http.SetCookie(w, &http.Cookie{
		Name:     principalCookieName,
		Value:    signPrincipal(id, pm.secret),
		Path:     "/",
		Secure:   !pm.isDev,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   cookieMaxAge,
	})
}

// signPrincipal builds the tamper-evident cookie value
// "id:base64url(HMAC-SHA256(secret, id))".
func signPrincipal(id uuid.UUID, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(id.String()))
	sig := base64.URLEncoding.EncodeToString(h.Sum(nil))
	return id.String() + ":" + sig
}

// verifyPrincipal checks the signature and shape of a uid cookie value.
func verifyPrincipal(value string, secret []byte) (uuid.UUID, bool) {
	idx := strings.LastIndex(value, ":")
	if idx < 1 {
		return uuid.Nil, false
	}

	raw := value[:idx]
	sig, err := base64.URLEncoding.DecodeString(value[idx+1:])
	if err != nil {
		return uuid.Nil, false
	}

	h := hmac.New(sha256.New, secret)
	h.Write([]byte(raw))
	expected := h.Sum(nil)

	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// NewCSRFToken creates an HMAC token bound to the principal.
// Format: "timestamp:signature".
func (pm *principalManager) NewCSRFToken(principal uuid.UUID) string {
	timestamp := time.Now().Unix()
	message := fmt.Sprintf("%s:%d", principal, timestamp)

	h := hmac.New(sha256.New, pm.secret)
	h.Write([]byte(message))
	signature := base64.URLEncoding.EncodeToString(h.Sum(nil))

	return fmt.Sprintf("%d:%s", timestamp, signature)
}

// CheckCSRF verifies a principal-bound CSRF token.
func (pm *principalManager) CheckCSRF(principal uuid.UUID, token string) error {
	if token == "" {
		return ErrCSRFRequired
	}

	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return ErrCSRFMalformed
	}

	timestamp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrCSRFMalformed
	}

	// The HMAC is verified before the timestamp so the response time
	// never distinguishes an expired token from a forged one.
	message := fmt.Sprintf("%s:%d", principal, timestamp)
	h := hmac.New(sha256.New, pm.secret)
	h.Write([]byte(message))
	expectedSig := h.Sum(nil)

	actualSig, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return ErrCSRFMalformed
	}

	if subtle.ConstantTimeCompare(actualSig, expectedSig) != 1 {
		return ErrCSRFInvalid
	}

	age := time.Since(time.Unix(timestamp, 0))
	if age > csrfTokenTTL {
		return ErrCSRFExpired
	}
	if age < -csrfClockSkew {
		return ErrCSRFInvalid
	}

	return nil
}

// bootstrapSession handles POST /api/v1/auth/session. A caller with a
// valid cookie keeps its identity; anyone else gets a fresh one. Either
// way the response carries a usable CSRF token.
func (pm *principalManager) bootstrapSession(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	id, ok := pm.Principal(r)
	if !ok {
		id = uuid.New()
		pm.setPrincipalCookie(w, id)
		status = http.StatusCreated
		pm.logger.Debug("minted principal", "principal_id", id)
	}

	WriteJSON(w, status, map[string]string{
		"principalId": id.String(),
		"csrfToken":   pm.NewCSRFToken(id),
	})
}

// csrfToken handles GET /api/v1/auth/csrf.
func (pm *principalManager) csrfToken(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "auth_required", "authentication required", pm.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"csrfToken": pm.NewCSRFToken(principal),
	})
}

// principalMiddleware requires a verified uid cookie on every route
// except the bootstrap endpoint and rejects the rest with 401.
func principalMiddleware(pm *principalManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isBootstrap(r) {
				next.ServeHTTP(w, r)
				return
			}

			principal, ok := pm.Principal(r)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "auth_required", "authentication required", pm.logger)
				return
			}
			ctx := contextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// csrfMiddleware validates CSRF tokens on unsafe methods. The token
// arrives in the X-CSRF-Token header, JSON API style.
func csrfMiddleware(pm *principalManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if isBootstrap(r) {
				next.ServeHTTP(w, r)
				return
			}

			principal, ok := principalFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, "auth_required", "authentication required", pm.logger)
				return
			}

			if err := pm.CheckCSRF(principal, r.Header.Get("X-CSRF-Token")); err != nil {
				pm.logger.Warn("csrf validation failed",
					"error", err,
					"principal_id", principal,
					"path", r.URL.Path,
					"method", r.Method,
				)
				WriteError(w, http.StatusForbidden, "csrf_invalid", "CSRF validation failed", pm.logger)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isBootstrap(r *http.Request) bool {
	return r.Method == http.MethodPost && r.URL.Path == bootstrapPath
}
