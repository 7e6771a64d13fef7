package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// CookieName is the name of the CSRF cookie.
const CookieName = "csrf-token"

// HeaderName is the request header carrying the client's copy of the token.
const HeaderName = "X-CSRF-Token"

// tokenBytes is the entropy of a token before encoding.
const tokenBytes = 32

// Error types for the handshake.
var (
	// ErrMissingToken is returned when the client supplied no token.
	ErrMissingToken = errors.New("csrf: missing token")

	// ErrMismatch is returned when the client token and cookie token differ
	// or the cookie is absent. Hard failure: the triggering request is
	// rejected and must not be retried without re-fetching a token.
	ErrMismatch = errors.New("csrf: token mismatch")
)

// HandlerConfig configures the issuing/verification endpoints.
type HandlerConfig struct {
	// CookieName overrides the cookie name. Default: "csrf-token".
	CookieName string

	// TokenTTL bounds the token lifetime via cookie expiry. The handler
	// itself does not track expiry; the cookie's absence triggers
	// re-issuance on the next fetch. Default: 8 hours.
	TokenTTL time.Duration

	// SameSite is the cookie SameSite mode. Default: strict.
	SameSite http.SameSite

	// SecureCookies requires the Secure flag on issued cookies. When set,
	// issuing over an insecure request fails rather than downgrading.
	SecureCookies bool

	// TrustedProxies lists proxy IPs/CIDRs whose Forwarded headers may
	// decide request security.
	TrustedProxies []string

	// OnFailure, when set, observes each rejected verification with a fixed
	// reason category (FailureMissingToken or FailureMismatch). Never handed
	// request data; intended for counters.
	OnFailure func(reason string)
}

// Failure reason categories passed to OnFailure.
const (
	FailureMissingToken = "missing_token"
	FailureMismatch     = "mismatch"
)

// DefaultHandlerConfig returns a HandlerConfig with sensible defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		CookieName: CookieName,
		TokenTTL:   8 * time.Hour,
		SameSite:   http.SameSiteStrictMode,
	}
}

// Handler serves the token issue and verification endpoints.
type Handler struct {
	config  HandlerConfig
	proxies trustedNets
	logger  *slog.Logger

	// Clock source; overrideable for tests.
	now func() time.Time
}

// NewHandler creates the handshake endpoints.
func NewHandler(config HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultHandlerConfig()
	if config.CookieName == "" {
		config.CookieName = defaults.CookieName
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = defaults.TokenTTL
	}
	if config.SameSite == 0 {
		config.SameSite = defaults.SameSite
	}

	return &Handler{
		config:  config,
		proxies: parseTrustedProxies(config.TrustedProxies, logger),
		logger:  logger.With("component", "csrf"),
		now:     time.Now,
	}
}

// issueResponse is the GET /csrf-token body.
type issueResponse struct {
	CSRFToken string `json:"csrfToken"`
	Success   bool   `json:"success"`
	Timestamp int64  `json:"timestamp"`
}

// verifyRequest is the POST /csrf-token body.
type verifyRequest struct {
	Token string `json:"token"`
}

// verifyResponse is the POST /csrf-token success body.
type verifyResponse struct {
	Valid   bool `json:"valid"`
	Success bool `json:"success"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

// Issue handles GET /csrf-token.
//
// An existing cookie is reused unless the refresh query parameter forces
// issuance of a new token (used after suspected compromise or explicit
// rotation). New tokens are set as an http-only cookie bounded by TokenTTL.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	refresh := isRefreshRequest(r)

	if !refresh {
		if cookie, err := r.Cookie(h.config.CookieName); err == nil && cookie.Value != "" {
			writeJSON(w, http.StatusOK, issueResponse{
				CSRFToken: cookie.Value,
				Success:   true,
				Timestamp: h.now().UnixMilli(),
			})
			return
		}
	}

	token, err := generateToken()
	if err != nil {
		h.logger.Error("token generation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to generate CSRF token"})
		return
	}

	cookie, err := h.tokenCookie(r, token)
	if err != nil {
		h.logger.Warn("refusing to issue CSRF cookie", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to issue CSRF cookie"})
		return
	}
	http.SetCookie(w, cookie)

	writeJSON(w, http.StatusOK, issueResponse{
		CSRFToken: token,
		Success:   true,
		Timestamp: h.now().UnixMilli(),
	})
}

// Verify handles POST /csrf-token.
//
// The client token comes from the X-CSRF-Token header or the JSON body.
// Equality with the cookie is mandatory and exact: 400 when the client
// token is missing, 403 on mismatch or an absent cookie, never a silent
// pass.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	token := clientToken(r)
	if token == "" {
		h.recordFailure(FailureMissingToken)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrMissingToken.Error()})
		return
	}

	if err := h.verifyAgainstCookie(r, token); err != nil {
		h.recordFailure(FailureMismatch)
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Success: true})
}

// verifyAgainstCookie compares the client token with the cookie copy.
func (h *Handler) verifyAgainstCookie(r *http.Request, token string) error {
	cookie, err := r.Cookie(h.config.CookieName)
	if err != nil || cookie.Value == "" {
		return ErrMismatch
	}
	if !hmac.Equal([]byte(token), []byte(cookie.Value)) {
		return ErrMismatch
	}
	return nil
}

// Middleware rejects mutating requests whose header token does not match
// the cookie. Safe methods pass through untouched.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		// Header only: reading the body here would consume it before the
		// downstream handler sees it.
		token := r.Header.Get(HeaderName)
		if token == "" {
			h.recordFailure(FailureMissingToken)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrMissingToken.Error()})
			return
		}
		if err := h.verifyAgainstCookie(r, token); err != nil {
			h.recordFailure(FailureMismatch)
			h.logger.Warn("rejected mutating request",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err)
			writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recordFailure reports a rejection to the configured observer.
func (h *Handler) recordFailure(reason string) {
	if h.config.OnFailure != nil {
		h.config.OnFailure(reason)
	}
}

// tokenCookie builds the double-submit cookie for a new token.
func (h *Handler) tokenCookie(r *http.Request, token string) (*http.Cookie, error) {
	secure, err := h.secureFlag(r)
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     h.config.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.config.TokenTTL / time.Second),
		HttpOnly: true,
		SameSite: h.config.SameSite,
		Secure:   secure,
	}, nil
}

// generateToken returns a new cryptographically random token.
func generateToken() (string, error) {
	nonce := make([]byte, tokenBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(nonce), nil
}

// clientToken extracts the client's copy of the token from the header or,
// for verification posts, the JSON body.
func clientToken(r *http.Request) string {
	if token := r.Header.Get(HeaderName); token != "" {
		return token
	}
	if r.Body == nil {
		return ""
	}
	var body verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Token
}

// isRefreshRequest reports whether the request forces a new token.
func isRefreshRequest(r *http.Request) bool {
	switch r.URL.Query().Get("refresh") {
	case "true", "1":
		return true
	default:
		return false
	}
}

// isMutating reports whether the method requires CSRF verification.
func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
