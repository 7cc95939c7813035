package auth

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"saas-crm/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	resets  *ResetCoordinator
	logger  *observability.Logger
}

func NewHandler(service *Service, resets *ResetCoordinator, logger *observability.Logger) *Handler {
	return &Handler{service: service, resets: resets, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetCompleteRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type registerRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || len(body.Username) > 254 {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if body.Password == "" || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		var lockedErr ErrAccountLocked
		if errors.As(err, &lockedErr) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(lockedErr.Until)))
			writeError(w, http.StatusTooManyRequests, "login temporarily locked")
			return
		}
		h.writeFailure(w, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), strings.TrimSpace(body.RefreshToken))
	if err != nil {
		if IsTokenError(err) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		h.writeFailure(w, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Logout runs behind the gate; the access token in the header has already
// been validated.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credential")
		return
	}

	var body logoutRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}

	access, _ := bearerToken(strings.TrimSpace(r.Header.Get("Authorization")))
	if err := h.service.Logout(r.Context(), id, access, body.RefreshToken); err != nil {
		if IsTokenError(err) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		h.writeFailure(w, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credential")
		return
	}

	profile, err := h.service.Me(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			writeError(w, http.StatusNotFound, "principal not found")
			return
		}
		h.writeFailure(w, err, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credential")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.service.ChangePassword(r.Context(), id, body.CurrentPassword, body.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeFailure(w, err, "failed to change password")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RequestReset answers 202 whether or not the email belongs to a principal.
func (h *Handler) RequestReset(w http.ResponseWriter, r *http.Request) {
	var body resetRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(body.Email)); err != nil {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}

	err := h.resets.Initiate(r.Context(), body.Email)
	if err != nil && !errors.Is(err, ErrPrincipalNotFound) {
		if errors.Is(err, ErrUpstreamUnavailable) {
			h.writeFailure(w, err, "failed to request password reset")
			return
		}
		h.logger.Error("password_reset_request_failed", map[string]any{"error": err.Error()})
		sentry.CaptureException(err)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "if the account exists, a reset link has been sent"})
}

func (h *Handler) CompleteReset(w http.ResponseWriter, r *http.Request) {
	var body resetCompleteRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.resets.Complete(r.Context(), body.Token, body.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, ErrResetTokenInvalidOrExpired):
			writeError(w, http.StatusBadRequest, "reset token invalid or expired")
		case errors.Is(err, ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeFailure(w, err, "failed to reset password")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Register runs behind RequireRole(RoleAdmin).
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.ToLower(strings.TrimSpace(body.Username))
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(body.Email)); err != nil {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	for _, role := range body.Roles {
		if role != RoleAdmin && role != RoleManager && role != RoleUser {
			writeError(w, http.StatusBadRequest, "unknown role: "+role)
			return
		}
	}

	profile, err := h.service.Register(r.Context(), RegisterInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
		Roles:    body.Roles,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrPrincipalExists):
			writeError(w, http.StatusConflict, "username or email already in use")
		default:
			h.writeFailure(w, err, "failed to register principal")
		}
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, ErrUpstreamUnavailable) {
		h.logger.Error("upstream_unavailable", map[string]any{"error": err.Error()})
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	sentry.CaptureException(err)
	h.logger.Error("request_failed", map[string]any{"error": err.Error(), "message": message})
	writeError(w, http.StatusInternalServerError, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func retryAfterSeconds(until time.Time) int {
	seconds := int(math.Ceil(time.Until(until).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
