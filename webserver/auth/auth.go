package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mordilloSan/go-logger/logger"

	"github.com/mordilloSan/truenas-passwd/common/session"
	"github.com/mordilloSan/truenas-passwd/webserver/appliance"
	"github.com/mordilloSan/truenas-passwd/webserver/web"
)

const (
	msgUnreachable = "could not reach appliance"
	msgInternal    = "internal error"
)

// ServiceFactory returns a fresh, unconnected appliance client. Each HTTP
// request gets its own; clients are never shared across requests.
type ServiceFactory func() appliance.Service

// Handlers bundles dependencies (no global state).
type Handlers struct {
	SM         *session.Manager
	NewService ServiceFactory
	// Timeout bounds the whole appliance exchange of one request.
	Timeout time.Duration
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	OTP      string `json:"otp,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
	OTP             string `json:"otp,omitempty"`
}

func (h *Handlers) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := web.DecodeJSON(w, r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		web.WriteError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	creds := appliance.Credentials{Username: req.Username, Password: req.Password, OTP: strings.TrimSpace(req.OTP)}
	if err := verifyPassword(ctx, h.NewService(), creds); err != nil {
		logger.Warnf("[auth.login] login for %s failed: %v", req.Username, err)
		writeApplianceError(w, err)
		return
	}

	sess, err := h.SM.CreateSession(req.Username)
	if err != nil {
		logger.Errorf("[auth.login] failed to create session: %v", err)
		web.WriteError(w, http.StatusInternalServerError, "session creation failed")
		return
	}
	h.SM.WriteCookie(w, sess.SessionID)
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"username": sess.Username,
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	ck, err := r.Cookie(h.SM.CookieName())
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.SM.DeleteCookie(w)
	if err := h.SM.DeleteSession(ck.Value, session.ReasonLogout); err != nil {
		logger.ErrorKV("session delete failed", "error", err)
	}
	logger.InfoKV("session logout", "cookie_cleared", true)
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	sess := session.SessionFromContext(r.Context())
	if sess == nil {
		web.WriteError(w, http.StatusUnauthorized, "no active session")
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"username":   sess.Username,
		"created_at": sess.Timing.CreatedAt,
		"expires_at": sess.Timing.AbsoluteUntil,
	})
}

// ChangePassword re-verifies the current password against the appliance and
// then sets the new one. All of the user's sessions end on success.
func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	sess := session.SessionFromContext(r.Context())
	if sess == nil {
		web.WriteError(w, http.StatusUnauthorized, "no active session")
		return
	}

	var req ChangePasswordRequest
	if err := web.DecodeJSON(w, r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if msg := validateChange(req); msg != "" {
		web.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	creds := appliance.Credentials{Username: sess.Username, Password: req.CurrentPassword, OTP: strings.TrimSpace(req.OTP)}
	if err := changePassword(ctx, h.NewService(), creds, req.NewPassword); err != nil {
		logger.Warnf("[auth.password] password change for %s failed: %v", sess.Username, err)
		writeApplianceError(w, err)
		return
	}

	if _, err := h.SM.DeleteUserSessions(sess.Username, session.ReasonPasswordChanged); err != nil {
		logger.WarnKV("session cleanup after password change failed", "user", sess.Username, "error", err)
	}
	h.SM.DeleteCookie(w)
	logger.InfoKV("password changed", "user", sess.Username)
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "password changed, please sign in again",
	})
}

func validateChange(req ChangePasswordRequest) string {
	switch {
	case req.CurrentPassword == "" || req.NewPassword == "" || req.ConfirmPassword == "":
		return "all password fields are required"
	case req.NewPassword != req.ConfirmPassword:
		return "new passwords do not match"
	case req.NewPassword == req.CurrentPassword:
		return "new password must differ from the current password"
	}
	return ""
}

// writeApplianceError maps the appliance error taxonomy onto HTTP. Unknown
// users and wrong passwords produce byte-identical responses.
func writeApplianceError(w http.ResponseWriter, err error) {
	var (
		rejected *appliance.AuthRejected
		applErr  *appliance.ApplianceError
	)
	switch {
	case errors.As(err, &rejected):
		web.WriteJSON(w, http.StatusUnauthorized, map[string]any{
			"error":        rejected.Error(),
			"reason":       string(rejected.Reason),
			"otp_required": rejected.Reason == appliance.RejectSecondFactorRequired,
		})
	case errors.Is(err, appliance.ErrNotFound):
		writeApplianceError(w, &appliance.AuthRejected{Reason: appliance.RejectInvalidCredentials})
	case errors.Is(err, appliance.ErrServiceCredentialRequired):
		web.WriteError(w, http.StatusServiceUnavailable, "password changes are not enabled on this server")
	case errors.As(err, &applErr):
		web.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": applErr.Display(),
			"code":  applErr.Code,
		})
	case appliance.IsUnreachable(err), errors.Is(err, context.DeadlineExceeded):
		web.WriteError(w, http.StatusBadGateway, msgUnreachable)
	default:
		web.WriteError(w, http.StatusInternalServerError, msgInternal)
	}
}
