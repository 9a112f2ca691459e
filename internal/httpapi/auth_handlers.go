package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cargolane.io/internal/auth"
	"cargolane.io/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	auth.TokenPair
	Subject *auth.Subject `json:"subject"`
}

type authzCheckRequest struct {
	Roles           []auth.Role `json:"roles,omitempty"`
	Permission      string      `json:"permission,omitempty"`
	ResourceType    string      `json:"resource_type,omitempty"`
	ResourceID      string      `json:"resource_id,omitempty"`
	OwnerField      string      `json:"owner_field,omitempty"`
	RequireVerified bool        `json:"require_verified,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	pair, subject, err := a.guard.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		deny(w, r, "login", err)
		return
	}
	obs.RecordDecision("login", "allow", "")
	noteSubject(w, subject.ID, "")
	a.setSessionCookie(w, pair.AccessToken, pair.AccessExpiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, Subject: subject})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		deny(w, r, "refresh", auth.ErrMissingCredential)
		return
	}
	pair, subject, err := a.guard.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		deny(w, r, "refresh", err)
		return
	}
	obs.RecordDecision("refresh", "allow", "")
	noteSubject(w, subject.ID, "")
	a.setSessionCookie(w, pair.AccessToken, pair.AccessExpiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, Subject: subject})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		deny(w, r, "logout", auth.ErrMissingCredential)
		return
	}
	if err := a.guard.Logout(r.Context(), req.RefreshToken); err != nil {
		deny(w, r, "logout", err)
		return
	}
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	subject, ok := subjectOrDeny(w, r, "me")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, subject)
}

// handleRevokeAll ends every session of the caller, e.g. after a password change.
func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	subject, ok := subjectOrDeny(w, r, "revoke_all")
	if !ok {
		return
	}
	if subject.Kind != auth.SubjectKindUser {
		deny(w, r, "revoke_all", auth.ErrPermissionDenied)
		return
	}
	if err := a.guard.RevokeAll(r.Context(), subject.ID); err != nil {
		deny(w, r, "revoke_all", err)
		return
	}
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthzCheck runs the requested checks in order and stops at the first
// denial: verified, role, permission, ownership.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	subject, ok := subjectOrDeny(w, r, "check")
	if !ok {
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if (req.ResourceType == "") != (req.ResourceID == "") {
		writeError(w, r, http.StatusBadRequest, "bad_request", "resource_type and resource_id go together")
		return
	}

	if req.RequireVerified {
		if err := a.guard.RequireVerified(subject); err != nil {
			deny(w, r, "verified", err)
			return
		}
	}
	if len(req.Roles) > 0 {
		if err := a.guard.AuthorizeRole(subject, req.Roles...); err != nil {
			deny(w, r, "role", err)
			return
		}
	}
	if req.Permission != "" {
		if err := a.guard.AuthorizePermission(subject, req.Permission); err != nil {
			deny(w, r, "permission", err)
			return
		}
	}
	if req.ResourceType != "" {
		if err := a.guard.ValidateOwnership(r.Context(), subject, req.ResourceType, req.ResourceID, req.OwnerField); err != nil {
			deny(w, r, "ownership", err)
			return
		}
	}
	obs.RecordDecision("check", "allow", "")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleShipment(w http.ResponseWriter, r *http.Request) {
	accessor, ok := a.guard.Registry().Lookup("shipments")
	if !ok {
		writeAuthError(w, r, auth.ErrUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.callTimeout)
	defer cancel()
	record, err := accessor(ctx, r.PathValue("id"))
	switch {
	case errors.Is(err, auth.ErrRecordNotFound), err == nil && record == nil:
		writeAuthError(w, r, auth.ErrNotFound)
		return
	case err != nil:
		writeAuthError(w, r, fmt.Errorf("load shipment: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.AccessTokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.AccessTokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}
