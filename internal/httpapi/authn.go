package httpapi

import (
	"net/http"

	"cargolane.io/internal/auth"
	"cargolane.io/internal/obs"
)

// auditWriter captures what the access record needs from the response.
type auditWriter struct {
	http.ResponseWriter
	code       int
	errCode    string
	subjectID  string
	credential string
}

func (w *auditWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// noteSubject records the resolved subject on the audit writer, if any.
func noteSubject(w http.ResponseWriter, subjectID, credential string) {
	if aw, ok := w.(*auditWriter); ok {
		aw.subjectID = subjectID
		if credential != "" {
			aw.credential = credential
		}
	}
}

// withAudit emits one access record after the response is written.
func (a *API) withAudit(credential string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aw := &auditWriter{ResponseWriter: w, code: http.StatusOK, credential: credential}
		next.ServeHTTP(aw, r)
		a.guard.RecordAccess(auth.AccessRecord{
			RequestID:      RequestIDFromContext(r.Context()),
			SubjectID:      aw.subjectID,
			CredentialKind: aw.credential,
			Endpoint:       r.URL.Path,
			Method:         r.Method,
			IP:             a.clientIP(r),
			StatusCode:     aw.code,
			ErrorCode:      aw.errCode,
		})
	})
}

// protect authenticates and audits the request.
func (a *API) protect(next http.Handler) http.Handler {
	return a.withAudit("", a.authenticate(next))
}

func (a *API) authRequest(r *http.Request) auth.Request {
	req := auth.Request{
		Authorization: r.Header.Get(auth.AuthorizationHeader),
		APIKey:        r.Header.Get(auth.APIKeyHeader),
		ClientIP:      a.clientIP(r),
		Method:        r.Method,
		Endpoint:      r.URL.Path,
	}
	if c, err := r.Cookie(auth.AccessTokenCookie); err == nil {
		req.Cookie = c.Value
	}
	return req
}

// authenticate resolves exactly one credential and attaches the subject.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		req := a.authRequest(r)
		noteSubject(w, "", auth.CredentialKind(req))

		subject, err := a.guard.Authenticate(r.Context(), req)
		if err != nil {
			deny(w, r, "authenticate", err)
			return
		}
		obs.RecordDecision("authenticate", "allow", "")
		noteSubject(w, subject.ID, "")
		next.ServeHTTP(w, r.WithContext(auth.ContextWithSubject(r.Context(), subject)))
	})
}

func deny(w http.ResponseWriter, r *http.Request, stage string, err error) {
	obs.RecordDecision(stage, "deny", string(auth.AsError(err).Code))
	writeAuthError(w, r, err)
}

func subjectOrDeny(w http.ResponseWriter, r *http.Request, stage string) (*auth.Subject, bool) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		deny(w, r, stage, auth.ErrMissingCredential)
		return nil, false
	}
	return subject, true
}

// RequireRole admits subjects holding one of roles.
func (a *API) RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := subjectOrDeny(w, r, "role")
			if !ok {
				return
			}
			if err := a.guard.AuthorizeRole(subject, roles...); err != nil {
				deny(w, r, "role", err)
				return
			}
			obs.RecordDecision("role", "allow", "")
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := subjectOrDeny(w, r, "permission")
			if !ok {
				return
			}
			if err := a.guard.AuthorizePermission(subject, permission); err != nil {
				deny(w, r, "permission", err)
				return
			}
			obs.RecordDecision("permission", "allow", "")
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := subjectOrDeny(w, r, "verified")
		if !ok {
			return
		}
		if err := a.guard.RequireVerified(subject); err != nil {
			deny(w, r, "verified", err)
			return
		}
		obs.RecordDecision("verified", "allow", "")
		next.ServeHTTP(w, r)
	})
}

// RequireOwnership checks the resource named by the path value param.
func (a *API) RequireOwnership(resourceType, param, ownerField string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := subjectOrDeny(w, r, "ownership")
			if !ok {
				return
			}
			if err := a.guard.ValidateOwnership(r.Context(), subject, resourceType, r.PathValue(param), ownerField); err != nil {
				deny(w, r, "ownership", err)
				return
			}
			obs.RecordDecision("ownership", "allow", "")
			next.ServeHTTP(w, r)
		})
	}
}
