package auth

import "slices"

// AuthorizeRole passes when the subject's role is in allowed. API-key
// subjects carry no human role and never pass a role check.
func AuthorizeRole(subject *Subject, allowed ...Role) error {
	if subject == nil {
		return ErrMissingCredential
	}
	if subject.Kind == SubjectKindAPIKey || subject.Role == "" {
		return ErrRoleMismatch
	}
	if !slices.Contains(allowed, subject.Role) {
		return ErrRoleMismatch
	}
	return nil
}

// RequireVerified composes after authentication for operations that need a
// verified human account.
func RequireVerified(subject *Subject) error {
	if subject == nil {
		return ErrMissingCredential
	}
	if subject.Kind != SubjectKindUser || !subject.IsVerified {
		return ErrSubjectUnverified
	}
	return nil
}
