package auth

import "context"

type subjectContextKey struct{}

// ContextWithSubject attaches the authenticated subject to the context.
func ContextWithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	cp := *subject
	return context.WithValue(ctx, subjectContextKey{}, &cp)
}

// SubjectFromContext extracts the authenticated subject from the context.
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(subjectContextKey{}).(*Subject)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
