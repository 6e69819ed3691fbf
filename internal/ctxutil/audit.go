package ctxutil

import "context"

// AuditMeta carries the request metadata needed to build a MutationAuditEntry.
// It lives in ctxutil so both server and mcp packages can populate it
// without circular imports.
type AuditMeta struct {
	RequestID  string
	HTTPMethod string
	Endpoint   string
}

// WithAuditMeta returns a new context carrying m.
func WithAuditMeta(ctx context.Context, m AuditMeta) context.Context {
	return context.WithValue(ctx, keyAuditMeta, m)
}

// AuditMetaFromContext returns the audit metadata, or the zero value.
func AuditMetaFromContext(ctx context.Context) AuditMeta {
	m, _ := ctx.Value(keyAuditMeta).(AuditMeta)
	return m
}
