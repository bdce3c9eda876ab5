package authcore

import "context"

type sourceAddrContextKey struct{}

// WithSourceAddr attaches the caller's network address to ctx. It is logged
// with failures; lockout counts are per username whatever the address.
func WithSourceAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceAddrContextKey{}, addr)
}

func sourceAddrFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	addr, _ := ctx.Value(sourceAddrContextKey{}).(string)
	return addr
}
