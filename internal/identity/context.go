package identity

import "context"

type actorContextKey struct{}

// ContextWithActor attaches the acting DID to the context.
func ContextWithActor(ctx context.Context, did string) context.Context {
	if did == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, did)
}

// ActorFromContext extracts the acting DID from the context.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
