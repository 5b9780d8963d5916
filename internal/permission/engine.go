package permission

import (
	"context"
	"errors"
	"time"

	"orgmesh.org/internal/audit"
	"orgmesh.org/internal/directory"
)

// ErrDenied is returned by guards when the caller lacks the required
// permission, role, or ownership.
var ErrDenied = errors.New("permission: denied")

// Resource identifies the exact resource a check concerns. CreatedBy feeds
// ownership checks.
type Resource struct {
	Type      string
	ID        string
	CreatedBy string
}

// Engine resolves permission checks: a non-expired override for the exact
// resource is authoritative; otherwise the member's role set decides, with
// decisions cached per (org, user, permission).
type Engine struct {
	store   directory.Store
	cache   Cache
	trail   *audit.Trail
	limiter *Limiter
	ttl     time.Duration
	now     func() time.Time
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithCache replaces the default in-memory cache (e.g. with Redis).
func WithCache(c Cache) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

// WithCacheTTL overrides the 5 minute decision TTL.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithLimiter replaces the default 60s/10-call fixed-window limiter.
func WithLimiter(l *Limiter) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.limiter = l
		}
	}
}

// WithEngineClock overrides the time source, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs the engine over the directory store. The audit trail
// records every check; pass a trail with a nil sink to keep log lines only.
func NewEngine(store directory.Store, trail *audit.Trail, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("directory store is required")
	}
	if trail == nil {
		trail = audit.NewTrail(nil)
	}
	e := &Engine{
		store:   store,
		cache:   NewMemoryCache(),
		trail:   trail,
		limiter: NewLimiter(DefaultWindow, DefaultMaxCalls),
		ttl:     DefaultCacheTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// DirectoryChanged eagerly invalidates cached decisions for the organization
// (narrowed to one member when known). Satisfies directory.ChangeListener.
func (e *Engine) DirectoryChanged(orgID, userDID string) {
	e.cache.InvalidateOrg(context.Background(), orgID, userDID)
}

// Has reports whether userDID holds perm in the organization. res, when
// present, enables override resolution for that exact resource.
func (e *Engine) Has(ctx context.Context, orgID, userDID, perm string, res *Resource) (bool, error) {
	record := func(result string, extra map[string]string) {
		ctxFields := map[string]string{"permission": perm}
		for k, v := range extra {
			ctxFields[k] = v
		}
		e.trail.Record(ctx, audit.Entry{
			OrgID:    orgID,
			ActorDID: userDID,
			Action:   audit.ActionCheck,
			Result:   result,
			Context:  ctxFields,
		})
	}

	member, err := e.store.GetMember(ctx, orgID, userDID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			record(audit.ResultDenied, map[string]string{"reason": "not_a_member"})
			return false, nil
		}
		return false, err
	}
	if member.Status != directory.MemberStatusActive {
		record(audit.ResultDenied, map[string]string{"reason": "membership_removed"})
		return false, nil
	}

	if res != nil && res.Type != "" && res.ID != "" {
		o, err := e.store.GetOverride(ctx, orgID, userDID, res.Type, res.ID, perm)
		switch {
		case err == nil && !o.Expired(e.now()):
			result := audit.ResultDenied
			if o.Granted {
				result = audit.ResultGranted
			}
			record(result, map[string]string{"source": "override", "resource": res.Type + "/" + res.ID})
			return o.Granted, nil
		case err != nil && !errors.Is(err, directory.ErrNotFound):
			return false, err
		}
	}

	key := CacheKey{OrgID: orgID, UserDID: userDID, Permission: perm}
	if granted, ok := e.cache.Get(ctx, key); ok {
		result := audit.ResultDenied
		if granted {
			result = audit.ResultGranted
		}
		record(result, map[string]string{"source": "cache"})
		return granted, nil
	}

	role, err := e.store.GetRole(ctx, orgID, member.Role)
	if err != nil {
		return false, err
	}
	granted := SetCovers(role.Permissions, perm)
	e.cache.Set(ctx, key, granted, e.ttl)

	result := audit.ResultDenied
	if granted {
		result = audit.ResultGranted
	}
	record(result, map[string]string{"source": "role", "role": role.Name})
	return granted, nil
}

// Limit consumes one call from the caller's fixed window for operation.
// Exceeding the window returns a RateLimitError and leaves the permission
// cache untouched.
func (e *Engine) Limit(ctx context.Context, orgID, userDID, operation string) error {
	err := e.limiter.Allow(orgID, userDID, operation)
	if err == nil {
		return nil
	}
	e.trail.Record(ctx, audit.Entry{
		OrgID:    orgID,
		ActorDID: userDID,
		Action:   audit.ActionRateLimit,
		Result:   audit.ResultExceeded,
		Context:  map[string]string{"operation": operation},
	})
	return err
}

// PurgeExpiredOverrides removes overrides past their expiry. Expiry is
// otherwise handled lazily on access; this is the explicit cleanup pass.
func (e *Engine) PurgeExpiredOverrides(ctx context.Context, orgID string) (int, error) {
	overrides, err := e.store.ListOverrides(ctx, orgID, "")
	if err != nil {
		return 0, err
	}
	now := e.now()
	removed := 0
	for _, o := range overrides {
		if !o.Expired(now) {
			continue
		}
		if err := e.store.RemoveOverride(ctx, o.OrgID, o.UserDID, o.ResourceType, o.ResourceID, o.Permission); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		e.cache.InvalidateOrg(ctx, orgID, "")
	}
	return removed, nil
}

// Trail exposes the audit trail for API-layer listing.
func (e *Engine) Trail() *audit.Trail { return e.trail }
