package permission

import (
	"context"
	"errors"
	"fmt"

	"orgmesh.org/internal/audit"
	"orgmesh.org/internal/directory"
)

// Requirement is one composable authorization rule evaluated against an
// engine for a given caller.
type Requirement func(ctx context.Context, e *Engine, orgID, actorDID string) error

// Authorize evaluates requirements in order and fails on the first violation.
func (e *Engine) Authorize(ctx context.Context, orgID, actorDID string, reqs ...Requirement) error {
	for _, req := range reqs {
		if err := req(ctx, e, orgID, actorDID); err != nil {
			return err
		}
	}
	return nil
}

// Require demands a single permission.
func Require(perm string) Requirement {
	return func(ctx context.Context, e *Engine, orgID, actorDID string) error {
		ok, err := e.Has(ctx, orgID, actorDID, perm, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrDenied, perm)
		}
		return nil
	}
}

// RequireOn demands a single permission evaluated against an exact resource,
// so overrides apply.
func RequireOn(perm string, res Resource) Requirement {
	return func(ctx context.Context, e *Engine, orgID, actorDID string) error {
		ok, err := e.Has(ctx, orgID, actorDID, perm, &res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s on %s/%s", ErrDenied, perm, res.Type, res.ID)
		}
		return nil
	}
}

// RequireAll demands every listed permission.
func RequireAll(perms ...string) Requirement {
	return func(ctx context.Context, e *Engine, orgID, actorDID string) error {
		for _, perm := range perms {
			ok, err := e.Has(ctx, orgID, actorDID, perm, nil)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrDenied, perm)
			}
		}
		return nil
	}
}

// RequireAny demands at least one of the listed permissions.
func RequireAny(perms ...string) Requirement {
	return func(ctx context.Context, e *Engine, orgID, actorDID string) error {
		for _, perm := range perms {
			ok, err := e.Has(ctx, orgID, actorDID, perm, nil)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
		return fmt.Errorf("%w: none of %v", ErrDenied, perms)
	}
}

// RequireRole demands the caller's role be on the allowlist.
func RequireRole(roles ...string) Requirement {
	return func(ctx context.Context, e *Engine, orgID, actorDID string) error {
		member, err := e.store.GetMember(ctx, orgID, actorDID)
		if err != nil && !errors.Is(err, directory.ErrNotFound) {
			return err
		}
		allowed := err == nil && member.Status == directory.MemberStatusActive
		if allowed {
			allowed = false
			for _, r := range roles {
				if member.Role == r {
					allowed = true
					break
				}
			}
		}
		result := audit.ResultDenied
		if allowed {
			result = audit.ResultGranted
		}
		e.trail.Record(ctx, audit.Entry{
			OrgID:    orgID,
			ActorDID: actorDID,
			Action:   audit.ActionRoleCheck,
			Result:   result,
			Context:  map[string]string{"roles": fmt.Sprintf("%v", roles)},
		})
		if !allowed {
			return fmt.Errorf("%w: role not in %v", ErrDenied, roles)
		}
		return nil
	}
}

// RequireOwnership demands the caller created the resource.
func RequireOwnership(res Resource) Requirement {
	return func(ctx context.Context, e *Engine, orgID, actorDID string) error {
		owned := res.CreatedBy != "" && res.CreatedBy == actorDID
		result := audit.ResultDenied
		if owned {
			result = audit.ResultGranted
		}
		e.trail.Record(ctx, audit.Entry{
			OrgID:    orgID,
			ActorDID: actorDID,
			Action:   audit.ActionOwnershipCheck,
			Result:   result,
			Context:  map[string]string{"resource": res.Type + "/" + res.ID},
		})
		if !owned {
			return fmt.Errorf("%w: not the owner of %s/%s", ErrDenied, res.Type, res.ID)
		}
		return nil
	}
}

// RateLimited consumes one call from the caller's fixed window for operation.
func RateLimited(operation string) Requirement {
	return func(ctx context.Context, e *Engine, orgID, actorDID string) error {
		return e.Limit(ctx, orgID, actorDID, operation)
	}
}
