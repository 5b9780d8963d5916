package directory

import (
	"context"
	"time"
)

// Store describes persistence operations required by the directory. Lookups
// return ErrNotFound when a row is absent; inserts that violate a uniqueness
// constraint return ErrConflict.
type Store interface {
	CreateOrganization(ctx context.Context, org Organization) error
	GetOrganization(ctx context.Context, id string) (Organization, error)
	UpdateOrganization(ctx context.Context, org Organization) error
	ListOrganizationsForDID(ctx context.Context, did string) ([]Organization, error)

	// UpsertMember inserts or fully replaces the (OrgID, DID) row.
	UpsertMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, orgID, did string) (Member, error)
	ListMembers(ctx context.Context, orgID string, includeRemoved bool) ([]Member, error)
	CountActiveMembers(ctx context.Context, orgID string) (int, error)
	CountActiveMembersWithRole(ctx context.Context, orgID, role string) (int, error)

	CreateRole(ctx context.Context, role Role) error
	GetRole(ctx context.Context, orgID, name string) (Role, error)
	UpdateRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, orgID, name string) error
	ListRoles(ctx context.Context, orgID string) ([]Role, error)

	SetOverride(ctx context.Context, o Override) error
	RemoveOverride(ctx context.Context, orgID, userDID, resourceType, resourceID, permission string) error
	GetOverride(ctx context.Context, orgID, userDID, resourceType, resourceID, permission string) (Override, error)
	ListOverrides(ctx context.Context, orgID, userDID string) ([]Override, error)

	// AppendActivity is idempotent by entry id: the duplicate case reports
	// inserted=false with a nil error.
	AppendActivity(ctx context.Context, e ActivityEntry) (inserted bool, err error)
	ListActivitiesSince(ctx context.Context, orgID string, since time.Time, limit int) ([]ActivityEntry, error)
	ListActivities(ctx context.Context, orgID string, limit int) ([]ActivityEntry, error)
	LatestActivityFor(ctx context.Context, orgID, resourceType, resourceID string) (ActivityEntry, error)
	MaxActivityTimestamp(ctx context.Context, orgID string) (time.Time, error)
}
