package directory

import "time"

// Organization statuses. Organizations are never hard-deleted; deletion marks
// the organization and all memberships removed.
const (
	OrgStatusActive  = "active"
	OrgStatusDeleted = "deleted"
)

// Member statuses.
const (
	MemberStatusActive  = "active"
	MemberStatusRemoved = "removed"
)

// Builtin role names, seeded at organization creation and immutable.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Settings controls organization-wide behavior.
type Settings struct {
	Visibility  string `json:"visibility"`
	MaxMembers  int    `json:"max_members"`
	DefaultRole string `json:"default_role"`
}

// Organization is a logical group of peers sharing membership and roles.
type Organization struct {
	ID        string    `json:"id"`
	OrgDID    string    `json:"org_did"`
	OwnerDID  string    `json:"owner_did"`
	Name      string    `json:"name"`
	Settings  Settings  `json:"settings"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is a peer's membership in one organization, keyed by (OrgID, DID).
// Permissions is a denormalized snapshot of the role's permission set; the
// permission engine always resolves against the role itself.
type Member struct {
	OrgID        string    `json:"org_id"`
	DID          string    `json:"did"`
	DisplayName  string    `json:"display_name"`
	Avatar       string    `json:"avatar,omitempty"`
	Role         string    `json:"role"`
	Permissions  []string  `json:"permissions"`
	Status       string    `json:"status"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Role groups permission strings. Permission strings support exact match,
// "resource.*" wildcards, and the global "*".
type Role struct {
	OrgID       string    `json:"org_id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	IsBuiltin   bool      `json:"is_builtin"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Override grants or denies one permission for one exact resource, taking
// precedence over role-derived permissions. A nil ExpiresAt never expires.
type Override struct {
	OrgID        string     `json:"org_id"`
	UserDID      string     `json:"user_did"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Permission   string     `json:"permission"`
	Granted      bool       `json:"granted"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Expired reports whether the override has crossed its expiry at time t.
func (o Override) Expired(t time.Time) bool {
	return o.ExpiresAt != nil && !t.Before(*o.ExpiresAt)
}

// ActivityEntry is the append-only unit of the audit trail and of incremental
// sync. Timestamp is the vector used for last-write-wins.
type ActivityEntry struct {
	ID           string            `json:"id"`
	OrgID        string            `json:"org_id"`
	ActorDID     string            `json:"actor_did"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Activity actions recorded by the directory and replayed by the sync engine.
const (
	ActionOrgCreated        = "org.created"
	ActionOrgUpdated        = "org.updated"
	ActionOrgDeleted        = "org.deleted"
	ActionMemberAdded       = "member.added"
	ActionMemberRemoved     = "member.removed"
	ActionMemberUpdated     = "member.updated"
	ActionMemberRoleChanged = "member.role_changed"
	ActionRoleCreated       = "role.created"
	ActionRoleUpdated       = "role.updated"
	ActionRoleDeleted       = "role.deleted"
	ActionOverrideSet       = "override.set"
	ActionOverrideRemoved   = "override.removed"
)

// BuiltinRolePermissions returns the seeded permission sets. The slice values
// are copies safe for the caller to keep.
func BuiltinRolePermissions() map[string][]string {
	return map[string][]string{
		RoleOwner: {"*"},
		RoleAdmin: {
			"org.update",
			"member.invite", "member.remove", "member.update",
			"role.manage",
			"override.manage",
			"knowledge.*", "project.*",
			"broadcast.send",
			"activity.read", "audit.read",
		},
		RoleMember: {
			"member.invite",
			"knowledge.read", "knowledge.write",
			"project.read",
			"broadcast.send",
			"activity.read",
		},
		RoleViewer: {
			"knowledge.read",
			"project.read",
		},
	}
}

// IsBuiltinRole reports whether name is one of the seeded roles.
func IsBuiltinRole(name string) bool {
	switch name {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// DefaultSettings applies documented defaults to zero-valued fields.
func DefaultSettings(s Settings) Settings {
	if s.Visibility == "" {
		s.Visibility = "private"
	}
	if s.MaxMembers <= 0 {
		s.MaxMembers = 100
	}
	if s.DefaultRole == "" {
		s.DefaultRole = RoleMember
	}
	return s
}
