package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/ids"
)

// ChangeListener is notified after every successful mutation so collaborators
// (permission cache, topic network) can react. userDID may be empty when the
// change is not scoped to one member.
type ChangeListener interface {
	DirectoryChanged(orgID, userDID string)
}

// Service validates input and enforces directory invariants on top of a Store.
// All writes are synchronous; the service performs no network side effects.
type Service struct {
	store     Store
	now       func() time.Time
	listeners []ChangeListener
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs the directory service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("directory store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Subscribe registers a change listener. Not safe to call concurrently with
// mutations; wire listeners during startup.
func (s *Service) Subscribe(l ChangeListener) {
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
}

// Store exposes the underlying store to sibling components (sync engine,
// invitation protocol) that share persistence.
func (s *Service) Store() Store { return s.store }

// NotifyChanged fans out a change notification on behalf of collaborators
// that write to the store directly, such as the sync engine.
func (s *Service) NotifyChanged(orgID, userDID string) { s.notify(orgID, userDID) }

func (s *Service) notify(orgID, userDID string) {
	for _, l := range s.listeners {
		l.DirectoryChanged(orgID, userDID)
	}
}

func (s *Service) appendActivity(ctx context.Context, orgID, actorDID, action, resourceType, resourceID string, meta map[string]string) {
	ts := s.now().UTC()
	_, _ = s.store.AppendActivity(ctx, ActivityEntry{
		ID:           ids.NewAt(ts),
		OrgID:        orgID,
		ActorDID:     actorDID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
		Timestamp:    ts,
	})
}

// CreateOrganization seeds builtin roles and adds the creator as owner.
func (s *Service) CreateOrganization(ctx context.Context, creator identity.Identity, name string, settings Settings) (Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Organization{}, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	if err := identity.Require(creator.DID); err != nil {
		return Organization{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	settings = DefaultSettings(settings)
	if !IsBuiltinRole(settings.DefaultRole) {
		return Organization{}, fmt.Errorf("%w: default role must be builtin", ErrInvalidInput)
	}

	now := s.now().UTC()
	org := Organization{
		ID:        ids.New(),
		OwnerDID:  creator.DID,
		Name:      name,
		Settings:  settings,
		Status:    OrgStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	org.OrgDID = "did:orgmesh:org-" + strings.ToLower(org.ID)
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return Organization{}, err
	}

	for roleName, perms := range BuiltinRolePermissions() {
		role := Role{
			OrgID:       org.ID,
			Name:        roleName,
			Permissions: perms,
			IsBuiltin:   true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateRole(ctx, role); err != nil {
			return Organization{}, fmt.Errorf("seed role %s: %w", roleName, err)
		}
	}

	owner := Member{
		OrgID:        org.ID,
		DID:          creator.DID,
		DisplayName:  creator.DisplayName,
		Avatar:       creator.Avatar,
		Role:         RoleOwner,
		Permissions:  BuiltinRolePermissions()[RoleOwner],
		Status:       MemberStatusActive,
		JoinedAt:     now,
		LastActiveAt: now,
	}
	if err := s.store.UpsertMember(ctx, owner); err != nil {
		return Organization{}, err
	}

	s.appendActivity(ctx, org.ID, creator.DID, ActionOrgCreated, "organization", org.ID, map[string]string{"name": org.Name})
	s.appendActivity(ctx, org.ID, creator.DID, ActionMemberAdded, "member", creator.DID, map[string]string{
		"role":         RoleOwner,
		"display_name": creator.DisplayName,
		"avatar":       creator.Avatar,
	})
	s.notify(org.ID, "")
	return org, nil
}

// GetOrganization returns the organization regardless of status.
func (s *Service) GetOrganization(ctx context.Context, id string) (Organization, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Organization{}, fmt.Errorf("%w: org_id is required", ErrInvalidInput)
	}
	return s.store.GetOrganization(ctx, id)
}

// OrganizationUpdate carries optional organization fields.
type OrganizationUpdate struct {
	Name     *string
	Settings *Settings
}

// UpdateOrganization applies the update and records the activity.
func (s *Service) UpdateOrganization(ctx context.Context, actorDID, id string, upd OrganizationUpdate) (Organization, error) {
	org, err := s.activeOrganization(ctx, id)
	if err != nil {
		return Organization{}, err
	}
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" {
			return Organization{}, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
		}
		org.Name = trimmed
	}
	if upd.Settings != nil {
		settings := DefaultSettings(*upd.Settings)
		if !IsBuiltinRole(settings.DefaultRole) {
			if _, err := s.store.GetRole(ctx, org.ID, settings.DefaultRole); err != nil {
				return Organization{}, fmt.Errorf("%w: default role %q does not exist", ErrInvalidInput, settings.DefaultRole)
			}
		}
		org.Settings = settings
	}
	org.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateOrganization(ctx, org); err != nil {
		return Organization{}, err
	}
	s.appendActivity(ctx, org.ID, actorDID, ActionOrgUpdated, "organization", org.ID, map[string]string{"name": org.Name})
	s.notify(org.ID, "")
	return org, nil
}

// DeleteOrganization soft-deletes: marks the organization deleted and every
// membership removed. The rows remain for audit and sync.
func (s *Service) DeleteOrganization(ctx context.Context, actorDID, id string) error {
	org, err := s.activeOrganization(ctx, id)
	if err != nil {
		return err
	}
	org.Status = OrgStatusDeleted
	org.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateOrganization(ctx, org); err != nil {
		return err
	}
	members, err := s.store.ListMembers(ctx, org.ID, false)
	if err != nil {
		return err
	}
	for _, m := range members {
		m.Status = MemberStatusRemoved
		if err := s.store.UpsertMember(ctx, m); err != nil {
			return err
		}
	}
	s.appendActivity(ctx, org.ID, actorDID, ActionOrgDeleted, "organization", org.ID, nil)
	s.notify(org.ID, "")
	return nil
}

// ListOrganizationsForDID lists organizations where did is an active member.
func (s *Service) ListOrganizationsForDID(ctx context.Context, did string) ([]Organization, error) {
	if err := identity.Require(did); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.ListOrganizationsForDID(ctx, did)
}

// admission is the validated outcome of checkAdmission.
type admission struct {
	org      Organization
	role     Role
	existing Member
	rejoined bool
}

// checkAdmission runs every precondition AddMember enforces without writing:
// active org, well-formed DID, existing role, no active membership, member
// limit not reached.
func (s *Service) checkAdmission(ctx context.Context, orgID string, who identity.Identity, role string) (admission, error) {
	org, err := s.activeOrganization(ctx, orgID)
	if err != nil {
		return admission{}, err
	}
	if err := identity.Require(who.DID); err != nil {
		return admission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = org.Settings.DefaultRole
	}
	roleRec, err := s.store.GetRole(ctx, org.ID, role)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return admission{}, fmt.Errorf("%w: role %q does not exist", ErrInvalidInput, role)
		}
		return admission{}, err
	}

	adm := admission{org: org, role: roleRec}
	existing, err := s.store.GetMember(ctx, org.ID, who.DID)
	switch {
	case err == nil && existing.Status == MemberStatusActive:
		return admission{}, fmt.Errorf("%w: already a member", ErrConflict)
	case err == nil:
		adm.existing = existing
		adm.rejoined = true
	case !errors.Is(err, ErrNotFound):
		return admission{}, err
	}

	count, err := s.store.CountActiveMembers(ctx, org.ID)
	if err != nil {
		return admission{}, err
	}
	if count >= org.Settings.MaxMembers {
		return admission{}, ErrMemberLimit
	}
	return adm, nil
}

// CanAddMember reports whether AddMember would currently succeed, without
// admitting anyone. Callers with a non-refundable side effect (consuming an
// invitation code use) check this first.
func (s *Service) CanAddMember(ctx context.Context, orgID string, who identity.Identity, role string) error {
	_, err := s.checkAdmission(ctx, orgID, who, role)
	return err
}

// AddMember admits a peer with the given role. A previously removed membership
// is reactivated; an active one is a conflict.
func (s *Service) AddMember(ctx context.Context, orgID string, who identity.Identity, role string) (Member, error) {
	adm, err := s.checkAdmission(ctx, orgID, who, role)
	if err != nil {
		return Member{}, err
	}
	org := adm.org

	now := s.now().UTC()
	m := Member{
		OrgID:        org.ID,
		DID:          who.DID,
		DisplayName:  who.DisplayName,
		Avatar:       who.Avatar,
		Role:         adm.role.Name,
		Permissions:  adm.role.Permissions,
		Status:       MemberStatusActive,
		JoinedAt:     now,
		LastActiveAt: now,
	}
	if adm.rejoined {
		// Reactivation keeps the original join date.
		m.JoinedAt = adm.existing.JoinedAt
	}
	if err := s.store.UpsertMember(ctx, m); err != nil {
		return Member{}, err
	}
	s.appendActivity(ctx, org.ID, who.DID, ActionMemberAdded, "member", who.DID, map[string]string{
		"role":         m.Role,
		"display_name": m.DisplayName,
		"avatar":       m.Avatar,
	})
	s.notify(org.ID, who.DID)
	return m, nil
}

// RemoveMember soft-deletes the membership. Removing the last active owner is
// rejected.
func (s *Service) RemoveMember(ctx context.Context, actorDID, orgID, did string) error {
	m, err := s.activeMember(ctx, orgID, did)
	if err != nil {
		return err
	}
	if m.Role == RoleOwner {
		owners, err := s.store.CountActiveMembersWithRole(ctx, orgID, RoleOwner)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return ErrSoleOwner
		}
	}
	m.Status = MemberStatusRemoved
	if err := s.store.UpsertMember(ctx, m); err != nil {
		return err
	}
	s.appendActivity(ctx, orgID, actorDID, ActionMemberRemoved, "member", did, nil)
	s.notify(orgID, did)
	return nil
}

// ChangeMemberRole reassigns the member's role and refreshes the permission
// snapshot. Demoting the last active owner is rejected.
func (s *Service) ChangeMemberRole(ctx context.Context, actorDID, orgID, did, newRole string) (Member, error) {
	m, err := s.activeMember(ctx, orgID, did)
	if err != nil {
		return Member{}, err
	}
	roleRec, err := s.store.GetRole(ctx, orgID, strings.TrimSpace(newRole))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Member{}, fmt.Errorf("%w: role %q does not exist", ErrInvalidInput, newRole)
		}
		return Member{}, err
	}
	if m.Role == RoleOwner && roleRec.Name != RoleOwner {
		owners, err := s.store.CountActiveMembersWithRole(ctx, orgID, RoleOwner)
		if err != nil {
			return Member{}, err
		}
		if owners <= 1 {
			return Member{}, ErrSoleOwner
		}
	}
	previous := m.Role
	m.Role = roleRec.Name
	m.Permissions = roleRec.Permissions
	if err := s.store.UpsertMember(ctx, m); err != nil {
		return Member{}, err
	}
	s.appendActivity(ctx, orgID, actorDID, ActionMemberRoleChanged, "member", did, map[string]string{
		"from": previous,
		"to":   roleRec.Name,
	})
	s.notify(orgID, did)
	return m, nil
}

// MemberProfileUpdate carries optional profile fields.
type MemberProfileUpdate struct {
	DisplayName *string
	Avatar      *string
}

// UpdateMemberProfile updates display fields without touching role or status.
func (s *Service) UpdateMemberProfile(ctx context.Context, actorDID, orgID, did string, upd MemberProfileUpdate) (Member, error) {
	m, err := s.activeMember(ctx, orgID, did)
	if err != nil {
		return Member{}, err
	}
	if upd.DisplayName != nil {
		m.DisplayName = strings.TrimSpace(*upd.DisplayName)
	}
	if upd.Avatar != nil {
		m.Avatar = strings.TrimSpace(*upd.Avatar)
	}
	if err := s.store.UpsertMember(ctx, m); err != nil {
		return Member{}, err
	}
	s.appendActivity(ctx, orgID, actorDID, ActionMemberUpdated, "member", did, nil)
	s.notify(orgID, did)
	return m, nil
}

// TouchMember refreshes last-activity without an activity-log entry.
func (s *Service) TouchMember(ctx context.Context, orgID, did string) {
	m, err := s.store.GetMember(ctx, orgID, did)
	if err != nil {
		return
	}
	m.LastActiveAt = s.now().UTC()
	_ = s.store.UpsertMember(ctx, m)
}

// GetMember returns the membership row including removed ones.
func (s *Service) GetMember(ctx context.Context, orgID, did string) (Member, error) {
	return s.store.GetMember(ctx, strings.TrimSpace(orgID), strings.TrimSpace(did))
}

// ListMembers lists active members.
func (s *Service) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: org_id is required", ErrInvalidInput)
	}
	return s.store.ListMembers(ctx, orgID, false)
}

// CreateRole adds a custom role. Builtin names are reserved.
func (s *Service) CreateRole(ctx context.Context, actorDID, orgID, name string, permissions []string) (Role, error) {
	if _, err := s.activeOrganization(ctx, orgID); err != nil {
		return Role{}, err
	}
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if IsBuiltinRole(name) {
		return Role{}, fmt.Errorf("%w: %q", ErrConflict, name)
	}
	now := s.now().UTC()
	role := Role{
		OrgID:       orgID,
		Name:        name,
		Permissions: dedupeStrings(permissions),
		IsBuiltin:   false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return Role{}, err
	}
	s.appendActivity(ctx, orgID, actorDID, ActionRoleCreated, "role", name, map[string]string{
		"permissions": strings.Join(role.Permissions, ","),
	})
	s.notify(orgID, "")
	return role, nil
}

// UpdateRole replaces a custom role's permission set and refreshes the
// snapshots of members holding it.
func (s *Service) UpdateRole(ctx context.Context, actorDID, orgID, name string, permissions []string) (Role, error) {
	role, err := s.store.GetRole(ctx, strings.TrimSpace(orgID), strings.TrimSpace(strings.ToLower(name)))
	if err != nil {
		return Role{}, err
	}
	if role.IsBuiltin {
		return Role{}, ErrBuiltinRole
	}
	role.Permissions = dedupeStrings(permissions)
	role.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return Role{}, err
	}
	if err := s.refreshSnapshots(ctx, role); err != nil {
		return Role{}, err
	}
	s.appendActivity(ctx, orgID, actorDID, ActionRoleUpdated, "role", role.Name, map[string]string{
		"permissions": strings.Join(role.Permissions, ","),
	})
	s.notify(orgID, "")
	return role, nil
}

// DeleteRole removes a custom role no active member holds.
func (s *Service) DeleteRole(ctx context.Context, actorDID, orgID, name string) error {
	role, err := s.store.GetRole(ctx, strings.TrimSpace(orgID), strings.TrimSpace(strings.ToLower(name)))
	if err != nil {
		return err
	}
	if role.IsBuiltin {
		return ErrBuiltinRole
	}
	holders, err := s.store.CountActiveMembersWithRole(ctx, orgID, role.Name)
	if err != nil {
		return err
	}
	if holders > 0 {
		return ErrRoleInUse
	}
	if err := s.store.DeleteRole(ctx, orgID, role.Name); err != nil {
		return err
	}
	s.appendActivity(ctx, orgID, actorDID, ActionRoleDeleted, "role", role.Name, nil)
	s.notify(orgID, "")
	return nil
}

// ListRoles lists all roles for the organization.
func (s *Service) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: org_id is required", ErrInvalidInput)
	}
	return s.store.ListRoles(ctx, orgID)
}

// EffectivePermissions returns the member's role permission set.
func (s *Service) EffectivePermissions(ctx context.Context, orgID, did string) ([]string, error) {
	m, err := s.activeMember(ctx, orgID, did)
	if err != nil {
		return nil, err
	}
	role, err := s.store.GetRole(ctx, orgID, m.Role)
	if err != nil {
		return nil, err
	}
	return role.Permissions, nil
}

// SetOverride grants or denies one permission for one exact resource.
func (s *Service) SetOverride(ctx context.Context, actorDID string, o Override) error {
	if _, err := s.activeOrganization(ctx, o.OrgID); err != nil {
		return err
	}
	if err := identity.Require(o.UserDID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if o.ResourceType == "" || o.ResourceID == "" || o.Permission == "" {
		return fmt.Errorf("%w: resource_type, resource_id and permission are required", ErrInvalidInput)
	}
	o.CreatedAt = s.now().UTC()
	if err := s.store.SetOverride(ctx, o); err != nil {
		return err
	}
	s.appendActivity(ctx, o.OrgID, actorDID, ActionOverrideSet, o.ResourceType, o.ResourceID, map[string]string{
		"user":       o.UserDID,
		"permission": o.Permission,
		"granted":    fmt.Sprintf("%t", o.Granted),
	})
	s.notify(o.OrgID, o.UserDID)
	return nil
}

// RemoveOverride deletes the exact override.
func (s *Service) RemoveOverride(ctx context.Context, actorDID, orgID, userDID, resourceType, resourceID, permission string) error {
	if err := s.store.RemoveOverride(ctx, orgID, userDID, resourceType, resourceID, permission); err != nil {
		return err
	}
	s.appendActivity(ctx, orgID, actorDID, ActionOverrideRemoved, resourceType, resourceID, map[string]string{
		"user":       userDID,
		"permission": permission,
	})
	s.notify(orgID, userDID)
	return nil
}

// Activities returns the most recent activity entries for display.
func (s *Service) Activities(ctx context.Context, orgID string, limit int) ([]ActivityEntry, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: org_id is required", ErrInvalidInput)
	}
	return s.store.ListActivities(ctx, orgID, limit)
}

func (s *Service) activeOrganization(ctx context.Context, id string) (Organization, error) {
	org, err := s.GetOrganization(ctx, id)
	if err != nil {
		return Organization{}, err
	}
	if org.Status != OrgStatusActive {
		return Organization{}, ErrOrgDeleted
	}
	return org, nil
}

func (s *Service) activeMember(ctx context.Context, orgID, did string) (Member, error) {
	m, err := s.store.GetMember(ctx, strings.TrimSpace(orgID), strings.TrimSpace(did))
	if err != nil {
		return Member{}, err
	}
	if m.Status != MemberStatusActive {
		return Member{}, ErrNotFound
	}
	return m, nil
}

func (s *Service) refreshSnapshots(ctx context.Context, role Role) error {
	members, err := s.store.ListMembers(ctx, role.OrgID, false)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.Role != role.Name {
			continue
		}
		m.Permissions = role.Permissions
		if err := s.store.UpsertMember(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
