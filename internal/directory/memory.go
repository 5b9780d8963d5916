package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs tests
// and ephemeral nodes; durable nodes use the Postgres store.
type InMemory struct {
	mu        sync.RWMutex
	orgs      map[string]Organization
	members   map[string]map[string]Member // orgID -> did -> member
	roles     map[string]map[string]Role   // orgID -> name -> role
	overrides map[string]Override          // composite key
	acts      map[string][]ActivityEntry   // orgID -> entries
	actIDs    map[string]struct{}
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty directory store.
func NewInMemory() *InMemory {
	return &InMemory{
		orgs:      make(map[string]Organization),
		members:   make(map[string]map[string]Member),
		roles:     make(map[string]map[string]Role),
		overrides: make(map[string]Override),
		acts:      make(map[string][]ActivityEntry),
		actIDs:    make(map[string]struct{}),
	}
}

func overrideKey(orgID, userDID, resourceType, resourceID, permission string) string {
	return strings.Join([]string{orgID, userDID, resourceType, resourceID, permission}, "\x00")
}

func (s *InMemory) CreateOrganization(ctx context.Context, org Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return ErrConflict
	}
	s.orgs[org.ID] = org
	return nil
}

func (s *InMemory) GetOrganization(ctx context.Context, id string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return org, nil
}

func (s *InMemory) UpdateOrganization(ctx context.Context, org Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return ErrNotFound
	}
	s.orgs[org.ID] = org
	return nil
}

func (s *InMemory) ListOrganizationsForDID(ctx context.Context, did string) ([]Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Organization
	for orgID, byDID := range s.members {
		m, ok := byDID[did]
		if !ok || m.Status != MemberStatusActive {
			continue
		}
		if org, ok := s.orgs[orgID]; ok {
			result = append(result, org)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *InMemory) UpsertMember(ctx context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDID, ok := s.members[m.OrgID]
	if !ok {
		byDID = make(map[string]Member)
		s.members[m.OrgID] = byDID
	}
	m.Permissions = append([]string(nil), m.Permissions...)
	byDID[m.DID] = m
	return nil
}

func (s *InMemory) GetMember(ctx context.Context, orgID, did string) (Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[orgID][did]
	if !ok {
		return Member{}, ErrNotFound
	}
	m.Permissions = append([]string(nil), m.Permissions...)
	return m, nil
}

func (s *InMemory) ListMembers(ctx context.Context, orgID string, includeRemoved bool) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Member
	for _, m := range s.members[orgID] {
		if !includeRemoved && m.Status != MemberStatusActive {
			continue
		}
		m.Permissions = append([]string(nil), m.Permissions...)
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DID < result[j].DID })
	return result, nil
}

func (s *InMemory) CountActiveMembers(ctx context.Context, orgID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.members[orgID] {
		if m.Status == MemberStatusActive {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) CountActiveMembersWithRole(ctx context.Context, orgID, role string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.members[orgID] {
		if m.Status == MemberStatusActive && m.Role == role {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) CreateRole(ctx context.Context, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.roles[role.OrgID]
	if !ok {
		byName = make(map[string]Role)
		s.roles[role.OrgID] = byName
	}
	if _, ok := byName[role.Name]; ok {
		return ErrConflict
	}
	role.Permissions = append([]string(nil), role.Permissions...)
	byName[role.Name] = role
	return nil
}

func (s *InMemory) GetRole(ctx context.Context, orgID, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[orgID][name]
	if !ok {
		return Role{}, ErrNotFound
	}
	role.Permissions = append([]string(nil), role.Permissions...)
	return role, nil
}

func (s *InMemory) UpdateRole(ctx context.Context, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.OrgID][role.Name]; !ok {
		return ErrNotFound
	}
	role.Permissions = append([]string(nil), role.Permissions...)
	s.roles[role.OrgID][role.Name] = role
	return nil
}

func (s *InMemory) DeleteRole(ctx context.Context, orgID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[orgID][name]; !ok {
		return ErrNotFound
	}
	delete(s.roles[orgID], name)
	return nil
}

func (s *InMemory) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Role
	for _, role := range s.roles[orgID] {
		role.Permissions = append([]string(nil), role.Permissions...)
		result = append(result, role)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *InMemory) SetOverride(ctx context.Context, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey(o.OrgID, o.UserDID, o.ResourceType, o.ResourceID, o.Permission)] = o
	return nil
}

func (s *InMemory) RemoveOverride(ctx context.Context, orgID, userDID, resourceType, resourceID, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := overrideKey(orgID, userDID, resourceType, resourceID, permission)
	if _, ok := s.overrides[key]; !ok {
		return ErrNotFound
	}
	delete(s.overrides, key)
	return nil
}

func (s *InMemory) GetOverride(ctx context.Context, orgID, userDID, resourceType, resourceID, permission string) (Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[overrideKey(orgID, userDID, resourceType, resourceID, permission)]
	if !ok {
		return Override{}, ErrNotFound
	}
	return o, nil
}

func (s *InMemory) ListOverrides(ctx context.Context, orgID, userDID string) ([]Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Override
	for _, o := range s.overrides {
		if o.OrgID != orgID {
			continue
		}
		if userDID != "" && o.UserDID != userDID {
			continue
		}
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *InMemory) AppendActivity(ctx context.Context, e ActivityEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actIDs[e.ID]; ok {
		return false, nil
	}
	s.actIDs[e.ID] = struct{}{}
	s.acts[e.OrgID] = append(s.acts[e.OrgID], e)
	return true, nil
}

func (s *InMemory) ListActivitiesSince(ctx context.Context, orgID string, since time.Time, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []ActivityEntry
	for _, e := range s.acts[orgID] {
		if e.Timestamp.After(since) {
			result = append(result, e)
		}
	}
	sortActivities(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemory) ListActivities(ctx context.Context, orgID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := append([]ActivityEntry(nil), s.acts[orgID]...)
	sortActivities(result)
	// Most recent first for display.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemory) LatestActivityFor(ctx context.Context, orgID, resourceType, resourceID string) (ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest ActivityEntry
		found  bool
	)
	for _, e := range s.acts[orgID] {
		if e.ResourceType != resourceType || e.ResourceID != resourceID {
			continue
		}
		if !found || e.Timestamp.After(latest.Timestamp) {
			latest = e
			found = true
		}
	}
	if !found {
		return ActivityEntry{}, ErrNotFound
	}
	return latest, nil
}

func (s *InMemory) MaxActivityTimestamp(ctx context.Context, orgID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max time.Time
	for _, e := range s.acts[orgID] {
		if e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	return max, nil
}

func sortActivities(entries []ActivityEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
