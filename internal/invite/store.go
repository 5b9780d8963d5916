package invite

import (
	"context"
	"sort"
	"sync"
)

// Store persists invitations and codes. Lookups return ErrNotFound for
// absent rows.
type Store interface {
	CreateInvitation(ctx context.Context, inv Invitation) error
	GetInvitation(ctx context.Context, id string) (Invitation, error)
	UpdateInvitation(ctx context.Context, inv Invitation) error
	ListInvitationsForOrg(ctx context.Context, orgID string) ([]Invitation, error)
	ListInvitationsForInvitee(ctx context.Context, did string) ([]Invitation, error)

	CreateCode(ctx context.Context, c Code) error
	GetCode(ctx context.Context, code string) (Code, error)
	// ConsumeCode atomically increments the use count, failing with
	// ErrExhausted when the limit is already reached.
	ConsumeCode(ctx context.Context, code string) (Code, error)
	ListCodesForOrg(ctx context.Context, orgID string) ([]Code, error)
}

// InMemory is the map-backed Store used by tests and single-node setups.
type InMemory struct {
	mu          sync.RWMutex
	invitations map[string]Invitation
	codes       map[string]Code
}

// NewInMemory initialises an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		invitations: make(map[string]Invitation),
		codes:       make(map[string]Code),
	}
}

func (s *InMemory) CreateInvitation(_ context.Context, inv Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invitations[inv.ID] = inv
	return nil
}

func (s *InMemory) GetInvitation(_ context.Context, id string) (Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invitations[id]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return inv, nil
}

func (s *InMemory) UpdateInvitation(_ context.Context, inv Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitations[inv.ID]; !ok {
		return ErrNotFound
	}
	s.invitations[inv.ID] = inv
	return nil
}

func (s *InMemory) ListInvitationsForOrg(_ context.Context, orgID string) ([]Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Invitation
	for _, inv := range s.invitations {
		if inv.OrgID == orgID {
			out = append(out, inv)
		}
	}
	sortInvitations(out)
	return out, nil
}

func (s *InMemory) ListInvitationsForInvitee(_ context.Context, did string) ([]Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Invitation
	for _, inv := range s.invitations {
		if inv.InviteeDID == did {
			out = append(out, inv)
		}
	}
	sortInvitations(out)
	return out, nil
}

func (s *InMemory) CreateCode(_ context.Context, c Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
	return nil
}

func (s *InMemory) GetCode(_ context.Context, code string) (Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return Code{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemory) ConsumeCode(_ context.Context, code string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return Code{}, ErrNotFound
	}
	if c.UsedCount >= c.MaxUses {
		return Code{}, ErrExhausted
	}
	c.UsedCount++
	s.codes[code] = c
	return c, nil
}

func (s *InMemory) ListCodesForOrg(_ context.Context, orgID string) ([]Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Code
	for _, c := range s.codes {
		if c.OrgID == orgID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// newest first, id as tiebreaker for stable ordering
func sortInvitations(invs []Invitation) {
	sort.Slice(invs, func(i, j int) bool {
		if !invs[i].CreatedAt.Equal(invs[j].CreatedAt) {
			return invs[i].CreatedAt.After(invs[j].CreatedAt)
		}
		return invs[i].ID > invs[j].ID
	})
}
