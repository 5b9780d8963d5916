package invite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orgmesh.org/internal/directory"
	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/ids"
	"orgmesh.org/internal/obs"
	"orgmesh.org/internal/permission"
	"orgmesh.org/internal/topic"
)

// Syncer requests an incremental sync after joining an organization.
type Syncer interface {
	RequestSync(ctx context.Context, orgID string) error
}

// Service runs the invitation protocol. Network delivery is best-effort: a
// peer that is offline still sees the invitation through sync or by being
// handed the code out of band.
type Service struct {
	store  Store
	dir    *directory.Service
	engine *permission.Engine
	net    *topic.Network
	syncer Syncer
	now    func() time.Time

	invitationTTL time.Duration
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithSyncer wires the sync engine so accepted invitations trigger a catch-up.
func WithSyncer(sy Syncer) ServiceOption {
	return func(s *Service) { s.syncer = sy }
}

// WithInvitationTTL overrides the 72h pending-invitation lifetime.
func WithInvitationTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.invitationTTL = ttl
		}
	}
}

// WithServiceClock overrides the time source, for tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the protocol. net may be nil for offline-only usage.
func NewService(store Store, dir *directory.Service, engine *permission.Engine, net *topic.Network, opts ...ServiceOption) (*Service, error) {
	if store == nil || dir == nil || engine == nil {
		return nil, errors.New("store, directory and engine are required")
	}
	s := &Service{
		store:         store,
		dir:           dir,
		engine:        engine,
		net:           net,
		now:           time.Now,
		invitationTTL: DefaultInvitationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if net != nil {
		net.SetInviteHandler(s.HandleMessage)
	}
	return s, nil
}

// Send creates a pending invitation for inviteeDID and attempts direct
// delivery. The inviter needs member.invite and is rate limited.
func (s *Service) Send(ctx context.Context, actorDID, orgID, inviteeDID, role, message string) (Invitation, error) {
	if err := s.engine.Authorize(ctx, orgID, actorDID,
		permission.RateLimited("member.invite"),
		permission.Require("member.invite"),
	); err != nil {
		return Invitation{}, err
	}
	org, err := s.dir.GetOrganization(ctx, orgID)
	if err != nil {
		return Invitation{}, err
	}
	if org.Status != directory.OrgStatusActive {
		return Invitation{}, directory.ErrOrgDeleted
	}
	if err := identity.Require(inviteeDID); err != nil {
		return Invitation{}, fmt.Errorf("%w: %v", directory.ErrInvalidInput, err)
	}
	existing, err := s.dir.GetMember(ctx, orgID, inviteeDID)
	if err == nil && existing.Status == directory.MemberStatusActive {
		return Invitation{}, fmt.Errorf("%w: already a member", directory.ErrConflict)
	}
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return Invitation{}, err
	}
	pending, err := s.store.ListInvitationsForInvitee(ctx, inviteeDID)
	if err != nil {
		return Invitation{}, err
	}
	for _, p := range pending {
		if p.OrgID == orgID && p.Status == StatusPending && !p.ExpiredAt(s.now()) {
			return Invitation{}, fmt.Errorf("%w: invitation already pending", directory.ErrConflict)
		}
	}

	role = strings.TrimSpace(role)
	if role == "" {
		role = org.Settings.DefaultRole
	}

	now := s.now().UTC()
	inv := Invitation{
		ID:         ids.NewAt(now),
		OrgID:      orgID,
		OrgName:    org.Name,
		InviterDID: actorDID,
		InviteeDID: inviteeDID,
		Role:       role,
		Message:    strings.TrimSpace(message),
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.invitationTTL),
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		return Invitation{}, err
	}
	s.deliver(ctx, inviteeDID, topic.TypeInvitation, inv)
	return inv, nil
}

// Respond accepts or rejects a pending invitation. Only the invitee may
// respond; accepting admits them to the organization, joins its topic, and
// requests a catch-up sync.
func (s *Service) Respond(ctx context.Context, who identity.Identity, invitationID string, accept bool) (Invitation, error) {
	inv, err := s.getCurrent(ctx, invitationID)
	if err != nil {
		return Invitation{}, err
	}
	if inv.Status == StatusExpired {
		return inv, ErrExpired
	}
	if inv.Terminal() {
		return inv, fmt.Errorf("%w: %s", ErrAlreadyResponded, inv.Status)
	}
	if who.DID != inv.InviteeDID {
		return Invitation{}, ErrNotInvitee
	}

	if accept {
		if _, err := s.dir.AddMember(ctx, inv.OrgID, who, inv.Role); err != nil {
			return Invitation{}, err
		}
	}

	now := s.now().UTC()
	if accept {
		inv.Status = StatusAccepted
	} else {
		inv.Status = StatusRejected
	}
	inv.RespondedAt = &now
	if err := s.store.UpdateInvitation(ctx, inv); err != nil {
		return Invitation{}, err
	}

	if accept && s.net != nil {
		if err := s.net.Join(ctx, inv.OrgID); err != nil {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "join after accept failed", "org_id": inv.OrgID, "error": err.Error()})
		} else if s.syncer != nil {
			if err := s.syncer.RequestSync(ctx, inv.OrgID); err != nil {
				obs.LogEvent(map[string]any{"level": "warn", "msg": "sync after accept failed", "org_id": inv.OrgID, "error": err.Error()})
			}
		}
	}
	s.deliver(ctx, inv.InviterDID, topic.TypeInvitationResponse, inv)
	return inv, nil
}

// Cancel withdraws a pending invitation. Only the inviter may cancel.
func (s *Service) Cancel(ctx context.Context, actorDID, invitationID string) (Invitation, error) {
	inv, err := s.getCurrent(ctx, invitationID)
	if err != nil {
		return Invitation{}, err
	}
	if inv.Terminal() {
		return inv, fmt.Errorf("%w: %s", ErrAlreadyResponded, inv.Status)
	}
	if actorDID != inv.InviterDID {
		return Invitation{}, ErrNotInviter
	}
	now := s.now().UTC()
	inv.Status = StatusCancelled
	inv.RespondedAt = &now
	if err := s.store.UpdateInvitation(ctx, inv); err != nil {
		return Invitation{}, err
	}
	s.deliver(ctx, inv.InviteeDID, topic.TypeInvitationResponse, inv)
	return inv, nil
}

// Get returns the invitation with lazy expiry applied.
func (s *Service) Get(ctx context.Context, invitationID string) (Invitation, error) {
	return s.getCurrent(ctx, invitationID)
}

// ListForOrg lists the organization's invitations, newest first.
func (s *Service) ListForOrg(ctx context.Context, orgID string) ([]Invitation, error) {
	invs, err := s.store.ListInvitationsForOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.expireBatch(ctx, invs), nil
}

// ListForInvitee lists invitations addressed to the DID, newest first.
func (s *Service) ListForInvitee(ctx context.Context, did string) ([]Invitation, error) {
	invs, err := s.store.ListInvitationsForInvitee(ctx, did)
	if err != nil {
		return nil, err
	}
	return s.expireBatch(ctx, invs), nil
}

// CreateCode mints a shareable invitation code. maxUses <= 0 and ttl <= 0
// fall back to the documented defaults.
func (s *Service) CreateCode(ctx context.Context, actorDID, orgID, role string, maxUses int, ttl time.Duration) (Code, error) {
	if err := s.engine.Authorize(ctx, orgID, actorDID,
		permission.RateLimited("member.invite"),
		permission.Require("member.invite"),
	); err != nil {
		return Code{}, err
	}
	org, err := s.dir.GetOrganization(ctx, orgID)
	if err != nil {
		return Code{}, err
	}
	if org.Status != directory.OrgStatusActive {
		return Code{}, directory.ErrOrgDeleted
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = org.Settings.DefaultRole
	}
	if maxUses <= 0 {
		maxUses = DefaultCodeMaxUses
	}
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	raw, err := GenerateCode()
	if err != nil {
		return Code{}, err
	}
	now := s.now().UTC()
	c := Code{
		Code:      raw,
		OrgID:     orgID,
		CreatedBy: actorDID,
		Role:      role,
		MaxUses:   maxUses,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateCode(ctx, c); err != nil {
		return Code{}, err
	}
	return c, nil
}

// Redeem consumes one use of the code and admits the caller. The use count
// update is atomic, so concurrent redeems cannot exceed MaxUses.
func (s *Service) Redeem(ctx context.Context, who identity.Identity, rawCode string) (directory.Member, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return directory.Member{}, err
	}
	c, err := s.store.GetCode(ctx, code)
	if err != nil {
		return directory.Member{}, err
	}
	if err := c.Redeemable(s.now().UTC()); err != nil {
		return directory.Member{}, err
	}
	// A use is non-refundable, so every admission precondition (membership,
	// role, member limit) is checked before consuming.
	if err := s.dir.CanAddMember(ctx, c.OrgID, who, c.Role); err != nil {
		return directory.Member{}, err
	}

	if _, err := s.store.ConsumeCode(ctx, code); err != nil {
		return directory.Member{}, err
	}
	m, err := s.dir.AddMember(ctx, c.OrgID, who, c.Role)
	if err != nil {
		return directory.Member{}, err
	}
	if s.net != nil {
		if err := s.net.Join(ctx, c.OrgID); err != nil {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "join after redeem failed", "org_id": c.OrgID, "error": err.Error()})
		} else if s.syncer != nil {
			if err := s.syncer.RequestSync(ctx, c.OrgID); err != nil {
				obs.LogEvent(map[string]any{"level": "warn", "msg": "sync after redeem failed", "org_id": c.OrgID, "error": err.Error()})
			}
		}
	}
	return m, nil
}

// GetCode returns the code's current state.
func (s *Service) GetCode(ctx context.Context, rawCode string) (Code, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return Code{}, err
	}
	return s.store.GetCode(ctx, code)
}

// ListCodes lists the organization's codes, newest first.
func (s *Service) ListCodes(ctx context.Context, orgID string) ([]Code, error) {
	return s.store.ListCodesForOrg(ctx, orgID)
}

// HandleMessage ingests invitation traffic from the network: inbound
// invitations become local pending rows, responses update the local copy.
// Registered as the network's invite handler.
func (s *Service) HandleMessage(ctx context.Context, msg topic.Message) {
	var inv Invitation
	if err := json.Unmarshal(msg.Payload, &inv); err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "dropping malformed invitation payload", "error": err.Error()})
		return
	}
	switch msg.Type {
	case topic.TypeInvitation:
		if _, err := s.store.GetInvitation(ctx, inv.ID); err == nil {
			return // already known
		}
		if err := s.store.CreateInvitation(ctx, inv); err != nil {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "store inbound invitation failed", "error": err.Error()})
		}
	case topic.TypeInvitationResponse:
		local, err := s.store.GetInvitation(ctx, inv.ID)
		if err != nil || local.Terminal() {
			return
		}
		local.Status = inv.Status
		local.RespondedAt = inv.RespondedAt
		if err := s.store.UpdateInvitation(ctx, local); err != nil {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "update invitation from response failed", "error": err.Error()})
		}
	}
}

func (s *Service) deliver(ctx context.Context, targetDID, msgType string, inv Invitation) {
	if s.net == nil {
		return
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return
	}
	if err := s.net.SendDirect(ctx, targetDID, topic.Message{
		Type:    msgType,
		OrgID:   inv.OrgID,
		Payload: payload,
	}); err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn", "msg": "invitation delivery failed",
			"invitation_id": inv.ID, "target": targetDID, "error": err.Error(),
		})
	}
}

// getCurrent loads the invitation and persists lazy expiry.
func (s *Service) getCurrent(ctx context.Context, id string) (Invitation, error) {
	inv, err := s.store.GetInvitation(ctx, strings.TrimSpace(id))
	if err != nil {
		return Invitation{}, err
	}
	if inv.ExpiredAt(s.now().UTC()) {
		inv.Status = StatusExpired
		if err := s.store.UpdateInvitation(ctx, inv); err != nil {
			return Invitation{}, err
		}
	}
	return inv, nil
}

func (s *Service) expireBatch(ctx context.Context, invs []Invitation) []Invitation {
	now := s.now().UTC()
	for i, inv := range invs {
		if inv.ExpiredAt(now) {
			inv.Status = StatusExpired
			if err := s.store.UpdateInvitation(ctx, inv); err == nil {
				invs[i] = inv
			}
		}
	}
	return invs
}
