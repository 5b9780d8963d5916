package invite

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"orgmesh.org/internal/audit"
	"orgmesh.org/internal/directory"
	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/permission"
)

type fixture struct {
	svc   *Service
	dir   *directory.Service
	owner identity.Identity
	orgID string
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	dir, err := directory.NewService(directory.NewInMemory(), directory.WithClock(clock))
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	engine, err := permission.NewEngine(dir.Store(), audit.NewTrail(nil), permission.WithEngineClock(clock))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	dir.Subscribe(engine)

	svc, err := NewService(NewInMemory(), dir, engine, nil, WithServiceClock(clock))
	if err != nil {
		t.Fatalf("invite service: %v", err)
	}

	owner := identity.Identity{DID: "did:orgmesh:owner", DisplayName: "Owner"}
	org, err := dir.CreateOrganization(context.Background(), owner, "Acme", directory.Settings{})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	return &fixture{svc: svc, dir: dir, owner: owner, orgID: org.ID, now: &now}
}

func TestSendAndAcceptAdmitsMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invitee := identity.Identity{DID: "did:orgmesh:carol", DisplayName: "Carol"}

	inv, err := f.svc.Send(ctx, f.owner.DID, f.orgID, invitee.DID, "", "welcome aboard")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if inv.Status != StatusPending {
		t.Fatalf("status = %q", inv.Status)
	}
	if inv.Role != directory.RoleMember {
		t.Fatalf("role = %q, want org default", inv.Role)
	}

	got, err := f.svc.Respond(ctx, invitee, inv.ID, true)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != StatusAccepted || got.RespondedAt == nil {
		t.Fatalf("after accept: %+v", got)
	}

	m, err := f.dir.GetMember(ctx, f.orgID, invitee.DID)
	if err != nil {
		t.Fatalf("member after accept: %v", err)
	}
	if m.Status != directory.MemberStatusActive || m.Role != directory.RoleMember {
		t.Fatalf("member = %+v", m)
	}
}

func TestSendRequiresInvitePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	viewer := identity.Identity{DID: "did:orgmesh:viewer", DisplayName: "V"}
	if _, err := f.dir.AddMember(ctx, f.orgID, viewer, directory.RoleViewer); err != nil {
		t.Fatalf("add viewer: %v", err)
	}

	_, err := f.svc.Send(ctx, viewer.DID, f.orgID, "did:orgmesh:someone", "", "")
	if !errors.Is(err, permission.ErrDenied) {
		t.Fatalf("viewer send err = %v, want ErrDenied", err)
	}
	if _, err := f.svc.Send(ctx, "did:orgmesh:stranger", f.orgID, "did:orgmesh:someone", "", ""); !errors.Is(err, permission.ErrDenied) {
		t.Fatalf("non-member send err = %v, want ErrDenied", err)
	}
}

func TestSendRejectsExistingMember(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Send(context.Background(), f.owner.DID, f.orgID, f.owner.DID, "", "")
	if !errors.Is(err, directory.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestSendRejectsDuplicatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Send(ctx, f.owner.DID, f.orgID, "did:orgmesh:carol", "", ""); err != nil {
		t.Fatalf("first send: %v", err)
	}
	_, err := f.svc.Send(ctx, f.owner.DID, f.orgID, "did:orgmesh:carol", "", "")
	if !errors.Is(err, directory.ErrConflict) {
		t.Fatalf("second send err = %v, want ErrConflict", err)
	}

	// An expired pending invitation no longer blocks a fresh one.
	*f.now = f.now.Add(DefaultInvitationTTL + time.Hour)
	if _, err := f.svc.Send(ctx, f.owner.DID, f.orgID, "did:orgmesh:carol", "", ""); err != nil {
		t.Fatalf("send after expiry: %v", err)
	}
}

func TestRespondExpiresLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invitee := identity.Identity{DID: "did:orgmesh:late", DisplayName: "Late"}

	inv, err := f.svc.Send(ctx, f.owner.DID, f.orgID, invitee.DID, "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	*f.now = f.now.Add(DefaultInvitationTTL + time.Minute)
	if _, err := f.svc.Respond(ctx, invitee, inv.ID, true); !errors.Is(err, ErrExpired) {
		t.Fatalf("respond err = %v, want ErrExpired", err)
	}
	got, err := f.svc.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %q, want expired persisted", got.Status)
	}
	if _, err := f.dir.GetMember(ctx, f.orgID, invitee.DID); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expired accept must not admit: %v", err)
	}
}

func TestRespondOnlyInvitee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.Send(ctx, f.owner.DID, f.orgID, "did:orgmesh:carol", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	impostor := identity.Identity{DID: "did:orgmesh:mallory"}
	if _, err := f.svc.Respond(ctx, impostor, inv.ID, true); !errors.Is(err, ErrNotInvitee) {
		t.Fatalf("err = %v, want ErrNotInvitee", err)
	}
}

func TestRespondIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invitee := identity.Identity{DID: "did:orgmesh:carol", DisplayName: "Carol"}

	inv, err := f.svc.Send(ctx, f.owner.DID, f.orgID, invitee.DID, "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.svc.Respond(ctx, invitee, inv.ID, false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := f.svc.Respond(ctx, invitee, inv.ID, true); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("second respond err = %v, want ErrAlreadyResponded", err)
	}
	if _, err := f.svc.Cancel(ctx, f.owner.DID, inv.ID); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("cancel after reject err = %v", err)
	}
}

func TestCancelOnlyInviter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.Send(ctx, f.owner.DID, f.orgID, "did:orgmesh:carol", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, "did:orgmesh:carol", inv.ID); !errors.Is(err, ErrNotInviter) {
		t.Fatalf("err = %v, want ErrNotInviter", err)
	}
	got, err := f.svc.Cancel(ctx, f.owner.DID, inv.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestCodeRedeemRespectsUseLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.svc.CreateCode(ctx, f.owner.DID, f.orgID, "", 2, time.Hour)
	if err != nil {
		t.Fatalf("create code: %v", err)
	}
	if code.MaxUses != 2 || code.UsedCount != 0 {
		t.Fatalf("code = %+v", code)
	}

	for i, did := range []string{"did:orgmesh:u1", "did:orgmesh:u2"} {
		if _, err := f.svc.Redeem(ctx, identity.Identity{DID: did, DisplayName: "U"}, code.Code); err != nil {
			t.Fatalf("redeem %d: %v", i+1, err)
		}
	}
	_, err = f.svc.Redeem(ctx, identity.Identity{DID: "did:orgmesh:u3"}, code.Code)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("third redeem err = %v, want ErrExhausted", err)
	}

	got, err := f.svc.GetCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("get code: %v", err)
	}
	if got.UsedCount != 2 {
		t.Fatalf("used_count = %d", got.UsedCount)
	}
}

func TestCodeRedeemExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.svc.CreateCode(ctx, f.owner.DID, f.orgID, "", 0, time.Hour)
	if err != nil {
		t.Fatalf("create code: %v", err)
	}
	*f.now = f.now.Add(2 * time.Hour)
	if _, err := f.svc.Redeem(ctx, identity.Identity{DID: "did:orgmesh:u1"}, code.Code); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestCodeRedeemRejectsExistingMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.svc.CreateCode(ctx, f.owner.DID, f.orgID, "", 0, 0)
	if err != nil {
		t.Fatalf("create code: %v", err)
	}
	if _, err := f.svc.Redeem(ctx, f.owner, code.Code); !errors.Is(err, directory.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	got, _ := f.svc.GetCode(ctx, code.Code)
	if got.UsedCount != 0 {
		t.Fatalf("rejected redeem must not burn a use, used_count = %d", got.UsedCount)
	}
}

func TestCodeRedeemFailedAdmissionKeepsUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Room for the owner only: any redeem hits the member limit.
	org, err := f.dir.CreateOrganization(ctx, f.owner, "Full House", directory.Settings{MaxMembers: 1})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	code, err := f.svc.CreateCode(ctx, f.owner.DID, org.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("create code: %v", err)
	}

	_, err = f.svc.Redeem(ctx, identity.Identity{DID: "did:orgmesh:u1", DisplayName: "U"}, code.Code)
	if !errors.Is(err, directory.ErrMemberLimit) {
		t.Fatalf("err = %v, want ErrMemberLimit", err)
	}
	got, err := f.svc.GetCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("get code: %v", err)
	}
	if got.UsedCount != 0 {
		t.Fatalf("failed admission must not burn a use, used_count = %d", got.UsedCount)
	}
}

func TestGenerateCodeFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !pattern.MatchString(code) {
			t.Fatalf("code %q does not match format", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

func TestNormalizeCode(t *testing.T) {
	got, err := NormalizeCode("abcd-efgh-jk23")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "ABCD-EFGH-JK23" {
		t.Fatalf("got %q", got)
	}
	if _, err := NormalizeCode("ABCDEFGHJK23"); err != nil {
		t.Fatalf("dashless input rejected: %v", err)
	}
	if _, err := NormalizeCode("too-short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
