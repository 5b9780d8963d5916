package logsync

import (
	"context"
	"testing"
	"time"

	"orgmesh.org/internal/directory"
	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/ids"
	"orgmesh.org/internal/topic"
	"orgmesh.org/internal/topic/loopback"
)

const orgID = "01JSYNCORG00000000000000TT"

func newDir(t *testing.T) *directory.Service {
	t.Helper()
	dir, err := directory.NewService(directory.NewInMemory())
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	return dir
}

func newEngine(t *testing.T, dir *directory.Service) *Engine {
	t.Helper()
	e, err := NewEngine(dir, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func entryAt(ts time.Time, action, resType, resID string, meta map[string]string) directory.ActivityEntry {
	return directory.ActivityEntry{
		ID:           ids.NewAt(ts),
		OrgID:        orgID,
		ActorDID:     "did:orgmesh:remote",
		Action:       action,
		ResourceType: resType,
		ResourceID:   resID,
		Metadata:     meta,
		Timestamp:    ts,
	}
}

func TestApplyReplaysMemberAdded(t *testing.T) {
	dir := newDir(t)
	e := newEngine(t, dir)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entry := entryAt(ts, directory.ActionMemberAdded, "member", "did:orgmesh:carol", map[string]string{
		"role":         directory.RoleMember,
		"display_name": "Carol",
	})

	applied, conflicts, err := e.Apply(ctx, orgID, []directory.ActivityEntry{entry})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 1 || conflicts != 0 {
		t.Fatalf("applied=%d conflicts=%d", applied, conflicts)
	}

	m, err := dir.GetMember(ctx, orgID, "did:orgmesh:carol")
	if err != nil {
		t.Fatalf("member after apply: %v", err)
	}
	if m.Status != directory.MemberStatusActive || m.DisplayName != "Carol" {
		t.Fatalf("member = %+v", m)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	dir := newDir(t)
	e := newEngine(t, dir)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	batch := []directory.ActivityEntry{
		entryAt(ts, directory.ActionMemberAdded, "member", "did:orgmesh:carol", map[string]string{"role": directory.RoleMember}),
	}

	if _, _, err := e.Apply(ctx, orgID, batch); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	applied, conflicts, err := e.Apply(ctx, orgID, batch)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied != 0 || conflicts != 0 {
		t.Fatalf("replayed duplicates: applied=%d conflicts=%d", applied, conflicts)
	}

	acts, err := dir.Activities(ctx, orgID, 10)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("activity count = %d, want 1", len(acts))
	}
}

func TestApplyConvergesInEitherOrder(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	added := entryAt(t1, directory.ActionMemberAdded, "member", "did:orgmesh:carol", map[string]string{
		"role":         directory.RoleMember,
		"display_name": "Carol",
	})
	promoted := entryAt(t2, directory.ActionMemberRoleChanged, "member", "did:orgmesh:carol", map[string]string{
		"from": directory.RoleMember,
		"to":   directory.RoleAdmin,
	})

	ctx := context.Background()
	check := func(t *testing.T, dir *directory.Service) {
		t.Helper()
		m, err := dir.GetMember(ctx, orgID, "did:orgmesh:carol")
		if err != nil {
			t.Fatalf("member: %v", err)
		}
		if m.Role != directory.RoleAdmin {
			t.Fatalf("role = %q, want admin", m.Role)
		}
		acts, _ := dir.Activities(ctx, orgID, 10)
		if len(acts) != 2 {
			t.Fatalf("activity count = %d, want 2", len(acts))
		}
	}

	// In-order node.
	dirA := newDir(t)
	eA := newEngine(t, dirA)
	if _, _, err := eA.Apply(ctx, orgID, []directory.ActivityEntry{added}); err != nil {
		t.Fatalf("apply added: %v", err)
	}
	if _, _, err := eA.Apply(ctx, orgID, []directory.ActivityEntry{promoted}); err != nil {
		t.Fatalf("apply promoted: %v", err)
	}
	check(t, dirA)

	// Out-of-order node: promotion first, creation later.
	dirB := newDir(t)
	eB := newEngine(t, dirB)
	if _, _, err := eB.Apply(ctx, orgID, []directory.ActivityEntry{promoted}); err != nil {
		t.Fatalf("apply promoted: %v", err)
	}
	if _, _, err := eB.Apply(ctx, orgID, []directory.ActivityEntry{added}); err != nil {
		t.Fatalf("apply added: %v", err)
	}
	check(t, dirB)
}

func TestApplyOlderEntryLosesToLocalState(t *testing.T) {
	dir := newDir(t)
	e := newEngine(t, dir)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := entryAt(t1.Add(time.Hour), directory.ActionMemberAdded, "member", "did:orgmesh:carol", map[string]string{
		"role":         directory.RoleAdmin,
		"display_name": "Carol",
	})
	older := entryAt(t1, directory.ActionMemberRoleChanged, "member", "did:orgmesh:carol", map[string]string{
		"from": directory.RoleAdmin,
		"to":   directory.RoleViewer,
	})

	if _, _, err := e.Apply(ctx, orgID, []directory.ActivityEntry{newer}); err != nil {
		t.Fatalf("apply newer: %v", err)
	}
	applied, conflicts, err := e.Apply(ctx, orgID, []directory.ActivityEntry{older})
	if err != nil {
		t.Fatalf("apply older: %v", err)
	}
	if applied != 0 || conflicts != 1 {
		t.Fatalf("applied=%d conflicts=%d", applied, conflicts)
	}
	m, _ := dir.GetMember(ctx, orgID, "did:orgmesh:carol")
	if m.Role != directory.RoleAdmin {
		t.Fatalf("older entry overwrote newer state, role = %q", m.Role)
	}
}

func TestSyncOverNetwork(t *testing.T) {
	bus := loopback.NewBus()
	ctx := context.Background()

	seedA := make([]byte, 32)
	seedA[0] = 21
	idA, err := identity.NewLocalFromSeed(seedA, "alice", "")
	if err != nil {
		t.Fatalf("identity a: %v", err)
	}
	seedB := make([]byte, 32)
	seedB[0] = 22
	idB, err := identity.NewLocalFromSeed(seedB, "bob", "")
	if err != nil {
		t.Fatalf("identity b: %v", err)
	}

	dirA := newDir(t)
	org, err := dirA.CreateOrganization(ctx, idA.Current(), "Acme", directory.Settings{})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	if _, err := dirA.AddMember(ctx, org.ID, identity.Identity{DID: "did:orgmesh:carol", DisplayName: "Carol"}, directory.RoleViewer); err != nil {
		t.Fatalf("add member: %v", err)
	}

	dirB := newDir(t)
	if err := dirB.Store().CreateOrganization(ctx, org); err != nil {
		t.Fatalf("seed org on b: %v", err)
	}

	epA, _ := bus.Attach(idA.CurrentDID())
	epB, _ := bus.Attach(idB.CurrentDID())
	netA := topic.NewNetwork(epA, idA, topic.NewHub(), topic.WithIntervals(50*time.Millisecond, 80*time.Millisecond))
	netB := topic.NewNetwork(epB, idB, topic.NewHub(), topic.WithIntervals(50*time.Millisecond, 80*time.Millisecond))

	if _, err := NewEngine(dirA, netA, WithPageSize(1)); err != nil {
		t.Fatalf("engine a: %v", err)
	}
	engB, err := NewEngine(dirB, netB, WithPageSize(1))
	if err != nil {
		t.Fatalf("engine b: %v", err)
	}

	if err := netA.Join(ctx, org.ID); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := netB.Join(ctx, org.ID); err != nil {
		t.Fatalf("join b: %v", err)
	}
	defer netA.Leave(org.ID)
	defer netB.Leave(org.ID)

	if err := engB.RequestSync(ctx, org.ID); err != nil {
		t.Fatalf("request sync: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		members, _ := dirB.ListMembers(ctx, org.ID)
		if len(members) == 2 {
			carol, err := dirB.GetMember(ctx, org.ID, "did:orgmesh:carol")
			if err == nil && carol.Role == directory.RoleViewer {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	members, _ := dirB.ListMembers(ctx, org.ID)
	t.Fatalf("node b never converged, members = %d", len(members))
}
