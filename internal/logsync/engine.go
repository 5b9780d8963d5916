// Package logsync reconciles peers' activity logs: each node advertises the
// timestamp of its newest entry, receives entries it is missing in bounded
// pages, and replays them into the local directory with last-write-wins
// resolution per resource.
package logsync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"orgmesh.org/internal/directory"
	"orgmesh.org/internal/obs"
	"orgmesh.org/internal/topic"
)

// DefaultPageSize bounds one sync response.
const DefaultPageSize = 100

// Engine answers sync requests from peers and applies their responses.
type Engine struct {
	dir      *directory.Service
	store    directory.Store
	net      *topic.Network
	pageSize int
	now      func() time.Time
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithPageSize overrides the 100-entry response page.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires the sync engine. net may be nil when only Apply is needed.
func NewEngine(dir *directory.Service, net *topic.Network, opts ...EngineOption) (*Engine, error) {
	if dir == nil {
		return nil, errors.New("directory service is required")
	}
	e := &Engine{
		dir:      dir,
		store:    dir.Store(),
		net:      net,
		pageSize: DefaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if net != nil {
		net.SetSyncHandler(e.HandleMessage)
	}
	return e, nil
}

// RequestSync broadcasts the local version so peers with newer entries can
// answer with what this node is missing.
func (e *Engine) RequestSync(ctx context.Context, orgID string) error {
	if e.net == nil {
		return errors.New("logsync: no network attached")
	}
	version, err := e.store.MaxActivityTimestamp(ctx, orgID)
	if err != nil {
		return err
	}
	return e.net.Broadcast(ctx, orgID, topic.Message{
		Type:         topic.TypeSyncRequest,
		LocalVersion: version,
	})
}

// HandleMessage processes sync traffic. Registered as the network's sync
// handler.
func (e *Engine) HandleMessage(ctx context.Context, msg topic.Message) {
	switch msg.Type {
	case topic.TypeSyncRequest:
		e.serve(ctx, msg)
	case topic.TypeSyncResponse:
		applied, conflicts, err := e.Apply(ctx, msg.OrgID, msg.Entries)
		if err != nil {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "apply sync response failed", "org_id": msg.OrgID, "error": err.Error()})
			return
		}
		obs.LogEvent(map[string]any{
			"msg": "sync response applied", "org_id": msg.OrgID,
			"entries": len(msg.Entries), "applied": applied, "conflicts": conflicts,
		})
		// A full page means the peer has more; keep paging.
		if len(msg.Entries) == e.pageSize && e.net != nil {
			if err := e.RequestSync(ctx, msg.OrgID); err != nil {
				obs.LogEvent(map[string]any{"level": "warn", "msg": "sync continuation failed", "org_id": msg.OrgID, "error": err.Error()})
			}
		}
	}
}

// serve answers a peer's request with entries newer than its version, oldest
// first, at most one page. Nothing is sent when the peer is current.
func (e *Engine) serve(ctx context.Context, msg topic.Message) {
	entries, err := e.store.ListActivitiesSince(ctx, msg.OrgID, msg.LocalVersion, e.pageSize)
	if err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "list activities for sync failed", "org_id": msg.OrgID, "error": err.Error()})
		return
	}
	if len(entries) == 0 || e.net == nil {
		return
	}
	version, err := e.store.MaxActivityTimestamp(ctx, msg.OrgID)
	if err != nil {
		version = entries[len(entries)-1].Timestamp
	}
	if err := e.net.SendDirect(ctx, msg.SenderDID, topic.Message{
		Type:         topic.TypeSyncResponse,
		OrgID:        msg.OrgID,
		LocalVersion: version,
		Entries:      entries,
	}); err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "sync response send failed", "org_id": msg.OrgID, "target": msg.SenderDID, "error": err.Error()})
	}
}

// Apply records foreign entries and replays them into the local directory.
// Recording is idempotent by entry id; replay only happens when the entry is
// strictly newer than the latest local entry for the same resource
// (last-write-wins). Returns how many entries were replayed and how many
// lost the conflict.
func (e *Engine) Apply(ctx context.Context, orgID string, entries []directory.ActivityEntry) (applied, conflicts int, err error) {
	sorted := make([]directory.ActivityEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	changed := false
	for _, entry := range sorted {
		if entry.OrgID != orgID {
			continue
		}
		latest, lerr := e.store.LatestActivityFor(ctx, orgID, entry.ResourceType, entry.ResourceID)
		switch {
		case lerr == nil:
		case errors.Is(lerr, directory.ErrNotFound):
		default:
			return applied, conflicts, lerr
		}
		wins := errors.Is(lerr, directory.ErrNotFound) || entry.Timestamp.After(latest.Timestamp)

		inserted, aerr := e.store.AppendActivity(ctx, entry)
		if aerr != nil {
			return applied, conflicts, aerr
		}
		if !inserted {
			continue // already known, nothing to do
		}
		if !wins {
			// The resource may not exist locally when entries arrive out of
			// order: the newer entry was a no-op without base state. Replay
			// the older entry to create it, then re-project the winner.
			if e.resourceMissing(ctx, entry) {
				if rerr := e.replay(ctx, entry); rerr == nil {
					if rerr := e.replay(ctx, latest); rerr == nil {
						applied++
						changed = true
						continue
					}
				}
			}
			conflicts++
			continue
		}
		if rerr := e.replay(ctx, entry); rerr != nil {
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "replay failed",
				"org_id": orgID, "action": entry.Action, "entry_id": entry.ID, "error": rerr.Error(),
			})
			conflicts++
			continue
		}
		applied++
		changed = true
	}
	if changed {
		e.dir.NotifyChanged(orgID, "")
	}
	obs.SyncApplied(applied, conflicts)
	return applied, conflicts, nil
}

// resourceMissing reports whether the entry's resource has no local state.
func (e *Engine) resourceMissing(ctx context.Context, entry directory.ActivityEntry) bool {
	switch entry.ResourceType {
	case "member":
		_, err := e.store.GetMember(ctx, entry.OrgID, entry.ResourceID)
		return errors.Is(err, directory.ErrNotFound)
	case "role":
		_, err := e.store.GetRole(ctx, entry.OrgID, entry.ResourceID)
		return errors.Is(err, directory.ErrNotFound)
	}
	return false
}

// replay projects one activity entry onto local state. Unknown actions are
// recorded but not projected.
func (e *Engine) replay(ctx context.Context, entry directory.ActivityEntry) error {
	switch entry.Action {
	case directory.ActionMemberAdded:
		return e.replayMemberAdded(ctx, entry)
	case directory.ActionMemberRemoved:
		return e.replayMemberStatus(ctx, entry, directory.MemberStatusRemoved)
	case directory.ActionMemberRoleChanged:
		return e.replayRoleChange(ctx, entry)
	case directory.ActionMemberUpdated:
		return e.replayMemberProfile(ctx, entry)
	case directory.ActionRoleCreated, directory.ActionRoleUpdated:
		return e.replayRoleUpsert(ctx, entry)
	case directory.ActionRoleDeleted:
		err := e.store.DeleteRole(ctx, entry.OrgID, entry.ResourceID)
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	case directory.ActionOverrideSet:
		return e.replayOverrideSet(ctx, entry)
	case directory.ActionOverrideRemoved:
		err := e.store.RemoveOverride(ctx, entry.OrgID, entry.Metadata["user"], entry.ResourceType, entry.ResourceID, entry.Metadata["permission"])
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	case directory.ActionOrgUpdated, directory.ActionOrgDeleted:
		return e.replayOrg(ctx, entry)
	}
	return nil
}

func (e *Engine) replayMemberAdded(ctx context.Context, entry directory.ActivityEntry) error {
	roleName := entry.Metadata["role"]
	if roleName == "" {
		roleName = directory.RoleMember
	}
	var perms []string
	if role, err := e.store.GetRole(ctx, entry.OrgID, roleName); err == nil {
		perms = role.Permissions
	}
	existing, err := e.store.GetMember(ctx, entry.OrgID, entry.ResourceID)
	joinedAt := entry.Timestamp
	if err == nil {
		joinedAt = existing.JoinedAt
	} else if !errors.Is(err, directory.ErrNotFound) {
		return err
	}
	return e.store.UpsertMember(ctx, directory.Member{
		OrgID:        entry.OrgID,
		DID:          entry.ResourceID,
		DisplayName:  entry.Metadata["display_name"],
		Avatar:       entry.Metadata["avatar"],
		Role:         roleName,
		Permissions:  perms,
		Status:       directory.MemberStatusActive,
		JoinedAt:     joinedAt,
		LastActiveAt: entry.Timestamp,
	})
}

func (e *Engine) replayMemberStatus(ctx context.Context, entry directory.ActivityEntry, status string) error {
	m, err := e.store.GetMember(ctx, entry.OrgID, entry.ResourceID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil // never saw this member; the removal entry suffices
		}
		return err
	}
	m.Status = status
	return e.store.UpsertMember(ctx, m)
}

func (e *Engine) replayMemberProfile(ctx context.Context, entry directory.ActivityEntry) error {
	m, err := e.store.GetMember(ctx, entry.OrgID, entry.ResourceID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	}
	if name, ok := entry.Metadata["display_name"]; ok {
		m.DisplayName = name
	}
	if avatar, ok := entry.Metadata["avatar"]; ok {
		m.Avatar = avatar
	}
	return e.store.UpsertMember(ctx, m)
}

func (e *Engine) replayRoleChange(ctx context.Context, entry directory.ActivityEntry) error {
	m, err := e.store.GetMember(ctx, entry.OrgID, entry.ResourceID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	}
	roleName := entry.Metadata["to"]
	if roleName == "" {
		return nil
	}
	m.Role = roleName
	if role, err := e.store.GetRole(ctx, entry.OrgID, roleName); err == nil {
		m.Permissions = role.Permissions
	}
	return e.store.UpsertMember(ctx, m)
}

func (e *Engine) replayRoleUpsert(ctx context.Context, entry directory.ActivityEntry) error {
	perms := splitPermissions(entry.Metadata["permissions"])
	existing, err := e.store.GetRole(ctx, entry.OrgID, entry.ResourceID)
	if errors.Is(err, directory.ErrNotFound) {
		return e.store.CreateRole(ctx, directory.Role{
			OrgID:       entry.OrgID,
			Name:        entry.ResourceID,
			Permissions: perms,
			IsBuiltin:   false,
			CreatedAt:   entry.Timestamp,
			UpdatedAt:   entry.Timestamp,
		})
	}
	if err != nil {
		return err
	}
	if existing.IsBuiltin {
		return nil
	}
	existing.Permissions = perms
	existing.UpdatedAt = entry.Timestamp
	return e.store.UpdateRole(ctx, existing)
}

func (e *Engine) replayOverrideSet(ctx context.Context, entry directory.ActivityEntry) error {
	return e.store.SetOverride(ctx, directory.Override{
		OrgID:        entry.OrgID,
		UserDID:      entry.Metadata["user"],
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Permission:   entry.Metadata["permission"],
		Granted:      entry.Metadata["granted"] == "true",
		CreatedAt:    entry.Timestamp,
	})
}

func (e *Engine) replayOrg(ctx context.Context, entry directory.ActivityEntry) error {
	org, err := e.store.GetOrganization(ctx, entry.OrgID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	}
	switch entry.Action {
	case directory.ActionOrgUpdated:
		if name := entry.Metadata["name"]; name != "" {
			org.Name = name
		}
	case directory.ActionOrgDeleted:
		org.Status = directory.OrgStatusDeleted
	}
	org.UpdatedAt = entry.Timestamp
	return e.store.UpdateOrganization(ctx, org)
}

func splitPermissions(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
