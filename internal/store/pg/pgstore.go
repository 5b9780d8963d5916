// Package pg implements the durable stores over PostgreSQL through the pgx
// stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"orgmesh.org/internal/directory"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store is the PostgreSQL directory store.
type Store struct {
	db *sql.DB
}

var _ directory.Store = (*Store)(nil)

// Open connects the pool with tuned defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection, for tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateOrganization(ctx context.Context, org directory.Organization) error {
	settings, err := json.Marshal(org.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into organizations (id, org_did, owner_did, name, settings, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, org.ID, org.OrgDID, org.OwnerDID, org.Name, settings, org.Status, org.CreatedAt, org.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return directory.ErrConflict
	}
	return err
}

func (s *Store) GetOrganization(ctx context.Context, id string) (directory.Organization, error) {
	var (
		org      directory.Organization
		settings []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, org_did, owner_did, name, settings, status, created_at, updated_at
		from organizations
		where id = $1
	`, id).Scan(&org.ID, &org.OrgDID, &org.OwnerDID, &org.Name, &settings, &org.Status, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Organization{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Organization{}, err
	}
	if err := json.Unmarshal(settings, &org.Settings); err != nil {
		return directory.Organization{}, fmt.Errorf("decode settings: %w", err)
	}
	return org, nil
}

func (s *Store) UpdateOrganization(ctx context.Context, org directory.Organization) error {
	settings, err := json.Marshal(org.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update organizations
		set name = $2, settings = $3, status = $4, updated_at = $5
		where id = $1
	`, org.ID, org.Name, settings, org.Status, org.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListOrganizationsForDID(ctx context.Context, did string) ([]directory.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select o.id, o.org_did, o.owner_did, o.name, o.settings, o.status, o.created_at, o.updated_at
		from organizations o
		join members m on m.org_id = o.id
		where m.did = $1 and m.status = $2
		order by o.name
	`, did, directory.MemberStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []directory.Organization
	for rows.Next() {
		var (
			org      directory.Organization
			settings []byte
		)
		if err := rows.Scan(&org.ID, &org.OrgDID, &org.OwnerDID, &org.Name, &settings, &org.Status, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(settings, &org.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
		result = append(result, org)
	}
	return result, rows.Err()
}

func (s *Store) UpsertMember(ctx context.Context, m directory.Member) error {
	perms, err := json.Marshal(m.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into members (org_id, did, display_name, avatar, role, permissions, status, joined_at, last_active_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (org_id, did) do update
		set display_name = excluded.display_name,
		    avatar = excluded.avatar,
		    role = excluded.role,
		    permissions = excluded.permissions,
		    status = excluded.status,
		    joined_at = excluded.joined_at,
		    last_active_at = excluded.last_active_at
	`, m.OrgID, m.DID, m.DisplayName, m.Avatar, m.Role, perms, m.Status, m.JoinedAt, m.LastActiveAt)
	return err
}

func (s *Store) GetMember(ctx context.Context, orgID, did string) (directory.Member, error) {
	var (
		m     directory.Member
		perms []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select org_id, did, display_name, avatar, role, permissions, status, joined_at, last_active_at
		from members
		where org_id = $1 and did = $2
	`, orgID, did).Scan(&m.OrgID, &m.DID, &m.DisplayName, &m.Avatar, &m.Role, &perms, &m.Status, &m.JoinedAt, &m.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Member{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Member{}, err
	}
	if err := json.Unmarshal(perms, &m.Permissions); err != nil {
		return directory.Member{}, fmt.Errorf("decode permissions: %w", err)
	}
	return m, nil
}

func (s *Store) ListMembers(ctx context.Context, orgID string, includeRemoved bool) ([]directory.Member, error) {
	query := `
		select org_id, did, display_name, avatar, role, permissions, status, joined_at, last_active_at
		from members
		where org_id = $1`
	args := []any{orgID}
	if !includeRemoved {
		query += ` and status = $2`
		args = append(args, directory.MemberStatusActive)
	}
	query += ` order by did`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []directory.Member
	for rows.Next() {
		var (
			m     directory.Member
			perms []byte
		)
		if err := rows.Scan(&m.OrgID, &m.DID, &m.DisplayName, &m.Avatar, &m.Role, &perms, &m.Status, &m.JoinedAt, &m.LastActiveAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(perms, &m.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) CountActiveMembers(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from members where org_id = $1 and status = $2
	`, orgID, directory.MemberStatusActive).Scan(&n)
	return n, err
}

func (s *Store) CountActiveMembersWithRole(ctx context.Context, orgID, role string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from members where org_id = $1 and role = $2 and status = $3
	`, orgID, role, directory.MemberStatusActive).Scan(&n)
	return n, err
}

func (s *Store) CreateRole(ctx context.Context, role directory.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (org_id, name, permissions, is_builtin, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, role.OrgID, role.Name, perms, role.IsBuiltin, role.CreatedAt, role.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return directory.ErrConflict
	}
	return err
}

func (s *Store) GetRole(ctx context.Context, orgID, name string) (directory.Role, error) {
	var (
		role  directory.Role
		perms []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select org_id, name, permissions, is_builtin, created_at, updated_at
		from roles
		where org_id = $1 and name = $2
	`, orgID, name).Scan(&role.OrgID, &role.Name, &perms, &role.IsBuiltin, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Role{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Role{}, err
	}
	if err := json.Unmarshal(perms, &role.Permissions); err != nil {
		return directory.Role{}, fmt.Errorf("decode permissions: %w", err)
	}
	return role, nil
}

func (s *Store) UpdateRole(ctx context.Context, role directory.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update roles set permissions = $3, updated_at = $4
		where org_id = $1 and name = $2
	`, role.OrgID, role.Name, perms, role.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteRole(ctx context.Context, orgID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from roles where org_id = $1 and name = $2
	`, orgID, name)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListRoles(ctx context.Context, orgID string) ([]directory.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select org_id, name, permissions, is_builtin, created_at, updated_at
		from roles
		where org_id = $1
		order by name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []directory.Role
	for rows.Next() {
		var (
			role  directory.Role
			perms []byte
		)
		if err := rows.Scan(&role.OrgID, &role.Name, &perms, &role.IsBuiltin, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(perms, &role.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

func (s *Store) SetOverride(ctx context.Context, o directory.Override) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permission_overrides (org_id, user_did, resource_type, resource_id, permission, granted, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (org_id, user_did, resource_type, resource_id, permission) do update
		set granted = excluded.granted,
		    expires_at = excluded.expires_at,
		    created_at = excluded.created_at
	`, o.OrgID, o.UserDID, o.ResourceType, o.ResourceID, o.Permission, o.Granted, o.ExpiresAt, o.CreatedAt)
	return err
}

func (s *Store) RemoveOverride(ctx context.Context, orgID, userDID, resourceType, resourceID, permission string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from permission_overrides
		where org_id = $1 and user_did = $2 and resource_type = $3 and resource_id = $4 and permission = $5
	`, orgID, userDID, resourceType, resourceID, permission)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) GetOverride(ctx context.Context, orgID, userDID, resourceType, resourceID, permission string) (directory.Override, error) {
	var o directory.Override
	err := s.db.QueryRowContext(ctx, `
		select org_id, user_did, resource_type, resource_id, permission, granted, expires_at, created_at
		from permission_overrides
		where org_id = $1 and user_did = $2 and resource_type = $3 and resource_id = $4 and permission = $5
	`, orgID, userDID, resourceType, resourceID, permission).Scan(
		&o.OrgID, &o.UserDID, &o.ResourceType, &o.ResourceID, &o.Permission, &o.Granted, &o.ExpiresAt, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Override{}, directory.ErrNotFound
	}
	return o, err
}

func (s *Store) ListOverrides(ctx context.Context, orgID, userDID string) ([]directory.Override, error) {
	query := `
		select org_id, user_did, resource_type, resource_id, permission, granted, expires_at, created_at
		from permission_overrides
		where org_id = $1`
	args := []any{orgID}
	if userDID != "" {
		query += ` and user_did = $2`
		args = append(args, userDID)
	}
	query += ` order by created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []directory.Override
	for rows.Next() {
		var o directory.Override
		if err := rows.Scan(&o.OrgID, &o.UserDID, &o.ResourceType, &o.ResourceID, &o.Permission, &o.Granted, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *Store) AppendActivity(ctx context.Context, e directory.ActivityEntry) (bool, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		insert into activities (id, org_id, actor_did, action, resource_type, resource_id, metadata, ts)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (id) do nothing
	`, e.ID, e.OrgID, e.ActorDID, e.Action, e.ResourceType, e.ResourceID, meta, e.Timestamp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListActivitiesSince(ctx context.Context, orgID string, since time.Time, limit int) ([]directory.ActivityEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, actor_did, action, resource_type, resource_id, metadata, ts
		from activities
		where org_id = $1 and ts > $2
		order by ts asc, id asc
		limit $3
	`, orgID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (s *Store) ListActivities(ctx context.Context, orgID string, limit int) ([]directory.ActivityEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, actor_did, action, resource_type, resource_id, metadata, ts
		from activities
		where org_id = $1
		order by ts desc, id desc
		limit $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (s *Store) LatestActivityFor(ctx context.Context, orgID, resourceType, resourceID string) (directory.ActivityEntry, error) {
	var (
		e    directory.ActivityEntry
		meta []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, org_id, actor_did, action, resource_type, resource_id, metadata, ts
		from activities
		where org_id = $1 and resource_type = $2 and resource_id = $3
		order by ts desc, id desc
		limit 1
	`, orgID, resourceType, resourceID).Scan(&e.ID, &e.OrgID, &e.ActorDID, &e.Action, &e.ResourceType, &e.ResourceID, &meta, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.ActivityEntry{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.ActivityEntry{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return directory.ActivityEntry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

func (s *Store) MaxActivityTimestamp(ctx context.Context, orgID string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select max(ts) from activities where org_id = $1
	`, orgID).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

func scanActivities(rows *sql.Rows) ([]directory.ActivityEntry, error) {
	var result []directory.ActivityEntry
	for rows.Next() {
		var (
			e    directory.ActivityEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ActorDID, &e.Action, &e.ResourceType, &e.ResourceID, &meta, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return directory.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
