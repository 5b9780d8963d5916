package pg

import (
	"context"
	"database/sql"
	"errors"

	"orgmesh.org/internal/invite"
)

var _ invite.Store = (*Store)(nil)

func (s *Store) CreateInvitation(ctx context.Context, inv invite.Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		insert into did_invitations (id, org_id, org_name, inviter_did, invitee_did, role, message, status, created_at, expires_at, responded_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, inv.ID, inv.OrgID, inv.OrgName, inv.InviterDID, inv.InviteeDID, inv.Role, inv.Message, inv.Status, inv.CreatedAt, inv.ExpiresAt, inv.RespondedAt)
	return err
}

func (s *Store) GetInvitation(ctx context.Context, id string) (invite.Invitation, error) {
	var inv invite.Invitation
	err := s.db.QueryRowContext(ctx, `
		select id, org_id, org_name, inviter_did, invitee_did, role, message, status, created_at, expires_at, responded_at
		from did_invitations
		where id = $1
	`, id).Scan(&inv.ID, &inv.OrgID, &inv.OrgName, &inv.InviterDID, &inv.InviteeDID, &inv.Role, &inv.Message, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &inv.RespondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return invite.Invitation{}, invite.ErrNotFound
	}
	return inv, err
}

func (s *Store) UpdateInvitation(ctx context.Context, inv invite.Invitation) error {
	res, err := s.db.ExecContext(ctx, `
		update did_invitations
		set status = $2, responded_at = $3
		where id = $1
	`, inv.ID, inv.Status, inv.RespondedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return invite.ErrNotFound
	}
	return nil
}

func (s *Store) ListInvitationsForOrg(ctx context.Context, orgID string) ([]invite.Invitation, error) {
	return s.listInvitations(ctx, `org_id = $1`, orgID)
}

func (s *Store) ListInvitationsForInvitee(ctx context.Context, did string) ([]invite.Invitation, error) {
	return s.listInvitations(ctx, `invitee_did = $1`, did)
}

func (s *Store) listInvitations(ctx context.Context, where string, arg any) ([]invite.Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, org_name, inviter_did, invitee_did, role, message, status, created_at, expires_at, responded_at
		from did_invitations
		where `+where+`
		order by created_at desc, id desc
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []invite.Invitation
	for rows.Next() {
		var inv invite.Invitation
		if err := rows.Scan(&inv.ID, &inv.OrgID, &inv.OrgName, &inv.InviterDID, &inv.InviteeDID, &inv.Role, &inv.Message, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &inv.RespondedAt); err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (s *Store) CreateCode(ctx context.Context, c invite.Code) error {
	_, err := s.db.ExecContext(ctx, `
		insert into code_invitations (code, org_id, created_by, role, max_uses, used_count, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.Code, c.OrgID, c.CreatedBy, c.Role, c.MaxUses, c.UsedCount, c.CreatedAt, c.ExpiresAt)
	return err
}

func (s *Store) GetCode(ctx context.Context, code string) (invite.Code, error) {
	var c invite.Code
	err := s.db.QueryRowContext(ctx, `
		select code, org_id, created_by, role, max_uses, used_count, created_at, expires_at
		from code_invitations
		where code = $1
	`, code).Scan(&c.Code, &c.OrgID, &c.CreatedBy, &c.Role, &c.MaxUses, &c.UsedCount, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return invite.Code{}, invite.ErrNotFound
	}
	return c, err
}

// ConsumeCode increments the use count in a single guarded statement so
// concurrent redeems cannot exceed the limit.
func (s *Store) ConsumeCode(ctx context.Context, code string) (invite.Code, error) {
	var c invite.Code
	err := s.db.QueryRowContext(ctx, `
		update code_invitations
		set used_count = used_count + 1
		where code = $1 and used_count < max_uses
		returning code, org_id, created_by, role, max_uses, used_count, created_at, expires_at
	`, code).Scan(&c.Code, &c.OrgID, &c.CreatedBy, &c.Role, &c.MaxUses, &c.UsedCount, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetCode(ctx, code); gerr != nil {
			return invite.Code{}, gerr
		}
		return invite.Code{}, invite.ErrExhausted
	}
	return c, err
}

func (s *Store) ListCodesForOrg(ctx context.Context, orgID string) ([]invite.Code, error) {
	rows, err := s.db.QueryContext(ctx, `
		select code, org_id, created_by, role, max_uses, used_count, created_at, expires_at
		from code_invitations
		where org_id = $1
		order by created_at desc
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []invite.Code
	for rows.Next() {
		var c invite.Code
		if err := rows.Scan(&c.Code, &c.OrgID, &c.CreatedBy, &c.Role, &c.MaxUses, &c.UsedCount, &c.CreatedAt, &c.ExpiresAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
