package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"orgmesh.org/internal/audit"
)

var _ audit.Sink = (*Store)(nil)

func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal audit context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_entries (id, org_id, actor_did, action, result, context, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (id) do nothing
	`, e.ID, e.OrgID, e.ActorDID, e.Action, e.Result, ctxJSON, e.OccurredAt)
	return err
}

func (s *Store) List(ctx context.Context, orgID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, actor_did, action, result, context, occurred_at
		from audit_entries
		where org_id = $1
		order by occurred_at desc, id desc
		limit $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			rawCtx  []byte
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ActorDID, &e.Action, &e.Result, &rawCtx, &e.OccurredAt); err != nil {
			return nil, err
		}
		if len(rawCtx) > 0 {
			if err := json.Unmarshal(rawCtx, &e.Context); err != nil {
				return nil, fmt.Errorf("decode audit context: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
