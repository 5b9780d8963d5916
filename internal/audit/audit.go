// Package audit records permission decisions and other sensitive events as an
// append-only trail, mirrored to the structured log.
package audit

import (
	"context"
	"strings"
	"time"

	"orgmesh.org/internal/ids"
	"orgmesh.org/internal/obs"
)

// Actions recorded by the permission engine.
const (
	ActionCheck          = "check"
	ActionRoleCheck      = "role_check"
	ActionOwnershipCheck = "ownership_check"
	ActionRateLimit      = "ratelimit"
)

// Results of a recorded check.
const (
	ResultGranted  = "granted"
	ResultDenied   = "denied"
	ResultExceeded = "exceeded"
)

// Entry is one audit record.
type Entry struct {
	ID         string            `json:"id"`
	OrgID      string            `json:"org_id"`
	ActorDID   string            `json:"actor_did"`
	Action     string            `json:"action"`
	Result     string            `json:"result"`
	Context    map[string]string `json:"context,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink persists audit entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, orgID string, limit int) ([]Entry, error)
}

// Trail writes entries to a sink and mirrors each one as a JSON log line.
// Sink failures are logged, never surfaced: auditing must not block the
// operation it describes.
type Trail struct {
	sink Sink
	now  func() time.Time
}

// NewTrail constructs a Trail. A nil sink keeps log-line mirroring only.
func NewTrail(sink Sink) *Trail {
	return &Trail{sink: sink, now: time.Now}
}

// Record fills in id/timestamp and appends the entry.
func (t *Trail) Record(ctx context.Context, e Entry) {
	ts := t.now().UTC()
	e.OccurredAt = ts
	if e.ID == "" {
		e.ID = ids.NewAt(ts)
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		if e.Context == nil {
			e.Context = map[string]string{}
		}
		e.Context["request_id"] = rid
	}

	fields := map[string]any{
		"ts":     ts.Format(time.RFC3339Nano),
		"type":   "audit",
		"org_id": e.OrgID,
		"actor":  e.ActorDID,
		"action": e.Action,
		"result": e.Result,
	}
	if len(e.Context) > 0 {
		fields["context"] = e.Context
	}
	obs.LogEvent(fields)

	if t.sink == nil {
		return
	}
	if err := t.sink.Append(ctx, e); err != nil {
		obs.LogEvent(map[string]any{
			"ts":    ts.Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "audit append failed",
			"error": err.Error(),
		})
	}
}

// List returns the most recent entries for an organization.
func (t *Trail) List(ctx context.Context, orgID string, limit int) ([]Entry, error) {
	if t.sink == nil {
		return nil, nil
	}
	return t.sink.List(ctx, orgID, limit)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
