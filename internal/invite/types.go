// Package invite implements the two invitation flows: targeted DID
// invitations carried over the network, and shareable multi-use codes.
package invite

import (
	"errors"
	"time"
)

// DID invitation statuses. The state machine is pending -> one of the
// terminal states; expiry is applied lazily on read.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Default lifetimes.
const (
	DefaultInvitationTTL = 72 * time.Hour
	DefaultCodeTTL       = 7 * 24 * time.Hour
	DefaultCodeMaxUses   = 10
)

var (
	ErrNotFound         = errors.New("invite: not found")
	ErrExpired          = errors.New("invite: expired")
	ErrAlreadyResponded = errors.New("invite: already in a terminal state")
	ErrNotInvitee       = errors.New("invite: only the invitee may respond")
	ErrNotInviter       = errors.New("invite: only the inviter may cancel")
	ErrExhausted        = errors.New("invite: code use limit reached")
)

// Invitation is a targeted invitation addressed to one DID.
type Invitation struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	OrgName     string     `json:"org_name"`
	InviterDID  string     `json:"inviter_did"`
	InviteeDID  string     `json:"invitee_did"`
	Role        string     `json:"role"`
	Message     string     `json:"message,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Terminal reports whether the invitation can no longer change state.
func (inv Invitation) Terminal() bool {
	return inv.Status != StatusPending
}

// ExpiredAt reports whether a pending invitation has passed its deadline.
func (inv Invitation) ExpiredAt(t time.Time) bool {
	return inv.Status == StatusPending && !t.Before(inv.ExpiresAt)
}

// Code is a shareable invitation redeemable up to MaxUses times.
type Code struct {
	Code       string    `json:"code"`
	OrgID      string    `json:"org_id"`
	CreatedBy  string    `json:"created_by"`
	Role       string    `json:"role"`
	MaxUses    int       `json:"max_uses"`
	UsedCount  int       `json:"used_count"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Redeemable reports whether the code can still be consumed at time t.
func (c Code) Redeemable(t time.Time) error {
	if !t.Before(c.ExpiresAt) {
		return ErrExpired
	}
	if c.UsedCount >= c.MaxUses {
		return ErrExhausted
	}
	return nil
}
