package httpapi

import (
	"net/http"
	"strings"
	"time"
)

type sendInvitationRequest struct {
	InviteeDID string `json:"invitee_did"`
	Role       string `json:"role"`
	Message    string `json:"message"`
}

type respondRequest struct {
	Accept bool `json:"accept"`
}

type createCodeRequest struct {
	Role       string `json:"role"`
	MaxUses    int    `json:"max_uses"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

// handleOrgInvitations serves /v1/orgs/{id}/invitations: the inviter's side.
func (a *API) handleOrgInvitations(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if a.invites == nil {
		writeError(w, http.StatusServiceUnavailable, "invitations not configured")
		return
	}
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if err := a.requireMember(r, orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		invs, err := a.invites.ListForOrg(r.Context(), orgID)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitations": invs})
	case http.MethodPost:
		var req sendInvitationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		inv, err := a.invites.Send(r.Context(), a.actor(r), orgID, req.InviteeDID, req.Role, req.Message)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inv)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// handleOrgCodes serves /v1/orgs/{id}/codes.
func (a *API) handleOrgCodes(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if a.invites == nil {
		writeError(w, http.StatusServiceUnavailable, "invitations not configured")
		return
	}
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if err := a.requireMember(r, orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		codes, err := a.invites.ListCodes(r.Context(), orgID)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"codes": codes})
	case http.MethodPost:
		var req createCodeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		code, err := a.invites.CreateCode(r.Context(), a.actor(r), orgID, req.Role, req.MaxUses, time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, code)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// handleInvitations lists invitations addressed to the acting identity.
func (a *API) handleInvitations(w http.ResponseWriter, r *http.Request) {
	if a.invites == nil {
		writeError(w, http.StatusServiceUnavailable, "invitations not configured")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	invs, err := a.invites.ListForInvitee(r.Context(), a.actor(r))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": invs})
}

// handleInvitationResource serves /v1/invitations/{id} and
// /v1/invitations/{id}/respond.
func (a *API) handleInvitationResource(w http.ResponseWriter, r *http.Request) {
	if a.invites == nil {
		writeError(w, http.StatusServiceUnavailable, "invitations not configured")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/invitations/"), "/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]

	if len(parts) == 2 {
		if parts[1] != "respond" {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var req respondRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		inv, err := a.invites.Respond(r.Context(), a.actorIdentity(r), id, req.Accept)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
		return
	}

	switch r.Method {
	case http.MethodGet:
		inv, err := a.invites.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		// Only the two parties may see an invitation.
		if actor := a.actor(r); actor != inv.InviterDID && actor != inv.InviteeDID {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		writeJSON(w, http.StatusOK, inv)
	case http.MethodDelete:
		inv, err := a.invites.Cancel(r.Context(), a.actor(r), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	default:
		methodNotAllowed(w, "GET, DELETE")
	}
}

// handleRedeemCode exchanges an invitation code for membership.
func (a *API) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	if a.invites == nil {
		writeError(w, http.StatusServiceUnavailable, "invitations not configured")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.invites.Redeem(r.Context(), a.actorIdentity(r), req.Code)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
