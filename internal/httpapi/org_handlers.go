package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"orgmesh.org/internal/audit"
	"orgmesh.org/internal/directory"
	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/obs"
	"orgmesh.org/internal/permission"
)

type createOrgRequest struct {
	Name     string              `json:"name"`
	Settings *directory.Settings `json:"settings"`
}

type updateOrgRequest struct {
	Name     *string             `json:"name"`
	Settings *directory.Settings `json:"settings"`
}

type addMemberRequest struct {
	DID         string `json:"did"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
	Role        string `json:"role"`
}

type updateMemberRequest struct {
	DisplayName *string `json:"display_name"`
	Avatar      *string `json:"avatar"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type roleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type overrideRequest struct {
	UserDID      string     `json:"user_did"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Permission   string     `json:"permission"`
	Granted      bool       `json:"granted"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type checkRequest struct {
	UserDID      string `json:"user_did"`
	Permission   string `json:"permission"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

func (a *API) handleOrgs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orgs, err := a.dir.ListOrganizationsForDID(r.Context(), a.actor(r))
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
	case http.MethodPost:
		var req createOrgRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		settings := directory.Settings{}
		if req.Settings != nil {
			settings = *req.Settings
		}
		org, err := a.dir.CreateOrganization(r.Context(), a.actorIdentity(r), req.Name, settings)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		if a.net != nil {
			if err := a.net.Join(r.Context(), org.ID); err != nil {
				// The org exists either way; joining retries on restart.
				obs.LogEvent(map[string]any{
					"level": "warn", "msg": "topic join deferred",
					"org_id": org.ID, "error": err.Error(),
				})
			}
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/orgs/%s", org.ID))
		writeJSON(w, http.StatusCreated, org)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *API) handleOrgScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/orgs/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	orgID := parts[0]
	rest := parts[1:]

	if len(rest) == 0 {
		a.handleOrg(w, r, orgID)
		return
	}
	switch rest[0] {
	case "members":
		a.handleMembers(w, r, orgID, rest[1:])
	case "roles":
		a.handleRoles(w, r, orgID, rest[1:])
	case "overrides":
		a.handleOverrides(w, r, orgID, rest[1:])
	case "activities":
		a.handleActivities(w, r, orgID, rest[1:])
	case "audit":
		a.handleAudit(w, r, orgID, rest[1:])
	case "permissions":
		a.handleCheck(w, r, orgID, rest[1:])
	case "invitations":
		a.handleOrgInvitations(w, r, orgID, rest[1:])
	case "codes":
		a.handleOrgCodes(w, r, orgID, rest[1:])
	case "network":
		a.handleNetwork(w, r, orgID, rest[1:])
	case "events":
		a.handleEvents(w, r, orgID, rest[1:])
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleOrg(w http.ResponseWriter, r *http.Request, orgID string) {
	switch r.Method {
	case http.MethodGet:
		if err := a.requireMember(r, orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		org, err := a.dir.GetOrganization(r.Context(), orgID)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, org)
	case http.MethodPatch:
		if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("org.update")); err != nil {
			handleDomainError(w, err)
			return
		}
		var req updateOrgRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		org, err := a.dir.UpdateOrganization(r.Context(), a.actor(r), orgID, directory.OrganizationUpdate{
			Name:     req.Name,
			Settings: req.Settings,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, org)
	case http.MethodDelete:
		if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.RequireRole(directory.RoleOwner)); err != nil {
			handleDomainError(w, err)
			return
		}
		if err := a.dir.DeleteOrganization(r.Context(), a.actor(r), orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		if a.net != nil {
			_ = a.net.Leave(orgID)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "GET, PATCH, DELETE")
	}
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			if err := a.requireMember(r, orgID); err != nil {
				handleDomainError(w, err)
				return
			}
			members, err := a.dir.ListMembers(r.Context(), orgID)
			if err != nil {
				handleDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"members": members})
		case http.MethodPost:
			if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("member.invite")); err != nil {
				handleDomainError(w, err)
				return
			}
			var req addMemberRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			m, err := a.dir.AddMember(r.Context(), orgID, identityFromRequest(req), req.Role)
			if err != nil {
				handleDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, m)
		default:
			methodNotAllowed(w, "GET, POST")
		}
	case 1:
		a.handleMember(w, r, orgID, rest[0])
	case 2:
		if rest[1] != "role" {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		a.handleMemberRole(w, r, orgID, rest[0])
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleMember(w http.ResponseWriter, r *http.Request, orgID, did string) {
	switch r.Method {
	case http.MethodGet:
		if err := a.requireMember(r, orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		m, err := a.dir.GetMember(r.Context(), orgID, did)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodPatch:
		// Members may edit their own profile; editing others needs
		// member.update.
		if a.actor(r) != did {
			if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("member.update")); err != nil {
				handleDomainError(w, err)
				return
			}
		} else if err := a.requireMember(r, orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		var req updateMemberRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		m, err := a.dir.UpdateMemberProfile(r.Context(), a.actor(r), orgID, did, directory.MemberProfileUpdate{
			DisplayName: req.DisplayName,
			Avatar:      req.Avatar,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodDelete:
		// Leaving is always allowed; removing someone else needs
		// member.remove.
		if a.actor(r) != did {
			if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("member.remove")); err != nil {
				handleDomainError(w, err)
				return
			}
		}
		if err := a.dir.RemoveMember(r.Context(), a.actor(r), orgID, did); err != nil {
			handleDomainError(w, err)
			return
		}
		if a.net != nil && did == a.id.CurrentDID() {
			_ = a.net.Leave(orgID)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "GET, PATCH, DELETE")
	}
}

func (a *API) handleMemberRole(w http.ResponseWriter, r *http.Request, orgID, did string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("member.update")); err != nil {
		handleDomainError(w, err)
		return
	}
	var req changeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.dir.ChangeMemberRole(r.Context(), a.actor(r), orgID, did, req.Role)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			if err := a.requireMember(r, orgID); err != nil {
				handleDomainError(w, err)
				return
			}
			roles, err := a.dir.ListRoles(r.Context(), orgID)
			if err != nil {
				handleDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
		case http.MethodPost:
			if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("role.manage")); err != nil {
				handleDomainError(w, err)
				return
			}
			var req roleRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			role, err := a.dir.CreateRole(r.Context(), a.actor(r), orgID, req.Name, req.Permissions)
			if err != nil {
				handleDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, role)
		default:
			methodNotAllowed(w, "GET, POST")
		}
	case 1:
		switch r.Method {
		case http.MethodPut:
			if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("role.manage")); err != nil {
				handleDomainError(w, err)
				return
			}
			var req roleRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			role, err := a.dir.UpdateRole(r.Context(), a.actor(r), orgID, rest[0], req.Permissions)
			if err != nil {
				handleDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		case http.MethodDelete:
			if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("role.manage")); err != nil {
				handleDomainError(w, err)
				return
			}
			if err := a.dir.DeleteRole(r.Context(), a.actor(r), orgID, rest[0]); err != nil {
				handleDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, "PUT, DELETE")
		}
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleOverrides(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if len(rest) == 1 && rest[0] == "purge" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("override.manage")); err != nil {
			handleDomainError(w, err)
			return
		}
		removed, err := a.engine.PurgeExpiredOverrides(r.Context(), orgID)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
		return
	}
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("override.manage")); err != nil {
			handleDomainError(w, err)
			return
		}
		overrides, err := a.dir.Store().ListOverrides(r.Context(), orgID, r.URL.Query().Get("user"))
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
	case http.MethodPost:
		if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("override.manage")); err != nil {
			handleDomainError(w, err)
			return
		}
		var req overrideRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		o := directory.Override{
			OrgID:        orgID,
			UserDID:      req.UserDID,
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Permission:   req.Permission,
			Granted:      req.Granted,
			ExpiresAt:    req.ExpiresAt,
		}
		if err := a.dir.SetOverride(r.Context(), a.actor(r), o); err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, o)
	case http.MethodDelete:
		if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("override.manage")); err != nil {
			handleDomainError(w, err)
			return
		}
		q := r.URL.Query()
		err := a.dir.RemoveOverride(r.Context(), a.actor(r), orgID,
			q.Get("user"), q.Get("resource_type"), q.Get("resource_id"), q.Get("permission"))
		if err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "GET, POST, DELETE")
	}
}

func (a *API) handleActivities(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("activity.read")); err != nil {
		handleDomainError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.dir.Activities(r.Context(), orgID, limit)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": entries})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := a.engine.Authorize(r.Context(), orgID, a.actor(r), permission.Require("audit.read")); err != nil {
		handleDomainError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.engine.Trail().List(r.Context(), orgID, limit)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if len(rest) != 1 || rest[0] != "check" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requireMember(r, orgID); err != nil {
		handleDomainError(w, err)
		return
	}
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userDID := req.UserDID
	if userDID == "" {
		userDID = a.actor(r)
	}
	var res *permission.Resource
	if req.ResourceType != "" && req.ResourceID != "" {
		res = &permission.Resource{Type: req.ResourceType, ID: req.ResourceID}
	}
	ctx := audit.WithRequestID(r.Context(), r.Header.Get("X-Request-Id"))
	granted, err := a.engine.Has(ctx, orgID, userDID, req.Permission, res)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"granted":    granted,
		"user_did":   userDID,
		"permission": req.Permission,
	})
}

// requireMember gates read endpoints on active membership.
func (a *API) requireMember(r *http.Request, orgID string) error {
	m, err := a.dir.GetMember(r.Context(), orgID, a.actor(r))
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("%w: not a member", permission.ErrDenied)
		}
		return err
	}
	if m.Status != directory.MemberStatusActive {
		return fmt.Errorf("%w: membership removed", permission.ErrDenied)
	}
	return nil
}

func identityFromRequest(req addMemberRequest) identity.Identity {
	return identity.Identity{DID: req.DID, DisplayName: req.DisplayName, Avatar: req.Avatar}
}
