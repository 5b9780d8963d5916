package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"orgmesh.org/internal/permission"
	"orgmesh.org/internal/topic"
)

type broadcastRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (a *API) handleNetwork(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if a.net == nil {
		writeError(w, http.StatusServiceUnavailable, "network not configured")
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	switch rest[0] {
	case "join":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := a.requireMember(r, orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		if err := a.net.Join(r.Context(), orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		st, _ := a.net.Stats(orgID)
		writeJSON(w, http.StatusOK, st)
	case "leave":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := a.net.Leave(orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "sync":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if a.sync == nil {
			writeError(w, http.StatusServiceUnavailable, "sync not configured")
			return
		}
		if err := a.sync.RequestSync(r.Context(), orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "requested"})
	case "broadcast":
		a.handleBroadcast(w, r, orgID)
	case "online":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if err := a.requireMember(r, orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		peers := a.net.OnlineMembers(orgID)
		writeJSON(w, http.StatusOK, map[string]any{"online": peers, "count": len(peers)})
	case "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if err := a.requireMember(r, orgID); err != nil {
			handleDomainError(w, err)
			return
		}
		st, ok := a.net.Stats(orgID)
		if !ok {
			handleDomainError(w, topic.ErrNotSubscribed)
			return
		}
		writeJSON(w, http.StatusOK, st)
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request, orgID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.engine.Authorize(r.Context(), orgID, a.actor(r),
		permission.RateLimited("broadcast.send"),
		permission.Require("broadcast.send"),
	); err != nil {
		handleDomainError(w, err)
		return
	}
	var req broadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgType := topic.TypeBroadcast
	if req.Type == "announcement" {
		msgType = topic.TypeAnnouncement
	}
	err := a.net.Broadcast(r.Context(), orgID, topic.Message{
		Type:    msgType,
		Payload: req.Payload,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

// handleEvents streams organization events over SSE until the client
// disconnects.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if a.net == nil {
		writeError(w, http.StatusServiceUnavailable, "network not configured")
		return
	}
	if err := a.requireMember(r, orgID); err != nil {
		handleDomainError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := a.net.Hub().Subscribe(r.Context())
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.OrgID != orgID {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
