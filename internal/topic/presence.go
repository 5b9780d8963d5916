package topic

import (
	"sort"
	"sync"
	"time"
)

// Modes of an organization subscription.
const (
	ModePubSub         = "pubsub"
	ModeDirectFallback = "direct-fallback"
)

// Peer is one member currently known to be online.
type Peer struct {
	DID         string    `json:"did"`
	DisplayName string    `json:"display_name,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// Stats summarizes one organization's subscription state.
type Stats struct {
	OrgID        string    `json:"org_id"`
	Topic        string    `json:"topic"`
	Mode         string    `json:"mode"`
	OnlineCount  int       `json:"online_count"`
	LastActivity time.Time `json:"last_activity"`
}

// orgState holds everything the network tracks per subscribed organization.
// All access goes through the registry's lock.
type orgState struct {
	topic        string
	mode         string
	sub          Subscription
	cancel       func()
	online       map[string]Peer
	lastActivity time.Time
}

// registry is the injectable per-organization state map. Owned by Network;
// never ambient global state.
type registry struct {
	mu   sync.RWMutex
	orgs map[string]*orgState
}

func newRegistry() *registry {
	return &registry{orgs: make(map[string]*orgState)}
}

func (r *registry) get(orgID string) (*orgState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.orgs[orgID]
	return st, ok
}

func (r *registry) put(orgID string, st *orgState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orgs[orgID]; exists {
		return false
	}
	r.orgs[orgID] = st
	return true
}

func (r *registry) remove(orgID string) (*orgState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.orgs[orgID]
	if ok {
		delete(r.orgs, orgID)
	}
	return st, ok
}

func (r *registry) markOnline(orgID string, p Peer) (added bool, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.orgs[orgID]
	if !ok {
		return false, 0
	}
	_, known := st.online[p.DID]
	st.online[p.DID] = p
	return !known, len(st.online)
}

func (r *registry) markOffline(orgID, did string) (removed bool, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.orgs[orgID]
	if !ok {
		return false, 0
	}
	if _, known := st.online[did]; !known {
		return false, len(st.online)
	}
	delete(st.online, did)
	return true, len(st.online)
}

func (r *registry) touch(orgID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.orgs[orgID]; ok {
		st.lastActivity = at
	}
}

// prune drops peers not heard from since the deadline.
func (r *registry) prune(orgID string, deadline time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.orgs[orgID]
	if !ok {
		return 0
	}
	for did, p := range st.online {
		if p.LastSeen.Before(deadline) {
			delete(st.online, did)
		}
	}
	return len(st.online)
}

func (r *registry) onlinePeers(orgID string) []Peer {
	r.mu.RLock()
	st, ok := r.orgs[orgID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.peersOf(st)
}

// peersOf snapshots the state's online set. It works on a state already
// removed from the map, so a departure announcement can still fan out to the
// peers known at removal time.
func (r *registry) peersOf(st *orgState) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]Peer, 0, len(st.online))
	for _, p := range st.online {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].DID < peers[j].DID })
	return peers
}

func (r *registry) stats(orgID string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.orgs[orgID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		OrgID:        orgID,
		Topic:        st.topic,
		Mode:         st.mode,
		OnlineCount:  len(st.online),
		LastActivity: st.lastActivity,
	}, true
}
