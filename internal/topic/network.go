// Package topic implements the per-organization membership, heartbeat, and
// discovery protocol over an injected peer-to-peer transport.
package topic

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/obs"
)

// Timer defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDiscoveryInterval = 60 * time.Second
)

// Handler processes protocol messages delegated by the network (sync
// requests/responses, invitations).
type Handler func(ctx context.Context, msg Message)

// Network drives one node's participation in organization topics: it owns the
// per-organization subscription state machine, presence tracking, and the
// heartbeat and discovery timers.
type Network struct {
	transport Transport
	id        identity.Provider
	hub       *Hub
	reg       *registry

	hbInterval   time.Duration
	discInterval time.Duration
	now          func() time.Time

	// sendLimiter bounds the direct-fallback fan-out burst.
	sendLimiter *rate.Limiter

	handlerMu     sync.RWMutex
	syncHandler   Handler
	inviteHandler Handler
}

// NetworkOption configures Network.
type NetworkOption func(*Network)

// WithIntervals overrides the heartbeat and discovery timer intervals.
func WithIntervals(heartbeat, discovery time.Duration) NetworkOption {
	return func(n *Network) {
		if heartbeat > 0 {
			n.hbInterval = heartbeat
		}
		if discovery > 0 {
			n.discInterval = discovery
		}
	}
}

// WithNetworkClock overrides the time source, for tests.
func WithNetworkClock(now func() time.Time) NetworkOption {
	return func(n *Network) {
		if now != nil {
			n.now = now
		}
	}
}

// WithSendRate bounds outbound direct fan-out to r messages/sec with the
// given burst.
func WithSendRate(r rate.Limit, burst int) NetworkOption {
	return func(n *Network) {
		n.sendLimiter = rate.NewLimiter(r, burst)
	}
}

// NewNetwork wires the network to the transport and registers the direct
// message handler.
func NewNetwork(transport Transport, id identity.Provider, hub *Hub, opts ...NetworkOption) *Network {
	if hub == nil {
		hub = NewHub()
	}
	n := &Network{
		transport:    transport,
		id:           id,
		hub:          hub,
		reg:          newRegistry(),
		hbInterval:   DefaultHeartbeatInterval,
		discInterval: DefaultDiscoveryInterval,
		now:          time.Now,
		sendLimiter:  rate.NewLimiter(rate.Limit(200), 400),
	}
	for _, opt := range opts {
		opt(n)
	}
	transport.HandleDirect(n.handleDirect)
	return n
}

// Hub returns the event hub for subscribers.
func (n *Network) Hub() *Hub { return n.hub }

// SetSyncHandler registers the sync engine's message handler.
func (n *Network) SetSyncHandler(h Handler) {
	n.handlerMu.Lock()
	n.syncHandler = h
	n.handlerMu.Unlock()
}

// SetInviteHandler registers the invitation protocol's message handler.
func (n *Network) SetInviteHandler(h Handler) {
	n.handlerMu.Lock()
	n.inviteHandler = h
	n.handlerMu.Unlock()
}

// Join subscribes to the organization topic and starts the heartbeat and
// discovery timers. When the transport has no pub/sub the subscription runs
// in direct-fallback mode: broadcasts fan out to currently known online
// members, which reaches newly joined peers only after the next discovery
// cycle (bounded staleness, converges via heartbeat/discovery).
// Join is idempotent.
func (n *Network) Join(ctx context.Context, orgID string) error {
	st := &orgState{
		topic:        TopicName(orgID),
		mode:         ModePubSub,
		online:       make(map[string]Peer),
		lastActivity: n.now().UTC(),
	}
	if !n.reg.put(orgID, st) {
		return nil
	}

	sub, err := n.transport.Subscribe(ctx, st.topic, func(data []byte) {
		n.handleInbound(orgID, data)
	})
	switch {
	case err == nil:
		st.sub = sub
	case err == ErrPubSubUnavailable:
		st.mode = ModeDirectFallback
		obs.LogEvent(map[string]any{
			"level":  "warn",
			"msg":    "pub/sub unavailable, using direct-message fallback",
			"org_id": orgID,
		})
	default:
		n.reg.remove(orgID)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	go n.heartbeatLoop(loopCtx, orgID)
	go n.discoveryLoop(loopCtx, orgID)

	me := n.id.Current()
	n.send(ctx, st, Message{
		Type:        TypeMemberOnline,
		DisplayName: me.DisplayName,
		Status:      "online",
		OrgID:       orgID,
	})
	return nil
}

// Leave stops both timers, announces MEMBER_OFFLINE, and tears down the
// subscription. Idempotent.
func (n *Network) Leave(orgID string) error {
	st, ok := n.reg.remove(orgID)
	if !ok {
		return nil
	}
	if st.cancel != nil {
		st.cancel()
	}
	n.send(context.Background(), st, Message{Type: TypeMemberOffline, OrgID: orgID})
	if st.sub != nil {
		if err := st.sub.Unsubscribe(); err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "unsubscribe failed",
				"org_id": orgID, "error": err.Error(),
			})
		}
	}
	obs.SetOnlineMembers(orgID, 0)
	return nil
}

// Subscribed reports whether the node participates in the organization topic.
func (n *Network) Subscribed(orgID string) bool {
	_, ok := n.reg.get(orgID)
	return ok
}

// Broadcast publishes a message on the organization topic (or fans it out
// directly in fallback mode). The envelope's sender and timestamp are filled
// in here.
func (n *Network) Broadcast(ctx context.Context, orgID string, msg Message) error {
	st, ok := n.reg.get(orgID)
	if !ok {
		return ErrNotSubscribed
	}
	msg.OrgID = orgID
	return n.send(ctx, st, msg)
}

// SendDirect delivers an envelope to one peer over the encrypted direct path.
func (n *Network) SendDirect(ctx context.Context, targetDID string, msg Message) error {
	msg.SenderDID = n.id.CurrentDID()
	msg.Timestamp = n.now().UTC()
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	obs.MessageSent(msg.Type)
	if err := n.transport.SendDirect(ctx, targetDID, data); err != nil {
		obs.SendFailed()
		return err
	}
	return nil
}

// OnlineMembers lists peers currently known online for the organization.
func (n *Network) OnlineMembers(orgID string) []Peer {
	return n.reg.onlinePeers(orgID)
}

// Stats summarizes the subscription state for the organization.
func (n *Network) Stats(orgID string) (Stats, bool) {
	return n.reg.stats(orgID)
}

func (n *Network) send(ctx context.Context, st *orgState, msg Message) error {
	msg.SenderDID = n.id.CurrentDID()
	msg.Timestamp = n.now().UTC()
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	obs.MessageSent(msg.Type)

	if st.mode == ModePubSub {
		if err := n.transport.Publish(ctx, st.topic, data); err != nil {
			obs.SendFailed()
			return err
		}
		return nil
	}

	// Direct fallback: fan out to every currently known online member. The
	// snapshot comes from the state handle, not a registry lookup, so a
	// MEMBER_OFFLINE sent during Leave still reaches the peers known at
	// removal time.
	var firstErr error
	for _, peer := range n.reg.peersOf(st) {
		if peer.DID == msg.SenderDID {
			continue
		}
		if err := n.sendLimiter.Wait(ctx); err != nil {
			return err
		}
		if err := n.transport.SendDirect(ctx, peer.DID, data); err != nil {
			obs.SendFailed()
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "direct fan-out send failed",
				"org_id": msg.OrgID, "target": peer.DID, "error": err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *Network) handleInbound(orgID string, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "dropping malformed message", "org_id": orgID, "error": err.Error()})
		return
	}
	if msg.SenderDID == n.id.CurrentDID() {
		return // ignore own echo
	}
	obs.MessageReceived(msg.Type)
	n.reg.touch(orgID, n.now().UTC())
	n.dispatch(context.Background(), orgID, msg)
}

// handleDirect routes inbound point-to-point messages. Invitations are
// dispatched even for organizations the node is not subscribed to: the
// invitee is not a member yet.
func (n *Network) handleDirect(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "dropping malformed direct message", "error": err.Error()})
		return
	}
	if msg.SenderDID == n.id.CurrentDID() {
		return
	}
	obs.MessageReceived(msg.Type)

	switch msg.Type {
	case TypeInvitation, TypeInvitationResponse:
		n.delegate(&n.inviteHandler, msg)
		return
	}
	if _, ok := n.reg.get(msg.OrgID); !ok {
		return
	}
	n.reg.touch(msg.OrgID, n.now().UTC())
	n.dispatch(context.Background(), msg.OrgID, msg)
}

func (n *Network) dispatch(ctx context.Context, orgID string, msg Message) {
	now := n.now().UTC()
	switch msg.Type {
	case TypeHeartbeat, TypeMemberOnline:
		added, count := n.reg.markOnline(orgID, Peer{DID: msg.SenderDID, DisplayName: msg.DisplayName, LastSeen: now})
		obs.SetOnlineMembers(orgID, count)
		if added {
			n.hub.Publish(Event{Category: CategoryMembership, Type: TypeMemberOnline, OrgID: orgID, SenderDID: msg.SenderDID, At: now})
		}

	case TypeMemberOffline, TypeMemberLeft:
		removed, count := n.reg.markOffline(orgID, msg.SenderDID)
		obs.SetOnlineMembers(orgID, count)
		if removed || msg.Type == TypeMemberLeft {
			n.hub.Publish(Event{Category: CategoryMembership, Type: msg.Type, OrgID: orgID, SenderDID: msg.SenderDID, At: now})
		}

	case TypeMemberJoined, TypeMemberUpdated:
		n.hub.Publish(Event{Category: CategoryMembership, Type: msg.Type, OrgID: orgID, SenderDID: msg.SenderDID, Payload: msg.Payload, At: now})

	case TypeDiscoveryRequest:
		// The requester is evidently online; answer on the same channel,
		// addressed so other peers ignore the reply.
		n.reg.markOnline(orgID, Peer{DID: msg.SenderDID, DisplayName: msg.DisplayName, LastSeen: now})
		me := n.id.Current()
		if err := n.Broadcast(ctx, orgID, Message{
			Type:        TypeDiscoveryResponse,
			TargetDID:   msg.SenderDID,
			DisplayName: me.DisplayName,
			Status:      "online",
		}); err != nil {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "discovery response failed", "org_id": orgID, "error": err.Error()})
		}

	case TypeDiscoveryResponse:
		if msg.TargetDID != n.id.CurrentDID() {
			return
		}
		_, count := n.reg.markOnline(orgID, Peer{DID: msg.SenderDID, DisplayName: msg.DisplayName, LastSeen: now})
		obs.SetOnlineMembers(orgID, count)

	case TypeSyncRequest, TypeSyncResponse:
		n.delegate(&n.syncHandler, msg)

	case TypeKnowledgeCreated, TypeKnowledgeUpdated, TypeKnowledgeDeleted:
		n.hub.Publish(Event{Category: CategoryKnowledge, Type: msg.Type, OrgID: orgID, SenderDID: msg.SenderDID, Payload: msg.Payload, At: now})

	case TypeBroadcast, TypeAnnouncement:
		n.hub.Publish(Event{Category: CategoryBroadcast, Type: msg.Type, OrgID: orgID, SenderDID: msg.SenderDID, Payload: msg.Payload, At: now})

	case TypeInvitation, TypeInvitationResponse:
		n.delegate(&n.inviteHandler, msg)
	}
}

func (n *Network) delegate(slot *Handler, msg Message) {
	n.handlerMu.RLock()
	h := *slot
	n.handlerMu.RUnlock()
	if h != nil {
		h(context.Background(), msg)
	}
}

func (n *Network) heartbeatLoop(ctx context.Context, orgID string) {
	ticker := time.NewTicker(n.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			me := n.id.Current()
			if err := n.Broadcast(ctx, orgID, Message{
				Type:        TypeHeartbeat,
				DisplayName: me.DisplayName,
				Status:      "online",
			}); err != nil {
				// Swallowed per tick; the next fire retries.
				obs.LogEvent(map[string]any{"level": "warn", "msg": "heartbeat failed", "org_id": orgID, "error": err.Error()})
			}
			count := n.reg.prune(orgID, n.now().Add(-3*n.hbInterval))
			obs.SetOnlineMembers(orgID, count)
		}
	}
}

func (n *Network) discoveryLoop(ctx context.Context, orgID string) {
	send := func() {
		if err := n.Broadcast(ctx, orgID, Message{
			Type:         TypeDiscoveryRequest,
			RequesterDID: n.id.CurrentDID(),
			DisplayName:  n.id.Current().DisplayName,
		}); err != nil {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "discovery request failed", "org_id": orgID, "error": err.Error()})
		}
	}
	send() // immediate first run

	ticker := time.NewTicker(n.discInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}
