package topic_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/topic"
	"orgmesh.org/internal/topic/loopback"
)

const testOrg = "01JTESTORG000000000000000T"

type node struct {
	id  *identity.Local
	net *topic.Network
}

func newNode(t *testing.T, bus *loopback.Bus, seed byte, name string) *node {
	t.Helper()
	s := make([]byte, 32)
	s[0] = seed
	id, err := identity.NewLocalFromSeed(s, name, "")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	ep, err := bus.Attach(id.CurrentDID())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	net := topic.NewNetwork(ep, id, topic.NewHub(),
		topic.WithIntervals(50*time.Millisecond, 80*time.Millisecond))
	return &node{id: id, net: net}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestJoinDiscoversPeers(t *testing.T) {
	bus := loopback.NewBus()
	a := newNode(t, bus, 1, "alice")
	b := newNode(t, bus, 2, "bob")

	ctx := context.Background()
	if err := a.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := b.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join b: %v", err)
	}
	defer a.net.Leave(testOrg)
	defer b.net.Leave(testOrg)

	sees := func(n *node, did string) bool {
		for _, p := range n.net.OnlineMembers(testOrg) {
			if p.DID == did {
				return true
			}
		}
		return false
	}
	waitUntil(t, func() bool { return sees(a, b.id.CurrentDID()) })
	waitUntil(t, func() bool { return sees(b, a.id.CurrentDID()) })

	for _, p := range a.net.OnlineMembers(testOrg) {
		if p.DID == a.id.CurrentDID() {
			t.Fatalf("node tracks itself as an online peer")
		}
	}
}

func TestDirectFallbackMode(t *testing.T) {
	bus := loopback.NewBus(loopback.WithoutPubSub())
	a := newNode(t, bus, 3, "alice")

	if err := a.net.Join(context.Background(), testOrg); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer a.net.Leave(testOrg)

	st, ok := a.net.Stats(testOrg)
	if !ok {
		t.Fatalf("no stats after join")
	}
	if st.Mode != topic.ModeDirectFallback {
		t.Fatalf("mode = %q, want %q", st.Mode, topic.ModeDirectFallback)
	}
	if st.Topic != topic.TopicName(testOrg) {
		t.Fatalf("topic = %q", st.Topic)
	}
}

func TestJoinAndLeaveIdempotent(t *testing.T) {
	bus := loopback.NewBus()
	a := newNode(t, bus, 4, "alice")
	ctx := context.Background()

	if err := a.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := a.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("second join: %v", err)
	}

	if err := a.net.Leave(testOrg); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := a.net.Leave(testOrg); err != nil {
		t.Fatalf("second leave: %v", err)
	}

	if err := a.net.Broadcast(ctx, testOrg, topic.Message{Type: topic.TypeBroadcast}); err != topic.ErrNotSubscribed {
		t.Fatalf("broadcast after leave: %v, want ErrNotSubscribed", err)
	}
}

func TestBroadcastReachesHubSubscribers(t *testing.T) {
	bus := loopback.NewBus()
	a := newNode(t, bus, 5, "alice")
	b := newNode(t, bus, 6, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := b.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join b: %v", err)
	}
	defer a.net.Leave(testOrg)
	defer b.net.Leave(testOrg)

	events := b.net.Hub().Subscribe(ctx)

	payload, _ := json.Marshal(map[string]string{"text": "release at noon"})
	if err := a.net.Broadcast(ctx, testOrg, topic.Message{
		Type:    topic.TypeAnnouncement,
		Payload: payload,
	}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type != topic.TypeAnnouncement {
				continue // presence events may arrive first
			}
			if evt.Category != topic.CategoryBroadcast {
				t.Fatalf("category = %q", evt.Category)
			}
			if evt.SenderDID != a.id.CurrentDID() {
				t.Fatalf("sender = %q", evt.SenderDID)
			}
			if string(evt.Payload) != string(payload) {
				t.Fatalf("payload = %s", evt.Payload)
			}
			return
		case <-deadline:
			t.Fatalf("announcement never reached hub")
		}
	}
}

func TestDirectFallbackConverges(t *testing.T) {
	bus := loopback.NewBus(loopback.WithoutPubSub())
	a := newNode(t, bus, 7, "alice")
	b := newNode(t, bus, 8, "bob")

	ctx := context.Background()
	if err := a.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := b.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join b: %v", err)
	}
	defer a.net.Leave(testOrg)
	defer b.net.Leave(testOrg)

	// Without pub/sub, peers only learn of each other through discovery
	// fan-out over known members; seed one side so convergence can start.
	if err := a.net.SendDirect(ctx, b.id.CurrentDID(), topic.Message{
		Type:         topic.TypeDiscoveryRequest,
		OrgID:        testOrg,
		RequesterDID: a.id.CurrentDID(),
		DisplayName:  "alice",
	}); err != nil {
		t.Fatalf("seed discovery: %v", err)
	}

	sees := func(n *node, did string) bool {
		for _, p := range n.net.OnlineMembers(testOrg) {
			if p.DID == did {
				return true
			}
		}
		return false
	}
	waitUntil(t, func() bool { return sees(a, b.id.CurrentDID()) && sees(b, a.id.CurrentDID()) })
}

func TestDirectFallbackLeaveAnnouncesOffline(t *testing.T) {
	bus := loopback.NewBus(loopback.WithoutPubSub())
	// Hour-long timers: the departure must arrive via MEMBER_OFFLINE, not
	// heartbeat pruning.
	slowNode := func(seed byte, name string) *node {
		t.Helper()
		s := make([]byte, 32)
		s[0] = seed
		id, err := identity.NewLocalFromSeed(s, name, "")
		if err != nil {
			t.Fatalf("identity: %v", err)
		}
		ep, err := bus.Attach(id.CurrentDID())
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
		net := topic.NewNetwork(ep, id, topic.NewHub(),
			topic.WithIntervals(time.Hour, time.Hour))
		return &node{id: id, net: net}
	}
	a := slowNode(11, "alice")
	b := slowNode(12, "bob")

	ctx := context.Background()
	if err := a.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := b.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join b: %v", err)
	}
	defer a.net.Leave(testOrg)

	if err := a.net.SendDirect(ctx, b.id.CurrentDID(), topic.Message{
		Type:         topic.TypeDiscoveryRequest,
		OrgID:        testOrg,
		RequesterDID: a.id.CurrentDID(),
		DisplayName:  "alice",
	}); err != nil {
		t.Fatalf("seed discovery: %v", err)
	}
	sees := func(n *node, did string) bool {
		for _, p := range n.net.OnlineMembers(testOrg) {
			if p.DID == did {
				return true
			}
		}
		return false
	}
	waitUntil(t, func() bool { return sees(a, b.id.CurrentDID()) && sees(b, a.id.CurrentDID()) })

	if err := b.net.Leave(testOrg); err != nil {
		t.Fatalf("leave b: %v", err)
	}
	waitUntil(t, func() bool { return !sees(a, b.id.CurrentDID()) })
}

func TestStalePeersPruned(t *testing.T) {
	bus := loopback.NewBus()
	a := newNode(t, bus, 9, "alice")
	b := newNode(t, bus, 10, "bob")

	ctx := context.Background()
	if err := a.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := b.net.Join(ctx, testOrg); err != nil {
		t.Fatalf("join b: %v", err)
	}
	defer a.net.Leave(testOrg)

	waitUntil(t, func() bool { return len(a.net.OnlineMembers(testOrg)) == 1 })

	// A silent peer disappears after missing three heartbeats.
	if err := b.net.Leave(testOrg); err != nil {
		t.Fatalf("leave b: %v", err)
	}
	waitUntil(t, func() bool { return len(a.net.OnlineMembers(testOrg)) == 0 })
}
