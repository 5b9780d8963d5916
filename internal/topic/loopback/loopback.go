// Package loopback provides an in-process implementation of topic.Transport.
// It is the transport used by the demo binary and by tests: topics fan out to
// every subscribed endpoint, and direct messages are sealed with NaCl box so
// the point-to-point path exercises real encryption.
package loopback

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"orgmesh.org/internal/topic"
)

var (
	// ErrUnknownPeer is returned when sending to a DID with no registered
	// endpoint.
	ErrUnknownPeer = errors.New("loopback: unknown peer")

	// ErrSealedPayload is returned when a direct message fails to decrypt.
	ErrSealedPayload = errors.New("loopback: cannot open sealed payload")
)

// Bus connects endpoints within one process.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint          // by DID
	topics    map[string]map[int]*Endpoint  // topic -> endpoint id -> endpoint
	nextSub   int
	noPubSub  bool
}

// BusOption configures the Bus.
type BusOption func(*Bus)

// WithoutPubSub makes Subscribe fail with topic.ErrPubSubUnavailable, forcing
// networks on this bus into direct-fallback mode.
func WithoutPubSub() BusOption {
	return func(b *Bus) { b.noPubSub = true }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		endpoints: make(map[string]*Endpoint),
		topics:    make(map[string]map[int]*Endpoint),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Endpoint is one node's attachment to the bus. It satisfies topic.Transport.
type Endpoint struct {
	bus *Bus
	did string

	pub  *[32]byte
	priv *[32]byte

	mu      sync.RWMutex
	direct  func(data []byte)
	subIDs  map[int]string // subscription id -> topic
	handler map[int]func(data []byte)
}

// Attach registers a new endpoint for the DID, generating its box keypair.
func (b *Bus) Attach(did string) (*Endpoint, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box keypair: %w", err)
	}
	ep := &Endpoint{
		bus:     b,
		did:     did,
		pub:     pub,
		priv:    priv,
		subIDs:  make(map[int]string),
		handler: make(map[int]func(data []byte)),
	}
	b.mu.Lock()
	b.endpoints[did] = ep
	b.mu.Unlock()
	return ep, nil
}

// Detach removes the endpoint and all its subscriptions.
func (b *Bus) Detach(did string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[did]
	if !ok {
		return
	}
	delete(b.endpoints, did)
	for id, t := range ep.subIDs {
		if subs, ok := b.topics[t]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.topics, t)
			}
		}
	}
}

type loopbackSub struct {
	bus   *Bus
	ep    *Endpoint
	topic string
	id    int
}

func (s *loopbackSub) Unsubscribe() error {
	s.bus.mu.Lock()
	if subs, ok := s.bus.topics[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()

	s.ep.mu.Lock()
	delete(s.ep.subIDs, s.id)
	delete(s.ep.handler, s.id)
	s.ep.mu.Unlock()
	return nil
}

// Subscribe registers the handler for the topic.
func (e *Endpoint) Subscribe(_ context.Context, t string, handler func(data []byte)) (topic.Subscription, error) {
	e.bus.mu.Lock()
	if e.bus.noPubSub {
		e.bus.mu.Unlock()
		return nil, topic.ErrPubSubUnavailable
	}
	id := e.bus.nextSub
	e.bus.nextSub++
	subs, ok := e.bus.topics[t]
	if !ok {
		subs = make(map[int]*Endpoint)
		e.bus.topics[t] = subs
	}
	subs[id] = e
	e.bus.mu.Unlock()

	e.mu.Lock()
	e.subIDs[id] = t
	e.handler[id] = handler
	e.mu.Unlock()

	return &loopbackSub{bus: e.bus, ep: e, topic: t, id: id}, nil
}

// Publish delivers to every subscriber of the topic, the publisher included.
// Delivery is asynchronous, matching real pub/sub semantics.
func (e *Endpoint) Publish(_ context.Context, t string, data []byte) error {
	e.bus.mu.RLock()
	if e.bus.noPubSub {
		e.bus.mu.RUnlock()
		return topic.ErrPubSubUnavailable
	}
	targets := make([]*Endpoint, 0, len(e.bus.topics[t]))
	ids := make([]int, 0, len(e.bus.topics[t]))
	for id, ep := range e.bus.topics[t] {
		targets = append(targets, ep)
		ids = append(ids, id)
	}
	e.bus.mu.RUnlock()

	payload := append([]byte(nil), data...)
	for i, ep := range targets {
		ep.mu.RLock()
		h := ep.handler[ids[i]]
		ep.mu.RUnlock()
		if h != nil {
			go h(payload)
		}
	}
	return nil
}

// directEnvelope is the wire form of a sealed point-to-point message. The
// nonce travels in the clear; the payload only opens with the recipient's
// private key and the sender's registered public key.
type directEnvelope struct {
	From   string   `json:"from"`
	Nonce  [24]byte `json:"nonce"`
	Sealed []byte   `json:"sealed"`
}

// SendDirect seals the payload for the target and delivers it asynchronously.
func (e *Endpoint) SendDirect(_ context.Context, targetDID string, data []byte) error {
	e.bus.mu.RLock()
	target, ok := e.bus.endpoints[targetDID]
	e.bus.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, targetDID)
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	env := directEnvelope{
		From:   e.did,
		Nonce:  nonce,
		Sealed: box.Seal(nil, data, &nonce, target.pub, e.priv),
	}
	wire, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal direct envelope: %w", err)
	}
	go target.deliverDirect(wire)
	return nil
}

func (e *Endpoint) deliverDirect(wire []byte) {
	var env directEnvelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return
	}
	e.bus.mu.RLock()
	sender, ok := e.bus.endpoints[env.From]
	e.bus.mu.RUnlock()
	if !ok {
		return
	}
	plain, ok := box.Open(nil, env.Sealed, &env.Nonce, sender.pub, e.priv)
	if !ok {
		return
	}
	e.mu.RLock()
	h := e.direct
	e.mu.RUnlock()
	if h != nil {
		h(plain)
	}
}

// HandleDirect registers the handler for inbound direct messages.
func (e *Endpoint) HandleDirect(handler func(data []byte)) {
	e.mu.Lock()
	e.direct = handler
	e.mu.Unlock()
}
