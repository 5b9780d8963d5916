package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"orgmesh.org/internal/topic"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := NewBus()
	a, err := bus.Attach("did:orgmesh:a")
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	b, err := bus.Attach("did:orgmesh:b")
	if err != nil {
		t.Fatalf("attach b: %v", err)
	}

	got := make(chan []byte, 1)
	sub, err := b.Subscribe(context.Background(), "orgmesh/org/x/v1", func(data []byte) {
		got <- data
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := a.Publish(context.Background(), "orgmesh/org/x/v1", []byte(`{"type":"HEARTBEAT"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case data := <-got:
		if string(data) != `{"type":"HEARTBEAT"}` {
			t.Fatalf("payload = %s", data)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber never received publish")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	a, _ := bus.Attach("did:orgmesh:a")
	b, _ := bus.Attach("did:orgmesh:b")

	got := make(chan []byte, 4)
	sub, err := b.Subscribe(context.Background(), "t", func(data []byte) { got <- data })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if err := a.Publish(context.Background(), "t", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-got:
		t.Fatalf("received after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendDirectDecryptsForRecipientOnly(t *testing.T) {
	bus := NewBus()
	a, _ := bus.Attach("did:orgmesh:a")
	b, _ := bus.Attach("did:orgmesh:b")

	got := make(chan []byte, 1)
	b.HandleDirect(func(data []byte) { got <- data })

	if err := a.SendDirect(context.Background(), "did:orgmesh:b", []byte("sealed hello")); err != nil {
		t.Fatalf("send direct: %v", err)
	}
	select {
	case data := <-got:
		if string(data) != "sealed hello" {
			t.Fatalf("plaintext = %q", data)
		}
	case <-time.After(time.Second):
		t.Fatalf("direct message never delivered")
	}
}

func TestSendDirectUnknownPeer(t *testing.T) {
	bus := NewBus()
	a, _ := bus.Attach("did:orgmesh:a")

	err := a.SendDirect(context.Background(), "did:orgmesh:nobody", []byte("x"))
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestWithoutPubSub(t *testing.T) {
	bus := NewBus(WithoutPubSub())
	a, _ := bus.Attach("did:orgmesh:a")

	if _, err := a.Subscribe(context.Background(), "t", func([]byte) {}); !errors.Is(err, topic.ErrPubSubUnavailable) {
		t.Fatalf("subscribe err = %v, want ErrPubSubUnavailable", err)
	}
	if err := a.Publish(context.Background(), "t", []byte("x")); !errors.Is(err, topic.ErrPubSubUnavailable) {
		t.Fatalf("publish err = %v, want ErrPubSubUnavailable", err)
	}
}

func TestDetachRemovesEndpoint(t *testing.T) {
	bus := NewBus()
	a, _ := bus.Attach("did:orgmesh:a")
	if _, err := bus.Attach("did:orgmesh:b"); err != nil {
		t.Fatalf("attach b: %v", err)
	}

	bus.Detach("did:orgmesh:b")
	if err := a.SendDirect(context.Background(), "did:orgmesh:b", []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer after detach", err)
	}
}
