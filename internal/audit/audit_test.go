package audit

import (
	"context"
	"fmt"
	"testing"
)

func TestTrailRecordAndList(t *testing.T) {
	sink := NewMemorySink(0)
	trail := NewTrail(sink)
	ctx := context.Background()

	trail.Record(ctx, Entry{
		OrgID:    "org1",
		ActorDID: "did:orgmesh:abc",
		Action:   ActionCheck,
		Result:   ResultGranted,
		Context:  map[string]string{"permission": "knowledge.read"},
	})
	trail.Record(ctx, Entry{
		OrgID:    "org1",
		ActorDID: "did:orgmesh:abc",
		Action:   ActionRateLimit,
		Result:   ResultExceeded,
	})
	trail.Record(ctx, Entry{OrgID: "org2", ActorDID: "did:orgmesh:def", Action: ActionCheck, Result: ResultDenied})

	entries, err := trail.List(ctx, "org1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// Most recent first.
	if entries[0].Action != ActionRateLimit {
		t.Fatalf("expected ratelimit entry first, got %s", entries[0].Action)
	}
	if entries[1].ID == "" || entries[1].OccurredAt.IsZero() {
		t.Fatal("entry id/timestamp not filled in")
	}
}

func TestTrailRequestIDFromContext(t *testing.T) {
	sink := NewMemorySink(0)
	trail := NewTrail(sink)
	ctx := WithRequestID(context.Background(), "req-42")

	trail.Record(ctx, Entry{OrgID: "org1", ActorDID: "did:orgmesh:abc", Action: ActionCheck, Result: ResultGranted})

	entries, _ := trail.List(context.Background(), "org1", 1)
	if entries[0].Context["request_id"] != "req-42" {
		t.Fatalf("request id not propagated: %v", entries[0].Context)
	}
}

func TestMemorySinkEviction(t *testing.T) {
	sink := NewMemorySink(5)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_ = sink.Append(ctx, Entry{OrgID: "org1", ID: fmt.Sprintf("e%d", i)})
	}
	entries, _ := sink.List(ctx, "org1", 100)
	if len(entries) != 5 {
		t.Fatalf("entries = %d, want 5 after eviction", len(entries))
	}
	if entries[0].ID != "e7" {
		t.Fatalf("newest entry = %s, want e7", entries[0].ID)
	}
}
