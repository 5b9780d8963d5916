package topic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"orgmesh.org/internal/directory"
)

// Message types carried on an organization topic.
const (
	TypeMemberOnline  = "MEMBER_ONLINE"
	TypeMemberOffline = "MEMBER_OFFLINE"
	TypeMemberJoined  = "MEMBER_JOINED"
	TypeMemberLeft    = "MEMBER_LEFT"
	TypeMemberUpdated = "MEMBER_UPDATED"

	TypeDiscoveryRequest  = "DISCOVERY_REQUEST"
	TypeDiscoveryResponse = "DISCOVERY_RESPONSE"
	TypeHeartbeat         = "HEARTBEAT"

	TypeSyncRequest  = "SYNC_REQUEST"
	TypeSyncResponse = "SYNC_RESPONSE"

	TypeKnowledgeCreated = "KNOWLEDGE_CREATED"
	TypeKnowledgeUpdated = "KNOWLEDGE_UPDATED"
	TypeKnowledgeDeleted = "KNOWLEDGE_DELETED"

	TypeBroadcast    = "BROADCAST"
	TypeAnnouncement = "ANNOUNCEMENT"

	TypeInvitation         = "INVITATION"
	TypeInvitationResponse = "INVITATION_RESPONSE"
)

const topicNamespace = "orgmesh"

// TopicName derives the canonical, versioned topic for an organization.
func TopicName(orgID string) string {
	return topicNamespace + "/org/" + orgID + "/v1"
}

// Message is the envelope published to a topic or sent directly. Only the
// fields relevant to the Type are populated.
type Message struct {
	Type      string    `json:"type"`
	SenderDID string    `json:"sender_did"`
	OrgID     string    `json:"org_id"`
	Timestamp time.Time `json:"timestamp"`

	// Presence and discovery.
	DisplayName  string `json:"display_name,omitempty"`
	Status       string `json:"status,omitempty"`
	RequesterDID string `json:"requester_did,omitempty"`
	// TargetDID filters unicast-style replies carried on the broadcast
	// channel; peers ignore messages targeted at someone else.
	TargetDID string `json:"target_did,omitempty"`

	// Incremental sync.
	LocalVersion time.Time                 `json:"local_version,omitempty"`
	Entries      []directory.ActivityEntry `json:"entries,omitempty"`

	// Invitations, knowledge events, and free-form broadcasts.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the envelope.
func (m Message) Encode() ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("message type is required")
	}
	return json.Marshal(m)
}

// Decode parses an envelope, rejecting junk early.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(m.Type) == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}
