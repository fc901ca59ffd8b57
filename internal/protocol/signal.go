// Package protocol defines the wire surface: the signaling messages carried
// over the relay WebSocket and the application envelope carried over open
// data channels.
package protocol

import (
	"encoding/json"

	"github.com/okorolev/Board/internal/domain"
)

type SignalType string

const (
	// Client -> relay.
	SignalJoin      SignalType = "join"
	SignalSubscribe SignalType = "subscribe"
	SignalPing      SignalType = "ping"

	// Relayed point-to-point between peers. The relay overwrites the sender
	// field with the authenticated connection id and forwards the payload
	// verbatim.
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "icecandidate"

	// Relay -> client.
	SignalConnected SignalType = "connected"
	SignalJoined    SignalType = "joined"
	SignalRoom      SignalType = "room"
	SignalPong      SignalType = "pong"
	SignalError     SignalType = "error"
)

// IsForward reports whether t is one of the point-to-point kinds the relay
// forwards without inspecting.
func (t SignalType) IsForward() bool {
	return t == SignalOffer || t == SignalAnswer || t == SignalCandidate
}

// ParticipantInfo is the read-only roster view of one participant.
type ParticipantInfo struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
}

// RoomSnapshot is the room state published to subscribers. Seq is a per-room
// monotone sequence; every subscriber observes snapshots in Seq order.
// Participants are listed in join order.
type RoomSnapshot struct {
	Seq          uint64            `json:"seq"`
	Key          string            `json:"key"`
	Name         string            `json:"name"`
	Participants []ParticipantInfo `json:"participants"`
}

// IndexOf returns the roster position of connectionID, or -1.
func (s *RoomSnapshot) IndexOf(connectionID string) int {
	for i, p := range s.Participants {
		if p.ConnectionID == connectionID {
			return i
		}
	}
	return -1
}

// SnapshotOf converts a registry room copy into its published form.
func SnapshotOf(r *domain.Room) *RoomSnapshot {
	snap := &RoomSnapshot{
		Seq:          r.Seq,
		Key:          string(r.Key),
		Name:         r.Name,
		Participants: make([]ParticipantInfo, 0, len(r.Participants)),
	}
	for _, p := range r.Participants {
		snap.Participants = append(snap.Participants, ParticipantInfo{
			UserID:       string(p.User.ID),
			Username:     p.User.Username,
			ConnectionID: string(p.ConnectionID),
		})
	}
	return snap
}

// SignalMessage is the single envelope exchanged over the signaling socket.
// Which fields are set depends on Type.
type SignalMessage struct {
	Type SignalType `json:"type"`

	RoomKey  string `json:"roomKey,omitempty"`
	Username string `json:"username,omitempty"`
	UserKey  string `json:"userKey,omitempty"`

	SenderID   string          `json:"senderId,omitempty"`
	ReceiverID string          `json:"receiverId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Room is nil in a SignalRoom push when the room does not exist yet.
	Room         *RoomSnapshot `json:"room,omitempty"`
	ConnectionID string        `json:"connectionId,omitempty"`
	Error        string        `json:"error,omitempty"`
}
