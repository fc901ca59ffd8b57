package domain

import "github.com/google/uuid"

type (
	RoomID  string
	RoomKey string

	// ConnectionID identifies one live transport session. A user that
	// reconnects gets a fresh ConnectionID; it is the unit of mesh
	// membership, never the UserID.
	ConnectionID string
)

// Participant is one live connection's membership record within a Room.
type Participant struct {
	User         *User        `json:"user"`
	ConnectionID ConnectionID `json:"connectionId"`
}

// Room is a named mesh of participants. Participants are kept in join
// order; membership mutations bump Seq so subscribers can order snapshots.
type Room struct {
	ID           RoomID        `json:"id"`
	Key          RoomKey       `json:"key"`
	Name         string        `json:"name"`
	HostKey      UserKey       `json:"hostKey"`
	Participants []Participant `json:"participants"`
	Seq          uint64        `json:"seq"`
}

func NewRoom(key RoomKey, name string, hostKey UserKey) *Room {
	if name == "" {
		name = string(key)
	}
	return &Room{
		ID:      RoomID(uuid.NewString()),
		Key:     key,
		Name:    name,
		HostKey: hostKey,
	}
}

// AddParticipant appends p in join order and bumps Seq. Re-adding the same
// ConnectionID is a no-op and reports false.
func (r *Room) AddParticipant(p Participant) bool {
	if r.IndexOf(p.ConnectionID) >= 0 {
		return false
	}
	r.Participants = append(r.Participants, p)
	r.Seq++
	return true
}

// RemoveParticipant removes the entry for id, preserving the join order of
// the rest, and bumps Seq. Reports whether the room changed.
func (r *Room) RemoveParticipant(id ConnectionID) bool {
	i := r.IndexOf(id)
	if i < 0 {
		return false
	}
	r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
	r.Seq++
	return true
}

// IndexOf returns the roster position of id, or -1.
func (r *Room) IndexOf(id ConnectionID) int {
	for i, p := range r.Participants {
		if p.ConnectionID == id {
			return i
		}
	}
	return -1
}

// Clone returns a snapshot copy safe to hand out after the room lock is
// released. User pointers are shared; users are immutable.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Participants = make([]Participant, len(r.Participants))
	copy(cp.Participants, r.Participants)
	return &cp
}
