// Package app holds the server-side application services: the room/user
// registry and the signaling relay built on top of it.
package app

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/domain"
)

// Registry is the process-wide store of rooms and users. Users are
// append-only; room membership mutations are serialized per room, so two
// concurrent joins to the same room can never interleave on its roster.
type Registry struct {
	mu         sync.RWMutex
	roomsByKey map[domain.RoomKey]*roomEntry
	usersByKey map[domain.UserKey]*domain.User
	usersByID  map[domain.UserID]*domain.User
}

// roomEntry pairs a room with the lock that linearizes its mutations.
type roomEntry struct {
	mu   sync.Mutex
	room *domain.Room
}

func NewRegistry() *Registry {
	return &Registry{
		roomsByKey: make(map[domain.RoomKey]*roomEntry),
		usersByKey: make(map[domain.UserKey]*domain.User),
		usersByID:  make(map[domain.UserID]*domain.User),
	}
}

// CreateUser registers a new user under fresh id/key. A duplicate id or key
// reports domain.ErrConflict and leaves the registry untouched.
func (r *Registry) CreateUser(username string) (*domain.User, error) {
	u, err := domain.NewUser(username)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.usersByKey[u.Key]; ok {
		return nil, domain.ErrConflict
	}
	if _, ok := r.usersByID[u.ID]; ok {
		return nil, domain.ErrConflict
	}
	r.usersByKey[u.Key] = u
	r.usersByID[u.ID] = u
	log.Info().Str("module", "app.registry").Str("user", string(u.ID)).Str("username", username).Msg("created user")
	return u, nil
}

func (r *Registry) FindUserByKey(key domain.UserKey) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.usersByKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

// CreateRoom registers a room under a fresh shareable key.
func (r *Registry) CreateRoom(name string, hostKey domain.UserKey) (*domain.Room, error) {
	key := domain.RoomKey(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roomsByKey[key]; ok {
		return nil, domain.ErrConflict
	}
	room := domain.NewRoom(key, name, hostKey)
	r.roomsByKey[key] = &roomEntry{room: room}
	log.Info().Str("module", "app.registry").Str("room", string(room.ID)).Str("name", name).Msg("created room")
	return room.Clone(), nil
}

// CreateOrGetRoom returns the room for key, creating it on the first join to
// an unknown key.
func (r *Registry) CreateOrGetRoom(key domain.RoomKey) *domain.Room {
	return r.entryFor(key).snapshot()
}

func (r *Registry) FindRoomByKey(key domain.RoomKey) (*domain.Room, error) {
	r.mu.RLock()
	e, ok := r.roomsByKey[key]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e.snapshot(), nil
}

// AddParticipant joins p to the room for key, creating the room if needed,
// and returns the resulting snapshot. Idempotent per ConnectionID.
func (r *Registry) AddParticipant(key domain.RoomKey, p domain.Participant) *domain.Room {
	e := r.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.room.AddParticipant(p) {
		log.Info().
			Str("module", "app.registry").
			Str("room", string(key)).
			Str("conn", string(p.ConnectionID)).
			Str("user", string(p.User.ID)).
			Msg("participant added")
	}
	return e.room.Clone()
}

// RemoveParticipant drops the connection from every room that contains it
// and returns a snapshot of each affected room. This is the only removal
// path; there is no explicit leave.
func (r *Registry) RemoveParticipant(id domain.ConnectionID) []*domain.Room {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.roomsByKey))
	for _, e := range r.roomsByKey {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var affected []*domain.Room
	for _, e := range entries {
		e.mu.Lock()
		if e.room.RemoveParticipant(id) {
			affected = append(affected, e.room.Clone())
		}
		e.mu.Unlock()
	}
	if len(affected) > 0 {
		log.Info().
			Str("module", "app.registry").
			Str("conn", string(id)).
			Int("rooms", len(affected)).
			Msg("participant removed")
	}
	return affected
}

// RoomInfo is a read-only listing view (no roster).
type RoomInfo struct {
	Key              domain.RoomKey `json:"key"`
	Name             string         `json:"name"`
	ParticipantCount int            `json:"participantCount"`
}

func (r *Registry) ListRooms() []RoomInfo {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.roomsByKey))
	for _, e := range r.roomsByKey {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(entries))
	for _, e := range entries {
		room := e.snapshot()
		out = append(out, RoomInfo{
			Key:              room.Key,
			Name:             room.Name,
			ParticipantCount: len(room.Participants),
		})
	}
	return out
}

// entryFor returns the entry for key, creating it if absent.
func (r *Registry) entryFor(key domain.RoomKey) *roomEntry {
	r.mu.RLock()
	e, ok := r.roomsByKey[key]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.roomsByKey[key]; ok {
		return e
	}
	e = &roomEntry{room: domain.NewRoom(key, "", "")}
	r.roomsByKey[key] = e
	log.Info().Str("module", "app.registry").Str("room", string(key)).Msg("room created on first join")
	return e
}

func (e *roomEntry) snapshot() *domain.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room.Clone()
}
