package app

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/core"
	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

// Relay maps live signaling connections to (user, connectionId) pairs,
// brokers room membership and forwards handshake messages point to point.
// It never sees application data after the handshake.
type Relay struct {
	Registry *Registry
	policy   Policy

	mu    sync.RWMutex
	conns map[domain.ConnectionID]core.SignalConnection
	feeds map[domain.RoomKey]*roomFeed
	subs  map[domain.ConnectionID]map[domain.RoomKey]struct{}
}

func NewRelay(reg *Registry, policy Policy) *Relay {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Relay{
		Registry: reg,
		policy:   policy,
		conns:    make(map[domain.ConnectionID]core.SignalConnection),
		feeds:    make(map[domain.RoomKey]*roomFeed),
		subs:     make(map[domain.ConnectionID]map[domain.RoomKey]struct{}),
	}
}

// Bind registers a live transport handle under its freshly minted
// connection id. Must be called before any other operation for that id.
func (r *Relay) Bind(id domain.ConnectionID, conn core.SignalConnection) {
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()
	log.Info().Str("module", "app.relay").Str("conn", string(id)).Msg("connection bound")
}

// Join registers the caller as a participant of roomKey and publishes the
// updated room to every subscriber, the caller included. When userKey names
// an existing user that identity is reused; otherwise a fresh user is
// created from username.
func (r *Relay) Join(id domain.ConnectionID, roomKey domain.RoomKey, username string, userKey domain.UserKey) (*domain.User, *protocol.RoomSnapshot, error) {
	var user *domain.User
	if userKey != "" {
		if u, err := r.Registry.FindUserByKey(userKey); err == nil {
			user = u
		}
	}
	if user == nil {
		u, err := r.Registry.CreateUser(username)
		if err != nil {
			return nil, nil, err
		}
		user = u
	}

	// Subscribe before mutating so the caller cannot miss its own join.
	r.Subscribe(id, roomKey)

	room := r.Registry.AddParticipant(roomKey, domain.Participant{User: user, ConnectionID: id})
	snap := protocol.SnapshotOf(room)
	r.feedFor(roomKey).Publish(snap)

	log.Info().
		Str("module", "app.relay").
		Str("conn", string(id)).
		Str("room", string(roomKey)).
		Str("username", user.Username).
		Msg("joined room")
	return user, snap, nil
}

// Subscribe attaches the connection to the room's snapshot stream. The
// current state (or a null room) is pushed immediately, then every
// subsequent state until the connection goes away.
func (r *Relay) Subscribe(id domain.ConnectionID, roomKey domain.RoomKey) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	set, ok := r.subs[id]
	if !ok {
		set = make(map[domain.RoomKey]struct{})
		r.subs[id] = set
	}
	if _, already := set[roomKey]; already {
		r.mu.Unlock()
		return
	}
	set[roomKey] = struct{}{}
	r.mu.Unlock()

	// The seed travels with the subscription so the feed loop hands the
	// new subscriber current state first, never a null room for a room
	// that already exists.
	var seed *protocol.RoomSnapshot
	if room, err := r.Registry.FindRoomByKey(roomKey); err == nil {
		seed = protocol.SnapshotOf(room)
	}
	r.feedFor(roomKey).Subscribe(conn, seed)
}

// Forward delivers a handshake payload to the receiver verbatim, with the
// authenticated sender id attached. A missing receiver is logged and
// dropped; unicast relay is best-effort and the negotiating side owns the
// timeout.
func (r *Relay) Forward(kind protocol.SignalType, sender, receiver domain.ConnectionID, payload json.RawMessage) {
	if !kind.IsForward() {
		log.Warn().Str("module", "app.relay").Str("kind", string(kind)).Msg("not a forwardable kind")
		return
	}
	r.mu.RLock()
	conn, ok := r.conns[receiver]
	r.mu.RUnlock()
	if !ok {
		log.Debug().
			Str("module", "app.relay").
			Str("kind", string(kind)).
			Str("from", string(sender)).
			Str("to", string(receiver)).
			Msg("no live receiver, dropped")
		return
	}

	frame, err := json.Marshal(protocol.SignalMessage{
		Type:     kind,
		SenderID: string(sender),
		Payload:  payload,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal forward")
		return
	}
	if err := conn.TrySend(core.Frame(frame)); err != nil {
		log.Debug().
			Str("module", "app.relay").
			Str("to", string(receiver)).
			Err(err).
			Msg("forward dropped")
	}
}

// Disconnect removes the connection from the directory and from every room
// it participated in, republishing each affected room. The only path by
// which participants leave.
func (r *Relay) Disconnect(id domain.ConnectionID) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	var feeds []*roomFeed
	for key := range r.subs[id] {
		if f, ok := r.feeds[key]; ok {
			feeds = append(feeds, f)
		}
	}
	delete(r.subs, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, f := range feeds {
		f.Unsubscribe(conn)
	}
	for _, room := range r.Registry.RemoveParticipant(id) {
		r.feedFor(room.Key).Publish(protocol.SnapshotOf(room))
	}
	log.Info().Str("module", "app.relay").Str("conn", string(id)).Msg("disconnected")
}

// Close stops every room feed. Connections are owned by their adapters.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.feeds {
		f.Stop()
	}
	r.feeds = make(map[domain.RoomKey]*roomFeed)
}

func (r *Relay) feedFor(key domain.RoomKey) *roomFeed {
	r.mu.RLock()
	f, ok := r.feeds[key]
	r.mu.RUnlock()
	if ok {
		return f
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok = r.feeds[key]; ok {
		return f
	}
	f = newRoomFeed(key, r.policy)
	r.feeds[key] = f
	return f
}
