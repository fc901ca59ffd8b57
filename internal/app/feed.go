package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/core"
	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

const feedQueueLen = 64

// roomFeed is the fan-out channel for one room: an inbound mutation queue
// and one delivery queue per subscriber (the subscriber's own send buffer).
// One goroutine per feed; feeds for different rooms never block each other.
type roomFeed struct {
	key    domain.RoomKey
	policy Policy

	updates     chan *protocol.RoomSnapshot
	subscribe   chan feedJoin
	unsubscribe chan core.SignalConnection
	stop        chan struct{}
}

// feedJoin carries a new subscriber together with the snapshot current at
// subscribe time, so the first frame the subscriber sees is never older
// than the room state it subscribed against.
type feedJoin struct {
	conn core.SignalConnection
	seed *protocol.RoomSnapshot
}

func newRoomFeed(key domain.RoomKey, policy Policy) *roomFeed {
	f := &roomFeed{
		key:         key,
		policy:      policy,
		updates:     make(chan *protocol.RoomSnapshot, feedQueueLen),
		subscribe:   make(chan feedJoin, 8),
		unsubscribe: make(chan core.SignalConnection, 8),
		stop:        make(chan struct{}),
	}
	go f.run()
	return f
}

// Publish enqueues a snapshot for fan-out. Ordering is resolved by Seq in
// the feed loop, so concurrent publishers cannot reorder what subscribers
// observe.
func (f *roomFeed) Publish(snap *protocol.RoomSnapshot) {
	select {
	case f.updates <- snap:
	case <-f.stop:
	}
}

func (f *roomFeed) Subscribe(conn core.SignalConnection, seed *protocol.RoomSnapshot) {
	select {
	case f.subscribe <- feedJoin{conn: conn, seed: seed}:
	case <-f.stop:
	}
}

func (f *roomFeed) Unsubscribe(conn core.SignalConnection) {
	select {
	case f.unsubscribe <- conn:
	case <-f.stop:
	}
}

func (f *roomFeed) Stop() { close(f.stop) }

func (f *roomFeed) run() {
	subs := make(map[core.SignalConnection]struct{})
	var last *protocol.RoomSnapshot

	for {
		select {
		case <-f.stop:
			return

		case j := <-f.subscribe:
			subs[j.conn] = struct{}{}
			if j.seed != nil && (last == nil || j.seed.Seq > last.Seq) {
				last = j.seed
			}
			// Immediate current state; a null room means "does not exist yet".
			if frame := f.marshal(last); frame != nil {
				f.send(j.conn, subs, frame)
			}

		case conn := <-f.unsubscribe:
			delete(subs, conn)

		case snap := <-f.updates:
			if last != nil && snap.Seq <= last.Seq {
				// A publisher lost the race after its mutation; the newer
				// state already went out.
				continue
			}
			last = snap
			frame := f.marshal(last)
			if frame == nil {
				continue
			}
			for conn := range subs {
				f.send(conn, subs, frame)
			}
		}
	}
}

func (f *roomFeed) marshal(snap *protocol.RoomSnapshot) core.Frame {
	frame, err := json.Marshal(protocol.SignalMessage{
		Type:    protocol.SignalRoom,
		RoomKey: string(f.key),
		Room:    snap,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.feed").Str("room", string(f.key)).Msg("marshal snapshot")
		return nil
	}
	return core.Frame(frame)
}

func (f *roomFeed) send(conn core.SignalConnection, subs map[core.SignalConnection]struct{}, frame core.Frame) {
	if err := conn.TrySend(frame); err != nil {
		switch f.policy.OnBackpressure(f.key, conn) {
		case KickSubscriber:
			delete(subs, conn)
			log.Warn().Str("module", "app.feed").Str("room", string(f.key)).Msg("slow subscriber dropped")
		case DropSnapshot, NoAction:
		}
	}
}
