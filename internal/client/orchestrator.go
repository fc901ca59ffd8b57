// Package client turns a room roster into a reconciled set of live peer
// links and carries the application messaging protocol over them.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

type PeerEventKind int

const (
	PeerJoined PeerEventKind = iota
	PeerLeft
	PeerFailed
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerLeft:
		return "left"
	case PeerFailed:
		return "failed"
	}
	return "unknown"
}

// PeerEvent is what the application layer consumes: a peer's link opened,
// closed, or never made it.
type PeerEvent struct {
	Kind PeerEventKind
	Peer protocol.ParticipantInfo
}

// Orchestrator owns the connectionId -> PeerLink map and keeps it
// continuously reconciled with the room roster. All lifecycle changes to
// links happen on the Run loop; nothing else mutates the map.
type Orchestrator struct {
	localID domain.ConnectionID
	signals SignalSender
	factory TransportFactory
	timeout time.Duration

	snapshots <-chan *protocol.RoomSnapshot
	forwards  <-chan protocol.SignalMessage

	linkEvents chan linkEvent
	events     chan PeerEvent
	bus        *Bus

	mu    sync.RWMutex
	links map[domain.ConnectionID]*PeerLink
}

func NewOrchestrator(
	localID domain.ConnectionID,
	signals SignalSender,
	factory TransportFactory,
	snapshots <-chan *protocol.RoomSnapshot,
	forwards <-chan protocol.SignalMessage,
	timeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		localID:    localID,
		signals:    signals,
		factory:    factory,
		timeout:    timeout,
		snapshots:  snapshots,
		forwards:   forwards,
		linkEvents: make(chan linkEvent, 128),
		events:     make(chan PeerEvent, 64),
		bus:        NewBus(),
	}
}

// Events is the join/leave/failed stream for application consumption.
func (o *Orchestrator) Events() <-chan PeerEvent { return o.events }

// Bus routes inbound application envelopes to subscribers by event name.
func (o *Orchestrator) Bus() *Bus { return o.bus }

// LocalID returns the local participant's connection id.
func (o *Orchestrator) LocalID() domain.ConnectionID { return o.localID }

// Run processes roster snapshots, forwarded handshake messages and link
// events until ctx ends or the snapshot stream closes. One reconciliation
// pass or callback runs to completion before the next is processed.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.teardownAll()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-o.snapshots:
			if !ok {
				return
			}
			o.reconcile(snap)
		case msg, ok := <-o.forwards:
			if !ok {
				return
			}
			o.drainSnapshots()
			o.route(msg)
		case ev := <-o.linkEvents:
			o.onLinkEvent(ev)
		}
	}
}

// drainSnapshots applies every roster snapshot already queued. The relay
// writes its stream in order, but snapshots and forwards arrive here on
// separate channels; a handshake message must never be routed before the
// snapshot that introduced its sender.
func (o *Orchestrator) drainSnapshots() {
	for {
		select {
		case snap, ok := <-o.snapshots:
			if !ok {
				return
			}
			o.reconcile(snap)
		default:
			return
		}
	}
}

// reconcile diffs the roster against live links. Matching is by
// ConnectionID, never by UserID: the same user reconnecting is a new peer.
// Stale links are torn down before anything else is touched.
func (o *Orchestrator) reconcile(snap *protocol.RoomSnapshot) {
	var roster []protocol.ParticipantInfo
	if snap != nil {
		roster = snap.Participants
	}

	// Latest connection per user; an older connection of the same user
	// still listed is a leftover to tear down.
	latest := make(map[string]string, len(roster))
	localIdx := -1
	for i, p := range roster {
		latest[p.UserID] = p.ConnectionID
		if p.ConnectionID == string(o.localID) {
			localIdx = i
		}
	}

	for id, link := range o.snapshotLinks() {
		stale := true
		if snap != nil && snap.IndexOf(string(id)) >= 0 && latest[link.remote.UserID] == string(id) {
			stale = false
		}
		if localIdx < 0 {
			// We are not in the roster ourselves; every link is stale.
			stale = true
		}
		if stale {
			o.dropLink(id, link)
			o.publish(PeerEvent{Kind: PeerLeft, Peer: link.remote})
		}
	}
	if localIdx < 0 {
		return
	}

	for i, p := range roster {
		if p.ConnectionID == string(o.localID) {
			continue
		}
		if latest[p.UserID] != p.ConnectionID {
			// The same user appears again later in the roster under a
			// newer connection; this entry is a zombie the relay has not
			// reaped yet. Never dial it.
			continue
		}
		id := domain.ConnectionID(p.ConnectionID)
		if o.lookup(id) != nil {
			continue
		}
		// The later joiner dials each earlier participant. Both sides
		// compute this independently from the same snapshot and exactly one
		// of them comes out initiator.
		initiator := localIdx > i
		transport, err := o.factory(id)
		if err != nil {
			log.Error().Err(err).Str("module", "client.orch").Str("remote", p.ConnectionID).Msg("transport create")
			o.publish(PeerEvent{Kind: PeerFailed, Peer: p})
			continue
		}
		link := newPeerLink(p, initiator, transport, o.signals, o.linkEvents, o.timeout)
		o.storeLink(id, link)
		link.start()
		log.Info().
			Str("module", "client.orch").
			Str("remote", p.ConnectionID).
			Bool("initiator", initiator).
			Msg("link created")
	}
}

// route dispatches a forwarded handshake message to the link it belongs to.
// Messages for unknown links are dropped; the roster snapshot that creates
// the link has not arrived yet, or the link is already gone.
func (o *Orchestrator) route(msg protocol.SignalMessage) {
	link := o.lookup(domain.ConnectionID(msg.SenderID))
	if link == nil {
		log.Debug().Str("module", "client.orch").Str("from", msg.SenderID).Str("kind", string(msg.Type)).Msg("no link for signal, dropped")
		return
	}
	switch msg.Type {
	case protocol.SignalOffer, protocol.SignalAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &sd); err != nil {
			log.Warn().Err(err).Str("module", "client.orch").Msg("bad session description")
			return
		}
		if msg.Type == protocol.SignalOffer {
			link.handleOffer(sd)
		} else {
			link.handleAnswer(sd)
		}
	case protocol.SignalCandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &ci); err != nil {
			log.Warn().Err(err).Str("module", "client.orch").Msg("bad candidate")
			return
		}
		link.handleCandidate(ci)
	}
}

// onLinkEvent ignores events from links that are no longer current for
// their connection id, so a torn-down link cannot resurrect itself.
func (o *Orchestrator) onLinkEvent(ev linkEvent) {
	id := domain.ConnectionID(ev.link.remote.ConnectionID)
	if o.lookup(id) != ev.link {
		log.Debug().Str("module", "client.orch").Str("remote", ev.link.remote.ConnectionID).Msg("stale link event, dropped")
		return
	}
	switch ev.kind {
	case linkOpened:
		o.publish(PeerEvent{Kind: PeerJoined, Peer: ev.link.remote})
	case linkFailed:
		o.removeLink(id)
		o.publish(PeerEvent{Kind: PeerFailed, Peer: ev.link.remote})
	case linkClosed:
		o.removeLink(id)
		o.publish(PeerEvent{Kind: PeerLeft, Peer: ev.link.remote})
	case linkData:
		env, err := protocol.DecodeEnvelope(ev.data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.orch").Str("from", ev.link.remote.ConnectionID).Msg("bad envelope")
			return
		}
		o.bus.Publish(env.Event, domain.ConnectionID(env.SenderID), env.Payload)
	}
}

// Broadcast delivers an application event to every currently-open link.
func (o *Orchestrator) Broadcast(event string, payload any) error {
	data, err := protocol.EncodeEnvelope(event, string(o.localID), payload)
	if err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, link := range o.links {
		if link.State() == LinkOpen {
			link.send(data)
		}
	}
	return nil
}

// SendTo delivers an application event to a single peer. Best effort: a
// missing or unopened link is a silent no-op, matching relay unicast.
func (o *Orchestrator) SendTo(id domain.ConnectionID, event string, payload any) error {
	data, err := protocol.EncodeEnvelope(event, string(o.localID), payload)
	if err != nil {
		return err
	}
	if link := o.lookup(id); link != nil && link.State() == LinkOpen {
		link.send(data)
	}
	return nil
}

// OpenPeers lists participants with a currently-open link.
func (o *Orchestrator) OpenPeers() []protocol.ParticipantInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]protocol.ParticipantInfo, 0, len(o.links))
	for _, link := range o.links {
		if link.State() == LinkOpen {
			out = append(out, link.remote)
		}
	}
	return out
}

func (o *Orchestrator) publish(ev PeerEvent) {
	select {
	case o.events <- ev:
	default:
		log.Warn().Str("module", "client.orch").Str("kind", ev.Kind.String()).Msg("event dropped, slow consumer")
	}
}

func (o *Orchestrator) teardownAll() {
	o.mu.Lock()
	links := o.links
	o.links = nil
	o.mu.Unlock()
	for _, link := range links {
		link.close()
	}
}

func (o *Orchestrator) lookup(id domain.ConnectionID) *PeerLink {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.links[id]
}

func (o *Orchestrator) storeLink(id domain.ConnectionID, l *PeerLink) {
	o.mu.Lock()
	if o.links == nil {
		o.links = make(map[domain.ConnectionID]*PeerLink)
	}
	o.links[id] = l
	o.mu.Unlock()
}

func (o *Orchestrator) removeLink(id domain.ConnectionID) {
	o.mu.Lock()
	delete(o.links, id)
	o.mu.Unlock()
}

func (o *Orchestrator) dropLink(id domain.ConnectionID, l *PeerLink) {
	o.removeLink(id)
	l.close()
}

func (o *Orchestrator) snapshotLinks() map[domain.ConnectionID]*PeerLink {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[domain.ConnectionID]*PeerLink, len(o.links))
	for id, l := range o.links {
		out[id] = l
	}
	return out
}
