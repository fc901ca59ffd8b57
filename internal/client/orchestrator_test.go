package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

// transportPool hands one fakeTransport per remote out of the factory and
// remembers it for inspection.
type transportPool struct {
	mu    sync.Mutex
	all   map[domain.ConnectionID]*fakeTransport
	calls map[domain.ConnectionID]int
}

func newTransportPool() *transportPool {
	return &transportPool{
		all:   make(map[domain.ConnectionID]*fakeTransport),
		calls: make(map[domain.ConnectionID]int),
	}
}

func (p *transportPool) factory(remote domain.ConnectionID) (LinkTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr := &fakeTransport{}
	p.all[remote] = tr
	p.calls[remote]++
	return tr, nil
}

func (p *transportPool) get(id domain.ConnectionID) *fakeTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.all[id]
}

func (p *transportPool) dials(id domain.ConnectionID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type orchHarness struct {
	orch      *Orchestrator
	pool      *transportPool
	signals   *fakeSignals
	snapshots chan *protocol.RoomSnapshot
	forwards  chan protocol.SignalMessage
}

func newOrchHarness(t *testing.T, localID domain.ConnectionID) *orchHarness {
	t.Helper()
	h := &orchHarness{
		pool:      newTransportPool(),
		signals:   &fakeSignals{},
		snapshots: make(chan *protocol.RoomSnapshot, 8),
		forwards:  make(chan protocol.SignalMessage, 8),
	}
	h.orch = NewOrchestrator(localID, h.signals, h.pool.factory, h.snapshots, h.forwards, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// roster builds a snapshot whose participants appear in the given join
// order as (userID, connectionID) pairs.
func roster(seq uint64, pairs ...[2]string) *protocol.RoomSnapshot {
	snap := &protocol.RoomSnapshot{Seq: seq, Key: "room-1", Name: "room-1"}
	for _, p := range pairs {
		snap.Participants = append(snap.Participants, protocol.ParticipantInfo{
			UserID:       p[0],
			Username:     "user-" + p[0],
			ConnectionID: p[1],
		})
	}
	return snap
}

func waitPeerEvent(t *testing.T, o *Orchestrator, kind PeerEventKind) PeerEvent {
	t.Helper()
	for {
		select {
		case ev := <-o.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no peer event of kind %s", kind)
			return PeerEvent{}
		}
	}
}

func TestOrchestratorDialsEarlierParticipants(t *testing.T) {
	h := newOrchHarness(t, "c-me")

	// Local joined last: it dials both existing participants.
	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"u2", "c2"}, [2]string{"me", "c-me"})

	waitFor(t, "offers sent", func() bool { return len(h.signals.byKind(protocol.SignalOffer)) == 2 })
	dialed := map[domain.ConnectionID]bool{}
	for _, m := range h.signals.byKind(protocol.SignalOffer) {
		dialed[m.to] = true
	}
	if !dialed["c1"] || !dialed["c2"] {
		t.Fatalf("dialed %v, want c1 and c2", dialed)
	}
}

func TestOrchestratorWaitsForLaterParticipants(t *testing.T) {
	h := newOrchHarness(t, "c-me")

	// Local joined first: it creates the link but never dials.
	h.snapshots <- roster(1, [2]string{"me", "c-me"}, [2]string{"u2", "c2"})

	waitFor(t, "transport created", func() bool { return h.pool.get("c2") != nil })
	waitFor(t, "transport started", func() bool { return h.pool.get("c2").snapshot().started })
	time.Sleep(20 * time.Millisecond)
	if got := h.signals.byKind(protocol.SignalOffer); len(got) != 0 {
		t.Fatalf("earlier participant dialed: %v", got)
	}
}

func TestOrchestratorRoutesHandshake(t *testing.T) {
	h := newOrchHarness(t, "c-me")
	h.snapshots <- roster(1, [2]string{"me", "c-me"}, [2]string{"u2", "c2"})
	waitFor(t, "transport started", func() bool {
		tr := h.pool.get("c2")
		return tr != nil && tr.snapshot().started
	})

	offer, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	h.forwards <- protocol.SignalMessage{Type: protocol.SignalOffer, SenderID: "c2", Payload: offer}

	waitFor(t, "answer sent", func() bool { return len(h.signals.byKind(protocol.SignalAnswer)) == 1 })
	if h.pool.get("c2").snapshot().remoteDesc == nil {
		t.Fatalf("remote offer not applied")
	}

	cand, err := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	h.forwards <- protocol.SignalMessage{Type: protocol.SignalCandidate, SenderID: "c2", Payload: cand}
	waitFor(t, "candidate applied", func() bool { return len(h.pool.get("c2").snapshot().candidates) == 1 })

	// Handshake from a connection without a link is dropped, not fatal.
	h.forwards <- protocol.SignalMessage{Type: protocol.SignalOffer, SenderID: "ghost", Payload: offer}
	time.Sleep(20 * time.Millisecond)
}

func TestOrchestratorPeerLifecycleEvents(t *testing.T) {
	h := newOrchHarness(t, "c-me")
	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"me", "c-me"})
	waitFor(t, "transport started", func() bool {
		tr := h.pool.get("c1")
		return tr != nil && tr.snapshot().started
	})

	h.pool.get("c1").open()
	ev := waitPeerEvent(t, h.orch, PeerJoined)
	if ev.Peer.ConnectionID != "c1" {
		t.Fatalf("joined peer %s, want c1", ev.Peer.ConnectionID)
	}
	waitFor(t, "peer listed open", func() bool { return len(h.orch.OpenPeers()) == 1 })

	// Roster without the peer: link torn down, PeerLeft emitted.
	h.snapshots <- roster(2, [2]string{"me", "c-me"})
	ev = waitPeerEvent(t, h.orch, PeerLeft)
	if ev.Peer.ConnectionID != "c1" {
		t.Fatalf("left peer %s, want c1", ev.Peer.ConnectionID)
	}
	waitFor(t, "transport closed", func() bool { return h.pool.get("c1").snapshot().closed })
}

func TestOrchestratorReconnectReplacesLink(t *testing.T) {
	h := newOrchHarness(t, "c-me")
	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"me", "c-me"})
	waitFor(t, "first transport", func() bool { return h.pool.get("c1") != nil })

	// Same user back on a fresh connection: the old link is stale even
	// though the user never left.
	h.snapshots <- roster(2, [2]string{"u1", "c1b"}, [2]string{"me", "c-me"})

	waitFor(t, "old transport closed", func() bool { return h.pool.get("c1").snapshot().closed })
	waitFor(t, "new transport created", func() bool { return h.pool.get("c1b") != nil })
	ev := waitPeerEvent(t, h.orch, PeerLeft)
	if ev.Peer.ConnectionID != "c1" {
		t.Fatalf("left peer %s, want c1", ev.Peer.ConnectionID)
	}
}

func TestOrchestratorSkipsSupersededRosterEntries(t *testing.T) {
	h := newOrchHarness(t, "c-me")
	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"me", "c-me"})
	waitFor(t, "first transport", func() bool { return h.pool.get("c1") != nil })

	// The user crashed and rejoined before the relay reaped the dead
	// connection, so one snapshot lists both. Only the newer entry is a
	// peer; the zombie must not be redialed.
	h.snapshots <- roster(2,
		[2]string{"u1", "c1"}, [2]string{"u1", "c1b"}, [2]string{"me", "c-me"})

	waitFor(t, "old transport closed", func() bool { return h.pool.get("c1").snapshot().closed })
	waitFor(t, "new transport created", func() bool { return h.pool.get("c1b") != nil })

	// Every later snapshot still carrying the zombie must leave it alone.
	h.snapshots <- roster(3,
		[2]string{"u1", "c1"}, [2]string{"u1", "c1b"}, [2]string{"me", "c-me"})
	waitFor(t, "roster settled", func() bool { return h.orch.lookup("c1b") != nil })
	time.Sleep(20 * time.Millisecond)
	if got := h.pool.dials("c1"); got != 1 {
		t.Fatalf("dead connection dialed %d times, want 1", got)
	}
	if got := h.pool.dials("c1b"); got != 1 {
		t.Fatalf("live connection dialed %d times, want 1", got)
	}
}

func TestOrchestratorAppliesSnapshotBeforeForward(t *testing.T) {
	// A snapshot and the offer it provoked can both be queued before the
	// run loop wakes up; the offer must still meet an existing link. Run
	// several rounds so channel scheduling cannot mask a regression.
	offer, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	for i := 0; i < 25; i++ {
		pool := newTransportPool()
		signals := &fakeSignals{}
		snapshots := make(chan *protocol.RoomSnapshot, 8)
		forwards := make(chan protocol.SignalMessage, 8)

		snapshots <- roster(1, [2]string{"me", "c-me"}, [2]string{"u2", "c2"})
		forwards <- protocol.SignalMessage{Type: protocol.SignalOffer, SenderID: "c2", Payload: offer}

		orch := NewOrchestrator("c-me", signals, pool.factory, snapshots, forwards, time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			orch.Run(ctx)
		}()

		waitFor(t, "answer sent", func() bool { return len(signals.byKind(protocol.SignalAnswer)) == 1 })
		cancel()
		<-done
	}
}

func TestOrchestratorFailedLinkEmitsAndForgets(t *testing.T) {
	h := newOrchHarness(t, "c-me")
	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"me", "c-me"})
	waitFor(t, "transport started", func() bool {
		tr := h.pool.get("c1")
		return tr != nil && tr.snapshot().started
	})

	// Transport dies before ever opening.
	h.pool.get("c1").drop()
	ev := waitPeerEvent(t, h.orch, PeerFailed)
	if ev.Peer.ConnectionID != "c1" {
		t.Fatalf("failed peer %s, want c1", ev.Peer.ConnectionID)
	}
	waitFor(t, "link forgotten", func() bool { return h.orch.lookup("c1") == nil })
}

func TestOrchestratorLocalNotInRosterDropsEverything(t *testing.T) {
	h := newOrchHarness(t, "c-me")
	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"me", "c-me"})
	waitFor(t, "transport created", func() bool { return h.pool.get("c1") != nil })

	// A snapshot that no longer lists the local connection means the relay
	// dropped us; every link is stale.
	h.snapshots <- roster(2, [2]string{"u1", "c1"})
	waitFor(t, "transport closed", func() bool { return h.pool.get("c1").snapshot().closed })
	waitPeerEvent(t, h.orch, PeerLeft)
}

func TestOrchestratorBroadcastAndInbound(t *testing.T) {
	h := newOrchHarness(t, "c-me")
	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"u2", "c2"}, [2]string{"me", "c-me"})
	waitFor(t, "transports started", func() bool {
		t1, t2 := h.pool.get("c1"), h.pool.get("c2")
		return t1 != nil && t2 != nil && t1.snapshot().started && t2.snapshot().started
	})

	h.pool.get("c1").open()
	h.pool.get("c2").open()
	waitFor(t, "both links open", func() bool { return len(h.orch.OpenPeers()) == 2 })

	type move struct {
		X int `msgpack:"x"`
		Y int `msgpack:"y"`
	}
	if err := h.orch.Broadcast("movenote", move{X: 3, Y: 4}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for _, id := range []domain.ConnectionID{"c1", "c2"} {
		tr := h.pool.get(id)
		waitFor(t, "frame delivered to "+string(id), func() bool { return len(tr.snapshot().sent) == 1 })
		env, err := protocol.DecodeEnvelope(tr.snapshot().sent[0])
		if err != nil {
			t.Fatalf("decode broadcast to %s: %v", id, err)
		}
		if env.Event != "movenote" || env.SenderID != "c-me" {
			t.Fatalf("envelope %+v", env)
		}
		var got move
		if err := env.DecodePayload(&got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got != (move{X: 3, Y: 4}) {
			t.Fatalf("payload %+v", got)
		}
	}

	// Inbound data fans out to bus subscribers with the sender attached.
	gotFrom := make(chan domain.ConnectionID, 1)
	off := h.orch.Bus().Subscribe("movenote", func(from domain.ConnectionID, payload msgpack.RawMessage) {
		gotFrom <- from
	})
	defer off()

	frame, err := protocol.EncodeEnvelope("movenote", "c1", move{X: 1, Y: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.pool.get("c1").deliver(frame)
	select {
	case from := <-gotFrom:
		if from != "c1" {
			t.Fatalf("delivery attributed to %s", from)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound envelope never reached subscriber")
	}
}

func TestOrchestratorSendTo(t *testing.T) {
	h := newOrchHarness(t, "c-me")
	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"u2", "c2"}, [2]string{"me", "c-me"})
	waitFor(t, "transports started", func() bool {
		t1, t2 := h.pool.get("c1"), h.pool.get("c2")
		return t1 != nil && t2 != nil && t1.snapshot().started && t2.snapshot().started
	})
	h.pool.get("c1").open()
	waitFor(t, "link open", func() bool { return len(h.orch.OpenPeers()) == 1 })

	if err := h.orch.SendTo("c1", "ping", struct{}{}); err != nil {
		t.Fatalf("send to open link: %v", err)
	}
	waitFor(t, "frame delivered", func() bool { return len(h.pool.get("c1").snapshot().sent) == 1 })

	// Unopened and unknown targets are silent no-ops.
	if err := h.orch.SendTo("c2", "ping", struct{}{}); err != nil {
		t.Fatalf("send to unopened link: %v", err)
	}
	if err := h.orch.SendTo("ghost", "ping", struct{}{}); err != nil {
		t.Fatalf("send to unknown peer: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := h.pool.get("c2").snapshot().sent; len(got) != 0 {
		t.Fatalf("unopened link received %d frames", len(got))
	}
}

func TestOrchestratorShutdownClosesLinks(t *testing.T) {
	h := &orchHarness{
		pool:      newTransportPool(),
		signals:   &fakeSignals{},
		snapshots: make(chan *protocol.RoomSnapshot, 8),
		forwards:  make(chan protocol.SignalMessage, 8),
	}
	h.orch = NewOrchestrator("c-me", h.signals, h.pool.factory, h.snapshots, h.forwards, time.Minute)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Run(context.Background())
	}()

	h.snapshots <- roster(1, [2]string{"u1", "c1"}, [2]string{"me", "c-me"})
	waitFor(t, "transport created", func() bool { return h.pool.get("c1") != nil })

	// Closing the snapshot stream ends the run loop and tears links down.
	close(h.snapshots)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not stop")
	}
	waitFor(t, "transport closed", func() bool { return h.pool.get("c1").snapshot().closed })
}
