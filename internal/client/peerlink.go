package client

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

// ErrNegotiationTimeout marks a link that never reached open in time.
// The link is destroyed and not retried; a later roster snapshot containing
// the same participant recreates it.
var ErrNegotiationTimeout = errors.New("negotiation timeout")

type LinkState int32

const (
	LinkNew LinkState = iota
	LinkNegotiating
	LinkOpen
	LinkClosing
	LinkClosed
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkNegotiating:
		return "negotiating"
	case LinkOpen:
		return "open"
	case LinkClosing:
		return "closing"
	case LinkClosed:
		return "closed"
	case LinkFailed:
		return "failed"
	}
	return "unknown"
}

func (s LinkState) terminal() bool { return s == LinkClosed || s == LinkFailed }

// LinkTransport is the session/channel half of a peer link. The rtc adapter
// implements it; tests substitute fakes.
type LinkTransport interface {
	Start() error
	CreateDataChannel() error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Send([]byte) error
	Close()
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnOpen(func())
	OnMessage(func([]byte))
	OnClosed(func())
}

// TransportFactory builds the transport for one remote participant.
type TransportFactory func(remote domain.ConnectionID) (LinkTransport, error)

// SignalSender pushes a handshake message toward one peer via the relay.
type SignalSender interface {
	SendSignal(t protocol.SignalType, receiver domain.ConnectionID, payload any) error
}

type linkEventKind int

const (
	linkOpened linkEventKind = iota
	linkFailed
	linkClosed
	linkData
)

type linkEvent struct {
	link *PeerLink
	kind linkEventKind
	data []byte
	err  error
}

// PeerLink is one negotiation state machine plus one ordered data channel
// toward a single remote participant. All state mutations run on the link's
// own step queue, so no two negotiation steps for the same link ever
// interleave; steps after teardown are no-ops.
type PeerLink struct {
	remote    protocol.ParticipantInfo
	initiator bool
	transport LinkTransport
	signals   SignalSender
	notify    chan<- linkEvent
	timeout   time.Duration

	steps chan func()
	quit  chan struct{}

	// written only on the step goroutine; read anywhere via atomic.
	state atomic.Int32

	// owned by the step goroutine.
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	timer     *time.Timer
}

func newPeerLink(
	remote protocol.ParticipantInfo,
	initiator bool,
	transport LinkTransport,
	signals SignalSender,
	notify chan<- linkEvent,
	timeout time.Duration,
) *PeerLink {
	l := &PeerLink{
		remote:    remote,
		initiator: initiator,
		transport: transport,
		signals:   signals,
		notify:    notify,
		timeout:   timeout,
		steps:     make(chan func(), 32),
		quit:      make(chan struct{}),
	}
	go l.run()
	return l
}

// Remote returns the participant this link believes is at the other end.
func (l *PeerLink) Remote() protocol.ParticipantInfo { return l.remote }

// IsInitiator reports which side starts (and restarts) negotiation.
func (l *PeerLink) IsInitiator() bool { return l.initiator }

func (l *PeerLink) State() LinkState { return LinkState(l.state.Load()) }

func (l *PeerLink) run() {
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.steps:
			fn()
		}
	}
}

// do enqueues a step. Steps enqueued after teardown are dropped.
func (l *PeerLink) do(fn func()) {
	select {
	case l.steps <- fn:
	case <-l.quit:
	}
}

func (l *PeerLink) emit(ev linkEvent) {
	select {
	case l.notify <- ev:
	case <-l.quit:
		// Teardown raced the event; the orchestrator no longer cares.
	}
}

// start wires transport callbacks and, on the initiator side, kicks off the
// offer. The negotiation timer starts here for both sides.
func (l *PeerLink) start() {
	l.do(func() {
		if l.State().terminal() {
			return
		}
		l.transport.OnICECandidate(func(ci webrtc.ICECandidateInit) {
			if err := l.signals.SendSignal(protocol.SignalCandidate, domain.ConnectionID(l.remote.ConnectionID), ci); err != nil {
				log.Debug().Err(err).Str("module", "client.link").Str("remote", l.remote.ConnectionID).Msg("send candidate")
			}
		})
		l.transport.OnOpen(func() {
			l.do(l.onTransportOpen)
		})
		l.transport.OnMessage(func(data []byte) {
			l.emit(linkEvent{link: l, kind: linkData, data: data})
		})
		l.transport.OnClosed(func() {
			l.do(l.onTransportClosed)
		})
		if err := l.transport.Start(); err != nil {
			l.fail(err)
			return
		}

		l.timer = time.AfterFunc(l.timeout, func() {
			l.do(func() {
				if l.State() != LinkOpen && !l.State().terminal() {
					l.fail(ErrNegotiationTimeout)
				}
			})
		})

		if l.initiator {
			if err := l.transport.CreateDataChannel(); err != nil {
				l.fail(err)
				return
			}
			offer, err := l.transport.CreateOffer()
			if err != nil {
				l.fail(err)
				return
			}
			if err := l.signals.SendSignal(protocol.SignalOffer, domain.ConnectionID(l.remote.ConnectionID), offer); err != nil {
				l.fail(err)
				return
			}
			l.state.Store(int32(LinkNegotiating))
		}
	})
}

// handleOffer answers a remote offer. Only the non-initiator side answers;
// an offer arriving on the initiator side is a collision and is dropped.
func (l *PeerLink) handleOffer(sd webrtc.SessionDescription) {
	l.do(func() {
		if l.State().terminal() {
			return
		}
		if l.initiator {
			log.Warn().Str("module", "client.link").Str("remote", l.remote.ConnectionID).Msg("offer on initiator side, dropped")
			return
		}
		if err := l.transport.SetRemoteDescription(sd); err != nil {
			l.fail(err)
			return
		}
		l.afterRemoteDescription()
		answer, err := l.transport.CreateAnswer()
		if err != nil {
			l.fail(err)
			return
		}
		if err := l.signals.SendSignal(protocol.SignalAnswer, domain.ConnectionID(l.remote.ConnectionID), answer); err != nil {
			l.fail(err)
			return
		}
		l.state.Store(int32(LinkNegotiating))
	})
}

// handleAnswer applies the remote answer. Initiator side only.
func (l *PeerLink) handleAnswer(sd webrtc.SessionDescription) {
	l.do(func() {
		if l.State().terminal() {
			return
		}
		if !l.initiator {
			log.Warn().Str("module", "client.link").Str("remote", l.remote.ConnectionID).Msg("answer on non-initiator side, dropped")
			return
		}
		if l.State() != LinkNegotiating {
			return
		}
		if err := l.transport.SetRemoteDescription(sd); err != nil {
			l.fail(err)
			return
		}
		l.afterRemoteDescription()
	})
}

// handleCandidate applies a candidate, or buffers it until the remote
// description lands.
func (l *PeerLink) handleCandidate(ci webrtc.ICECandidateInit) {
	l.do(func() {
		if l.State().terminal() {
			return
		}
		if !l.remoteSet {
			l.pending = append(l.pending, ci)
			return
		}
		if err := l.transport.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "client.link").Str("remote", l.remote.ConnectionID).Msg("add candidate")
		}
	})
}

// afterRemoteDescription flushes buffered candidates in arrival order, then
// discards the buffer.
func (l *PeerLink) afterRemoteDescription() {
	l.remoteSet = true
	for _, ci := range l.pending {
		if err := l.transport.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "client.link").Str("remote", l.remote.ConnectionID).Msg("flush candidate")
		}
	}
	l.pending = nil
}

// send queues an application frame; silently dropped unless open.
func (l *PeerLink) send(data []byte) {
	l.do(func() {
		if l.State() != LinkOpen {
			return
		}
		if err := l.transport.Send(data); err != nil {
			log.Warn().Err(err).Str("module", "client.link").Str("remote", l.remote.ConnectionID).Msg("send")
		}
	})
}

func (l *PeerLink) onTransportOpen() {
	if l.State().terminal() {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.state.Store(int32(LinkOpen))
	log.Info().Str("module", "client.link").Str("remote", l.remote.ConnectionID).Bool("initiator", l.initiator).Msg("link open")
	l.emit(linkEvent{link: l, kind: linkOpened})
}

func (l *PeerLink) onTransportClosed() {
	if l.State().terminal() {
		return
	}
	wasOpen := l.State() == LinkOpen
	l.release()
	if wasOpen {
		l.state.Store(int32(LinkClosed))
		l.emit(linkEvent{link: l, kind: linkClosed})
	} else {
		l.state.Store(int32(LinkFailed))
		l.emit(linkEvent{link: l, kind: linkFailed, err: errors.New("transport failed")})
	}
	close(l.quit)
}

// fail moves the link to its absorbing failed state and notifies the owner.
func (l *PeerLink) fail(err error) {
	if l.State().terminal() {
		return
	}
	log.Warn().Err(err).Str("module", "client.link").Str("remote", l.remote.ConnectionID).Msg("link failed")
	l.release()
	l.state.Store(int32(LinkFailed))
	l.emit(linkEvent{link: l, kind: linkFailed, err: err})
	close(l.quit)
}

// close tears the link down on behalf of the orchestrator. No notification:
// the caller already removed the link from its map.
func (l *PeerLink) close() {
	l.do(func() {
		if l.State().terminal() {
			return
		}
		l.state.Store(int32(LinkClosing))
		l.release()
		l.state.Store(int32(LinkClosed))
		close(l.quit)
	})
}

// release drops the timer, buffered candidates and both transport halves.
func (l *PeerLink) release() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.pending = nil
	l.transport.Close()
}
