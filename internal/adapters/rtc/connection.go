// Package rtc wraps a pion PeerConnection plus its single ordered data
// channel behind callback setters, so link logic never touches pion
// directly.
package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/config"
	"github.com/okorolev/Board/internal/domain"
)

const dataChannelLabel = "surface"

var ErrNoDataChannel = errors.New("data channel not open")

// WebRTCConfig builds the pion configuration from configured ICE servers.
func WebRTCConfig(servers []config.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		}
	}
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return cfg
}

// Connection is one peer connection toward a single remote participant.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.ConnectionID

	mu sync.Mutex
	dc *webrtc.DataChannel

	onICE     func(webrtc.ICECandidateInit)
	onOpen    func()
	onMessage func([]byte)
	onClosed  func()
}

func NewConnection(cfg webrtc.Configuration, remote domain.ConnectionID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, remote: remote}, nil
}

// Start wires the pion callbacks. Call after the On* setters.
func (c *Connection) Start() error {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().
			Str("module", "rtc").
			Str("remote", string(c.remote)).
			Str("ice_state", s.String()).
			Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().
			Str("module", "rtc").
			Str("remote", string(c.remote)).
			Str("peer_connection_state", s.String()).
			Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateDisconnected ||
			s == webrtc.PeerConnectionStateClosed {
			if c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	// Non-initiators receive the channel the initiator created.
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.adoptChannel(dc)
	})

	return nil
}

// CreateDataChannel opens the ordered reliable channel. Initiator side only.
func (c *Connection) CreateDataChannel() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	c.adoptChannel(dc)
	return nil
}

func (c *Connection) adoptChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Msg("data channel open")
		if c.onOpen != nil {
			c.onOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.onMessage != nil {
			c.onMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		if c.onClosed != nil {
			c.onClosed()
		}
	})
}

// CreateOffer produces and installs the local offer. Trickle ICE: candidates
// follow through OnICECandidate, no gathering wait.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer produces and installs the local answer to an applied offer.
func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNoDataChannel
	}
	return dc.Send(data)
}

// Close releases the channel first, then the connection. Both halves are
// attempted even if the first close fails.
func (c *Connection) Close() {
	c.mu.Lock()
	dc := c.dc
	c.dc = nil
	c.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", string(c.remote)).Msg("data channel close")
		}
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(c.remote)).Msg("peer connection close")
	} else {
		log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Msg("closed")
	}
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }
func (c *Connection) OnOpen(fn func())                                { c.onOpen = fn }
func (c *Connection) OnMessage(fn func([]byte))                       { c.onMessage = fn }
func (c *Connection) OnClosed(fn func())                              { c.onClosed = fn }
