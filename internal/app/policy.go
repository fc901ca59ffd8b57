package app

import (
	"github.com/okorolev/Board/internal/core"
	"github.com/okorolev/Board/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropSnapshot
	KickSubscriber
)

// Policy decides what happens to a subscriber whose delivery queue is full.
// Whatever it decides, the room's mutation queue is never blocked.
type Policy interface {
	OnBackpressure(room domain.RoomKey, sub core.SignalConnection) BackpressureAction
}

// SimplePolicy drops slow subscribers; a client that cannot keep up with
// roster updates has stale links anyway and must resubscribe.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(domain.RoomKey, core.SignalConnection) BackpressureAction {
	return KickSubscriber
}
