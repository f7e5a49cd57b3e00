package app

import (
	"errors"

	"github.com/dkeye/Relay/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens when a frame cannot be queued for a client.
type Policy interface {
	OnBackPressure(sess *core.Session, err error) BackpressureAction
}

// SimplePolicy kicks slow consumers.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ *core.Session, err error) BackpressureAction {
	if errors.Is(err, core.ErrBackpressure) {
		return KickMember
	}
	return NoAction
}

// DropPolicy drops frames for slow consumers and keeps them connected.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(_ *core.Session, err error) BackpressureAction {
	if errors.Is(err, core.ErrBackpressure) {
		return DropFrame
	}
	return NoAction
}

// PolicyByName maps the slow_consumer setting; unknown names kick.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return DropPolicy{}
	}
	return SimplePolicy{}
}
