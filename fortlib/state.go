package fortlib

import (
	"fmt"
	"strings"
)

// State is a trust state of the identity.
type State uint8

const (
	StateUnverified State = iota
	StateChallenged
	StateTrusted
	StateBanned
)

// States lists all valid states.
var States = []State{StateUnverified, StateChallenged, StateTrusted, StateBanned}

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateChallenged:
		return "challenged"
	case StateTrusted:
		return "trusted"
	case StateBanned:
		return "banned"
	}

	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports if s is one of known states.
func (s State) Valid() bool {
	return s <= StateBanned
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown state %d", uint8(s))
	}

	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(data []byte) error {
	text := strings.ToLower(string(data))

	for _, v := range States {
		if v.String() == text {
			*s = v

			return nil
		}
	}

	return fmt.Errorf("unknown state %q", text)
}

// CanTransit reports if from -> to is an edge of the state graph driven by
// challenge flow and expiry:
//
//	Unverified -> Challenged -> {Trusted, Banned}
//	Trusted -> Unverified (decay)
//	Banned  -> Unverified (expiry)
func CanTransit(from, to State) bool {
	switch from {
	case StateUnverified:
		return to == StateChallenged
	case StateChallenged:
		return to == StateTrusted || to == StateBanned || to == StateUnverified
	case StateTrusted, StateBanned:
		return to == StateUnverified
	}

	return false
}
