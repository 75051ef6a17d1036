package antireplay

import "github.com/fortify-onion/fortify/fortlib"

type noop struct{}

func (n noop) SeenBefore(_ []byte) bool { return false }

// NewNoop returns an implementation that never detects a replay. It is
// used when passports are disabled.
func NewNoop() fortlib.AntiReplayCache {
	return noop{}
}
