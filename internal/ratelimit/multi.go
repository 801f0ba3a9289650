package ratelimit

import "time"

// Multi routes each message type to the gate configured for it.
// Unconfigured types pass immediately.
type Multi struct {
	gates map[string]Gate
}

// NewMulti builds a composite gate from a per-type gate map.
func NewMulti(gates map[string]Gate) *Multi {
	return &Multi{gates: gates}
}

// Reserve delegates to the gate registered for msgType.
func (m *Multi) Reserve(msgType string) time.Duration {
	if g, ok := m.gates[msgType]; ok {
		return g.Reserve(msgType)
	}
	return 0
}

// Stats delegates to the gate registered for msgType. Unconfigured
// types report zero values.
func (m *Multi) Stats(msgType string) Stats {
	if g, ok := m.gates[msgType]; ok {
		return g.Stats(msgType)
	}
	return Stats{}
}
