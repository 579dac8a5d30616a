package proxy

import "sync/atomic"

type dirStats struct {
	read       atomic.Int64
	forwarded  atomic.Int64
	dropped    atomic.Int64
	injected   atomic.Int64
	skipped    atomic.Int64
	hookErrors atomic.Int64
}

// DirectionStats counts messages for one travel direction.
type DirectionStats struct {
	Read       int64 `json:"read"`        // frames decoded from the sending peer
	Forwarded  int64 `json:"forwarded"`   // messages written to the receiving peer
	Dropped    int64 `json:"dropped"`     // messages a hook suppressed
	Injected   int64 `json:"injected"`    // extra messages hooks addressed this way
	Skipped    int64 `json:"skipped"`     // frames that were not valid messages
	HookErrors int64 `json:"hook_errors"` // messages dropped because a hook failed
}

// Stats is a snapshot of session counters.
type Stats struct {
	ToServer DirectionStats `json:"to_server"`
	ToClient DirectionStats `json:"to_client"`
}

func (s *Session) statsFor(dir Direction) *dirStats {
	if dir == ToServer {
		return &s.stats[0]
	}
	return &s.stats[1]
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ToServer: s.statsFor(ToServer).snapshot(),
		ToClient: s.statsFor(ToClient).snapshot(),
	}
}

func (d *dirStats) snapshot() DirectionStats {
	return DirectionStats{
		Read:       d.read.Load(),
		Forwarded:  d.forwarded.Load(),
		Dropped:    d.dropped.Load(),
		Injected:   d.injected.Load(),
		Skipped:    d.skipped.Load(),
		HookErrors: d.hookErrors.Load(),
	}
}
