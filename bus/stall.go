package bus

import (
	"sort"
	"time"
)

// DefaultHeartbeatInterval is how often agents are expected to report
// liveness.
const DefaultHeartbeatInterval = 30 * time.Second

// StallMultiplier sets the stall threshold relative to the heartbeat
// interval: an agent with no heartbeat for this many intervals is
// considered stalled.
const StallMultiplier = 3

// StallDetector flags agents whose heartbeats have gone quiet.
type StallDetector struct {
	// Interval is the expected heartbeat cadence. Zero means
	// DefaultHeartbeatInterval.
	Interval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Threshold returns the silence duration past which an agent counts as
// stalled.
func (d *StallDetector) Threshold() time.Duration {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return StallMultiplier * interval
}

func (d *StallDetector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Stalled reports whether the heartbeat is older than the threshold.
func (d *StallDetector) Stalled(hb HeartbeatPayload) bool {
	return d.now().Sub(hb.Timestamp) > d.Threshold()
}

// StalledAgents returns the ids of every stalled agent, ordered.
func (d *StallDetector) StalledAgents(heartbeats map[string]HeartbeatPayload) []string {
	var out []string
	for id, hb := range heartbeats {
		if d.Stalled(hb) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
