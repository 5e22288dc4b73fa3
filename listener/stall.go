package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/semfloor/breaker"
	"github.com/c360studio/semfloor/bus"
	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/machine"
	"github.com/c360studio/semfloor/model"
)

// sweepStalls checks worker heartbeats against the three-interval
// threshold. The first stall for a role routes through the timeout
// status and a single retry; the second strike forces consultation and
// writes the stall report.
func (l *Listener) sweepStalls(ctx context.Context) {
	hbs, err := l.msgbus.Heartbeats(ctx)
	if err != nil {
		l.logger.Warn("heartbeat read failed", "error", err)
		return
	}

	detector := &bus.StallDetector{
		Interval: time.Duration(l.cfg.Agent.HeartbeatIntervalSeconds) * time.Second,
		Now:      l.now,
	}
	for id, hb := range hbs {
		l.metrics.SetHeartbeatAge(id, l.now().Sub(hb.Timestamp))
	}

	ids, err := l.contracts.List()
	if err != nil {
		l.logger.Warn("contract list failed", "error", err)
		return
	}

	for _, id := range ids {
		if l.isActive(id) {
			// A live pipeline goroutine is mid-call; the broker's hard
			// timeout covers it.
			continue
		}
		c, err := l.contracts.Load(id)
		if err != nil {
			continue
		}
		if c.Status.IsTerminal() || c.Breaker.Status == contract.BreakerTripped {
			continue
		}

		role := stallRole(c.Status)
		if role == "" {
			continue
		}

		lastBeat, silent := l.silentSince(hbs, detector, role, c)
		if !silent {
			continue
		}

		// One strike per observed silence: a role is not re-struck
		// until it has heartbeat again and gone silent again.
		key := id + "/" + role
		if struck, ok := l.struck[key]; ok && struck.Equal(lastBeat) {
			continue
		}
		l.struck[key] = lastBeat

		l.handleStall(ctx, c, role, lastBeat)
	}
}

// silentSince determines whether the role serving this contract has
// gone quiet, and since when. A role that never heartbeat at all is
// measured from the contract's last update.
func (l *Listener) silentSince(hbs map[string]bus.HeartbeatPayload, detector *bus.StallDetector, role string, c *contract.Contract) (time.Time, bool) {
	if hb, ok := hbs[role]; ok {
		return hb.Timestamp, detector.Stalled(hb)
	}
	last := c.Timestamps.UpdatedAt
	return last, l.now().Sub(last) > detector.Threshold()
}

// stallRole names the worker a status is waiting on.
func stallRole(s contract.Status) string {
	switch s {
	case contract.StatusPendingImplementer, contract.StatusImplementationInProgress:
		return model.RoleImplementer
	case contract.StatusPendingJudgeReview, contract.StatusJudgeReviewInProgress:
		return model.RoleJudge
	default:
		return ""
	}
}

// handleStall records the strike and applies the timeout transition.
// The breaker trips trigger 6 on the second strike inside the same
// Apply; a first strike is followed by an immediate retry.
func (l *Listener) handleStall(ctx context.Context, c *contract.Contract, role string, lastBeat time.Time) {
	strikes, err := l.breaker.RecordStall(c, role)
	if err != nil {
		l.logger.Error("stall record failed", "task_id", c.TaskID, "role", role, "error", err)
		return
	}

	timeoutEvent := machine.EventImplementerTimeout
	retryEvent := machine.EventRetryImplementer
	if role == model.RoleJudge {
		timeoutEvent = machine.EventJudgeTimeout
		retryEvent = machine.EventRetryJudge
	}

	silence := l.now().Sub(lastBeat).Round(time.Second)
	updated, err := l.machine.Apply(ctx, c.TaskID, timeoutEvent, machine.ApplyOptions{
		Reason:  fmt.Sprintf("%s heartbeat silent for %s (strike %d)", role, silence, strikes),
		Signals: breaker.Signals{StalledRole: role},
	})
	if err != nil {
		l.logger.Warn("timeout transition failed",
			"task_id", c.TaskID, "role", role, "error", err)
		return
	}

	if updated.Breaker.Status == contract.BreakerTripped {
		// Second strike: the breaker already forced consultation.
		if path, err := l.breaker.WriteStallReport(updated, role, lastBeat, strikes); err != nil {
			l.logger.Error("stall report write failed", "task_id", c.TaskID, "error", err)
		} else {
			l.logger.Warn("stall halt", "task_id", c.TaskID, "role", role, "report", path)
		}
		return
	}

	// First strike: one retry puts the role back on the line.
	if _, err := l.machine.Apply(ctx, c.TaskID, retryEvent, machine.ApplyOptions{
		Reason: fmt.Sprintf("re-invoking %s after first stall", role),
	}); err != nil {
		l.logger.Warn("stall retry failed", "task_id", c.TaskID, "role", role, "error", err)
		return
	}
	l.logger.Info("stalled role retried", "task_id", c.TaskID, "role", role, "strike", strikes)
	l.requestSweep()
}
