// Package fsm implements the Deployment finite-state machine as a pure
// function, per spec §4.5: transition(deployment, event, policy) ->
// deployment'. Grounded in shape on the teacher's pkg/manager/fsm.go
// single-dispatch switch over Command.Op, replacing the Raft-log envelope
// with the spec's Event sum type and replacing cluster-state mutation with
// a pure value transformation — no mutex, no store, per Design Notes §9.
package fsm

import (
	"time"

	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/model"
)

// EventKind enumerates the events the FSM accepts.
type EventKind string

const (
	BeginDeploy       EventKind = "begin_deploy"
	DeploySucceeded   EventKind = "deploy_succeeded"
	DeployFailed      EventKind = "deploy_failed"
	BeginRemove       EventKind = "begin_remove"
	RemoveSucceeded   EventKind = "remove_succeeded"
	RemoveFailed      EventKind = "remove_failed"
	BeginArchive      EventKind = "begin_archive"
	ArchiveSucceeded  EventKind = "archive_succeeded"
	ArchiveFailed     EventKind = "archive_failed"
)

// Event carries an EventKind and, for the *Failed variants, the causing error.
type Event struct {
	Kind EventKind
	Err  *model.ErrorStatus
}

// Policy parameterizes backoff and retry-exhaustion.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// DefaultPolicy matches spec §4.5's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    12 * time.Hour,
	}
}

// Backoff computes min(base * factor^attempts, max), saturating for large
// attempts rather than overflowing (testable property §8.5).
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return p.BaseDelay
	}
	d := float64(p.BaseDelay)
	for i := 0; i < attempts; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Transition applies event to deployment under policy, returning the next
// value. now is injected for testability.
func Transition(d model.Deployment, ev Event, policy Policy, now time.Time) (model.Deployment, error) {
	switch ev.Kind {
	case BeginArchive:
		// Open Question (spec §9): accepted unconditionally from every
		// non-terminal state, including Retrying.
		if d.ActivityStatus == model.ActivityArchived || d.ActivityStatus == model.ActivityRemoved {
			return d, errs.NewDeployError(errs.CodeDeployNotArchiveable, "deployment already terminal", map[string]string{"id": d.ID})
		}
		d.ActivityStatus = model.ActivityArchiving
		return d, nil

	case ArchiveSucceeded:
		if d.ActivityStatus != model.ActivityArchiving {
			return d, errs.NewDeployError(errs.CodeDeployNotArchiveable, "not archiving", map[string]string{"id": d.ID})
		}
		d.ActivityStatus = model.ActivityArchived
		d.Attempts = 0
		d.Error = nil
		return d, nil

	case ArchiveFailed:
		if d.ActivityStatus != model.ActivityArchiving {
			return d, errs.NewDeployError(errs.CodeDeployNotArchiveable, "not archiving", map[string]string{"id": d.ID})
		}
		d.Error = ev.Err
		return d, nil
	}

	switch d.ActivityStatus {
	case model.ActivityQueued:
		if ev.Kind == BeginDeploy {
			d.ActivityStatus = model.ActivityDeploying
			d.LastAttemptedAt = &now
			return d, nil
		}

	case model.ActivityDeploying:
		switch ev.Kind {
		case DeploySucceeded:
			d.ActivityStatus = model.ActivityDeployed
			d.Attempts = 0
			d.Error = nil
			return d, nil
		case DeployFailed:
			d.Attempts++
			d.Error = ev.Err
			cooldown := now.Add(policy.Backoff(d.Attempts))
			d.CooldownUntil = &cooldown
			d.ActivityStatus = model.ActivityRetrying
			return d, nil
		}

	case model.ActivityRetrying:
		switch ev.Kind {
		case BeginDeploy:
			if d.CooldownUntil != nil && now.Before(*d.CooldownUntil) {
				return d, errs.NewSyncError(errs.CodeSyncInCooldown, "deployment cooling down", nil, map[string]string{"id": d.ID})
			}
			d.ActivityStatus = model.ActivityDeploying
			d.LastAttemptedAt = &now
			return d, nil
		case DeployFailed:
			d.Attempts++
			d.Error = ev.Err
			if d.Attempts >= policy.MaxAttempts {
				d.ActivityStatus = model.ActivityFailed
				return d, nil
			}
			cooldown := now.Add(policy.Backoff(d.Attempts))
			d.CooldownUntil = &cooldown
			return d, nil
		}

	case model.ActivityDeployed:
		if ev.Kind == BeginRemove {
			d.ActivityStatus = model.ActivityRemoving
			d.LastAttemptedAt = &now
			return d, nil
		}

	case model.ActivityRemoving:
		switch ev.Kind {
		case RemoveSucceeded:
			d.ActivityStatus = model.ActivityRemoved
			d.Attempts = 0
			d.Error = nil
			return d, nil
		case RemoveFailed:
			d.Attempts++
			d.Error = ev.Err
			cooldown := now.Add(policy.Backoff(d.Attempts))
			d.CooldownUntil = &cooldown
			return d, nil
		}
	}

	return d, errs.NewDeployError(errs.CodeDeployNotDeployable, "event not valid from current state", map[string]string{
		"id": d.ID, "activity_status": string(d.ActivityStatus), "event": string(ev.Kind),
	})
}

// Action is what the Syncer should do next for a deployment.
type Action string

const (
	ActionDeploy  Action = "deploy"
	ActionRemove  Action = "remove"
	ActionArchive Action = "archive"
	ActionWait    Action = "wait"
	ActionNone    Action = "none"
)

// NextAction reads target_status, activity_status, and cooldown_until to
// decide what the Syncer should do, per spec §4.5.
func NextAction(d model.Deployment, now time.Time) (Action, time.Time) {
	switch d.TargetStatus {
	case model.TargetArchived:
		if d.ActivityStatus == model.ActivityArchived {
			return ActionNone, time.Time{}
		}
		return ActionArchive, time.Time{}

	case model.TargetRemoved:
		switch d.ActivityStatus {
		case model.ActivityRemoved, model.ActivityRemoving:
			return ActionNone, time.Time{}
		default:
			return ActionRemove, time.Time{}
		}

	case model.TargetDeployed:
		switch d.ActivityStatus {
		case model.ActivityQueued:
			return ActionDeploy, time.Time{}
		case model.ActivityRetrying:
			if d.CooldownUntil != nil && now.Before(*d.CooldownUntil) {
				return ActionWait, *d.CooldownUntil
			}
			return ActionDeploy, time.Time{}
		case model.ActivityDeploying, model.ActivityDeployed, model.ActivityFailed:
			return ActionNone, time.Time{}
		default:
			return ActionNone, time.Time{}
		}
	}
	return ActionNone, time.Time{}
}
