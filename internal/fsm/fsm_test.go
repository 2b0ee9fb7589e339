package fsm

import (
	"testing"
	"time"

	"github.com/cuemby/warren-agent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_QueuedToDeploying(t *testing.T) {
	now := time.Now()
	d := model.Deployment{ID: "d1", ActivityStatus: model.ActivityQueued}
	next, err := Transition(d, Event{Kind: BeginDeploy}, DefaultPolicy(), now)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityDeploying, next.ActivityStatus)
	require.NotNil(t, next.LastAttemptedAt)
	assert.WithinDuration(t, now, *next.LastAttemptedAt, time.Second)
}

func TestTransition_DeployFailedEntersRetryingWithCooldown(t *testing.T) {
	now := time.Now()
	d := model.Deployment{ID: "d1", ActivityStatus: model.ActivityDeploying}
	next, err := Transition(d, Event{Kind: DeployFailed, Err: &model.ErrorStatus{Code: "x"}}, DefaultPolicy(), now)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityRetrying, next.ActivityStatus)
	assert.Equal(t, 1, next.Attempts)
	require.NotNil(t, next.CooldownUntil)
	assert.True(t, next.CooldownUntil.After(now))
}

func TestTransition_RetryingExhaustsToFailed(t *testing.T) {
	now := time.Now()
	policy := DefaultPolicy()
	d := model.Deployment{ID: "d1", ActivityStatus: model.ActivityRetrying, Attempts: policy.MaxAttempts - 1}
	next, err := Transition(d, Event{Kind: DeployFailed}, policy, now)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityFailed, next.ActivityStatus)
	assert.True(t, next.IsTerminal())
}

func TestTransition_RetryingBeforeCooldownRejected(t *testing.T) {
	now := time.Now()
	cooldown := now.Add(time.Hour)
	d := model.Deployment{ID: "d1", ActivityStatus: model.ActivityRetrying, CooldownUntil: &cooldown}
	_, err := Transition(d, Event{Kind: BeginDeploy}, DefaultPolicy(), now)
	require.Error(t, err)
}

func TestTransition_BeginArchiveAcceptedFromRetrying(t *testing.T) {
	// Open Question resolution: BeginArchive is accepted unconditionally.
	now := time.Now()
	d := model.Deployment{ID: "d1", ActivityStatus: model.ActivityRetrying}
	next, err := Transition(d, Event{Kind: BeginArchive}, DefaultPolicy(), now)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityArchiving, next.ActivityStatus)
}

func TestTransition_TerminalStatesAreAbsorbing(t *testing.T) {
	now := time.Now()
	terminals := []model.ActivityStatus{model.ActivityDeployed, model.ActivityFailed, model.ActivityRemoved, model.ActivityArchived}
	for _, s := range terminals {
		d := model.Deployment{ID: "d1", ActivityStatus: s}
		_, err := Transition(d, Event{Kind: BeginDeploy}, DefaultPolicy(), now)
		if s != model.ActivityDeployed {
			assert.Error(t, err, "state %s should reject BeginDeploy", s)
		}
	}
}

func TestBackoff_Monotonic(t *testing.T) {
	p := DefaultPolicy()
	prev := p.Backoff(0)
	for n := 1; n < 40; n++ {
		cur := p.Backoff(n)
		assert.GreaterOrEqual(t, cur, prev)
		assert.LessOrEqual(t, cur, p.MaxDelay)
		prev = cur
	}
}

func TestBackoff_SaturatesForLargeN(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, p.MaxDelay, p.Backoff(10000))
}

func TestNextAction_DeployedNoAction(t *testing.T) {
	now := time.Now()
	d := model.Deployment{TargetStatus: model.TargetDeployed, ActivityStatus: model.ActivityDeployed}
	action, _ := NextAction(d, now)
	assert.Equal(t, ActionNone, action)
}

func TestNextAction_RetryingWaitsUntilCooldown(t *testing.T) {
	now := time.Now()
	cooldown := now.Add(time.Minute)
	d := model.Deployment{TargetStatus: model.TargetDeployed, ActivityStatus: model.ActivityRetrying, CooldownUntil: &cooldown}
	action, until := NextAction(d, now)
	assert.Equal(t, ActionWait, action)
	assert.Equal(t, cooldown, until)
}

func TestNextAction_ArchivedTargetAlwaysArchives(t *testing.T) {
	now := time.Now()
	d := model.Deployment{TargetStatus: model.TargetArchived, ActivityStatus: model.ActivityRetrying}
	action, _ := NextAction(d, now)
	assert.Equal(t, ActionArchive, action)
}
