package syncer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/warren-agent/internal/cache"
	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/filesys"
	"github.com/cuemby/warren-agent/internal/fsm"
	"github.com/cuemby/warren-agent/internal/httpclient"
	"github.com/cuemby/warren-agent/internal/metrics"
	"github.com/cuemby/warren-agent/internal/model"
)

// configInstancePolicy keeps the freshest ConfigInstance when a stale write
// races a newer one (cache policy per spec §4.2): the candidate is written
// unless its CreatedAt is older than the cached entry's. CreatedAt is absent
// on Deployment, so deployment writes pass a nil policy and always overwrite.
func configInstancePolicy(existing, candidate model.ConfigInstance) bool {
	return !candidate.CreatedAt.Before(existing.CreatedAt)
}

// runSyncCycle executes the nine-step reconciliation algorithm of spec §4.6
// and returns the outcome the caller (Sync or the control server) sees.
func (s *Syncer) runSyncCycle(ctx context.Context) Outcome {
	now := time.Now().UTC()
	cfg := s.cfg

	device, err := cfg.Device.Get(ctx)
	if err != nil {
		return Outcome{Result: model.SyncNetworkConnectionErr, Err: err}
	}

	token, err := cfg.Tokens.GetToken(ctx)
	if err != nil {
		return s.classify(err)
	}

	// Step 2: push agent-version drift.
	if device.AgentVersion != cfg.AgentVersion {
		version := cfg.AgentVersion
		if _, err := cfg.HTTP.PatchDevice(ctx, device.ID, token.Token, model.DevicePatch{AgentVersion: &version}); err != nil {
			return s.classify(err)
		}
		if device, err = cfg.Device.Patch(ctx, model.DevicePatch{AgentVersion: &version}); err != nil {
			return s.classify(err)
		}
	}

	// Step 3: pull desired state and refresh caches.
	page, err := cfg.HTTP.ListDeployments(ctx, token.Token, "")
	if err != nil {
		return s.classify(err)
	}
	for _, d := range page.Deployments {
		if werr := cfg.Deployments.Write(ctx, d.ID, d, cache.OverwriteAllow, nil); werr != nil {
			cfg.Logger.Warn().Err(werr).Str("deployment_id", d.ID).Msg("syncer: failed to cache deployment")
		}
		metrics.CacheOperationsTotal.WithLabelValues("deployments", "write").Inc()
		for _, ci := range page.ConfigInstances[d.ID] {
			if werr := cfg.ConfigMeta.Write(ctx, ci.ID, ci, cache.OverwriteAllow, configInstancePolicy); werr != nil {
				cfg.Logger.Warn().Err(werr).Str("config_instance_id", ci.ID).Msg("syncer: failed to cache config instance metadata")
			}
			if _, found, _ := cfg.ConfigContent.Read(ctx, ci.ID); !found {
				content, cerr := cfg.HTTP.GetConfigInstanceContent(ctx, token.Token, ci.ID)
				if cerr != nil {
					cfg.Logger.Warn().Err(cerr).Str("config_instance_id", ci.ID).Msg("syncer: failed to fetch config instance content")
					continue
				}
				if werr := cfg.ConfigContent.Write(ctx, ci.ID, content, cache.OverwriteAllow, nil); werr != nil {
					cfg.Logger.Warn().Err(werr).Str("config_instance_id", ci.ID).Msg("syncer: failed to cache config instance content")
				}
			}
		}
	}

	deployments, err := cfg.Deployments.ValueMap(ctx)
	if err != nil {
		return s.classify(err)
	}

	// Step 4: enforce the single-active-deployment invariant among
	// everything the FSM says is ready to deploy.
	var deployCandidates []model.Deployment
	for _, d := range deployments {
		action, _ := fsm.NextAction(d, now)
		if action == fsm.ActionDeploy {
			deployCandidates = append(deployCandidates, d)
		}
	}
	if len(deployCandidates) > 1 {
		// The lowest ID wins, so the outcome does not depend on map order.
		sort.Slice(deployCandidates, func(i, j int) bool { return deployCandidates[i].ID < deployCandidates[j].ID })
		winner := deployCandidates[0]
		var loserIDs []string
		for _, loser := range deployCandidates[1:] {
			loserIDs = append(loserIDs, loser.ID)
			s.archiveLoser(ctx, loser, token.Token, now)
		}
		params := map[string]string{"winner_id": winner.ID, "loser_ids": strings.Join(loserIDs, ",")}
		return Outcome{Err: errs.NewSyncError(errs.CodeSyncConflictingDeployments, "multiple deployments ready to deploy", nil, params)}
	}

	// Step 5: deploy the winner, if any.
	if len(deployCandidates) == 1 {
		s.deployOne(ctx, deployCandidates[0], token.Token, now)
	}

	// Step 6: remove or archive everything else that needs it.
	deployments, err = cfg.Deployments.ValueMap(ctx)
	if err != nil {
		return s.classify(err)
	}
	for _, d := range deployments {
		action, _ := fsm.NextAction(d, now)
		switch action {
		case fsm.ActionRemove:
			s.removeOne(ctx, d, token.Token, now)
		case fsm.ActionArchive:
			s.archiveLoser(ctx, d, token.Token, now)
		}
	}

	if cfg.OnSyncComplete != nil {
		cfg.OnSyncComplete()
	}
	return Outcome{Result: model.SyncSuccess}
}

// classify maps a lower-layer error onto the Syncer's outcome, distinguishing
// network-connection failures (which the control server reports separately,
// spec §4.8) from other sync errors.
func (s *Syncer) classify(err error) Outcome {
	if errs.IsNetworkConnectionError(err) {
		return Outcome{Result: model.SyncNetworkConnectionErr, Err: err}
	}
	return Outcome{Err: err}
}

func (s *Syncer) deployOne(ctx context.Context, d model.Deployment, token string, now time.Time) {
	cfg := s.cfg
	deploying, err := fsm.Transition(d, fsm.Event{Kind: fsm.BeginDeploy}, cfg.Policy, now)
	if err != nil {
		cfg.Logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("syncer: cannot begin deploy")
		return
	}
	s.writeAndNotify(ctx, deploying)

	materializeErr := s.materialize(deploying)

	var next model.Deployment
	if materializeErr != nil {
		errStatus := &model.ErrorStatus{Code: "deploy_materialize_failed", Message: materializeErr.Error()}
		next, err = fsm.Transition(deploying, fsm.Event{Kind: fsm.DeployFailed, Err: errStatus}, cfg.Policy, time.Now().UTC())
	} else {
		next, err = fsm.Transition(deploying, fsm.Event{Kind: fsm.DeploySucceeded}, cfg.Policy, time.Now().UTC())
	}
	if err != nil {
		cfg.Logger.Warn().Err(err).Str("deployment_id", deploying.ID).Msg("syncer: deploy outcome transition rejected")
		return
	}
	s.writeAndNotify(ctx, next)
	s.patchStatus(ctx, token, next)
}

func (s *Syncer) removeOne(ctx context.Context, d model.Deployment, token string, now time.Time) {
	cfg := s.cfg
	removing, err := fsm.Transition(d, fsm.Event{Kind: fsm.BeginRemove}, cfg.Policy, now)
	if err != nil {
		return
	}
	s.writeAndNotify(ctx, removing)

	dir := filepath.Join(cfg.DataRoot, "srv", "miru", "config_instances", removing.ID)
	if err := filesys.EnsureDir(filepath.Dir(dir)); err == nil {
		_ = filesys.MoveDir(dir, dir+".removed", filesys.OverwriteAllow)
	}

	next, err := fsm.Transition(removing, fsm.Event{Kind: fsm.RemoveSucceeded}, cfg.Policy, time.Now().UTC())
	if err != nil {
		return
	}
	s.writeAndNotify(ctx, next)
	s.patchStatus(ctx, token, next)
}

// archiveLoser transitions d to Archived, deletes its materialized deployment
// directory, and pushes the status change to the backend (spec §4.6 steps
// 6-7), whether d lost a deployment conflict or the FSM itself called for
// archiving it.
func (s *Syncer) archiveLoser(ctx context.Context, d model.Deployment, token string, now time.Time) {
	cfg := s.cfg
	archiving, err := fsm.Transition(d, fsm.Event{Kind: fsm.BeginArchive}, cfg.Policy, now)
	if err != nil {
		return
	}
	archived, err := fsm.Transition(archiving, fsm.Event{Kind: fsm.ArchiveSucceeded}, cfg.Policy, now)
	if err != nil {
		s.writeAndNotify(ctx, archiving)
		return
	}

	dir := filepath.Join(cfg.DataRoot, "srv", "miru", "config_instances", archived.ID)
	if rerr := os.RemoveAll(dir); rerr != nil {
		cfg.Logger.Warn().Err(rerr).Str("deployment_id", archived.ID).Msg("syncer: failed to delete archived deployment directory")
	}

	s.writeAndNotify(ctx, archived)
	s.patchStatus(ctx, token, archived)
}

func (s *Syncer) writeAndNotify(ctx context.Context, d model.Deployment) {
	if err := s.cfg.Deployments.Write(ctx, d.ID, d, cache.OverwriteAllow, nil); err != nil {
		s.cfg.Logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("syncer: failed to persist deployment transition")
	}
	s.notify(d)
}

func (s *Syncer) patchStatus(ctx context.Context, token string, d model.Deployment) {
	if err := s.cfg.HTTP.PatchDeployment(ctx, token, d.ID, httpclient.DeploymentStatusPatch{
		ActivityStatus: d.ActivityStatus,
		Error:          d.Error,
	}); err != nil {
		s.cfg.Logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("syncer: failed to push deployment status")
	}
}

// materialize writes every config instance a deployment references into its
// deployment directory via a staging-then-rename swap, per spec §4.6 step 5.
// On any error the staging directory is removed before returning, so a
// failed deploy never leaves partial state behind for the next retry.
func (s *Syncer) materialize(d model.Deployment) (err error) {
	cfg := s.cfg
	finalDir := filepath.Join(cfg.DataRoot, "srv", "miru", "config_instances", d.ID)
	staging := filesys.StagingDir(filepath.Join(cfg.DataRoot, "srv", "miru"), time.Now().UnixNano())

	defer func() {
		if err != nil {
			if rerr := os.RemoveAll(staging); rerr != nil {
				cfg.Logger.Warn().Err(rerr).Str("deployment_id", d.ID).Msg("syncer: failed to clean up staging directory")
			}
		}
	}()

	for _, ciID := range d.ConfigInstanceIDs {
		meta, found, merr := cfg.ConfigMeta.Read(context.Background(), ciID)
		if merr != nil {
			return merr
		}
		if !found {
			return errs.NewSyncError(errs.CodeSyncMissingExpandedInstances, "config instance metadata missing", nil, map[string]string{"id": ciID})
		}
		content, found, cerr := cfg.ConfigContent.Read(context.Background(), ciID)
		if cerr != nil {
			return cerr
		}
		if !found {
			return errs.NewSyncError(errs.CodeSyncConfigInstanceContentNotFound, "config instance content missing", nil, map[string]string{"id": ciID})
		}
		data, jerr := json.MarshalIndent(content.Value, "", "  ")
		if jerr != nil {
			return errs.NewFilesystemError(errs.CodeFilesystemIO, "marshal config instance content", jerr, map[string]string{"id": ciID})
		}
		path := filepath.Join(staging, meta.Value.FilePath)
		if werr := filesys.WriteFileAtomic(path, data, filesys.PermDefault, filesys.OverwriteAllow); werr != nil {
			return werr
		}
	}

	return filesys.MoveDir(staging, finalDir, filesys.OverwriteAllow)
}
