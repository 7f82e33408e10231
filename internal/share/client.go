// Package share synchronizes a project store with a remote revision store
// using pull-then-push with optimistic revision checks.
package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/agentworkforce/annostore/internal/event"
	"github.com/agentworkforce/annostore/internal/logger"
	"github.com/agentworkforce/annostore/internal/metrics"
	"github.com/agentworkforce/annostore/internal/project"
)

const (
	EventProjectPush  = "project_push"
	EventProjectPull  = "project_pull"
	EventPushRejected = "push_rejected"

	eventSource = "share"
)

// Stage names one step of a sync pipeline.
type Stage string

const (
	StageCreate      Stage = "create"
	StageFetchRemote Stage = "fetch_remote"
	StageCompare     Stage = "compare"
	StageUpdate      Stage = "update"
	StageLoad        Stage = "load"
	StageExists      Stage = "exists"
	stageDone        Stage = ""
)

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeNoChanges Outcome = "no_changes"
)

// State is the sync relationship between the local project and the remote.
type State string

const (
	StateUnsynced State = "unsynced"
	StateSynced   State = "synced"
	StateDiverged State = "diverged"
)

// Store is the part of *project.Store the client needs.
type Store interface {
	Project() project.Project
	ExportSnapshot() *project.Snapshot
	LoadSnapshot(ctx context.Context, snap *project.Snapshot) error
	SetSyncState(pid, rev, revTimestamp string) error
}

type PushResult struct {
	Outcome      Outcome
	PID          string
	Rev          string
	RevTimestamp string
}

type ClientOptions struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Client runs push, pull and exists against one remote. Calls on the same
// client must be serialized by the caller, as must store mutations racing
// a pull.
type Client struct {
	store   Store
	remote  RemoteClient
	events  *event.Hub
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewClient(store Store, remote RemoteClient, opts ClientOptions) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	return &Client{
		store:   store,
		remote:  remote,
		events:  event.NewHub(eventSource),
		log:     logger.Component(opts.Logger, "share"),
		metrics: opts.Metrics,
	}, nil
}

func (c *Client) On(name string, fn event.Handler) event.Subscription {
	return c.events.On(name, fn)
}

func (c *Client) Off(sub event.Subscription) {
	c.events.Off(sub)
}

// pushRun carries values between push stages.
type pushRun struct {
	local      *project.Snapshot
	remoteBody []byte
	remoteRev  string
	result     PushResult
}

// Push sends local changes. An unsynced project is created remotely; a
// synced one is compared against the remote head first and only written
// when the revisions match and the content differs.
func (c *Client) Push(ctx context.Context) (PushResult, error) {
	run := &pushRun{local: c.store.ExportSnapshot()}
	pid := run.local.Project.PID
	stage := StageFetchRemote
	if run.local.Project.Unsynced() {
		stage = StageCreate
	}

	for stage != stageDone {
		next, err := c.pushStage(ctx, stage, run)
		if err != nil {
			c.metrics.RecordSync("push", Classify(err))
			c.log.Warn().Err(err).Str("pid", pid).Str("stage", string(stage)).Msg("push failed")
			return PushResult{}, &SyncError{PID: pid, Stage: stage, Err: err}
		}
		c.log.Debug().Str("pid", pid).Str("stage", string(stage)).Msg("push stage completed")
		stage = next
	}

	c.metrics.RecordSync("push", string(run.result.Outcome))
	c.log.Info().
		Str("pid", run.result.PID).
		Str("rev", run.result.Rev).
		Str("outcome", string(run.result.Outcome)).
		Msg("push finished")
	return run.result, nil
}

func (c *Client) pushStage(ctx context.Context, stage Stage, run *pushRun) (Stage, error) {
	switch stage {
	case StageCreate:
		body, err := json.Marshal(run.local.WithSyncMarkers(false))
		if err != nil {
			return stageDone, err
		}
		state, err := c.remote.Create(ctx, body)
		if err != nil {
			return stageDone, err
		}
		return stageDone, c.adopt(run, state, OutcomeCreated)

	case StageFetchRemote:
		body, err := c.remote.Fetch(ctx, run.local.Project.PID)
		if err != nil {
			return stageDone, err
		}
		rev := gjson.GetBytes(body, "project_store.rev")
		if !rev.Exists() {
			return stageDone, fmt.Errorf("%w: remote snapshot has no project_store.rev", ErrMalformedResponse)
		}
		run.remoteBody = body
		run.remoteRev = rev.String()
		return StageCompare, nil

	case StageCompare:
		local := run.local.Project
		if run.remoteRev != local.Rev {
			c.events.Emit(EventPushRejected, map[string]any{
				"pid":        local.PID,
				"local_rev":  local.Rev,
				"remote_rev": run.remoteRev,
			})
			return stageDone, &StaleRevisionError{PID: local.PID, LocalRevision: local.Rev, RemoteRevision: run.remoteRev}
		}
		remote, err := project.DecodeSnapshot(run.remoteBody)
		if err != nil {
			return stageDone, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if run.local.Equivalent(remote) {
			run.result = PushResult{
				Outcome:      OutcomeNoChanges,
				PID:          local.PID,
				Rev:          local.Rev,
				RevTimestamp: local.RevTimestamp,
			}
			return stageDone, nil
		}
		return StageUpdate, nil

	case StageUpdate:
		body, err := json.Marshal(run.local.WithSyncMarkers(true))
		if err != nil {
			return stageDone, err
		}
		state, err := c.remote.Update(ctx, run.local.Project.PID, run.local.Project.Rev, body)
		if err != nil {
			return stageDone, err
		}
		return stageDone, c.adopt(run, state, OutcomeUpdated)
	}
	return stageDone, fmt.Errorf("unknown push stage %q", stage)
}

func (c *Client) adopt(run *pushRun, state SyncState, outcome Outcome) error {
	if err := c.store.SetSyncState(state.PID, state.Rev, state.RevTimestamp); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	run.result = PushResult{
		Outcome:      outcome,
		PID:          state.PID,
		Rev:          state.Rev,
		RevTimestamp: state.RevTimestamp,
	}
	c.events.Emit(EventProjectPush, map[string]any{"pid": state.PID, "rev": state.Rev})
	return nil
}

// Pull replaces the local project with the remote head of pid.
func (c *Client) Pull(ctx context.Context, pid string) (project.Project, error) {
	body, err := c.remote.Fetch(ctx, pid)
	if err != nil {
		return project.Project{}, c.pullFailed(pid, StageFetchRemote, err)
	}
	snap, err := project.DecodeSnapshot(body)
	if err != nil {
		return project.Project{}, c.pullFailed(pid, StageLoad, fmt.Errorf("%w: %w", ErrMalformedResponse, err))
	}
	if err := c.store.LoadSnapshot(ctx, snap); err != nil {
		return project.Project{}, c.pullFailed(pid, StageLoad, err)
	}
	loaded := c.store.Project()
	c.metrics.RecordSync("pull", "ok")
	c.log.Info().Str("pid", pid).Str("rev", loaded.Rev).Msg("pull finished")
	c.events.Emit(EventProjectPull, map[string]any{"pid": pid, "rev": loaded.Rev})
	return loaded, nil
}

func (c *Client) pullFailed(pid string, stage Stage, err error) error {
	c.metrics.RecordSync("pull", Classify(err))
	c.log.Warn().Err(err).Str("pid", pid).Str("stage", string(stage)).Msg("pull failed")
	return &SyncError{PID: pid, Stage: stage, Err: err}
}

// Exists probes the remote. A missing project is (false, nil); transport
// failures and other rejections are errors.
func (c *Client) Exists(ctx context.Context, pid string) (bool, error) {
	ok, err := c.remote.Exists(ctx, pid)
	if err != nil {
		c.metrics.RecordSync("exists", Classify(err))
		return false, &SyncError{PID: pid, Stage: StageExists, Err: err}
	}
	outcome := "missing"
	if ok {
		outcome = "found"
	}
	c.metrics.RecordSync("exists", outcome)
	return ok, nil
}

// Status compares the local revision with the remote head.
func (c *Client) Status(ctx context.Context) (State, error) {
	local := c.store.Project()
	if local.Unsynced() {
		return StateUnsynced, nil
	}
	body, err := c.remote.Fetch(ctx, local.PID)
	if err != nil {
		return "", &SyncError{PID: local.PID, Stage: StageFetchRemote, Err: err}
	}
	rev := gjson.GetBytes(body, "project_store.rev")
	if !rev.Exists() {
		return "", &SyncError{PID: local.PID, Stage: StageFetchRemote, Err: fmt.Errorf("%w: remote snapshot has no project_store.rev", ErrMalformedResponse)}
	}
	if rev.String() != local.Rev {
		return StateDiverged, nil
	}
	return StateSynced, nil
}

// IsStale reports whether err means a pull is required before pushing.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleRevision)
}
