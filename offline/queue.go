package offline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/somnia/dreams"
	"github.com/MarcoPoloResearchLab/somnia/remote"
	"github.com/MarcoPoloResearchLab/somnia/storage"
	"go.uber.org/zap"
)

// QueueConfig bundles the dependencies of a sync Queue.
type QueueConfig struct {
	Store       *storage.JournalStore
	Remote      remote.Service
	Snapshot    Snapshotter
	Logger      *zap.Logger
	Clock       func() time.Time
	SyncEnabled bool
	UserID      string
}

// Queue records mutations made while offline and replays them against the
// server strictly in order. A monotonic token guards every pass: condition
// changes and newer passes bump it, and a pass that observes a stale token
// stops applying results and never persists.
type Queue struct {
	store    *storage.JournalStore
	remote   remote.Service
	snapshot Snapshotter
	logger   *zap.Logger
	clock    func() time.Time

	mu          sync.Mutex
	pending     []dreams.DreamMutation
	online      bool
	syncEnabled bool
	userID      string
	syncToken   uint64
	enqueueSeq  uint64
	activeDone  chan struct{}
	lastPassErr error
}

type headOutcome int

const (
	// headAdvanced means the head entry was applied and removed.
	headAdvanced headOutcome = iota
	// headConverted means the head changed in place and must be re-evaluated
	// without advancing.
	headConverted
	// headStale means a newer pass owns the queue; stop without touching it.
	headStale
)

// NewQueue constructs a Queue with validated configuration.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, newSyncError(opQueueNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newSyncError(opQueueNew, "missing_remote", errMissingRemote)
	}
	if cfg.Snapshot == nil {
		return nil, newSyncError(opQueueNew, "missing_snapshot", errMissingSnapshot)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		store:       cfg.Store,
		remote:      cfg.Remote,
		snapshot:    cfg.Snapshot,
		logger:      logger,
		clock:       clock,
		online:      true,
		syncEnabled: cfg.SyncEnabled,
		userID:      cfg.UserID,
	}, nil
}

// LoadPending hydrates the in-memory queue from storage. Call once at
// startup, before enqueueing or syncing.
func (q *Queue) LoadPending(ctx context.Context) error {
	pending, err := q.store.LoadPendingMutations(ctx)
	if err != nil {
		q.logError(opQueueLoad, "read_queue", err)
		return newSyncError(opQueueLoad, "read_queue", err)
	}
	q.mu.Lock()
	q.pending = pending
	q.mu.Unlock()
	return nil
}

// HasPending reports whether any mutations await sync.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

// PendingCount returns the number of queued mutations.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PendingMutations returns a copy of the queue in replay order.
func (q *Queue) PendingMutations() []dreams.DreamMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return dreams.CloneMutations(q.pending)
}

// QueueOfflineOperation applies the optimistic update, appends the mutation,
// and writes the queue through to storage before returning. A storage
// failure keeps the mutation in memory so the running session still drains
// it, and is surfaced to the caller.
func (q *Queue) QueueOfflineOperation(ctx context.Context, mutation dreams.DreamMutation, optimistic SnapshotUpdater) error {
	if err := mutation.Validate(); err != nil {
		return newSyncError(opQueueMutation, "invalid_mutation", err)
	}
	queued := mutation.Clone()
	if queued.Dream != nil && queued.Dream.ClientRequestID == "" {
		queued.Dream.ClientRequestID = dreams.DeriveClientRequestID(queued.Dream.ID)
	}

	var optimisticErr error
	if optimistic != nil {
		if err := q.snapshot.UpdateSnapshot(ctx, optimistic); err != nil {
			q.logError(opQueueMutation, "apply_optimistic", err)
			optimisticErr = err
		}
	}

	q.mu.Lock()
	q.pending = append(q.pending, queued)
	q.enqueueSeq++
	writeErr := q.store.SavePendingMutations(ctx, q.pending)
	q.mu.Unlock()

	if writeErr != nil {
		q.logError(opQueueMutation, "write_queue", writeErr)
		return newSyncError(opQueueMutation, "write_queue", writeErr)
	}
	return optimisticErr
}

// ClearQueuedMutationsForDream drops every queued mutation touching the
// given local dream id and reports whether the queue changed. Deleting a
// dream that only ever existed on this device uses this to cancel its queued
// create instead of calling the server.
func (q *Queue) ClearQueuedMutationsForDream(ctx context.Context, dreamID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := make([]dreams.DreamMutation, 0, len(q.pending))
	for _, mutation := range q.pending {
		if mutation.Targets(dreamID) {
			continue
		}
		kept = append(kept, mutation)
	}
	if len(kept) == len(q.pending) {
		return false, nil
	}
	q.pending = kept
	if err := q.store.SavePendingMutations(ctx, q.pending); err != nil {
		q.logError(opClearQueued, "write_queue", err)
		return true, newSyncError(opClearQueued, "write_queue", err)
	}
	return true, nil
}

// SetOnline records network reachability. Regaining connectivity schedules a
// drain when mutations are waiting.
func (q *Queue) SetOnline(online bool) {
	q.setCondition(func() bool {
		if q.online == online {
			return false
		}
		q.online = online
		return true
	})
}

// SetSyncEnabled toggles replication against the server.
func (q *Queue) SetSyncEnabled(enabled bool) {
	q.setCondition(func() bool {
		if q.syncEnabled == enabled {
			return false
		}
		q.syncEnabled = enabled
		return true
	})
}

// SetUser records the signed-in account. Identity changes invalidate any
// running pass so mutations never apply under the wrong account.
func (q *Queue) SetUser(userID string) {
	q.setCondition(func() bool {
		if q.userID == userID {
			return false
		}
		q.userID = userID
		return true
	})
}

func (q *Queue) setCondition(apply func() bool) {
	q.mu.Lock()
	changed := apply()
	trigger := false
	if changed {
		q.syncToken++
		trigger = q.readyLocked() && len(q.pending) > 0
	}
	q.mu.Unlock()
	if trigger {
		q.TriggerSync()
	}
}

// TriggerSync requests a drain without waiting for it.
func (q *Queue) TriggerSync() {
	go func() {
		if err := q.SyncPendingMutations(context.Background()); err != nil {
			q.logError(opSyncPending, "triggered_sync", err)
		}
	}()
}

func (q *Queue) readyLocked() bool {
	return q.online && q.syncEnabled && q.userID != ""
}

// SyncPendingMutations drains the queue head-first, stopping on the first
// failure so order is preserved. Concurrent callers share the in-flight
// pass; when mutations arrived while it ran, exactly one fresh pass follows
// before the call returns.
func (q *Queue) SyncPendingMutations(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.readyLocked() || len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		if q.activeDone != nil {
			done := q.activeDone
			seen := q.enqueueSeq
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
			}
			q.mu.Lock()
			rerun := q.enqueueSeq != seen
			err := q.lastPassErr
			q.mu.Unlock()
			if rerun {
				continue
			}
			return err
		}
		q.activeDone = make(chan struct{})
		q.syncToken++
		token := q.syncToken
		done := q.activeDone
		q.mu.Unlock()

		err := q.drainPass(ctx, token)

		q.mu.Lock()
		q.lastPassErr = err
		q.activeDone = nil
		q.mu.Unlock()
		close(done)
		return err
	}
}

func (q *Queue) drainPass(ctx context.Context, token uint64) error {
	var passErr error

	for {
		q.mu.Lock()
		if token != q.syncToken {
			q.mu.Unlock()
			return nil
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		head := q.pending[0].Clone()
		q.mu.Unlock()

		var outcome headOutcome
		var err error
		switch head.Kind {
		case dreams.MutationCreate:
			outcome, err = q.syncCreate(ctx, token, head)
		case dreams.MutationUpdate:
			outcome, err = q.syncUpdate(ctx, token, head)
		case dreams.MutationDelete:
			outcome, err = q.syncDelete(ctx, token, head)
		default:
			err = newSyncError(opSyncPending, "unknown_kind", dreams.ErrInvalidMutation)
			q.logError(opSyncPending, "unknown_kind", err, zap.String("mutationId", head.ID))
		}
		if err != nil {
			passErr = err
			break
		}
		if outcome == headStale {
			return nil
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if token != q.syncToken {
		return passErr
	}
	if err := q.store.SavePendingMutations(ctx, q.pending); err != nil {
		q.logError(opSyncPending, "write_queue", err)
		if passErr == nil {
			passErr = newSyncError(opSyncPending, "write_queue", err)
		}
	}
	return passErr
}

func (q *Queue) syncCreate(ctx context.Context, token uint64, head dreams.DreamMutation) (headOutcome, error) {
	draft := head.Dream.Clone()
	if draft.ClientRequestID == "" {
		draft.ClientRequestID = dreams.DeriveClientRequestID(draft.ID)
	}
	created, err := q.remote.CreateDream(ctx, draft, draft.ClientRequestID)
	if err != nil {
		q.logError(opSyncPending, "create_remote", err, zap.Int64("dreamId", draft.ID))
		return headAdvanced, newSyncError(opSyncPending, "create_remote", err)
	}
	if created.ID == 0 {
		created.ID = draft.ID
	}

	q.mu.Lock()
	if token != q.syncToken {
		q.mu.Unlock()
		return headStale, nil
	}
	if len(q.pending) == 0 || q.pending[0].ID != head.ID {
		q.mu.Unlock()
		return headConverted, nil
	}
	q.pending = q.pending[1:]
	promoteQueuedIdentity(q.pending, head.Dream.ID, created)
	still := anyTargets(q.pending, created.ID)
	q.mu.Unlock()

	local := head.Dream.Clone()
	updateErr := q.snapshot.UpdateSnapshot(ctx, func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
		if still {
			// Later queued mutations carry the full payload; only move the
			// snapshot entry onto its server identity.
			return retargetDream(list, local.ID, created.ID, created.RemoteID)
		}
		merged := mergeServerDream(local, created)
		return dreams.UpsertDream(dreams.RemoveDream(list, local.ID, 0), merged)
	})
	if updateErr != nil {
		q.logError(opSyncPending, "update_snapshot", updateErr)
	}
	return headAdvanced, nil
}

func (q *Queue) syncUpdate(ctx context.Context, token uint64, head dreams.DreamMutation) (headOutcome, error) {
	entity := head.Dream.Clone()
	if !entity.HasRemoteID() {
		if remoteID := q.lookupRemoteID(entity.ID); remoteID > 0 {
			entity.RemoteID = remoteID
		}
	}
	if !entity.HasRemoteID() {
		return q.convertHeadToCreate(token, head)
	}

	updated, err := q.remote.UpdateDream(ctx, entity)
	if errors.Is(err, remote.ErrDreamNotFound) {
		q.loggerOrDefault().Info("remote dream missing, requeueing as create",
			zap.Int64("dreamId", entity.ID),
			zap.Int64("remoteId", entity.RemoteID))
		return q.convertHeadToCreate(token, head)
	}
	if err != nil {
		q.logError(opSyncPending, "update_remote", err, zap.Int64("remoteId", entity.RemoteID))
		return headAdvanced, newSyncError(opSyncPending, "update_remote", err)
	}
	if updated.ID == 0 {
		updated.ID = entity.ID
	}

	q.mu.Lock()
	if token != q.syncToken {
		q.mu.Unlock()
		return headStale, nil
	}
	if len(q.pending) == 0 || q.pending[0].ID != head.ID {
		q.mu.Unlock()
		return headConverted, nil
	}
	q.pending = q.pending[1:]
	still := anyTargets(q.pending, updated.ID)
	q.mu.Unlock()

	if !still {
		local := entity
		updateErr := q.snapshot.UpdateSnapshot(ctx, func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
			return dreams.UpsertDream(list, mergeServerDream(local, updated))
		})
		if updateErr != nil {
			q.logError(opSyncPending, "update_snapshot", updateErr)
		}
	}
	return headAdvanced, nil
}

func (q *Queue) syncDelete(ctx context.Context, token uint64, head dreams.DreamMutation) (headOutcome, error) {
	remoteID := head.RemoteID
	if remoteID <= 0 {
		remoteID = q.lookupRemoteID(head.DreamID)
	}
	if remoteID <= 0 {
		err := newSyncError(opSyncPending, "missing_remote_id", errMissingRemoteID)
		q.logError(opSyncPending, "missing_remote_id", err, zap.Int64("dreamId", head.DreamID))
		return headAdvanced, err
	}

	err := q.remote.DeleteDream(ctx, remoteID)
	if err != nil && !errors.Is(err, remote.ErrDreamNotFound) {
		q.logError(opSyncPending, "delete_remote", err, zap.Int64("remoteId", remoteID))
		return headAdvanced, newSyncError(opSyncPending, "delete_remote", err)
	}

	q.mu.Lock()
	if token != q.syncToken {
		q.mu.Unlock()
		return headStale, nil
	}
	if len(q.pending) == 0 || q.pending[0].ID != head.ID {
		q.mu.Unlock()
		return headConverted, nil
	}
	q.pending = q.pending[1:]
	q.mu.Unlock()

	if updateErr := q.snapshot.UpdateSnapshot(ctx, func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
		return dreams.RemoveDream(list, head.DreamID, remoteID)
	}); updateErr != nil {
		q.logError(opSyncPending, "update_snapshot", updateErr)
	}
	return headAdvanced, nil
}

// convertHeadToCreate rewrites the queue head in place as a create carrying
// the full entity. The original update is gone; the next evaluation replays
// the head from the top.
func (q *Queue) convertHeadToCreate(token uint64, head dreams.DreamMutation) (headOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if token != q.syncToken {
		return headStale, nil
	}
	if len(q.pending) == 0 || q.pending[0].ID != head.ID {
		return headConverted, nil
	}
	converted := q.pending[0].Clone()
	converted.Kind = dreams.MutationCreate
	if converted.Dream != nil {
		converted.Dream.RemoteID = 0
		if converted.Dream.ClientRequestID == "" {
			converted.Dream.ClientRequestID = dreams.DeriveClientRequestID(converted.Dream.ID)
		}
	}
	q.pending[0] = converted
	return headConverted, nil
}

func (q *Queue) lookupRemoteID(dreamID int64) int64 {
	if dreamID == 0 {
		return 0
	}
	for _, dream := range q.snapshot.Dreams() {
		if dream.ID == dreamID {
			return dream.RemoteID
		}
	}
	return 0
}

// promoteQueuedIdentity rewrites queued mutations that still reference the
// pre-create identity so they replay against the committed server row.
func promoteQueuedIdentity(pending []dreams.DreamMutation, previousID int64, created dreams.DreamAnalysis) {
	for index := range pending {
		mutation := &pending[index]
		switch mutation.Kind {
		case dreams.MutationCreate, dreams.MutationUpdate:
			if mutation.Dream != nil && mutation.Dream.ID == previousID {
				mutation.Dream.ID = created.ID
				mutation.Dream.RemoteID = created.RemoteID
			}
		case dreams.MutationDelete:
			if mutation.DreamID == previousID {
				mutation.DreamID = created.ID
				mutation.RemoteID = created.RemoteID
			}
		}
	}
}

func anyTargets(pending []dreams.DreamMutation, dreamID int64) bool {
	for _, mutation := range pending {
		if mutation.Targets(dreamID) {
			return true
		}
	}
	return false
}

func retargetDream(list []dreams.DreamAnalysis, previousID, newID, remoteID int64) []dreams.DreamAnalysis {
	for index := range list {
		if list[index].ID == previousID {
			list[index].ID = newID
			list[index].RemoteID = remoteID
		}
	}
	return list
}

// mergeServerDream overlays the committed server row onto the local copy,
// keeping locally generated artifacts the server does not know about.
func mergeServerDream(local, server dreams.DreamAnalysis) dreams.DreamAnalysis {
	merged := server.Clone()
	if merged.ImageURL == "" {
		merged.ImageURL = local.ImageURL
	}
	if merged.ThumbnailURL == "" {
		merged.ThumbnailURL = local.ThumbnailURL
	}
	if merged.ImageUpdatedAt == 0 {
		merged.ImageUpdatedAt = local.ImageUpdatedAt
	}
	if merged.ClientRequestID == "" {
		merged.ClientRequestID = local.ClientRequestID
	}
	return merged
}

func (q *Queue) loggerOrDefault() *zap.Logger {
	if q == nil {
		return noOpLogger
	}
	if q.logger == nil {
		return noOpLogger
	}
	return q.logger
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.loggerOrDefault().Error("offline sync error", attrs...)
}
