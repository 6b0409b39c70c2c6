package offline

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingStore       = errors.New("journal store is required")
	errMissingRemote      = errors.New("remote service is required")
	errMissingCredentials = errors.New("credential source is required")
	errMissingSnapshot    = errors.New("snapshot sink is required")
	errMissingRemoteID    = errors.New("queued delete has no remote id")
	noOpLogger            = zap.NewNop()
)

// SyncError carries a stable operation.reason code alongside the cause.
type SyncError struct {
	code string
	err  error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

func (e *SyncError) Code() string {
	return e.code
}

const (
	opPersistenceNew  = "offline.persistence.new"
	opQueueNew        = "offline.queue.new"
	opLoadInitial     = "offline.load_initial"
	opPersistLocal    = "offline.persist_local"
	opPersistCache    = "offline.persist_remote_cache"
	opMigrateGuest    = "offline.migrate_guest"
	opMigrateUnsynced = "offline.migrate_unsynced"
	opQueueLoad       = "offline.queue.load"
	opQueueMutation   = "offline.queue_mutation"
	opSyncPending     = "offline.sync_pending"
	opClearQueued     = "offline.clear_queued"
)

func newSyncError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &SyncError{code: code, err: cause}
}
