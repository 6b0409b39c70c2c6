// Package offline keeps dream journal state usable without connectivity. The
// Persistence orchestrator owns the published snapshot and its durable
// copies; the Queue records mutations made offline and replays them against
// the server in order once conditions allow.
package offline

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/somnia/dreams"
	"github.com/MarcoPoloResearchLab/somnia/remote"
	"github.com/MarcoPoloResearchLab/somnia/storage"
	"go.uber.org/zap"
)

const (
	defaultTokenAttempts = 5
	defaultTokenBackoff  = 200 * time.Millisecond
)

// SnapshotUpdater transforms a dream list into its replacement. The input
// slice is a private copy; implementations may return it modified or build a
// new one, but the engine never hands out shared state.
type SnapshotUpdater func([]dreams.DreamAnalysis) []dreams.DreamAnalysis

// Snapshotter is the view of published dream state the sync queue works
// against.
type Snapshotter interface {
	Dreams() []dreams.DreamAnalysis
	UpdateSnapshot(ctx context.Context, update SnapshotUpdater) error
}

// Credentials reports the identity the engine acts under.
type Credentials interface {
	CurrentUserID() string
	HasReadyAccessToken(ctx context.Context) bool
}

// PersistenceConfig bundles the dependencies of a Persistence orchestrator.
// Remote and Credentials may be left nil for guest-only operation.
type PersistenceConfig struct {
	Store         *storage.JournalStore
	Remote        remote.Service
	Credentials   Credentials
	Logger        *zap.Logger
	Clock         func() time.Time
	OnSnapshot    func([]dreams.DreamAnalysis)
	RemoteSync    bool
	TokenAttempts int
	TokenBackoff  time.Duration
}

// Persistence owns the in-memory dream snapshot, routes durable writes to
// the guest store or the server cache, and rebuilds state at startup.
type Persistence struct {
	store         *storage.JournalStore
	remote        remote.Service
	credentials   Credentials
	logger        *zap.Logger
	clock         func() time.Time
	onSnapshot    func([]dreams.DreamAnalysis)
	tokenAttempts int
	tokenBackoff  time.Duration

	mu          sync.Mutex
	dreams      []dreams.DreamAnalysis
	remoteSync  bool
	sweepActive bool
	wg          sync.WaitGroup
}

// NewPersistence constructs a Persistence with validated configuration.
func NewPersistence(cfg PersistenceConfig) (*Persistence, error) {
	if cfg.Store == nil {
		return nil, newSyncError(opPersistenceNew, "missing_store", errMissingStore)
	}
	if cfg.RemoteSync && cfg.Remote == nil {
		return nil, newSyncError(opPersistenceNew, "missing_remote", errMissingRemote)
	}
	if cfg.RemoteSync && cfg.Credentials == nil {
		return nil, newSyncError(opPersistenceNew, "missing_credentials", errMissingCredentials)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	tokenAttempts := cfg.TokenAttempts
	if tokenAttempts <= 0 {
		tokenAttempts = defaultTokenAttempts
	}
	tokenBackoff := cfg.TokenBackoff
	if tokenBackoff <= 0 {
		tokenBackoff = defaultTokenBackoff
	}

	return &Persistence{
		store:         cfg.Store,
		remote:        cfg.Remote,
		credentials:   cfg.Credentials,
		logger:        logger,
		clock:         clock,
		onSnapshot:    cfg.OnSnapshot,
		tokenAttempts: tokenAttempts,
		tokenBackoff:  tokenBackoff,
		remoteSync:    cfg.RemoteSync,
	}, nil
}

// Dreams returns a copy of the published snapshot, newest first.
func (p *Persistence) Dreams() []dreams.DreamAnalysis {
	p.mu.Lock()
	defer p.mu.Unlock()
	return dreams.CloneDreams(p.dreams)
}

// SetRemoteSync switches snapshot routing between the guest store and the
// server cache. Call LoadInitial afterwards to repopulate from the new
// source.
func (p *Persistence) SetRemoteSync(enabled bool) {
	p.mu.Lock()
	p.remoteSync = enabled
	p.mu.Unlock()
}

func (p *Persistence) remoteSyncOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSync
}

// UpdateSnapshot applies the updater to the published list and writes the
// result through to whichever store the current mode targets. The in-memory
// snapshot and the subscriber callback always see the update; a storage
// failure is surfaced after both.
func (p *Persistence) UpdateSnapshot(ctx context.Context, update SnapshotUpdater) error {
	if update == nil {
		return nil
	}
	p.mu.Lock()
	updated := update(dreams.CloneDreams(p.dreams))
	normalized := dreams.SortDreams(dreams.NormalizeDreams(updated))
	if dreams.EqualForLocalState(p.dreams, normalized) {
		p.mu.Unlock()
		return nil
	}
	p.dreams = normalized
	persist := p.store.SaveLocalDreams
	operation := opPersistLocal
	if p.remoteSync {
		persist = p.store.SaveRemoteCache
		operation = opPersistCache
	}
	writeErr := persist(ctx, normalized)
	published := dreams.CloneDreams(normalized)
	p.mu.Unlock()

	p.notify(published)
	if writeErr != nil {
		p.logError(operation, "write_snapshot", writeErr)
		return newSyncError(operation, "write_snapshot", writeErr)
	}
	return nil
}

// PersistLocal replaces the guest snapshot with the given list.
func (p *Persistence) PersistLocal(ctx context.Context, list []dreams.DreamAnalysis) error {
	replacement := dreams.CloneDreams(list)
	return p.persistWith(ctx, func([]dreams.DreamAnalysis) []dreams.DreamAnalysis {
		return replacement
	}, p.store.SaveLocalDreams, opPersistLocal)
}

// PersistRemoteCache applies the updater to the cached server snapshot.
func (p *Persistence) PersistRemoteCache(ctx context.Context, update SnapshotUpdater) error {
	if update == nil {
		return nil
	}
	return p.persistWith(ctx, update, p.store.SaveRemoteCache, opPersistCache)
}

func (p *Persistence) persistWith(ctx context.Context, update SnapshotUpdater, persist func(context.Context, []dreams.DreamAnalysis) error, operation string) error {
	p.mu.Lock()
	updated := update(dreams.CloneDreams(p.dreams))
	normalized := dreams.SortDreams(dreams.NormalizeDreams(updated))
	if dreams.EqualForLocalState(p.dreams, normalized) {
		p.mu.Unlock()
		return nil
	}
	p.dreams = normalized
	writeErr := persist(ctx, normalized)
	published := dreams.CloneDreams(normalized)
	p.mu.Unlock()

	p.notify(published)
	if writeErr != nil {
		p.logError(operation, "write_snapshot", writeErr)
		return newSyncError(operation, "write_snapshot", writeErr)
	}
	return nil
}

// LoadInitial rebuilds the published snapshot. In guest mode it reads the
// local store and never touches the network. In remote mode it reads the
// pending queue and server cache in parallel, migrates guest records, fetches
// the authoritative list when a token is ready, and falls back to the cache
// otherwise. Pending mutations are replayed over whichever base was chosen so
// offline edits stay visible.
func (p *Persistence) LoadInitial(ctx context.Context) error {
	if p.remoteSyncOn() {
		return p.loadInitialRemote(ctx)
	}
	return p.loadInitialLocal(ctx)
}

// Reload re-runs the initial load for the current mode. Callers use it after
// flipping remote sync or switching accounts so the snapshot reflects the new
// source of truth.
func (p *Persistence) Reload(ctx context.Context) error {
	return p.LoadInitial(ctx)
}

func (p *Persistence) loadInitialLocal(ctx context.Context) error {
	stored, err := p.store.LoadLocalDreams(ctx)
	if err != nil {
		p.logError(opLoadInitial, "read_local", err)
		return newSyncError(opLoadInitial, "read_local", err)
	}
	list := dreams.SortDreams(dreams.NormalizeDreams(stored))
	p.publish(list)
	return nil
}

func (p *Persistence) loadInitialRemote(ctx context.Context) error {
	if p.remote == nil || p.credentials == nil {
		return newSyncError(opLoadInitial, "missing_remote", errMissingRemote)
	}

	var (
		wg         sync.WaitGroup
		pending    []dreams.DreamMutation
		cached     []dreams.DreamAnalysis
		pendingErr error
		cacheErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pending, pendingErr = p.store.LoadPendingMutations(ctx)
	}()
	go func() {
		defer wg.Done()
		cached, cacheErr = p.store.LoadRemoteCache(ctx)
	}()
	wg.Wait()
	if pendingErr != nil {
		p.logError(opLoadInitial, "read_pending", pendingErr)
		return newSyncError(opLoadInitial, "read_pending", pendingErr)
	}
	if cacheErr != nil {
		p.logError(opLoadInitial, "read_cache", cacheErr)
		return newSyncError(opLoadInitial, "read_cache", cacheErr)
	}

	if err := p.MigrateGuestDreams(ctx); err != nil {
		p.logError(opLoadInitial, "migrate_guest", err)
	}

	base := cached
	if p.waitForReadyAccessToken(ctx) {
		remoteList, err := p.remote.ListDreams(ctx)
		if err != nil {
			p.logError(opLoadInitial, "fetch_remote", err)
		} else {
			normalized := dreams.SortDreams(dreams.NormalizeDreams(remoteList))
			if err := p.store.SaveRemoteCache(ctx, normalized); err != nil {
				p.logError(opLoadInitial, "write_cache", err)
				return newSyncError(opLoadInitial, "write_cache", err)
			}
			base = normalized
		}
	}

	list := dreams.ApplyMutations(dreams.SortDreams(dreams.NormalizeDreams(base)), pending)
	p.publish(list)

	p.startUnsyncedSweep(ctx)
	return nil
}

func (p *Persistence) publish(list []dreams.DreamAnalysis) {
	p.mu.Lock()
	p.dreams = list
	published := dreams.CloneDreams(list)
	p.mu.Unlock()
	p.notify(published)
}

func (p *Persistence) waitForReadyAccessToken(ctx context.Context) bool {
	for attempt := 0; attempt < p.tokenAttempts; attempt++ {
		if p.credentials.HasReadyAccessToken(ctx) {
			return true
		}
		if attempt == p.tokenAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.tokenBackoff):
		}
	}
	return false
}

// MigrateGuestDreams replays dreams captured before sign-in against the
// signed-in account. Creates reuse the deterministic client request id, so a
// retry after a partial failure cannot duplicate rows. The guest store is
// cleared only once every row is on the server.
func (p *Persistence) MigrateGuestDreams(ctx context.Context) error {
	if p.remote == nil {
		return newSyncError(opMigrateGuest, "missing_remote", errMissingRemote)
	}
	locals, err := p.store.LoadLocalDreams(ctx)
	if err != nil {
		return newSyncError(opMigrateGuest, "read_local", err)
	}
	unsynced := make([]dreams.DreamAnalysis, 0, len(locals))
	for _, dream := range locals {
		if !dream.HasRemoteID() {
			unsynced = append(unsynced, dream)
		}
	}
	if len(unsynced) == 0 {
		return nil
	}
	for _, dream := range unsynced {
		draft := dream.Clone()
		if draft.ClientRequestID == "" {
			draft.ClientRequestID = dreams.DeriveClientRequestID(draft.ID)
		}
		if _, err := p.remote.CreateDream(ctx, draft, draft.ClientRequestID); err != nil {
			return newSyncError(opMigrateGuest, "create_remote", err)
		}
	}
	if err := p.store.ClearLocalDreams(ctx); err != nil {
		return newSyncError(opMigrateGuest, "clear_local", err)
	}
	return nil
}

// MigrateUnsyncedDreams sweeps every place an unsynced dream can hide after
// an upgrade or a crash: the pending queue, the server cache, and the guest
// store. Candidates are deduplicated by client request id and pushed
// individually; one failure does not stop the rest. The per-user completion
// flag is set only when every candidate made it to the server.
func (p *Persistence) MigrateUnsyncedDreams(ctx context.Context) error {
	if p.remote == nil || p.credentials == nil {
		return newSyncError(opMigrateUnsynced, "missing_remote", errMissingRemote)
	}
	userID := p.credentials.CurrentUserID()
	if userID == "" {
		return nil
	}
	done, err := p.store.UnsyncedMigrationDone(ctx, userID)
	if err != nil {
		return newSyncError(opMigrateUnsynced, "read_flag", err)
	}
	if done {
		return nil
	}

	var candidates []dreams.DreamAnalysis
	seen := make(map[string]struct{})
	collect := func(dream dreams.DreamAnalysis) {
		if dream.HasRemoteID() {
			return
		}
		clone := dream.Clone()
		if clone.ClientRequestID == "" {
			clone.ClientRequestID = dreams.DeriveClientRequestID(clone.ID)
		}
		if _, dup := seen[clone.ClientRequestID]; dup {
			return
		}
		seen[clone.ClientRequestID] = struct{}{}
		candidates = append(candidates, clone)
	}

	pending, err := p.store.LoadPendingMutations(ctx)
	if err != nil {
		return newSyncError(opMigrateUnsynced, "read_pending", err)
	}
	for _, mutation := range pending {
		if mutation.Kind == dreams.MutationCreate && mutation.Dream != nil {
			collect(*mutation.Dream)
		}
	}
	cached, err := p.store.LoadRemoteCache(ctx)
	if err != nil {
		return newSyncError(opMigrateUnsynced, "read_cache", err)
	}
	for _, dream := range cached {
		collect(dream)
	}
	locals, err := p.store.LoadLocalDreams(ctx)
	if err != nil {
		return newSyncError(opMigrateUnsynced, "read_local", err)
	}
	for _, dream := range locals {
		collect(dream)
	}

	var firstErr error
	for _, candidate := range candidates {
		if _, err := p.remote.CreateDream(ctx, candidate, candidate.ClientRequestID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.logError(opMigrateUnsynced, "create_remote", err, zap.Int64("dreamId", candidate.ID))
		}
	}
	if firstErr != nil {
		return newSyncError(opMigrateUnsynced, "create_remote", firstErr)
	}
	if err := p.store.MarkUnsyncedMigrationDone(ctx, userID); err != nil {
		return newSyncError(opMigrateUnsynced, "write_flag", err)
	}
	return nil
}

func (p *Persistence) startUnsyncedSweep(ctx context.Context) {
	p.mu.Lock()
	if p.sweepActive {
		p.mu.Unlock()
		return
	}
	p.sweepActive = true
	p.mu.Unlock()

	// The sweep outlives the load call that started it.
	sweepCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.sweepActive = false
			p.mu.Unlock()
		}()
		if err := p.MigrateUnsyncedDreams(sweepCtx); err != nil {
			p.logError(opMigrateUnsynced, "sweep", err)
		}
	}()
}

// Close waits for background work to finish.
func (p *Persistence) Close() {
	p.wg.Wait()
}

func (p *Persistence) notify(list []dreams.DreamAnalysis) {
	if p.onSnapshot == nil {
		return
	}
	p.onSnapshot(list)
}

func (p *Persistence) loggerOrDefault() *zap.Logger {
	if p == nil {
		return noOpLogger
	}
	if p.logger == nil {
		return noOpLogger
	}
	return p.logger
}

func (p *Persistence) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.loggerOrDefault().Error("offline persistence error", attrs...)
}
