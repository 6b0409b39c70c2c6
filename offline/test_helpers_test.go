package offline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/somnia/dreams"
	"github.com/MarcoPoloResearchLab/somnia/storage"
)

type staticCreds struct {
	userID string
	ready  bool
}

func (c staticCreds) CurrentUserID() string {
	return c.userID
}

func (c staticCreds) HasReadyAccessToken(context.Context) bool {
	return c.ready
}

type remoteCreateCall struct {
	dream dreams.DreamAnalysis
	key   string
}

// fakeRemote records every call and answers like the reference server unless
// a test installs a scripted handler.
type fakeRemote struct {
	mu           sync.Mutex
	nextRemoteID int64
	creates      []remoteCreateCall
	updates      []dreams.DreamAnalysis
	deletes      []int64
	listCalls    int
	createFn     func(dreams.DreamAnalysis, string) (dreams.DreamAnalysis, error)
	updateFn     func(dreams.DreamAnalysis) (dreams.DreamAnalysis, error)
	deleteFn     func(int64) error
	listFn       func() ([]dreams.DreamAnalysis, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nextRemoteID: 100}
}

func (f *fakeRemote) CreateDream(_ context.Context, dream dreams.DreamAnalysis, key string) (dreams.DreamAnalysis, error) {
	f.mu.Lock()
	f.creates = append(f.creates, remoteCreateCall{dream: dream.Clone(), key: key})
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(dream, key)
	}
	f.mu.Lock()
	f.nextRemoteID++
	remoteID := f.nextRemoteID
	f.mu.Unlock()
	committed := dream.Clone()
	committed.RemoteID = remoteID
	return committed, nil
}

func (f *fakeRemote) UpdateDream(_ context.Context, dream dreams.DreamAnalysis) (dreams.DreamAnalysis, error) {
	f.mu.Lock()
	f.updates = append(f.updates, dream.Clone())
	fn := f.updateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(dream)
	}
	return dream.Clone(), nil
}

func (f *fakeRemote) DeleteDream(_ context.Context, remoteID int64) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, remoteID)
	fn := f.deleteFn
	f.mu.Unlock()
	if fn != nil {
		return fn(remoteID)
	}
	return nil
}

func (f *fakeRemote) ListDreams(context.Context) ([]dreams.DreamAnalysis, error) {
	f.mu.Lock()
	f.listCalls++
	fn := f.listFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, nil
}

func (f *fakeRemote) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeRemote) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeRemote) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeRemote) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeRemote) createAt(t *testing.T, index int) remoteCreateCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= len(f.creates) {
		t.Fatalf("expected at least %d create calls, got %d", index+1, len(f.creates))
	}
	return f.creates[index]
}

func (f *fakeRemote) updateAt(t *testing.T, index int) dreams.DreamAnalysis {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= len(f.updates) {
		t.Fatalf("expected at least %d update calls, got %d", index+1, len(f.updates))
	}
	return f.updates[index]
}

func (f *fakeRemote) deleteAt(t *testing.T, index int) int64 {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= len(f.deletes) {
		t.Fatalf("expected at least %d delete calls, got %d", index+1, len(f.deletes))
	}
	return f.deletes[index]
}

// countingKeyValue wraps a KeyValue and counts writes.
type countingKeyValue struct {
	inner storage.KeyValue
	mu    sync.Mutex
	sets  int
}

func (c *countingKeyValue) Get(ctx context.Context, key string) (string, bool, error) {
	return c.inner.Get(ctx, key)
}

func (c *countingKeyValue) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.inner.Set(ctx, key, value)
}

func (c *countingKeyValue) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

func (c *countingKeyValue) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

func mustJournalStore(t *testing.T, kv storage.KeyValue) *storage.JournalStore {
	t.Helper()
	store, err := storage.NewJournalStore(storage.JournalStoreConfig{KeyValue: kv})
	if err != nil {
		t.Fatalf("NewJournalStore returned error: %v", err)
	}
	return store
}

type engineHarness struct {
	store   *storage.JournalStore
	remote  *fakeRemote
	persist *Persistence
	queue   *Queue
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	store := mustJournalStore(t, storage.NewMemoryStore())
	fake := newFakeRemote()
	persist, err := NewPersistence(PersistenceConfig{
		Store:        store,
		Remote:       fake,
		Credentials:  staticCreds{userID: "user-1", ready: true},
		RemoteSync:   true,
		TokenBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPersistence returned error: %v", err)
	}
	queue, err := NewQueue(QueueConfig{
		Store:       store,
		Remote:      fake,
		Snapshot:    persist,
		SyncEnabled: true,
		UserID:      "user-1",
	})
	if err != nil {
		t.Fatalf("NewQueue returned error: %v", err)
	}
	return &engineHarness{store: store, remote: fake, persist: persist, queue: queue}
}

func (h *engineHarness) enqueueCreate(t *testing.T, dream dreams.DreamAnalysis) {
	t.Helper()
	mutation, err := dreams.NewCreateMutation("q-create-"+dream.Title, dream, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("NewCreateMutation returned error: %v", err)
	}
	entity := dream
	err = h.queue.QueueOfflineOperation(context.Background(), mutation, func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
		return dreams.UpsertDream(list, entity)
	})
	if err != nil {
		t.Fatalf("QueueOfflineOperation returned error: %v", err)
	}
}

func (h *engineHarness) enqueueUpdate(t *testing.T, dream dreams.DreamAnalysis) {
	t.Helper()
	mutation, err := dreams.NewUpdateMutation("q-update-"+dream.Title, dream, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("NewUpdateMutation returned error: %v", err)
	}
	entity := dream
	err = h.queue.QueueOfflineOperation(context.Background(), mutation, func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
		return dreams.UpsertDream(list, entity)
	})
	if err != nil {
		t.Fatalf("QueueOfflineOperation returned error: %v", err)
	}
}

func (h *engineHarness) enqueueDelete(t *testing.T, queueID string, dreamID, remoteID int64) {
	t.Helper()
	mutation, err := dreams.NewDeleteMutation(queueID, dreamID, remoteID, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("NewDeleteMutation returned error: %v", err)
	}
	err = h.queue.QueueOfflineOperation(context.Background(), mutation, func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
		return dreams.RemoveDream(list, dreamID, remoteID)
	})
	if err != nil {
		t.Fatalf("QueueOfflineOperation returned error: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
