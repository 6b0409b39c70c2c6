package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/somnia/dreams"
)

const (
	keyLocalDreams      = "dreams.local"
	keyRemoteCache      = "dreams.remoteCache"
	keyPendingMutations = "dreams.pendingMutations"

	migrationFlagPrefix = "dreams.unsyncedMigration."
	migrationFlagValue  = "true"
)

// JournalStoreConfig bundles the dependencies of a JournalStore.
type JournalStoreConfig struct {
	KeyValue KeyValue
}

// JournalStore is the typed persistence layer of the offline engine. It owns
// the logical key names (local snapshot, remote cache, pending mutation
// queue, per-user migration flags) and the JSON document codecs, leaving the
// underlying KeyValue schema-free.
type JournalStore struct {
	kv KeyValue
}

// NewJournalStore validates the configuration and returns a store.
func NewJournalStore(cfg JournalStoreConfig) (*JournalStore, error) {
	if cfg.KeyValue == nil {
		return nil, ErrMissingKeyValue
	}
	return &JournalStore{kv: cfg.KeyValue}, nil
}

// LoadLocalDreams reads the guest/offline canonical snapshot. An absent key
// decodes as an empty list.
func (s *JournalStore) LoadLocalDreams(ctx context.Context) ([]dreams.DreamAnalysis, error) {
	return s.loadDreams(ctx, keyLocalDreams)
}

// SaveLocalDreams writes the guest/offline canonical snapshot.
func (s *JournalStore) SaveLocalDreams(ctx context.Context, list []dreams.DreamAnalysis) error {
	return s.saveDreams(ctx, keyLocalDreams, list)
}

// ClearLocalDreams removes the guest/offline snapshot entirely, used after a
// completed guest-to-account migration.
func (s *JournalStore) ClearLocalDreams(ctx context.Context) error {
	if err := s.kv.Delete(ctx, keyLocalDreams); err != nil {
		return fmt.Errorf("storage: clear local dreams: %w", err)
	}
	return nil
}

// LoadRemoteCache reads the last-known reconciled server snapshot.
func (s *JournalStore) LoadRemoteCache(ctx context.Context) ([]dreams.DreamAnalysis, error) {
	return s.loadDreams(ctx, keyRemoteCache)
}

// SaveRemoteCache writes the reconciled server snapshot.
func (s *JournalStore) SaveRemoteCache(ctx context.Context, list []dreams.DreamAnalysis) error {
	return s.saveDreams(ctx, keyRemoteCache, list)
}

// LoadPendingMutations reads and validates the durable mutation queue. A
// decode or validation failure is surfaced as an error rather than silently
// dropping intents: the queue is user data.
func (s *JournalStore) LoadPendingMutations(ctx context.Context) ([]dreams.DreamMutation, error) {
	raw, ok, err := s.kv.Get(ctx, keyPendingMutations)
	if err != nil {
		return nil, fmt.Errorf("storage: read pending mutations: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var mutations []dreams.DreamMutation
	if err := json.Unmarshal([]byte(raw), &mutations); err != nil {
		return nil, fmt.Errorf("storage: decode pending mutations: %w", err)
	}
	for _, mutation := range mutations {
		if err := mutation.Validate(); err != nil {
			return nil, fmt.Errorf("storage: pending mutation %s: %w", mutation.ID, err)
		}
	}
	return mutations, nil
}

// SavePendingMutations writes the full mutation queue.
func (s *JournalStore) SavePendingMutations(ctx context.Context, mutations []dreams.DreamMutation) error {
	if len(mutations) == 0 {
		if err := s.kv.Set(ctx, keyPendingMutations, "[]"); err != nil {
			return fmt.Errorf("storage: write pending mutations: %w", err)
		}
		return nil
	}
	encoded, err := json.Marshal(mutations)
	if err != nil {
		return fmt.Errorf("storage: encode pending mutations: %w", err)
	}
	if err := s.kv.Set(ctx, keyPendingMutations, string(encoded)); err != nil {
		return fmt.Errorf("storage: write pending mutations: %w", err)
	}
	return nil
}

// UnsyncedMigrationDone reports whether the one-shot unsynced sweep has
// completed for the user.
func (s *JournalStore) UnsyncedMigrationDone(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	value, ok, err := s.kv.Get(ctx, migrationFlagPrefix+userID)
	if err != nil {
		return false, fmt.Errorf("storage: read migration flag: %w", err)
	}
	return ok && value == migrationFlagValue, nil
}

// MarkUnsyncedMigrationDone sets the per-user sweep completion flag.
func (s *JournalStore) MarkUnsyncedMigrationDone(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if err := s.kv.Set(ctx, migrationFlagPrefix+userID, migrationFlagValue); err != nil {
		return fmt.Errorf("storage: write migration flag: %w", err)
	}
	return nil
}

func (s *JournalStore) loadDreams(ctx context.Context, key string) ([]dreams.DreamAnalysis, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var list []dreams.DreamAnalysis
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return list, nil
}

func (s *JournalStore) saveDreams(ctx context.Context, key string, list []dreams.DreamAnalysis) error {
	if list == nil {
		list = []dreams.DreamAnalysis{}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(encoded)); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	return nil
}
