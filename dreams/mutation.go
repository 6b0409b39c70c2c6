package dreams

import (
	"errors"
	"fmt"
)

// MutationKind discriminates the closed set of queued mutation variants.
type MutationKind string

const (
	// MutationCreate records a locally drafted dream awaiting its first
	// server commit.
	MutationCreate MutationKind = "create"
	// MutationUpdate records a full-entity rewrite of an existing dream.
	MutationUpdate MutationKind = "update"
	// MutationDelete records the removal of a dream.
	MutationDelete MutationKind = "delete"
)

var (
	// ErrInvalidMutation indicates a mutation that fails construction-time checks.
	ErrInvalidMutation = errors.New("dreams: invalid mutation")
)

// DreamMutation is one durably recorded intent in the pending queue. Exactly
// one variant applies, selected by Kind: create and update carry the full
// post-mutation entity in Dream; delete carries the target identity in
// DreamID/RemoteID. ID is a queue-local identifier, unique within the pending
// queue and unrelated to the entity id. CreatedAt (unix milliseconds)
// establishes strict FIFO replay order.
type DreamMutation struct {
	ID        string         `json:"id"`
	Kind      MutationKind   `json:"kind"`
	Dream     *DreamAnalysis `json:"dream,omitempty"`
	DreamID   int64          `json:"dreamId,omitempty"`
	RemoteID  int64          `json:"remoteId,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// NewCreateMutation builds a validated create mutation.
func NewCreateMutation(queueID string, dream DreamAnalysis, createdAt int64) (DreamMutation, error) {
	mutation := DreamMutation{
		ID:        queueID,
		Kind:      MutationCreate,
		Dream:     &dream,
		CreatedAt: createdAt,
	}
	if err := mutation.Validate(); err != nil {
		return DreamMutation{}, err
	}
	return mutation, nil
}

// NewUpdateMutation builds a validated update mutation carrying the full
// post-mutation entity.
func NewUpdateMutation(queueID string, dream DreamAnalysis, createdAt int64) (DreamMutation, error) {
	mutation := DreamMutation{
		ID:        queueID,
		Kind:      MutationUpdate,
		Dream:     &dream,
		CreatedAt: createdAt,
	}
	if err := mutation.Validate(); err != nil {
		return DreamMutation{}, err
	}
	return mutation, nil
}

// NewDeleteMutation builds a validated delete mutation. remoteID may be zero
// when the record was never committed server-side.
func NewDeleteMutation(queueID string, dreamID, remoteID, createdAt int64) (DreamMutation, error) {
	mutation := DreamMutation{
		ID:        queueID,
		Kind:      MutationDelete,
		DreamID:   dreamID,
		RemoteID:  remoteID,
		CreatedAt: createdAt,
	}
	if err := mutation.Validate(); err != nil {
		return DreamMutation{}, err
	}
	return mutation, nil
}

// Validate checks the kind-specific invariants. It is applied at construction
// and again when a persisted queue is loaded from storage.
func (m DreamMutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: queue id is empty", ErrInvalidMutation)
	}
	if m.CreatedAt <= 0 {
		return fmt.Errorf("%w: created at must be positive", ErrInvalidMutation)
	}
	switch m.Kind {
	case MutationCreate, MutationUpdate:
		if m.Dream == nil {
			return fmt.Errorf("%w: %s mutation carries no dream", ErrInvalidMutation, m.Kind)
		}
		if m.Dream.ID == 0 {
			return fmt.Errorf("%w: %s mutation dream has no local id", ErrInvalidMutation, m.Kind)
		}
	case MutationDelete:
		if m.DreamID == 0 {
			return fmt.Errorf("%w: delete mutation has no dream id", ErrInvalidMutation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
	return nil
}

// EntityID returns the local dream id this mutation targets.
func (m DreamMutation) EntityID() int64 {
	switch m.Kind {
	case MutationCreate, MutationUpdate:
		if m.Dream != nil {
			return m.Dream.ID
		}
		return 0
	case MutationDelete:
		return m.DreamID
	default:
		return 0
	}
}

// Targets reports whether this mutation references the given local dream id.
func (m DreamMutation) Targets(dreamID int64) bool {
	return dreamID != 0 && m.EntityID() == dreamID
}

// Clone returns a deep copy safe to hand across goroutines.
func (m DreamMutation) Clone() DreamMutation {
	copied := m
	if m.Dream != nil {
		cloned := m.Dream.Clone()
		copied.Dream = &cloned
	}
	return copied
}

// CloneMutations deep-copies a mutation slice.
func CloneMutations(mutations []DreamMutation) []DreamMutation {
	if mutations == nil {
		return nil
	}
	copied := make([]DreamMutation, len(mutations))
	for i, mutation := range mutations {
		copied[i] = mutation.Clone()
	}
	return copied
}
