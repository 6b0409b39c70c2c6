package dreams

import "sort"

// The functions in this file are pure: they never mutate their arguments and
// always return fresh slices, so snapshot copies can be shared freely.

// CloneDreams deep-copies a dream list.
func CloneDreams(list []DreamAnalysis) []DreamAnalysis {
	if list == nil {
		return nil
	}
	copied := make([]DreamAnalysis, len(list))
	for i, dream := range list {
		copied[i] = dream.Clone()
	}
	return copied
}

// SortDreams orders a list newest-first (descending by local id). The sort is
// stable for equal ids, though ids are effectively unique.
func SortDreams(list []DreamAnalysis) []DreamAnalysis {
	sorted := CloneDreams(list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID > sorted[j].ID
	})
	return sorted
}

// NormalizeDreams returns a copy with every entry normalized (see
// DreamAnalysis.Normalized).
func NormalizeDreams(list []DreamAnalysis) []DreamAnalysis {
	normalized := make([]DreamAnalysis, len(list))
	for i, dream := range list {
		normalized[i] = dream.Normalized()
	}
	return normalized
}

// UpsertDream replaces the entry matching the entity's identity in place, or
// prepends the entity when nothing matches. Identity matches on remoteId
// before local id: a local id can be superseded by a server-derived id
// mid-flight, so the remoteId is the stronger witness of "same record".
func UpsertDream(list []DreamAnalysis, entity DreamAnalysis) []DreamAnalysis {
	next := CloneDreams(list)
	index := indexOfDream(next, entity.ID, entity.RemoteID)
	if index >= 0 {
		next[index] = entity.Clone()
		return next
	}
	prepended := make([]DreamAnalysis, 0, len(next)+1)
	prepended = append(prepended, entity.Clone())
	prepended = append(prepended, next...)
	return prepended
}

// RemoveDream drops every entry whose local id matches, or whose remoteId
// matches when a non-zero remoteId is given.
func RemoveDream(list []DreamAnalysis, id int64, remoteID int64) []DreamAnalysis {
	next := make([]DreamAnalysis, 0, len(list))
	for _, dream := range list {
		if dream.ID == id {
			continue
		}
		if remoteID != 0 && dream.RemoteID == remoteID {
			continue
		}
		next = append(next, dream.Clone())
	}
	return next
}

// ApplyMutations folds a pending mutation list over a snapshot in FIFO order
// and sorts the result. Applying the same list twice yields the same snapshot:
// upsert and remove are idempotent under matching identity.
func ApplyMutations(snapshot []DreamAnalysis, mutations []DreamMutation) []DreamAnalysis {
	result := CloneDreams(snapshot)
	for _, mutation := range mutations {
		switch mutation.Kind {
		case MutationCreate, MutationUpdate:
			if mutation.Dream == nil {
				continue
			}
			result = UpsertDream(result, *mutation.Dream)
		case MutationDelete:
			result = RemoveDream(result, mutation.DreamID, mutation.RemoteID)
		}
	}
	return SortDreams(result)
}

// EqualForLocalState reports deep field equality between two snapshots,
// comparing chat history per message rather than by slice identity. Callers
// use it to skip redundant persistence and publish cycles: normalization
// produces fresh slices every pass even when nothing changed.
func EqualForLocalState(a, b []DreamAnalysis) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalDream(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalDream(a, b DreamAnalysis) bool {
	if a.ID != b.ID ||
		a.RemoteID != b.RemoteID ||
		a.ClientRequestID != b.ClientRequestID ||
		a.Transcript != b.Transcript ||
		a.Title != b.Title ||
		a.Interpretation != b.Interpretation ||
		a.ShareableQuote != b.ShareableQuote ||
		a.Theme != b.Theme ||
		a.DreamType != b.DreamType ||
		a.ImageURL != b.ImageURL ||
		a.ThumbnailURL != b.ThumbnailURL ||
		a.ImageUpdatedAt != b.ImageUpdatedAt ||
		a.IsFavorite != b.IsFavorite ||
		a.IsAnalyzed != b.IsAnalyzed ||
		a.AnalysisStatus != b.AnalysisStatus ||
		a.AnalyzedAt != b.AnalyzedAt ||
		a.AnalysisRequestID != b.AnalysisRequestID {
		return false
	}
	if len(a.ChatHistory) != len(b.ChatHistory) {
		return false
	}
	for i := range a.ChatHistory {
		if !equalChatMessage(a.ChatHistory[i], b.ChatHistory[i]) {
			return false
		}
	}
	return true
}

func equalChatMessage(a, b ChatMessage) bool {
	return a.ID == b.ID &&
		a.Role == b.Role &&
		a.Text == b.Text &&
		a.CreatedAt == b.CreatedAt &&
		a.Category == b.Category
}

func indexOfDream(list []DreamAnalysis, id int64, remoteID int64) int {
	if remoteID != 0 {
		for i, dream := range list {
			if dream.RemoteID == remoteID {
				return i
			}
		}
	}
	for i, dream := range list {
		if dream.ID == id {
			return i
		}
	}
	return -1
}
