package dreams

import "testing"

func TestSortDreamsOrdersNewestFirst(t *testing.T) {
	permutations := [][]int64{
		{10, 30, 20},
		{30, 20, 10},
		{20, 10, 30},
	}
	for _, ids := range permutations {
		list := make([]DreamAnalysis, 0, len(ids))
		for _, id := range ids {
			list = append(list, makeDream(id, 0, "d"))
		}
		sorted := SortDreams(list)
		if len(sorted) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(sorted))
		}
		if sorted[0].ID != 30 || sorted[1].ID != 20 || sorted[2].ID != 10 {
			t.Fatalf("unexpected order for input %v: %v %v %v", ids, sorted[0].ID, sorted[1].ID, sorted[2].ID)
		}
	}
}

func TestSortDreamsDoesNotMutateInput(t *testing.T) {
	list := []DreamAnalysis{makeDream(1, 0, "a"), makeDream(2, 0, "b")}
	_ = SortDreams(list)
	if list[0].ID != 1 || list[1].ID != 2 {
		t.Fatalf("input list was mutated: %v %v", list[0].ID, list[1].ID)
	}
}

func TestUpsertDreamReplacesByRemoteID(t *testing.T) {
	list := []DreamAnalysis{
		makeDream(9001, 500, "server copy"),
		makeDream(2, 0, "untouched"),
	}
	incoming := makeDream(1, 500, "rewritten")

	next := UpsertDream(list, incoming)

	if len(next) != 2 {
		t.Fatalf("expected replacement, got %d entries", len(next))
	}
	if next[0].Title != "rewritten" || next[0].ID != 1 {
		t.Fatalf("expected remoteId match to replace in place, got %+v", next[0])
	}
	if next[1].Title != "untouched" {
		t.Fatalf("unrelated entry changed: %+v", next[1])
	}
}

func TestUpsertDreamReplacesByLocalID(t *testing.T) {
	list := []DreamAnalysis{makeDream(42, 0, "before")}
	next := UpsertDream(list, makeDream(42, 0, "after"))
	if len(next) != 1 || next[0].Title != "after" {
		t.Fatalf("expected in-place replacement, got %+v", next)
	}
}

func TestUpsertDreamPrependsWhenUnmatched(t *testing.T) {
	list := []DreamAnalysis{makeDream(1, 0, "old")}
	next := UpsertDream(list, makeDream(2, 0, "new"))
	if len(next) != 2 {
		t.Fatalf("expected prepend, got %d entries", len(next))
	}
	if next[0].ID != 2 || next[1].ID != 1 {
		t.Fatalf("expected new entry first, got ids %d, %d", next[0].ID, next[1].ID)
	}
}

func TestUpsertDreamPrefersRemoteIDOverLocalID(t *testing.T) {
	list := []DreamAnalysis{
		makeDream(1, 0, "stale local"),
		makeDream(9001, 500, "server row"),
	}
	incoming := makeDream(1, 500, "promoted")

	next := UpsertDream(list, incoming)

	if len(next) != 2 {
		t.Fatalf("expected replacement, got %d entries", len(next))
	}
	if next[1].Title != "promoted" {
		t.Fatalf("expected the remoteId match to win, got %+v", next)
	}
	if next[0].Title != "stale local" {
		t.Fatalf("local-id entry should be untouched, got %+v", next[0])
	}
}

func TestRemoveDreamDropsByEitherIdentity(t *testing.T) {
	list := []DreamAnalysis{
		makeDream(1, 0, "local only"),
		makeDream(9001, 500, "synced"),
		makeDream(3, 0, "kept"),
	}

	afterLocal := RemoveDream(list, 1, 0)
	if len(afterLocal) != 2 {
		t.Fatalf("expected local-id removal, got %d entries", len(afterLocal))
	}

	afterRemote := RemoveDream(list, 0, 500)
	if len(afterRemote) != 2 {
		t.Fatalf("expected remoteId removal, got %d entries", len(afterRemote))
	}
	for _, dream := range afterRemote {
		if dream.RemoteID == 500 {
			t.Fatalf("entry with remoteId 500 survived removal")
		}
	}
}

func TestApplyMutationsFoldsInOrder(t *testing.T) {
	snapshot := []DreamAnalysis{makeDream(10, 100, "existing")}
	mutations := []DreamMutation{
		mustCreateMutation(t, "m1", makeDream(20, 0, "drafted"), 1),
		mustUpdateMutation(t, "m2", makeDream(20, 0, "drafted then edited"), 2),
		mustDeleteMutation(t, "m3", 10, 100, 3),
	}

	result := ApplyMutations(snapshot, mutations)

	if len(result) != 1 {
		t.Fatalf("expected one surviving entry, got %d", len(result))
	}
	if result[0].ID != 20 || result[0].Title != "drafted then edited" {
		t.Fatalf("unexpected survivor: %+v", result[0])
	}
}

func TestApplyMutationsIsIdempotent(t *testing.T) {
	snapshot := []DreamAnalysis{
		makeDream(5, 50, "five"),
		makeDream(6, 0, "six"),
	}
	mutations := []DreamMutation{
		mustUpdateMutation(t, "m1", makeDream(5, 50, "five edited"), 1),
		mustCreateMutation(t, "m2", makeDream(7, 0, "seven"), 2),
		mustDeleteMutation(t, "m3", 6, 0, 3),
	}

	once := ApplyMutations(snapshot, mutations)
	twice := ApplyMutations(once, mutations)

	if !EqualForLocalState(once, twice) {
		t.Fatalf("second application changed the snapshot:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestApplyMutationsSortsResult(t *testing.T) {
	snapshot := []DreamAnalysis{makeDream(1, 0, "one")}
	mutations := []DreamMutation{
		mustCreateMutation(t, "m1", makeDream(3, 0, "three"), 1),
		mustCreateMutation(t, "m2", makeDream(2, 0, "two"), 2),
	}

	result := ApplyMutations(snapshot, mutations)

	if result[0].ID != 3 || result[1].ID != 2 || result[2].ID != 1 {
		t.Fatalf("expected descending ids, got %d, %d, %d", result[0].ID, result[1].ID, result[2].ID)
	}
}

func TestEqualForLocalStateComparesChatHistoryByFields(t *testing.T) {
	base := makeDream(1, 0, "a")
	base.ChatHistory = []ChatMessage{
		{ID: "c1", Role: ChatRoleUser, Text: "what does it mean?", CreatedAt: 100},
		{ID: "c2", Role: ChatRoleAssistant, Text: "a fresh start", CreatedAt: 101, Category: "interpretation"},
	}

	same := base.Clone()
	if !EqualForLocalState([]DreamAnalysis{base}, []DreamAnalysis{same}) {
		t.Fatalf("identical content with distinct slices should compare equal")
	}

	edited := base.Clone()
	edited.ChatHistory[1].Text = "an ending"
	if EqualForLocalState([]DreamAnalysis{base}, []DreamAnalysis{edited}) {
		t.Fatalf("changed chat text should compare unequal")
	}

	extra := base.Clone()
	extra.ChatHistory = append(extra.ChatHistory, ChatMessage{ID: "c3", Role: ChatRoleUser, Text: "more"})
	if EqualForLocalState([]DreamAnalysis{base}, []DreamAnalysis{extra}) {
		t.Fatalf("longer chat history should compare unequal")
	}
}

func TestEqualForLocalStateDetectsScalarChanges(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*DreamAnalysis)
	}{
		{name: "favorite flag", edit: func(d *DreamAnalysis) { d.IsFavorite = true }},
		{name: "remote id", edit: func(d *DreamAnalysis) { d.RemoteID = 999 }},
		{name: "analysis status", edit: func(d *DreamAnalysis) { d.AnalysisStatus = AnalysisPending }},
		{name: "image url", edit: func(d *DreamAnalysis) { d.ImageURL = "https://img.example/d.png" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := makeDream(1, 0, "a")
			edited := base.Clone()
			tt.edit(&edited)
			if EqualForLocalState([]DreamAnalysis{base}, []DreamAnalysis{edited}) {
				t.Fatalf("edit %q should compare unequal", tt.name)
			}
		})
	}
}
