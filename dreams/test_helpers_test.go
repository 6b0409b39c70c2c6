package dreams

import "testing"

func makeDream(id, remoteID int64, title string) DreamAnalysis {
	return DreamAnalysis{
		ID:             id,
		RemoteID:       remoteID,
		Title:          title,
		Transcript:     "transcript of " + title,
		AnalysisStatus: AnalysisNone,
	}
}

func mustCreateMutation(t *testing.T, queueID string, dream DreamAnalysis, createdAt int64) DreamMutation {
	t.Helper()
	mutation, err := NewCreateMutation(queueID, dream, createdAt)
	if err != nil {
		t.Fatalf("unexpected create mutation error: %v", err)
	}
	return mutation
}

func mustUpdateMutation(t *testing.T, queueID string, dream DreamAnalysis, createdAt int64) DreamMutation {
	t.Helper()
	mutation, err := NewUpdateMutation(queueID, dream, createdAt)
	if err != nil {
		t.Fatalf("unexpected update mutation error: %v", err)
	}
	return mutation
}

func mustDeleteMutation(t *testing.T, queueID string, dreamID, remoteID, createdAt int64) DreamMutation {
	t.Helper()
	mutation, err := NewDeleteMutation(queueID, dreamID, remoteID, createdAt)
	if err != nil {
		t.Fatalf("unexpected delete mutation error: %v", err)
	}
	return mutation
}
