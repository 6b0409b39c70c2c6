package dreams

import (
	"strconv"
	"time"
)

// AnalysisStatus enumerates the lifecycle of the AI analysis attached to a dream.
type AnalysisStatus string

const (
	// AnalysisNone marks a dream that has never been submitted for analysis.
	AnalysisNone AnalysisStatus = "none"
	// AnalysisPending marks a dream whose analysis request is in flight.
	AnalysisPending AnalysisStatus = "pending"
	// AnalysisDone marks a dream with a completed analysis.
	AnalysisDone AnalysisStatus = "done"
	// AnalysisFailed marks a dream whose last analysis attempt failed.
	AnalysisFailed AnalysisStatus = "failed"
)

// DreamType categorizes how the dream was experienced. Unknown values are
// preserved as opaque strings rather than rejected, so records written by
// older or newer clients survive a round trip unchanged.
type DreamType string

const (
	DreamTypeNormal    DreamType = "normal"
	DreamTypeLucid     DreamType = "lucid"
	DreamTypeNightmare DreamType = "nightmare"
	DreamTypeRecurring DreamType = "recurring"
)

// Theme is the dominant motif assigned by analysis. Pass-through like DreamType.
type Theme string

const (
	ThemeFlying  Theme = "flying"
	ThemeFalling Theme = "falling"
	ThemeChase   Theme = "chase"
	ThemeWater   Theme = "water"
	ThemeFamily  Theme = "family"
	ThemeTravel  Theme = "travel"
	ThemeUnknown Theme = "unknown"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is a single entry in a dream's follow-up conversation.
type ChatMessage struct {
	ID        string   `json:"id,omitempty"`
	Role      ChatRole `json:"role"`
	Text      string   `json:"text"`
	CreatedAt int64    `json:"createdAt,omitempty"`
	Category  string   `json:"category,omitempty"`
}

// DreamAnalysis is the synchronized journal record. The JSON encoding below is
// the canonical document shape, used both for durable storage blobs and the
// HTTP wire protocol.
//
// Identity fields: ID is assigned locally at draft time (a creation timestamp
// in milliseconds) and is the stable identity before a server round trip.
// RemoteID is the server-assigned primary key; zero means the create has not
// been committed yet. A record never carries two different non-zero RemoteIDs
// over its life. ClientRequestID is the idempotency key the server uses to
// deduplicate retried creates.
type DreamAnalysis struct {
	ID              int64  `json:"id"`
	RemoteID        int64  `json:"remoteId,omitempty"`
	ClientRequestID string `json:"clientRequestId,omitempty"`

	Transcript     string    `json:"transcript"`
	Title          string    `json:"title"`
	Interpretation string    `json:"interpretation"`
	ShareableQuote string    `json:"shareableQuote,omitempty"`
	Theme          Theme     `json:"theme,omitempty"`
	DreamType      DreamType `json:"dreamType,omitempty"`

	ImageURL       string `json:"imageUrl,omitempty"`
	ThumbnailURL   string `json:"thumbnailUrl,omitempty"`
	ImageUpdatedAt int64  `json:"imageUpdatedAt,omitempty"`

	ChatHistory []ChatMessage `json:"chatHistory,omitempty"`

	IsFavorite bool `json:"isFavorite"`

	IsAnalyzed        bool           `json:"isAnalyzed"`
	AnalysisStatus    AnalysisStatus `json:"analysisStatus,omitempty"`
	AnalyzedAt        int64          `json:"analyzedAt,omitempty"`
	AnalysisRequestID string         `json:"analysisRequestId,omitempty"`
}

// HasRemoteID reports whether the record has been committed server-side.
func (d DreamAnalysis) HasRemoteID() bool {
	return d.RemoteID > 0
}

// Clone returns a deep copy, including the chat history slice.
func (d DreamAnalysis) Clone() DreamAnalysis {
	copied := d
	if len(d.ChatHistory) > 0 {
		copied.ChatHistory = make([]ChatMessage, len(d.ChatHistory))
		copy(copied.ChatHistory, d.ChatHistory)
	}
	return copied
}

// Normalized returns a copy with derived fields repaired: the thumbnail falls
// back to the full image when absent, a stale failed analysis status is
// cleared once an image exists, and an empty status becomes AnalysisNone.
func (d DreamAnalysis) Normalized() DreamAnalysis {
	normalized := d.Clone()
	if normalized.ThumbnailURL == "" && normalized.ImageURL != "" {
		normalized.ThumbnailURL = normalized.ImageURL
	}
	if normalized.AnalysisStatus == AnalysisFailed && normalized.ImageURL != "" {
		normalized.AnalysisStatus = AnalysisDone
		normalized.IsAnalyzed = true
	}
	if normalized.AnalysisStatus == "" {
		normalized.AnalysisStatus = AnalysisNone
	}
	return normalized
}

// LocalIDFromTime derives a draft-time local identifier from a wall clock.
func LocalIDFromTime(t time.Time) int64 {
	return t.UnixMilli()
}

// DeriveClientRequestID produces the deterministic idempotency key for a
// record that was drafted without one. Deriving from the local id keeps
// retried enqueues of the same intent deduplicable server-side.
func DeriveClientRequestID(localID int64) string {
	return "dream-" + strconv.FormatInt(localID, 10)
}
