package journal

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("journal: invalid user id")
	// ErrInvalidClientRequestID indicates that an idempotency key is empty or exceeds storage bounds.
	ErrInvalidClientRequestID = errors.New("journal: invalid client request id")
	// ErrDreamNotFound indicates that no dream exists for the given owner and remote id.
	ErrDreamNotFound = errors.New("journal: dream not found")
)

// UserID represents a validated dream owner identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ClientRequestID represents a validated idempotency key for a create request.
type ClientRequestID string

// NewClientRequestID validates raw input and returns a ClientRequestID.
func NewClientRequestID(rawInput string) (ClientRequestID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientRequestID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientRequestID, maxIdentifierLength)
	}
	return ClientRequestID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientRequestID) String() string {
	return string(id)
}

// Record stores one dream per owner. The full entity document rides in
// payload_json; the identity columns are authoritative and overwrite the
// payload copy on the way out.
type Record struct {
	RemoteID         int64  `gorm:"column:remote_id;primaryKey;autoIncrement"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_dreams_user_local,priority:1;uniqueIndex:idx_dreams_request_dedupe,priority:1"`
	ClientRequestID  string `gorm:"column:client_request_id;size:190;not null;uniqueIndex:idx_dreams_request_dedupe,priority:2"`
	LocalID          int64  `gorm:"column:local_id;not null;index:idx_dreams_user_local,priority:2"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "dreams"
}
