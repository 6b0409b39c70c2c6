package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/somnia/dreams"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "journal.service.new"
	opCreateDream = "journal.create_dream"
	opUpdateDream = "journal.update_dream"
	opDeleteDream = "journal.delete_dream"
	opListDreams  = "journal.list_dreams"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the authoritative dream store. One row per dream per owner;
// creates deduplicate on the client request id so a retried create returns
// the original row instead of inserting a second one.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// CreateDream stores a new dream for the owner, or returns the already-stored
// row when the client request id has been seen before.
func (s *Service) CreateDream(ctx context.Context, userID UserID, dream dreams.DreamAnalysis, requestID ClientRequestID) (dreams.DreamAnalysis, error) {
	if s.db == nil {
		s.logError(opCreateDream, "missing_database", errMissingDatabase)
		return dreams.DreamAnalysis{}, newServiceError(opCreateDream, "missing_database", errMissingDatabase)
	}

	normalized := dream.Normalized()
	var stored Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Where("user_id = ? AND client_request_id = ?", userID.String(), requestID.String()).
			Take(&existing).Error
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opCreateDream, "select_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("client_request_id", requestID.String()))
			return newServiceError(opCreateDream, "select_failed", err)
		}

		payload, err := encodePayload(normalized)
		if err != nil {
			s.logError(opCreateDream, "encode_failed", err, zap.String("user_id", userID.String()))
			return newServiceError(opCreateDream, "encode_failed", err)
		}
		now := s.clock().UTC().Unix()
		record := Record{
			UserID:           userID.String(),
			ClientRequestID:  requestID.String(),
			LocalID:          normalized.ID,
			PayloadJSON:      payload,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreateDream, "insert_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("client_request_id", requestID.String()))
			return newServiceError(opCreateDream, "insert_failed", err)
		}
		stored = record
		return nil
	})
	if txErr != nil {
		return dreams.DreamAnalysis{}, txErr
	}

	return s.decodeRecord(opCreateDream, stored)
}

// UpdateDream replaces the stored document for the dream addressed by the
// entity's remote id. The creation timestamp and the client request id of the
// original row survive the rewrite.
func (s *Service) UpdateDream(ctx context.Context, userID UserID, dream dreams.DreamAnalysis) (dreams.DreamAnalysis, error) {
	if s.db == nil {
		s.logError(opUpdateDream, "missing_database", errMissingDatabase)
		return dreams.DreamAnalysis{}, newServiceError(opUpdateDream, "missing_database", errMissingDatabase)
	}

	normalized := dream.Normalized()
	var stored Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Where("user_id = ? AND remote_id = ?", userID.String(), normalized.RemoteID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateDream, "not_found", ErrDreamNotFound)
		}
		if err != nil {
			s.logError(opUpdateDream, "select_failed", err,
				zap.String("user_id", userID.String()),
				zap.Int64("remote_id", normalized.RemoteID))
			return newServiceError(opUpdateDream, "select_failed", err)
		}

		merged := normalized.Clone()
		merged.ClientRequestID = existing.ClientRequestID
		if merged.ID == 0 {
			merged.ID = existing.LocalID
		}
		payload, err := encodePayload(merged)
		if err != nil {
			s.logError(opUpdateDream, "encode_failed", err, zap.String("user_id", userID.String()))
			return newServiceError(opUpdateDream, "encode_failed", err)
		}
		existing.LocalID = merged.ID
		existing.PayloadJSON = payload
		existing.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpdateDream, "save_failed", err,
				zap.String("user_id", userID.String()),
				zap.Int64("remote_id", normalized.RemoteID))
			return newServiceError(opUpdateDream, "save_failed", err)
		}
		stored = existing
		return nil
	})
	if txErr != nil {
		return dreams.DreamAnalysis{}, txErr
	}

	return s.decodeRecord(opUpdateDream, stored)
}

// DeleteDream removes the dream addressed by the remote id.
func (s *Service) DeleteDream(ctx context.Context, userID UserID, remoteID int64) error {
	if s.db == nil {
		s.logError(opDeleteDream, "missing_database", errMissingDatabase)
		return newServiceError(opDeleteDream, "missing_database", errMissingDatabase)
	}
	if remoteID <= 0 {
		return newServiceError(opDeleteDream, "not_found", ErrDreamNotFound)
	}

	result := s.db.WithContext(ctx).
		Where("user_id = ? AND remote_id = ?", userID.String(), remoteID).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opDeleteDream, "delete_failed", result.Error,
			zap.String("user_id", userID.String()),
			zap.Int64("remote_id", remoteID))
		return newServiceError(opDeleteDream, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteDream, "not_found", ErrDreamNotFound)
	}
	return nil
}

// ListDreams returns every dream owned by the user, newest local id first.
func (s *Service) ListDreams(ctx context.Context, userID string) ([]dreams.DreamAnalysis, error) {
	if s.db == nil {
		s.logError(opListDreams, "missing_database", errMissingDatabase)
		return nil, newServiceError(opListDreams, "missing_database", errMissingDatabase)
	}
	if userID == "" {
		s.logError(opListDreams, "missing_user_id", errMissingUserID)
		return nil, newServiceError(opListDreams, "missing_user_id", errMissingUserID)
	}

	var records []Record
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("local_id DESC").
		Find(&records).Error; err != nil {
		s.logError(opListDreams, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListDreams, "query_failed", err)
	}

	list := make([]dreams.DreamAnalysis, 0, len(records))
	for _, record := range records {
		entity, err := s.decodeRecord(opListDreams, record)
		if err != nil {
			return nil, err
		}
		list = append(list, entity)
	}
	return list, nil
}

func encodePayload(entity dreams.DreamAnalysis) (string, error) {
	encoded, err := json.Marshal(entity)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (s *Service) decodeRecord(operation string, record Record) (dreams.DreamAnalysis, error) {
	var entity dreams.DreamAnalysis
	if err := json.Unmarshal([]byte(record.PayloadJSON), &entity); err != nil {
		s.logError(operation, "decode_failed", err, zap.Int64("remote_id", record.RemoteID))
		return dreams.DreamAnalysis{}, newServiceError(operation, "decode_failed", err)
	}
	entity.RemoteID = record.RemoteID
	entity.ID = record.LocalID
	entity.ClientRequestID = record.ClientRequestID
	return entity, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("journal service error", attrs...)
}
