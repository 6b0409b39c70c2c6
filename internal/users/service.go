package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidDeviceKey indicates the presented device key is unusable.
var ErrInvalidDeviceKey = errors.New("users: invalid device key")

// IDProvider issues identifiers for newly registered devices.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for device identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service manages stable user identifiers for journal devices.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	ids   IDProvider
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		ids:   ids,
		cache: sync.Map{},
	}, nil
}

// ResolveUserID returns the stable user id for the provided device key,
// creating the mapping when the key has not been seen before.
func (s *Service) ResolveUserID(ctx context.Context, deviceKey string) (string, error) {
	key := normalize(deviceKey)
	if key == "" {
		return "", ErrInvalidDeviceKey
	}

	if cachedIdentifier, ok := s.cache.Load(key); ok {
		userID, ok := cachedIdentifier.(string)
		if ok {
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("device_key = ?", key).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID, idErr := s.ids.NewID()
		if idErr != nil {
			return "", idErr
		}
		identity = Identity{
			DeviceKey:  key,
			UserID:     userID,
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("device_key = ?", key).
			Update("last_seen_at", s.now()).
			Error
	}

	s.cache.Store(key, identity.UserID)
	return identity.UserID, nil
}
