package devices

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidRegistration indicates a registration request missing its name or key.
	ErrInvalidRegistration = errors.New("devices: name and key required")
	// ErrNameTaken indicates the device name is already registered.
	ErrNameTaken = errors.New("devices: name already registered")
	// ErrUnknownDevice indicates no device is registered under the supplied name.
	ErrUnknownDevice = errors.New("devices: unknown device")
	// ErrBadKey indicates the supplied key does not match the registered one.
	ErrBadKey = errors.New("devices: key mismatch")
)

// ServiceConfig describes the dependencies required for the device registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages device registration and credential verification.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the device registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Register stores a new device under the supplied name, keyed by a hash of its
// shared secret. Registering an existing name fails rather than rotating the key.
func (s *Service) Register(ctx context.Context, name, key, friendlyName string, groupID int64) (*Device, error) {
	name = normalize(name)
	if name == "" || normalize(key) == "" {
		return nil, ErrInvalidRegistration
	}

	device := Device{
		Name:         name,
		KeyHash:      hashKey(key),
		GroupID:      groupID,
		FriendlyName: normalize(friendlyName),
		LastSeenAt:   s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Create(&device).Error
	if err != nil {
		var existing Device
		lookupErr := s.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error
		if lookupErr == nil {
			return nil, ErrNameTaken
		}
		return nil, err
	}
	return &device, nil
}

// Authenticate verifies the supplied name and key against the registry and
// marks the device as seen. The comparison runs in constant time.
func (s *Service) Authenticate(ctx context.Context, name, key string) (*Device, error) {
	name = normalize(name)
	if name == "" {
		return nil, ErrUnknownDevice
	}

	device, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	supplied := hashKey(key)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(device.KeyHash)) != 1 {
		return nil, ErrBadKey
	}

	s.touchLastSeen(ctx, device.ID)
	return device, nil
}

// ByID loads a device by its numeric identifier.
func (s *Service) ByID(ctx context.Context, id int64) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).First(&device, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *Service) lookup(ctx context.Context, name string) (*Device, error) {
	if cached, ok := s.cache.Load(name); ok {
		if device, ok := cached.(*Device); ok {
			return device, nil
		}
	}

	var device Device
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, err
	}

	s.cache.Store(name, &device)
	return &device, nil
}

func (s *Service) touchLastSeen(ctx context.Context, id int64) {
	_ = s.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ?", id).
		Update("last_seen_at", s.now().UTC()).
		Error
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
