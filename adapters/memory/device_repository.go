package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

// DeviceRepository is an in-memory implementation of repositories.DeviceRepository
type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*entities.Device // id -> device mapping
	serials map[string]*entities.Device // serial_number -> device mapping
}

// NewDeviceRepository creates an empty device repository
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{
		devices: make(map[string]*entities.Device),
		serials: make(map[string]*entities.Device),
	}
}

// NewSeededDeviceRepository pre-registers the development bears
func NewSeededDeviceRepository() *DeviceRepository {
	repo := NewDeviceRepository()
	seeds := []entities.Device{
		{ID: "device-BEAR001", SerialNumber: "BEAR001", SecretKey: "secret123", Model: "teddy-v1"},
		{ID: "device-BEAR002", SerialNumber: "BEAR002", SecretKey: "secret456", Model: "teddy-v1"},
		{ID: "device-BEAR003", SerialNumber: "BEAR003", SecretKey: "secret789", Model: "teddy-v2"},
	}
	for i := range seeds {
		_ = repo.Register(context.Background(), &seeds[i])
	}
	return repo
}

var _ repositories.DeviceRepository = (*DeviceRepository)(nil)

// Register stores a device, generating an ID when missing
func (m *DeviceRepository) Register(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	if device.SecretKey == "" {
		return errors.New("secret cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.serials[device.SerialNumber]; exists {
		return errors.New("device with this serial number already exists")
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	device.CreatedAt = time.Now()

	deviceCopy := *device
	m.devices[device.ID] = &deviceCopy
	m.serials[device.SerialNumber] = &deviceCopy
	return nil
}

// GetByID implements DeviceRepository interface
func (m *DeviceRepository) GetByID(ctx context.Context, id string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[id]
	if !exists {
		return nil, repositories.ErrDeviceNotFound
	}
	deviceCopy := *device
	return &deviceCopy, nil
}

// ValidateDevice checks serial number and secret
func (m *DeviceRepository) ValidateDevice(ctx context.Context, serialNumber, secret string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.serials[serialNumber]
	if !exists {
		return nil, repositories.ErrDeviceNotFound
	}
	if device.SecretKey != secret {
		return nil, repositories.ErrInvalidCredentials
	}
	deviceCopy := *device
	return &deviceCopy, nil
}
