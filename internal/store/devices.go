package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"modbus-middleware/internal/apperr"
	"modbus-middleware/internal/modbus"
)

// DeviceUpdate carries a partial device update; nil fields are left alone.
type DeviceUpdate struct {
	Host       *string  `json:"host"`
	Port       *int     `json:"port"`
	SlaveID    *int     `json:"slave_id"`
	Timeout    *float64 `json:"timeout"`
	Framer     *string  `json:"framer"`
	MaxRetries *int     `json:"max_retries"`
	RetryDelay *float64 `json:"retry_delay"`
}

// ListDevices returns all device rows, inactive ones included, ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]ModbusDevice, error) {
	var devices []ModbusDevice
	err := s.db.WithContext(ctx).Order("device_id").Find(&devices).Error
	return devices, wrapDB(err, "")
}

// ListActiveDevices returns the active device rows ordered by id.
func (s *Store) ListActiveDevices(ctx context.Context) ([]ModbusDevice, error) {
	var devices []ModbusDevice
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("device_id").Find(&devices).Error
	return devices, wrapDB(err, "")
}

// GetDevice fetches one device row by id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (ModbusDevice, error) {
	var dev ModbusDevice
	err := s.db.WithContext(ctx).First(&dev, "device_id = ?", deviceID).Error
	return dev, wrapDB(err, "device "+deviceID+" not found")
}

// CreateDevice inserts a new device, rejecting duplicate ids with a conflict.
func (s *Store) CreateDevice(ctx context.Context, dev ModbusDevice) (ModbusDevice, error) {
	if err := dev.Config().Validate(); err != nil {
		return ModbusDevice{}, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ModbusDevice
		err := tx.First(&existing, "device_id = ?", dev.DeviceID).Error
		if err == nil {
			return apperr.Newf(apperr.KindConflict, "device %q already exists", dev.DeviceID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapDB(err, "")
		}
		dev.IsActive = true
		return wrapDB(tx.Create(&dev).Error, "")
	})
	if err != nil {
		return ModbusDevice{}, err
	}
	s.log.WithField("device", dev.DeviceID).Info("device created")
	return dev, nil
}

// UpdateDevice applies a partial update and returns the updated row.
func (s *Store) UpdateDevice(ctx context.Context, deviceID string, upd DeviceUpdate) (ModbusDevice, error) {
	dev, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return ModbusDevice{}, err
	}
	if upd.Host != nil {
		dev.Host = *upd.Host
	}
	if upd.Port != nil {
		dev.Port = *upd.Port
	}
	if upd.SlaveID != nil {
		dev.SlaveID = *upd.SlaveID
	}
	if upd.Timeout != nil {
		dev.Timeout = *upd.Timeout
	}
	if upd.Framer != nil {
		dev.Framer = *upd.Framer
	}
	if upd.MaxRetries != nil {
		dev.MaxRetries = *upd.MaxRetries
	}
	if upd.RetryDelay != nil {
		dev.RetryDelay = *upd.RetryDelay
	}
	if err := dev.Config().Validate(); err != nil {
		return ModbusDevice{}, err
	}
	if err := s.db.WithContext(ctx).Save(&dev).Error; err != nil {
		return ModbusDevice{}, wrapDB(err, "")
	}
	return dev, nil
}

// DeactivateDevice soft deletes a device. The row survives so historical
// polling targets keep a valid reference.
func (s *Store) DeactivateDevice(ctx context.Context, deviceID string) (ModbusDevice, error) {
	return s.setDeviceActive(ctx, deviceID, false)
}

// ActivateDevice reverses a soft delete.
func (s *Store) ActivateDevice(ctx context.Context, deviceID string) (ModbusDevice, error) {
	return s.setDeviceActive(ctx, deviceID, true)
}

func (s *Store) setDeviceActive(ctx context.Context, deviceID string, active bool) (ModbusDevice, error) {
	dev, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return ModbusDevice{}, err
	}
	if dev.IsActive == active {
		return dev, nil
	}
	dev.IsActive = active
	if err := s.db.WithContext(ctx).Save(&dev).Error; err != nil {
		return ModbusDevice{}, wrapDB(err, "")
	}
	s.log.WithFields(map[string]any{"device": deviceID, "active": active}).Info("device state changed")
	return dev, nil
}

// ActiveDeviceConfigs converts the active rows to runtime configs, skipping
// rows that no longer validate so one bad row cannot block a reload.
func (s *Store) ActiveDeviceConfigs(ctx context.Context) ([]modbus.DeviceConfig, error) {
	devices, err := s.ListActiveDevices(ctx)
	if err != nil {
		return nil, err
	}
	configs := make([]modbus.DeviceConfig, 0, len(devices))
	for _, d := range devices {
		cfg := d.Config()
		if err := cfg.Validate(); err != nil {
			s.log.WithError(err).WithField("device", d.DeviceID).Warn("skipping invalid device row")
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
