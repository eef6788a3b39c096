package store

import (
	"context"
	"fmt"

	"modbus-middleware/internal/apperr"
	"modbus-middleware/internal/modbus"
)

// TargetUpdate carries a partial polling target update; nil fields are left
// alone.
type TargetUpdate struct {
	RegisterType *string `json:"register_type"`
	Address      *int    `json:"address"`
	Count        *int    `json:"count"`
	Description  *string `json:"description"`
}

func validateTarget(t PollingTarget) error {
	rt, err := modbus.ParseRegisterType(t.RegisterType)
	if err != nil {
		return err
	}
	if err := modbus.ValidateRead(rt, t.Address, t.Count); err != nil {
		return err
	}
	if len(t.Description) > 200 {
		return apperr.New(apperr.KindValidation, "description must be at most 200 characters")
	}
	return nil
}

// ListTargets returns all polling targets ordered by id.
func (s *Store) ListTargets(ctx context.Context) ([]PollingTarget, error) {
	var targets []PollingTarget
	err := s.db.WithContext(ctx).Order("id").Find(&targets).Error
	return targets, wrapDB(err, "")
}

// ListActiveTargets returns the active polling targets ordered by id. The
// poller relies on this ordering for deterministic per-gateway sequences.
func (s *Store) ListActiveTargets(ctx context.Context) ([]PollingTarget, error) {
	var targets []PollingTarget
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&targets).Error
	return targets, wrapDB(err, "")
}

// TargetsByDevice returns all targets of one device ordered by id.
func (s *Store) TargetsByDevice(ctx context.Context, deviceID string) ([]PollingTarget, error) {
	if _, err := s.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	var targets []PollingTarget
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id").Find(&targets).Error
	return targets, wrapDB(err, "")
}

// GetTarget fetches one polling target by id.
func (s *Store) GetTarget(ctx context.Context, id uint) (PollingTarget, error) {
	var t PollingTarget
	err := s.db.WithContext(ctx).First(&t, id).Error
	return t, wrapDB(err, fmt.Sprintf("polling target %d not found", id))
}

// CreateTarget inserts a new polling target. The referenced device must
// exist; it may be inactive, the poller skips such targets at runtime.
func (s *Store) CreateTarget(ctx context.Context, t PollingTarget) (PollingTarget, error) {
	if err := validateTarget(t); err != nil {
		return PollingTarget{}, err
	}
	if _, err := s.GetDevice(ctx, t.DeviceID); err != nil {
		return PollingTarget{}, err
	}
	t.ID = 0
	t.IsActive = true
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return PollingTarget{}, wrapDB(err, "")
	}
	s.log.WithFields(map[string]any{"target": t.ID, "device": t.DeviceID}).Info("polling target created")
	return t, nil
}

// UpdateTarget applies a partial update and returns the updated row.
func (s *Store) UpdateTarget(ctx context.Context, id uint, upd TargetUpdate) (PollingTarget, error) {
	t, err := s.GetTarget(ctx, id)
	if err != nil {
		return PollingTarget{}, err
	}
	if upd.RegisterType != nil {
		t.RegisterType = *upd.RegisterType
	}
	if upd.Address != nil {
		t.Address = *upd.Address
	}
	if upd.Count != nil {
		t.Count = *upd.Count
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if err := validateTarget(t); err != nil {
		return PollingTarget{}, err
	}
	if err := s.db.WithContext(ctx).Save(&t).Error; err != nil {
		return PollingTarget{}, wrapDB(err, "")
	}
	return t, nil
}

// DeactivateTarget soft deletes a polling target.
func (s *Store) DeactivateTarget(ctx context.Context, id uint) (PollingTarget, error) {
	return s.setTargetActive(ctx, id, false)
}

// ActivateTarget reverses a soft delete.
func (s *Store) ActivateTarget(ctx context.Context, id uint) (PollingTarget, error) {
	return s.setTargetActive(ctx, id, true)
}

func (s *Store) setTargetActive(ctx context.Context, id uint, active bool) (PollingTarget, error) {
	t, err := s.GetTarget(ctx, id)
	if err != nil {
		return PollingTarget{}, err
	}
	if t.IsActive == active {
		return t, nil
	}
	t.IsActive = active
	if err := s.db.WithContext(ctx).Save(&t).Error; err != nil {
		return PollingTarget{}, wrapDB(err, "")
	}
	return t, nil
}
