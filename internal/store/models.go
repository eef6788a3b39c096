package store

import (
	"time"

	"modbus-middleware/internal/modbus"
)

// ModbusDevice is the persisted configuration of one unit. Deactivation is a
// soft delete: the row stays so polling targets keep a valid reference.
type ModbusDevice struct {
	DeviceID   string  `gorm:"primaryKey;size:50" json:"device_id"`
	Host       string  `gorm:"size:255;not null" json:"host"`
	Port       int     `gorm:"not null;default:502" json:"port"`
	SlaveID    int     `gorm:"not null;default:1" json:"slave_id"`
	Timeout    float64 `gorm:"not null;default:10" json:"timeout"`
	Framer     string  `gorm:"size:10;not null;default:RTU" json:"framer"`
	MaxRetries int     `gorm:"not null;default:5" json:"max_retries"`
	RetryDelay float64 `gorm:"not null;default:0.1" json:"retry_delay"`
	IsActive   bool    `gorm:"not null;default:true" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ModbusDevice) TableName() string { return "modbus_devices" }

// Config converts the row into the runtime device config.
func (d ModbusDevice) Config() modbus.DeviceConfig {
	return modbus.DeviceConfig{
		DeviceID:   d.DeviceID,
		Host:       d.Host,
		Port:       d.Port,
		SlaveID:    d.SlaveID,
		Timeout:    time.Duration(d.Timeout * float64(time.Second)),
		Framer:     modbus.Framer(d.Framer),
		MaxRetries: d.MaxRetries,
		RetryDelay: time.Duration(d.RetryDelay * float64(time.Second)),
	}
}

// PollingTarget is one register range polled on a schedule.
type PollingTarget struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	DeviceID     string `gorm:"size:50;not null;index" json:"device_id"`
	RegisterType string `gorm:"size:10;not null" json:"register_type"`
	Address      int    `gorm:"not null" json:"address"`
	Count        int    `gorm:"not null;default:1" json:"count"`
	IsActive     bool   `gorm:"not null;default:true" json:"is_active"`
	Description  string `gorm:"size:200" json:"description"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PollingTarget) TableName() string { return "polling_targets" }
