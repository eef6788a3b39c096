package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedDevice struct {
	DeviceID   string  `yaml:"device_id"`
	Host       string  `yaml:"host"`
	Port       int     `yaml:"port"`
	SlaveID    int     `yaml:"slave_id"`
	Timeout    float64 `yaml:"timeout"`
	Framer     string  `yaml:"framer"`
	MaxRetries int     `yaml:"max_retries"`
	RetryDelay float64 `yaml:"retry_delay"`

	Targets []seedTarget `yaml:"targets"`
}

type seedTarget struct {
	RegisterType string `yaml:"register_type"`
	Address      int    `yaml:"address"`
	Count        int    `yaml:"count"`
	Description  string `yaml:"description"`
}

type seedFile struct {
	Devices []seedDevice `yaml:"devices"`
}

// SeedFromFile loads devices and polling targets from a yaml file into an
// empty devices table. A non-empty table makes it a no-op so restarts never
// clobber admin edits.
func (s *Store) SeedFromFile(ctx context.Context, path string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ModbusDevice{}).Count(&count).Error; err != nil {
		return wrapDB(err, "")
	}
	if count > 0 {
		s.log.WithField("devices", count).Debug("seed skipped, devices table not empty")
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, sd := range seed.Devices {
		dev := ModbusDevice{
			DeviceID:   sd.DeviceID,
			Host:       sd.Host,
			Port:       defaultInt(sd.Port, 502),
			SlaveID:    defaultInt(sd.SlaveID, 1),
			Timeout:    defaultFloat(sd.Timeout, 10),
			Framer:     defaultString(sd.Framer, "RTU"),
			MaxRetries: defaultInt(sd.MaxRetries, 5),
			RetryDelay: defaultFloat(sd.RetryDelay, 0.1),
		}
		if _, err := s.CreateDevice(ctx, dev); err != nil {
			return fmt.Errorf("seed device %q: %w", sd.DeviceID, err)
		}
		for _, st := range sd.Targets {
			t := PollingTarget{
				DeviceID:     sd.DeviceID,
				RegisterType: st.RegisterType,
				Address:      st.Address,
				Count:        defaultInt(st.Count, 1),
				Description:  st.Description,
			}
			if _, err := s.CreateTarget(ctx, t); err != nil {
				return fmt.Errorf("seed target for %q: %w", sd.DeviceID, err)
			}
		}
	}
	s.log.WithField("devices", len(seed.Devices)).Info("database seeded")
	return nil
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func defaultString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}
