package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"modbus-middleware/internal/store"
)

type deviceBody struct {
	DeviceID   string   `json:"device_id" binding:"required"`
	Host       string   `json:"host" binding:"required"`
	Port       *int     `json:"port"`
	SlaveID    *int     `json:"slave_id"`
	Timeout    *float64 `json:"timeout"`
	Framer     string   `json:"framer"`
	MaxRetries *int     `json:"max_retries"`
	RetryDelay *float64 `json:"retry_delay"`
}

func (b deviceBody) row() store.ModbusDevice {
	dev := store.ModbusDevice{
		DeviceID:   b.DeviceID,
		Host:       b.Host,
		Port:       502,
		SlaveID:    1,
		Timeout:    10,
		Framer:     "RTU",
		MaxRetries: 5,
		RetryDelay: 0.1,
	}
	if b.Port != nil {
		dev.Port = *b.Port
	}
	if b.SlaveID != nil {
		dev.SlaveID = *b.SlaveID
	}
	if b.Timeout != nil {
		dev.Timeout = *b.Timeout
	}
	if b.Framer != "" {
		dev.Framer = b.Framer
	}
	if b.MaxRetries != nil {
		dev.MaxRetries = *b.MaxRetries
	}
	if b.RetryDelay != nil {
		dev.RetryDelay = *b.RetryDelay
	}
	return dev
}

func (s *Server) adminListDevices(c *gin.Context) {
	devices, err := s.store.ListDevices(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) adminListActiveDevices(c *gin.Context) {
	devices, err := s.store.ListActiveDevices(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) adminGetDevice(c *gin.Context) {
	dev, err := s.store.GetDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Server) adminCreateDevice(c *gin.Context) {
	var b deviceBody
	if err := c.ShouldBindJSON(&b); err != nil {
		renderValidation(c, err)
		return
	}
	dev, err := s.store.CreateDevice(c.Request.Context(), b.row())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dev)
}

func (s *Server) adminUpdateDevice(c *gin.Context) {
	var upd store.DeviceUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		renderValidation(c, err)
		return
	}
	dev, err := s.store.UpdateDevice(c.Request.Context(), c.Param("device_id"), upd)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Server) adminDeleteDevice(c *gin.Context) {
	dev, err := s.store.DeactivateDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		renderError(c, err)
		return
	}
	s.cache.InvalidateDevice(dev.DeviceID)
	c.JSON(http.StatusOK, gin.H{"ok": true, "device_id": dev.DeviceID, "is_active": dev.IsActive})
}

func (s *Server) adminActivateDevice(c *gin.Context) {
	dev, err := s.store.ActivateDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

// adminReloadDevices re-reads the active devices and swaps the manager's
// device map, dropping gateways no longer referenced.
func (s *Server) adminReloadDevices(c *gin.Context) {
	configs, err := s.store.ActiveDeviceConfigs(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	s.directory.Reload(configs)
	c.JSON(http.StatusOK, gin.H{"ok": true, "devices": len(configs)})
}
