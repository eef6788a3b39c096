// Package api exposes the HTTP surface: the device data plane, the admin
// CRUD endpoints, and the observability endpoints.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"modbus-middleware/internal/cache"
	"modbus-middleware/internal/metrics"
	"modbus-middleware/internal/modbus"
	"modbus-middleware/internal/mqtt"
	"modbus-middleware/internal/service"
	"modbus-middleware/internal/store"
)

// Directory is the manager surface the handlers consume.
type Directory interface {
	ListDevices() []string
	GatewayStatuses() []modbus.GatewayStatus
	Reload(configs []modbus.DeviceConfig)
}

// RegisterService is the read/write pipeline surface.
type RegisterService interface {
	Read(ctx context.Context, deviceID, registerType string, address, count int, useCache bool) (service.ReadResult, error)
	Write(ctx context.Context, deviceID, registerType string, address, value int) (service.WriteResult, error)
}

// Server bundles the handler dependencies.
type Server struct {
	store     *store.Store
	registers RegisterService
	directory Directory
	cache     *cache.Cache
	collector *metrics.Collector
	publisher mqtt.Publisher
	mqttOn    bool
	log       *logrus.Entry
}

// NewServer wires the handlers.
func NewServer(st *store.Store, regs RegisterService, dir Directory, c *cache.Cache,
	col *metrics.Collector, pub mqtt.Publisher, mqttOn bool, log *logrus.Logger) *Server {
	return &Server{
		store:     st,
		registers: regs,
		directory: dir,
		cache:     c,
		collector: col,
		publisher: pub,
		mqttOn:    mqttOn,
		log:       log.WithField("component", "api"),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())

	r.GET("/health", s.health)

	api := r.Group("/api")
	{
		api.GET("/metrics", s.metricsSnapshot)
		api.POST("/metrics/reset", s.metricsReset)

		devices := api.Group("/devices")
		{
			devices.GET("", s.listDeviceIDs)
			devices.GET("/gateways", s.listGateways)
			devices.GET("/:device_id/registers", s.readRegisters)
			devices.POST("/:device_id/registers/write", s.writeRegister)
		}

		admin := api.Group("/admin")
		{
			admin.GET("/devices", s.adminListDevices)
			admin.POST("/devices", s.adminCreateDevice)
			admin.GET("/devices/active", s.adminListActiveDevices)
			admin.POST("/devices/reload", s.adminReloadDevices)
			admin.GET("/devices/:device_id", s.adminGetDevice)
			admin.PUT("/devices/:device_id", s.adminUpdateDevice)
			admin.DELETE("/devices/:device_id", s.adminDeleteDevice)
			admin.POST("/devices/:device_id/activate", s.adminActivateDevice)

			admin.GET("/polling", s.adminListTargets)
			admin.POST("/polling", s.adminCreateTarget)
			admin.GET("/polling/active", s.adminListActiveTargets)
			admin.POST("/polling/reload", s.adminReloadPolling)
			admin.GET("/polling/device/:device_id", s.adminTargetsByDevice)
			admin.GET("/polling/:id", s.adminGetTarget)
			admin.PUT("/polling/:id", s.adminUpdateTarget)
			admin.DELETE("/polling/:id", s.adminDeleteTarget)
			admin.POST("/polling/:id/activate", s.adminActivateTarget)

			admin.GET("/cache", s.adminListCache)
			admin.GET("/cache/stats", s.adminCacheStats)
			admin.GET("/cache/device/:device_id", s.adminCacheByDevice)
			admin.DELETE("/cache", s.adminClearCache)
		}
	}

	// Prometheus scrape endpoint, separate from the JSON snapshot.
	r.GET("/metrics", gin.WrapH(s.collector.Handler()))

	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	}
}
