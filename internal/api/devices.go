package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"modbus-middleware/internal/apperr"
)

type readQuery struct {
	Address      int    `form:"address"`
	Count        int    `form:"count,default=1"`
	RegisterType string `form:"register_type,default=holding"`
	Source       string `form:"source,default=live"`
}

type writeBody struct {
	Address      int    `json:"address"`
	Value        *int   `json:"value" binding:"required"`
	RegisterType string `json:"register_type"`
}

func (s *Server) listDeviceIDs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.directory.ListDevices()})
}

func (s *Server) listGateways(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"gateways": s.directory.GatewayStatuses()})
}

func (s *Server) readRegisters(c *gin.Context) {
	var q readQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		renderValidation(c, err)
		return
	}
	if q.Source != "live" && q.Source != "cache" {
		renderError(c, apperr.Newf(apperr.KindValidation,
			"invalid source %q, must be live or cache", q.Source))
		return
	}

	res, err := s.registers.Read(c.Request.Context(), c.Param("device_id"),
		q.RegisterType, q.Address, q.Count, q.Source == "cache")
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) writeRegister(c *gin.Context) {
	var b writeBody
	if err := c.ShouldBindJSON(&b); err != nil {
		renderValidation(c, err)
		return
	}
	if b.RegisterType == "" {
		b.RegisterType = "holding"
	}

	res, err := s.registers.Write(c.Request.Context(), c.Param("device_id"),
		b.RegisterType, b.Address, *b.Value)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                        true,
		"device_id":                 res.DeviceID,
		"register_type":             res.RegisterType,
		"address":                   res.Address,
		"value":                     res.Value,
		"cache_entries_invalidated": res.Invalidated,
	})
}
