package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"modbus-middleware/internal/apperr"
	"modbus-middleware/internal/store"
)

type targetBody struct {
	DeviceID     string `json:"device_id" binding:"required"`
	RegisterType string `json:"register_type" binding:"required"`
	Address      int    `json:"address"`
	Count        *int   `json:"count"`
	Description  string `json:"description"`
}

func targetID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		renderError(c, apperr.Newf(apperr.KindValidation, "invalid polling target id %q", c.Param("id")))
		return 0, false
	}
	return uint(id), true
}

func (s *Server) adminListTargets(c *gin.Context) {
	targets, err := s.store.ListTargets(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (s *Server) adminListActiveTargets(c *gin.Context) {
	targets, err := s.store.ListActiveTargets(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (s *Server) adminTargetsByDevice(c *gin.Context) {
	targets, err := s.store.TargetsByDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (s *Server) adminGetTarget(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	t, err := s.store.GetTarget(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) adminCreateTarget(c *gin.Context) {
	var b targetBody
	if err := c.ShouldBindJSON(&b); err != nil {
		renderValidation(c, err)
		return
	}
	t := store.PollingTarget{
		DeviceID:     b.DeviceID,
		RegisterType: b.RegisterType,
		Address:      b.Address,
		Count:        1,
		Description:  b.Description,
	}
	if b.Count != nil {
		t.Count = *b.Count
	}
	created, err := s.store.CreateTarget(c.Request.Context(), t)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) adminUpdateTarget(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	var upd store.TargetUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		renderValidation(c, err)
		return
	}
	t, err := s.store.UpdateTarget(c.Request.Context(), id, upd)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) adminDeleteTarget(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	t, err := s.store.DeactivateTarget(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": t.ID, "is_active": t.IsActive})
}

func (s *Server) adminActivateTarget(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	t, err := s.store.ActivateTarget(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// adminReloadPolling acknowledges a reload request. Targets are re-read from
// the database at the start of every cycle, so there is nothing to swap.
func (s *Server) adminReloadPolling(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"message": "polling targets reload automatically on the next cycle",
	})
}
