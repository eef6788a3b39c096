package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// health reports component readiness: 200 when the database, the broker (if
// configured) and the manager are all ok, 503 otherwise.
func (s *Server) health(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if err := s.store.Ping(c.Request.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if s.mqttOn {
		if s.publisher.Connected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			healthy = false
		}
	} else {
		checks["mqtt"] = "disabled"
	}

	checks["gateways"] = len(s.directory.GatewayStatuses())

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// metricsSnapshot combines the collector and cache counters into the JSON
// metrics document.
func (s *Server) metricsSnapshot(c *gin.Context) {
	snap := s.collector.Snapshot()
	st := s.cache.Stats()
	hitRate := 0.0
	if lookups := st.Hits + st.Misses; lookups > 0 {
		hitRate = float64(st.Hits) / float64(lookups)
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": snap.UptimeSeconds,
		"modbus":         snap.Modbus,
		"polling":        snap.Polling,
		"cache": gin.H{
			"hits":      st.Hits,
			"misses":    st.Misses,
			"sets":      st.Sets,
			"evictions": st.Evictions,
			"entries":   st.Entries,
			"hit_rate":  hitRate,
		},
	})
}

func (s *Server) metricsReset(c *gin.Context) {
	s.collector.Reset()
	s.cache.ResetStats()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
