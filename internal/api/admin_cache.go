package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"modbus-middleware/internal/cache"
)

type cacheEntryView struct {
	Key          string  `json:"key"`
	DeviceID     string  `json:"device_id"`
	RegisterType string  `json:"register_type"`
	Address      int     `json:"address"`
	Count        int     `json:"count"`
	Values       []int   `json:"values"`
	AgeSeconds   float64 `json:"age_seconds"`
}

func viewEntries(entries []cache.Entry) []cacheEntryView {
	out := make([]cacheEntryView, len(entries))
	for i, e := range entries {
		out[i] = cacheEntryView{
			Key:          e.Key(),
			DeviceID:     e.DeviceID,
			RegisterType: string(e.RegisterType),
			Address:      e.Address,
			Count:        e.Count,
			Values:       e.Values,
			AgeSeconds:   time.Since(e.CachedAt).Seconds(),
		}
	}
	return out
}

func (s *Server) adminListCache(c *gin.Context) {
	entries := viewEntries(s.cache.Entries())
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) adminCacheByDevice(c *gin.Context) {
	entries := viewEntries(s.cache.DeviceEntries(c.Param("device_id")))
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) adminCacheStats(c *gin.Context) {
	st := s.cache.Stats()
	hitRate := 0.0
	if lookups := st.Hits + st.Misses; lookups > 0 {
		hitRate = float64(st.Hits) / float64(lookups)
	}
	c.JSON(http.StatusOK, gin.H{
		"hits":        st.Hits,
		"misses":      st.Misses,
		"sets":        st.Sets,
		"evictions":   st.Evictions,
		"entries":     st.Entries,
		"hit_rate":    hitRate,
		"ttl_seconds": s.cache.TTL().Seconds(),
	})
}

func (s *Server) adminClearCache(c *gin.Context) {
	cleared := s.cache.Clear()
	c.JSON(http.StatusOK, gin.H{"ok": true, "cleared": cleared})
}
