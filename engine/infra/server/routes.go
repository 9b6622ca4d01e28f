package server

import (
	"net/http"

	"github.com/compozy/epoxy/pkg/version"
	"github.com/gin-gonic/gin"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"data":    gin.H{"status": statusOK},
			"message": "Success",
		})
	})
	s.router.GET("/readyz", s.readyHandler)
	s.router.GET("/stats", s.statsHandler)
	s.router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": version.Get(), "message": "Success"})
	})
}

// readyHandler pings every store connection and answers 503 when one fails.
func (s *Server) readyHandler(c *gin.Context) {
	stores := s.runtime.Health(c.Request.Context())
	status, code := statusOK, http.StatusOK
	for _, h := range stores {
		if !h.OK {
			status, code = statusDegraded, http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, gin.H{
		"data":    gin.H{"status": status, "stores": stores},
		"message": "Success",
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	st := s.runtime.Coordinator.Stats()
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"active":         st.Active,
			"commit_log":     st.CommitLog,
			"next_id":        st.NextID,
			"stores":         st.Stores,
			"locks":          st.Locks,
			"low_water_mark": s.runtime.Coordinator.LowWaterMark(),
		},
		"message": "Success",
	})
}
