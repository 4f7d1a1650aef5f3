package opshttp

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	if s.cfg.Scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"running": false, "enabled": false})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Scheduler.Status())
}

func (s *Server) handleSchedulerTrigger(c *gin.Context) {
	if s.cfg.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler disabled"})
		return
	}
	task := c.Param("task")
	if err := s.cfg.Scheduler.Trigger(c.Request.Context(), task); err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			c.JSON(http.StatusOK, gin.H{"task": task, "ok": false, "error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "ok": true})
}
