package opshttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradelab/internal/cache"
	"tradelab/internal/pkg/timeutil"
)

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Cache.Stats())
}

func (s *Server) handleCacheDetail(c *gin.Context) {
	detail, err := s.cfg.Cache.Detail(c.Param("symbol"), c.Param("interval"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// handleCandles 走完整的缓存读取路径（命中 / 补缺 / 拉取）。
func (s *Server) handleCandles(c *gin.Context) {
	sym, interval := c.Query("symbol"), c.Query("interval")
	if sym == "" || interval == "" {
		badRequest(c, "symbol/interval 必填")
		return
	}
	end := time.Now().UnixMilli()
	if raw := c.Query("end"); raw != "" {
		v, err := timeutil.ParseMillis(raw)
		if err != nil {
			badRequest(c, "end 无效: "+err.Error())
			return
		}
		end = v
	}
	start, err := timeutil.ParseMillis(c.Query("start"))
	if err != nil {
		badRequest(c, "start 必填（毫秒时间戳、RFC3339 或日期）")
		return
	}
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	res, err := s.cfg.Cache.Query(c.Request.Context(), cache.Request{
		Symbol: sym, Interval: interval, Start: start, End: end, ForceRefresh: force,
	})
	if err != nil {
		if code := statusOf(err); code == http.StatusInternalServerError {
			badRequest(c, err.Error())
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "candles": res.Candles})
}

func (s *Server) handleWarmup(c *gin.Context) {
	var req struct {
		Symbols   []string `json:"symbols" binding:"required"`
		Intervals []string `json:"intervals" binding:"required"`
		Days      int      `json:"days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Days <= 0 {
		req.Days = s.cfg.WarmupDays
	}
	items, err := s.cfg.Cache.Warmup(c.Request.Context(), req.Symbols, req.Intervals, req.Days)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handlePrune(c *gin.Context) {
	var req struct {
		KeepDays int `json:"keep_days"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.KeepDays <= 0 {
		req.KeepDays = s.cfg.KeepDays
	}
	rep, err := s.cfg.Cache.Prune(c.Request.Context(), req.KeepDays)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleClear(c *gin.Context) {
	n, err := s.cfg.Cache.Clear(c.Request.Context(), c.Query("symbol"), c.Query("interval"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}
