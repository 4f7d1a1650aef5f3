package opshttp

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tradelab/internal/backtest"
)

func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Strategies.Snapshot())
}

func (s *Server) handleBacktestSubmit(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := s.cfg.Backtests.Submit(req)
	if err != nil {
		if code := statusOf(err); code == http.StatusNotFound {
			s.fail(c, err)
			return
		}
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": res})
}

func (s *Server) handleBacktestList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.cfg.Backtests.List(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) loadRun(c *gin.Context) (*backtest.Result, bool) {
	res, err := s.cfg.Backtests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return res, true
}

// handleBacktestDetail 返回摘要；?full=1 时附带成交与资金曲线。
func (s *Server) handleBacktestDetail(c *gin.Context) {
	res, ok := s.loadRun(c)
	if !ok {
		return
	}
	if full, _ := strconv.ParseBool(c.Query("full")); full {
		c.JSON(http.StatusOK, gin.H{"run": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": res.Header()})
}

func (s *Server) handleBacktestTrades(c *gin.Context) {
	res, ok := s.loadRun(c)
	if !ok {
		return
	}
	if c.Query("format") == "csv" {
		c.Header("Content-Disposition", "attachment; filename="+res.ID+"_trades.csv")
		c.Header("Content-Type", "text/csv")
		c.Status(http.StatusOK)
		if err := backtest.WriteTradesCSV(c.Writer, res.Trades); err != nil {
			s.log.Warnf("write trades csv: %v", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": res.Trades})
}

func (s *Server) handleBacktestEquity(c *gin.Context) {
	res, ok := s.loadRun(c)
	if !ok {
		return
	}
	if c.Query("format") == "csv" {
		c.Header("Content-Disposition", "attachment; filename="+res.ID+"_equity.csv")
		c.Header("Content-Type", "text/csv")
		c.Status(http.StatusOK)
		if err := backtest.WriteEquityCSV(c.Writer, res.Equity); err != nil {
			s.log.Warnf("write equity csv: %v", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": res.Equity})
}

func (s *Server) handleBacktestChart(c *gin.Context) {
	res, ok := s.loadRun(c)
	if !ok {
		return
	}
	if len(res.Equity) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "run has no equity curve yet", "status": res.Status})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := backtest.RenderChart(c.Writer, res); err != nil {
		s.log.Warnf("render chart %s: %v", res.ID, err)
	}
}
