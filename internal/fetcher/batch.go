package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"tradelab/internal/logger"
	"tradelab/internal/market"
	"tradelab/internal/metrics"
)

// Config 控制分页拉取节奏。
type Config struct {
	PageLimit         int
	MaxPages          int
	PageDelay         time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RequestsPerMinute int
	Breaker           BreakerConfig
}

// BreakerConfig 控制上游熔断。
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

func DefaultConfig() Config {
	return Config{
		PageLimit:         1000,
		MaxPages:          100,
		PageDelay:         250 * time.Millisecond,
		MaxRetries:        3,
		RetryBackoff:      2 * time.Second,
		RequestsPerMinute: 600,
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenRequests: 1,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PageLimit <= 0 {
		c.PageLimit = def.PageLimit
	}
	if c.MaxPages <= 0 {
		c.MaxPages = def.MaxPages
	}
	if c.PageDelay < 0 {
		c.PageDelay = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = def.Breaker.OpenTimeout
	}
	if c.Breaker.HalfOpenRequests == 0 {
		c.Breaker.HalfOpenRequests = def.Breaker.HalfOpenRequests
	}
	return c
}

// BatchFetcher 以固定页大小向上游循环拉取，自带限频、重试与熔断。
type BatchFetcher struct {
	source  CandleSource
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
	log     *logger.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

func NewBatchFetcher(source CandleSource, cfg Config, reg *metrics.Registry) *BatchFetcher {
	cfg = cfg.withDefaults()
	f := &BatchFetcher{
		source:  source,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Inf, 1),
		metrics: reg,
		log:     logger.With("fetcher"),
		sleep:   sleepWithContext,
	}
	if cfg.RequestsPerMinute > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1)
	}
	if cfg.Breaker.Enabled {
		f.breaker = gobreaker.NewCircuitBreaker(f.breakerSettings())
		reg.SetBreakerState(f.breakerName(), int(gobreaker.StateClosed))
	}
	return f
}

func (f *BatchFetcher) breakerName() string {
	return "provider-" + f.source.Name()
}

func (f *BatchFetcher) breakerSettings() gobreaker.Settings {
	threshold := f.cfg.Breaker.FailureThreshold
	return gobreaker.Settings{
		Name:        f.breakerName(),
		MaxRequests: f.cfg.Breaker.HalfOpenRequests,
		Timeout:     f.cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消和参数类错误不代表上游不健康
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warnf("[fetch] 熔断器 %s 状态 %s -> %s", name, from, to)
			f.metrics.SetBreakerState(name, int(to))
		},
	}
}

// Source 返回底层数据源名称。
func (f *BatchFetcher) Source() string { return f.source.Name() }

// FetchRange pulls every candle whose close time falls in [start, end].
func (f *BatchFetcher) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range: end %d before start %d", end, start)
	}
	var (
		out    []market.Candle
		cursor = start
		pages  int
	)
	for cursor <= end {
		if pages >= f.cfg.MaxPages {
			f.log.Warnf("[fetch] %s@%s 达到分页上限 %d，停止于 %d", symbol, interval, f.cfg.MaxPages, cursor)
			break
		}
		pages++
		page, err := f.fetchPage(ctx, FetchRequest{
			Symbol:   symbol,
			Interval: interval,
			Start:    cursor,
			End:      end,
			Limit:    f.cfg.PageLimit,
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			if c.CloseTime < start || c.CloseTime > end {
				continue
			}
			if err := c.Validate(); err != nil {
				f.log.Warnf("[fetch] %s@%s 丢弃异常 K 线: %v", symbol, interval, err)
				continue
			}
			if n := len(out); n > 0 && c.OpenTime <= out[n-1].OpenTime {
				continue
			}
			out = append(out, c)
		}
		last := page[len(page)-1]
		if len(page) < f.cfg.PageLimit || last.CloseTime >= end {
			break
		}
		next := last.CloseTime + 1
		if next <= cursor {
			return nil, &FetchError{
				Source:   f.source.Name(),
				Symbol:   symbol,
				Interval: interval,
				Cursor:   cursor,
				Attempts: pages,
				Err:      ErrCursorStalled,
			}
		}
		cursor = next
		if err := f.sleep(ctx, f.cfg.PageDelay); err != nil {
			return nil, err
		}
	}
	f.log.Debugf("[fetch] %s@%s %d-%d 完成，pages=%d candles=%d", symbol, interval, start, end, pages, len(out))
	return out, nil
}

func (f *BatchFetcher) fetchPage(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	for attempt := 0; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		began := time.Now()
		page, err := f.call(ctx, req)
		f.metrics.ObserveFetchPage(f.source.Name(), time.Since(began), len(page), err)
		if err == nil {
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		retryable := IsRetryable(err)
		if !retryable || attempt >= f.cfg.MaxRetries {
			return nil, &FetchError{
				Source:    f.source.Name(),
				Symbol:    req.Symbol,
				Interval:  req.Interval,
				Cursor:    req.Start,
				Attempts:  attempt + 1,
				Retryable: retryable,
				Err:       err,
			}
		}
		f.log.Warnf("[fetch] %s@%s 第 %d 次失败，%s 后重试: %v", req.Symbol, req.Interval, attempt+1, f.cfg.RetryBackoff, err)
		if err := f.sleep(ctx, f.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
}

func (f *BatchFetcher) call(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	if f.breaker == nil {
		return f.source.Fetch(ctx, req)
	}
	res, err := f.breaker.Execute(func() (interface{}, error) {
		return f.source.Fetch(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	page, _ := res.([]market.Candle)
	return page, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
