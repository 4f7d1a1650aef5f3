package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"tradelab/internal/market"
	"tradelab/internal/pkg/symbol"
)

const (
	MarketSpot    = "spot"
	MarketFutures = "futures"

	maxBinancePageLimit = 1000
)

// BinanceConfig 控制 SDK 客户端。
type BinanceConfig struct {
	Market    string
	BaseURL   string
	APIKey    string
	APISecret string
	ProxyURL  string
	Timeout   time.Duration
}

// BinanceSource 基于 go-binance SDK 拉取 K 线，支持现货与 USDT 合约。
type BinanceSource struct {
	market  string
	spot    *binance.Client
	futures *futures.Client
}

func NewBinanceSource(cfg BinanceConfig) (*BinanceSource, error) {
	mkt := strings.ToLower(strings.TrimSpace(cfg.Market))
	if mkt == "" {
		mkt = MarketSpot
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient, err := newHTTPClient(cfg.Timeout, cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	src := &BinanceSource{market: mkt}
	switch mkt {
	case MarketSpot:
		client := binance.NewClient(cfg.APIKey, cfg.APISecret)
		if base := strings.TrimSpace(cfg.BaseURL); base != "" {
			client.BaseURL = base
		}
		client.HTTPClient = httpClient
		src.spot = client
	case MarketFutures:
		client := futures.NewClient(cfg.APIKey, cfg.APISecret)
		if base := strings.TrimSpace(cfg.BaseURL); base != "" {
			client.BaseURL = base
		}
		client.HTTPClient = httpClient
		src.futures = client
	default:
		return nil, fmt.Errorf("unsupported binance market: %s", cfg.Market)
	}
	return src, nil
}

func (s *BinanceSource) Name() string { return "binance-" + s.market }

func (s *BinanceSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	sym := symbol.Normalize(req.Symbol)
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if sym == "" || interval == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxBinancePageLimit {
		limit = maxBinancePageLimit
	}
	if s.futures != nil {
		return s.fetchFutures(ctx, sym, interval, limit, req)
	}
	return s.fetchSpot(ctx, sym, interval, limit, req)
}

func (s *BinanceSource) fetchSpot(ctx context.Context, sym, interval string, limit int, req FetchRequest) ([]market.Candle, error) {
	svc := s.spot.NewKlinesService().Symbol(sym).Interval(interval).Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

func (s *BinanceSource) fetchFutures(ctx context.Context, sym, interval string, limit int, req FetchRequest) ([]market.Candle, error) {
	svc := s.futures.NewKlinesService().Symbol(sym).Interval(interval).Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

func newHTTPClient(timeout time.Duration, proxy string) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	proxy = strings.TrimSpace(proxy)
	if proxy == "" {
		return client, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok || base == nil {
		return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
	}
	transport := base.Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	client.Transport = transport
	return client, nil
}
