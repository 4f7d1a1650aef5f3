package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tradelab/internal/market"
	"tradelab/internal/pkg/symbol"
)

const (
	defaultRESTBase = "https://api.binance.com"
	defaultRESTPath = "/api/v3/klines"
)

// RESTConfig 描述直连 REST 的数据源（无 SDK，可走代理）。
type RESTConfig struct {
	BaseURL  string
	Path     string
	ProxyURL string
	Timeout  time.Duration
}

// RESTSource 直接请求 Binance 兼容的 klines 接口，用 gjson 解析数组行。
type RESTSource struct {
	baseURL string
	path    string
	client  *http.Client
}

func NewRESTSource(cfg RESTConfig) (*RESTSource, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultRESTBase
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultRESTPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client, err := newHTTPClient(cfg.Timeout, cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &RESTSource{baseURL: base, path: path, client: client}, nil
}

func (r *RESTSource) Name() string { return "rest" }

func (r *RESTSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	sym := symbol.Normalize(req.Symbol)
	if sym == "" || strings.TrimSpace(req.Interval) == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxBinancePageLimit {
		limit = maxBinancePageLimit
	}
	u, err := url.Parse(r.baseURL + r.path)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("symbol", sym)
	q.Set("interval", strings.ToLower(strings.TrimSpace(req.Interval)))
	q.Set("limit", strconv.Itoa(limit))
	if req.Start > 0 {
		q.Set("startTime", strconv.FormatInt(req.Start, 10))
	}
	if req.End > 0 {
		q.Set("endTime", strconv.FormatInt(req.End, 10))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp.StatusCode, body)
	}
	return parseKlineRows(body)
}

func parseKlineRows(body []byte) ([]market.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("klines 响应不是合法 JSON")
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("klines 响应根节点必须是数组")
	}
	rows := parsed.Array()
	out := make([]market.Candle, 0, len(rows))
	for idx, row := range rows {
		fields := row.Array()
		if len(fields) < 7 {
			return nil, fmt.Errorf("klines 第 %d 行字段不足: %d", idx, len(fields))
		}
		c := market.Candle{
			OpenTime:  fields[0].Int(),
			Open:      fields[1].Float(),
			High:      fields[2].Float(),
			Low:       fields[3].Float(),
			Close:     fields[4].Float(),
			Volume:    fields[5].Float(),
			CloseTime: fields[6].Int(),
		}
		if len(fields) > 8 {
			c.Trades = fields[8].Int()
		}
		out = append(out, c)
	}
	return out, nil
}

// StatusError 是上游返回的非 200 响应。
type StatusError struct {
	StatusCode   int
	ProviderCode int64
	Message      string
}

func newStatusError(status int, body []byte) *StatusError {
	e := &StatusError{StatusCode: status}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		e.ProviderCode = parsed.Get("code").Int()
		e.Message = parsed.Get("msg").String()
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func (e *StatusError) Error() string {
	if e.ProviderCode != 0 {
		return fmt.Sprintf("provider status=%d code=%d: %s", e.StatusCode, e.ProviderCode, e.Message)
	}
	return fmt.Sprintf("provider status=%d: %s", e.StatusCode, e.Message)
}

// Temporary 表示可以退避后重试（限频或服务端错误）。
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
