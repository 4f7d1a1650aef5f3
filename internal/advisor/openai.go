package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"tradelab/internal/logger"
	"tradelab/internal/pkg/jsonutil"
	"tradelab/internal/pkg/text"
	"tradelab/internal/signal"
	"tradelab/internal/strategy"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
	temperature    = 0.3
)

const systemPrompt = "You are an expert cryptocurrency trading analyst. " +
	"Weigh the market context and the technical signal, then answer with a single JSON object only."

// OpenAIConfig 兼容 OpenAI / DeepSeek / Qwen 的 /chat/completions 接口。
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIClient 实现 Advisor。
type OpenAIClient struct {
	url        string
	apiKey     string
	model      string
	maxRetries int
	http       *http.Client
	schema     *jsonschema.Schema
	log        *logger.Entry
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("advisor: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	schema, err := jsonschema.CompileString("advisor_reply.json", replySchema)
	if err != nil {
		return nil, fmt.Errorf("advisor: compile reply schema: %w", err)
	}
	return &OpenAIClient{
		url:        chatURL(cfg.BaseURL),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		http:       &http.Client{Timeout: cfg.Timeout},
		schema:     schema,
		log:        logger.With("advisor"),
		sleep:      sleepCtx,
	}, nil
}

// chatURL 规范化 BaseURL，容忍用户把 /chat/completions 也写进配置。
func chatURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultBaseURL
	}
	base = strings.TrimSuffix(base, "/chat/completions")
	return base + "/chat/completions"
}

func (c *OpenAIClient) provider() string { return "openai:" + c.model }

func (c *OpenAIClient) Recommend(ctx context.Context, mc MarketContext, sig signal.Signal, cfg strategy.Config) (Recommendation, error) {
	prompt := buildPrompt(mc, sig, cfg)
	reply, err := c.complete(ctx, prompt)
	logger.LogAdvisorExchange(c.provider(), prompt, prettyReply(reply))
	if err != nil {
		return Recommendation{}, &UnavailableError{Provider: c.provider(), Err: err}
	}
	rec, err := c.parseReply(reply)
	if err != nil {
		return Recommendation{}, &UnavailableError{Provider: c.provider(), Err: err}
	}
	rec.Provider = c.provider()
	c.log.Debugf("%s %s -> %s (%.2f) %s", mc.Symbol, sig.Action, rec.Action, rec.Confidence, text.Truncate(rec.Reasoning, 120))
	return rec, nil
}

// prettyReply 只用于日志，提取不到 JSON 时保留原文。
func prettyReply(reply string) string {
	if obj, ok := jsonutil.ExtractObject(reply); ok {
		return jsonutil.Pretty(obj)
	}
	return reply
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature":     temperature,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", err
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt == 0 {
			c.log.Debugf("POST %s auth=%s body=%s", c.url, maskKey(c.apiKey), text.Truncate(string(body), 400))
		}
		content, wait, err := c.post(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if wait < 0 || attempt == c.maxRetries {
			break
		}
		if wait == 0 {
			wait = backoff(attempt)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// post 返回 wait<0 表示不可重试。
func (c *OpenAIClient) post(ctx context.Context, body []byte) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", -1, ctx.Err()
		}
		return "", 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode/100 == 2 {
		content := gjson.GetBytes(raw, "choices.0.message.content")
		if !content.Exists() {
			return "", -1, fmt.Errorf("empty choices")
		}
		return content.String(), 0, nil
	}
	msg := strings.TrimSpace(gjson.GetBytes(raw, "error.message").String())
	if msg == "" {
		msg = resp.Status
	}
	err = fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return "", retryAfter(resp.Header.Get("Retry-After")), err
	}
	return "", -1, err
}

func (c *OpenAIClient) parseReply(reply string) (Recommendation, error) {
	obj, ok := jsonutil.ExtractObject(reply)
	if !ok {
		return Recommendation{}, fmt.Errorf("reply carries no json object")
	}
	var doc any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return Recommendation{}, fmt.Errorf("decode reply: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return Recommendation{}, fmt.Errorf("reply schema: %w", err)
	}
	parsed := gjson.Parse(obj)
	action, ok := strategy.ParseAction(parsed.Get("recommendation").String())
	if !ok {
		return Recommendation{}, fmt.Errorf("unknown recommendation %q", parsed.Get("recommendation").String())
	}
	rec := Recommendation{
		Action:     action,
		Confidence: parsed.Get("confidence").Float(),
		Reasoning:  parsed.Get("reasoning").String(),
	}
	for _, f := range parsed.Get("riskFactors").Array() {
		rec.RiskFactors = append(rec.RiskFactors, f.String())
	}
	return rec, nil
}

func buildPrompt(mc MarketContext, sig signal.Signal, cfg strategy.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s (%s)\n", mc.Symbol, mc.Interval)
	fmt.Fprintf(&b, "Price: %.8g\n24-candle change: %.2f%%\n24-candle volume: %.4f\n24-candle high/low: %.8g / %.8g\n",
		mc.Price, mc.Change24hPct, mc.Volume24h, mc.High24h, mc.Low24h)
	fmt.Fprintf(&b, "\nTechnical signal: %s, confidence %.2f (%d buy / %d sell of %d indicators)\n",
		sig.Action, sig.Confidence, sig.BuyVotes, sig.SellVotes, sig.Enabled)
	for _, v := range sig.Votes {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", v.Indicator, v.Side, v.Reason)
	}
	fmt.Fprintf(&b, "\nRisk: stop loss %.2f%%, take profit %.2f%%, risk per trade %.2f%%\n",
		cfg.Risk.StopLossPct, cfg.Risk.TakeProfitPct, cfg.Risk.RiskPct)
	b.WriteString("\nRespond with JSON: {\"recommendation\":\"BUY|SELL|HOLD\",\"confidence\":0-1,\"reasoning\":\"...\",\"riskFactors\":[\"...\"]}\n")
	return b.String()
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// backoff: 0.8s, 1.6s, 3.2s ... 上限 8s
func backoff(attempt int) time.Duration {
	wait := 800 * time.Millisecond << attempt
	if wait > 8*time.Second {
		wait = 8 * time.Second
	}
	return wait
}

func maskKey(key string) string {
	if key == "" {
		return "-"
	}
	if len(key) > 4 {
		return "****" + key[len(key)-4:]
	}
	return "****"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const replySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["recommendation", "confidence"],
  "properties": {
    "recommendation": {"type": "string", "enum": ["BUY", "SELL", "HOLD", "buy", "sell", "hold"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"},
    "riskFactors": {"type": "array", "items": {"type": "string"}}
  }
}`
