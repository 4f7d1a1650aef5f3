package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// ParseMillis 接受毫秒时间戳、RFC3339 或 2006-01-02（UTC 零点）。
func ParseMillis(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("时间为空")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("无法解析时间: %q", raw)
}
