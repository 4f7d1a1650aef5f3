package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/sony/gobreaker"
)

// ErrCursorStalled 表示分页游标没有前进，继续拉取只会死循环。
var ErrCursorStalled = errors.New("fetcher: pagination cursor did not advance")

// FetchError wraps a provider failure for one page of a range fetch.
type FetchError struct {
	Source    string
	Symbol    string
	Interval  string
	Cursor    int64
	Attempts  int
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	cursor := "-"
	if e.Cursor > 0 {
		cursor = time.UnixMilli(e.Cursor).UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("fetch %s %s@%s cursor=%s attempts=%d: %v",
		e.Source, e.Symbol, e.Interval, cursor, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// binance error codes worth another attempt after backoff.
var retryableAPICodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1006: true, // UNEXPECTED_RESP
	-1007: true, // TIMEOUT
	-1008: true, // SERVER_BUSY
	-1015: true, // TOO_MANY_ORDERS
}

// IsRetryable 判断错误是否属于网络/超时/限频等瞬时错误。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return retryableAPICodes[apiErr.Code]
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
