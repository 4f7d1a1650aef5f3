package cache

import (
	"errors"
	"fmt"
	"time"
)

// ErrKeyBusy 表示同一 key 的另一次拉取在等待时限内没有结束。
var ErrKeyBusy = errors.New("cache: key busy")

// NoDataError 表示请求区间内没有任何可用 K 线。
type NoDataError struct {
	Key   Key
	Start int64
	End   int64
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("cache: no candles for %s in [%s, %s]", e.Key,
		time.UnixMilli(e.Start).UTC().Format(time.RFC3339),
		time.UnixMilli(e.End).UTC().Format(time.RFC3339))
}

// InconsistencyError signals a broken ordering invariant after a merge. It is a bug, not a data condition.
type InconsistencyError struct {
	Key    Key
	Reason string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("cache: inconsistent record %s: %s", e.Key, e.Reason)
}

// UpdateError 记录一次更新失败，保留底层原因。
type UpdateError struct {
	Key Key
	Op  string
	Err error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("cache: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
