package strategy

// 止损/止盈触发判断，统一用收盘价比较。

// StopHit reports whether price has crossed the stop for a position on side.
func StopHit(side Action, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	switch side {
	case ActionBuy:
		return price <= stop
	case ActionSell:
		return price >= stop
	}
	return false
}

// TargetHit reports whether price has reached the take-profit level.
func TargetHit(side Action, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	switch side {
	case ActionBuy:
		return price >= target
	case ActionSell:
		return price <= target
	}
	return false
}

// PnL 返回平仓收益：多头 (exit-entry)*qty，空头 (entry-exit)*qty。
func PnL(side Action, entry, exit, qty float64) float64 {
	if side == ActionSell {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
