package strategy

import (
	"math"

	"github.com/shopspring/decimal"
)

const pricePlaces = 8

// Levels 根据入场价与风控百分比计算止损/止盈价，保留 8 位小数。
// BUY: SL = entry*(1-sl%), TP = entry*(1+tp%)；SELL 方向相反。
func Levels(side Action, entry float64, risk RiskParams) (stopLoss, takeProfit float64) {
	e := decimal.NewFromFloat(entry)
	sl := decimal.NewFromFloat(risk.StopLossPct).Div(decimal.NewFromInt(100))
	tp := decimal.NewFromFloat(risk.TakeProfitPct).Div(decimal.NewFromInt(100))
	one := decimal.NewFromInt(1)
	if side == ActionSell {
		return e.Mul(one.Add(sl)).Round(pricePlaces).InexactFloat64(),
			e.Mul(one.Sub(tp)).Round(pricePlaces).InexactFloat64()
	}
	return e.Mul(one.Sub(sl)).Round(pricePlaces).InexactFloat64(),
		e.Mul(one.Add(tp)).Round(pricePlaces).InexactFloat64()
}

// PositionSize 按风险金额/单位风险计算数量，再依次受 maxValue 与余额约束。
// entry 与 stopLoss 相等时返回 0。结果向下截断到 8 位，保证不超过约束。
func PositionSize(balance, riskPct, entry, stopLoss, maxValue float64) float64 {
	if balance <= 0 || entry <= 0 || riskPct <= 0 {
		return 0
	}
	priceRisk := math.Abs(entry - stopLoss)
	if priceRisk == 0 {
		return 0
	}
	bal := decimal.NewFromFloat(balance)
	px := decimal.NewFromFloat(entry)
	size := bal.Mul(decimal.NewFromFloat(riskPct)).Div(decimal.NewFromInt(100)).
		Div(decimal.NewFromFloat(priceRisk))
	if maxValue > 0 && size.Mul(px).GreaterThan(decimal.NewFromFloat(maxValue)) {
		size = decimal.NewFromFloat(maxValue).Div(px)
	}
	if size.Mul(px).GreaterThan(bal) {
		size = bal.Div(px)
	}
	return size.Truncate(pricePlaces).InexactFloat64()
}
