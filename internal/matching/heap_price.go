package matching

import "github.com/shopspring/decimal"

// priceHeap desc=false 为最小堆（卖盘），desc=true 为最大堆（买盘）
type priceHeap struct {
	prices []decimal.Decimal
	desc   bool
}

func (h priceHeap) Len() int { return len(h.prices) }

func (h priceHeap) Less(i, j int) bool {
	if h.desc {
		return h.prices[i].GreaterThan(h.prices[j])
	}
	return h.prices[i].LessThan(h.prices[j])
}

func (h priceHeap) Swap(i, j int) { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }

func (h *priceHeap) Push(x any) { h.prices = append(h.prices, x.(decimal.Decimal)) }

func (h *priceHeap) Pop() any {
	old := h.prices
	n := len(old)
	x := old[n-1]
	h.prices = old[:n-1]
	return x
}

func (h priceHeap) clone() *priceHeap {
	cp := make([]decimal.Decimal, len(h.prices))
	copy(cp, h.prices)
	return &priceHeap{prices: cp, desc: h.desc}
}
