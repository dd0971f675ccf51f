package engine

import (
	"math"
	"time"

	"github.com/google/btree"

	"github.com/openalpha/market-sim/types"
)

const (
	// bookDepth is the number of levels per side.
	bookDepth = 20

	// levelSpacing is the per-level geometric step, ~0.05% of mid.
	levelSpacing = 0.0005

	// quantityDecay shapes per-level size as exp(-level/quantityDecay).
	quantityDecay = 5.0

	btreeDegree = 8
)

// ladderItem is one price level stored in the ladder tree, ascending by
// price.
type ladderItem struct {
	price    float64
	quantity float64
}

func (a *ladderItem) Less(b btree.Item) bool {
	return a.price < b.(*ladderItem).price
}

// OrderBookBuilder regenerates the 20-level bid/ask ladder around the mid
// price once per tick. Levels live in two btrees so extraction is always
// price-ordered regardless of insertion order.
type OrderBookBuilder struct {
	bids *btree.BTree
	asks *btree.BTree
}

// NewOrderBookBuilder creates an empty builder.
func NewOrderBookBuilder() *OrderBookBuilder {
	return &OrderBookBuilder{
		bids: btree.New(btreeDegree),
		asks: btree.New(btreeDegree),
	}
}

// Rebuild generates a fresh ladder: 20 levels per side at geometric
// spacing, quantity decaying exponentially away from the mid and scaled
// so each side sums to the target liquidity. Volatility widens the step.
func (b *OrderBookBuilder) Rebuild(mid, liquidity, volatility float64) types.OrderBookSnapshot {
	b.bids.Clear(false)
	b.asks.Clear(false)

	if mid <= 0 {
		return types.OrderBookSnapshot{LastUpdateTime: time.Now().UnixMilli()}
	}
	if liquidity <= 0 {
		liquidity = 1
	}

	step := levelSpacing * (1 + volatility*10)

	// Normalise the exp(-i/5) weights so one side totals the target
	// liquidity in quote terms.
	weightSum := 0.0
	for i := 0; i < bookDepth; i++ {
		weightSum += math.Exp(-float64(i) / quantityDecay)
	}

	for i := 0; i < bookDepth; i++ {
		offset := float64(i+1) * step
		weight := math.Exp(-float64(i)/quantityDecay) / weightSum

		bidPrice := mid * (1 - offset)
		askPrice := mid * (1 + offset)
		if bidPrice <= 0 {
			continue
		}

		b.bids.ReplaceOrInsert(&ladderItem{
			price:    bidPrice,
			quantity: liquidity * weight / bidPrice,
		})
		b.asks.ReplaceOrInsert(&ladderItem{
			price:    askPrice,
			quantity: liquidity * weight / askPrice,
		})
	}

	snap := types.OrderBookSnapshot{
		Bids:           make([]types.PriceLevel, 0, bookDepth),
		Asks:           make([]types.PriceLevel, 0, bookDepth),
		LastUpdateTime: time.Now().UnixMilli(),
	}
	// Bids best-first: highest price below mid.
	b.bids.Descend(func(item btree.Item) bool {
		lv := item.(*ladderItem)
		snap.Bids = append(snap.Bids, types.PriceLevel{Price: lv.price, Quantity: lv.quantity})
		return true
	})
	// Asks best-first: lowest price above mid.
	b.asks.Ascend(func(item btree.Item) bool {
		lv := item.(*ladderItem)
		snap.Asks = append(snap.Asks, types.PriceLevel{Price: lv.price, Quantity: lv.quantity})
		return true
	})
	return snap
}
