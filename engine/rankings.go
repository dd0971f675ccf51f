package engine

import (
	"github.com/huandu/skiplist"

	"github.com/openalpha/market-sim/types"
)

type rankKey struct {
	netPnl float64
	wallet string
}

// rankKeyDesc orders traders by net PnL descending, wallet ascending as
// the tie-break.
type rankKeyDesc struct{}

func (rankKeyDesc) Compare(lhs, rhs interface{}) int {
	l := lhs.(rankKey)
	r := rhs.(rankKey)
	if l.netPnl > r.netPnl {
		return -1
	}
	if l.netPnl < r.netPnl {
		return 1
	}
	if l.wallet < r.wallet {
		return -1
	}
	if l.wallet > r.wallet {
		return 1
	}
	return 0
}

func (rankKeyDesc) CalcScore(key interface{}) float64 {
	return -key.(rankKey).netPnl
}

// rankings maintains the trader leaderboard ordered by net PnL. Updates
// are O(log n) per close instead of a full re-sort.
type rankings struct {
	list *skiplist.SkipList
	keys map[string]rankKey // wallet -> current key
}

func newRankings() *rankings {
	return &rankings{
		list: skiplist.New(rankKeyDesc{}),
		keys: make(map[string]rankKey),
	}
}

func (r *rankings) upsert(t types.Trader) {
	if old, ok := r.keys[t.WalletAddress]; ok {
		r.list.Remove(old)
	}
	key := rankKey{netPnl: t.NetPnl, wallet: t.WalletAddress}
	r.keys[t.WalletAddress] = key
	r.list.Set(key, t)
}

// ordered returns the leaderboard, best net PnL first.
func (r *rankings) ordered() []types.Trader {
	out := make([]types.Trader, 0, r.list.Len())
	for elem := r.list.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(types.Trader))
	}
	return out
}

func (r *rankings) reset() {
	r.list = skiplist.New(rankKeyDesc{})
	r.keys = make(map[string]rankKey)
}
