// Package allocation computes round outcomes from the full bid set. It is
// pure: no I/O, no budget checks (the applier re-validates at commit time),
// deterministic for any input order.
package allocation

import (
	"sort"

	"github.com/mkelholt/squadbid/internal/store"
)

// Winner is the computed outcome for one item with a unique highest bidder.
type Winner struct {
	ItemID string
	TeamID string
	Amount int64
}

// Tie reports an item where two or more teams share the highest bid.
type Tie struct {
	ItemID  string
	Amount  int64
	TeamIDs []string
}

// Result is the full computation for a round.
type Result struct {
	Winners []Winner
	Ties    []Tie
	// Unsold lists item IDs that received no bids.
	Unsold []string
}

// DirectlyFinalizable reports whether the round can be committed without
// tiebreakers.
func (r Result) DirectlyFinalizable() bool { return len(r.Ties) == 0 }

// Compute ranks all bids per item. Items already sold or unsold are skipped,
// which keeps a re-driven finalization idempotent.
func Compute(items []store.Item, bids []store.Bid) Result {
	byItem := make(map[string][]store.Bid, len(items))
	for _, b := range bids {
		byItem[b.ItemID] = append(byItem[b.ItemID], b)
	}

	var res Result
	for _, it := range items {
		if it.Status != store.ItemPending {
			continue
		}

		itemBids := byItem[it.ID]
		if len(itemBids) == 0 {
			res.Unsold = append(res.Unsold, it.ID)
			continue
		}

		var max int64
		for _, b := range itemBids {
			if b.Amount > max {
				max = b.Amount
			}
		}

		var tied []string
		for _, b := range itemBids {
			if b.Amount == max {
				tied = append(tied, b.TeamID)
			}
		}

		if len(tied) == 1 {
			res.Winners = append(res.Winners, Winner{
				ItemID: it.ID,
				TeamID: tied[0],
				Amount: max,
			})
			continue
		}

		sort.Strings(tied)
		res.Ties = append(res.Ties, Tie{
			ItemID:  it.ID,
			Amount:  max,
			TeamIDs: tied,
		})
	}

	return res
}
