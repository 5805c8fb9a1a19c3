// Package audit defines the append-only domain event log. Every status
// transition and every monetary change is recorded here for external
// reporting collaborators; entries are never mutated.
package audit

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	RoundExpired      Type = "round.expired"
	RoundFinalizing   Type = "round.finalizing"
	RoundCompleted    Type = "round.completed"
	RoundPreviewed    Type = "round.previewed"
	RoundPreviewReset Type = "round.preview_reset"
	RoundStuck        Type = "round.finalization_error"

	AllocationCommitted Type = "allocation.committed"
	AllocationFailed    Type = "allocation.failed"
	ItemUnsold          Type = "item.unsold"
	BudgetDebited       Type = "budget.debited"

	TiebreakerCreated     Type = "tiebreaker.created"
	TiebreakerBidPlaced   Type = "tiebreaker.bid_placed"
	TiebreakerWithdrawn   Type = "tiebreaker.withdrawn"
	TiebreakerResolved    Type = "tiebreaker.resolved"
	TiebreakerNeedsManual Type = "tiebreaker.needs_manual"
	TiebreakerCancelled   Type = "tiebreaker.cancelled"

	BidPlaced Type = "bid.placed"
)

// Event is a single audit record. RefID points at the round, tiebreaker or
// team the event concerns.
type Event struct {
	ID        string          `json:"id" db:"id"`
	RefID     string          `json:"ref_id" db:"ref_id"`
	Type      Type            `json:"type" db:"type"`
	Data      json.RawMessage `json:"data" db:"data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// StatusChangeData is the payload for status-transition events.
type StatusChangeData struct {
	From string `json:"from"`
	To   string `json:"to"`
	Note string `json:"note,omitempty"`
}

// AllocationData is the payload for allocation outcome events.
type AllocationData struct {
	RoundID string `json:"round_id"`
	ItemID  string `json:"item_id"`
	TeamID  string `json:"team_id"`
	Amount  int64  `json:"amount"`
	Phase   string `json:"phase"`
	Reason  string `json:"reason,omitempty"`
}

// BudgetData is the payload for monetary change events.
type BudgetData struct {
	TeamID        string `json:"team_id"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	RefID         string `json:"ref_id"`
}

// TiebreakerData is the payload for tiebreaker events.
type TiebreakerData struct {
	RoundID string   `json:"round_id"`
	ItemID  string   `json:"item_id"`
	TeamID  string   `json:"team_id,omitempty"`
	Amount  int64    `json:"amount,omitempty"`
	Teams   []string `json:"teams,omitempty"`
}

// BidData is the payload for bid intake events.
type BidData struct {
	RoundID string `json:"round_id"`
	ItemID  string `json:"item_id"`
	TeamID  string `json:"team_id"`
	Amount  int64  `json:"amount"`
}
