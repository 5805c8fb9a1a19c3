package store

import (
	"context"
	"encoding/json"
	"time"
)

// Round statuses. Transitions are monotonic and only ever advanced through
// conditional updates, so at most one caller wins any transition.
const (
	RoundDraft           = "draft"
	RoundActive          = "active"
	RoundFinalizing      = "finalizing"
	RoundCompleted       = "completed"
	RoundExpiredPending  = "expired_pending_finalization"
	RoundPendingFinalize = "pending_finalization"
	RoundTiebreaker      = "tiebreaker_pending"
)

// Round kinds.
const (
	RoundSingle = "single"
	RoundBulk   = "bulk"
)

// Finalization modes.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// Item statuses.
const (
	ItemPending = "pending"
	ItemSold    = "sold"
	ItemUnsold  = "unsold"
)

// Tiebreaker statuses.
const (
	TiebreakerPending     = "pending"
	TiebreakerActive      = "active"
	TiebreakerResolved    = "resolved"
	TiebreakerCancelled   = "cancelled"
	TiebreakerNeedsManual = "needs_manual"
)

// Tiebreaker participant statuses.
const (
	ParticipantActive    = "active"
	ParticipantWithdrawn = "withdrawn"
)

// Allocation phases and states.
const (
	PhaseDirect     = "direct"
	PhaseTiebreaker = "tiebreaker"

	AllocationPending = "pending"
	AllocationFinal   = "final"
	AllocationFailed  = "failed"
)

// Outbox entry states.
const (
	OutboxPending = "pending"
	OutboxDone    = "done"
	OutboxFailed  = "failed"
)

// Round is a time-boxed bidding window for one or more items.
type Round struct {
	ID                 string     `db:"id" json:"id"`
	SeasonID           string     `db:"season_id" json:"season_id"`
	Seq                int        `db:"seq" json:"seq"`
	Kind               string     `db:"kind" json:"kind"`
	BasePrice          int64      `db:"base_price" json:"base_price"`
	Status             string     `db:"status" json:"status"`
	Mode               string     `db:"mode" json:"mode"`
	PreviewFingerprint *string    `db:"preview_fingerprint" json:"preview_fingerprint,omitempty"`
	StartsAt           time.Time  `db:"starts_at" json:"starts_at"`
	EndsAt             time.Time  `db:"ends_at" json:"ends_at"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt        *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Item is a single biddable unit within a round.
type Item struct {
	ID         string `db:"id" json:"id"`
	RoundID    string `db:"round_id" json:"round_id"`
	PlayerName string `db:"player_name" json:"player_name"`
	Position   string `db:"position" json:"position"`
	BasePrice  int64  `db:"base_price" json:"base_price"`
	Status     string `db:"status" json:"status"`
}

// Bid is a team's offer on an item. One active bid per (team, item);
// later bids supersede via upsert. Immutable once the round finalizes.
type Bid struct {
	ID        string    `db:"id" json:"id"`
	RoundID   string    `db:"round_id" json:"round_id"`
	ItemID    string    `db:"item_id" json:"item_id"`
	TeamID    string    `db:"team_id" json:"team_id"`
	Amount    int64     `db:"amount" json:"amount"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Team carries the budget and roster counters contended across
// concurrent allocations. budget_remaining never goes below zero.
type Team struct {
	ID              string    `db:"id" json:"id"`
	SeasonID        string    `db:"season_id" json:"season_id"`
	Name            string    `db:"name" json:"name"`
	BudgetRemaining int64     `db:"budget_remaining" json:"budget_remaining"`
	TotalSpent      int64     `db:"total_spent" json:"total_spent"`
	RosterCount     int       `db:"roster_count" json:"roster_count"`
	RosterLimit     int       `db:"roster_limit" json:"roster_limit"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Allocation is the computed outcome for one item. Pending allocations are
// advisory previews; final allocations are append-only history and the
// source of truth for budget deduction.
type Allocation struct {
	ID        string    `db:"id" json:"id"`
	RoundID   string    `db:"round_id" json:"round_id"`
	ItemID    string    `db:"item_id" json:"item_id"`
	TeamID    string    `db:"team_id" json:"team_id"`
	Amount    int64     `db:"amount" json:"amount"`
	Phase     string    `db:"phase" json:"phase"`
	State     string    `db:"state" json:"state"`
	Reason    *string   `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Tiebreaker is a secondary ascending auction among the teams tied at the
// highest bid for one item. HighestTeam is nil until the first sub-bid.
type Tiebreaker struct {
	ID          string     `db:"id" json:"id"`
	RoundID     string     `db:"round_id" json:"round_id"`
	ItemID      string     `db:"item_id" json:"item_id"`
	Status      string     `db:"status" json:"status"`
	HighestBid  int64      `db:"highest_bid" json:"highest_bid"`
	HighestTeam *string    `db:"highest_team" json:"highest_team,omitempty"`
	CeilingAt   time.Time  `db:"ceiling_at" json:"ceiling_at"`
	LastBidAt   *time.Time `db:"last_bid_at" json:"last_bid_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt  *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TiebreakerParticipant tracks one tied team's standing in a tiebreaker.
type TiebreakerParticipant struct {
	TiebreakerID string `db:"tiebreaker_id" json:"tiebreaker_id"`
	TeamID       string `db:"team_id" json:"team_id"`
	Status       string `db:"status" json:"status"`
}

// TiebreakerBid is an append-only record of one sub-auction bid.
type TiebreakerBid struct {
	ID           string    `db:"id" json:"id"`
	TiebreakerID string    `db:"tiebreaker_id" json:"tiebreaker_id"`
	TeamID       string    `db:"team_id" json:"team_id"`
	Amount       int64     `db:"amount" json:"amount"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Transaction is an immutable financial ledger entry carrying before/after
// balances for auditability.
type Transaction struct {
	ID            string    `db:"id" json:"id"`
	TeamID        string    `db:"team_id" json:"team_id"`
	SeasonID      string    `db:"season_id" json:"season_id"`
	Kind          string    `db:"kind" json:"kind"`
	Amount        int64     `db:"amount" json:"amount"` // negative for deductions
	BalanceBefore int64     `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64     `db:"balance_after" json:"balance_after"`
	Description   string    `db:"description" json:"description"`
	RefID         string    `db:"ref_id" json:"ref_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// OutboxEntry queues a document snapshot for the secondary store. Mirror
// writes are retryable and never part of a primary-store transaction.
type OutboxEntry struct {
	ID         int64           `db:"id" json:"id"`
	Collection string          `db:"collection" json:"collection"`
	DocID      string          `db:"doc_id" json:"doc_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Attempts   int             `db:"attempts" json:"attempts"`
	State      string          `db:"state" json:"state"`
	LastError  *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// RoundRepository defines round persistence operations. TransitionStatus is
// the engine's sole round-level concurrency primitive: a compare-and-swap
// expressed as a conditionally-filtered update.
type RoundRepository interface {
	Create(ctx context.Context, r *Round) error
	GetByID(ctx context.Context, id string) (*Round, error)
	// TransitionStatus advances id from one status to another. It returns
	// true only for the caller whose conditional update changed a row.
	TransitionStatus(ctx context.Context, id, from, to string) (bool, error)
	SetPreviewFingerprint(ctx context.Context, id string, fingerprint *string) error
	ListExpiredActive(ctx context.Context, now time.Time) ([]Round, error)
}

// ItemRepository defines round-item persistence operations.
type ItemRepository interface {
	Create(ctx context.Context, it *Item) error
	GetByID(ctx context.Context, id string) (*Item, error)
	ListByRound(ctx context.Context, roundID string) ([]Item, error)
	// TransitionStatus is a conditional update on item status; re-driving a
	// commit skips items already sold because the swap fails.
	TransitionStatus(ctx context.Context, id, from, to string) (bool, error)
}

// BidRepository defines bid persistence operations.
type BidRepository interface {
	// Upsert inserts a bid or replaces the team's previous bid on the item.
	Upsert(ctx context.Context, b *Bid) error
	ListByRound(ctx context.Context, roundID string) ([]Bid, error)
}

// TeamRepository defines team persistence operations.
type TeamRepository interface {
	Create(ctx context.Context, t *Team) error
	GetByID(ctx context.Context, id string) (*Team, error)
	// DebitForWin deducts amount and grows the roster in one conditional
	// statement, returning the post-debit balance. It returns false when the
	// team lacks budget or slots, in which case nothing was written. The
	// returned balance is the ledger's source of truth; a balance read
	// outside the debit statement can be stale under concurrent wins.
	DebitForWin(ctx context.Context, id string, amount int64) (int64, bool, error)
}

// AllocationRepository defines allocation persistence operations.
type AllocationRepository interface {
	Insert(ctx context.Context, a *Allocation) error
	// ReplacePending atomically swaps the round's pending preview set.
	ReplacePending(ctx context.Context, roundID string, allocs []Allocation) error
	ListPendingByRound(ctx context.Context, roundID string) ([]Allocation, error)
	DeletePendingByRound(ctx context.Context, roundID string) error
	ListFinalByRound(ctx context.Context, roundID string) ([]Allocation, error)
}

// TiebreakerRepository defines tiebreaker persistence operations. Bid and
// withdrawal writes are conditional updates so concurrent callers serialize
// against the stored row, not in-process state.
type TiebreakerRepository interface {
	Create(ctx context.Context, tb *Tiebreaker, participants []TiebreakerParticipant) error
	GetByID(ctx context.Context, id string) (*Tiebreaker, error)
	ListParticipants(ctx context.Context, id string) ([]TiebreakerParticipant, error)
	// RecordBid accepts the bid only if the tiebreaker is still active, the
	// team is an active participant, and amount strictly exceeds the stored
	// highest bid at write time.
	RecordBid(ctx context.Context, id, teamID string, amount int64, at time.Time) (bool, error)
	// Withdraw marks the participant withdrawn unless it currently holds the
	// highest bid.
	Withdraw(ctx context.Context, id, teamID string) (bool, error)
	CountActiveParticipants(ctx context.Context, id string) (int, error)
	// Resolve closes an active tiebreaker with its winner.
	Resolve(ctx context.Context, id, winnerTeamID string, amount int64, at time.Time) (bool, error)
	TransitionStatus(ctx context.Context, id, from, to string) (bool, error)
	ListOpenByRound(ctx context.Context, roundID string) ([]Tiebreaker, error)
	ListActivePastCeiling(ctx context.Context, now time.Time) ([]Tiebreaker, error)
}

// TransactionRepository appends to the immutable financial ledger.
type TransactionRepository interface {
	Append(ctx context.Context, t *Transaction) error
	ListByTeam(ctx context.Context, teamID string) ([]Transaction, error)
}

// OutboxRepository defines the mirror queue operations.
type OutboxRepository interface {
	Enqueue(ctx context.Context, entries ...OutboxEntry) error
	ListPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkDone(ctx context.Context, id int64) error
	// MarkFailed records a failed attempt; terminal parks the entry so the
	// worker stops retrying it.
	MarkFailed(ctx context.Context, id int64, lastError string, terminal bool) error
}
