// Package memstore provides a store.Driver backed by in-process maps. It
// mirrors the conditional-write semantics of the Postgres driver (every
// compare-and-swap either changes state or reports false) so the engine's
// concurrency behavior can be exercised without a database. It backs unit
// tests and local development.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkelholt/squadbid/internal/audit"
	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/config"
	"github.com/mkelholt/squadbid/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return Open(clk), nil
	})
}

// state holds all in-memory records behind one mutex. The repositories below
// are thin views over it.
type state struct {
	mu sync.Mutex

	clock clock.Clock

	rounds       map[string]*store.Round
	items        map[string]*store.Item
	bids         map[string]*store.Bid // keyed item|team
	teams        map[string]*store.Team
	allocations  []store.Allocation
	tiebreakers  map[string]*store.Tiebreaker
	participants map[string][]*store.TiebreakerParticipant
	tbBids       []store.TiebreakerBid
	transactions []store.Transaction
	outbox       []*store.OutboxEntry
	outboxSeq    int64
	events       []audit.Event
}

// Open returns Repositories all served by a single shared in-memory state.
func Open(clk clock.Clock) *store.Repositories {
	s := &state{
		clock:        clk,
		rounds:       make(map[string]*store.Round),
		items:        make(map[string]*store.Item),
		bids:         make(map[string]*store.Bid),
		teams:        make(map[string]*store.Team),
		tiebreakers:  make(map[string]*store.Tiebreaker),
		participants: make(map[string][]*store.TiebreakerParticipant),
	}
	return &store.Repositories{
		Rounds:       &roundRepo{s},
		Items:        &itemRepo{s},
		Bids:         &bidRepo{s},
		Teams:        &teamRepo{s},
		Allocations:  &allocationRepo{s},
		Tiebreakers:  &tiebreakerRepo{s},
		Transactions: &transactionRepo{s},
		Outbox:       &outboxRepo{s},
		Audit:        &auditStore{s},
		Closer:       nopCloser{},
		Ping:         func(context.Context) error { return nil },
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// --- store.RoundRepository ---

type roundRepo struct{ s *state }

func (r *roundRepo) Create(_ context.Context, rd *store.Round) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rd.ID == "" {
		rd.ID = uuid.NewString()
	}
	now := r.s.clock.Now().UTC()
	rd.CreatedAt, rd.UpdatedAt = now, now
	cp := *rd
	r.s.rounds[rd.ID] = &cp
	return nil
}

func (r *roundRepo) GetByID(_ context.Context, id string) (*store.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rd, ok := r.s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s not found", id)
	}
	cp := *rd
	return &cp, nil
}

func (r *roundRepo) TransitionStatus(_ context.Context, id, from, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rd, ok := r.s.rounds[id]
	if !ok || rd.Status != from {
		return false, nil
	}
	rd.Status = to
	rd.UpdatedAt = r.s.clock.Now().UTC()
	if to == store.RoundCompleted {
		at := rd.UpdatedAt
		rd.CompletedAt = &at
	}
	return true, nil
}

func (r *roundRepo) SetPreviewFingerprint(_ context.Context, id string, fingerprint *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rd, ok := r.s.rounds[id]
	if !ok {
		return fmt.Errorf("round %s not found", id)
	}
	rd.PreviewFingerprint = fingerprint
	return nil
}

func (r *roundRepo) ListExpiredActive(_ context.Context, now time.Time) ([]store.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Round
	for _, rd := range r.s.rounds {
		if rd.Status == store.RoundActive && rd.EndsAt.Before(now) {
			out = append(out, *rd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	return out, nil
}

// --- store.ItemRepository ---

type itemRepo struct{ s *state }

func (r *itemRepo) Create(_ context.Context, it *store.Item) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Status == "" {
		it.Status = store.ItemPending
	}
	cp := *it
	r.s.items[it.ID] = &cp
	return nil
}

func (r *itemRepo) GetByID(_ context.Context, id string) (*store.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s not found", id)
	}
	cp := *it
	return &cp, nil
}

func (r *itemRepo) ListByRound(_ context.Context, roundID string) ([]store.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Item
	for _, it := range r.s.items {
		if it.RoundID == roundID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *itemRepo) TransitionStatus(_ context.Context, id, from, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[id]
	if !ok || it.Status != from {
		return false, nil
	}
	it.Status = to
	return true, nil
}

// --- store.BidRepository ---

type bidRepo struct{ s *state }

func (r *bidRepo) Upsert(_ context.Context, b *store.Bid) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock.Now().UTC()
	key := b.ItemID + "|" + b.TeamID
	if prev, ok := r.s.bids[key]; ok {
		prev.Amount = b.Amount
		prev.UpdatedAt = now
		b.ID = prev.ID
		return nil
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	r.s.bids[key] = &cp
	return nil
}

func (r *bidRepo) ListByRound(_ context.Context, roundID string) ([]store.Bid, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Bid
	for _, b := range r.s.bids {
		if b.RoundID == roundID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].TeamID < out[j].TeamID
	})
	return out, nil
}

// --- store.TeamRepository ---

type teamRepo struct{ s *state }

func (r *teamRepo) Create(_ context.Context, t *store.Team) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := r.s.clock.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	r.s.teams[t.ID] = &cp
	return nil
}

func (r *teamRepo) GetByID(_ context.Context, id string) (*store.Team, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (r *teamRepo) DebitForWin(_ context.Context, id string, amount int64) (int64, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.teams[id]
	if !ok {
		return 0, false, fmt.Errorf("team %s not found", id)
	}
	if t.BudgetRemaining < amount || t.RosterCount >= t.RosterLimit {
		return 0, false, nil
	}
	t.BudgetRemaining -= amount
	t.TotalSpent += amount
	t.RosterCount++
	t.UpdatedAt = r.s.clock.Now().UTC()
	return t.BudgetRemaining, true, nil
}

// --- store.AllocationRepository ---

type allocationRepo struct{ s *state }

func (r *allocationRepo) Insert(_ context.Context, a *store.Allocation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = r.s.clock.Now().UTC()
	r.s.allocations = append(r.s.allocations, *a)
	return nil
}

func (r *allocationRepo) ReplacePending(_ context.Context, roundID string, allocs []store.Allocation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.deletePendingLocked(roundID)
	now := r.s.clock.Now().UTC()
	for _, a := range allocs {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.State = store.AllocationPending
		a.RoundID = roundID
		a.CreatedAt = now
		r.s.allocations = append(r.s.allocations, a)
	}
	return nil
}

func (r *allocationRepo) ListPendingByRound(_ context.Context, roundID string) ([]store.Allocation, error) {
	return r.list(roundID, store.AllocationPending), nil
}

func (r *allocationRepo) ListFinalByRound(_ context.Context, roundID string) ([]store.Allocation, error) {
	return r.list(roundID, store.AllocationFinal), nil
}

func (r *allocationRepo) list(roundID, st string) []store.Allocation {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Allocation
	for _, a := range r.s.allocations {
		if a.RoundID == roundID && a.State == st {
			out = append(out, a)
		}
	}
	return out
}

func (r *allocationRepo) DeletePendingByRound(_ context.Context, roundID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.deletePendingLocked(roundID)
	return nil
}

func (r *allocationRepo) deletePendingLocked(roundID string) {
	kept := r.s.allocations[:0]
	for _, a := range r.s.allocations {
		if !(a.RoundID == roundID && a.State == store.AllocationPending) {
			kept = append(kept, a)
		}
	}
	r.s.allocations = kept
}

// --- store.TiebreakerRepository ---

type tiebreakerRepo struct{ s *state }

func (r *tiebreakerRepo) Create(_ context.Context, tb *store.Tiebreaker, participants []store.TiebreakerParticipant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if tb.ID == "" {
		tb.ID = uuid.NewString()
	}
	tb.CreatedAt = r.s.clock.Now().UTC()
	cp := *tb
	r.s.tiebreakers[tb.ID] = &cp
	for _, p := range participants {
		p.TiebreakerID = tb.ID
		pc := p
		r.s.participants[tb.ID] = append(r.s.participants[tb.ID], &pc)
	}
	return nil
}

func (r *tiebreakerRepo) GetByID(_ context.Context, id string) (*store.Tiebreaker, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tb, ok := r.s.tiebreakers[id]
	if !ok {
		return nil, fmt.Errorf("tiebreaker %s not found", id)
	}
	cp := *tb
	return &cp, nil
}

func (r *tiebreakerRepo) ListParticipants(_ context.Context, id string) ([]store.TiebreakerParticipant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.TiebreakerParticipant
	for _, p := range r.s.participants[id] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out, nil
}

func (r *tiebreakerRepo) RecordBid(_ context.Context, id, teamID string, amount int64, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tb, ok := r.s.tiebreakers[id]
	if !ok || tb.Status != store.TiebreakerActive || tb.HighestBid >= amount {
		return false, nil
	}
	if !r.participantActiveLocked(id, teamID) {
		return false, nil
	}
	tb.HighestBid = amount
	team := teamID
	tb.HighestTeam = &team
	t := at
	tb.LastBidAt = &t
	r.s.tbBids = append(r.s.tbBids, store.TiebreakerBid{
		ID:           uuid.NewString(),
		TiebreakerID: id,
		TeamID:       teamID,
		Amount:       amount,
		CreatedAt:    at,
	})
	return true, nil
}

func (r *tiebreakerRepo) Withdraw(_ context.Context, id, teamID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tb, ok := r.s.tiebreakers[id]
	if !ok || tb.Status != store.TiebreakerActive {
		return false, nil
	}
	if tb.HighestTeam != nil && *tb.HighestTeam == teamID {
		return false, nil
	}
	for _, p := range r.s.participants[id] {
		if p.TeamID == teamID && p.Status == store.ParticipantActive {
			p.Status = store.ParticipantWithdrawn
			return true, nil
		}
	}
	return false, nil
}

func (r *tiebreakerRepo) CountActiveParticipants(_ context.Context, id string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, p := range r.s.participants[id] {
		if p.Status == store.ParticipantActive {
			n++
		}
	}
	return n, nil
}

func (r *tiebreakerRepo) Resolve(_ context.Context, id, winnerTeamID string, amount int64, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tb, ok := r.s.tiebreakers[id]
	if !ok || tb.Status != store.TiebreakerActive {
		return false, nil
	}
	tb.Status = store.TiebreakerResolved
	winner := winnerTeamID
	tb.HighestTeam = &winner
	tb.HighestBid = amount
	t := at
	tb.ResolvedAt = &t
	return true, nil
}

func (r *tiebreakerRepo) TransitionStatus(_ context.Context, id, from, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tb, ok := r.s.tiebreakers[id]
	if !ok || tb.Status != from {
		return false, nil
	}
	tb.Status = to
	return true, nil
}

func (r *tiebreakerRepo) ListOpenByRound(_ context.Context, roundID string) ([]store.Tiebreaker, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Tiebreaker
	for _, tb := range r.s.tiebreakers {
		if tb.RoundID != roundID {
			continue
		}
		switch tb.Status {
		case store.TiebreakerPending, store.TiebreakerActive, store.TiebreakerNeedsManual:
			out = append(out, *tb)
		}
	}
	return out, nil
}

func (r *tiebreakerRepo) ListActivePastCeiling(_ context.Context, now time.Time) ([]store.Tiebreaker, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Tiebreaker
	for _, tb := range r.s.tiebreakers {
		if tb.Status == store.TiebreakerActive && tb.CeilingAt.Before(now) {
			out = append(out, *tb)
		}
	}
	return out, nil
}

func (r *tiebreakerRepo) participantActiveLocked(id, teamID string) bool {
	for _, p := range r.s.participants[id] {
		if p.TeamID == teamID {
			return p.Status == store.ParticipantActive
		}
	}
	return false
}

// --- store.TransactionRepository ---

type transactionRepo struct{ s *state }

func (r *transactionRepo) Append(_ context.Context, t *store.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = r.s.clock.Now().UTC()
	r.s.transactions = append(r.s.transactions, *t)
	return nil
}

func (r *transactionRepo) ListByTeam(_ context.Context, teamID string) ([]store.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Transaction
	for _, t := range r.s.transactions {
		if t.TeamID == teamID {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- store.OutboxRepository ---

type outboxRepo struct{ s *state }

func (r *outboxRepo) Enqueue(_ context.Context, entries ...store.OutboxEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock.Now().UTC()
	for _, e := range entries {
		r.s.outboxSeq++
		e.ID = r.s.outboxSeq
		e.State = store.OutboxPending
		e.CreatedAt, e.UpdatedAt = now, now
		cp := e
		r.s.outbox = append(r.s.outbox, &cp)
	}
	return nil
}

func (r *outboxRepo) ListPending(_ context.Context, limit int) ([]store.OutboxEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.OutboxEntry
	for _, e := range r.s.outbox {
		if e.State == store.OutboxPending {
			out = append(out, *e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *outboxRepo) MarkDone(_ context.Context, id int64) error {
	return r.update(id, func(e *store.OutboxEntry) {
		e.State = store.OutboxDone
	})
}

func (r *outboxRepo) MarkFailed(_ context.Context, id int64, lastError string, terminal bool) error {
	return r.update(id, func(e *store.OutboxEntry) {
		e.Attempts++
		msg := lastError
		e.LastError = &msg
		if terminal {
			e.State = store.OutboxFailed
		}
	})
}

func (r *outboxRepo) update(id int64, apply func(*store.OutboxEntry)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.outbox {
		if e.ID == id {
			apply(e)
			e.UpdatedAt = r.s.clock.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("outbox entry %d not found", id)
}

// --- audit.Store ---

type auditStore struct{ s *state }

func (r *auditStore) Append(_ context.Context, events ...audit.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.events = append(r.s.events, events...)
	return nil
}

func (r *auditStore) ListByRef(_ context.Context, refID string) ([]audit.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []audit.Event
	for _, e := range r.s.events {
		if e.RefID == refID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *auditStore) ListByType(_ context.Context, eventType audit.Type) ([]audit.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []audit.Event
	for _, e := range r.s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}
