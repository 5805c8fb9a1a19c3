// Package api is the HTTP surface of the auction engine. Handlers stay
// thin: decode, delegate to the lifecycle controller or tiebreaker manager,
// map typed rejections to status codes. Reading a round carries the lazy
// finalization side effect, so a plain GET can be the access that finalizes
// an expired round.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkelholt/squadbid/internal/health"
	"github.com/mkelholt/squadbid/internal/lifecycle"
	"github.com/mkelholt/squadbid/internal/store"
	"github.com/mkelholt/squadbid/internal/tiebreaker"
)

// Server hosts the HTTP handlers.
type Server struct {
	controller  *lifecycle.Controller
	tiebreakers *tiebreaker.Manager
	rounds      store.RoundRepository
	items       store.ItemRepository
	allocations store.AllocationRepository
	health      *health.Handler
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewServer creates an API Server.
func NewServer(controller *lifecycle.Controller, tiebreakers *tiebreaker.Manager, repos *store.Repositories, healthHandler *health.Handler, logger *slog.Logger, tp trace.TracerProvider) *Server {
	return &Server{
		controller:  controller,
		tiebreakers: tiebreakers,
		rounds:      repos.Rounds,
		items:       repos.Items,
		allocations: repos.Allocations,
		health:      healthHandler,
		logger:      logger,
		tracer:      tp.Tracer("github.com/mkelholt/squadbid/internal/api"),
	}
}

// Routes returns the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /rounds/{id}", s.handleGetRound)
	mux.HandleFunc("POST /rounds/{id}/bids", s.handlePlaceBid)
	mux.HandleFunc("POST /rounds/{id}/preview", s.handlePreview)
	mux.HandleFunc("POST /rounds/{id}/cancel-pending", s.handleCancelPending)
	mux.HandleFunc("POST /rounds/{id}/commit-pending", s.handleCommitPending)
	mux.HandleFunc("POST /rounds/{id}/finalize-now", s.handleFinalizeNow)

	mux.HandleFunc("GET /tiebreakers/{id}", s.handleGetTiebreaker)
	mux.HandleFunc("POST /tiebreakers/{id}/bids", s.handleTiebreakerBid)
	mux.HandleFunc("POST /tiebreakers/{id}/withdraw", s.handleTiebreakerWithdraw)
	mux.HandleFunc("POST /tiebreakers/{id}/resolve-manual", s.handleTiebreakerResolveManual)
	mux.HandleFunc("POST /tiebreakers/{id}/cancel", s.handleTiebreakerCancel)

	mux.HandleFunc("GET /healthz", s.health.LivenessHandler())
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler())

	return mux
}

type roundResponse struct {
	Round       *store.Round       `json:"round"`
	Items       []store.Item       `json:"items"`
	Allocations []store.Allocation `json:"allocations,omitempty"`
	Outcome     lifecycle.Outcome  `json:"outcome"`
}

// handleGetRound advances the round if it is due, then returns its current
// state. The advance is the lazy-finalization access trigger.
func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	roundID := r.PathValue("id")
	ctx, span := s.tracer.Start(r.Context(), "api.GetRound",
		trace.WithAttributes(attribute.String("round.id", roundID)),
	)
	defer span.End()

	if _, err := s.rounds.GetByID(ctx, roundID); err != nil {
		s.writeJSONError(w, http.StatusNotFound, "round not found")
		return
	}

	outcome, err := s.controller.CheckAndAdvance(ctx, roundID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Reload after the advance so the response reflects any transition.
	round, err := s.rounds.GetByID(ctx, roundID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.items.ListByRound(ctx, roundID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	allocs, err := s.allocations.ListFinalByRound(ctx, roundID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, roundResponse{
		Round:       round,
		Items:       items,
		Allocations: allocs,
		Outcome:     outcome,
	})
}

type placeBidRequest struct {
	ItemID string `json:"item_id"`
	TeamID string `json:"team_id"`
	Amount int64  `json:"amount"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID == "" || req.TeamID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "item_id and team_id are required")
		return
	}

	bid, err := s.controller.PlaceBid(r.Context(), r.PathValue("id"), req.ItemID, req.TeamID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.controller.PreviewFinalization(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleCancelPending(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.CancelPending(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type outcomeResponse struct {
	Outcome lifecycle.Outcome `json:"outcome"`
}

func (s *Server) handleCommitPending(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.controller.CommitPending(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome})
}

func (s *Server) handleFinalizeNow(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.controller.FinalizeNow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome})
}

type tiebreakerResponse struct {
	Tiebreaker   *store.Tiebreaker             `json:"tiebreaker"`
	Participants []store.TiebreakerParticipant `json:"participants"`
}

func (s *Server) handleGetTiebreaker(w http.ResponseWriter, r *http.Request) {
	tb, participants, err := s.tiebreakers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, "tiebreaker not found")
		return
	}
	writeJSON(w, http.StatusOK, tiebreakerResponse{Tiebreaker: tb, Participants: participants})
}

type tiebreakerBidRequest struct {
	TeamID string `json:"team_id"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleTiebreakerBid(w http.ResponseWriter, r *http.Request) {
	var req tiebreakerBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TeamID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	if err := s.tiebreakers.PlaceBid(r.Context(), r.PathValue("id"), req.TeamID, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tiebreakerTeamRequest struct {
	TeamID string `json:"team_id"`
}

func (s *Server) handleTiebreakerWithdraw(w http.ResponseWriter, r *http.Request) {
	var req tiebreakerTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TeamID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	if err := s.tiebreakers.Withdraw(r.Context(), r.PathValue("id"), req.TeamID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTiebreakerResolveManual(w http.ResponseWriter, r *http.Request) {
	var req tiebreakerTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TeamID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	if err := s.tiebreakers.ResolveManual(r.Context(), r.PathValue("id"), req.TeamID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTiebreakerCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.tiebreakers.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps typed rejections to status codes. State conflicts are 409,
// validation failures 422, anything unrecognized 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrRoundNotActive),
		errors.Is(err, lifecycle.ErrRoundClosed),
		errors.Is(err, lifecycle.ErrNotAwaitingManual),
		errors.Is(err, lifecycle.ErrNoPreview),
		errors.Is(err, lifecycle.ErrPreviewStale),
		errors.Is(err, lifecycle.ErrTiesPending),
		errors.Is(err, tiebreaker.ErrNotActive),
		errors.Is(err, tiebreaker.ErrBidTooLow),
		errors.Is(err, tiebreaker.ErrLeaderWithdraw):
		s.writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrBidBelowBase),
		errors.Is(err, lifecycle.ErrItemNotInRound),
		errors.Is(err, tiebreaker.ErrNotParticipant),
		errors.Is(err, tiebreaker.ErrInsufficientBudget):
		s.writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		s.writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
