// Package spine implements the Orchestrator: the per-utterance state
// machine that drives an utterance from arrival to final response,
// mediating concurrency, the rewrite budget, the rollback reflex, and
// the circuit breaker.
//
// Every collaborator (Sensor, Gate, Drafter, Verifier, Ledger) is a
// concrete value handed to New, never discovered by name at runtime.
package spine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/constitution"
	"github.com/govspine/govspine/internal/drafter"
	"github.com/govspine/govspine/internal/gate"
	"github.com/govspine/govspine/internal/ledger"
	"github.com/govspine/govspine/internal/sensor"
	"github.com/govspine/govspine/internal/verifier"
)

// SubmitResult is what Submit returns to the caller.
type SubmitResult struct {
	IslandID string
	Response string
	Decision gate.Decision
	RecordID string
	Degraded bool // true when the response came from a fallback/drafter degradation
}

// Spine drives utterances through Sensor -> Gate -> Drafter -> Verifier
// -> Gate -> Ledger. One Spine serves every island; per-island
// serialization is enforced by the Ledger's per-island mutex, so the
// Spine itself holds no island-keyed locks of its own beyond the
// in-memory context cache.
type Spine struct {
	constitution *constitution.Store
	sensor       *sensor.Sensor
	gate         *gate.Gate
	drafter      *drafter.Adapter
	verifier     *verifier.Verifier
	ledger       *ledger.Ledger
	log          *zap.Logger

	contexts *contextRegistry
	inflight chan struct{} // semaphore bounding outstanding drafter calls

	promptTemplate string
	submitTimeout  time.Duration
}

// Config bundles the collaborators New needs. All fields are required
// except PromptTemplate, MaxOutstandingDrafts, SubmitTimeout.
type Config struct {
	Constitution         *constitution.Store
	Sensor               *sensor.Sensor
	Gate                 *gate.Gate
	Drafter              *drafter.Adapter
	Verifier             *verifier.Verifier
	Ledger               *ledger.Ledger
	Log                  *zap.Logger
	PromptTemplate       string
	MaxOutstandingDrafts int

	// SubmitTimeout bounds Submit end-to-end whenever the caller passes a
	// zero deadline. Default: 20s.
	SubmitTimeout time.Duration
}

// New wires a Spine from its collaborators.
func New(cfg Config) *Spine {
	max := cfg.MaxOutstandingDrafts
	if max <= 0 {
		max = 32
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Spine{
		constitution:   cfg.Constitution,
		sensor:         cfg.Sensor,
		gate:           cfg.Gate,
		drafter:        cfg.Drafter,
		verifier:       cfg.Verifier,
		ledger:         cfg.Ledger,
		log:            cfg.Log,
		contexts:       newContextRegistry(),
		inflight:       make(chan struct{}, max),
		promptTemplate: cfg.PromptTemplate,
		submitTimeout:  timeout,
	}
}

// OpenIsland creates a fresh TimeIsland and returns its id.
func (s *Spine) OpenIsland() (string, error) {
	snap := s.constitution.Snapshot()
	id, err := s.ledger.CreateIsland(snap.Version)
	if err != nil {
		return "", fmt.Errorf("spine: open_island: %w", err)
	}
	return id, nil
}

// CloseIsland seals an island by explicit caller request.
func (s *Spine) CloseIsland(islandID string) error {
	snap := s.constitution.Snapshot()
	if err := s.ledger.Close(islandID, "caller_requested", snap.Version); err != nil {
		return fmt.Errorf("spine: close_island: %w", err)
	}
	s.contexts.drop(islandID)
	return nil
}

// VerifyChain recomputes an island's hash chain from scratch.
func (s *Spine) VerifyChain(islandID string) (bool, error) {
	ok, err := s.ledger.VerifyChain(islandID)
	if err != nil {
		return false, newBoundaryError(KindChainCorrupted, islandID, err)
	}
	return ok, nil
}

// Tip returns an island's current tip hash.
func (s *Spine) Tip(islandID string) (string, error) {
	tip, err := s.ledger.Tip(islandID)
	if err != nil {
		return "", newBoundaryError(KindIslandNotActive, islandID, err)
	}
	return tip, nil
}

// Submit drives one utterance end-to-end. If islandID is empty a fresh
// island is opened. deadline bounds the entire call, including the
// drafter and verifier round trips.
func (s *Spine) Submit(ctx context.Context, islandID, text string, deadline time.Time) (SubmitResult, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(s.submitTimeout)
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithDeadline(ctx, deadline)
	defer cancel()

	snap := s.constitution.Snapshot() // snapshot discipline: one version for the whole utterance

	if islandID == "" {
		var err error
		islandID, err = s.ledger.CreateIsland(snap.Version)
		if err != nil {
			return SubmitResult{}, newBoundaryError(KindIslandNotActive, "", err)
		}
	}

	state, err := s.ledger.State(islandID)
	if err != nil {
		return SubmitResult{}, newBoundaryError(KindIslandNotActive, islandID, err)
	}
	if state != ledger.IslandActive {
		if state == ledger.IslandClosed {
			if tripped, _ := s.ledger.IsBreakerTripped(islandID); tripped {
				return SubmitResult{}, newBoundaryError(KindIslandBreakerTripped, islandID, nil)
			}
		}
		return SubmitResult{}, newBoundaryError(KindIslandNotActive, islandID, nil)
	}

	cc := s.contexts.get(islandID)

	// RECEIVED -> SENSED
	if _, err := s.ledger.Append(islandID, ledger.KindUserInput, map[string]string{"text": text}, sensor.Neutral, nil, nil, snap.Version); err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}

	sensed := s.sensor.Sense(text, cc.window(), snap)

	budget := newRewriteBudget(snap.RewriteBudget)

	// GATED (Gate #1): optimistic POAV with no hallucination evidence yet.
	poavEstimate := gate.ComputePOAV(sensed.Triple, 0, cc.auditPassRate(), snap.Weights)
	d1 := s.gate.Evaluate(gate.Inputs{
		Triple:         sensed.Triple,
		POAV:           poavEstimate,
		SensorDegraded: sensed.SensorDegraded,
		Text:           text,
	}, snap)

	if d1.Action == gate.Block {
		return s.emitFallback(islandID, snap, sensed.Triple, &poavEstimate, d1)
	}
	if d1.Action == gate.Rewrite && budget.exhausted() {
		blocked := gate.Decision{Action: gate.Block, Reason: "rewrite_budget_exhausted"}
		return s.emitFallback(islandID, snap, sensed.Triple, &poavEstimate, blocked)
	}

	// DRAFTING / VERIFIED / GATED#2 loop.
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return s.emitDeadlineExceeded(islandID, snap, sensed.Triple)
			}
			return s.emitCancelled(islandID, snap, sensed.Triple)
		default:
		}

		draft, err := s.draft(ctx, sensed.Triple)
		if err != nil {
			return s.emitDegraded(islandID, snap, sensed.Triple, &poavEstimate, err)
		}

		if _, err := s.ledger.Append(islandID, ledger.KindDraft,
			map[string]interface{}{"text": draft.Text, "prompt": draft.Prompt, "temperature": draft.Params.Temperature, "grounding_weight": draft.Params.GroundingWeight},
			sensed.Triple, nil, nil, snap.Version); err != nil {
			return SubmitResult{}, s.translateLedgerErr(islandID, err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return s.emitDeadlineExceeded(islandID, snap, sensed.Triple)
			}
			return s.emitCancelled(islandID, snap, sensed.Triple)
		default:
		}

		vres := s.verifier.Verify(draft.Text, cc.lastUserTextOr(text), cc.recentPayloads())
		cc.recordAudit(vres.Consistent)

		verifyRec, err := s.ledger.Append(islandID, ledger.KindVerify,
			map[string]interface{}{"hallucination": vres.Hallucination, "consistent": vres.Consistent, "details": vres.Details},
			sensed.Triple, nil, nil, snap.Version)
		if err != nil {
			return SubmitResult{}, s.translateLedgerErr(islandID, err)
		}
		lastRecordID := verifyRec.RecordID

		poav := gate.ComputePOAV(sensed.Triple, vres.Hallucination, cc.auditPassRate(), snap.Weights)
		d2 := s.gate.Evaluate(gate.Inputs{
			Triple:         sensed.Triple,
			POAV:           poav,
			Hallucination:  vres.Hallucination,
			SensorDegraded: sensed.SensorDegraded,
			Text:           draft.Text,
		}, snap)

		switch d2.Action {
		case gate.Pass:
			_ = s.ledger.NoteNonRollback(islandID)
			cc.recordTurn(text, draft.Text)
			return s.emitResponse(islandID, snap, sensed.Triple, &poav, d2, draft.Text, false)

		case gate.Rewrite:
			if !budget.consume() {
				blocked := gate.Decision{Action: gate.Block, Reason: "rewrite_budget_exhausted"}
				_ = s.ledger.NoteNonRollback(islandID)
				return s.emitFallback(islandID, snap, sensed.Triple, &poav, blocked)
			}
			continue // back to DRAFTING

		case gate.Block:
			return s.rollbackAndEmit(islandID, snap, sensed.Triple, &poav, d2, lastRecordID)
		}
	}
}

// draft bounds outstanding drafter calls with a semaphore; on saturation
// it rejects immediately with a retriable backpressure error rather than
// queuing indefinitely.
func (s *Spine) draft(ctx context.Context, t sensor.Triple) (drafter.Draft, error) {
	select {
	case s.inflight <- struct{}{}:
	default:
		return drafter.Draft{}, newBoundaryError(KindBackpressure, "too many outstanding drafter calls", nil)
	}
	defer func() { <-s.inflight }()

	return s.drafter.Generate(ctx, s.promptTemplate, t)
}

func (s *Spine) translateLedgerErr(islandID string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrIslandNotActive):
		return newBoundaryError(KindIslandNotActive, islandID, err)
	case errors.Is(err, ledger.ErrIslandBreakerTripped):
		return newBoundaryError(KindIslandBreakerTripped, islandID, err)
	case errors.Is(err, ledger.ErrChainCorrupted):
		return newBoundaryError(KindChainCorrupted, islandID, err)
	default:
		return newBoundaryError(KindIslandNotActive, islandID, err)
	}
}
