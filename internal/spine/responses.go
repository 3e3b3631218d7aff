package spine

import (
	"context"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/constitution"
	"github.com/govspine/govspine/internal/gate"
	"github.com/govspine/govspine/internal/ledger"
	"github.com/govspine/govspine/internal/sensor"
)

// emitResponse records a GATE_DECISION followed by a RESPONSE and returns
// the finished result for a PASS.
func (s *Spine) emitResponse(islandID string, snap *constitution.Snapshot, t sensor.Triple, poav *float64, d gate.Decision, text string, degraded bool) (SubmitResult, error) {
	if _, err := s.ledger.Append(islandID, ledger.KindGateDecision, map[string]string{"reason": d.Reason}, t, poav, &d, snap.Version); err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	rec, err := s.ledger.Append(islandID, ledger.KindResponse, map[string]interface{}{"text": text}, t, poav, &d, snap.Version)
	if err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	return SubmitResult{IslandID: islandID, Response: text, Decision: d, RecordID: rec.RecordID, Degraded: degraded}, nil
}

// emitFallback records a GATE_DECISION, a FALLBACK, and the RESPONSE that
// carries the fallback text, for any BLOCK outcome (P0, POAV band block,
// sensor-degraded tightening, or rewrite-budget exhaustion).
func (s *Spine) emitFallback(islandID string, snap *constitution.Snapshot, t sensor.Triple, poav *float64, d gate.Decision) (SubmitResult, error) {
	if _, err := s.ledger.Append(islandID, ledger.KindGateDecision, map[string]string{"reason": d.Reason}, t, poav, &d, snap.Version); err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	fbRec, err := s.ledger.Append(islandID, ledger.KindFallback, map[string]string{"text": snap.FallbackResponse, "reason": d.Reason}, t, poav, &d, snap.Version)
	if err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	rec, err := s.ledger.Append(islandID, ledger.KindResponse, map[string]interface{}{"text": snap.FallbackResponse, "fallback_of": fbRec.RecordID}, t, poav, &d, snap.Version)
	if err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	return SubmitResult{IslandID: islandID, Response: snap.FallbackResponse, Decision: d, RecordID: rec.RecordID, Degraded: true}, nil
}

// rollbackAndEmit is the ROLLBACK_REFLEX: GATED#2 blocked a verified draft,
// so the draft/verify cycle is rolled back before the fallback is emitted.
// NoteRollback runs last, after this utterance's own terminal records are
// durable, so a breaker trip never prevents the caller from getting a
// response to the call that tripped it.
func (s *Spine) rollbackAndEmit(islandID string, snap *constitution.Snapshot, t sensor.Triple, poav *float64, d gate.Decision, rolledBackRecordID string) (SubmitResult, error) {
	if _, err := s.ledger.Append(islandID, ledger.KindRollback, map[string]string{"rolled_back_record_id": rolledBackRecordID}, t, poav, nil, snap.Version); err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}

	res, err := s.emitFallback(islandID, snap, t, poav, d)
	if err != nil {
		return res, err
	}

	tripped, err := s.ledger.NoteRollback(islandID, snap.RollbackLimit, snap.Version)
	if err != nil {
		return res, nil // the utterance already completed successfully; breaker bookkeeping is best-effort from the caller's perspective
	}
	if tripped {
		s.log.Warn("circuit breaker tripped, island forced closed", zap.String("island_id", islandID))
		s.contexts.drop(islandID)
	}
	return res, nil
}

// emitCancelled implements the cancellation path: the caller's context was
// cancelled between Gate#1 and Gate#2, so a FALLBACK + RESPONSE pair is
// still emitted rather than leaving the utterance half-recorded.
func (s *Spine) emitCancelled(islandID string, snap *constitution.Snapshot, t sensor.Triple) (SubmitResult, error) {
	d := gate.Decision{Action: gate.Block, Reason: "cancelled"}
	if _, err := s.ledger.Append(islandID, ledger.KindGateDecision, map[string]string{"reason": d.Reason}, t, nil, &d, snap.Version); err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	fbRec, err := s.ledger.Append(islandID, ledger.KindFallback, map[string]string{"text": snap.FallbackResponse, "reason": "cancelled"}, t, nil, &d, snap.Version)
	if err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	rec, err := s.ledger.Append(islandID, ledger.KindResponse, map[string]interface{}{"text": snap.FallbackResponse, "cancelled": true, "fallback_of": fbRec.RecordID}, t, nil, &d, snap.Version)
	if err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	return SubmitResult{IslandID: islandID, Response: snap.FallbackResponse, Decision: d, RecordID: rec.RecordID, Degraded: true}, nil
}

// emitDeadlineExceeded implements the caller-deadline path: unlike an
// explicit cancel, a deadline expiring is a distinct, retriable taxonomy
// kind (KindCallerDeadlineExceeded, mapped to codes.DeadlineExceeded at
// the transport boundary) rather than a normal fallback response. The
// terminal GATE_DECISION/FALLBACK/RESPONSE triple is still appended so
// the island's chain never has an utterance left half-recorded.
func (s *Spine) emitDeadlineExceeded(islandID string, snap *constitution.Snapshot, t sensor.Triple) (SubmitResult, error) {
	d := gate.Decision{Action: gate.Block, Reason: "deadline_exceeded"}
	if _, err := s.ledger.Append(islandID, ledger.KindGateDecision, map[string]string{"reason": d.Reason}, t, nil, &d, snap.Version); err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	fbRec, err := s.ledger.Append(islandID, ledger.KindFallback, map[string]string{"text": snap.FallbackResponse, "reason": d.Reason}, t, nil, &d, snap.Version)
	if err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	if _, err := s.ledger.Append(islandID, ledger.KindResponse, map[string]interface{}{"text": snap.FallbackResponse, "deadline_exceeded": true, "fallback_of": fbRec.RecordID}, t, nil, &d, snap.Version); err != nil {
		return SubmitResult{}, s.translateLedgerErr(islandID, err)
	}
	return SubmitResult{}, newBoundaryError(KindCallerDeadlineExceeded, islandID, context.DeadlineExceeded)
}

// emitDegraded handles a drafter failure (after its internal retry is
// exhausted). The utterance still ends in a normal fallback response with
// Degraded set, the same as any other BLOCK outcome, rather than leaving
// the caller with a bare error and no terminal record.
func (s *Spine) emitDegraded(islandID string, snap *constitution.Snapshot, t sensor.Triple, poav *float64, err error) (SubmitResult, error) {
	s.log.Warn("drafter unavailable, emitting fallback", zap.String("island_id", islandID), zap.Error(err))
	d := gate.Decision{Action: gate.Block, Reason: "drafter_unavailable"}
	return s.emitFallback(islandID, snap, t, poav, d)
}
