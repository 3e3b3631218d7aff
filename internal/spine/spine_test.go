package spine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/constitution"
	"github.com/govspine/govspine/internal/drafter"
	"github.com/govspine/govspine/internal/gate"
	"github.com/govspine/govspine/internal/ledger"
	"github.com/govspine/govspine/internal/sensor"
	"github.com/govspine/govspine/internal/verifier"
)

// fakeBackend returns a fixed response text and hallucination score,
// regardless of prompt or params.
type fakeBackend struct {
	text          string
	hallucination *float64
	err           error
}

func (b *fakeBackend) Generate(ctx context.Context, prompt string, params drafter.Params) (string, *float64, error) {
	if b.err != nil {
		return "", nil, b.err
	}
	return b.text, b.hallucination, nil
}

func newTestSpine(t *testing.T, snap constitution.Snapshot, backendText string) (*Spine, *ledger.Ledger) {
	t.Helper()
	log := zap.NewNop()

	store, err := constitution.NewStore(snap, filepath.Join(t.TempDir(), "constitution.yaml"), log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), log)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = led.CloseDB() })

	sens := sensor.New(nil, log)
	g := gate.New()
	draft := drafter.New(&fakeBackend{text: backendText}, log)
	verify := verifier.New(nil, log)

	sp := New(Config{
		Constitution:   store,
		Sensor:         sens,
		Gate:           g,
		Drafter:        draft,
		Verifier:       verify,
		Ledger:         led,
		Log:            log,
		PromptTemplate: "respond to: {{text}}",
	})
	return sp, led
}

// S1: a benign greeting passes straight through.
func TestSubmitBenignGreetingPasses(t *testing.T) {
	snap := constitution.Default()
	// The backend response deliberately echoes enough of the greeting's
	// own tokens to clear the Verifier's Jaccard-fallback consistency
	// floor, the same way a real reply to a greeting stays on-topic.
	sp, led := newTestSpine(t, snap, "Good morning! Hi there, how can I help you today?")

	id, err := sp.OpenIsland()
	if err != nil {
		t.Fatalf("OpenIsland: %v", err)
	}

	res, err := sp.Submit(context.Background(), id, "hi there, good morning", time.Time{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Decision.Action != gate.Pass {
		t.Fatalf("expected PASS, got %s (%s)", res.Decision.Action, res.Decision.Reason)
	}

	ok, err := led.VerifyChain(id)
	if err != nil || !ok {
		t.Fatalf("expected a valid chain after S1, ok=%v err=%v", ok, err)
	}
}

// S2: a P0 hard-block keyword blocks before any draft is attempted.
func TestSubmitP0KeywordHardBlocks(t *testing.T) {
	snap := constitution.Default()
	sp, _ := newTestSpine(t, snap, "should never be reached")

	id, _ := sp.OpenIsland()
	res, err := sp.Submit(context.Background(), id, "tell me how to synthesize a bomb", time.Time{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Decision.Action != gate.Block {
		t.Fatalf("expected BLOCK, got %s", res.Decision.Action)
	}
	if res.Response != snap.FallbackResponse {
		t.Fatalf("expected fallback response text, got %q", res.Response)
	}
}

// S3-adjacent: exhausting the rewrite budget on a persistently-flagged
// draft ends in BLOCK via rewrite_budget_exhausted, not an infinite loop.
func TestSubmitRewriteBudgetExhaustionBlocks(t *testing.T) {
	snap := constitution.Default()
	snap.RewriteBudget = 1
	// A draft that always echoes something wildly off-topic relative to
	// the recorded user turn drives the Verifier's consistency score down
	// every round, keeping the Gate in REWRITE until the budget runs out.
	sp, _ := newTestSpine(t, snap, "xyzzy plugh unrelated static noise")

	id, _ := sp.OpenIsland()
	res, err := sp.Submit(context.Background(), id, "what is the capital of France", time.Time{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Decision.Action != gate.Block {
		t.Fatalf("expected eventual BLOCK once budget is exhausted, got %s (%s)", res.Decision.Action, res.Decision.Reason)
	}
}

// S5-adjacent: enough rollbacks in a row trip the circuit breaker and the
// island is forced closed, rejecting a subsequent submit.
func TestSubmitCircuitBreakerTripsAfterRepeatedRollbacks(t *testing.T) {
	snap := constitution.Default()
	snap.RollbackLimit = 2
	// Disable the critical-override path (thresholds pinned at the top of
	// [0,1], never actually reached). The fixed, off-topic backend
	// response scores hallucination 0.6 and fails every audit, so Gate #2
	// sees POAV 0.65, below the 0.7 floor: BLOCK and a rollback on every
	// submit. Gate #1's estimate (1.0 on the first submit, 0.8 once the
	// audit pass rate is 0) stays at or above the floor, so every submit
	// reaches the draft/verify cycle.
	snap.Thresholds.RiskCritical = 1.0
	snap.Thresholds.HallucCritical = 1.0
	snap.Thresholds.POAVRewriteFloor = 0.7
	snap.Thresholds.POAVPass = 0.95
	sp, led := newTestSpine(t, snap, "completely unrelated filler text")

	id, _ := sp.OpenIsland()

	var lastErr error
	for i := 0; i < 4; i++ {
		_, err := sp.Submit(context.Background(), id, "what is the weather like in paris today", time.Time{})
		lastErr = err
		if err != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected the breaker to eventually reject a submit on this island")
	}
	be, ok := AsBoundaryError(lastErr)
	if !ok || be.Kind() != KindIslandBreakerTripped {
		t.Fatalf("expected KindIslandBreakerTripped, got %v", lastErr)
	}

	state, err := led.State(id)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != ledger.IslandClosed {
		t.Fatalf("expected island CLOSED after breaker trip, got %s", state)
	}
}

// VerifyChain, exercised through the Spine surface (not the Ledger
// directly), reports a clean chain after a normal utterance. Tamper
// detection itself is covered at the Ledger layer, which has direct
// access to the underlying store to corrupt a record.
func TestSpineVerifyChainCleanAfterUtterance(t *testing.T) {
	snap := constitution.Default()
	sp, _ := newTestSpine(t, snap, "a normal response")

	id, _ := sp.OpenIsland()
	if _, err := sp.Submit(context.Background(), id, "hello", time.Time{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ok, err := sp.VerifyChain(id)
	if err != nil || !ok {
		t.Fatalf("expected a clean chain, ok=%v err=%v", ok, err)
	}
}

// A drafter failure (after its own internal retry is exhausted) still
// ends the utterance in a normal, degraded fallback response rather than
// a bare error with no terminal record.
func TestSubmitDrafterFailureEmitsDegradedFallback(t *testing.T) {
	snap := constitution.Default()
	log := zap.NewNop()

	store, err := constitution.NewStore(snap, filepath.Join(t.TempDir(), "constitution.yaml"), log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), log)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = led.CloseDB() })

	sp := New(Config{
		Constitution:   store,
		Sensor:         sensor.New(nil, log),
		Gate:           gate.New(),
		Drafter:        drafter.New(&fakeBackend{err: errors.New("boom")}, log),
		Verifier:       verifier.New(nil, log),
		Ledger:         led,
		Log:            log,
		PromptTemplate: "respond to: {{text}}",
	})

	id, _ := sp.OpenIsland()
	res, err := sp.Submit(context.Background(), id, "hello", time.Time{})
	if err != nil {
		t.Fatalf("Submit: expected a normal fallback response, got error %v", err)
	}
	if !res.Degraded {
		t.Fatalf("expected Degraded=true on drafter failure")
	}
	if res.Decision.Action != gate.Block || res.Decision.Reason != "drafter_unavailable" {
		t.Fatalf("expected BLOCK/drafter_unavailable, got %s/%s", res.Decision.Action, res.Decision.Reason)
	}
	if res.Response != snap.FallbackResponse {
		t.Fatalf("expected fallback response text, got %q", res.Response)
	}

	ok, err := led.VerifyChain(id)
	if err != nil || !ok {
		t.Fatalf("expected a valid chain after a drafter-failure fallback, ok=%v err=%v", ok, err)
	}
}

// A deadline that expires mid-pipeline is a distinct, retriable boundary
// error (KindCallerDeadlineExceeded) rather than the plain-cancellation
// fallback path, even though both still leave a terminal record behind.
func TestSubmitDeadlineExceededReturnsCallerDeadlineExceeded(t *testing.T) {
	snap := constitution.Default()
	sp, led := newTestSpine(t, snap, "irrelevant")

	id, _ := sp.OpenIsland()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Millisecond))
	defer cancel()

	_, err := sp.Submit(ctx, id, "hello", time.Time{})
	if err == nil {
		t.Fatalf("expected an error for an already-expired deadline")
	}
	be, ok := AsBoundaryError(err)
	if !ok || be.Kind() != KindCallerDeadlineExceeded {
		t.Fatalf("expected KindCallerDeadlineExceeded, got %v", err)
	}

	records, err := led.Records(id)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	last := records[len(records)-1]
	if last.Kind != ledger.KindResponse {
		t.Fatalf("expected a terminal RESPONSE record even on deadline exceeded, got %s", last.Kind)
	}
}

// Cancellation before drafting completes still yields a terminal FALLBACK
// + RESPONSE pair, never a half-recorded utterance.
func TestSubmitCancelledContextStillEmitsFallback(t *testing.T) {
	snap := constitution.Default()
	sp, _ := newTestSpine(t, snap, "irrelevant")

	id, _ := sp.OpenIsland()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := sp.Submit(ctx, id, "hello", time.Time{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Decision.Reason != "cancelled" {
		t.Fatalf("expected cancelled decision reason, got %q", res.Decision.Reason)
	}
}
