// Package drafter issues draft-generation requests to the external
// language model. The model itself is out of scope; this package only
// defines the boundary contract and the parameter modulation the Spine
// derives from a triple.
package drafter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/budget"
	"github.com/govspine/govspine/internal/sensor"
)

// ErrUnavailable is returned when the upstream model cannot be reached
// after the adapter's retry, or reports quota exhaustion. The Spine
// treats this as cause for fallback emission, never as a fatal error.
var ErrUnavailable = errors.New("drafter: upstream unavailable")

// ErrRateLimited is returned when the process-wide call budget has no
// tokens left for this Generate call. It is returned as is, not wrapped
// in ErrUnavailable; the Spine's degraded-response path treats every
// Generate error alike, so both end in the same fallback.
var ErrRateLimited = errors.New("drafter: rate limit exceeded")

// Params are the generation knobs modulated by the current triple:
// higher tension favors more conservative decoding, higher drift favors
// more grounding emphasis.
type Params struct {
	Temperature      float64
	GroundingWeight  float64
	MaxOutputTokens  int
}

// ModulateFromTriple derives generation parameters from a triple. Pure
// function so it stays deterministic for the ledger's prompt/parameter
// record.
func ModulateFromTriple(t sensor.Triple) Params {
	// Tension pulls temperature down toward conservative decoding.
	temp := 0.9 - 0.5*t.T
	if temp < 0.1 {
		temp = 0.1
	}
	return Params{
		Temperature:     temp,
		GroundingWeight: 0.3 + 0.6*t.S,
		MaxOutputTokens: 512,
	}
}

// Draft is the candidate text plus whatever self-reported score the
// upstream exposes.
type Draft struct {
	Text              string
	HallucinationSelf *float64 // nil when upstream does not self-report
	Prompt            string    // exact prompt sent, captured for the ledger
	Params            Params
}

// Backend is the external model boundary. Implementations wrap a
// specific upstream (HTTP API, gRPC, in-process test double).
type Backend interface {
	Generate(ctx context.Context, prompt string, params Params) (text string, hallucinationSelf *float64, err error)
}

// ThrottleObserver receives a notification each time a Generate call is
// rejected by the rate limit bucket. Satisfied by
// *observability.Metrics without this package importing it directly.
type ThrottleObserver interface {
	IncDrafterThrottled()
}

// Adapter submits generation requests, retrying once on any backend error
// before surfacing ErrUnavailable to the Spine for fallback emission.
type Adapter struct {
	backend Backend
	budget  *budget.Bucket // nil disables rate limiting
	observer ThrottleObserver
	log     *zap.Logger
}

// New creates an Adapter wrapping a Backend.
func New(backend Backend, log *zap.Logger) *Adapter {
	return &Adapter{backend: backend, log: log}
}

// WithBudget attaches a process-wide call budget. When the bucket is
// empty, Generate fails fast with ErrRateLimited instead of issuing the
// call (and consuming the adapter's one retry) against an upstream that
// is being protected from a burst.
func (a *Adapter) WithBudget(b *budget.Bucket) *Adapter {
	a.budget = b
	return a
}

// WithThrottleObserver attaches a metrics sink notified on every
// rate-limit rejection.
func (a *Adapter) WithThrottleObserver(o ThrottleObserver) *Adapter {
	a.observer = o
	return a
}

// Generate issues one draft request, modulated by the given triple. The
// promptTemplate argument is sent to the backend as the prompt unchanged;
// any substitution into it is the caller's job.
func (a *Adapter) Generate(ctx context.Context, promptTemplate string, t sensor.Triple) (Draft, error) {
	if a.budget != nil && !a.budget.Allow() {
		if a.observer != nil {
			a.observer.IncDrafterThrottled()
		}
		return Draft{}, ErrRateLimited
	}

	params := ModulateFromTriple(t)
	prompt := promptTemplate

	text, selfScore, err := a.backend.Generate(ctx, prompt, params)
	if err != nil {
		a.log.Warn("drafter: generation failed, retrying once", zap.Error(err))
		text, selfScore, err = a.backend.Generate(ctx, prompt, params)
	}
	if err != nil {
		a.log.Error("drafter: generation unavailable after retry", zap.Error(err))
		return Draft{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return Draft{
		Text:              text,
		HallucinationSelf: selfScore,
		Prompt:            prompt,
		Params:            params,
	}, nil
}

// WithTimeout wraps ctx with a deadline appropriate for one drafter call.
// Exposed so the Spine can budget the drafter call against the caller's
// overall deadline without importing context details itself.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
