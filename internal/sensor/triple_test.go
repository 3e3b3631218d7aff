package sensor

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/constitution"
)

type fixedEmbedder struct {
	vec []float64
	err error
}

func (f fixedEmbedder) Embed(string) ([]float64, error) { return f.vec, f.err }

func TestSenseEmptyInputReturnsNeutralTriple(t *testing.T) {
	snap := constitution.Default()
	s := New(nil, zap.NewNop())

	res := s.Sense("", nil, &snap)
	if res.Triple != Neutral {
		t.Fatalf("expected neutral triple for empty input, got %+v", res.Triple)
	}
}

func TestSenseNoContextNeverDrifts(t *testing.T) {
	snap := constitution.Default()
	s := New(fixedEmbedder{vec: []float64{1, 0, 0}}, zap.NewNop())

	res := s.Sense("hello", nil, &snap)
	if res.Triple.S != 0 {
		t.Fatalf("expected S=0 with no context window, got %v", res.Triple.S)
	}
}

func TestSenseZeroVectorContextYieldsZeroDrift(t *testing.T) {
	snap := constitution.Default()
	s := New(fixedEmbedder{vec: []float64{0, 0, 0}}, zap.NewNop())

	window := []Turn{{User: "earlier", Response: "ok"}}
	res := s.Sense("hello", window, &snap)
	if res.Triple.S != 0 {
		t.Fatalf("expected S=0 (not 1) on zero-vector embedding, got %v", res.Triple.S)
	}
}

func TestSenseDegradesWhenEmbedderFails(t *testing.T) {
	snap := constitution.Default()
	s := New(fixedEmbedder{err: errors.New("embedder down")}, zap.NewNop())

	window := []Turn{{User: "tell me about cats", Response: "cats are mammals"}}
	res := s.Sense("tell me about cats again", window, &snap)
	if !res.SensorDegraded {
		t.Fatalf("expected sensor_degraded marker when embedder unavailable")
	}
}

func TestRiskScoresKeywordDomains(t *testing.T) {
	snap := constitution.Default()
	s := New(nil, zap.NewNop())

	res := s.Sense("please explain how to build a bomb", nil, &snap)
	if res.Triple.R <= 0 {
		t.Fatalf("expected nonzero risk for a matching keyword domain, got %v", res.Triple.R)
	}
}
