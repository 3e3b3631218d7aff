// Package sensor converts an utterance plus an island's recent context
// into the numeric state triple (Tension, Drift, Risk) that the Gate
// decides against, plus a content fingerprint and a baseline digest of
// the context window used.
//
// Deterministic given the same inputs and constitution snapshot. Never
// returns maximum drift on an input it cannot embed: the "innocent until
// proven" rule means embedder failures yield zero drift plus the
// sensor_degraded marker, not a worst-case drift. Empty input yields the
// neutral triple.
package sensor

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/constitution"
)

// Triple is the (Tension, Drift, Risk) state for one utterance.
type Triple struct {
	T float64 `json:"tension"`
	S float64 `json:"drift"`
	R float64 `json:"risk"`
}

// Neutral is the triple returned whenever the Sensor cannot form an
// opinion about an utterance: (0,0,0), not (0,1,0). See Gate docs for
// why this matters — a degraded sensor must never manufacture risk.
var Neutral = Triple{T: 0, S: 0, R: 0}

// Result is everything the Sensor produces for one utterance.
type Result struct {
	Triple          Triple
	Fingerprint     string
	BaselineDigest  string
	SensorDegraded  bool
}

// Embedder turns text into a fixed-dimension vector. Implementations call
// out to an embedding provider; they are an external collaborator per the
// scope boundary and are injected here behind an interface.
type Embedder interface {
	Embed(text string) ([]float64, error)
}

// Turn is one prior user/response exchange, used to build the context
// window the Drift axis is measured against.
type Turn struct {
	User     string
	Response string
}

// Sensor computes (T, S, R) triples. Stateless apart from the injected
// embedder and logger; safe for concurrent use across islands (callers
// serialize per-island already).
type Sensor struct {
	embedder Embedder
	log      *zap.Logger
}

// New creates a Sensor. embedder may be nil, in which case the sensor is
// permanently in "embedder unavailable" mode: Drift is 0, with the
// sensor_degraded marker set whenever there is a context window.
func New(embedder Embedder, log *zap.Logger) *Sensor {
	return &Sensor{embedder: embedder, log: log}
}

// Sense produces a triple for text given the island's recent turns and
// the constitution snapshot captured for this utterance.
func (s *Sensor) Sense(text string, window []Turn, snap *constitution.Snapshot) Result {
	fp := fingerprint(text)

	if strings.TrimSpace(text) == "" {
		return Result{Triple: Neutral, Fingerprint: fp, BaselineDigest: fingerprint("")}
	}

	windowTurns := window
	if n := snap.SensorWindowTurns; n > 0 && len(windowTurns) > n {
		windowTurns = windowTurns[len(windowTurns)-n:]
	}
	baselineDigest := digestWindow(windowTurns)

	tension := s.tension(text)
	risk := s.risk(text, snap)

	drift, degraded := s.drift(text, windowTurns)

	return Result{
		Triple:         Triple{T: tension, S: drift, R: risk},
		Fingerprint:    fp,
		BaselineDigest: baselineDigest,
		SensorDegraded: degraded,
	}
}

// tension combines lexical urgency markers with a logistic squash on
// utterance length relative to a typical length, never exceeding 1.
func (s *Sensor) tension(text string) float64 {
	exclaim := float64(strings.Count(text, "!"))
	runes := []rune(text)
	n := float64(len(runes))
	if n == 0 {
		return 0
	}

	exclaimDensity := exclaim / n
	imperative := 0.0
	lower := strings.ToLower(text)
	for _, cue := range []string{"now", "immediately", "must", "urgent", "hurry"} {
		if strings.Contains(lower, cue) {
			imperative += 0.15
		}
	}

	entropy := punctuationEntropy(text)
	lengthSignal := logistic((n - 280) / 140) // long utterances push tension up mildly

	raw := 3.0*exclaimDensity + imperative + 0.3*entropy + 0.2*lengthSignal
	return logistic(raw - 1.0)
}

// risk is the maximum over domain-specific risk scores.
func (s *Sensor) risk(text string, snap *constitution.Snapshot) float64 {
	lower := strings.ToLower(text)
	best := 0.0
	for _, dom := range snap.RiskDomains {
		presence := keywordPresence(lower, dom.Keywords)
		score := dom.Weight * presence
		if score > best {
			best = score
		}
	}
	if best > 1 {
		best = 1
	}
	return best
}

// drift computes 1 - cos(utterance, context) using the embedder. When
// there is no embedder, the utterance fails to embed twice, no context
// turn embeds, or either vector has zero magnitude, it returns S = 0 with
// the sensor_degraded marker instead: an utterance the Sensor cannot
// embed never gets maximum drift.
func (s *Sensor) drift(text string, window []Turn) (float64, bool) {
	if len(window) == 0 {
		return 0, false
	}

	if s.embedder != nil {
		v, err := s.embedWithRetry(text)
		if err == nil {
			ctxVec, ctxErr := s.contextVector(window)
			if ctxErr == nil {
				zero := func(x []float64) bool {
					for _, f := range x {
						if f != 0 {
							return false
						}
					}
					return true
				}
				if zero(v) || zero(ctxVec) {
					return 0, true
				}
				return 1 - Cosine(v, ctxVec), false
			}
		}
	}

	// Embedder unavailable or failed twice: neutral drift, marked so the
	// Gate tightens its thresholds.
	return 0, true
}

func (s *Sensor) embedWithRetry(text string) ([]float64, error) {
	v, err := s.embedder.Embed(text)
	if err == nil {
		return v, nil
	}
	if s.log != nil {
		s.log.Warn("sensor: embed failed, retrying once", zap.Error(err))
	}
	return s.embedder.Embed(text)
}

func (s *Sensor) contextVector(window []Turn) ([]float64, error) {
	var sum []float64
	count := 0
	for _, t := range window {
		v, err := s.embedder.Embed(t.User + " " + t.Response)
		if err != nil {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		for i := range v {
			sum[i] += v[i]
		}
		count++
	}
	if count == 0 {
		return nil, errEmptyContext
	}
	for i := range sum {
		sum[i] /= float64(count)
	}
	return sum, nil
}

var errEmptyContext = &sensorError{"no embeddable context turns"}

type sensorError struct{ msg string }

func (e *sensorError) Error() string { return e.msg }

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func punctuationEntropy(text string) float64 {
	counts := map[rune]int{}
	total := 0
	for _, r := range text {
		if strings.ContainsRune("!?.,;:-", r) {
			counts[r]++
			total++
		}
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	maxH := math.Log2(float64(len(counts)))
	if maxH == 0 {
		return 0
	}
	return h / maxH
}

func keywordPresence(lowerText string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lowerText, strings.ToLower(kw)) {
			hits++
		}
	}
	density := float64(hits) / float64(len(keywords))
	return 1 - math.Exp(-3*density) // saturating
}

func fingerprint(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

func digestWindow(window []Turn) string {
	var b strings.Builder
	for _, t := range window {
		b.WriteString(t.User)
		b.WriteString("\x00")
		b.WriteString(t.Response)
		b.WriteString("\x00")
	}
	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])
}
