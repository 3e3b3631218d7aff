// Package verifier audits a draft against the constitution for
// hallucination and consistency before the Gate re-evaluates it.
//
// Two signals combine by weighted sum: semantic consistency against the
// most recent user utterance (embedding cosine similarity, with a
// Jaccard fallback when the embedder is unavailable — same rule the
// Sensor follows), and a citation/grounding check against the island's
// recent payloads.
package verifier

import (
	"strings"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/sensor"
)

// Result is the Verifier's output for one draft.
type Result struct {
	Hallucination float64
	Consistent    bool
	Details       string
}

const (
	consistencyWeight = 0.6
	groundingWeight   = 0.4

	// consistencyFloor below which the draft is flagged inconsistent
	// regardless of the combined hallucination score.
	consistencyFloor = 0.35
)

// Embedder is the same boundary interface the Sensor uses; injected
// separately here so the Verifier can be tested or deployed against a
// different embedding backend than the Sensor if desired.
type Embedder interface {
	Embed(text string) ([]float64, error)
}

// Verifier scores drafts. Stateless apart from its injected embedder.
type Verifier struct {
	embedder Embedder
	log      *zap.Logger
}

// New creates a Verifier.
func New(embedder Embedder, log *zap.Logger) *Verifier {
	return &Verifier{embedder: embedder, log: log}
}

// Verify audits draftText against the most recent user utterance and the
// island's recent payloads (used for the grounding check).
func (v *Verifier) Verify(draftText, lastUserUtterance string, recentPayloads []string) Result {
	consistencyScore := v.consistency(draftText, lastUserUtterance)
	groundingScore, details := groundingCheck(draftText, recentPayloads)

	hallucination := consistencyWeight*(1-consistencyScore) + groundingWeight*groundingScore
	hallucination = clamp01(hallucination)

	consistent := consistencyScore >= consistencyFloor

	return Result{
		Hallucination: hallucination,
		Consistent:    consistent,
		Details:       details,
	}
}

// consistency returns a [0,1] similarity between the draft and the most
// recent user utterance, embedding-based when possible, Jaccard when the
// embedder is unavailable or fails.
func (v *Verifier) consistency(draftText, lastUserUtterance string) float64 {
	if v.embedder != nil {
		dv, derr := v.embedder.Embed(draftText)
		uv, uerr := v.embedder.Embed(lastUserUtterance)
		if derr == nil && uerr == nil {
			return cosine(dv, uv)
		}
		if v.log != nil {
			v.log.Warn("verifier: embedder unavailable, falling back to token overlap")
		}
	}
	return jaccardOverlap(draftText, lastUserUtterance)
}

// groundingCheck estimates how much of the draft is unanchored in the
// island's recent payloads. Returns a hallucination contribution in
// [0,1] (higher = more ungrounded) and a human-readable detail string.
func groundingCheck(draftText string, recentPayloads []string) (float64, string) {
	claims := splitClaims(draftText)
	if len(claims) == 0 {
		return 0, "no claims to ground"
	}
	if len(recentPayloads) == 0 {
		// No island history yet to contradict against: same
		// innocent-until-proven default the Sensor applies to an empty
		// context window, rather than treating a first turn as maximally
		// hallucinated for lack of history.
		return 0, "no prior context to ground against"
	}

	haystack := strings.ToLower(strings.Join(recentPayloads, " \x00 "))
	ungrounded := 0
	for _, c := range claims {
		if !anchoredIn(c, haystack) {
			ungrounded++
		}
	}
	score := float64(ungrounded) / float64(len(claims))
	return score, detailString(ungrounded, len(claims))
}

func anchoredIn(claim, haystack string) bool {
	tokens := strings.Fields(strings.ToLower(claim))
	if len(tokens) == 0 {
		return true
	}
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			hits++
		}
	}
	return float64(hits)/float64(len(tokens)) >= 0.5
}

func splitClaims(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '\n'
	})
	var claims []string
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c != "" {
			claims = append(claims, c)
		}
	}
	return claims
}

func detailString(ungrounded, total int) string {
	if ungrounded == 0 {
		return "all claims grounded"
	}
	return "ungrounded claims detected"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cosine and jaccardOverlap reuse the sensor package's zero-vector-safe
// and token-overlap implementations rather than re-deriving them, since
// both packages apply the same rules at the same boundary.
func cosine(a, b []float64) float64 {
	return sensor.Cosine(a, b)
}

func jaccardOverlap(a, b string) float64 {
	return sensor.JaccardText(a, b)
}
