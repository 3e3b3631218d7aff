// Package gate implements the constitutional decision function: given a
// state triple, a POAV estimate, and a set of flags, decide PASS, REWRITE,
// or BLOCK against a Constitution snapshot.
//
// The policy is evaluated top-to-bottom; the first matching rule wins.
// The Gate is pure: stateless given its snapshot and inputs.
package gate

import (
	"sort"
	"strings"

	"github.com/govspine/govspine/internal/constitution"
	"github.com/govspine/govspine/internal/sensor"
)

// Action is one of PASS, REWRITE, BLOCK.
type Action string

const (
	Pass    Action = "PASS"
	Rewrite Action = "REWRITE"
	Block   Action = "BLOCK"
)

// Inputs bundles everything the Gate needs for one decision.
type Inputs struct {
	Triple         sensor.Triple
	POAV           float64
	Hallucination  float64 // 0 before the Verifier has run
	SensorDegraded bool
	Text           string // lower-cased comparison happens inside the gate
}

// Decision is the structured result of one Gate evaluation.
type Decision struct {
	Action Action
	Reason string // e.g. "p0:harm", "critical:risk", "poav_band", "sensor_degraded_tighten"
}

// Gate decides PASS/REWRITE/BLOCK from a Constitution snapshot. Stateless;
// safe for concurrent use.
type Gate struct{}

// New creates a Gate. There is no configuration beyond the snapshot
// passed to Evaluate — the policy itself lives in the Constitution.
func New() *Gate {
	return &Gate{}
}

// Evaluate runs the four-step decision policy in §4.3 of the governing
// design: P0 hard block, critical-threshold override, POAV band,
// sensor-degraded tightening.
func (g *Gate) Evaluate(in Inputs, snap *constitution.Snapshot) Decision {
	if d, ok := g.evalP0(in, snap); ok {
		return d
	}
	if d, ok := g.evalCriticalOverride(in, snap); ok {
		return d
	}
	d := g.evalPOAVBand(in, snap)
	return g.evalSensorDegradedTighten(d, in, snap)
}

// evalP0 checks every P0 rule's keyword presence against the domain it
// names. On multiple simultaneous hits, the lexicographically smallest
// rule_id wins — P0Rules() already returns them sorted.
func (g *Gate) evalP0(in Inputs, snap *constitution.Snapshot) (Decision, bool) {
	lower := strings.ToLower(in.Text)
	for _, rule := range snap.P0Rules() {
		if presence(lower, rule.Keywords) >= rule.PresenceFloor && rule.PresenceFloor > 0 {
			return Decision{Action: Block, Reason: "p0:" + strings.TrimPrefix(rule.RuleID, "p0:")}, true
		}
	}
	return Decision{}, false
}

// evalCriticalOverride implements the safety breaker: a single dangerous
// axis forces REWRITE even when the average POAV would otherwise pass.
func (g *Gate) evalCriticalOverride(in Inputs, snap *constitution.Snapshot) (Decision, bool) {
	riskCritical := in.Triple.R >= snap.Thresholds.RiskCritical
	hallucCritical := in.Hallucination >= snap.Thresholds.HallucCritical

	switch {
	case riskCritical && hallucCritical:
		return Decision{Action: Rewrite, Reason: "critical:risk,hallucination"}, true
	case riskCritical:
		return Decision{Action: Rewrite, Reason: "critical:risk"}, true
	case hallucCritical:
		return Decision{Action: Rewrite, Reason: "critical:hallucination"}, true
	default:
		return Decision{}, false
	}
}

func (g *Gate) evalPOAVBand(in Inputs, snap *constitution.Snapshot) Decision {
	switch {
	case in.POAV >= snap.Thresholds.POAVPass:
		return Decision{Action: Pass, Reason: "poav_band:pass"}
	case in.POAV >= snap.Thresholds.POAVRewriteFloor:
		return Decision{Action: Rewrite, Reason: "poav_band:rewrite"}
	default:
		return Decision{Action: Block, Reason: "poav_band:block"}
	}
}

// evalSensorDegradedTighten promotes REWRITE to BLOCK when the sensor
// could not form a real opinion and the risk axis is still meaningfully
// elevated, per §4.3 step 4.
func (g *Gate) evalSensorDegradedTighten(d Decision, in Inputs, snap *constitution.Snapshot) Decision {
	if !in.SensorDegraded || d.Action != Rewrite {
		return d
	}
	if in.Triple.R >= snap.Thresholds.RiskCritical/2 {
		return Decision{Action: Block, Reason: "sensor_degraded_tighten:" + d.Reason}
	}
	return d
}

func presence(lowerText string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lowerText, strings.ToLower(kw)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// ComputePOAV combines the four sub-scores with the snapshot's weights.
// Precision = 1 - hallucination, Observation = 1 - S, Avoidance = 1 - R,
// Verification = auditPassRate (caller-supplied, e.g. recent verifier
// pass ratio for the island).
func ComputePOAV(triple sensor.Triple, hallucination, auditPassRate float64, weights constitution.POAVWeights) float64 {
	precision := clamp01(1 - hallucination)
	observation := clamp01(1 - triple.S)
	avoidance := clamp01(1 - triple.R)
	verification := clamp01(auditPassRate)

	return weights.Precision*precision +
		weights.Observation*observation +
		weights.Avoidance*avoidance +
		weights.Verification*verification
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

// SortedP0RuleIDs is exposed for tests asserting the tie-break order.
func SortedP0RuleIDs(priorities []constitution.Priority) []string {
	ids := make([]string, 0, len(priorities))
	for _, p := range priorities {
		ids = append(ids, p.RuleID)
	}
	sort.Strings(ids)
	return ids
}
