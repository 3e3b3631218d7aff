// Package constitution provides atomic, versioned snapshots of the policy
// that governs the decision pipeline: thresholds, priority rules, risk
// keyword domains, rewrite budget, and rollback limit.
//
// Reloading swaps the "latest" pointer; in-flight utterances keep the
// snapshot they captured at RECEIVED and never observe a mid-utterance
// change. Readers never block. Writers use copy-on-write: a new immutable
// Snapshot is built and the pointer swapped with atomic.Pointer.
package constitution

import (
	"fmt"
	"sort"
)

// POAVWeights are the per-axis weights used to combine Precision,
// Observation, Avoidance, and Verification into a single POAV score.
// They sum to 1 and travel with the snapshot so a reload cannot change
// the weighting of a decision already in flight.
type POAVWeights struct {
	Precision    float64 `yaml:"precision"`
	Observation  float64 `yaml:"observation"`
	Avoidance    float64 `yaml:"avoidance"`
	Verification float64 `yaml:"verification"`
}

// Thresholds are the scalar cutoffs the Gate evaluates against.
type Thresholds struct {
	RiskCritical      float64 `yaml:"risk_critical"`
	HallucCritical    float64 `yaml:"halluc_critical"`
	POAVPass          float64 `yaml:"poav_pass"`
	POAVRewriteFloor  float64 `yaml:"poav_rewrite_floor"`
	TensionDeescalate float64 `yaml:"tension_deescalate"`
}

// Priority is a single named rule at a priority band (P0 is hardest).
type Priority struct {
	RuleID       string   `yaml:"rule_id"`
	Band         string   `yaml:"band"` // P0..P4
	Domain       string   `yaml:"domain"`
	Keywords     []string `yaml:"keywords"`
	PresenceFloor float64 `yaml:"presence_floor"`
}

// RiskDomain is a weighted keyword set contributing to the Risk axis.
type RiskDomain struct {
	Name     string   `yaml:"name"`
	Weight   float64  `yaml:"weight"`
	Keywords []string `yaml:"keywords"`
}

// Snapshot is an immutable, versioned bundle of policy. Once built it is
// never mutated; a reload produces a new Snapshot and swaps the pointer.
type Snapshot struct {
	Version           int          `yaml:"version"`
	Thresholds        Thresholds   `yaml:"thresholds"`
	Weights           POAVWeights  `yaml:"poav_weights"`
	Priorities        []Priority   `yaml:"priorities"` // includes all P0..P4 rules
	RiskDomains       []RiskDomain `yaml:"risk_domains"`
	RewriteBudget     int          `yaml:"rewrite_budget"`     // K
	RollbackLimit     int          `yaml:"rollback_limit"`     // L
	FallbackResponse  string       `yaml:"fallback_response"`
	SensorWindowTurns int          `yaml:"sensor_window_turns"`
}

// P0Rules returns only the priorities in band P0, sorted by rule_id so
// that the Gate's tie-break (lexicographically smallest rule_id wins) is
// deterministic without re-sorting on every decision.
func (s *Snapshot) P0Rules() []Priority {
	var out []Priority
	for _, p := range s.Priorities {
		if p.Band == "P0" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Validate enforces the rules in §4.2: thresholds in [0,1], P0 non-empty,
// poav_pass > poav_rewrite_floor, K >= 1, L >= 1, weights sum to ~1.
// A rejected snapshot must never become active; the caller keeps serving
// the previous one.
func (s *Snapshot) Validate() error {
	var errs []string

	check01 := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be in [0,1], got %v", name, v))
		}
	}
	check01("thresholds.risk_critical", s.Thresholds.RiskCritical)
	check01("thresholds.halluc_critical", s.Thresholds.HallucCritical)
	check01("thresholds.poav_pass", s.Thresholds.POAVPass)
	check01("thresholds.poav_rewrite_floor", s.Thresholds.POAVRewriteFloor)
	check01("thresholds.tension_deescalate", s.Thresholds.TensionDeescalate)

	if len(s.P0Rules()) == 0 {
		errs = append(errs, "priorities: at least one P0 rule is required")
	}
	if s.Thresholds.POAVPass <= s.Thresholds.POAVRewriteFloor {
		errs = append(errs, fmt.Sprintf(
			"thresholds.poav_pass (%v) must be greater than thresholds.poav_rewrite_floor (%v)",
			s.Thresholds.POAVPass, s.Thresholds.POAVRewriteFloor))
	}
	if s.RewriteBudget < 1 {
		errs = append(errs, fmt.Sprintf("rewrite_budget must be >= 1, got %d", s.RewriteBudget))
	}
	if s.RollbackLimit < 1 {
		errs = append(errs, fmt.Sprintf("rollback_limit must be >= 1, got %d", s.RollbackLimit))
	}

	sum := s.Weights.Precision + s.Weights.Observation + s.Weights.Avoidance + s.Weights.Verification
	if sum < 0.999 || sum > 1.001 {
		errs = append(errs, fmt.Sprintf("poav_weights must sum to 1.0, got %v", sum))
	}
	if s.FallbackResponse == "" {
		errs = append(errs, "fallback_response must not be empty")
	}
	if s.Version < 1 {
		errs = append(errs, fmt.Sprintf("version must be >= 1, got %d", s.Version))
	}

	if len(errs) > 0 {
		return fmt.Errorf("constitution validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// Default returns a conservative, production-shaped starting Constitution.
// Weights follow the fixed default 0.25/0.25/0.30/0.20 (precision,
// observation, avoidance, verification).
func Default() Snapshot {
	return Snapshot{
		Version: 1,
		Thresholds: Thresholds{
			RiskCritical:      0.75,
			HallucCritical:    0.6,
			POAVPass:          0.7,
			POAVRewriteFloor:  0.4,
			TensionDeescalate: 0.3,
		},
		Weights: POAVWeights{
			Precision:    0.25,
			Observation:  0.25,
			Avoidance:    0.30,
			Verification: 0.20,
		},
		Priorities: []Priority{
			{RuleID: "p0:harm", Band: "P0", Domain: "physical_harm", PresenceFloor: 0.2,
				Keywords: []string{"bomb", "explosive", "weaponize", "poison synthesis"}},
			{RuleID: "p0:csam", Band: "P0", Domain: "child_safety", PresenceFloor: 0.1,
				Keywords: []string{"csam"}},
			{RuleID: "p1:self_harm", Band: "P1", Domain: "self_harm", PresenceFloor: 0.3,
				Keywords: []string{"suicide method", "self-harm instructions"}},
		},
		RiskDomains: []RiskDomain{
			{Name: "physical_harm", Weight: 1.0,
				Keywords: []string{"bomb", "explosive", "weaponize", "poison synthesis"}},
			{Name: "self_harm", Weight: 0.8,
				Keywords: []string{"suicide method", "self-harm instructions"}},
			{Name: "fraud", Weight: 0.5,
				Keywords: []string{"phishing kit", "credit card dump"}},
		},
		RewriteBudget:     3,
		RollbackLimit:     3,
		FallbackResponse:  "I can't help with that request. Let's try a different approach.",
		SensorWindowTurns: 8,
	}
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += sep + s
	}
	return out
}
