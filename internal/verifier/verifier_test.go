package verifier

import (
	"testing"

	"go.uber.org/zap"
)

func TestVerifyGroundedConsistentDraft(t *testing.T) {
	v := New(nil, zap.NewNop())

	res := v.Verify(
		"Paris is the capital of France.",
		"what is the capital of France",
		[]string{"what is the capital of France", "Paris is the capital of France."},
	)
	if !res.Consistent {
		t.Fatalf("expected consistent=true for on-topic grounded draft, got details=%q", res.Details)
	}
	if res.Hallucination > 0.5 {
		t.Fatalf("expected low hallucination for grounded draft, got %v", res.Hallucination)
	}
}

func TestVerifyUngroundedClaimRaisesHallucination(t *testing.T) {
	v := New(nil, zap.NewNop())

	res := v.Verify(
		"The moon is made of green cheese according to NASA's 1823 report.",
		"tell me about the moon",
		[]string{"tell me about the moon"},
	)
	if res.Hallucination <= 0 {
		t.Fatalf("expected nonzero hallucination for an ungrounded fabricated claim")
	}
}

func TestVerifyOffTopicDraftIsInconsistent(t *testing.T) {
	v := New(nil, zap.NewNop())

	res := v.Verify(
		"Quantum entanglement violates no-signaling theorems.",
		"what's your favorite pizza topping",
		nil,
	)
	if res.Consistent {
		t.Fatalf("expected consistent=false for an off-topic draft")
	}
}
