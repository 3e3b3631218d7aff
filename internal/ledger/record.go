// Package ledger implements the StepLedger and TimeIsland: a durable,
// append-only, hash-chained, per-session record store with a
// single-writer-per-island discipline.
//
// Each island gets its own bucket, keyed by zero-padded sequence number
// so iteration order is chain order, values are canonical JSON. Every
// record additionally carries forward a hash chain, so the bucket
// doubles as a tamper-evidence log: one canonical JSON record per key.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/govspine/govspine/internal/gate"
	"github.com/govspine/govspine/internal/sensor"
)

// Kind enumerates the StepRecord payload discriminant.
type Kind string

const (
	KindIslandStart   Kind = "ISLAND_START"
	KindIslandEnd     Kind = "ISLAND_END"
	KindUserInput     Kind = "USER_INPUT"
	KindDraft         Kind = "DRAFT"
	KindVerify        Kind = "VERIFY"
	KindGateDecision  Kind = "GATE_DECISION"
	KindRollback      Kind = "ROLLBACK"
	KindFallback      Kind = "FALLBACK"
	KindResponse      Kind = "RESPONSE"
)

// GenesisHash is the previous_hash value for the first record of every
// island.
const GenesisHash = "genesis"

// Record is the immutable tuple persisted per step. Field order here
// matches the external format's field list in §6; JSON tags are exact.
type Record struct {
	RecordID            string          `json:"record_id"`
	IslandID            string          `json:"island_id"`
	SequenceNum         uint64          `json:"sequence_num"`
	Kind                Kind            `json:"kind"`
	Timestamp           time.Time       `json:"timestamp"`
	Triple              sensor.Triple   `json:"triple"`
	POAV                *float64        `json:"poav,omitempty"`
	Decision            *gate.Decision  `json:"decision,omitempty"`
	Payload             json.RawMessage `json:"payload"`
	ContentHash         string          `json:"content_hash"`
	PreviousHash        string          `json:"previous_hash"`
	ConstitutionVersion int             `json:"constitution_version"`
}

// newRecordID generates a fresh record identifier.
func newRecordID() string { return uuid.NewString() }

// canonicalPayloadHash computes H(canonical(payload)) where canonical
// means UTF-8, sorted keys, no insignificant whitespace — the same
// technique the constitutional kernel uses for computeDecisionHash,
// generalized from a fixed struct to an arbitrary payload.
func canonicalPayloadHash(payload json.RawMessage) (string, error) {
	canon, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}

// canonicalize re-marshals arbitrary JSON with sorted object keys and no
// insignificant whitespace. encoding/json already sorts map[string]any
// keys alphabetically on Marshal, so round-tripping through an
// interface{} is sufficient.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(sortedValue(v))
}

// sortedValue walks a decoded JSON value, which is sufficient on its own
// because Go's json.Marshal sorts map[string]interface{} keys, but is
// kept explicit here for maps embedded inside slices.
func sortedValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortedValue(t[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return t
	}
}

// chainCore is the concatenation hashed to produce the next record's
// previous_hash, per the hash chain invariant:
// previous_hash[n] == H(record_id[n-1] || content_hash[n-1] || timestamp[n-1]).
func chainCore(prev Record) string {
	return prev.RecordID + "||" + prev.ContentHash + "||" + prev.Timestamp.UTC().Format(time.RFC3339Nano)
}

func chainHash(prev Record) string {
	h := sha256.Sum256([]byte(chainCore(prev)))
	return hex.EncodeToString(h[:])
}
