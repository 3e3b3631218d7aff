package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/govspine/govspine/internal/gate"
	"github.com/govspine/govspine/internal/sensor"
)

const (
	bucketIslandMeta = "islands"
	recordsBucketPrefix = "records:"

	// SchemaVersion guards against opening a database written by an
	// incompatible future version of this package.
	SchemaVersion = "1"
	bucketMeta    = "meta"
)

// Ledger is the durable, append-only, hash-chained per-island record
// store. One bbolt database backs every island; each island owns its own
// bucket so readers can scan one island without touching another's keys.
type Ledger struct {
	db  *bolt.DB
	log *zap.Logger

	mu       sync.RWMutex // protects the handles map itself, not its contents
	handles  map[string]*islandHandle
}

// Open opens (or creates) the ledger database at path and rehydrates any
// islands it already contains.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, log: log, handles: make(map[string]*islandHandle)}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketIslandMeta)); err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return err
		}
		if mb.Get([]byte("schema_version")) == nil {
			return mb.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger: initialise buckets: %w", err)
	}

	if err := l.rehydrate(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

// rehydrate loads every persisted island's Meta into memory so in-flight
// handles (and their locks) exist without replaying record history.
func (l *Ledger) rehydrate() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIslandMeta))
		return b.ForEach(func(k, v []byte) error {
			var meta Meta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("ledger: rehydrate island %q: %w", string(k), err)
			}
			h := &islandHandle{meta: meta}

			if rb := tx.Bucket(recordsBucketName(meta.IslandID)); rb != nil {
				if _, v := rb.Cursor().Last(); v != nil {
					if err := json.Unmarshal(v, &h.lastRecord); err != nil {
						return fmt.Errorf("ledger: rehydrate last record for island %q: %w", meta.IslandID, err)
					}
				}
			}

			l.handles[string(k)] = h
			return nil
		})
	})
}

// CloseDB closes the underlying database file.
func (l *Ledger) CloseDB() error {
	return l.db.Close()
}

func (l *Ledger) handle(islandID string) (*islandHandle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handles[islandID]
	return h, ok
}

// CreateIsland allocates a new island, persists its genesis ISLAND_START
// record, and returns the new island_id.
func (l *Ledger) CreateIsland(constitutionVersion int) (string, error) {
	id := uuid.NewString()
	h := &islandHandle{meta: Meta{
		IslandID:  id,
		CreatedAt: time.Now().UTC(),
		State:     IslandActive,
	}}

	l.mu.Lock()
	l.handles[id] = h
	l.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := l.appendLocked(h, KindIslandStart, map[string]interface{}{}, sensor.Neutral, nil, nil, constitutionVersion)
	if err != nil {
		return "", fmt.Errorf("ledger: create island: %w", err)
	}
	return id, nil
}

// Append writes one StepRecord to an ACTIVE island. The per-island mutex
// serializes every writer; multiple islands may append concurrently.
func (l *Ledger) Append(
	islandID string,
	kind Kind,
	payload interface{},
	triple sensor.Triple,
	poav *float64,
	decision *gate.Decision,
	constitutionVersion int,
) (Record, error) {
	h, ok := l.handle(islandID)
	if !ok {
		return Record{}, fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.canAppend(); err != nil {
		return Record{}, err
	}
	return l.appendLocked(h, kind, payload, triple, poav, decision, constitutionVersion)
}

// appendLocked writes a record without the normal ACTIVE-only gate, used
// both by Append (which checks the gate first) and by the ledger's own
// lifecycle records (ISLAND_START, ISLAND_END, breaker-forced
// ISLAND_END). Caller must hold h.mu.
func (l *Ledger) appendLocked(
	h *islandHandle,
	kind Kind,
	payload interface{},
	triple sensor.Triple,
	poav *float64,
	decision *gate.Decision,
	constitutionVersion int,
) (Record, error) {
	if err := l.verifyTipNotCorrupted(h); err != nil {
		return Record{}, err
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: marshal payload: %w", err)
	}

	rec := Record{
		RecordID:            uuid.NewString(),
		IslandID:            h.meta.IslandID,
		SequenceNum:         h.meta.NextSequence,
		Kind:                kind,
		Timestamp:           monotonicAfter(h),
		Triple:              triple,
		POAV:                poav,
		Decision:            decision,
		Payload:             payloadBytes,
		ConstitutionVersion: constitutionVersion,
	}
	if rec.SequenceNum == 0 {
		rec.PreviousHash = GenesisHash
	} else {
		rec.PreviousHash = chainHashFromMeta(h)
	}

	contentHash, err := canonicalPayloadHash(rec.Payload)
	if err != nil {
		return Record{}, err
	}
	rec.ContentHash = contentHash

	if err := l.persist(rec); err != nil {
		return Record{}, err
	}

	h.meta.NextSequence++
	h.meta.IslandHash = chainHash(rec)
	h.meta.ContextDigest = rollingDigest(h.meta.ContextDigest, contentHash)
	h.lastRecord = rec
	if err := l.persistMeta(h.meta); err != nil {
		return Record{}, err
	}

	l.log.Debug("ledger append",
		zap.String("island_id", rec.IslandID),
		zap.Uint64("sequence_num", rec.SequenceNum),
		zap.String("kind", string(rec.Kind)))

	return rec, nil
}

// verifyTipNotCorrupted re-checks the island's most recently persisted
// record against the in-memory chain state before a new record is
// appended on top of it. This is an O(1) guard, not a substitute for
// VerifyChain: it catches a tampered or stale tip (the common single-
// record-tamper case) but not a mutation of an older, already-superseded
// record further back in the chain, which only a full VerifyChain pass
// can detect.
func (l *Ledger) verifyTipNotCorrupted(h *islandHandle) error {
	if h.meta.NextSequence == 0 {
		return nil
	}

	var stored Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucketName(h.meta.IslandID))
		if b == nil {
			return fmt.Errorf("%w: island %s has no records bucket", ErrChainCorrupted, h.meta.IslandID)
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return fmt.Errorf("%w: island %s has no persisted records but sequence is %d", ErrChainCorrupted, h.meta.IslandID, h.meta.NextSequence)
		}
		return json.Unmarshal(v, &stored)
	})
	if err != nil {
		return err
	}

	wantContentHash, err := canonicalPayloadHash(stored.Payload)
	if err != nil {
		return fmt.Errorf("ledger: verify tip: %w", err)
	}
	if wantContentHash != stored.ContentHash {
		return fmt.Errorf("%w: island %s record %d payload no longer matches its content_hash", ErrChainCorrupted, h.meta.IslandID, stored.SequenceNum)
	}
	if chainHash(stored) != h.meta.IslandHash {
		return fmt.Errorf("%w: island %s on-disk tip diverges from the chain's recorded tip hash", ErrChainCorrupted, h.meta.IslandID)
	}
	return nil
}

func monotonicAfter(h *islandHandle) time.Time {
	now := time.Now().UTC()
	if h.lastRecord.Timestamp.After(now) {
		return h.lastRecord.Timestamp
	}
	return now
}

func chainHashFromMeta(h *islandHandle) string {
	return chainHash(h.lastRecord)
}

func rollingDigest(prevDigest, contentHash string) string {
	sum := sha256.Sum256([]byte(prevDigest + contentHash))
	return hex.EncodeToString(sum[:])
}

func recordsBucketName(islandID string) []byte {
	return []byte(recordsBucketPrefix + islandID)
}

func sequenceKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%020d", n))
}

func (l *Ledger) persist(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordsBucketName(rec.IslandID))
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(rec.SequenceNum), data)
	})
}

func (l *Ledger) persistMeta(meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("ledger: marshal meta: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIslandMeta))
		return b.Put([]byte(meta.IslandID), data)
	})
}

// Suspend transitions an ACTIVE island to SUSPENDED.
func (l *Ledger) Suspend(islandID string) error {
	h, ok := l.handle(islandID)
	if !ok {
		return fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.transition(IslandSuspended); err != nil {
		return err
	}
	return l.persistMeta(h.meta)
}

// Resume transitions a SUSPENDED island back to ACTIVE.
func (l *Ledger) Resume(islandID string) error {
	h, ok := l.handle(islandID)
	if !ok {
		return fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.transition(IslandActive); err != nil {
		return err
	}
	return l.persistMeta(h.meta)
}

// Close seals an island: appends an ISLAND_END record, then marks it
// CLOSED. Idempotent — calling Close on an already-CLOSED island is a
// no-op success, matching the Idempotence law.
func (l *Ledger) Close(islandID string, reason string, constitutionVersion int) error {
	h, ok := l.handle(islandID)
	if !ok {
		return fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.meta.State == IslandClosed {
		return nil
	}

	if _, err := l.appendLocked(h, KindIslandEnd, map[string]interface{}{"reason": reason}, sensor.Neutral, nil, nil, constitutionVersion); err != nil {
		return fmt.Errorf("ledger: close island: append ISLAND_END: %w", err)
	}
	return l.transitionAndPersist(h, IslandClosed)
}

func (l *Ledger) transitionAndPersist(h *islandHandle, to IslandState) error {
	if err := h.transition(to); err != nil {
		return err
	}
	return l.persistMeta(h.meta)
}

// NoteRollback increments the island's consecutive-rollback streak. If it
// now exceeds limit L, the breaker trips: the ledger appends a forced
// ISLAND_END{reason:"breaker_tripped"} record and marks the island
// CLOSED, returning tripped=true so the Spine can surface
// IslandBreakerTripped to the caller.
func (l *Ledger) NoteRollback(islandID string, limit int, constitutionVersion int) (tripped bool, err error) {
	h, ok := l.handle(islandID)
	if !ok {
		return false, fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.meta.ConsecutiveRollbacks++
	if h.meta.ConsecutiveRollbacks <= limit {
		return false, l.persistMeta(h.meta)
	}

	h.meta.BreakerTripped = true
	if _, err := l.appendLocked(h, KindIslandEnd, map[string]interface{}{"reason": "breaker_tripped"}, sensor.Neutral, nil, nil, constitutionVersion); err != nil {
		return true, fmt.Errorf("ledger: breaker trip: append ISLAND_END: %w", err)
	}
	if err := l.transitionAndPersist(h, IslandClosed); err != nil {
		return true, err
	}
	return true, nil
}

// NoteNonRollback resets the island's consecutive-rollback streak after
// any decision that is not a ROLLBACK.
func (l *Ledger) NoteNonRollback(islandID string) error {
	h, ok := l.handle(islandID)
	if !ok {
		return fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.meta.ConsecutiveRollbacks = 0
	return l.persistMeta(h.meta)
}

// Tip returns the island's current tip hash: the chain hash of its most
// recent record (SHA-256 over its record_id, content_hash and timestamp),
// the same value the next record will carry as previous_hash.
func (l *Ledger) Tip(islandID string) (string, error) {
	h, ok := l.handle(islandID)
	if !ok {
		return "", fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.IslandHash, nil
}

// State returns the island's current lifecycle state.
func (l *Ledger) State(islandID string) (IslandState, error) {
	h, ok := l.handle(islandID)
	if !ok {
		return "", fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.State, nil
}

// IsBreakerTripped reports whether an island was force-closed by the
// circuit breaker, as opposed to a plain caller-requested close.
func (l *Ledger) IsBreakerTripped(islandID string) (bool, error) {
	h, ok := l.handle(islandID)
	if !ok {
		return false, fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta.BreakerTripped, nil
}

// ListIslands returns a snapshot of every island's Meta currently held in
// memory, for operator inspection. Order is unspecified.
func (l *Ledger) ListIslands() []Meta {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Meta, 0, len(l.handles))
	for _, h := range l.handles {
		h.mu.Lock()
		out = append(out, h.meta)
		h.mu.Unlock()
	}
	return out
}

// PruneClosedIslands deletes every CLOSED island whose CreatedAt is older
// than retentionDays, removing both its records bucket and its meta
// entry in a single transaction per island. Returns the number of
// islands deleted. Intended to run once at startup and periodically
// thereafter (see RetentionLoop); never touches ACTIVE or SUSPENDED
// islands regardless of age.
func (l *Ledger) PruneClosedIslands(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	l.mu.Lock()
	defer l.mu.Unlock()

	var toDelete []string
	for id, h := range l.handles {
		h.mu.Lock()
		expired := h.meta.State == IslandClosed && h.meta.CreatedAt.Before(cutoff)
		h.mu.Unlock()
		if expired {
			toDelete = append(toDelete, id)
		}
	}

	deleted := 0
	for _, id := range toDelete {
		err := l.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket(recordsBucketName(id)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			return tx.Bucket([]byte(bucketIslandMeta)).Delete([]byte(id))
		})
		if err != nil {
			return deleted, fmt.Errorf("ledger: prune island %s: %w", id, err)
		}
		delete(l.handles, id)
		deleted++
	}

	if deleted > 0 {
		l.log.Info("ledger: pruned closed islands", zap.Int("count", deleted), zap.Int("retention_days", retentionDays))
	}
	return deleted, nil
}

// RetentionLoop runs PruneClosedIslands once immediately and then every
// interval until ctx is cancelled. Errors are logged, not fatal — a
// failed prune pass is retried on the next tick.
func (l *Ledger) RetentionLoop(ctx context.Context, retentionDays int, interval time.Duration) {
	if _, err := l.PruneClosedIslands(retentionDays); err != nil {
		l.log.Error("ledger: retention prune failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := l.PruneClosedIslands(retentionDays); err != nil {
				l.log.Error("ledger: retention prune failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Records returns every record for an island in chain order. For
// operational inspection and for VerifyChain; not on the hot path.
func (l *Ledger) Records(islandID string) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucketName(islandID))
		if b == nil {
			return fmt.Errorf("%w: unknown island %s", ErrIslandNotActive, islandID)
		}
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// VerifyChain recomputes every previous_hash and content_hash from
// scratch and checks it against what is stored. Returns false the moment
// any mismatch is found — it never attempts repair.
func (l *Ledger) VerifyChain(islandID string) (bool, error) {
	records, err := l.Records(islandID)
	if err != nil {
		return false, err
	}
	for i, rec := range records {
		if uint64(i) != rec.SequenceNum {
			return false, nil
		}
		wantContentHash, err := canonicalPayloadHash(rec.Payload)
		if err != nil {
			return false, fmt.Errorf("ledger: verify_chain: %w", err)
		}
		if wantContentHash != rec.ContentHash {
			return false, nil
		}
		if i == 0 {
			if rec.PreviousHash != GenesisHash {
				return false, nil
			}
			continue
		}
		wantPrevHash := chainHash(records[i-1])
		if wantPrevHash != rec.PreviousHash {
			return false, nil
		}
	}
	return true, nil
}
