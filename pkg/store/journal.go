package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// Journal is the durable record of settlement outcomes. The in-memory store
// is authoritative for live state; the journal exists so that partial
// failures survive a restart and give an operator enough context to resume
// or compensate out of band.
type Journal struct {
	db *pebble.DB
}

// SettlementRecord is written once per fully settled plan.
type SettlementRecord struct {
	EntityKind  string    `json:"entityKind"` // order | position | bet
	EntityID    string    `json:"entityId"`
	PlanID      string    `json:"planId"`
	Outcome     string    `json:"outcome"`
	Signer      string    `json:"signer"`
	Sequences   []uint64  `json:"sequences"`
	Handles     []string  `json:"handles"`
	CompletedAt time.Time `json:"completedAt"`
}

// PartialFailureRecord marks a plan that failed after at least one call
// finalized. The on-ledger effects are irreversible from this layer, so the
// record carries everything an operator needs to finish or unwind manually.
type PartialFailureRecord struct {
	EntityKind string    `json:"entityKind"`
	EntityID   string    `json:"entityId"`
	PlanID     string    `json:"planId"`
	Signer     string    `json:"signer"`
	TotalCalls int       `json:"totalCalls"`
	Finalized  int       `json:"finalized"`
	Handles    []string  `json:"handles"` // handles of the finalized calls
	FailedCall int       `json:"failedCall"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// NewJournal opens a Pebble database at the given path.
func NewJournal(dbPath string) (*Journal, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		MaxOpenFiles: 500,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", dbPath, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordSettlement persists a completed settlement, synced to disk.
func (j *Journal) RecordSettlement(rec *SettlementRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement record: %w", err)
	}
	if err := j.db.Set(settlementKey(rec.EntityID, rec.PlanID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write settlement record: %w", err)
	}
	return nil
}

// RecordPartialFailure persists an operator-visible partial-failure marker.
func (j *Journal) RecordPartialFailure(rec *PartialFailureRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal partial-failure record: %w", err)
	}
	if err := j.db.Set(partialFailureKey(rec.EntityID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write partial-failure record: %w", err)
	}
	return nil
}

// Settlements returns all settlement records for an entity.
func (j *Journal) Settlements(entityID string) ([]SettlementRecord, error) {
	prefix := settlementPrefix(entityID)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal iterator: %w", err)
	}
	defer iter.Close()

	var out []SettlementRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec SettlementRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // skip corrupt entries
		}
		out = append(out, rec)
	}
	return out, nil
}

// PartialFailures returns every recorded partial-failure marker.
func (j *Journal) PartialFailures() ([]PartialFailureRecord, error) {
	prefix := []byte(partialFailurePrefix)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal iterator: %w", err)
	}
	defer iter.Close()

	var out []PartialFailureRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec PartialFailureRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
