/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterbourgon/diskv/v3"
)

// CheckpointRecord is one durable journal entry, written per
// checkpoint transaction whether it succeeded or not.
type CheckpointRecord struct {
	Seq            int64     `cbor:"1,keyasint"`
	Id             string    `cbor:"2,keyasint"`
	StartedAt      time.Time `cbor:"3,keyasint"`
	DurationMillis int64     `cbor:"4,keyasint"`
	StateBytes     int64     `cbor:"5,keyasint"`
	Reason         string    `cbor:"6,keyasint"`
	Ok             bool      `cbor:"7,keyasint"`
	Error          string    `cbor:"8,keyasint"`
}

// CheckpointJournal persists checkpoint records to local disk so an
// operator can reconstruct what the session did across restarts.
// Records are CBOR-encoded and keyed by zero-padded sequence number;
// lexical key order is sequence order.
type CheckpointJournal struct {
	store *diskv.Diskv

	mu      sync.Mutex
	lastSeq int64
}

func NewCheckpointJournal(basePath string) (*CheckpointJournal, error) {
	if basePath == "" {
		return nil, fmt.Errorf("checkpoint journal requires a base path")
	}
	store := diskv.New(diskv.Options{
		BasePath:     basePath,
		CacheSizeMax: 1024 * 1024,
	})
	journal := &CheckpointJournal{store: store}
	journal.recoverLastSeq()
	return journal, nil
}

// recoverLastSeq scans existing keys so appends continue a previous
// run's numbering instead of overwriting it.
func (this *CheckpointJournal) recoverLastSeq() {
	for key := range this.store.Keys(nil) {
		seq, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if seq > this.lastSeq {
			this.lastSeq = seq
		}
	}
}

func journalKey(seq int64) string {
	return fmt.Sprintf("%016d", seq)
}

// Append assigns the record the next sequence number and writes it.
func (this *CheckpointJournal) Append(record CheckpointRecord) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	record.Seq = this.lastSeq + 1
	encoded, err := cbor.Marshal(record)
	if err != nil {
		return err
	}
	if err := this.store.Write(journalKey(record.Seq), encoded); err != nil {
		return err
	}
	this.lastSeq = record.Seq
	return nil
}

// Last returns the most recent record; ok is false when the journal
// is empty.
func (this *CheckpointJournal) Last() (record CheckpointRecord, ok bool, err error) {
	this.mu.Lock()
	seq := this.lastSeq
	this.mu.Unlock()

	if seq == 0 {
		return record, false, nil
	}
	encoded, err := this.store.Read(journalKey(seq))
	if err != nil {
		return record, false, err
	}
	if err := cbor.Unmarshal(encoded, &record); err != nil {
		return record, false, err
	}
	return record, true, nil
}

// Len reports how many records were ever appended, including those
// recovered from prior runs.
func (this *CheckpointJournal) Len() int64 {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.lastSeq
}
