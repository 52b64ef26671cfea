// Package replay implements transaction replay (spec §4.8): a capped log
// of an in-flight transaction's statements and their reply checksums,
// replayed onto a freshly selected master after a backend failure.
package replay

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Checksum128 is an xxHash128-class checksum: two independent 64-bit
// xxHash digests of the same payload, concatenated. cespare/xxhash/v2
// only exposes the 64-bit algorithm, so a second pass over a
// distinguishing prefix stands in for the wider digest the source
// computes with XXH3_128bits; either is sufficient to detect the
// non-deterministic replies this subsystem exists to catch.
type Checksum128 [16]byte

// checksumPrefix distinguishes the second hash pass from the first.
var checksumPrefix = []byte{0xc5}

// Checksum computes the reply-consistency checksum for one statement's
// reply payload.
func Checksum(payload []byte) Checksum128 {
	var out Checksum128
	lo := xxhash.Sum64(payload)

	h := xxhash.New()
	h.Write(checksumPrefix)
	h.Write(payload)
	hi := h.Sum64()

	binary.LittleEndian.PutUint64(out[:8], lo)
	binary.LittleEndian.PutUint64(out[8:], hi)
	return out
}

// LoggedStatement is one statement recorded in a transaction's replay
// log: its raw packet bytes and, once the original reply has arrived,
// the checksum of that reply.
type LoggedStatement struct {
	Payload     []byte
	Checksum    Checksum128
	HasChecksum bool
}

// ErrLogDisarmed is returned by Record once the log has exceeded
// transaction_replay_max_size; replay is permanently unavailable for the
// rest of the transaction (spec §4.8).
var ErrLogDisarmed = errors.New("replay: log disarmed, size cap exceeded")

// Log accumulates one open transaction's statements and reply checksums.
type Log struct {
	mu       sync.Mutex
	stmts    []LoggedStatement
	size     int
	maxSize  int
	disarmed bool
}

// NewLog creates an armed, empty log capped at maxSize bytes of raw
// statement payloads. maxSize <= 0 means uncapped.
func NewLog(maxSize int) *Log {
	return &Log{maxSize: maxSize}
}

// Record appends a statement to the log. It returns ErrLogDisarmed, and
// permanently disarms the log, if appending would exceed maxSize.
func (l *Log) Record(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disarmed {
		return ErrLogDisarmed
	}
	if l.maxSize > 0 && l.size+len(payload) > l.maxSize {
		l.disarmed = true
		l.stmts = nil
		return ErrLogDisarmed
	}
	l.stmts = append(l.stmts, LoggedStatement{Payload: append([]byte(nil), payload...)})
	l.size += len(payload)
	return nil
}

// SetChecksum records the checksum of the ExpectClientBound reply to the
// most recently recorded statement, as it arrives.
func (l *Log) SetChecksum(sum Checksum128) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disarmed || len(l.stmts) == 0 {
		return
	}
	last := &l.stmts[len(l.stmts)-1]
	last.Checksum = sum
	last.HasChecksum = true
}

// Disarmed reports whether the log has permanently given up on replay
// for this transaction.
func (l *Log) Disarmed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disarmed
}

// Statements returns a copy of the logged statements in order.
func (l *Log) Statements() []LoggedStatement {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoggedStatement, len(l.stmts))
	copy(out, l.stmts)
	return out
}

// Reset clears the log back to empty and armed, for the next
// transaction.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stmts = nil
	l.size = 0
	l.disarmed = false
}
