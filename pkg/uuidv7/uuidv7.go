// Package uuidv7 generates the time-ordered ids used for operation and diff
// rows. Stores sort on the id to break created_at ties, so ids from one
// process must be strictly increasing even within a millisecond.
package uuidv7

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	genMu  sync.Mutex
	lastMS uint64
	seq    uint16
)

// New returns a UUIDv7 per RFC 9562. The 12-bit rand_a field carries a
// per-millisecond sequence (the RFC's dedicated-counter method) so ids sort
// in creation order; rand_b keeps its 62 random bits.
func New() (uuid.UUID, error) {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return uuid.Nil, err
	}

	ms, n := nextTick(uint64(time.Now().UnixMilli()))
	b[0] = byte(ms >> 40)
	b[1] = byte(ms >> 32)
	b[2] = byte(ms >> 24)
	b[3] = byte(ms >> 16)
	b[4] = byte(ms >> 8)
	b[5] = byte(ms)

	// Version 7 (0b0111), sequence in rand_a.
	b[6] = 0x70 | byte(n>>8)&0x0f
	b[7] = byte(n)
	// Variant RFC 4122 (0b10xxxxxx)
	b[8] = (b[8] & 0x3f) | 0x80

	return uuid.FromBytes(b[:])
}

// nextTick returns a (millisecond, sequence) pair that never repeats and
// never decreases. A clock step backwards reuses the last millisecond and
// keeps counting; sequence overflow borrows the next millisecond.
func nextTick(ms uint64) (uint64, uint16) {
	genMu.Lock()
	defer genMu.Unlock()

	if ms <= lastMS {
		ms = lastMS
		seq++
		if seq > 0x0fff {
			ms++
			seq = 0
		}
	} else {
		seq = 0
	}
	lastMS = ms
	return ms, seq
}

// NewString returns UUIDv7 string.
func NewString() (string, error) {
	u, err := New()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// MustString returns a UUIDv7 string and panics if the platform random source
// fails. Operation and diff ids use it so rows sort by creation time.
func MustString() string {
	s, err := NewString()
	if err != nil {
		panic(err)
	}
	return s
}
