package uuidv7

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestNew(t *testing.T) {
	u, err := New()
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if u.Version() != 7 {
		t.Fatalf("expected version 7, got %d", u.Version())
	}
	if u.Variant() != uuid.RFC4122 {
		t.Fatalf("expected RFC4122 variant, got %v", u.Variant())
	}
}

func TestNew_MonotonicWithinProcess(t *testing.T) {
	prev, err := New()
	if err != nil {
		t.Fatal(err)
	}
	// Enough ids to stay inside one millisecond repeatedly and to overflow
	// the 12-bit sequence at least once.
	for i := 0; i < 5000; i++ {
		next, err := New()
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Compare(next[:], prev[:]) <= 0 {
			t.Fatalf("id %d not increasing: %s then %s", i, prev, next)
		}
		if next.String() <= prev.String() {
			t.Fatalf("id %d string order broken: %s then %s", i, prev, next)
		}
		prev = next
	}
}

func TestNextTick_ClockStepBack(t *testing.T) {
	ms1, n1 := nextTick(5_000)
	ms2, n2 := nextTick(4_000)
	if ms2 < ms1 {
		t.Fatalf("millisecond went backwards: %d then %d", ms1, ms2)
	}
	if ms2 == ms1 && n2 <= n1 {
		t.Fatalf("sequence did not advance: %d then %d", n1, n2)
	}
}

func TestNewString(t *testing.T) {
	got, err := NewString()
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if got == "" {
		t.Fatal("expected non-empty string")
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("expected parseable uuid, got %v", err)
	}
}

func TestNewReadError(t *testing.T) {
	orig := rand.Reader
	rand.Reader = errReader{}
	defer func() { rand.Reader = orig }()

	if _, err := New(); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewStringReadError(t *testing.T) {
	orig := rand.Reader
	rand.Reader = errReader{}
	defer func() { rand.Reader = orig }()

	if _, err := NewString(); err == nil {
		t.Fatal("expected error")
	}
}

func TestMustString(t *testing.T) {
	if _, err := uuid.Parse(MustString()); err != nil {
		t.Fatalf("expected parseable uuid, got %v", err)
	}
}

func TestMustStringPanicsOnReadError(t *testing.T) {
	orig := rand.Reader
	rand.Reader = errReader{}
	defer func() { rand.Reader = orig }()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	_ = MustString()
}
