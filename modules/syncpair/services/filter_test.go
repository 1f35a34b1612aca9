package services

import (
	"testing"

	"github.com/openparcel/parcelsync/pkg/syncerr"
)

func TestCompileRecordFilterEmptyMatchesAll(t *testing.T) {
	f, err := CompileRecordFilter("   ")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	ok, err := f.Match(map[string]any{"anything": 1})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestRecordFilterMatch(t *testing.T) {
	f, err := CompileRecordFilter(`record.status == "active"`)
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	ok, err := f.Match(map[string]any{"status": "active"})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	ok, err = f.Match(map[string]any{"status": "retired"})
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestRecordFilterCompileRejectsNonBool(t *testing.T) {
	if _, err := CompileRecordFilter("record.status"); !syncerr.IsInvalidInput(err) {
		t.Fatalf("want invalid input, got %v", err)
	}
}

func TestRecordFilterCompileRejectsSyntaxError(t *testing.T) {
	if _, err := CompileRecordFilter("record.("); !syncerr.IsInvalidInput(err) {
		t.Fatalf("want invalid input, got %v", err)
	}
}

func TestRecordFilterMissingKeyIsRecordError(t *testing.T) {
	f, err := CompileRecordFilter(`record.status == "active"`)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	_, err = f.Match(map[string]any{"other": 1})
	if !syncerr.IsRecord(err) {
		t.Fatalf("want record error, got %v", err)
	}
}

func TestRecordFilterHasGuard(t *testing.T) {
	f, err := CompileRecordFilter(`has(record.status) && record.status == "active"`)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	ok, err := f.Match(map[string]any{"other": 1})
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}
