package persistence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openparcel/parcelsync/pkg/syncerr"
)

type pgBeginnerStub struct {
	beginFn func(ctx context.Context) (pgx.Tx, error)
}

func (b pgBeginnerStub) Begin(ctx context.Context) (pgx.Tx, error) {
	return b.beginFn(ctx)
}

type rowStub struct {
	scanFn func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error {
	return r.scanFn(dest...)
}

type pgTxStub struct {
	pgx.Tx

	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	commitFn   func(ctx context.Context) error
	rollbackFn func(ctx context.Context) error
}

func (t *pgTxStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (t *pgTxStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if t.queryRowFn != nil {
		return t.queryRowFn(ctx, sql, args...)
	}
	return rowStub{scanFn: func(...any) error { return nil }}
}

func (t *pgTxStub) Commit(ctx context.Context) error {
	if t.commitFn != nil {
		return t.commitFn(ctx)
	}
	return nil
}

func (t *pgTxStub) Rollback(ctx context.Context) error {
	if t.rollbackFn != nil {
		return t.rollbackFn(ctx)
	}
	return nil
}

func beginWith(tx pgx.Tx) pgBeginnerStub {
	return pgBeginnerStub{beginFn: func(context.Context) (pgx.Tx, error) { return tx, nil }}
}

func fillPairRow(dest ...any) error {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	*dest[0].(*string) = "p1"
	*dest[1].(*string) = "county-033"
	*dest[2].(*string) = "cad-to-gis"
	*dest[3].(*string) = "county_cad"
	*dest[4].(*string) = "gis_portal"
	*dest[5].(*[]byte) = []byte(`{"base_url":"http://cad.local"}`)
	*dest[6].(*[]byte) = []byte(`{}`)
	*dest[7].(*string) = "parcel"
	*dest[8].(*string) = "parcel_id"
	*dest[9].(*[]byte) = []byte(`[{"source_field":"owner","target_field":"owner_name","data_type":"string","is_required":false}]`)
	*dest[10].(*[]byte) = []byte(`{}`)
	*dest[11].(*[]byte) = []byte(`{}`)
	*dest[12].(*string) = "@daily"
	*dest[13].(*bool) = true
	*dest[14].(*time.Time) = now
	*dest[15].(*time.Time) = now
	return nil
}

func TestPairPGStore_CreatePair(t *testing.T) {
	pair := memPair("p1", "cad-to-gis")

	t.Run("begin error", func(t *testing.T) {
		s := NewPairPGStore(pgBeginnerStub{beginFn: func(context.Context) (pgx.Tx, error) {
			return nil, errors.New("begin")
		}})
		if _, err := s.CreatePair(context.Background(), "county-033", pair); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("set_config error", func(t *testing.T) {
		tx := &pgTxStub{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("exec")
		}}
		s := NewPairPGStore(beginWith(tx))
		if _, err := s.CreatePair(context.Background(), "county-033", pair); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("name collision", func(t *testing.T) {
		tx := &pgTxStub{execFn: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "INSERT") {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505", ConstraintName: "sync_pairs_county_name_unique"}
			}
			return pgconn.CommandTag{}, nil
		}}
		s := NewPairPGStore(beginWith(tx))
		if _, err := s.CreatePair(context.Background(), "county-033", pair); !syncerr.IsInvalidInput(err) {
			t.Fatalf("want invalid input, got %v", err)
		}
	})

	t.Run("commit error", func(t *testing.T) {
		tx := &pgTxStub{commitFn: func(context.Context) error { return errors.New("commit") }}
		s := NewPairPGStore(beginWith(tx))
		if _, err := s.CreatePair(context.Background(), "county-033", pair); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("success", func(t *testing.T) {
		tx := &pgTxStub{}
		s := NewPairPGStore(beginWith(tx))
		got, err := s.CreatePair(context.Background(), "county-033", pair)
		if err != nil {
			t.Fatal(err)
		}
		if got.PairUUID != "p1" {
			t.Fatalf("got=%+v", got)
		}
	})
}

func TestPairPGStore_GetPair(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		tx := &pgTxStub{queryRowFn: func(context.Context, string, ...any) pgx.Row {
			return rowStub{scanFn: func(...any) error { return pgx.ErrNoRows }}
		}}
		s := NewPairPGStore(beginWith(tx))
		if _, err := s.GetPair(context.Background(), "county-033", "p1"); !syncerr.IsNotFound(err) {
			t.Fatalf("want not found, got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		tx := &pgTxStub{queryRowFn: func(context.Context, string, ...any) pgx.Row {
			return rowStub{scanFn: fillPairRow}
		}}
		s := NewPairPGStore(beginWith(tx))
		got, err := s.GetPair(context.Background(), "county-033", "p1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != "cad-to-gis" || !got.IsActive || got.SourceConfig["base_url"] != "http://cad.local" {
			t.Fatalf("got=%+v", got)
		}
		if len(got.FieldMappings) != 1 || got.FieldMappings[0].TargetField != "owner_name" {
			t.Fatalf("mappings=%+v", got.FieldMappings)
		}
	})
}

func TestPairPGStore_UpdatePair(t *testing.T) {
	pair := memPair("p1", "cad-to-gis")

	t.Run("missing row", func(t *testing.T) {
		tx := &pgTxStub{}
		s := NewPairPGStore(beginWith(tx))
		if _, err := s.UpdatePair(context.Background(), "county-033", pair); !syncerr.IsNotFound(err) {
			t.Fatalf("want not found, got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		tx := &pgTxStub{execFn: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "UPDATE") {
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
			return pgconn.CommandTag{}, nil
		}}
		s := NewPairPGStore(beginWith(tx))
		if _, err := s.UpdatePair(context.Background(), "county-033", pair); err != nil {
			t.Fatal(err)
		}
	})
}

func TestPairPGStore_SetPairActive(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		tx := &pgTxStub{queryRowFn: func(context.Context, string, ...any) pgx.Row {
			return rowStub{scanFn: func(...any) error { return pgx.ErrNoRows }}
		}}
		s := NewPairPGStore(beginWith(tx))
		if _, err := s.SetPairActive(context.Background(), "county-033", "p1", false); !syncerr.IsNotFound(err) {
			t.Fatalf("want not found, got %v", err)
		}
	})

	t.Run("success returns row", func(t *testing.T) {
		tx := &pgTxStub{queryRowFn: func(context.Context, string, ...any) pgx.Row {
			return rowStub{scanFn: fillPairRow}
		}}
		s := NewPairPGStore(beginWith(tx))
		got, err := s.SetPairActive(context.Background(), "county-033", "p1", true)
		if err != nil {
			t.Fatal(err)
		}
		if got.PairUUID != "p1" || !got.IsActive {
			t.Fatalf("got=%+v", got)
		}
	})
}

func TestPairPGStore_DeletePair(t *testing.T) {
	t.Run("missing row", func(t *testing.T) {
		tx := &pgTxStub{}
		s := NewPairPGStore(beginWith(tx))
		if err := s.DeletePair(context.Background(), "county-033", "p1"); !syncerr.IsNotFound(err) {
			t.Fatalf("want not found, got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		tx := &pgTxStub{execFn: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "DELETE") {
				return pgconn.NewCommandTag("DELETE 1"), nil
			}
			return pgconn.CommandTag{}, nil
		}}
		s := NewPairPGStore(beginWith(tx))
		if err := s.DeletePair(context.Background(), "county-033", "p1"); err != nil {
			t.Fatal(err)
		}
	})
}
