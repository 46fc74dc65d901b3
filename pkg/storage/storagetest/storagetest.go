// Package storagetest holds behaviour checks shared by every storage engine.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"replsync/pkg/dberrors"
	"replsync/pkg/storage"
)

// Run exercises an engine returned by open. Each subtest gets a fresh engine.
func Run(t *testing.T, open func(t *testing.T) storage.Engine) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		e := open(t)
		if _, err := e.Get(ctx, storage.SpaceData, "nope"); !errors.Is(err, dberrors.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("BatchPutDelete", func(t *testing.T) {
		e := open(t)
		err := e.Batch(ctx, []storage.Op{
			storage.Put(storage.SpaceData, "a", []byte("1")),
			storage.Put(storage.SpaceData, "b", []byte("2")),
			storage.Put(storage.SpaceIndex, "a", []byte("idx")),
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		v, err := e.Get(ctx, storage.SpaceData, "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(v) != "1" {
			t.Fatalf("expected 1, got %q", v)
		}

		// spaces do not leak into each other
		v, err = e.Get(ctx, storage.SpaceIndex, "a")
		if err != nil || string(v) != "idx" {
			t.Fatalf("expected idx, got %q (%v)", v, err)
		}

		if err := e.Batch(ctx, []storage.Op{storage.Delete(storage.SpaceData, "a")}); err != nil {
			t.Fatalf("Batch delete failed: %v", err)
		}
		if _, err := e.Get(ctx, storage.SpaceData, "a"); !errors.Is(err, dberrors.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("InvalidBatchIsRejectedWhole", func(t *testing.T) {
		e := open(t)
		err := e.Batch(ctx, []storage.Op{
			storage.Put(storage.SpaceData, "ok", []byte("1")),
			storage.Put(storage.SpaceData, "", []byte("2")),
		})
		if !errors.Is(err, dberrors.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if _, err := e.Get(ctx, storage.SpaceData, "ok"); !errors.Is(err, dberrors.ErrNotFound) {
			t.Fatalf("partial batch applied: %v", err)
		}
	})

	t.Run("IterateRange", func(t *testing.T) {
		e := open(t)
		var ops []storage.Op
		for i := 1; i <= 5; i++ {
			ops = append(ops, storage.Put(storage.SpaceLogs, fmt.Sprintf("%04d", i), []byte{byte(i)}))
		}
		if err := e.Batch(ctx, ops); err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		cases := []struct {
			name string
			r    storage.Range
			want []string
		}{
			{"all", storage.Range{}, []string{"0001", "0002", "0003", "0004", "0005"}},
			{"gt", storage.Range{GT: "0002"}, []string{"0003", "0004", "0005"}},
			{"gte", storage.Range{GTE: "0002"}, []string{"0002", "0003", "0004", "0005"}},
			{"gt-lte", storage.Range{GT: "0001", LTE: "0003"}, []string{"0002", "0003"}},
			{"lte", storage.Range{LTE: "0002"}, []string{"0001", "0002"}},
			{"empty", storage.Range{GT: "0005"}, nil},
		}
		for _, tc := range cases {
			var got []string
			err := e.Iterate(ctx, storage.SpaceLogs, tc.r, func(k string, _ []byte) error {
				got = append(got, k)
				return nil
			})
			if err != nil {
				t.Fatalf("%s: Iterate failed: %v", tc.name, err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
			}
		}
	})

	t.Run("IterateStop", func(t *testing.T) {
		e := open(t)
		err := e.Batch(ctx, []storage.Op{
			storage.Put(storage.SpaceLogs, "1", nil),
			storage.Put(storage.SpaceLogs, "2", nil),
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		n := 0
		err = e.Iterate(ctx, storage.SpaceLogs, storage.Range{}, func(string, []byte) error {
			n++
			return storage.ErrStopIteration
		})
		if err != nil {
			t.Fatalf("Iterate failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 visit, got %d", n)
		}

		boom := errors.New("boom")
		err = e.Iterate(ctx, storage.SpaceLogs, storage.Range{}, func(string, []byte) error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected callback error, got %v", err)
		}
	})

	t.Run("IterateMissingSpace", func(t *testing.T) {
		e := open(t)
		err := e.Iterate(ctx, "void", storage.Range{}, func(string, []byte) error {
			t.Fatal("callback must not be called")
			return nil
		})
		if err != nil {
			t.Fatalf("Iterate failed: %v", err)
		}
	})
}
