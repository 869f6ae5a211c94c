package resultpg

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/k11v/pony/internal/pgtest"
	"github.com/k11v/pony/internal/postgresutil"
	"github.com/k11v/pony/internal/result"
)

func newStore(ctx context.Context, t testing.TB) *Store {
	connectionString, teardown, err := pgtest.Setup(ctx)
	if err != nil {
		t.Skipf("skipping, postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := teardown(); err != nil {
			t.Errorf("didn't want %v", err)
		}
	})

	pool, err := postgresutil.NewPool(ctx, connectionString)
	if err != nil {
		t.Fatalf("didn't want %v", err)
	}
	t.Cleanup(pool.Close)

	return NewStore(pool)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := newStore(ctx, t)

	t.Run("sets and gets a record", func(t *testing.T) {
		want := &result.Record{
			Receipt: result.Receipt{Time: 1700000000.25, ClientIP: "1.2.3.4", ResultKey: 0},
			ClientInfo: result.ClientInfo{
				Package:  "p",
				Host:     "h",
				Arch:     "a",
				Tags:     []string{"t"},
				Success:  true,
				Duration: 0.1,
			},
			Results: []result.StepResult{{"name": "checkout", "status": float64(0)}},
		}
		if err := store.Set(ctx, 0, want); err != nil {
			t.Fatalf("didn't want %v", err)
		}

		got, err := store.Get(ctx, 0)
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Logf("got %#v", got)
			t.Errorf("want %#v", want)
		}
	})

	t.Run("returns not found for a missing key", func(t *testing.T) {
		_, err := store.Get(ctx, 404)
		if !errors.Is(err, result.ErrNotFound) {
			t.Errorf("got %v, want %v", err, result.ErrNotFound)
		}
	})

	t.Run("returns keys in ascending order", func(t *testing.T) {
		for _, k := range []int64{7, 3} {
			if err := store.Set(ctx, k, &result.Record{}); err != nil {
				t.Fatalf("didn't want %v", err)
			}
		}

		got, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if want := []int64{0, 3, 7}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("overwrites on repeated set", func(t *testing.T) {
		first := &result.Record{Receipt: result.Receipt{Time: 1, ResultKey: 9}}
		second := &result.Record{Receipt: result.Receipt{Time: 2, ResultKey: 9}}
		if err := store.Set(ctx, 9, first); err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if err := store.Set(ctx, 9, second); err != nil {
			t.Fatalf("didn't want %v", err)
		}

		got, err := store.Get(ctx, 9)
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got.Receipt.Time != 2 {
			t.Errorf("got receipt time %v, want 2", got.Receipt.Time)
		}
	})
}
