package ordered

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMap_PreservesOrder(t *testing.T) {
	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	var got []int

	err := Map(context.Background(), 4, inputs,
		func(ctx context.Context, in int) (int, error) {
			// later inputs finish first
			time.Sleep(time.Duration(len(inputs)-in) * time.Millisecond)
			return in * 10, nil
		},
		func(ctx context.Context, out int) error {
			got = append(got, out)
			return nil
		})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if len(got) != len(inputs) {
		t.Fatalf("expected %d results, got %d", len(inputs), len(got))
	}
	for i, v := range got {
		if v != i*10 {
			t.Errorf("result %d = %d, want %d", i, v, i*10)
		}
	}
}

func TestMap_RespectsLimit(t *testing.T) {
	var running, peak atomic.Int32
	inputs := make([]int, 20)

	err := Map(context.Background(), 3, inputs,
		func(ctx context.Context, in int) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return in, nil
		},
		func(ctx context.Context, out int) error { return nil })
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("expected at most 3 concurrent calls, saw %d", p)
	}
}

func TestMap_StopsOnError(t *testing.T) {
	boom := errors.New("split failed")
	var emitted []int

	err := Map(context.Background(), 2, []int{0, 1, 2, 3, 4, 5},
		func(ctx context.Context, in int) (int, error) {
			if in == 2 {
				return 0, boom
			}
			return in, nil
		},
		func(ctx context.Context, out int) error {
			emitted = append(emitted, out)
			return nil
		})
	if !errors.Is(err, boom) {
		t.Fatalf("expected split error, got %v", err)
	}
	for _, v := range emitted {
		if v >= 2 {
			t.Errorf("emitted %d past the failed input", v)
		}
	}
}

func TestMap_EmitError(t *testing.T) {
	stop := errors.New("consumer gone")
	calls := 0

	err := Map(context.Background(), 2, []int{0, 1, 2, 3},
		func(ctx context.Context, in int) (int, error) { return in, nil },
		func(ctx context.Context, out int) error {
			calls++
			return stop
		})
	if !errors.Is(err, stop) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected emit to stop after first error, got %d calls", calls)
	}
}

func TestMap_Empty(t *testing.T) {
	err := Map(context.Background(), 2, nil,
		func(ctx context.Context, in int) (int, error) { return in, nil },
		func(ctx context.Context, out int) error { return nil })
	if err != nil {
		t.Errorf("expected nil error for no inputs, got %v", err)
	}
}
