package syncer

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/continuity"
	"github.com/vietddude/chainsync/internal/indexing/ingest"
	"github.com/vietddude/chainsync/internal/indexing/recovery"
	"github.com/vietddude/chainsync/internal/indexing/stream"
	"github.com/vietddude/chainsync/internal/infra/storage"
	"github.com/vietddude/chainsync/internal/infra/storage/memory"
)

// recordHashes stores each block's hash under its number.
func recordHashes(ctx context.Context, blocks []domain.Block, store storage.Store) error {
	for _, b := range blocks {
		if err := store.Upsert(ctx, "block", strconv.FormatUint(b.Number, 10), []byte(b.Hash)); err != nil {
			return err
		}
	}
	return nil
}

func storedHash(db *memory.DB, n uint64) string {
	v, _ := db.Entity("block", strconv.FormatUint(n, 10))
	return string(v)
}

func TestRun_ForkInsideHotBatch(t *testing.T) {
	tests := []struct {
		name string
		fin  domain.BlockRef // finalized head reported with the fork
	}{
		{"finalized unchanged", ref(99, "a")},
		{"finalized advanced", ref(102, "a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := memory.NewDB()
			to := uint64(111)
			forked := append(domain.Refs(span("a", 104, 107)), ref(108, "b"), ref(109, "b"), ref(110, "b"), ref(111, "b"))
			opener := scripted(
				[]stream.Result{
					batch(span("a", 95, 99), domain.RefPtr(ref(99, "a"))),
					batch(span("a", 100, 110), domain.RefPtr(ref(99, "a"))),
					{Kind: stream.KindForked, Forked: forked, FinalizedHead: domain.RefPtr(tt.fin)},
				},
				[]stream.Result{
					batch(append([]domain.Block{block(108, "b", "a")}, span("b", 109, 111)...), domain.RefPtr(tt.fin)),
				},
			)
			d := New(db, opener, recordHashes, Config{To: &to})

			if err := d.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			if len(opener.reqs) != 2 || opener.reqs[1].From != 108 || opener.reqs[1].ParentHash != "a_107" {
				t.Fatalf("expected a reopen at 108 after a_107, got %+v", opener.reqs)
			}
			head, _ := db.GetHead(context.Background())
			if head == nil || *head != ref(111, "b") {
				t.Errorf("head = %v, want b_111", head)
			}
			for n, want := range map[uint64]string{107: "a_107", 108: "b_108", 110: "b_110", 111: "b_111"} {
				if got := storedHash(db, n); got != want {
					t.Errorf("block %d stored %q, want %q", n, got, want)
				}
			}
			if fin, _ := db.GetFinalizedHead(context.Background()); fin == nil || *fin != tt.fin {
				t.Errorf("finalized head = %v, want %s", fin, tt.fin)
			}
		})
	}
}

func TestRun_HotBlocksAreRevertTargets(t *testing.T) {
	db := memory.NewDB()
	opener := scripted([]stream.Result{
		batch(span("a", 0, 2), domain.RefPtr(ref(2, "a"))),
		batch(span("a", 3, 6), domain.RefPtr(ref(2, "a"))),
	})
	if err := New(db, opener, recordHashes, Config{}).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	refs, err := db.GetUnfinalizedBlocks(context.Background(), 6)
	if err != nil {
		t.Fatalf("GetUnfinalizedBlocks failed: %v", err)
	}
	want := []domain.BlockRef{ref(6, "a"), ref(5, "a"), ref(4, "a"), ref(3, "a")}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("unfinalized = %v, want %v", refs, want)
	}

	err = db.Transact(context.Background(), func(tx storage.Transaction) error {
		return tx.Revert(context.Background(), 4)
	})
	if err != nil {
		t.Fatalf("revert to a block inside the batch failed: %v", err)
	}
	if got := storedHash(db, 5); got != "" {
		t.Errorf("block 5 survived the revert: %q", got)
	}
	if got := storedHash(db, 4); got != "a_4" {
		t.Errorf("block 4 stored %q, want a_4", got)
	}
}

// chainFetcher serves one canonical chain tagged "a".
type chainFetcher struct {
	mu        sync.Mutex
	latest    uint64
	finalized uint64
}

func (f *chainFetcher) Head(ctx context.Context, c domain.Commitment) (domain.BlockRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c == domain.CommitmentFinalized {
		return ref(f.finalized, "a"), nil
	}
	return ref(f.latest, "a"), nil
}

func (f *chainFetcher) Blocks(ctx context.Context, from, to uint64) ([]domain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if to > f.latest {
		to = f.latest
	}
	if from > to {
		return nil, nil
	}
	return span("a", from, to), nil
}

func ingestOpener(f ingest.Fetcher) *continuity.Opener {
	retry := recovery.FixedBackoff(time.Millisecond, 3, nil)
	src := ingest.NewSource(f, nil, ingest.Config{
		Chain:        "test",
		Stride:       4,
		PollInterval: time.Millisecond,
		Retry:        retry,
	})
	return &continuity.Opener{Source: src, Options: continuity.Options{Retry: retry}}
}

func TestRun_IdempotentOverIngestSource(t *testing.T) {
	db := memory.NewDB()
	f := &chainFetcher{latest: 30, finalized: 25}
	to := uint64(10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := &handlerLog{}
	if err := New(db, ingestOpener(f), first.handle, Config{To: &to}).Run(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if fmt.Sprint(first.calls) != "[[0 1 2 3] [4 5 6 7] [8 9 10]]" {
		t.Fatalf("unexpected handler calls %v", first.calls)
	}

	again := &handlerLog{}
	if err := New(db, ingestOpener(f), again.handle, Config{To: &to}).Run(ctx); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(again.calls) != 0 {
		t.Errorf("expected no handler calls on a synced database, got %v", again.calls)
	}
	head, _ := db.GetHead(ctx)
	fin, _ := db.GetFinalizedHead(ctx)
	if head == nil || *head != ref(10, "a") || fin == nil || *fin != ref(10, "a") {
		t.Errorf("head %v, finalized %v, want a_10 for both", head, fin)
	}
}
