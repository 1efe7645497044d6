package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

func ref(n uint64, h string) domain.BlockRef { return domain.BlockRef{Number: n, Hash: h} }

func put(entity, id, value string) storage.ProcessFunc {
	return func(ctx context.Context, s storage.Store) error {
		return s.Upsert(ctx, entity, id, []byte(value))
	}
}

func apply(t *testing.T, db *DB, fn func(tx storage.Transaction) error) {
	t.Helper()
	if err := db.Transact(context.Background(), fn); err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
}

func value(db *DB, id string) string {
	v, ok := db.Entity("balance", id)
	if !ok {
		return "<missing>"
	}
	return string(v)
}

func TestDB_RevertRestoresEntities(t *testing.T) {
	ctx := context.Background()
	db := NewDB()

	apply(t, db, func(tx storage.Transaction) error {
		return tx.ProcessFinalizedBlocks(ctx, ref(10, "h10"), put("balance", "alice", "1"))
	})
	apply(t, db, func(tx storage.Transaction) error {
		return tx.ProcessUnfinalizedBlocks(ctx, ref(12, "h12"), put("balance", "alice", "2"))
	})
	apply(t, db, func(tx storage.Transaction) error {
		return tx.ProcessUnfinalizedBlocks(ctx, ref(14, "h14"), func(ctx context.Context, s storage.Store) error {
			if err := s.Upsert(ctx, "balance", "alice", []byte("3")); err != nil {
				return err
			}
			return s.Upsert(ctx, "balance", "bob", []byte("7"))
		})
	})

	refs, _ := db.GetUnfinalizedBlocks(ctx, 100)
	if len(refs) != 2 || refs[0].Number != 14 || refs[1].Number != 12 {
		t.Fatalf("unexpected unfinalized refs %v", refs)
	}

	apply(t, db, func(tx storage.Transaction) error { return tx.Revert(ctx, 12) })
	if value(db, "alice") != "2" || value(db, "bob") != "<missing>" {
		t.Errorf("after revert(12): alice=%s bob=%s", value(db, "alice"), value(db, "bob"))
	}
	head, _ := db.GetHead(ctx)
	if head == nil || *head != ref(12, "h12") {
		t.Errorf("expected head 12, got %v", head)
	}

	apply(t, db, func(tx storage.Transaction) error { return tx.Revert(ctx, 10) })
	if value(db, "alice") != "1" {
		t.Errorf("after revert(10): alice=%s", value(db, "alice"))
	}

	err := db.Transact(ctx, func(tx storage.Transaction) error { return tx.Revert(ctx, 5) })
	if !errors.Is(err, storage.ErrRollbackBelowFinalized) {
		t.Errorf("expected ErrRollbackBelowFinalized, got %v", err)
	}
}

func TestDB_FailedTransactionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	apply(t, db, func(tx storage.Transaction) error {
		return tx.ProcessUnfinalizedBlocks(ctx, ref(1, "h1"), put("balance", "alice", "1"))
	})

	boom := errors.New("mapping failed")
	err := db.Transact(ctx, func(tx storage.Transaction) error {
		if err := tx.Revert(ctx, -1); err != nil {
			return err
		}
		return tx.ProcessUnfinalizedBlocks(ctx, ref(1, "x1"), func(ctx context.Context, s storage.Store) error {
			_ = s.Upsert(ctx, "balance", "alice", []byte("99"))
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mapping error, got %v", err)
	}

	if value(db, "alice") != "1" {
		t.Errorf("partial write survived: alice=%s", value(db, "alice"))
	}
	head, _ := db.GetHead(ctx)
	if head == nil || *head != ref(1, "h1") {
		t.Errorf("head changed by failed tx: %v", head)
	}
	if refs, _ := db.GetUnfinalizedBlocks(ctx, 10); len(refs) != 1 {
		t.Errorf("change sets changed by failed tx: %v", refs)
	}
}

func TestDB_FinalizeSnapsToBoundary(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	apply(t, db, func(tx storage.Transaction) error {
		if err := tx.ProcessUnfinalizedBlocks(ctx, ref(3, "h3"), put("balance", "a", "1")); err != nil {
			return err
		}
		return tx.ProcessUnfinalizedBlocks(ctx, ref(6, "h6"), put("balance", "a", "2"))
	})

	apply(t, db, func(tx storage.Transaction) error { return tx.Finalize(ctx, ref(5, "h5")) })

	fin, _ := db.GetFinalizedHead(ctx)
	if fin == nil || *fin != ref(3, "h3") {
		t.Fatalf("expected finalized head 3, got %v", fin)
	}
	refs, _ := db.GetUnfinalizedBlocks(ctx, 100)
	if len(refs) != 1 || refs[0].Number != 6 {
		t.Errorf("expected only change set 6 to stay hot, got %v", refs)
	}

	err := db.Transact(ctx, func(tx storage.Transaction) error { return tx.Revert(ctx, 4) })
	if !errors.Is(err, storage.ErrRevertMisaligned) {
		t.Errorf("expected ErrRevertMisaligned, got %v", err)
	}
}

func TestDB_ProcessMustExtendHead(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	apply(t, db, func(tx storage.Transaction) error {
		return tx.ProcessFinalizedBlocks(ctx, ref(10, "h10"), put("balance", "a", "1"))
	})

	err := db.Transact(ctx, func(tx storage.Transaction) error {
		return tx.ProcessUnfinalizedBlocks(ctx, ref(10, "h10"), put("balance", "a", "2"))
	})
	if !errors.Is(err, storage.ErrNotAboveHead) {
		t.Errorf("expected ErrNotAboveHead, got %v", err)
	}
}

func TestStore_GetAndRemove(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	apply(t, db, func(tx storage.Transaction) error {
		return tx.ProcessUnfinalizedBlocks(ctx, ref(1, "h1"), func(ctx context.Context, s storage.Store) error {
			if _, err := s.Get(ctx, "balance", "a"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			_ = s.Upsert(ctx, "balance", "a", []byte("1"))
			got, err := s.Get(ctx, "balance", "a")
			if err != nil || string(got) != "1" {
				t.Errorf("Get = %q, %v", got, err)
			}
			return s.Remove(ctx, "balance", "a")
		})
	})
	if value(db, "a") != "<missing>" {
		t.Error("removed entity still present")
	}
	apply(t, db, func(tx storage.Transaction) error { return tx.Revert(ctx, -1) })
	if head, _ := db.GetHead(ctx); head != nil {
		t.Errorf("expected empty head after full revert, got %v", head)
	}
}
