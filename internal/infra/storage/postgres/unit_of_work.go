package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// unitOfWork bundles the operations of one storage.Transaction into a single
// database transaction. Head and finalized head are kept in memory and
// written back by flush.
type unitOfWork struct {
	tx            *sqlx.Tx
	prevHead      *domain.BlockRef
	prevFinalized *domain.BlockRef

	head       *domain.BlockRef
	finalized  *domain.BlockRef
	boundaries []domain.BlockRef
}

func newUnitOfWork(ctx context.Context, tx *sqlx.Tx) (*unitOfWork, error) {
	var row statusRow
	if err := tx.GetContext(ctx, &row, selectStatus+` FOR UPDATE`); err != nil {
		return nil, fmt.Errorf("failed to lock sync status: %w", err)
	}

	var boundaries []domain.BlockRef
	if err := tx.SelectContext(ctx, &boundaries,
		`SELECT block_number, block_hash FROM hot_blocks ORDER BY block_number`); err != nil {
		return nil, fmt.Errorf("failed to read hot blocks: %w", err)
	}

	return &unitOfWork{
		tx:            tx,
		prevHead:      row.head(),
		prevFinalized: row.finalized(),
		head:          row.head(),
		finalized:     row.finalized(),
		boundaries:    boundaries,
	}, nil
}

func (u *unitOfWork) PrevHead() *domain.BlockRef          { return copyRef(u.prevHead) }
func (u *unitOfWork) PrevFinalizedHead() *domain.BlockRef { return copyRef(u.prevFinalized) }

// Revert restores every entity touched by the reverted change sets, newest
// first, then drops them.
func (u *unitOfWork) Revert(ctx context.Context, base int64) error {
	keep, head, err := storage.RevertPlan(u.head, u.finalized, u.boundaries, base)
	if err != nil {
		return err
	}
	reverted := u.boundaries[keep:]
	if len(reverted) == 0 {
		u.head = head
		return nil
	}

	numbers := make([]int64, len(reverted))
	for i, r := range reverted {
		numbers[i] = int64(r.Number)
	}

	var changes []struct {
		Entity   string `db:"entity"`
		EntityID string `db:"entity_id"`
		PrevData []byte `db:"prev_data"`
		Existed  bool   `db:"existed"`
	}
	err = u.tx.SelectContext(ctx, &changes, `
		SELECT entity, entity_id, prev_data, existed
		FROM hot_changes
		WHERE block_number = ANY($1)
		ORDER BY block_number DESC, id DESC`,
		pq.Array(numbers))
	if err != nil {
		return fmt.Errorf("failed to load hot changes: %w", err)
	}

	for _, c := range changes {
		if c.Existed {
			err = u.upsert(ctx, c.Entity, c.EntityID, c.PrevData)
		} else {
			err = u.remove(ctx, c.Entity, c.EntityID)
		}
		if err != nil {
			return err
		}
	}

	if _, err := u.tx.ExecContext(ctx,
		`DELETE FROM hot_blocks WHERE block_number = ANY($1)`, pq.Array(numbers)); err != nil {
		return fmt.Errorf("failed to delete hot blocks: %w", err)
	}

	u.boundaries = u.boundaries[:keep:keep]
	u.head = head
	return nil
}

func (u *unitOfWork) Finalize(ctx context.Context, ref domain.BlockRef) error {
	n, fin, err := storage.FinalizePlan(u.head, u.finalized, u.boundaries, ref)
	if err != nil || fin == nil {
		return err
	}
	if _, err := u.tx.ExecContext(ctx,
		`DELETE FROM hot_blocks WHERE block_number <= $1`, int64(fin.Number)); err != nil {
		return fmt.Errorf("failed to finalize hot blocks: %w", err)
	}
	u.boundaries = u.boundaries[n:]
	u.finalized = fin
	return nil
}

func (u *unitOfWork) ProcessFinalizedBlocks(ctx context.Context, last domain.BlockRef, fn storage.ProcessFunc) error {
	if err := storage.CheckExtends(u.head, last); err != nil {
		return err
	}
	if err := fn(ctx, &store{u: u}); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(ctx, `DELETE FROM hot_blocks`); err != nil {
		return fmt.Errorf("failed to finalize hot blocks: %w", err)
	}
	u.boundaries = nil
	u.head = domain.RefPtr(last)
	u.finalized = domain.RefPtr(last)
	return nil
}

func (u *unitOfWork) ProcessUnfinalizedBlocks(ctx context.Context, last domain.BlockRef, fn storage.ProcessFunc) error {
	if err := storage.CheckExtends(u.head, last); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(ctx,
		`INSERT INTO hot_blocks (block_number, block_hash) VALUES ($1, $2)`,
		int64(last.Number), last.Hash); err != nil {
		return fmt.Errorf("failed to record hot block: %w", err)
	}
	if err := fn(ctx, &store{u: u, hot: domain.RefPtr(last)}); err != nil {
		return err
	}
	u.boundaries = append(u.boundaries, last)
	u.head = domain.RefPtr(last)
	return nil
}

// flush writes head and finalized head back to sync_status.
func (u *unitOfWork) flush(ctx context.Context) error {
	headNum, headHash := fromRef(u.head)
	finNum, finHash := fromRef(u.finalized)
	_, err := u.tx.ExecContext(ctx, `
		UPDATE sync_status
		SET head_number = $1, head_hash = $2, finalized_number = $3, finalized_hash = $4, updated_at = now()
		WHERE id = 1`,
		headNum, headHash, finNum, finHash)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

func (u *unitOfWork) upsert(ctx context.Context, entity, id string, data []byte) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO entities (entity, entity_id, data) VALUES ($1, $2, $3)
		ON CONFLICT (entity, entity_id) DO UPDATE SET data = EXCLUDED.data`,
		entity, id, data)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", entity, id, err)
	}
	return nil
}

func (u *unitOfWork) remove(ctx context.Context, entity, id string) error {
	_, err := u.tx.ExecContext(ctx,
		`DELETE FROM entities WHERE entity = $1 AND entity_id = $2`, entity, id)
	if err != nil {
		return fmt.Errorf("failed to remove %s/%s: %w", entity, id, err)
	}
	return nil
}

// store is the storage.Store view of a unit of work. A non-nil hot ref
// records the previous value of each entity on first touch.
type store struct {
	u   *unitOfWork
	hot *domain.BlockRef
}

func (s *store) record(ctx context.Context, entity, id string) error {
	if s.hot == nil {
		return nil
	}
	_, err := s.u.tx.ExecContext(ctx, `
		INSERT INTO hot_changes (block_number, entity, entity_id, prev_data, existed)
		SELECT $1::BIGINT, $2::TEXT, $3::TEXT, e.data, e.entity IS NOT NULL
		FROM (SELECT 1) AS one
		LEFT JOIN entities e ON e.entity = $2::TEXT AND e.entity_id = $3::TEXT
		ON CONFLICT (block_number, entity, entity_id) DO NOTHING`,
		int64(s.hot.Number), entity, id)
	if err != nil {
		return fmt.Errorf("failed to record change of %s/%s: %w", entity, id, err)
	}
	return nil
}

func (s *store) Upsert(ctx context.Context, entity, id string, data []byte) error {
	if err := s.record(ctx, entity, id); err != nil {
		return err
	}
	return s.u.upsert(ctx, entity, id, data)
}

func (s *store) Get(ctx context.Context, entity, id string) ([]byte, error) {
	var data []byte
	err := s.u.tx.GetContext(ctx, &data,
		`SELECT data FROM entities WHERE entity = $1 AND entity_id = $2`, entity, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", entity, id, err)
	}
	return data, nil
}

func (s *store) Remove(ctx context.Context, entity, id string) error {
	if err := s.record(ctx, entity, id); err != nil {
		return err
	}
	return s.u.remove(ctx, entity, id)
}

func copyRef(r *domain.BlockRef) *domain.BlockRef {
	if r == nil {
		return nil
	}
	return domain.RefPtr(*r)
}
