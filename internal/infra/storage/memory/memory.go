package memory

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// change is the value an entity had before a hot application touched it.
type change struct {
	key     string
	prev    []byte
	existed bool
}

type changeSet struct {
	last    domain.BlockRef
	undo    []change
	touched map[string]bool
}

// DB is an in-memory storage.Database. Transactions are serialized.
type DB struct {
	mu        sync.Mutex
	head      *domain.BlockRef
	finalized *domain.BlockRef
	entities  map[string][]byte
	hot       []*changeSet
}

func NewDB() *DB {
	return &DB{entities: make(map[string][]byte)}
}

func key(entity, id string) string { return entity + "/" + id }

func copyRef(r *domain.BlockRef) *domain.BlockRef {
	if r == nil {
		return nil
	}
	return domain.RefPtr(*r)
}

func (db *DB) GetHead(ctx context.Context) (*domain.BlockRef, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return copyRef(db.head), nil
}

func (db *DB) GetFinalizedHead(ctx context.Context) (*domain.BlockRef, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return copyRef(db.finalized), nil
}

func (db *DB) GetUnfinalizedBlocks(ctx context.Context, top uint64) ([]domain.BlockRef, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var refs []domain.BlockRef
	for i := len(db.hot) - 1; i >= 0; i-- {
		if db.hot[i].last.Number <= top {
			refs = append(refs, db.hot[i].last)
		}
	}
	return refs, nil
}

// Entity reads committed state outside a transaction.
func (db *DB) Entity(entity, id string) ([]byte, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.entities[key(entity, id)]
	return bytes.Clone(v), ok
}

func (db *DB) Transact(ctx context.Context, fn func(tx storage.Transaction) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx := &transaction{
		db:            db,
		prevHead:      copyRef(db.head),
		prevFinalized: copyRef(db.finalized),
		savedHot:      slices.Clone(db.hot),
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (db *DB) boundaries() []domain.BlockRef {
	refs := make([]domain.BlockRef, len(db.hot))
	for i, cs := range db.hot {
		refs[i] = cs.last
	}
	return refs
}

// transaction mutates the DB in place and keeps a journal to undo itself.
type transaction struct {
	db            *DB
	prevHead      *domain.BlockRef
	prevFinalized *domain.BlockRef
	savedHot      []*changeSet
	journal       []change
}

func (tx *transaction) PrevHead() *domain.BlockRef          { return copyRef(tx.prevHead) }
func (tx *transaction) PrevFinalizedHead() *domain.BlockRef { return copyRef(tx.prevFinalized) }

func (tx *transaction) Revert(ctx context.Context, base int64) error {
	db := tx.db
	keep, head, err := storage.RevertPlan(db.head, db.finalized, db.boundaries(), base)
	if err != nil {
		return err
	}
	for i := len(db.hot) - 1; i >= keep; i-- {
		cs := db.hot[i]
		for j := len(cs.undo) - 1; j >= 0; j-- {
			u := cs.undo[j]
			tx.set(u.key, u.prev, u.existed)
		}
	}
	db.hot = db.hot[:keep:keep]
	db.head = copyRef(head)
	return nil
}

func (tx *transaction) Finalize(ctx context.Context, ref domain.BlockRef) error {
	db := tx.db
	n, fin, err := storage.FinalizePlan(db.head, db.finalized, db.boundaries(), ref)
	if err != nil || fin == nil {
		return err
	}
	db.hot = slices.Clone(db.hot[n:])
	db.finalized = fin
	return nil
}

func (tx *transaction) ProcessFinalizedBlocks(ctx context.Context, last domain.BlockRef, fn storage.ProcessFunc) error {
	db := tx.db
	if err := storage.CheckExtends(db.head, last); err != nil {
		return err
	}
	if err := fn(ctx, &store{tx: tx}); err != nil {
		return err
	}
	db.hot = nil
	db.head = domain.RefPtr(last)
	db.finalized = domain.RefPtr(last)
	return nil
}

func (tx *transaction) ProcessUnfinalizedBlocks(ctx context.Context, last domain.BlockRef, fn storage.ProcessFunc) error {
	db := tx.db
	if err := storage.CheckExtends(db.head, last); err != nil {
		return err
	}
	cs := &changeSet{last: last, touched: make(map[string]bool)}
	if err := fn(ctx, &store{tx: tx, cs: cs}); err != nil {
		return err
	}
	db.hot = append(slices.Clone(db.hot), cs)
	db.head = domain.RefPtr(last)
	return nil
}

// set writes an entity and journals its previous value.
func (tx *transaction) set(k string, v []byte, exists bool) {
	prev, existed := tx.db.entities[k]
	tx.journal = append(tx.journal, change{key: k, prev: prev, existed: existed})
	if exists {
		tx.db.entities[k] = v
	} else {
		delete(tx.db.entities, k)
	}
}

func (tx *transaction) rollback() {
	db := tx.db
	for i := len(tx.journal) - 1; i >= 0; i-- {
		c := tx.journal[i]
		if c.existed {
			db.entities[c.key] = c.prev
		} else {
			delete(db.entities, c.key)
		}
	}
	db.head = tx.prevHead
	db.finalized = tx.prevFinalized
	db.hot = tx.savedHot
}

// store is the storage.Store view of a transaction. A non-nil cs records
// undo information for hot applications.
type store struct {
	tx *transaction
	cs *changeSet
}

func (s *store) write(k string, v []byte, exists bool) {
	if s.cs != nil && !s.cs.touched[k] {
		prev, existed := s.tx.db.entities[k]
		s.cs.undo = append(s.cs.undo, change{key: k, prev: prev, existed: existed})
		s.cs.touched[k] = true
	}
	s.tx.set(k, v, exists)
}

func (s *store) Upsert(ctx context.Context, entity, id string, data []byte) error {
	s.write(key(entity, id), bytes.Clone(data), true)
	return nil
}

func (s *store) Get(ctx context.Context, entity, id string) ([]byte, error) {
	v, ok := s.tx.db.entities[key(entity, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *store) Remove(ctx context.Context, entity, id string) error {
	s.write(key(entity, id), nil, false)
	return nil
}
