// Package memstore is an in-memory stand-in for the pgx repositories, used by
// service and handler tests. Transactions hold per-row locks that fail fast
// like FOR UPDATE NOWAIT, and writes made inside a transaction are undone on
// rollback.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

// Store owns all tables. Use the typed views (Accounts, Credits, ...) as the
// repositories and Store itself as the db.TxBeginner.
type Store struct {
	mu    sync.Mutex
	locks map[string]*Tx

	accounts map[uuid.UUID]*models.Account
	credits  []*models.Transaction
	jobs     map[uuid.UUID]*models.GenerationJob
	events   map[string]string
	attempts []attemptRow

	Accounts *AccountStore
	Credits  *CreditStore
	Jobs     *JobStore
	Events   *EventStore
	Attempts *AttemptStore

	// BeginErr, when set, is returned by the next Begin call.
	BeginErr error
}

func New() *Store {
	s := &Store{
		locks:    make(map[string]*Tx),
		accounts: make(map[uuid.UUID]*models.Account),
		jobs:     make(map[uuid.UUID]*models.GenerationJob),
		events:   make(map[string]string),
	}
	s.Accounts = &AccountStore{s: s}
	s.Credits = &CreditStore{s: s}
	s.Jobs = &JobStore{s: s}
	s.Events = &EventStore{s: s}
	s.Attempts = &AttemptStore{s: s}
	return s
}

// Lockable tables accepted by Hold.
const (
	TableAccounts = "accounts"
	TableJobs     = "generation_jobs"
)

var _ db.TxBeginner = (*Store)(nil)

func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.BeginErr; err != nil {
		s.BeginErr = nil
		return nil, err
	}
	return &Tx{s: s}, nil
}

// Hold locks a row from outside any service call, the way a concurrent
// transaction would. The returned func releases it.
func (s *Store) Hold(table string, id fmt.Stringer) (release func()) {
	tx := &Tx{s: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := tx.lockLocked(table, id.String()); err != nil {
		panic(err)
	}
	return func() { _ = tx.Rollback(context.Background()) }
}

var errLockNotAvailable = &pgconn.PgError{
	Code:    pgerrcode.LockNotAvailable,
	Message: "could not obtain lock on row",
}

var errTxDone = errors.New("memstore: transaction already closed")

// Tx satisfies pgx.Tx. Only Commit and Rollback are meaningful; the SQL
// methods are inert because the typed stores never issue SQL.
type Tx struct {
	s      *Store
	held   []string
	undo   []func()
	closed bool
}

func (t *Tx) lockLocked(table, id string) error {
	key := table + ":" + id
	switch owner := t.s.locks[key]; owner {
	case nil:
		t.s.locks[key] = t
		t.held = append(t.held, key)
		return nil
	case t:
		return nil
	default:
		return errLockNotAvailable
	}
}

func (t *Tx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *Tx) releaseLocked() {
	for _, key := range t.held {
		if t.s.locks[key] == t {
			delete(t.s.locks, key)
		}
	}
	t.held = nil
	t.undo = nil
	t.closed = true
}

func (t *Tx) Commit(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.closed {
		return errTxDone
	}
	t.releaseLocked()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.closed {
		return pgx.ErrTxClosed
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.releaseLocked()
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errors.ErrUnsupported }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.ErrUnsupported
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.ErrUnsupported
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// txOf unwraps the caller's transaction and takes the store mutex. The caller
// must call s.mu.Unlock.
func (s *Store) txOf(tx pgx.Tx) (*Tx, error) {
	mt, ok := tx.(*Tx)
	if !ok || mt.s != s {
		return nil, errors.New("memstore: foreign transaction")
	}
	s.mu.Lock()
	if mt.closed {
		s.mu.Unlock()
		return nil, errTxDone
	}
	return mt, nil
}
