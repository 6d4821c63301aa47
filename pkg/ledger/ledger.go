package ledger

import (
	"errors"
	"sync"

	"github.com/google/btree"

	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
)

var ErrUnknownAccount = errors.New("unknown account")

// Account is one balance held by this replica.
type Account struct {
	ID      ids.ID `json:"id"`
	Balance int64  `json:"balance"`
}

// Store is this node's partial view of the ledger: the accounts it holds
// as a replica. Accounts appear on first read or credit.
type Store struct {
	mu       sync.RWMutex
	accounts *btree.BTreeG[*Account]
}

func NewStore() *Store {
	return &Store{
		accounts: btree.NewG(16, func(a, b *Account) bool { return a.ID.Less(b.ID) }),
	}
}

// Balance returns the balance for id, opening a zero account if absent.
func (s *Store) Balance(id ids.ID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open(id, 0).Balance
}

// Get returns a copy of the account without creating it.
func (s *Store) Get(id ids.ID) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts.Get(&Account{ID: id})
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Add credits amount and returns the new balance. A missing account is
// opened with amount as its balance.
func (s *Store) Add(id ids.ID, amount int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts.Get(&Account{ID: id}); ok {
		a.Balance += amount
		return a.Balance
	}
	return s.open(id, amount).Balance
}

// Remove debits amount and returns the new balance. The balance may go
// negative; only accounts this replica has seen before can be debited.
func (s *Store) Remove(id ids.ID, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts.Get(&Account{ID: id})
	if !ok {
		return 0, ErrUnknownAccount
	}
	a.Balance -= amount
	return a.Balance, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts.Len()
}

// Accounts returns a snapshot ordered by account id.
func (s *Store) Accounts() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, s.accounts.Len())
	s.accounts.Ascend(func(a *Account) bool {
		out = append(out, *a)
		return true
	})
	return out
}

func (s *Store) open(id ids.ID, balance int64) *Account {
	if a, ok := s.accounts.Get(&Account{ID: id}); ok {
		return a
	}
	a := &Account{ID: id, Balance: balance}
	s.accounts.ReplaceOrInsert(a)
	return a
}
