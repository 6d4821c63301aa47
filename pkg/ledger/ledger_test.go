package ledger

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
)

func TestBalanceOpensZeroAccount(t *testing.T) {
	s := NewStore()
	id := ids.FromName("a")

	if _, ok := s.Get(id); ok {
		t.Fatalf("Get(a) ok before any reference")
	}
	if got := s.Balance(id); got != 0 {
		t.Fatalf("Balance = %d, want 0", got)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestAddOpensWithAmount(t *testing.T) {
	s := NewStore()
	id := ids.FromName("a")

	require.Equal(t, int64(25), s.Add(id, 25))
	require.Equal(t, int64(30), s.Add(id, 5))
	require.Equal(t, int64(30), s.Balance(id))
	require.Equal(t, 1, s.Len())
}

func TestRemoveUnknownAccount(t *testing.T) {
	s := NewStore()
	_, err := s.Remove(ids.FromName("ghost"), 10)
	require.ErrorIs(t, err, ErrUnknownAccount)
	require.Equal(t, 0, s.Len(), "Remove must not open an account")
}

func TestRemoveMayGoNegative(t *testing.T) {
	s := NewStore()
	id := ids.FromName("a")
	s.Balance(id)

	got, err := s.Remove(id, 40)
	require.NoError(t, err)
	require.Equal(t, int64(-40), got)
}

func TestAccountsSorted(t *testing.T) {
	s := NewStore()
	for i := range 20 {
		s.Add(ids.FromName(fmt.Sprintf("n%d", i)), int64(i))
	}
	accts := s.Accounts()
	require.Len(t, accts, 20)
	for i := 1; i < len(accts); i++ {
		require.True(t, accts[i-1].ID.Less(accts[i].ID), "accounts out of order at %d", i)
	}

	// snapshot is a copy
	accts[0].Balance = 1 << 40
	got, _ := s.Get(accts[0].ID)
	require.NotEqual(t, int64(1<<40), got.Balance)
}

func TestConcurrentCredits_NoRaces(t *testing.T) {
	s := NewStore()
	id := ids.FromName("hot")

	var wg sync.WaitGroup
	const G = 32
	const N = 500
	for range G {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range N {
				s.Add(id, 2)
				if i%2 == 0 {
					if _, err := s.Remove(id, 1); err != nil {
						t.Errorf("Remove: %v", err)
						return
					}
				}
				s.Balance(ids.FromName(fmt.Sprintf("cold-%d", i%7)))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(G*N*2-G*N/2), s.Balance(id))
}
