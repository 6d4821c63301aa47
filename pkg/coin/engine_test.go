package coin_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
	"github.com/ryandielhenn/zephyrcoin/pkg/ledger"
	"github.com/ryandielhenn/zephyrcoin/pkg/overlay"
	"github.com/ryandielhenn/zephyrcoin/pkg/ring"
	"github.com/ryandielhenn/zephyrcoin/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testNet struct {
	hub      *transport.Hub
	overlays []*overlay.Overlay
	engines  []*coin.Engine
}

func newTestNet(t *testing.T, n int, tweak func(*coin.Config)) *testNet {
	t.Helper()
	tn := &testNet{hub: transport.NewHub()}

	var handles []coin.NodeHandle
	for i := range n {
		name := fmt.Sprintf("node-%d", i)
		handles = append(handles, coin.NodeHandle{ID: ids.FromName(name), Addr: name})
	}
	for _, h := range handles {
		ov := overlay.New(h, ring.New(32, nil), nil, nil)
		ov.SetPeers(handles)

		cfg := coin.DefaultConfig()
		cfg.ReplicationFactor = 2
		cfg.MessageTimeout = 2 * time.Second
		if tweak != nil {
			tweak(&cfg)
		}
		e, err := coin.New(ov, cfg)
		require.NoError(t, err)
		ov.SetDeliver(e.Deliver)

		tn.overlays = append(tn.overlays, ov)
		tn.engines = append(tn.engines, e)
	}
	for i, h := range handles {
		ov := tn.overlays[i]
		ov.SetSender(tn.hub.Join(h.Addr, ov.Deliver))
	}
	t.Cleanup(tn.settle)
	return tn
}

// settle waits for in-flight traffic to drain.
func (tn *testNet) settle() {
	for range 3 {
		for _, ov := range tn.overlays {
			ov.Wait()
		}
		tn.hub.Wait()
	}
}

func (tn *testNet) handle(i int) coin.NodeHandle { return tn.engines[i].Local() }

// replicas returns the indexes of the nodes holding i's account.
func (tn *testNet) replicas(i int) []int {
	set := tn.overlays[0].ReplicaSet(ids.AccountRoot(tn.handle(i).ID), 3)
	var out []int
	for _, h := range set {
		for j := range tn.engines {
			if tn.handle(j) == h {
				out = append(out, j)
			}
		}
	}
	return out
}

func wait[T any](t *testing.T, f *coin.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return v, err
}

func (tn *testNet) requireBalance(t *testing.T, from, of int, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := tn.engines[from].BalanceRequest(tn.handle(of)).Wait(ctx)
		return err == nil && v == want
	}, 5*time.Second, 20*time.Millisecond, "balance of node %d never reached %d", of, want)
}

func TestFundingThenBalance(t *testing.T) {
	tn := newTestNet(t, 5, nil)

	rc, err := wait(t, tn.engines[0].Funding(tn.handle(1), 100))
	require.NoError(t, err)
	require.Equal(t, 3, rc.Replicas)
	require.GreaterOrEqual(t, rc.Acks, 2)

	tn.requireBalance(t, 3, 1, 100)
	tn.requireBalance(t, 1, 1, 100)

	// every replica holds the account, nobody else does
	tn.settle()
	holders := map[int]bool{}
	for _, j := range tn.replicas(1) {
		holders[j] = true
	}
	for j, e := range tn.engines {
		acct, ok := e.Ledger().Get(tn.handle(1).ID)
		if holders[j] {
			require.True(t, ok)
			require.Equal(t, int64(100), acct.Balance)
		} else {
			require.False(t, ok, "node %d should not replicate the account", j)
		}
	}
}

func TestUnknownAccountReadsZero(t *testing.T) {
	tn := newTestNet(t, 4, nil)
	v, err := wait(t, tn.engines[2].BalanceRequest(tn.handle(0)))
	require.NoError(t, err)
	require.Equal(t, int64(0), v)
}

func TestCashFlowConservesMoney(t *testing.T) {
	tn := newTestNet(t, 6, nil)
	a, b := 0, 4

	var inbound atomic.Int32
	tn.engines[b].OnInbound(func(cf coin.CashFlow) {
		if cf.Source.ID == tn.handle(a).ID && cf.Amount == 30 {
			inbound.Add(1)
		}
	})

	_, err := wait(t, tn.engines[5].Funding(tn.handle(a), 100))
	require.NoError(t, err)
	tn.requireBalance(t, a, a, 100)

	ok, err := wait(t, tn.engines[a].CashFlow(tn.handle(b), 30))
	require.NoError(t, err)
	require.True(t, ok)

	tn.requireBalance(t, 2, a, 70)
	tn.requireBalance(t, 2, b, 30)

	require.Eventually(t, func() bool { return inbound.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	tn.settle()
	require.Equal(t, int32(1), inbound.Load())
	require.Equal(t, 0, tn.engines[a].Pending())
}

func TestWithdrawalMayGoNegative(t *testing.T) {
	tn := newTestNet(t, 4, nil)

	// a balance read opens the account at every replica
	v, err := wait(t, tn.engines[0].BalanceRequest(tn.handle(2)))
	require.NoError(t, err)
	require.Zero(t, v)

	rc, err := wait(t, tn.engines[2].Withdrawal(50))
	require.NoError(t, err)
	require.Equal(t, 3, rc.Replicas)
	require.GreaterOrEqual(t, rc.Acks, 2)

	tn.requireBalance(t, 0, 2, -50)
}

func TestWithdrawalFromUnknownAccount(t *testing.T) {
	tn := newTestNet(t, 4, nil)

	rc, err := wait(t, tn.engines[2].Withdrawal(50))
	require.ErrorIs(t, err, ledger.ErrUnknownAccount)
	require.NotErrorIs(t, err, coin.ErrQuorumNotReached)
	require.Zero(t, rc.Acks)
	require.Equal(t, 3, rc.Replicas)

	tn.settle()
	for _, i := range tn.replicas(2) {
		_, ok := tn.engines[i].Ledger().Get(tn.handle(2).ID)
		require.False(t, ok, "replica %d opened the account", i)
	}
}

func TestCashFlowFromUnfundedSenderFails(t *testing.T) {
	tn := newTestNet(t, 6, nil)
	a, b := 0, 4

	ok, err := wait(t, tn.engines[a].CashFlow(tn.handle(b), 30))
	require.False(t, ok)
	require.ErrorIs(t, err, ledger.ErrUnknownAccount)
	require.ErrorContains(t, err, "debit")

	tn.settle()
	require.Equal(t, 0, tn.engines[a].Pending())
}

func TestCashFlowCreditFailureFailsSender(t *testing.T) {
	tn := newTestNet(t, 6, func(c *coin.Config) { c.PropagationTimeout = 100 * time.Millisecond })

	// the debit confirm must cross the hub to be dropped, so the sender
	// may not be its own account root
	a := -1
	for i := range tn.engines {
		if root, _ := tn.overlays[0].Owner(ids.AccountRoot(tn.handle(i).ID)); root != tn.handle(i) {
			a = i
			break
		}
	}
	require.NotEqual(t, -1, a)
	b := (a + 1) % len(tn.engines)
	ida, idb := tn.handle(a).ID, tn.handle(b).ID

	tn.hub.SetDrop(func(_, _ string, msg coin.Message) bool {
		switch m := msg.(type) {
		case *coin.CashFlowUpdateReplication:
			return m.Update.Updated == idb
		case *coin.CashFlowConfirm:
			return m.Updated == ida
		}
		return false
	})

	ok, err := wait(t, tn.engines[a].CashFlow(tn.handle(b), 30))
	require.False(t, ok)
	require.ErrorIs(t, err, coin.ErrQuorumNotReached)
	require.ErrorContains(t, err, "credit")
	var qe *coin.QuorumError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, coin.PolicyCashFlowUpdate.Name, qe.Policy)
	require.Equal(t, 3, qe.Total)
	require.Less(t, qe.Successes, 2)
}

func TestRejectsBadArguments(t *testing.T) {
	tn := newTestNet(t, 2, nil)

	_, err := wait(t, tn.engines[0].Funding(tn.handle(1), -1))
	require.ErrorIs(t, err, coin.ErrInvalidAmount)
	_, err = wait(t, tn.engines[0].Withdrawal(-1))
	require.ErrorIs(t, err, coin.ErrInvalidAmount)
	_, err = wait(t, tn.engines[0].CashFlow(tn.handle(1), -1))
	require.ErrorIs(t, err, coin.ErrInvalidAmount)
	_, err = wait(t, tn.engines[0].CashFlow(tn.handle(0), 1))
	require.ErrorIs(t, err, coin.ErrSelfTransfer)
}

func TestRequestTimesOut(t *testing.T) {
	tn := newTestNet(t, 4, func(c *coin.Config) { c.MessageTimeout = 100 * time.Millisecond })
	tn.hub.SetDrop(func(_, _ string, msg coin.Message) bool {
		return msg.Kind() == coin.KindBalanceRequest && !msg.Head().Response
	})

	// pick a querier that is not the root so the request has to cross
	// the hub
	querier := 0
	root, _ := tn.overlays[0].Owner(ids.AccountRoot(tn.handle(1).ID))
	if root == tn.handle(0) {
		querier = 2
	}

	started := time.Now()
	_, err := wait(t, tn.engines[querier].BalanceRequest(tn.handle(1)))
	require.ErrorIs(t, err, coin.ErrMessageLost)
	var lost *coin.LostError
	require.True(t, errors.As(err, &lost))
	require.Equal(t, coin.KindBalanceRequest, lost.Kind)
	require.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
	require.Equal(t, 0, tn.engines[querier].Pending())
}

func TestFundingQuorumFailure(t *testing.T) {
	tn := newTestNet(t, 5, func(c *coin.Config) { c.PropagationTimeout = 100 * time.Millisecond })
	tn.hub.SetDrop(func(_, _ string, msg coin.Message) bool {
		return msg.Kind() == coin.KindAddMoney
	})
	// the root delivers to itself without the hub, so at most 1 of 3
	// replicas applies the credit

	rc, err := wait(t, tn.engines[0].Funding(tn.handle(1), 10))
	require.ErrorIs(t, err, coin.ErrQuorumNotReached)
	var qe *coin.QuorumError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, 3, qe.Total)
	require.LessOrEqual(t, qe.Successes, 1)
	require.Equal(t, 3, rc.Replicas)
}

func TestBalanceNoConsensus(t *testing.T) {
	tn := newTestNet(t, 5, nil)
	_, err := wait(t, tn.engines[0].Funding(tn.handle(3), 40))
	require.NoError(t, err)
	tn.requireBalance(t, 0, 3, 40)

	// one replica drifts
	reps := tn.replicas(3)
	require.Len(t, reps, 3)
	tn.engines[reps[len(reps)-1]].Ledger().Add(tn.handle(3).ID, 1)

	v, err := wait(t, tn.engines[1].BalanceRequest(tn.handle(3)))
	require.ErrorIs(t, err, coin.ErrNoConsensus)
	require.Equal(t, coin.NoConsensus, v)
}

func TestBalanceQuorumFailure(t *testing.T) {
	tn := newTestNet(t, 5, func(c *coin.Config) { c.PropagationTimeout = 100 * time.Millisecond })
	tn.hub.SetDrop(func(_, _ string, msg coin.Message) bool {
		return msg.Kind() == coin.KindBalanceRequestPropagated && !msg.Head().Response
	})
	// only the root's own read answers: 1 of 3 is short of 0.8

	v, err := wait(t, tn.engines[0].BalanceRequest(tn.handle(2)))
	require.ErrorIs(t, err, coin.ErrQuorumNotReached)
	var qe *coin.QuorumError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, coin.PolicyBalance.Name, qe.Policy)
	require.Equal(t, 3, qe.Total)
	require.LessOrEqual(t, qe.Successes, 1)
	require.Zero(t, v)
}
