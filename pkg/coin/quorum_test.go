package coin

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequired(t *testing.T) {
	tests := []struct {
		threshold float64
		n, want   int
	}{
		{0.5, 1, 1},
		{0.5, 2, 1},
		{0.5, 3, 2},
		{0.5, 11, 6},
		{0.8, 5, 4},
		{0.8, 10, 8},
		{0.8, 11, 9},
		{0.8, 1, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.1f/%d", tt.threshold, tt.n), func(t *testing.T) {
			got := Required(tt.threshold, tt.n)
			require.Equal(t, tt.want, got)
			require.GreaterOrEqual(t, float64(got), tt.threshold*float64(tt.n)-1e-9)
		})
	}
}

func reply(uid int32) Message {
	return &AddMoney{Header: Header{UID: uid, Response: true}, Status: StatusOK}
}

func TestTallyDecidesAtThreshold(t *testing.T) {
	tl := NewTally(PolicyMoneyChange, 4)

	_, done, err := tl.Record(0, reply(1), nil)
	require.False(t, done)
	require.NoError(t, err)

	out, done, err := tl.Record(2, reply(3), nil)
	require.True(t, done)
	require.NoError(t, err)
	require.Equal(t, 2, out.Successes)
	require.Equal(t, 4, out.Total)
	require.NotNil(t, out.Replies[0])
	require.Nil(t, out.Replies[1])
	require.NotNil(t, out.Replies[2])

	// later replies are ignored
	_, done, _ = tl.Record(1, reply(2), nil)
	require.False(t, done)
}

func TestTallyLostNeverCounts(t *testing.T) {
	tl := NewTally(PolicyMoneyChange, 3)
	lost := &LostError{UID: 1, Kind: KindAddMoney}

	_, done, _ := tl.Record(0, nil, lost)
	require.False(t, done)
	_, done, _ = tl.Record(1, reply(2), nil)
	require.False(t, done)
	_, done, err := tl.Record(2, nil, lost)
	require.True(t, done)

	var qe *QuorumError
	require.True(t, errors.As(err, &qe))
	require.ErrorIs(t, err, ErrQuorumNotReached)
	require.Equal(t, 1, qe.Successes)
	require.Equal(t, 3, qe.Total)
	require.Equal(t, "money_change: had only 1 successful replies out of 3", err.Error())
}

func TestTallyRepeatedIndexIgnored(t *testing.T) {
	tl := NewTally(PolicyBalance, 2)
	_, done, _ := tl.Record(0, reply(1), nil)
	require.False(t, done)
	_, done, _ = tl.Record(0, reply(1), nil)
	require.False(t, done)
	out, done, err := tl.Record(1, reply(2), nil)
	require.True(t, done)
	require.NoError(t, err)
	require.Equal(t, 2, out.Successes)
}

func TestTallyEmptyReplicaSet(t *testing.T) {
	tl := NewTally(PolicyBalance, 0)
	_, done, err := tl.Check()
	require.True(t, done)
	var qe *QuorumError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, 0, qe.Total)

	_, done, _ = tl.Check()
	require.False(t, done)
}

func TestCashFlowUpdatePolicyRejectsFailedStatus(t *testing.T) {
	ok := &CashFlowUpdateReplication{Header: Header{Response: true}, Status: StatusOK}
	failed := &CashFlowUpdateReplication{Header: Header{Response: true}, Status: StatusFailed}
	request := &CashFlowUpdateReplication{}

	require.True(t, PolicyCashFlowUpdate.Counts(ok))
	require.False(t, PolicyCashFlowUpdate.Counts(failed))
	require.False(t, PolicyCashFlowUpdate.Counts(request))
	require.True(t, PolicyMoneyChange.Counts(&RemoveMoney{Status: StatusFailed}))

	// one success of two meets 0.5
	tl := NewTally(PolicyCashFlowUpdate, 2)
	tl.Record(0, failed, nil)
	_, done, err := tl.Record(1, ok, nil)
	require.True(t, done)
	require.NoError(t, err)

	tl = NewTally(PolicyCashFlowUpdate, 3)
	tl.Record(0, failed, nil)
	tl.Record(1, ok, nil)
	out, done, err := tl.Record(2, failed, nil)
	require.True(t, done)
	require.ErrorIs(t, err, ErrQuorumNotReached)
	var qe *QuorumError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, QuorumError{Policy: PolicyCashFlowUpdate.Name, Successes: 1, Total: 3}, *qe)
	require.Len(t, out.Replies, 3)
	require.Same(t, failed, out.Replies[0])
}

// Whatever the arrival order, a successful outcome always satisfies
// successes >= threshold * total.
func TestTallySuccessMeetsThreshold(t *testing.T) {
	for _, p := range []Policy{PolicyMoneyChange, PolicyBalance} {
		for n := 1; n <= 12; n++ {
			for lost := 0; lost <= n; lost++ {
				tl := NewTally(p, n)
				var (
					out     Outcome
					decided bool
					err     error
				)
				for i := 0; i < n && !decided; i++ {
					if i < lost {
						out, decided, err = tl.Record(i, nil, ErrMessageLost)
					} else {
						out, decided, err = tl.Record(i, reply(int32(i)), nil)
					}
				}
				require.True(t, decided, "%s n=%d lost=%d", p.Name, n, lost)
				if err == nil {
					require.GreaterOrEqual(t, float64(out.Successes), p.Threshold*float64(n)-1e-9)
				} else {
					require.Less(t, float64(n-lost), p.Threshold*float64(n))
				}
			}
		}
	}
}

func TestAppliedStatusCountsOnlyAppliedReplies(t *testing.T) {
	applied := &RemoveMoney{Header: Header{Response: true}, Status: StatusOK}
	unknown := &RemoveMoney{Header: Header{Response: true}, Status: StatusUnknownAccount}

	tests := []struct {
		name    string
		replies []Message
		err     error
		status  Status
		acks    int32
	}{
		{"all unknown", []Message{unknown, unknown, nil}, nil, StatusUnknownAccount, 0},
		{"mixed", []Message{applied, unknown, nil}, nil, StatusOK, 1},
		{"all applied", []Message{applied, applied, applied}, nil, StatusOK, 3},
		{"quorum missed", []Message{applied, nil, nil}, &QuorumError{Successes: 1, Total: 3}, StatusFailed, 1},
		{"quorum missed on unknown", []Message{unknown, nil, nil}, &QuorumError{Successes: 1, Total: 3}, StatusUnknownAccount, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Outcome{Successes: 2, Total: 3, Replies: tt.replies}
			status, acks, total := appliedStatus(out, tt.err)
			require.Equal(t, tt.status, status)
			require.Equal(t, tt.acks, acks)
			require.EqualValues(t, 3, total)
		})
	}
}
