package coin

import (
	"math"
	"sync"
)

// Policy decides when a replica fan-out has succeeded.
type Policy struct {
	Name      string
	Threshold float64
	// Counts reports whether a reply is a success. Lost replies never are.
	Counts func(Message) bool
}

var (
	// PolicyMoneyChange applies funding and withdrawal. Any reply counts,
	// a rejection included.
	PolicyMoneyChange = Policy{Name: "money_change", Threshold: 0.5, Counts: arrived}

	// PolicyCashFlowUpdate needs replies that did not report a failure.
	PolicyCashFlowUpdate = Policy{Name: "cash_flow_update", Threshold: 0.5, Counts: statusOK}

	// PolicyBalance is a quorum read; replies carry balances for Majority.
	PolicyBalance = Policy{Name: "balance", Threshold: 0.8, Counts: arrived}
)

func arrived(Message) bool { return true }

func statusOK(m Message) bool {
	if !m.Head().Response {
		return false
	}
	switch r := m.(type) {
	case *CashFlowUpdateReplication:
		return r.Status.OK()
	case *CashFlowUpdate:
		return r.Status.OK()
	}
	return true
}

// Required is the smallest success count meeting threshold t over n.
func Required(t float64, n int) int {
	// tolerate float noise such as 0.8*10 = 8.000000000000002
	return int(math.Ceil(t*float64(n) - 1e-9))
}

// Outcome is a decided fan-out. Replies[i] is nil where replica i had not
// answered (or was lost) when the decision was made.
type Outcome struct {
	Successes int
	Total     int
	Replies   []Message
}

// Tally aggregates replica outcomes for one fan-out and decides exactly
// once.
type Tally struct {
	mu        sync.Mutex
	policy    Policy
	replies   []Message
	seen      []bool
	arrived   int
	successes int
	decided   bool
}

func NewTally(p Policy, n int) *Tally {
	return &Tally{
		policy:  p,
		replies: make([]Message, n),
		seen:    make([]bool, n),
	}
}

// Record stores replica i's outcome. When this record decides the
// fan-out, done is true and out holds the replies seen so far; err is
// set when the threshold was missed.
// Records after the decision, and repeats for the same i, return done
// false.
func (t *Tally) Record(i int, msg Message, err error) (out Outcome, done bool, qerr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.decided || i < 0 || i >= len(t.seen) || t.seen[i] {
		return Outcome{}, false, nil
	}
	t.seen[i] = true
	t.arrived++
	if err == nil && msg != nil {
		t.replies[i] = msg
		if t.policy.Counts(msg) {
			t.successes++
		}
	}
	return t.decide()
}

// Check decides a fan-out with no replies yet, which matters only for an
// empty replica set.
func (t *Tally) Check() (Outcome, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.decided {
		return Outcome{}, false, nil
	}
	if len(t.seen) == 0 {
		t.decided = true
		return Outcome{}, true, t.failure()
	}
	return t.decide()
}

func (t *Tally) decide() (Outcome, bool, error) {
	n := len(t.seen)
	if t.successes >= Required(t.policy.Threshold, n) {
		t.decided = true
		return t.outcome(), true, nil
	}
	if t.arrived == n {
		t.decided = true
		return t.outcome(), true, t.failure()
	}
	return Outcome{}, false, nil
}

func (t *Tally) outcome() Outcome {
	replies := make([]Message, len(t.replies))
	copy(replies, t.replies)
	return Outcome{Successes: t.successes, Total: len(t.seen), Replies: replies}
}

func (t *Tally) failure() error {
	return &QuorumError{Policy: t.policy.Name, Successes: t.successes, Total: len(t.seen)}
}
