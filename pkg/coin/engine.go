package coin

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcoin/internal/telemetry"
	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
	"github.com/ryandielhenn/zephyrcoin/pkg/ledger"
)

// Overlay is what the engine needs from the routing substrate. Sends are
// best effort and must not block the caller.
type Overlay interface {
	// Route sends msg toward the node responsible for target. A non-nil
	// hint is used as the first hop.
	Route(target ids.ID, msg Message, hint *NodeHandle)
	SendDirect(to NodeHandle, msg Message)
	// ReplicaSet returns up to count nodes responsible for id, closest
	// first. It may be stale.
	ReplicaSet(id ids.ID, count int) []NodeHandle
	LocalHandle() NodeHandle
}

type Config struct {
	// ReplicationFactor is the number of replicas beyond the account
	// root; fan-outs address ReplicationFactor+1 nodes.
	ReplicationFactor int
	// MessageTimeout bounds client requests.
	MessageTimeout time.Duration
	// PropagationTimeout bounds each replica sub-request. Defaults to
	// MessageTimeout.
	PropagationTimeout time.Duration
	// SeenTransfers sizes the cache used to drop duplicate inbound
	// transfers and confirms.
	SeenTransfers int

	Ledger    *ledger.Store
	Scheduler Scheduler
	Logger    *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		ReplicationFactor: 10,
		MessageTimeout:    DefaultMessageTimeout,
		SeenTransfers:     4096,
	}
}

// Receipt acknowledges a funding or withdrawal: how many replicas of the
// account applied it out of how many were asked.
type Receipt struct {
	Acks     int `json:"acks"`
	Replicas int `json:"replicas"`
}

// Engine runs the coin protocol for one node: the client operations, the
// account-root fan-outs and the replica-side ledger updates.
type Engine struct {
	cfg     Config
	overlay Overlay
	ledger  *ledger.Store
	tracker *Tracker
	log     *zap.Logger

	uid atomic.Int32

	// (source, uid) of transfers already handled: inbound ones in seen and
	// confirmed, echoes of our own in seen
	seen      *lru.Cache
	confirmed *lru.Cache

	mu        sync.RWMutex
	onInbound []func(CashFlow)
}

type transferKey struct {
	source ids.ID
	uid    int32
}

func New(ov Overlay, cfg Config) (*Engine, error) {
	if cfg.ReplicationFactor < 0 {
		return nil, fmt.Errorf("replication factor %d < 0", cfg.ReplicationFactor)
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.PropagationTimeout <= 0 {
		cfg.PropagationTimeout = cfg.MessageTimeout
	}
	if cfg.SeenTransfers <= 0 {
		cfg.SeenTransfers = 4096
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	seen, err := lru.New(cfg.SeenTransfers)
	if err != nil {
		return nil, fmt.Errorf("seen transfers cache: %w", err)
	}
	confirmed, err := lru.New(cfg.SeenTransfers)
	if err != nil {
		return nil, fmt.Errorf("confirmed transfers cache: %w", err)
	}

	log := cfg.Logger.Named("engine").With(zap.Stringer("node", ov.LocalHandle()))
	e := &Engine{
		cfg:       cfg,
		overlay:   ov,
		ledger:    cfg.Ledger,
		tracker:   NewTracker(cfg.Scheduler, log.Named("tracker")),
		log:       log,
		seen:      seen,
		confirmed: confirmed,
	}
	// timeouts go through dispatch like any other message
	e.tracker.onExpire = func(m *MessageLost) { e.Deliver(m) }
	return e, nil
}

func (e *Engine) Local() NodeHandle { return e.overlay.LocalHandle() }

func (e *Engine) Ledger() *ledger.Store { return e.ledger }

// Pending is the number of requests awaiting a response.
func (e *Engine) Pending() int { return e.tracker.Len() }

// AccountRoot is the routing key of h's account.
func (e *Engine) AccountRoot(h NodeHandle) ids.ID { return ids.AccountRoot(h.ID) }

// OnInbound registers fn to run once for every confirmed transfer this
// node receives.
func (e *Engine) OnInbound(fn func(CashFlow)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onInbound = append(e.onInbound, fn)
}

// CashFlow transfers amount from this node to the node at to. The result
// is true once the root of this node's account confirms the debit. A
// debit or credit that fails its quorum fails the future.
func (e *Engine) CashFlow(to NodeHandle, amount int64) *Future[bool] {
	f := newFuture[bool]()
	started := time.Now()
	if amount < 0 {
		e.finish("cash_flow", started, ErrInvalidAmount)
		f.complete(false, ErrInvalidAmount)
		return f
	}
	self := e.Local()
	if to.ID == self.ID {
		e.finish("cash_flow", started, ErrSelfTransfer)
		f.complete(false, ErrSelfTransfer)
		return f
	}
	msg := &CashFlow{
		Header: Header{UID: e.nextUID(), Source: self, Dest: to.ID, DirectDest: to, Direct: true},
		Amount: amount,
	}
	e.log.Info("sending cash flow", zap.Int32("uid", msg.UID), zap.Int64("amount", amount), zap.Stringer("to", to))

	err := e.request(msg, func(_ Message, err error) {
		e.finish("cash_flow", started, err)
		f.complete(err == nil, err)
	}, e.cfg.MessageTimeout)
	if err != nil {
		f.complete(false, err)
		return f
	}
	e.send(to, msg)
	return f
}

// BalanceRequest reads the balance of of's account with a quorum read at
// its account root.
func (e *Engine) BalanceRequest(of NodeHandle) *Future[int64] {
	f := newFuture[int64]()
	started := time.Now()
	self := e.Local()
	root := ids.AccountRoot(of.ID)
	msg := &BalanceRequest{
		Header:    Header{UID: e.nextUID(), Source: self, Dest: root},
		Queried:   of,
		Requester: self,
	}
	e.log.Debug("requesting balance", zap.Int32("uid", msg.UID), zap.Stringer("of", of), zap.Stringer("root", root))

	err := e.request(msg, func(resp Message, err error) {
		var balance int64
		if err == nil {
			r, ok := resp.(*BalanceRequest)
			switch {
			case !ok:
				err = unexpected(resp)
			case r.Status == StatusNoConsensus:
				balance, err = r.Balance, ErrNoConsensus
			case !r.Status.OK():
				err = &QuorumError{Policy: PolicyBalance.Name, Successes: int(r.Acks), Total: int(r.Replicas)}
			default:
				balance = r.Balance
			}
		}
		e.finish("balance", started, err)
		f.complete(balance, err)
	}, e.cfg.MessageTimeout)
	if err != nil {
		f.complete(0, err)
		return f
	}
	e.route(root, msg)
	return f
}

// Funding credits target with amount. In a deployment the caller is the
// central authority converting real money into coin.
func (e *Engine) Funding(target NodeHandle, amount int64) *Future[Receipt] {
	f := newFuture[Receipt]()
	started := time.Now()
	if amount < 0 {
		e.finish("funding", started, ErrInvalidAmount)
		f.complete(Receipt{}, ErrInvalidAmount)
		return f
	}
	root := ids.AccountRoot(target.ID)
	msg := &Funding{
		Header: Header{UID: e.nextUID(), Source: e.Local(), Dest: root},
		Target: target,
		Amount: amount,
	}
	e.log.Info("funding", zap.Int32("uid", msg.UID), zap.Stringer("target", target), zap.Int64("amount", amount))

	err := e.request(msg, func(resp Message, err error) {
		var rc Receipt
		if err == nil {
			if r, ok := resp.(*Funding); ok {
				rc, err = receipt(r.Status, r.Acks, r.Replicas)
			} else {
				err = unexpected(resp)
			}
		}
		e.finish("funding", started, err)
		f.complete(rc, err)
	}, e.cfg.MessageTimeout)
	if err != nil {
		f.complete(Receipt{}, err)
		return f
	}
	e.route(root, msg)
	return f
}

// Withdrawal debits amount from this node's own account ahead of
// redeeming it outside the system.
func (e *Engine) Withdrawal(amount int64) *Future[Receipt] {
	f := newFuture[Receipt]()
	started := time.Now()
	if amount < 0 {
		e.finish("withdrawal", started, ErrInvalidAmount)
		f.complete(Receipt{}, ErrInvalidAmount)
		return f
	}
	self := e.Local()
	root := ids.AccountRoot(self.ID)
	msg := &Withdrawal{
		Header: Header{UID: e.nextUID(), Source: self, Dest: root},
		Amount: amount,
	}
	e.log.Info("withdrawing", zap.Int32("uid", msg.UID), zap.Int64("amount", amount))

	err := e.request(msg, func(resp Message, err error) {
		var rc Receipt
		if err == nil {
			if r, ok := resp.(*Withdrawal); ok {
				rc, err = receipt(r.Status, r.Acks, r.Replicas)
			} else {
				err = unexpected(resp)
			}
		}
		e.finish("withdrawal", started, err)
		f.complete(rc, err)
	}, e.cfg.MessageTimeout)
	if err != nil {
		f.complete(Receipt{}, err)
		return f
	}
	e.route(root, msg)
	return f
}

func receipt(s Status, acks, replicas int32) (Receipt, error) {
	return Receipt{Acks: int(acks), Replicas: int(replicas)}, statusError(PolicyMoneyChange, s, acks, replicas)
}

// statusError turns the status of a fan-out response into the caller's
// error.
func statusError(p Policy, s Status, acks, replicas int32) error {
	switch {
	case s == StatusUnknownAccount:
		return fmt.Errorf("%s: %w", p.Name, ledger.ErrUnknownAccount)
	case !s.OK():
		return &QuorumError{Policy: p.Name, Successes: int(acks), Total: int(replicas)}
	}
	return nil
}

func unexpected(m Message) error {
	return fmt.Errorf("unexpected response %s for uid %d", m.Kind(), m.Head().UID)
}

func (e *Engine) nextUID() int32 { return e.uid.Add(1) }

// request registers h for msg's uid. The caller sends msg afterwards so a
// fast response always finds its handler.
func (e *Engine) request(msg Message, h Handler, timeout time.Duration) error {
	if err := e.tracker.Register(msg.Head().UID, msg.Kind(), h, timeout); err != nil {
		e.log.Error("cannot track request", zap.Error(err))
		return err
	}
	return nil
}

func (e *Engine) send(to NodeHandle, msg Message) {
	telemetry.MessagesTotal.WithLabelValues(msg.Kind().String(), "out").Inc()
	e.overlay.SendDirect(to, msg)
}

func (e *Engine) route(target ids.ID, msg Message) {
	telemetry.MessagesTotal.WithLabelValues(msg.Kind().String(), "out").Inc()
	e.overlay.Route(target, msg, nil)
}

func (e *Engine) finish(op string, started time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrMessageLost):
		outcome = "lost"
	case errors.Is(err, ErrQuorumNotReached):
		outcome = "quorum"
	case errors.Is(err, ledger.ErrUnknownAccount):
		outcome = "unknown_account"
	default:
		outcome = "error"
	}
	telemetry.ObserveOperation(op, outcome, started)
	if err != nil {
		e.log.Warn("operation failed", zap.String("op", op), zap.Error(err))
	}
}

// propagate fans a message out to the replica set of key and reports the
// policy's decision to done exactly once.
func (e *Engine) propagate(key ids.ID, p Policy, build func(uid int32, replica NodeHandle) Message, done func(Outcome, error)) {
	replicas := e.overlay.ReplicaSet(key, e.cfg.ReplicationFactor+1)
	e.log.Debug("propagating", zap.String("policy", p.Name), zap.Stringer("key", key), zap.Int("replicas", len(replicas)))

	tally := NewTally(p, len(replicas))
	decide := func(out Outcome, decided bool, err error) {
		if !decided {
			return
		}
		if err != nil {
			telemetry.QuorumTotal.WithLabelValues(p.Name, "failed").Inc()
			e.log.Warn("quorum not reached", zap.String("policy", p.Name), zap.Stringer("key", key), zap.Error(err))
		} else {
			telemetry.QuorumTotal.WithLabelValues(p.Name, "reached").Inc()
			e.log.Debug("quorum reached", zap.String("policy", p.Name), zap.Int("successes", out.Successes), zap.Int("total", out.Total))
		}
		done(out, err)
	}

	if len(replicas) == 0 {
		decide(tally.Check())
		return
	}
	for i, r := range replicas {
		msg := build(e.nextUID(), r)
		err := e.tracker.Register(msg.Head().UID, msg.Kind(), func(resp Message, err error) {
			decide(tally.Record(i, resp, err))
		}, e.cfg.PropagationTimeout)
		if err != nil {
			decide(tally.Record(i, nil, err))
			continue
		}
		e.send(r, msg)
	}
}
