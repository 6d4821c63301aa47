package coin

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcoin/internal/telemetry"
	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
	"github.com/ryandielhenn/zephyrcoin/pkg/ledger"
)

// Deliver advances the protocol with one inbound message. It is safe to
// call from many goroutines; failures are reported to the handlers of the
// affected requests and never stop later deliveries.
func (e *Engine) Deliver(msg Message) {
	direction := "in"
	if msg.Kind() == KindMessageLost {
		direction = "local"
	}
	telemetry.MessagesTotal.WithLabelValues(msg.Kind().String(), direction).Inc()
	e.log.Debug("received message",
		zap.Stringer("kind", msg.Kind()),
		zap.Int32("uid", msg.Head().UID),
		zap.Bool("response", msg.Head().Response),
		zap.Stringer("from", msg.Head().Source),
	)

	switch m := msg.(type) {
	case *CashFlow:
		e.onCashFlow(m)
	case *CashFlowUpdate:
		e.onCashFlowUpdate(m)
	case *CashFlowUpdateReplication:
		e.onCashFlowUpdateReplication(m)
	case *CashFlowConfirm:
		e.onCashFlowConfirm(m)
	case *BalanceRequest:
		e.onBalanceRequest(m)
	case *BalanceRequestPropagated:
		e.onBalanceRequestPropagated(m)
	case *Funding:
		e.onFunding(m)
	case *Withdrawal:
		e.onWithdrawal(m)
	case *AddMoney:
		e.onAddMoney(m)
	case *RemoveMoney:
		e.onRemoveMoney(m)
	case *MessageLost:
		e.onMessageLost(m)
	default:
		e.log.Error("received message of unknown type", zap.Stringer("kind", msg.Kind()))
	}
}

// resolve hands a response to its pending request.
func (e *Engine) resolve(m Message) {
	if !e.tracker.Resolve(m.Head().UID, m) {
		e.log.Debug("response without pending request",
			zap.Stringer("kind", m.Kind()), zap.Int32("uid", m.Head().UID))
	}
}

func (e *Engine) onCashFlow(m *CashFlow) {
	self := e.Local()
	if m.Response {
		// our transfer was acknowledged by the receiver: credit its account.
		// The debit confirm may already have resolved the uid.
		if m.Source.ID != self.ID || m.UID > e.uid.Load() {
			e.log.Debug("cash flow echo for a transfer we did not send", zap.Int32("uid", m.UID))
			return
		}
		if dup, _ := e.seen.ContainsOrAdd(transferKey{self.ID, m.UID}, struct{}{}); dup {
			return
		}
		uid := m.UID
		e.sendCashFlowUpdate(m.DirectDest, *m, func(_ Message, err error) {
			if err == nil {
				return
			}
			if !e.tracker.Fail(uid, fmt.Errorf("credit %s: %w", m.DirectDest, err)) {
				e.log.Warn("credit failed after the transfer settled", zap.Int32("uid", uid), zap.Error(err))
			}
		})
		return
	}

	if m.DirectDest.ID != self.ID {
		e.log.Warn("cash flow for another node", zap.Stringer("dest", m.DirectDest))
		return
	}
	if dup, _ := e.seen.ContainsOrAdd(transferKey{m.Source.ID, m.UID}, struct{}{}); dup {
		e.log.Debug("duplicate inbound cash flow", zap.Int32("uid", m.UID), zap.Stringer("from", m.Source))
		return
	}
	e.log.Info("inbound cash flow", zap.Int32("uid", m.UID), zap.Int64("amount", m.Amount), zap.Stringer("from", m.Source))

	echo := *m
	echo.Response = true
	e.send(m.Source, &echo)

	// debit the sender; its account root reports the outcome to the sender
	source := m.Source
	e.sendCashFlowUpdate(source, *m, func(_ Message, err error) {
		if err != nil {
			e.log.Warn("debit update failed", zap.Stringer("account", source), zap.Error(err))
		}
	})
}

// sendCashFlowUpdate asks the account root of updated to apply its side of
// transfer.
func (e *Engine) sendCashFlowUpdate(updated NodeHandle, transfer CashFlow, h Handler) {
	self := e.Local()
	root := ids.AccountRoot(updated.ID)
	transfer.Response = false
	upd := &CashFlowUpdate{
		Header:   Header{UID: e.nextUID(), Source: self, Dest: root},
		Transfer: transfer,
		Sender:   self,
		Updated:  updated.ID,
	}
	e.log.Debug("sending cash flow update", zap.Int32("uid", upd.UID), zap.Stringer("account", updated), zap.Stringer("root", root))

	err := e.request(upd, func(resp Message, err error) {
		if err == nil {
			if r, ok := resp.(*CashFlowUpdate); ok {
				err = statusError(PolicyCashFlowUpdate, r.Status, r.Acks, r.Replicas)
			} else {
				err = unexpected(resp)
			}
		}
		h(resp, err)
	}, e.cfg.MessageTimeout)
	if err != nil {
		h(nil, err)
		return
	}
	e.route(root, upd)
}

func (e *Engine) onCashFlowUpdate(m *CashFlowUpdate) {
	if m.Response {
		e.resolve(m)
		return
	}
	self := e.Local()
	e.propagate(m.Dest, PolicyCashFlowUpdate, func(uid int32, replica NodeHandle) Message {
		return &CashFlowUpdateReplication{
			Header: Header{UID: uid, Source: self, Dest: replica.ID, DirectDest: replica, Direct: true},
			Update: *m,
		}
	}, func(out Outcome, err error) {
		resp := *m
		resp.Response = true
		resp.Status, resp.Acks, resp.Replicas = appliedStatus(out, err)
		switch {
		case resp.Status.OK():
			e.confirm(&resp, m.Transfer.Source)
			if m.Transfer.DirectDest.ID != m.Transfer.Source.ID {
				e.confirm(&resp, m.Transfer.DirectDest)
			}
		case m.Updated == m.Transfer.Source.ID:
			// the sender waits on the debit
			e.confirm(&resp, m.Transfer.Source)
		}
		e.send(m.Sender, &resp)
	})
}

func (e *Engine) confirm(upd *CashFlowUpdate, to NodeHandle) {
	t := upd.Transfer
	c := &CashFlowConfirm{
		Header:   Header{UID: t.UID, Source: e.Local(), Dest: to.ID, DirectDest: to, Direct: true, Response: true},
		Transfer: t,
		Updated:  upd.Updated,
		Status:   upd.Status,
		Acks:     upd.Acks,
		Replicas: upd.Replicas,
	}
	e.send(to, c)
}

func (e *Engine) onCashFlowUpdateReplication(m *CashFlowUpdateReplication) {
	if m.Response {
		e.resolve(m)
		return
	}
	resp := *m
	resp.Response = true
	resp.Status = StatusOK

	u := m.Update
	amount := u.Transfer.Amount
	if u.Updated == u.Transfer.DirectDest.ID {
		bal := e.ledger.Add(u.Updated, amount)
		e.log.Debug("credited account", zap.Stringer("account", u.Updated), zap.Int64("amount", amount), zap.Int64("balance", bal))
	} else {
		bal, err := e.ledger.Remove(u.Updated, amount)
		if err != nil {
			resp.Status = removeStatus(err)
			e.log.Warn("cannot debit account", zap.Stringer("account", u.Updated), zap.Error(err))
		} else {
			e.log.Debug("debited account", zap.Stringer("account", u.Updated), zap.Int64("amount", amount), zap.Int64("balance", bal))
		}
	}
	telemetry.LedgerAccounts.Set(float64(e.ledger.Len()))
	e.send(m.Source, &resp)
}

func (e *Engine) onCashFlowConfirm(m *CashFlowConfirm) {
	self := e.Local()
	t := m.Transfer
	switch {
	case t.Source.ID == self.ID:
		if m.Updated != self.ID {
			e.log.Debug("cash flow credit confirmed", zap.Int32("uid", t.UID), zap.Stringer("by", m.Source))
			return
		}
		if err := statusError(PolicyCashFlowUpdate, m.Status, m.Acks, m.Replicas); err != nil {
			if e.tracker.Fail(t.UID, fmt.Errorf("debit %s: %w", t.Source, err)) {
				e.log.Warn("cash flow debit failed", zap.Int32("uid", t.UID), zap.Error(err))
			}
			return
		}
		if e.tracker.Resolve(t.UID, m) {
			e.log.Info("cash flow confirmed", zap.Int32("uid", t.UID), zap.Stringer("by", m.Source))
		}
	case t.DirectDest.ID == self.ID:
		if m.Updated != self.ID || !m.Status.OK() {
			return
		}
		if dup, _ := e.confirmed.ContainsOrAdd(transferKey{t.Source.ID, t.UID}, struct{}{}); dup {
			return
		}
		e.log.Info("inbound cash flow confirmed", zap.Int32("uid", t.UID), zap.Int64("amount", t.Amount), zap.Stringer("from", t.Source))
		e.mu.RLock()
		listeners := e.onInbound
		e.mu.RUnlock()
		for _, fn := range listeners {
			fn(t)
		}
	default:
		e.log.Warn("cash flow confirm for another node", zap.Int32("uid", t.UID))
	}
}

func (e *Engine) onBalanceRequest(m *BalanceRequest) {
	if m.Response {
		e.resolve(m)
		return
	}
	self := e.Local()
	e.propagate(m.Dest, PolicyBalance, func(uid int32, replica NodeHandle) Message {
		return &BalanceRequestPropagated{
			Header:  Header{UID: uid, Source: self, Dest: replica.ID, DirectDest: replica, Direct: true},
			Request: *m,
		}
	}, func(out Outcome, err error) {
		resp := *m
		resp.Response = true
		resp.Status, resp.Acks, resp.Replicas = quorumStatus(out, err)
		if err == nil {
			values := make([]*int64, len(out.Replies))
			for i, r := range out.Replies {
				if p, ok := r.(*BalanceRequestPropagated); ok {
					v := p.Balance
					values[i] = &v
				}
			}
			resp.Balance = Majority(values)
			if resp.Balance == NoConsensus {
				resp.Status = StatusNoConsensus
			}
			e.log.Debug("balance resolved", zap.Stringer("of", m.Queried), zap.Int64("balance", resp.Balance))
		}
		e.send(m.Requester, &resp)
	})
}

func (e *Engine) onBalanceRequestPropagated(m *BalanceRequestPropagated) {
	if m.Response {
		e.resolve(m)
		return
	}
	resp := *m
	resp.Response = true
	resp.Balance = e.ledger.Balance(m.Request.Queried.ID)
	telemetry.LedgerAccounts.Set(float64(e.ledger.Len()))
	e.send(m.Source, &resp)
}

func (e *Engine) onFunding(m *Funding) {
	if m.Response {
		e.resolve(m)
		return
	}
	self := e.Local()
	e.log.Info("applying funding", zap.Stringer("target", m.Target), zap.Int64("amount", m.Amount))
	e.propagate(m.Dest, PolicyMoneyChange, func(uid int32, replica NodeHandle) Message {
		return &AddMoney{
			Header:  Header{UID: uid, Source: self, Dest: replica.ID, DirectDest: replica, Direct: true},
			Updated: m.Target.ID,
			Amount:  m.Amount,
		}
	}, func(out Outcome, err error) {
		resp := *m
		resp.Response = true
		resp.Status, resp.Acks, resp.Replicas = appliedStatus(out, err)
		e.send(m.Source, &resp)
	})
}

func (e *Engine) onWithdrawal(m *Withdrawal) {
	if m.Response {
		e.resolve(m)
		return
	}
	self := e.Local()
	e.log.Info("applying withdrawal", zap.Stringer("account", m.Source), zap.Int64("amount", m.Amount))
	e.propagate(m.Dest, PolicyMoneyChange, func(uid int32, replica NodeHandle) Message {
		return &RemoveMoney{
			Header:  Header{UID: uid, Source: self, Dest: replica.ID, DirectDest: replica, Direct: true},
			Updated: m.Source.ID,
			Amount:  m.Amount,
		}
	}, func(out Outcome, err error) {
		resp := *m
		resp.Response = true
		resp.Status, resp.Acks, resp.Replicas = appliedStatus(out, err)
		if resp.Status == StatusUnknownAccount {
			e.log.Warn("withdrawal from unknown account", zap.Stringer("account", m.Source))
		}
		e.send(m.Source, &resp)
	})
}

func (e *Engine) onAddMoney(m *AddMoney) {
	if m.Response {
		e.resolve(m)
		return
	}
	bal := e.ledger.Add(m.Updated, m.Amount)
	telemetry.LedgerAccounts.Set(float64(e.ledger.Len()))
	e.log.Debug("added money", zap.Stringer("account", m.Updated), zap.Int64("amount", m.Amount), zap.Int64("balance", bal))

	resp := *m
	resp.Response = true
	resp.Status = StatusOK
	e.send(m.Source, &resp)
}

func (e *Engine) onRemoveMoney(m *RemoveMoney) {
	if m.Response {
		e.resolve(m)
		return
	}
	resp := *m
	resp.Response = true
	resp.Status = StatusOK
	bal, err := e.ledger.Remove(m.Updated, m.Amount)
	if err != nil {
		resp.Status = removeStatus(err)
		e.log.Warn("cannot remove money", zap.Stringer("account", m.Updated), zap.Error(err))
	} else {
		e.log.Debug("removed money", zap.Stringer("account", m.Updated), zap.Int64("amount", m.Amount), zap.Int64("balance", bal))
	}
	e.send(m.Source, &resp)
}

func (e *Engine) onMessageLost(m *MessageLost) {
	if !e.tracker.Fail(m.UID, &LostError{UID: m.UID, Kind: m.Lost}) {
		e.log.Debug("message lost without pending request", zap.Int32("uid", m.UID))
		return
	}
	e.log.Warn("message lost", zap.Int32("uid", m.UID), zap.Stringer("kind", m.Lost))
}

// quorumStatus turns a fan-out decision into response fields.
func quorumStatus(out Outcome, err error) (Status, int32, int32) {
	var qe *QuorumError
	if errors.As(err, &qe) {
		return StatusFailed, int32(qe.Successes), int32(qe.Total)
	}
	if err != nil {
		return StatusFailed, 0, 0
	}
	return StatusOK, int32(out.Successes), int32(out.Total)
}

// appliedStatus is quorumStatus for fan-outs that change balances: the
// ack count covers only the replicas that applied the change, and a
// decision whose every reply rejected an unknown account reports
// StatusUnknownAccount.
func appliedStatus(out Outcome, err error) (Status, int32, int32) {
	status, _, total := quorumStatus(out, err)
	var arrived, applied, unknown int32
	for _, r := range out.Replies {
		if r == nil {
			continue
		}
		arrived++
		switch replyStatus(r) {
		case StatusUnset, StatusOK:
			applied++
		case StatusUnknownAccount:
			unknown++
		}
	}
	if arrived > 0 && unknown == arrived {
		return StatusUnknownAccount, 0, total
	}
	return status, applied, total
}

func replyStatus(m Message) Status {
	switch r := m.(type) {
	case *AddMoney:
		return r.Status
	case *RemoveMoney:
		return r.Status
	case *CashFlowUpdateReplication:
		return r.Status
	}
	return StatusUnset
}

func removeStatus(err error) Status {
	if errors.Is(err, ledger.ErrUnknownAccount) {
		return StatusUnknownAccount
	}
	return StatusFailed
}
