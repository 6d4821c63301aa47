package coin

import (
	"fmt"

	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
)

// Kind is the wire type code of a message.
type Kind uint16

const (
	KindCashFlow Kind = iota + 1
	KindCashFlowUpdate
	KindCashFlowUpdateReplication
	KindCashFlowConfirm
	KindBalanceRequest
	KindBalanceRequestPropagated
	KindFunding
	KindWithdrawal
	KindAddMoney
	KindRemoveMoney
	KindMessageLost
)

var kindNames = map[Kind]string{
	KindCashFlow:                  "cash_flow",
	KindCashFlowUpdate:            "cash_flow_update",
	KindCashFlowUpdateReplication: "cash_flow_update_replication",
	KindCashFlowConfirm:           "cash_flow_confirm",
	KindBalanceRequest:            "balance_request",
	KindBalanceRequestPropagated:  "balance_request_propagated",
	KindFunding:                   "funding",
	KindWithdrawal:                "withdrawal",
	KindAddMoney:                  "add_money",
	KindRemoveMoney:               "remove_money",
	KindMessageLost:               "message_lost",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Status is the outcome a response carries. Unset means the responder
// did not say, which callers treat as success.
type Status int32

const (
	StatusUnset Status = iota
	StatusOK
	StatusFailed
	// StatusNoConsensus marks a balance read whose replicas disagreed.
	StatusNoConsensus
	// StatusUnknownAccount marks a debit of an account no replica holds.
	StatusUnknownAccount
)

func (s Status) OK() bool { return s == StatusUnset || s == StatusOK }

// NodeHandle addresses a node: its overlay id and transport address.
type NodeHandle struct {
	ID   ids.ID
	Addr string
}

func (h NodeHandle) IsZero() bool { return h.ID.IsEmpty() && h.Addr == "" }

func (h NodeHandle) String() string {
	return fmt.Sprintf("%s@%s", h.ID.Short(), h.Addr)
}

// Header is carried by every message. Dest is the routing key; DirectDest
// is set instead when the message goes straight to a known node.
type Header struct {
	UID        int32
	Source     NodeHandle
	Dest       ids.ID
	DirectDest NodeHandle
	Direct     bool
	Response   bool
}

func (h *Header) Head() *Header { return h }

func (h *Header) isMessage() {}

// Message is the closed set of protocol messages. Dispatch is a type
// switch over the concrete pointer types below.
type Message interface {
	Kind() Kind
	Head() *Header
	isMessage()
}

// CashFlow moves Amount from Source to DirectDest.
type CashFlow struct {
	Header
	Amount int64
}

// CashFlowUpdate asks the account root of Updated to apply one side of
// Transfer. Sender is the party that issued the update.
type CashFlowUpdate struct {
	Header
	Transfer CashFlow
	Sender   NodeHandle
	Updated  ids.ID
	Status   Status
	Acks     int32
	Replicas int32
}

// CashFlowUpdateReplication carries an update from the account root
// (Source) to one replica.
type CashFlowUpdateReplication struct {
	Header
	Update CashFlowUpdate
	Status Status
}

// CashFlowConfirm reports the outcome of one side of Transfer, the side
// of account Updated, to the parties of the transfer.
type CashFlowConfirm struct {
	Header
	Transfer CashFlow
	Updated  ids.ID
	Status   Status
	Acks     int32
	Replicas int32
}

// BalanceRequest reads the balance of Queried through its account root.
type BalanceRequest struct {
	Header
	Queried   NodeHandle
	Requester NodeHandle
	Balance   int64
	Status    Status
	Acks      int32
	Replicas  int32
}

// BalanceRequestPropagated is the account root's per-replica read.
type BalanceRequestPropagated struct {
	Header
	Request BalanceRequest
	Balance int64
}

// Funding credits Target with Amount on behalf of the funding source.
type Funding struct {
	Header
	Target   NodeHandle
	Amount   int64
	Status   Status
	Acks     int32
	Replicas int32
}

// Withdrawal debits Amount from the initiator (Source).
type Withdrawal struct {
	Header
	Amount   int64
	Status   Status
	Acks     int32
	Replicas int32
}

// AddMoney credits Updated on a single replica.
type AddMoney struct {
	Header
	Updated ids.ID
	Amount  int64
	Status  Status
}

// RemoveMoney debits Updated on a single replica.
type RemoveMoney struct {
	Header
	Updated ids.ID
	Amount  int64
	Status  Status
}

// MessageLost is synthesized locally when a request times out. It never
// crosses the wire.
type MessageLost struct {
	Header
	Lost   Kind
	Target ids.ID
}

func (*CashFlow) Kind() Kind                  { return KindCashFlow }
func (*CashFlowUpdate) Kind() Kind            { return KindCashFlowUpdate }
func (*CashFlowUpdateReplication) Kind() Kind { return KindCashFlowUpdateReplication }
func (*CashFlowConfirm) Kind() Kind           { return KindCashFlowConfirm }
func (*BalanceRequest) Kind() Kind            { return KindBalanceRequest }
func (*BalanceRequestPropagated) Kind() Kind  { return KindBalanceRequestPropagated }
func (*Funding) Kind() Kind                   { return KindFunding }
func (*Withdrawal) Kind() Kind                { return KindWithdrawal }
func (*AddMoney) Kind() Kind                  { return KindAddMoney }
func (*RemoveMoney) Kind() Kind               { return KindRemoveMoney }
func (*MessageLost) Kind() Kind               { return KindMessageLost }

// newMessage returns an empty value for a wire type code.
func newMessage(k Kind) (Message, error) {
	switch k {
	case KindCashFlow:
		return new(CashFlow), nil
	case KindCashFlowUpdate:
		return new(CashFlowUpdate), nil
	case KindCashFlowUpdateReplication:
		return new(CashFlowUpdateReplication), nil
	case KindCashFlowConfirm:
		return new(CashFlowConfirm), nil
	case KindBalanceRequest:
		return new(BalanceRequest), nil
	case KindBalanceRequestPropagated:
		return new(BalanceRequestPropagated), nil
	case KindFunding:
		return new(Funding), nil
	case KindWithdrawal:
		return new(Withdrawal), nil
	case KindAddMoney:
		return new(AddMoney), nil
	case KindRemoveMoney:
		return new(RemoveMoney), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(k))
}
