// Package coin implements the replicated coin ledger protocol.
//
// Every node keeps a ledger of the accounts it replicates. An account is
// owned by its account root, the node responsible for the hash of the
// holder's id, and replicated on the root's replica set. Client operations
// (CashFlow, BalanceRequest, Funding, Withdrawal) are routed to the account
// root, which fans them out to the replicas and answers once a quorum
// policy is met. Requests that get no response within the message timeout
// fail with ErrMessageLost.
//
// Messages travel as length-prefixed XDR frames; see Encode and Decode.
package coin
