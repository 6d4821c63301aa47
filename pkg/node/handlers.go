package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcoin/internal/telemetry"
	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
	"github.com/ryandielhenn/zephyrcoin/pkg/ledger"
)

// Router wires every endpoint with request metrics.
func (n *Node) Router() *mux.Router {
	r := mux.NewRouter()
	route := func(path, op string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, telemetry.Instrument(op, h)).Methods(methods...)
	}
	route("/healthz", "healthz", n.Healthz, http.MethodGet)
	route("/info", "info", n.Info, http.MethodGet)
	route("/peers", "peers", n.PeerList, http.MethodGet)
	route("/ledger", "ledger", n.Ledger, http.MethodGet)
	route("/balance/{node}", "balance", n.Balance, http.MethodGet)
	route("/cashflow", "cashflow", n.CashFlow, http.MethodPost)
	route("/funding", "funding", n.Funding, http.MethodPost)
	route("/withdrawal", "withdrawal", n.Withdrawal, http.MethodPost)
	r.Handle("/metrics", telemetry.MetricsHandler()).Methods(http.MethodGet)
	return r
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing this node.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID      int       `json:"pid"`
		Now      time.Time `json:"now"`
		Name     string    `json:"name"`
		ID       string    `json:"id"`
		Addr     string    `json:"addr"`
		Accounts int       `json:"accounts"`
		Pending  int       `json:"pending"`
		Peers    int       `json:"peers"`
	}
	self := n.Handle()
	writeJSON(w, http.StatusOK, resp{
		PID:      os.Getpid(),
		Now:      time.Now(),
		Name:     n.name,
		ID:       self.ID.String(),
		Addr:     self.Addr,
		Accounts: n.engine.Ledger().Len(),
		Pending:  n.engine.Pending(),
		Peers:    len(n.overlay.Peers()),
	})
}

func (n *Node) PeerList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.Peers())
}

// Ledger dumps the accounts this node replicates.
func (n *Node) Ledger(w http.ResponseWriter, _ *http.Request) {
	accounts := n.engine.Ledger().Accounts()
	if accounts == nil {
		accounts = []ledger.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (n *Node) Balance(w http.ResponseWriter, req *http.Request) {
	ref := mux.Vars(req)["node"]
	of, ok := n.overlay.Lookup(ref)
	if !ok {
		http.Error(w, "unknown node "+ref, http.StatusNotFound)
		return
	}
	ctx, cancel := n.wait(req)
	defer cancel()
	v, err := n.engine.BalanceRequest(of).Wait(ctx)
	if err != nil {
		n.fail(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": of.ID.String(), "balance": v})
}

func (n *Node) CashFlow(w http.ResponseWriter, req *http.Request) {
	var body struct {
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	if !decode(w, req, &body) {
		return
	}
	to, ok := n.overlay.Lookup(body.To)
	if !ok {
		http.Error(w, "unknown node "+body.To, http.StatusNotFound)
		return
	}
	ctx, cancel := n.wait(req)
	defer cancel()
	ok, err := n.engine.CashFlow(to, body.Amount).Wait(ctx)
	if err != nil {
		n.fail(w, "cashflow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "to": to.ID.String(), "amount": body.Amount})
}

func (n *Node) Funding(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Target string `json:"target"`
		Amount int64  `json:"amount"`
	}
	if !decode(w, req, &body) {
		return
	}
	target, ok := n.overlay.Lookup(body.Target)
	if !ok {
		http.Error(w, "unknown node "+body.Target, http.StatusNotFound)
		return
	}
	ctx, cancel := n.wait(req)
	defer cancel()
	rc, err := n.engine.Funding(target, body.Amount).Wait(ctx)
	if err != nil {
		n.fail(w, "funding", err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (n *Node) Withdrawal(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if !decode(w, req, &body) {
		return
	}
	ctx, cancel := n.wait(req)
	defer cancel()
	rc, err := n.engine.Withdrawal(body.Amount).Wait(ctx)
	if err != nil {
		n.fail(w, "withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (n *Node) wait(req *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(req.Context(), n.Timeout)
}

// StatusFor maps an operation error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, coin.ErrInvalidAmount), errors.Is(err, coin.ErrSelfTransfer):
		return http.StatusBadRequest
	case errors.Is(err, coin.ErrMessageLost), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, coin.ErrQuorumNotReached):
		return http.StatusServiceUnavailable
	case errors.Is(err, coin.ErrNoConsensus):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (n *Node) fail(w http.ResponseWriter, op string, err error) {
	code := StatusFor(err)
	n.log.Info("request failed", zap.String("op", op), zap.Int("status", code), zap.Error(err))
	http.Error(w, err.Error(), code)
}

func decode(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
