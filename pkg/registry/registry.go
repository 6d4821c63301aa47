// Package registry keeps cluster membership in etcd. Every node holds a
// leased key under Prefix; the lease dies with the node.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	Prefix     = "/zephyrcoin/nodes/"
	DefaultTTL = 10
)

// Member is what a node publishes about itself.
type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	HTTPAddr string `json:"http_addr"`
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func Key(id string) string { return Prefix + id }

// RegisterNode publishes m under a lease of ttl seconds and keeps the
// lease alive until cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, m Member, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	val, err := json.Marshal(m)
	if err != nil {
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, Key(m.ID), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", Key(m.ID), err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
			// drain so the client does not warn about a full channel
		}
		log.Info("lease keepalive stopped", zap.Int64("lease", int64(lease.ID)))
	}()
	return lease.ID, cancel, nil
}

// ListPeers returns every registered member keyed by id, and the store
// revision of the read.
func ListPeers(ctx context.Context, cli *clientv3.Client) (map[string]Member, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list peers: %w", err)
	}
	peers := make(map[string]Member, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if m, ok := decode(kv); ok {
			peers[m.ID] = m
		}
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full membership on start and after every
// change, until ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, log *zap.Logger, fn func(map[string]Member)) error {
	if log == nil {
		log = zap.NewNop()
	}
	peers, rev, err := ListPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	go func() {
		wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wr := range wch {
			if err := wr.Err(); err != nil {
				log.Warn("peer watch error", zap.Error(err))
				continue
			}
			if Apply(peers, wr.Events) {
				fn(maps.Clone(peers))
			}
		}
		log.Info("peer watch stopped")
	}()
	return nil
}

// Apply folds watch events into peers and reports whether it changed.
func Apply(peers map[string]Member, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		switch ev.Type {
		case mvccpb.PUT:
			m, ok := decode(ev.Kv)
			if !ok {
				continue
			}
			if old, ok := peers[m.ID]; !ok || old != m {
				peers[m.ID] = m
				changed = true
			}
		case mvccpb.DELETE:
			id := strings.TrimPrefix(string(ev.Kv.Key), Prefix)
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

func decode(kv *mvccpb.KeyValue) (Member, bool) {
	id := strings.TrimPrefix(string(kv.Key), Prefix)
	var m Member
	if err := json.Unmarshal(kv.Value, &m); err != nil {
		// bare address, as written by older nodes
		m = Member{Addr: string(kv.Value)}
	}
	m.ID = id
	return m, id != "" && m.Addr != ""
}
