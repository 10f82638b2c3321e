// Package discovery publishes this node's sync address and reports the
// current set of peers, either from an etcd lease registry or from a
// memberlist gossip pool. Both deliver full id -> addr snapshots.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/zephyrsync/nodes/"

const (
	reregisterMin = 100 * time.Millisecond
	reregisterMax = 10 * time.Second
)

// PeersFunc receives a full snapshot of node id -> sync address. The map is
// owned by the callee.
type PeersFunc func(peers map[string]string)

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func peerKey(prefix, id string) string {
	return prefix + id
}

// Registration keeps this node's key in the registry. If the lease is lost,
// for example after an etcd outage longer than its TTL, the key is written
// again under a fresh lease.
type Registration struct {
	cli    *clientv3.Client
	key    string
	addr   string
	ttl    int64
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	lease clientv3.LeaseID
}

// RegisterNode writes id -> addr under a lease and keeps it registered until
// Close is called or ctx ends. The key disappears ttl seconds after the
// process stops renewing it.
func RegisterNode(ctx context.Context, cli *clientv3.Client, prefix, id, addr string, ttl int64, log *zap.Logger) (*Registration, error) {
	if log == nil {
		log = zap.NewNop()
	}
	kctx, cancel := context.WithCancel(ctx)
	r := &Registration{
		cli:    cli,
		key:    peerKey(prefix, id),
		addr:   addr,
		ttl:    ttl,
		log:    log.Named("etcd"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ch, err := r.register(kctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go r.keepAlive(kctx, ch)
	return r, nil
}

func (r *Registration) LeaseID() clientv3.LeaseID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease
}

// Close stops renewing and revokes the current lease, which removes the key.
func (r *Registration) Close(ctx context.Context) error {
	r.cancel()
	<-r.done
	if _, err := r.cli.Revoke(ctx, r.LeaseID()); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

func (r *Registration) register(ctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	lease, err := r.cli.Grant(ctx, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.cli.Put(ctx, r.key, r.addr, clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("register %s: %w", r.key, err)
	}
	ch, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("keepalive: %w", err)
	}
	r.mu.Lock()
	r.lease = lease.ID
	r.mu.Unlock()
	return ch, nil
}

// keepAlive drains renewals and re-registers whenever the channel closes
// while ctx is still live.
func (r *Registration) keepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(r.done)
	for {
		for range ch {
		}
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("lease lost, registering again", zap.String("key", r.key), zap.Int64("lease", int64(r.LeaseID())))

		backoff := reregisterMin
		for {
			var err error
			if ch, err = r.register(ctx); err == nil {
				r.log.Info("registered again", zap.String("key", r.key), zap.Int64("lease", int64(r.LeaseID())))
				break
			}
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("register failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, reregisterMax)
		}
	}
}

// GetPeers lists the registry and returns the revision it was read at.
func GetPeers(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id := strings.TrimPrefix(string(kv.Key), prefix); id != "" {
			peers[id] = string(kv.Value)
		}
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the current peers and again after every change,
// until ctx is done. A broken watch is re-established from a fresh listing.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix string, fn PeersFunc, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("etcd")

	for {
		peers, rev, err := GetPeers(ctx, cli, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("list peers failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}
		fn(copyPeers(peers))

		wch := cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				log.Warn("watch error", zap.Error(err))
				break
			}
			if applyEvents(peers, prefix, resp.Events) {
				fn(copyPeers(peers))
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Info("watch closed, relisting")
	}
}

// applyEvents folds watch events into peers and reports whether anything
// changed.
func applyEvents(peers map[string]string, prefix string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id := strings.TrimPrefix(string(ev.Kv.Key), prefix)
		if id == "" {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

func copyPeers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
