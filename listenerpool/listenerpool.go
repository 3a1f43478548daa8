// Package listenerpool owns every namespace's listener for one instance
// (§4.3): map<namespace, listener>, with addNamespace/removeNamespace
// managing membership and start/stop broadcasting lifecycle changes to every
// member. Grounded on the teacher's SyncServiceImpl client-registration map
// (eventsync's clients/clientsMutex pattern), generalized from
// document→client registration to namespace→listener.
package listenerpool

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docsync/listener"
	"docsync/nsync"
	"docsync/remote"
)

// Pool owns one listener per namespace for the whole instance. All
// operations are serialized by a single instance-wide write lock (§4.3),
// the second lock in the module's ordered lock hierarchy (§5).
type Pool struct {
	mu        sync.Mutex
	service   remote.Service
	network   remote.NetworkMonitor
	auth      remote.AuthClient
	logger    *zap.Logger
	listeners map[nsync.Namespace]*listener.Listener
	running   bool

	edgesCancel context.CancelFunc
	edgesDone   chan struct{}
}

// Option configures optional Pool behavior, the functional-options shape
// used throughout this module (syncengine.Option, runner's constructor
// parameters).
type Option func(*Pool)

// WithNetworkMonitor installs the reachability monitor whose up-edges
// trigger every member listener to reopen (§4.2's restart policy, §5's
// wake-on-network-up), not just the periodic runner's sleep timer.
func WithNetworkMonitor(nm remote.NetworkMonitor) Option {
	return func(p *Pool) { p.network = nm }
}

// WithAuthClient installs the auth client whose logged-out→logged-in
// up-edges likewise trigger every member listener to reopen (§4.2).
func WithAuthClient(ac remote.AuthClient) Option {
	return func(p *Pool) { p.auth = ac }
}

// New creates an empty pool bound to service, used by every listener it
// creates.
func New(service remote.Service, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		service:   service,
		logger:    logger,
		listeners: make(map[nsync.Namespace]*listener.Listener),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lock/Unlock expose the pool's instance-wide lock (§5 lock 2). The sync
// engine does not call them; the pool's other methods take this lock
// themselves, so a caller holding it must not call them.
func (p *Pool) Lock()   { p.mu.Lock() }
func (p *Pool) Unlock() { p.mu.Unlock() }

// AddNamespace creates an idle listener for ns if one does not already
// exist. The listener is not started; the caller (or the pool's own
// Start, if the pool itself is already running) starts it explicitly.
func (p *Pool) AddNamespace(ns nsync.Namespace) *listener.Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.listeners[ns]; ok {
		return l
	}
	l := listener.New(ns, p.service, p.logger)
	p.listeners[ns] = l
	return l
}

// RemoveNamespace stops and evicts ns's listener, a no-op if ns is unknown.
func (p *Pool) RemoveNamespace(ns nsync.Namespace) {
	p.mu.Lock()
	l, ok := p.listeners[ns]
	if ok {
		delete(p.listeners, ns)
	}
	p.mu.Unlock()

	if ok {
		l.Stop()
	}
}

// Get returns ns's listener, or nil if ns is not a member of the pool.
func (p *Pool) Get(ns nsync.Namespace) *listener.Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners[ns]
}

// Namespaces returns every namespace currently in the pool.
func (p *Pool) Namespaces() []nsync.Namespace {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]nsync.Namespace, 0, len(p.listeners))
	for ns := range p.listeners {
		out = append(out, ns)
	}
	return out
}

// OnOpenedFunc is notified, per namespace, whenever (re)opening its
// listener actually opened a stream (as opposed to the do-not-open
// conditions of §4.2 — empty id set, offline, logged out). Callers use this
// to propagate listener.Listener's own internal staleness bit into
// config.NamespaceConfig.SetStale, since the pool has no reference to
// per-namespace config.
type OnOpenedFunc func(ns nsync.Namespace)

// Start opens every member listener whose namespace has synchronized ids,
// fanning the per-namespace Start calls out concurrently with
// golang.org/x/sync/errgroup and collecting the first error. If a network monitor
// or auth client was installed via WithNetworkMonitor/WithAuthClient, Start
// also launches a background watcher that reopens every member listener on
// every subsequent network-up or auth-up edge (§4.2's restart policy),
// stopped by a matching call to Stop.
func (p *Pool) Start(ctx context.Context, idsFor func(nsync.Namespace) []primitive.ObjectID, onOpened OnOpenedFunc) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	if err := p.openAll(ctx, idsFor, onOpened); err != nil {
		return err
	}

	if p.network != nil || p.auth != nil {
		edgesCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		p.mu.Lock()
		p.edgesCancel = cancel
		p.edgesDone = done
		p.mu.Unlock()
		go p.watchEdges(edgesCtx, done, idsFor, onOpened)
	}
	return nil
}

// openAll opens (or reopens) every member listener whose namespace has
// synchronized ids.
func (p *Pool) openAll(ctx context.Context, idsFor func(nsync.Namespace) []primitive.ObjectID, onOpened OnOpenedFunc) error {
	p.mu.Lock()
	members := make(map[nsync.Namespace]*listener.Listener, len(p.listeners))
	for ns, l := range p.listeners {
		members[ns] = l
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for ns, l := range members {
		ns, l := ns, l
		g.Go(func() error {
			opened, err := l.Start(gctx, idsFor(ns))
			if err != nil {
				return fmt.Errorf("start listener for %s: %w", ns, err)
			}
			if opened && onOpened != nil {
				onOpened(ns)
			}
			return nil
		})
	}
	return g.Wait()
}

// watchEdges reopens every member listener on every network-up or auth-up
// edge until ctx is canceled by Stop.
func (p *Pool) watchEdges(ctx context.Context, done chan struct{}, idsFor func(nsync.Namespace) []primitive.ObjectID, onOpened OnOpenedFunc) {
	defer close(done)

	var netUp, authUp <-chan struct{}
	if p.network != nil {
		netUp = p.network.OnUp()
	}
	if p.auth != nil {
		authUp = p.auth.OnLoggedIn()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-netUp:
		case <-authUp:
		}
		if err := p.openAll(ctx, idsFor, onOpened); err != nil {
			p.logger.Warn("reopen listeners after up-edge failed", zap.Error(err))
		}
	}
}

// Stop stops every member listener, the edge watcher if one was started,
// and marks the pool as not running.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.running = false
	members := make([]*listener.Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		members = append(members, l)
	}
	edgesCancel := p.edgesCancel
	edgesDone := p.edgesDone
	p.edgesCancel = nil
	p.edgesDone = nil
	p.mu.Unlock()

	if edgesCancel != nil {
		edgesCancel()
		<-edgesDone
	}

	var wg sync.WaitGroup
	for _, l := range members {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Stop()
		}()
	}
	wg.Wait()
}

// IsRunning reports whether Start has been called without a matching Stop.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
