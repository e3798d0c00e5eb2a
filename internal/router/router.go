// Package router implements the per-region session router. A Router decides
// which container agent serves a session request, provisioning new containers
// as needed, and keeps the last capacity each of its agents reported.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browser-router/internal/agent"
	"github.com/shehryarbajwa/browser-router/internal/brokererr"
	"github.com/shehryarbajwa/browser-router/internal/logging"
	"github.com/shehryarbajwa/browser-router/internal/metrics"
	"github.com/shehryarbajwa/browser-router/pkg/models"
)

// Policy selects how a router picks a container for a request.
type Policy string

const (
	// PolicyFresh provisions a new container for every request.
	PolicyFresh Policy = "fresh"
	// PolicyReuse sends requests to the agent with the most reported spare
	// capacity, provisioning only when no agent has any.
	PolicyReuse Policy = "reuse"
)

func (p Policy) Valid() bool {
	return p == PolicyFresh || p == PolicyReuse
}

// Options configures a Router.
type Options struct {
	Policy Policy
	// MaxContainers caps live containers in the region; zero means no cap.
	MaxContainers int
	IdleTimeout   time.Duration
	Agent         agent.Options
}

// Router fronts agent creation for one region.
//
// The router lock is never held while calling into an agent.
type Router struct {
	launcher agent.Launcher
	opts     Options
	root     logr.Logger
	logger   logr.Logger
	slots    *semaphore.Weighted
	newID    func() string
	now      func() time.Time

	mu          sync.RWMutex
	region      string
	initialized bool
	agents      map[string]*agent.Agent
	capacity    map[string]int
}

// New returns an uninitialized router. Initialize must be called before
// RequestSession.
func New(launcher agent.Launcher, opts Options, logger logr.Logger) *Router {
	if !opts.Policy.Valid() {
		opts.Policy = PolicyFresh
	}
	var slots *semaphore.Weighted
	if opts.MaxContainers > 0 {
		slots = semaphore.NewWeighted(int64(opts.MaxContainers))
	}
	return &Router{
		launcher: launcher,
		opts:     opts,
		root:     logger,
		logger:   logger.WithName("router"),
		slots:    slots,
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
		agents:   make(map[string]*agent.Agent),
		capacity: make(map[string]int),
	}
}

// ErrRegionChange is returned when an initialized router is asked to serve
// another region.
var ErrRegionChange = errors.New("router is already initialized for another region")

// Initialize sets the region label. Repeating it with the same region is a
// no-op that keeps existing agents and capacity reports. The region cannot
// change afterwards: agents and metric series are labelled with it.
func (r *Router) Initialize(region string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		if r.region == region {
			return nil
		}
		return fmt.Errorf("%w: serving %s, asked for %s", ErrRegionChange, r.region, region)
	}
	r.region = region
	r.initialized = true
	r.logger.V(logging.DEBUG).Info("Router initialized", "region", region)
	return nil
}

func (r *Router) log() logr.Logger {
	return r.logger.WithValues("region", r.Region())
}

func (r *Router) Region() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.region
}

// RequestSession reserves a session on a container in this region. Agent
// failures come back as *brokererr.RequestError; the router does not retry.
func (r *Router) RequestSession(ctx context.Context) (*models.SessionDetails, error) {
	r.mu.RLock()
	region, initialized := r.region, r.initialized
	r.mu.RUnlock()
	logger := r.logger.WithValues("region", region)
	if !initialized {
		return nil, &brokererr.RequestError{Err: brokererr.Newf(brokererr.Init, "", "router is not initialized")}
	}

	details, err := r.requestSession(ctx, logger)
	if err != nil {
		metrics.RecordSessionRequest(region, string(brokererr.KindOf(err)))
		return nil, &brokererr.RequestError{Region: region, Err: err}
	}
	metrics.RecordSessionRequest(region, "ok")
	return details, nil
}

func (r *Router) requestSession(ctx context.Context, logger logr.Logger) (*models.SessionDetails, error) {
	if r.opts.Policy == PolicyReuse {
		if a := r.pickReusable(); a != nil {
			logger.V(logging.DEBUG).Info("Reusing container", "containerId", a.ID())
			return a.NewSession(ctx)
		}
	}

	a, err := r.provision(ctx)
	if err != nil {
		return nil, err
	}
	return a.NewSession(ctx)
}

// pickReusable returns the ready agent with the most reported capacity, or nil.
func (r *Router) pickReusable() *agent.Agent {
	r.mu.RLock()
	type candidate struct {
		id       string
		capacity int
	}
	candidates := make([]candidate, 0, len(r.capacity))
	for id, c := range r.capacity {
		if c > 0 {
			candidates = append(candidates, candidate{id, c})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].capacity != candidates[j].capacity {
			return candidates[i].capacity > candidates[j].capacity
		}
		return candidates[i].id < candidates[j].id
	})
	agents := make([]*agent.Agent, 0, len(candidates))
	for _, c := range candidates {
		agents = append(agents, r.agents[c.id])
	}
	r.mu.RUnlock()

	for _, a := range agents {
		if a != nil && a.Ready() && a.Capacity() > 0 {
			return a
		}
	}
	return nil
}

// provision creates and initializes a new agent under a fresh container id.
// A failed agent is torn down before the error is returned.
func (r *Router) provision(ctx context.Context) (*agent.Agent, error) {
	if r.slots != nil && !r.slots.TryAcquire(1) {
		return nil, brokererr.Newf(brokererr.NoCapacity, "", "region is at its limit of %d containers", r.opts.MaxContainers)
	}

	id := r.newID()
	r.mu.Lock()
	region := r.region
	a := agent.New(id, region, r.launcher, r.opts.Agent, r.root, r.UpdateCapacity)
	r.agents[id] = a
	r.mu.Unlock()
	r.publishGauges()

	if err := a.Initialize(ctx); err != nil {
		r.log().Error(err, "Container failed to initialize", "containerId", id)
		r.discard(context.WithoutCancel(ctx), a)
		return nil, err
	}
	return a, nil
}

// UpdateCapacity records the latest capacity reported by an agent.
func (r *Router) UpdateCapacity(containerID string, capacity int) {
	r.mu.Lock()
	if _, ok := r.agents[containerID]; !ok {
		r.mu.Unlock()
		return
	}
	r.capacity[containerID] = capacity
	r.mu.Unlock()
	r.publishGauges()
}

// Capacity returns a copy of the capacity map.
func (r *Router) Capacity() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.capacity))
	for id, c := range r.capacity {
		out[id] = c
	}
	return out
}

// Agent looks up a live agent by container id.
func (r *Router) Agent(containerID string) (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[containerID]
	return a, ok
}

// Agents returns snapshots of every agent, ordered by container id.
func (r *Router) Agents() []agent.Snapshot {
	r.mu.RLock()
	agents := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	out := make([]agent.Snapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}

// discard forgets an agent and closes it.
func (r *Router) discard(ctx context.Context, a *agent.Agent) error {
	r.mu.Lock()
	_, ok := r.agents[a.ID()]
	delete(r.agents, a.ID())
	delete(r.capacity, a.ID())
	r.mu.Unlock()

	if ok && r.slots != nil {
		r.slots.Release(1)
	}
	r.publishGauges()

	if err := a.Close(ctx); err != nil {
		r.log().Error(err, "Failed to close agent", "containerId", a.ID())
		return err
	}
	return nil
}

// ReapIdle closes agents that have been idle longer than the idle timeout and
// returns how many were closed.
func (r *Router) ReapIdle(ctx context.Context) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	r.mu.RLock()
	agents := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	now := r.now()
	reaped := 0
	for _, a := range agents {
		since, idle := a.IdleSince()
		if !idle || now.Sub(since) < r.opts.IdleTimeout {
			continue
		}
		r.log().Info("Tearing down idle container", "containerId", a.ID(), "idleFor", now.Sub(since).String())
		r.discard(ctx, a)
		reaped++
	}
	return reaped
}

// RunReaper calls ReapIdle every interval until ctx is done.
func (r *Router) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapIdle(ctx)
		}
	}
}

// Close tears down every agent in parallel.
func (r *Router) Close(ctx context.Context) error {
	r.mu.RLock()
	agents := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, a := range agents {
		g.Go(func() error {
			return r.discard(ctx, a)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to close router %s: %w", r.Region(), err)
	}
	return nil
}

func (r *Router) publishGauges() {
	r.mu.RLock()
	region := r.region
	n := len(r.agents)
	total := 0
	for _, c := range r.capacity {
		total += c
	}
	r.mu.RUnlock()
	metrics.SetContainers(region, n)
	metrics.SetCapacity(region, total)
}
