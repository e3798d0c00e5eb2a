package region

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browser-router/internal/agent"
	"github.com/shehryarbajwa/browser-router/internal/logging"
	"github.com/shehryarbajwa/browser-router/internal/router"
	"github.com/shehryarbajwa/browser-router/pkg/models"
)

// Region identifies a geographical region.
type Region string

const (
	RegionUSWest2    Region = "us-west-2"
	RegionUSEast1    Region = "us-east-1"
	RegionEUCentral1 Region = "eu-central-1"
)

// DefaultRegions are served when no region list is configured.
var DefaultRegions = []Region{RegionUSWest2, RegionUSEast1, RegionEUCentral1}

// ImageEnsurer is implemented by launchers that need their image present
// before they can launch.
type ImageEnsurer interface {
	EnsureImage(ctx context.Context) error
}

// Manager owns one session router per served region. Routers are created and
// initialized on first use.
type Manager struct {
	launcher      agent.Launcher
	opts          router.Options
	regions       map[Region]bool
	defaultRegion Region
	logger        logr.Logger

	mu      sync.RWMutex
	routers map[Region]*router.Router
}

// NewManager returns a manager serving regions. defaultRegion receives
// requests for regions that are not served and must be one of regions.
func NewManager(launcher agent.Launcher, regions []Region, defaultRegion Region, opts router.Options, logger logr.Logger) (*Manager, error) {
	if len(regions) == 0 {
		regions = DefaultRegions
	}
	served := make(map[Region]bool, len(regions))
	for _, r := range regions {
		if r == "" {
			return nil, fmt.Errorf("empty region name")
		}
		served[r] = true
	}
	if defaultRegion == "" {
		defaultRegion = regions[0]
	}
	if !served[defaultRegion] {
		return nil, fmt.Errorf("default region %s is not served", defaultRegion)
	}

	return &Manager{
		launcher:      launcher,
		opts:          opts,
		regions:       served,
		defaultRegion: defaultRegion,
		logger:        logger,
		routers:       make(map[Region]*router.Router),
	}, nil
}

// RouteSession resolves the region a request should be served from.
func (m *Manager) RouteSession(requestedRegion string) Region {
	region := Region(requestedRegion)
	if m.regions[region] {
		return region
	}
	return m.defaultRegion
}

// Router returns the router for region, creating it on first use.
func (m *Manager) Router(region Region) (*router.Router, error) {
	if !m.regions[region] {
		return nil, fmt.Errorf("unsupported region: %s", region)
	}

	m.mu.RLock()
	r, ok := m.routers[region]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.routers[region]; ok {
		return r, nil
	}
	r = router.New(m.launcher, m.opts, m.logger)
	if err := r.Initialize(string(region)); err != nil {
		return nil, err
	}
	m.routers[region] = r
	return r, nil
}

// RequestSession routes a request to its region's router.
func (m *Manager) RequestSession(ctx context.Context, requestedRegion string) (*models.SessionDetails, Region, error) {
	region := m.RouteSession(requestedRegion)
	r, err := m.Router(region)
	if err != nil {
		return nil, region, err
	}
	details, err := r.RequestSession(ctx)
	return details, region, err
}

// FindAgent looks up the agent for containerID in any region.
func (m *Manager) FindAgent(containerID string) (*agent.Agent, bool) {
	for _, r := range m.activeRouters() {
		if a, ok := r.Agent(containerID); ok {
			return a, true
		}
	}
	return nil, false
}

// Regions returns the served regions in name order.
func (m *Manager) Regions() []Region {
	regions := make([]Region, 0, len(m.regions))
	for r := range m.regions {
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return regions
}

func (m *Manager) DefaultRegion() Region {
	return m.defaultRegion
}

// EnsureImages makes sure the launcher can start containers.
func (m *Manager) EnsureImages(ctx context.Context) error {
	ensurer, ok := m.launcher.(ImageEnsurer)
	if !ok {
		return nil
	}
	if err := ensurer.EnsureImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure image: %w", err)
	}
	return nil
}

// RunReapers runs every region's idle reaper until ctx is done. Routers
// created later are picked up on the next tick.
func (m *Manager) RunReapers(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range m.activeRouters() {
				if n := r.ReapIdle(ctx); n > 0 {
					m.logger.V(logging.DEBUG).Info("Reaped idle containers", "region", r.Region(), "count", n)
				}
			}
		}
	}
}

func (m *Manager) activeRouters() []*router.Router {
	m.mu.RLock()
	defer m.mu.RUnlock()
	routers := make([]*router.Router, 0, len(m.routers))
	for _, r := range m.routers {
		routers = append(routers, r)
	}
	return routers
}

// Close closes every router in parallel.
func (m *Manager) Close(ctx context.Context) error {
	var g errgroup.Group
	for _, r := range m.activeRouters() {
		g.Go(func() error {
			return r.Close(ctx)
		})
	}
	return g.Wait()
}
