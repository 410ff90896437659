package token

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/metrics"
	"github.com/fkchat/fkchat/pkg/types"
)

// Registry errors.
var (
	ErrNoActiveServers = errors.New("no active chat servers")
	ErrUnknownServer   = errors.New("chat server not registered")
)

// Registry tracks the chat servers available for placement.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*types.ChatServerDescriptor
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		servers: make(map[string]*types.ChatServerDescriptor),
		logger:  log.WithComponent("registry"),
		now:     time.Now,
	}
}

// Register upserts a chat server. Re-registration after a restart resets
// the load counter; the next report corrects it anyway.
func (r *Registry) Register(id, host string, port int, zone string, maxConnections int) *types.ChatServerDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.servers[id]
	if !ok {
		d = &types.ChatServerDescriptor{
			ID:             id,
			Host:           host,
			Port:           port,
			Zone:           zone,
			MaxConnections: maxConnections,
		}
		r.servers[id] = d
		r.logger.Info().Str("server_id", id).Str("host", host).Int("port", port).Msg("chat server registered")
	} else {
		d.Host = host
		d.Port = port
		d.Zone = zone
		d.MaxConnections = maxConnections
		r.logger.Info().Str("server_id", id).Msg("chat server re-registered")
	}

	d.CurrentLoad.Store(0)
	d.Active.Store(true)
	d.LastReport.Store(r.now().Unix())
	metrics.ChatServersActive.Set(float64(r.activeLocked()))
	return d
}

// activeLocked counts active servers; callers hold at least the read lock.
func (r *Registry) activeLocked() int {
	n := 0
	for _, d := range r.servers {
		if d.Active.Load() {
			n++
		}
	}
	return n
}

// ReportLoad overwrites the server's session count and refreshes its
// liveness stamp.
func (r *Registry) ReportLoad(id string, load int64) error {
	r.mu.RLock()
	d, ok := r.servers[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownServer
	}

	d.CurrentLoad.Store(load)
	d.LastReport.Store(r.now().Unix())
	d.Active.Store(true)
	r.mu.RLock()
	metrics.ChatServersActive.Set(float64(r.activeLocked()))
	r.mu.RUnlock()
	return nil
}

// SelectBest picks the active server with the lowest load ratio, ties
// broken by lexicographically smaller id so placement stays stable. The
// winner's load is bumped optimistically; the next report corrects it.
func (r *Registry) SelectBest() (*types.ChatServerDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.ChatServerDescriptor
	var bestRatio float64
	for _, d := range r.servers {
		if !d.Active.Load() {
			continue
		}
		if d.MaxConnections > 0 && d.CurrentLoad.Load() >= int64(d.MaxConnections) {
			continue
		}
		ratio := d.LoadRatio()
		if best == nil || ratio < bestRatio || (ratio == bestRatio && d.ID < best.ID) {
			best = d
			bestRatio = ratio
		}
	}
	if best == nil {
		return nil, ErrNoActiveServers
	}

	best.CurrentLoad.Add(1)
	return best, nil
}

// Sweep marks servers silent for longer than grace as inactive and
// returns how many were demoted.
func (r *Registry) Sweep(grace time.Duration) int {
	deadline := r.now().Add(-grace).Unix()

	r.mu.RLock()
	defer r.mu.RUnlock()

	demoted := 0
	for _, d := range r.servers {
		if d.Active.Load() && d.LastReport.Load() < deadline {
			d.Active.Store(false)
			demoted++
			r.logger.Warn().Str("server_id", d.ID).Msg("chat server marked inactive")
		}
	}
	metrics.ChatServersActive.Set(float64(r.activeLocked()))
	return demoted
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (*types.ChatServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.servers[id]
	return d, ok
}

// Snapshot returns the current descriptors, unordered.
func (r *Registry) Snapshot() []*types.ChatServerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ChatServerDescriptor, 0, len(r.servers))
	for _, d := range r.servers {
		out = append(out, d)
	}
	return out
}
