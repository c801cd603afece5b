package application

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultErrorThreshold   = 3
	DefaultEndpointCooldown = 60 * time.Second
)

var errNoEndpointAddresses = errors.New("at least one endpoint address is required")

type EndpointConfig struct {
	ID          domain.EndpointID
	BaseAddress string
}

type RegistryOptions struct {
	ErrorThreshold int
	Cooldown       time.Duration
	Clock          ports.Clock
	Logger         *zerolog.Logger
}

// EndpointRegistry tracks the health of interchangeable backends and hands
// them out round-robin.
type EndpointRegistry struct {
	threshold int
	cooldown  time.Duration
	clock     ports.Clock
	logger    zerolog.Logger

	mu        sync.Mutex
	endpoints []domain.Endpoint
	next      int
}

var _ ports.EndpointSelector = (*EndpointRegistry)(nil)

// EndpointIDFor derives a stable id for an address so the same host keeps its
// id across restarts.
func EndpointIDFor(address string) domain.EndpointID {
	return domain.EndpointID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(address)).String())
}

func NewEndpointRegistry(configs []EndpointConfig, opts RegistryOptions) (*EndpointRegistry, error) {
	if len(configs) == 0 {
		return nil, errNoEndpointAddresses
	}

	registry := &EndpointRegistry{
		threshold: opts.ErrorThreshold,
		cooldown:  opts.Cooldown,
		clock:     opts.Clock,
		logger:    loggerOrNop(opts.Logger).With().Str("component", "endpoints").Logger(),
		endpoints: make([]domain.Endpoint, 0, len(configs)),
	}
	if registry.threshold <= 0 {
		registry.threshold = DefaultErrorThreshold
	}
	if registry.cooldown <= 0 {
		registry.cooldown = DefaultEndpointCooldown
	}
	if registry.clock == nil {
		registry.clock = ports.SystemClock{}
	}

	seen := make(map[domain.EndpointID]struct{}, len(configs))
	for _, cfg := range configs {
		address := strings.TrimRight(strings.TrimSpace(cfg.BaseAddress), "/")
		if address == "" {
			return nil, errors.New("endpoint address is empty")
		}

		id := cfg.ID
		if id == "" {
			id = EndpointIDFor(address)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("duplicate endpoint %q", address)
		}
		seen[id] = struct{}{}

		registry.endpoints = append(registry.endpoints, domain.Endpoint{ID: id, BaseAddress: address, Healthy: true})
	}

	return registry, nil
}

// NewEndpointRegistryFromAddresses builds a registry whose ids are derived from
// the addresses.
func NewEndpointRegistryFromAddresses(addresses []string, opts RegistryOptions) (*EndpointRegistry, error) {
	configs := make([]EndpointConfig, 0, len(addresses))
	for _, address := range addresses {
		configs = append(configs, EndpointConfig{BaseAddress: address})
	}

	return NewEndpointRegistry(configs, opts)
}

// Select returns the next healthy endpoint, skipping exclude when another
// healthy endpoint exists. With nothing healthy it degrades to the endpoint
// that failed longest ago.
func (r *EndpointRegistry) Select(exclude ...domain.EndpointID) (domain.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.endpoints) == 0 {
		return domain.Endpoint{}, domain.ErrNoHealthyEndpoint
	}

	r.recoverLocked(r.clock.Now())

	excluded := func(id domain.EndpointID) bool {
		return slices.Contains(exclude, id)
	}

	if i, ok := r.nextLocked(func(e domain.Endpoint) bool { return e.Healthy && !excluded(e.ID) }); ok {
		return r.endpoints[i], nil
	}
	if i, ok := r.nextLocked(func(e domain.Endpoint) bool { return e.Healthy }); ok {
		return r.endpoints[i], nil
	}

	i := r.leastRecentlyFailedLocked(excluded)
	r.logger.Warn().Str("endpoint", r.endpoints[i].BaseAddress).Msg("no healthy endpoint, using least recently failed")
	return r.endpoints[i], nil
}

func (r *EndpointRegistry) ReportError(id domain.EndpointID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.indexLocked(id)
	if !ok {
		return
	}

	endpoint := &r.endpoints[i]
	endpoint.ConsecutiveErrors++
	endpoint.LastErrorAt = r.clock.Now()
	if endpoint.Healthy && endpoint.ConsecutiveErrors >= r.threshold {
		endpoint.Healthy = false
		r.logger.Warn().
			Str("endpoint", endpoint.BaseAddress).
			Int("consecutive_errors", endpoint.ConsecutiveErrors).
			Dur("cooldown", r.cooldown).
			Msg("endpoint marked unhealthy")
	}
}

func (r *EndpointRegistry) ReportSuccess(id domain.EndpointID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.indexLocked(id)
	if !ok {
		return
	}

	endpoint := &r.endpoints[i]
	if !endpoint.Healthy {
		r.logger.Info().Str("endpoint", endpoint.BaseAddress).Msg("endpoint answered, marking healthy")
	}
	endpoint.ConsecutiveErrors = 0
	endpoint.Healthy = true
}

func (r *EndpointRegistry) GetByID(id domain.EndpointID) (domain.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.indexLocked(id)
	if !ok {
		return domain.Endpoint{}, false
	}

	return r.endpoints[i], true
}

func (r *EndpointRegistry) List() []domain.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recoverLocked(r.clock.Now())
	return slices.Clone(r.endpoints)
}

func (r *EndpointRegistry) recoverLocked(now time.Time) {
	for i := range r.endpoints {
		endpoint := &r.endpoints[i]
		if endpoint.Healthy || now.Before(endpoint.LastErrorAt.Add(r.cooldown)) {
			continue
		}

		endpoint.Healthy = true
		endpoint.ConsecutiveErrors = 0
		r.logger.Info().Str("endpoint", endpoint.BaseAddress).Msg("endpoint cooldown elapsed, marking healthy")
	}
}

func (r *EndpointRegistry) nextLocked(eligible func(domain.Endpoint) bool) (int, bool) {
	count := len(r.endpoints)
	for offset := range count {
		i := (r.next + offset) % count
		if eligible(r.endpoints[i]) {
			r.next = (i + 1) % count
			return i, true
		}
	}

	return 0, false
}

func (r *EndpointRegistry) leastRecentlyFailedLocked(excluded func(domain.EndpointID) bool) int {
	best := -1
	for i, endpoint := range r.endpoints {
		if excluded(endpoint.ID) {
			continue
		}
		if best < 0 || endpoint.LastErrorAt.Before(r.endpoints[best].LastErrorAt) {
			best = i
		}
	}
	if best >= 0 {
		return best
	}

	best = 0
	for i, endpoint := range r.endpoints {
		if endpoint.LastErrorAt.Before(r.endpoints[best].LastErrorAt) {
			best = i
		}
	}

	return best
}

func (r *EndpointRegistry) indexLocked(id domain.EndpointID) (int, bool) {
	for i := range r.endpoints {
		if r.endpoints[i].ID == id {
			return i, true
		}
	}

	return 0, false
}
