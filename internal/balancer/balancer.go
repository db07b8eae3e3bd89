// -----------------------------------------------------------------------
// Balancer - backend health registry and scheduling strategies
// -----------------------------------------------------------------------

package balancer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/fresco/internal/comfy"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/metrics"
)

// ErrNoBackendAvailable is returned when no registered backend is online
var ErrNoBackendAvailable = errors.New("no backend available")

// Strategy selects among online backends
type Strategy string

const (
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyRandom      Strategy = "random"
)

// HealthSnapshot is the last observed state of one backend
type HealthSnapshot struct {
	Address   string    `json:"address"`
	Online    bool      `json:"online"`
	Running   int       `json:"running"`
	Pending   int       `json:"pending"`
	TotalLoad int       `json:"total_load"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// ClientFactory builds a backend client for health checks
type ClientFactory func(address string) *comfy.Client

// Balancer keeps a health snapshot per backend and picks one for the next
// job. Snapshots refresh in parallel before every pick so a degraded backend
// never blocks scheduling beyond its own call timeout.
type Balancer struct {
	mu        sync.Mutex
	addresses []string // insertion order, breaks least-loaded ties
	snapshots map[string]*HealthSnapshot
	rrIndex   int

	newClient ClientFactory
	timeout   time.Duration
	limiter   *rate.Limiter
}

// New creates a balancer over the given backend addresses. refreshRate bounds
// health calls per second across the pool; zero disables the limit.
func New(addresses []string, factory ClientFactory, callTimeout time.Duration, refreshRate float64) *Balancer {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	var limiter *rate.Limiter
	if refreshRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(refreshRate), max(1, len(addresses)))
	}
	b := &Balancer{
		snapshots: make(map[string]*HealthSnapshot),
		newClient: factory,
		timeout:   callTimeout,
		limiter:   limiter,
	}
	for _, addr := range addresses {
		b.Register(addr)
	}
	return b
}

// Register adds a backend address; duplicates are ignored
func (b *Balancer) Register(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.snapshots[address]; exists {
		return
	}
	b.addresses = append(b.addresses, address)
	b.snapshots[address] = &HealthSnapshot{Address: address}
}

// Remove drops a backend from the pool, reporting whether it was present.
// In-flight jobs on the backend are unaffected; it just stops being picked.
func (b *Balancer) Remove(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.snapshots[address]; !exists {
		return false
	}
	delete(b.snapshots, address)
	for i, addr := range b.addresses {
		if addr == address {
			b.addresses = append(b.addresses[:i], b.addresses[i+1:]...)
			break
		}
	}
	if b.rrIndex >= len(b.addresses) {
		b.rrIndex = 0
	}
	return true
}

// Snapshots returns a copy of every backend's last observed state
func (b *Balancer) Snapshots() []HealthSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]HealthSnapshot, 0, len(b.addresses))
	for _, addr := range b.addresses {
		out = append(out, *b.snapshots[addr])
	}
	return out
}

// Refresh updates every backend's snapshot in parallel. Each check is bounded
// by the per-call timeout; a failed check marks the backend offline.
func (b *Balancer) Refresh(ctx context.Context) {
	b.mu.Lock()
	addresses := make([]string, len(b.addresses))
	copy(addresses, b.addresses)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, addr := range addresses {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			b.refreshOne(ctx, address)
		}(addr)
	}
	wg.Wait()

	b.mu.Lock()
	online := 0
	for _, snap := range b.snapshots {
		if snap.Online {
			online++
		}
	}
	b.mu.Unlock()
	metrics.BackendsOnline.Set(float64(online))
}

func (b *Balancer) refreshOne(ctx context.Context, address string) {
	log := common.GetLogger()

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	client := b.newClient(address)
	queue, err := client.GetQueue(callCtx)

	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[address]
	if !ok {
		return
	}
	snap.LastCheck = time.Now().UTC()
	if err != nil {
		if snap.Online {
			log.Warn().Err(err).Str("backend", address).Msg("Backend went offline")
		}
		snap.Online = false
		snap.LastError = err.Error()
		return
	}
	snap.Online = true
	snap.LastError = ""
	snap.Running = len(queue.Running)
	snap.Pending = len(queue.Pending)
	snap.TotalLoad = queue.TotalLoad()
}

// Pick refreshes all snapshots, then selects an online backend with the
// given strategy. Returns ErrNoBackendAvailable when the pool is empty or
// every backend is offline.
func (b *Balancer) Pick(ctx context.Context, strategy Strategy) (string, error) {
	b.Refresh(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	online := make([]string, 0, len(b.addresses))
	for _, addr := range b.addresses {
		if b.snapshots[addr].Online {
			online = append(online, addr)
		}
	}
	if len(online) == 0 {
		return "", ErrNoBackendAvailable
	}

	switch strategy {
	case StrategyRoundRobin:
		addr := online[b.rrIndex%len(online)]
		b.rrIndex++
		return addr, nil
	case StrategyRandom:
		return online[rand.Intn(len(online))], nil
	default: // least loaded, ties broken by insertion order
		best := online[0]
		for _, addr := range online[1:] {
			if b.snapshots[addr].TotalLoad < b.snapshots[best].TotalLoad {
				best = addr
			}
		}
		return best, nil
	}
}

// ParseStrategy maps a config string to a Strategy, defaulting to least loaded
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyRoundRobin:
		return StrategyRoundRobin
	case StrategyRandom:
		return StrategyRandom
	default:
		return StrategyLeastLoaded
	}
}
