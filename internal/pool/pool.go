// Package pool keeps reusable worker instances per agent type so the swarm
// does not pay the spawn cost for every task.
//
// A pool is bounded by Config.MaxSize. When every slot is taken, Acquire
// first evicts agents idle for longer than Config.IdleTimeout, then waits for
// a release notification for at most Config.WaitAttempts rounds of
// Config.WaitInterval. When the wait runs out the pool creates an emergency
// instance above capacity unless Config.StrictCapacity is set, in which case
// Acquire fails with ErrPoolExhausted.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/agent"
)

var (
	// ErrPoolExhausted is returned by Acquire in strict capacity mode when
	// no agent became available within the wait budget.
	ErrPoolExhausted = errors.New("agent pool exhausted")

	// ErrPoolCleared is returned when the pool was cleared while an agent
	// was being created for the caller.
	ErrPoolCleared = errors.New("agent pool cleared during acquire")
)

// Policy selects which idle agent is reused on a pool hit.
type Policy string

const (
	PolicyFIFO Policy = "fifo" // oldest queued first
	PolicyLIFO Policy = "lifo" // most recently queued first
	PolicyLRU  Policy = "lru"  // least recently used first
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyFIFO, PolicyLIFO, PolicyLRU:
		return true
	}
	return false
}

type Config struct {
	MaxSize        int           `yaml:"max_size"`
	MinSize        int           `yaml:"min_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	Policy         Policy        `yaml:"policy"`
	PrewarmTypes   []string      `yaml:"prewarm_types"`
	WaitAttempts   int           `yaml:"wait_attempts"`
	WaitInterval   time.Duration `yaml:"wait_interval"`
	StrictCapacity bool          `yaml:"strict_capacity"`
}

func DefaultConfig() Config {
	return Config{
		MaxSize:      10,
		MinSize:      2,
		IdleTimeout:  5 * time.Minute,
		Policy:       PolicyLRU,
		PrewarmTypes: []string{agent.TypeProgrammer, agent.TypeTester},
		WaitAttempts: 50,
		WaitInterval: 100 * time.Millisecond,
	}
}

// PooledAgent is a worker owned by the pool. Values returned to callers are
// snapshots; the pool keeps the authoritative copy.
type PooledAgent struct {
	agent.Instance
	PoolID     string    `json:"pool_id"`
	InUse      bool      `json:"in_use"`
	LastUsedAt time.Time `json:"last_used_at"`
	TaskCount  int       `json:"task_count"`
}

// Metrics is a point-in-time view of pool counters.
type Metrics struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Spawned   int64   `json:"spawned"`
	Emergency int64   `json:"emergency"`
	Size      int     `json:"size"`
	Active    int     `json:"active"`
	HitRate   float64 `json:"hit_rate"`
}

type Pool struct {
	spawner agent.Spawner
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	queues  map[string][]*PooledAgent // agent type → agents in queue order
	byID    map[string]*PooledAgent   // pool ID → agent
	pending int                       // creations in flight, counted against MaxSize
	freed   chan struct{}             // closed and replaced whenever capacity or availability changes
	gen     uint64                    // bumped by Clear
	seq     uint64

	hits, misses, evictions, spawned, emergency int64
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool and pre-warms min(2, MinSize) agents for each of
// cfg.PrewarmTypes. Pre-warm failures are logged and skipped.
func New(ctx context.Context, spawner agent.Spawner, cfg Config, opts ...Option) *Pool {
	cfg = normalize(cfg)
	p := &Pool{
		spawner: spawner,
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		queues:  make(map[string][]*PooledAgent),
		byID:    make(map[string]*PooledAgent),
		freed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.prewarm(ctx)
	return p
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if !cfg.Policy.Valid() {
		cfg.Policy = def.Policy
	}
	if cfg.WaitAttempts <= 0 {
		cfg.WaitAttempts = def.WaitAttempts
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = def.WaitInterval
	}
	return cfg
}

func (p *Pool) prewarm(ctx context.Context) {
	n := min(2, p.cfg.MinSize)
	if n <= 0 {
		return
	}
	for _, typ := range p.cfg.PrewarmTypes {
		for i := 0; i < n; i++ {
			p.mu.Lock()
			if p.sizeLocked() >= p.cfg.MaxSize {
				p.mu.Unlock()
				return
			}
			p.pending++
			gen := p.gen
			p.mu.Unlock()

			if _, err := p.create(ctx, gen, typ, nil, false); err != nil {
				p.log.Warn("pool pre-warm failed", "type", typ, "error", err)
				break
			}
		}
	}
	p.log.Debug("pool pre-warmed", "types", p.cfg.PrewarmTypes, "size", p.Size())
}

// Acquire returns an agent of the given type, reusing an idle one when
// possible. Creation failures from the spawner are returned wrapped. At
// capacity it waits at most WaitAttempts*WaitInterval in total; wake-ups
// from releases re-check availability without shortening that budget.
func (p *Pool) Acquire(ctx context.Context, typ string, capabilities []string) (PooledAgent, error) {
	var deadline time.Time
	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		if pa := p.selectLocked(typ); pa != nil {
			pa.InUse = true
			pa.LastUsedAt = p.now()
			pa.TaskCount++
			p.hits++
			out := *pa
			p.mu.Unlock()
			p.log.Debug("pool hit", "type", typ, "pool_id", out.PoolID, "tasks", out.TaskCount)
			return out, nil
		}
		if attempt == 0 {
			p.misses++
		}

		if p.sizeLocked() < p.cfg.MaxSize {
			p.pending++
			gen := p.gen
			p.mu.Unlock()
			return p.create(ctx, gen, typ, capabilities, true)
		}

		if evicted := p.collectIdleLocked(); len(evicted) > 0 {
			p.pending++
			gen := p.gen
			p.notifyLocked()
			p.mu.Unlock()
			p.terminate(ctx, evicted)
			return p.create(ctx, gen, typ, capabilities, true)
		}

		budget := time.Duration(p.cfg.WaitAttempts) * p.cfg.WaitInterval
		if deadline.IsZero() {
			deadline = time.Now().Add(budget)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if p.cfg.StrictCapacity {
				p.mu.Unlock()
				return PooledAgent{}, fmt.Errorf("%w: no %s agent within %s", ErrPoolExhausted, typ, budget)
			}
			p.pending++
			p.emergency++
			gen := p.gen
			p.mu.Unlock()
			p.log.Warn("pool at capacity, creating emergency agent", "type", typ, "max_size", p.cfg.MaxSize)
			return p.create(ctx, gen, typ, capabilities, true)
		}

		wake := p.freed
		p.mu.Unlock()

		timer := time.NewTimer(min(remaining, p.cfg.WaitInterval))
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return PooledAgent{}, ctx.Err()
		}
		timer.Stop()
	}
}

// Release returns an agent to the pool. Unknown IDs are ignored.
func (p *Pool) Release(poolID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pa, ok := p.byID[poolID]
	if !ok {
		return
	}
	pa.InUse = false
	pa.Status = agent.StatusIdle
	pa.LastUsedAt = p.now()
	p.notifyLocked()
}

// Discard removes an agent from the pool and terminates it, so a failed
// worker is never handed out again. Unknown IDs are ignored.
func (p *Pool) Discard(ctx context.Context, poolID string) error {
	p.mu.Lock()
	pa, ok := p.byID[poolID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	p.removeLocked(pa)
	p.notifyLocked()
	p.mu.Unlock()

	if err := p.spawner.Terminate(ctx, pa.ID); err != nil {
		return fmt.Errorf("terminate pooled agent %s: %w", pa.ID, err)
	}
	return nil
}

// EvictIdle terminates every available agent idle for longer than the
// configured timeout and returns how many were evicted.
func (p *Pool) EvictIdle(ctx context.Context) int {
	p.mu.Lock()
	evicted := p.collectIdleLocked()
	if len(evicted) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	p.terminate(ctx, evicted)
	return len(evicted)
}

// Clear terminates every pooled agent and resets queues and counters.
func (p *Pool) Clear(ctx context.Context) {
	p.mu.Lock()
	all := make([]*PooledAgent, 0, len(p.byID))
	for _, pa := range p.byID {
		all = append(all, pa)
	}
	p.queues = make(map[string][]*PooledAgent)
	p.byID = make(map[string]*PooledAgent)
	p.hits, p.misses, p.evictions, p.spawned, p.emergency = 0, 0, 0, 0, 0
	p.gen++
	p.notifyLocked()
	p.mu.Unlock()

	p.terminate(ctx, all)
	if len(all) > 0 {
		p.log.Info("pool cleared", "terminated", len(all))
	}
}

func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		Hits:      p.hits,
		Misses:    p.misses,
		Evictions: p.evictions,
		Spawned:   p.spawned,
		Emergency: p.emergency,
		Size:      len(p.byID),
	}
	for _, pa := range p.byID {
		if pa.InUse {
			m.Active++
		}
	}
	if total := p.hits + p.misses; total > 0 {
		m.HitRate = float64(p.hits) / float64(total)
	}
	return m
}

// Size returns the number of agents currently owned by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Agents returns snapshots of every pooled agent of the given type in queue
// order. An empty type returns all agents.
func (p *Pool) Agents(typ string) []PooledAgent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []PooledAgent
	for t, q := range p.queues {
		if typ != "" && t != typ {
			continue
		}
		for _, pa := range q {
			out = append(out, *pa)
		}
	}
	return out
}

func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) create(ctx context.Context, gen uint64, typ string, capabilities []string, checkout bool) (PooledAgent, error) {
	inst, err := p.spawner.Spawn(ctx, agent.SpawnConfig{
		ID:           uuid.New().String(),
		Type:         typ,
		Capabilities: capabilities,
	})

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.notifyLocked()
		p.mu.Unlock()
		return PooledAgent{}, fmt.Errorf("spawn pooled %s agent: %w", typ, err)
	}
	if gen != p.gen {
		p.mu.Unlock()
		_ = p.spawner.Terminate(ctx, inst.ID)
		return PooledAgent{}, ErrPoolCleared
	}
	inst.Type = typ
	if inst.Status == "" {
		inst.Status = agent.StatusIdle
	}

	p.seq++
	pa := &PooledAgent{
		Instance:   inst,
		PoolID:     fmt.Sprintf("pool-%s-%d", typ, p.seq),
		LastUsedAt: p.now(),
	}
	if checkout {
		pa.InUse = true
		pa.TaskCount = 1
	}
	p.queues[typ] = append(p.queues[typ], pa)
	p.byID[pa.PoolID] = pa
	p.spawned++
	if !checkout {
		p.notifyLocked()
	}
	out := *pa
	p.mu.Unlock()

	p.log.Debug("pool spawned agent", "type", typ, "pool_id", out.PoolID, "agent", out.ID)
	return out, nil
}

func (p *Pool) selectLocked(typ string) *PooledAgent {
	q := p.queues[typ]
	var chosen *PooledAgent
	switch p.cfg.Policy {
	case PolicyFIFO:
		for _, pa := range q {
			if !pa.InUse {
				return pa
			}
		}
	case PolicyLIFO:
		for i := len(q) - 1; i >= 0; i-- {
			if !q[i].InUse {
				return q[i]
			}
		}
	default:
		for _, pa := range q {
			if pa.InUse {
				continue
			}
			if chosen == nil || pa.LastUsedAt.Before(chosen.LastUsedAt) {
				chosen = pa
			}
		}
	}
	return chosen
}

func (p *Pool) collectIdleLocked() []*PooledAgent {
	now := p.now()
	var idle []*PooledAgent
	for _, pa := range p.byID {
		if !pa.InUse && now.Sub(pa.LastUsedAt) > p.cfg.IdleTimeout {
			idle = append(idle, pa)
		}
	}
	for _, pa := range idle {
		p.removeLocked(pa)
		p.evictions++
	}
	return idle
}

func (p *Pool) removeLocked(target *PooledAgent) {
	delete(p.byID, target.PoolID)
	q := p.queues[target.Type]
	for i, pa := range q {
		if pa == target {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(p.queues, target.Type)
	} else {
		p.queues[target.Type] = q
	}
}

func (p *Pool) sizeLocked() int {
	return len(p.byID) + p.pending
}

// notifyLocked wakes every goroutine blocked in Acquire.
func (p *Pool) notifyLocked() {
	close(p.freed)
	p.freed = make(chan struct{})
}

func (p *Pool) terminate(ctx context.Context, agents []*PooledAgent) {
	for _, pa := range agents {
		if err := p.spawner.Terminate(ctx, pa.ID); err != nil {
			p.log.Warn("pool terminate failed", "agent", pa.ID, "pool_id", pa.PoolID, "error", err)
		}
	}
}
