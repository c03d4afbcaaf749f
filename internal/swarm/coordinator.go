// Package swarm coordinates a swarm of worker agents: it staffs tasks under a
// global agent cap, serves cached consensus results, adapts the topology and
// replaces failed workers.
//
// Decision logic, worker execution, voting and topology mechanics are
// injected through the Authority, agent.Spawner, Voter and TopologySwitcher
// ports.
package swarm

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/pool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	AuthorityID         string        `yaml:"authority_id"`
	MaxAgents           int           `yaml:"max_agents"`
	Topology            Topology      `yaml:"topology"`
	ConsensusTTL        time.Duration `yaml:"consensus_ttl"`
	CachePruneThreshold int           `yaml:"cache_prune_threshold"`
	ShutdownConcurrency int           `yaml:"shutdown_concurrency"`
	// ConsensusTimeout bounds a shared vote collection, which runs
	// detached from the context of the caller that started it.
	ConsensusTimeout time.Duration `yaml:"consensus_timeout"`
}

func DefaultConfig() Config {
	return Config{
		AuthorityID:         "queen",
		MaxAgents:           10,
		Topology:            TopologyHierarchical,
		ConsensusTTL:        30 * time.Second,
		CachePruneThreshold: 100,
		ShutdownConcurrency: 8,
		ConsensusTimeout:    time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AuthorityID == "" {
		c.AuthorityID = def.AuthorityID
	}
	if c.MaxAgents <= 0 {
		c.MaxAgents = def.MaxAgents
	}
	if !c.Topology.Valid() {
		c.Topology = def.Topology
	}
	if c.ConsensusTTL <= 0 {
		c.ConsensusTTL = def.ConsensusTTL
	}
	if c.CachePruneThreshold <= 0 {
		c.CachePruneThreshold = def.CachePruneThreshold
	}
	if c.ShutdownConcurrency <= 0 {
		c.ShutdownConcurrency = def.ShutdownConcurrency
	}
	if c.ConsensusTimeout <= 0 {
		c.ConsensusTimeout = def.ConsensusTimeout
	}
	return c
}

// activeWorker is a tracked worker. poolID is set when the worker is
// borrowed from the pool.
type activeWorker struct {
	agent.Instance
	poolID string
}

type cacheEntry struct {
	result ConsensusResult
	at     time.Time
}

type Coordinator struct {
	cfg       Config
	authority Authority
	spawner   agent.Spawner
	voter     Voter
	topology  TopologySwitcher
	pool      *pool.Pool
	events    EventPublisher
	log       *slog.Logger
	now       func() time.Time

	initMu      sync.Mutex
	initialized bool

	admission admissionQueue

	activeMu  sync.RWMutex
	active    map[string]activeWorker // agentID → worker
	maxAgents int

	switchMu sync.Mutex // serializes topology switches
	topoMu   sync.RWMutex
	current  Topology

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
	flight  singleflight.Group

	consensusHits   atomic.Int64
	consensusMisses atomic.Int64
	spawned         atomic.Int64
	backpressure    atomic.Int64
	failures        atomic.Int64
	replacements    atomic.Int64
	released        atomic.Int64
}

type Option func(*Coordinator)

// WithPool makes the coordinator borrow workers from p instead of spawning
// them directly.
func WithPool(p *pool.Pool) Option {
	return func(c *Coordinator) { c.pool = p }
}

func WithEvents(p EventPublisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithClock overrides the time source used for consensus cache expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(authority Authority, spawner agent.Spawner, voter Voter, topology TopologySwitcher, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:       cfg,
		authority: authority,
		spawner:   spawner,
		voter:     voter,
		topology:  topology,
		log:       slog.Default(),
		now:       time.Now,
		active:    make(map[string]activeWorker),
		maxAgents: cfg.MaxAgents,
		current:   cfg.Topology,
		cache:     make(map[string]cacheEntry),
	}
	for _, o := range opts {
		o(c)
	}
	// The port owns the topology; the configured value only applies when
	// the port has none yet.
	if t := topology.CurrentTopology(); t.Valid() {
		c.current = t
	}
	return c
}

// Initialize registers the authority. Subsequent calls are no-ops until
// Shutdown.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}

	err := c.authority.Register(ctx, AuthorityConfig{
		ID:        c.cfg.AuthorityID,
		Topology:  c.Topology(),
		MaxAgents: c.MaxAgents(),
	})
	if err != nil {
		return fmt.Errorf("register authority: %w", err)
	}
	c.initialized = true

	c.log.Info("swarm initialized", "authority", c.cfg.AuthorityID, "topology", c.Topology(), "max_agents", c.MaxAgents())
	c.publishEvent("initialized", map[string]any{"authority": c.cfg.AuthorityID})
	return nil
}

func (c *Coordinator) Initialized() bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.initialized
}

func (c *Coordinator) Topology() Topology {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()
	return c.current
}

// SetTopology switches the swarm to t through the topology port. On failure
// the current topology is kept and the error returned.
func (c *Coordinator) SetTopology(ctx context.Context, t Topology) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopology, t)
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	from := c.Topology()
	if from == t {
		return nil
	}
	if err := c.topology.SwitchTopology(ctx, t); err != nil {
		c.log.Error("topology switch failed", "from", from, "to", t, "error", err)
		c.publishEvent("topology_switch_failed", map[string]any{
			"from":  from,
			"to":    t,
			"error": err.Error(),
		})
		return fmt.Errorf("switch topology to %s: %w", t, err)
	}

	c.topoMu.Lock()
	c.current = t
	c.topoMu.Unlock()

	c.log.Info("topology changed", "from", from, "to", t)
	c.publishEvent("topology_changed", map[string]any{"from": from, "to": t})
	return nil
}

// OptimizeTopologyForTask asks the topology port for a recommendation and
// switches to it when it differs from the current one. Failures are logged
// and the resulting topology is returned.
func (c *Coordinator) OptimizeTopologyForTask(ctx context.Context, task Task) Topology {
	current := c.Topology()
	rec, err := c.topology.RecommendTopology(ctx, TopologyContext{
		Task:         task,
		ActiveAgents: c.ActiveCount(),
		MaxAgents:    c.MaxAgents(),
		Current:      current,
	})
	if err != nil {
		c.log.Warn("topology recommendation failed", "task", task.ID, "error", err)
		return current
	}
	if !rec.Valid() {
		c.log.Warn("ignoring invalid topology recommendation", "task", task.ID, "topology", rec)
		return current
	}
	if rec == current {
		return current
	}
	if err := c.SetTopology(ctx, rec); err != nil {
		return c.Topology()
	}
	return rec
}

// SpawnAgentsForTask analyzes task and starts as many workers as the agent
// cap allows. Calls are admitted one at a time in arrival order. A full
// swarm yields an empty result and no error. When a spawn fails midway the
// workers started so far stay tracked and are returned with the error.
func (c *Coordinator) SpawnAgentsForTask(ctx context.Context, task Task) ([]agent.Instance, error) {
	if err := c.admission.Lock(ctx); err != nil {
		return nil, err
	}
	defer c.admission.Unlock()

	analysis, err := c.authority.AnalyzeTask(ctx, task)
	if err != nil {
		return nil, err
	}

	available := c.availableSlots()
	if available <= 0 {
		c.backpressure.Add(1)
		c.log.Warn("agent cap reached, task not staffed", "task", task.ID, "requested", analysis.AgentCount, "max_agents", c.MaxAgents())
		c.publishEvent("backpressure", map[string]any{
			"task_id":   task.ID,
			"requested": analysis.AgentCount,
		})
		return []agent.Instance{}, nil
	}

	n := min(analysis.AgentCount, available)
	spawned := make([]agent.Instance, 0, max(n, 0))
	for i := 0; i < n; i++ {
		w, err := c.startWorker(ctx, analysis.typeAt(i), task.Capabilities)
		if err != nil {
			c.log.Error("spawn worker failed", "task", task.ID, "type", analysis.typeAt(i), "error", err)
			return spawned, err
		}
		c.track(w)
		spawned = append(spawned, w.Instance)
	}

	if len(spawned) > 0 {
		c.log.Info("task staffed", "task", task.ID, "spawned", len(spawned), "requested", analysis.AgentCount, "active", c.ActiveCount())
		c.publishEvent("agents_spawned", map[string]any{
			"task_id": task.ID,
			"agents":  instanceIDs(spawned),
		})
	}
	return spawned, nil
}

// BuildConsensus returns the consensus result for d, serving a cached
// result for an identical decision seen within the TTL. Concurrent identical
// decisions share one vote collection.
func (c *Coordinator) BuildConsensus(ctx context.Context, d Decision) (ConsensusResult, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	key := cacheKey(d)

	if res, ok := c.cached(key); ok {
		c.consensusHits.Add(1)
		return res, nil
	}

	var collected atomic.Bool
	ch := c.flight.DoChan(key, func() (any, error) {
		if res, ok := c.cached(key); ok {
			return res, nil
		}
		collected.Store(true)

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConsensusTimeout)
		defer cancel()

		votes, err := c.voter.CollectVotes(fctx, d)
		if err != nil {
			return nil, err
		}
		res := c.calculate(d, votes)
		res.DecisionID = d.ID
		if res.Votes == nil {
			res.Votes = slices.Clone(votes)
		}
		decidedAt := c.now()
		c.store(key, res, decidedAt)
		c.consensusMisses.Add(1)

		if err := c.authority.RecordDecision(fctx, DecisionRecord{Decision: d, Result: res, DecidedAt: decidedAt}); err != nil {
			c.log.Warn("record decision failed", "decision", d.ID, "error", err)
		}

		c.log.Info("consensus reached", "decision", d.ID, "type", d.Type, "outcome", res.Outcome, "confidence", res.Confidence)
		c.publishEvent("consensus_reached", map[string]any{
			"decision_id": d.ID,
			"type":        d.Type,
			"outcome":     res.Outcome,
			"confidence":  res.Confidence,
		})
		return res, nil
	})

	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return ConsensusResult{}, ctx.Err()
	}
	if r.Err != nil {
		return ConsensusResult{}, r.Err
	}
	if !collected.Load() {
		c.consensusHits.Add(1)
	}

	res := r.Val.(ConsensusResult)
	res.Votes = slices.Clone(res.Votes)
	return res, nil
}

func (c *Coordinator) calculate(d Decision, votes []Vote) ConsensusResult {
	if sc, ok := c.voter.(SeverityCalculator); ok {
		return sc.CalculateConsensusFor(d, votes)
	}
	return c.voter.CalculateConsensus(votes)
}

// PruneConsensusCache drops expired cache entries and returns how many were
// removed.
func (c *Coordinator) PruneConsensusCache() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.pruneLocked()
}

// HandleAgentFailure records the failure, removes the worker and, when the
// swarm was below its cap, starts one replacement of the same type. The
// replacement is returned, or nil when none was started.
func (c *Coordinator) HandleAgentFailure(ctx context.Context, agentID string, cause error) *agent.Instance {
	c.failures.Add(1)
	if err := c.authority.RecordFailure(ctx, agentID, cause); err != nil {
		c.log.Warn("record failure failed", "agent", agentID, "error", err)
	}

	c.activeMu.Lock()
	w, ok := c.active[agentID]
	underCap := len(c.active) < c.maxAgents
	delete(c.active, agentID)
	c.activeMu.Unlock()

	if !ok {
		c.log.Warn("failure reported for unknown agent", "agent", agentID, "cause", cause)
		return nil
	}

	c.log.Warn("agent failed", "agent", agentID, "type", w.Type, "cause", cause)
	c.publishEvent("agent_failed", map[string]any{
		"agent_id": agentID,
		"type":     w.Type,
		"error":    errString(cause),
	})
	c.retire(ctx, w)

	if !underCap {
		c.log.Info("swarm at capacity, failed agent not replaced", "agent", agentID)
		return nil
	}

	if err := c.admission.Lock(ctx); err != nil {
		c.log.Warn("replacement not admitted", "agent", agentID, "error", err)
		return nil
	}
	defer c.admission.Unlock()

	if c.availableSlots() <= 0 {
		c.log.Info("swarm filled before replacement", "agent", agentID)
		return nil
	}
	nw, err := c.startWorker(ctx, w.Type, w.Capabilities)
	if err != nil {
		c.log.Error("replacement spawn failed", "agent", agentID, "type", w.Type, "error", err)
		c.publishEvent("replacement_failed", map[string]any{
			"agent_id": agentID,
			"type":     w.Type,
			"error":    err.Error(),
		})
		return nil
	}
	c.track(nw)
	c.replacements.Add(1)

	c.log.Info("agent replaced", "failed", agentID, "replacement", nw.ID, "type", nw.Type)
	c.publishEvent("agent_replaced", map[string]any{
		"failed_id":      agentID,
		"replacement_id": nw.ID,
		"type":           nw.Type,
	})
	inst := nw.Instance
	return &inst
}

// ReleaseAgent frees the slot of a worker that finished its task. Pooled
// workers go back to the pool for reuse; direct workers are terminated.
func (c *Coordinator) ReleaseAgent(ctx context.Context, agentID string) error {
	c.activeMu.Lock()
	w, ok := c.active[agentID]
	delete(c.active, agentID)
	c.activeMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	c.released.Add(1)

	pooled := w.poolID != "" && c.pool != nil
	if pooled {
		c.pool.Release(w.poolID)
	} else if err := c.spawner.Terminate(ctx, w.ID); err != nil {
		c.log.Warn("terminate released agent", "agent", w.ID, "error", err)
	}

	c.log.Info("agent released", "agent", agentID, "type", w.Type, "pooled", pooled)
	c.publishEvent("agent_released", map[string]any{
		"agent_id": agentID,
		"type":     w.Type,
		"pooled":   pooled,
	})
	return nil
}

// SetMaxAgents changes the agent cap. Workers above a lowered cap are kept;
// new admissions wait until the swarm drains below it.
func (c *Coordinator) SetMaxAgents(n int) {
	if n <= 0 {
		return
	}
	c.activeMu.Lock()
	old := c.maxAgents
	c.maxAgents = n
	c.activeMu.Unlock()
	if old != n {
		c.log.Info("agent cap changed", "from", old, "to", n)
	}
}

func (c *Coordinator) MaxAgents() int {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return c.maxAgents
}

func (c *Coordinator) ActiveCount() int {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return len(c.active)
}

// Agents returns the tracked workers ordered by creation time.
func (c *Coordinator) Agents() []agent.Instance {
	c.activeMu.RLock()
	out := make([]agent.Instance, 0, len(c.active))
	for _, w := range c.active {
		out = append(out, w.Instance)
	}
	c.activeMu.RUnlock()

	slices.SortFunc(out, func(a, b agent.Instance) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Shutdown returns pooled workers, clears the pool, terminates direct
// workers and empties the consensus cache. It is safe to call repeatedly
// and before Initialize.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.activeMu.Lock()
	workers := slices.Collect(maps.Values(c.active))
	c.active = make(map[string]activeWorker)
	c.activeMu.Unlock()

	var g errgroup.Group
	g.SetLimit(c.cfg.ShutdownConcurrency)
	for _, w := range workers {
		if w.poolID != "" && c.pool != nil {
			c.pool.Release(w.poolID)
			continue
		}
		g.Go(func() error {
			if err := c.spawner.Terminate(ctx, w.ID); err != nil {
				return fmt.Errorf("terminate agent %s: %w", w.ID, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if c.pool != nil {
		c.pool.Clear(ctx)
	}

	c.cacheMu.Lock()
	clear(c.cache)
	c.cacheMu.Unlock()

	c.initMu.Lock()
	wasInitialized := c.initialized
	c.initialized = false
	c.initMu.Unlock()

	if wasInitialized || len(workers) > 0 {
		c.log.Info("swarm shut down", "workers", len(workers))
		c.publishEvent("shutdown", map[string]any{"workers": len(workers)})
	}
	return err
}

func (c *Coordinator) availableSlots() int {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return c.maxAgents - len(c.active)
}

func (c *Coordinator) startWorker(ctx context.Context, typ string, capabilities []string) (activeWorker, error) {
	if c.pool != nil {
		pa, err := c.pool.Acquire(ctx, typ, capabilities)
		if err != nil {
			return activeWorker{}, err
		}
		return activeWorker{Instance: pa.Instance, poolID: pa.PoolID}, nil
	}

	inst, err := c.spawner.Spawn(ctx, agent.SpawnConfig{
		ID:           uuid.New().String(),
		Type:         typ,
		Capabilities: capabilities,
	})
	if err != nil {
		return activeWorker{}, err
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = c.now()
	}
	return activeWorker{Instance: inst}, nil
}

func (c *Coordinator) track(w activeWorker) {
	c.activeMu.Lock()
	c.active[w.ID] = w
	c.activeMu.Unlock()
	c.spawned.Add(1)
}

// retire removes a failed worker from service. Pooled workers are discarded
// so they are never reused.
func (c *Coordinator) retire(ctx context.Context, w activeWorker) {
	var err error
	if w.poolID != "" && c.pool != nil {
		err = c.pool.Discard(ctx, w.poolID)
	} else {
		err = c.spawner.Terminate(ctx, w.ID)
	}
	if err != nil {
		c.log.Warn("terminate failed agent", "agent", w.ID, "error", err)
	}
}

func (c *Coordinator) cached(key string) (ConsensusResult, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	e, ok := c.cache[key]
	if !ok || c.expired(e) {
		return ConsensusResult{}, false
	}
	res := e.result
	res.Votes = slices.Clone(res.Votes)
	return res, true
}

func (c *Coordinator) store(key string, res ConsensusResult, at time.Time) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	res.Votes = slices.Clone(res.Votes)
	c.cache[key] = cacheEntry{result: res, at: at}
	if len(c.cache) > c.cfg.CachePruneThreshold {
		if n := c.pruneLocked(); n > 0 {
			c.log.Debug("consensus cache pruned", "removed", n, "size", len(c.cache))
		}
	}
}

func (c *Coordinator) pruneLocked() int {
	removed := 0
	for k, e := range c.cache {
		if c.expired(e) {
			delete(c.cache, k)
			removed++
		}
	}
	return removed
}

func (c *Coordinator) expired(e cacheEntry) bool {
	return c.now().Sub(e.at) >= c.cfg.ConsensusTTL
}

func (c *Coordinator) publishEvent(eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := c.events.PublishJSON(EventTopic(eventType), event); err != nil {
		c.log.Debug("publish swarm event failed", "type", eventType, "error", err)
	}
}

// EventTopic is the bus subject coordinator events of the given type are
// published on.
func EventTopic(eventType string) string {
	return "events.swarm." + eventType
}

func cacheKey(d Decision) string {
	h := sha256.New()
	h.Write([]byte(d.Type))
	h.Write([]byte{0})
	h.Write([]byte(d.Proposal))
	h.Write([]byte{0})
	h.Write([]byte(d.Severity))
	return hex.EncodeToString(h.Sum(nil))
}

func instanceIDs(insts []agent.Instance) []string {
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID
	}
	return ids
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
