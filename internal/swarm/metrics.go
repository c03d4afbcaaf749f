package swarm

import (
	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/pool"
)

// State is a read-only snapshot of the swarm.
type State struct {
	Initialized      bool             `json:"initialized"`
	Topology         Topology         `json:"topology"`
	ActiveAgents     int              `json:"active_agents"`
	TotalAgents      int              `json:"total_agents"`
	MaxAgents        int              `json:"max_agents"`
	QueuedAdmissions int              `json:"queued_admissions"`
	CacheSize        int              `json:"cache_size"`
	Agents           []agent.Instance `json:"agents"`
	Pool             *pool.Metrics    `json:"pool,omitempty"`
}

type Metrics struct {
	ActiveAgents     int           `json:"active_agents"`
	TotalAgents      int           `json:"total_agents"`
	MaxAgents        int           `json:"max_agents"`
	QueuedAdmissions int           `json:"queued_admissions"`
	Topology         Topology      `json:"topology"`
	CacheSize        int           `json:"cache_size"`
	ConsensusHits    int64         `json:"consensus_hits"`
	ConsensusMisses  int64         `json:"consensus_misses"`
	Spawned          int64         `json:"spawned"`
	Backpressure     int64         `json:"backpressure"`
	Failures         int64         `json:"failures"`
	Replacements     int64         `json:"replacements"`
	Released         int64         `json:"released"`
	Pool             *pool.Metrics `json:"pool,omitempty"`
}

// State returns a snapshot of the swarm. The authority counts towards
// TotalAgents once initialized.
func (c *Coordinator) State() State {
	agents := c.Agents()
	initialized := c.Initialized()
	s := State{
		Initialized:      initialized,
		Topology:         c.Topology(),
		ActiveAgents:     len(agents),
		TotalAgents:      len(agents),
		MaxAgents:        c.MaxAgents(),
		QueuedAdmissions: c.admission.Waiting(),
		CacheSize:        c.cacheSize(),
		Agents:           agents,
		Pool:             c.poolMetrics(),
	}
	if initialized {
		s.TotalAgents++
	}
	return s
}

func (c *Coordinator) Metrics() Metrics {
	active := c.ActiveCount()
	m := Metrics{
		ActiveAgents:     active,
		TotalAgents:      active,
		MaxAgents:        c.MaxAgents(),
		QueuedAdmissions: c.admission.Waiting(),
		Topology:         c.Topology(),
		CacheSize:        c.cacheSize(),
		ConsensusHits:    c.consensusHits.Load(),
		ConsensusMisses:  c.consensusMisses.Load(),
		Spawned:          c.spawned.Load(),
		Backpressure:     c.backpressure.Load(),
		Failures:         c.failures.Load(),
		Replacements:     c.replacements.Load(),
		Released:         c.released.Load(),
		Pool:             c.poolMetrics(),
	}
	if c.Initialized() {
		m.TotalAgents++
	}
	return m
}

func (c *Coordinator) cacheSize() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return len(c.cache)
}

func (c *Coordinator) poolMetrics() *pool.Metrics {
	if c.pool == nil {
		return nil
	}
	m := c.pool.Metrics()
	return &m
}
