package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	WorkersAdded   []string
	WorkersRemoved []string
	WorkersChanged []string

	DefaultsChanged bool
	NewDefaults     DefaultsConfig

	MaxAgentsChanged bool
	NewMaxAgents     int

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	ChatIDChanged bool
	NewChatID     int64

	LogChanged bool
	NewLog     LogConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.WorkersAdded) > 0 ||
		len(d.WorkersRemoved) > 0 ||
		len(d.WorkersChanged) > 0 ||
		d.DefaultsChanged ||
		d.MaxAgentsChanged ||
		d.SchedulerChanged ||
		d.ChatIDChanged ||
		d.LogChanged
}

// WorkersModified reports whether the worker registry must be re-synced.
func (d *ConfigDiff) WorkersModified() bool {
	return len(d.WorkersAdded) > 0 || len(d.WorkersRemoved) > 0 || len(d.WorkersChanged) > 0 || d.DefaultsChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Workers {
		if _, ok := old.Workers[name]; !ok {
			d.WorkersAdded = append(d.WorkersAdded, name)
		}
	}
	for name := range old.Workers {
		if _, ok := new.Workers[name]; !ok {
			d.WorkersRemoved = append(d.WorkersRemoved, name)
		}
	}
	for name, newDef := range new.Workers {
		if oldDef, ok := old.Workers[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.WorkersChanged = append(d.WorkersChanged, name)
			}
		}
	}
	slices.Sort(d.WorkersAdded)
	slices.Sort(d.WorkersRemoved)
	slices.Sort(d.WorkersChanged)

	if old.Defaults.Image != new.Defaults.Image || old.Defaults.Model != new.Defaults.Model {
		d.DefaultsChanged = true
		d.NewDefaults = new.Defaults
	}

	if old.Swarm.MaxAgents != new.Swarm.MaxAgents {
		d.MaxAgentsChanged = true
		d.NewMaxAgents = new.Swarm.MaxAgents
	}

	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if old.Telegram.ChatID != new.Telegram.ChatID {
		d.ChatIDChanged = true
		d.NewChatID = new.Telegram.ChatID
	}

	if old.Log != new.Log {
		d.LogChanged = true
		d.NewLog = new.Log
	}

	// Non-reloadable warnings
	if old.Defaults.Runtime != new.Defaults.Runtime {
		d.NonReloadable = append(d.NonReloadable, "defaults.runtime")
	}
	if old.Defaults.WorkspaceDir != new.Defaults.WorkspaceDir {
		d.NonReloadable = append(d.NonReloadable, "defaults.workspace_dir")
	}
	if old.Swarm.Topology != new.Swarm.Topology {
		d.NonReloadable = append(d.NonReloadable, "swarm.topology")
	}
	if old.Swarm.UsePool != new.Swarm.UsePool {
		d.NonReloadable = append(d.NonReloadable, "swarm.use_pool")
	}
	if old.Swarm.ConsensusTTL != new.Swarm.ConsensusTTL {
		d.NonReloadable = append(d.NonReloadable, "swarm.consensus_ttl")
	}
	if old.Swarm.ConsensusTimeout != new.Swarm.ConsensusTimeout {
		d.NonReloadable = append(d.NonReloadable, "swarm.consensus_timeout")
	}
	if !reflect.DeepEqual(old.Pool, new.Pool) {
		d.NonReloadable = append(d.NonReloadable, "pool")
	}
	if !reflect.DeepEqual(old.Consensus, new.Consensus) {
		d.NonReloadable = append(d.NonReloadable, "consensus")
	}
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
