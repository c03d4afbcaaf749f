package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/container"
	"github.com/mtzanidakis/hive/internal/dispatch"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/notify"
	"github.com/mtzanidakis/hive/internal/pool"
	"github.com/mtzanidakis/hive/internal/queen"
	"github.com/mtzanidakis/hive/internal/registry"
	"github.com/mtzanidakis/hive/internal/scheduler"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/topology"
	"github.com/mtzanidakis/hive/internal/vault"
	"github.com/mtzanidakis/hive/internal/web"
)

const shutdownTimeout = 30 * time.Second

// gateway holds the components a config reload reaches into.
type gateway struct {
	cfg      *config.Config
	level    *slog.LevelVar
	coord    *swarm.Coordinator
	registry *registry.Registry
	sched    *scheduler.Scheduler
	notifier *notify.Notifier
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := setupLogging(os.Stderr, cfg.Log)
	log := slog.Default()

	log.Info("starting hive gateway", "version", version, "runtime", cfg.Defaults.Runtime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	log.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	log.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		if v, err = vault.New(cfg.Vault.Passphrase); err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	} else {
		log.Warn("vault passphrase not set, secrets disabled")
	}

	// Worker registry
	reg := registry.New(db, cfg.Workers, cfg.Defaults, v)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync worker registry: %w", err)
	}

	spawner, stopWorkers, err := newSpawner(ctx, cfg, reg, bus, log)
	if err != nil {
		return err
	}
	defer stopWorkers()

	voter, err := newVoter(ctx, cfg.Consensus, client, log)
	if err != nil {
		return err
	}

	topo := topology.New(swarm.Topology(cfg.Swarm.Topology),
		topology.WithPublisher(client),
		topology.WithLogger(log))

	authority := queen.New(queen.Config{},
		queen.WithRecorder(db),
		queen.WithCatalog(reg),
		queen.WithLogger(log))

	opts := []swarm.Option{swarm.WithEvents(client), swarm.WithLogger(log)}
	var agentPool *pool.Pool
	if cfg.Swarm.UsePool {
		agentPool = pool.New(ctx, spawner, poolConfig(cfg.Pool), pool.WithLogger(log))
		opts = append(opts, swarm.WithPool(agentPool))
	}

	coord := swarm.NewCoordinator(authority, spawner, voter, topo, swarmConfig(cfg.Swarm), opts...)
	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize swarm: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := coord.Shutdown(sctx); err != nil {
			log.Error("swarm shutdown", "error", err)
		}
	}()
	log.Info("swarm initialized", "topology", coord.Topology(), "max_agents", coord.MaxAgents())

	// Worker requests
	disp := dispatch.New(coord, db, log)
	if _, err := disp.ServeIPC(ctx, client); err != nil {
		return fmt.Errorf("serve ipc: %w", err)
	}

	// Scheduler
	schedOpts := []scheduler.Option{scheduler.WithPublisher(client), scheduler.WithLogger(log)}
	if agentPool != nil {
		schedOpts = append(schedOpts, scheduler.WithMaintenance(coord, agentPool))
	} else {
		schedOpts = append(schedOpts, scheduler.WithMaintenance(coord, nil))
	}
	sched := scheduler.New(db, disp, cfg.Scheduler, schedOpts...)
	go sched.Start(ctx)
	log.Info("scheduler started")

	gw := &gateway{cfg: cfg, level: level, coord: coord, registry: reg, sched: sched}

	// Telegram notifications
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		gw.notifier = notify.New(tg, cfg.Telegram, log)
		if _, err := gw.notifier.Subscribe(ctx, client); err != nil {
			return fmt.Errorf("subscribe notifier: %w", err)
		}
		log.Info("telegram notifications enabled", "chat", cfg.Telegram.ChatID)
	} else {
		log.Warn("telegram token not set, notifications disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Deps{
			Store:      db,
			Bus:        bus,
			Coord:      coord,
			Dispatcher: disp,
			Topology:   topo,
			Registry:   reg,
			Vault:      v,
		}, cfg.Web, version, log)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("web server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			gw.reload()
			continue
		}
		log.Info("shutting down", "signal", sig)
		break
	}
	cancel()
	return nil
}

// reload re-reads the config file and applies the fields that can change at
// runtime.
func (g *gateway) reload() {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}
	diff := config.Diff(g.cfg, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		g.cfg = next
		return
	}

	if diff.LogChanged {
		g.level.Set(parseLevel(diff.NewLog.Level))
	}
	if diff.MaxAgentsChanged {
		g.coord.SetMaxAgents(diff.NewMaxAgents)
	}
	if diff.WorkersModified() {
		if err := g.registry.Update(next.Workers, next.Defaults); err != nil {
			slog.Error("worker registry update failed", "error", err)
		}
	}
	if diff.SchedulerChanged {
		g.sched.UpdateConfig(diff.NewScheduler)
	}
	if diff.ChatIDChanged && g.notifier != nil {
		g.notifier.SetChatID(diff.NewChatID)
	}

	g.cfg = next
	slog.Info("config reloaded",
		"workers_added", diff.WorkersAdded,
		"workers_removed", diff.WorkersRemoved,
		"workers_changed", diff.WorkersChanged,
		"max_agents", g.coord.MaxAgents())
}

func newSpawner(ctx context.Context, cfg *config.Config, reg *registry.Registry, bus *natsbus.Bus, log *slog.Logger) (agent.Spawner, func(), error) {
	switch cfg.Defaults.Runtime {
	case "docker":
		docker, err := container.NewDocker(log)
		if err != nil {
			return nil, nil, fmt.Errorf("init docker: %w", err)
		}
		sp := container.NewSpawner(docker, reg, container.SpawnerConfig{
			NATSURL:      bus.WorkerURL(),
			WorkspaceDir: cfg.Defaults.WorkspaceDir,
		}, log)
		if n, err := sp.CleanupStale(ctx); err != nil {
			log.Warn("stale container cleanup failed", "error", err)
		} else if n > 0 {
			log.Info("removed stale worker containers", "count", n)
		}
		return sp, func() {
			sp.StopAll(context.Background())
			_ = docker.Close()
		}, nil
	case "memory", "":
		return agent.NewMemorySpawner(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown runtime %q", cfg.Defaults.Runtime)
	}
}

// newVoter builds the consensus engine. In bus mode the configured voters
// answer on the bus next to any worker that does.
func newVoter(ctx context.Context, cfg config.ConsensusConfig, client *natsbus.Client, log *slog.Logger) (*consensus.Engine, error) {
	voters := make([]consensus.Evaluator, 0, len(cfg.Voters))
	for _, role := range cfg.Voters {
		voters = append(voters, consensus.NewRoleVoter(role))
	}

	var collector consensus.Collector
	switch cfg.Mode {
	case "bus":
		for _, v := range voters {
			if _, err := consensus.Serve(ctx, client, v, log); err != nil {
				return nil, fmt.Errorf("serve voter: %w", err)
			}
		}
		collector = consensus.NewBusCollector(client, max(cfg.Quorum, len(voters)), cfg.Timeout, log)
	default:
		collector = consensus.NewPanel(log, voters...)
	}
	return consensus.New(collector, consensus.Config{Quorum: cfg.Quorum}, consensus.WithLogger(log)), nil
}

func swarmConfig(c config.SwarmConfig) swarm.Config {
	return swarm.Config{
		AuthorityID:         c.AuthorityID,
		MaxAgents:           c.MaxAgents,
		Topology:            swarm.Topology(c.Topology),
		ConsensusTTL:        c.ConsensusTTL,
		CachePruneThreshold: c.CachePruneThreshold,
		ShutdownConcurrency: c.ShutdownConcurrency,
		ConsensusTimeout:    c.ConsensusTimeout,
	}
}

func poolConfig(c config.PoolConfig) pool.Config {
	return pool.Config{
		MaxSize:        c.MaxSize,
		MinSize:        c.MinSize,
		IdleTimeout:    c.IdleTimeout,
		Policy:         pool.Policy(c.Policy),
		PrewarmTypes:   c.PrewarmTypes,
		WaitAttempts:   c.WaitAttempts,
		WaitInterval:   c.WaitInterval,
		StrictCapacity: c.StrictCapacity,
	}
}
