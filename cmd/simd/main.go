// Package main runs a level simulation with its observer stream and optional door grant storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/config"
	"github.com/cory-johannsen/levelsim/internal/crowd"
	"github.com/cory-johannsen/levelsim/internal/doors"
	"github.com/cory-johannsen/levelsim/internal/level"
	"github.com/cory-johannsen/levelsim/internal/observability"
	"github.com/cory-johannsen/levelsim/internal/scripting"
	"github.com/cory-johannsen/levelsim/internal/server"
	"github.com/cory-johannsen/levelsim/internal/sim"
	"github.com/cory-johannsen/levelsim/internal/storage/postgres"
	"github.com/cory-johannsen/levelsim/internal/transport/observer"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	levelPath := flag.String("level", "content/levels/demo.yaml", "path to the level YAML file")
	patrol := flag.String("patrol", "", "comma-separated agents that patrol between the level's points of interest")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	lvlStart := time.Now()
	lvl, err := level.LoadLevelFromFile(*levelPath)
	if err != nil {
		logger.Fatal("loading level", zap.Error(err))
	}
	logger.Info("level loaded",
		zap.String("level", lvl.Key()),
		zap.Int("instances", lvl.InstanceCount()),
		zap.Int("doors", lvl.DoorCount()),
		zap.Duration("elapsed", time.Since(lvlStart)),
	)

	lifecycle := server.NewLifecycle(logger)
	access := doors.NewAccessStore()

	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		repo := postgres.NewAccessRepository(pool.DB())
		agents, err := repo.Refresh(ctx, access)
		if err != nil {
			logger.Fatal("loading door access grants", zap.Error(err))
		}
		logger.Info("door access grants loaded",
			zap.Int("agents", agents),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		// Grants written to the database while running are picked up on the next refresh.
		lifecycle.Add("grants", server.NewRunService(func(ctx context.Context) error {
			defer pool.Close()
			t := time.NewTicker(30 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("grant database unhealthy, keeping current grants", zap.Error(err))
						continue
					}
					if _, err := repo.Refresh(ctx, access); err != nil {
						logger.Warn("door access grant refresh failed", zap.Error(err))
					}
				}
			}
		}))
	}

	var scripts *scripting.Manager
	if cfg.Scripting.ScriptDir != "" {
		scripts = scripting.NewManager(observability.WorkerLogger(logger, observability.WorkerScripting))
		if err := scripts.LoadDir(cfg.Scripting.ScriptDir, cfg.Scripting.InstructionLimit); err != nil {
			logger.Fatal("loading door policy scripts", zap.Error(err))
		}
		defer scripts.Close()
		logger.Info("door policy scripts loaded", zap.String("dir", cfg.Scripting.ScriptDir))
	}

	session, err := sim.New(cfg, lvl, sim.Options{Access: access, Scripts: scripts}, logger)
	if err != nil {
		logger.Fatal("creating session", zap.Error(err))
	}
	lifecycle.Add("session", server.NewRunService(session.Run))

	if *patrol != "" {
		agents := strings.Split(*patrol, ",")
		lifecycle.Add("patrol", server.NewRunService(func(ctx context.Context) error {
			return runPatrols(ctx, session, lvl, agents, logger)
		}))
	}

	if cfg.Observer.Enabled {
		obs := observer.NewServer(session.Bus(), cfg.Simulation.BusBuffer,
			observability.WorkerLogger(logger, observability.WorkerObserver))
		lifecycle.Add("observer", &server.FuncService{
			StartFn: func() error { return obs.ListenAndServe(cfg.Observer.Addr()) },
			StopFn:  func() { obs.Shutdown(5 * time.Second) },
		})
	}

	logger.Info("simulation initialized",
		zap.String("session", session.ID().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("simulation error", zap.Error(err))
	}
}

// runPatrols spawns each agent at a point of interest and walks it around every point in turn.
func runPatrols(ctx context.Context, s *sim.Session, lvl *level.Level, agents []string, logger *zap.Logger) error {
	var stops []mgl64.Vec3
	for _, inst := range lvl.Instances() {
		for _, p := range inst.Points {
			stops = append(stops, mgl64.Vec3{p.Center.X(), inst.Elevation, p.Center.Y()})
		}
	}
	if len(stops) == 0 {
		return fmt.Errorf("level %s has no points of interest to patrol", lvl.Key())
	}

	select {
	case <-s.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	for i, agent := range agents {
		if err := s.Spawn(ctx, agent, stops[i%len(stops)]); err != nil {
			return fmt.Errorf("spawning %s: %w", agent, err)
		}
	}

	next := make(map[string]int, len(agents))
	for i, agent := range agents {
		next[agent] = (i + 1) % len(stops)
	}
	for {
		walks := make(map[string]*crowd.Walk, len(agents))
		for _, agent := range agents {
			w, err := s.Walk(ctx, agent, stops[next[agent]])
			next[agent] = (next[agent] + 1) % len(stops)
			if err != nil {
				logger.Debug("patrol walk rejected", zap.String("npc", agent), zap.Error(err))
				continue
			}
			walks[agent] = w
		}
		if len(walks) == 0 {
			return fmt.Errorf("no patrol walk could start")
		}
		for agent, w := range walks {
			select {
			case <-w.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			if w.Err() != nil {
				logger.Info("patrol leg ended early", zap.String("npc", agent), zap.Error(w.Err()))
			}
		}
	}
}
