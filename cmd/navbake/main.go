// Package main bakes a level's navmesh into a compressed artifact.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/config"
	"github.com/cory-johannsen/levelsim/internal/level"
	"github.com/cory-johannsen/levelsim/internal/navmesh"
	"github.com/cory-johannsen/levelsim/internal/observability"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	levelPath := flag.String("level", "content/levels/demo.yaml", "path to the level YAML file")
	out := flag.String("out", "", "artifact path (default: <level key>.navmesh)")
	verify := flag.Bool("verify", true, "read the artifact back and compare polygon counts")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	lvl, err := level.LoadLevelFromFile(*levelPath)
	if err != nil {
		logger.Fatal("loading level", zap.Error(err))
	}
	in, err := navmesh.InputOf(lvl)
	if err != nil {
		logger.Fatal("extracting floor geometry", zap.Error(err))
	}

	builder, err := navmesh.NewBuilder(navmesh.Params{
		CellSize:    cfg.Navmesh.CellSize,
		CellHeight:  cfg.Navmesh.CellHeight,
		TileSize:    cfg.Navmesh.TileSize,
		DoorwayCost: cfg.Navmesh.DoorwayCost,
	}, logger)
	if err != nil {
		logger.Fatal("invalid navmesh parameters", zap.Error(err))
	}
	mesh, stats, err := builder.Build(1, in)
	if err != nil {
		logger.Fatal("building navmesh", zap.Error(err))
	}

	path := *out
	if path == "" {
		path = lvl.Key() + ".navmesh"
	}
	if err := navmesh.WriteFile(path, mesh); err != nil {
		logger.Fatal("writing navmesh", zap.String("path", path), zap.Error(err))
	}

	if *verify {
		back, err := navmesh.ReadFile(path)
		if err != nil {
			logger.Fatal("reading navmesh back", zap.Error(err))
		}
		if back.PolyCount() != mesh.PolyCount() {
			logger.Fatal("navmesh artifact mismatch",
				zap.Int("built", mesh.PolyCount()),
				zap.Int("read", back.PolyCount()),
			)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Fatal("stat navmesh", zap.Error(err))
	}
	fmt.Fprintf(os.Stdout, "baked %s: tiles=%d polys=%d dropped=%d bytes=%d [%s]\n",
		path, stats.Tiles, stats.Polys, stats.Dropped, info.Size(), time.Since(start))
}
