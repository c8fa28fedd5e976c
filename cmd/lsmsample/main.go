package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dbrumbaugh/sampling-extension/internal/config"
	httpserver "github.com/dbrumbaugh/sampling-extension/internal/http"
	"github.com/dbrumbaugh/sampling-extension/pkg/tree"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	rng := rand.New(rand.NewPCG(cfg.Tree.Seed, cfg.Tree.Seed^0x9e3779b97f4a7c15))

	t, err := buildTree(&cfg, rng)
	if err != nil {
		slog.Error("failed to build tree", "error", err)
		os.Exit(1)
	}

	server := httpserver.NewServer(t, fmt.Sprintf("%d", cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Warn("server shutdown error", "error", err)
	}
	if err := t.Persist(manifestDir(&cfg)); err != nil {
		slog.Error("final persist failed", "error", err)
		os.Exit(1)
	}
	slog.Info("stopped")
}

// buildTree reloads an existing snapshot when one is present, otherwise
// starts empty.
func buildTree(cfg *config.Config, rng *rand.Rand) (*tree.Tree, error) {
	opts := treeOptions(cfg)
	dir := manifestDir(cfg)

	if _, err := os.Stat(filepath.Join(dir, "MANIFEST")); err == nil {
		return tree.Load(cfg.Tree.RootPath, dir, opts, rng)
	}
	return tree.New(cfg.Tree.RootPath, opts, rng)
}

func manifestDir(cfg *config.Config) string {
	return filepath.Join(cfg.Tree.RootPath, "snapshot")
}

func treeOptions(cfg *config.Config) tree.Options {
	opts := tree.Default()
	opts.MemtableCap = cfg.Tree.MemtableCap
	opts.MemtableTombstoneCap = cfg.Tree.MemtableTombstoneCap
	opts.ScaleFactor = cfg.Tree.ScaleFactor
	opts.MaxTombstoneProp = cfg.Tree.MaxTombstoneProp
	opts.Weighted = cfg.Tree.Weighted
	opts.MemtableRejection = cfg.Tree.MemtableRejection
	opts.BloomFPR = cfg.Tree.BloomFPRate
	opts.BloomHashCount = cfg.Tree.BloomHashCount
	opts.MaxRejectionRatio = cfg.Tree.MaxRejectionRatio
	if cfg.Tree.Policy == "leveling" {
		opts.Policy = tree.Leveling
	}
	if cfg.Tree.DeleteMode == "tagging" {
		opts.DeleteMode = tree.DeleteTagging
	}
	return opts
}

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logger.Level {
	case "DEBUG", "debug":
		level = slog.LevelDebug
	case "WARN", "warn":
		level = slog.LevelWarn
	case "ERROR", "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
