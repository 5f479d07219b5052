package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/conorfennell/sprout/internal/config"
	"github.com/conorfennell/sprout/internal/gate"
	"github.com/conorfennell/sprout/internal/gitsource"
	"github.com/conorfennell/sprout/internal/logging"
	"github.com/conorfennell/sprout/internal/recovery"
	"github.com/conorfennell/sprout/internal/review"
	"github.com/conorfennell/sprout/internal/storage"
	"github.com/conorfennell/sprout/internal/sync"
	"github.com/conorfennell/sprout/internal/vault"
)

// app is everything a command needs, built from the configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	root     string // vault directory on disk
	source   *gitsource.Source
	store    *storage.Store
	gate     *gate.Gate
	engine   *sync.Engine
	reviewer *review.Reviewer
}

// loadConfig reads the configuration and builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, io.Closer, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

// openApp opens the store and wires the engine.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, logger, closer, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, logCloser: closer, root: cfg.Vault, gate: gate.New()}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}
	if cfg.Git.Remote != "" {
		a.source, err = gitsource.New(cfg.ReposDir(), cfg.Git.Remote, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.root = a.source.LocalPath
	}

	dataFS := osfs.New(cfg.DataDir)
	a.store, err = storage.Open(ctx, cfg.DBPath(), storage.Options{
		SnapshotFS:   dataFS,
		SnapshotPath: cfg.Snapshot,
		Logger:       logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	opts := sync.Options{
		Vault:       vault.New(osfs.New(a.root)),
		Store:       a.store,
		Gate:        a.gate,
		Recovery:    recovery.New(recoveryOptions(cfg, dataFS, logger)),
		Logger:      logger,
		Concurrency: cfg.Concurrency,
	}
	if a.source != nil && cfg.Git.PullOnSync {
		opts.Puller = a.source
	}
	a.engine = sync.New(opts)
	a.reviewer = review.New(a.store, a.gate, logger)
	return a, nil
}

func recoveryOptions(cfg *config.Config, dataFS billy.Filesystem, logger *slog.Logger) recovery.Options {
	opts := recovery.DefaultOptions(dataFS)
	base := strings.TrimSuffix(cfg.Snapshot, ".json")
	opts.Primary = cfg.Snapshot
	opts.Variants = []string{cfg.Snapshot + ".bak", base + ".backup.json", cfg.Snapshot + ".tmp"}
	opts.BackupDir = cfg.Recovery.BackupDir
	opts.MinKeyRatio = cfg.Recovery.MinKeyRatio
	opts.Logger = logger
	return opts
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// docPath turns a command-line document path into a vault path.
func (a *app) docPath(arg string) (string, error) {
	p := arg
	if filepath.IsAbs(p) {
		root, err := filepath.Abs(a.root)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("%s is outside the vault %s", arg, a.root)
		}
		p = rel
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%s is outside the vault %s", arg, a.root)
	}
	return p, nil
}

var errNoRemote = errors.New("no git remote configured (set git.remote)")
