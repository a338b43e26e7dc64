package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/client/auth"
	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/config"
	"github.com/raeenos/raepkg/internal/fetch"
	"github.com/raeenos/raepkg/internal/repo"
	"github.com/raeenos/raepkg/internal/resolver"
	"github.com/raeenos/raepkg/internal/signing"
	"github.com/raeenos/raepkg/internal/txn"
)

// app bundles everything a command needs: the configuration plus the
// catalog, repositories, resolver, and transaction engine wired together.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *catalog.Store
	repos    *repo.Manager
	client   *fetch.Client
	keyring  *signing.Keyring
	resolver *resolver.Resolver
	engine   *txn.Engine
	syncer   *repo.Syncer
}

// newApp loads the configuration and wires the application. Failure here
// is fatal; without a catalog there is nothing a command can do.
func newApp() *app {
	cfg, err := config.Load(flagConfigDir)
	if err != nil {
		errors.ExitWithError(err, "failed to load configuration")
	}

	logger := newLogger(cfg)

	store, err := catalog.Open(cfg.CatalogPath(), logger)
	if err != nil {
		errors.ExitWithError(err, "failed to open catalog")
	}

	keyring, err := signing.LoadKeyring(cfg.KeysDir(), logger)
	if err != nil {
		errors.ExitWithError(err, "failed to load trusted keys")
	}

	repos := repo.NewManager(cfg.ReposDir(), logger)
	client := fetch.NewClient(auth.NewSource(logger), logger)
	res := resolver.New(store, resolver.Options{AllowDowngrades: cfg.AllowDowngrades}, logger)

	engine := txn.NewEngine(store, res, repos, client, keyring, txn.Options{
		InstallRoot:      cfg.InstallRoot,
		CacheDir:         cfg.CacheDir,
		StateDir:         cfg.StateDir,
		LockPath:         cfg.LockPath(),
		MaxParallel:      cfg.MaxParallelDownloads,
		VerifySignatures: cfg.VerifySignatures,
		AllowUnsigned:    cfg.AllowUnsigned,
	}, logger)

	syncer := repo.NewSyncer(repos, store, client, keyring, cfg.IndexCacheDir(), logger)
	syncer.VerifySignatures = cfg.VerifySignatures
	syncer.AllowUnsigned = cfg.AllowUnsigned
	syncer.Jobs = cfg.MaxParallelDownloads

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		repos:    repos,
		client:   client,
		keyring:  keyring,
		resolver: res,
		engine:   engine,
		syncer:   syncer,
	}
}

// newLogger builds the CLI logger on stderr. Command output goes to stdout;
// the log carries warnings unless verbose mode asks for more. Verbose wins
// when both it and quiet are set.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	if flagQuiet {
		level = slog.LevelError
	}
	if flagVerbose || cfg.Verbose || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// commandContext returns a context cancelled by SIGINT or SIGTERM.
// Cancelling mid-commit finishes the step in flight, then rolls back.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// assumeYes reports whether confirmation prompts are suppressed.
func (a *app) assumeYes() bool {
	return flagYes || a.cfg.AssumeYes
}

// recoverInterrupted rolls back transactions a crash left mid-commit.
// Mutating commands call it before starting new work.
func (a *app) recoverInterrupted(ctx context.Context) {
	ids, err := a.engine.Recover(ctx)
	if err != nil {
		a.logger.Warn("Transaction recovery failed", "error", err)
		return
	}
	for _, id := range ids {
		output.PrintWarning("Rolled back interrupted transaction %d", id)
	}
}
