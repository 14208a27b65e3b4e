package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muxtunnel/muxtunneld/internal/claude"
	"github.com/muxtunnel/muxtunneld/internal/config"
	"github.com/muxtunnel/muxtunneld/internal/daemon"
	"github.com/muxtunnel/muxtunneld/internal/order"
	"github.com/muxtunnel/muxtunneld/internal/ptymux"
	"github.com/muxtunnel/muxtunneld/internal/resolver"
	"github.com/muxtunnel/muxtunneld/internal/settings"
	"github.com/muxtunnel/muxtunneld/internal/tmux"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flag.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "directory with the SPA bundle")
	flag.StringVar(&cfg.ConfigDir, "config-dir", cfg.ConfigDir, "directory for settings, order and history files")
	flag.StringVar(&cfg.ClaudeRoot, "claude-root", cfg.ClaudeRoot, "root of the assistant transcript tree")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settingsStore := settings.NewStore(cfg.ConfigDir, cfg.SettingsDebounce, log)
	if err := settingsStore.WriteDefaults(); err != nil {
		log.Warn("write defaults.jsonc failed", "error", err)
	}
	settingsStore.Load()
	go settingsStore.Watch(ctx)

	home, err := os.UserHomeDir()
	if err != nil {
		fatal(fmt.Errorf("resolve home dir: %w", err))
	}
	resolverOpts := func() resolver.Options {
		record, _ := settingsStore.Get()
		return resolver.Options{
			Strategy: record.Resolver,
			MaxDepth: record.Projects.MaxDepth,
			Ignore:   record.Projects.Ignore,
		}
	}
	projects := resolver.New(home, cfg.HistoryFile(), resolverOpts, log)
	projects.Init(ctx)
	startRescanLoop(ctx, projects, cfg.RescanInterval)

	watcher := claude.NewWatcher(cfg.ClaudeRoot, log)
	go watcher.Run(ctx)

	orderStore := order.NewStore(cfg.OrderFile(), log)
	orderStore.Load()

	tmuxClient := tmux.NewClient(cfg.CommandTimeout)
	hookInstalled := installHook(ctx, tmuxClient, cfg, log)

	srv := daemon.NewServer(cfg, daemon.Deps{
		Tmux:     tmuxClient,
		Watcher:  watcher,
		Resolver: projects,
		Settings: settingsStore,
		Order:    orderStore,
		Ptys:     ptymux.NewMux(log),
		Log:      log,
	})
	err = srv.Start(ctx)
	if hookInstalled {
		uninstallHook(tmuxClient, log)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// startRescanLoop keeps the project cache warm so list requests rarely
// pay the walk inline.
func startRescanLoop(ctx context.Context, projects *resolver.Resolver, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	projects.Rescan()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				projects.Rescan()
			}
		}
	}()
}

// installHook wires the tmux client-session-changed hook to the
// gateway callback. The hook is global tmux state, so shutdown must
// pair a successful install with uninstallHook.
func installHook(ctx context.Context, tmuxClient *tmux.Client, cfg config.Config, log *slog.Logger) bool {
	callback := fmt.Sprintf("http://%s/api/internal/session-changed", cfg.Addr())
	if err := tmuxClient.InstallSessionChangedHook(ctx, callback); err != nil {
		log.Warn("session-changed hook not installed", "error", err)
		return false
	}
	return true
}

// uninstallHook runs on a fresh context: the signal context is already
// cancelled by the time teardown happens.
func uninstallHook(tmuxClient *tmux.Client, log *slog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tmuxClient.UninstallSessionChangedHook(cleanupCtx); err != nil {
		log.Warn("session-changed hook not removed", "error", err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "muxtunneld: %v\n", err)
	os.Exit(1)
}
