// Package supervisor implements process
// bootstrap that loads configuration, acquires the single-instance lock,
// opens the Store, and spawns one independent Bot Adapter per configured
// bot.
//
// Grounded on vanducng-goclaw/cmd/gateway.go's runGateway bootstrap shape
// (load config, open stores, spawn channel managers, signal-driven graceful
// shutdown) narrowed to this module's single Store and single chat
// transport, and on hellcatjack/codex-session-gateway's main.py
// (acquire-lock-then-run-per-bot-adapter ordering, fatal on zero bots or
// lock contention).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nextlevelbuilder/codexgw/internal/channels/telegram"
	"github.com/nextlevelbuilder/codexgw/internal/codexdriver"
	"github.com/nextlevelbuilder/codexgw/internal/config"
	"github.com/nextlevelbuilder/codexgw/internal/lock"
	"github.com/nextlevelbuilder/codexgw/internal/orchestrator"
	"github.com/nextlevelbuilder/codexgw/internal/sessions"
	"github.com/nextlevelbuilder/codexgw/internal/store"
)

// Supervisor owns the process-wide resources shared by every Bot Adapter:
// the single-instance lock and the Store.
type Supervisor struct {
	cfg      *config.App
	fileLock *lock.FileLock
	st       *store.Store

	channels []*telegram.Channel
}

// New loads configuration from path (or the environment fallback, per
// config.Load), acquires the single-instance lock, and opens the Store. The
// returned Supervisor owns both and must have Close called on every exit
// path.
func New(cfgPath string) (*Supervisor, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Bots) == 0 {
		return nil, fmt.Errorf("no valid bots configured")
	}

	lockPath := cfg.Base.LockPath
	if lockPath == "" {
		lockPath = "/tmp/codexgw.lock"
	}
	fl, err := lock.Acquire(lockPath)
	if err != nil {
		return nil, fmt.Errorf("acquire single-instance lock at %s: %w", lockPath, err)
	}

	dbPath := cfg.Base.DBPath
	if dbPath == "" {
		dbPath = "codexgw.sqlite"
	}
	if err := os.MkdirAll(parentDir(dbPath), 0o755); err != nil {
		fl.Release()
		return nil, fmt.Errorf("ensure store directory: %w", err)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fl.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &Supervisor{cfg: cfg, fileLock: fl, st: st}, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Run starts one Bot Adapter per configured bot and blocks until ctx is
// canceled, then stops every adapter. The lock and the Store are released
// by Close, not by Run.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, bot := range s.cfg.Bots {
		rt := config.BuildRuntime(s.cfg.Base, bot)
		sessionMgr := sessions.NewManager(s.st)
		driver := codexdriver.New(rt)
		orch := orchestrator.New(rt, sessionMgr, s.st, driver, bot.Name)

		ch, err := telegram.New(rt, orch)
		if err != nil {
			slog.Error("failed to construct bot adapter, skipping", "bot", bot.Name, "error", err)
			continue
		}
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start bot adapter, skipping", "bot", bot.Name, "error", err)
			continue
		}
		s.channels = append(s.channels, ch)
	}

	if len(s.channels) == 0 {
		return fmt.Errorf("no bot adapters started successfully")
	}

	<-ctx.Done()
	s.stopAll()
	return nil
}

func (s *Supervisor) stopAll() {
	var wg sync.WaitGroup
	for _, ch := range s.channels {
		wg.Add(1)
		go func(ch *telegram.Channel) {
			defer wg.Done()
			if err := ch.Stop(context.Background()); err != nil {
				slog.Warn("bot adapter stop error", "error", err)
			}
		}(ch)
	}
	wg.Wait()
}

// Close releases the single-instance lock and closes the Store. Safe to
// call even if Run was never invoked.
func (s *Supervisor) Close() {
	if s.st != nil {
		if err := s.st.Close(); err != nil {
			slog.Warn("store close error", "error", err)
		}
	}
	if s.fileLock != nil {
		if err := s.fileLock.Release(); err != nil {
			slog.Warn("lock release error", "error", err)
		}
	}
}
