// Package app assembles the process: config, logging, the chat client, the
// store, and the notification engine, plus the runtime config watcher.
package app

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"chimebot/internal/chat"
	"chimebot/internal/config"
	"chimebot/internal/notify"
	"chimebot/internal/store"
	"chimebot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	chat  *chat.Client
	store store.Store
	reg   *notify.Registry
	svc   *notify.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	chatTimeout, err := config.ParseDurationOrDefault("chat.timeout", cfg.Chat.Timeout, 8*time.Second)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(cfg.Chat.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("chat.private_key_file: %w", err)
	}
	chatClient, err := chat.New(chat.Config{
		CredentialsEmail: cfg.Chat.CredentialsEmail,
		PrivateKey:       key,
		TokenURL:         cfg.Chat.TokenURL,
		BaseURL:          cfg.Chat.BaseURL,
		Timeout:          chatTimeout,
		SendRatePerSec:   cfg.Chat.SendRatePerSec,
	}, log.With(logx.String("comp", "chat")))
	if err != nil {
		return nil, err
	}
	logSvc.SetAlertSender(func(ctx context.Context, text, threadID, space string) error {
		_, err := chatClient.SendMessage(ctx, text, threadID, space)
		return err
	})

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	reg := notify.NewRegistry(log.With(logx.String("comp", "registry")))
	svc := notify.NewService(st, chatClient, reg, log.With(logx.String("comp", "notify")))

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		chat:   chatClient,
		store:  st,
		reg:    reg,
		svc:    svc,
	}, nil
}

// Start syncs the directory, rebuilds persisted triggers, starts the cron
// runner, and begins watching the config file for logging changes.
func (a *App) Start(ctx context.Context) error {
	a.syncDirectory(ctx)

	if err := a.svc.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild triggers: %w", err)
	}
	a.reg.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	updates := a.cfgMgr.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.logSvc.Apply(logConfig(cfg.Logging))
				a.log.Info("logging config reloaded")
			}
		}
	}()

	a.log.Info("engine started")
	return nil
}

func (a *App) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.reg.Stop(ctx)
	a.wg.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("engine stopped")
	_ = a.logSvc.Close()
}

// Notifications exposes the engine to API surfaces (and tests).
func (a *App) Notifications() *notify.Service { return a.svc }

// syncDirectory mirrors the bot's spaces and their members into the store.
// Best effort: a platform hiccup here must not block startup, since triggers
// rebuild from rows that already exist.
func (a *App) syncDirectory(ctx context.Context) {
	spaces, err := a.chat.ListSpaces(ctx)
	if err != nil {
		a.log.Warn("directory sync: listing spaces failed", logx.Err(err))
		return
	}
	for _, sp := range spaces {
		rec := notify.Space{ID: path.Base(sp.Name), Name: sp.Name, DisplayName: sp.DisplayName}
		if err := a.store.UpsertSpace(ctx, rec); err != nil {
			a.log.Warn("directory sync: space upsert failed", logx.String("space", sp.Name), logx.Err(err))
			continue
		}
		members, err := a.chat.ListMembers(ctx, sp.Name)
		if err != nil {
			a.log.Warn("directory sync: listing members failed", logx.String("space", sp.Name), logx.Err(err))
			continue
		}
		for _, m := range members {
			rec := notify.Member{ID: path.Base(m.Name), Name: m.Name, DisplayName: m.DisplayName, Email: m.Email}
			if err := a.store.UpsertMember(ctx, rec); err != nil {
				a.log.Warn("directory sync: member upsert failed", logx.String("member", m.Name), logx.Err(err))
			}
		}
	}
	a.log.Info("directory synced", logx.Int("spaces", len(spaces)))
}

func logConfig(cfg config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   cfg.Level,
		Console: cfg.Console,
		File: logx.FileConfig{
			Enabled: cfg.File.Enabled,
			Path:    cfg.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Alert.Enabled,
			Space:      cfg.Alert.Space,
			ThreadID:   cfg.Alert.ThreadID,
			MinLevel:   cfg.Alert.MinLevel,
			RatePerSec: cfg.Alert.RatePerSec,
		},
	}
}
