package main

import (
	"fmt"
	"path/filepath"

	"github.com/dispatchd/dispatchd/internal/daemon"
	"github.com/dispatchd/dispatchd/internal/ports"
	"github.com/dispatchd/dispatchd/internal/sessionmanager"
	"github.com/dispatchd/dispatchd/internal/settings"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/worktree"
)

// app bundles the daemon and its collaborators so serve/poll/doctor can
// share one construction path and one shutdown sequence.
type app struct {
	daemon   *daemon.Daemon
	settings *settings.Service
	store    *store.Store
}

func buildApp() (*app, error) {
	settingsSvc, err := settings.NewService(configPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	cfg := settingsSvc.Get()

	resolvedDataDir := cfg.DataDir
	if dataDir != "" {
		resolvedDataDir = dataDir
	}

	dbPath := filepath.Join(resolvedDataDir, "dispatchd.db")
	elementStore, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	router := sessionmanager.NewRouter()
	for _, execCfg := range cfg.Executables {
		backend, err := buildBackend(execCfg)
		if err != nil {
			elementStore.Close()
			return nil, fmt.Errorf("configure executable %q: %w", execCfg.Name, err)
		}
		router.Register(execCfg.Name, backend)
	}

	worktreeBaseDir := filepath.Join(resolvedDataDir, "worktrees")
	worktreeMgr := worktree.New(".", worktreeBaseDir)

	d := daemon.New(daemon.Deps{
		Elements: elementStore,
		Inbox:    elementStore,
		Sessions: router,
		Worktree: worktreeMgr,
		Settings: settingsSvc,
	}, daemon.DefaultConfig())

	return &app{daemon: d, settings: settingsSvc, store: elementStore}, nil
}

func buildBackend(cfg settings.ExecutableConfig) (ports.SessionManager, error) {
	switch cfg.Kind {
	case "anthropic":
		apiKey, err := settings.GetSecret(cfg.APIKeyRef)
		if err != nil {
			return nil, err
		}
		return sessionmanager.NewAnthropicManager(apiKey, cfg.Model), nil
	case "openai":
		apiKey, err := settings.GetSecret(cfg.APIKeyRef)
		if err != nil {
			return nil, err
		}
		return sessionmanager.NewOpenAIManager(apiKey, cfg.Model, cfg.BaseURL), nil
	case "process":
		return sessionmanager.NewProcessManager(cfg.Command, cfg.Args), nil
	default:
		return nil, fmt.Errorf("unknown executable kind %q", cfg.Kind)
	}
}

func (a *app) close() {
	a.store.Close()
}
