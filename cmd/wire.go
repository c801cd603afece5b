package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	authadapter "github.com/bnema/tether/internal/adapters/auth"
	chainstore "github.com/bnema/tether/internal/adapters/kv/chain"
	filestore "github.com/bnema/tether/internal/adapters/kv/file"
	"github.com/bnema/tether/internal/adapters/kv/memory"
	passstore "github.com/bnema/tether/internal/adapters/kv/pass"
	sqlitestore "github.com/bnema/tether/internal/adapters/kv/sqlite"
	tomlstore "github.com/bnema/tether/internal/adapters/kv/toml"
	"github.com/bnema/tether/internal/adapters/realtime/gorilla"
	statusadapter "github.com/bnema/tether/internal/adapters/render/status"
	"github.com/bnema/tether/internal/application"
	"github.com/bnema/tether/internal/config"
	"github.com/bnema/tether/internal/logging"
	"github.com/bnema/tether/internal/ports"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type app struct {
	cfg            config.Config
	logger         zerolog.Logger
	store          ports.KeyValueStore
	watcher        ports.StoreWatcher
	closeStore     func() error
	registry       *application.EndpointRegistry
	sessions       *application.SessionManager
	pipeline       *application.RequestPipeline
	dialer         ports.RealtimeDialer
	statusRenderer func(application.Status, statusadapter.RenderOptions) (string, error)
	now            func() time.Time
}

func wireApp(ctx context.Context, v *viper.Viper, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	clock := ports.SystemClock{}

	store, watcher, closeStore, err := openStore(ctx, cfg, clock)
	if err != nil {
		return nil, fmt.Errorf("wire token store: %w", err)
	}

	registry, err := application.NewEndpointRegistryFromAddresses(cfg.APIHosts, application.RegistryOptions{
		ErrorThreshold: cfg.Endpoints.ErrorThreshold,
		Cooldown:       cfg.Endpoints.Cooldown,
		Clock:          clock,
		Logger:         &logger,
	})
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("wire endpoint registry: %w", err)
	}

	pipelineOpts := application.PipelineOptions{
		HTTPClient: &http.Client{},
		Timeout:    cfg.HTTPTimeout,
		Logger:     &logger,
	}
	refresher := authadapter.Client{Requester: application.NewAnonymousPipeline(registry, pipelineOpts)}

	sessions := application.NewSessionManager(store, refresher, application.SessionOptions{
		RefreshSkew:    cfg.Session.RefreshSkew,
		ProactiveLead:  cfg.Session.ProactiveLead,
		RefreshTimeout: cfg.HTTPTimeout,
		Clock:          clock,
		Logger:         &logger,
	})
	if err := sessions.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("ignoring unreadable persisted session")
	}

	return &app{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		watcher:        watcher,
		closeStore:     closeStore,
		registry:       registry,
		sessions:       sessions,
		pipeline:       application.NewRequestPipeline(sessions, registry, pipelineOpts),
		dialer:         gorilla.Dialer{HandshakeTimeout: cfg.HTTPTimeout},
		statusRenderer: statusadapter.Render,
		now:            time.Now,
	}, nil
}

func (a *app) realtimeOptions() application.RealtimeOptions {
	return application.RealtimeOptions{
		BaseURL:     a.cfg.RealtimeHost,
		MaxRetries:  a.cfg.Realtime.MaxRetries,
		StableAfter: a.cfg.Realtime.StableAfter,
		Logger:      &a.logger,
	}
}

func (a *app) close() error {
	if a.closeStore == nil {
		return nil
	}

	closeStore := a.closeStore
	a.closeStore = nil
	return closeStore()
}

// openStore builds the configured token store backend. The watcher is nil for
// backends that cannot observe other processes.
func openStore(ctx context.Context, cfg config.Config, clock ports.Clock) (ports.KeyValueStore, ports.StoreWatcher, func() error, error) {
	noClose := func() error { return nil }

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve home directory: %w", err)
	}
	baseDir := filepath.Join(homeDir, config.DirName)

	switch cfg.Store.Backend {
	case config.BackendTOML:
		storeCfg := viper.New()
		storeCfg.Set(config.KeyStorePath, cfg.Store.Path)
		store, err := tomlstore.NewStore(storeCfg, clock)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, noClose, nil
	case config.BackendFile:
		return filestore.NewStore(pathOrDefault(cfg.Store.Path, filepath.Join(baseDir, "store"))), nil, noClose, nil
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, pathOrDefault(cfg.Store.Path, filepath.Join(baseDir, "store.db")), clock)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, store.Close, nil
	case config.BackendPass:
		return passstore.NewStore(pathOrDefault(cfg.Store.Path, passstore.DefaultPrefix)), nil, noClose, nil
	case config.BackendChain:
		store, err := chainstore.NewPassFirstWithFileFallback(passstore.DefaultPrefix, pathOrDefault(cfg.Store.Path, filepath.Join(baseDir, "store")))
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, noClose, nil
	case config.BackendMemory:
		return memory.NewStore(), nil, noClose, nil
	default:
		return nil, nil, nil, errors.New("unknown store backend " + cfg.Store.Backend)
	}
}

func pathOrDefault(path, fallback string) string {
	if path != "" {
		return path
	}
	return fallback
}
