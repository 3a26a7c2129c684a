package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sleepy-project/sleepy/internal/auth"
	"github.com/sleepy-project/sleepy/internal/broadcast"
	"github.com/sleepy-project/sleepy/internal/cache"
	"github.com/sleepy-project/sleepy/internal/config"
	"github.com/sleepy-project/sleepy/internal/logging"
	"github.com/sleepy-project/sleepy/internal/mdns"
	"github.com/sleepy-project/sleepy/internal/onlinestats"
	"github.com/sleepy-project/sleepy/internal/plugin"
	"github.com/sleepy-project/sleepy/internal/server"
	"github.com/sleepy-project/sleepy/internal/status"
	"github.com/sleepy-project/sleepy/internal/storage"
	hostTLS "github.com/sleepy-project/sleepy/internal/tls"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// serveOptions are the serve flags that are not part of config.Config.
type serveOptions struct {
	ConfigDir  string
	FreshStart bool
	Stdout     io.Writer
}

// newApp builds the application graph for cfg. Nothing listens until the
// app is started.
func newApp(cfg *config.Config, opts serveOptions) *fx.App {
	return fx.New(
		fx.Supply(cfg, opts),
		fx.Provide(
			newLogger,
			newStore,
			newAuth,
			newHub,
			newCache,
			newStatus,
			newPlugins,
			newServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Invoke(startServer),
	)
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	logger, cleanup, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = logger.Sync()
			cleanup()
			return nil
		},
	})
	return logger, nil
}

func newStore(lc fx.Lifecycle, cfg *config.Config, opts serveOptions, logger *zap.Logger) (*storage.Store, error) {
	store, err := storage.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if opts.FreshStart {
		if err := store.Reset(context.Background()); err != nil {
			store.Close()
			return nil, fmt.Errorf("fresh start: %w", err)
		}
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		AccessTTL:              cfg.AccessTTL(),
		RefreshTTL:             cfg.RefreshTTL(),
		DeviceRefreshTTL:       cfg.DeviceRefreshTTL(),
		DevMode:                cfg.Dev,
		LoginAttemptsPerMinute: cfg.LoginAttemptsPerMinute,
	}
}

func newAuth(store *storage.Store, cfg *config.Config, logger *zap.Logger) *auth.Service {
	return auth.NewService(store, authConfig(cfg), logger)
}

func newHub(logger *zap.Logger) *broadcast.Hub {
	return broadcast.NewHub(logger)
}

func newCache(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (cache.Cache, error) {
	c, err := cache.Open(context.Background(), cfg.Redis.URL, cfg.RedisTTL(), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c, nil
}

func newStatus(store *storage.Store, authSvc *auth.Service, hub *broadcast.Hub, c cache.Cache, logger *zap.Logger) (*status.Service, error) {
	svc := status.NewService(store, authSvc, hub, logger, status.WithCache(c))
	if err := svc.Bootstrap(context.Background()); err != nil {
		return nil, err
	}
	return svc, nil
}

func newPlugins(store *storage.Store, hub *broadcast.Hub, logger *zap.Logger) (*plugin.Registry, error) {
	registry := plugin.NewRegistry(logger)

	tracker := onlinestats.New(store, nil, logger)
	if err := tracker.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("load online stats: %w", err)
	}
	hub.OnOnlineChange(tracker.Observe)
	if err := registry.Register(tracker); err != nil {
		return nil, err
	}
	return registry, nil
}

func newServer(cfg *config.Config, authSvc *auth.Service, statusSvc *status.Service, hub *broadcast.Hub, plugins *plugin.Registry, logger *zap.Logger) *server.Server {
	return server.NewServer(server.Config{
		Addr:              cfg.Addr(),
		Version:           Version,
		CookieName:        cfg.CookieName,
		PingInterval:      cfg.PingPeriod(),
		WSRefreshInterval: cfg.WSRefreshPeriod(),
		Dev:               cfg.Dev,
	}, server.Deps{
		Auth:    authSvc,
		Status:  statusSvc,
		Hub:     hub,
		Plugins: plugins,
		Logger:  logger,
	})
}

// startServer hooks the listener and the optional mDNS advertisement into
// the app lifecycle.
func startServer(lc fx.Lifecycle, srv *server.Server, cfg *config.Config, opts serveOptions, logger *zap.Logger) {
	var advertiser *mdns.Advertiser

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var (
				errCh    <-chan error
				certInfo *hostTLS.CertInfo
			)
			if cfg.TLS.Enabled {
				info, err := hostTLS.EnsureCertificate(hostTLS.CertConfig{
					Dir:      opts.ConfigDir,
					CertPath: cfg.TLS.Cert,
					KeyPath:  cfg.TLS.Key,
				})
				if err != nil {
					return err
				}
				if info.IsGenerated {
					logger.Info("generated self-signed certificate", zap.String("path", info.CertPath))
				}
				certInfo = info
				errCh = srv.StartAsyncTLS(server.TLSConfig{CertPath: info.CertPath, KeyPath: info.KeyPath})
			} else {
				errCh = srv.StartAsync()
			}
			if err := <-errCh; err != nil {
				return err
			}

			if opts.Stdout != nil {
				scheme := "http"
				if certInfo != nil {
					scheme = "https"
				}
				fmt.Fprintf(opts.Stdout, "sleepy %s listening on %s://%s\n", Version, scheme, srv.Addr())
				if certInfo != nil {
					fmt.Fprintf(opts.Stdout, "Certificate fingerprint: %s\n", certInfo.Fingerprint)
				}
			}

			if cfg.MdnsEnabled {
				mcfg := mdns.Config{Port: listenPort(srv.Addr(), cfg.Port), Version: Version}
				if certInfo != nil {
					mcfg.TLS = true
					mcfg.Fingerprint = certInfo.Fingerprint
				}
				advertiser = mdns.NewAdvertiser(mcfg, logger)
				if err := advertiser.Start(); err != nil {
					// The server is reachable by address without it.
					logger.Warn("mdns advertisement failed", zap.Error(err))
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if advertiser != nil {
				advertiser.Stop()
			}
			stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Stop(stopCtx)
		},
	})
}

// listenPort extracts the port of a listen address, falling back to def.
func listenPort(addr string, def int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return def
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return def
	}
	return port
}
