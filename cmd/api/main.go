package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"nut4health.org/internal/audit"
	"nut4health.org/internal/auth"
	"nut4health.org/internal/config"
	"nut4health.org/internal/httpapi"
	"nut4health.org/internal/ledger"
	"nut4health.org/internal/obs"
	"nut4health.org/internal/rpc"
	"nut4health.org/internal/screening"
	"nut4health.org/internal/store/pg"
	"nut4health.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend groups the stores the service runs on.
type backend struct {
	roles     auth.RoleStore
	ledger    ledger.Service
	screening screening.Store
	ready     httpapi.ReadyProbe
	close     func() error
}

func openBackend(ctx context.Context, dsn string) (*backend, error) {
	if dsn == "" {
		return &backend{
			roles:     auth.NewMemoryRoles(),
			ledger:    ledger.NewInMemory(),
			screening: screening.NewMemoryStore(),
			close:     func() error { return nil },
		}, nil
	}
	store, err := pg.Open(dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &backend{
		roles:     store,
		ledger:    store,
		screening: store,
		ready:     httpapi.ReadyProbe{DB: store.DB()},
		close:     store.Close,
	}, nil
}

func main() {
	if err := run(); err != nil {
		obs.Error("fatal", map[string]any{"error": err})
		os.Exit(1)
	}
}

func run() error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(os.Getenv("N4H_CONFIG"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg.PG.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	gate, err := auth.NewGate(be.roles)
	if err != nil {
		return err
	}
	if err := gate.Bootstrap(ctx, cfg.Core.Admins...); err != nil {
		return err
	}

	pubs := screening.Publishers{audit.Publisher{}}
	var events *stream.Stream
	if cfg.Stream.Enabled {
		events = stream.New(64)
		pubs = append(pubs, events)
	}
	svc, err := screening.NewService(be.screening, gate, be.ledger, cfg.Core.Account, screening.WithPublisher(pubs))
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Screening: svc,
		Gate:      gate,
		Ledger:    be.ledger,
		Issuer:    issuer,
		Stream:    events,
		Ready:     be.ready,
		Version:   version,
	}, httpapi.Options{
		IssueTokens:   cfg.Auth.IssueTokens,
		RateBurst:     cfg.RateLimit.Burst,
		RatePerSecond: cfg.RateLimit.PerSecond,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		MaxBodyBytes:  cfg.HTTP.MaxBody,
	})
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream is long-lived.
	}

	grpcSrv, health := rpc.NewGRPCServer(rpc.NewServer(svc, version))
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	obs.Info("starting", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTP.Addr,
		"grpc_addr": cfg.GRPC.Addr,
		"backend":   backendName(cfg.PG.DSN),
		"account":   svc.Account(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return grpcSrv.Serve(lis) })
	g.Go(func() error {
		rpc.WatchReadiness(gctx, health, be.ready, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting_down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	obs.Info("stopped", nil)
	return nil
}

func backendName(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}
