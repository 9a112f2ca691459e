package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"cargolane.io/internal/audit"
	"cargolane.io/internal/auth"
	"cargolane.io/internal/config"
	"cargolane.io/internal/grpcapi"
	"cargolane.io/internal/httpapi"
	"cargolane.io/internal/obs"
	"cargolane.io/internal/store/memory"
	"cargolane.io/internal/store/pg"
	"cargolane.io/internal/store/redisquota"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "cargolane-gate",
	Short:        "Session and access control service for the Cargolane platform",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

// backend holds whichever storage the configuration selected.
type backend struct {
	identities auth.IdentityStore
	sink       auth.AuditSink
	registry   *auth.ResourceRegistry
	probe      httpapi.ReadyProbe
	closers    []func() error
	pg         *pg.Store
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{registry: auth.NewResourceRegistry()}
	if cfg.PGDSN == "" {
		obs.Log("warn", "no pg_dsn configured, using in-memory store", nil)
		store := memory.New()
		b.identities = store
		b.sink = audit.MultiSink{store, audit.LogSink{}}
		b.registry.Register("shipments", store.Accessor("shipments"))
		return b, nil
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	b.closers = append(b.closers, store.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		b.close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	shipments, err := store.OwnerLookup("shipments", "id", map[string]string{
		"id":          "id",
		"user":        "user_id",
		"reference":   "reference",
		"origin":      "origin",
		"destination": "destination",
		"status":      "status",
	})
	if err != nil {
		b.close()
		return nil, err
	}
	b.registry.Register("shipments", shipments)
	b.identities = store
	b.sink = audit.MultiSink{store, audit.LogSink{}}
	b.probe.DB = store
	b.pg = store
	return b, nil
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func run(ctx context.Context, cfg config.Config) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	codec, err := auth.NewTokenCodec(cfg.TokenSecret,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithLeeway(cfg.Leeway),
	)
	if err != nil {
		return err
	}

	auditLog := audit.NewLogger(b.sink,
		audit.WithQueueSize(cfg.AuditQueue),
		audit.WithWorkers(cfg.AuditWorkers),
		audit.WithWriteTimeout(cfg.AuditWriteTimeout),
	)

	opts := []auth.GuardOption{
		auth.WithResourceRegistry(b.registry),
		auth.WithAuditor(auditLog),
		auth.WithCallTimeout(cfg.CallTimeout),
		auth.WithAPIKeyOptions(auth.WithDefaultQuota(cfg.DefaultQuota, cfg.DefaultWindow)),
	}
	if cfg.RedisAddr != "" {
		var quotaOpts []redisquota.Option
		if b.pg != nil {
			quotaOpts = append(quotaOpts, redisquota.WithUsageRecorder(b.pg))
		}
		counter, err := redisquota.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, quotaOpts...)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		b.closers = append(b.closers, counter.Close)
		b.probe.Quota = counter
		opts = append(opts, auth.WithUsageCounter(counter))
	}
	if cfg.PolicyFile != "" {
		policy, err := auth.LoadPermissionPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		opts = append(opts, auth.WithPermissionPolicy(policy))
	}
	guard, err := auth.NewGuard(codec, b.identities, opts...)
	if err != nil {
		return err
	}

	api := httpapi.New(guard, b.probe, version,
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitRPS),
		httpapi.WithCORSOrigins(cfg.CORSOrigins...),
		httpapi.WithTrustedProxies(auth.ParseAllowList(cfg.TrustedProxies)...),
		httpapi.WithSecureCookies(cfg.SecureCookies),
		httpapi.WithCallTimeout(cfg.CallTimeout),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(ctx),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("starting cargolane-gate %s on %s", version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		var hs *health.Server
		grpcSrv, hs = grpcapi.NewServer(grpcapi.NewInterceptor(guard))
		go grpcapi.WatchReadiness(ctx, hs, b.probe, 5*time.Second)
		go func() {
			log.Printf("grpc listening on %s", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	} else {
		obs.SetReady(true)
	}

	if b.pg != nil {
		go pruneGrants(ctx, b.pg, cfg.RefreshTTL)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := auditLog.Close(shutdownCtx); err != nil {
		log.Printf("audit drain: %v", err)
	}
	log.Println("stopped")
	return nil
}

// pruneGrants deletes expired and revoked refresh grants once they can no
// longer matter.
func pruneGrants(ctx context.Context, store *pg.Store, refreshTTL time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
			n, err := store.PruneGrants(pruneCtx, time.Now().UTC().Add(-refreshTTL))
			cancel()
			if err != nil {
				obs.Log("warn", "prune refresh grants failed", map[string]any{"error": err})
				continue
			}
			if n > 0 {
				obs.Log("info", "pruned refresh grants", map[string]any{"count": n})
			}
		}
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", os.Getenv("CARGOLANE_CONFIG"), "Path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
