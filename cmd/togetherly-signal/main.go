// Togetherly signaling broker.
//
// Relays SDP offers/answers and ICE candidates between registered
// identifiers over WebSocket. No application state is stored; identifier
// claims live in memory or in Redis.
//
// Flags: --config, --addr, --debug.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/config"
	"github.com/1ureka/togetherly/internal/signaling"
	"github.com/1ureka/togetherly/internal/util"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	addr := pflag.String("addr", "", "Listen address (overrides config)")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Broker.Address = *addr
	}

	if *debugMode {
		util.EnableDebug()
	} else {
		gin.SetMode(gin.ReleaseMode)
		if err := util.SetLogLevel(cfg.Logging.Level); err != nil {
			util.LogWarning("%v", err)
		}
	}

	pterm.Info.Println(fmt.Sprintf("Togetherly signal v%s", version))
	pterm.Println()

	if err := serve(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("broker stopped")
}

// serve runs the broker until ctx is cancelled, then drains connections.
func serve(ctx context.Context, cfg *config.Config) error {
	registry, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	broker := signaling.NewBroker(registry, signaling.NewMetrics(reg), signaling.BrokerOptions{
		ClaimTTL:   cfg.Broker.ClaimTTL,
		RelayRate:  cfg.Broker.RelayRate,
		RelayBurst: cfg.Broker.RelayBurst,
	})
	defer broker.Close()

	srv := &http.Server{
		Addr:              cfg.Broker.Address,
		Handler:           signaling.NewRouter(broker, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogSuccess("Listening on %s (registry: %s)", cfg.Broker.Address, cfg.Broker.Registry)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Broker.Address, err)
		}
		return nil
	case <-ctx.Done():
	}

	util.LogInfo("Shutting down, %d peer(s) connected", broker.PeerCount())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	broker.Close()
	return srv.Shutdown(shutdownCtx)
}

// openRegistry returns the configured identifier registry and its closer.
func openRegistry(ctx context.Context, cfg *config.Config) (signaling.Registry, func(), error) {
	switch cfg.Broker.Registry {
	case config.RegistryRedis:
		r, err := signaling.NewRedisRegistry(ctx, signaling.RedisOptions{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		return r, func() {
			if err := r.Close(); err != nil {
				util.LogWarning("closing redis: %v", err)
			}
		}, nil

	default:
		return signaling.NewMemoryRegistry(clock.Real()), func() {}, nil
	}
}
