package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mervalmcp/internal/config"
	"mervalmcp/internal/dispatch"
	"mervalmcp/internal/httpapi"
	"mervalmcp/internal/marketdata"
	"mervalmcp/internal/mep"
	"mervalmcp/internal/session"
	"mervalmcp/internal/tools"
	"mervalmcp/internal/transport"
	"mervalmcp/internal/util"
)

func main() {
	// Local development keys live in .env; absence is fine.
	_ = godotenv.Load()

	cfgPath := ""
	if p := os.Getenv("MERVALMCP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	cache := marketdata.NewCache(logger)
	orders := dispatch.NewCorrelator(cfg.OrderRetention(), logger)

	handlers := transport.Handlers{
		OnMarketData:  cache.HandleMarketData,
		OnOrderReport: orders.HandleOrderReport,
	}

	registry := session.NewRegistry(cfg, selectFactory(transport.NewSimulatorFactory()), handlers, logger)
	registry.SetOnReplace(func(userID string, tr transport.Transport) {
		cache.DropTransport(tr)
		orders.DropTransport(userID)
	})

	engine := mep.NewEngine(cache, orders, cfg, logger)
	svc := tools.NewService(cfg, registry, cache, orders, engine, logger)

	api := httpapi.NewServer(svc, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Expired sessions are also caught lazily; the sweep just keeps idle
	// transports from lingering for hours.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := registry.Sweep(); n > 0 {
					logger.Info("session sweep", "expired", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		registry.Close()
	}()

	logger.Info("mervalmcp-server starting", "addr", cfg.ListenAddr())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("mervalmcp-server stopped")
}

// selectFactory routes paper/sim brokers to the in-memory simulator and
// everything else to the ROFEX gateway transport.
func selectFactory(sim transport.Factory) transport.Factory {
	return func(brokerID string, broker config.Broker, h transport.Handlers, l *slog.Logger) transport.Transport {
		switch strings.ToLower(broker.Environment) {
		case "paper", "sim", "simulator":
			return sim(brokerID, broker, h, l)
		default:
			return transport.NewRofex(brokerID, broker, h, l)
		}
	}
}
