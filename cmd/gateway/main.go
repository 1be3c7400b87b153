// cmd/gateway/main.go is the connection gateway: it terminates websocket
// connections, authenticates clients, forwards their commands onto the bus
// and fans event envelopes back out to the right sockets.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/auth"
	"github.com/parlor-games/parlor/internal/bus"
	"github.com/parlor-games/parlor/internal/config"
	"github.com/parlor-games/parlor/internal/gateway"
	"github.com/parlor-games/parlor/internal/middleware"
)

func main() {
	auth.Init()

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(lvl)
	}

	eventBus, err := newBus(logger)
	if err != nil {
		logger.Fatalf("bus init failed: %v", err)
	}
	defer eventBus.Close()

	gw := gateway.New(eventBus, logger, config.GetEnv("PRODUCER_NAME", "gateway"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx); err != nil {
		logger.Fatalf("gateway run failed: %v", err)
	}

	// Reap connections that stopped sending heartbeats.
	idleTimeout := config.GetEnvDuration("IDLE_TIMEOUT", 2*time.Minute)
	go func() {
		ticker := time.NewTicker(idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gw.CloseIdle(idleTimeout)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.LogMiddleware(logger)(gw.WSHandler()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := ":" + config.GetEnv("PORT", "8080")
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("gateway listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server exited: %v", err)
	}
	logger.Info("gateway stopped")
}

func newBus(logger *logrus.Logger) (bus.Bus, error) {
	if broker := config.GetEnv("MQTT_BROKER", ""); broker != "" {
		return bus.NewMQTTBus(broker, config.GetEnv("MQTT_CLIENT_ID", "parlor-gateway"), logger)
	}
	return bus.NewRedisBus(
		config.GetEnv("REDIS_ADDR", "localhost:6379"),
		config.GetEnvInt("REDIS_DB", 0),
		logger,
	)
}
