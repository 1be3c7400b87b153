// cmd/gamed/main.go is the game-logic process: it consumes command
// envelopes from the bus, runs the room state machines, and publishes event
// envelopes back.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/archive"
	"github.com/parlor-games/parlor/internal/bus"
	"github.com/parlor-games/parlor/internal/config"
	"github.com/parlor-games/parlor/internal/dice"
	"github.com/parlor-games/parlor/internal/room"
)

func main() {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(lvl)
	}

	eventBus, err := newBus(logger)
	if err != nil {
		logger.Fatalf("bus init failed: %v", err)
	}
	defer eventBus.Close()

	var archiver room.Archiver
	if config.GetEnvBool("ARCHIVE_ENABLED", true) {
		queue, err := archive.NewQueue(
			config.GetEnv("REDIS_ADDR", "localhost:6379"),
			config.GetEnvInt("REDIS_DB", 0),
			config.GetEnv("ARCHIVE_QUEUE_NAME", ""),
		)
		if err != nil {
			logger.Fatalf("archive queue init failed: %v", err)
		}
		defer queue.Close()
		archiver = queue
	}

	store := room.NewStore(eventBus, archiver, logger, room.Options{
		Producer:        config.GetEnv("PRODUCER_NAME", "gamed"),
		ReconnectWindow: config.GetEnvDuration("RECONNECT_WINDOW", 0),
		AbandonGrace:    config.GetEnvDuration("ABANDON_GRACE", 0),
	})
	store.RegisterKind(dice.Kind(
		config.GetEnv("PRODUCER_NAME", "gamed"),
		config.GetEnvInt("DICE_WIN_THRESHOLD", dice.DefaultWinThreshold),
		nil,
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Run(ctx); err != nil {
		logger.Fatalf("store run failed: %v", err)
	}
	logger.Info("gamed running")
	<-ctx.Done()
	store.Close()
	logger.Info("gamed stopped")
}

// newBus selects the bus backend: Redis Streams by default, MQTT when a
// broker URL is configured.
func newBus(logger *logrus.Logger) (bus.Bus, error) {
	if broker := config.GetEnv("MQTT_BROKER", ""); broker != "" {
		return bus.NewMQTTBus(broker, config.GetEnv("MQTT_CLIENT_ID", "parlor-gamed"), logger)
	}
	return bus.NewRedisBus(
		config.GetEnv("REDIS_ADDR", "localhost:6379"),
		config.GetEnvInt("REDIS_DB", 0),
		logger,
	)
}
