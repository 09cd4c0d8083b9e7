package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"vibehub/logger"
	"vibehub/service/bus"
	"vibehub/service/gateway"
	"vibehub/service/hub"
	"vibehub/tools"
	"vibehub/tools/ids"
)

func main() {
	addr := tools.GetEnv("HTTP_ADDR", ":8080")
	secret := tools.GetEnv("JWT_SECRET", "")
	if secret == "" {
		logger.Fatalf("JWT_SECRET is required")
	}
	ids.SetNodeID(int64(tools.GetEnvInt("NODE_ID", 1)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, err := buildBus()
	if err != nil {
		logger.Fatalf("bus init: %v", err)
	}

	h := hub.New(hub.Config{Channel: tools.GetEnv("BUS_CHANNEL", hub.DefaultChannel)}, relay)
	if err := h.Run(ctx); err != nil {
		logger.Fatalf("relay listener: %v", err)
	}

	gw := gateway.New(h, gateway.Config{
		JWTSecret:     []byte(secret),
		InternalToken: tools.GetEnv("INTERNAL_TOKEN", ""),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	gw.Routes(r)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Infof("[http] listening on %s", addr)
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", serr)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	h.Close()
	if relay != nil {
		_ = relay.Close()
	}
}

// buildBus selects the relay backend from BUS. With BUS=none the hub runs
// in single-instance mode and dispatches locally.
func buildBus() (bus.Bus, error) {
	// Fail-fast policy: a dead relay is an operator problem, not something
	// to retry quietly while fanout silently goes local-only.
	onFatal := func(err error) {
		logger.Fatalf("relay bus failed: %v", err)
	}

	kind := strings.ToLower(tools.GetEnv("BUS", "none"))
	switch kind {
	case "", "none":
		return nil, nil
	case "redis":
		return bus.NewRedis(bus.RedisConfig{
			Addr:     tools.GetEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: tools.GetEnv("REDIS_PASSWORD", ""),
			DB:       tools.GetEnvInt("REDIS_DB", 0),
			PoolSize: tools.GetEnvInt("REDIS_POOL_SIZE", 0),
			OnFatal:  onFatal,
		})
	case "nats":
		return bus.NewNATS(bus.NATSConfig{
			Servers: tools.SplitList(tools.GetEnv("NATS_SERVERS", "nats://127.0.0.1:4222")),
			Name:    tools.GetEnv("NATS_NAME", "vibehub-1"),
			OnFatal: onFatal,
		})
	case "kafka":
		return bus.NewKafka(bus.KafkaConfig{
			Brokers: tools.SplitList(tools.GetEnv("KAFKA_BROKERS", "localhost:9092")),
			GroupID: tools.GetEnv("KAFKA_GROUP", ""),
			OnFatal: onFatal,
		})
	default:
		return nil, errors.Errorf("unknown BUS %q", kind)
	}
}
