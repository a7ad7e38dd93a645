package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"smartscope/server/internal/advertise"
	"smartscope/server/internal/config"
	"smartscope/server/internal/scope"
	"smartscope/server/internal/server"
)

func main() {
	log.Println("[Main] Starting SmartScope interface server...")

	cfg := config.Load()
	log.Printf("[Main] Configuration loaded: advertiser=%s, http=%d", cfg.Advertiser, cfg.HTTPPort)

	drv := scope.NewSimulator(cfg.SimSerial, uint32(cfg.SimFwVersion))
	serial, err := drv.GetSerial()
	if err != nil || serial == "" {
		log.Printf("[Main] scope serial unavailable, continuing with fallback identity")
	}

	// Optional backends: an empty URL leaves the corresponding client nil
	// and the event layer inert.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
			DB:   0,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("[Main] Failed to connect to Redis: %v", err)
		}
		cancel()
		log.Println("[Main] Connected to Redis")
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Fatalf("[Main] Failed to connect to NATS: %v", err)
		}
		log.Println("[Main] Connected to NATS")
		defer natsConn.Close()
	}

	adv, err := advertise.New(cfg.Advertiser)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}

	events := server.NewEvents(natsConn, redisClient, serial,
		time.Duration(cfg.SessionTTLSecs)*time.Second)

	srv := server.New(drv, server.Options{
		Name:        instanceName(cfg.ScopeName, serial),
		ServiceType: cfg.ServiceType,
		Advertiser:  adv,
		Events:      events,
	})
	srv.Start()

	mgmt := server.NewManagement(srv, ":"+strconv.Itoa(cfg.HTTPPort))
	mgmt.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("[Main] Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgmt.Shutdown(ctx); err != nil {
		log.Printf("[Main] management shutdown: %v", err)
	}
	srv.Close()
	log.Println("[Main] Server stopped")
}

// instanceName fills the conventional bracket suffix with the scope
// serial when the operator left it empty.
func instanceName(name, serial string) string {
	if serial != "" && strings.Contains(name, "[]") {
		return strings.Replace(name, "[]", "["+serial+"]", 1)
	}
	return name
}
