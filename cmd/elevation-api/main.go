package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailcore.org/internal/elevation"
	"retailcore.org/internal/httpapi"
	"retailcore.org/internal/obs"
	"retailcore.org/internal/permcache"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("RETAILCORE_PG_DSN")
	if dsn == "" {
		log.Fatal("RETAILCORE_PG_DSN is required")
	}
	store, err := elevation.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	redisAddr := os.Getenv("RETAILCORE_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	tokens, err := elevation.NewTokenService()
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	audit, err := elevation.NewAuditService(store)
	if err != nil {
		log.Fatalf("audit service: %v", err)
	}
	perms, err := permcache.New(permcache.NewRedisKV(rdb), permcache.NewPGDirectory(store.DB()))
	if err != nil {
		log.Fatalf("permission cache: %v", err)
	}
	flow, err := elevation.NewService(tokens, audit, store, elevation.WithStoreAccess(perms))
	if err != nil {
		log.Fatalf("elevation service: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB(), Redis: rdb}, version, flow, audit, perms)

	addr := os.Getenv("RETAILCORE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting elevation-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = store.Close()
	_ = rdb.Close()
	log.Println("Stopped")
}
