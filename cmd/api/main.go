package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"classattend/internal/api"
	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/device"
	"classattend/internal/faceclient"
	"classattend/internal/httpmiddleware"
	"classattend/internal/ingest"
	"classattend/internal/live"
	"classattend/internal/lock"
	"classattend/internal/queue"
	"classattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := map[string]api.HealthFunc{}

	var (
		attStore attendance.Store
		devStore device.Store
	)
	if cfg.StoreBackend == "memory" {
		log.Println("using in-memory store")
		attStore = attendance.NewMemoryStore()
		devStore = device.NewMemoryStore()
	} else {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		attStore = attendance.NewPostgresStore(db.Client)
		devStore = device.NewPostgresStore(db.Client)
		health["db"] = db.Healthy
	}

	var (
		rdb    *store.Redis
		locker lock.Locker = lock.NewLocal()
		q      queue.Queue
	)
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		var err error
		if rdb, err = store.NewRedis(cfg.RedisAddr); err != nil {
			return err
		}
		defer rdb.Close()
		q = queue.NewRedisQueue(rdb.Client, "")
		locker = lock.NewRedis(rdb.Client, "")
		health["redis"] = rdb.Healthy
	}

	var redisClient *redis.Client
	if rdb != nil {
		redisClient = rdb.Client
	}
	var svc *attendance.Service
	hub := live.NewHub(redisClient, func(ctx context.Context) (any, error) {
		return svc.Roster(ctx, "", "")
	})
	pubsub := live.NewPublisher(redisClient, hub)

	svc = attendance.NewService(attendance.Config{
		Store:         attStore,
		Board:         attendance.NewBoard(),
		Locker:        locker,
		Notifier:      pubsub,
		Location:      cfg.Location(),
		MinPercentage: cfg.MinPercentage,
		LockTTL:       cfg.TransitionLockTTL,
	})
	engine := attendance.NewEngine(svc, attendance.EngineConfig{
		Tick:    cfg.TickInterval,
		Sync:    cfg.SyncInterval,
		Sweep:   cfg.SweepInterval,
		Refresh: cfg.RefreshInterval,
	})

	issuer := auth.Issuer{
		Name:       cfg.JWTIssuer,
		Key:        cfg.JWTSigningKey,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}
	r := api.NewRouter(api.Deps{
		Service: svc,
		Devices: device.NewRegistry(devStore, issuer),
		Issuer:  issuer,
		Queue:   q,
		Hub:     hub,
		Limiter: httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Health:  health,
	})

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()
	go hub.Run(ctx)
	if cfg.QueueBackend == "memory" {
		// no separate worker can reach an in-process queue
		face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
		go func() {
			if err := ingest.NewProcessor(svc, face, cfg.FaceMatchThreshold).Run(ctx, q); err != nil {
				log.Printf("in-process detection consumer failed: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down server...")

	// give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	<-engineDone

	log.Println("server exited")
	return nil
}
