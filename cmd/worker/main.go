package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/faceclient"
	"classattend/internal/ingest"
	"classattend/internal/live"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker consumes kiosk detections, resolves faces and starts or queues
// students. Board ticking stays in the API process; the worker only writes
// to the store and publishes events.
func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" || cfg.StoreBackend == "memory" {
		log.Fatalf("worker needs shared redis queue and postgres store; the api consumes in-memory queues itself")
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	rdb, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("redis config failed: %v", err)
	}
	defer rdb.Close()

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Printf("warning: face service not available: %v", err)
		} else {
			log.Println("face service connected")
		}
	}

	svc := attendance.NewService(attendance.Config{
		Store:         attendance.NewPostgresStore(db.Client),
		Notifier:      live.NewPublisher(rdb.Client, nil),
		Location:      cfg.Location(),
		MinPercentage: cfg.MinPercentage,
	})

	log.Println("worker started, waiting for detections...")
	q := queue.NewRedisQueue(rdb.Client, "")
	if err := ingest.NewProcessor(svc, face, cfg.FaceMatchThreshold).Run(ctx, q); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
	log.Println("worker stopped")
}
