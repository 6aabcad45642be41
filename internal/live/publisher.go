package live

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"classattend/internal/attendance"
)

// Publisher implements attendance.Notifier. With Redis, events go through
// pub/sub so every API replica's hub sees writes made by any process;
// otherwise they are broadcast to the local hub directly.
type Publisher struct {
	redis *redis.Client
	hub   *Hub
}

// NewPublisher creates a publisher. Either argument may be nil.
func NewPublisher(rdb *redis.Client, hub *Hub) *Publisher {
	return &Publisher{redis: rdb, hub: hub}
}

// Notify publishes evt without waiting on views.
func (p *Publisher) Notify(ctx context.Context, evt attendance.Event) {
	data, err := json.Marshal(Frame{Type: "event", Data: evt})
	if err != nil {
		log.Printf("encode live event failed: %v", err)
		return
	}
	if p.redis != nil {
		if err := p.redis.Publish(context.WithoutCancel(ctx), Channel, data).Err(); err != nil {
			log.Printf("publish live event failed: %v", err)
		}
		return
	}
	if p.hub != nil {
		p.hub.broadcast(data)
	}
}
