package queue

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
)

type Producer struct {
	client *redis.Client
	cfg    *config.Config
}

func NewProducer(redisClient *RedisClient, cfg *config.Config) *Producer {
	return &Producer{
		client: redisClient.Client(),
		cfg:    cfg,
	}
}

// EnqueuePhotoJob defers one profile image download to the photo workers.
func (p *Producer) EnqueuePhotoJob(ctx context.Context, job model.PhotoJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return p.client.LPush(ctx, p.cfg.Redis.PhotoQueue, data).Err()
}

// PublishUserEvent emits a created/updated notification for consumers of
// the events list.
func (p *Producer) PublishUserEvent(ctx context.Context, ev model.UserEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return p.client.LPush(ctx, p.cfg.Redis.EventsQueue, data).Err()
}
