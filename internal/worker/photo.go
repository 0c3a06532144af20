package worker

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/photos"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/queue"
)

// PhotoWorker drains the profile photo queue, fanning downloads out over
// the pool. A failed download is the consumer's to dead-letter; enrolment
// state is never touched from here.
type PhotoWorker struct {
	cfg        *config.Config
	photos     *photos.Service
	consumer   *queue.Consumer
	workerPool *WorkerPool
	log        zerolog.Logger
}

func NewPhotoWorker(cfg *config.Config, photoService *photos.Service, redisClient *queue.RedisClient) *PhotoWorker {
	return &PhotoWorker{
		cfg:        cfg,
		photos:     photoService,
		consumer:   queue.NewConsumer(redisClient, cfg),
		workerPool: NewWorkerPool(cfg.Workers.Photo.Count),
		log:        logger.Get(),
	}
}

func (w *PhotoWorker) Start(ctx context.Context) error {
	w.log.Info().Msg("Starting photo worker")

	w.workerPool.Start(ctx)

	return w.consumer.ConsumePhotoQueue(ctx, w.handleMessage)
}

func (w *PhotoWorker) Stop() {
	w.log.Info().Msg("Stopping photo worker")
	w.workerPool.Stop()
}

func (w *PhotoWorker) handleMessage(ctx context.Context, data []byte) error {
	var job model.PhotoJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.log.Error().Err(err).Msg("Failed to unmarshal photo job")
		return err
	}

	w.log.Info().
		Int64("user_id", job.UserID).
		Str("url", job.URL).
		Msg("Processing photo job")

	w.workerPool.Submit(func(ctx context.Context) error {
		return w.photos.Install(ctx, job)
	})

	return nil
}
