package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/use-agent/renderd/engine"
	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
	"github.com/use-agent/renderd/store"
	"github.com/use-agent/renderd/webhook"
)

// storeWriteTimeout bounds each store call made by a running batch.
const storeWriteTimeout = 10 * time.Second

// Batches serves the asynchronous batch endpoints. Jobs run on the shared
// session under ctx; cancelling ctx resolves pending units as SessionClosed.
type Batches struct {
	ctx   context.Context
	eng   *engine.Engine
	sess  engine.Session
	store store.Store
	now   func() time.Time

	// deliver sends the completion webhook. Replaced in tests.
	deliver func(url, secret string, ev *webhook.Event) <-chan error

	wg sync.WaitGroup
}

// NewBatches wires the batch handlers.
func NewBatches(ctx context.Context, eng *engine.Engine, sess engine.Session, st store.Store) *Batches {
	return &Batches{
		ctx:     ctx,
		eng:     eng,
		sess:    sess,
		store:   st,
		now:     time.Now,
		deliver: webhook.DeliverAsync,
	}
}

// Post returns a handler for POST /api/v1/batch/render. Every URL is
// validated up front; the first invalid one rejects the whole batch.
func (b *Batches) Post() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body models.BatchRenderRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}

		opts := body.Options.RequestOptions()
		reqs := make([]models.RenderRequest, len(body.URLs))
		urls := make([]string, len(body.URLs))
		for i, u := range body.URLs {
			req, err := models.NewRenderRequest(u, opts...)
			if err != nil {
				badRequest(c, fmt.Sprintf("urls[%d]: %v", i, err))
				return
			}
			reqs[i], urls[i] = req, req.URL
		}

		job := models.NewBatchJob(uuid.NewString(), urls, b.now())
		job.WebhookURL = body.WebhookURL
		job.WebhookSecret = body.WebhookSecret
		if err := b.store.Create(c.Request.Context(), job); err != nil {
			log := logging.NewLogger("api")
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to create batch job")
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeInternal, Message: "failed to create batch job"},
			})
			return
		}

		b.wg.Add(1)
		go b.run(job, models.BatchSpec{Requests: reqs, Concurrency: body.Concurrency})

		c.JSON(http.StatusAccepted, models.BatchResponse{
			ID:     job.ID,
			Status: job.Status,
			Total:  job.Total(),
		})
	}
}

// Get returns a handler for GET /api/v1/batch/:id.
func (b *Batches) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := b.store.Get(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeNotFound, Message: "batch job not found"},
			})
			return
		case err != nil:
			log := logging.NewLogger("api")
			log.Error().Err(err).Str("job_id", c.Param("id")).Msg("failed to load batch job")
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeInternal, Message: "failed to load batch job"},
			})
			return
		}
		c.JSON(http.StatusOK, job.StatusResponse())
	}
}

// Wait blocks until every running batch has finished.
func (b *Batches) Wait() {
	b.wg.Wait()
}

// run renders the batch, records each result as it lands, then finishes the
// job and fires the webhook.
func (b *Batches) run(job *models.BatchJob, spec models.BatchSpec) {
	defer b.wg.Done()
	log := logging.NewLogger("api")
	start := time.Now()

	spec.OnResult = func(i int, res *models.RenderResult) {
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		defer cancel()
		if err := b.store.SetResult(ctx, job.ID, i, res); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Int("index", i).Msg("failed to store result")
		}
	}
	results := b.eng.RenderBatch(b.ctx, b.sess, spec)

	done := &models.BatchJob{ID: job.ID, URLs: job.URLs, Results: results}
	status := done.FinalStatus()

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := b.store.Finish(ctx, job.ID, status); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to finish batch job")
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	log.Info().
		Str("job_id", job.ID).
		Str("status", status).
		Int("total", len(results)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("batch job finished")

	if job.WebhookURL == "" {
		return
	}
	snapshot, err := b.store.Get(ctx, job.ID)
	if err != nil {
		done.Status, done.Completed, done.CreatedAt = status, len(results), job.CreatedAt
		snapshot = done
	}
	b.deliver(job.WebhookURL, job.WebhookSecret, &webhook.Event{
		Type:      webhook.EventBatchCompleted,
		JobID:     job.ID,
		Timestamp: b.now().Unix(),
		Data:      snapshot.StatusResponse(),
	})
}
