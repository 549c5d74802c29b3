package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/use-agent/renderd/models"
)

const redisKeyPrefix = "renderd:job:"

// RedisStore keeps each job as a JSON document plus a hash of results keyed
// by URL index. Both keys expire after the configured TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

// OpenRedis connects to url (redis://...) and checks the connection.
func OpenRedis(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("store: REDIS_URL is required for the redis backend")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

func jobKey(id string) string     { return redisKeyPrefix + id }
func resultsKey(id string) string { return redisKeyPrefix + id + ":results" }

// redisJob is the stored job document; results live in their own hash.
type redisJob struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	URLs       []string  `json:"urls"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (r *RedisStore) Create(ctx context.Context, job *models.BatchJob) error {
	data, err := json.Marshal(redisJob{
		ID:         job.ID,
		Status:     job.Status,
		URLs:       job.URLs,
		WebhookURL: job.WebhookURL,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("store: marshal job: %w", err)
	}
	ok, err := r.client.SetNX(ctx, jobKey(job.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("store: job %s already exists", job.ID)
	}
	return nil
}

func (r *RedisStore) load(ctx context.Context, id string) (*redisJob, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load job %s: %w", id, err)
	}
	var job redisJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("store: decode job %s: %w", id, err)
	}
	return &job, nil
}

func (r *RedisStore) SetResult(ctx context.Context, id string, index int, res *models.RenderResult) error {
	job, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(job.URLs) {
		return fmt.Errorf("store: result index %d out of range for job %s with %d urls", index, id, len(job.URLs))
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, resultsKey(id), strconv.Itoa(index), data)
		if r.ttl > 0 {
			pipe.Expire(ctx, resultsKey(id), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: set result %s[%d]: %w", id, index, err)
	}
	return nil
}

func (r *RedisStore) Finish(ctx context.Context, id, status string) error {
	job, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	job.Status = status
	job.UpdatedAt = r.now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("store: marshal job: %w", err)
	}
	if err := r.client.Set(ctx, jobKey(id), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("store: finish job %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.BatchJob, error) {
	stored, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := r.client.HGetAll(ctx, resultsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load results %s: %w", id, err)
	}

	job := &models.BatchJob{
		ID:         stored.ID,
		Status:     stored.Status,
		URLs:       stored.URLs,
		Results:    make([]*models.RenderResult, len(stored.URLs)),
		WebhookURL: stored.WebhookURL,
		CreatedAt:  stored.CreatedAt,
		UpdatedAt:  stored.UpdatedAt,
	}
	for field, data := range fields {
		idx, err := strconv.Atoi(field)
		if err != nil || idx < 0 || idx >= len(job.Results) {
			continue
		}
		var res models.RenderResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("store: decode result %s[%d]: %w", id, idx, err)
		}
		res.RequestedURL = job.URLs[idx]
		job.Results[idx] = &res
		job.Completed++
	}
	return job, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
