package models

import "time"

// BatchSpec is an ordered list of requests rendered together under one
// concurrency ceiling. Concurrency <= 0 means the configured default; larger
// values are capped at it.
type BatchSpec struct {
	Requests    []RenderRequest
	Concurrency int

	// OnResult, if set, is called once per request as soon as its result is
	// final, from the goroutine that produced it.
	OnResult func(index int, res *RenderResult)
}

// URLs returns the request URLs in input order.
func (s BatchSpec) URLs() []string {
	urls := make([]string, len(s.Requests))
	for i, r := range s.Requests {
		urls[i] = r.URL
	}
	return urls
}

// Batch job states.
const (
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobPartial    = "partial"
	JobFailed     = "failed"
)

// BatchRenderRequest is the payload for POST /api/v1/batch/render.
type BatchRenderRequest struct {
	// URLs is the list of pages to render. Required.
	URLs []string `json:"urls" binding:"required,min=1,max=100"`

	// Concurrency caps parallel renders for this batch. Zero keeps the
	// server ceiling, and the server ceiling is never exceeded.
	Concurrency int `json:"concurrency,omitempty" binding:"omitempty,min=1,max=50"`

	// Options are applied to every URL.
	Options RenderOptions `json:"options"`

	// WebhookURL receives a batch.completed event when the job finishes.
	WebhookURL    string `json:"webhook_url,omitempty" binding:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// BatchResponse is the immediate response for POST /api/v1/batch/render.
type BatchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// BatchStatusResponse is the response for GET /api/v1/batch/:id.
type BatchStatusResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Completed int             `json:"completed"`
	Total     int             `json:"total"`
	URLs      []string        `json:"urls"`
	Results   []*RenderResult `json:"results"`
}

// BatchJob tracks a batch render. Results has one slot per URL; a nil slot
// has not finished yet.
type BatchJob struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	URLs          []string        `json:"urls"`
	Results       []*RenderResult `json:"results"`
	Completed     int             `json:"completed"`
	WebhookURL    string          `json:"webhook_url,omitempty"`
	WebhookSecret string          `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewBatchJob creates a processing job with one empty slot per URL.
func NewBatchJob(id string, urls []string, now time.Time) *BatchJob {
	return &BatchJob{
		ID:        id,
		Status:    JobProcessing,
		URLs:      urls,
		Results:   make([]*RenderResult, len(urls)),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Total is the number of URLs in the job.
func (j *BatchJob) Total() int { return len(j.URLs) }

// FinalStatus derives the terminal status from the stored results.
func (j *BatchJob) FinalStatus() string {
	ok, failed := 0, 0
	for _, r := range j.Results {
		switch {
		case r == nil:
		case r.Success:
			ok++
		default:
			failed++
		}
	}
	switch {
	case failed == 0 && ok == len(j.Results):
		return JobCompleted
	case ok == 0:
		return JobFailed
	default:
		return JobPartial
	}
}

// StatusResponse converts the job to its API shape.
func (j *BatchJob) StatusResponse() BatchStatusResponse {
	return BatchStatusResponse{
		ID:        j.ID,
		Status:    j.Status,
		Completed: j.Completed,
		Total:     j.Total(),
		URLs:      j.URLs,
		Results:   j.Results,
	}
}
