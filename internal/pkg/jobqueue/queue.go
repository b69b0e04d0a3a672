package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/InvoiceFox/internal/pkg/cache"
)

const (
	// Redis key prefixes
	JobKeyPrefix           = "job:"
	JobQueueKeyPrefix      = "job_queue:"
	JobProcessingKeyPrefix = "job_processing:"
	JobDelayedKey          = "job_delayed"
	JobStatsKey            = "job_stats"

	// Job settings
	DefaultMaxRetries      = 5
	JobTTL                 = 24 * time.Hour // Unfinished jobs expire after 24 hours
	DefaultCompletedJobTTL = 10 * time.Minute
	DefaultBackoffBase     = 30 * time.Second
	DefaultBackoffMax      = 30 * time.Minute
	DefaultStuckAfter      = 10 * time.Minute
)

// enqueueScript stores and pushes a job unless one with the same id exists in
// any status other than failed.
var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local ok, job = pcall(cjson.decode, existing)
  if ok and job['status'] ~= 'failed' then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
redis.call('LPUSH', KEYS[2], ARGV[3])
redis.call('HINCRBY', KEYS[3], 'pending', 1)
return 1
`)

// Handler performs one stage job. Returning an error schedules a retry unless
// the error is Permanent.
type Handler func(ctx context.Context, job *Job) error

// Options tune retry and recovery behaviour.
type Options struct {
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	CompletedTTL       time.Duration
	StuckAfter         time.Duration
	StuckSweepInterval time.Duration
	DequeueTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = DefaultBackoffMax
		if o.BackoffMax < o.BackoffBase {
			o.BackoffMax = o.BackoffBase
		}
	}
	if o.CompletedTTL <= 0 {
		o.CompletedTTL = DefaultCompletedJobTTL
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = DefaultStuckAfter
	}
	if o.StuckSweepInterval <= 0 {
		o.StuckSweepInterval = time.Minute
	}
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = time.Second
	}
	return o
}

type stage struct {
	jobType JobType
	workers int
	handler Handler
}

// Queue manages stage jobs using Redis
type Queue struct {
	client  *redis.Client
	opts    Options
	stages  map[JobType]*stage
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewQueue creates a new job queue. A nil client falls back to the shared cache client.
func NewQueue(client *redis.Client, opts Options) *Queue {
	if client == nil {
		client = cache.GetClient()
	}
	return &Queue{
		client: client,
		opts:   opts.withDefaults(),
		stages: make(map[JobType]*stage),
		stopCh: make(chan struct{}),
	}
}

// Register binds a handler and worker count to a job type. Must be called before Start.
func (q *Queue) Register(jobType JobType, workers int, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if workers <= 0 {
		workers = 1
	}
	q.stages[jobType] = &stage{jobType: jobType, workers: workers, handler: handler}
}

// Start starts the stage workers and the stuck sweeper
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	q.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for _, st := range q.stages {
		log.Infof("[JobQueue] Starting %d %s workers", st.workers, st.jobType)
		for i := 0; i < st.workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx, st, i)
		}
	}

	// Recovers jobs stuck in processing due to crashes
	q.wg.Add(1)
	go q.stuckSweeper(ctx, q.opts.StuckAfter, q.opts.StuckSweepInterval)
}

// Stop stops the workers and waits for in-flight jobs
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.cancel()
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// IsRunning returns whether workers are active
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func queueKey(jobType JobType) string {
	return JobQueueKeyPrefix + string(jobType)
}

func processingKey(jobType JobType) string {
	return JobProcessingKeyPrefix + string(jobType)
}

// worker processes jobs of one stage
func (q *Queue) worker(ctx context.Context, st *stage, id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] %s worker %d started", st.jobType, id)

	for {
		select {
		case <-q.stopCh:
			log.Debugf("[JobQueue] %s worker %d stopping", st.jobType, id)
			return
		default:
		}

		job, err := q.dequeueJob(ctx, st.jobType)
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Errorf("[JobQueue] %s worker %d: error dequeuing job: %v", st.jobType, id, err)
			select {
			case <-q.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if job != nil {
			log.Infof("[JobQueue] %s worker %d processing job %s", st.jobType, id, job.ID)
			q.processJob(ctx, st, job)
		}
	}
}

// Enqueue adds a stage job for a payment. It is a no-op returning false when a
// job with the same dedup key is queued, running, retrying or recently completed.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload StagePayload) (bool, error) {
	_, created, err := q.EnqueueJob(ctx, jobType, JobID(jobType, payload.Provider, payload.ProviderPaymentID), payload.ToMap())
	return created, err
}

// EnqueueJob adds a job with an explicit id
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, id string, payload map[string]interface{}) (*Job, bool, error) {
	now := time.Now()
	job := &Job{
		ID:         id,
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: q.opts.MaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job: %w", err)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{JobKeyPrefix + job.ID, queueKey(jobType), JobStatsKey},
		string(jobData), int64(JobTTL/time.Second), job.ID,
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	if res == 0 {
		log.Debugf("[JobQueue] Job %s already present, skipping enqueue", job.ID)
		return job, false, nil
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, true, nil
}

// dequeueJob gets the next job of a stage
func (q *Queue) dequeueJob(ctx context.Context, jobType JobType) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, queueKey(jobType), processingKey(jobType), q.opts.DequeueTimeout).Result()
	if err != nil {
		return nil, err
	}

	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		// Job data not found, remove from processing queue
		q.client.LRem(ctx, processingKey(jobType), 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		// Invalid job data, remove from processing queue
		q.client.LRem(ctx, processingKey(jobType), 1, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	return &job, nil
}

// processJob runs the stage handler and records the outcome
func (q *Queue) processJob(ctx context.Context, st *stage, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job, JobTTL)

	err := q.runHandler(ctx, st, job)

	switch {
	case err == nil:
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		// Completed jobs stay as dedup markers for a short while
		q.updateJob(ctx, job, q.opts.CompletedTTL)
		q.updateJobStats(ctx, JobStatusCompleted, 1)

	case ctx.Err() != nil:
		// Shutdown interrupted the handler; the stuck sweeper or the next start picks it up
		log.Warnf("[JobQueue] Job %s interrupted by shutdown", job.ID)
		job.Status = JobStatusPending
		job.UpdatedAt = time.Now()
		q.updateJob(context.Background(), job, JobTTL)
		_ = q.client.RPush(context.Background(), queueKey(st.jobType), job.ID).Err()

	default:
		job.MarkAsFailed(err.Error())
		if IsPermanent(err) {
			log.Errorf("[JobQueue] Job %s failed permanently: %v", job.ID, err)
			q.updateJob(ctx, job, JobTTL)
			q.updateJobStats(ctx, JobStatusFailed, 1)
		} else if job.IsRetryable() {
			delay := Backoff(q.opts.BackoffBase, q.opts.BackoffMax, job.RetryCount)
			log.Warnf("[JobQueue] Job %s failed (attempt %d/%d), retrying in %s: %v", job.ID, job.RetryCount, job.MaxRetries, delay, err)
			job.MarkAsRetrying(time.Now().Add(delay))
			q.updateJob(ctx, job, JobTTL)
			if zerr := q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(job.NextRunAt.Unix()), Member: job.ID}).Err(); zerr != nil {
				log.Errorf("[JobQueue] Failed to schedule retry of job %s: %v", job.ID, zerr)
			}
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d retries: %v", job.ID, job.RetryCount, err)
			q.updateJob(ctx, job, JobTTL)
			q.updateJobStats(ctx, JobStatusFailed, 1)
		}
	}

	q.removeFromProcessing(context.Background(), st.jobType, job.ID)
}

func (q *Queue) runHandler(ctx context.Context, st *stage, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", st.jobType, r)
		}
	}()
	return st.handler(ctx, job)
}

// PromoteDue moves retrying jobs whose backoff elapsed back onto their stage queue.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			// Another instance promoted it
			continue
		}
		job, err := q.GetJob(ctx, id)
		if err != nil {
			log.Warnf("[JobQueue] Delayed job %s vanished: %v", id, err)
			continue
		}
		if job.Status != JobStatusRetrying {
			continue
		}
		job.Status = JobStatusPending
		job.UpdatedAt = time.Now()
		q.updateJob(ctx, job, JobTTL)
		if err := q.client.LPush(ctx, queueKey(job.Type), job.ID).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// stuckSweeper periodically scans the processing lists and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(ctx context.Context, maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			if _, err := q.RecoverStuck(ctx, time.Now(), maxAge); err != nil {
				log.Errorf("[JobQueue] Sweeper error: %v", err)
			}
		}
	}
}

// RecoverStuck requeues processing jobs older than maxAge and drops stray entries.
func (q *Queue) RecoverStuck(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	recovered := 0
	for _, jobType := range Stages {
		pk := processingKey(jobType)
		ids, err := q.client.LRange(ctx, pk, 0, -1).Result()
		if err != nil {
			return recovered, err
		}
		for _, id := range ids {
			job, err := q.GetJob(ctx, id)
			if err != nil {
				// Job data missing; remove from processing list
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Sweeper Get error for %s: %v", id, err)
				}
				_ = q.client.LRem(ctx, pk, 1, id).Err()
				continue
			}
			if job.Status != JobStatusProcessing {
				// Clean up stray entry
				_ = q.client.LRem(ctx, pk, 1, id).Err()
				continue
			}
			started := job.UpdatedAt
			if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
				started = *job.ProcessedAt
			}
			if now.Sub(started) <= maxAge {
				continue
			}
			log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
			job.Status = JobStatusPending
			job.ErrorMsg = "recovered by sweeper"
			job.UpdatedAt = now
			q.updateJob(ctx, job, JobTTL)
			_ = q.client.LRem(ctx, pk, 1, id).Err()
			_ = q.client.RPush(ctx, queueKey(jobType), id).Err()
			recovered++
		}
	}
	return recovered, nil
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job, ttl time.Duration) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, ttl).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobType JobType, jobID string) {
	if err := q.client.LRem(ctx, processingKey(jobType), 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = countInt
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs of a stage
func (q *Queue) GetQueueSize(ctx context.Context, jobType JobType) (int64, error) {
	return q.client.LLen(ctx, queueKey(jobType)).Result()
}

// GetProcessingSize returns the number of jobs of a stage being processed
func (q *Queue) GetProcessingSize(ctx context.Context, jobType JobType) (int64, error) {
	return q.client.LLen(ctx, processingKey(jobType)).Result()
}

// GetDelayedSize returns the number of jobs waiting for their retry backoff
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}

// StageStats is the backlog of one stage
type StageStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

// Stats summarizes the queue for the admin surface
type Stats struct {
	Stages  map[JobType]StageStats `json:"stages"`
	Delayed int64                  `json:"delayed"`
	Totals  map[JobStatus]int64    `json:"totals"`
}

// GetStats collects per-stage backlog, the delayed retry set and the status counters
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	out := &Stats{Stages: make(map[JobType]StageStats, len(Stages))}
	for _, jobType := range Stages {
		pending, err := q.GetQueueSize(ctx, jobType)
		if err != nil {
			return nil, err
		}
		processing, err := q.GetProcessingSize(ctx, jobType)
		if err != nil {
			return nil, err
		}
		out.Stages[jobType] = StageStats{Pending: pending, Processing: processing}
	}
	delayed, err := q.GetDelayedSize(ctx)
	if err != nil {
		return nil, err
	}
	out.Delayed = delayed
	totals, err := q.GetJobStats(ctx)
	if err != nil {
		return nil, err
	}
	out.Totals = totals
	return out, nil
}
