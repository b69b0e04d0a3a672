package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offlineClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
}

func TestNewQueueDefaults(t *testing.T) {
	q := NewQueue(offlineClient(), Options{})

	assert.NotNil(t, q.stopCh)
	assert.False(t, q.running)
	assert.Equal(t, DefaultMaxRetries, q.opts.MaxRetries)
	assert.Equal(t, DefaultBackoffBase, q.opts.BackoffBase)
	assert.Equal(t, DefaultBackoffMax, q.opts.BackoffMax)
	assert.Equal(t, DefaultCompletedJobTTL, q.opts.CompletedTTL)
	assert.Equal(t, DefaultStuckAfter, q.opts.StuckAfter)
}

func TestNewQueueOptions(t *testing.T) {
	q := NewQueue(offlineClient(), Options{MaxRetries: 2, BackoffBase: time.Second, BackoffMax: 10 * time.Second})
	assert.Equal(t, 2, q.opts.MaxRetries)
	assert.Equal(t, time.Second, q.opts.BackoffBase)
	assert.Equal(t, 10*time.Second, q.opts.BackoffMax)
}

func TestRegisterClampsWorkers(t *testing.T) {
	q := NewQueue(offlineClient(), Options{})
	q.Register(JobTypeFiscal, 0, func(context.Context, *Job) error { return nil })

	require.Contains(t, q.stages, JobTypeFiscal)
	assert.Equal(t, 1, q.stages[JobTypeFiscal].workers)
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue:fiscal", queueKey(JobTypeFiscal))
	assert.Equal(t, "job_processing:document", processingKey(JobTypeDocument))
	assert.Equal(t, "job_delayed", JobDelayedKey)
	assert.Equal(t, 10*time.Minute, DefaultCompletedJobTTL)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func newRedisQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	return NewQueue(client, opts)
}

var testPayload = StagePayload{PaymentID: 1, Provider: "mercadopago", ProviderPaymentID: "555"}

func TestEnqueueIsIdempotent(t *testing.T) {
	q := newRedisQueue(t, Options{})
	ctx := context.Background()

	created, err := q.Enqueue(ctx, JobTypeIngestion, testPayload)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.Enqueue(ctx, JobTypeIngestion, testPayload)
	require.NoError(t, err)
	assert.False(t, created)

	size, err := q.GetQueueSize(ctx, JobTypeIngestion)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	// A different stage is a different dedup key
	created, err = q.Enqueue(ctx, JobTypeFiscal, testPayload)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestProcessJobCompletedKeepsDedupMarker(t *testing.T) {
	q := newRedisQueue(t, Options{CompletedTTL: time.Minute})
	ctx := context.Background()

	var calls int32
	q.Register(JobTypeFiscal, 1, func(_ context.Context, job *Job) error {
		atomic.AddInt32(&calls, 1)
		p, err := StagePayloadFromMap(job.Payload)
		require.NoError(t, err)
		assert.Equal(t, testPayload, *p)
		return nil
	})

	_, err := q.Enqueue(ctx, JobTypeFiscal, testPayload)
	require.NoError(t, err)

	job, err := q.dequeueJob(ctx, JobTypeFiscal)
	require.NoError(t, err)
	q.processJob(ctx, q.stages[JobTypeFiscal], job)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, stored.Status)

	ttl, err := q.client.TTL(ctx, JobKeyPrefix+job.ID).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)

	processing, err := q.GetProcessingSize(ctx, JobTypeFiscal)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)

	created, err := q.Enqueue(ctx, JobTypeFiscal, testPayload)
	require.NoError(t, err)
	assert.False(t, created, "completed job acts as dedup marker")
}

func TestProcessJobRetriesWithBackoff(t *testing.T) {
	q := newRedisQueue(t, Options{MaxRetries: 3, BackoffBase: time.Minute, BackoffMax: time.Hour})
	ctx := context.Background()

	q.Register(JobTypeDocument, 1, func(context.Context, *Job) error {
		return errors.New("archive unavailable")
	})

	_, err := q.Enqueue(ctx, JobTypeDocument, testPayload)
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx, JobTypeDocument)
	require.NoError(t, err)

	before := time.Now()
	q.processJob(ctx, q.stages[JobTypeDocument], job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextRunAt)
	assert.WithinDuration(t, before.Add(time.Minute), *stored.NextRunAt, 5*time.Second)

	delayed, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	// Not due yet
	n, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteDue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := q.GetQueueSize(ctx, JobTypeDocument)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	stored, err = q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
}

func TestProcessJobPermanentFailure(t *testing.T) {
	q := newRedisQueue(t, Options{MaxRetries: 3})
	ctx := context.Background()

	q.Register(JobTypeFiscal, 1, func(context.Context, *Job) error {
		return Permanent(errors.New("rejected"))
	})

	_, err := q.Enqueue(ctx, JobTypeFiscal, testPayload)
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx, JobTypeFiscal)
	require.NoError(t, err)
	q.processJob(ctx, q.stages[JobTypeFiscal], job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)

	delayed, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), delayed)

	// Failed jobs may be re-submitted
	created, err := q.Enqueue(ctx, JobTypeFiscal, testPayload)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestProcessJobRecoversPanics(t *testing.T) {
	q := newRedisQueue(t, Options{MaxRetries: 1})
	ctx := context.Background()

	q.Register(JobTypeIngestion, 1, func(context.Context, *Job) error {
		panic("nil map")
	})

	_, err := q.Enqueue(ctx, JobTypeIngestion, testPayload)
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx, JobTypeIngestion)
	require.NoError(t, err)
	q.processJob(ctx, q.stages[JobTypeIngestion], job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "panic")
}

func TestRecoverStuck(t *testing.T) {
	q := newRedisQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobTypeDocument, testPayload)
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx, JobTypeDocument)
	require.NoError(t, err)
	job.MarkAsProcessing()
	q.updateJob(ctx, job, JobTTL)

	n, err := q.RecoverStuck(ctx, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.RecoverStuck(ctx, time.Now().Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := q.GetQueueSize(ctx, JobTypeDocument)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
	processing, err := q.GetProcessingSize(ctx, JobTypeDocument)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)
}

func TestWorkersProcessEnqueuedJobs(t *testing.T) {
	q := newRedisQueue(t, Options{DequeueTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	done := make(chan string, 1)
	q.Register(JobTypeIngestion, 2, func(_ context.Context, job *Job) error {
		done <- job.ID
		return nil
	})
	m := NewManager(q)
	m.Start()
	defer m.Stop()
	assert.True(t, m.IsRunning())

	_, err := q.Enqueue(ctx, JobTypeIngestion, testPayload)
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, JobID(JobTypeIngestion, "mercadopago", "555"), id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
}
