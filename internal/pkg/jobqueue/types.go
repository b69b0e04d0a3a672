package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType defines the pipeline stage a job belongs to
type JobType string

const (
	JobTypeIngestion JobType = "ingestion"
	JobTypeFiscal    JobType = "fiscal"
	JobTypeDocument  JobType = "document"
)

// Stages lists every job type in pipeline order.
var Stages = []JobType{JobTypeIngestion, JobTypeFiscal, JobTypeDocument}

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a queued unit of stage work for one payment
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	NextRunAt   *time.Time             `json:"next_run_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// StagePayload identifies the payment a stage job acts on
type StagePayload struct {
	PaymentID         uint   `json:"payment_id"`
	Provider          string `json:"provider"`
	ProviderPaymentID string `json:"provider_payment_id"`
}

// ToMap converts the payload to a map for storage
func (p StagePayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"payment_id":          p.PaymentID,
		"provider":            p.Provider,
		"provider_payment_id": p.ProviderPaymentID,
	}
}

// StagePayloadFromMap creates a payload from a map
func StagePayloadFromMap(data map[string]interface{}) (*StagePayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload StagePayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// JobID derives the dedup key of a stage job: <stage>:<provider>:<provider_payment_id>.
func JobID(jobType JobType, provider, providerPaymentID string) string {
	return fmt.Sprintf("%s:%s:%s", jobType, provider, providerPaymentID)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
	j.NextRunAt = nil
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying schedules the next attempt
func (j *Job) MarkAsRetrying(runAt time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
	j.NextRunAt = &runAt
}
