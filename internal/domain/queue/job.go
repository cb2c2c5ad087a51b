// Package queue contains the job model shared by producers and queue workers.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// MaxAttempts is the number of failed runs after which a job is dead-lettered
	MaxAttempts = 3
	// DefaultCapacity bounds the queue; the oldest entries are dropped beyond it
	DefaultCapacity = 10000
)

var (
	ErrUnknownJobType = errors.New("queue: unknown job type")
	ErrInvalidJob     = errors.New("queue: invalid job")
	// ErrPermanent marks a handler failure that must not be retried
	ErrPermanent = errors.New("queue: permanent failure")
)

// JobType is the closed set of work the queue carries
type JobType string

const (
	JobTypeWebhookNotification JobType = "webhook.notification"
	JobTypeCatalogFullSync     JobType = "catalog.full_sync"
	JobTypeRecoveryMissedFeeds JobType = "recovery.missed_feeds"
)

// IsValid returns true if the job type is known
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeWebhookNotification, JobTypeCatalogFullSync, JobTypeRecoveryMissedFeeds:
		return true
	default:
		return false
	}
}

func (t JobType) String() string {
	return string(t)
}

// Job is one queue entry. A retry is a new entry with Attempts incremented;
// an entry already in the queue is never modified.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
}

// NewJob creates a job with an id of the form <type>_<unix-ms>_<random>
func NewJob(jobType JobType, payload any, now time.Time) (*Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidJob)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidJob, err)
	}
	return &Job{
		ID:        fmt.Sprintf("%s_%d_%s", jobType, now.UnixMilli(), randomSuffix()),
		Type:      jobType,
		Payload:   raw,
		CreatedAt: now.UTC(),
	}, nil
}

// Retry returns the entry to re-enqueue after a failed run
func (j *Job) Retry() *Job {
	next := *j
	next.Attempts = j.Attempts + 1
	return &next
}

// Exhausted reports whether the job has used its whole retry budget
func (j *Job) Exhausted() bool {
	return j.Attempts >= MaxAttempts
}

// DecodePayload unmarshals the payload into v
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrPermanent, j.Type, err)
	}
	return nil
}

// Handler processes one job
type Handler func(ctx context.Context, job *Job) error

// Handlers maps job types to their handler
type Handlers map[JobType]Handler

func randomSuffix() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}
