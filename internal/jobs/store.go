// Package jobs tracks asynchronous ingestion jobs: creation, heartbeat
// leases, completion, and TTL-based eviction.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"lattice-backend/internal/errors"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Job is one tracked background job.
type Job struct {
	ID          string     `json:"job_id"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`

	expiresAt time.Time
}

// Store is an in-memory job store. Entries are evicted lazily once their
// lease expires; heartbeats extend the lease so long-running jobs survive.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
	now  func() time.Time
}

// NewStore creates a store with the given lease TTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{jobs: make(map[string]*Job), ttl: ttl, now: time.Now}
}

// Create registers a pending job and returns its ID.
func (s *Store) Create(tenantID string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    StatusPending,
		CreatedAt: now,
		expiresAt: now.Add(s.ttl),
	}
	s.jobs[job.ID] = job
	copy := *job
	return &copy
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("JOB_NOT_FOUND", "job does not exist or has expired").
			WithResource(id).Build()
	}
	copy := *job
	return &copy, nil
}

// Heartbeat marks the job running and extends its lease.
func (s *Store) Heartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("JOB_NOT_FOUND", "job does not exist or has expired").
			WithResource(id).Build()
	}
	if job.Status == StatusPending {
		job.Status = StatusRunning
	}
	job.expiresAt = s.now().Add(s.ttl)
	return nil
}

// Complete records a successful result.
func (s *Store) Complete(id string, result any) error {
	return s.finish(id, StatusCompleted, result, "")
}

// Fail records a failure message.
func (s *Store) Fail(id string, message string) error {
	return s.finish(id, StatusFailed, nil, message)
}

func (s *Store) finish(id string, status Status, result any, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("JOB_NOT_FOUND", "job does not exist or has expired").
			WithResource(id).Build()
	}
	now := s.now()
	job.Status = status
	job.CompletedAt = &now
	job.Result = result
	job.Error = message
	job.expiresAt = now.Add(s.ttl)
	return nil
}

// Len returns the live job count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	return len(s.jobs)
}

func (s *Store) evictExpiredLocked() {
	now := s.now()
	for id, job := range s.jobs {
		if now.After(job.expiresAt) {
			delete(s.jobs, id)
		}
	}
}
