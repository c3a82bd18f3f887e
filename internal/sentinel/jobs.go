package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cerberus-defense/cerberus/internal/capture"
	"github.com/cerberus-defense/cerberus/internal/sandbox"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

var (
	ErrJobNotFound  = errors.New("simulation job not found")
	ErrQueueFull    = errors.New("simulation queue is full")
	ErrJobsShutDown = errors.New("simulation workers are shut down")
)

// SimJob is one queued detonation.
type SimJob struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	Payload      capture.Payload `json:"payload"`
	ShadowAppRef string          `json:"shadow_app_ref"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Result       *sandbox.Result `json:"result,omitempty"`
}

// SimQueue runs detonations on a bounded worker pool and keeps their
// results keyed by job id. Results are written only by the worker that ran
// the job.
type SimQueue struct {
	sim   *sandbox.Simulator
	queue chan string
	wg    sync.WaitGroup
	seq   atomic.Int64

	mu   sync.RWMutex
	jobs map[string]*SimJob

	closed atomic.Bool
}

func NewSimQueue(sim *sandbox.Simulator, workers, queueSize int) *SimQueue {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	q := &SimQueue{
		sim:   sim,
		queue: make(chan string, queueSize),
		jobs:  make(map[string]*SimJob),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit queues a payload for detonation and returns the job id.
func (q *SimQueue) Submit(p capture.Payload, shadowRef string, metadata map[string]any) (string, error) {
	if q.closed.Load() {
		return "", ErrJobsShutDown
	}
	if shadowRef == "" {
		shadowRef = sandbox.DefaultShadowAppRef
	}

	job := &SimJob{
		JobID:        q.newJobID(),
		Status:       JobQueued,
		Payload:      p,
		ShadowAppRef: shadowRef,
		Metadata:     metadata,
		SubmittedAt:  time.Now().UTC(),
	}

	q.mu.Lock()
	q.jobs[job.JobID] = job
	q.mu.Unlock()

	select {
	case q.queue <- job.JobID:
		slog.Info("Simulation queued", "job_id", job.JobID, "type", p.Type)
		return job.JobID, nil
	default:
		q.mu.Lock()
		delete(q.jobs, job.JobID)
		q.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Get returns a copy of the job record.
func (q *SimQueue) Get(jobID string) (*SimJob, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// Stats counts jobs by status.
func (q *SimQueue) Stats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := map[string]int{}
	for _, job := range q.jobs {
		out[job.Status]++
	}
	return out
}

// Shutdown drains the queue and waits for running detonations.
func (q *SimQueue) Shutdown() {
	if q.closed.Swap(true) {
		return
	}
	close(q.queue)
	q.wg.Wait()
}

func (q *SimQueue) worker() {
	defer q.wg.Done()
	for jobID := range q.queue {
		q.run(jobID)
	}
}

func (q *SimQueue) run(jobID string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	job.Status = JobRunning
	job.StartedAt = &now
	payload, shadowRef := job.Payload, job.ShadowAppRef
	q.mu.Unlock()

	res := q.sim.Detonate(context.Background(), payload, shadowRef)
	res.SimulationID = jobID

	q.mu.Lock()
	defer q.mu.Unlock()
	done := time.Now().UTC()
	job.FinishedAt = &done
	job.Result = &res
	if res.Verdict == sandbox.VerdictError {
		job.Status = JobFailed
	} else {
		job.Status = JobCompleted
	}
}

func (q *SimQueue) newJobID() string {
	return fmt.Sprintf("sim_%s_%03d",
		time.Now().UTC().Format("20060102_150405"), q.seq.Add(1)%1000)
}
