package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"phonica_back/catalog"
	"phonica_back/pipeline"
	"phonica_back/synth"
)

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job is one background generation wrapped in bounded retries. Jobs are
// never silently dropped: terminal state plus error string are kept for
// the status interface.
type Job struct {
	ID        string    `json:"id"`
	UnitKey   string    `json:"unit_key"`
	VoiceID   string    `json:"voice_id,omitempty"`
	Force     bool      `json:"force,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	State     JobState  `json:"state"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchStatus aggregates per-unit outcomes of a fan-out. One unit's
// permanent failure never aborts its siblings.
type BatchStatus struct {
	ID        string            `json:"id"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Done      bool              `json:"done"`
	Errors    map[string]string `json:"errors,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Config struct {
	Workers             int
	MaxRetries          int
	RetryBackoff        time.Duration
	QueueSize           int
	MaintenanceInterval time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		Workers:             4,
		MaxRetries:          3,
		RetryBackoff:        5 * time.Second,
		QueueSize:           1024,
		MaintenanceInterval: time.Hour,
	}
	if raw := strings.TrimSpace(os.Getenv("AUDIO_WORKERS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.Workers = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("AUDIO_MAX_RETRIES")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.MaxRetries = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("AUDIO_RETRY_BACKOFF_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			cfg.RetryBackoff = time.Duration(parsed) * time.Second
		}
	}
	if raw := strings.TrimSpace(os.Getenv("AUDIO_MAINTENANCE_INTERVAL_MINUTES")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.MaintenanceInterval = time.Duration(parsed) * time.Minute
		}
	}
	return cfg
}

// Scheduler executes generation jobs on a worker pool. Workers run jobs
// in parallel across units; per-key serialization is enforced by the
// pipeline's single-flight claim, not here.
type Scheduler struct {
	generator *pipeline.Generator
	store     *catalog.Store
	cfg       Config

	queue chan string
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*Job
	batches map[string]*BatchStatus
	started bool
	stopped bool
}

func NewScheduler(generator *pipeline.Generator, store *catalog.Store, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Scheduler{
		generator: generator,
		store:     store,
		cfg:       cfg,
		queue:     make(chan string, cfg.QueueSize),
		stop:      make(chan struct{}),
		jobs:      make(map[string]*Job),
		batches:   make(map[string]*BatchStatus),
	}
}

// Start launches the worker pool. Safe to call once.
func (s *Scheduler) Start() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop drains the workers. Queued jobs that have not started stay
// pending. Safe to call more than once.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
}

// SubmitGeneration enqueues one unit and returns a job handle.
func (s *Scheduler) SubmitGeneration(unitKey, voiceID string, forceRegenerate bool) (string, error) {
	return s.submit(unitKey, voiceID, forceRegenerate, "")
}

// SubmitBatch fans N units out into N jobs sharing one batch handle.
func (s *Scheduler) SubmitBatch(unitKeys []string, voiceID string) (string, error) {
	if s == nil {
		return "", errors.New("scheduler: not configured")
	}

	distinct := make([]string, 0, len(unitKeys))
	seen := make(map[string]struct{}, len(unitKeys))
	for _, unitKey := range unitKeys {
		unitKey = strings.TrimSpace(unitKey)
		if unitKey == "" {
			continue
		}
		if _, dup := seen[unitKey]; dup {
			continue
		}
		seen[unitKey] = struct{}{}
		distinct = append(distinct, unitKey)
	}
	if len(distinct) == 0 {
		return "", errors.New("scheduler: batch is empty")
	}

	batchID := uuid.NewString()
	s.mu.Lock()
	s.batches[batchID] = &BatchStatus{
		ID:        batchID,
		Total:     len(distinct),
		Errors:    make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	for _, unitKey := range distinct {
		if _, err := s.submit(unitKey, voiceID, false, batchID); err != nil {
			s.recordBatchResult(batchID, unitKey, err)
		}
	}
	return batchID, nil
}

func (s *Scheduler) submit(unitKey, voiceID string, forceRegenerate bool, batchID string) (string, error) {
	if s == nil {
		return "", errors.New("scheduler: not configured")
	}
	unitKey = strings.TrimSpace(unitKey)
	if unitKey == "" {
		return "", errors.New("scheduler: unit key is required")
	}

	job := &Job{
		ID:        uuid.NewString(),
		UnitKey:   unitKey,
		VoiceID:   strings.TrimSpace(voiceID),
		Force:     forceRegenerate,
		BatchID:   batchID,
		State:     JobPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	select {
	case s.queue <- job.ID:
		return job.ID, nil
	default:
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return "", errors.New("scheduler: job queue is full")
	}
}

// JobStatus reports a job's current state.
func (s *Scheduler) JobStatus(jobID string) (*Job, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[jobID]
	if !found {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

// GetBatchStatus reports aggregated batch progress.
func (s *Scheduler) GetBatchStatus(batchID string) (*BatchStatus, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, found := s.batches[batchID]
	if !found {
		return nil, false
	}
	snapshot := *batch
	snapshot.Errors = make(map[string]string, len(batch.Errors))
	for k, v := range batch.Errors {
		snapshot.Errors[k] = v
	}
	return &snapshot, true
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case jobID := <-s.queue:
			s.runJob(jobID)
		}
	}
}

// runJob re-enters the pipeline from scratch on every attempt; there is
// no partial-state resume. Permanent provider rejections stop retrying
// immediately.
func (s *Scheduler) runJob(jobID string) {
	s.mu.Lock()
	job, found := s.jobs[jobID]
	if !found {
		s.mu.Unlock()
		return
	}
	job.State = JobRunning
	job.UpdatedAt = time.Now().UTC()
	request := pipeline.GenerateRequest{
		UnitKey:         job.UnitKey,
		VoiceID:         job.VoiceID,
		ForceRegenerate: job.Force,
		ChangeReason:    "background generation",
		JobID:           job.ID,
	}
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		s.mu.Lock()
		job.Attempts = attempt
		job.UpdatedAt = time.Now().UTC()
		s.mu.Unlock()

		_, err := s.generator.Run(context.Background(), request)
		if err == nil {
			s.finishJob(job, nil)
			return
		}
		lastErr = err

		var synthErr *synth.SynthesisError
		if errors.As(err, &synthErr) && !synthErr.Retryable() {
			break
		}
		if errors.Is(err, catalog.ErrUnitNotFound) {
			break
		}
		if attempt < s.cfg.MaxRetries {
			backoff := s.cfg.RetryBackoff << (attempt - 1)
			log.Printf("scheduler: job %s attempt %d failed, retrying in %s: %v", job.ID, attempt, backoff, err)
			select {
			case <-s.stop:
				s.finishJob(job, lastErr)
				return
			case <-time.After(backoff):
			}
		}
	}
	s.finishJob(job, lastErr)
}

func (s *Scheduler) finishJob(job *Job, err error) {
	s.mu.Lock()
	if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
	} else {
		job.State = JobSucceeded
		job.Error = ""
	}
	job.UpdatedAt = time.Now().UTC()
	batchID := job.BatchID
	unitKey := job.UnitKey
	s.mu.Unlock()

	if err != nil {
		log.Printf("scheduler: job %s for unit %s failed permanently: %v", job.ID, unitKey, err)
	}
	if batchID != "" {
		s.recordBatchResult(batchID, unitKey, err)
	}
}

func (s *Scheduler) recordBatchResult(batchID, unitKey string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, found := s.batches[batchID]
	if !found {
		return
	}
	if err != nil {
		batch.Failed++
		batch.Errors[unitKey] = err.Error()
	} else {
		batch.Succeeded++
	}
	batch.Done = batch.Succeeded+batch.Failed >= batch.Total
}

// StartMaintenance runs the periodic jobs: submit best-effort batch
// generation for units with no audio, then hand the expiry sweep to the
// lifecycle manager.
func (s *Scheduler) StartMaintenance(sweep func(context.Context) error) {
	if s == nil || s.cfg.MaintenanceInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.runMaintenance(sweep)
			}
		}
	}()
}

func (s *Scheduler) runMaintenance(sweep func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	units, err := s.store.UnitsMissingAudio(ctx)
	if err != nil {
		log.Printf("scheduler: maintenance scan failed: %v", err)
	} else if len(units) > 0 {
		unitKeys := make([]string, 0, len(units))
		for _, unit := range units {
			unitKeys = append(unitKeys, unit.UnitKey)
		}
		if batchID, err := s.SubmitBatch(unitKeys, ""); err != nil {
			log.Printf("scheduler: maintenance batch submit failed: %v", err)
		} else {
			log.Printf("scheduler: maintenance submitted batch %s for %d units", batchID, len(unitKeys))
		}
	}

	if sweep != nil {
		if err := sweep(ctx); err != nil {
			log.Printf("scheduler: maintenance sweep failed: %v", err)
		}
	}
}
