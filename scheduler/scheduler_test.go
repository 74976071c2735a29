package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"phonica_back/catalog"
	"phonica_back/pipeline"
	"phonica_back/storage"
	"phonica_back/synth"
)

// scriptedProvider fails a configurable number of times per spoken text
// before succeeding; a negative count means it never succeeds.
type scriptedProvider struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	err      error
	delay    time.Duration
}

func newScriptedProvider(failures map[string]int) *scriptedProvider {
	return &scriptedProvider{
		failures: failures,
		calls:    make(map[string]int),
		err:      errors.New("provider down"),
	}
}

func (p *scriptedProvider) ID() string   { return "scripted" }
func (p *scriptedProvider) Tier() string { return catalog.TierSynthesized }

func (p *scriptedProvider) Calls(text string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[text]
}

func (p *scriptedProvider) Synthesize(_ context.Context, req synth.SpeechRequest) (*synth.SpeechResult, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	p.calls[req.Text]++
	remaining := p.failures[req.Text]
	if remaining != 0 {
		if remaining > 0 {
			p.failures[req.Text] = remaining - 1
		}
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	return &synth.SpeechResult{
		Audio:           []byte("fake-mp3-bytes"),
		Encoding:        "mp3",
		VoiceID:         req.VoiceID,
		DurationSeconds: 1.0,
	}, nil
}

func newTestScheduler(t *testing.T, provider synth.Provider, cfg Config) (*Scheduler, *catalog.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	store := catalog.NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	files, err := storage.NewLocalAudioStorage(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	chain := synth.NewChain(synth.ChainConfig{DefaultVoice: "us-female-1", ProviderTimeout: 2 * time.Second}, provider)
	generator := pipeline.NewGenerator(store, chain, files, pipeline.Config{CacheTTL: 24 * time.Hour, DefaultVoice: "us-female-1"})
	return NewScheduler(generator, store, cfg), store
}

func seedUnit(t *testing.T, store *catalog.Store, unitKey string) {
	t.Helper()
	unit := &catalog.AudioUnit{
		UnitKey:  unitKey,
		Kind:     "symbol",
		Text:     unitKey,
		Language: "en-US",
		Category: "consonant",
	}
	if err := store.DB().Create(unit).Error; err != nil {
		t.Fatalf("seed unit: %v", err)
	}
}

func waitForJob(t *testing.T, s *Scheduler, jobID string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, found := s.JobStatus(jobID)
		if !found {
			t.Fatalf("job %s vanished", jobID)
		}
		if job.State == JobSucceeded || job.State == JobFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func waitForBatch(t *testing.T, s *Scheduler, batchID string) *BatchStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		batch, found := s.GetBatchStatus(batchID)
		if !found {
			t.Fatalf("batch %s vanished", batchID)
		}
		if batch.Done {
			return batch
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch %s did not finish", batchID)
	return nil
}

func TestJobSucceedsFirstAttempt(t *testing.T) {
	provider := newScriptedProvider(nil)
	s, store := newTestScheduler(t, provider, Config{Workers: 2, MaxRetries: 3, RetryBackoff: time.Millisecond, QueueSize: 16})
	seedUnit(t, store, "th")
	s.Start()
	defer s.Stop()

	jobID, err := s.SubmitGeneration("th", "", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitForJob(t, s, jobID)
	if job.State != JobSucceeded || job.Attempts != 1 {
		t.Fatalf("job = %+v, want succeeded in 1 attempt", job)
	}

	if _, err := store.ActiveVersion(context.Background(), "th"); err != nil {
		t.Fatalf("no active version after job: %v", err)
	}
}

func TestJobRetriesUntilSuccess(t *testing.T) {
	provider := newScriptedProvider(map[string]int{"sh": 2})
	s, store := newTestScheduler(t, provider, Config{Workers: 1, MaxRetries: 3, RetryBackoff: time.Millisecond, QueueSize: 16})
	seedUnit(t, store, "sh")
	s.Start()
	defer s.Stop()

	jobID, err := s.SubmitGeneration("sh", "", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitForJob(t, s, jobID)
	if job.State != JobSucceeded {
		t.Fatalf("job = %+v, want success after retries", job)
	}
	if job.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", job.Attempts)
	}
}

func TestJobFailsAfterBoundedRetries(t *testing.T) {
	provider := newScriptedProvider(map[string]int{"ae": -1})
	s, store := newTestScheduler(t, provider, Config{Workers: 1, MaxRetries: 2, RetryBackoff: time.Millisecond, QueueSize: 16})
	seedUnit(t, store, "ae")
	s.Start()
	defer s.Stop()

	jobID, err := s.SubmitGeneration("ae", "", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitForJob(t, s, jobID)
	if job.State != JobFailed || job.Attempts != 2 || job.Error == "" {
		t.Fatalf("job = %+v, want permanent failure after 2 attempts", job)
	}
	if provider.Calls("ae") != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.Calls("ae"))
	}
}

func TestNonRetryableFailureStopsImmediately(t *testing.T) {
	provider := newScriptedProvider(map[string]int{"uh": -1})
	provider.err = &synth.SynthesisError{Provider: "scripted", Kind: synth.FailureInvalidVoice, Err: errors.New("unknown voice")}
	s, store := newTestScheduler(t, provider, Config{Workers: 1, MaxRetries: 3, RetryBackoff: time.Millisecond, QueueSize: 16})
	seedUnit(t, store, "uh")
	s.Start()
	defer s.Stop()

	jobID, err := s.SubmitGeneration("uh", "bad-voice", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitForJob(t, s, jobID)
	if job.State != JobFailed {
		t.Fatalf("job = %+v, want failed", job)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for non-retryable failure", job.Attempts)
	}
}

func TestUnknownUnitFailsWithoutRetries(t *testing.T) {
	provider := newScriptedProvider(nil)
	s, _ := newTestScheduler(t, provider, Config{Workers: 1, MaxRetries: 3, RetryBackoff: time.Millisecond, QueueSize: 16})
	s.Start()
	defer s.Stop()

	jobID, err := s.SubmitGeneration("missing", "", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitForJob(t, s, jobID)
	if job.State != JobFailed || job.Attempts != 1 {
		t.Fatalf("job = %+v, want one failed attempt", job)
	}
}

func TestBatchIsolatesFailures(t *testing.T) {
	provider := newScriptedProvider(map[string]int{"bad": -1})
	s, store := newTestScheduler(t, provider, Config{Workers: 2, MaxRetries: 2, RetryBackoff: time.Millisecond, QueueSize: 16})
	seedUnit(t, store, "good-1")
	seedUnit(t, store, "good-2")
	seedUnit(t, store, "bad")
	s.Start()
	defer s.Stop()

	batchID, err := s.SubmitBatch([]string{"good-1", "good-2", "bad", "good-1"}, "")
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	batch := waitForBatch(t, s, batchID)
	if batch.Total != 3 {
		t.Fatalf("total = %d, want 3 after dedup", batch.Total)
	}
	if batch.Succeeded != 2 || batch.Failed != 1 {
		t.Fatalf("batch = %+v, want 2 succeeded / 1 failed", batch)
	}
	if _, recorded := batch.Errors["bad"]; !recorded {
		t.Fatalf("errors = %v, want entry for bad", batch.Errors)
	}
}

func TestConcurrentJobsShareOneGeneration(t *testing.T) {
	provider := newScriptedProvider(nil)
	provider.delay = 300 * time.Millisecond
	s, store := newTestScheduler(t, provider, Config{Workers: 2, MaxRetries: 3, RetryBackoff: time.Millisecond, QueueSize: 16})
	seedUnit(t, store, "th")
	s.Start()
	defer s.Stop()

	first, err := s.SubmitGeneration("th", "", false)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := s.SubmitGeneration("th", "", false)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	jobA := waitForJob(t, s, first)
	jobB := waitForJob(t, s, second)
	if jobA.State != JobSucceeded || jobB.State != JobSucceeded {
		t.Fatalf("jobs = %s/%s, want both succeeded", jobA.State, jobB.State)
	}
	if provider.Calls("th") != 1 {
		t.Fatalf("provider calls = %d, want 1 (single-flight per (unit, voice) key)", provider.Calls("th"))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	provider := newScriptedProvider(nil)
	s, _ := newTestScheduler(t, provider, Config{Workers: 1, MaxRetries: 1, RetryBackoff: time.Millisecond, QueueSize: 4})
	s.Start()

	s.Stop()
	s.Stop()
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	provider := newScriptedProvider(nil)
	s, store := newTestScheduler(t, provider, Config{Workers: 1, MaxRetries: 1, RetryBackoff: time.Millisecond, QueueSize: 1})
	seedUnit(t, store, "x")
	// Workers intentionally not started; the queue fills immediately.

	if _, err := s.SubmitGeneration("x", "", false); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := s.SubmitGeneration("x", "", false); err == nil {
		t.Fatal("second submit must be rejected while the queue is full")
	}
}
