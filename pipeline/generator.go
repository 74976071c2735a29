package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"phonica_back/cache"
	"phonica_back/catalog"
	"phonica_back/storage"
	"phonica_back/synth"
)

// ErrGenerationFailed signals that the whole provider chain was exhausted
// for one request. No catalog rows are written when it is returned.
var ErrGenerationFailed = errors.New("pipeline: generation failed")

type Config struct {
	CacheTTL     time.Duration
	DefaultVoice string
}

func ConfigFromEnv() Config {
	cfg := Config{
		CacheTTL:     30 * 24 * time.Hour,
		DefaultVoice: strings.TrimSpace(os.Getenv("AUDIO_DEFAULT_VOICE")),
	}
	if raw := strings.TrimSpace(os.Getenv("AUDIO_CACHE_TTL_DAYS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.CacheTTL = time.Duration(parsed) * 24 * time.Hour
		}
	}
	return cfg
}

// GenerateRequest turns one (unit, voice) pair into a durable source.
type GenerateRequest struct {
	UnitKey         string
	VoiceID         string
	ForceRegenerate bool
	ChangeReason    string
	JobID           string
}

type inflightRun struct {
	done   chan struct{}
	source *catalog.AudioSource
	err    error
}

// Generator orchestrates a single synthesis: resolve the text to speak,
// walk the provider chain, normalize the payload, write the file, then
// record catalog entries. Catalog writes happen strictly after the file
// is durable, so a version row never points at a missing file.
//
// Runs for the same (unit, voice) key are single-flight: concurrent
// callers — foreground resolves and background jobs alike — collapse
// onto one provider call via the in-process table, and a Redis claim
// extends the guard across processes.
type Generator struct {
	store *catalog.Store
	chain *synth.Chain
	files *storage.AudioStorage
	cfg   Config

	mu       sync.Mutex
	inflight map[string]*inflightRun
}

func NewGenerator(store *catalog.Store, chain *synth.Chain, files *storage.AudioStorage, cfg Config) *Generator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * 24 * time.Hour
	}
	return &Generator{
		store:    store,
		chain:    chain,
		files:    files,
		cfg:      cfg,
		inflight: make(map[string]*inflightRun),
	}
}

func (g *Generator) Store() *catalog.Store {
	if g == nil {
		return nil
	}
	return g.store
}

func (g *Generator) Files() *storage.AudioStorage {
	if g == nil {
		return nil
	}
	return g.files
}

// Run executes one generation. With ForceRegenerate unset it is a no-op
// when a fresh source already exists for the voice: zero provider calls.
// Concurrent runs for the same (unit, voice) key share one synthesis;
// late joiners receive the leader's result.
func (g *Generator) Run(ctx context.Context, req GenerateRequest) (*catalog.AudioSource, error) {
	if g == nil || g.store == nil || g.chain == nil || g.files == nil {
		return nil, errors.New("pipeline: generator not configured")
	}

	unit, err := g.store.UnitByKey(ctx, req.UnitKey)
	if err != nil {
		return nil, err
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = g.cfg.DefaultVoice
	}
	if voiceID == "" {
		voiceID = g.chain.Config().DefaultVoice
	}

	now := time.Now().UTC()
	if !req.ForceRegenerate {
		if existing := g.freshSourceForVoice(ctx, req.UnitKey, voiceID, now); existing != nil {
			return existing, nil
		}
	}

	key := req.UnitKey + "|" + voiceID

	g.mu.Lock()
	if call, found := g.inflight[key]; found {
		g.mu.Unlock()
		select {
		case <-call.done:
			return call.source, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightRun{done: make(chan struct{})}
	g.inflight[key] = call
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
		close(call.done)
	}()

	claimed, err := cache.Claim(ctx, key, 2*time.Minute)
	if err != nil {
		log.Printf("pipeline: claim for %s: %v", key, err)
	}
	if !claimed {
		// Another process is generating the same key. Rather than issue a
		// duplicate provider call, poll the catalog for its result.
		call.source, call.err = g.awaitForeignGeneration(ctx, req.UnitKey)
		return call.source, call.err
	}
	defer cache.Release(context.WithoutCancel(ctx), key)

	call.source, call.err = g.generate(ctx, unit, voiceID, req, now)
	return call.source, call.err
}

func (g *Generator) generate(ctx context.Context, unit *catalog.AudioUnit, voiceID string, req GenerateRequest, now time.Time) (*catalog.AudioSource, error) {
	result, err := g.chain.Synthesize(ctx, synth.SpeechRequest{
		Text:     unit.SpeakText(),
		VoiceID:  voiceID,
		Language: unit.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: unit %s: %w", ErrGenerationFailed, req.UnitKey, err)
	}

	payload, mimeType, encoding := normalizePayload(result)
	objectName := storage.GeneratedObjectName(unit.UnitKey, result.Tier, result.VoiceID, encoding)

	size, err := g.files.Save(ctx, objectName, payload, mimeType)
	if err != nil {
		return nil, fmt.Errorf("pipeline: store audio for %s: %w", req.UnitKey, err)
	}

	source, err := g.recordCatalog(ctx, unit, result, req, objectName, mimeType, size, now)
	if err != nil {
		// The file write succeeded but the metadata did not; remove the
		// object so no half-registered artifact lingers.
		if removeErr := g.files.Remove(ctx, objectName); removeErr != nil {
			log.Printf("pipeline: cleanup %s after catalog failure: %v", objectName, removeErr)
		}
		return nil, err
	}
	return source, nil
}

func (g *Generator) awaitForeignGeneration(ctx context.Context, unitKey string) (*catalog.AudioSource, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.Now().Add(90 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			source, ok, err := g.store.PreferredSource(ctx, unitKey, time.Now().UTC())
			if err != nil {
				return nil, err
			}
			if ok {
				return source, nil
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("%w: generation already in progress elsewhere", ErrGenerationFailed)
			}
		}
	}
}

func (g *Generator) freshSourceForVoice(ctx context.Context, unitKey, voiceID string, now time.Time) *catalog.AudioSource {
	sources, err := g.store.SourcesForUnit(ctx, unitKey)
	if err != nil {
		log.Printf("pipeline: idempotence check for %s failed: %v", unitKey, err)
		return nil
	}
	for i := range sources {
		if sources[i].VoiceID == voiceID && !sources[i].Expired(now) {
			return &sources[i]
		}
	}
	return nil
}

func (g *Generator) recordCatalog(ctx context.Context, unit *catalog.AudioUnit, result *synth.SpeechResult, req GenerateRequest, objectName, mimeType string, size int64, now time.Time) (*catalog.AudioSource, error) {
	metadata := make(map[string]any, len(result.Metadata)+2)
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	metadata["provider"] = result.Provider
	if req.JobID != "" {
		metadata["job_id"] = req.JobID
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode metadata: %w", err)
	}

	cachedUntil := now.Add(g.cfg.CacheTTL)
	source := &catalog.AudioSource{
		UnitKey:         unit.UnitKey,
		Tier:            result.Tier,
		VoiceID:         result.VoiceID,
		Language:        unit.Language,
		FileRef:         objectName,
		MimeType:        mimeType,
		DurationSeconds: result.DurationSeconds,
		CachedUntil:     &cachedUntil,
		Metadata:        metadataJSON,
	}
	if err := g.store.UpsertSource(ctx, source); err != nil {
		return nil, err
	}

	if err := g.store.UpsertCacheEntry(ctx, &catalog.AudioCacheEntry{
		SourceID:       source.ID,
		FileSizeBytes:  size,
		GeneratedAt:    now,
		LastAccessedAt: now,
	}); err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(req.ChangeReason)
	if reason == "" {
		reason = "generated"
	}
	if _, err := g.store.ActivateVersion(ctx, unit.UnitKey, source.ID, reason); err != nil {
		return nil, err
	}
	return source, nil
}

// normalizePayload converts provider output to the platform's canonical
// containers: mp3 is kept as-is, raw PCM is wrapped into WAV upstream in
// the drivers, anything else falls back to an octet-stream tag.
func normalizePayload(result *synth.SpeechResult) (data []byte, mimeType, encoding string) {
	encoding = strings.ToLower(strings.TrimSpace(result.Encoding))
	switch encoding {
	case "", "mp3", "mpeg":
		return result.Audio, "audio/mpeg", "mp3"
	case "wav", "wave":
		return result.Audio, "audio/wav", "wav"
	case "ogg", "opus":
		return result.Audio, "audio/ogg", "ogg"
	default:
		return result.Audio, "application/octet-stream", encoding
	}
}
