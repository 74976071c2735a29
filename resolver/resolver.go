package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"phonica_back/cache"
	"phonica_back/catalog"
	"phonica_back/pipeline"
)

// Policy controls one lookup. AutoGenerate permits triggering the
// pipeline on a miss; Background routes that trigger through the job
// scheduler instead of blocking the caller.
type Policy struct {
	AutoGenerate bool
	Background   bool
	VoiceID      string
}

// Resolution is the read-path answer. "No audio available" is an
// explicit absent result, never an error.
type Resolution struct {
	UnitKey   string               `json:"unit_key"`
	Available bool                 `json:"available"`
	Source    *catalog.AudioSource `json:"source,omitempty"`
	Generated bool                 `json:"generated,omitempty"`
	JobID     string               `json:"job_id,omitempty"`
}

// Submitter is the slice of the scheduler the resolver needs for
// background generation. Kept as an interface so the composition root
// wires it after both sides exist.
type Submitter interface {
	SubmitGeneration(unitKey, voiceID string, forceRegenerate bool) (string, error)
}

// Resolver is the read path for playable audio. Generation collapsing
// for concurrent misses lives in the pipeline, which single-flights
// per (unit, voice) key for every caller.
type Resolver struct {
	store        *catalog.Store
	generator    *pipeline.Generator
	submitter    Submitter
	hot          *hotCache
	defaultVoice string
}

func NewResolver(store *catalog.Store, generator *pipeline.Generator, defaultVoice string) *Resolver {
	resolver := &Resolver{
		store:        store,
		generator:    generator,
		defaultVoice: strings.TrimSpace(defaultVoice),
	}
	if client, err := cache.GetRedisClient(); err == nil {
		resolver.hot = newHotCache(client)
	}
	return resolver
}

// SetSubmitter wires the background scheduler once it exists.
func (r *Resolver) SetSubmitter(submitter Submitter) {
	if r == nil {
		return
	}
	r.submitter = submitter
}

// Get returns the unit's playable audio, generating it when the policy
// allows. Usage counters are incremented on every served hit.
func (r *Resolver) Get(ctx context.Context, unitKey string, policy Policy) (*Resolution, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("resolver: not configured")
	}
	unitKey = strings.TrimSpace(unitKey)
	if unitKey == "" {
		return nil, errors.New("resolver: unit key is required")
	}

	now := time.Now().UTC()

	if cached, err := r.hot.get(ctx, unitKey); err == nil && cached != nil {
		if resolution, ok := r.serve(ctx, unitKey, cached, now); ok {
			return resolution, nil
		}
		// Expired or backing file gone; drop the hot entry so a sweep
		// cannot keep serving ghosts for the remainder of the TTL.
		r.hot.invalidate(ctx, unitKey)
	} else if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("resolver: hot cache read for %s: %v", unitKey, err)
	}

	source, ok, err := r.store.PreferredSource(ctx, unitKey, now)
	if err != nil {
		return nil, err
	}
	if ok {
		if resolution, served := r.serve(ctx, unitKey, source, now); served {
			r.hot.store(ctx, unitKey, source)
			return resolution, nil
		}
	}

	if !policy.AutoGenerate {
		return &Resolution{UnitKey: unitKey, Available: false}, nil
	}

	voiceID := strings.TrimSpace(policy.VoiceID)
	if voiceID == "" {
		voiceID = r.defaultVoice
	}

	if policy.Background && r.submitter != nil {
		jobID, err := r.submitter.SubmitGeneration(unitKey, voiceID, false)
		if err != nil {
			return nil, fmt.Errorf("resolver: submit background generation: %w", err)
		}
		return &Resolution{UnitKey: unitKey, Available: false, JobID: jobID}, nil
	}

	generated, err := r.generator.Run(ctx, pipeline.GenerateRequest{
		UnitKey:      unitKey,
		VoiceID:      voiceID,
		ChangeReason: "resolved on demand",
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrGenerationFailed) {
			log.Printf("resolver: generation for %s failed: %v", unitKey, err)
			return &Resolution{UnitKey: unitKey, Available: false}, nil
		}
		return nil, err
	}

	if err := r.store.TouchUsage(ctx, generated.ID); err != nil {
		log.Printf("resolver: touch usage for %s: %v", unitKey, err)
	}
	r.hot.invalidate(ctx, unitKey)
	r.hot.store(ctx, unitKey, generated)
	return &Resolution{UnitKey: unitKey, Available: true, Source: generated, Generated: true}, nil
}

// GetBulk resolves many units with one policy. Results may be computed in
// any order; overlapping concurrent calls still collapse onto one
// pipeline run per (unit, voice) key via the pipeline's single-flight.
func (r *Resolver) GetBulk(ctx context.Context, unitKeys []string, policy Policy) (map[string]*Resolution, error) {
	if r == nil {
		return nil, errors.New("resolver: not configured")
	}
	results := make(map[string]*Resolution, len(unitKeys))
	for _, unitKey := range unitKeys {
		unitKey = strings.TrimSpace(unitKey)
		if unitKey == "" {
			continue
		}
		if _, seen := results[unitKey]; seen {
			continue
		}
		resolution, err := r.Get(ctx, unitKey, policy)
		if err != nil {
			return nil, err
		}
		results[unitKey] = resolution
	}
	return results, nil
}

// CoverageReport aggregates catalog coverage for dashboards. Read-only.
func (r *Resolver) CoverageReport(ctx context.Context) (*catalog.CoverageStats, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("resolver: not configured")
	}
	return r.store.Coverage(ctx)
}

// serve turns a cached source into a served resolution after verifying
// it is unexpired and its file is still present. Every hit, hot-cache
// or catalog, goes through here so a vanished file is never served.
func (r *Resolver) serve(ctx context.Context, unitKey string, source *catalog.AudioSource, now time.Time) (*Resolution, bool) {
	if source == nil || source.Expired(now) || !r.fileIntact(ctx, source) {
		return nil, false
	}
	if err := r.store.TouchUsage(ctx, source.ID); err != nil {
		log.Printf("resolver: touch usage for %s: %v", unitKey, err)
	}
	return &Resolution{UnitKey: unitKey, Available: true, Source: source}, true
}

// fileIntact repairs CacheInconsistent lazily: a catalog row whose file
// vanished is logged and treated as a miss so the next generation
// replaces it. The resolver never crashes over it.
func (r *Resolver) fileIntact(ctx context.Context, source *catalog.AudioSource) bool {
	if source == nil {
		return false
	}
	files := r.generator.Files()
	if files == nil {
		return true
	}
	if files.Exists(ctx, source.FileRef) {
		return true
	}
	log.Printf("resolver: source %d for unit %s references missing file %s; treating as cache miss", source.ID, source.UnitKey, source.FileRef)
	return false
}
