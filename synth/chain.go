package synth

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ChainConfig is built once at composition time and passed down; providers
// never read process-global state mid-request.
type ChainConfig struct {
	OfflineMode     bool
	DefaultVoice    string
	ProviderTimeout time.Duration
}

func ChainConfigFromEnv() ChainConfig {
	cfg := ChainConfig{
		DefaultVoice:    strings.TrimSpace(os.Getenv("AUDIO_DEFAULT_VOICE")),
		ProviderTimeout: 30 * time.Second,
	}
	if raw := strings.TrimSpace(os.Getenv("AUDIO_OFFLINE_MODE")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.OfflineMode = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("AUDIO_PROVIDER_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.ProviderTimeout = time.Duration(parsed) * time.Second
		}
	}
	return cfg
}

// Chain tries an ordered list of providers and stops at the first success.
// The terminal tone provider cannot fail, so a traversal always yields
// some playable artifact; failed providers are not retried within one
// traversal (retries happen one level up, in the scheduler).
type Chain struct {
	providers []Provider
	cfg       ChainConfig
}

// NewChainFromEnv assembles the provider order from the environment:
// neural providers first, the offline local engine next, the synthetic
// tone generator last. Offline mode drops everything but the tone.
func NewChainFromEnv() (*Chain, error) {
	cfg := ChainConfigFromEnv()

	providers := make([]Provider, 0, 4)
	if !cfg.OfflineMode {
		if driver := newOpenAIDriverFromEnv(); driver != nil {
			providers = append(providers, driver)
		}
		if driver := newStreamDriverFromEnv(); driver != nil {
			providers = append(providers, driver)
		}
		if driver := newLocalDriverFromEnv(); driver != nil {
			providers = append(providers, driver)
		}
	}
	providers = append(providers, newToneDriver())

	return NewChain(cfg, providers...), nil
}

func NewChain(cfg ChainConfig, providers ...Provider) *Chain {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	return &Chain{providers: providers, cfg: cfg}
}

func (c *Chain) Config() ChainConfig {
	if c == nil {
		return ChainConfig{}
	}
	return c.cfg
}

// Providers returns the ordered provider IDs, mainly for status reporting.
func (c *Chain) Providers() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		ids = append(ids, p.ID())
	}
	return ids
}

// Synthesize walks the chain in order under a per-provider timeout. A
// timed-out or empty-payload provider counts as failed and the walk
// advances; only full exhaustion returns ErrChainExhausted.
func (c *Chain) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	if c == nil || len(c.providers) == 0 {
		return nil, ErrChainExhausted
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, newFailure("chain", FailureInvalidVoice, errors.New("text cannot be empty"))
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = c.cfg.DefaultVoice
	}

	var lastErr error
	for _, provider := range c.providers {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
		result, err := provider.Synthesize(callCtx, req)
		cancel()

		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				err = newFailure(provider.ID(), FailureTimeout, err)
			}
			log.Printf("synth: provider %s failed: %v", provider.ID(), err)
			lastErr = err
			continue
		}
		if result == nil || len(result.Audio) == 0 {
			log.Printf("synth: provider %s returned empty payload", provider.ID())
			lastErr = newFailure(provider.ID(), FailureUnavailable, errors.New("empty payload"))
			continue
		}

		if result.Provider == "" {
			result.Provider = provider.ID()
		}
		if result.Tier == "" {
			result.Tier = provider.Tier()
		}
		if result.VoiceID == "" {
			result.VoiceID = req.VoiceID
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, errors.Join(ErrChainExhausted, lastErr)
	}
	return nil, ErrChainExhausted
}
