package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies why a provider could not synthesize.
type FailureKind string

const (
	FailureUnavailable  FailureKind = "unavailable"
	FailureRateLimited  FailureKind = "rate_limited"
	FailureInvalidVoice FailureKind = "invalid_voice"
	FailureTimeout      FailureKind = "timeout"
)

// SynthesisError is the typed failure returned by a single provider.
type SynthesisError struct {
	Provider string
	Kind     FailureKind
	Err      error
}

func (e *SynthesisError) Error() string {
	if e == nil {
		return "synth: unknown failure"
	}
	if e.Err != nil {
		return fmt.Sprintf("synth: provider %s %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("synth: provider %s %s", e.Provider, e.Kind)
}

func (e *SynthesisError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether a later attempt might succeed. Voice/text
// rejections are permanent and surface immediately.
func (e *SynthesisError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind != FailureInvalidVoice
}

func newFailure(provider string, kind FailureKind, err error) *SynthesisError {
	return &SynthesisError{Provider: provider, Kind: kind, Err: err}
}

// ErrChainExhausted is returned when every provider in the chain failed.
var ErrChainExhausted = errors.New("synth: all providers failed")

// SpeechRequest describes one synthesis call. Providers receive the exact
// text to speak; unit resolution happens upstream in the pipeline.
type SpeechRequest struct {
	Text     string
	VoiceID  string
	Language string
	Speed    float64
	Volume   int
}

// SpeechResult is one provider's raw synthesis output, before the
// pipeline normalizes it to the canonical container.
type SpeechResult struct {
	Audio           []byte
	Encoding        string
	VoiceID         string
	Provider        string
	Tier            string
	DurationSeconds float64
	Metadata        map[string]any
}

// Provider is one synthesis backend. Implementations return raw audio
// bytes in a provider-native encoding or a *SynthesisError; no provider
// dependency leaks past this package.
type Provider interface {
	ID() string
	Tier() string
	Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error)
}

func encodingToMime(encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "mp3", "mpeg":
		return "audio/mpeg"
	case "wav", "wave":
		return "audio/wav"
	case "pcm":
		return "audio/L16"
	case "ogg", "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "ulaw", "mulaw", "g711u":
		return "audio/basic"
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
