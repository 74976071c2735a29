package synth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openaiDriver is the primary neural provider, speaking the OpenAI
// speech API (or any compatible gateway via AUDIO_OPENAI_BASE_URL).
type openaiDriver struct {
	client       *openai.Client
	model        string
	format       string
	defaultVoice string
	providerID   string
}

func newOpenAIDriverFromEnv() *openaiDriver {
	apiKey := strings.TrimSpace(firstNonEmpty(
		os.Getenv("AUDIO_OPENAI_API_KEY"),
		os.Getenv("OPENAI_API_KEY"),
	))
	if apiKey == "" {
		return nil
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(os.Getenv("AUDIO_OPENAI_BASE_URL")); baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	config.HTTPClient = &http.Client{Timeout: 45 * time.Second}

	model := strings.TrimSpace(os.Getenv("AUDIO_OPENAI_TTS_MODEL"))
	if model == "" {
		model = string(openai.TTSModel1)
	}

	defaultVoice := strings.TrimSpace(os.Getenv("AUDIO_OPENAI_DEFAULT_VOICE"))
	if defaultVoice == "" {
		defaultVoice = string(openai.VoiceAlloy)
	}

	return &openaiDriver{
		client:       openai.NewClientWithConfig(config),
		model:        model,
		format:       "mp3",
		defaultVoice: defaultVoice,
		providerID:   "openai-speech",
	}
}

func (d *openaiDriver) ID() string {
	if d == nil {
		return "openai-speech"
	}
	return d.providerID
}

func (d *openaiDriver) Tier() string {
	return "synthesized"
}

func (d *openaiDriver) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	if d == nil || d.client == nil {
		return nil, newFailure(d.ID(), FailureUnavailable, errors.New("driver not configured"))
	}

	voice := strings.TrimSpace(req.VoiceID)
	if voice == "" {
		voice = d.defaultVoice
	}

	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}

	resp, err := d.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(d.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          speed,
	})
	if err != nil {
		return nil, d.classify(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, newFailure(d.ID(), FailureUnavailable, err)
	}

	return &SpeechResult{
		Audio:    audio,
		Encoding: d.format,
		VoiceID:  voice,
		Provider: d.ID(),
		Tier:     d.Tier(),
		Metadata: map[string]any{
			"model": d.model,
			"speed": speed,
		},
	}, nil
}

func (d *openaiDriver) classify(err error) *SynthesisError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return newFailure(d.ID(), FailureRateLimited, err)
		case apiErr.HTTPStatusCode == http.StatusBadRequest,
			apiErr.HTTPStatusCode == http.StatusUnprocessableEntity:
			return newFailure(d.ID(), FailureInvalidVoice, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newFailure(d.ID(), FailureTimeout, err)
	}
	return newFailure(d.ID(), FailureUnavailable, err)
}
