package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/zaf/g711"
)

// localDriver calls a self-hosted synthesis engine over HTTP. The engine
// answers with 8 kHz G.711 µ-law, which is decoded to linear PCM and
// wrapped into a WAV container here so nothing downstream sees µ-law.
type localDriver struct {
	httpClient   *http.Client
	baseURL      string
	defaultVoice string
	providerID   string
}

const localSampleRate = 8000

func newLocalDriverFromEnv() *localDriver {
	baseURL := strings.TrimSpace(os.Getenv("AUDIO_LOCAL_SYNTH_URL"))
	if baseURL == "" {
		return nil
	}

	defaultVoice := strings.TrimSpace(os.Getenv("AUDIO_LOCAL_SYNTH_VOICE"))
	if defaultVoice == "" {
		defaultVoice = "local-default"
	}

	return &localDriver{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultVoice: defaultVoice,
		providerID:   "local-synth",
	}
}

func (d *localDriver) ID() string {
	if d == nil {
		return "local-synth"
	}
	return d.providerID
}

func (d *localDriver) Tier() string {
	return "generated-fallback"
}

func (d *localDriver) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	if d == nil || d.httpClient == nil {
		return nil, newFailure(d.ID(), FailureUnavailable, errors.New("driver not configured"))
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = d.defaultVoice
	}

	payload, err := json.Marshal(map[string]any{
		"text":     req.Text,
		"voice":    voiceID,
		"language": req.Language,
	})
	if err != nil {
		return nil, newFailure(d.ID(), FailureUnavailable, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, newFailure(d.ID(), FailureUnavailable, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || netTimeout(err) {
			return nil, newFailure(d.ID(), FailureTimeout, err)
		}
		return nil, newFailure(d.ID(), FailureUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, newFailure(d.ID(), FailureUnavailable, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newFailure(d.ID(), FailureRateLimited, fmt.Errorf("remote error %s", resp.Status))
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, newFailure(d.ID(), FailureInvalidVoice, fmt.Errorf("remote error %s: %s", resp.Status, snippet))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, newFailure(d.ID(), FailureUnavailable, fmt.Errorf("remote error %s", resp.Status))
	}
	if len(body) == 0 {
		return nil, newFailure(d.ID(), FailureUnavailable, errors.New("empty payload"))
	}

	pcm := g711.DecodeUlaw(body)
	wav := encodeWAV(pcm, localSampleRate)
	duration := float64(len(pcm)/2) / float64(localSampleRate)

	return &SpeechResult{
		Audio:           wav,
		Encoding:        "wav",
		VoiceID:         voiceID,
		Provider:        d.ID(),
		Tier:            d.Tier(),
		DurationSeconds: duration,
		Metadata: map[string]any{
			"engine":          "local",
			"source_encoding": "g711-ulaw",
			"sample_rate":     localSampleRate,
		},
	}, nil
}
