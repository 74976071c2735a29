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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// streamDriver talks to a DashScope-style duplex websocket synthesis
// endpoint. The whole utterance is sent in one continue-task frame and
// the binary frames are buffered into a single payload.
type streamDriver struct {
	endpoint     string
	apiKey       string
	workspace    string
	model        string
	defaultVoice string
	format       string
	sampleRate   int
	volume       int
	timeout      time.Duration
	providerID   string
}

func newStreamDriverFromEnv() *streamDriver {
	apiKey := strings.TrimSpace(firstNonEmpty(
		os.Getenv("AUDIO_STREAM_API_KEY"),
		os.Getenv("DASHSCOPE_API_KEY"),
	))
	if apiKey == "" {
		return nil
	}

	endpoint := strings.TrimSpace(os.Getenv("AUDIO_STREAM_WS_URL"))
	if endpoint == "" {
		endpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	}

	model := strings.TrimSpace(os.Getenv("AUDIO_STREAM_MODEL"))
	if model == "" {
		model = "cosyvoice-v1"
	}

	defaultVoice := strings.TrimSpace(os.Getenv("AUDIO_STREAM_DEFAULT_VOICE"))
	if defaultVoice == "" {
		defaultVoice = "longwan"
	}

	sampleRate := 22050
	if raw := strings.TrimSpace(os.Getenv("AUDIO_STREAM_SAMPLE_RATE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			sampleRate = parsed
		}
	}

	return &streamDriver{
		endpoint:     endpoint,
		apiKey:       apiKey,
		workspace:    strings.TrimSpace(os.Getenv("AUDIO_STREAM_WORKSPACE")),
		model:        model,
		defaultVoice: defaultVoice,
		format:       "mp3",
		sampleRate:   sampleRate,
		volume:       50,
		timeout:      60 * time.Second,
		providerID:   "stream-speech",
	}
}

func (d *streamDriver) ID() string {
	if d == nil {
		return "stream-speech"
	}
	return d.providerID
}

func (d *streamDriver) Tier() string {
	return "synthesized"
}

type streamEvent struct {
	Header struct {
		Event        string `json:"event"`
		TaskID       string `json:"task_id"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"header"`
}

func (d *streamDriver) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	if d == nil || d.apiKey == "" {
		return nil, newFailure(d.ID(), FailureUnavailable, errors.New("driver not configured"))
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = d.defaultVoice
	}

	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}
	volume := req.Volume
	if volume <= 0 || volume > 100 {
		volume = d.volume
	}

	header := http.Header{}
	header.Set("Authorization", "bearer "+d.apiKey)
	header.Set("User-Agent", "phonica-stream-client/1.0")
	if d.workspace != "" {
		header.Set("X-DashScope-WorkSpace", d.workspace)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 8 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, d.endpoint, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			if len(body) > 0 {
				err = fmt.Errorf("%v (%s)", err, strings.TrimSpace(string(body)))
			}
		}
		return nil, newFailure(d.ID(), FailureUnavailable, fmt.Errorf("connect: %w", err))
	}
	defer conn.Close()

	taskID := uuid.NewString()

	runPayload := map[string]any{
		"header": map[string]any{
			"action":    "run-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"task_group": "audio",
			"task":       "tts",
			"function":   "SpeechSynthesizer",
			"model":      d.model,
			"parameters": map[string]any{
				"text_type":   "PlainText",
				"voice":       voiceID,
				"format":      strings.ToLower(d.format),
				"sample_rate": d.sampleRate,
				"volume":      volume,
				"rate":        speed,
			},
			"input": map[string]any{},
		},
	}
	if err := conn.WriteJSON(runPayload); err != nil {
		return nil, newFailure(d.ID(), FailureUnavailable, fmt.Errorf("run-task: %w", err))
	}

	if err := d.waitForEvent(ctx, conn, taskID, "task-started", nil); err != nil {
		return nil, err
	}

	continuePayload := map[string]any{
		"header": map[string]any{
			"action":    "continue-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"input": map[string]any{"text": req.Text},
		},
	}
	if err := conn.WriteJSON(continuePayload); err != nil {
		return nil, newFailure(d.ID(), FailureUnavailable, fmt.Errorf("continue-task: %w", err))
	}

	finishPayload := map[string]any{
		"header": map[string]any{
			"action":    "finish-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"input": map[string]any{},
		},
	}
	if err := conn.WriteJSON(finishPayload); err != nil {
		return nil, newFailure(d.ID(), FailureUnavailable, fmt.Errorf("finish-task: %w", err))
	}

	audioBuf := &bytes.Buffer{}
	if err := d.waitForEvent(ctx, conn, taskID, "task-finished", audioBuf); err != nil {
		return nil, err
	}
	if audioBuf.Len() == 0 {
		return nil, newFailure(d.ID(), FailureUnavailable, errors.New("no audio frames received"))
	}

	return &SpeechResult{
		Audio:    audioBuf.Bytes(),
		Encoding: d.format,
		VoiceID:  voiceID,
		Provider: d.ID(),
		Tier:     d.Tier(),
		Metadata: map[string]any{
			"model":       d.model,
			"sample_rate": d.sampleRate,
			"volume":      volume,
			"rate":        speed,
		},
	}, nil
}

// waitForEvent reads frames until the wanted event, the task fails, or
// the deadline passes. Binary frames are appended to sink when non-nil.
func (d *streamDriver) waitForEvent(ctx context.Context, conn *websocket.Conn, taskID, wanted string, sink *bytes.Buffer) error {
	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	for {
		if err := ctx.Err(); err != nil {
			return newFailure(d.ID(), FailureTimeout, err)
		}
		_ = conn.SetReadDeadline(deadline)

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if netTimeout(err) {
				return newFailure(d.ID(), FailureTimeout, err)
			}
			return newFailure(d.ID(), FailureUnavailable, fmt.Errorf("read: %w", err))
		}

		switch msgType {
		case websocket.BinaryMessage:
			if sink != nil && len(data) > 0 {
				sink.Write(data)
			}
		case websocket.TextMessage:
			var event streamEvent
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}
			if event.Header.TaskID != "" && !strings.EqualFold(event.Header.TaskID, taskID) {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(event.Header.Event)) {
			case wanted:
				return nil
			case "task-failed":
				message := strings.TrimSpace(event.Header.ErrorMessage)
				if message == "" {
					message = "unknown error"
				}
				kind := FailureUnavailable
				if strings.Contains(strings.ToLower(message), "voice") {
					kind = FailureInvalidVoice
				}
				return newFailure(d.ID(), kind, fmt.Errorf("task failed: %s (%s)", message, event.Header.ErrorCode))
			}
		}
	}
}

func netTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
