package synth

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
)

const (
	toneSampleRate      = 22050
	toneFrequencyHz     = 440.0
	toneDurationSeconds = 0.8
)

// toneDriver is the terminal chain entry for disconnected development. It
// always succeeds, producing a fixed-duration audible sine tone, and tags
// the result so reporting never mistakes it for real speech.
type toneDriver struct{}

func newToneDriver() *toneDriver {
	return &toneDriver{}
}

func (d *toneDriver) ID() string {
	return "synthetic-tone"
}

func (d *toneDriver) Tier() string {
	return "generated-fallback"
}

func (d *toneDriver) Synthesize(_ context.Context, req SpeechRequest) (*SpeechResult, error) {
	sampleCount := int(toneDurationSeconds * toneSampleRate)
	pcm := make([]byte, 0, sampleCount*2)

	buf := make([]byte, 2)
	for i := 0; i < sampleCount; i++ {
		// Short attack/release ramps keep the clip click-free.
		envelope := 1.0
		ramp := toneSampleRate / 50
		if i < ramp {
			envelope = float64(i) / float64(ramp)
		} else if remaining := sampleCount - i; remaining < ramp {
			envelope = float64(remaining) / float64(ramp)
		}

		sample := math.Sin(2 * math.Pi * toneFrequencyHz * float64(i) / toneSampleRate)
		value := int16(sample * envelope * 0.4 * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf, uint16(value))
		pcm = append(pcm, buf...)
	}

	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = "tone"
	}

	return &SpeechResult{
		Audio:           encodeWAV(pcm, toneSampleRate),
		Encoding:        "wav",
		VoiceID:         voiceID,
		Provider:        d.ID(),
		Tier:            d.Tier(),
		DurationSeconds: toneDurationSeconds,
		Metadata: map[string]any{
			"synthetic":    true,
			"frequency_hz": toneFrequencyHz,
			"sample_rate":  toneSampleRate,
		},
	}, nil
}

// encodeWAV wraps 16-bit mono little-endian PCM in a RIFF/WAVE container.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
