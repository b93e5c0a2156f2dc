package recognition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/bytedance/sonic"
)

// Result is one speaker recognition record. Speakers maps each known speaker
// to a confidence percentage string such as "85.2%".
type Result struct {
	Timestamp                  float64           `json:"timestamp"`
	Speakers                   map[string]string `json:"speakers"`
	AudioLength                float64           `json:"audio_length"`
	TotalSpeakers              int               `json:"total_speakers"`
	AudioEnergy                float64           `json:"audio_energy"`
	ActivationThreshold        bool              `json:"activation_threshold"`
	ActivationThresholdLimit   float64           `json:"activation_threshold_limit"`
	CurrentAudioEnergy         float64           `json:"current_audio_energy"`
	InferredSpeaker            string            `json:"inferred_speaker"`
	SpeakerConfidenceThreshold float64           `json:"speaker_confidence_threshold"`
}

// wireResult tells a missing inferred_speaker apart from an empty one.
type wireResult struct {
	Timestamp                  float64           `json:"timestamp"`
	Speakers                   map[string]string `json:"speakers"`
	AudioLength                float64           `json:"audio_length"`
	TotalSpeakers              int               `json:"total_speakers"`
	AudioEnergy                float64           `json:"audio_energy"`
	ActivationThreshold        bool              `json:"activation_threshold"`
	ActivationThresholdLimit   float64           `json:"activation_threshold_limit"`
	CurrentAudioEnergy         float64           `json:"current_audio_energy"`
	InferredSpeaker            *string           `json:"inferred_speaker"`
	SpeakerConfidenceThreshold float64           `json:"speaker_confidence_threshold"`
}

func DecodeResult(data []byte) (*Result, error) {
	var w wireResult
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrMalformedResult, err)
	}
	if w.InferredSpeaker == nil {
		return nil, fmt.Errorf("%w: missing inferred_speaker", shared.ErrMalformedResult)
	}
	return &Result{
		Timestamp:                  w.Timestamp,
		Speakers:                   w.Speakers,
		AudioLength:                w.AudioLength,
		TotalSpeakers:              w.TotalSpeakers,
		AudioEnergy:                w.AudioEnergy,
		ActivationThreshold:        w.ActivationThreshold,
		ActivationThresholdLimit:   w.ActivationThresholdLimit,
		CurrentAudioEnergy:         w.CurrentAudioEnergy,
		InferredSpeaker:            *w.InferredSpeaker,
		SpeakerConfidenceThreshold: w.SpeakerConfidenceThreshold,
	}, nil
}

// Confidence returns the confidence for name as a percentage.
func (r Result) Confidence(name string) (float64, bool) {
	raw, ok := r.Speakers[name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%")), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Confident reports whether the inferred speaker reaches the server's own
// confidence threshold.
func (r Result) Confident() bool {
	v, ok := r.Confidence(r.InferredSpeaker)
	return ok && v >= r.SpeakerConfidenceThreshold
}
