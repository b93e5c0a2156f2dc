package tools

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bt-bridge/convai-speaker/playback"
	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// voice is one scheduled buffer, positioned in device frames.
type voice struct {
	start   int64
	samples []float32
	onEnded func()
}

func (v *voice) end() int64 {
	return v.start + int64(len(v.samples))
}

// Mixer is a pull based mono timeline. Its clock is the number of frames read
// from it, so a buffer scheduled to start where the previous one ends plays
// without a gap. It never returns io.EOF; it reads silence when idle.
type Mixer struct {
	logger shared.LoggerAdapter
	rate   int

	mu     sync.Mutex
	pos    int64
	voices []*voice
	mix    []float32

	// End of the last scheduled buffer, in frames and in the caller's time.
	// Rounding frames per buffer drifts from the caller's clock, so a buffer
	// asked for at tailAt starts at tail instead.
	tail   int64
	tailAt time.Duration
}

func NewMixer(logger shared.LoggerAdapter, sampleRate int) (*Mixer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return &Mixer{logger: logger, rate: sampleRate}, nil
}

func (m *Mixer) SampleRate() int {
	return m.rate
}

func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.pos)
}

func (m *Mixer) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(m.rate))
}

func (m *Mixer) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(m.rate) + int64(time.Second)/2) / int64(time.Second)
}

// Schedule places samples on the timeline at device time at. Samples at
// another rate are resampled; a start already in the past is moved to now.
// A buffer asked for where the previous one ends starts on its last frame.
func (m *Mixer) Schedule(samples []float32, sampleRate int, at time.Duration, onEnded func()) (func(), error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	dur := playback.SamplesDuration(len(samples), sampleRate)
	if sampleRate != m.rate {
		samples = Resample(samples, sampleRate, m.rate)
	}
	if onEnded == nil {
		onEnded = func() {}
	}
	v := &voice{samples: samples, onEnded: onEnded}

	m.mu.Lock()
	want := m.durationToFrames(at)
	if m.tail >= m.pos && (at-m.tailAt).Abs() <= m.framesToDuration(1) {
		want = m.tail
	}
	startAt := at
	if want < m.pos {
		m.logger.Debug("buffer scheduled in the past", zap.Int64("lateFrames", m.pos-want))
		want, startAt = m.pos, m.framesToDuration(m.pos)
	}
	v.start = want
	m.tail, m.tailAt = v.end(), startAt+dur
	m.voices = append(m.voices, v)
	m.mu.Unlock()

	return func() { m.remove(v) }, nil
}

func (m *Mixer) remove(v *voice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.voices {
		if q == v {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			return
		}
	}
}

// Read fills p with float32 LE frames. Buffers that finished inside this
// read have their onEnded called before Read returns.
func (m *Mixer) Read(p []byte) (int, error) {
	frames := len(p) / 4
	if frames == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if cap(m.mix) < frames {
		m.mix = make([]float32, frames)
	}
	mix := m.mix[:frames]
	clear(mix)
	from, to := m.pos, m.pos+int64(frames)
	for _, v := range m.voices {
		lo, hi := max(v.start, from), min(v.end(), to)
		for t := lo; t < hi; t++ {
			mix[t-from] += v.samples[t-v.start]
		}
	}
	for i, s := range mix {
		s = max(-1, min(1, s))
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	m.pos = to

	var ended []func()
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.end() <= to {
			ended = append(ended, v.onEnded)
			continue
		}
		kept = append(kept, v)
	}
	clear(m.voices[len(kept):])
	m.voices = kept
	m.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	return frames * 4, nil
}

// OtoDevice plays a Mixer through the default output device.
type OtoDevice struct {
	*Mixer
	player *oto.Player
}

// NewOtoDevice opens the audio output. oto allows one context per process,
// so only one OtoDevice may exist.
func NewOtoDevice(logger shared.LoggerAdapter, cfg shared.PlaybackConfig) (*OtoDevice, error) {
	mixer, err := NewMixer(logger, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	otoCtx, ready, err := oto.NewContext(
		&oto.NewContextOptions{
			SampleRate:   cfg.SampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   time.Duration(cfg.BufferMs) * time.Millisecond,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating oto context: %w", err)
	}
	<-ready
	player := otoCtx.NewPlayer(mixer)
	player.Play()
	logger.Info("audio output ready",
		zap.Int("sampleRate", cfg.SampleRate),
		zap.Int("bufferMs", cfg.BufferMs),
	)
	return &OtoDevice{Mixer: mixer, player: player}, nil
}

func (d *OtoDevice) Close() error {
	return d.player.Close()
}
