package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/convai-speaker/shared"
	"go.uber.org/zap"
)

// Device is an output device with its own clock. Schedule starts samples at
// the absolute device time at and calls onEnded once they finished playing.
// onEnded must run on another goroutine than Schedule's caller. The returned
// stop func cancels the buffer; onEnded is not called after it.
type Device interface {
	Now() time.Duration
	Schedule(samples []float32, sampleRate int, at time.Duration, onEnded func()) (stop func(), err error)
}

// StateHandler receives true when output starts and false when it stops.
// It is called with the engine locked and must not call back into the Engine.
type StateHandler func(playing bool)

// scheduled is one PlaybackQueue entry.
type scheduled struct {
	start time.Duration
	end   time.Duration
	stop  func()
}

// Engine plays a stream of PCM fragments back to back on a Device.
type Engine struct {
	logger  shared.LoggerAdapter
	device  Device
	onState StateHandler

	mu          sync.Mutex
	queue       []*scheduled
	playing     bool
	nextFree    time.Duration
	nextFreeSet bool
	// generation invalidates onEnded callbacks of buffers dropped by Clear.
	generation uint64
}

func NewEngine(logger shared.LoggerAdapter, device Device, onState StateHandler) (*Engine, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if device == nil {
		return nil, shared.ErrNoDevice
	}
	if onState == nil {
		onState = func(bool) {}
	}
	return &Engine{
		logger:  logger.With(zap.String("component", "playback")),
		device:  device,
		onState: onState,
	}, nil
}

// Enqueue decodes a base64 PCM16 fragment and schedules it right after the
// previously queued audio, or immediately when nothing is queued.
func (e *Engine) Enqueue(fragment string, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	samples, err := DecodePCM16(fragment)
	if err != nil {
		e.logger.Warn("dropping malformed fragment", zap.Error(err))
		return err
	}

	e.mu.Lock()
	now := e.device.Now()
	start := now
	if e.nextFreeSet && e.nextFree > now {
		start = e.nextFree
	}
	entry := &scheduled{
		start: start,
		end:   start + SamplesDuration(len(samples), sampleRate),
	}
	gen := e.generation
	stop, err := e.device.Schedule(samples, sampleRate, start, func() { e.ended(gen, entry) })
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("scheduling buffer on device", err,
			zap.Duration("at", start),
			zap.Int("samples", len(samples)),
		)
		return fmt.Errorf("scheduling buffer: %w", err)
	}
	entry.stop = stop
	e.queue = append(e.queue, entry)
	e.nextFree = entry.end
	e.nextFreeSet = true
	if !e.playing {
		e.playing = true
		e.onState(true)
	}
	e.mu.Unlock()

	e.logger.Trace("buffer scheduled",
		zap.Duration("start", entry.start),
		zap.Duration("end", entry.end),
		zap.Int("samples", len(samples)),
	)
	return nil
}

func (e *Engine) ended(gen uint64, entry *scheduled) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	for i, q := range e.queue {
		if q == entry {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	if len(e.queue) == 0 && e.playing {
		e.playing = false
		e.nextFreeSet = false
		e.nextFree = 0
		e.onState(false)
	}
}

// Clear drops everything queued, silences the device and reports idle.
// It always emits exactly one false, even when already idle.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue := e.queue
	e.queue = nil
	e.playing = false
	e.nextFreeSet = false
	e.nextFree = 0
	e.generation++
	for _, q := range queue {
		if q.stop != nil {
			q.stop()
		}
	}
	if len(queue) > 0 {
		e.logger.Debug("playback queue cleared", zap.Int("dropped", len(queue)))
	}
	e.onState(false)
}

func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Pending is the number of buffers scheduled but not finished.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// ScheduledUntil reports the device time the queued audio runs out, if any.
func (e *Engine) ScheduledUntil() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextFree, e.nextFreeSet
}

// IsMalformed reports whether err came from a bad fragment rather than the device.
func IsMalformed(err error) bool {
	return errors.Is(err, shared.ErrMalformedFragment)
}
