package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/cloudwego/base64x"
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"
)

// Chunker groups PCM16 bytes into fixed size base64 chunks.
type Chunker struct {
	size int
	buf  []byte
	emit func(string)
}

func NewChunker(sampleRate int, chunk time.Duration, emit func(string)) *Chunker {
	size := FrameSamples(chunk, sampleRate, 1) * 2
	if size <= 0 {
		size = 2
	}
	return &Chunker{size: size, buf: make([]byte, 0, size*2), emit: emit}
}

func (c *Chunker) Write(pcm []byte) {
	c.buf = append(c.buf, pcm...)
	off := 0
	for len(c.buf)-off >= c.size {
		c.emit(base64x.StdEncoding.EncodeToString(c.buf[off : off+c.size]))
		off += c.size
	}
	c.buf = c.buf[:copy(c.buf, c.buf[off:])]
}

// AudioToPCM16 takes the first channel of a captured chunk as PCM16 LE.
func AudioToPCM16(dst []byte, chunk wave.Audio) ([]byte, error) {
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		ch := a.Size.Channels
		for i := 0; i < a.Size.Len; i++ {
			dst = AppendPCM16(dst, a.Data[i*ch])
		}
	case *wave.Int16NonInterleaved:
		if len(a.Data) == 0 {
			return dst, nil
		}
		dst = AppendPCM16(dst, a.Data[0]...)
	case *wave.Float32Interleaved:
		ch := a.Size.Channels
		for i := 0; i < a.Size.Len; i++ {
			dst = AppendPCM16(dst, FloatToInt16(a.Data[i*ch]))
		}
	case *wave.Float32NonInterleaved:
		if len(a.Data) == 0 {
			return dst, nil
		}
		for _, s := range a.Data[0] {
			dst = AppendPCM16(dst, FloatToInt16(s))
		}
	default:
		return dst, fmt.Errorf("unsupported audio chunk %T", chunk)
	}
	return dst, nil
}

// MicCapture reads the default microphone and hands out base64 PCM16 mono
// chunks of a fixed duration.
type MicCapture struct {
	logger shared.LoggerAdapter
	cfg    shared.CaptureConfig

	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)

	mu    sync.Mutex
	track *mediadevices.AudioTrack
	stop  chan struct{}
	wg    sync.WaitGroup
}

func NewMicCapture(logger shared.LoggerAdapter, cfg shared.CaptureConfig) (*MicCapture, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid capture sample rate %d", cfg.SampleRate)
	}
	return &MicCapture{
		logger:       logger.With(zap.String("component", "capture")),
		cfg:          cfg,
		getUserMedia: mediadevices.GetUserMedia,
	}, nil
}

// Prepare opens the microphone. Opening can block on the OS permission
// prompt; ctx bounds the wait.
func (m *MicCapture) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type result struct {
		track *mediadevices.AudioTrack
		err   error
	}
	resC := make(chan result, 1)
	go func() {
		stream, err := m.getUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(m.cfg.SampleRate)
				c.ChannelCount = prop.Int(1)
				c.SampleSize = prop.Int(16)
			},
		})
		if err != nil {
			resC <- result{err: fmt.Errorf("getting microphone stream: %w", err)}
			return
		}
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			resC <- result{err: errors.New("no audio track found in microphone stream")}
			return
		}
		track, ok := tracks[0].(*mediadevices.AudioTrack)
		if !ok {
			_ = tracks[0].Close()
			resC <- result{err: fmt.Errorf("unexpected track type %T", tracks[0])}
			return
		}
		resC <- result{track: track}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-resC; r.track != nil {
				_ = r.track.Close()
			}
		}()
		return ctx.Err()
	case r := <-resC:
		if r.err != nil {
			return r.err
		}
		// Cancelled while the result was in flight: the caller gave up, so
		// this track must not replace the one a newer Prepare installed.
		if err := ctx.Err(); err != nil {
			_ = r.track.Close()
			return err
		}
		m.mu.Lock()
		if m.track != nil {
			_ = m.track.Close()
		}
		m.track = r.track
		m.mu.Unlock()
		m.logger.Info("microphone opened", zap.Int("sampleRate", m.cfg.SampleRate))
		return nil
	}
}

// Start streams chunks to onChunk from a reader goroutine until Stop.
func (m *MicCapture) Start(onChunk func(string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track == nil {
		return shared.ErrNoCapture
	}
	if m.stop != nil {
		return shared.ErrSessionAlreadyRunning
	}
	reader := m.track.NewReader(false)
	stop := make(chan struct{})
	m.stop = stop
	chunker := NewChunker(m.cfg.SampleRate, time.Duration(m.cfg.ChunkMs)*time.Millisecond, onChunk)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var pcm []byte
		for {
			select {
			case <-stop:
				return
			default:
			}
			chunk, release, err := reader.Read()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				select {
				case <-stop:
					return
				default:
				}
				m.logger.Error("reading from microphone", err)
				continue
			}
			pcm, err = AudioToPCM16(pcm[:0], chunk)
			release()
			if err != nil {
				m.logger.Warn("dropping microphone chunk", zap.Error(err))
				continue
			}
			chunker.Write(pcm)
		}
	}()
	return nil
}

// Stop ends streaming and releases the microphone. A new Prepare is needed
// before the next Start.
func (m *MicCapture) Stop() error {
	m.mu.Lock()
	stop, track := m.stop, m.track
	m.stop, m.track = nil, nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	var err error
	if track != nil {
		err = track.Close()
	}
	m.wg.Wait()
	if err != nil {
		return fmt.Errorf("closing microphone track: %w", err)
	}
	return nil
}
