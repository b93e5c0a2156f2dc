package shared

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type SocketState int

const (
	SocketStateIdle SocketState = iota
	SocketStateConnecting
	SocketStateOpen
	SocketStateClosing
	SocketStateClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketStateIdle:
		return "idle"
	case SocketStateConnecting:
		return "connecting"
	case SocketStateOpen:
		return "open"
	case SocketStateClosing:
		return "closing"
	case SocketStateClosed:
		return "closed"
	}
	return fmt.Sprintf("SocketState(%d)", int(s))
}

// SocketHandlers are called from the socket goroutine, one at a time and in
// frame order. OnClose fires exactly once per connect, whatever ended it.
type SocketHandlers struct {
	OnOpen    func()
	OnMessage func(messageType int, data []byte)
	OnClose   func(code int, reason string)
}

type SocketOptions struct {
	URL string
	// Resolve, when set, replaces URL with a freshly fetched one before dialing.
	Resolve          func(ctx context.Context) (string, error)
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Socket is a single use websocket connection with an asynchronous dial and
// one reader goroutine.
type Socket struct {
	logger LoggerAdapter
	opts   SocketOptions
	h      SocketHandlers

	mu          sync.Mutex
	state       SocketState
	conn        *websocket.Conn
	localCode   int
	localReason string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewSocket(logger LoggerAdapter, opts SocketOptions, h SocketHandlers) (*Socket, error) {
	if logger == nil {
		return nil, ErrNoLogger
	}
	if opts.URL == "" && opts.Resolve == nil {
		return nil, ErrNoEndpoint
	}
	if h.OnOpen == nil {
		h.OnOpen = func() {}
	}
	if h.OnMessage == nil {
		h.OnMessage = func(int, []byte) {}
	}
	if h.OnClose == nil {
		h.OnClose = func(int, string) {}
	}
	return &Socket{
		logger: logger,
		opts:   opts,
		h:      h,
		done:   make(chan struct{}),
	}, nil
}

// Connect starts dialing in the background and returns at once.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SocketStateIdle {
		return ErrSessionAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	s.state = SocketStateConnecting
	go s.run()
	return nil
}

func (s *Socket) run() {
	url := s.opts.URL
	if s.opts.Resolve != nil {
		resolved, err := s.opts.Resolve(s.ctx)
		if err != nil {
			s.logger.Error("resolving socket URL", err)
			s.finish(websocket.CloseAbnormalClosure, err.Error())
			return
		}
		url = resolved
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(s.ctx, url, s.opts.Header)
	if err != nil {
		fields := []zap.Field{}
		if resp != nil {
			fields = append(fields, zap.Int("status", resp.StatusCode))
		}
		if !s.closingLocally() {
			s.logger.Error("dialing socket", err, fields...)
		}
		s.finish(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	s.mu.Lock()
	if s.state != SocketStateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		s.finish(websocket.CloseAbnormalClosure, "closed while connecting")
		return
	}
	s.conn = conn
	s.state = SocketStateOpen
	s.mu.Unlock()

	s.logger.Debug("socket open")
	s.h.OnOpen()
	s.readLoop(conn)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			} else if !s.closingLocally() {
				s.logger.Error("reading socket", err)
			}
			_ = conn.Close()
			s.finish(code, reason)
			return
		}
		s.h.OnMessage(mt, data)
	}
}

func (s *Socket) closingLocally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localCode != 0
}

func (s *Socket) finish(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.localCode != 0 && code == websocket.CloseAbnormalClosure {
			code, reason = s.localCode, s.localReason
		}
		s.state = SocketStateClosed
		s.conn = nil
		s.mu.Unlock()
		s.cancel(ErrClientClosed)
		close(s.done)
		s.logger.Debug("socket closed", zap.Int("code", code), zap.String("reason", reason))
		s.h.OnClose(code, reason)
	})
}

func (s *Socket) respectCtx() error {
	select {
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	default:
	}
	return nil
}

// Write sends one frame. It fails with ErrNotConnected unless the socket is open.
func (s *Socket) Write(messageType int, data []byte) error {
	s.mu.Lock()
	if s.state != SocketStateOpen {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()
	if err := s.respectCtx(); err != nil {
		return fmt.Errorf("respecting socket context: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close starts a closing handshake with code and reason. Closing a socket
// that is already closing or closed is a no-op.
func (s *Socket) Close(code int, reason string) error {
	s.mu.Lock()
	switch s.state {
	case SocketStateIdle:
		s.state = SocketStateClosed
		s.mu.Unlock()
		return nil
	case SocketStateConnecting:
		s.state = SocketStateClosing
		s.localCode, s.localReason = code, reason
		s.mu.Unlock()
		s.cancel(ErrClientClosed)
		return nil
	case SocketStateOpen:
		s.state = SocketStateClosing
		s.localCode, s.localReason = code, reason
		conn := s.conn
		s.mu.Unlock()

		grace := s.opts.WriteTimeout
		if grace <= 0 {
			grace = 2 * time.Second
		}
		err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(grace))
		if err != nil {
			s.logger.Warn("sending close frame failed", zap.Error(err))
			return conn.Close()
		}
		// The peer echoes the close frame; drop the connection if it never does.
		time.AfterFunc(grace, func() { _ = conn.Close() })
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
}

func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) IsOpen() bool {
	return s.State() == SocketStateOpen
}

// Done is closed once the socket reached SocketStateClosed after a Connect.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}
