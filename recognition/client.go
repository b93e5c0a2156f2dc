package recognition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/cloudwego/base64x"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeReason = "Client stopped recognition"

type ResultHandler func(result Result)

// ConnectionHandler is called with the client locked; it must not call back
// into the Client.
type ConnectionHandler func(connected bool)

// Client streams PCM to the speaker recognition service and hands every
// result it sends back to a ResultHandler, in arrival order.
type Client struct {
	logger   shared.LoggerAdapter
	cfg      shared.RecognitionConfig
	onResult ResultHandler

	mu          sync.Mutex
	onConn      ConnectionHandler
	socket      *shared.Socket
	connected   bool
	lastSpeaker string
}

func NewClient(logger shared.LoggerAdapter, cfg shared.RecognitionConfig, onResult ResultHandler) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.URL == "" {
		return nil, shared.ErrNoEndpoint
	}
	if onResult == nil {
		return nil, shared.ErrNoResultHandler
	}
	return &Client{
		logger:   logger.With(zap.String("component", "recognition")),
		cfg:      cfg,
		onResult: onResult,
		onConn:   func(bool) {},
	}, nil
}

func (c *Client) RegisterConnectionHandler(handler ConnectionHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil {
		return shared.ErrSessionAlreadyRunning
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	c.onConn = handler
	return nil
}

// Connect dials the service in the background. It does nothing while a
// connection is being made or is up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil {
		switch c.socket.State() {
		case shared.SocketStateConnecting, shared.SocketStateOpen:
			return nil
		}
	}
	var s *shared.Socket
	s, err := shared.NewSocket(c.logger, shared.SocketOptions{
		URL:              c.cfg.URL,
		HandshakeTimeout: time.Duration(c.cfg.HandshakeTimeoutMs) * time.Millisecond,
		WriteTimeout:     time.Duration(c.cfg.WriteTimeoutMs) * time.Millisecond,
	}, shared.SocketHandlers{
		OnOpen:    func() { c.opened(s) },
		OnMessage: func(messageType int, data []byte) { c.onMessage(s, messageType, data) },
		OnClose:   func(code int, reason string) { c.closed(s, code, reason) },
	})
	if err != nil {
		return fmt.Errorf("creating recognition socket: %w", err)
	}
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connecting recognition socket: %w", err)
	}
	c.socket = s
	c.lastSpeaker = ""
	c.logger.Info("connecting to speaker recognition", zap.String("url", c.cfg.URL))
	return nil
}

// Disconnect closes the connection normally. It is safe to call at any time.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.socket
	c.socket = nil
	was := c.connected
	c.connected = false
	if was {
		c.onConn(false)
	}
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Close(websocket.CloseNormalClosure, closeReason); err != nil {
		return fmt.Errorf("closing recognition socket: %w", err)
	}
	return nil
}

// SendAudio writes one base64 PCM fragment as a single binary frame. It is a
// no-op while disconnected.
func (c *Client) SendAudio(fragment string) error {
	c.mu.Lock()
	s := c.socket
	connected := c.connected
	c.mu.Unlock()
	if !connected || s == nil {
		return nil
	}
	raw, err := base64x.StdEncoding.DecodeString(fragment)
	if err != nil {
		return fmt.Errorf("%w: decoding base64: %v", shared.ErrMalformedFragment, err)
	}
	return s.Write(websocket.BinaryMessage, raw)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastSpeaker is the inferred speaker of the most recent result.
func (c *Client) LastSpeaker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSpeaker
}

func (c *Client) opened(s *shared.Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != s {
		return
	}
	c.connected = true
	c.logger.Info("speaker recognition connected")
	c.onConn(true)
}

func (c *Client) closed(s *shared.Socket, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != s {
		return
	}
	c.socket = nil
	c.logger.Info("speaker recognition disconnected", zap.Int("code", code), zap.String("reason", reason))
	if c.connected {
		c.connected = false
		c.onConn(false)
	}
}

func (c *Client) onMessage(s *shared.Socket, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		c.logger.Warn("ignoring binary frame from speaker recognition", zap.Int("bytes", len(data)))
		return
	}
	result, err := DecodeResult(data)
	if err != nil {
		c.logger.Warn("dropping malformed recognition result", zap.Error(err), zap.ByteString("data", data))
		return
	}
	c.mu.Lock()
	if c.socket != s {
		c.mu.Unlock()
		return
	}
	c.lastSpeaker = result.InferredSpeaker
	c.mu.Unlock()
	c.logger.Trace("recognition result",
		zap.String("speaker", result.InferredSpeaker),
		zap.Int("total_speakers", result.TotalSpeakers),
	)
	c.onResult(*result)
}
