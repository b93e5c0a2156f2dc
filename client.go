package convai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type EventHandler func(event *ServerEvent)

type CloseHandler func(code int, reason string)

type Handlers struct {
	OnOpen  func()
	OnEvent EventHandler
	OnClose CloseHandler
}

// Client is one agent socket connection. It is single use: a new conversation
// needs a new Client.
type Client struct {
	logger shared.LoggerAdapter
	socket *shared.Socket
	h      Handlers
}

func NewClient(logger shared.LoggerAdapter, cfg shared.AgentConfig, h Handlers) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.ID == "" {
		return nil, shared.ErrNoAgentID
	}
	if h.OnEvent == nil {
		return nil, shared.ErrNoEventHandler
	}
	if h.OnOpen == nil {
		h.OnOpen = func() {}
	}
	if h.OnClose == nil {
		h.OnClose = func(int, string) {}
	}
	rawURL, err := ConversationURL(cfg.URL, cfg.ID)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger: logger.With(zap.String("component", "agent")),
		h:      h,
	}
	opts := shared.SocketOptions{
		URL:              rawURL,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond,
		WriteTimeout:     time.Duration(cfg.WriteTimeoutMs) * time.Millisecond,
	}
	if cfg.APIKey != "" {
		signer, err := NewURLSigner(cfg.APIBaseURL, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		opts.Resolve = func(ctx context.Context) (string, error) {
			return signer.SignedURL(ctx, cfg.ID)
		}
	}
	c.socket, err = shared.NewSocket(c.logger, opts, shared.SocketHandlers{
		OnOpen:    h.OnOpen,
		OnMessage: c.onMessage,
		OnClose:   h.OnClose,
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent socket: %w", err)
	}
	return c, nil
}

// ConversationURL appends the agent_id query parameter to base.
func ConversationURL(base, agentID string) (string, error) {
	if base == "" {
		return "", shared.ErrNoEndpoint
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing agent URL: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) Connect(ctx context.Context) error {
	return c.socket.Connect(ctx)
}

func (c *Client) Send(event *ClientEvent) error {
	if event == nil {
		return errors.New("event is required")
	}
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", event.Type, err)
	}
	if err := c.socket.Write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s: %w", event.Type, err)
	}
	if event.Type != ClientEventTypeUserAudioChunk {
		c.logger.Trace("sent event", zap.String("type", string(event.Type)))
	}
	return nil
}

func (c *Client) Close(code int, reason string) error {
	return c.socket.Close(code, reason)
}

func (c *Client) IsOpen() bool {
	return c.socket.IsOpen()
}

func (c *Client) State() shared.SocketState {
	return c.socket.State()
}

func (c *Client) Done() <-chan struct{} {
	return c.socket.Done()
}

func (c *Client) onMessage(messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		c.logger.Warn("received non-text frame on agent socket", zap.Int("message_type", messageType))
		return
	}
	event := new(ServerEvent)
	if err := event.UnmarshalJSON(data); err != nil {
		c.logger.Error(
			"can not unmarshal event",
			err,
			zap.ByteString("data", data),
		)
		return
	}
	if !event.Known() {
		c.logger.Debug("ignoring unknown event", zap.String("type", string(event.Type)))
		return
	}
	if event.Type != ServerEventTypeAudio {
		c.logger.Trace("received event", zap.String("type", string(event.Type)))
	}
	c.h.OnEvent(event)
}

// signedURLResponse is the body of the get-signed-url endpoint.
type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

func decodeSignedURL(body []byte) (string, error) {
	var resp signedURLResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding signed URL response: %w", err)
	}
	if resp.SignedURL == "" {
		return "", errors.New("signed URL response has no signed_url")
	}
	return resp.SignedURL, nil
}
