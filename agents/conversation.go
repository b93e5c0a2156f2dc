package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	convai "github.com/bt-bridge/convai-speaker"
	"github.com/bt-bridge/convai-speaker/recognition"
	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	taskQueueSize = 256
	stopReason    = "User ended conversation"
)

type ConversationState int

const (
	StateIdle ConversationState = iota
	StateConnecting
	StateActive
	StateClosing
)

func (s ConversationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("ConversationState(%d)", int(s))
}

// AgentConn is the agent socket as the conversation uses it.
type AgentConn interface {
	Connect(ctx context.Context) error
	Send(event *convai.ClientEvent) error
	Close(code int, reason string) error
	IsOpen() bool
}

// AgentDialer builds a new, unconnected agent socket wired to handlers.
type AgentDialer func(handlers convai.Handlers) (AgentConn, error)

type Player interface {
	Enqueue(fragment string, sampleRate int) error
	Clear()
}

type Recognizer interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendAudio(fragment string) error
}

// Capture produces base64 PCM16 mono chunks. Prepare acquires the device and
// may block on a permission prompt.
type Capture interface {
	Prepare(ctx context.Context) error
	Start(onChunk func(fragment string)) error
	Stop() error
}

type UI interface {
	Navigate(target string)
	SetAsset(asset convai.Asset)
}

// URLOpener is implemented by UIs that can open external pages.
type URLOpener interface {
	OpenURL(url string)
}

// TranscriptObserver is implemented by UIs that show the conversation text.
type TranscriptObserver interface {
	UserTranscript(text string)
	AgentResponse(text string)
	AgentResponseCorrected(original, corrected string)
}

// StatusObserver is implemented by UIs that show the conversation state and
// the current speaker.
type StatusObserver interface {
	ConversationState(state ConversationState)
	SpeakerChanged(previous, current string)
}

type nopUI struct{}

func (nopUI) Navigate(string)       {}
func (nopUI) SetAsset(convai.Asset) {}

// audioSink is where captured audio goes while a session streams.
type audioSink struct {
	agent      AgentConn
	recognizer Recognizer
}

// Conversation runs one agent conversation at a time alongside speaker
// recognition. Every state change happens on its event loop goroutine;
// socket, capture and recognition callbacks post tasks to it.
type Conversation struct {
	logger shared.LoggerAdapter
	cfg    shared.AgentConfig
	dial   AgentDialer

	mu         sync.Mutex
	player     Player
	recognizer Recognizer
	capture    Capture
	ui         UI
	state      ConversationState
	agentOpen  bool
	asset      convai.Asset
	speaker    string
	sessionID  string

	tasks  chan func()
	sink   atomic.Pointer[audioSink]
	ctx    context.Context
	cancel context.CancelCauseFunc

	// owned by the loop
	session       *convai.ConversationSession
	agent         AgentConn
	outputRate    int
	cancelSession context.CancelFunc
}

// NewConversation starts the event loop. A nil dial uses convai.NewClient
// with cfg.
func NewConversation(ctx context.Context, logger shared.LoggerAdapter, cfg shared.AgentConfig, dial AgentDialer) (*Conversation, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.ID == "" {
		return nil, shared.ErrNoAgentID
	}
	logger = logger.With(zap.String("component", "conversation"))
	if dial == nil {
		dial = func(h convai.Handlers) (AgentConn, error) {
			return convai.NewClient(logger, cfg, h)
		}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c := &Conversation{
		logger: logger,
		cfg:    cfg,
		dial:   dial,
		ui:     nopUI{},
		asset:  convai.DefaultAsset(),
		tasks:  make(chan func(), taskQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.run()
	return c, nil
}

func (c *Conversation) run() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case task := <-c.tasks:
			task()
		}
	}
}

// post queues task on the loop. It is dropped once the conversation is closed.
func (c *Conversation) post(task func()) {
	select {
	case c.tasks <- task:
	case <-c.ctx.Done():
	}
}

// call runs task on the loop and waits for it. It must not be used from the
// loop itself.
func (c *Conversation) call(task func() error) error {
	errC := make(chan error, 1)
	c.post(func() { errC <- task() })
	select {
	case err := <-errC:
		return err
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	}
}

func (c *Conversation) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	default:
	}
	return nil
}

func (c *Conversation) RegisterPlayer(player Player) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return shared.ErrSessionAlreadyRunning
	}
	if c.player != nil {
		return shared.ErrPlayerAlreadySet
	}
	if player == nil {
		return shared.ErrNoPlayer
	}
	c.player = player
	return nil
}

func (c *Conversation) RegisterRecognizer(recognizer Recognizer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return shared.ErrSessionAlreadyRunning
	}
	if c.recognizer != nil {
		return shared.ErrRecognizerAlreadySet
	}
	if recognizer == nil {
		return shared.ErrNoRecognizer
	}
	c.recognizer = recognizer
	return nil
}

func (c *Conversation) RegisterCapture(capture Capture) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return shared.ErrSessionAlreadyRunning
	}
	if c.capture != nil {
		return shared.ErrCaptureAlreadySet
	}
	if capture == nil {
		return shared.ErrNoCapture
	}
	c.capture = capture
	return nil
}

func (c *Conversation) RegisterUI(ui UI) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return shared.ErrSessionAlreadyRunning
	}
	if _, isNop := c.ui.(nopUI); !isNop {
		return shared.ErrUIAlreadySet
	}
	if ui == nil {
		return shared.ErrNoUI
	}
	c.ui = ui
	return nil
}

// Start opens a new session. It is a no-op unless the conversation is idle;
// the agent socket and the microphone come up in the background.
func (c *Conversation) Start() error {
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting conversation context: %w", err)
	}
	return c.call(c.start)
}

// Stop ends the current session and returns once it is torn down. It is safe
// in any state and repeated calls do nothing.
func (c *Conversation) Stop() error {
	if err := c.respectCtx(); err != nil {
		return nil
	}
	return c.call(func() error {
		if c.session == nil {
			return nil
		}
		c.logger.Info("stopping conversation", zap.String("session", c.session.ID.String()))
		c.teardown(c.session, stopReason)
		return nil
	})
}

// Close stops the session and the event loop.
func (c *Conversation) Close() error {
	if err := c.Stop(); err != nil {
		return err
	}
	c.cancel(shared.ErrClientClosed)
	return nil
}

func (c *Conversation) Done() <-chan struct{} {
	return c.ctx.Done()
}

// HandleRecognitionResult feeds one speaker recognition result to the
// conversation. Results are applied in the order of the calls.
func (c *Conversation) HandleRecognitionResult(result recognition.Result) {
	c.post(func() { c.observeSpeaker(result.InferredSpeaker) })
}

func (c *Conversation) State() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conversation) AgentConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentOpen
}

func (c *Conversation) CurrentSpeaker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaker
}

func (c *Conversation) Asset() convai.Asset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asset
}

// SessionID is the ID of the running session, empty when idle.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conversation) collaborators() (Player, Recognizer, Capture, UI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player, c.recognizer, c.capture, c.ui
}

func (c *Conversation) setState(state ConversationState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	ui := c.ui
	c.mu.Unlock()
	if prev == state {
		return
	}
	c.logger.Debug("conversation state changed",
		zap.String("prev", prev.String()),
		zap.String("new", state.String()),
	)
	if obs, ok := ui.(StatusObserver); ok {
		obs.ConversationState(state)
	}
}

func (c *Conversation) setAsset(sess *convai.ConversationSession, asset convai.Asset) {
	sess.Asset = asset
	c.mu.Lock()
	c.asset = asset
	ui := c.ui
	c.mu.Unlock()
	ui.SetAsset(asset)
}

func (c *Conversation) start() error {
	if c.session != nil {
		c.logger.Debug("start ignored, conversation already running")
		return nil
	}
	player, recognizer, capture, _ := c.collaborators()
	switch {
	case player == nil:
		return shared.ErrNoPlayer
	case recognizer == nil:
		return shared.ErrNoRecognizer
	case capture == nil:
		return shared.ErrNoCapture
	}

	sess := convai.NewConversationSession()
	c.session = sess
	c.outputRate = c.cfg.OutputSampleRate
	c.mu.Lock()
	c.sessionID = sess.ID.String()
	c.speaker = ""
	c.mu.Unlock()
	c.setState(StateConnecting)
	c.setAsset(sess, convai.DefaultAsset())
	c.logger.Info("starting conversation", zap.String("session", sess.ID.String()))

	sessCtx, cancel := context.WithCancel(c.ctx)
	c.cancelSession = cancel
	go func() {
		err := capture.Prepare(sessCtx)
		c.post(func() { c.micPrepared(sess, err) })
	}()

	agent, err := c.dial(convai.Handlers{
		OnOpen: func() {
			c.post(func() { c.agentOpened(sess) })
		},
		OnEvent: func(event *convai.ServerEvent) {
			c.post(func() { c.handleEvent(sess, event) })
		},
		OnClose: func(code int, reason string) {
			c.post(func() { c.agentClosed(sess, code, reason) })
		},
	})
	if err != nil {
		c.logger.Error("creating agent socket", err)
		c.teardown(sess, "")
		return fmt.Errorf("creating agent socket: %w", err)
	}
	c.agent = agent
	if err := agent.Connect(c.ctx); err != nil {
		c.logger.Error("connecting agent socket", err)
		c.teardown(sess, "")
		return fmt.Errorf("connecting agent socket: %w", err)
	}

	if err := recognizer.Connect(c.ctx); err != nil {
		c.logger.Error("connecting speaker recognition", err)
	}
	return nil
}

func (c *Conversation) agentOpened(sess *convai.ConversationSession) {
	if c.session != sess {
		return
	}
	sess.AgentOpen = true
	c.mu.Lock()
	c.agentOpen = true
	c.mu.Unlock()
	c.setState(StateActive)
	c.logger.Info("agent connected", zap.String("session", sess.ID.String()))
	c.send(convai.NewConversationInitiation())
	c.maybeStream(sess)
}

func (c *Conversation) micPrepared(sess *convai.ConversationSession, err error) {
	_, _, capture, _ := c.collaborators()
	if c.session != sess {
		// The session ended while the microphone was opening. A newer session
		// may own the device by now, so only release it when idle.
		if err == nil && c.session == nil {
			_ = capture.Stop()
		}
		return
	}
	if err != nil {
		c.logger.Error("preparing microphone", err, zap.String("session", sess.ID.String()))
		c.teardown(sess, "Microphone unavailable")
		return
	}
	sess.MicReady = true
	c.maybeStream(sess)
}

func (c *Conversation) maybeStream(sess *convai.ConversationSession) {
	if !sess.ReadyToStream() {
		return
	}
	_, recognizer, capture, _ := c.collaborators()
	sess.Streaming = true
	c.sink.Store(&audioSink{agent: c.agent, recognizer: recognizer})
	if err := capture.Start(c.forwardChunk); err != nil {
		c.logger.Error("starting microphone stream", err)
		c.teardown(sess, "Microphone unavailable")
		return
	}
	c.logger.Info("streaming microphone audio", zap.String("session", sess.ID.String()))
}

// forwardChunk runs on the capture goroutine. The sockets are safe for
// concurrent writes, so chunks skip the loop.
func (c *Conversation) forwardChunk(fragment string) {
	sink := c.sink.Load()
	if sink == nil {
		return
	}
	if sink.agent.IsOpen() {
		if err := sink.agent.Send(convai.NewUserAudioChunk(fragment)); err != nil && !errors.Is(err, shared.ErrNotConnected) {
			c.logger.Warn("sending audio to agent failed", zap.Error(err))
		}
	}
	if err := sink.recognizer.SendAudio(fragment); err != nil && !errors.Is(err, shared.ErrNotConnected) {
		c.logger.Warn("sending audio to speaker recognition failed", zap.Error(err))
	}
}

func (c *Conversation) agentClosed(sess *convai.ConversationSession, code int, reason string) {
	if c.session != sess {
		return
	}
	c.logger.Info("agent disconnected",
		zap.String("session", sess.ID.String()),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
	c.teardown(sess, "")
}

// teardown closes the agent socket with reason when it is not closed yet,
// then stops capture, clears playback, disconnects recognition and resets
// the asset, in that order.
func (c *Conversation) teardown(sess *convai.ConversationSession, reason string) {
	player, recognizer, capture, _ := c.collaborators()
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
	}
	if reason != "" && c.agent != nil {
		if err := c.agent.Close(websocket.CloseNormalClosure, reason); err != nil {
			c.logger.Warn("closing agent socket failed", zap.Error(err))
		}
	}
	sess.AgentOpen = false
	c.mu.Lock()
	c.agentOpen = false
	c.mu.Unlock()
	c.setState(StateClosing)

	c.sink.Store(nil)
	if err := capture.Stop(); err != nil {
		c.logger.Warn("stopping microphone failed", zap.Error(err))
	}
	player.Clear()
	if err := recognizer.Disconnect(); err != nil {
		c.logger.Warn("disconnecting speaker recognition failed", zap.Error(err))
	}
	c.setAsset(sess, convai.DefaultAsset())

	c.agent = nil
	c.session = nil
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	c.setState(StateIdle)
	c.logger.Info("conversation ended", zap.String("session", sess.ID.String()))
}

func (c *Conversation) send(event *convai.ClientEvent) bool {
	if c.agent == nil || !c.agent.IsOpen() {
		return false
	}
	if err := c.agent.Send(event); err != nil {
		c.logger.Error("sending event to agent", err, zap.String("type", string(event.Type)))
		return false
	}
	return true
}

// observeSpeaker runs the speaker change step for one recognition result.
func (c *Conversation) observeSpeaker(speaker string) {
	sess := c.session
	if sess == nil {
		return
	}
	changed := sess.Speakers.Observe(speaker)
	c.mu.Lock()
	c.speaker = speaker
	ui := c.ui
	c.mu.Unlock()
	if !changed {
		return
	}
	previous := sess.Speakers.Previous
	c.logger.Info("speaker changed",
		zap.String("previous", previous),
		zap.String("current", speaker),
	)
	if obs, ok := ui.(StatusObserver); ok {
		obs.SpeakerChanged(previous, speaker)
	}
	if c.agent == nil || !c.agent.IsOpen() {
		c.logger.Debug("agent not open, dropping speaker change")
		return
	}
	text := sess.Speakers.ContextMessage(c.cfg.ContextualUpdate.Template)
	c.send(convai.NewContextualUpdate(c.cfg.ContextualUpdate.Type, text))
}

func (c *Conversation) handleEvent(sess *convai.ConversationSession, event *convai.ServerEvent) {
	if c.session != sess {
		return
	}
	player, _, _, ui := c.collaborators()
	switch p := event.Param.(type) {
	case *convai.ServerEventParamAudio:
		if err := player.Enqueue(p.Audio, c.outputRate); err != nil {
			c.logger.Warn("dropping agent audio", zap.Error(err), zap.Int("eventId", p.EventID))
		}
	case *convai.ServerEventParamInterruption:
		c.logger.Info("agent interrupted", zap.Int("eventId", p.EventID))
		if c.cfg.FlushOnInterruption {
			player.Clear()
		}
	case *convai.ServerEventParamClientToolCall:
		c.dispatchTool(sess, p)
	case *convai.ServerEventParamPing:
		if c.cfg.ReplyToPing {
			c.send(convai.NewPong(p.EventID))
		}
	case *convai.ServerEventParamConversationInitiationMetadata:
		if rate, ok := convai.ParseSampleRate(p.AgentOutputAudioFormat); ok {
			c.outputRate = rate
		}
		c.logger.Info("conversation initiated",
			zap.String("conversationId", p.ConversationID),
			zap.String("outputFormat", p.AgentOutputAudioFormat),
			zap.Int("outputRate", c.outputRate),
		)
	case *convai.ServerEventParamUserTranscript:
		if obs, ok := ui.(TranscriptObserver); ok {
			obs.UserTranscript(p.Transcript)
		}
	case *convai.ServerEventParamAgentResponse:
		if obs, ok := ui.(TranscriptObserver); ok {
			obs.AgentResponse(p.Response)
		}
	case *convai.ServerEventParamAgentResponseCorrection:
		if obs, ok := ui.(TranscriptObserver); ok {
			obs.AgentResponseCorrected(p.Original, p.Corrected)
		}
	default:
		c.logger.Debug("ignoring agent event", zap.String("type", string(event.Type)))
	}
}

func (c *Conversation) dispatchTool(sess *convai.ConversationSession, call *convai.ServerEventParamClientToolCall) {
	tool, ok := c.cfg.Tools[call.ToolName]
	if !ok {
		c.logger.Debug("ignoring unknown tool", zap.String("tool", call.ToolName))
		return
	}
	_, _, _, ui := c.collaborators()
	result, isError := "ok", false
	switch tool.Action {
	case shared.ToolActionNavigate:
		if tool.Target != "" {
			ui.Navigate(tool.Target)
			result = "navigated to " + tool.Target
		}
		if opener, ok := ui.(URLOpener); ok && tool.URL != "" {
			opener.OpenURL(tool.URL)
			result = "opened " + tool.URL
			if tool.Target != "" {
				result = "navigated to " + tool.Target + " and opened " + tool.URL
			}
		}
	case shared.ToolActionImage, shared.ToolActionVideo:
		kind := convai.AssetKindImage
		if tool.Action == shared.ToolActionVideo {
			kind = convai.AssetKindVideo
		}
		url, _ := call.StringParam("url")
		c.setAsset(sess, convai.Asset{Kind: kind, URL: url})
		if url == "" {
			result, isError = "missing url parameter", true
		} else {
			result = "showing " + string(kind)
		}
	}
	c.logger.Info("tool called",
		zap.String("tool", call.ToolName),
		zap.String("action", tool.Action),
		zap.Bool("error", isError),
	)
	if c.cfg.SendToolResults && call.ToolCallID != "" {
		c.send(convai.NewClientToolResult(call.ToolCallID, result, isError))
	}
}
