package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	convai "github.com/bt-bridge/convai-speaker"
	"github.com/bt-bridge/convai-speaker/recognition"
	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

type fakeAgent struct {
	rec        *recorder
	h          convai.Handlers
	connectErr error

	mu          sync.Mutex
	open        bool
	sent        []*convai.ClientEvent
	attempts    int
	closeCode   int
	closeReason string
}

func (a *fakeAgent) Connect(context.Context) error {
	return a.connectErr
}

func (a *fakeAgent) Send(event *convai.ClientEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if !a.open {
		return shared.ErrNotConnected
	}
	a.sent = append(a.sent, event)
	return nil
}

func (a *fakeAgent) Close(code int, reason string) error {
	a.mu.Lock()
	a.open = false
	a.closeCode, a.closeReason = code, reason
	a.mu.Unlock()
	a.rec.add("agent.close")
	return nil
}

func (a *fakeAgent) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *fakeAgent) simulateOpen() {
	a.mu.Lock()
	a.open = true
	a.mu.Unlock()
	a.h.OnOpen()
}

func (a *fakeAgent) simulateClose(code int, reason string) {
	a.mu.Lock()
	a.open = false
	a.mu.Unlock()
	a.h.OnClose(code, reason)
}

func (a *fakeAgent) sentOf(t convai.ClientEventType) []*convai.ClientEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*convai.ClientEvent
	for _, e := range a.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type enqueued struct {
	fragment string
	rate     int
}

type fakePlayer struct {
	rec *recorder

	mu     sync.Mutex
	frames []enqueued
}

func (p *fakePlayer) Enqueue(fragment string, sampleRate int) error {
	if fragment == "" {
		return errors.New("empty fragment")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, enqueued{fragment, sampleRate})
	return nil
}

func (p *fakePlayer) Clear() {
	p.rec.add("player.clear")
}

func (p *fakePlayer) enqueued() []enqueued {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]enqueued(nil), p.frames...)
}

type fakeRecognizer struct {
	rec *recorder

	mu     sync.Mutex
	chunks []string
}

func (r *fakeRecognizer) Connect(context.Context) error {
	r.rec.add("recognizer.connect")
	return nil
}

func (r *fakeRecognizer) Disconnect() error {
	r.rec.add("recognizer.disconnect")
	return nil
}

func (r *fakeRecognizer) SendAudio(fragment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, fragment)
	return nil
}

func (r *fakeRecognizer) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

type fakeCapture struct {
	rec        *recorder
	gate       chan struct{}
	prepareErr error

	mu      sync.Mutex
	onChunk func(string)
	starts  int
}

func (c *fakeCapture) Prepare(context.Context) error {
	if c.gate != nil {
		<-c.gate
	}
	return c.prepareErr
}

func (c *fakeCapture) Start(onChunk func(string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChunk = onChunk
	c.starts++
	c.rec.add("capture.start")
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	c.onChunk = nil
	c.mu.Unlock()
	c.rec.add("capture.stop")
	return nil
}

func (c *fakeCapture) started() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *fakeCapture) emit(fragment string) {
	c.mu.Lock()
	fn := c.onChunk
	c.mu.Unlock()
	if fn != nil {
		fn(fragment)
	}
}

type fakeUI struct {
	rec *recorder

	mu          sync.Mutex
	navigations []string
	opened      []string
	assets      []convai.Asset
	transcripts []string
	changes     [][2]string
	states      []ConversationState
}

func (u *fakeUI) Navigate(target string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.navigations = append(u.navigations, target)
}

func (u *fakeUI) OpenURL(url string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opened = append(u.opened, url)
}

func (u *fakeUI) SetAsset(asset convai.Asset) {
	u.mu.Lock()
	u.assets = append(u.assets, asset)
	u.mu.Unlock()
	u.rec.add("ui.asset")
}

func (u *fakeUI) UserTranscript(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.transcripts = append(u.transcripts, "user: "+text)
}

func (u *fakeUI) AgentResponse(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.transcripts = append(u.transcripts, "agent: "+text)
}

func (u *fakeUI) AgentResponseCorrected(original, corrected string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.transcripts = append(u.transcripts, "corrected: "+original+" -> "+corrected)
}

func (u *fakeUI) ConversationState(state ConversationState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.states = append(u.states, state)
}

func (u *fakeUI) SpeakerChanged(previous, current string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.changes = append(u.changes, [2]string{previous, current})
}

type fixture struct {
	t          *testing.T
	conv       *Conversation
	rec        *recorder
	player     *fakePlayer
	recognizer *fakeRecognizer
	capture    *fakeCapture
	ui         *fakeUI

	mu         sync.Mutex
	agents     []*fakeAgent
	connectErr error
}

func testAgentConfig() shared.AgentConfig {
	return shared.AgentConfig{
		ID:                  "agent_test",
		OutputSampleRate:    16000,
		ReplyToPing:         true,
		FlushOnInterruption: true,
		SendToolResults:     true,
		ContextualUpdate: shared.ContextualUpdateConfig{
			Type:     "contextual_update",
			Template: "speaker changed from {previous} to {current}",
		},
		Tools: shared.DefaultTools(),
	}
}

func newFixture(t *testing.T, capture *fakeCapture) *fixture {
	t.Helper()
	rec := &recorder{}
	if capture == nil {
		capture = &fakeCapture{}
	}
	capture.rec = rec
	f := newFixtureWith(t, rec, capture)
	f.capture = capture
	return f
}

func newFixtureWith(t *testing.T, rec *recorder, capture Capture) *fixture {
	t.Helper()
	f := &fixture{
		t:          t,
		rec:        rec,
		player:     &fakePlayer{rec: rec},
		recognizer: &fakeRecognizer{rec: rec},
		ui:         &fakeUI{rec: rec},
	}
	dial := func(h convai.Handlers) (AgentConn, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		a := &fakeAgent{rec: rec, h: h, connectErr: f.connectErr}
		f.agents = append(f.agents, a)
		return a, nil
	}
	conv, err := NewConversation(context.Background(), shared.NewNopLogger(), testAgentConfig(), dial)
	require.NoError(t, err)
	require.NoError(t, conv.RegisterPlayer(f.player))
	require.NoError(t, conv.RegisterRecognizer(f.recognizer))
	require.NoError(t, conv.RegisterCapture(capture))
	require.NoError(t, conv.RegisterUI(f.ui))
	t.Cleanup(func() { _ = conv.Close() })
	f.conv = conv
	return f
}

func (f *fixture) agent() *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.agents)
	return f.agents[len(f.agents)-1]
}

func (f *fixture) dialed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.agents)
}

// sync waits until every task posted so far has run.
func (f *fixture) sync() {
	f.t.Helper()
	require.NoError(f.t, f.conv.call(func() error { return nil }))
}

func (f *fixture) startActive() *fakeAgent {
	f.t.Helper()
	require.NoError(f.t, f.conv.Start())
	a := f.agent()
	a.simulateOpen()
	require.Eventually(f.t, func() bool { return f.capture.started() == 1 }, waitFor, tick)
	return a
}

func (f *fixture) serverEvent(a *fakeAgent, t convai.ServerEventType, p convai.EventParam) {
	a.h.OnEvent(&convai.ServerEvent{Type: t, Param: p})
}

func TestNewConversation_Validates(t *testing.T) {
	_, err := NewConversation(context.Background(), nil, testAgentConfig(), nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewConversation(context.Background(), shared.NewNopLogger(), shared.AgentConfig{}, nil)
	assert.ErrorIs(t, err, shared.ErrNoAgentID)
}

func TestConversation_StartNeedsCollaborators(t *testing.T) {
	conv, err := NewConversation(context.Background(), shared.NewNopLogger(), testAgentConfig(), nil)
	require.NoError(t, err)
	defer conv.Close()

	assert.ErrorIs(t, conv.Start(), shared.ErrNoPlayer)
	assert.Equal(t, StateIdle, conv.State())
}

func TestConversation_Register(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.conv.RegisterPlayer(f.player), shared.ErrPlayerAlreadySet)
	assert.ErrorIs(t, f.conv.RegisterUI(f.ui), shared.ErrUIAlreadySet)

	require.NoError(t, f.conv.Start())
	assert.ErrorIs(t, f.conv.RegisterCapture(f.capture), shared.ErrSessionAlreadyRunning)
}

func TestConversation_StreamsOnceAgentOpenAndMicReady(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &fakeCapture{gate: gate})

	require.NoError(t, f.conv.Start())
	assert.Equal(t, StateConnecting, f.conv.State())
	assert.NotEmpty(t, f.conv.SessionID())
	a := f.agent()

	a.simulateOpen()
	f.sync()
	assert.Equal(t, StateActive, f.conv.State())
	assert.True(t, f.conv.AgentConnected())
	assert.Len(t, a.sentOf(convai.ClientEventTypeConversationInitiation), 1)
	assert.Zero(t, f.capture.started())

	close(gate)
	require.Eventually(t, func() bool { return f.capture.started() == 1 }, waitFor, tick)

	f.capture.emit("AAAA")
	chunks := a.sentOf(convai.ClientEventTypeUserAudioChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "AAAA", chunks[0].Param.(*convai.ClientEventParamUserAudioChunk).Audio)
	assert.Equal(t, []string{"AAAA"}, f.recognizer.received())
}

func TestConversation_MicReadyBeforeAgentOpen(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.conv.Start())
	require.Eventually(t, func() bool {
		ready := false
		_ = f.conv.call(func() error {
			ready = f.conv.session != nil && f.conv.session.MicReady
			return nil
		})
		return ready
	}, waitFor, tick)
	assert.Zero(t, f.capture.started())

	f.agent().simulateOpen()
	f.sync()
	assert.Equal(t, 1, f.capture.started())
}

func TestConversation_StartIsNoopWhileRunning(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.conv.Start())
	require.NoError(t, f.conv.Start())
	assert.Equal(t, 1, f.dialed())

	f.agent().simulateOpen()
	require.Eventually(t, func() bool { return f.capture.started() == 1 }, waitFor, tick)
	require.NoError(t, f.conv.Start())
	assert.Equal(t, 1, f.dialed())
	assert.Equal(t, StateActive, f.conv.State())
}

func TestConversation_SpeakerChangeSendsOneUpdate(t *testing.T) {
	f := newFixture(t, nil)
	a := f.startActive()

	for _, speaker := range []string{"Ana", "Ana", "Ana", "Bruno"} {
		f.conv.HandleRecognitionResult(recognition.Result{InferredSpeaker: speaker})
	}
	f.sync()

	updates := a.sentOf(convai.ClientEventTypeContextualUpdate)
	require.Len(t, updates, 1)
	text := updates[0].Param.(*convai.ClientEventParamContextualUpdate).Text
	assert.Equal(t, "speaker changed from Ana to Bruno", text)
	assert.Equal(t, "Bruno", f.conv.CurrentSpeaker())

	f.ui.mu.Lock()
	assert.Equal(t, [][2]string{{"Ana", "Bruno"}}, f.ui.changes)
	f.ui.mu.Unlock()
}

func TestConversation_SpeakerChangeDroppedWhenAgentNotOpen(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.conv.Start())
	a := f.agent()

	f.conv.HandleRecognitionResult(recognition.Result{InferredSpeaker: "Ana"})
	f.conv.HandleRecognitionResult(recognition.Result{InferredSpeaker: "Bruno"})
	f.sync()
	assert.Equal(t, "Bruno", f.conv.CurrentSpeaker())

	a.simulateOpen()
	f.sync()
	assert.Empty(t, a.sentOf(convai.ClientEventTypeContextualUpdate))
}

func TestConversation_SpeakerChangeDroppedAfterRemoteClose(t *testing.T) {
	f := newFixture(t, nil)
	a := f.startActive()
	f.conv.HandleRecognitionResult(recognition.Result{InferredSpeaker: "Ana"})
	f.sync()

	// The socket is gone but its close has not reached the conversation yet.
	a.mu.Lock()
	a.open = false
	before := a.attempts
	a.mu.Unlock()

	f.conv.HandleRecognitionResult(recognition.Result{InferredSpeaker: "Bruno"})
	f.sync()
	assert.Equal(t, "Bruno", f.conv.CurrentSpeaker())
	assert.Empty(t, a.sentOf(convai.ClientEventTypeContextualUpdate))
	a.mu.Lock()
	assert.Equal(t, before, a.attempts)
	a.mu.Unlock()

	a.h.OnClose(1006, "")
	require.Eventually(t, func() bool { return f.conv.State() == StateIdle }, waitFor, tick)
	assert.Empty(t, a.sentOf(convai.ClientEventTypeContextualUpdate))
}

func TestConversation_RecognitionWithoutSessionIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.conv.HandleRecognitionResult(recognition.Result{InferredSpeaker: "Ana"})
	f.sync()
	assert.Empty(t, f.conv.CurrentSpeaker())
}

func TestConversation_StopTearsDownInOrder(t *testing.T) {
	f := newFixture(t, nil)
	a := f.startActive()
	f.rec.reset()

	require.NoError(t, f.conv.Stop())
	assert.Equal(t, []string{
		"agent.close",
		"capture.stop",
		"player.clear",
		"recognizer.disconnect",
		"ui.asset",
	}, f.rec.list())
	assert.Equal(t, websocket.CloseNormalClosure, a.closeCode)
	assert.Equal(t, stopReason, a.closeReason)
	assert.Equal(t, StateIdle, f.conv.State())
	assert.False(t, f.conv.AgentConnected())
	assert.Empty(t, f.conv.SessionID())
	assert.Equal(t, convai.DefaultAsset(), f.conv.Asset())

	f.capture.emit("AAAA")
	assert.Empty(t, f.recognizer.received())

	f.rec.reset()
	require.NoError(t, f.conv.Stop())
	assert.Empty(t, f.rec.list())
}

func TestConversation_RemoteCloseTearsDown(t *testing.T) {
	f := newFixture(t, nil)
	a := f.startActive()
	f.rec.reset()

	a.simulateClose(4001, "agent ended")
	f.sync()
	assert.Equal(t, []string{
		"capture.stop",
		"player.clear",
		"recognizer.disconnect",
		"ui.asset",
	}, f.rec.list())
	assert.Equal(t, StateIdle, f.conv.State())

	require.NoError(t, f.conv.Start())
	assert.Equal(t, 2, f.dialed())
}

func TestConversation_IgnoresStaleSessionEvents(t *testing.T) {
	f := newFixture(t, nil)
	old := f.startActive()
	require.NoError(t, f.conv.Stop())
	require.NoError(t, f.conv.Start())

	f.serverEvent(old, convai.ServerEventTypeAudio, &convai.ServerEventParamAudio{Audio: "AAAA"})
	old.simulateClose(1000, "")
	f.sync()

	assert.Empty(t, f.player.enqueued())
	assert.Equal(t, StateConnecting, f.conv.State())
}

func TestConversation_AgentEvents(t *testing.T) {
	f := newFixture(t, nil)
	a := f.startActive()

	f.serverEvent(a, convai.ServerEventTypeAudio, &convai.ServerEventParamAudio{Audio: "AAAA", EventID: 1})
	f.serverEvent(a, convai.ServerEventTypeConversationInitiationMetadata, &convai.ServerEventParamConversationInitiationMetadata{
		ConversationID:         "conv_1",
		AgentOutputAudioFormat: "pcm_22050",
	})
	f.serverEvent(a, convai.ServerEventTypeAudio, &convai.ServerEventParamAudio{Audio: "BBBB", EventID: 2})
	f.serverEvent(a, convai.ServerEventTypeAudio, &convai.ServerEventParamAudio{EventID: 3})
	f.serverEvent(a, convai.ServerEventTypePing, &convai.ServerEventParamPing{EventID: 7})
	f.sync()

	assert.Equal(t, []enqueued{{"AAAA", 16000}, {"BBBB", 22050}}, f.player.enqueued())
	pongs := a.sentOf(convai.ClientEventTypePong)
	require.Len(t, pongs, 1)
	assert.Equal(t, 7, pongs[0].Param.(*convai.ClientEventParamPong).EventID)

	f.rec.reset()
	f.serverEvent(a, convai.ServerEventTypeInterruption, &convai.ServerEventParamInterruption{EventID: 4})
	f.sync()
	assert.Equal(t, []string{"player.clear"}, f.rec.list())
	assert.Equal(t, StateActive, f.conv.State())
}

func TestConversation_TranscriptsReachUI(t *testing.T) {
	f := newFixture(t, nil)
	a := f.startActive()

	f.serverEvent(a, convai.ServerEventTypeUserTranscript, &convai.ServerEventParamUserTranscript{Transcript: "hola"})
	f.serverEvent(a, convai.ServerEventTypeAgentResponse, &convai.ServerEventParamAgentResponse{Response: "buenas"})
	f.serverEvent(a, convai.ServerEventTypeAgentResponseCorrection, &convai.ServerEventParamAgentResponseCorrection{
		Original:  "buenas tardes",
		Corrected: "buenas",
	})
	f.serverEvent(a, "mcp_tool_call", nil)
	f.sync()

	f.ui.mu.Lock()
	defer f.ui.mu.Unlock()
	assert.Equal(t, []string{
		"user: hola",
		"agent: buenas",
		"corrected: buenas tardes -> buenas",
	}, f.ui.transcripts)
}

func TestConversation_ToolCalls(t *testing.T) {
	f := newFixture(t, nil)
	a := f.startActive()

	call := func(id, name string, params map[string]any) {
		f.serverEvent(a, convai.ServerEventTypeClientToolCall, &convai.ServerEventParamClientToolCall{
			ToolCallID: id,
			ToolName:   name,
			Parameters: params,
		})
	}
	call("t1", "onNavigateRobots", nil)
	call("t2", "onSetImageUrl", map[string]any{"url": "https://example.com/a.png"})
	call("t3", "onUnknown", map[string]any{"url": "https://example.com/x"})
	f.sync()

	f.ui.mu.Lock()
	assert.Equal(t, []string{"/robots"}, f.ui.navigations)
	assert.Equal(t, []string{shared.DefaultRobotsURL}, f.ui.opened)
	f.ui.mu.Unlock()
	assert.Equal(t, convai.Asset{Kind: convai.AssetKindImage, URL: "https://example.com/a.png"}, f.conv.Asset())

	call("t4", "onSetVideoUrl", map[string]any{})
	f.sync()
	assert.Equal(t, convai.Asset{Kind: convai.AssetKindVideo}, f.conv.Asset())

	results := a.sentOf(convai.ClientEventTypeClientToolResult)
	require.Len(t, results, 3)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Param.(*convai.ClientEventParamClientToolResult).ToolCallID)
	}
	assert.Equal(t, []string{"t1", "t2", "t4"}, ids)
	assert.False(t, results[1].Param.(*convai.ClientEventParamClientToolResult).IsError)
	assert.True(t, results[2].Param.(*convai.ClientEventParamClientToolResult).IsError)

	require.NoError(t, f.conv.Stop())
	assert.Equal(t, convai.DefaultAsset(), f.conv.Asset())
}

// trackCapture hands out one gated Prepare per session and remembers which
// one installed its track last.
type trackCapture struct {
	mu        sync.Mutex
	gates     []chan struct{}
	ctxErrs   []error
	installed int
	starts    int
}

func (c *trackCapture) Prepare(ctx context.Context) error {
	c.mu.Lock()
	gate := make(chan struct{})
	c.gates = append(c.gates, gate)
	c.ctxErrs = append(c.ctxErrs, nil)
	id := len(c.gates)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-gate:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		c.ctxErrs[id-1] = err
		return err
	}
	c.installed = id
	return nil
}

func (c *trackCapture) Start(func(string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return nil
}

func (c *trackCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed = 0
	return nil
}

func (c *trackCapture) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gates)
}

func (c *trackCapture) release(id int) {
	c.mu.Lock()
	gate := c.gates[id-1]
	c.mu.Unlock()
	close(gate)
}

func TestConversation_StalePrepareKeepsNewSessionMicrophone(t *testing.T) {
	capture := &trackCapture{}
	f := newFixtureWith(t, &recorder{}, capture)

	require.NoError(t, f.conv.Start())
	require.Eventually(t, func() bool { return capture.pending() == 1 }, waitFor, tick)
	require.NoError(t, f.conv.Stop())
	require.Eventually(t, func() bool {
		capture.mu.Lock()
		defer capture.mu.Unlock()
		return capture.ctxErrs[0] != nil
	}, waitFor, tick)

	require.NoError(t, f.conv.Start())
	require.Eventually(t, func() bool { return capture.pending() == 2 }, waitFor, tick)
	capture.release(2)
	f.agent().simulateOpen()
	require.Eventually(t, func() bool {
		capture.mu.Lock()
		defer capture.mu.Unlock()
		return capture.starts == 1
	}, waitFor, tick)

	// A late grant for the first session must not touch the second one.
	capture.release(1)
	f.sync()

	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.ErrorIs(t, capture.ctxErrs[0], context.Canceled)
	assert.NoError(t, capture.ctxErrs[1])
	assert.Equal(t, 2, capture.installed)
	assert.Equal(t, StateActive, f.conv.State())
}

func TestConversation_MicFailureTearsDown(t *testing.T) {
	f := newFixture(t, &fakeCapture{prepareErr: errors.New("permission denied")})

	require.NoError(t, f.conv.Start())
	a := f.agent()
	require.Eventually(t, func() bool { return f.conv.State() == StateIdle }, waitFor, tick)
	assert.Contains(t, f.rec.list(), "recognizer.disconnect")
	assert.Equal(t, "Microphone unavailable", a.closeReason)
	assert.Zero(t, f.capture.started())
}

func TestConversation_ConnectFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.connectErr = errors.New("dial refused")

	assert.Error(t, f.conv.Start())
	assert.Equal(t, StateIdle, f.conv.State())
	assert.Contains(t, f.rec.list(), "capture.stop")
	assert.NotContains(t, f.rec.list(), "recognizer.connect")
}

func TestConversation_Close(t *testing.T) {
	f := newFixture(t, nil)
	f.startActive()

	require.NoError(t, f.conv.Close())
	select {
	case <-f.conv.Done():
	case <-time.After(waitFor):
		t.Fatal("conversation loop did not stop")
	}
	assert.Equal(t, StateIdle, f.conv.State())
	assert.Error(t, f.conv.Start())
	assert.NoError(t, f.conv.Stop())
}

func TestConversationState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "ConversationState(9)", ConversationState(9).String())
}
