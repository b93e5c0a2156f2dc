package agents

import (
	"sync"

	convai "github.com/bt-bridge/convai-speaker"
	"github.com/bt-bridge/convai-speaker/shared"
)

// PrinterUI shows the conversation on a terminal printer. It closes Ended
// the first time a session goes back to idle.
type PrinterUI struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer

	mu      sync.Mutex
	started bool
	ended   chan struct{}
	once    sync.Once
}

func NewPrinterUI(logger shared.LoggerAdapter, printer *shared.Printer) *PrinterUI {
	return &PrinterUI{
		logger:  logger,
		printer: printer,
		ended:   make(chan struct{}),
	}
}

func (u *PrinterUI) Ended() <-chan struct{} {
	return u.ended
}

func (u *PrinterUI) linef(ind int, format string, args ...any) {
	if err := u.printer.Linef(ind, format, args...); err != nil {
		u.logger.Error("printing status line", err)
	}
}

func (u *PrinterUI) Navigate(target string) {
	u.linef(1, "🧭 Navigate to %s", target)
}

func (u *PrinterUI) OpenURL(url string) {
	u.linef(1, "🔗 Open %s", url)
}

func (u *PrinterUI) SetAsset(asset convai.Asset) {
	if asset.URL == "" {
		u.linef(1, "🖼  Showing default %s", asset.Kind)
		return
	}
	u.linef(1, "🖼  Showing %s %s", asset.Kind, asset.URL)
}

func (u *PrinterUI) UserTranscript(text string) {
	u.linef(1, "🗣  You: %s", text)
}

func (u *PrinterUI) AgentResponse(text string) {
	u.linef(1, "🤖 Agent: %s", text)
}

func (u *PrinterUI) AgentResponseCorrected(original, corrected string) {
	u.linef(1, "✏️  Agent (corrected): %s", corrected)
}

func (u *PrinterUI) ConversationState(state ConversationState) {
	switch state {
	case StateConnecting:
		u.mu.Lock()
		u.started = true
		u.mu.Unlock()
		u.linef(0, "📞 Connecting to agent...")
	case StateActive:
		u.linef(0, "✅ Conversation started. Speak now.")
	case StateClosing:
		u.linef(0, "👋 Ending conversation...")
	case StateIdle:
		u.mu.Lock()
		started := u.started
		u.mu.Unlock()
		if started {
			u.linef(0, "🔚 Conversation ended.")
			u.once.Do(func() { close(u.ended) })
		}
	}
}

func (u *PrinterUI) SpeakerChanged(previous, current string) {
	u.linef(1, "🎙  Speaker changed: %s -> %s", previous, current)
}

// PlaybackState is a playback.StateHandler.
func (u *PrinterUI) PlaybackState(playing bool) {
	if playing {
		u.linef(1, "🔊 Agent speaking")
		return
	}
	u.linef(1, "🔈 Agent silent")
}

// RecognitionState is a recognition.ConnectionHandler.
func (u *PrinterUI) RecognitionState(connected bool) {
	if connected {
		u.linef(1, "🟢 Speaker recognition connected")
		return
	}
	u.linef(1, "🔴 Speaker recognition disconnected")
}
