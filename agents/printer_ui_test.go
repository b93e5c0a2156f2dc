package agents

import (
	"strings"
	"testing"

	convai "github.com/bt-bridge/convai-speaker"
	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	strings.Builder
}

func (b *bufferHook) Close() error {
	return nil
}

func newTestPrinterUI(t *testing.T) (*PrinterUI, *bufferHook) {
	t.Helper()
	hook := new(bufferHook)
	printer, err := shared.NewPrinter("  ", hook)
	require.NoError(t, err)
	return NewPrinterUI(shared.NewNopLogger(), printer), hook
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestPrinterUI_EndedAfterSessionReturnsToIdle(t *testing.T) {
	ui, hook := newTestPrinterUI(t)

	ui.ConversationState(StateIdle)
	assert.False(t, isClosed(ui.Ended()))
	assert.Empty(t, hook.String())

	ui.ConversationState(StateConnecting)
	ui.ConversationState(StateActive)
	ui.ConversationState(StateClosing)
	ui.ConversationState(StateIdle)
	assert.True(t, isClosed(ui.Ended()))

	ui.ConversationState(StateConnecting)
	ui.ConversationState(StateIdle)
	assert.Contains(t, hook.String(), "Conversation ended.")
}

func TestPrinterUI_Lines(t *testing.T) {
	ui, hook := newTestPrinterUI(t)

	ui.SetAsset(convai.DefaultAsset())
	ui.SetAsset(convai.Asset{Kind: convai.AssetKindVideo, URL: "https://example.com/v.mp4"})
	ui.Navigate("/robots")
	ui.SpeakerChanged("Ana", "Bruno")
	ui.UserTranscript("hola")

	lines := strings.Split(strings.TrimSuffix(hook.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "  🖼  Showing default image", lines[0])
	assert.Equal(t, "  🖼  Showing video https://example.com/v.mp4", lines[1])
	assert.Equal(t, "  🧭 Navigate to /robots", lines[2])
	assert.Equal(t, "  🎙  Speaker changed: Ana -> Bruno", lines[3])
	assert.Equal(t, "  🗣  You: hola", lines[4])
}
