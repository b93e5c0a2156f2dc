package convai

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type AssetKind string

const (
	AssetKindImage AssetKind = "image"
	AssetKindVideo AssetKind = "video"
)

// Asset is the visual the agent asked to show. An empty URL means none.
type Asset struct {
	Kind AssetKind
	URL  string
}

func DefaultAsset() Asset {
	return Asset{Kind: AssetKindImage}
}

// SpeakerState tracks who talks now and who talked on the previous result.
// The empty string stands for no speaker.
type SpeakerState struct {
	Current  string
	Previous string
}

// Observe records the speaker of a new recognition result and reports
// whether it is a change from a known previous speaker.
func (s *SpeakerState) Observe(speaker string) bool {
	s.Previous = s.Current
	s.Current = speaker
	return s.Previous != "" && s.Previous != s.Current
}

func (s *SpeakerState) Reset() {
	s.Current = ""
	s.Previous = ""
}

// ContextMessage fills the {previous} and {current} placeholders of template.
func (s SpeakerState) ContextMessage(template string) string {
	return strings.NewReplacer(
		"{previous}", s.Previous,
		"{current}", s.Current,
	).Replace(template)
}

// ConversationSession is one agent socket connection and what hangs off it.
// A fresh value is made on every start; handlers holding an older pointer
// are stale.
type ConversationSession struct {
	ID        uuid.UUID
	StartedAt time.Time
	Speakers  SpeakerState
	Asset     Asset

	AgentOpen bool
	MicReady  bool
	Streaming bool
}

func NewConversationSession() *ConversationSession {
	return &ConversationSession{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		Asset:     DefaultAsset(),
	}
}

// ReadyToStream reports whether both the agent socket and the microphone are
// up and streaming has not begun yet.
func (s *ConversationSession) ReadyToStream() bool {
	return s.AgentOpen && s.MicReady && !s.Streaming
}
