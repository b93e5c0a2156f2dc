package convai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeAudio                          ServerEventType = "audio"
	ServerEventTypeInterruption                   ServerEventType = "interruption"
	ServerEventTypeClientToolCall                 ServerEventType = "client_tool_call"
	ServerEventTypeUserTranscript                 ServerEventType = "user_transcript"
	ServerEventTypeAgentResponse                  ServerEventType = "agent_response"
	ServerEventTypeAgentResponseCorrection        ServerEventType = "agent_response_correction"
	ServerEventTypePing                           ServerEventType = "ping"
	ServerEventTypeConversationInitiationMetadata ServerEventType = "conversation_initiation_metadata"
)

// Client event types
const (
	ClientEventTypeConversationInitiation ClientEventType = "conversation_initiation_client_data"
	ClientEventTypeUserAudioChunk         ClientEventType = "user_audio_chunk"
	ClientEventTypeContextualUpdate       ClientEventType = "contextual_update"
	ClientEventTypePong                   ClientEventType = "pong"
	ClientEventTypeClientToolResult       ClientEventType = "client_tool_result"
)

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// ServerEvent is a message received on the agent socket. Param is nil for
// event types this package does not know.
type ServerEvent struct {
	Type  ServerEventType
	Param EventParam
}

func (e *ServerEvent) Known() bool {
	return e.Param != nil
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

// MarshalYAML renders the event for human facing dumps.
func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	if e.Param == nil {
		return yaml.Marshal(map[string]any{"type": string(e.Type)})
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["type"] = string(e.Type)
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ServerEventTypeAudio:
		e.Param = new(ServerEventParamAudio)
	case ServerEventTypeInterruption:
		e.Param = new(ServerEventParamInterruption)
	case ServerEventTypeClientToolCall:
		e.Param = new(ServerEventParamClientToolCall)
	case ServerEventTypeUserTranscript:
		e.Param = new(ServerEventParamUserTranscript)
	case ServerEventTypeAgentResponse:
		e.Param = new(ServerEventParamAgentResponse)
	case ServerEventTypeAgentResponseCorrection:
		e.Param = new(ServerEventParamAgentResponseCorrection)
	case ServerEventTypePing:
		e.Param = new(ServerEventParamPing)
	case ServerEventTypeConversationInitiationMetadata:
		e.Param = new(ServerEventParamConversationInitiationMetadata)
	default:
		e.Param = nil
		return nil
	}
	if err := e.Param.New(raw); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

// ClientEvent is a message sent on the agent socket.
type ClientEvent struct {
	Type  ClientEventType
	Param EventParam
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	// Audio chunks travel untyped.
	if e.Type != ClientEventTypeUserAudioChunk {
		resp["type"] = e.Type
	}
	return sonic.Marshal(resp)
}

// UnmarshalJSON decodes a client event. Any type other than the fixed ones
// is read as a contextual update, since its kind is configurable.
func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if _, ok := raw["user_audio_chunk"]; ok {
		if _, typed := raw["type"]; !typed {
			e.Type = ClientEventTypeUserAudioChunk
			e.Param = new(ClientEventParamUserAudioChunk)
			return e.Param.New(raw)
		}
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ClientEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ClientEventTypeConversationInitiation:
		e.Param = new(ClientEventParamConversationInitiation)
	case ClientEventTypePong:
		e.Param = new(ClientEventParamPong)
	case ClientEventTypeClientToolResult:
		e.Param = new(ClientEventParamClientToolResult)
	default:
		e.Param = new(ClientEventParamContextualUpdate)
	}
	return e.Param.New(raw)
}

func NewConversationInitiation() *ClientEvent {
	return &ClientEvent{Type: ClientEventTypeConversationInitiation, Param: new(ClientEventParamConversationInitiation)}
}

func NewUserAudioChunk(audio string) *ClientEvent {
	return &ClientEvent{Type: ClientEventTypeUserAudioChunk, Param: &ClientEventParamUserAudioChunk{Audio: audio}}
}

// NewContextualUpdate builds a context message of the given kind. An empty
// kind means ClientEventTypeContextualUpdate.
func NewContextualUpdate(kind, text string) *ClientEvent {
	if kind == "" {
		kind = string(ClientEventTypeContextualUpdate)
	}
	return &ClientEvent{Type: ClientEventType(kind), Param: &ClientEventParamContextualUpdate{Text: text}}
}

func NewPong(eventID int) *ClientEvent {
	return &ClientEvent{Type: ClientEventTypePong, Param: &ClientEventParamPong{EventID: eventID}}
}

func NewClientToolResult(toolCallID, result string, isError bool) *ClientEvent {
	return &ClientEvent{Type: ClientEventTypeClientToolResult, Param: &ClientEventParamClientToolResult{
		ToolCallID: toolCallID,
		Result:     result,
		IsError:    isError,
	}}
}

// ParseSampleRate reads the rate out of formats such as "pcm_16000".
func ParseSampleRate(format string) (int, bool) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func subObject(m map[string]any, key string) (map[string]any, error) {
	obj, ok := m[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing %s", key)
	}
	return obj, nil
}

// audio
type ServerEventParamAudio struct {
	Audio   string
	EventID int
}

func (p *ServerEventParamAudio) New(m map[string]any) error {
	ev, err := subObject(m, "audio_event")
	if err != nil {
		return err
	}
	if v, ok := ev["audio_base_64"].(string); ok {
		p.Audio = v
	} else {
		return errors.New("missing audio_event.audio_base_64")
	}
	if v, ok := asInt(ev["event_id"]); ok {
		p.EventID = v
	}
	return nil
}

func (p *ServerEventParamAudio) Json() map[string]any {
	return map[string]any{
		"audio_event": map[string]any{
			"audio_base_64": p.Audio,
			"event_id":      p.EventID,
		},
	}
}

// interruption
type ServerEventParamInterruption struct {
	EventID int
}

func (p *ServerEventParamInterruption) New(m map[string]any) error {
	if ev, ok := m["interruption_event"].(map[string]any); ok {
		if v, ok := asInt(ev["event_id"]); ok {
			p.EventID = v
		}
	}
	return nil
}

func (p *ServerEventParamInterruption) Json() map[string]any {
	return map[string]any{
		"interruption_event": map[string]any{"event_id": p.EventID},
	}
}

// client_tool_call
type ServerEventParamClientToolCall struct {
	ToolCallID string
	ToolName   string
	Parameters map[string]any
}

func (p *ServerEventParamClientToolCall) New(m map[string]any) error {
	call, err := subObject(m, "client_tool_call")
	if err != nil {
		return err
	}
	if v, ok := call["tool_name"].(string); ok {
		p.ToolName = v
	} else {
		return errors.New("missing client_tool_call.tool_name")
	}
	if v, ok := call["tool_call_id"].(string); ok {
		p.ToolCallID = v
	}
	if v, ok := call["parameters"].(map[string]any); ok {
		p.Parameters = v
	} else {
		p.Parameters = map[string]any{}
	}
	return nil
}

func (p *ServerEventParamClientToolCall) Json() map[string]any {
	return map[string]any{
		"client_tool_call": map[string]any{
			"tool_call_id": p.ToolCallID,
			"tool_name":    p.ToolName,
			"parameters":   p.Parameters,
		},
	}
}

// StringParam returns a string parameter of the call, if present.
func (p *ServerEventParamClientToolCall) StringParam(key string) (string, bool) {
	v, ok := p.Parameters[key].(string)
	return v, ok
}

// user_transcript
type ServerEventParamUserTranscript struct {
	Transcript string
}

func (p *ServerEventParamUserTranscript) New(m map[string]any) error {
	ev, err := subObject(m, "user_transcription_event")
	if err != nil {
		return err
	}
	if v, ok := ev["user_transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing user_transcription_event.user_transcript")
	}
	return nil
}

func (p *ServerEventParamUserTranscript) Json() map[string]any {
	return map[string]any{
		"user_transcription_event": map[string]any{"user_transcript": p.Transcript},
	}
}

// agent_response
type ServerEventParamAgentResponse struct {
	Response string
}

func (p *ServerEventParamAgentResponse) New(m map[string]any) error {
	ev, err := subObject(m, "agent_response_event")
	if err != nil {
		return err
	}
	if v, ok := ev["agent_response"].(string); ok {
		p.Response = v
	} else {
		return errors.New("missing agent_response_event.agent_response")
	}
	return nil
}

func (p *ServerEventParamAgentResponse) Json() map[string]any {
	return map[string]any{
		"agent_response_event": map[string]any{"agent_response": p.Response},
	}
}

// agent_response_correction
type ServerEventParamAgentResponseCorrection struct {
	Original  string
	Corrected string
}

func (p *ServerEventParamAgentResponseCorrection) New(m map[string]any) error {
	ev, err := subObject(m, "agent_response_correction_event")
	if err != nil {
		return err
	}
	if v, ok := ev["corrected_agent_response"].(string); ok {
		p.Corrected = v
	} else {
		return errors.New("missing agent_response_correction_event.corrected_agent_response")
	}
	if v, ok := ev["original_agent_response"].(string); ok {
		p.Original = v
	}
	return nil
}

func (p *ServerEventParamAgentResponseCorrection) Json() map[string]any {
	return map[string]any{
		"agent_response_correction_event": map[string]any{
			"original_agent_response":  p.Original,
			"corrected_agent_response": p.Corrected,
		},
	}
}

// ping
type ServerEventParamPing struct {
	EventID int
	PingMs  int
}

func (p *ServerEventParamPing) New(m map[string]any) error {
	ev, err := subObject(m, "ping_event")
	if err != nil {
		return err
	}
	if v, ok := asInt(ev["event_id"]); ok {
		p.EventID = v
	} else {
		return errors.New("missing ping_event.event_id")
	}
	if v, ok := asInt(ev["ping_ms"]); ok {
		p.PingMs = v
	}
	return nil
}

func (p *ServerEventParamPing) Json() map[string]any {
	return map[string]any{
		"ping_event": map[string]any{
			"event_id": p.EventID,
			"ping_ms":  p.PingMs,
		},
	}
}

// conversation_initiation_metadata
type ServerEventParamConversationInitiationMetadata struct {
	ConversationID         string
	AgentOutputAudioFormat string
	UserInputAudioFormat   string
}

func (p *ServerEventParamConversationInitiationMetadata) New(m map[string]any) error {
	ev, err := subObject(m, "conversation_initiation_metadata_event")
	if err != nil {
		return err
	}
	if v, ok := ev["conversation_id"].(string); ok {
		p.ConversationID = v
	}
	if v, ok := ev["agent_output_audio_format"].(string); ok {
		p.AgentOutputAudioFormat = v
	}
	if v, ok := ev["user_input_audio_format"].(string); ok {
		p.UserInputAudioFormat = v
	}
	return nil
}

func (p *ServerEventParamConversationInitiationMetadata) Json() map[string]any {
	return map[string]any{
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id":           p.ConversationID,
			"agent_output_audio_format": p.AgentOutputAudioFormat,
			"user_input_audio_format":   p.UserInputAudioFormat,
		},
	}
}

// conversation_initiation_client_data
type ClientEventParamConversationInitiation struct {
	ConfigOverride   map[string]any
	DynamicVariables map[string]any
}

func (p *ClientEventParamConversationInitiation) New(m map[string]any) error {
	if v, ok := m["conversation_config_override"].(map[string]any); ok {
		p.ConfigOverride = v
	}
	if v, ok := m["dynamic_variables"].(map[string]any); ok {
		p.DynamicVariables = v
	}
	return nil
}

func (p *ClientEventParamConversationInitiation) Json() map[string]any {
	resp := map[string]any{}
	if p.ConfigOverride != nil {
		resp["conversation_config_override"] = p.ConfigOverride
	}
	if p.DynamicVariables != nil {
		resp["dynamic_variables"] = p.DynamicVariables
	}
	return resp
}

// user_audio_chunk
type ClientEventParamUserAudioChunk struct {
	Audio string
}

func (p *ClientEventParamUserAudioChunk) New(m map[string]any) error {
	if v, ok := m["user_audio_chunk"].(string); ok {
		p.Audio = v
		return nil
	}
	return errors.New("missing user_audio_chunk")
}

func (p *ClientEventParamUserAudioChunk) Json() map[string]any {
	return map[string]any{"user_audio_chunk": p.Audio}
}

// contextual_update
type ClientEventParamContextualUpdate struct {
	Text string
}

func (p *ClientEventParamContextualUpdate) New(m map[string]any) error {
	if v, ok := m["text"].(string); ok {
		p.Text = v
		return nil
	}
	return errors.New("missing text")
}

func (p *ClientEventParamContextualUpdate) Json() map[string]any {
	return map[string]any{"text": p.Text}
}

// pong
type ClientEventParamPong struct {
	EventID int
}

func (p *ClientEventParamPong) New(m map[string]any) error {
	if v, ok := asInt(m["event_id"]); ok {
		p.EventID = v
		return nil
	}
	return errors.New("missing event_id")
}

func (p *ClientEventParamPong) Json() map[string]any {
	return map[string]any{"event_id": p.EventID}
}

// client_tool_result
type ClientEventParamClientToolResult struct {
	ToolCallID string
	Result     string
	IsError    bool
}

func (p *ClientEventParamClientToolResult) New(m map[string]any) error {
	if v, ok := m["tool_call_id"].(string); ok {
		p.ToolCallID = v
	} else {
		return errors.New("missing tool_call_id")
	}
	if v, ok := m["result"].(string); ok {
		p.Result = v
	}
	if v, ok := m["is_error"].(bool); ok {
		p.IsError = v
	}
	return nil
}

func (p *ClientEventParamClientToolResult) Json() map[string]any {
	return map[string]any{
		"tool_call_id": p.ToolCallID,
		"result":       p.Result,
		"is_error":     p.IsError,
	}
}
