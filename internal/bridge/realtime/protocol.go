package realtime

// Client event types
const (
	EventSessionUpdate          = "session.update"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
)

// Server event types
const (
	EventError                 = "error"
	EventSessionCreated        = "session.created"
	EventSessionUpdated        = "session.updated"
	EventConversationItemAdded = "conversation.item.created"
	EventResponseCreated       = "response.created"
	EventResponseAudioDelta    = "response.audio.delta"
	EventResponseOutputDelta   = "response.output_audio.delta"
	EventResponseAudioDone     = "response.audio.done"
	EventResponseDone          = "response.done"
	EventSpeechStarted         = "input_audio_buffer.speech_started"
	EventSpeechStopped         = "input_audio_buffer.speech_stopped"
	EventAudioCommitted        = "input_audio_buffer.committed"
)

// AudioFormatPCM16 is 16-bit little-endian mono PCM at 24 kHz.
const AudioFormatPCM16 = "pcm16"

// ClientEvent is the envelope shared by all client events.
type ClientEvent struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

// SessionUpdateEvent configures the provider session.
type SessionUpdateEvent struct {
	ClientEvent
	Session SessionConfig `json:"session"`
}

// SessionConfig is the body of session.update.
type SessionConfig struct {
	Modalities        []string             `json:"modalities,omitempty"`
	Instructions      string               `json:"instructions,omitempty"`
	Voice             string               `json:"voice,omitempty"`
	InputAudioFormat  string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat string               `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetectionConfig `json:"turn_detection"`
	Temperature       float64              `json:"temperature,omitempty"`
}

// TurnDetectionConfig controls server-side voice activity detection.
// CreateResponse is sent explicitly: the bridge issues response.create
// itself so the provider must not start responses on its own.
type TurnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

// InputAudioBufferAppendEvent carries caller audio.
type InputAudioBufferAppendEvent struct {
	ClientEvent
	Audio string `json:"audio"`
}

// ConversationItemCreateEvent adds an item to the conversation.
type ConversationItemCreateEvent struct {
	ClientEvent
	Item ConversationItem `json:"item"`
}

// ConversationItem is a conversation entry.
type ConversationItem struct {
	ID      string                `json:"id,omitempty"`
	Type    string                `json:"type"`
	Status  string                `json:"status,omitempty"`
	Role    string                `json:"role,omitempty"`
	Content []ConversationContent `json:"content,omitempty"`
}

// ConversationContent is one content part of an item.
type ConversationContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ResponseCreateEvent asks the model to respond.
type ResponseCreateEvent struct {
	ClientEvent
	Response *ResponseConfig `json:"response,omitempty"`
}

// ResponseConfig overrides session settings for one response.
type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// ServerEvent is the envelope shared by all server events.
type ServerEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// ErrorEvent reports a provider-side error.
type ErrorEvent struct {
	ServerEvent
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a provider error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// ConversationItemCreatedEvent confirms an item was added.
type ConversationItemCreatedEvent struct {
	ServerEvent
	PreviousItemID string           `json:"previous_item_id"`
	Item           ConversationItem `json:"item"`
}

// ResponseAudioDeltaEvent carries a chunk of base64 PCM16 response audio.
type ResponseAudioDeltaEvent struct {
	ServerEvent
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

// ResponseDoneEvent marks the end of a response.
type ResponseDoneEvent struct {
	ServerEvent
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}
