package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSessionUpdate          MessageType = "session.update"
	TypeInputAudioAppend       MessageType = "input_audio_buffer.append"
	TypeConversationItemCreate MessageType = "conversation.item.create"
	TypeResponseCreate         MessageType = "response.create"
	TypeResponseCancel         MessageType = "response.cancel"

	TypeSessionCreated         MessageType = "session.created"
	TypeSessionUpdated         MessageType = "session.updated"
	TypeTranscriptionCompleted MessageType = "conversation.item.input_audio_transcription.completed"
	TypeResponseTextDelta      MessageType = "response.text.delta"
	TypeResponseOutputDelta    MessageType = "response.output_text.delta"
	TypeResponseAudioDelta     MessageType = "response.audio.delta"
	TypeResponseDone           MessageType = "response.done"
	TypeError                  MessageType = "error"

	TypeStatusUpdate MessageType = "status.update"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMissingType     = errors.New("message type is required")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Unknown carries a message whose type the relay does not model. It is
// forwarded opaquely.
type Unknown struct {
	Type MessageType
	Raw  json.RawMessage
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

type SessionConfig struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
}

type SessionUpdate struct {
	Type    MessageType   `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

type InputAudioAppend struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Audio      string `json:"audio,omitempty"`
}

type ConversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type ConversationItemCreate struct {
	Type           MessageType      `json:"type"`
	EventID        string           `json:"event_id,omitempty"`
	PreviousItemID string           `json:"previous_item_id,omitempty"`
	Item           ConversationItem `json:"item"`
}

// UserText returns the text typed by the user in a user-role message item.
func (m ConversationItemCreate) UserText() string {
	if !strings.EqualFold(m.Item.Role, "user") {
		return ""
	}
	var parts []string
	for _, c := range m.Item.Content {
		switch c.Type {
		case "input_text", "text":
			if t := strings.TrimSpace(c.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

type ResponseCreate struct {
	Type     MessageType    `json:"type"`
	EventID  string         `json:"event_id,omitempty"`
	Response ResponseParams `json:"response"`
}

// ResponseParams keeps fields the relay does not touch so a rewritten request
// still carries everything the browser sent.
type ResponseParams struct {
	Instructions string
	Modalities   []string
	Extra        map[string]json.RawMessage
}

func (p ResponseParams) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Instructions != "" {
		out["instructions"] = p.Instructions
	}
	if len(p.Modalities) > 0 {
		out["modalities"] = p.Modalities
	}
	return json.Marshal(out)
}

func (p *ResponseParams) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = ResponseParams{}
	if v, ok := raw["instructions"]; ok {
		if err := json.Unmarshal(v, &p.Instructions); err != nil {
			return fmt.Errorf("response.instructions: %w", err)
		}
		delete(raw, "instructions")
	}
	if v, ok := raw["modalities"]; ok {
		if err := json.Unmarshal(v, &p.Modalities); err != nil {
			return fmt.Errorf("response.modalities: %w", err)
		}
		delete(raw, "modalities")
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}

// NewResponseCreate builds a bare response request.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// ParseClientMessage decodes a browser text frame for the realtime variant.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	switch env.Type {
	case TypeResponseCreate:
		var msg ResponseCreate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeConversationItemCreate:
		var msg ConversationItemCreate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSessionUpdate:
		var msg SessionUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

type SessionCreated struct {
	Type MessageType `json:"type"`
}

type SessionUpdated struct {
	Type MessageType `json:"type"`
}

type TranscriptionCompleted struct {
	Type         MessageType `json:"type"`
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Transcript   string      `json:"transcript"`
}

type ResponseTextDelta struct {
	Type  MessageType `json:"type"`
	Delta string      `json:"delta"`
}

type ResponseOutput struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ResponseStatus struct {
	ID     string           `json:"id"`
	Status string           `json:"status"`
	Output []ResponseOutput `json:"output"`
}

type ResponseDone struct {
	Type     MessageType    `json:"type"`
	Response ResponseStatus `json:"response"`
}

// Text concatenates the text content of a finished response.
func (m ResponseDone) Text() string {
	var b strings.Builder
	for _, out := range m.Response.Output {
		for _, c := range out.Content {
			switch {
			case c.Text != "":
				b.WriteString(c.Text)
			case c.Transcript != "":
				b.WriteString(c.Transcript)
			}
		}
	}
	return b.String()
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerError struct {
	Type  MessageType `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ParseServerEvent decodes an upstream realtime-model text frame.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeSessionCreated:
		msg = SessionCreated{Type: env.Type}
	case TypeSessionUpdated:
		msg = SessionUpdated{Type: env.Type}
	case TypeTranscriptionCompleted:
		var m TranscriptionCompleted
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeResponseTextDelta, TypeResponseOutputDelta:
		var m ResponseTextDelta
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeResponseDone:
		var m ResponseDone
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeError:
		var m ServerError
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		msg = Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// RelayError is the error notification the relay sends to the browser.
type RelayError struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewRelayError(format string, args ...any) RelayError {
	return RelayError{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

// StatusUpdate is pushed to every open browser session when the store's
// status field changes.
type StatusUpdate struct {
	Type   MessageType `json:"type"`
	Status any         `json:"status"`
}

func NewStatusUpdate(status any) StatusUpdate {
	return StatusUpdate{Type: TypeStatusUpdate, Status: status}
}

type TranscriptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserContents keeps the non-empty user-authored entries, in order.
func UserContents(messages []TranscriptMessage) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		if !strings.EqualFold(strings.TrimSpace(m.Role), "user") {
			continue
		}
		if c := strings.TrimSpace(m.Content); c != "" {
			out = append(out, c)
		}
	}
	return out
}
