package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names emitted by the external voice agent.
const (
	TypeSTTChunk   MessageType = "stt_chunk"
	TypeSTTOutput  MessageType = "stt_output"
	TypeAgentChunk MessageType = "agent_chunk"
	TypeAgentEnd   MessageType = "agent_end"
	TypeToolCall   MessageType = "tool_call"
	TypeToolResult MessageType = "tool_result"
	TypeTTSChunk   MessageType = "tts_chunk"
)

type STTChunk struct {
	Type       MessageType `json:"type"`
	Transcript string      `json:"transcript"`
}

type STTOutput struct {
	Type       MessageType `json:"type"`
	Transcript string      `json:"transcript"`
}

type AgentChunk struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type AgentEnd struct {
	Type MessageType `json:"type"`
}

type ToolCall struct {
	Type MessageType     `json:"type"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type ToolResult struct {
	Type   MessageType     `json:"type"`
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
}

type TTSChunk struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

// ParseAgentEvent decodes a text frame from the external voice agent.
func ParseAgentEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var target any
	switch env.Type {
	case TypeSTTChunk:
		target = &STTChunk{}
	case TypeSTTOutput:
		target = &STTOutput{}
	case TypeAgentChunk:
		target = &AgentChunk{}
	case TypeAgentEnd:
		return AgentEnd{Type: env.Type}, nil
	case TypeToolCall:
		target = &ToolCall{}
	case TypeToolResult:
		target = &ToolResult{}
	case TypeTTSChunk:
		target = &TTSChunk{}
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}

	switch m := target.(type) {
	case *STTChunk:
		return *m, nil
	case *STTOutput:
		return *m, nil
	case *AgentChunk:
		return *m, nil
	case *ToolCall:
		return *m, nil
	case *ToolResult:
		return *m, nil
	case *TTSChunk:
		return *m, nil
	default:
		return nil, ErrUnsupportedType
	}
}
