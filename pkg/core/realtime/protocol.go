// Package realtime encodes and decodes the JSON envelopes exchanged with the
// realtime media endpoint over the signaling data channel.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-call/pkg/core/tools"
)

// Inbound envelope types.
const (
	TypeSessionCreated            = "session.created"
	TypeSessionUpdated            = "session.updated"
	TypeFunctionCallArgumentsDone = "response.function_call_arguments.done"
	TypeInputTranscriptCompleted  = "conversation.item.input_audio_transcription.completed"
	TypeOutputTranscriptDone      = "response.audio_transcript.done"
	TypeOutputTranscriptDoneGA    = "response.output_audio_transcript.done"
	TypeError                     = "error"
)

// Outbound envelope types.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
	TypeResponseCancel         = "response.cancel"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type InputTranscription struct {
	Model string `json:"model"`
}

// SessionSettings is the body of a session.update request.
type SessionSettings struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	Tools                   []tools.Definition  `json:"tools,omitempty"`
	ToolChoice              string              `json:"tool_choice,omitempty"`
}

// DefaultSessionSettings returns the negotiation-time session settings,
// including every supported tool.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		Modalities:        []string{"audio", "text"},
		Voice:             "alloy",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &InputTranscription{
			Model: "whisper-1",
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Tools:      tools.Definitions(),
		ToolChoice: "auto",
	}
}

type outbound struct {
	Type     string           `json:"type"`
	Session  *SessionSettings `json:"session,omitempty"`
	Item     *functionOutput  `json:"item,omitempty"`
	Response *struct{}        `json:"response,omitempty"`
}

type functionOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func EncodeSessionUpdate(s SessionSettings) ([]byte, error) {
	return json.Marshal(outbound{Type: TypeSessionUpdate, Session: &s})
}

func EncodeInputAudioBufferClear() ([]byte, error) {
	return json.Marshal(outbound{Type: TypeInputAudioBufferClear})
}

func EncodeResponseCancel() ([]byte, error) {
	return json.Marshal(outbound{Type: TypeResponseCancel})
}

// EncodeFunctionCallOutput returns the function_call_output item for callID.
// output must already be JSON text.
func EncodeFunctionCallOutput(callID, output string) ([]byte, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, badRequest("call_id is required", "call_id")
	}
	return json.Marshal(outbound{
		Type: TypeConversationItemCreate,
		Item: &functionOutput{Type: "function_call_output", CallID: callID, Output: output},
	})
}

func EncodeResponseCreate() ([]byte, error) {
	return json.Marshal(outbound{Type: TypeResponseCreate})
}
