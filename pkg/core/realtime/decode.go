package realtime

import (
	"encoding/json"
	"strings"

	"github.com/vango-go/vai-call/pkg/core/tools"
)

type SessionCreated struct {
	SessionID string
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct{}

type FunctionCallArgumentsDone struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
}

// Invocation converts the message into a tool invocation.
func (m FunctionCallArgumentsDone) Invocation() tools.Invocation {
	return tools.Invocation{ID: m.CallID, Name: m.Name, RawArguments: m.Arguments}
}

type InputTranscriptCompleted struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type OutputTranscriptDone struct {
	ResponseID string `json:"response_id"`
	Transcript string `json:"transcript"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// Unhandled is any well-formed envelope the call does not act on.
type Unhandled struct {
	Type string
}

// Decode parses one data channel message.
func Decode(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeSessionCreated:
		var msg struct {
			Session struct {
				ID string `json:"id"`
			} `json:"session"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.created", "")
		}
		return SessionCreated{SessionID: msg.Session.ID}, nil
	case TypeSessionUpdated:
		return SessionUpdated{}, nil
	case TypeFunctionCallArgumentsDone:
		var msg FunctionCallArgumentsDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid function call arguments", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("call_id is required", "call_id")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badRequest("name is required", "name")
		}
		return msg, nil
	case TypeInputTranscriptCompleted:
		var msg InputTranscriptCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input transcription", "")
		}
		return msg, nil
	case TypeOutputTranscriptDone, TypeOutputTranscriptDoneGA:
		var msg OutputTranscriptDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid output transcript", "")
		}
		return msg, nil
	case TypeError:
		var msg struct {
			Error ServerError `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg.Error, nil
	default:
		return Unhandled{Type: typ}, nil
	}
}
