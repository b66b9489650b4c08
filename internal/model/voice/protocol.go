package voice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the closed set of client message kinds.
type Kind int

const (
	KindInit Kind = iota + 1
	KindAudio
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindAudio:
		return "audio"
	case KindDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// DecodeError is returned for frames that cannot be turned into a ClientMessage.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func parseError(message string) *DecodeError {
	return &DecodeError{Code: CodeMessageParse, Message: message}
}

// ClientMessage is a decoded client frame. Only the fields of its Kind are set.
type ClientMessage struct {
	Kind       Kind
	UserID     string
	AgentTitle string
	Audio      []byte
}

type clientEnvelope struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	AgentTitle string `json:"agentTitle"`
	PersonaID  string `json:"personaId"`
	AudioData  string `json:"audioData"`
	Data       string `json:"data"`
}

var kindAliases = map[string]Kind{
	"init":         KindInit,
	"init_session": KindInit,
	"audio_chunk":  KindAudio,
	"audio_data":   KindAudio,
	"audio":        KindAudio,
	"disconnect":   KindDisconnect,
}

// DecodeClientMessage parses one JSON frame from the client socket.
// Missing init fields are not a decode failure; the caller validates them.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, parseError("invalid json frame")
	}

	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return ClientMessage{}, parseError("missing type")
	}
	kind, ok := kindAliases[typ]
	if !ok {
		return ClientMessage{}, &DecodeError{Code: CodeUnknownMessage, Message: "unsupported message type: " + typ}
	}

	switch kind {
	case KindInit:
		agent := strings.TrimSpace(env.AgentTitle)
		if agent == "" {
			agent = strings.TrimSpace(env.PersonaID)
		}
		return ClientMessage{
			Kind:       KindInit,
			UserID:     strings.TrimSpace(env.UserID),
			AgentTitle: agent,
		}, nil
	case KindAudio:
		encoded := env.AudioData
		if encoded == "" {
			encoded = env.Data
		}
		if encoded == "" {
			return ClientMessage{}, parseError("audio payload is required")
		}
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return ClientMessage{}, parseError("audio payload is not valid base64")
		}
		return ClientMessage{Kind: KindAudio, Audio: pcm}, nil
	default:
		return ClientMessage{Kind: kind}, nil
	}
}
