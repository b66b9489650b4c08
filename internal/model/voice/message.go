package voice

import "time"

// 服务端下发的消息类型
const (
	TypeSessionReady       = "session_ready"
	TypeGeminiConnected    = "gemini_connected"
	TypeGeminiDisconnected = "gemini_disconnected"
	TypeAudio              = "audio"
	TypeUserText           = "user_text"
	TypeAssistantText      = "assistant_text"
	TypeInterrupted        = "interrupted"
	TypeTurnComplete       = "turn_complete"
	TypeError              = "error"
	TypeSessionEnded       = "session_ended"
)

// 错误码，客户端据此决定重试或重新 init
const (
	CodeAgentValidation  = "AGENT_VALIDATION_ERROR"
	CodeSessionInit      = "SESSION_INIT_ERROR"
	CodeAudioChunk       = "AUDIO_CHUNK_ERROR"
	CodeAudioForward     = "AUDIO_FORWARD_ERROR"
	CodeGeminiConnection = "GEMINI_CONNECTION_ERROR"
	CodeMessageParse     = "MESSAGE_PARSE_ERROR"
	CodeUnknownMessage   = "UNKNOWN_MESSAGE_TYPE"
)

// ServerMessage 服务端到客户端的统一消息结构
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Text      string `json:"text,omitempty"`
	Data      string `json:"data,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newMessage(typ, sessionID string) ServerMessage {
	return ServerMessage{Type: typ, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
}

// SessionReady 会话可用
func SessionReady(sessionID string) ServerMessage {
	msg := newMessage(TypeSessionReady, sessionID)
	msg.Message = "session ready"
	return msg
}

// GeminiConnected 上游连接已建立
func GeminiConnected(sessionID string) ServerMessage {
	msg := newMessage(TypeGeminiConnected, sessionID)
	msg.Message = "upstream connected"
	return msg
}

// GeminiDisconnected 上游连接正常关闭，会话仍然保留
func GeminiDisconnected(sessionID, reason string) ServerMessage {
	msg := newMessage(TypeGeminiDisconnected, sessionID)
	msg.Message = reason
	return msg
}

// Audio 助手音频帧，data 为 base64 编码的 PCM
func Audio(sessionID, data string) ServerMessage {
	msg := newMessage(TypeAudio, sessionID)
	msg.Data = data
	return msg
}

// Transcript 转写片段，按角色区分消息类型
func Transcript(sessionID string, role Role, text string) ServerMessage {
	typ := TypeUserText
	if role == RoleAssistant {
		typ = TypeAssistantText
	}
	msg := newMessage(typ, sessionID)
	msg.Text = text
	return msg
}

// TurnSignal 轮次边界通知
func TurnSignal(sessionID string, boundary TurnBoundary) ServerMessage {
	typ := TypeTurnComplete
	if boundary == BoundaryInterrupted {
		typ = TypeInterrupted
	}
	return newMessage(typ, sessionID)
}

// Error 错误消息，sessionID 可为空（连接级错误）
func Error(sessionID, code, message string) ServerMessage {
	msg := newMessage(TypeError, sessionID)
	msg.Code = code
	msg.Message = message
	return msg
}

// SessionEnded 会话结束确认
func SessionEnded(sessionID, reason string) ServerMessage {
	msg := newMessage(TypeSessionEnded, sessionID)
	msg.Reason = reason
	return msg
}
