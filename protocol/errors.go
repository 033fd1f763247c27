package protocol

import (
	"encoding/json"
	"fmt"
)

type ErrorCode int

const (
	ErrorNetwork        ErrorCode = 0
	ErrorInvalidRequest ErrorCode = 1
	ErrorAuthentication ErrorCode = 2
	ErrorAuthorization  ErrorCode = 3
	ErrorServer         ErrorCode = 4
	ErrorOutOfBounds    ErrorCode = 5
	ErrorReserved       ErrorCode = 6
	ErrorConflict       ErrorCode = 7
	ErrorUnknown        ErrorCode = 255
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNetwork:
		return "NETWORK_ERROR"
	case ErrorInvalidRequest:
		return "INVALID_REQUEST"
	case ErrorAuthentication:
		return "AUTHENTICATION_ERROR"
	case ErrorAuthorization:
		return "AUTHORIZATION_ERROR"
	case ErrorServer:
		return "SERVER_ERROR"
	case ErrorOutOfBounds:
		return "OUT_OF_BOUNDS"
	case ErrorReserved:
		return "RESERVED"
	case ErrorConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

type ErrorSeverity int

const (
	SeverityLow      ErrorSeverity = 0
	SeverityMedium   ErrorSeverity = 1
	SeverityHigh     ErrorSeverity = 2
	SeverityCritical ErrorSeverity = 3
	SeverityUnknown  ErrorSeverity = 255
)

type ErrorNature int

const (
	NatureBenign   ErrorNature = 0
	NatureCosmetic ErrorNature = 1
	NatureGameplay ErrorNature = 2
	NatureRuntime  ErrorNature = 3
	NatureAbuse    ErrorNature = 4
	NatureUnknown  ErrorNature = 255
)

// ErrorEvent 结构化的领域错误，回送给发起请求的连接。
// 同时实现 error，处理函数可以直接返回它。
type ErrorEvent struct {
	Code         ErrorCode     `json:"error_code"`
	Severity     ErrorSeverity `json:"error_severity"`
	Nature       ErrorNature   `json:"error_nature"`
	Message      string        `json:"error_message"`
	FailedAction string        `json:"failed_action"`
}

func NewErrorEvent(code ErrorCode, severity ErrorSeverity, nature ErrorNature, message, action string) *ErrorEvent {
	return &ErrorEvent{Code: code, Severity: severity, Nature: nature, Message: message, FailedAction: action}
}

// Benign 最常见的拒绝：低严重度、无害
func Benign(code ErrorCode, message, action string) *ErrorEvent {
	return NewErrorEvent(code, SeverityLow, NatureBenign, message, action)
}

// MissingArgument INVALID_REQUEST: Missing keyword argument: "name"
func MissingArgument(name, action string) *ErrorEvent {
	return Benign(ErrorInvalidRequest, fmt.Sprintf("Missing keyword argument: %q", name), action)
}

func (e *ErrorEvent) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.FailedAction)
}

func (e *ErrorEvent) Packet() (Packet, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketError, Payload: b}, nil
}

func ParseErrorEvent(payload []byte) (*ErrorEvent, error) {
	var e ErrorEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
