package ocpp16

import (
	"encoding/json"
	"fmt"
)

// OCPP-J error codes used in CallError frames.
const (
	ErrorCodeNotImplemented       = "NotImplemented"
	ErrorCodeNotSupported         = "NotSupported"
	ErrorCodeInternalError        = "InternalError"
	ErrorCodeProtocolError        = "ProtocolError"
	ErrorCodeSecurityError        = "SecurityError"
	ErrorCodeFormationViolation   = "FormationViolation"
	ErrorCodePropertyConstraint   = "PropertyConstraintViolation"
	ErrorCodeOccurrenceConstraint = "OccurrenceConstraintViolation"
	ErrorCodeTypeConstraint       = "TypeConstraintViolation"
	ErrorCodeGenericError         = "GenericError"
)

// Frame is one decoded OCPP-J wire message.
type Frame struct {
	Type             MessageType
	ID               string
	Action           Action          // Call only
	Payload          json.RawMessage // Call and CallResult
	ErrorCode        string          // CallError only
	ErrorDescription string          // CallError only
	ErrorDetails     json.RawMessage // CallError only
}

// FrameError reports a malformed or unencodable frame.
type FrameError struct {
	Operation string
	Message   string
	Cause     error
}

func (e FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

func (e FrameError) Unwrap() error {
	return e.Cause
}

// ParseFrame decodes a raw OCPP-J array into a Frame. Element counts are
// strict: Call has exactly 4 elements, CallResult 3, CallError 4 or 5.
func ParseFrame(data []byte) (*Frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, FrameError{Operation: "ParseFrame", Message: "not a JSON array", Cause: err}
	}
	if len(elements) < 3 {
		return nil, FrameError{Operation: "ParseFrame", Message: "message array too short"}
	}

	var msgType int
	if err := json.Unmarshal(elements[0], &msgType); err != nil {
		return nil, FrameError{Operation: "ParseFrame", Message: "failed to parse message type", Cause: err}
	}
	var msgID string
	if err := json.Unmarshal(elements[1], &msgID); err != nil {
		return nil, FrameError{Operation: "ParseFrame", Message: "failed to parse message id", Cause: err}
	}

	frame := &Frame{Type: MessageType(msgType), ID: msgID}
	switch frame.Type {
	case Call:
		if len(elements) != 4 {
			return nil, FrameError{Operation: "ParseFrame", Message: "Call must have exactly 4 elements"}
		}
		var action string
		if err := json.Unmarshal(elements[2], &action); err != nil {
			return nil, FrameError{Operation: "ParseFrame", Message: "failed to parse action", Cause: err}
		}
		frame.Action = Action(action)
		frame.Payload = elements[3]
		return frame, nil

	case CallResult:
		if len(elements) != 3 {
			return nil, FrameError{Operation: "ParseFrame", Message: "CallResult must have exactly 3 elements"}
		}
		frame.Payload = elements[2]
		return frame, nil

	case CallError:
		if len(elements) < 4 || len(elements) > 5 {
			return nil, FrameError{Operation: "ParseFrame", Message: "CallError must have 4 or 5 elements"}
		}
		if err := json.Unmarshal(elements[2], &frame.ErrorCode); err != nil {
			return nil, FrameError{Operation: "ParseFrame", Message: "failed to parse error code", Cause: err}
		}
		if err := json.Unmarshal(elements[3], &frame.ErrorDescription); err != nil {
			return nil, FrameError{Operation: "ParseFrame", Message: "failed to parse error description", Cause: err}
		}
		if len(elements) == 5 {
			frame.ErrorDetails = elements[4]
		}
		return frame, nil

	default:
		return nil, FrameError{Operation: "ParseFrame", Message: fmt.Sprintf("invalid message type: %d", msgType)}
	}
}

// MarshalCall encodes [2, id, action, payload].
func MarshalCall(id string, action Action, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal([]interface{}{int(Call), id, string(action), payload})
	if err != nil {
		return nil, FrameError{Operation: "MarshalCall", Message: "failed to marshal frame", Cause: err}
	}
	return data, nil
}

// MarshalCallResult encodes [3, id, payload].
func MarshalCallResult(id string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal([]interface{}{int(CallResult), id, payload})
	if err != nil {
		return nil, FrameError{Operation: "MarshalCallResult", Message: "failed to marshal frame", Cause: err}
	}
	return data, nil
}

// MarshalCallError encodes [4, id, code, description, details]. A nil
// details marshals as an empty object, as most charge points expect the
// fifth element to be present.
func MarshalCallError(id, code, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	data, err := json.Marshal([]interface{}{int(CallError), id, code, description, details})
	if err != nil {
		return nil, FrameError{Operation: "MarshalCallError", Message: "failed to marshal frame", Cause: err}
	}
	return data, nil
}

// CallFailure is a charger-side rejection of an outbound call: either a
// CallError frame or a reply with a non-Accepted status.
type CallFailure struct {
	Action      Action
	Code        string
	Description string
}

func (e CallFailure) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s failed: %s: %s", e.Action, e.Code, e.Description)
	}
	return fmt.Sprintf("%s failed: %s", e.Action, e.Code)
}
