// Package ocpp implements the charge-point side of OCPP 1.6J: wire framing,
// request/response correlation over a WebSocket transport, the inbound
// command handlers and the outbound session lifecycle.
package ocpp

import (
	"encoding/json"
	"fmt"
)

// OCPP-J message type ids.
const (
	messageTypeCall       = 2
	messageTypeCallResult = 3
	messageTypeCallError  = 4
)

// OCPP-J error codes used by this client.
const (
	errorCodeNotSupported       = "NotSupported"
	errorCodeFormationViolation = "FormationViolation"
	errorCodeInternalError      = "InternalError"
)

// callError is a protocol-level rejection of an inbound call.
type callError struct {
	Code        string
	Description string
}

// frame is a parsed OCPP-J message. Action and Payload are set for calls,
// Payload for results, ErrorCode/ErrorDescription for errors.
type frame struct {
	TypeID           int
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
}

func marshalCall(uniqueID, action string, payload interface{}) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{messageTypeCall, uniqueID, action, json.RawMessage(p)})
}

func marshalCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{messageTypeCallResult, uniqueID, json.RawMessage(p)})
}

func marshalCallError(uniqueID, code, description string) ([]byte, error) {
	return json.Marshal([]interface{}{messageTypeCallError, uniqueID, code, description, map[string]interface{}{}})
}

func parseFrame(data []byte) (*frame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("not a JSON array: %w", err)
	}
	if len(arr) < 3 {
		return nil, fmt.Errorf("message has %d elements, need at least 3", len(arr))
	}
	f := &frame{}
	if err := json.Unmarshal(arr[0], &f.TypeID); err != nil {
		return nil, fmt.Errorf("message type id: %w", err)
	}
	if err := json.Unmarshal(arr[1], &f.UniqueID); err != nil {
		return nil, fmt.Errorf("unique id: %w", err)
	}
	switch f.TypeID {
	case messageTypeCall:
		if len(arr) < 4 {
			return nil, fmt.Errorf("call has %d elements, need 4", len(arr))
		}
		if err := json.Unmarshal(arr[2], &f.Action); err != nil {
			return nil, fmt.Errorf("action: %w", err)
		}
		f.Payload = arr[3]
	case messageTypeCallResult:
		f.Payload = arr[2]
	case messageTypeCallError:
		if err := json.Unmarshal(arr[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("error code: %w", err)
		}
		if len(arr) > 3 {
			// Description is free text; ignore parse failures.
			json.Unmarshal(arr[3], &f.ErrorDescription)
		}
	default:
		return nil, fmt.Errorf("unknown message type id %d", f.TypeID)
	}
	return f, nil
}

// messageTypeOf extracts a label for the session log: the action name for
// calls, "CallResult"/"CallError" otherwise.
func messageTypeOf(data []byte) string {
	f, err := parseFrame(data)
	if err != nil {
		return "Unknown"
	}
	switch f.TypeID {
	case messageTypeCall:
		return f.Action
	case messageTypeCallResult:
		return "CallResult"
	case messageTypeCallError:
		return "CallError"
	}
	return "Unknown"
}
