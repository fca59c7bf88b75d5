package rpc

import (
	"encoding/json"
	"strconv"
)

// Message is one decoded frame. A frame with a non-nil ID and a Result or Err
// is a response; a frame with a Method and no ID is a notification from the
// subject.
type Message struct {
	ID     *int64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *RPCError

	// Raw is the complete frame as received, kept for diagnostics.
	Raw json.RawMessage
}

type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsNotification reports whether the frame carries no correlation id.
func (m Message) IsNotification() bool { return m.ID == nil }

func parseMessage(line []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Message{}, err
	}
	msg := Message{Raw: append(json.RawMessage(nil), line...)}
	if v, ok := raw["method"]; ok {
		_ = json.Unmarshal(v, &msg.Method)
	}
	if v, ok := raw["params"]; ok {
		msg.Params = append(json.RawMessage(nil), v...)
	}
	if v, ok := raw["result"]; ok {
		msg.Result = append(json.RawMessage(nil), v...)
	}
	if v, ok := raw["error"]; ok {
		var rpcErr RPCError
		if err := json.Unmarshal(v, &rpcErr); err != nil {
			return Message{}, err
		}
		msg.Err = &rpcErr
	}
	if v, ok := raw["id"]; ok {
		if id, idOK := decodeID(v); idOK {
			msg.ID = &id
		}
	}
	return msg, nil
}

// decodeID accepts the id shapes seen in the wild: integer, float, or a
// numeric string.
func decodeID(raw json.RawMessage) (int64, bool) {
	var i int64
	if err := json.Unmarshal(raw, &i); err == nil {
		return i, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			return parsed, true
		}
	}
	return 0, false
}
