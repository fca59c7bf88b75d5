package rpc

import (
	"context"
	"encoding/json"
)

// ToolCall invokes a named tool via tools/call. When the result's first
// content element holds a JSON-encoded text payload it is returned parsed;
// otherwise payload is nil and callers fall back to the raw envelope. Both
// shapes are legitimate per the subject's protocol.
func (c *Client) ToolCall(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, Message, error) {
	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}
	env, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, env, err
	}
	return UnwrapToolPayload(env.Result), env, nil
}

type toolEnvelope struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// UnwrapToolPayload extracts result.content[0].text and re-parses it as a
// second-level JSON document. Nil when the payload is absent or not JSON.
func UnwrapToolPayload(result json.RawMessage) json.RawMessage {
	var env toolEnvelope
	if err := json.Unmarshal(result, &env); err != nil {
		return nil
	}
	if len(env.Content) == 0 || env.Content[0].Text == "" {
		return nil
	}
	text := []byte(env.Content[0].Text)
	if !json.Valid(text) {
		return nil
	}
	return json.RawMessage(text)
}

// ToolText returns the raw first text content of a tools/call result, JSON or
// not. Used for tools whose canonical output is a formatted table.
func ToolText(result json.RawMessage) string {
	var env toolEnvelope
	if err := json.Unmarshal(result, &env); err != nil {
		return ""
	}
	if len(env.Content) == 0 {
		return ""
	}
	return env.Content[0].Text
}

// ResultIsError reports the tool-level error flag of a tools/call result.
func ResultIsError(result json.RawMessage) bool {
	var env toolEnvelope
	if err := json.Unmarshal(result, &env); err != nil {
		return false
	}
	return env.IsError
}
