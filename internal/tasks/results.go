// Package tasks models the task-management tool surface of the subject:
// typed, tolerantly decoded results for start_task, manage_task and
// list_tasks, plus lifecycle tracking for observed tasks.
package tasks

import (
	"encoding/json"
	"strings"

	"github.com/putao520/warden-lab/internal/rpc"
)

// Tool names forming the unified task-management surface.
const (
	ToolStartTask  = "start_task"
	ToolListTasks  = "list_tasks"
	ToolManageTask = "manage_task"
)

// Superseded tool names that must no longer be advertised.
var RemovedTools = []string{"stop_task", "get_task_logs", "get_task_status"}

// manage_task actions.
const (
	ActionStatus = "status"
	ActionLogs   = "logs"
	ActionStop   = "stop"
)

type StartResult struct {
	TaskID string `json:"task_id"`
	PID    int    `json:"pid"`
	Status string `json:"status"`

	Raw json.RawMessage `json:"-"`
}

type StatusResult struct {
	Action       string `json:"action"`
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	StartedAt    string `json:"started_at"`
	ProcessAlive *bool  `json:"process_alive"`

	Raw json.RawMessage `json:"-"`
}

type LogsResult struct {
	Action     string `json:"action"`
	TaskID     string `json:"task_id"`
	LogFile    string `json:"log_file"`
	LogContent string `json:"log_content"`

	Raw json.RawMessage `json:"-"`
}

type StopResult struct {
	Action  string `json:"action"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Success *bool  `json:"success"`

	Raw json.RawMessage `json:"-"`
}

// DecodeStart parses a start_task payload. Absent fields stay zero; the raw
// payload is retained so a failure can be reported verbatim.
func DecodeStart(payload json.RawMessage) StartResult {
	var r StartResult
	_ = json.Unmarshal(payload, &r)
	r.Raw = payload
	return r
}

func DecodeStatus(payload json.RawMessage) StatusResult {
	var r StatusResult
	_ = json.Unmarshal(payload, &r)
	r.Raw = payload
	return r
}

func DecodeLogs(payload json.RawMessage) LogsResult {
	var r LogsResult
	_ = json.Unmarshal(payload, &r)
	r.Raw = payload
	return r
}

func DecodeStop(payload json.RawMessage) StopResult {
	var r StopResult
	_ = json.Unmarshal(payload, &r)
	r.Raw = payload
	return r
}

// ListResult canonicalizes the two list_tasks shapes the subject produces:
// a JSON array of task objects, or a formatted text table (possibly the
// literal "No tasks found." message).
type ListResult struct {
	IDs   []string
	Table bool
	Text  string
}

func (l ListResult) Count() int { return len(l.IDs) }

func (l ListResult) Empty() bool {
	return len(l.IDs) == 0
}

func (l ListResult) Contains(taskID string) bool {
	for _, id := range l.IDs {
		if id == taskID || (len(taskID) >= 10 && strings.Contains(id, taskID[:10])) {
			return true
		}
	}
	if l.Table && len(taskID) >= 10 {
		return strings.Contains(l.Text, taskID[:10])
	}
	return false
}

// DecodeList accepts either shape. payload is the parsed JSON payload (nil
// when the text was not JSON); text is the raw first content text.
func DecodeList(payload json.RawMessage, text string) ListResult {
	if payload != nil {
		var entries []struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(payload, &entries); err == nil {
			out := ListResult{}
			for _, e := range entries {
				if e.TaskID != "" {
					out.IDs = append(out.IDs, e.TaskID)
				}
			}
			return out
		}
	}
	res := ListResult{Table: true, Text: text}
	if strings.Contains(text, "No tasks found") {
		return res
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") || strings.Contains(line, "TASK_ID") || isTableRule(line) {
			continue
		}
		cells := strings.Split(strings.Trim(line, "|"), "|")
		if len(cells) == 0 {
			continue
		}
		if id := strings.TrimSpace(cells[0]); id != "" {
			res.IDs = append(res.IDs, id)
		}
	}
	return res
}

func isTableRule(line string) bool {
	return strings.Trim(line, "|-+ ") == ""
}

// ErrorSignal reports whether a tool response carries any of the accepted
// failure signals: a protocol-level error object, the tool-level isError
// flag, or error-describing text in the payload.
func ErrorSignal(payload json.RawMessage, env rpc.Message) bool {
	if env.Err != nil {
		return true
	}
	if rpc.ResultIsError(env.Result) {
		return true
	}
	text := strings.ToLower(string(payload))
	if text == "" {
		text = strings.ToLower(rpc.ToolText(env.Result))
	}
	for _, marker := range []string{"not found", "error", "invalid", "unknown action"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
