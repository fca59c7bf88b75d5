package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/putao520/warden-lab/internal/mockagent"
	"github.com/putao520/warden-lab/internal/rpc"
	"github.com/putao520/warden-lab/internal/tasks"
)

const (
	longTaskPrompt  = "Count from 1 to 20 slowly"
	shortTaskPrompt = "QUICK_EXIT and say hello"

	bogusTaskID   = "nonexistent-uuid-12345"
	invalidAction = "invalid_action"
)

func statusIs(got, want string) bool { return strings.EqualFold(got, want) }

// handshake performs initialize and the initialized notification.
func (h *Harness) handshake(ctx context.Context) {
	h.rec.Section("MCP handshake")
	msg, err := h.client.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	})
	if err != nil {
		h.rec.Fail("initialize responds", err.Error())
		return
	}
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	_ = json.Unmarshal(msg.Result, &res)
	h.rec.Check("initialize identifies the server", res.ServerInfo.Name == serverName,
		fmt.Sprintf("serverInfo.name = %q", res.ServerInfo.Name))
	h.rec.Check("initialize agrees on protocol version", res.ProtocolVersion == protocolVersion,
		fmt.Sprintf("protocolVersion = %q", res.ProtocolVersion))
	if err := h.client.Notify("notifications/initialized", map[string]any{}); err != nil {
		h.rec.Fail("initialized notification sent", err.Error())
		return
	}
	h.rec.Pass("initialized notification sent")
}

// discovery lists tools and checks the surviving and superseded surface.
func (h *Harness) discovery(ctx context.Context) {
	h.rec.Section("Tool discovery")
	msg, err := h.client.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		h.rec.Fail("tools/list responds", err.Error())
		return
	}
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	_ = json.Unmarshal(msg.Result, &res)
	names := make(map[string]bool, len(res.Tools))
	for _, t := range res.Tools {
		names[t.Name] = true
	}
	for _, want := range []string{tasks.ToolStartTask, tasks.ToolListTasks, tasks.ToolManageTask} {
		h.rec.Check(fmt.Sprintf("tool %s is advertised", want), names[want], "")
	}
	for _, gone := range tasks.RemovedTools {
		h.rec.Check(fmt.Sprintf("superseded tool %s is absent", gone), !names[gone], "")
	}
}

// listBeforeAnyTask asserts a clean slate.
func (h *Harness) listBeforeAnyTask(ctx context.Context) {
	h.rec.Section("Task list before any start")
	payload, env, err := h.toolCall(ctx, tasks.ToolListTasks, nil)
	if err != nil {
		h.rec.Fail("list_tasks responds", err.Error())
		return
	}
	list := tasks.DecodeList(payload, rpc.ToolText(env.Result))
	h.rec.Check("no tasks before any start", list.Empty(),
		fmt.Sprintf("%d task(s) already present", list.Count()))
}

// longRunningTask walks the full start/status/logs/stop lifecycle. It returns
// the tracker so later scenarios can reuse the task id; nil means the task
// never started.
func (h *Harness) longRunningTask(ctx context.Context) *tasks.Tracker {
	h.rec.Section("Long-running task lifecycle")

	payload, env, err := h.toolCall(ctx, tasks.ToolStartTask, map[string]any{
		"ai_type": "claude",
		"task":    longTaskPrompt,
	})
	if err != nil {
		h.rec.Fail("start_task responds", err.Error())
		return nil
	}
	start := tasks.DecodeStart(payload)
	if !h.rec.Check("start_task returns a task id", start.TaskID != "", string(start.Raw)) {
		return nil
	}
	h.rec.Check("start_task reports a live pid", start.PID != 0, fmt.Sprintf("pid = %d", start.PID))
	h.rec.Check("new task starts running", statusIs(start.Status, "running"),
		fmt.Sprintf("status = %q", start.Status))
	tr := tasks.NewTracker(start.TaskID)
	h.log.Info("task started", "task_id", start.TaskID, "pid", start.PID)

	// Status while running. The agent needs a beat to spawn, so probe until
	// the server reports the process alive.
	var status tasks.StatusResult
	alive, tries, err := Poll(ctx, h.interval, h.attempts, func() (bool, error) {
		payload, _, err := h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":  tasks.ActionStatus,
			"task_id": tr.TaskID,
		})
		if err != nil {
			return false, err
		}
		status = tasks.DecodeStatus(payload)
		return status.ProcessAlive != nil && *status.ProcessAlive, nil
	})
	if err != nil {
		h.rec.Fail("status probe while running", err.Error())
	}
	h.rec.Check("running task reports process alive", alive,
		fmt.Sprintf("after %d probe(s): %s", tries, string(status.Raw)))
	h.rec.Check("status echoes the action", status.Action == tasks.ActionStatus,
		fmt.Sprintf("action = %q", status.Action))
	h.rec.Check("status echoes the task id", status.TaskID == tr.TaskID,
		fmt.Sprintf("task_id = %q", status.TaskID))
	h.rec.Check("status carries started_at", status.StartedAt != "",
		string(status.Raw))
	if alive {
		if _, err := tr.Observe(status.ProcessAlive); err != nil {
			h.rec.Fail("task liveness stays consistent", err.Error())
		}
	}

	// The list must show the task while it runs.
	payload, env, err = h.toolCall(ctx, tasks.ToolListTasks, nil)
	if err != nil {
		h.rec.Fail("list_tasks during run responds", err.Error())
	} else {
		list := tasks.DecodeList(payload, rpc.ToolText(env.Result))
		h.rec.Check("running task appears in list_tasks", list.Contains(tr.TaskID),
			fmt.Sprintf("list holds %d task(s)", list.Count()))
	}

	// Logs accumulate while the agent works. Wait for the first output, then
	// sample twice to confirm the file only ever grows.
	var logs tasks.LogsResult
	gotLogs, _, err := Poll(ctx, h.interval, h.attempts, func() (bool, error) {
		payload, _, err := h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":     tasks.ActionLogs,
			"task_id":    tr.TaskID,
			"tail_lines": 50,
		})
		if err != nil {
			return false, err
		}
		logs = tasks.DecodeLogs(payload)
		return logs.LogContent != "", nil
	})
	if err != nil {
		h.rec.Fail("log probe while running", err.Error())
	}
	h.rec.Check("running task produces log output", gotLogs, string(logs.Raw))
	h.rec.Check("logs echo the action", logs.Action == tasks.ActionLogs,
		fmt.Sprintf("action = %q", logs.Action))
	h.rec.Check("logs identify their file", logs.LogFile != "", string(logs.Raw))
	if gotLogs {
		if strings.Contains(logs.LogContent, "Processing step") {
			h.rec.Pass("log content shows agent progress")
		} else {
			h.rec.Pass("log content is non-empty")
			h.rec.Info("log tail lacks progress lines yet: %.120q", logs.LogContent)
		}
		firstLen := len(logs.LogContent)
		time.Sleep(h.interval)
		payload, _, err = h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":  tasks.ActionLogs,
			"task_id": tr.TaskID,
		})
		if err != nil {
			h.rec.Fail("full log fetch responds", err.Error())
		} else {
			full := tasks.DecodeLogs(payload)
			h.rec.Check("full log fetch returns content", full.LogContent != "", string(full.Raw))
			h.rec.Check("log content never shrinks while running", len(full.LogContent) >= firstLen,
				fmt.Sprintf("tail was %d bytes, full read %d", firstLen, len(full.LogContent)))
		}
	}

	// Stop the task and confirm the server agrees it is gone.
	tr.StopRequested()
	payload, _, err = h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
		"action":  tasks.ActionStop,
		"task_id": tr.TaskID,
	})
	if err != nil {
		h.rec.Fail("stop_task responds", err.Error())
		return tr
	}
	stop := tasks.DecodeStop(payload)
	h.rec.Check("stop echoes the action", stop.Action == tasks.ActionStop,
		fmt.Sprintf("action = %q", stop.Action))
	h.rec.Check("stop acknowledges success", stop.Success != nil && *stop.Success, string(stop.Raw))
	h.rec.Check("stop reports the task's state", stop.Status != "", string(stop.Raw))

	var after tasks.StatusResult
	dead, tries, err := Poll(ctx, h.interval, h.attempts, func() (bool, error) {
		payload, _, err := h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":  tasks.ActionStatus,
			"task_id": tr.TaskID,
		})
		if err != nil {
			return false, err
		}
		after = tasks.DecodeStatus(payload)
		return after.ProcessAlive != nil && !*after.ProcessAlive, nil
	})
	if err != nil {
		h.rec.Fail("status probe after stop", err.Error())
	}
	h.rec.Check("stopped task reports process dead", dead,
		fmt.Sprintf("after %d probe(s): %s", tries, string(after.Raw)))
	h.rec.Check("stopped task leaves the running state", !statusIs(after.Status, "running"),
		fmt.Sprintf("status = %q", after.Status))
	if dead {
		state, err := tr.Observe(after.ProcessAlive)
		if err != nil {
			h.rec.Fail("task liveness stays consistent", err.Error())
		} else {
			h.rec.Check("task settles as stopped", state == tasks.StateStopped,
				fmt.Sprintf("state = %s", state))
		}
	}

	// Logs survive the stop.
	payload, _, err = h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
		"action":  tasks.ActionLogs,
		"task_id": tr.TaskID,
	})
	if err != nil {
		h.rec.Fail("log fetch after stop responds", err.Error())
	} else {
		kept := tasks.DecodeLogs(payload)
		h.rec.Check("logs survive after stop", kept.LogContent != "", string(kept.Raw))
	}
	return tr
}

// shortTask starts a quick-exit task and waits for it to finish on its own.
func (h *Harness) shortTask(ctx context.Context) *tasks.Tracker {
	h.rec.Section("Short task natural completion")

	payload, _, err := h.toolCall(ctx, tasks.ToolStartTask, map[string]any{
		"ai_type": "claude",
		"task":    shortTaskPrompt,
	})
	if err != nil {
		h.rec.Fail("start_task responds", err.Error())
		return nil
	}
	start := tasks.DecodeStart(payload)
	if !h.rec.Check("quick task gets a task id", start.TaskID != "", string(start.Raw)) {
		return nil
	}
	tr := tasks.NewTracker(start.TaskID)

	var last tasks.StatusResult
	began := time.Now()
	done, tries, err := Poll(ctx, h.interval, h.attempts, func() (bool, error) {
		payload, _, err := h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":  tasks.ActionStatus,
			"task_id": tr.TaskID,
		})
		if err != nil {
			return false, err
		}
		last = tasks.DecodeStatus(payload)
		return last.ProcessAlive != nil && !*last.ProcessAlive, nil
	})
	if err != nil {
		h.rec.Fail("completion probe responds", err.Error())
	}
	if done {
		state, obsErr := tr.Observe(last.ProcessAlive)
		if obsErr != nil {
			h.rec.Fail("task liveness stays consistent", obsErr.Error())
		}
		h.rec.Check("quick task completes on its own",
			state == tasks.StateCompleted,
			fmt.Sprintf("after %v (%d probe(s)), state = %s", time.Since(began).Round(time.Millisecond), tries, state))
	} else {
		h.rec.Fail("quick task completes on its own",
			fmt.Sprintf("still alive after %d probe(s): %s", tries, string(last.Raw)))
		// Leave no stray process behind.
		_, _, _ = h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":  tasks.ActionStop,
			"task_id": tr.TaskID,
		})
	}

	payload, _, err = h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
		"action":  tasks.ActionLogs,
		"task_id": tr.TaskID,
	})
	if err != nil {
		h.rec.Fail("completed task log fetch responds", err.Error())
		return tr
	}
	logs := tasks.DecodeLogs(payload)
	switch {
	case strings.Contains(logs.LogContent, mockagent.CompletionMarker):
		h.rec.Pass("completed task logs carry the completion marker")
	case len(logs.LogContent) > 10:
		h.rec.Pass("completed task logs carry output")
		h.rec.Info("no completion marker in logs: %.120q", logs.LogContent)
	default:
		h.rec.Fail("completed task logs carry output", string(logs.Raw))
	}
	return tr
}

// history asserts finished tasks remain listed.
func (h *Harness) history(ctx context.Context) {
	h.rec.Section("Task history")
	payload, env, err := h.toolCall(ctx, tasks.ToolListTasks, nil)
	if err != nil {
		h.rec.Fail("list_tasks responds", err.Error())
		return
	}
	list := tasks.DecodeList(payload, rpc.ToolText(env.Result))
	h.rec.Check("finished tasks stay in history", list.Count() >= 2,
		fmt.Sprintf("list holds %d task(s)", list.Count()))
}

// errorInjection pokes the server with bad input and re-stops settled tasks.
func (h *Harness) errorInjection(ctx context.Context, long, short *tasks.Tracker) {
	h.rec.Section("Error handling")

	payload, env, err := h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
		"action":  tasks.ActionStatus,
		"task_id": bogusTaskID,
	})
	if err != nil {
		h.rec.Fail("status of unknown task responds", err.Error())
	} else {
		h.rec.Check("unknown task id is rejected", tasks.ErrorSignal(payload, env),
			rpc.ToolText(env.Result))
	}

	if long != nil {
		payload, env, err = h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":  invalidAction,
			"task_id": long.TaskID,
		})
		if err != nil {
			h.rec.Fail("invalid action responds", err.Error())
		} else {
			h.rec.Check("invalid action is rejected", tasks.ErrorSignal(payload, env),
				rpc.ToolText(env.Result))
		}

		payload, _, err = h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":  tasks.ActionStop,
			"task_id": long.TaskID,
		})
		if err != nil {
			h.rec.Fail("re-stop of stopped task responds", err.Error())
		} else {
			stop := tasks.DecodeStop(payload)
			h.rec.Check("stopping a stopped task stays graceful",
				stop.Success != nil && *stop.Success, string(stop.Raw))
		}
	} else {
		h.rec.Fail("invalid action is rejected", "no long-running task to target")
	}

	if short != nil {
		payload, _, err = h.toolCall(ctx, tasks.ToolManageTask, map[string]any{
			"action":  tasks.ActionStop,
			"task_id": short.TaskID,
		})
		if err != nil {
			h.rec.Fail("stop of completed task responds", err.Error())
		} else {
			stop := tasks.DecodeStop(payload)
			h.rec.Check("stopping a completed task stays graceful",
				stop.Success != nil && *stop.Success, string(stop.Raw))
		}
	} else {
		h.rec.Fail("stopping a completed task stays graceful", "no completed task to target")
	}
}
