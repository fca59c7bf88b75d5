package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/putao520/warden-lab/internal/faults"
	"github.com/putao520/warden-lab/internal/subject"
)

func TestMain(m *testing.M) {
	if os.Getenv("AIW_HELPER_PROCESS") == "1" {
		runHelper()
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

// runHelper is a minimal line-delimited JSON-RPC subject used by the
// subprocess integration test.
func runHelper() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var msg map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		method, _ := msg["method"].(string)
		id, hasID := msg["id"]
		if !hasID {
			continue
		}
		switch method {
		case "initialize":
			writeFrame(map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "mini-warden"},
			}})
		case "die":
			fmt.Fprintln(os.Stderr, "going down")
			os.Exit(7)
		default:
			writeFrame(map[string]any{"jsonrpc": "2.0", "id": id,
				"error": map[string]any{"code": -32601, "message": "method not found"}})
		}
	}
}

func writeFrame(v any) {
	b, _ := json.Marshal(v)
	_, _ = os.Stdout.Write(append(b, '\n'))
}

type fakeStatus struct {
	done chan struct{}
	code int
	ok   bool
	tail []string
}

func newFakeStatus() *fakeStatus { return &fakeStatus{done: make(chan struct{})} }

func (f *fakeStatus) Alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeStatus) ExitCode() (int, bool) { return f.code, f.ok }
func (f *fakeStatus) StderrTail() []string  { return f.tail }
func (f *fakeStatus) Done() <-chan struct{} { return f.done }

func (f *fakeStatus) exit(code int, tail ...string) {
	f.code, f.ok, f.tail = code, true, tail
	close(f.done)
}

// pipeSubject wires a Client to an in-process peer over pipes. The returned
// scanner reads the client's requests; frames written to out reach the client.
func pipeSubject(t *testing.T, st *fakeStatus, opts Options) (*Client, *bufio.Scanner, io.WriteCloser) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdinR.Close()
		_ = stdoutW.Close()
		_ = stdoutR.Close()
	})
	c := NewClient(stdinW, stdoutR, st, opts)
	return c, bufio.NewScanner(stdinR), stdoutW
}

func respondTo(t *testing.T, requests *bufio.Scanner, out io.Writer, frames ...func(id any) string) {
	t.Helper()
	go func() {
		if !requests.Scan() {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(requests.Bytes(), &req); err != nil {
			return
		}
		for _, frame := range frames {
			_, _ = io.WriteString(out, frame(req["id"])+"\n")
		}
	}()
}

func TestCallCorrelatesByIDAndSkipsNotifications(t *testing.T) {
	c, requests, out := pipeSubject(t, newFakeStatus(), Options{ReceiveTimeout: 2 * time.Second})

	respondTo(t, requests, out,
		func(id any) string {
			return `{"jsonrpc":"2.0","method":"log/progress","params":{"pct":50}}`
		},
		func(id any) string {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"ok":true}}`, id)
		},
	)

	m, err := c.Call(context.Background(), "initialize", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, m.ID)
	assert.JSONEq(t, `{"ok":true}`, string(m.Result))
}

func TestCallSurfacesIDMismatch(t *testing.T) {
	c, requests, out := pipeSubject(t, newFakeStatus(), Options{ReceiveTimeout: 2 * time.Second})

	respondTo(t, requests, out, func(id any) string {
		return `{"jsonrpc":"2.0","id":9999,"result":{}}`
	})

	_, err := c.Call(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindProtocol), "got %v", err)
}

func TestCallTimesOutUnderNotificationStream(t *testing.T) {
	st := newFakeStatus()
	c, requests, out := pipeSubject(t, st, Options{ReceiveTimeout: 200 * time.Millisecond})
	// Release the reader once the test is over; the stream never ends on its own.
	t.Cleanup(func() { st.exit(0) })

	// The subject consumes the request and then streams progress notifications
	// forever, never answering it.
	go func() {
		if !requests.Scan() {
			return
		}
		for {
			if _, err := io.WriteString(out, `{"jsonrpc":"2.0","method":"log/progress","params":{"pct":1}}`+"\n"); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	start := time.Now()
	_, err := c.Call(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second, "skipped notifications must not reset the call deadline")
}

func TestReadLoopExitsWhenBacklogIsAbandoned(t *testing.T) {
	st := newFakeStatus()
	c, _, out := pipeSubject(t, st, Options{})

	// More frames than the channel buffers, with nobody receiving.
	go func() {
		for i := 0; i < 40; i++ {
			if _, err := io.WriteString(out, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`+"\n", i)); err != nil {
				return
			}
		}
		_ = out.Close()
	}()

	// Let the buffer fill and the reader block on the next send.
	time.Sleep(50 * time.Millisecond)
	st.exit(0)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return // reader reached EOF and closed the channel
			}
		case <-deadline:
			t.Fatal("reader never finished after subject exit")
		}
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	c, requests, out := pipeSubject(t, newFakeStatus(), Options{ReceiveTimeout: 2 * time.Second})

	respondTo(t, requests, out,
		func(id any) string { return "warden: warming up" },
		func(id any) string { return `{not json` },
		func(id any) string {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"tools":[]}}`, id)
		},
	)

	m, err := c.Call(context.Background(), "tools/list", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[]}`, string(m.Result))
}

func TestReceiveTimeoutReportsBufferedBytes(t *testing.T) {
	c, _, out := pipeSubject(t, newFakeStatus(), Options{})

	// A partial frame without a newline never completes.
	_, err := io.WriteString(out, `{"jsonrpc":"2.0","id":1,`)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, rerr := c.Receive(60 * time.Millisecond)
	require.Error(t, rerr)
	fe, ok := faults.As(rerr)
	require.True(t, ok)
	assert.Equal(t, faults.KindTimeout, fe.Kind)
	assert.Positive(t, fe.BufferedBytes)
}

func TestReceiveClosedCarriesExitCodeAndStderrTail(t *testing.T) {
	st := newFakeStatus()
	c, _, out := pipeSubject(t, st, Options{})

	_ = out.Close()
	st.exit(7, "panic: boom")

	_, err := c.Receive(time.Second)
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, faults.KindClosed, fe.Kind)
	require.NotNil(t, fe.ExitCode)
	assert.Equal(t, 7, *fe.ExitCode)
	assert.Contains(t, fe.StderrTail, "panic: boom")
}

func TestToolCallUnwrapsNestedPayload(t *testing.T) {
	c, requests, out := pipeSubject(t, newFakeStatus(), Options{ReceiveTimeout: 2 * time.Second})

	respondTo(t, requests, out, func(id any) string {
		inner := `{\"task_id\":\"t-1\",\"pid\":42,\"status\":\"Running\"}`
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"content":[{"type":"text","text":"%s"}]}}`, id, inner)
	})

	payload, env, err := c.ToolCall(context.Background(), "start_task", map[string]any{"ai_type": "claude"})
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.JSONEq(t, `{"task_id":"t-1","pid":42,"status":"Running"}`, string(payload))
	assert.False(t, ResultIsError(env.Result))
}

func TestToolCallFallsBackToRawEnvelope(t *testing.T) {
	c, requests, out := pipeSubject(t, newFakeStatus(), Options{ReceiveTimeout: 2 * time.Second})

	respondTo(t, requests, out, func(id any) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"content":[{"type":"text","text":"No tasks found."}],"isError":false}}`, id)
	})

	payload, env, err := c.ToolCall(context.Background(), "list_tasks", nil)
	require.NoError(t, err)
	assert.Nil(t, payload, "non-JSON text payload must fall back to the envelope")
	assert.Equal(t, "No tasks found.", ToolText(env.Result))
}

func TestNotifySendsWithoutID(t *testing.T) {
	c, requests, _ := pipeSubject(t, newFakeStatus(), Options{})

	lines := make(chan string, 1)
	go func() {
		if requests.Scan() {
			lines <- requests.Text()
		}
	}()

	require.NoError(t, c.Notify("notifications/initialized", map[string]any{}))

	select {
	case line := <-lines:
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &frame))
		assert.Equal(t, "notifications/initialized", frame["method"])
		_, hasID := frame["id"]
		assert.False(t, hasID)
	case <-time.After(time.Second):
		t.Fatal("notification was never written")
	}
}

func TestAgainstSubprocessSubject(t *testing.T) {
	p, err := subject.Start(context.Background(), subject.Config{
		Command: []string{os.Args[0], "-test.run=TestMain"},
		ExtraEnv: map[string]string{
			"AIW_HELPER_PROCESS": "1",
		},
		BootstrapProbes:   2,
		BootstrapInterval: 20 * time.Millisecond,
		ShutdownTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	c := NewClient(p.Stdin(), p.Stdout(), p, Options{ReceiveTimeout: 2 * time.Second})

	m, err := c.Call(context.Background(), "initialize", map[string]any{"protocolVersion": "2024-11-05"})
	require.NoError(t, err)
	var res struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(m.Result, &res))
	assert.Equal(t, "mini-warden", res.ServerInfo.Name)

	_, err = c.Call(context.Background(), "die", nil)
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, faults.KindClosed, fe.Kind)
	require.NotNil(t, fe.ExitCode)
	assert.Equal(t, 7, *fe.ExitCode)
	assert.Eventually(t, func() bool {
		for _, line := range p.StderrTail() {
			if line == "going down" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
