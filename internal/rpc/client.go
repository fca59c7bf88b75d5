// Package rpc frames newline-delimited JSON-RPC over the subject's standard
// streams and correlates responses by request id with bounded waits.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/putao520/warden-lab/internal/faults"
)

const (
	defaultReceiveTimeout = 30 * time.Second
	defaultMaxFrameBytes  = 8 * 1024 * 1024

	// Grace for the reader to flush frames the subject wrote just before
	// exiting.
	exitFlushGrace = 150 * time.Millisecond
)

// Status is the non-blocking view of the subject's liveness that the
// transport consults while waiting for frames. *subject.Process satisfies it.
type Status interface {
	Alive() bool
	ExitCode() (code int, ok bool)
	StderrTail() []string
	Done() <-chan struct{}
}

type Options struct {
	ReceiveTimeout time.Duration
	MaxFrameBytes  int
	Logger         *slog.Logger
}

type Client struct {
	stdin  io.Writer
	status Status
	log    *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	frames  chan Message
	timeout time.Duration

	bytesRead   atomic.Int64
	bytesFramed atomic.Int64
}

// NewClient starts the reader goroutine over stdout. The caller keeps
// ownership of the subject process; closing it ends the reader via EOF.
func NewClient(stdin io.Writer, stdout io.Reader, status Status, opts Options) *Client {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = defaultReceiveTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		stdin:   stdin,
		status:  status,
		log:     opts.Logger,
		frames:  make(chan Message, 16),
		timeout: opts.ReceiveTimeout,
	}
	go c.readLoop(stdout, opts.MaxFrameBytes)
	return c
}

func (c *Client) readLoop(stdout io.Reader, maxFrame int) {
	defer close(c.frames)
	scanner := bufio.NewScanner(&countingReader{r: stdout, n: &c.bytesRead})
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrame)
	for scanner.Scan() {
		line := scanner.Bytes()
		c.bytesFramed.Add(int64(len(line)) + 1)
		if len(line) == 0 {
			continue
		}
		msg, err := parseMessage(line)
		if err != nil {
			// Stray non-protocol output shares the stream; skip it.
			c.log.Debug("skipping non-json line on subject stdout", "bytes", len(line))
			continue
		}
		select {
		case c.frames <- msg:
		default:
			// Buffer full. Hold the frame until a receiver frees a slot,
			// unless the subject is gone and nobody will drain the backlog:
			// the reader must always reach EOF and exit.
			select {
			case c.frames <- msg:
			case <-c.status.Done():
				c.log.Debug("dropping frame read after subject exit", "bytes", len(msg.Raw))
			}
		}
	}
}

// buffered is the count of bytes read off the pipe that have not yet formed a
// complete frame, reported on timeouts for diagnostics.
func (c *Client) buffered() int64 {
	n := c.bytesRead.Load() - c.bytesFramed.Load()
	if n < 0 {
		return 0
	}
	return n
}

// NextID allocates a fresh request id. The transport owns the counter.
func (c *Client) NextID() int64 { return c.nextID.Add(1) }

// Send serializes v to a single line and writes it followed by a newline.
func (c *Client) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return faults.Wrap(faults.KindProtocol, "marshal request", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(b, '\n')); err != nil {
		return faults.Wrap(faults.KindTransport, "write request", err)
	}
	return nil
}

// Receive blocks until a complete frame arrives, the subject exits, or the
// timeout elapses. A zero timeout selects the configured default.
func (c *Client) Receive(timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m, ok := <-c.frames:
		if !ok {
			return Message{}, c.closedErr()
		}
		return m, nil
	case <-timer.C:
		return Message{}, c.timeoutErr(timeout)
	case <-c.status.Done():
	}

	// The subject exited; frames it wrote right before dying may still be
	// in flight until the reader hits EOF and closes the channel.
	flush := time.NewTimer(exitFlushGrace)
	defer flush.Stop()
	for {
		select {
		case m, ok := <-c.frames:
			if !ok {
				return Message{}, c.closedErr()
			}
			return m, nil
		case <-flush.C:
			return Message{}, c.closedErr()
		case <-timer.C:
			return Message{}, c.timeoutErr(timeout)
		}
	}
}

func (c *Client) timeoutErr(timeout time.Duration) error {
	buffered := c.buffered()
	return &faults.Error{
		Code:          faults.CodeForKind(faults.KindTimeout),
		Kind:          faults.KindTimeout,
		Message:       fmt.Sprintf("no frame within %s (%d bytes buffered)", timeout, buffered),
		BufferedBytes: buffered,
	}
}

func (c *Client) closedErr() error {
	e := &faults.Error{
		Code:       faults.CodeForKind(faults.KindClosed),
		Kind:       faults.KindClosed,
		Message:    "subject closed its output stream",
		StderrTail: c.status.StderrTail(),
	}
	if code, ok := c.status.ExitCode(); ok {
		e.ExitCode = &code
		e.Message = fmt.Sprintf("subject exited (code %d) while awaiting a response", code)
	}
	return e
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Call sends an id'd request and blocks until the correlated response, a
// timeout, or a closed stream. Notification frames arriving in between are
// skipped; a response with a different id is a protocol fault, never returned
// as if it matched.
func (c *Client) Call(ctx context.Context, method string, params any) (Message, error) {
	id := c.NextID()
	if err := c.Send(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return Message{}, err
	}
	timeout := c.timeout
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(ctxDeadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	// One absolute deadline for the whole call: skipped notifications spend
	// the same budget, they never reset it.
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, c.timeoutErr(timeout)
		}
		m, err := c.Receive(remaining)
		if err != nil {
			return Message{}, err
		}
		if m.IsNotification() {
			c.log.Debug("skipping notification while awaiting response", "method", m.Method)
			continue
		}
		if *m.ID != id {
			return Message{}, faults.New(faults.KindProtocol,
				fmt.Sprintf("response id mismatch: got %d, want %d", *m.ID, id))
		}
		return m, nil
	}
}

// Notify sends a fire-and-forget notification; no response is awaited.
func (c *Client) Notify(method string, params any) error {
	return c.Send(request{JSONRPC: "2.0", Method: method, Params: params})
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n.Add(int64(n))
	return n, err
}
