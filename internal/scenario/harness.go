// Package scenario drives an MCP task server through its full lifecycle and
// records every observation as a pass/fail assertion. The harness never stops
// at the first failure: each scenario degrades independently so one broken
// operation still leaves a complete picture of the rest.
package scenario

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/putao520/warden-lab/internal/rpc"
	"github.com/putao520/warden-lab/internal/verdict"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "agentic-warden"

	clientName    = "wardenlab"
	clientVersion = "1.0.0"
)

// Options tunes the harness. Zero values fall back to the poll cadence the
// subject's own integration suite uses.
type Options struct {
	// PollInterval is the delay between liveness probes while waiting for a
	// task to finish or die. Default 1s.
	PollInterval time.Duration
	// PollAttempts bounds how many probes a single wait may spend. Default 15.
	PollAttempts int
	Logger       *slog.Logger
}

// Harness binds an RPC client to a verdict recorder and knows the full
// scenario sequence.
type Harness struct {
	client   *rpc.Client
	rec      *verdict.Recorder
	interval time.Duration
	attempts int
	log      *slog.Logger
}

func New(client *rpc.Client, rec *verdict.Recorder, opts Options) *Harness {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 15
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Harness{
		client:   client,
		rec:      rec,
		interval: opts.PollInterval,
		attempts: opts.PollAttempts,
		log:      opts.Logger,
	}
}

// Run executes every scenario in order and writes the final summary. The
// verdict lives in the recorder; Run itself has nothing to return.
func (h *Harness) Run(ctx context.Context) {
	h.handshake(ctx)
	h.discovery(ctx)
	h.listBeforeAnyTask(ctx)
	long := h.longRunningTask(ctx)
	short := h.shortTask(ctx)
	h.history(ctx)
	h.errorInjection(ctx, long, short)
	h.rec.Summary()
}

// toolCall wraps the client call so scenarios share one failure shape.
func (h *Harness) toolCall(ctx context.Context, name string, args map[string]any) (json.RawMessage, rpc.Message, error) {
	payload, env, err := h.client.ToolCall(ctx, name, args)
	if err != nil {
		h.log.Debug("tool call failed", "tool", name, "err", err)
	}
	return payload, env, err
}
