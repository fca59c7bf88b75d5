package subject

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/putao520/warden-lab/internal/faults"
)

func TestMain(m *testing.M) {
	if os.Getenv("AIW_HELPER_PROCESS") == "1" {
		runHelper(os.Getenv("AIW_HELPER_MODE"))
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

func runHelper(mode string) {
	switch mode {
	case "die":
		fmt.Fprintln(os.Stderr, "fatal: config missing")
		fmt.Fprintln(os.Stderr, "exiting")
		os.Exit(3)
	case "stderr-flood":
		for i := 1; i <= 100; i++ {
			fmt.Fprintf(os.Stderr, "noise line %d\n", i)
		}
		_, _ = io.Copy(io.Discard, os.Stdin)
	default: // serve: stay alive until stdin closes
		_, _ = io.Copy(io.Discard, os.Stdin)
	}
}

func helperConfig(mode string, cfg Config) Config {
	cfg.Command = []string{os.Args[0], "-test.run=TestMain"}
	if cfg.ExtraEnv == nil {
		cfg.ExtraEnv = map[string]string{}
	}
	cfg.ExtraEnv["AIW_HELPER_PROCESS"] = "1"
	cfg.ExtraEnv["AIW_HELPER_MODE"] = mode
	return cfg
}

func TestStartFailsWhenSubjectDiesDuringBootstrap(t *testing.T) {
	_, err := Start(context.Background(), helperConfig("die", Config{
		BootstrapProbes:   10,
		BootstrapInterval: 250 * time.Millisecond,
		ShutdownTimeout:   time.Second,
	}))
	require.Error(t, err)

	fe, ok := faults.As(err)
	require.True(t, ok, "expected a harness fault, got %T", err)
	assert.Equal(t, faults.KindStartup, fe.Kind)
	require.NotNil(t, fe.ExitCode)
	assert.Equal(t, 3, *fe.ExitCode)
	assert.Contains(t, fe.StderrTail, "fatal: config missing")
}

func TestStartAndCloseGraceful(t *testing.T) {
	p, err := Start(context.Background(), helperConfig("serve", Config{
		BootstrapProbes:   2,
		BootstrapInterval: 20 * time.Millisecond,
		ShutdownTimeout:   2 * time.Second,
	}))
	require.NoError(t, err)

	assert.True(t, p.Alive())
	assert.NotZero(t, p.PID())
	_, running := p.ExitCode()
	assert.False(t, running, "exit code must be unknown while alive")

	require.NoError(t, p.Close(context.Background()))
	assert.False(t, p.Alive())
	_, done := p.ExitCode()
	assert.True(t, done)

	// Close is idempotent.
	require.NoError(t, p.Close(context.Background()))
}

func TestStartCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Start(ctx, helperConfig("serve", Config{
		BootstrapProbes:   5,
		BootstrapInterval: 50 * time.Millisecond,
	}))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindStartup))
}

func TestStderrTailIsBounded(t *testing.T) {
	p, err := Start(context.Background(), helperConfig("stderr-flood", Config{
		BootstrapProbes:   2,
		BootstrapInterval: 20 * time.Millisecond,
		ShutdownTimeout:   2 * time.Second,
		StderrTailLines:   10,
	}))
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	require.Eventually(t, func() bool {
		tail := p.StderrTail()
		return len(tail) == 10 && tail[len(tail)-1] == "noise line 100"
	}, 2*time.Second, 20*time.Millisecond, "drain should keep only the last 10 lines")
}

func TestBuildEnvStripsAndPrepends(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CLAUDE_CODE_ENTRYPOINT", "cli")
	t.Setenv("PATH", "/usr/bin")

	env := buildEnv(Config{PathPrepend: "/tmp/mock"}.withDefaults())
	joined := map[string]bool{}
	for _, kv := range env {
		joined[kv] = true
	}
	assert.False(t, joined["CLAUDECODE=1"], "nested-session marker must be stripped")
	assert.False(t, joined["CLAUDE_CODE_ENTRYPOINT=cli"])
	assert.True(t, joined["PATH=/tmp/mock"+string(os.PathListSeparator)+"/usr/bin"])
}

func TestLineRing(t *testing.T) {
	r := newLineRing(3)
	assert.Nil(t, r.Snapshot())
	for i := 1; i <= 5; i++ {
		r.Append(fmt.Sprintf("l%d", i))
	}
	assert.Equal(t, []string{"l3", "l4", "l5"}, r.Snapshot())
	assert.True(t, r.Dropped())
}
